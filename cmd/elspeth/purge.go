package main

import (
	"bufio"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/elspeth-data/elspeth/internal/audit/sqlite"
)

// purgeCommand deletes payload blobs older than --retention-days.
//
// The payload store is strictly content-addressed (payload.Store has no
// run association by design -- one blob can back rows from many runs), so
// "belonging to eligible runs" reduces to blob age: a blob untouched since
// before the retention cutoff is eligible regardless of which run(s) wrote
// it. The audit database is opened only to enforce the same
// database-file-must-exist precondition as resume; it is not consulted
// per-blob.
func purgeCommand(logger *slog.Logger, args []string) int {
	fs2 := flag.NewFlagSet("purge", flag.ContinueOnError)
	retentionDays := fs2.Int("retention-days", 0, "delete payloads last written more than this many days ago (required)")
	databasePath := fs2.String("database", "", "path to the existing sqlite audit database (required)")
	payloadDir := fs2.String("payload-dir", "", "path to the payload store directory (required)")
	dryRun := fs2.Bool("dry-run", false, "report what would be deleted without deleting")
	yes := fs2.Bool("yes", false, "skip the confirmation prompt")

	if err := fs2.Parse(args); err != nil {
		return 1
	}

	if *retentionDays <= 0 {
		fmt.Fprintln(os.Stderr, "purge: --retention-days must be a positive integer")
		return 1
	}

	if *databasePath == "" || *payloadDir == "" {
		fmt.Fprintln(os.Stderr, "purge: --database and --payload-dir are required")
		return 1
	}

	if err := requireExistingFile(*databasePath); err != nil {
		logger.Error("purge: database precondition failed", "path", *databasePath, "error", err)
		return 1
	}

	rec, err := sqlite.Open(*databasePath)
	if err != nil {
		logger.Error("purge: open audit database", "path", *databasePath, "error", err)
		return 1
	}
	defer func() { _ = rec.Close() }()

	cutoff := time.Now().AddDate(0, 0, -*retentionDays)

	candidates, err := findAgedPayloads(*payloadDir, cutoff)
	if err != nil {
		logger.Error("purge: scan payload directory", "path", *payloadDir, "error", err)
		return 1
	}

	if len(candidates) == 0 {
		logger.Info("purge: nothing older than retention window", "retention_days", *retentionDays)
		return 0
	}

	logger.Info("purge: found aged payloads", "count", len(candidates), "retention_days", *retentionDays)

	if *dryRun {
		for _, c := range candidates {
			fmt.Println(c)
		}

		logger.Info("purge: dry run, nothing deleted", "would_delete", len(candidates))

		return 0
	}

	if !*yes && !confirmDeletion(len(candidates)) {
		logger.Info("purge: aborted by user")
		return 1
	}

	deleted := 0

	for _, c := range candidates {
		if err := os.Remove(c); err != nil {
			logger.Warn("purge: delete failed", "path", c, "error", err)
			continue
		}

		deleted++
	}

	logger.Info("purge: complete", "deleted", deleted, "failed", len(candidates)-deleted)

	if deleted != len(candidates) {
		return 1
	}

	return 0
}

// findAgedPayloads walks base_path/<first-two-hex>/<remaining-hex> (the
// layout payload.FilesystemStore writes) and returns every regular file
// last modified before cutoff. A lingering ".tmp" from an interrupted Store
// call is skipped -- it belongs to an in-flight write, not a committed blob.
func findAgedPayloads(payloadDir string, cutoff time.Time) ([]string, error) {
	var aged []string

	err := filepath.WalkDir(payloadDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if d.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}

		if info.ModTime().Before(cutoff) {
			aged = append(aged, path)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return aged, nil
}

func confirmDeletion(count int) bool {
	fmt.Printf("This will permanently delete %d payload file(s). Continue? [y/N] ", count)

	reader := bufio.NewReader(os.Stdin)

	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}

	answer := strings.ToLower(strings.TrimSpace(line))

	return answer == "y" || answer == "yes"
}
