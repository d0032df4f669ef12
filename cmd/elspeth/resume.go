package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/elspeth-data/elspeth/internal/audit/sqlite"
	"github.com/elspeth-data/elspeth/internal/orchestrator"
	"github.com/elspeth-data/elspeth/internal/payload"
)

// ErrDatabaseFileNotFound is the resume/purge precondition failure for a
// --database path that does not exist; both commands must abort rather than
// let the sqlite driver silently create an empty file (spec §6: "Missing
// database paths never auto-create a file").
var ErrDatabaseFileNotFound = errors.New("database file not found")

func resumeCommand(logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	databasePath := fs.String("database", "", "path to the existing sqlite audit database (required)")
	settingsPath := fs.String("settings", "", "path to the pipeline settings file (required)")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	positional := fs.Args()
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "resume: exactly one run_id argument is required")
		return 1
	}

	runID := positional[0]

	if *databasePath == "" || *settingsPath == "" {
		fmt.Fprintln(os.Stderr, "resume: --database and --settings are required")
		return 1
	}

	if err := requireExistingFile(*databasePath); err != nil {
		logger.Error("resume: database precondition failed", "path", *databasePath, "error", err)
		return 1
	}

	boot, err := loadBootstrap(*settingsPath)
	if err != nil {
		logger.Error("resume: load settings", "error", err)
		return 1
	}

	rec, err := sqlite.Open(*databasePath)
	if err != nil {
		logger.Error("resume: open audit database", "path", *databasePath, "error", err)
		return 1
	}
	defer func() { _ = rec.Close() }()

	store, err := payload.NewFilesystemStore(boot.PayloadDir)
	if err != nil {
		logger.Error("resume: open payload store", "path", boot.PayloadDir, "error", err)
		return 1
	}

	spec, err := BuildSpec(*settingsPath, rec, store)
	if err != nil {
		logger.Error("resume: build pipeline", "error", err)
		return 1
	}

	spec.Deps.Recorder = rec
	spec.Deps.Payload = store

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	orch := orchestrator.New(rec, logger)

	result, err := orch.Resume(ctx, runID, spec, func(p orchestrator.ProgressEvent) {
		logger.Info("progress",
			"rows_processed", p.RowsProcessed,
			"rows_succeeded", p.RowsSucceeded,
			"rows_failed", p.RowsFailed,
			"rows_quarantined", p.RowsQuarantined,
			"rows_routed", p.RowsRouted,
			"elapsed_seconds", p.ElapsedSeconds,
		)
	})
	if err != nil {
		logger.Error("resume failed", "run_id", runID, "error", err)
		return 1
	}

	logger.Info("resume completed", "run_id", result.ID, "status", result.Status)

	return 0
}

func requireExistingFile(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrDatabaseFileNotFound, path)
	}

	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrDatabaseFileNotFound, path)
	}

	return nil
}
