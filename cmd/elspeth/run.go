package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/elspeth-data/elspeth/internal/audit/sqlite"
	"github.com/elspeth-data/elspeth/internal/model"
	"github.com/elspeth-data/elspeth/internal/orchestrator"
	"github.com/elspeth-data/elspeth/internal/payload"
)

func runCommand(logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	settingsPath := fs.String("settings", "", "path to the pipeline settings file (required)")
	execute := fs.Bool("execute", false, "execute the pipeline (required)")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *settingsPath == "" {
		fmt.Fprintln(os.Stderr, "run: --settings is required")
		return 1
	}

	if !*execute {
		fmt.Fprintln(os.Stderr, "run: --execute is required")
		return 1
	}

	boot, err := loadBootstrap(*settingsPath)
	if err != nil {
		logger.Error("run: load settings", "error", err)
		return 1
	}

	rec, err := sqlite.Open(boot.DatabasePath)
	if err != nil {
		logger.Error("run: open audit database", "path", boot.DatabasePath, "error", err)
		return 1
	}
	defer func() { _ = rec.Close() }()

	store, err := payload.NewFilesystemStore(boot.PayloadDir)
	if err != nil {
		logger.Error("run: open payload store", "path", boot.PayloadDir, "error", err)
		return 1
	}

	spec, err := BuildSpec(*settingsPath, rec, store)
	if err != nil {
		logger.Error("run: build pipeline", "error", err)
		return 1
	}

	spec.Deps.Recorder = rec
	spec.Deps.Payload = store

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	orch := orchestrator.New(rec, logger)

	result, err := orch.Run(ctx, spec, func(p orchestrator.ProgressEvent) {
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
		logger.Error("run failed", "run_id", runIDOf(result), "error", err)
		return 1
	}

	logger.Info("run completed", "run_id", result.ID, "status", result.Status)

	return 0
}

// runIDOf tolerates a nil result for logging -- orchestrator.Run returns a
// non-nil *model.Run on every path except a failure before BeginRun.
func runIDOf(r *model.Run) string {
	if r == nil {
		return ""
	}

	return r.ID
}
