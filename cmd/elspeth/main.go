// Package main provides the ELSPETH CLI entrypoint.
//
// Per spec (§1, §6) this binary stays thin: YAML/settings loading and the
// plugin registry are external-collaborator concerns this package never
// implements. What it does own are the three audit-relevant commands that
// wire the core together -- run, resume, and purge -- and the precondition
// checks (database file existence, run status, checkpoint presence) those
// commands are responsible for enforcing regardless of which settings
// loader or plugin registry eventually plugs into BuildSpec.
package main

import (
	"fmt"
	"log/slog"
	"os"
)

const (
	version = "0.1.0-dev"
	name    = "elspeth"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	switch args[0] {
	case "run":
		return runCommand(logger, args[1:])
	case "resume":
		return resumeCommand(logger, args[1:])
	case "purge":
		return purgeCommand(logger, args[1:])
	case "-version", "--version":
		fmt.Printf("%s v%s\n", name, version)
		return 0
	case "-help", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "%s: unknown command %q\n\n", name, args[0])
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `%s v%s

USAGE:
    %s COMMAND [OPTIONS]

COMMANDS:
    run     --settings <path> --execute
                Execute a pipeline described by the settings file.
    resume  <run_id> --database <path> --settings <path>
                Resume a FAILED run from its latest checkpoint.
    purge   --retention-days N --database <path> --payload-dir <path> [--dry-run] [--yes]
                Delete payload blobs older than N days.

Exit status is 0 on success, 1 on any failure.
`, name, version, name)
}
