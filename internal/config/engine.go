package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Sentinel validation errors for EngineConfig. Wrapped with context at the
// call site so callers can errors.Is against the bare sentinel.
var (
	ErrInvalidMaxForksPerRow   = errors.New("max_forks_per_row must be positive")
	ErrInvalidCheckpointPolicy = errors.New("unknown checkpoint policy")
	ErrInvalidRetryBounds      = errors.New("retry initial_delay must not exceed max_delay")
	ErrInvalidMaxAttempts      = errors.New("retry max_attempts must be at least 1")
)

// CheckpointPolicyKind selects when the orchestrator takes a checkpoint.
type CheckpointPolicyKind string

const (
	CheckpointEveryRow CheckpointPolicyKind = "every_row"
	CheckpointEveryN   CheckpointPolicyKind = "every_n"
	CheckpointOnFlush  CheckpointPolicyKind = "on_flush"
	CheckpointNone     CheckpointPolicyKind = "none"
)

// CheckpointPolicy governs how often the orchestrator persists a resumable
// checkpoint while a run is in flight.
type CheckpointPolicy struct {
	Kind CheckpointPolicyKind
	// N is the row interval for CheckpointEveryN; ignored otherwise.
	N int
}

func (p CheckpointPolicy) Validate() error {
	switch p.Kind {
	case CheckpointEveryRow, CheckpointOnFlush, CheckpointNone:
		return nil
	case CheckpointEveryN:
		if p.N <= 0 {
			return fmt.Errorf("%w: every_n requires N > 0, got %d", ErrInvalidCheckpointPolicy, p.N)
		}

		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidCheckpointPolicy, p.Kind)
	}
}

// RetryConfig configures the exponential-backoff RetryManager (internal/retry).
type RetryConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	// RetryableErrorClasses is the plugin-declared allow-list of error kinds
	// eligible for retry; an empty list disables retry for that plugin.
	RetryableErrorClasses []string
}

func (r RetryConfig) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxAttempts, r.MaxAttempts)
	}

	if r.InitialDelay > r.MaxDelay {
		return fmt.Errorf("%w: initial=%s max=%s", ErrInvalidRetryBounds, r.InitialDelay, r.MaxDelay)
	}

	return nil
}

// EngineConfig is the resolved, in-memory settings object the core receives
// from its caller (per spec, YAML loading and validation are out of scope
// here — by the time EngineConfig reaches the orchestrator it has already
// been parsed and defaulted by the CLI/settings collaborator).
type EngineConfig struct {
	LogLevel         slog.Level
	MaxForksPerRow   int
	CheckpointPolicy CheckpointPolicy
	DefaultRetry     RetryConfig
	EngineVersion    string
}

// DefaultEngineConfig returns the configuration baseline consumed when the
// caller supplies no overrides, built from the same GetEnv* helpers used by
// the rest of the service so a bare-process smoke test has sane defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		LogLevel:       GetEnvLogLevel("ELSPETH_LOG_LEVEL", slog.LevelInfo),
		MaxForksPerRow: GetEnvInt("ELSPETH_MAX_FORKS_PER_ROW", 64),
		CheckpointPolicy: CheckpointPolicy{
			Kind: CheckpointPolicyKind(GetEnvStr("ELSPETH_CHECKPOINT_POLICY", string(CheckpointEveryN))),
			N:    GetEnvInt("ELSPETH_CHECKPOINT_EVERY_N", 100),
		},
		DefaultRetry: RetryConfig{
			InitialDelay: GetEnvDuration("ELSPETH_RETRY_INITIAL_DELAY", 200*time.Millisecond),
			MaxDelay:     GetEnvDuration("ELSPETH_RETRY_MAX_DELAY", 30*time.Second),
			MaxAttempts:  GetEnvInt("ELSPETH_RETRY_MAX_ATTEMPTS", 5),
		},
		EngineVersion: GetEnvStr("ELSPETH_ENGINE_VERSION", "dev"),
	}
}

// Validate checks the whole configuration tree, matching the sentinel +
// wrapped-error style used throughout this codebase.
func (c EngineConfig) Validate() error {
	if c.MaxForksPerRow <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxForksPerRow, c.MaxForksPerRow)
	}

	if err := c.CheckpointPolicy.Validate(); err != nil {
		return err
	}

	if err := c.DefaultRetry.Validate(); err != nil {
		return err
	}

	return nil
}
