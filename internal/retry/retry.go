// Package retry wraps github.com/cenkalti/backoff/v4 to implement the
// RetryManager described in spec §5: exponential backoff with jitter between
// a configured initial and max delay, bounded by a max attempt count, with
// non-retryable errors bypassing the manager entirely.
package retry

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"

	"github.com/elspeth-data/elspeth/internal/config"
)

// Classifier decides whether an error belongs to a plugin's declared
// retryable-error class list (spec §9 "Retryable-exception classification
// should be a per-plugin declared list of error kinds, not class matching").
type Classifier func(err error) bool

// Manager runs an operation under exponential backoff, retrying only errors
// its Classifier accepts.
type Manager struct {
	cfg        config.RetryConfig
	classifier Classifier
}

// NewManager builds a Manager from the given retry configuration. A nil
// classifier treats every error as retryable.
func NewManager(cfg config.RetryConfig, classifier Classifier) *Manager {
	if classifier == nil {
		classifier = func(error) bool { return true }
	}

	return &Manager{cfg: cfg, classifier: classifier}
}

// Result carries the outcome of a retried operation, including how many
// attempts it took -- the engine records this in the eventual COMPLETED
// NodeState's success_reason metadata (spec §5).
type Result[T any] struct {
	Value    T
	Attempts int
}

// Do runs fn, retrying per the Manager's policy until it succeeds, a
// non-retryable error is returned, max attempts is exhausted, or ctx is
// cancelled. A transform that retries still surfaces as a single successful
// call to the caller -- the attempt count is the only visible trace.
func Do[T any](ctx context.Context, m *Manager, fn func(ctx context.Context) (T, error)) (Result[T], error) {
	var (
		value    T
		attempts int
	)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.InitialDelay
	bo.MaxInterval = m.cfg.MaxDelay
	bo.MaxElapsedTime = 0 // bounded by MaxAttempts below, not elapsed wall-clock

	policy := backoff.WithMaxRetries(bo, uint64(m.cfg.MaxAttempts-1))

	op := func() error {
		attempts++

		v, err := fn(ctx)
		if err != nil {
			if !m.classifier(err) {
				return backoff.Permanent(err)
			}

			return err
		}

		value = v

		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(policy, ctx))
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}

		return Result[T]{Attempts: attempts}, err
	}

	return Result[T]{Value: value, Attempts: attempts}, nil
}
