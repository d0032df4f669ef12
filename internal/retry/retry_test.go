package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/elspeth-data/elspeth/internal/config"
)

var errBoom = errors.New("boom")

func testCfg() config.RetryConfig {
	return config.RetryConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		MaxAttempts:  3,
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m := NewManager(testCfg(), nil)

	res, err := Do(context.Background(), m, func(context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	if res.Value != 42 || res.Attempts != 1 {
		t.Errorf("Do() = %+v, want Value=42 Attempts=1", res)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m := NewManager(testCfg(), nil)

	calls := 0
	res, err := Do(context.Background(), m, func(context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", errBoom
		}

		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	if res.Value != "ok" || res.Attempts != 2 {
		t.Errorf("Do() = %+v, want Value=ok Attempts=2", res)
	}
}

func TestDoExhaustsMaxAttempts(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m := NewManager(testCfg(), nil)

	calls := 0
	res, err := Do(context.Background(), m, func(context.Context) (int, error) {
		calls++
		return 0, errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("Do() error = %v, want errBoom", err)
	}

	if calls != 3 {
		t.Errorf("Do() made %d attempts, want 3 (MaxAttempts)", calls)
	}

	if res.Attempts != 3 {
		t.Errorf("Do() Attempts = %d, want 3", res.Attempts)
	}
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	classifier := func(err error) bool { return false }
	m := NewManager(testCfg(), classifier)

	calls := 0
	_, err := Do(context.Background(), m, func(context.Context) (int, error) {
		calls++
		return 0, errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("Do() error = %v, want errBoom", err)
	}

	if calls != 1 {
		t.Errorf("Do() made %d attempts, want 1 (non-retryable stops immediately)", calls)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m := NewManager(testCfg(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, m, func(context.Context) (int, error) {
		return 0, errBoom
	})
	if err == nil {
		t.Error("Do() with cancelled context = nil error, want non-nil")
	}
}
