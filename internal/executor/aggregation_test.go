package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/elspeth-data/elspeth/internal/document"
	"github.com/elspeth-data/elspeth/internal/model"
	"github.com/elspeth-data/elspeth/internal/plugin"
)

type fakeBatchTransform struct {
	emit bool
	err  error
	sum  int64
}

func (f *fakeBatchTransform) Name() string                       { return "sum_batch" }
func (f *fakeBatchTransform) PluginVersion() string               { return "1.0.0" }
func (f *fakeBatchTransform) InputSchema() *model.SchemaContract  { return nil }
func (f *fakeBatchTransform) OutputSchema() *model.SchemaContract { return nil }

func (f *fakeBatchTransform) ProcessBatch(ctx context.Context, pctx plugin.Context, rows []document.Document) (plugin.TransformResult, bool, error) {
	if f.err != nil {
		return plugin.TransformResult{}, false, f.err
	}

	var total int64
	for _, r := range rows {
		n, _ := r.Int()
		total += n
	}

	f.sum = total

	if !f.emit {
		return plugin.TransformResult{}, false, nil
	}

	return plugin.TransformResult{Data: document.NewInt(total), SuccessReason: "summed"}, true, nil
}

func TestAggregationBufferRowMarksBuffered(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	deps := testDeps(t)
	exec := NewAggregationExecutor(deps)

	tok, err := deps.Tokens.NewInitialToken(context.Background(), "row-1", document.NewInt(1))
	if err != nil {
		t.Fatalf("NewInitialToken() error = %v", err)
	}

	if err := exec.BufferRow(context.Background(), "agg1", tok, Trigger{Count: 3}); err != nil {
		t.Fatalf("BufferRow() error = %v", err)
	}

	ready, err := exec.ShouldFlush("agg1")
	if err != nil {
		t.Fatalf("ShouldFlush() error = %v", err)
	}

	if ready {
		t.Error("ShouldFlush() = true with 1/3 rows buffered, want false")
	}
}

func TestAggregationCountTriggerFiresAndFlushes(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	deps := testDeps(t)
	exec := NewAggregationExecutor(deps)

	for i := int64(1); i <= 3; i++ {
		tok, err := deps.Tokens.NewInitialToken(context.Background(), "row", document.NewInt(i))
		if err != nil {
			t.Fatalf("NewInitialToken() error = %v", err)
		}

		if err := exec.BufferRow(context.Background(), "agg1", tok, Trigger{Count: 3}); err != nil {
			t.Fatalf("BufferRow() error = %v", err)
		}
	}

	ready, err := exec.ShouldFlush("agg1")
	if err != nil || !ready {
		t.Fatalf("ShouldFlush() = (%v, %v), want (true, nil)", ready, err)
	}

	bt := &fakeBatchTransform{emit: true}

	result, err := exec.ExecuteFlush(context.Background(), "agg1", bt)
	if err != nil {
		t.Fatalf("ExecuteFlush() error = %v", err)
	}

	if len(result.ConsumedTokens) != 3 {
		t.Errorf("ConsumedTokens len = %d, want 3", len(result.ConsumedTokens))
	}

	if result.MergedToken == nil {
		t.Fatal("MergedToken = nil, want a merged token")
	}

	got, _ := result.MergedToken.RowData.Int()
	if got != 6 {
		t.Errorf("merged sum = %d, want 6", got)
	}
}

func TestAggregationFlushFailureFailsAllConsumedTokens(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	deps := testDeps(t)
	exec := NewAggregationExecutor(deps)

	for i := int64(1); i <= 2; i++ {
		tok, err := deps.Tokens.NewInitialToken(context.Background(), "row", document.NewInt(i))
		if err != nil {
			t.Fatalf("NewInitialToken() error = %v", err)
		}

		if err := exec.BufferRow(context.Background(), "agg1", tok, Trigger{Count: 2}); err != nil {
			t.Fatalf("BufferRow() error = %v", err)
		}
	}

	bt := &fakeBatchTransform{err: errors.New("downstream unavailable")}

	_, err := exec.ExecuteFlush(context.Background(), "agg1", bt)
	if err == nil {
		t.Fatal("ExecuteFlush() error = nil, want flush error")
	}

	ready, err := exec.ShouldFlush("agg1")
	if err != nil {
		t.Fatalf("ShouldFlush() error = %v", err)
	}

	if ready {
		t.Error("ShouldFlush() = true after failed flush, want buffer cleared")
	}
}

func TestAggregationTimeoutTrigger(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Unix(0, 0)
	deps := testDeps(t)
	deps.Clock = func() time.Time { return now }

	exec := NewAggregationExecutor(deps)

	tok, err := deps.Tokens.NewInitialToken(context.Background(), "row-1", document.NewInt(1))
	if err != nil {
		t.Fatalf("NewInitialToken() error = %v", err)
	}

	if err := exec.BufferRow(context.Background(), "agg1", tok, Trigger{Timeout: 5 * time.Second}); err != nil {
		t.Fatalf("BufferRow() error = %v", err)
	}

	now = now.Add(10 * time.Second)

	ready, err := exec.ShouldFlush("agg1")
	if err != nil || !ready {
		t.Fatalf("ShouldFlush() after timeout elapsed = (%v, %v), want (true, nil)", ready, err)
	}
}

func TestAggregationCheckpointRoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	deps := testDeps(t)
	exec := NewAggregationExecutor(deps)

	tok, err := deps.Tokens.NewInitialToken(context.Background(), "row-1", document.NewInt(7))
	if err != nil {
		t.Fatalf("NewInitialToken() error = %v", err)
	}

	trigger := Trigger{Count: 5}
	if err := exec.BufferRow(context.Background(), "agg1", tok, trigger); err != nil {
		t.Fatalf("BufferRow() error = %v", err)
	}

	state, size, err := exec.GetCheckpointState()
	if err != nil {
		t.Fatalf("GetCheckpointState() error = %v", err)
	}

	if size <= 0 {
		t.Error("GetCheckpointState() size = 0, want > 0")
	}

	restored := NewAggregationExecutor(deps)
	if err := restored.RestoreFromCheckpoint(state, map[string]Trigger{"agg1": trigger}); err != nil {
		t.Fatalf("RestoreFromCheckpoint() error = %v", err)
	}

	ready, err := restored.ShouldFlush("agg1")
	if err != nil {
		t.Fatalf("ShouldFlush() error = %v", err)
	}

	if ready {
		t.Error("ShouldFlush() = true with 1/5 restored rows, want false")
	}

	restored.mu.Lock()
	got := len(restored.buffers["agg1"].tokens)
	restored.mu.Unlock()

	if got != 1 {
		t.Errorf("restored buffer len = %d, want 1", got)
	}
}
