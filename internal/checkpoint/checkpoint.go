// Package checkpoint implements the CheckpointManager (spec §4.4.3, §4.5):
// it decides when the orchestrator should persist a resumable marker,
// folds the Aggregation and Coalesce executors' in-flight buffers into one
// JSON blob, and restores both from the latest saved checkpoint on resume.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/elspeth-data/elspeth/internal/audit"
	"github.com/elspeth-data/elspeth/internal/config"
	"github.com/elspeth-data/elspeth/internal/engineerr"
	"github.com/elspeth-data/elspeth/internal/executor"
	"github.com/elspeth-data/elspeth/internal/graph"
	"github.com/elspeth-data/elspeth/internal/model"
)

const stateFormatVersion = 1

// combinedState is the shape persisted in model.Checkpoint.AggregationStateJSON
// (named for the field that predates the Coalesce addition; it now carries
// both executors' state under separate top-level keys).
type combinedState struct {
	Version     int                    `json:"_version"`
	Aggregation map[string]interface{} `json:"aggregation"`
	Coalesce    map[string]interface{} `json:"coalesce"`
}

// Manager decides when to checkpoint (per config.CheckpointPolicy) and owns
// the serialise/restore round trip for the run's buffered executor state.
type Manager struct {
	rec         audit.Recorder
	runID       string
	policy      config.CheckpointPolicy
	aggregation *executor.AggregationExecutor
	coalesce    *executor.CoalesceExecutor
	topologyHash string

	mu            sync.Mutex
	rowsSinceLast int
}

// New returns a Manager for one run, bound to the executors whose buffered
// state it checkpoints and the graph whose TopologyHash guards resume.
func New(rec audit.Recorder, runID string, g *graph.Graph, policy config.CheckpointPolicy,
	aggregation *executor.AggregationExecutor, coalesce *executor.CoalesceExecutor) *Manager {
	return &Manager{
		rec: rec, runID: runID, policy: policy,
		aggregation: aggregation, coalesce: coalesce,
		topologyHash: TopologyHash(g),
	}
}

// TopologyHash hashes the node IDs at both ends of every registered edge and
// every edge (from, to, label) in a stable, insertion-order-independent way,
// so the same graph structure always produces the same hash regardless of
// which run built it. A node with no edges does not contribute. Resume
// compares this against the checkpoint's recorded hash; a mismatch means the
// graph that produced the checkpoint no longer matches the one about to run
// it, which is a harder incompatibility than the plugin-version-bump case
// (SPEC_FULL.md §4.5) that resume otherwise tolerates.
func TopologyHash(g *graph.Graph) string {
	nodeIDs := make([]string, 0)
	for _, e := range g.Edges() {
		nodeIDs = append(nodeIDs, e.FromNode, e.ToNode)
	}

	sort.Strings(nodeIDs)

	edgeKeys := make([]string, 0, len(g.Edges()))
	for _, e := range g.Edges() {
		edgeKeys = append(edgeKeys, fmt.Sprintf("%s|%s|%s", e.FromNode, e.ToNode, e.Label))
	}

	sort.Strings(edgeKeys)

	h := sha256.New()
	for _, id := range nodeIDs {
		_, _ = h.Write([]byte(id))
		_, _ = h.Write([]byte{0})
	}

	for _, k := range edgeKeys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))[:16]
}

// RowProcessed notifies the manager that one row finished its walk through
// the graph, for CheckpointEveryN's row-counting.
func (m *Manager) RowProcessed() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rowsSinceLast++
}

// Due reports whether the orchestrator should checkpoint now, given the
// policy this Manager was built with and whether a batch flush (sink drain
// or aggregation flush) just happened.
func (m *Manager) Due(justFlushed bool) bool {
	switch m.policy.Kind {
	case config.CheckpointNone:
		return false
	case config.CheckpointEveryRow:
		return true
	case config.CheckpointOnFlush:
		return justFlushed
	case config.CheckpointEveryN:
		m.mu.Lock()
		defer m.mu.Unlock()

		return m.rowsSinceLast >= m.policy.N
	default:
		return false
	}
}

// Save serialises the Aggregation and Coalesce executors' current buffered
// state and persists it as the run's new checkpoint, tagged to tokenID at
// nodeID/sequence -- the row whose processing triggered this save.
func (m *Manager) Save(ctx context.Context, tokenID, nodeID string, sequence int64) error {
	aggState, _, err := m.aggregation.GetCheckpointState()
	if err != nil {
		return fmt.Errorf("checkpoint: serialise aggregation state: %w", err)
	}

	coalesceState, err := m.coalesce.GetCheckpointState()
	if err != nil {
		return fmt.Errorf("checkpoint: serialise coalesce state: %w", err)
	}

	combined := combinedState{
		Version: stateFormatVersion, Aggregation: aggState, Coalesce: coalesceState,
	}

	raw, err := json.Marshal(combined)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal combined state: %w", err)
	}

	cp := model.Checkpoint{
		ID: uuid.NewString(), RunID: m.runID, TokenID: tokenID, NodeID: nodeID,
		Sequence: sequence, AggregationStateJSON: string(raw), TopologyHash: m.topologyHash,
	}

	if err := m.rec.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}

	m.mu.Lock()
	m.rowsSinceLast = 0
	m.mu.Unlock()

	return nil
}

// Restore loads the run's latest checkpoint, if any, verifies its topology
// hash against this Manager's graph, and rebuilds the Aggregation and
// Coalesce executors' buffered state from it. Returns (false, nil) when no
// checkpoint exists yet (a fresh run, not a resume).
func (m *Manager) Restore(ctx context.Context, triggers map[string]executor.Trigger) (bool, error) {
	cp, err := m.rec.LatestCheckpoint(ctx, m.runID)
	if err != nil {
		return false, fmt.Errorf("checkpoint: load latest: %w", err)
	}

	if cp == nil {
		return false, nil
	}

	if cp.TopologyHash != m.topologyHash {
		return false, &engineerr.RunNotResumable{
			RunID:  m.runID,
			Reason: fmt.Sprintf("checkpoint topology hash %s does not match current graph hash %s", cp.TopologyHash, m.topologyHash),
		}
	}

	var combined combinedState
	if err := json.Unmarshal([]byte(cp.AggregationStateJSON), &combined); err != nil {
		return false, fmt.Errorf("checkpoint: decode combined state: %w", err)
	}

	if combined.Aggregation != nil {
		if err := m.aggregation.RestoreFromCheckpoint(combined.Aggregation, triggers); err != nil {
			return false, fmt.Errorf("checkpoint: restore aggregation: %w", err)
		}
	}

	if combined.Coalesce != nil {
		if err := m.coalesce.RestoreFromCheckpoint(combined.Coalesce); err != nil {
			return false, fmt.Errorf("checkpoint: restore coalesce: %w", err)
		}
	}

	return true, nil
}

// Purge deletes every checkpoint recorded for this run, called once a run
// reaches a terminal COMPLETED status (spec §4.5: retained on failure for a
// future resume, deleted on success).
func (m *Manager) Purge(ctx context.Context) error {
	return m.rec.DeleteCheckpoints(ctx, m.runID)
}
