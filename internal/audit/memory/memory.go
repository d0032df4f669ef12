// Package memory provides an in-process audit.Recorder used by unit tests
// and by callers that do not need durable audit persistence, following the
// InMemoryKeyStore pattern in this codebase's storage package.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elspeth-data/elspeth/internal/audit"
	"github.com/elspeth-data/elspeth/internal/document"
	"github.com/elspeth-data/elspeth/internal/model"
)

var (
	ErrRunNotFound       = errors.New("run not found")
	ErrStateNotFound     = errors.New("node state not found")
	ErrNodeNotFound      = errors.New("node not found")
	ErrOperationNotFound = errors.New("operation not found")
)

// Recorder is a thread-safe, in-memory implementation of audit.Recorder.
type Recorder struct {
	mu sync.Mutex

	runs        map[string]*model.Run
	nodes       map[string]*model.Node
	edges       map[string]*model.Edge
	rows        map[string]*model.Row
	tokens      map[string]*model.Token
	states      map[string]*model.NodeState
	outcomes    []model.TokenOutcome
	artifacts   map[string]*model.Artifact
	operations  map[string]*model.Operation
	calls       []model.OperationCall
	checkpoints map[string][]model.Checkpoint

	sequence int64
}

// New returns an empty in-memory Recorder.
func New() *Recorder {
	return &Recorder{
		runs:        make(map[string]*model.Run),
		nodes:       make(map[string]*model.Node),
		edges:       make(map[string]*model.Edge),
		rows:        make(map[string]*model.Row),
		tokens:      make(map[string]*model.Token),
		states:      make(map[string]*model.NodeState),
		artifacts:   make(map[string]*model.Artifact),
		operations:  make(map[string]*model.Operation),
		checkpoints: make(map[string][]model.Checkpoint),
	}
}

func (r *Recorder) BeginRun(_ context.Context, configJSON, version string) (*model.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run := &model.Run{
		ID:            uuid.NewString(),
		Status:        model.RunRunning,
		StartedAt:     time.Now(),
		SettingsJSON:  configJSON,
		EngineVersion: version,
		ConfigHash:    document.CanonicalHash(document.NewString(configJSON)),
	}
	r.runs[run.ID] = run

	cp := *run

	return &cp, nil
}

func (r *Recorder) FinishRun(_ context.Context, runID string, status model.RunStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return ErrRunNotFound
	}

	now := time.Now()
	run.Status = status
	run.CompletedAt = &now

	return nil
}

func (r *Recorder) RunStatus(_ context.Context, runID string) (model.RunStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return "", ErrRunNotFound
	}

	return run.Status, nil
}

func (r *Recorder) RegisterNode(_ context.Context, runID, pluginName string, nodeType model.NodeType, position int,
	version, configJSON string, determinism model.Determinism,
	input, output *model.SchemaContract,
) (*model.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	configHash := document.CanonicalHash(document.NewString(configJSON))
	node := &model.Node{
		ID:            audit.DeriveNodeID(pluginName, nodeType, position, configHash),
		RunID:         runID,
		PluginName:    pluginName,
		Type:          nodeType,
		PluginVersion: version,
		Determinism:   determinism,
		ConfigHash:    configHash,
		ConfigJSON:    configJSON,
		InputSchema:   input,
		OutputSchema:  output,
	}
	r.nodes[node.ID] = node

	cp := *node

	return &cp, nil
}

func (r *Recorder) RegisterEdge(_ context.Context, runID, from, to, label string, mode model.RoutingMode) (*model.Edge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	edge := &model.Edge{
		ID:       uuid.NewString(),
		RunID:    runID,
		FromNode: from,
		ToNode:   to,
		Label:    label,
		Mode:     mode,
	}
	r.edges[edge.ID] = edge

	cp := *edge

	return &cp, nil
}

func (r *Recorder) CreateRow(_ context.Context, runID, sourceNodeID string, rowIndex int64, data document.Document, rowID string) (*model.Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rowID == "" {
		rowID = uuid.NewString()
	}

	row := &model.Row{
		ID:             rowID,
		RunID:          runID,
		SourceNodeID:   sourceNodeID,
		RowIndex:       rowIndex,
		SourceDataHash: document.CanonicalHash(data),
		SourceDataRef:  document.CanonicalHash(data),
		CreatedAt:      time.Now(),
	}
	r.rows[row.ID] = row

	cp := *row

	return &cp, nil
}

func (r *Recorder) CreateToken(_ context.Context, rowID, tokenID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tokens[tokenID] = &model.Token{ID: tokenID, RowID: rowID}

	return nil
}

func (r *Recorder) ForkToken(_ context.Context, parentTokenID, branchName, childTokenID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	parent, ok := r.tokens[parentTokenID]
	if !ok {
		return fmt.Errorf("fork: parent token %s not found", parentTokenID)
	}

	r.tokens[childTokenID] = &model.Token{
		ID:            childTokenID,
		RowID:         parent.RowID,
		BranchName:    branchName,
		ParentTokenID: parentTokenID,
	}

	return nil
}

func (r *Recorder) BeginNodeState(_ context.Context, runID, nodeID, tokenID string, sequence int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[nodeID]; !ok {
		return "", ErrNodeNotFound
	}

	stateID := uuid.NewString()
	r.sequence++
	r.states[stateID] = &model.NodeState{
		ID:        stateID,
		RunID:     runID,
		NodeID:    nodeID,
		TokenID:   tokenID,
		Status:    model.StateOpen,
		Sequence:  r.sequence,
		StartedAt: time.Now(),
	}

	return stateID, nil
}

func (r *Recorder) closeState(stateID string, to model.NodeStateStatus, mutate func(*model.NodeState)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[stateID]
	if !ok {
		return ErrStateNotFound
	}

	if err := model.ValidateNodeStateTransition(st.Status, to); err != nil {
		return err
	}

	st.Status = to
	mutate(st)

	return nil
}

func (r *Recorder) CompleteNodeState(_ context.Context, stateID, inputHash, outputHash, successReason string, durationMs int64) error {
	return r.closeState(stateID, model.StateCompleted, func(st *model.NodeState) {
		st.InputHash = inputHash
		st.OutputHash = outputHash
		st.SuccessReason = successReason
		st.DurationMs = durationMs
	})
}

func (r *Recorder) FailNodeState(_ context.Context, stateID, errorJSON, phase string, durationMs int64) error {
	return r.closeState(stateID, model.StateFailed, func(st *model.NodeState) {
		st.ErrorJSON = errorJSON
		st.ErrorPhase = phase
		st.DurationMs = durationMs
	})
}

func (r *Recorder) RecordRouting(_ context.Context, stateID, edgeID string, mode model.RoutingMode, groupID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.states[stateID]; !ok {
		return ErrStateNotFound
	}
	// Routing events are append-only audit records; no further indexing is
	// needed by the in-memory fake beyond existence for tests that assert
	// routing took place via RecordTokenOutcome.
	_ = edgeID
	_ = mode
	_ = groupID

	return nil
}

func (r *Recorder) RecordTokenOutcome(_ context.Context, runID, rowID, tokenID string, outcome model.RowOutcome, sinkName string, isTerminal bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.outcomes = append(r.outcomes, model.TokenOutcome{
		RunID: runID, RowID: rowID, TokenID: tokenID,
		Outcome: outcome, SinkName: sinkName, IsTerminal: isTerminal,
		RecordedAt: time.Now(),
	})

	return nil
}

// Outcomes returns a copy of every recorded TokenOutcome, for test
// assertions against the terminal-outcome invariant.
func (r *Recorder) Outcomes() []model.TokenOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := make([]model.TokenOutcome, len(r.outcomes))
	copy(cp, r.outcomes)

	return cp
}

func (r *Recorder) RegisterArtifact(_ context.Context, runID, sinkNodeID, stateID, artifactType, uri string, size int64, contentHash string) (*model.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a := &model.Artifact{
		ID:                uuid.NewString(),
		RunID:             runID,
		SinkNodeID:        sinkNodeID,
		ProducedByStateID: stateID,
		ArtifactType:      artifactType,
		URI:               uri,
		SizeBytes:         size,
		ContentHash:       contentHash,
	}
	r.artifacts[a.ID] = a

	cp := *a

	return &cp, nil
}

func (r *Recorder) BeginOperation(_ context.Context, runID, nodeID string, kind model.OperationKind) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	r.operations[id] = &model.Operation{ID: id, RunID: runID, NodeID: nodeID, Kind: kind, StartedAt: time.Now()}

	return id, nil
}

func (r *Recorder) CompleteOperation(_ context.Context, operationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.operations[operationID]
	if !ok {
		return ErrOperationNotFound
	}

	now := time.Now()
	op.CompletedAt = &now

	return nil
}

func (r *Recorder) RecordCall(_ context.Context, operationID, target string, durationMs int64, succeeded bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.operations[operationID]; !ok {
		return ErrOperationNotFound
	}

	r.calls = append(r.calls, model.OperationCall{
		ID: uuid.NewString(), OperationID: operationID, Target: target,
		DurationMs: durationMs, Succeeded: succeeded,
	})

	return nil
}

func (r *Recorder) SaveCheckpoint(_ context.Context, cp model.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}

	cp.CreatedAt = time.Now()
	r.checkpoints[cp.RunID] = append(r.checkpoints[cp.RunID], cp)

	return nil
}

func (r *Recorder) LatestCheckpoint(_ context.Context, runID string) (*model.Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cps := r.checkpoints[runID]
	if len(cps) == 0 {
		return nil, nil
	}

	latest := cps[0]
	for _, c := range cps[1:] {
		if c.Sequence > latest.Sequence {
			latest = c
		}
	}

	return &latest, nil
}

func (r *Recorder) DeleteCheckpoints(_ context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.checkpoints, runID)

	return nil
}

func (r *Recorder) Close() error { return nil }
