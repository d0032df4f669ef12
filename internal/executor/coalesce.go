package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elspeth-data/elspeth/internal/document"
	"github.com/elspeth-data/elspeth/internal/model"
)

// PolicyKind selects how a Coalesce node decides a join is complete.
type PolicyKind string

const (
	PolicyRequireAll    PolicyKind = "require_all"
	PolicyBestEffort    PolicyKind = "best_effort"
	PolicyQuorum        PolicyKind = "quorum"
	PolicySelectBranch  PolicyKind = "select_branch"
)

// Policy configures a Coalesce node's join-completion rule.
type Policy struct {
	Kind       PolicyKind
	Quorum     int           // used by PolicyQuorum
	BranchName string        // used by PolicySelectBranch
	Timeout    time.Duration // used by PolicyBestEffort
}

// MergeMode selects how a Coalesce node combines its arrived branches' row
// data into the single merged row.
type MergeMode string

const (
	MergeUnion  MergeMode = "union"
	MergeFirst  MergeMode = "first"
	MergeLast   MergeMode = "last"
	MergeConcat MergeMode = "concat"
)

// CoalesceResult is what a completed join hands back to the Row Processor.
type CoalesceResult struct {
	NodeID         string
	Action         ActionKind
	Token          model.Token
	Outcome        model.RowOutcome
	ConsumedTokens []model.Token
}

type pendingJoin struct {
	nodeID           string
	rowID            string
	expectedBranches []string
	policy           Policy
	mergeMode        MergeMode
	arrivals         map[string]model.Token
	arrivalOrder     []string
	startedAt        time.Time
}

// CoalesceExecutor implements the Coalesce Executor (spec §4.4.4): joins
// forked branches of the same row back into a single token per the node's
// declared policy and merge mode.
type CoalesceExecutor struct {
	deps Deps

	mu      sync.Mutex
	pending map[string]*pendingJoin // keyed by rowID
}

// NewCoalesceExecutor returns a CoalesceExecutor sharing deps with the rest
// of the run's executors.
func NewCoalesceExecutor(deps Deps) *CoalesceExecutor {
	return &CoalesceExecutor{deps: deps, pending: make(map[string]*pendingJoin)}
}

// RegisterJoin opens a pending join for rowID at the time its branches are
// forked, so a best_effort policy can time out even if zero branches ever
// arrive.
func (e *CoalesceExecutor) RegisterJoin(nodeID, rowID string, expectedBranches []string, policy Policy, mergeMode MergeMode) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pending[rowID] = &pendingJoin{
		nodeID: nodeID, rowID: rowID, expectedBranches: expectedBranches,
		policy: policy, mergeMode: mergeMode, arrivals: make(map[string]model.Token),
		startedAt: e.deps.now(),
	}
}

// Arrive records tok's arrival at its coalesce join and resolves the join
// immediately if the policy is now satisfied.
func (e *CoalesceExecutor) Arrive(ctx context.Context, tok model.Token) (CoalesceResult, bool, error) {
	e.mu.Lock()
	join, ok := e.pending[tok.RowID]
	if !ok {
		e.mu.Unlock()
		return CoalesceResult{}, false, fmt.Errorf("coalesce: no registered join for row %s", tok.RowID)
	}

	join.arrivals[tok.BranchName] = tok
	join.arrivalOrder = append(join.arrivalOrder, tok.BranchName)
	ready := e.policySatisfied(join)
	if ready {
		delete(e.pending, tok.RowID)
	}
	e.mu.Unlock()

	if err := e.deps.Recorder.RecordTokenOutcome(ctx, e.deps.RunID, tok.RowID, tok.ID, model.OutcomeBuffered, "", false); err != nil {
		return CoalesceResult{}, false, fmt.Errorf("coalesce: record buffered outcome for token %s: %w", tok.ID, err)
	}

	if !ready {
		return CoalesceResult{}, false, nil
	}

	result, err := e.resolve(ctx, join, model.OutcomeCoalesced)
	if err != nil {
		return CoalesceResult{}, false, err
	}

	return result, true, nil
}

func (e *CoalesceExecutor) policySatisfied(join *pendingJoin) bool {
	switch join.policy.Kind {
	case PolicyRequireAll:
		return len(join.arrivals) >= len(join.expectedBranches)
	case PolicyQuorum:
		return len(join.arrivals) >= join.policy.Quorum
	case PolicySelectBranch:
		_, ok := join.arrivals[join.policy.BranchName]
		return ok
	case PolicyBestEffort:
		return len(join.arrivals) >= len(join.expectedBranches)
	default:
		return false
	}
}

// FlushPending resolves every join whose best_effort timeout has elapsed
// (emitting a synthetic FAILED outcome if zero branches ever arrived, spec
// §4.4.4 decided Open Question) and fails every still-incomplete
// require_all/quorum/select_branch join outstanding at run end.
func (e *CoalesceExecutor) FlushPending(ctx context.Context) ([]CoalesceResult, error) {
	e.mu.Lock()
	due := make([]*pendingJoin, 0, len(e.pending))

	for rowID, join := range e.pending {
		elapsed := e.deps.now().Sub(join.startedAt)

		if join.policy.Kind == PolicyBestEffort && elapsed < join.policy.Timeout && len(join.arrivals) < len(join.expectedBranches) {
			continue // best_effort still inside its window with branches outstanding
		}

		due = append(due, join)
		delete(e.pending, rowID)
	}
	e.mu.Unlock()

	results := make([]CoalesceResult, 0, len(due))

	for _, join := range due {
		if len(join.arrivals) == 0 {
			if err := e.failZeroArrival(ctx, join); err != nil {
				return results, err
			}

			continue
		}

		if join.policy.Kind != PolicyBestEffort && !e.policySatisfied(join) {
			if err := e.failIncompleteJoin(ctx, join); err != nil {
				return results, err
			}

			continue
		}

		result, err := e.resolve(ctx, join, model.OutcomeCoalesced)
		if err != nil {
			return results, err
		}

		results = append(results, result)
	}

	return results, nil
}

func (e *CoalesceExecutor) failZeroArrival(ctx context.Context, join *pendingJoin) error {
	bookkeepingID := uuid.NewString()

	if err := e.deps.Recorder.CreateToken(ctx, join.rowID, bookkeepingID); err != nil {
		return fmt.Errorf("coalesce: create bookkeeping token for row %s: %w", join.rowID, err)
	}

	stateID, err := e.deps.Recorder.BeginNodeState(ctx, e.deps.RunID, join.nodeID, bookkeepingID, 0)
	if err == nil {
		_ = e.deps.Recorder.FailNodeState(ctx, stateID, "best_effort timeout with zero arrivals", "coalesce", 0)
	}

	return e.deps.Recorder.RecordTokenOutcome(ctx, e.deps.RunID, join.rowID, bookkeepingID, model.OutcomeFailed, "", true)
}

func (e *CoalesceExecutor) failIncompleteJoin(ctx context.Context, join *pendingJoin) error {
	for _, branch := range join.arrivalOrder {
		tok := join.arrivals[branch]

		stateID, err := e.deps.Recorder.BeginNodeState(ctx, e.deps.RunID, join.nodeID, tok.ID, 0)
		if err == nil {
			_ = e.deps.Recorder.FailNodeState(ctx, stateID, "incomplete join at run end", "coalesce", 0)
		}

		if err := e.deps.Recorder.RecordTokenOutcome(ctx, e.deps.RunID, tok.RowID, tok.ID, model.OutcomeFailed, "", true); err != nil {
			return fmt.Errorf("coalesce: record failed outcome for token %s: %w", tok.ID, err)
		}
	}

	return nil
}

func (e *CoalesceExecutor) resolve(ctx context.Context, join *pendingJoin, outcome model.RowOutcome) (CoalesceResult, error) {
	merged := mergeRows(join)

	mergedID := uuid.NewString()
	if err := e.deps.Recorder.CreateToken(ctx, join.rowID, mergedID); err != nil {
		return CoalesceResult{}, fmt.Errorf("coalesce: create merged token for row %s: %w", join.rowID, err)
	}

	mergedToken := model.Token{ID: mergedID, RowID: join.rowID, RowData: merged}
	e.deps.Tokens.Update(mergedToken)

	consumed := make([]model.Token, 0, len(join.arrivalOrder))

	for _, branch := range join.arrivalOrder {
		tok := join.arrivals[branch]
		consumed = append(consumed, tok)

		stateID, err := e.deps.Recorder.BeginNodeState(ctx, e.deps.RunID, join.nodeID, tok.ID, 0)
		if err != nil {
			return CoalesceResult{}, fmt.Errorf("coalesce: begin consumed state for token %s: %w", tok.ID, err)
		}

		if err := e.deps.Recorder.CompleteNodeState(ctx, stateID, "", "", fmt.Sprintf("coalesced branch=%s", branch), 0); err != nil {
			return CoalesceResult{}, fmt.Errorf("coalesce: complete consumed state %s: %w", stateID, err)
		}

		if err := e.deps.Recorder.RecordTokenOutcome(ctx, e.deps.RunID, tok.RowID, tok.ID, model.OutcomeConsumedInBatch, "", true); err != nil {
			return CoalesceResult{}, fmt.Errorf("coalesce: record consumed outcome for token %s: %w", tok.ID, err)
		}
	}

	return CoalesceResult{NodeID: join.nodeID, Action: ActionContinue, Token: mergedToken, Outcome: outcome, ConsumedTokens: consumed}, nil
}

type coalesceCheckpointEntry struct {
	NodeID            string          `json:"node_id"`
	ExpectedBranches  []string        `json:"expected_branches"`
	PolicyKind        PolicyKind      `json:"policy_kind"`
	PolicyQuorum      int             `json:"policy_quorum,omitempty"`
	PolicyBranchName  string          `json:"policy_branch_name,omitempty"`
	PolicyTimeoutSecs float64         `json:"policy_timeout_seconds,omitempty"`
	MergeMode         MergeMode       `json:"merge_mode"`
	Arrivals          []tokenSnapshot `json:"arrivals"`
	ElapsedAgeSeconds float64         `json:"elapsed_age_seconds"`
}

// GetCheckpointState serialises every coalesce node's pending joins, keyed
// by rowID, into the same {_version, ...} shape AggregationExecutor uses so
// the checkpoint manager can fold both into one resumable blob. Unlike
// aggregation buffers (keyed by node), pending joins are keyed by rowID
// since a given coalesce node may have several rows' joins in flight at
// once.
func (e *CoalesceExecutor) GetCheckpointState() (map[string]interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := map[string]interface{}{"_version": checkpointFormatVersion}

	for rowID, join := range e.pending {
		snaps := make([]tokenSnapshot, len(join.arrivalOrder))
		for i, branch := range join.arrivalOrder {
			tok := join.arrivals[branch]
			snaps[i] = tokenSnapshot{
				RowID: tok.RowID, TokenID: tok.ID,
				RowData: document.ToJSONValue(tok.RowData),
				BranchName: tok.BranchName, ParentTokenID: tok.ParentTokenID,
			}
		}

		state[rowID] = coalesceCheckpointEntry{
			NodeID:            join.nodeID,
			ExpectedBranches:  join.expectedBranches,
			PolicyKind:        join.policy.Kind,
			PolicyQuorum:      join.policy.Quorum,
			PolicyBranchName:  join.policy.BranchName,
			PolicyTimeoutSecs: join.policy.Timeout.Seconds(),
			MergeMode:         join.mergeMode,
			Arrivals:          snaps,
			ElapsedAgeSeconds: e.deps.now().Sub(join.startedAt).Seconds(),
		}
	}

	return state, nil
}

// RestoreFromCheckpoint rebuilds pending joins from a checkpoint previously
// produced by GetCheckpointState.
func (e *CoalesceExecutor) RestoreFromCheckpoint(raw map[string]interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for rowID, entryVal := range raw {
		if rowID == "_version" {
			continue
		}

		buf, err := json.Marshal(entryVal)
		if err != nil {
			return fmt.Errorf("coalesce: re-marshal checkpoint entry for row %s: %w", rowID, err)
		}

		var entry coalesceCheckpointEntry
		if err := json.Unmarshal(buf, &entry); err != nil {
			return fmt.Errorf("coalesce: decode checkpoint entry for row %s: %w", rowID, err)
		}

		join := &pendingJoin{
			nodeID:           entry.NodeID,
			rowID:            rowID,
			expectedBranches: entry.ExpectedBranches,
			policy: Policy{
				Kind: entry.PolicyKind, Quorum: entry.PolicyQuorum,
				BranchName: entry.PolicyBranchName,
				Timeout:    time.Duration(entry.PolicyTimeoutSecs * float64(time.Second)),
			},
			mergeMode: entry.MergeMode,
			arrivals:  make(map[string]model.Token, len(entry.Arrivals)),
			startedAt: e.deps.now().Add(-time.Duration(entry.ElapsedAgeSeconds * float64(time.Second))),
		}

		for _, snap := range entry.Arrivals {
			tok := model.Token{
				ID: snap.TokenID, RowID: snap.RowID,
				RowData: document.FromJSONValue(snap.RowData),
				BranchName: snap.BranchName, ParentTokenID: snap.ParentTokenID,
			}

			join.arrivals[snap.BranchName] = tok
			join.arrivalOrder = append(join.arrivalOrder, snap.BranchName)
		}

		e.pending[rowID] = join
	}

	return nil
}

func mergeRows(join *pendingJoin) document.Document {
	switch join.mergeMode {
	case MergeFirst:
		if len(join.arrivalOrder) == 0 {
			return document.Null()
		}

		return join.arrivals[join.arrivalOrder[0]].RowData
	case MergeLast:
		if len(join.arrivalOrder) == 0 {
			return document.Null()
		}

		return join.arrivals[join.arrivalOrder[len(join.arrivalOrder)-1]].RowData
	case MergeConcat:
		items := make([]document.Document, 0, len(join.arrivalOrder))
		for _, branch := range join.arrivalOrder {
			items = append(items, join.arrivals[branch].RowData)
		}

		return document.NewList(items)
	case MergeUnion:
		fallthrough
	default:
		fields := make(map[string]document.Document)
		for _, branch := range join.arrivalOrder {
			row := join.arrivals[branch].RowData
			m, ok := row.Map()
			if !ok {
				continue
			}

			for k, v := range m {
				fields[k] = v
			}
		}

		return document.NewMap(fields)
	}
}
