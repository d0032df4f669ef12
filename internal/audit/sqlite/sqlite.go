// Package sqlite provides a single-file audit.Recorder backed by
// modernc.org/sqlite, grounded on the auto-migration-on-connect pattern used
// by this corpus's graph/store.SQLiteStore: zero external setup, WAL mode for
// concurrent readers, CREATE TABLE IF NOT EXISTS on construction. It is the
// recommended backend for local runs, CI, and single-process deployments;
// multi-process or high-concurrency deployments should use
// internal/audit/postgres instead (spec §4.1, "the audit log MUST survive
// process restarts").
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/elspeth-data/elspeth/internal/audit"
	"github.com/elspeth-data/elspeth/internal/document"
	"github.com/elspeth-data/elspeth/internal/model"
)

// Recorder is a SQLite-backed implementation of audit.Recorder. SQLite
// serializes writers, so Recorder holds a single *sql.DB with MaxOpenConns=1
// and lets the driver's own locking order concurrent callers; a Recorder
// value is safe for concurrent use.
type Recorder struct {
	db   *sql.DB
	mu   sync.Mutex // guards the monotonic NodeState sequence counter
	seq  int64
}

// Open creates (or reuses) the SQLite database at path, applying schema and
// pragmas idempotently. Use ":memory:" for an ephemeral database scoped to
// this process, matching modernc.org/sqlite's in-memory convention.
func Open(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	r := &Recorder{db: db}

	if err := r.createSchema(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}

	if err := r.loadSequence(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("sqlite: load sequence: %w", err)
	}

	return r, nil
}

func (r *Recorder) createSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			config_hash TEXT NOT NULL,
			settings_json TEXT NOT NULL,
			schema_contract_json TEXT NOT NULL DEFAULT '',
			engine_version TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id),
			plugin_name TEXT NOT NULL,
			node_type TEXT NOT NULL,
			plugin_version TEXT NOT NULL,
			determinism TEXT NOT NULL,
			config_hash TEXT NOT NULL,
			config_json TEXT NOT NULL,
			input_schema_json TEXT,
			output_schema_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_run ON nodes(run_id)`,
		`CREATE TABLE IF NOT EXISTS edges (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id),
			from_node TEXT NOT NULL,
			to_node TEXT NOT NULL,
			label TEXT NOT NULL,
			mode TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_run ON edges(run_id)`,
		`CREATE TABLE IF NOT EXISTS rows (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id),
			source_node_id TEXT NOT NULL,
			row_index INTEGER NOT NULL,
			source_data_hash TEXT NOT NULL,
			source_data_ref TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(run_id, source_node_id, row_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rows_run ON rows(run_id)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			id TEXT PRIMARY KEY,
			row_id TEXT NOT NULL REFERENCES rows(id),
			branch_name TEXT NOT NULL DEFAULT '',
			parent_token_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_row ON tokens(row_id)`,
		`CREATE TABLE IF NOT EXISTS node_states (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			token_id TEXT NOT NULL,
			status TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			input_hash TEXT NOT NULL DEFAULT '',
			output_hash TEXT NOT NULL DEFAULT '',
			success_reason TEXT NOT NULL DEFAULT '',
			error_json TEXT NOT NULL DEFAULT '',
			error_phase TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_node_states_run ON node_states(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_node_states_token ON node_states(token_id)`,
		`CREATE TABLE IF NOT EXISTS token_outcomes (
			run_id TEXT NOT NULL,
			row_id TEXT NOT NULL,
			token_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			sink_name TEXT NOT NULL DEFAULT '',
			is_terminal BOOLEAN NOT NULL,
			recorded_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_run ON token_outcomes(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_row ON token_outcomes(row_id)`,
		`CREATE TABLE IF NOT EXISTS routing_events (
			id TEXT PRIMARY KEY,
			state_id TEXT NOT NULL,
			edge_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			routing_group_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_routing_state ON routing_events(state_id)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			sink_node_id TEXT NOT NULL,
			produced_by_state_id TEXT NOT NULL,
			artifact_type TEXT NOT NULL,
			uri TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			content_hash TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id)`,
		`CREATE TABLE IF NOT EXISTS operations (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS operation_calls (
			id TEXT PRIMARY KEY,
			operation_id TEXT NOT NULL REFERENCES operations(id),
			target TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			succeeded BOOLEAN NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_operation ON operation_calls(operation_id)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			token_id TEXT NOT NULL DEFAULT '',
			node_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			aggregation_state_json TEXT NOT NULL DEFAULT '',
			topology_hash TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id, sequence DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}

	return nil
}

// loadSequence recovers the NodeState sequence counter across process
// restarts, matching the memory.Recorder's monotonically increasing
// r.sequence but backed by the max value already persisted.
func (r *Recorder) loadSequence(ctx context.Context) error {
	var max sql.NullInt64
	if err := r.db.QueryRowContext(ctx, "SELECT MAX(sequence) FROM node_states").Scan(&max); err != nil {
		return err
	}

	r.seq = max.Int64

	return nil
}

func (r *Recorder) nextSequence() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++

	return r.seq
}

func (r *Recorder) BeginRun(ctx context.Context, configJSON, version string) (*model.Run, error) {
	run := &model.Run{
		ID:            uuid.NewString(),
		Status:        model.RunRunning,
		StartedAt:     time.Now(),
		SettingsJSON:  configJSON,
		EngineVersion: version,
		ConfigHash:    document.CanonicalHash(document.NewString(configJSON)),
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, started_at, config_hash, settings_json, engine_version) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Status, run.StartedAt, run.ConfigHash, run.SettingsJSON, run.EngineVersion)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin run: %w", err)
	}

	return run, nil
}

func (r *Recorder) FinishRun(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ? WHERE id = ?`, status, time.Now(), runID)
	if err != nil {
		return fmt.Errorf("sqlite: finish run: %w", err)
	}

	return requireRowsAffected(res, audit.ErrRunNotFound)
}

func (r *Recorder) RunStatus(ctx context.Context, runID string) (model.RunStatus, error) {
	var status model.RunStatus
	if err := r.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, runID).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return "", audit.ErrRunNotFound
		}

		return "", fmt.Errorf("sqlite: run status: %w", err)
	}

	return status, nil
}

func (r *Recorder) RegisterNode(ctx context.Context, runID, pluginName string, nodeType model.NodeType, position int,
	version, configJSON string, determinism model.Determinism,
	input, output *model.SchemaContract,
) (*model.Node, error) {
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

	inputJSON, err := marshalSchema(input)
	if err != nil {
		return nil, fmt.Errorf("sqlite: marshal input schema: %w", err)
	}

	outputJSON, err := marshalSchema(output)
	if err != nil {
		return nil, fmt.Errorf("sqlite: marshal output schema: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO nodes (id, run_id, plugin_name, node_type, plugin_version, determinism, config_hash, config_json, input_schema_json, output_schema_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET run_id = excluded.run_id`,
		node.ID, node.RunID, node.PluginName, node.Type, node.PluginVersion, node.Determinism,
		node.ConfigHash, node.ConfigJSON, inputJSON, outputJSON)
	if err != nil {
		return nil, fmt.Errorf("sqlite: register node: %w", err)
	}

	return node, nil
}

func (r *Recorder) RegisterEdge(ctx context.Context, runID, from, to, label string, mode model.RoutingMode) (*model.Edge, error) {
	edge := &model.Edge{ID: uuid.NewString(), RunID: runID, FromNode: from, ToNode: to, Label: label, Mode: mode}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO edges (id, run_id, from_node, to_node, label, mode) VALUES (?, ?, ?, ?, ?, ?)`,
		edge.ID, edge.RunID, edge.FromNode, edge.ToNode, edge.Label, edge.Mode)
	if err != nil {
		return nil, fmt.Errorf("sqlite: register edge: %w", err)
	}

	return edge, nil
}

func (r *Recorder) CreateRow(ctx context.Context, runID, sourceNodeID string, rowIndex int64, data document.Document, rowID string) (*model.Row, error) {
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

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO rows (id, run_id, source_node_id, row_index, source_data_hash, source_data_ref, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.RunID, row.SourceNodeID, row.RowIndex, row.SourceDataHash, row.SourceDataRef, row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("sqlite: create row: %w", err)
	}

	return row, nil
}

func (r *Recorder) CreateToken(ctx context.Context, rowID, tokenID string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO tokens (id, row_id) VALUES (?, ?)`, tokenID, rowID)
	if err != nil {
		return fmt.Errorf("sqlite: create token: %w", err)
	}

	return nil
}

func (r *Recorder) ForkToken(ctx context.Context, parentTokenID, branchName, childTokenID string) error {
	var rowID string
	if err := r.db.QueryRowContext(ctx, `SELECT row_id FROM tokens WHERE id = ?`, parentTokenID).Scan(&rowID); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("sqlite: fork: parent token %s not found", parentTokenID)
		}

		return fmt.Errorf("sqlite: fork token: %w", err)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tokens (id, row_id, branch_name, parent_token_id) VALUES (?, ?, ?, ?)`,
		childTokenID, rowID, branchName, parentTokenID)
	if err != nil {
		return fmt.Errorf("sqlite: fork token: %w", err)
	}

	return nil
}

func (r *Recorder) BeginNodeState(ctx context.Context, runID, nodeID, tokenID string, sequence int64) (string, error) {
	var exists int
	if err := r.db.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = ?`, nodeID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return "", audit.ErrNodeNotFound
		}

		return "", fmt.Errorf("sqlite: begin node state: %w", err)
	}

	stateID := uuid.NewString()
	seq := r.nextSequence()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO node_states (id, run_id, node_id, token_id, status, sequence, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		stateID, runID, nodeID, tokenID, model.StateOpen, seq, time.Now())
	if err != nil {
		return "", fmt.Errorf("sqlite: begin node state: %w", err)
	}

	return stateID, nil
}

func (r *Recorder) closeState(ctx context.Context, stateID string, to model.NodeStateStatus, set string, args ...interface{}) error {
	var current model.NodeStateStatus
	if err := r.db.QueryRowContext(ctx, `SELECT status FROM node_states WHERE id = ?`, stateID).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return audit.ErrStateNotFound
		}

		return fmt.Errorf("sqlite: close state: %w", err)
	}

	if err := model.ValidateNodeStateTransition(current, to); err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE node_states SET status = ?, %s WHERE id = ?`, set)
	args = append([]interface{}{to}, append(args, stateID)...)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite: close state: %w", err)
	}

	return nil
}

func (r *Recorder) CompleteNodeState(ctx context.Context, stateID, inputHash, outputHash, successReason string, durationMs int64) error {
	return r.closeState(ctx, stateID, model.StateCompleted,
		"input_hash = ?, output_hash = ?, success_reason = ?, duration_ms = ?",
		inputHash, outputHash, successReason, durationMs)
}

func (r *Recorder) FailNodeState(ctx context.Context, stateID, errorJSON, phase string, durationMs int64) error {
	return r.closeState(ctx, stateID, model.StateFailed,
		"error_json = ?, error_phase = ?, duration_ms = ?",
		errorJSON, phase, durationMs)
}

func (r *Recorder) RecordRouting(ctx context.Context, stateID, edgeID string, mode model.RoutingMode, groupID string) error {
	var exists int
	if err := r.db.QueryRowContext(ctx, `SELECT 1 FROM node_states WHERE id = ?`, stateID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return audit.ErrStateNotFound
		}

		return fmt.Errorf("sqlite: record routing: %w", err)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO routing_events (id, state_id, edge_id, mode, routing_group_id) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), stateID, edgeID, mode, groupID)
	if err != nil {
		return fmt.Errorf("sqlite: record routing: %w", err)
	}

	return nil
}

func (r *Recorder) RecordTokenOutcome(ctx context.Context, runID, rowID, tokenID string, outcome model.RowOutcome, sinkName string, isTerminal bool) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO token_outcomes (run_id, row_id, token_id, outcome, sink_name, is_terminal, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, rowID, tokenID, outcome, sinkName, isTerminal, time.Now())
	if err != nil {
		return fmt.Errorf("sqlite: record token outcome: %w", err)
	}

	return nil
}

func (r *Recorder) RegisterArtifact(ctx context.Context, runID, sinkNodeID, stateID, artifactType, uri string, size int64, contentHash string) (*model.Artifact, error) {
	a := &model.Artifact{
		ID: uuid.NewString(), RunID: runID, SinkNodeID: sinkNodeID, ProducedByStateID: stateID,
		ArtifactType: artifactType, URI: uri, SizeBytes: size, ContentHash: contentHash,
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, run_id, sink_node_id, produced_by_state_id, artifact_type, uri, size_bytes, content_hash) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, a.SinkNodeID, a.ProducedByStateID, a.ArtifactType, a.URI, a.SizeBytes, a.ContentHash)
	if err != nil {
		return nil, fmt.Errorf("sqlite: register artifact: %w", err)
	}

	return a, nil
}

func (r *Recorder) BeginOperation(ctx context.Context, runID, nodeID string, kind model.OperationKind) (string, error) {
	id := uuid.NewString()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO operations (id, run_id, node_id, kind, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, runID, nodeID, kind, time.Now())
	if err != nil {
		return "", fmt.Errorf("sqlite: begin operation: %w", err)
	}

	return id, nil
}

func (r *Recorder) CompleteOperation(ctx context.Context, operationID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE operations SET completed_at = ? WHERE id = ?`, time.Now(), operationID)
	if err != nil {
		return fmt.Errorf("sqlite: complete operation: %w", err)
	}

	return requireRowsAffected(res, audit.ErrOperationNotFound)
}

func (r *Recorder) RecordCall(ctx context.Context, operationID, target string, durationMs int64, succeeded bool) error {
	var exists int
	if err := r.db.QueryRowContext(ctx, `SELECT 1 FROM operations WHERE id = ?`, operationID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return audit.ErrOperationNotFound
		}

		return fmt.Errorf("sqlite: record call: %w", err)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO operation_calls (id, operation_id, target, duration_ms, succeeded) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), operationID, target, durationMs, succeeded)
	if err != nil {
		return fmt.Errorf("sqlite: record call: %w", err)
	}

	return nil
}

func (r *Recorder) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}

	cp.CreatedAt = time.Now()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, run_id, token_id, node_id, sequence, aggregation_state_json, topology_hash, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.RunID, cp.TokenID, cp.NodeID, cp.Sequence, cp.AggregationStateJSON, cp.TopologyHash, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: save checkpoint: %w", err)
	}

	return nil
}

func (r *Recorder) LatestCheckpoint(ctx context.Context, runID string) (*model.Checkpoint, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, run_id, token_id, node_id, sequence, aggregation_state_json, topology_hash, created_at
		 FROM checkpoints WHERE run_id = ? ORDER BY sequence DESC LIMIT 1`, runID)

	var cp model.Checkpoint
	if err := row.Scan(&cp.ID, &cp.RunID, &cp.TokenID, &cp.NodeID, &cp.Sequence, &cp.AggregationStateJSON, &cp.TopologyHash, &cp.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, fmt.Errorf("sqlite: latest checkpoint: %w", err)
	}

	return &cp, nil
}

func (r *Recorder) DeleteCheckpoints(ctx context.Context, runID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("sqlite: delete checkpoints: %w", err)
	}

	return nil
}

func (r *Recorder) Close() error {
	return r.db.Close()
}

func marshalSchema(s *model.SchemaContract) (interface{}, error) {
	if s == nil {
		return nil, nil
	}

	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}

	return string(b), nil
}

func requireRowsAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if n == 0 {
		return notFound
	}

	return nil
}
