// Package postgres provides a PostgreSQL-backed audit.Recorder for
// multi-process deployments, grounded on this codebase's lib/pq +
// database/sql convention (see the teacher's storage/ingestion packages).
// Unlike internal/audit/sqlite, Recorder does not create its own schema:
// schema lifecycle is owned by the migrations package (golang-migrate),
// applied once at deploy time by the migrator, exactly as the teacher
// separates its own Postgres schema from its service binaries.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/elspeth-data/elspeth/internal/audit"
	"github.com/elspeth-data/elspeth/internal/document"
	"github.com/elspeth-data/elspeth/internal/model"
)

// Recorder is a PostgreSQL-backed implementation of audit.Recorder.
type Recorder struct {
	db *sql.DB
}

// Open connects to the PostgreSQL database at dsn. It does not apply
// migrations -- run the migrator CLI (or call migrations.Runner.Up)
// beforehand.
func Open(dsn string) (*Recorder, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Recorder{db: db}, nil
}

// NewWithDB wraps an already-open connection pool, for callers (tests,
// cmd/elspeth) that manage the *sql.DB lifecycle themselves.
func NewWithDB(db *sql.DB) *Recorder {
	return &Recorder{db: db}
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
		`INSERT INTO runs (id, status, started_at, config_hash, settings_json, engine_version) VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.Status, run.StartedAt, run.ConfigHash, run.SettingsJSON, run.EngineVersion)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin run: %w", err)
	}

	return run, nil
}

func (r *Recorder) FinishRun(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE runs SET status = $1, completed_at = $2 WHERE id = $3`, status, time.Now(), runID)
	if err != nil {
		return fmt.Errorf("postgres: finish run: %w", err)
	}

	return requireRowsAffected(res, audit.ErrRunNotFound)
}

func (r *Recorder) RunStatus(ctx context.Context, runID string) (model.RunStatus, error) {
	var status model.RunStatus
	if err := r.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = $1`, runID).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return "", audit.ErrRunNotFound
		}

		return "", fmt.Errorf("postgres: run status: %w", err)
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
		return nil, fmt.Errorf("postgres: marshal input schema: %w", err)
	}

	outputJSON, err := marshalSchema(output)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal output schema: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO nodes (id, run_id, plugin_name, node_type, plugin_version, determinism, config_hash, config_json, input_schema_json, output_schema_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET run_id = EXCLUDED.run_id`,
		node.ID, node.RunID, node.PluginName, node.Type, node.PluginVersion, node.Determinism,
		node.ConfigHash, node.ConfigJSON, inputJSON, outputJSON)
	if err != nil {
		return nil, fmt.Errorf("postgres: register node: %w", err)
	}

	return node, nil
}

func (r *Recorder) RegisterEdge(ctx context.Context, runID, from, to, label string, mode model.RoutingMode) (*model.Edge, error) {
	edge := &model.Edge{ID: uuid.NewString(), RunID: runID, FromNode: from, ToNode: to, Label: label, Mode: mode}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO edges (id, run_id, from_node, to_node, label, mode) VALUES ($1, $2, $3, $4, $5, $6)`,
		edge.ID, edge.RunID, edge.FromNode, edge.ToNode, edge.Label, edge.Mode)
	if err != nil {
		return nil, fmt.Errorf("postgres: register edge: %w", err)
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
		`INSERT INTO rows (id, run_id, source_node_id, row_index, source_data_hash, source_data_ref, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		row.ID, row.RunID, row.SourceNodeID, row.RowIndex, row.SourceDataHash, row.SourceDataRef, row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("postgres: create row: %w", err)
	}

	return row, nil
}

func (r *Recorder) CreateToken(ctx context.Context, rowID, tokenID string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO tokens (id, row_id) VALUES ($1, $2)`, tokenID, rowID)
	if err != nil {
		return fmt.Errorf("postgres: create token: %w", err)
	}

	return nil
}

func (r *Recorder) ForkToken(ctx context.Context, parentTokenID, branchName, childTokenID string) error {
	var rowID string
	if err := r.db.QueryRowContext(ctx, `SELECT row_id FROM tokens WHERE id = $1`, parentTokenID).Scan(&rowID); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("postgres: fork: parent token %s not found", parentTokenID)
		}

		return fmt.Errorf("postgres: fork token: %w", err)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tokens (id, row_id, branch_name, parent_token_id) VALUES ($1, $2, $3, $4)`,
		childTokenID, rowID, branchName, parentTokenID)
	if err != nil {
		return fmt.Errorf("postgres: fork token: %w", err)
	}

	return nil
}

func (r *Recorder) BeginNodeState(ctx context.Context, runID, nodeID, tokenID string, sequence int64) (string, error) {
	var exists int
	if err := r.db.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = $1`, nodeID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return "", audit.ErrNodeNotFound
		}

		return "", fmt.Errorf("postgres: begin node state: %w", err)
	}

	stateID := uuid.NewString()

	var seq int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO node_states (id, run_id, node_id, token_id, status, sequence, started_at)
		 VALUES ($1, $2, $3, $4, $5, nextval('node_state_sequence'), $6)
		 RETURNING sequence`,
		stateID, runID, nodeID, tokenID, model.StateOpen, time.Now()).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("postgres: begin node state: %w", err)
	}

	return stateID, nil
}

func (r *Recorder) closeState(ctx context.Context, stateID string, to model.NodeStateStatus, set string, args ...interface{}) error {
	var current model.NodeStateStatus
	if err := r.db.QueryRowContext(ctx, `SELECT status FROM node_states WHERE id = $1`, stateID).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return audit.ErrStateNotFound
		}

		return fmt.Errorf("postgres: close state: %w", err)
	}

	if err := model.ValidateNodeStateTransition(current, to); err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE node_states SET status = $1, %s WHERE id = $%d`, set, len(args)+2)
	args = append([]interface{}{to}, append(args, stateID)...)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: close state: %w", err)
	}

	return nil
}

func (r *Recorder) CompleteNodeState(ctx context.Context, stateID, inputHash, outputHash, successReason string, durationMs int64) error {
	return r.closeState(ctx, stateID, model.StateCompleted,
		"input_hash = $2, output_hash = $3, success_reason = $4, duration_ms = $5",
		inputHash, outputHash, successReason, durationMs)
}

func (r *Recorder) FailNodeState(ctx context.Context, stateID, errorJSON, phase string, durationMs int64) error {
	return r.closeState(ctx, stateID, model.StateFailed,
		"error_json = $2, error_phase = $3, duration_ms = $4",
		errorJSON, phase, durationMs)
}

func (r *Recorder) RecordRouting(ctx context.Context, stateID, edgeID string, mode model.RoutingMode, groupID string) error {
	var exists int
	if err := r.db.QueryRowContext(ctx, `SELECT 1 FROM node_states WHERE id = $1`, stateID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return audit.ErrStateNotFound
		}

		return fmt.Errorf("postgres: record routing: %w", err)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO routing_events (id, state_id, edge_id, mode, routing_group_id) VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), stateID, edgeID, mode, groupID)
	if err != nil {
		return fmt.Errorf("postgres: record routing: %w", err)
	}

	return nil
}

func (r *Recorder) RecordTokenOutcome(ctx context.Context, runID, rowID, tokenID string, outcome model.RowOutcome, sinkName string, isTerminal bool) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO token_outcomes (run_id, row_id, token_id, outcome, sink_name, is_terminal, recorded_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		runID, rowID, tokenID, outcome, sinkName, isTerminal, time.Now())
	if err != nil {
		return fmt.Errorf("postgres: record token outcome: %w", err)
	}

	return nil
}

func (r *Recorder) RegisterArtifact(ctx context.Context, runID, sinkNodeID, stateID, artifactType, uri string, size int64, contentHash string) (*model.Artifact, error) {
	a := &model.Artifact{
		ID: uuid.NewString(), RunID: runID, SinkNodeID: sinkNodeID, ProducedByStateID: stateID,
		ArtifactType: artifactType, URI: uri, SizeBytes: size, ContentHash: contentHash,
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, run_id, sink_node_id, produced_by_state_id, artifact_type, uri, size_bytes, content_hash) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.RunID, a.SinkNodeID, a.ProducedByStateID, a.ArtifactType, a.URI, a.SizeBytes, a.ContentHash)
	if err != nil {
		return nil, fmt.Errorf("postgres: register artifact: %w", err)
	}

	return a, nil
}

func (r *Recorder) BeginOperation(ctx context.Context, runID, nodeID string, kind model.OperationKind) (string, error) {
	id := uuid.NewString()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO operations (id, run_id, node_id, kind, started_at) VALUES ($1, $2, $3, $4, $5)`,
		id, runID, nodeID, kind, time.Now())
	if err != nil {
		return "", fmt.Errorf("postgres: begin operation: %w", err)
	}

	return id, nil
}

func (r *Recorder) CompleteOperation(ctx context.Context, operationID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE operations SET completed_at = $1 WHERE id = $2`, time.Now(), operationID)
	if err != nil {
		return fmt.Errorf("postgres: complete operation: %w", err)
	}

	return requireRowsAffected(res, audit.ErrOperationNotFound)
}

func (r *Recorder) RecordCall(ctx context.Context, operationID, target string, durationMs int64, succeeded bool) error {
	var exists int
	if err := r.db.QueryRowContext(ctx, `SELECT 1 FROM operations WHERE id = $1`, operationID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return audit.ErrOperationNotFound
		}

		return fmt.Errorf("postgres: record call: %w", err)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO operation_calls (id, operation_id, target, duration_ms, succeeded) VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), operationID, target, durationMs, succeeded)
	if err != nil {
		return fmt.Errorf("postgres: record call: %w", err)
	}

	return nil
}

func (r *Recorder) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}

	cp.CreatedAt = time.Now()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, run_id, token_id, node_id, sequence, aggregation_state_json, topology_hash, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cp.ID, cp.RunID, cp.TokenID, cp.NodeID, cp.Sequence, cp.AggregationStateJSON, cp.TopologyHash, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save checkpoint: %w", err)
	}

	return nil
}

func (r *Recorder) LatestCheckpoint(ctx context.Context, runID string) (*model.Checkpoint, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, run_id, token_id, node_id, sequence, aggregation_state_json, topology_hash, created_at
		 FROM checkpoints WHERE run_id = $1 ORDER BY sequence DESC LIMIT 1`, runID)

	var cp model.Checkpoint
	if err := row.Scan(&cp.ID, &cp.RunID, &cp.TokenID, &cp.NodeID, &cp.Sequence, &cp.AggregationStateJSON, &cp.TopologyHash, &cp.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, fmt.Errorf("postgres: latest checkpoint: %w", err)
	}

	return &cp, nil
}

func (r *Recorder) DeleteCheckpoints(ctx context.Context, runID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("postgres: delete checkpoints: %w", err)
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
