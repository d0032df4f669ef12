// Package audit defines the Recorder interface -- the engine's sole write
// path to the durable audit log (spec §4.1) -- plus the canonical node-ID
// derivation all backends share. Concrete backends (memory, sqlite,
// postgres) live in sibling packages and implement Recorder; the domain
// layer depends only on this interface, never on a concrete backend,
// following the Dependency Inversion pattern.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/elspeth-data/elspeth/internal/document"
	"github.com/elspeth-data/elspeth/internal/model"
)

// Sentinel errors shared by every durable Recorder backend (sqlite,
// postgres). The in-memory reference implementation defines its own copies
// for historical reasons but is semantically interchangeable.
var (
	ErrRunNotFound       = errors.New("audit: run not found")
	ErrNodeNotFound      = errors.New("audit: node not found")
	ErrStateNotFound     = errors.New("audit: node state not found")
	ErrOperationNotFound = errors.New("audit: operation not found")
)

// Recorder owns all writes to the audit store (spec §4.1).
type Recorder interface {
	BeginRun(ctx context.Context, configJSON string, version string) (*model.Run, error)
	FinishRun(ctx context.Context, runID string, status model.RunStatus) error

	RegisterNode(ctx context.Context, runID, pluginName string, nodeType model.NodeType, position int,
		version string, configJSON string, determinism model.Determinism,
		input, output *model.SchemaContract) (*model.Node, error)
	RegisterEdge(ctx context.Context, runID, from, to, label string, mode model.RoutingMode) (*model.Edge, error)

	CreateRow(ctx context.Context, runID, sourceNodeID string, rowIndex int64, data document.Document, rowID string) (*model.Row, error)
	CreateToken(ctx context.Context, rowID, tokenID string) error
	ForkToken(ctx context.Context, parentTokenID, branchName, childTokenID string) error

	BeginNodeState(ctx context.Context, runID, nodeID, tokenID string, sequence int64) (stateID string, err error)
	CompleteNodeState(ctx context.Context, stateID, inputHash, outputHash, successReason string, durationMs int64) error
	FailNodeState(ctx context.Context, stateID, errorJSON, phase string, durationMs int64) error

	RecordRouting(ctx context.Context, stateID, edgeID string, mode model.RoutingMode, groupID string) error
	RecordTokenOutcome(ctx context.Context, runID, rowID, tokenID string, outcome model.RowOutcome, sinkName string, isTerminal bool) error

	RegisterArtifact(ctx context.Context, runID, sinkNodeID, stateID, artifactType, uri string, size int64, contentHash string) (*model.Artifact, error)

	BeginOperation(ctx context.Context, runID, nodeID string, kind model.OperationKind) (operationID string, err error)
	CompleteOperation(ctx context.Context, operationID string) error
	RecordCall(ctx context.Context, operationID, target string, durationMs int64, succeeded bool) error

	SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error
	LatestCheckpoint(ctx context.Context, runID string) (*model.Checkpoint, error)
	DeleteCheckpoints(ctx context.Context, runID string) error

	RunStatus(ctx context.Context, runID string) (model.RunStatus, error)

	Close() error
}

// DeriveNodeID computes the deterministic node ID described by global
// invariant 6 (spec §3): identical (pluginName, position, config) always
// hashes to the same ID, regardless of which run or process computed it, so
// a checkpoint taken by one run is resumable by another whose graph
// reconstructs identical IDs. plugin_version is deliberately excluded (see
// SPEC_FULL.md §4.5 on resume-compatibility across version bumps).
func DeriveNodeID(pluginName string, nodeType model.NodeType, position int, configHash string) string {
	h := sha256.New()
	_, _ = h.Write([]byte(pluginName))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(nodeType))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte{byte(position >> 24), byte(position >> 16), byte(position >> 8), byte(position)})
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(configHash))

	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ConfigHash is the canonical hash of a config document, computed with the
// same canonical encoder used for row-data hashing so that it does not
// depend on map insertion order. The recorder backends do not call it:
// their RegisterNode hashes the config JSON string it is given, and that
// hash is what feeds DeriveNodeID.
func ConfigHash(config document.Document) string {
	return document.CanonicalHash(config)
}
