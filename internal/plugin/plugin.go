// Package plugin declares the capability interfaces the core consumes (spec
// §6). The core never depends on a concrete CSV/JSON/HTTP implementation;
// plugins reach the core as already-instantiated objects satisfying these
// interfaces, following the Dependency Inversion pattern.
package plugin

import (
	"context"

	"github.com/elspeth-data/elspeth/internal/document"
	"github.com/elspeth-data/elspeth/internal/model"
)

// Context is handed to every plugin call. It carries the run and the current
// audit state_id for call attribution; it is threaded alongside (not inside)
// context.Context so its field set stays statically typed (spec §6
// "PluginContext").
type Context struct {
	RunID       string
	Config      map[string]document.Document
	StateID     string
	CallRecorder CallRecorder
}

// CallRecorder is the narrow surface a plugin uses to attribute an external
// call (HTTP, DB, ...) to the Operation currently in progress.
type CallRecorder interface {
	RecordCall(ctx context.Context, operationID, target string, durationMs int64, succeeded bool) error
}

// ErrorPolicyKind is the closed sum of on-error behaviours a Transform or
// Gate plugin may declare (spec §9 "Exceptions as control flow").
type ErrorPolicyKind string

const (
	OnErrorRaise   ErrorPolicyKind = "raise"
	OnErrorDiscard ErrorPolicyKind = "discard"
	OnErrorRouteTo ErrorPolicyKind = "route_to"
)

// ErrorPolicy is a plugin's declared error-handling behaviour. Target names a
// sink when Kind is OnErrorRouteTo; it is ignored otherwise.
type ErrorPolicy struct {
	Kind   ErrorPolicyKind
	Target string
}

// SourceRowKind tags whether a SourceRow is valid input or was quarantined by
// the source plugin itself before the engine saw it.
type SourceRowKind int

const (
	SourceRowValid SourceRowKind = iota
	SourceRowQuarantined
)

// SourceRow is either a valid row ready for processing or one the source
// plugin has already flagged as quarantined (spec §6).
type SourceRow struct {
	Kind            SourceRowKind
	Row             document.Document
	Contract        *model.SchemaContract
	Err             error
	DestinationSink string
}

// Source is the capability set a source plugin implements.
type Source interface {
	Name() string
	PluginVersion() string
	Determinism() model.Determinism
	OutputSchema() *model.SchemaContract
	OnStart(ctx context.Context, pctx Context) error
	// Load returns a channel of SourceRow that the caller ranges over until
	// it closes; the source signals completion by closing the channel, and
	// any terminal load error via the returned error channel.
	Load(ctx context.Context, pctx Context) (<-chan SourceRow, <-chan error)
	OnComplete(ctx context.Context, pctx Context) error
	Close() error
}

// Rewindable is implemented by sources that support checkpoint-resume via an
// explicit sequence-number seek rather than relying on natural rewindability
// (spec §9 "sources must declare which").
type Rewindable interface {
	StartAt(sequenceNumber int64) error
}

// TransformResult is the outcome of a Transform's Process call.
type TransformResult struct {
	Data          document.Document
	SuccessReason string
}

// Transform is the capability set a row-at-a-time transform plugin
// implements.
type Transform interface {
	Name() string
	PluginVersion() string
	Determinism() model.Determinism
	InputSchema() *model.SchemaContract
	OutputSchema() *model.SchemaContract
	IsBatchAware() bool
	OnError() ErrorPolicy
	Process(ctx context.Context, pctx Context, row document.Document) (TransformResult, error)
	OnStart(ctx context.Context, pctx Context) error
	OnComplete(ctx context.Context, pctx Context) error
	Close() error
}

// BatchTransform is implemented by transforms used inside an Aggregation
// node: ProcessBatch receives every buffered row at once and returns one
// merged row, with its bool result false to signal "nothing to emit".
type BatchTransform interface {
	Name() string
	PluginVersion() string
	InputSchema() *model.SchemaContract
	OutputSchema() *model.SchemaContract
	ProcessBatch(ctx context.Context, pctx Context, rows []document.Document) (TransformResult, bool, error)
}

// GateActionKind is the closed sum of a gate's possible decisions.
type GateActionKind string

const (
	GateContinue     GateActionKind = "continue"
	GateRoute        GateActionKind = "route"
	GateForkToPaths  GateActionKind = "fork_to_paths"
)

// GateAction is a gate's routing decision. Label is set for GateRoute;
// Branches is set for GateForkToPaths.
type GateAction struct {
	Kind     GateActionKind
	Label    string
	Branches []string
}

// GateResult is the outcome of a Gate's Evaluate call.
type GateResult struct {
	Row    document.Document
	Action GateAction
}

// Gate is the capability set a plugin-driven gate implements. Config-driven
// gates (graph-internal, not plugin-backed) are evaluated by
// internal/executor/gateeval instead of through this interface.
type Gate interface {
	Name() string
	PluginVersion() string
	InputSchema() *model.SchemaContract
	OutputSchema() *model.SchemaContract
	Evaluate(ctx context.Context, pctx Context, row document.Document) (GateResult, error)
}

// ArtifactDescriptor is what a Sink reports about what it wrote; it is
// opaque to the core beyond these fields (spec §6).
type ArtifactDescriptor struct {
	Type        string
	URI         string
	SizeBytes   int64
	ContentHash string
}

// Sink is the capability set a sink plugin implements.
type Sink interface {
	Name() string
	PluginVersion() string
	InputSchema() *model.SchemaContract
	Write(ctx context.Context, pctx Context, rows []document.Document) (ArtifactDescriptor, error)
	Flush(ctx context.Context, pctx Context) error
	OnStart(ctx context.Context, pctx Context) error
	OnComplete(ctx context.Context, pctx Context) error
	Close() error
}
