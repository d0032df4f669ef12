// Package engineerr declares the engine's closed set of error kinds (spec
// §7). Each is a distinct Go type so callers can errors.As into it for the
// structured fields it carries, rather than string-matching messages.
package engineerr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEngineBug is wrapped by panics raised for audit invariant violations
// (double-close of a state, buffer/token length mismatch, flush without a
// batch_id). These indicate a programming error in the engine itself, not a
// plugin or configuration failure, and are only ever recovered at the
// orchestrator's top-level boundary.
var ErrEngineBug = errors.New("internal state corruption")

// GraphValidationError is raised at graph-construction time for schema
// incompatibility, unknown route targets, unreachable branches, orphan
// gates, or type mismatches. Always fatal at startup.
type GraphValidationError struct {
	Producer string
	Consumer string
	Reason   string
}

func (e *GraphValidationError) Error() string {
	switch {
	case e.Producer != "" && e.Consumer != "":
		return fmt.Sprintf("graph validation failed: %s -> %s: %s", e.Producer, e.Consumer, e.Reason)
	case e.Producer != "":
		return fmt.Sprintf("graph validation failed at %s: %s", e.Producer, e.Reason)
	default:
		return fmt.Sprintf("graph validation failed: %s", e.Reason)
	}
}

// RouteValidationError is a GraphValidationError subtype surfaced when a
// gate's route target is not a known sink at orchestration init.
type RouteValidationError struct {
	GateName         string
	InvalidDest      string
	AvailableSinks   []string
}

func (e *RouteValidationError) Error() string {
	return fmt.Sprintf(
		"gate %q routes to unknown destination %q; available sinks: [%s]",
		e.GateName, e.InvalidDest, strings.Join(e.AvailableSinks, ", "),
	)
}

// MissingEdgeError is raised by executors when a routing label has no
// registered edge in the graph's edge map. Callers must close the current
// NodeState FAILED before returning this, per the audit-completeness rule.
type MissingEdgeError struct {
	NodeID string
	Label  string
}

func (e *MissingEdgeError) Error() string {
	return fmt.Sprintf("no registered edge for (node=%s, label=%s)", e.NodeID, e.Label)
}

// CheckpointSizeLimitExceeded is raised when a serialised aggregation
// checkpoint exceeds the 10MB hard limit (spec §4.4.3).
type CheckpointSizeLimitExceeded struct {
	NodeID    string
	SizeBytes int64
}

func (e *CheckpointSizeLimitExceeded) Error() string {
	return fmt.Sprintf(
		"checkpoint size exceeds 10MB limit for node %s (%d bytes); "+
			"reduce the aggregation's trigger window or checkpoint more frequently",
		e.NodeID, e.SizeBytes,
	)
}

// ForkBudgetExhausted is raised by the Row Processor when a row's fork count
// would exceed max_forks_per_row.
type ForkBudgetExhausted struct {
	RowID    string
	Budget   int
	Attempted int
}

func (e *ForkBudgetExhausted) Error() string {
	return fmt.Sprintf("row %s: fork_budget_exhausted (budget=%d, attempted=%d)", e.RowID, e.Budget, e.Attempted)
}

// ErrPayloadStoreRequired is returned when the orchestrator is invoked without a
// configured Payload Store; source loading must never begin in that case.
var ErrPayloadStoreRequired = errors.New("PayloadStore required (audit)")

// RunNotResumable is returned by Resume when the target run's status is not
// FAILED (i.e. RUNNING or COMPLETED), or no checkpoint exists for it.
type RunNotResumable struct {
	RunID  string
	Reason string
}

func (e *RunNotResumable) Error() string {
	return fmt.Sprintf("run %s is not resumable: %s", e.RunID, e.Reason)
}
