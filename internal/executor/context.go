// Package executor implements the per-node-type executors described in
// spec §4.4: each wraps plugin invocation with the audit dance (begin
// state, invoke plugin, close state) and only emits telemetry after the
// state is durably closed (the "landscape-before-telemetry" ordering
// invariant, spec §5).
package executor

import (
	"time"

	"github.com/elspeth-data/elspeth/internal/audit"
	"github.com/elspeth-data/elspeth/internal/metrics"
	"github.com/elspeth-data/elspeth/internal/payload"
	"github.com/elspeth-data/elspeth/internal/ratelimiter"
	"github.com/elspeth-data/elspeth/internal/token"
)

// Deps bundles the shared infrastructure every executor needs, so
// constructors take one value instead of five positional parameters.
type Deps struct {
	Recorder audit.Recorder
	Payload  payload.Store
	Tokens   *token.Manager
	Metrics  *metrics.Recorder
	Limiter  ratelimiter.Limiter
	RunID    string
	Clock    func() time.Time
}

func (d Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}

	return time.Now()
}
