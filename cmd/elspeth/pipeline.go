package main

import (
	"errors"

	"github.com/elspeth-data/elspeth/internal/audit"
	"github.com/elspeth-data/elspeth/internal/orchestrator"
	"github.com/elspeth-data/elspeth/internal/payload"
)

// ErrNoPipelineFactory is returned by the default BuildSpec when no
// settings loader / plugin registry has been wired in. Resolving a settings
// file into a graph, plugin instances, and per-node configuration is an
// external-collaborator concern (spec §1); a real deployment of this binary
// replaces BuildSpec with one backed by its settings loader before calling
// run() or resumeCommand().
var ErrNoPipelineFactory = errors.New("elspeth: no pipeline factory configured (settings loading and the plugin registry are an external collaborator, spec §1)")

// PipelineFactory builds the orchestrator.Spec for one run from a settings
// file path, using rec and store as the shared audit.Recorder and
// payload.Store the resulting Spec's Deps must reference. This is the seam
// between this thin CLI and the settings/plugin-registry collaborator: the
// CLI only ever owns database/payload-dir resolution, precondition checks,
// and exit codes, never graph construction.
type PipelineFactory func(settingsPath string, rec audit.Recorder, store payload.Store) (orchestrator.Spec, error)

// BuildSpec is the pipeline factory this binary is wired with. It is a
// package variable, not a constant, so an integration that does carry a
// settings loader and plugin registry can replace it.
//
//nolint:gochecknoglobals // intentional injection seam, see PipelineFactory doc.
var BuildSpec PipelineFactory = func(string, audit.Recorder, payload.Store) (orchestrator.Spec, error) {
	return orchestrator.Spec{}, ErrNoPipelineFactory
}
