package graph

import (
	"context"
	"fmt"

	"github.com/elspeth-data/elspeth/internal/audit"
	"github.com/elspeth-data/elspeth/internal/engineerr"
	"github.com/elspeth-data/elspeth/internal/model"
)

const (
	destContinue = "continue"
	destFork     = "fork"
)

// Build walks the resolved node and edge specs, registers every node and
// edge with the recorder (so IDs are durable and deterministic), and
// computes the cached lookup maps described in spec §4.2. Validation
// (ValidateEdgeCompatibility) is the caller's responsibility, run separately
// so a caller can decide whether to treat it as fatal.
func Build(ctx context.Context, rec audit.Recorder, runID string, nodes []NodeSpec, edges []EdgeSpec) (*Graph, error) {
	g := &Graph{
		RunID:            runID,
		nodesByName:      make(map[string]*model.Node, len(nodes)),
		nodesByID:        make(map[string]*model.Node, len(nodes)),
		specByID:         make(map[string]NodeSpec, len(nodes)),
		SinkIDMap:        make(map[string]string),
		TransformIDMap:   make(map[int]string),
		ConfigGateIDMap:  make(map[string]string),
		AggregationIDMap: make(map[string]string),
		CoalesceIDMap:    make(map[string]string),
		RouteResolution:  make(map[routeKey]string),
		BranchToCoalesce: make(map[string]string),
		EdgeMap:          make(map[routeKey]string),
	}

	for _, spec := range nodes {
		node, err := rec.RegisterNode(ctx, runID, spec.PluginName, spec.Type, spec.Position,
			spec.Version, spec.ConfigJSON, spec.Determinism, spec.InputSchema, spec.OutputSchema)
		if err != nil {
			return nil, fmt.Errorf("graph: register node %q: %w", spec.Name, err)
		}

		g.nodesByName[spec.Name] = node
		g.nodesByID[node.ID] = node
		g.specByID[node.ID] = spec

		switch spec.Type {
		case model.NodeSink:
			g.SinkIDMap[spec.Name] = node.ID
		case model.NodeTransform:
			g.TransformIDMap[spec.Position] = node.ID
		case model.NodeGate:
			g.ConfigGateIDMap[spec.Name] = node.ID

			for label, dest := range spec.Routes {
				g.RouteResolution[routeKey{node.ID, label}] = dest
			}
		case model.NodeAggregation:
			g.AggregationIDMap[spec.Name] = node.ID
		case model.NodeCoalesce:
			g.CoalesceIDMap[spec.Name] = node.ID

			for _, branch := range spec.Branches {
				g.BranchToCoalesce[branch] = node.ID
			}
		case model.NodeSource:
			// no auxiliary lookup map; sources are referenced by name directly
		}
	}

	for _, e := range edges {
		from, ok := g.nodesByName[e.From]
		if !ok {
			return nil, &engineerr.GraphValidationError{Producer: e.From, Reason: "edge references unknown producer"}
		}

		to, ok := g.nodesByName[e.To]
		if !ok {
			return nil, &engineerr.GraphValidationError{Consumer: e.To, Reason: "edge references unknown consumer"}
		}

		mode := e.Mode
		if mode == "" {
			mode = model.RoutingMove
		}

		edge, err := rec.RegisterEdge(ctx, runID, from.ID, to.ID, e.Label, mode)
		if err != nil {
			return nil, fmt.Errorf("graph: register edge %s-[%s]->%s: %w", e.From, e.Label, e.To, err)
		}

		g.edges = append(g.edges, edge)
		g.EdgeMap[routeKey{from.ID, e.Label}] = edge.ID

		if _, exists := g.RouteResolution[routeKey{from.ID, e.Label}]; !exists {
			g.RouteResolution[routeKey{from.ID, e.Label}] = destContinue
		}
	}

	return g, nil
}
