// Package graph builds and validates the execution graph (spec §4.2):
// source/transform/gate/aggregation/coalesce/sink nodes and the labelled
// edges routing tokens between them, plus the cached lookup maps the
// processor needs to dispatch in O(1).
package graph

import "github.com/elspeth-data/elspeth/internal/model"

// NodeSpec describes one node to register when building a Graph. Position
// feeds DeriveNodeID and, for transforms, doubles as the transform_id_map
// key (spec "position index -> node ID").
type NodeSpec struct {
	Name         string
	Type         model.NodeType
	PluginName   string
	Version      string
	Determinism  model.Determinism
	ConfigJSON   string
	ConfigHash   string
	Position     int
	InputSchema  *model.SchemaContract
	OutputSchema *model.SchemaContract

	// Routes maps a gate's label (the result of Evaluate/expression
	// evaluation) to a destination: a sink name, "continue", or "fork".
	// Only meaningful for NodeGate.
	Routes map[string]string

	// Branches names the fork branches a gate may emit, or the branches a
	// coalesce node waits on. Meaningful for NodeGate (fork source) and
	// NodeCoalesce (fork sink).
	Branches []string
}

// EdgeSpec describes one edge to register when building a Graph, referring
// to nodes by the Name given in their NodeSpec.
type EdgeSpec struct {
	From  string
	To    string
	Label string
	Mode  model.RoutingMode
}

// Graph is the built, validated execution graph for one run.
type Graph struct {
	RunID string

	nodesByName map[string]*model.Node
	nodesByID   map[string]*model.Node
	specByID    map[string]NodeSpec
	edges       []*model.Edge

	SinkIDMap         map[string]string          // sink name -> node ID
	TransformIDMap    map[int]string             // position -> node ID
	ConfigGateIDMap   map[string]string           // gate name -> node ID
	AggregationIDMap  map[string]string           // aggregation name -> node ID
	CoalesceIDMap     map[string]string           // coalesce name -> node ID
	RouteResolution   map[routeKey]string         // (node ID, label) -> destination
	BranchToCoalesce  map[string]string           // branch name -> coalesce node ID
	EdgeMap           map[routeKey]string         // (node ID, label) -> edge ID
}

type routeKey struct {
	nodeID string
	label  string
}

// Node returns the node registered under id, if any.
func (g *Graph) Node(id string) (*model.Node, bool) {
	n, ok := g.nodesByID[id]
	return n, ok
}

// NodeByName returns the node registered under its construction-time Name.
func (g *Graph) NodeByName(name string) (*model.Node, bool) {
	n, ok := g.nodesByName[name]
	return n, ok
}

// Spec returns the NodeSpec a node was built from, for executors that need
// routing/branch metadata not carried on model.Node itself.
func (g *Graph) Spec(nodeID string) (NodeSpec, bool) {
	s, ok := g.specByID[nodeID]
	return s, ok
}

// Edges returns every registered edge, in registration order.
func (g *Graph) Edges() []*model.Edge {
	return g.edges
}

// ResolveRoute looks up the destination for (nodeID, label): a sink name,
// "continue", or "fork".
func (g *Graph) ResolveRoute(nodeID, label string) (string, bool) {
	dest, ok := g.RouteResolution[routeKey{nodeID, label}]
	return dest, ok
}

// EdgeID looks up the registered edge ID for (nodeID, label).
func (g *Graph) EdgeID(nodeID, label string) (string, bool) {
	id, ok := g.EdgeMap[routeKey{nodeID, label}]
	return id, ok
}

// CoalesceForBranch returns the coalesce node ID that a fork branch name
// feeds into, if any.
func (g *Graph) CoalesceForBranch(branch string) (string, bool) {
	id, ok := g.BranchToCoalesce[branch]
	return id, ok
}

// EdgeTarget returns the node reached by nodeID's edge labelled label, for
// callers (fork dispatch) that need an arbitrary label rather than the
// "continue" default.
func (g *Graph) EdgeTarget(nodeID, label string) (*model.Node, bool) {
	edgeID, ok := g.EdgeMap[routeKey{nodeID, label}]
	if !ok {
		return nil, false
	}

	for _, e := range g.edges {
		if e.ID == edgeID {
			n, ok := g.nodesByID[e.ToNode]
			return n, ok
		}
	}

	return nil, false
}

// Next returns the node reached by nodeID's "continue" edge -- the linear
// successor a transform, aggregation, source, or continuing gate hands its
// token to next. Nodes whose only forward motion is a routed/forked
// destination (pure terminal gates) have no such edge.
func (g *Graph) Next(nodeID string) (*model.Node, bool) {
	edgeID, ok := g.EdgeMap[routeKey{nodeID, destContinue}]
	if !ok {
		return nil, false
	}

	for _, e := range g.edges {
		if e.ID == edgeID {
			n, ok := g.nodesByID[e.ToNode]
			return n, ok
		}
	}

	return nil, false
}
