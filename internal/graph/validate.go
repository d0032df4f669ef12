package graph

import (
	"fmt"

	"github.com/elspeth-data/elspeth/internal/engineerr"
	"github.com/elspeth-data/elspeth/internal/model"
)

// ValidateEdgeCompatibility runs the four structural checks described in
// spec §4.2: route targets resolve, fork branches have a destination,
// coalesce nodes have at least one incoming branch, and schemas are
// compatible across every edge.
func ValidateEdgeCompatibility(g *Graph) error {
	if err := validateRouteTargets(g); err != nil {
		return err
	}

	if err := validateForkBranches(g); err != nil {
		return err
	}

	if err := validateCoalesceHasBranch(g); err != nil {
		return err
	}

	return validateSchemas(g)
}

func validateRouteTargets(g *Graph) error {
	for key, dest := range g.RouteResolution {
		node := g.nodesByID[key.nodeID]

		switch dest {
		case destContinue, destFork:
			continue
		default:
			if _, ok := g.SinkIDMap[dest]; !ok {
				available := make([]string, 0, len(g.SinkIDMap))
				for name := range g.SinkIDMap {
					available = append(available, name)
				}

				gateName := key.nodeID
				if node != nil {
					gateName = node.PluginName
				}

				return &engineerr.RouteValidationError{
					GateName:       gateName,
					InvalidDest:    dest,
					AvailableSinks: available,
				}
			}
		}
	}

	return nil
}

func validateForkBranches(g *Graph) error {
	for nodeID, spec := range g.specByID {
		if spec.Type != model.NodeGate {
			continue
		}

		for _, branch := range spec.Branches {
			_, hasEdge := g.EdgeMap[routeKey{nodeID, branch}]
			_, hasCoalesce := g.BranchToCoalesce[branch]

			if !hasEdge && !hasCoalesce {
				return &engineerr.GraphValidationError{
					Producer: spec.Name,
					Reason:   fmt.Sprintf("fork branch %q has no downstream edge and no coalesce claims it", branch),
				}
			}
		}
	}

	return nil
}

func validateCoalesceHasBranch(g *Graph) error {
	coalesceBranchCount := make(map[string]int, len(g.CoalesceIDMap))

	for _, coalesceID := range g.CoalesceIDMap {
		coalesceBranchCount[coalesceID] = 0
	}

	for _, coalesceID := range g.BranchToCoalesce {
		coalesceBranchCount[coalesceID]++
	}

	for name, id := range g.CoalesceIDMap {
		if coalesceBranchCount[id] == 0 {
			return &engineerr.GraphValidationError{
				Consumer: name,
				Reason:   "coalesce has no incoming branches",
			}
		}
	}

	return nil
}

// validateSchemas checks that every edge's producer output schema satisfies
// the consumer's input schema: required fields present, types assignable
// (numeric widening allowed, string<->int not), and extra="forbid" consumers
// reject producers carrying extra fields. Dynamic schemas bypass the check
// entirely. Nodes without a declared schema (config gates) are looked
// through to the nearest upstream node that declares one.
func validateSchemas(g *Graph) error {
	for _, edge := range g.edges {
		producer := g.nodesByID[edge.FromNode]
		consumer := g.nodesByID[edge.ToNode]

		if producer == nil || consumer == nil {
			continue
		}

		outSchema := resolveOutputSchema(g, producer)
		inSchema := consumer.InputSchema

		if outSchema == nil || inSchema == nil || inSchema.IsDynamic || outSchema.IsDynamic {
			continue
		}

		if err := checkSchemaCompatible(producer.PluginName, consumer.PluginName, outSchema, inSchema); err != nil {
			return err
		}
	}

	return nil
}

// resolveOutputSchema looks through nodes with no declared output schema
// (config gates) to the nearest upstream node that has one.
func resolveOutputSchema(g *Graph, n *model.Node) *model.SchemaContract {
	visited := make(map[string]bool)

	for n != nil && n.OutputSchema == nil {
		if visited[n.ID] {
			return nil
		}

		visited[n.ID] = true

		var upstream *model.Node

		for _, e := range g.edges {
			if e.ToNode == n.ID {
				upstream = g.nodesByID[e.FromNode]
				break
			}
		}

		n = upstream
	}

	if n == nil {
		return nil
	}

	return n.OutputSchema
}

func checkSchemaCompatible(producerName, consumerName string, out, in *model.SchemaContract) error {
	outFields := make(map[string]model.FieldSpec, len(out.Fields))
	for _, f := range out.Fields {
		outFields[f.Name] = f
	}

	for _, required := range in.Fields {
		if !required.Required {
			continue
		}

		outField, present := outFields[required.Name]
		if !present {
			return &engineerr.GraphValidationError{
				Producer: producerName,
				Consumer: consumerName,
				Reason:   fmt.Sprintf("required field %q missing from producer output schema", required.Name),
			}
		}

		if !typeAssignable(outField.Type, required.Type) {
			return &engineerr.GraphValidationError{
				Producer: producerName,
				Consumer: consumerName,
				Reason:   fmt.Sprintf("field %q type %s is not assignable to %s", required.Name, outField.Type, required.Type),
			}
		}
	}

	if in.ExtraMode == model.ExtraForbid {
		declared := make(map[string]bool, len(in.Fields))
		for _, f := range in.Fields {
			declared[f.Name] = true
		}

		for _, f := range out.Fields {
			if !declared[f.Name] {
				return &engineerr.GraphValidationError{
					Producer: producerName,
					Consumer: consumerName,
					Reason:   fmt.Sprintf("consumer forbids extra fields but producer declares %q", f.Name),
				}
			}
		}
	}

	return nil
}

// typeAssignable allows numeric widening (int -> float) but never
// string<->int coercion.
func typeAssignable(from, to model.FieldType) bool {
	if from == to {
		return true
	}

	return from == model.FieldInt && to == model.FieldFloat
}
