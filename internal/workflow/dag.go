package workflow

import (
	"fmt"

	"github.com/thanigaiv/oncallforge/internal/model"
)

// graph is the execution-ready form of a Definition: nodes indexed by ID,
// outgoing edges indexed by (from, branch), and the set of root nodes (no
// incoming edge) to start the walk from.
type graph struct {
	nodes map[string]model.WorkflowNode
	edges map[string][]model.WorkflowEdge
	roots []string
}

// buildGraph indexes a Definition's nodes/edges and validates it has no
// cycles, via the same DFS-with-recursion-stack approach the teacher's
// WorkflowDAG.hasCycleDFS uses, adapted from a dependency-list DAG to an
// edge-list one.
func buildGraph(def model.Definition) (*graph, error) {
	g := &graph{
		nodes: make(map[string]model.WorkflowNode, len(def.Nodes)),
		edges: make(map[string][]model.WorkflowEdge),
	}
	for _, n := range def.Nodes {
		g.nodes[n.ID] = n
	}
	hasIncoming := make(map[string]bool, len(def.Nodes))
	for _, e := range def.Edges {
		if _, ok := g.nodes[e.From]; !ok {
			return nil, fmt.Errorf("edge references unknown node %q", e.From)
		}
		if _, ok := g.nodes[e.To]; !ok {
			return nil, fmt.Errorf("edge references unknown node %q", e.To)
		}
		g.edges[e.From] = append(g.edges[e.From], e)
		hasIncoming[e.To] = true
	}
	for id := range g.nodes {
		if !hasIncoming[id] {
			g.roots = append(g.roots, id)
		}
	}

	visited := make(map[string]bool)
	inStack := make(map[string]bool)
	for id := range g.nodes {
		if !visited[id] && g.hasCycle(id, visited, inStack) {
			return nil, fmt.Errorf("workflow definition contains a cycle at node %q", id)
		}
	}
	return g, nil
}

func (g *graph) hasCycle(id string, visited, inStack map[string]bool) bool {
	visited[id] = true
	inStack[id] = true
	for _, e := range g.edges[id] {
		if !visited[e.To] {
			if g.hasCycle(e.To, visited, inStack) {
				return true
			}
		} else if inStack[e.To] {
			return true
		}
	}
	inStack[id] = false
	return false
}

// next returns the node IDs reachable from id along edges matching branch
// ("" matches unconditional edges only, used for action/trigger nodes;
// "true"/"false" matches a condition node's selected branch).
func (g *graph) next(id, branch string) []string {
	var out []string
	for _, e := range g.edges[id] {
		if e.Branch == branch {
			out = append(out, e.To)
		}
	}
	return out
}
