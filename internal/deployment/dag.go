package deployment

import (
	"github.com/fluxmesh/orchestrator/internal/orcherr"
)

// graph is the adjacency-table view of a deployment's nodes/connections,
// built once at submit time (Design Note §9: "two flat arrays plus an
// adjacency table", no pointers between node and connection records).
type graph struct {
	nodeIDs      []string
	successors   map[string][]string      // node-id -> direct successors
	predecessors map[string][]string      // node-id -> direct predecessors
	connections  map[string][]Connection  // source-node-id -> outgoing connections
	incoming     map[string][]Connection  // target-node-id -> incoming connections
}

func buildGraph(nodes []Node, connections []Connection) *graph {
	g := &graph{
		successors:   make(map[string][]string),
		predecessors: make(map[string][]string),
		connections:  make(map[string][]Connection),
		incoming:     make(map[string][]Connection),
	}
	for _, n := range nodes {
		g.nodeIDs = append(g.nodeIDs, n.NodeID)
		if _, ok := g.successors[n.NodeID]; !ok {
			g.successors[n.NodeID] = nil
		}
		if _, ok := g.predecessors[n.NodeID]; !ok {
			g.predecessors[n.NodeID] = nil
		}
	}
	for _, c := range connections {
		g.successors[c.SourceNodeID] = append(g.successors[c.SourceNodeID], c.TargetNodeID)
		g.predecessors[c.TargetNodeID] = append(g.predecessors[c.TargetNodeID], c.SourceNodeID)
		g.connections[c.SourceNodeID] = append(g.connections[c.SourceNodeID], c)
		g.incoming[c.TargetNodeID] = append(g.incoming[c.TargetNodeID], c)
	}
	return g
}

// topoSort runs Kahn's algorithm, returning nodes in topological order. It
// fails with orcherr.KindCycleDetected if the graph is not a DAG (spec §3
// invariant i, §4.6 step 1).
func topoSort(g *graph) ([]string, error) {
	inDegree := make(map[string]int, len(g.nodeIDs))
	for _, id := range g.nodeIDs {
		inDegree[id] = len(g.predecessors[id])
	}

	var queue []string
	for _, id := range g.nodeIDs {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(g.nodeIDs))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, succ := range g.successors[id] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if len(order) != len(g.nodeIDs) {
		return nil, orcherr.New(orcherr.KindCycleDetected, "flow contains a cycle")
	}
	return order, nil
}

// descendants returns every node transitively reachable from nodeID,
// excluding nodeID itself (used to compute the skip-cascade on failure).
func (g *graph) descendants(nodeID string) []string {
	seen := make(map[string]struct{})
	var stack []string
	stack = append(stack, g.successors[nodeID]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		stack = append(stack, g.successors[n]...)
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	return out
}
