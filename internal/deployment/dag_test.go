package deployment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmesh/orchestrator/internal/orcherr"
)

func TestTopoSortLinear(t *testing.T) {
	nodes := []Node{{NodeID: "a"}, {NodeID: "b"}, {NodeID: "c"}}
	conns := []Connection{
		{SourceNodeID: "a", TargetNodeID: "b"},
		{SourceNodeID: "b", TargetNodeID: "c"},
	}
	g := buildGraph(nodes, conns)
	order, err := topoSort(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestTopoSortDetectsCycle(t *testing.T) {
	nodes := []Node{{NodeID: "a"}, {NodeID: "b"}}
	conns := []Connection{
		{SourceNodeID: "a", TargetNodeID: "b"},
		{SourceNodeID: "b", TargetNodeID: "a"},
	}
	g := buildGraph(nodes, conns)
	_, err := topoSort(g)
	require.Error(t, err)
	kind, ok := orcherr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orcherr.KindCycleDetected, kind)
}

func TestDescendantsFanOutFanIn(t *testing.T) {
	nodes := []Node{{NodeID: "a"}, {NodeID: "b"}, {NodeID: "c"}, {NodeID: "d"}}
	conns := []Connection{
		{SourceNodeID: "a", TargetNodeID: "b"},
		{SourceNodeID: "a", TargetNodeID: "c"},
		{SourceNodeID: "b", TargetNodeID: "d"},
		{SourceNodeID: "c", TargetNodeID: "d"},
	}
	g := buildGraph(nodes, conns)
	assert.ElementsMatch(t, []string{"b", "c", "d"}, g.descendants("a"))
	assert.ElementsMatch(t, []string{"d"}, g.descendants("b"))
	assert.Empty(t, g.descendants("d"))
}
