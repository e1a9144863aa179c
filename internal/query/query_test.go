package query

import (
	"testing"

	"github.com/kgraph/kgserver/internal/graph"
	"github.com/kgraph/kgserver/internal/synonym"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleGraph() *graph.KnowledgeGraph {
	return &graph.KnowledgeGraph{
		Entities: []graph.Entity{
			{Name: "Alice", EntityType: "Person", Observations: []string{"Software Engineer"}},
			{Name: "Bob", EntityType: "Person", Observations: []string{"manages release"}},
			{Name: "NYC", EntityType: "Location"},
		},
		Relations: []graph.Relation{
			{From: "Alice", To: "Bob", RelationType: "works_with"},
			{From: "Alice", To: "NYC", RelationType: "located_in"},
		},
	}
}

func TestReadGraphPaginationClamps(t *testing.T) {
	g := sampleGraph()
	ents, rels := ReadGraph(g, 0, 0, 50)
	assert.Len(t, ents, 3)
	assert.Len(t, rels, 2)

	ents2, rels2 := ReadGraph(g, 50, 100, 50)
	assert.Empty(t, ents2)
	assert.Empty(t, rels2)
}

func TestOpenNodesOnlyRequested(t *testing.T) {
	g := sampleGraph()
	ents, rels := OpenNodes(g, []string{"Alice", "NYC", "Ghost"})
	assert.Len(t, ents, 2)
	require.Len(t, rels, 1)
	assert.Equal(t, "NYC", rels[0].To)
}

func TestSearchNodesSynonymExpansion(t *testing.T) {
	g := sampleGraph()
	exp, err := synonym.New()
	require.NoError(t, err)

	ents, _ := SearchNodes(g, exp, "coder", 10, false)
	require.Len(t, ents, 1)
	assert.Equal(t, "Alice", ents[0].Name)
}

func TestGetRelatedDirectionFilter(t *testing.T) {
	g := sampleGraph()
	out := GetRelated(g, "Alice", DirOut, "")
	assert.Len(t, out, 2)
	in := GetRelated(g, "Bob", DirIn, "")
	assert.Len(t, in, 1)
}

func TestTraverseMissingStartNode(t *testing.T) {
	g := sampleGraph()
	paths, ends := Traverse(g, "Ghost", []TraverseStep{{RelationType: "works_with", Direction: DirOut}}, 0, 50)
	assert.Empty(t, paths)
	assert.Empty(t, ends)
}

func TestTraverseMultiHop(t *testing.T) {
	g := &graph.KnowledgeGraph{
		Entities: []graph.Entity{
			{Name: "X", EntityType: "Project"},
			{Name: "Y", EntityType: "Project"},
			{Name: "Z", EntityType: "Project"},
		},
		Relations: []graph.Relation{
			{From: "X", To: "Y", RelationType: "depends_on"},
			{From: "Y", To: "Z", RelationType: "depends_on"},
		},
	}
	paths, ends := Traverse(g, "X", []TraverseStep{
		{RelationType: "depends_on", Direction: DirOut},
		{RelationType: "depends_on", Direction: DirOut},
	}, 0, 50)
	require.Len(t, paths, 1)
	assert.Equal(t, []string{"X", "Y", "Z"}, paths[0].Nodes)
	assert.Equal(t, []string{"Z"}, ends)
}

func TestGetRelationsAtTimeAndHistory(t *testing.T) {
	vf1, vt1 := int64(1704067200), int64(1735689599)
	vf2 := int64(1735689600)
	g := &graph.KnowledgeGraph{
		Entities: []graph.Entity{{Name: "Alice", EntityType: "Person"}, {Name: "NYC", EntityType: "Location"}, {Name: "Tokyo", EntityType: "Location"}},
		Relations: []graph.Relation{
			{From: "Alice", To: "NYC", RelationType: "lives_in", ValidFrom: &vf1, ValidTo: &vt1},
			{From: "Alice", To: "Tokyo", RelationType: "lives_in", ValidFrom: &vf2},
		},
	}

	atTime := GetRelationsAtTime(g, 1720000000, "Alice")
	require.Len(t, atTime, 1)
	assert.Equal(t, "NYC", atTime[0].To)

	hist := GetRelationHistory(g, "Alice", 1740000000)
	require.Len(t, hist, 2)
	for _, h := range hist {
		if h.Relation.To == "NYC" {
			assert.False(t, h.IsCurrent)
		} else {
			assert.True(t, h.IsCurrent)
		}
	}
}

func TestSummarize(t *testing.T) {
	g := sampleGraph()
	summaries := Summarize(g, nil)
	require.Len(t, summaries, 3)
	for _, s := range summaries {
		if s.Name == "Alice" {
			assert.Equal(t, 1, s.ObservationCount)
			assert.Equal(t, 2, s.OutDegree)
			assert.Equal(t, "Software Engineer", s.FirstObservation)
		}
	}
}
