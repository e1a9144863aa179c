package infer

import (
	"testing"
	"time"

	"github.com/kgraph/kgserver/internal/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTransitiveDependencyChain exercises scenario S4.
func TestTransitiveDependencyChain(t *testing.T) {
	g := &graph.KnowledgeGraph{
		Entities: []graph.Entity{{Name: "X"}, {Name: "Y"}, {Name: "Z"}},
		Relations: []graph.Relation{
			{From: "X", To: "Y", RelationType: "depends_on"},
			{From: "Y", To: "Z", RelationType: "depends_on"},
		},
	}
	results, stats := Run(g, "X", 3, 0.5, nil, nil)
	require.Len(t, results, 1)
	r := results[0]
	assert.Equal(t, "X", r.From)
	assert.Equal(t, "Z", r.To)
	assert.Equal(t, "depends_on_indirect", r.RelationType)
	assert.InDelta(t, 0.9025, r.Confidence, 0.0001)
	assert.Equal(t, "TransitiveDependency", r.RuleName)
	assert.GreaterOrEqual(t, stats.NodesVisited, 3)
}

// TestTransitiveDependencyIgnoresReverseChain guards against a
// fan-in/reverse false positive: C depends_on A depends_on Target gives
// Target zero outgoing depends_on edges, so walking from Target can only
// reach C via two reverse (inAdj) hops. TransitiveDependency must not
// fire on a reverse chain — spec.md §4.F restricts it to out-edges only.
func TestTransitiveDependencyIgnoresReverseChain(t *testing.T) {
	g := &graph.KnowledgeGraph{
		Entities: []graph.Entity{{Name: "Target"}, {Name: "A"}, {Name: "C"}},
		Relations: []graph.Relation{
			{From: "A", To: "Target", RelationType: "depends_on"},
			{From: "C", To: "A", RelationType: "depends_on"},
		},
	}
	results, _ := Run(g, "Target", 3, 0.5, nil, nil)
	for _, r := range results {
		assert.NotEqual(t, "depends_on_indirect", r.RelationType, "reverse depends_on chain must not yield depends_on_indirect")
	}
}

func TestInferMissingTargetReturnsEmpty(t *testing.T) {
	g := &graph.KnowledgeGraph{}
	results, stats := Run(g, "Ghost", 3, 0.5, nil, nil)
	assert.Empty(t, results)
	assert.Equal(t, 0, stats.NodesVisited)
}

// TestSelfLoopTerminates exercises boundary behavior 12: a self-loop must
// not cause infinite expansion (per-path visited set excludes revisits).
func TestSelfLoopTerminates(t *testing.T) {
	g := &graph.KnowledgeGraph{
		Entities:  []graph.Entity{{Name: "X"}},
		Relations: []graph.Relation{{From: "X", To: "X", RelationType: "relates_to"}},
	}
	done := make(chan struct{})
	go func() {
		Run(g, "X", 5, 0.1, nil, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("infer did not terminate on a self-loop graph")
	}
}
