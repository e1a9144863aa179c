// Package infer implements the bounded-BFS rule engine: from a target
// entity, explore edges up to a depth and confidence floor, applying
// pluggable rules to yield candidate InferredRelations. Grounded on
// internal/rpc/server_core.go's read-only traversal shape; the per-path
// (not global) visited-set discipline follows spec.md §4.F and §9
// directly, since nothing in the teacher corpus does cyclic-graph BFS.
package infer

import (
	"sort"
	"time"

	"github.com/kgraph/kgserver/internal/graph"
)

// DefaultDecay is the per-relation-type confidence multiplier applied on
// each hop (spec.md §4.F).
var DefaultDecay = map[string]float64{
	"depends_on": 0.95,
	"implements": 0.95,
	"affects":    0.90,
	"caused_by":  0.90,
	"fixes":      0.90,
	"part_of":    0.90,
	"relates_to": 0.70,
}

const defaultDecay = 0.80
const reverseDirectionPenalty = 0.8

// Hop is one traversed edge in a candidate path: its relation type and
// whether it was walked against the edge's stored direction (an inAdj
// step). Rules that care about direction — e.g. "out-edges only" — can
// inspect Reverse directly instead of guessing from relTypes alone.
type Hop struct {
	RelationType string
	Reverse      bool
}

// Rule declares the hop sequence a path must match and the output
// relation type it yields.
type Rule struct {
	Name    string
	Matches func(hops []Hop) (outputType string, ok bool)
}

// TransitiveDependency is the built-in rule: any path of length >= 2
// entirely of forward (out-edge) depends_on hops yields
// depends_on_indirect. A depends_on chain walked against its stored
// direction (spec.md:125 requires "out-edges only") never matches.
var TransitiveDependency = Rule{
	Name: "TransitiveDependency",
	Matches: func(hops []Hop) (string, bool) {
		if len(hops) < 2 {
			return "", false
		}
		for _, h := range hops {
			if h.RelationType != "depends_on" || h.Reverse {
				return "", false
			}
		}
		return "depends_on_indirect", true
	},
}

// DefaultRules is applied when the caller supplies none.
var DefaultRules = []Rule{TransitiveDependency}

// InferredRelation is one candidate edge discovered by the engine.
type InferredRelation struct {
	From         string
	To           string
	RelationType string
	Confidence   float64
	RuleName     string
	Explanation  string
}

// Stats accompanies every Run call.
type Stats struct {
	NodesVisited    int
	PathsFound      int
	MaxDepthReached int
	ExecutionTimeMs float64
}

// pathState is one BFS queue entry. visited is per-path (cloned on
// expansion, never shared), which is what lets diamond patterns explore
// both arms instead of collapsing to a single global visit.
type pathState struct {
	entity     string
	visited    map[string]bool
	hops       []Hop
	nodeChain  []string
	confidence float64
	depth      int
}

// Run executes the bounded BFS from target. Forward (outgoing) edges are
// the primary direction; incoming edges are also explored, tagged as
// Hop.Reverse and carrying the additional reverse-direction penalty, so a
// rule can choose whether to accept them. TransitiveDependency does not:
// spec.md §4.F requires out-edges only for depends_on_indirect.
func Run(g *graph.KnowledgeGraph, target string, maxDepth int, minConfidence float64, rules []Rule, decay map[string]float64) ([]InferredRelation, Stats) {
	start := time.Now()
	if maxDepth <= 0 {
		maxDepth = 3
	}
	if minConfidence <= 0 {
		minConfidence = 0.5
	}
	if len(rules) == 0 {
		rules = DefaultRules
	}
	if decay == nil {
		decay = DefaultDecay
	}

	stats := Stats{}
	if !entityExists(g, target) {
		stats.ExecutionTimeMs = elapsedMs(start)
		return nil, stats
	}

	outAdj, inAdj := buildAdjacency(g)

	var inferred []InferredRelation
	queue := []pathState{{
		entity:     target,
		visited:    map[string]bool{target: true},
		nodeChain:  []string{target},
		confidence: 1.0,
		depth:      0,
	}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		stats.NodesVisited++
		if cur.depth > stats.MaxDepthReached {
			stats.MaxDepthReached = cur.depth
		}

		if len(cur.nodeChain) >= 2 {
			for _, rule := range rules {
				outputType, ok := rule.Matches(cur.hops)
				if !ok {
					continue
				}
				end := cur.nodeChain[len(cur.nodeChain)-1]
				inferred = append(inferred, InferredRelation{
					From:         target,
					To:           end,
					RelationType: outputType,
					Confidence:   cur.confidence,
					RuleName:     rule.Name,
					Explanation:  explain(cur.nodeChain, cur.hops),
				})
				stats.PathsFound++
			}
		}

		if cur.depth >= maxDepth {
			continue
		}
		for _, r := range outAdj[cur.entity] {
			expand(r.To, r.RelationType, false, cur, decay, minConfidence, &queue)
		}
		for _, r := range inAdj[cur.entity] {
			expand(r.From, r.RelationType, true, cur, decay, minConfidence, &queue)
		}
	}

	sort.SliceStable(inferred, func(i, j int) bool { return inferred[i].Confidence > inferred[j].Confidence })
	stats.ExecutionTimeMs = elapsedMs(start)
	return inferred, stats
}

// expand admits next onto the queue if it is not already in the
// per-path visited set and its resulting confidence clears minConfidence.
func expand(next, relType string, reverse bool, cur pathState, decay map[string]float64, minConfidence float64, queue *[]pathState) {
	if cur.visited[next] {
		return
	}
	mult := decayFor(relType, decay)
	if reverse {
		mult *= reverseDirectionPenalty
	}
	conf := cur.confidence * mult
	if conf < minConfidence {
		return
	}
	nv := make(map[string]bool, len(cur.visited)+1)
	for k := range cur.visited {
		nv[k] = true
	}
	nv[next] = true
	*queue = append(*queue, pathState{
		entity:     next,
		visited:    nv,
		hops:       append(append([]Hop{}, cur.hops...), Hop{RelationType: relType, Reverse: reverse}),
		nodeChain:  append(append([]string{}, cur.nodeChain...), next),
		confidence: conf,
		depth:      cur.depth + 1,
	})
}

func decayFor(relType string, decay map[string]float64) float64 {
	if v, ok := decay[relType]; ok {
		return v
	}
	return defaultDecay
}

func buildAdjacency(g *graph.KnowledgeGraph) (out, in map[string][]graph.Relation) {
	out = make(map[string][]graph.Relation)
	in = make(map[string][]graph.Relation)
	for _, r := range g.Relations {
		out[r.From] = append(out[r.From], r)
		in[r.To] = append(in[r.To], r)
	}
	return out, in
}

func entityExists(g *graph.KnowledgeGraph, name string) bool {
	for _, e := range g.Entities {
		if e.Name == name {
			return true
		}
	}
	return false
}

func explain(nodeChain []string, hops []Hop) string {
	s := nodeChain[0]
	for i, h := range hops {
		arrow := " --" + h.RelationType + "--> "
		if h.Reverse {
			arrow = " <--" + h.RelationType + "-- "
		}
		s += arrow + nodeChain[i+1]
	}
	return s
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
