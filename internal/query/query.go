// Package query implements the read-only operations over a graph
// snapshot: paginated read, open-by-name, synonym-expanded search,
// related-edges lookup, scripted multi-hop traversal, temporal slice and
// history, and per-entity summaries. Every function here takes the graph
// the caller holds under the store's read lock (not a copy) and returns
// copies; nothing here mutates its input. Grounded
// on internal/rpc/server_core.go's query-handler shape and the
// KittClouds dictionary Scan/Lookup split between exact and fuzzy
// matching.
package query

import (
	"sort"
	"strings"

	"github.com/kgraph/kgserver/internal/graph"
	"github.com/kgraph/kgserver/internal/synonym"
)

// PaginationLimitCeiling bounds limit regardless of caller-supplied value.
const PaginationLimitCeiling = 1000

// clampPagination enforces limit <= ceiling and offset >= 0, applying the
// given default when limit is zero (not "0 means empty", 0 means
// unspecified).
func clampPagination(limit, offset, def int) (int, int) {
	if limit <= 0 {
		limit = def
	}
	if limit > PaginationLimitCeiling {
		limit = PaginationLimitCeiling
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ReadGraph returns a window over entities (offset then limit) and every
// relation whose both endpoints fall in that window.
func ReadGraph(g *graph.KnowledgeGraph, limit, offset, defaultLimit int) ([]graph.Entity, []graph.Relation) {
	limit, offset = clampPagination(limit, offset, defaultLimit)

	if offset >= len(g.Entities) {
		return nil, nil
	}
	end := offset + limit
	if end > len(g.Entities) {
		end = len(g.Entities)
	}
	window := cloneEntities(g.Entities[offset:end])

	inWindow := make(map[string]bool, len(window))
	for _, e := range window {
		inWindow[e.Name] = true
	}
	var rels []graph.Relation
	for _, r := range g.Relations {
		if inWindow[r.From] && inWindow[r.To] {
			rels = append(rels, r.Clone())
		}
	}
	return window, rels
}

// OpenNodes returns the requested entities that exist (others silently
// dropped) and all relations whose both endpoints are in that set.
func OpenNodes(g *graph.KnowledgeGraph, names []string) ([]graph.Entity, []graph.Relation) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var ents []graph.Entity
	present := make(map[string]bool)
	for _, e := range g.Entities {
		if want[e.Name] {
			ents = append(ents, e.Clone())
			present[e.Name] = true
		}
	}
	var rels []graph.Relation
	for _, r := range g.Relations {
		if present[r.From] && present[r.To] {
			rels = append(rels, r.Clone())
		}
	}
	return ents, rels
}

// searchHit pairs an entity with the number of fields it matched on, used
// to sort by match count descending before falling back to insertion
// order (a stable sort over the original-order slice achieves this).
type searchHit struct {
	entity graph.Entity
	index  int
	count  int
}

// SearchNodes tokenizes query on whitespace, expands every token through
// exp, and matches any expanded token as a case-insensitive substring of
// an entity's name, entityType, or any observation. Entities are ranked
// by match count descending, ties broken by insertion order.
func SearchNodes(g *graph.KnowledgeGraph, exp *synonym.Expander, query string, limit int, includeRelations bool) ([]graph.Entity, []graph.Relation) {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return nil, nil
	}
	var expanded []string
	if exp != nil {
		expanded = exp.ExpandTerms(tokens)
	} else {
		expanded = tokens
	}

	var hits []searchHit
	for i, e := range g.Entities {
		count := matchCount(e, expanded)
		if count == 0 {
			continue
		}
		hits = append(hits, searchHit{entity: e.Clone(), index: i, count: count})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].count != hits[j].count {
			return hits[i].count > hits[j].count
		}
		return hits[i].index < hits[j].index
	})
	if limit > 0 && limit < len(hits) {
		hits = hits[:limit]
	}

	result := make([]graph.Entity, len(hits))
	present := make(map[string]bool, len(hits))
	for i, h := range hits {
		result[i] = h.entity
		present[h.entity.Name] = true
	}

	if !includeRelations {
		return result, nil
	}
	var rels []graph.Relation
	for _, r := range g.Relations {
		if present[r.From] && present[r.To] {
			rels = append(rels, r.Clone())
		}
	}
	return result, rels
}

func matchCount(e graph.Entity, expandedTokens []string) int {
	count := 0
	fields := make([]string, 0, 2+len(e.Observations))
	fields = append(fields, e.Name, e.EntityType)
	fields = append(fields, e.Observations...)
	for _, f := range fields {
		lower := strings.ToLower(f)
		for _, tok := range expandedTokens {
			if strings.Contains(lower, strings.ToLower(tok)) {
				count++
			}
		}
	}
	return count
}

// Direction selects which relations GetRelated considers.
type Direction string

const (
	DirIn   Direction = "in"
	DirOut  Direction = "out"
	DirBoth Direction = "both"
)

// GetRelated returns relations incident to entityName filtered by
// direction and, if non-empty, relationType. No transitive expansion.
func GetRelated(g *graph.KnowledgeGraph, entityName string, dir Direction, relationType string) []graph.Relation {
	var out []graph.Relation
	for _, r := range g.Relations {
		if relationType != "" && r.RelationType != relationType {
			continue
		}
		switch dir {
		case DirOut:
			if r.From == entityName {
				out = append(out, r.Clone())
			}
		case DirIn:
			if r.To == entityName {
				out = append(out, r.Clone())
			}
		default: // both
			if r.From == entityName || r.To == entityName {
				out = append(out, r.Clone())
			}
		}
	}
	return out
}

// TraverseStep is one element of a scripted traversal path.
type TraverseStep struct {
	RelationType string
	Direction    Direction
	TargetType   string // optional; "" means unfiltered
}

// TraversePath is one concrete path discovered by Traverse.
type TraversePath struct {
	Nodes         []string // node names visited, start node first
	RelationTypes []string // relation type traversed per hop
}

// Traverse executes a scripted multi-hop walk per spec.md §4.E. A
// nonexistent start node yields empty results, not an error.
func Traverse(g *graph.KnowledgeGraph, startNode string, path []TraverseStep, maxResults, defaultMaxResults int) ([]TraversePath, []string) {
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	if !entityExists(g, startNode) {
		return nil, nil
	}

	entityType := make(map[string]string, len(g.Entities))
	for _, e := range g.Entities {
		entityType[e.Name] = e.EntityType
	}

	frontier := []TraversePath{{Nodes: []string{startNode}}}
	for _, step := range path {
		seenThisStep := make(map[string]bool)
		var next []TraversePath
		for _, p := range frontier {
			current := p.Nodes[len(p.Nodes)-1]
			for _, r := range g.Relations {
				if r.RelationType != step.RelationType {
					continue
				}
				var other string
				switch step.Direction {
				case DirOut:
					if r.From != current {
						continue
					}
					other = r.To
				case DirIn:
					if r.To != current {
						continue
					}
					other = r.From
				default: // both
					if r.From == current {
						other = r.To
					} else if r.To == current {
						other = r.From
					} else {
						continue
					}
				}
				if _, ok := entityType[other]; !ok {
					continue // skip edges whose other endpoint does not exist
				}
				if step.TargetType != "" && entityType[other] != step.TargetType {
					continue
				}
				if seenThisStep[other] {
					continue
				}
				seenThisStep[other] = true

				nodes := append(append([]string{}, p.Nodes...), other)
				types := append(append([]string{}, p.RelationTypes...), r.RelationType)
				next = append(next, TraversePath{Nodes: nodes, RelationTypes: types})
			}
		}
		frontier = next
		if len(frontier) == 0 {
			break
		}
	}

	sort.SliceStable(frontier, func(i, j int) bool { return len(frontier[i].Nodes) < len(frontier[j].Nodes) })
	if maxResults > 0 && len(frontier) > maxResults {
		frontier = frontier[:maxResults]
	}

	endSeen := make(map[string]bool)
	var ends []string
	for _, p := range frontier {
		last := p.Nodes[len(p.Nodes)-1]
		if !endSeen[last] {
			endSeen[last] = true
			ends = append(ends, last)
		}
	}
	return frontier, ends
}

func entityExists(g *graph.KnowledgeGraph, name string) bool {
	for _, e := range g.Entities {
		if e.Name == name {
			return true
		}
	}
	return false
}

// GetRelationsAtTime returns relations whose validity window contains t,
// optionally restricted to those incident to entityName.
func GetRelationsAtTime(g *graph.KnowledgeGraph, t int64, entityName string) []graph.Relation {
	var out []graph.Relation
	for _, r := range g.Relations {
		if !r.ContainsTime(t) {
			continue
		}
		if entityName != "" && !r.MatchesEndpoint(entityName) {
			continue
		}
		out = append(out, r.Clone())
	}
	return out
}

// RelationWithCurrency pairs a relation with whether "now" falls inside
// its validity window.
type RelationWithCurrency struct {
	Relation  graph.Relation
	IsCurrent bool
}

// GetRelationHistory returns every relation incident to entityName
// regardless of validity, each annotated with IsCurrent.
func GetRelationHistory(g *graph.KnowledgeGraph, entityName string, now int64) []RelationWithCurrency {
	var out []RelationWithCurrency
	for _, r := range g.Relations {
		if !r.MatchesEndpoint(entityName) {
			continue
		}
		out = append(out, RelationWithCurrency{Relation: r.Clone(), IsCurrent: r.ContainsTime(now)})
	}
	return out
}

// Summary is the per-entity digest produced by Summarize.
type Summary struct {
	Name             string
	ObservationCount int
	OutDegree        int
	InDegree         int
	FirstObservation string
}

// Summarize computes Summary for each named entity (or all entities if
// names is empty).
func Summarize(g *graph.KnowledgeGraph, names []string) []Summary {
	var targets []string
	if len(names) == 0 {
		targets = g.EntityNames()
	} else {
		targets = names
	}

	byName := make(map[string]graph.Entity, len(g.Entities))
	for _, e := range g.Entities {
		byName[e.Name] = e
	}

	var out []Summary
	for _, name := range targets {
		e, ok := byName[name]
		if !ok {
			continue
		}
		s := Summary{Name: name, ObservationCount: len(e.Observations)}
		if len(e.Observations) > 0 {
			s.FirstObservation = e.Observations[0]
		}
		for _, r := range g.Relations {
			if r.From == name {
				s.OutDegree++
			}
			if r.To == name {
				s.InDegree++
			}
		}
		out = append(out, s)
	}
	return out
}

func cloneEntities(in []graph.Entity) []graph.Entity {
	out := make([]graph.Entity, len(in))
	for i, e := range in {
		out[i] = e.Clone()
	}
	return out
}
