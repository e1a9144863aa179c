// Package graph defines the knowledge-graph value types: Entity, Relation,
// and the KnowledgeGraph they compose into. Constructors enforce the
// field-presence and non-empty constraints from the data model; equality
// on identity tuples, the touch() mutator, observation add/remove, deep
// clones, the standard type sets and small counting helpers live here too.
package graph

import (
	"fmt"
	"sort"
	"strings"
)

// StandardEntityTypes is the configurable standard set of 11 entity types.
// A value outside this set is still accepted but generates a TypeWarning.
var StandardEntityTypes = []string{
	"Person", "Organization", "Location", "Event", "Concept",
	"Document", "Project", "Tool", "System", "Task", "Other",
}

// StandardRelationTypes is the configurable standard set of 12 relation
// types.
var StandardRelationTypes = []string{
	"depends_on", "implements", "affects", "caused_by", "fixes",
	"part_of", "relates_to", "owns", "manages", "created_by",
	"located_in", "works_with",
}

func isStandard(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// IsStandardEntityType reports whether entityType is in the standard set.
func IsStandardEntityType(entityType string) bool {
	return isStandard(StandardEntityTypes, entityType)
}

// IsStandardRelationType reports whether relationType is in the standard
// set.
func IsStandardRelationType(relationType string) bool {
	return isStandard(StandardRelationTypes, relationType)
}

// Entity is the node in the graph.
type Entity struct {
	Name         string   `json:"name"`
	EntityType   string   `json:"entityType"`
	Observations []string `json:"observations"`
	CreatedBy    string   `json:"createdBy"`
	UpdatedBy    string   `json:"updatedBy"`
	CreatedAt    int64    `json:"createdAt"`
	UpdatedAt    int64    `json:"updatedAt"`
}

// NewEntity constructs an Entity, validating field presence and
// deduplicating observations in insertion order. It does not check
// graph-level invariants (name uniqueness): that is the store's job.
func NewEntity(name, entityType string, observations []string, createdBy string, now int64) (*Entity, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("entity name must not be empty")
	}
	if strings.TrimSpace(entityType) == "" {
		return nil, fmt.Errorf("entity type must not be empty")
	}
	obs, err := dedupObservations(observations)
	if err != nil {
		return nil, err
	}
	return &Entity{
		Name:         name,
		EntityType:   entityType,
		Observations: obs,
		CreatedBy:    createdBy,
		UpdatedBy:    createdBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func dedupObservations(in []string) ([]string, error) {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, o := range in {
		if strings.TrimSpace(o) == "" {
			return nil, fmt.Errorf("observation must not be empty")
		}
		if seen[o] {
			continue
		}
		seen[o] = true
		out = append(out, o)
	}
	return out, nil
}

// Clone returns a deep copy, so callers of the read path never share
// backing arrays with the store's in-memory state.
func (e Entity) Clone() Entity {
	obs := make([]string, len(e.Observations))
	copy(obs, e.Observations)
	e.Observations = obs
	return e
}

// Touch sets UpdatedBy and advances UpdatedAt to now. A now earlier than
// the current UpdatedAt leaves UpdatedAt unchanged, so invariant 6
// (updatedAt >= createdAt) holds even if the wall clock steps back.
func (e *Entity) Touch(updatedBy string, now int64) {
	e.UpdatedBy = updatedBy
	if now > e.UpdatedAt {
		e.UpdatedAt = now
	}
}

// AddObservations appends new, not-already-present observations in
// insertion order and returns the ones actually added.
func (e *Entity) AddObservations(obs []string) []string {
	existing := make(map[string]bool, len(e.Observations))
	for _, o := range e.Observations {
		existing[o] = true
	}
	var added []string
	for _, o := range obs {
		if o == "" || existing[o] {
			continue
		}
		existing[o] = true
		e.Observations = append(e.Observations, o)
		added = append(added, o)
	}
	return added
}

// RemoveObservations deletes the given strings if present, preserving the
// relative order of what remains.
func (e *Entity) RemoveObservations(obs []string) {
	if len(obs) == 0 {
		return
	}
	remove := make(map[string]bool, len(obs))
	for _, o := range obs {
		remove[o] = true
	}
	out := e.Observations[:0:0]
	for _, o := range e.Observations {
		if !remove[o] {
			out = append(out, o)
		}
	}
	e.Observations = out
}

// Relation is the directed, typed edge between two entities.
type Relation struct {
	From         string `json:"from"`
	To           string `json:"to"`
	RelationType string `json:"relationType"`
	CreatedBy    string `json:"createdBy"`
	CreatedAt    int64  `json:"createdAt"`
	ValidFrom    *int64 `json:"validFrom,omitempty"`
	ValidTo      *int64 `json:"validTo,omitempty"`
}

// NewRelation constructs a Relation, validating field presence and the
// validFrom <= validTo ordering (invariant 5). Endpoint existence
// (invariant 2) is checked by the store, which has the entity set.
func NewRelation(from, to, relationType string, validFrom, validTo *int64, createdBy string, now int64) (*Relation, error) {
	if strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
		return nil, fmt.Errorf("relation from/to must not be empty")
	}
	if strings.TrimSpace(relationType) == "" {
		return nil, fmt.Errorf("relation type must not be empty")
	}
	if validFrom != nil && validTo != nil && *validTo < *validFrom {
		return nil, fmt.Errorf("relation validTo (%d) must be >= validFrom (%d)", *validTo, *validFrom)
	}
	return &Relation{
		From:         from,
		To:           to,
		RelationType: relationType,
		CreatedBy:    createdBy,
		CreatedAt:    now,
		ValidFrom:    validFrom,
		ValidTo:      validTo,
	}, nil
}

// Clone returns a value copy with independently-owned pointer fields.
func (r Relation) Clone() Relation {
	if r.ValidFrom != nil {
		v := *r.ValidFrom
		r.ValidFrom = &v
	}
	if r.ValidTo != nil {
		v := *r.ValidTo
		r.ValidTo = &v
	}
	return r
}

// IdentityKey returns the (from, to, relationType, validFrom) tuple that
// determines uniqueness, as a comparable map key.
type IdentityKey struct {
	From         string
	To           string
	RelationType string
	ValidFrom    int64
	HasValidFrom bool
}

// Identity returns r's identity key.
func (r Relation) Identity() IdentityKey {
	k := IdentityKey{From: r.From, To: r.To, RelationType: r.RelationType}
	if r.ValidFrom != nil {
		k.ValidFrom = *r.ValidFrom
		k.HasValidFrom = true
	}
	return k
}

// SameIdentity reports whether r and other share an identity tuple.
func (r Relation) SameIdentity(other Relation) bool {
	return r.Identity() == other.Identity()
}

// ContainsTime reports whether t falls within r's validity window:
// validFrom <= t (or absent) and validTo >= t (or absent).
func (r Relation) ContainsTime(t int64) bool {
	if r.ValidFrom != nil && *r.ValidFrom > t {
		return false
	}
	if r.ValidTo != nil && *r.ValidTo < t {
		return false
	}
	return true
}

// MatchesEndpoint reports whether the relation mentions the given name.
func (r Relation) MatchesEndpoint(name string) bool {
	return r.From == name || r.To == name
}

// KnowledgeGraph is the ordered sequence of entities and ordered sequence
// of relations. It holds no locking discipline of its own: internal/store
// owns concurrency.
type KnowledgeGraph struct {
	Entities  []Entity
	Relations []Relation
}

// EntityNames returns the names of all entities in insertion order.
func (g *KnowledgeGraph) EntityNames() []string {
	names := make([]string, len(g.Entities))
	for i, e := range g.Entities {
		names[i] = e.Name
	}
	return names
}

// SortedEntityTypeCounts is a small convenience used by summarize/inspect
// tooling: counts entities per type. The map is unordered; use
// SortedTypeNames for iteration sorted by type name.
func (g *KnowledgeGraph) SortedEntityTypeCounts() map[string]int {
	counts := make(map[string]int)
	for _, e := range g.Entities {
		counts[e.EntityType]++
	}
	return counts
}

// SortedTypeNames is a helper for deterministic iteration over a counts
// map produced above.
func SortedTypeNames(counts map[string]int) []string {
	names := make([]string, 0, len(counts))
	for k := range counts {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
