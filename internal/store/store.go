// Package store holds the in-memory KnowledgeGraph behind a
// readers-writer lock and owns the durable event log and broadcast
// emission for every mutation. Grounded on
// internal/storage/ephemeral/store.go's RWMutex-guarded Store struct and
// internal/rpc/server_core.go's "mutate, append, emit, release" handle
// scope.
package store

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/kgraph/kgserver/internal/eventlog"
	"github.com/kgraph/kgserver/internal/graph"
	"github.com/kgraph/kgserver/internal/kgerr"
)

// Broadcaster is the fire-and-forget event emission interface the store
// uses; internal/broadcast implements it. A nil Broadcaster (stdio mode,
// per spec.md §4.G) means writes silently omit the emission step.
type Broadcaster interface {
	Emit(kind string, payload interface{})
}

// Clock abstracts the wall clock so tests can control timestamps.
type Clock func() int64

// Store is the graph store: spec.md §4.C.
type Store struct {
	mu  sync.RWMutex
	g   graph.KnowledgeGraph
	log *eventlog.Log
	bus Broadcaster
	now Clock

	// adjacency cache: entity name -> indices into g.Relations where it
	// is the from/to endpoint. Invalidated (nil'd) on every mutation and
	// lazily rebuilt on next read that needs it.
	adjOut map[string][]int
	adjIn  map[string][]int
}

// New constructs a Store over an already-recovered graph and an open
// event log. now defaults to the real wall clock if nil.
func New(g *graph.KnowledgeGraph, log *eventlog.Log, bus Broadcaster, now Clock) *Store {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	s := &Store{log: log, bus: bus, now: now}
	if g != nil {
		s.g = *g
	}
	return s
}

// Close releases the underlying event log (flushing a final snapshot).
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log == nil {
		return nil
	}
	if err := s.log.Snapshot(&s.g, s.now()); err != nil {
		return err
	}
	return s.log.Close()
}

// invalidateAdjacency must be called with the write lock held, after any
// mutation to s.g.Relations or s.g.Entities.
func (s *Store) invalidateAdjacency() {
	s.adjOut = nil
	s.adjIn = nil
}

func (s *Store) ensureAdjacency() {
	if s.adjOut != nil {
		return
	}
	s.adjOut = make(map[string][]int)
	s.adjIn = make(map[string][]int)
	for i, r := range s.g.Relations {
		s.adjOut[r.From] = append(s.adjOut[r.From], i)
		s.adjIn[r.To] = append(s.adjIn[r.To], i)
	}
}

// --- Read handle -----------------------------------------------------

// View runs fn under the read lock, passing the live graph and adjacency
// maps. fn must not mutate them or keep references after it returns;
// View copies nothing, so fn must copy out what it keeps (the query
// package's functions return copies).
func (s *Store) View(fn func(g *graph.KnowledgeGraph, adjOut, adjIn map[string][]int)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.ensureAdjacency()
	fn(&s.g, s.adjOut, s.adjIn)
}

// Snapshot returns a deep copy of the current graph.
func (s *Store) Snapshot() graph.KnowledgeGraph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := graph.KnowledgeGraph{
		Entities:  make([]graph.Entity, len(s.g.Entities)),
		Relations: make([]graph.Relation, len(s.g.Relations)),
	}
	for i, e := range s.g.Entities {
		out.Entities[i] = e.Clone()
	}
	for i, r := range s.g.Relations {
		out.Relations[i] = r.Clone()
	}
	return out
}

// --- Write operations --------------------------------------------------

// CreateEntities creates entities whose name does not already exist.
// Existing names are skipped, not errors (spec.md §4.C).
func (s *Store) CreateEntities(entities []graph.Entity, actor string) ([]graph.Entity, []error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[string]bool, len(s.g.Entities))
	for _, e := range s.g.Entities {
		existing[e.Name] = true
	}

	var created []graph.Entity
	var warnings []error
	now := s.now()
	for _, e := range entities {
		if existing[e.Name] {
			continue
		}
		if !graph.IsStandardEntityType(e.EntityType) {
			warnings = append(warnings, kgerr.NewTypeWarning("entityType", e.EntityType))
		}
		e.CreatedAt, e.UpdatedAt = now, now
		if e.CreatedBy == "" {
			e.CreatedBy = actor
		}
		e.UpdatedBy = e.CreatedBy
		existing[e.Name] = true
		created = append(created, e)
	}
	if len(created) == 0 {
		return nil, warnings, nil
	}

	for _, e := range created {
		data, _ := json.Marshal(eventlog.EntityCreatedData{
			Name: e.Name, EntityType: e.EntityType, Observations: e.Observations,
			CreatedBy: e.CreatedBy, CreatedAt: e.CreatedAt,
		})
		if err := s.log.Append(eventlog.Event{Timestamp: now, User: actor, EventType: eventlog.EntityCreated, Data: data}); err != nil {
			return nil, warnings, err
		}
	}
	s.g.Entities = append(s.g.Entities, created...)
	s.invalidateAdjacency()
	s.maybeSnapshot()
	s.emit("entity_created", created)
	return created, warnings, nil
}

// CreateRelations creates relations not already present by identity
// tuple. Unknown endpoints are a hard failure for the whole batch
// (invariant 2); duplicates are skipped (no-op, per spec.md).
func (s *Store) CreateRelations(relations []graph.Relation, actor string) ([]graph.Relation, []error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make(map[string]bool, len(s.g.Entities))
	for _, e := range s.g.Entities {
		names[e.Name] = true
	}
	for _, r := range relations {
		if !names[r.From] {
			return nil, nil, kgerr.NewNotFound("entity", r.From)
		}
		if !names[r.To] {
			return nil, nil, kgerr.NewNotFound("entity", r.To)
		}
		if r.ValidFrom != nil && r.ValidTo != nil && *r.ValidTo < *r.ValidFrom {
			return nil, nil, kgerr.NewValidation("validTo", "must be >= validFrom")
		}
	}

	existingIdentities := make(map[graph.IdentityKey]bool, len(s.g.Relations))
	for _, r := range s.g.Relations {
		existingIdentities[r.Identity()] = true
	}

	var created []graph.Relation
	var warnings []error
	now := s.now()
	for _, r := range relations {
		if existingIdentities[r.Identity()] {
			continue
		}
		if !graph.IsStandardRelationType(r.RelationType) {
			warnings = append(warnings, kgerr.NewTypeWarning("relationType", r.RelationType))
		}
		r.CreatedAt = now
		if r.CreatedBy == "" {
			r.CreatedBy = actor
		}
		existingIdentities[r.Identity()] = true
		created = append(created, r)
	}
	if len(created) == 0 {
		return nil, warnings, nil
	}

	for _, r := range created {
		data, _ := json.Marshal(eventlog.RelationCreatedData{Relation: toEventRelation(r)})
		if err := s.log.Append(eventlog.Event{Timestamp: now, User: actor, EventType: eventlog.RelationCreated, Data: data}); err != nil {
			return nil, warnings, err
		}
	}
	s.g.Relations = append(s.g.Relations, created...)
	s.invalidateAdjacency()
	s.maybeSnapshot()
	s.emit("relation_created", created)
	return created, warnings, nil
}

// AddObservations appends new observations per entity, returning the ones
// actually added. An unknown entity name is a hard NotFound error.
func (s *Store) AddObservations(name string, obs []string, actor string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, e := range s.g.Entities {
		if e.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, kgerr.NewNotFound("entity", name)
	}

	now := s.now()
	added := s.g.Entities[idx].AddObservations(obs)
	if len(added) == 0 {
		return nil, nil
	}
	s.g.Entities[idx].Touch(actor, now)

	data, _ := json.Marshal(eventlog.ObservationAddedData{Name: name, Observations: added, UpdatedBy: actor, UpdatedAt: now})
	if err := s.log.Append(eventlog.Event{Timestamp: now, User: actor, EventType: eventlog.ObservationAdded, Data: data}); err != nil {
		return nil, err
	}
	s.maybeSnapshot()
	s.emit("observation_added", map[string]interface{}{"name": name, "observations": added})
	return added, nil
}

// DeleteEntities removes the named entities and cascades to every
// relation mentioning them (invariant 3), in one atomic step.
func (s *Store) DeleteEntities(names []string, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	toDelete := make(map[string]bool, len(names))
	for _, n := range names {
		toDelete[n] = true
	}

	var cascaded []eventlog.RelationRecord
	keepRel := s.g.Relations[:0:0]
	for _, r := range s.g.Relations {
		if toDelete[r.From] || toDelete[r.To] {
			cascaded = append(cascaded, toEventRelation(r))
			continue
		}
		keepRel = append(keepRel, r)
	}

	keepEnt := s.g.Entities[:0:0]
	for _, e := range s.g.Entities {
		if !toDelete[e.Name] {
			keepEnt = append(keepEnt, e)
		}
	}

	now := s.now()
	for _, n := range names {
		data, _ := json.Marshal(eventlog.EntityDeletedData{Name: n, CascadedRelations: filterCascaded(cascaded, n)})
		if err := s.log.Append(eventlog.Event{Timestamp: now, User: actor, EventType: eventlog.EntityDeleted, Data: data}); err != nil {
			return err
		}
	}

	s.g.Entities = keepEnt
	s.g.Relations = keepRel
	s.invalidateAdjacency()
	s.maybeSnapshot()
	s.emit("entity_deleted", names)
	return nil
}

func filterCascaded(all []eventlog.RelationRecord, name string) []eventlog.RelationRecord {
	var out []eventlog.RelationRecord
	for _, r := range all {
		if r.From == name || r.To == name {
			out = append(out, r)
		}
	}
	return out
}

// DeleteObservations removes given observation strings per entity. An
// unknown entity name is silently ignored per the preserved legacy
// contract (spec.md §4.C).
func (s *Store) DeleteObservations(name string, obs []string, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, e := range s.g.Entities {
		if e.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	now := s.now()
	s.g.Entities[idx].RemoveObservations(obs)
	s.g.Entities[idx].Touch(actor, now)

	data, _ := json.Marshal(eventlog.ObservationRemovedData{Name: name, Observations: obs, UpdatedBy: actor, UpdatedAt: now})
	if err := s.log.Append(eventlog.Event{Timestamp: now, User: actor, EventType: eventlog.ObservationRemoved, Data: data}); err != nil {
		return err
	}
	s.maybeSnapshot()
	s.emit("observation_removed", map[string]interface{}{"name": name, "observations": obs})
	return nil
}

// DeleteRelations deletes every relation matching (from, to,
// relationType), per the preserved legacy ambiguity (spec.md §9): a
// validFrom-less identity may match multiple supersession records.
func (s *Store) DeleteRelations(identities []graph.IdentityKey, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, id := range identities {
		data, _ := json.Marshal(eventlog.RelationDeletedData{From: id.From, To: id.To, RelationType: id.RelationType})
		if err := s.log.Append(eventlog.Event{Timestamp: now, User: actor, EventType: eventlog.RelationDeleted, Data: data}); err != nil {
			return err
		}
	}

	out := s.g.Relations[:0:0]
	for _, r := range s.g.Relations {
		matched := false
		for _, id := range identities {
			if r.From == id.From && r.To == id.To && r.RelationType == id.RelationType {
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, r)
		}
	}
	s.g.Relations = out
	s.invalidateAdjacency()
	s.maybeSnapshot()
	s.emit("relation_deleted", identities)
	return nil
}

// UpdateRelationValidTo closes out a relation's validity window (logical
// supersession), identified by its full identity tuple.
func (s *Store) UpdateRelationValidTo(id graph.IdentityKey, validTo *int64, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for i := range s.g.Relations {
		r := &s.g.Relations[i]
		if r.Identity() == id {
			r.ValidTo = validTo
			found = true
		}
	}
	if !found {
		return kgerr.NewNotFound("relation", id.From+"->"+id.To)
	}

	now := s.now()
	var vf *int64
	if id.HasValidFrom {
		v := id.ValidFrom
		vf = &v
	}
	data, _ := json.Marshal(eventlog.RelationUpdatedData{From: id.From, To: id.To, RelationType: id.RelationType, ValidFrom: vf, ValidTo: validTo})
	if err := s.log.Append(eventlog.Event{Timestamp: now, User: actor, EventType: eventlog.RelationUpdated, Data: data}); err != nil {
		return err
	}
	s.maybeSnapshot()
	s.emit("relation_updated", id)
	return nil
}

func (s *Store) maybeSnapshot() {
	if s.log == nil {
		return
	}
	if err := s.log.MaybeSnapshot(&s.g, s.now()); err != nil {
		// A failed snapshot is not a failed mutation: the mutation's
		// event already durably appended. Reported as an
		// internal_warning broadcast event (not logged) and retried on
		// the next trigger, per spec.md §4.B's failure-mode note.
		s.emit("internal_warning", err.Error())
	}
}

func (s *Store) emit(kind string, payload interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(kind, payload)
}

func toEventRelation(r graph.Relation) eventlog.RelationRecord {
	return eventlog.RelationRecord{
		From: r.From, To: r.To, RelationType: r.RelationType,
		CreatedBy: r.CreatedBy, CreatedAt: r.CreatedAt,
		ValidFrom: r.ValidFrom, ValidTo: r.ValidTo,
	}
}

// sortedTypeCounts returns the keys of counts in sorted order, for
// deterministic map iteration. Nothing in this package calls it.
func sortedTypeCounts(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
