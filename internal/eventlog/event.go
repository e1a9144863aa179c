// Package eventlog implements the durable ground truth for the knowledge
// graph: an append-only JSONL event log, threshold-triggered snapshots
// with atomic rename, crash-safe archive rotation, and startup replay.
//
// Grounded on internal/jsonl/reader.go's buffered line-scanning idiom and
// internal/storage/ephemeral/store.go's lifecycle shape.
package eventlog

import (
	"encoding/json"
	"fmt"
)

// EventType enumerates the event kinds from spec.md §4.B.
type EventType string

const (
	EntityCreated      EventType = "entity_created"
	EntityUpdated      EventType = "entity_updated"
	ObservationAdded   EventType = "observation_added"
	ObservationRemoved EventType = "observation_removed"
	EntityDeleted      EventType = "entity_deleted"
	RelationCreated    EventType = "relation_created"
	RelationUpdated    EventType = "relation_updated"
	RelationDeleted    EventType = "relation_deleted"
)

// Event is a single self-describing durable record.
type Event struct {
	EventID   int64           `json:"eventId"`
	Timestamp int64           `json:"timestamp"`
	User      string          `json:"user"`
	EventType EventType       `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

// Marshal encodes e as one JSONL line (without the trailing newline).
func (e Event) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event %d: %w", e.EventID, err)
	}
	return b, nil
}

// Payload shapes for Data, one per EventType. Replay decodes Data into
// the matching struct based on EventType.

// EntityCreatedData carries the full entity for entity_created.
type EntityCreatedData struct {
	Name         string   `json:"name"`
	EntityType   string   `json:"entityType"`
	Observations []string `json:"observations"`
	CreatedBy    string   `json:"createdBy"`
	CreatedAt    int64    `json:"createdAt"`
}

// EntityUpdatedData carries the identity of the touched entity.
type EntityUpdatedData struct {
	Name      string `json:"name"`
	UpdatedBy string `json:"updatedBy"`
	UpdatedAt int64  `json:"updatedAt"`
}

// ObservationAddedData / ObservationRemovedData carry one entity's delta
// plus the Touch stamp the mutation applied in memory, so replay leaves
// the entity's UpdatedBy/UpdatedAt identical to the pre-restart value.
type ObservationAddedData struct {
	Name         string   `json:"name"`
	Observations []string `json:"observations"`
	UpdatedBy    string   `json:"updatedBy"`
	UpdatedAt    int64    `json:"updatedAt"`
}

type ObservationRemovedData struct {
	Name         string   `json:"name"`
	Observations []string `json:"observations"`
	UpdatedBy    string   `json:"updatedBy"`
	UpdatedAt    int64    `json:"updatedAt"`
}

// EntityDeletedData carries the deleted entity name and the relations
// cascade-deleted with it (for exact replay, invariant 3).
type EntityDeletedData struct {
	Name               string           `json:"name"`
	CascadedRelations  []RelationRecord `json:"cascadedRelations,omitempty"`
}

// RelationRecord is the event-payload shape of a relation (distinct from
// internal/graph.Relation to keep the log schema decoupled from the
// in-memory type's evolution).
type RelationRecord struct {
	From         string `json:"from"`
	To           string `json:"to"`
	RelationType string `json:"relationType"`
	CreatedBy    string `json:"createdBy"`
	CreatedAt    int64  `json:"createdAt"`
	ValidFrom    *int64 `json:"validFrom,omitempty"`
	ValidTo      *int64 `json:"validTo,omitempty"`
}

// RelationCreatedData carries the full relation for relation_created.
type RelationCreatedData struct {
	Relation RelationRecord `json:"relation"`
}

// RelationUpdatedData carries a validTo supersession update.
type RelationUpdatedData struct {
	From         string `json:"from"`
	To           string `json:"to"`
	RelationType string `json:"relationType"`
	ValidFrom    *int64 `json:"validFrom,omitempty"`
	ValidTo      *int64 `json:"validTo,omitempty"`
}

// RelationDeletedData carries the identity of deleted relation(s). Per
// spec.md §9's preserved legacy ambiguity, (from,to,relationType) without
// validFrom may match multiple records; all matches are deleted.
type RelationDeletedData struct {
	From         string `json:"from"`
	To           string `json:"to"`
	RelationType string `json:"relationType"`
}
