package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/kgraph/kgserver/internal/graph"
	"github.com/kgraph/kgserver/internal/klog"
)

// readEvents scans a JSONL event file, tolerating a truncated tail line
// (the last line fails to parse and is not newline-terminated): that line
// is discarded with a warning, matching spec.md §4.B's replay contract.
// Grounded on internal/jsonl/reader.go's ReadIssuesFromFile.
func readEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)

	var events []Event
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			klog.Logf("eventlog: discarding unparsable line %d in %s (likely a truncated tail write): %v", lineNo, path, err)
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("failed to scan events at line %d: %w", lineNo, err)
	}
	return events, nil
}

// applyEvent replays one event onto g. Replay is idempotent: applying an
// already-applied event (e.g. entity_created for a name that exists) is a
// no-op rather than an error, so a partially-rotated log boundary can be
// replayed twice safely.
func applyEvent(g *graph.KnowledgeGraph, ev Event) error {
	switch ev.EventType {
	case EntityCreated:
		var d EntityCreatedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return fmt.Errorf("replay entity_created %d: %w", ev.EventID, err)
		}
		if idx := findEntity(g, d.Name); idx >= 0 {
			return nil
		}
		g.Entities = append(g.Entities, graph.Entity{
			Name: d.Name, EntityType: d.EntityType, Observations: append([]string{}, d.Observations...),
			CreatedBy: d.CreatedBy, UpdatedBy: d.CreatedBy, CreatedAt: d.CreatedAt, UpdatedAt: d.CreatedAt,
		})

	case EntityUpdated:
		var d EntityUpdatedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return fmt.Errorf("replay entity_updated %d: %w", ev.EventID, err)
		}
		if idx := findEntity(g, d.Name); idx >= 0 {
			g.Entities[idx].Touch(d.UpdatedBy, d.UpdatedAt)
		}

	case ObservationAdded:
		var d ObservationAddedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return fmt.Errorf("replay observation_added %d: %w", ev.EventID, err)
		}
		if idx := findEntity(g, d.Name); idx >= 0 {
			g.Entities[idx].AddObservations(d.Observations)
			g.Entities[idx].Touch(d.UpdatedBy, d.UpdatedAt)
		}

	case ObservationRemoved:
		var d ObservationRemovedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return fmt.Errorf("replay observation_removed %d: %w", ev.EventID, err)
		}
		if idx := findEntity(g, d.Name); idx >= 0 {
			g.Entities[idx].RemoveObservations(d.Observations)
			g.Entities[idx].Touch(d.UpdatedBy, d.UpdatedAt)
		}

	case EntityDeleted:
		var d EntityDeletedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return fmt.Errorf("replay entity_deleted %d: %w", ev.EventID, err)
		}
		if idx := findEntity(g, d.Name); idx >= 0 {
			g.Entities = append(g.Entities[:idx], g.Entities[idx+1:]...)
		}
		out := g.Relations[:0:0]
		for _, r := range g.Relations {
			if !r.MatchesEndpoint(d.Name) {
				out = append(out, r)
			}
		}
		g.Relations = out

	case RelationCreated:
		var d RelationCreatedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return fmt.Errorf("replay relation_created %d: %w", ev.EventID, err)
		}
		r := fromRelationRecord(d.Relation)
		exists := false
		for _, existing := range g.Relations {
			if existing.SameIdentity(r) {
				exists = true
				break
			}
		}
		if !exists {
			g.Relations = append(g.Relations, r)
		}

	case RelationUpdated:
		var d RelationUpdatedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return fmt.Errorf("replay relation_updated %d: %w", ev.EventID, err)
		}
		for i := range g.Relations {
			r := &g.Relations[i]
			if r.From == d.From && r.To == d.To && r.RelationType == d.RelationType && samePtr(r.ValidFrom, d.ValidFrom) {
				r.ValidTo = d.ValidTo
			}
		}

	case RelationDeleted:
		var d RelationDeletedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return fmt.Errorf("replay relation_deleted %d: %w", ev.EventID, err)
		}
		out := g.Relations[:0:0]
		for _, r := range g.Relations {
			if r.From == d.From && r.To == d.To && r.RelationType == d.RelationType {
				continue
			}
			out = append(out, r)
		}
		g.Relations = out

	default:
		klog.Logf("eventlog: unknown event type %q at eventId %d, skipping", ev.EventType, ev.EventID)
	}
	return nil
}

func findEntity(g *graph.KnowledgeGraph, name string) int {
	for i, e := range g.Entities {
		if e.Name == name {
			return i
		}
	}
	return -1
}

func samePtr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// sortEvents ensures strictly increasing eventId order before replay,
// defensive against any reordering introduced by archive concatenation.
func sortEvents(events []Event) {
	sort.Slice(events, func(i, j int) bool { return events[i].EventID < events[j].EventID })
}
