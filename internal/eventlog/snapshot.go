package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kgraph/kgserver/internal/graph"
	"github.com/kgraph/kgserver/internal/kgerr"
)

// SnapshotMeta is the first record of a snapshot file.
type SnapshotMeta struct {
	LastEventID   int64 `json:"last_event_id"`
	CreatedAt     int64 `json:"created_at"`
	EntityCount   int   `json:"entity_count"`
	RelationCount int   `json:"relation_count"`
}

const (
	snapshotsDir  = "snapshots"
	latestName    = "latest"
	latestTmpName = "latest.tmp"
	previousName  = "previous"
	archiveDir    = "archive"
)

// writeSnapshot writes g to dir/snapshots/latest.tmp, durably syncs it,
// then performs the rename dance: existing latest -> previous, tmp ->
// latest. This is the only place a snapshot file is created; it never
// mutates an existing latest in place (crash-safety via atomic rename).
func writeSnapshot(dir string, g *graph.KnowledgeGraph, lastEventID int64, now int64) error {
	snapDir := filepath.Join(dir, snapshotsDir)
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return kgerr.NewPersistence("snapshot mkdir", err)
	}

	tmpPath := filepath.Join(snapDir, latestTmpName)
	f, err := os.Create(tmpPath)
	if err != nil {
		return kgerr.NewPersistence("snapshot create", err)
	}

	w := bufio.NewWriter(f)
	meta := SnapshotMeta{
		LastEventID:   lastEventID,
		CreatedAt:     now,
		EntityCount:   len(g.Entities),
		RelationCount: len(g.Relations),
	}
	if err := writeJSONLine(w, meta); err != nil {
		_ = f.Close()
		return kgerr.NewPersistence("snapshot write meta", err)
	}
	for _, e := range g.Entities {
		if err := writeJSONLine(w, e); err != nil {
			_ = f.Close()
			return kgerr.NewPersistence("snapshot write entity", err)
		}
	}
	for _, r := range g.Relations {
		if err := writeJSONLine(w, toRelationRecord(r)); err != nil {
			_ = f.Close()
			return kgerr.NewPersistence("snapshot write relation", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return kgerr.NewPersistence("snapshot flush", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return kgerr.NewPersistence("snapshot fsync", err)
	}
	if err := f.Close(); err != nil {
		return kgerr.NewPersistence("snapshot close", err)
	}

	latestPath := filepath.Join(snapDir, latestName)
	previousPath := filepath.Join(snapDir, previousName)

	// Disk-full or other failure here leaves latest untouched: the
	// rename of latest->previous only happens if latest exists, and the
	// final rename (tmp->latest) is the last step, so a failure before
	// it leaves latest exactly as it was.
	if _, err := os.Stat(latestPath); err == nil {
		if err := os.Rename(latestPath, previousPath); err != nil {
			return kgerr.NewPersistence("snapshot rotate previous", err)
		}
	}
	if err := os.Rename(tmpPath, latestPath); err != nil {
		return kgerr.NewPersistence("snapshot publish latest", err)
	}
	return nil
}

func writeJSONLine(w *bufio.Writer, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

func toRelationRecord(r graph.Relation) RelationRecord {
	return RelationRecord{
		From: r.From, To: r.To, RelationType: r.RelationType,
		CreatedBy: r.CreatedBy, CreatedAt: r.CreatedAt,
		ValidFrom: r.ValidFrom, ValidTo: r.ValidTo,
	}
}

func fromRelationRecord(r RelationRecord) graph.Relation {
	return graph.Relation{
		From: r.From, To: r.To, RelationType: r.RelationType,
		CreatedBy: r.CreatedBy, CreatedAt: r.CreatedAt,
		ValidFrom: r.ValidFrom, ValidTo: r.ValidTo,
	}
}

// loadSnapshot reads a snapshot file (path) into a fresh graph. Mirrors
// internal/jsonl/reader.go's bufio.Scanner idiom: 1MiB initial / 64MiB
// max buffer, line-numbered error wrapping, tolerant of a missing file
// (returns an empty graph, lastEventID 0).
func loadSnapshot(path string) (*graph.KnowledgeGraph, int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return &graph.KnowledgeGraph{}, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)

	g := &graph.KnowledgeGraph{}
	lineNo := 0

	if !scanner.Scan() {
		return g, 0, fmt.Errorf("empty snapshot file %s", path)
	}
	lineNo++
	var meta SnapshotMeta
	if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
		return nil, 0, fmt.Errorf("failed to parse snapshot meta at line %d: %w", lineNo, err)
	}

	for i := 0; i < meta.EntityCount; i++ {
		if !scanner.Scan() {
			return nil, 0, fmt.Errorf("snapshot %s truncated: expected %d entities, got %d", path, meta.EntityCount, i)
		}
		lineNo++
		var e graph.Entity
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, 0, fmt.Errorf("failed to parse entity at line %d: %w", lineNo, err)
		}
		g.Entities = append(g.Entities, e)
	}
	for i := 0; i < meta.RelationCount; i++ {
		if !scanner.Scan() {
			return nil, 0, fmt.Errorf("snapshot %s truncated: expected %d relations, got %d", path, meta.RelationCount, i)
		}
		lineNo++
		var r RelationRecord
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			return nil, 0, fmt.Errorf("failed to parse relation at line %d: %w", lineNo, err)
		}
		g.Relations = append(g.Relations, fromRelationRecord(r))
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan snapshot %s: %w", path, err)
	}
	return g, meta.LastEventID, nil
}

// ShouldSnapshot reports whether any snapshot trigger from spec.md §4.B
// has been crossed.
func ShouldSnapshot(eventsSinceSnapshot int, threshold int, lastSnapshotAt time.Time, maxAge time.Duration, activeLogBytes, maxLogBytes int64) bool {
	if eventsSinceSnapshot >= threshold {
		return true
	}
	if !lastSnapshotAt.IsZero() && time.Since(lastSnapshotAt) > maxAge {
		return true
	}
	if activeLogBytes > maxLogBytes {
		return true
	}
	return false
}
