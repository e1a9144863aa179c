package eventlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/kgraph/kgserver/internal/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marshalData(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestOpenEmptyThenAppendAndReload(t *testing.T) {
	dir := t.TempDir()

	l, g, err := Open(Options{Path: dir, EventSourcingEnabled: true})
	require.NoError(t, err)
	assert.Empty(t, g.Entities)
	assert.Equal(t, int64(1), l.NextEventID())

	err = l.Append(Event{
		Timestamp: 100, User: "alice", EventType: EntityCreated,
		Data: marshalData(t, EntityCreatedData{Name: "Alice", EntityType: "Person", CreatedBy: "alice", CreatedAt: 100}),
	})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l2, g2, err := Open(Options{Path: dir, EventSourcingEnabled: true})
	require.NoError(t, err)
	require.Len(t, g2.Entities, 1)
	assert.Equal(t, "Alice", g2.Entities[0].Name)
	assert.Equal(t, int64(2), l2.NextEventID())
}

func TestSnapshotRotatesArchive(t *testing.T) {
	dir := t.TempDir()
	l, g, err := Open(Options{Path: dir, EventSourcingEnabled: true, SnapshotEventThreshold: 2})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		name := string(rune('A' + i))
		err := l.Append(Event{
			Timestamp: int64(i), User: "alice", EventType: EntityCreated,
			Data: marshalData(t, EntityCreatedData{Name: name, EntityType: "Person", CreatedBy: "alice", CreatedAt: int64(i)}),
		})
		require.NoError(t, err)
		g.Entities = append(g.Entities, graph.Entity{Name: name, EntityType: "Person", CreatedAt: int64(i), UpdatedAt: int64(i)})
		require.NoError(t, l.MaybeSnapshot(g, int64(i)))
	}

	archives, err := ListArchives(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, archives, "at least one rotation should have occurred")

	require.NoError(t, l.Close())

	l2, g2, err := Open(Options{Path: dir, EventSourcingEnabled: true, SnapshotEventThreshold: 2})
	require.NoError(t, err)
	assert.Len(t, g2.Entities, 3, "replay from snapshot+remaining log must reproduce all entities")
	_ = l2
}

func TestTruncatedTailLineIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	l, _, err := Open(Options{Path: dir, EventSourcingEnabled: true})
	require.NoError(t, err)
	require.NoError(t, l.Append(Event{
		Timestamp: 1, User: "alice", EventType: EntityCreated,
		Data: marshalData(t, EntityCreatedData{Name: "Alice", EntityType: "Person", CreatedBy: "alice", CreatedAt: 1}),
	}))
	require.NoError(t, l.Close())

	// Simulate a crash mid-write: append a non-JSON partial line.
	f, err := filepath.Glob(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)
	require.Len(t, f, 1)
	appendRaw(t, f[0], `{"eventId":2,"eventType":"entity_cre`)

	l2, g2, err := Open(Options{Path: dir, EventSourcingEnabled: true})
	require.NoError(t, err)
	require.Len(t, g2.Entities, 1, "truncated tail line must be discarded, not fatal")
	assert.Equal(t, int64(2), l2.NextEventID())
}

func appendRaw(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(line)
	require.NoError(t, err)
}
