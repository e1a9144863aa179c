package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kgraph/kgserver/internal/graph"
	"github.com/kgraph/kgserver/internal/kgerr"
	"github.com/kgraph/kgserver/internal/klog"
)

// Options configure the log/snapshot store. Defaults match spec.md §4.B.
type Options struct {
	// Path is MEMORY_FILE_PATH: either a working directory (event-sourcing
	// mode) or a single file (legacy mode, EventSourcingEnabled=false).
	Path                 string
	EventSourcingEnabled bool
	SnapshotEventThreshold int
	SnapshotMaxAge         time.Duration
	SnapshotMaxLogBytes    int64
}

func (o Options) withDefaults() Options {
	if o.SnapshotEventThreshold <= 0 {
		o.SnapshotEventThreshold = 1000
	}
	if o.SnapshotMaxAge <= 0 {
		o.SnapshotMaxAge = 24 * time.Hour
	}
	if o.SnapshotMaxLogBytes <= 0 {
		o.SnapshotMaxLogBytes = 50 * 1024 * 1024
	}
	return o
}

// Log is the durable event log + snapshot store. All public methods are
// safe to call only while the caller holds the graph store's write lock
// (for Append/MaybeSnapshot). Log's own mutex guards only the active file
// handle and its counters during Append, snapshot rotation and Close; it
// does not serialize graph mutations, which the store's writer lock does
// (spec.md §5).
type Log struct {
	opts   Options
	dir    string // event-sourcing mode: working directory
	single bool   // legacy single-file mode

	mu                  sync.Mutex // guards the os.File handle only
	activeFile          *os.File
	activePath          string
	nextEventID         int64
	eventsSinceSnapshot int
	lastSnapshotAt      time.Time

	retry *backoff.ExponentialBackOff
}

// Open performs startup recovery (spec.md §4.B "Recovery at startup") and
// returns the reconstructed graph along with a Log ready to accept
// further appends.
func Open(opts Options) (*Log, *graph.KnowledgeGraph, error) {
	opts = opts.withDefaults()
	l := &Log{opts: opts, retry: backoff.NewExponentialBackOff()}

	if !opts.EventSourcingEnabled {
		return l.openLegacySingleFile(opts.Path)
	}

	l.dir = opts.Path
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, nil, kgerr.NewPersistence("mkdir working dir", err)
	}
	if err := os.MkdirAll(filepath.Join(l.dir, snapshotsDir), 0o755); err != nil {
		return nil, nil, kgerr.NewPersistence("mkdir snapshots dir", err)
	}
	if err := os.MkdirAll(filepath.Join(l.dir, archiveDir), 0o755); err != nil {
		return nil, nil, kgerr.NewPersistence("mkdir archive dir", err)
	}

	g, lastSnapshotID, err := l.loadSnapshotWithFallback()
	if err != nil {
		return nil, nil, err
	}

	l.activePath = filepath.Join(l.dir, "events.jsonl")
	events, err := readEvents(l.activePath)
	if err != nil {
		return nil, nil, kgerr.NewPersistence("read active log", err)
	}
	sortEvents(events)

	maxEventID := lastSnapshotID
	for _, ev := range events {
		if ev.EventID <= lastSnapshotID {
			continue // already captured in the snapshot
		}
		if err := applyEvent(g, ev); err != nil {
			klog.Logf("eventlog: %v (skipping)", err)
			continue
		}
		if ev.EventID > maxEventID {
			maxEventID = ev.EventID
		}
		l.eventsSinceSnapshot++
	}
	l.nextEventID = maxEventID + 1

	f, err := os.OpenFile(l.activePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, kgerr.NewPersistence("open active log for append", err)
	}
	l.activeFile = f

	// Finish any rotation interrupted by a prior crash: if events.jsonl
	// is empty and there's a tmp snapshot lying around from a rotation
	// that got the snapshot swap done but not the truncate, nothing
	// further is needed here since the truncate already happened (we
	// just created/opened the file). A genuinely half-renamed snapshot
	// (latest.tmp present, latest absent or stale) is handled by
	// loadSnapshotWithFallback preferring latest and ignoring stray tmp
	// files, which get overwritten by the next snapshot trigger.

	return l, g, nil
}

func (l *Log) loadSnapshotWithFallback() (*graph.KnowledgeGraph, int64, error) {
	latestPath := filepath.Join(l.dir, snapshotsDir, latestName)
	previousPath := filepath.Join(l.dir, snapshotsDir, previousName)
	g, lastID, err := loadSnapshot(latestPath)
	if err == nil {
		// A missing latest beside an existing previous means a crash hit
		// between the two renames of writeSnapshot: use previous.
		_, latestErr := os.Stat(latestPath)
		_, previousErr := os.Stat(previousPath)
		if latestErr == nil || previousErr != nil {
			return g, lastID, nil
		}
		err = fmt.Errorf("latest snapshot missing while previous exists")
	}
	klog.Logf("eventlog: latest snapshot unreadable (%v), falling back to previous", err)

	g, lastID, err = loadSnapshot(previousPath)
	if err != nil {
		klog.Logf("eventlog: previous snapshot also unreadable (%v), starting from archived logs", err)
		g, lastID = &graph.KnowledgeGraph{}, 0
	}

	// Replay every archived segment after the recovered snapshot, in
	// ascending (a,b) order, before the active log is replayed by Open.
	archives, aerr := ListArchives(l.dir)
	if aerr != nil {
		return g, lastID, nil
	}
	for _, a := range archives {
		if a.EndEventID <= lastID {
			continue
		}
		events, err := readEvents(filepath.Join(l.dir, archiveDir, a.Name))
		if err != nil {
			continue
		}
		sortEvents(events)
		for _, ev := range events {
			if ev.EventID <= lastID {
				continue
			}
			_ = applyEvent(g, ev)
			if ev.EventID > lastID {
				lastID = ev.EventID
			}
		}
	}
	return g, lastID, nil
}

// openLegacySingleFile handles MEMORY_FILE_PATH pointing at a single file
// with EventSourcingEnabled=false. If the file's records match the legacy
// entity/relation shape (no event envelope), it is ingested as the
// initial state (spec.md §6 "Legacy single-file mode"); otherwise it is
// treated as a plain event log with no snapshotting.
func (l *Log) openLegacySingleFile(path string) (*Log, *graph.KnowledgeGraph, error) {
	l.single = true
	l.activePath = path
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, kgerr.NewPersistence("mkdir legacy file dir", err)
		}
	}

	g := &graph.KnowledgeGraph{}
	var maxEventID int64

	if raw, err := os.ReadFile(path); err == nil {
		lines := strings.Split(string(raw), "\n")
		for _, line := range lines {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if isLegacyRecord(line) {
				applyLegacyRecord(g, line)
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(line), &ev); err == nil {
				_ = applyEvent(g, ev)
				if ev.EventID > maxEventID {
					maxEventID = ev.EventID
				}
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, nil, kgerr.NewPersistence("read legacy memory file", err)
	}

	l.nextEventID = maxEventID + 1

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, kgerr.NewPersistence("open legacy memory file for append", err)
	}
	l.activeFile = f
	return l, g, nil
}

// legacyRecord is the pre-event-sourcing on-disk shape: a bare entity or
// relation record, distinguished from an Event by the absence of an
// eventType field.
type legacyRecord struct {
	Type         string   `json:"type"` // "entity" or "relation" in the legacy format
	Name         string   `json:"name,omitempty"`
	EntityType   string   `json:"entityType,omitempty"`
	Observations []string `json:"observations,omitempty"`
	From         string   `json:"from,omitempty"`
	To           string   `json:"to,omitempty"`
	RelationType string   `json:"relationType,omitempty"`
}

func isLegacyRecord(line string) bool {
	var probe struct {
		EventType string `json:"eventType"`
		Type      string `json:"type"`
	}
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		return false
	}
	return probe.EventType == "" && (probe.Type == "entity" || probe.Type == "relation")
}

func applyLegacyRecord(g *graph.KnowledgeGraph, line string) {
	var rec legacyRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return
	}
	switch rec.Type {
	case "entity":
		g.Entities = append(g.Entities, graph.Entity{
			Name: rec.Name, EntityType: rec.EntityType, Observations: rec.Observations,
		})
	case "relation":
		g.Relations = append(g.Relations, graph.Relation{
			From: rec.From, To: rec.To, RelationType: rec.RelationType,
		})
	}
}

// NextEventID returns the id that will be assigned to the next appended
// event, without consuming it (used by the store to stamp an event before
// calling Append).
func (l *Log) NextEventID() int64 {
	return l.nextEventID
}

// Append durably persists one event: write the line, flush, fsync. The
// caller must hold the graph write lock; no in-memory mutation may be
// considered committed until this returns nil.
func (l *Log) Append(ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev.EventID = l.nextEventID
	line, err := ev.Marshal()
	if err != nil {
		return kgerr.NewPersistence("marshal event", err)
	}
	line = append(line, '\n')

	op := func() error {
		if _, err := l.activeFile.Write(line); err != nil {
			return err
		}
		return l.activeFile.Sync()
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(l.retry, 2)); err != nil {
		return kgerr.NewPersistence("append+fsync", err)
	}

	l.nextEventID++
	l.eventsSinceSnapshot++
	return nil
}

// MaybeSnapshot checks the spec.md §4.B triggers and, if crossed, creates
// a new snapshot and rotates the active log. Must be called with the
// graph write lock held (g must be a consistent, fully-applied graph).
func (l *Log) MaybeSnapshot(g *graph.KnowledgeGraph, now int64) error {
	if l.single {
		return nil // legacy single-file mode never snapshots
	}
	size, err := l.activeLogSize()
	if err != nil {
		return kgerr.NewPersistence("stat active log", err)
	}
	if !ShouldSnapshot(l.eventsSinceSnapshot, l.opts.SnapshotEventThreshold, l.lastSnapshotAt, l.opts.SnapshotMaxAge, size, l.opts.SnapshotMaxLogBytes) {
		return nil
	}
	return l.snapshotNow(g, now)
}

// Snapshot forces a snapshot regardless of thresholds (used on graceful
// shutdown, per spec.md §4.B).
func (l *Log) Snapshot(g *graph.KnowledgeGraph, now int64) error {
	if l.single {
		return nil
	}
	return l.snapshotNow(g, now)
}

func (l *Log) snapshotNow(g *graph.KnowledgeGraph, now int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lastEventID := l.nextEventID - 1
	prevLastID := lastEventID - l.eventsSinceSnapshot

	if err := writeSnapshot(l.dir, g, lastEventID, now); err != nil {
		return err
	}

	if err := l.rotateLog(prevLastID+1, lastEventID); err != nil {
		return err
	}

	l.eventsSinceSnapshot = 0
	l.lastSnapshotAt = time.Now()
	return nil
}

// rotateLog moves the current events.jsonl into archive/events_<a>_<b>
// and opens a fresh empty events.jsonl. Must be called with l.mu held.
func (l *Log) rotateLog(a, b int64) error {
	if err := l.activeFile.Close(); err != nil {
		return kgerr.NewPersistence("close active log before rotation", err)
	}

	archivePath := filepath.Join(l.dir, archiveDir, fmt.Sprintf("events_%d_%d", a, b))
	if err := os.Rename(l.activePath, archivePath); err != nil {
		// If rename fails (e.g. the file was already rotated by a prior
		// crashed attempt), reopen the original path so the process can
		// keep running; the next snapshot trigger will retry rotation.
		f, ferr := os.OpenFile(l.activePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if ferr == nil {
			l.activeFile = f
		}
		return kgerr.NewPersistence("rotate active log", err)
	}

	f, err := os.OpenFile(l.activePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return kgerr.NewPersistence("create fresh active log", err)
	}
	l.activeFile = f
	return nil
}

func (l *Log) activeLogSize() (int64, error) {
	fi, err := os.Stat(l.activePath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Close flushes and closes the active log file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.activeFile == nil {
		return nil
	}
	err := l.activeFile.Close()
	l.activeFile = nil
	return err
}

// Archive describes one rotated log segment.
type Archive struct {
	Name         string
	StartEventID int64
	EndEventID   int64
	SizeBytes    int64
}

// ListArchives returns rotated segments under dir/archive, sorted by
// StartEventID ascending.
func ListArchives(dir string) ([]Archive, error) {
	entries, err := os.ReadDir(filepath.Join(dir, archiveDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Archive
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		a, ok := parseArchiveName(e.Name())
		if !ok {
			continue
		}
		if fi, err := e.Info(); err == nil {
			a.SizeBytes = fi.Size()
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartEventID < out[j].StartEventID })
	return out, nil
}

func parseArchiveName(name string) (Archive, bool) {
	const prefix = "events_"
	if !strings.HasPrefix(name, prefix) {
		return Archive{}, false
	}
	parts := strings.SplitN(strings.TrimPrefix(name, prefix), "_", 2)
	if len(parts) != 2 {
		return Archive{}, false
	}
	a, err1 := strconv.ParseInt(parts[0], 10, 64)
	b, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return Archive{}, false
	}
	return Archive{Name: name, StartEventID: a, EndEventID: b}, true
}
