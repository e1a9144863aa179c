// Package broadcast implements the process-wide fan-out channel: one
// monotonic sequenceId per emitted event, per-subscriber buffered
// channels with non-blocking send and lag detection, 50ms/100-event
// batch coalescing, and an optional NATS-core side channel. Grounded on
// internal/eventbus/bus.go's optional-JetStream-attachment pattern and
// internal/rpc/http_sse.go's Subscribe()/unsubscribe() fan-out shape.
package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// FrameType enumerates the wire frame kinds (spec.md §6).
type FrameType string

const (
	FrameConnected FrameType = "connected"
	FrameEntity    FrameType = "entity_created"
	FrameBatch     FrameType = "batch_update"
	FramePong      FrameType = "pong"
	FrameError     FrameType = "error"
)

// ErrorCode enumerates the error frame's code field.
type ErrorCode string

const (
	ErrLagged       ErrorCode = "lagged"
	ErrInvalidFrame ErrorCode = "invalid_frame"
	ErrInternal     ErrorCode = "internal"
)

// Frame is one message sent to a subscriber.
type Frame struct {
	Type         FrameType   `json:"type"`
	SequenceID   int64       `json:"sequenceId,omitempty"`
	Timestamp    int64       `json:"timestamp,omitempty"`
	User         string      `json:"user,omitempty"`
	Kind         string      `json:"kind,omitempty"`
	Payload      interface{} `json:"payload,omitempty"`
	Events       []Frame     `json:"events,omitempty"` // batch_update members
	ErrorCode    ErrorCode   `json:"code,omitempty"`
	ErrorMessage string      `json:"message,omitempty"`
}

const (
	defaultBufferSize    = 1024
	batchWindow          = 50 * time.Millisecond
	batchEventThreshold  = 100
	gapFullRefreshWindow = 100
)

type subscriber struct {
	id  string
	ch  chan Frame
	buf []Frame // pending batch, guarded by Broadcaster.batchMu
}

// Broadcaster is the fan-out hub. Nil-safe: a *Broadcaster obtained via
// New is always usable; callers that want "no broadcaster" (stdio mode,
// per spec.md §4.G) simply hold a nil *Broadcaster and skip calling Emit.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber
	sequenceID  int64
	bufferSize  int

	nc      *nats.Conn
	subject string

	batchTimer *time.Timer
	batchMu    sync.Mutex
}

// Options configure a Broadcaster.
type Options struct {
	BufferSize int
	// NATSURL, if non-empty, attaches a core NATS (no JetStream)
	// publish-only side channel alongside in-memory fan-out.
	NATSURL string
	Subject string
}

// New constructs a Broadcaster. NATS attachment failures are non-fatal:
// the broadcaster falls back to in-memory-only fan-out and logs nothing
// louder than what the caller chooses to do with the returned error.
func New(opts Options) (*Broadcaster, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.Subject == "" {
		opts.Subject = "kgraph.events"
	}
	b := &Broadcaster{
		subscribers: make(map[string]*subscriber),
		bufferSize:  opts.BufferSize,
		subject:     opts.Subject,
	}
	if opts.NATSURL != "" {
		nc, err := nats.Connect(opts.NATSURL)
		if err != nil {
			return b, err
		}
		b.nc = nc
	}
	return b, nil
}

// Close releases the optional NATS connection.
func (b *Broadcaster) Close() {
	if b == nil {
		return
	}
	if b.nc != nil {
		b.nc.Close()
	}
}

// Subscribe registers a new subscriber and returns its channel (buffered,
// non-blocking send from the emitter's side) plus an unsubscribe func. The
// first frame sent is always a connected frame carrying the current
// sequenceId.
func (b *Broadcaster) Subscribe() (<-chan Frame, func()) {
	b.mu.Lock()
	id := uuid.NewString()
	sub := &subscriber{id: id, ch: make(chan Frame, b.bufferSize)}
	b.subscribers[id] = sub
	seq := b.sequenceID
	b.mu.Unlock()

	sub.ch <- Frame{Type: FrameConnected, SequenceID: seq, Timestamp: time.Now().Unix()}

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(s.ch)
		}
	}
}

// CurrentSequenceID returns the most recently assigned sequenceId, used
// by a reconnecting subscriber to compute the gap against its last-seen
// value (> 100 means a full refresh is required, per spec.md §4.G).
func (b *Broadcaster) CurrentSequenceID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sequenceID
}

// GapExceedsThreshold reports whether the gap between a subscriber's last
// seen sequenceId and the current one requires a full refresh.
func GapExceedsThreshold(lastSeen, current int64) bool {
	return current-lastSeen > gapFullRefreshWindow
}

// Emit publishes one event to every subscriber. A full subscriber channel
// never blocks the writer: delivery is a non-blocking send, and a
// subscriber whose channel is full gets a best-effort lagged error frame
// instead (see deliver). The subscriber stays registered and its channel
// stays open (spec.md §5 "Back-pressure").
func (b *Broadcaster) Emit(kind string, payload interface{}) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.sequenceID++
	seq := b.sequenceID
	b.mu.Unlock()

	frame := Frame{Type: FrameType(kind), SequenceID: seq, Timestamp: time.Now().Unix(), Kind: kind, Payload: payload}

	b.fanOut(frame)
	b.publishNATS(frame)
}

// fanOut delivers frame to every subscriber, coalescing into batches when
// more than one frame lands within batchWindow or batchEventThreshold
// frames accumulate. A subscriber whose buffered channel is full is
// marked lagged: it receives an error frame (best-effort, also
// non-blocking) and future sends to it are simply dropped until it
// unsubscribes and reconnects.
func (b *Broadcaster) fanOut(frame Frame) {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()

	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.buf = append(s.buf, frame)
	}

	if b.batchTimer == nil {
		b.batchTimer = time.AfterFunc(batchWindow, b.flushBatch)
	}
	anyOverThreshold := false
	for _, s := range subs {
		if len(s.buf) >= batchEventThreshold {
			anyOverThreshold = true
		}
	}
	if anyOverThreshold {
		b.batchTimer.Stop()
		b.batchTimer = nil
		b.flushLocked()
	}
}

// flushBatch is the batchTimer's callback: it takes batchMu itself, since
// it runs on its own goroutine after fanOut has already returned.
func (b *Broadcaster) flushBatch() {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()
	b.batchTimer = nil
	b.flushLocked()
}

// flushLocked delivers every subscriber's pending buffer. Callers must
// already hold batchMu.
func (b *Broadcaster) flushLocked() {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		if len(s.buf) == 0 {
			continue
		}
		b.deliver(s)
	}
}

// deliver sends s's pending buffer as a single frame (plain if one event,
// batch_update if more than one) via a non-blocking send.
func (b *Broadcaster) deliver(s *subscriber) {
	pending := s.buf
	s.buf = nil

	var out Frame
	if len(pending) == 1 {
		out = pending[0]
	} else {
		out = Frame{Type: FrameBatch, SequenceID: pending[len(pending)-1].SequenceID, Timestamp: time.Now().Unix(), Events: pending}
	}

	select {
	case s.ch <- out:
	default:
		// Buffer full: this subscriber is lagged. Attempt a best-effort
		// error frame; if even that can't be queued, the subscriber will
		// simply miss events until it reconnects and full-refreshes.
		select {
		case s.ch <- Frame{Type: FrameError, ErrorCode: ErrLagged, ErrorMessage: "subscriber buffer full"}:
		default:
		}
	}
}

func (b *Broadcaster) publishNATS(frame Frame) {
	if b.nc == nil {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = b.nc.Publish(b.subject, data)
}

// Pong answers a subscriber's ping with a pong frame, per spec.md §4.G
// ("the broadcaster itself does not initiate heartbeats").
func Pong() Frame {
	return Frame{Type: FramePong, Timestamp: time.Now().Unix()}
}
