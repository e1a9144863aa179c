package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesConnectedFrame(t *testing.T) {
	b, err := New(Options{})
	require.NoError(t, err)
	defer b.Close()

	ch, unsub := b.Subscribe()
	defer unsub()

	frame := <-ch
	assert.Equal(t, FrameConnected, frame.Type)
	assert.Equal(t, int64(0), frame.SequenceID)
}

func TestEmitDeliversSingleFrame(t *testing.T) {
	b, err := New(Options{})
	require.NoError(t, err)
	defer b.Close()

	ch, unsub := b.Subscribe()
	defer unsub()
	<-ch // connected frame

	b.Emit("entity_created", map[string]string{"name": "Alice"})

	select {
	case frame := <-ch:
		assert.Equal(t, FrameType("entity_created"), frame.Type)
		assert.Equal(t, int64(1), frame.SequenceID)
	case <-time.After(time.Second):
		t.Fatal("expected a frame within the batch window")
	}
}

func TestGapExceedsThreshold(t *testing.T) {
	assert.True(t, GapExceedsThreshold(10, 210))
	assert.False(t, GapExceedsThreshold(10, 50))
}

func TestNilBroadcasterEmitIsNoop(t *testing.T) {
	var b *Broadcaster
	assert.NotPanics(t, func() { b.Emit("entity_created", nil) })
}

// TestReconnectDetectsGap exercises scenario S6: a subscriber observes
// sequenceId=10, disconnects, 200 writes happen while it is gone, and on
// reconnect it sees a connected frame at sequenceId=210 and must detect
// that the gap exceeds the full-refresh threshold.
func TestReconnectDetectsGap(t *testing.T) {
	b, err := New(Options{})
	require.NoError(t, err)
	defer b.Close()

	ch, unsub := b.Subscribe()
	<-ch // connected{sequenceId=0}

	var lastSeen int64
	for i := 0; i < 10; i++ {
		b.Emit("entity_created", nil)
		frame := <-ch
		lastSeen = frame.SequenceID
	}
	require.Equal(t, int64(10), lastSeen)

	unsub()
	for i := 0; i < 200; i++ {
		b.Emit("entity_created", nil)
	}

	ch2, unsub2 := b.Subscribe()
	defer unsub2()
	reconnect := <-ch2
	assert.Equal(t, FrameConnected, reconnect.Type)
	assert.Equal(t, int64(210), reconnect.SequenceID)
	assert.True(t, GapExceedsThreshold(lastSeen, reconnect.SequenceID))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b, err := New(Options{})
	require.NoError(t, err)
	defer b.Close()

	ch, unsub := b.Subscribe()
	<-ch
	unsub()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}
