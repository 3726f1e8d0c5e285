package space

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/spacesync/internal/testutil"
)

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()
	for _, peer := range []string{"a", "b", "c"} {
		require.True(t, q.Enqueue(event{typ: eventInbound, peer: peer}))
	}

	for _, want := range []string{"a", "b", "c"} {
		ev, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, ev.peer)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestEventQueue_WaitSignals(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(event{typ: eventTick})

	select {
	case <-q.Wait():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("enqueue did not signal")
	}
}

func TestEventQueue_CloseReleasesIntents(t *testing.T) {
	q := newEventQueue()
	in := &intent{name: "mutate", done: make(chan error, 1)}
	q.Enqueue(event{typ: eventInbound})
	q.Enqueue(event{typ: eventIntent, intent: in})

	pending := q.Close()
	require.Len(t, pending, 1)
	assert.Same(t, in, pending[0])
	assert.Equal(t, 0, q.Len(), "close drops queued events")

	assert.False(t, q.Enqueue(event{typ: eventTick}), "enqueue after close fails")
	assert.Nil(t, q.Close(), "second close is a no-op")

	_, open := <-q.Wait()
	assert.False(t, open, "close wakes the loop")
}

func TestEventQueue_ConcurrentProducers(t *testing.T) {
	q := newEventQueue()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				q.Enqueue(event{typ: eventInbound})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, q.Len())
}

func TestEventType_String(t *testing.T) {
	assert.Equal(t, "intent", eventIntent.String())
	assert.Equal(t, "unknown", eventType(0).String())
}

func TestSpace_DoAfterClose(t *testing.T) {
	s := newSpace(config{id: "s", self: testutil.Signer("solo"), opts: defaultOptions()})
	s.Close()
	err := s.do(context.Background(), "noop", func(context.Context) error { return nil })
	assert.Error(t, err)
}
