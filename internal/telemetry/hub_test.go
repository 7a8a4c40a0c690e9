package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestHub_PublishAndSubscribe(t *testing.T) {
	h := NewHub(8)
	defer h.Close()

	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(EventArtifact, "scope-1", map[string]any{"path": "a.csv"})
	h.Publish(EventGap, "scope-1", nil)

	ev := <-ch
	assert.Equal(t, EventArtifact, ev.Type)
	assert.Equal(t, int64(1), ev.Seq)
	assert.Equal(t, "scope-1", ev.InstrumentID)

	ev = <-ch
	assert.Equal(t, EventGap, ev.Type)
	assert.Equal(t, int64(2), ev.Seq)
}

func TestHub_ReplayForLateSubscriber(t *testing.T) {
	h := NewHub(8)
	defer h.Close()

	for i := 0; i < 3; i++ {
		h.Publish(EventState, "cam-1", map[string]any{"n": i})
	}

	ch, cancel := h.Subscribe()
	defer cancel()

	for want := int64(1); want <= 3; want++ {
		ev := <-ch
		assert.Equal(t, want, ev.Seq)
	}
}

func TestHub_RingBufferBounds(t *testing.T) {
	h := NewHub(4)
	defer h.Close()

	for i := 0; i < 20; i++ {
		h.Publish(EventState, "x", nil)
	}

	snap := h.Snapshot()
	require.Len(t, snap, 4)
	assert.Equal(t, int64(17), snap[0].Seq, "oldest events evicted")
}

func TestHub_SlowSubscriberNeverBlocksPublish(t *testing.T) {
	h := NewHub(2)
	defer h.Close()

	_, cancel := h.Subscribe()
	defer cancel()

	// Nobody drains; publishing must still return.
	for i := 0; i < 100; i++ {
		h.Publish(EventState, "x", nil)
	}
}

func TestHub_CloseClosesSubscribers(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Close()
	_, open := <-ch
	assert.False(t, open)

	// Publish and a late subscribe after close are no-ops.
	h.Publish(EventState, "x", nil)
	late, lateCancel := h.Subscribe()
	defer lateCancel()
	_, open = <-late
	assert.False(t, open)
}
