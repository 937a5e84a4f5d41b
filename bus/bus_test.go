package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/elly2178/lc2-curapacs/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedBus(t *testing.T) *Bus {
	t.Helper()
	b := New("test-bus")
	require.NoError(t, b.Initialize())
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(time.Second) })
	return b
}

func worklistEnvelope(t *testing.T, resourceID string) Envelope {
	t.Helper()
	envelope, err := NewWorklistEnvelope(resourceID)
	require.NoError(t, err)
	return envelope
}

// receive reads one envelope or fails the test after a timeout
func receive(t *testing.T, sub *Subscriber) Envelope {
	t.Helper()
	select {
	case envelope, ok := <-sub.C():
		require.True(t, ok, "subscriber channel closed unexpectedly")
		return envelope
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func TestBus_DeliversInPublishOrder(t *testing.T) {
	b := startedBus(t)
	sub := b.Subscribe()

	const count = 30
	for n := 0; n < count; n++ {
		require.NoError(t, b.Publish(worklistEnvelope(t, fmt.Sprintf("wl-%03d", n))))
	}

	for n := 0; n < count; n++ {
		envelope := receive(t, sub)
		content, err := envelope.Worklist()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("wl-%03d", n), content.ID)
	}
}

func TestBus_BroadcastsToAllSubscribers(t *testing.T) {
	b := startedBus(t)
	first := b.Subscribe()
	second := b.Subscribe()

	sent := worklistEnvelope(t, "wl-shared")
	require.NoError(t, b.Publish(sent))

	assert.Equal(t, sent, receive(t, first))
	assert.Equal(t, sent, receive(t, second))
}

func TestBus_NoReplayForLateSubscriber(t *testing.T) {
	b := startedBus(t)
	early := b.Subscribe()

	before := worklistEnvelope(t, "wl-before")
	require.NoError(t, b.Publish(before))
	assert.Equal(t, before, receive(t, early))

	// The first envelope has been dispatched; anyone subscribing now must
	// only see what is published from here on.
	late := b.Subscribe()
	after := worklistEnvelope(t, "wl-after")
	require.NoError(t, b.Publish(after))

	assert.Equal(t, after, receive(t, early))
	assert.Equal(t, after, receive(t, late))
	assert.Empty(t, late.C())
}

func TestBus_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := startedBus(t)
	slow := b.Subscribe()
	_ = slow // never drained
	fast := b.Subscribe()

	const count = 50
	for n := 0; n < count; n++ {
		require.NoError(t, b.Publish(worklistEnvelope(t, fmt.Sprintf("wl-%03d", n))))
	}

	for n := 0; n < count; n++ {
		envelope := receive(t, fast)
		content, err := envelope.Worklist()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("wl-%03d", n), content.ID)
	}
}

func TestBus_DropsWhenSubscriberQueueFull(t *testing.T) {
	b := startedBus(t)
	stalled := b.Subscribe()

	total := subscriberQueueSize + 10
	for n := 0; n < total; n++ {
		require.NoError(t, b.Publish(worklistEnvelope(t, fmt.Sprintf("wl-%03d", n))))
	}

	require.Eventually(t, func() bool {
		return len(stalled.ch) == subscriberQueueSize
	}, 2*time.Second, 10*time.Millisecond, "subscriber queue never filled")

	// The queued envelopes are the oldest ones, in order; the overflow is gone
	for n := 0; n < subscriberQueueSize; n++ {
		envelope := receive(t, stalled)
		content, err := envelope.Worklist()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("wl-%03d", n), content.ID)
	}
	assert.Empty(t, stalled.C())
}

func TestBus_PublishBeforeStart(t *testing.T) {
	b := New("test-bus")
	err := b.Publish(Envelope{Type: TypeNewWorklist})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotStarted))
}

func TestBus_DoubleStart(t *testing.T) {
	b := startedBus(t)
	err := b.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAlreadyStarted))
}

func TestBus_StopClosesSubscriberChannels(t *testing.T) {
	b := New("test-bus")
	require.NoError(t, b.Start(context.Background()))
	sub := b.Subscribe()

	require.NoError(t, b.Stop(time.Second))

	_, open := <-sub.C()
	assert.False(t, open)
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	b := startedBus(t)
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	_, open := <-sub.C()
	assert.False(t, open)
}

func TestBus_Health(t *testing.T) {
	b := New("test-bus")
	assert.False(t, b.Health().Healthy)

	require.NoError(t, b.Start(context.Background()))
	health := b.Health()
	assert.True(t, health.Healthy)

	require.NoError(t, b.Stop(time.Second))
	assert.False(t, b.Health().Healthy)
}
