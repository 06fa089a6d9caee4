package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type topic uint

func (t topic) Value() uint    { return uint(t) }
func (t topic) String() string { return "topic" }

const (
	topicA topic = iota + 1
	topicB
)

func receive(t *testing.T, sub SubscriberID) any {
	t.Helper()

	select {
	case v, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return v

	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	return nil
}

func TestPublishSubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	a := bus.Subscribe(topicA)
	b := bus.Subscribe(topicB)
	require.True(t, a.Active())

	bus.Publish(topicA, "first")
	bus.Publish(topicB, 2)

	assert.Equal(t, "first", receive(t, a))
	assert.Equal(t, 2, receive(t, b))

	a.Unsubscribe()
	a.Unsubscribe()
}

func TestDisableEvents(t *testing.T) {
	bus := New()
	defer bus.Close()

	bus.DisableEvents()

	sub := bus.Subscribe(topicA)
	assert.False(t, sub.Active())

	_, ok := <-sub.C
	assert.False(t, ok)

	bus.Publish(topicA, "dropped")
	sub.Unsubscribe()
}

func TestNilBus(t *testing.T) {
	var bus *Bus

	bus.Publish(topicA, "ignored")

	sub := bus.Subscribe(topicA)
	assert.False(t, sub.Active())
}

func TestCloseEndsSubscriptions(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(topicA)

	bus.Close()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.C:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	assert.False(t, bus.Subscribe(topicA).Active())
}
