package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker[string]()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish(CreatedEvent, "gopls started")

	select {
	case ev := <-ch:
		assert.Equal(t, CreatedEvent, ev.Type)
		assert.Equal(t, "gopls started", ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker[int]()
	ch, unsub := b.Subscribe()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(CreatedEvent, 1) // must not panic, no subscribers left
}

func TestBrokerShutdownClosesSubscribers(t *testing.T) {
	b := NewBroker[int]()
	ch, _ := b.Subscribe()

	b.Shutdown()

	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(CreatedEvent, 1) // must not panic post-shutdown
}

func TestBrokerDropsOnFullChannel(t *testing.T) {
	b := NewBroker[int]()
	ch, _ := b.Subscribe()

	for i := 0; i < bufferSize; i++ {
		b.Publish(CreatedEvent, i)
	}
	b.Publish(CreatedEvent, bufferSize) // dropped, channel buffer is full

	ev := <-ch
	assert.Equal(t, 0, ev.Payload)
}

func TestSubscribeAfterShutdownReturnsClosedChannel(t *testing.T) {
	b := NewBroker[int]()
	b.Shutdown()

	ch, _ := b.Subscribe()
	_, ok := <-ch
	assert.False(t, ok)
}
