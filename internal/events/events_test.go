package events

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToMatchingSubscriber(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe(KindTransactionCreated)

	bus.Publish(Event{Kind: KindTransactionCreated, ThreadID: "m1"})
	bus.Publish(Event{Kind: KindMessageReceived, ThreadID: "m1"})

	select {
	case ev := <-sub.Events():
		assert.Equal(t, KindTransactionCreated, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected event not received")
	}

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected second event: %+v", ev)
	default:
	}
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	bus := New(2)
	sub := bus.Subscribe(KindDeliveryUpdated)

	bus.Publish(Event{Kind: KindDeliveryUpdated, ThreadID: "1"})
	bus.Publish(Event{Kind: KindDeliveryUpdated, ThreadID: "2"})
	bus.Publish(Event{Kind: KindDeliveryUpdated, ThreadID: "3"})

	first := <-sub.Events()
	second := <-sub.Events()
	assert.Equal(t, "2", first.ThreadID, "oldest event should have been dropped")
	assert.Equal(t, "3", second.ThreadID)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe(KindAgentRegistered)
	bus.Unsubscribe(sub)

	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestFileSinkWritesAndRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")
	sink, err := NewFileSink(path, FormatJSON, 10)
	require.NoError(t, err)
	defer sink.Close()

	sink.Write(Event{Kind: KindMessageSent, ThreadID: "m1", Timestamp: time.Now()})
	sink.Write(Event{Kind: KindMessageSent, ThreadID: "m2", Timestamp: time.Now()})

	_, err = os.Stat(path + ".1")
	assert.NoError(t, err, "expected rotation to have produced a .1 file")
}
