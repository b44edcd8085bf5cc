package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/quarry/internal/database"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events:
		require.True(t, ok, "subscription closed unexpectedly")
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	broker := NewBroker(8)
	defer broker.Close()

	sub := broker.Subscribe("articles", nil, nil)

	for i := 1; i <= 3; i++ {
		broker.Publish(Event{Table: "articles", Op: OpInsert, PK: int64(i)})
	}

	for i := 1; i <= 3; i++ {
		event := recv(t, sub)
		assert.Equal(t, int64(i), event.PK)
	}
}

func TestPKFilteredSubscription(t *testing.T) {
	broker := NewBroker(8)
	defer broker.Close()

	sub := broker.Subscribe("articles", int64(2), nil)

	broker.Publish(Event{Table: "articles", Op: OpInsert, PK: int64(1)})
	broker.Publish(Event{Table: "articles", Op: OpUpdate, PK: int64(2)})

	event := recv(t, sub)
	assert.Equal(t, OpUpdate, event.Op)
	assert.Equal(t, int64(2), event.PK)
}

func TestBlobPKFilter(t *testing.T) {
	broker := NewBroker(8)
	defer broker.Close()

	pk := []byte{1, 2, 3}
	sub := broker.Subscribe("t", []byte{1, 2, 3}, nil)

	broker.Publish(Event{Table: "t", Op: OpInsert, PK: []byte{9, 9, 9}})
	broker.Publish(Event{Table: "t", Op: OpInsert, PK: pk})

	event := recv(t, sub)
	assert.Equal(t, pk, event.PK.([]byte))
}

func TestAllowCallbackDropsEvents(t *testing.T) {
	broker := NewBroker(8)
	defer broker.Close()

	sub := broker.Subscribe("articles", nil, func(event Event) bool {
		published, _ := event.Row["published"].(int64)
		return published == 1
	})

	broker.Publish(Event{Table: "articles", Op: OpInsert, PK: int64(1), Row: database.Row{"published": int64(0)}})
	broker.Publish(Event{Table: "articles", Op: OpInsert, PK: int64(2), Row: database.Row{"published": int64(1)}})

	event := recv(t, sub)
	assert.Equal(t, int64(2), event.PK)
}

func TestSlowSubscriberLosesEventsWithoutBlocking(t *testing.T) {
	broker := NewBroker(2)
	defer broker.Close()

	sub := broker.Subscribe("t", nil, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			broker.Publish(Event{Table: "t", Op: OpInsert, PK: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The buffer holds the first two events; the rest were dropped.
	assert.Equal(t, int64(0), recv(t, sub).PK)
	assert.Equal(t, int64(1), recv(t, sub).PK)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker(8)
	defer broker.Close()

	sub := broker.Subscribe("t", nil, nil)
	assert.Equal(t, 1, broker.ListenerCount("t"))

	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.ListenerCount("t"))

	_, ok := <-sub.Events
	assert.False(t, ok)

	// Publishing after unsubscribe is a no-op.
	broker.Publish(Event{Table: "t", Op: OpInsert, PK: int64(1)})
}

func TestCloseShutsDownAllSubscriptions(t *testing.T) {
	broker := NewBroker(8)

	sub1 := broker.Subscribe("a", nil, nil)
	sub2 := broker.Subscribe("b", nil, nil)

	broker.Close()

	_, ok := <-sub1.Events
	assert.False(t, ok)
	_, ok = <-sub2.Events
	assert.False(t, ok)

	// Subscribing after close yields a closed channel rather than a leak.
	sub3 := broker.Subscribe("c", nil, nil)
	_, ok = <-sub3.Events
	assert.False(t, ok)
}
