package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := New()

	var got []Event
	bus.Subscribe(func(e Event) { got = append(got, e) }, EventDatabaseCreated, EventDatabaseDeleted)

	bus.Publish(Event{Type: EventDatabaseCreated, DatabaseID: "db1"})
	bus.Publish(Event{Type: EventNodeHeartbeat})
	bus.Publish(Event{Type: EventDatabaseDeleted, DatabaseID: "db1"})

	require.Len(t, got, 2)
	assert.Equal(t, EventDatabaseCreated, got[0].Type)
	assert.Equal(t, EventDatabaseDeleted, got[1].Type)
	assert.False(t, got[0].Timestamp.IsZero(), "publish stamps the timestamp")
}

func TestSubscribeAllSeesEverything(t *testing.T) {
	bus := New()

	count := 0
	bus.SubscribeAll(func(e Event) { count++ })

	bus.Publish(Event{Type: EventNodeRegistered})
	bus.Publish(Event{Type: EventReplicationSynced})
	assert.Equal(t, 2, count)
}

func TestHandlerPanicDoesNotPropagate(t *testing.T) {
	bus := New()
	bus.Subscribe(func(e Event) { panic("boom") }, EventAuditFailed)

	reached := false
	bus.Subscribe(func(e Event) { reached = true }, EventAuditFailed)

	require.NotPanics(t, func() {
		bus.Publish(Event{Type: EventAuditFailed})
	})
	assert.True(t, reached, "later handlers still run")
}

func TestPublishKeepsExplicitTimestamp(t *testing.T) {
	bus := New()
	at := time.UnixMilli(1700000000000)

	var got Event
	bus.Subscribe(func(e Event) { got = e }, EventNodeOffline)
	bus.Publish(Event{Type: EventNodeOffline, Timestamp: at})
	assert.Equal(t, at, got.Timestamp)
}
