package chatclient

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	v1 "chatroomz/shared/contracts/realtime/v1"

	"github.com/stretchr/testify/require"
)

func TestEventFromEnvelope(t *testing.T) {
	raw, err := json.Marshal(v1.PresencePayload{ChannelID: 3, ChatterName: "bob"})
	require.NoError(t, err)

	e, err := eventFromEnvelope(v1.New(v1.TypePeerLeft, "id", time.Now(), raw))
	require.NoError(t, err)
	require.Equal(t, EventPeerLeft, e.Kind)
	require.Equal(t, int64(3), e.ChannelID)
	require.Equal(t, "bob", e.ChatterName)

	_, err = eventFromEnvelope(v1.New(v1.TypeChannelJoin, "id", time.Now(), raw))
	require.Error(t, err, "client-to-server types are not events")
}

func TestEventQueue_OrderAndClose(t *testing.T) {
	q := newEventQueue()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		q.push(Event{Kind: EventMessage, ChannelID: int64(i)})
	}
	q.closeWith(Event{Kind: EventClosed})
	q.push(Event{Kind: EventMessage})

	for i := 0; i < 100; i++ {
		e, ok := q.pop(ctx)
		require.True(t, ok)
		require.Equal(t, int64(i), e.ChannelID)
	}
	e, ok := q.pop(ctx)
	require.True(t, ok)
	require.Equal(t, EventClosed, e.Kind)

	_, ok = q.pop(ctx)
	require.False(t, ok)
}

func TestEventQueue_PopWaitsAndCancels(t *testing.T) {
	q := newEventQueue()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.push(Event{Kind: EventAck})
	}()
	e, ok := q.pop(context.Background())
	require.True(t, ok)
	require.Equal(t, EventAck, e.Kind)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, ok = q.pop(ctx)
	require.False(t, ok)
}
