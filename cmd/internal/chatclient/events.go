package chatclient

import (
	"context"
	"fmt"
	"sync"

	v1 "chatroomz/shared/contracts/realtime/v1"
)

// EventKind tags an inbound event.
type EventKind int

const (
	EventHelloAck EventKind = iota + 1
	EventJoined
	EventPeerJoined
	EventPeerLeft
	EventMessage
	EventAck
	EventHistory
	EventError
	// EventClosed is the last event of a stream; Err tells why.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventHelloAck:
		return "hello_ack"
	case EventJoined:
		return "joined"
	case EventPeerJoined:
		return "peer_joined"
	case EventPeerLeft:
		return "peer_left"
	case EventMessage:
		return "message"
	case EventAck:
		return "ack"
	case EventHistory:
		return "history"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one inbound notification. Only the fields of its Kind are set.
type Event struct {
	Kind      EventKind
	ChannelID int64

	// EventJoined, EventPeerJoined, EventPeerLeft
	ChatterName string
	// EventJoined
	Roster []string

	// EventMessage
	Message     v1.Message
	SenderAdded bool

	// EventAck
	Ack v1.MessageAckPayload

	// EventHistory
	History []v1.Message
	HasMore bool

	// EventHelloAck
	ConnectionID string

	// EventError
	Code string
	Text string

	// EventClosed
	Err error
}

func eventFromEnvelope(env v1.Envelope) (Event, error) {
	switch env.Type {
	case v1.TypeHelloAck:
		var p v1.HelloAckPayload
		if err := env.Decode(&p); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventHelloAck, ConnectionID: p.ConnectionID}, nil

	case v1.TypeChannelJoined:
		var p v1.ChannelJoinedPayload
		if err := env.Decode(&p); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventJoined, ChannelID: p.ChannelID, ChatterName: p.ChatterName, Roster: p.Roster}, nil

	case v1.TypePeerJoined, v1.TypePeerLeft:
		var p v1.PresencePayload
		if err := env.Decode(&p); err != nil {
			return Event{}, err
		}
		kind := EventPeerJoined
		if env.Type == v1.TypePeerLeft {
			kind = EventPeerLeft
		}
		return Event{Kind: kind, ChannelID: p.ChannelID, ChatterName: p.ChatterName}, nil

	case v1.TypeMessageReceived:
		var p v1.MessageReceivedPayload
		if err := env.Decode(&p); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventMessage, ChannelID: p.ChannelID, Message: p.Message, SenderAdded: p.SenderAdded}, nil

	case v1.TypeMessageAck:
		var p v1.MessageAckPayload
		if err := env.Decode(&p); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventAck, ChannelID: p.ChannelID, Ack: p}, nil

	case v1.TypeChannelHistoryChunk:
		var p v1.ChannelHistoryChunkPayload
		if err := env.Decode(&p); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventHistory, ChannelID: p.ChannelID, History: p.Messages, HasMore: p.HasMore}, nil

	case v1.TypeError:
		var p v1.ErrorPayload
		if err := env.Decode(&p); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventError, Code: p.Code, Text: p.Message}, nil
	}
	return Event{}, fmt.Errorf("chatclient: unexpected envelope type %q", env.Type)
}

// eventQueue is an unbounded FIFO between the socket reader and the single
// consumer, so a slow consumer never stalls the reader.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, e)
	q.mu.Unlock()
	q.wake()
}

// closeWith appends a final event and refuses any further pushes.
func (q *eventQueue) closeWith(e Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, e)
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until an event is available. It returns false once the queue is
// closed and drained, or when ctx is done.
func (q *eventQueue) pop(ctx context.Context) (Event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = Event{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return e, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Event{}, false
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}
