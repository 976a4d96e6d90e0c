// Package v1 defines the ChatRoomZ Realtime Protocol v1 contract.
//
// It is shared between the server, the terminal client and the smoke tool so the
// wire format has a single authoritative definition.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated on connect.
const Subprotocol = "chatroomz.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake and carries the connection id (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeChannelJoin binds the connection to a channel under a chatter name (client -> server).
	TypeChannelJoin = "channel_join"
	// TypeChannelJoined confirms a join with the roster snapshot (server -> joining client).
	TypeChannelJoined = "channel_joined"
	// TypeChannelLeave releases the connection's channel session (client -> server).
	TypeChannelLeave = "channel_leave"

	// TypePeerJoined announces a chatter newly present in the channel (server -> other members).
	TypePeerJoined = "peer_joined"
	// TypePeerLeft announces a chatter no longer present in the channel (server -> other members).
	TypePeerLeft = "peer_left"

	// TypeMessageSend submits a message for the joined channel (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a submission with the server assigned ids (server -> sender).
	TypeMessageAck = "message_ack"
	// TypeMessageReceived delivers a persisted message (server -> every channel member).
	TypeMessageReceived = "message_received"

	// TypeChannelHistoryFetch requests a window of history (client -> server).
	TypeChannelHistoryFetch = "channel_history_fetch"
	// TypeChannelHistoryChunk returns a window of history (server -> client).
	TypeChannelHistoryChunk = "channel_history_chunk"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeChannelJoin,
		TypeChannelJoined,
		TypeChannelLeave,
		TypePeerJoined,
		TypePeerLeft,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageReceived,
		TypeChannelHistoryFetch,
		TypeChannelHistoryChunk,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// New builds an envelope around an already-encoded payload.
func New(typ, id string, ts time.Time, payload json.RawMessage) Envelope {
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: payload}
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	return nil
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload carries the server assigned connection id.
type HelloAckPayload struct {
	ConnectionID string `json:"connection_id"`
}

// ChannelJoinPayload requests a channel session (JoinChannel).
type ChannelJoinPayload struct {
	ChannelID   int64  `json:"channel_id"`
	ChatterName string `json:"chatter_name"`
}

// ChannelJoinedPayload confirms a join. Roster is the insertion-ordered snapshot taken
// atomically with the join, so presence events that follow it apply on top of it.
type ChannelJoinedPayload struct {
	ChannelID   int64    `json:"channel_id"`
	ChatterName string   `json:"chatter_name"`
	Roster      []string `json:"roster"`
}

// ChannelLeavePayload releases the current channel session.
type ChannelLeavePayload struct {
	ChannelID int64 `json:"channel_id"`
}

// PresencePayload is shared by peer_joined (JoinChannel) and peer_left (LeaveChannel).
type PresencePayload struct {
	ChannelID   int64  `json:"channel_id"`
	ChatterName string `json:"chatter_name"`
}

// MessageSendPayload submits a message (SendMessage). Any timestamp the client
// would like to attach is ignored: sent_at is always assigned by the server.
type MessageSendPayload struct {
	ChannelID   int64  `json:"channel_id"`
	ClientMsgID string `json:"client_msg_id"`
	Text        string `json:"text"`
}

// MessageAckPayload acknowledges a send request and returns the canonical server ids.
type MessageAckPayload struct {
	ChannelID   int64     `json:"channel_id"`
	ClientMsgID string    `json:"client_msg_id"`
	ServerMsgID string    `json:"server_msg_id"`
	Seq         int64     `json:"seq"`
	SentAt      time.Time `json:"sent_at"`
	Duplicated  bool      `json:"duplicated,omitempty"`
}

// Message is the wire form of a persisted chat message.
type Message struct {
	ChannelID   int64     `json:"channel_id"`
	ClientMsgID string    `json:"client_msg_id"`
	ServerMsgID string    `json:"server_msg_id"`
	Seq         int64     `json:"seq"`
	SenderName  string    `json:"sender_name"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sent_at"`
}

// MessageReceivedPayload delivers a persisted message (RecieveMessage).
// SenderAdded is true when the router had to add the sender to the roster.
type MessageReceivedPayload struct {
	ChannelID   int64   `json:"channel_id"`
	Message     Message `json:"message"`
	SenderAdded bool    `json:"sender_added,omitempty"`
}

// ChannelHistoryFetchPayload requests a history window for a channel.
type ChannelHistoryFetchPayload struct {
	ChannelID int64  `json:"channel_id"`
	AfterSeq  *int64 `json:"after_seq,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// ChannelHistoryChunkPayload returns messages for a history fetch request.
type ChannelHistoryChunkPayload struct {
	ChannelID int64     `json:"channel_id"`
	Messages  []Message `json:"messages"`
	HasMore   bool      `json:"has_more"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
