package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"chatroomz/cmd/internal/ids"
	v1 "chatroomz/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

type gatewayFixture struct {
	server  *httptest.Server
	store   *InMemoryStore
	channel ChannelID
}

func newGatewayFixture(t *testing.T) gatewayFixture {
	t.Helper()

	store := NewInMemoryStore()
	ch, err := store.CreateChannel(context.Background(), "general", time.Now().UTC())
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}

	log := testLogger()
	reg := NewRegistry(log, nil)
	router := NewRouter(log, reg, store, nil)

	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	gw := NewWSGateway(log, reg, router, store, cfg)

	ts := startWSTestServer(t, gw)
	t.Cleanup(ts.Close)
	return gatewayFixture{server: ts, store: store, channel: ch.ID}
}

func startWSTestServer(t *testing.T, gw *WSGateway) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	return httptest.NewServer(mux)
}

func dialWS(t *testing.T, baseHTTPURL string, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func mustDial(t *testing.T, baseHTTPURL string) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, baseHTTPURL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	env := v1.New(typ, ids.MustULID(time.Now()), time.Now().UTC(), mustJSONRaw(t, payload))
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read waiting for %q: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func decodeWS[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var p T
	if err := env.Decode(&p); err != nil {
		t.Fatalf("decode %s: %v", env.Type, err)
	}
	return p
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func TestWSGateway_HelloAck(t *testing.T) {
	f := newGatewayFixture(t)
	conn := mustDial(t, f.server.URL)

	writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{})
	ack := decodeWS[v1.HelloAckPayload](t, readUntilType(t, conn, v1.TypeHelloAck, 2))
	if !ids.IsULID(ack.ConnectionID) {
		t.Fatalf("expected ULID connection id, got %q", ack.ConnectionID)
	}
}

func TestWSGateway_AliceAndBob(t *testing.T) {
	f := newGatewayFixture(t)
	alice := mustDial(t, f.server.URL)
	bob := mustDial(t, f.server.URL)

	writeEnvelopeWS(t, alice, v1.TypeChannelJoin, v1.ChannelJoinPayload{ChannelID: int64(f.channel), ChatterName: "alice"})
	joined := decodeWS[v1.ChannelJoinedPayload](t, readUntilType(t, alice, v1.TypeChannelJoined, 2))
	if len(joined.Roster) != 1 || joined.Roster[0] != "alice" {
		t.Fatalf("alice roster = %v", joined.Roster)
	}

	writeEnvelopeWS(t, bob, v1.TypeChannelJoin, v1.ChannelJoinPayload{ChannelID: int64(f.channel), ChatterName: "bob"})
	joined = decodeWS[v1.ChannelJoinedPayload](t, readUntilType(t, bob, v1.TypeChannelJoined, 2))
	if strings.Join(joined.Roster, ",") != "alice,bob" {
		t.Fatalf("bob roster = %v", joined.Roster)
	}

	peer := decodeWS[v1.PresencePayload](t, readUntilType(t, alice, v1.TypePeerJoined, 2))
	if peer.ChatterName != "bob" {
		t.Fatalf("peer_joined = %q", peer.ChatterName)
	}

	writeEnvelopeWS(t, bob, v1.TypeMessageSend, v1.MessageSendPayload{
		ChannelID:   int64(f.channel),
		ClientMsgID: "c-hello",
		Text:        "hi alice",
	})

	got := decodeWS[v1.MessageReceivedPayload](t, readUntilType(t, alice, v1.TypeMessageReceived, 2))
	if got.Message.SenderName != "bob" || got.Message.Text != "hi alice" || got.Message.Seq != 1 {
		t.Fatalf("alice got %+v", got.Message)
	}
	echo := decodeWS[v1.MessageReceivedPayload](t, readUntilType(t, bob, v1.TypeMessageReceived, 2))
	if echo.Message.ClientMsgID != "c-hello" {
		t.Fatalf("bob echo client_msg_id = %q", echo.Message.ClientMsgID)
	}
	ack := decodeWS[v1.MessageAckPayload](t, readUntilType(t, bob, v1.TypeMessageAck, 2))
	if ack.ServerMsgID != echo.Message.ServerMsgID {
		t.Fatalf("ack server id %q != %q", ack.ServerMsgID, echo.Message.ServerMsgID)
	}

	_ = bob.Close(websocket.StatusNormalClosure, "leaving")

	left := decodeWS[v1.PresencePayload](t, readUntilType(t, alice, v1.TypePeerLeft, 2))
	if left.ChatterName != "bob" {
		t.Fatalf("peer_left = %q", left.ChatterName)
	}
}

func TestWSGateway_ExplicitLeaveThenRejoin(t *testing.T) {
	f := newGatewayFixture(t)
	alice := mustDial(t, f.server.URL)
	bob := mustDial(t, f.server.URL)

	writeEnvelopeWS(t, alice, v1.TypeChannelJoin, v1.ChannelJoinPayload{ChannelID: int64(f.channel), ChatterName: "alice"})
	readUntilType(t, alice, v1.TypeChannelJoined, 2)
	writeEnvelopeWS(t, bob, v1.TypeChannelJoin, v1.ChannelJoinPayload{ChannelID: int64(f.channel), ChatterName: "bob"})
	readUntilType(t, bob, v1.TypeChannelJoined, 2)
	readUntilType(t, alice, v1.TypePeerJoined, 2)

	writeEnvelopeWS(t, bob, v1.TypeChannelLeave, v1.ChannelLeavePayload{ChannelID: int64(f.channel)})
	readUntilType(t, alice, v1.TypePeerLeft, 2)

	writeEnvelopeWS(t, bob, v1.TypeChannelJoin, v1.ChannelJoinPayload{ChannelID: int64(f.channel), ChatterName: "bob"})
	readUntilType(t, bob, v1.TypeChannelJoined, 2)
	peer := decodeWS[v1.PresencePayload](t, readUntilType(t, alice, v1.TypePeerJoined, 2))
	if peer.ChatterName != "bob" {
		t.Fatalf("peer_joined = %q", peer.ChatterName)
	}
}

func TestWSGateway_Errors(t *testing.T) {
	f := newGatewayFixture(t)

	cases := []struct {
		name    string
		typ     string
		payload any
		code    string
	}{
		{
			name:    "send before join",
			typ:     v1.TypeMessageSend,
			payload: v1.MessageSendPayload{ChannelID: int64(f.channel), ClientMsgID: "c-1", Text: "hi"},
			code:    "not_joined",
		},
		{
			name:    "unknown channel",
			typ:     v1.TypeChannelJoin,
			payload: v1.ChannelJoinPayload{ChannelID: int64(f.channel) + 40, ChatterName: "alice"},
			code:    "unknown_channel",
		},
		{
			name:    "blank name",
			typ:     v1.TypeChannelJoin,
			payload: v1.ChannelJoinPayload{ChannelID: int64(f.channel), ChatterName: " "},
			code:    "invalid_join",
		},
		{
			name:    "history before join",
			typ:     v1.TypeChannelHistoryFetch,
			payload: v1.ChannelHistoryFetchPayload{ChannelID: int64(f.channel)},
			code:    "history_failed",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := mustDial(t, f.server.URL)
			writeEnvelopeWS(t, conn, tc.typ, tc.payload)
			p := decodeWS[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 2))
			if p.Code != tc.code {
				t.Fatalf("code = %q, want %q (%s)", p.Code, tc.code, p.Message)
			}
		})
	}
}

func TestWSGateway_EmptyMessageRejected(t *testing.T) {
	f := newGatewayFixture(t)
	conn := mustDial(t, f.server.URL)

	writeEnvelopeWS(t, conn, v1.TypeChannelJoin, v1.ChannelJoinPayload{ChannelID: int64(f.channel), ChatterName: "alice"})
	readUntilType(t, conn, v1.TypeChannelJoined, 2)

	writeEnvelopeWS(t, conn, v1.TypeMessageSend, v1.MessageSendPayload{ChannelID: int64(f.channel), ClientMsgID: "c-1", Text: "   "})
	p := decodeWS[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 2))
	if p.Code != "invalid_message" {
		t.Fatalf("code = %q", p.Code)
	}

	out, err := f.store.FetchHistory(context.Background(), FetchHistoryInput{ChannelID: f.channel})
	if err != nil {
		t.Fatalf("fetch history: %v", err)
	}
	if len(out.Messages) != 0 {
		t.Fatalf("expected empty history, got %d", len(out.Messages))
	}
}

func TestWSGateway_HistoryFetch(t *testing.T) {
	f := newGatewayFixture(t)
	for i, text := range []string{"one", "two", "three"} {
		_, err := f.store.AppendMessage(context.Background(), AppendMessageInput{
			ChannelID:   f.channel,
			ClientMsgID: text,
			SenderName:  "seed",
			Text:        text,
			Now:         time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	conn := mustDial(t, f.server.URL)
	writeEnvelopeWS(t, conn, v1.TypeChannelJoin, v1.ChannelJoinPayload{ChannelID: int64(f.channel), ChatterName: "alice"})
	readUntilType(t, conn, v1.TypeChannelJoined, 2)

	after := int64(1)
	writeEnvelopeWS(t, conn, v1.TypeChannelHistoryFetch, v1.ChannelHistoryFetchPayload{
		ChannelID: int64(f.channel),
		AfterSeq:  &after,
		Limit:     1,
	})
	chunk := decodeWS[v1.ChannelHistoryChunkPayload](t, readUntilType(t, conn, v1.TypeChannelHistoryChunk, 2))
	if len(chunk.Messages) != 1 || chunk.Messages[0].Text != "two" || !chunk.HasMore {
		t.Fatalf("unexpected chunk: %+v", chunk)
	}
}

func TestWSGateway_OriginRequired(t *testing.T) {
	gw := NewWSGateway(testLogger(), nil, nil, nil, DefaultGatewayConfig())
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	conn, resp, err := dialWS(t, ts.URL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		t.Fatalf("expected dial without origin to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}

	conn, resp, err = dialWS(t, ts.URL, "http://localhost:4200")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("localhost origin should be allowed: %v", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}
