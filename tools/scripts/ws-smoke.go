// Package main is a CI smoke test for the ChatRoomZ realtime protocol. It
// speaks the raw v1 wire contract, without the client library.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack
//   - join echo with roster, peer_joined to the earlier member
//   - send -> ack, fan-out message_received to the other member
//   - history fetch
//   - idempotent dedupe by client_msg_id (ack duplicated, no rebroadcast)
//   - peer_left when a member disconnects
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	v1 "chatroomz/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name         string
	conn         *websocket.Conn
	connectionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		channel = flag.Int64("channel", 1, "Channel id to join (must exist)")
		text    = flag.String("text", "hello chatroomz 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	suffix := time.Now().UnixNano()

	a := mustConnect(root, fmt.Sprintf("smoke-a-%d", suffix), *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, fmt.Sprintf("smoke-b-%d", suffix), *wsURL, *origin, *timeout)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.connectionID, b.connectionID, *origin)
	}

	mustJoin(root, a, *channel, *timeout)
	mustJoin(root, b, *channel, *timeout)
	mustPresence(root, a, v1.TypePeerJoined, *channel, b.name, *timeout)

	clientMsgID := fmt.Sprintf("cmsg-%d", suffix)

	ack := mustSendAndAssertAck(root, a, *channel, clientMsgID, *text, *timeout)
	if ack.Duplicated {
		fatalf("first send acked as duplicate")
	}

	mustAssertReceived(root, b, ack, a.name, *text, *timeout)

	mustHistoryFetchContains(root, b, *channel, ack, *timeout)

	again := mustSendAndAssertAck(root, a, *channel, clientMsgID, *text, *timeout)
	if !again.Duplicated || again.Seq != ack.Seq || again.ServerMsgID != ack.ServerMsgID {
		fatalf("dedupe: first=%+v second=%+v", ack, again)
	}
	mustAssertNoType(root, b, v1.TypeMessageReceived, 1200*time.Millisecond)

	closeWS(b.conn)
	mustPresence(root, a, v1.TypePeerLeft, *channel, b.name, *timeout)

	fmt.Printf("OK: A=%s B=%s channel_id=%d seq=%d server_msg_id=%s\n", a.connectionID, b.connectionID, *channel, ack.Seq, ack.ServerMsgID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWrite(parent, c, v1.TypeHello, v1.HelloPayload{}, stepTimeout)

	var p v1.HelloAckPayload
	c.mustDecode(c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil), &p)
	if strings.TrimSpace(p.ConnectionID) == "" {
		fatalf("hello_ack missing connection_id (%s)", name)
	}
	c.connectionID = p.ConnectionID
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustJoin(parent context.Context, c *smokeClient, channelID int64, stepTimeout time.Duration) {
	mustWrite(parent, c, v1.TypeChannelJoin, v1.ChannelJoinPayload{ChannelID: channelID, ChatterName: c.name}, stepTimeout)

	var p v1.ChannelJoinedPayload
	c.mustDecode(c.mustReadUntilType(parent, v1.TypeChannelJoined, stepTimeout, nil), &p)
	if p.ChannelID != channelID {
		fatalf("join echo channel_id mismatch (%s): got=%d want=%d", c.name, p.ChannelID, channelID)
	}
	if p.ChatterName != c.name || !slices.Contains(p.Roster, c.name) {
		fatalf("join echo roster (%s): name=%q roster=%v", c.name, p.ChatterName, p.Roster)
	}
}

func mustPresence(parent context.Context, c *smokeClient, typ string, channelID int64, who string, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypeMessageReceived: {}, v1.TypePeerJoined: {}, v1.TypePeerLeft: {}}
	for {
		var p v1.PresencePayload
		c.mustDecode(c.mustReadUntilType(parent, typ, stepTimeout, skip), &p)
		if p.ChannelID == channelID && p.ChatterName == who {
			return
		}
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, channelID int64, clientMsgID, text string, stepTimeout time.Duration) v1.MessageAckPayload {
	mustWrite(parent, c, v1.TypeMessageSend, v1.MessageSendPayload{
		ChannelID:   channelID,
		ClientMsgID: clientMsgID,
		Text:        text,
	}, stepTimeout)

	skip := map[string]struct{}{v1.TypeMessageReceived: {}}
	var p v1.MessageAckPayload
	c.mustDecode(c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skip), &p)

	if p.ChannelID != channelID {
		fatalf("ack channel_id mismatch (%s): got=%d want=%d", c.name, p.ChannelID, channelID)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if strings.TrimSpace(p.ServerMsgID) == "" {
		fatalf("ack missing server_msg_id (%s)", c.name)
	}
	if p.Seq <= 0 {
		fatalf("ack invalid seq (%s): %d", c.name, p.Seq)
	}
	if p.SentAt.IsZero() {
		fatalf("ack missing sent_at (%s)", c.name)
	}
	return p
}

func mustAssertReceived(parent context.Context, c *smokeClient, ack v1.MessageAckPayload, sender, text string, stepTimeout time.Duration) {
	var p v1.MessageReceivedPayload
	c.mustDecode(c.mustReadUntilType(parent, v1.TypeMessageReceived, stepTimeout, nil), &p)

	m := p.Message
	if !sameMessage(m, ack, sender, text) {
		fatalf("message_received mismatch (%s): got=%+v ack=%+v", c.name, m, ack)
	}
	if p.SenderAdded {
		fatalf("sender %q was already in the roster (%s)", sender, c.name)
	}
}

func mustHistoryFetchContains(parent context.Context, c *smokeClient, channelID int64, ack v1.MessageAckPayload, stepTimeout time.Duration) {
	mustWrite(parent, c, v1.TypeChannelHistoryFetch, v1.ChannelHistoryFetchPayload{ChannelID: channelID, Limit: 200}, stepTimeout)

	var p v1.ChannelHistoryChunkPayload
	c.mustDecode(c.mustReadUntilType(parent, v1.TypeChannelHistoryChunk, stepTimeout, nil), &p)
	if p.ChannelID != channelID {
		fatalf("history chunk channel_id mismatch (%s): got=%d want=%d", c.name, p.ChannelID, channelID)
	}
	if p.HasMore {
		// The message is newer than the first page; page forward from just before it.
		after := ack.Seq - 1
		mustWrite(parent, c, v1.TypeChannelHistoryFetch, v1.ChannelHistoryFetchPayload{ChannelID: channelID, AfterSeq: &after, Limit: 1}, stepTimeout)
		c.mustDecode(c.mustReadUntilType(parent, v1.TypeChannelHistoryChunk, stepTimeout, nil), &p)
	}

	if !slices.ContainsFunc(p.Messages, func(m v1.Message) bool {
		return m.ClientMsgID == ack.ClientMsgID && m.Seq == ack.Seq && m.ServerMsgID == ack.ServerMsgID
	}) {
		fatalf("history chunk missing seq %d (%s)", ack.Seq, c.name)
	}
}

func sameMessage(m v1.Message, ack v1.MessageAckPayload, sender, text string) bool {
	return m.ChannelID == ack.ChannelID &&
		m.ClientMsgID == ack.ClientMsgID &&
		m.ServerMsgID == ack.ServerMsgID &&
		m.Seq == ack.Seq &&
		m.SenderName == sender &&
		m.Text == text &&
		m.SentAt.Equal(ack.SentAt)
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				c.fatalServerError(env)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				c.fatalServerError(env)
			}
			if _, ok := skipTypes[env.Type]; ok {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func (c *smokeClient) mustDecode(env v1.Envelope, dst any) {
	if err := env.Decode(dst); err != nil {
		fatalf("decode %s payload (%s): %v", env.Type, c.name, err)
	}
}

func (c *smokeClient) fatalServerError(env v1.Envelope) {
	var ep v1.ErrorPayload
	_ = env.Decode(&ep)
	fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
}

func mustWrite(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	raw, err := json.Marshal(payload)
	if err != nil {
		fatalf("marshal %s payload: %v", typ, err)
	}
	now := time.Now().UTC()
	b, err := json.Marshal(v1.New(typ, fmt.Sprintf("%s-%s-%d", c.name, typ, now.UnixNano()), now, raw))
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s failed (%s): %v", typ, c.name, err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
