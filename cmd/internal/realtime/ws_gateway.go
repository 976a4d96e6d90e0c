package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	v1 "chatroomz/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// GatewayConfig holds the websocket knobs. Zero values fall back to defaults,
// except OriginRequired and DevInsecure which are taken as given.
type GatewayConfig struct {
	// DevInsecure disables the websocket library's own origin verification.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig requires an Origin header and only allows localhost.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired: true,
		AllowedOrigins: []string{"http://localhost", "http://127.0.0.1"},
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsDefaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = wsDefaultReadIdle
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = wsDefaultSendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	return c
}

// WSGateway is the websocket entrypoint for ChatRoomZ realtime.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats, drives one Session per connection and hands messages to the
// Router.
type WSGateway struct {
	log      *slog.Logger
	registry *Registry
	router   *Router
	repo     Repository
	metrics  *Metrics

	cfg    GatewayConfig
	origin originPolicy
}

// NewWSGateway wires a gateway. When registry, router or repo are nil it falls
// back to in-memory implementations for dev.
func NewWSGateway(log *slog.Logger, registry *Registry, router *Router, repo Repository, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	if repo == nil {
		repo = NewInMemoryStore()
	}
	if registry == nil {
		registry = NewRegistry(log, nil)
	}
	if router == nil {
		router = NewRouter(log, registry, repo, registry.metrics)
	}

	cfg = cfg.withDefaults()
	return &WSGateway{
		log:      log,
		registry: registry,
		router:   router,
		repo:     repo,
		metrics:  registry.metrics,
		cfg:      cfg,
		origin:   originPolicy{required: cfg.OriginRequired, allowed: cfg.AllowedOrigins},
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// wsConn is the per-connection state shared by the read loop and the handlers.
type wsConn struct {
	id      string
	client  *Client
	session *Session
}

// HandleWS upgrades an HTTP request to a websocket and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.origin.check(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.origin.patterns(),
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	connID, err := NewConnectionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.connection_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	client := NewClient(connID, g.cfg.SendQueueSize)
	c := &wsConn{id: connID, client: client, session: NewSession(g.registry, client)}
	_ = c.session.Connect()

	g.metrics.connOpened()
	g.log.Info("ws.open", "connection_id", connID, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// shutdown is idempotent. It never closes client.Send; the session leaves
	// the registry before the client is closed so no fan-out targets a dead queue.
	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			c.session.Close()
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			g.metrics.connClosed()
			g.log.Info("ws.close", "connection_id", connID, "code", int(code), "reason", reason)
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "connection_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "connection_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.sendError(client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "connection_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.sendError(client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(c); err != nil {
				g.sendError(client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeChannelJoin:
			if err := g.onJoin(ctx, c, env); err != nil {
				if errors.Is(err, ErrTransport) {
					shutdown(websocket.StatusPolicyViolation, "backpressure")
					break readLoop
				}
				g.sendError(client, joinErrorCode(err), err.Error())
			}

		case v1.TypeChannelLeave:
			if err := g.onLeave(c, env); err != nil {
				g.sendError(client, "leave_failed", err.Error())
			}

		case v1.TypeMessageSend:
			if err := g.onMessageSend(ctx, c, env); err != nil {
				g.sendError(client, sendErrorCode(err), err.Error())
			}

		case v1.TypeChannelHistoryFetch:
			if err := g.onHistoryFetch(ctx, c, env); err != nil {
				g.sendError(client, "history_failed", err.Error())
			}

		default:
			g.sendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(c *wsConn) error {
	ack := newEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{ConnectionID: c.id}, time.Now().UTC())
	if !c.client.deliver(ack) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

func (g *WSGateway) onJoin(ctx context.Context, c *wsConn, env v1.Envelope) error {
	var p v1.ChannelJoinPayload
	if err := env.Decode(&p); err != nil {
		return invalid("payload", err.Error())
	}
	if p.ChannelID <= 0 {
		return invalid("channel_id", "must be positive")
	}

	channelID := ChannelID(p.ChannelID)
	if _, err := g.repo.GetChannel(ctx, channelID); err != nil {
		return err
	}

	if c.session.State() == StateDisconnected {
		if err := c.session.Connect(); err != nil {
			return err
		}
	}

	res, err := c.session.Join(channelID, p.ChatterName)
	if err != nil {
		return err
	}

	g.log.Info("ws.join",
		"connection_id", c.id,
		"channel_id", p.ChannelID,
		"chatter_name", res.ChatterName,
		"newly_added", res.NewlyAdded,
	)
	return nil
}

func (g *WSGateway) onLeave(c *wsConn, env v1.Envelope) error {
	var p v1.ChannelLeavePayload
	if err := env.Decode(&p); err != nil {
		return invalid("payload", err.Error())
	}

	current, _, ok := c.session.Current()
	if !ok {
		return errors.New("not joined")
	}
	if p.ChannelID != 0 && ChannelID(p.ChannelID) != current {
		return invalid("channel_id", "not the joined channel")
	}

	res := c.session.Leave()
	g.log.Info("ws.leave",
		"connection_id", c.id,
		"channel_id", int64(current),
		"chatter_name", res.ChatterName,
		"fully_left", res.FullyLeft,
	)

	// The socket is still open, so the connection may join again.
	return c.session.Connect()
}

func (g *WSGateway) onMessageSend(ctx context.Context, c *wsConn, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := env.Decode(&p); err != nil {
		return invalid("payload", err.Error())
	}

	current, name, ok := c.session.Current()
	if !ok {
		return errNotJoined
	}
	if ChannelID(p.ChannelID) != current {
		return invalid("channel_id", "not the joined channel")
	}

	res, err := g.router.PostMessage(ctx, PostInput{
		ChannelID:   current,
		SenderName:  name,
		Text:        p.Text,
		ClientMsgID: p.ClientMsgID,
	})
	if err != nil {
		return err
	}

	stored := res.Message
	ack := newEnvelope(v1.TypeMessageAck, v1.MessageAckPayload{
		ChannelID:   int64(stored.ChannelID),
		ClientMsgID: stored.ClientMsgID,
		ServerMsgID: stored.ServerMsgID,
		Seq:         stored.Seq,
		SentAt:      stored.SentAt,
		Duplicated:  res.Duplicated,
	}, time.Now().UTC())
	if !c.client.deliver(ack) {
		g.log.Warn("ws.ack.dropped", "connection_id", c.id, "server_msg_id", stored.ServerMsgID)
	}
	return nil
}

func (g *WSGateway) onHistoryFetch(ctx context.Context, c *wsConn, env v1.Envelope) error {
	var p v1.ChannelHistoryFetchPayload
	if err := env.Decode(&p); err != nil {
		return invalid("payload", err.Error())
	}

	current, _, ok := c.session.Current()
	if !ok {
		return errNotJoined
	}
	if ChannelID(p.ChannelID) != current {
		return invalid("channel_id", "not the joined channel")
	}

	out, err := g.repo.FetchHistory(ctx, FetchHistoryInput{
		ChannelID: current,
		AfterSeq:  p.AfterSeq,
		Limit:     clampHistoryLimit(p.Limit),
	})
	if err != nil {
		return err
	}

	msgs := make([]v1.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, ToWireMessage(m))
	}

	chunk := newEnvelope(v1.TypeChannelHistoryChunk, v1.ChannelHistoryChunkPayload{
		ChannelID: p.ChannelID,
		Messages:  msgs,
		HasMore:   out.HasMore,
	}, time.Now().UTC())
	if !c.client.deliver(chunk) {
		return errors.New("backpressure: history chunk")
	}
	return nil
}

var errNotJoined = errors.New("join a channel first")

func joinErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrChannelNotFound):
		return "unknown_channel"
	case errors.Is(err, ErrValidation):
		return "invalid_join"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	default:
		return "join_failed"
	}
}

func sendErrorCode(err error) string {
	switch {
	case errors.Is(err, errNotJoined):
		return "not_joined"
	case errors.Is(err, ErrValidation):
		return "invalid_message"
	case errors.Is(err, ErrPersistence):
		return "persistence_failed"
	default:
		return "send_failed"
	}
}

func (g *WSGateway) sendError(client *Client, code, msg string) {
	env := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC())
	if !client.deliver(env) {
		g.log.Debug("ws.error.dropped", "connection_id", client.ConnectionID, "code", code)
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, errBadJSON{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type errBadJSON struct{ err error }

func (e errBadJSON) Error() string { return "bad json: " + e.err.Error() }
func (e errBadJSON) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad errBadJSON
	switch {
	case errors.As(err, &bad):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	}
	return readErrUnknown
}
