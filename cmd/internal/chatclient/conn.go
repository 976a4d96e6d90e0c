// Package chatclient is the client side of ChatRoomZ: a realtime connection
// with a single inbound event stream, a channel view model, a REST client and
// a terminal front end.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"chatroomz/cmd/internal/ids"
	v1 "chatroomz/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// ErrTransport is the sentinel behind TransportError.
var ErrTransport = errors.New("transport error")

// TransportError reports a connection that could not be opened or was lost.
// The client does not reconnect on its own.
type TransportError struct {
	Op  string
	Err error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrTransport.Error(), e.Op, e.Err)
}

func (e TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// DialOptions configures Dial.
type DialOptions struct {
	// Origin is sent as the Origin header; servers require it by default.
	Origin       string
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Conn is a realtime connection. Commands may be sent from any goroutine;
// inbound traffic is consumed through Events by a single loop.
type Conn struct {
	ws      *websocket.Conn
	log     *slog.Logger
	timeout time.Duration
	events  *eventQueue

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens a realtime connection. base may be an http(s) or ws(s) URL; the
// path defaults to /ws.
func Dial(ctx context.Context, base string, opts DialOptions) (*Conn, error) {
	u, err := WebSocketURL(base)
	if err != nil {
		return nil, TransportError{Op: "dial", Err: err}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	h := http.Header{}
	if strings.TrimSpace(opts.Origin) != "" {
		h.Set("Origin", opts.Origin)
	}

	ws, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, TransportError{Op: "dial", Err: err}
	}
	if ws.Subprotocol() != v1.Subprotocol {
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol")
		return nil, TransportError{Op: "dial", Err: fmt.Errorf("server selected subprotocol %q", ws.Subprotocol())}
	}

	c := &Conn{
		ws:      ws,
		log:     opts.Logger,
		timeout: opts.WriteTimeout,
		events:  newEventQueue(),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// WebSocketURL turns a server base URL into its websocket endpoint.
func WebSocketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.Read(context.Background())
		if err != nil {
			c.events.closeWith(Event{Kind: EventClosed, Err: c.closeCause(err)})
			return
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("chatclient.read.bad_json", "err", err)
			continue
		}
		e, err := eventFromEnvelope(env)
		if err != nil {
			c.log.Debug("chatclient.read.skip", "type", env.Type, "err", err)
			continue
		}
		c.events.push(e)
	}
}

func (c *Conn) closeCause(err error) error {
	select {
	case <-c.done:
		return nil
	default:
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return TransportError{Op: "read", Err: err}
}

// Events yields inbound events in arrival order until the connection ends or
// ctx is done. The final event of a finished connection has Kind EventClosed.
// There must be only one consumer.
func (c *Conn) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			e, ok := c.events.pop(ctx)
			if !ok || !yield(e) {
				return
			}
		}
	}
}

// Hello requests the server assigned connection id.
func (c *Conn) Hello(ctx context.Context) error {
	return c.send(ctx, v1.TypeHello, v1.HelloPayload{})
}

// Join enters a channel. Joining another channel replaces the current one.
func (c *Conn) Join(ctx context.Context, channelID int64, chatterName string) error {
	return c.send(ctx, v1.TypeChannelJoin, v1.ChannelJoinPayload{ChannelID: channelID, ChatterName: chatterName})
}

// Leave leaves the current channel; the connection stays open.
func (c *Conn) Leave(ctx context.Context, channelID int64) error {
	return c.send(ctx, v1.TypeChannelLeave, v1.ChannelLeavePayload{ChannelID: channelID})
}

// SendMessage posts text over the socket. clientMsgID makes retries idempotent.
func (c *Conn) SendMessage(ctx context.Context, channelID int64, clientMsgID, text string) error {
	return c.send(ctx, v1.TypeMessageSend, v1.MessageSendPayload{ChannelID: channelID, ClientMsgID: clientMsgID, Text: text})
}

// FetchHistory asks for up to limit messages after afterSeq.
func (c *Conn) FetchHistory(ctx context.Context, channelID int64, afterSeq *int64, limit int) error {
	return c.send(ctx, v1.TypeChannelHistoryFetch, v1.ChannelHistoryFetchPayload{ChannelID: channelID, AfterSeq: afterSeq, Limit: limit})
}

func (c *Conn) send(ctx context.Context, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	b, err := json.Marshal(v1.New(typ, ids.MustULID(now), now, raw))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, b); err != nil {
		return TransportError{Op: "write " + typ, Err: err}
	}
	return nil
}

// Close closes the connection (idempotent). The event stream ends after it.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close(websocket.StatusNormalClosure, "bye")
	})
	return err
}
