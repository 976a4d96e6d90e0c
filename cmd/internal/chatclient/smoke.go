package chatclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatroomz/cmd/internal/ids"
	v1 "chatroomz/shared/contracts/realtime/v1"

	"github.com/samber/lo"
)

// SmokeOptions configures Smoke.
type SmokeOptions struct {
	BaseURL string
	Origin  string
	// ChannelID zero creates a fresh channel through the HTTP API.
	ChannelID   int64
	Text        string
	StepTimeout time.Duration
	Logger      *slog.Logger
}

// SmokeReport summarises a successful run.
type SmokeReport struct {
	ChannelID   int64
	Seq         int64
	ServerMsgID string
	ConnA       string
	ConnB       string
}

// Smoke exercises a running server end to end with two connections: hello,
// join and presence, send and ack, fan-out, history, duplicate suppression
// and leave on close.
func Smoke(ctx context.Context, opts SmokeOptions) (SmokeReport, error) {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 7 * time.Second
	}
	if opts.Text == "" {
		opts.Text = "hello from smoke"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var rep SmokeReport
	channelID := opts.ChannelID
	if channelID == 0 {
		api, err := NewAPIClient(opts.BaseURL, nil)
		if err != nil {
			return rep, err
		}
		ch, err := api.CreateChannel(ctx, "smoke-"+ids.MustULID(time.Now()))
		if err != nil {
			return rep, fmt.Errorf("create channel: %w", err)
		}
		channelID = ch.ID
	}
	rep.ChannelID = channelID

	a, err := newSmokePeer(ctx, opts, "smoke-a")
	if err != nil {
		return rep, err
	}
	defer func() { _ = a.conn.Close() }()
	b, err := newSmokePeer(ctx, opts, "smoke-b")
	if err != nil {
		return rep, err
	}
	defer func() { _ = b.conn.Close() }()
	rep.ConnA, rep.ConnB = a.connID, b.connID

	if err := a.join(ctx, channelID); err != nil {
		return rep, err
	}
	if err := b.join(ctx, channelID); err != nil {
		return rep, err
	}
	if _, err := a.await(ctx, EventPeerJoined, func(e Event) bool { return e.ChatterName == b.name }); err != nil {
		return rep, err
	}

	clientMsgID := "smoke-" + ids.MustULID(time.Now())
	if err := a.conn.SendMessage(ctx, channelID, clientMsgID, opts.Text); err != nil {
		return rep, err
	}
	ack, err := a.await(ctx, EventAck, func(e Event) bool { return e.Ack.ClientMsgID == clientMsgID })
	if err != nil {
		return rep, err
	}
	if ack.Ack.Seq <= 0 || ack.Ack.ServerMsgID == "" {
		return rep, fmt.Errorf("ack missing ids: %+v", ack.Ack)
	}
	rep.Seq, rep.ServerMsgID = ack.Ack.Seq, ack.Ack.ServerMsgID

	got, err := b.await(ctx, EventMessage, func(e Event) bool { return e.Message.ClientMsgID == clientMsgID })
	if err != nil {
		return rep, err
	}
	if got.Message.Seq != rep.Seq || got.Message.SenderName != a.name || got.Message.Text != opts.Text {
		return rep, fmt.Errorf("fan-out mismatch: %+v", got.Message)
	}

	if err := b.conn.FetchHistory(ctx, channelID, nil, 50); err != nil {
		return rep, err
	}
	hist, err := b.await(ctx, EventHistory, nil)
	if err != nil {
		return rep, err
	}
	if !lo.ContainsBy(hist.History, func(m v1.Message) bool { return m.ClientMsgID == clientMsgID }) {
		return rep, errors.New("history does not contain the sent message")
	}

	if err := a.conn.SendMessage(ctx, channelID, clientMsgID, opts.Text); err != nil {
		return rep, err
	}
	dup, err := a.await(ctx, EventAck, nil)
	if err != nil {
		return rep, err
	}
	if !dup.Ack.Duplicated || dup.Ack.Seq != rep.Seq {
		return rep, fmt.Errorf("resend was not deduplicated: %+v", dup.Ack)
	}
	if e, ok := b.quiet(ctx, EventMessage, time.Second); !ok {
		return rep, fmt.Errorf("duplicate was rebroadcast: %+v", e.Message)
	}

	_ = b.conn.Close()
	if _, err := a.await(ctx, EventPeerLeft, func(e Event) bool { return e.ChatterName == b.name }); err != nil {
		return rep, err
	}

	opts.Logger.Info("smoke.ok", "channel_id", channelID, "seq", rep.Seq, "server_msg_id", rep.ServerMsgID)
	return rep, nil
}

type smokePeer struct {
	name    string
	connID  string
	conn    *Conn
	timeout time.Duration
}

func newSmokePeer(ctx context.Context, opts SmokeOptions, name string) (*smokePeer, error) {
	dctx, cancel := context.WithTimeout(ctx, opts.StepTimeout)
	defer cancel()

	c, err := Dial(dctx, opts.BaseURL, DialOptions{Origin: opts.Origin, Logger: opts.Logger})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	p := &smokePeer{name: name, conn: c, timeout: opts.StepTimeout}

	if err := c.Hello(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	ack, err := p.await(ctx, EventHelloAck, nil)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if !ids.IsULID(ack.ConnectionID) {
		_ = c.Close()
		return nil, fmt.Errorf("%s: hello_ack connection id %q is not a ULID", name, ack.ConnectionID)
	}
	p.connID = ack.ConnectionID
	return p, nil
}

func (p *smokePeer) join(ctx context.Context, channelID int64) error {
	if err := p.conn.Join(ctx, channelID, p.name); err != nil {
		return err
	}
	e, err := p.await(ctx, EventJoined, nil)
	if err != nil {
		return err
	}
	if e.ChannelID != channelID || !lo.Contains(e.Roster, p.name) {
		return fmt.Errorf("%s: join echo %d %v", p.name, e.ChannelID, e.Roster)
	}
	return nil
}

// await reads events until one of kind matches. Error events and a closed
// connection fail the step.
func (p *smokePeer) await(ctx context.Context, kind EventKind, match func(Event) bool) (Event, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	for {
		e, ok := p.conn.events.pop(ctx)
		if !ok {
			return Event{}, fmt.Errorf("%s: timed out waiting for %s", p.name, kind)
		}
		switch {
		case e.Kind == EventError:
			return Event{}, fmt.Errorf("%s: server error %s: %s", p.name, e.Code, e.Text)
		case e.Kind == EventClosed:
			return Event{}, fmt.Errorf("%s: connection closed waiting for %s: %v", p.name, kind, e.Err)
		case e.Kind == kind && (match == nil || match(e)):
			return e, nil
		}
	}
}

// quiet reports false with the offending event if kind arrives within d.
func (p *smokePeer) quiet(ctx context.Context, kind EventKind, d time.Duration) (Event, bool) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	for {
		e, ok := p.conn.events.pop(ctx)
		if !ok {
			return Event{}, true
		}
		if e.Kind == kind {
			return e, false
		}
	}
}
