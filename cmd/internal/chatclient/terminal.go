package chatclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// TerminalOptions configures RunTerminal.
type TerminalOptions struct {
	BaseURL   string
	Origin    string
	Name      string
	ChannelID int64
	Logger    *slog.Logger
}

var errQuit = errors.New("quit")

// lockedWriter serialises output from the input and event loops.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = fmt.Fprintf(l.w, format, args...)
}

// RunTerminal is a line-oriented chat client. It seeds the view from the
// channel read, joins over the realtime connection, posts lines through the
// HTTP API and prints live events until /quit, EOF on in, or ctx ends.
//
// Commands: /join <channel id>, /who, /quit.
func RunTerminal(ctx context.Context, opts TerminalOptions, in io.Reader, out io.Writer) error {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return errors.New("chatclient: name is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	api, err := NewAPIClient(opts.BaseURL, nil)
	if err != nil {
		return err
	}
	w := &lockedWriter{w: out}
	view := NewView()

	if err := seed(ctx, api, view, w, opts.ChannelID); err != nil {
		return err
	}

	conn, err := Dial(ctx, opts.BaseURL, DialOptions{Origin: opts.Origin, Logger: opts.Logger})
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if err := conn.Join(ctx, opts.ChannelID, name); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})

	g.Go(func() error {
		for e := range conn.Events(gctx) {
			if e.Kind == EventClosed {
				if e.Err != nil {
					return e.Err
				}
				return errQuit
			}
			if view.Apply(e) {
				render(w, e, view)
			} else if e.Kind == EventError {
				w.printf("! %s: %s\n", e.Code, e.Text)
			}
		}
		return nil
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-gctx.Done():
				return
			}
		}
	}()

	g.Go(func() error {
		for {
			var line string
			select {
			case <-gctx.Done():
				return nil
			case l, ok := <-lines:
				if !ok {
					return errQuit
				}
				line = strings.TrimSpace(l)
			}
			if line == "" {
				continue
			}

			switch {
			case line == "/quit":
				return errQuit

			case line == "/who":
				w.printf("* here: %s\n", strings.Join(view.Roster(), ", "))

			case strings.HasPrefix(line, "/join "):
				id, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "/join ")), 10, 64)
				if err != nil || id <= 0 {
					w.printf("! usage: /join <channel id>\n")
					continue
				}
				if err := seed(gctx, api, view, w, id); err != nil {
					w.printf("! %v\n", err)
					continue
				}
				if err := conn.Join(gctx, id, name); err != nil {
					return err
				}

			default:
				clientMsgID := uuid.NewString()
				view.AppendLocal(clientMsgID, name, line, time.Now().UTC())
				_, err := api.PostMessage(gctx, PostMessageRequest{
					SenderName:  name,
					ChannelID:   view.ChannelID(),
					Text:        line,
					ClientMsgID: clientMsgID,
				})
				if err != nil {
					w.printf("! not sent: %v\n", err)
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

func seed(ctx context.Context, api *APIClient, view *View, w *lockedWriter, channelID int64) error {
	ch, err := api.GetChannel(ctx, channelID)
	if err != nil {
		return fmt.Errorf("load channel %d: %w", channelID, err)
	}
	view.Seed(ch.ID, ch.WireHistory())

	w.printf("* #%s (%d)\n", ch.Name, ch.ID)
	for _, m := range view.History() {
		w.printf("[%s] %s: %s\n", m.SentAt.Local().Format("15:04"), m.SenderName, m.Text)
	}
	return nil
}

func render(w *lockedWriter, e Event, view *View) {
	switch e.Kind {
	case EventJoined:
		w.printf("* joined as %s; here: %s\n", e.ChatterName, strings.Join(view.Roster(), ", "))
	case EventPeerJoined:
		w.printf("* %s joined\n", e.ChatterName)
	case EventPeerLeft:
		w.printf("* %s left\n", e.ChatterName)
	case EventMessage:
		if view.IsLocal(e.Message.ClientMsgID) {
			return
		}
		w.printf("[%s] %s: %s\n", e.Message.SentAt.Local().Format("15:04"), e.Message.SenderName, e.Message.Text)
	}
}
