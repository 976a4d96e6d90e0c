package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Router accepts a message for a channel, appends it to the history and fans
// it out to every live session of the channel.
type Router struct {
	log      *slog.Logger
	registry *Registry
	store    MessageStore
	metrics  *Metrics
	now      func() time.Time

	mu    sync.Mutex
	posts map[ChannelID]chan struct{}
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithClock overrides the clock that stamps SentAt.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRouter wires a Router. metrics may be nil.
func NewRouter(log *slog.Logger, registry *Registry, store MessageStore, metrics *Metrics, opts ...RouterOption) *Router {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		log:      log,
		registry: registry,
		store:    store,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
		posts:    make(map[ChannelID]chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PostInput is a message submission. Client supplied timestamps are not part
// of it; SentAt is always assigned by the router.
type PostInput struct {
	ChannelID   ChannelID
	SenderName  string
	Text        string
	ClientMsgID string
}

// PostResult is the outcome of a successful PostMessage.
type PostResult struct {
	Message Message
	// Duplicated is true when ClientMsgID was already stored; nothing was broadcast.
	Duplicated bool
	// SenderAdded is true when the broadcast had to add the sender to the roster.
	SenderAdded bool
}

// PostMessage validates, persists and broadcasts one message.
//
// Append happens before broadcast and a failed append broadcasts nothing.
// Posts to one channel are serialised from append to fan-out, so every peer
// receives a channel's messages in Seq order.
func (r *Router) PostMessage(ctx context.Context, in PostInput) (PostResult, error) {
	sentAt := r.now().UTC()

	in, err := r.normalize(in, sentAt)
	if err != nil {
		r.metrics.routed("invalid")
		return PostResult{}, err
	}

	release, err := r.acquire(ctx, in.ChannelID)
	if err != nil {
		return PostResult{}, err
	}
	defer release()

	res, err := r.store.AppendMessage(ctx, AppendMessageInput{
		ChannelID:   in.ChannelID,
		ClientMsgID: in.ClientMsgID,
		SenderName:  in.SenderName,
		Text:        in.Text,
		Now:         sentAt,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrChannelNotFound):
			r.metrics.routed("invalid")
			return PostResult{}, ValidationError{Field: "channel_id", Reason: "unknown channel", Err: ErrChannelNotFound}
		case errors.Is(err, ErrValidation):
			r.metrics.routed("invalid")
			return PostResult{}, err
		}
		r.metrics.persistenceFailed()
		r.log.Error("router.append.fail",
			"channel_id", int64(in.ChannelID),
			"client_msg_id", in.ClientMsgID,
			"err", err,
		)
		return PostResult{}, PersistenceError{ChannelID: in.ChannelID, Err: err}
	}

	if res.Duplicated {
		r.metrics.routed("duplicate")
		r.log.Debug("router.post.duplicate",
			"channel_id", int64(in.ChannelID),
			"client_msg_id", in.ClientMsgID,
			"server_msg_id", res.Stored.ServerMsgID,
		)
		return PostResult{Message: res.Stored, Duplicated: true}, nil
	}

	added := r.registry.publish(res.Stored)
	r.metrics.routed("delivered")
	r.log.Debug("router.post",
		"channel_id", int64(in.ChannelID),
		"server_msg_id", res.Stored.ServerMsgID,
		"seq", res.Stored.Seq,
		"sender_added", added,
	)
	return PostResult{Message: res.Stored, SenderAdded: added}, nil
}

func (r *Router) normalize(in PostInput, now time.Time) (PostInput, error) {
	if in.ChannelID <= 0 {
		return in, invalid("channel_id", "must be positive")
	}
	name, err := normalizeName("sender_name", in.SenderName)
	if err != nil {
		return in, err
	}
	in.SenderName = name

	if strings.TrimSpace(in.Text) == "" {
		return in, invalid("text", "required")
	}
	if utf8.RuneCountInString(in.Text) > maxMessageChars {
		return in, invalid("text", "too long")
	}

	in.ClientMsgID = strings.TrimSpace(in.ClientMsgID)
	switch {
	case in.ClientMsgID == "":
		id, err := NewServerMsgID(now)
		if err != nil {
			return in, err
		}
		in.ClientMsgID = id
	case len(in.ClientMsgID) > maxClientMsgIDBytes:
		return in, invalid("client_msg_id", "too long")
	}
	return in, nil
}

// acquire takes the post slot of a channel, giving up when ctx is done.
func (r *Router) acquire(ctx context.Context, id ChannelID) (func(), error) {
	r.mu.Lock()
	slot, ok := r.posts[id]
	if !ok {
		slot = make(chan struct{}, 1)
		r.posts[id] = slot
	}
	r.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
