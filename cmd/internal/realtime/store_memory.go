package realtime

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	memMaxMessagesPerChannel = 10_000
)

// InMemoryStore is a dev-only Repository used when neither Postgres nor badger is configured.
// It supports:
//   - AppendMessage: idempotent + seq allocation
//   - FetchHistory: paging by after_seq
type InMemoryStore struct {
	mu       sync.Mutex
	nextID   ChannelID
	channels map[ChannelID]*memChannel
}

type memChannel struct {
	info   Channel
	seq    int64
	dedupe map[string]Message // client_msg_id -> stored message
	msgs   []Message          // ordered by seq
}

// NewInMemoryStore constructs an in-memory Repository implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		channels: make(map[ChannelID]*memChannel),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// CreateChannel allocates the next channel id.
func (s *InMemoryStore) CreateChannel(ctx context.Context, name string, now time.Time) (Channel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Channel{}, invalid("name", "required")
	}
	if err := ctx.Err(); err != nil {
		return Channel{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	ch := Channel{ID: s.nextID, Name: name, CreatedAt: now}
	s.channels[ch.ID] = &memChannel{
		info:   ch,
		dedupe: make(map[string]Message),
		msgs:   make([]Message, 0, 64),
	}
	return ch, nil
}

// ListChannels returns every channel ordered by id.
func (s *InMemoryStore) ListChannels(ctx context.Context) ([]Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]Channel, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, c.info)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetChannel returns the channel metadata.
func (s *InMemoryStore) GetChannel(ctx context.Context, id ChannelID) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return Channel{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.channels[id]
	if c == nil {
		return Channel{}, ErrChannelNotFound
	}
	return c.info, nil
}

// AppendMessage persists a message with idempotency and monotonic sequence allocation.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if err := validateAppend(in); err != nil {
		return AppendMessageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	serverMsgID, err := NewServerMsgID(now)
	if err != nil {
		return AppendMessageResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.channels[in.ChannelID]
	if c == nil {
		return AppendMessageResult{}, ErrChannelNotFound
	}

	if existing, ok := c.dedupe[in.ClientMsgID]; ok {
		return AppendMessageResult{Stored: existing, Duplicated: true}, nil
	}

	c.seq++
	msg := Message{
		ChannelID:   in.ChannelID,
		ClientMsgID: in.ClientMsgID,
		ServerMsgID: serverMsgID,
		Seq:         c.seq,
		SenderName:  in.SenderName,
		Text:        in.Text,
		SentAt:      now,
	}
	c.dedupe[in.ClientMsgID] = msg
	c.msgs = append(c.msgs, msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxMessagesPerChannel {
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerChannel:]
	}

	return AppendMessageResult{Stored: msg}, nil
}

// FetchHistory returns messages ordered by seq ASC with paging via after_seq.
func (s *InMemoryStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if in.ChannelID <= 0 {
		return FetchHistoryResult{}, invalid("channel_id", "must be positive")
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)

	s.mu.Lock()
	c := s.channels[in.ChannelID]
	if c == nil {
		s.mu.Unlock()
		return FetchHistoryResult{}, ErrChannelNotFound
	}
	snap := append([]Message(nil), c.msgs...)
	s.mu.Unlock()

	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
	}
	if start >= len(snap) {
		return FetchHistoryResult{}, nil
	}

	out := snap[start:]
	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}

	return FetchHistoryResult{Messages: out, HasMore: hasMore}, nil
}

var _ Repository = (*InMemoryStore)(nil)
