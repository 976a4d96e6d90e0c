package realtime

import (
	"context"
	"time"
)

// ChannelID identifies a channel. It is assigned by the repository when the channel is created.
type ChannelID int64

// Channel is a chat channel as stored by the repository.
// History is only populated by reads that ask for it.
type Channel struct {
	ID        ChannelID
	Name      string
	CreatedAt time.Time
	History   []Message
}

// Message is the canonical persisted message. It is immutable once appended.
type Message struct {
	ChannelID   ChannelID
	ClientMsgID string
	ServerMsgID string
	Seq         int64
	SenderName  string
	Text        string
	SentAt      time.Time
}

// MessageStore persists and queries messages.
//
// Requirements:
//   - Append-only; past entries are never mutated
//   - Idempotency per (channel_id, client_msg_id)
//   - Monotonic seq per channel (no gaps for duplicates)
//   - History query ordered by seq ASC
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error)
	Close() error
}

// ChannelStore creates and reads channels. Channel existence is owned here, not by the registry.
type ChannelStore interface {
	CreateChannel(ctx context.Context, name string, now time.Time) (Channel, error)
	ListChannels(ctx context.Context) ([]Channel, error)
	// GetChannel returns ErrChannelNotFound for unknown ids. History is left empty.
	GetChannel(ctx context.Context, id ChannelID) (Channel, error)
}

// Repository is the persistence collaborator used by the router, the gateway and the HTTP API.
type Repository interface {
	MessageStore
	ChannelStore
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	ChannelID   ChannelID
	ClientMsgID string
	SenderName  string
	Text        string
	Now         time.Time
}

// AppendMessageResult is the append operation result.
type AppendMessageResult struct {
	Stored     Message
	Duplicated bool
}

// FetchHistoryInput describes a history query request.
type FetchHistoryInput struct {
	ChannelID ChannelID
	AfterSeq  *int64
	Limit     int
}

// FetchHistoryResult contains the retrieved history window.
type FetchHistoryResult struct {
	Messages []Message
	HasMore  bool
}

func validateAppend(in AppendMessageInput) error {
	switch {
	case in.ChannelID <= 0:
		return invalid("channel_id", "must be positive")
	case in.ClientMsgID == "":
		return invalid("client_msg_id", "required")
	case in.SenderName == "":
		return invalid("sender_name", "required")
	}
	return nil
}

// ChannelWithHistory reads a channel and its history, oldest first. A positive
// limit keeps only the newest limit messages.
func ChannelWithHistory(ctx context.Context, repo Repository, id ChannelID, limit int) (Channel, error) {
	ch, err := repo.GetChannel(ctx, id)
	if err != nil {
		return Channel{}, err
	}

	ch.History = []Message{}
	var after *int64
	for {
		page, err := repo.FetchHistory(ctx, FetchHistoryInput{ChannelID: id, AfterSeq: after, Limit: maxHistoryLimit})
		if err != nil {
			return Channel{}, err
		}
		ch.History = append(ch.History, page.Messages...)
		if limit > 0 && len(ch.History) > limit {
			ch.History = append(ch.History[:0], ch.History[len(ch.History)-limit:]...)
		}
		if !page.HasMore || len(page.Messages) == 0 {
			return ch, nil
		}
		last := page.Messages[len(page.Messages)-1].Seq
		after = &last
	}
}
