package chatapi

import (
	"time"

	"chatroomz/cmd/internal/realtime"
)

type createChannelRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

// postMessageRequest mirrors the message the browser client submits. SentAt is
// accepted for compatibility and ignored; the server stamps every message.
type postMessageRequest struct {
	SenderName  string     `json:"senderName" validate:"required,max=64"`
	ChannelID   int64      `json:"channelId" validate:"required,gt=0"`
	Text        string     `json:"text" validate:"required,max=4000"`
	ClientMsgID string     `json:"clientMsgId,omitempty" validate:"omitempty,max=64"`
	SentAt      *time.Time `json:"sentAt,omitempty"`
}

type messageResponse struct {
	ID          string    `json:"id"`
	ClientMsgID string    `json:"clientMsgId"`
	ChannelID   int64     `json:"channelId"`
	Seq         int64     `json:"seq"`
	SenderName  string    `json:"senderName"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sentAt"`
}

type postMessageResponse struct {
	messageResponse
	Duplicated  bool `json:"duplicated,omitempty"`
	SenderAdded bool `json:"senderAdded,omitempty"`
}

type channelResponse struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// channelDetailResponse is a channel with its history and live roster.
type channelDetailResponse struct {
	channelResponse
	Messages []messageResponse `json:"messages"`
	Roster   []string          `json:"roster"`
}

type presenceResponse struct {
	ChannelID int64    `json:"channelId"`
	Roster    []string `json:"roster"`
	Sessions  int      `json:"sessions"`
}

func toMessageResponse(m realtime.Message) messageResponse {
	return messageResponse{
		ID:          m.ServerMsgID,
		ClientMsgID: m.ClientMsgID,
		ChannelID:   int64(m.ChannelID),
		Seq:         m.Seq,
		SenderName:  m.SenderName,
		Text:        m.Text,
		SentAt:      m.SentAt,
	}
}

func toChannelResponse(ch realtime.Channel) channelResponse {
	return channelResponse{ID: int64(ch.ID), Name: ch.Name, CreatedAt: ch.CreatedAt}
}

func toChannelDetailResponse(ch realtime.Channel, roster []string) channelDetailResponse {
	out := channelDetailResponse{
		channelResponse: toChannelResponse(ch),
		Messages:        make([]messageResponse, 0, len(ch.History)),
		Roster:          roster,
	}
	for _, m := range ch.History {
		out.Messages = append(out.Messages, toMessageResponse(m))
	}
	if out.Roster == nil {
		out.Roster = []string{}
	}
	return out
}
