package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	v1 "chatroomz/shared/contracts/realtime/v1"
)

// ErrNotFound is returned for unknown channels.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx answer from the HTTP API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Channel is a channel as listed by the API.
type Channel struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is a message as returned by the API.
type Message struct {
	ID          string    `json:"id"`
	ClientMsgID string    `json:"clientMsgId"`
	ChannelID   int64     `json:"channelId"`
	Seq         int64     `json:"seq"`
	SenderName  string    `json:"senderName"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sentAt"`
}

// Wire converts m to the realtime protocol form the View stores.
func (m Message) Wire() v1.Message {
	return v1.Message{
		ChannelID:   m.ChannelID,
		ClientMsgID: m.ClientMsgID,
		ServerMsgID: m.ID,
		Seq:         m.Seq,
		SenderName:  m.SenderName,
		Text:        m.Text,
		SentAt:      m.SentAt,
	}
}

// ChannelDetail is a channel with its history and live roster.
type ChannelDetail struct {
	Channel
	Messages []Message `json:"messages"`
	Roster   []string  `json:"roster"`
}

// WireHistory returns the history in realtime protocol form.
func (d ChannelDetail) WireHistory() []v1.Message {
	out := make([]v1.Message, 0, len(d.Messages))
	for _, m := range d.Messages {
		out = append(out, m.Wire())
	}
	return out
}

// PostMessageRequest is the body of POST /api/PostMessage.
type PostMessageRequest struct {
	SenderName  string `json:"senderName"`
	ChannelID   int64  `json:"channelId"`
	Text        string `json:"text"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

// PostedMessage is the stored message returned by PostMessage.
type PostedMessage struct {
	Message
	Duplicated  bool `json:"duplicated,omitempty"`
	SenderAdded bool `json:"senderAdded,omitempty"`
}

// APIClient calls the ChatRoomZ HTTP API.
type APIClient struct {
	base *url.URL
	http *http.Client
}

// NewAPIClient returns a client for the server at base. hc may be nil.
func NewAPIClient(base string, hc *http.Client) (*APIClient, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(base), "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("chatclient: unsupported scheme %q", u.Scheme)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &APIClient{base: u, http: hc}, nil
}

// ListChannels returns every channel.
func (c *APIClient) ListChannels(ctx context.Context) ([]Channel, error) {
	var out []Channel
	err := c.do(ctx, http.MethodGet, "/api/channels", nil, &out)
	return out, err
}

// CreateChannel creates a channel named name.
func (c *APIClient) CreateChannel(ctx context.Context, name string) (Channel, error) {
	var out Channel
	err := c.do(ctx, http.MethodPost, "/api/channels", map[string]string{"name": name}, &out)
	return out, err
}

// GetChannel returns a channel with its history and roster.
func (c *APIClient) GetChannel(ctx context.Context, id int64) (ChannelDetail, error) {
	var out ChannelDetail
	err := c.do(ctx, http.MethodGet, "/api/channels/"+strconv.FormatInt(id, 10), nil, &out)
	return out, err
}

// PostMessage submits a message. The server broadcasts it to the channel.
func (c *APIClient) PostMessage(ctx context.Context, req PostMessageRequest) (PostedMessage, error) {
	var out PostedMessage
	err := c.do(ctx, http.MethodPost, "/api/PostMessage", req, &out)
	return out, err
}

func (c *APIClient) do(ctx context.Context, method, path string, body, dst any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(raw)
	}

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return TransportError{Op: method + " " + path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&env); err == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}

	if dst == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
