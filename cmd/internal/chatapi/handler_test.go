package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatroomz/cmd/internal/realtime"

	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	mux      *http.ServeMux
	repo     *realtime.InMemoryStore
	registry *realtime.Registry
	channel  realtime.ChannelID
}

func newAPIFixture(t *testing.T, store realtime.Repository) apiFixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := realtime.NewInMemoryStore()
	ch, err := mem.CreateChannel(context.Background(), "general", time.Now().UTC())
	require.NoError(t, err)
	if store == nil {
		store = mem
	}

	reg := realtime.NewRegistry(log, nil)
	router := realtime.NewRouter(log, reg, store, nil)
	h, err := NewHandler(log, DefaultConfig(), store, reg, router)
	require.NoError(t, err)

	mux := http.NewServeMux()
	h.Register(mux)
	return apiFixture{mux: mux, repo: mem, registry: reg, channel: ch.ID}
}

func (f apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, rdr)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestChannels_CreateListGet(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/channels", map[string]string{"name": "random"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[channelResponse](t, rec)
	require.Equal(t, "random", created.Name)
	require.Equal(t, "/api/channels/2", rec.Header().Get("Location"))

	rec = f.do(t, http.MethodGet, "/api/channels", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]channelResponse](t, rec)
	require.Len(t, list, 2)
	require.Equal(t, "general", list[0].Name)

	rec = f.do(t, http.MethodGet, "/api/channels/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[channelDetailResponse](t, rec)
	require.Equal(t, "general", detail.Name)
	require.NotNil(t, detail.Messages)
	require.Empty(t, detail.Messages)
	require.Empty(t, detail.Roster)
}

func TestChannels_GetErrors(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/channels/42", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "unknown_channel", decodeBody[errorResponse](t, rec).Error.Code)

	rec = f.do(t, http.MethodGet, "/api/channels/abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/channels", map[string]string{"name": "  "})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, decodeBody[errorResponse](t, rec).Error.Message, "name")
}

func TestPostMessage_StoresAndShowsInChannel(t *testing.T) {
	f := newAPIFixture(t, nil)

	client := realtime.NewClient("conn-alice", 8)
	_, err := f.registry.Join(f.channel, "alice", client)
	require.NoError(t, err)
	<-client.Send // channel_joined

	sentAt := time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := f.do(t, http.MethodPost, "/api/PostMessage", postMessageRequest{
		SenderName:  "bob",
		ChannelID:   int64(f.channel),
		Text:        "hello there",
		ClientMsgID: "c-1",
		SentAt:      &sentAt,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, "/api/channels/1", rec.Header().Get("Location"))

	posted := decodeBody[postMessageResponse](t, rec)
	require.Equal(t, "bob", posted.SenderName)
	require.Equal(t, int64(1), posted.Seq)
	require.True(t, posted.SenderAdded)
	require.True(t, posted.SentAt.After(sentAt), "client timestamp is ignored")

	select {
	case env := <-client.Send:
		require.Equal(t, "message_received", env.Type)
	default:
		t.Fatalf("expected a live broadcast to alice")
	}

	rec = f.do(t, http.MethodGet, "/api/channels/1", nil)
	detail := decodeBody[channelDetailResponse](t, rec)
	require.Len(t, detail.Messages, 1)
	require.Equal(t, "hello there", detail.Messages[0].Text)
	require.Equal(t, []string{"alice", "bob"}, detail.Roster)

	rec = f.do(t, http.MethodPost, "/api/PostMessage", postMessageRequest{
		SenderName: "bob", ChannelID: int64(f.channel), Text: "hello there", ClientMsgID: "c-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, decodeBody[postMessageResponse](t, rec).Duplicated)
}

func TestPostMessage_Errors(t *testing.T) {
	f := newAPIFixture(t, nil)

	cases := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{name: "bad json", body: "{", status: http.StatusBadRequest, code: "invalid_json"},
		{name: "empty body", body: "", status: http.StatusBadRequest, code: "invalid_json"},
		{name: "trailing data", body: `{"senderName":"a","channelId":1,"text":"x"} {}`, status: http.StatusBadRequest, code: "invalid_json"},
		{name: "body too large", body: `{"senderName":"a","channelId":1,"text":"` + strings.Repeat("x", 32<<10) + `"}`, status: http.StatusRequestEntityTooLarge, code: "body_too_large"},
		{name: "unknown field", body: `{"senderName":"a","channelId":1,"text":"x","color":"red"}`, status: http.StatusBadRequest, code: "invalid_json"},
		{name: "missing sender", body: postMessageRequest{ChannelID: 1, Text: "x"}, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "blank text", body: postMessageRequest{SenderName: "a", ChannelID: 1, Text: "   "}, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "text too long", body: postMessageRequest{SenderName: "a", ChannelID: 1, Text: strings.Repeat("é", 4001)}, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "unknown channel", body: postMessageRequest{SenderName: "a", ChannelID: 9, Text: "x"}, status: http.StatusNotFound, code: "unknown_channel"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/PostMessage", tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			require.Equal(t, tc.code, decodeBody[errorResponse](t, rec).Error.Code)
		})
	}
}

type brokenStore struct {
	*realtime.InMemoryStore
}

func (brokenStore) AppendMessage(context.Context, realtime.AppendMessageInput) (realtime.AppendMessageResult, error) {
	return realtime.AppendMessageResult{}, errors.New("connection reset")
}

func TestPostMessage_PersistenceFailure(t *testing.T) {
	store := brokenStore{InMemoryStore: realtime.NewInMemoryStore()}
	_, err := store.CreateChannel(context.Background(), "general", time.Now().UTC())
	require.NoError(t, err)

	f := newAPIFixture(t, store)
	rec := f.do(t, http.MethodPost, "/api/PostMessage", postMessageRequest{SenderName: "a", ChannelID: 1, Text: "x"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "persistence_failed", decodeBody[errorResponse](t, rec).Error.Code)
	require.Empty(t, f.registry.RosterOf(1), "nothing was broadcast")
}

func TestPresence(t *testing.T) {
	f := newAPIFixture(t, nil)
	_, err := f.registry.Join(f.channel, "alice", realtime.NewClient("a", 4))
	require.NoError(t, err)
	_, err = f.registry.Join(f.channel, "alice", realtime.NewClient("b", 4))
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/presence", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody[[]presenceResponse](t, rec)
	require.Len(t, out, 1)
	require.Equal(t, []string{"alice"}, out[0].Roster)
	require.Equal(t, 2, out[0].Sessions)
}
