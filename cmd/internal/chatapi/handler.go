// Package chatapi serves the ChatRoomZ HTTP API: channel listing and lookup
// and message submission.
package chatapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatroomz/cmd/internal/realtime"
)

// Config bounds request handling.
type Config struct {
	MaxBodyBytes int64
	// HistoryLimit caps the messages returned with a channel; zero means all.
	HistoryLimit int

	// PostRateEvents messages per PostRateWindow are accepted from one client
	// IP. Zero disables the limit.
	PostRateEvents int
	PostRateWindow time.Duration
	// TrustProxy takes the client IP from X-Forwarded-For / X-Real-IP.
	TrustProxy bool
}

// DefaultConfig returns the API defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:   16 << 10,
		HistoryLimit:   500,
		PostRateEvents: 60,
		PostRateWindow: time.Minute,
	}
}

// Handler wires HTTP endpoints to the repository, the registry and the router.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	repo     realtime.Repository
	registry *realtime.Registry
	router   *realtime.Router
	limiter  *postLimiter
	now      func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, cfg Config, repo realtime.Repository, registry *realtime.Registry, router *realtime.Router) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if repo == nil || registry == nil || router == nil {
		return nil, errors.New("chatapi: repository, registry and router are required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	return &Handler{
		log:      log,
		cfg:      cfg,
		repo:     repo,
		registry: registry,
		router:   router,
		limiter:  newPostLimiter(cfg.PostRateEvents, cfg.PostRateWindow),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register wires API routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /api/channels", h.handleListChannels)
	mux.HandleFunc("POST /api/channels", h.handleCreateChannel)
	mux.HandleFunc("GET /api/channels/{id}", h.handleGetChannel)
	mux.HandleFunc("POST /api/PostMessage", h.handlePostMessage)
	mux.HandleFunc("GET /api/presence", h.handlePresence)
}

func (h *Handler) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.repo.ListChannels(r.Context())
	if err != nil {
		h.log.Error("api.channels.list.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "could not list channels")
		return
	}

	out := make([]channelResponse, 0, len(channels))
	for _, ch := range channels {
		out = append(out, toChannelResponse(ch))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", validationMessage(err))
		return
	}

	ch, err := h.repo.CreateChannel(r.Context(), req.Name, h.now())
	if err != nil {
		h.log.Error("api.channels.create.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "could not create channel")
		return
	}

	h.log.Info("api.channels.create", "channel_id", int64(ch.ID), "name", ch.Name)
	w.Header().Set("Location", channelLocation(ch.ID))
	writeJSON(w, http.StatusCreated, toChannelResponse(ch))
}

func (h *Handler) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "id: must be a positive integer")
		return
	}

	ch, err := realtime.ChannelWithHistory(r.Context(), h.repo, realtime.ChannelID(id), h.cfg.HistoryLimit)
	switch {
	case errors.Is(err, realtime.ErrChannelNotFound):
		writeError(w, http.StatusNotFound, "unknown_channel", "channel not found")
		return
	case err != nil:
		h.log.Error("api.channels.get.fail", "channel_id", id, "err", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "could not load channel")
		return
	}

	writeJSON(w, http.StatusOK, toChannelDetailResponse(ch, h.registry.RosterOf(ch.ID)))
}

func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	if ip := clientIP(r, h.cfg.TrustProxy); !h.limiter.allow(ip, h.now()) {
		h.log.Warn("api.post_message.rate_limited", "ip", ip.String())
		writeRateLimited(w, h.cfg.PostRateWindow)
		return
	}

	var req postMessageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", validationMessage(err))
		return
	}

	res, err := h.router.PostMessage(r.Context(), realtime.PostInput{
		ChannelID:   realtime.ChannelID(req.ChannelID),
		SenderName:  req.SenderName,
		Text:        req.Text,
		ClientMsgID: req.ClientMsgID,
	})
	if err != nil {
		h.writePostError(w, req, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicated {
		status = http.StatusOK
	}
	w.Header().Set("Location", channelLocation(res.Message.ChannelID))
	writeJSON(w, status, postMessageResponse{
		messageResponse: toMessageResponse(res.Message),
		Duplicated:      res.Duplicated,
		SenderAdded:     res.SenderAdded,
	})
}

func (h *Handler) writePostError(w http.ResponseWriter, req postMessageRequest, err error) {
	var ve realtime.ValidationError
	switch {
	case errors.Is(err, realtime.ErrChannelNotFound):
		writeError(w, http.StatusNotFound, "unknown_channel", "channel not found")
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("%s: %s", ve.Field, ve.Reason))
	case errors.Is(err, realtime.ErrPersistence):
		writeError(w, http.StatusServiceUnavailable, "persistence_failed", "message was not stored; retry")
	default:
		h.log.Error("api.post_message.fail", "channel_id", req.ChannelID, "err", err)
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
	}
}

func (h *Handler) handlePresence(w http.ResponseWriter, _ *http.Request) {
	ids := h.registry.Channels()
	out := make([]presenceResponse, 0, len(ids))
	for _, id := range ids {
		out = append(out, presenceResponse{
			ChannelID: int64(id),
			Roster:    h.registry.RosterOf(id),
			Sessions:  h.registry.SessionCount(id),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func channelLocation(id realtime.ChannelID) string {
	return "/api/channels/" + strconv.FormatInt(int64(id), 10)
}
