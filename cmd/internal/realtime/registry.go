package realtime

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Registry is the connection registry: the owned mapping from channel id to
// the live sessions and roster of that channel.
//
// The registry lock only guards the channel map. Join, Leave and fan-out for a
// channel serialise on that channel's own lock, so unrelated channels never
// contend and no network I/O happens under any lock.
type Registry struct {
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu       sync.RWMutex
	channels map[ChannelID]*channelPresence
}

// NewRegistry constructs an empty Registry. metrics may be nil.
func NewRegistry(log *slog.Logger, metrics *Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
		channels: make(map[ChannelID]*channelPresence),
	}
}

// channel returns the presence state for id, creating an empty one on first use.
func (r *Registry) channel(id ChannelID) *channelPresence {
	r.mu.RLock()
	c, ok := r.channels[id]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.channels[id]; ok {
		return c
	}
	c = newChannelPresence(id)
	r.channels[id] = c
	return c
}

func (r *Registry) lookup(id ChannelID) (*channelPresence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[id]
	return c, ok
}

// NormalizeChatterName trims name and checks it is a usable display name.
func NormalizeChatterName(name string) (string, error) {
	return normalizeName("chatter_name", name)
}

func normalizeName(field, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", invalid(field, "required")
	}
	if utf8.RuneCountInString(name) > maxChatterNameChars {
		return "", invalid(field, "too long")
	}
	return name, nil
}

// Join records a session of client in channelID under chatterName.
//
// The joining client is queued a channel_joined snapshot of the roster taken
// atomically with the join, and every other session of the channel receives
// peer_joined when the name was not present before. A connection already
// joined under the same name only gets the snapshot again.
func (r *Registry) Join(channelID ChannelID, chatterName string, client *Client) (JoinResult, error) {
	if channelID <= 0 {
		return JoinResult{}, invalid("channel_id", "must be positive")
	}
	name, err := NormalizeChatterName(chatterName)
	if err != nil {
		return JoinResult{}, err
	}
	if client == nil || client.ConnectionID == "" {
		return JoinResult{}, invalid("connection_id", "required")
	}

	res, replaced := r.channel(channelID).join(name, client, r.now())
	if replaced != nil {
		r.recordLeave(*replaced, client.ConnectionID)
	}

	if !res.Rejoined {
		r.metrics.sessionAdded()
	}
	if res.NewlyAdded {
		r.metrics.presence(presenceJoined)
	}
	r.metrics.dropped(res.Dropped)

	r.log.Debug("registry.join",
		"channel_id", int64(channelID),
		"connection_id", client.ConnectionID,
		"chatter_name", name,
		"newly_added", res.NewlyAdded,
		"rejoined", res.Rejoined,
		"roster_size", len(res.Roster),
	)
	if !res.Delivered {
		r.log.Warn("registry.join.echo_dropped",
			"channel_id", int64(channelID),
			"connection_id", client.ConnectionID,
		)
	}
	return res, nil
}

// Leave removes the session of connectionID from channelID. Unknown sessions
// are a no-op and report Found=false.
func (r *Registry) Leave(channelID ChannelID, connectionID string) LeaveResult {
	c, ok := r.lookup(channelID)
	if !ok {
		return LeaveResult{ChannelID: channelID}
	}
	res := c.leave(connectionID, r.now())
	r.recordLeave(res, connectionID)
	return res
}

func (r *Registry) recordLeave(res LeaveResult, connectionID string) {
	if !res.Found {
		return
	}
	r.metrics.sessionRemoved()
	if res.FullyLeft {
		r.metrics.presence(presenceLeft)
	}
	r.metrics.dropped(res.Dropped)

	r.log.Debug("registry.leave",
		"channel_id", int64(res.ChannelID),
		"connection_id", connectionID,
		"chatter_name", res.ChatterName,
		"fully_left", res.FullyLeft,
	)
}

// RosterOf returns a snapshot of the channel roster in insertion order.
func (r *Registry) RosterOf(channelID ChannelID) []string {
	c, ok := r.lookup(channelID)
	if !ok {
		return []string{}
	}
	roster, _ := c.snapshot()
	return roster
}

// SessionCount returns the number of live sessions in channelID.
func (r *Registry) SessionCount(channelID ChannelID) int {
	c, ok := r.lookup(channelID)
	if !ok {
		return 0
	}
	_, n := c.snapshot()
	return n
}

// HasSession reports whether connectionID currently has a session in channelID.
func (r *Registry) HasSession(channelID ChannelID, connectionID string) bool {
	c, ok := r.lookup(channelID)
	if !ok {
		return false
	}
	return c.hasSession(connectionID)
}

// EnsureChatter adds name to the roster without a live session and reports
// whether the roster changed. The name stays until a session using it joins
// and later fully leaves.
func (r *Registry) EnsureChatter(channelID ChannelID, name string) bool {
	return r.channel(channelID).ensure(name)
}

// Channels returns the ids of channels the registry has seen, ascending.
func (r *Registry) Channels() []ChannelID {
	r.mu.RLock()
	ids := make([]ChannelID, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// publish fans a persisted message out to the channel. It reports whether the
// sender had to be added to the roster.
func (r *Registry) publish(m Message) bool {
	added, dropped := r.channel(m.ChannelID).publish(m, r.now())
	r.metrics.dropped(dropped)
	if dropped > 0 {
		r.log.Warn("registry.publish.dropped",
			"channel_id", int64(m.ChannelID),
			"server_msg_id", m.ServerMsgID,
			"dropped", dropped,
		)
	}
	return added
}
