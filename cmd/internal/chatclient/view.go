package chatclient

import (
	"slices"
	"sync"
	"time"

	v1 "chatroomz/shared/contracts/realtime/v1"

	"github.com/samber/lo"
)

// View is the client-side model of one channel: the message history and the
// roster, built from an initial read and then from live events.
//
// Messages are keyed by client message id, so a message shown optimistically
// by AppendLocal is replaced, not duplicated, when the broadcast arrives.
type View struct {
	mu        sync.Mutex
	channelID int64
	self      string
	roster    []string
	history   []v1.Message
	index     map[string]int
	local     map[string]struct{}
}

// NewView returns an empty view.
func NewView() *View {
	return &View{index: make(map[string]int), local: make(map[string]struct{})}
}

// Seed resets the view to channelID with the history read from the server.
// Events of other channels are ignored afterwards.
func (v *View) Seed(channelID int64, history []v1.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.channelID = channelID
	v.self = ""
	v.roster = nil
	v.history = nil
	v.index = make(map[string]int, len(history))
	for _, m := range history {
		v.upsertLocked(m)
	}
}

// Apply folds an event into the view and reports whether anything changed.
func (v *View) Apply(e Event) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if e.ChannelID != v.channelID {
		return false
	}

	switch e.Kind {
	case EventJoined:
		v.self = e.ChatterName
		v.roster = slices.Clone(e.Roster)
		return true

	case EventPeerJoined:
		if lo.Contains(v.roster, e.ChatterName) {
			return false
		}
		v.roster = append(v.roster, e.ChatterName)
		return true

	case EventPeerLeft:
		if !lo.Contains(v.roster, e.ChatterName) {
			return false
		}
		v.roster = lo.Without(v.roster, e.ChatterName)
		return true

	case EventMessage:
		changed := v.upsertLocked(e.Message)
		if !lo.Contains(v.roster, e.Message.SenderName) {
			v.roster = append(v.roster, e.Message.SenderName)
			changed = true
		}
		return changed

	case EventHistory:
		changed := false
		for _, m := range e.History {
			if v.upsertLocked(m) {
				changed = true
			}
		}
		return changed
	}
	return false
}

// AppendLocal shows a message before the server confirms it. It has Seq 0
// until the broadcast replaces it.
func (v *View) AppendLocal(clientMsgID, sender, text string, now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.local[clientMsgID] = struct{}{}
	v.upsertLocked(v1.Message{
		ChannelID:   v.channelID,
		ClientMsgID: clientMsgID,
		SenderName:  sender,
		Text:        text,
		SentAt:      now,
	})
}

// upsertLocked inserts m or replaces a pending local copy. It reports whether
// the history changed.
func (v *View) upsertLocked(m v1.Message) bool {
	key := m.ClientMsgID
	if key == "" {
		key = m.ServerMsgID
	}
	if i, ok := v.index[key]; ok {
		if v.history[i].Seq != 0 || m.Seq == 0 {
			return false
		}
		v.history[i] = m
		return true
	}
	v.index[key] = len(v.history)
	v.history = append(v.history, m)
	return true
}

// IsLocal reports whether clientMsgID was added by AppendLocal.
func (v *View) IsLocal(clientMsgID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.local[clientMsgID]
	return ok
}

// ChannelID returns the channel the view shows.
func (v *View) ChannelID() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.channelID
}

// Self returns the chatter name confirmed by the last join.
func (v *View) Self() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.self
}

// Roster returns a copy of the roster.
func (v *View) Roster() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.roster)
}

// History returns a copy of the history in display order.
func (v *View) History() []v1.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.history)
}
