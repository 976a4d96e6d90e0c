package realtime

import (
	"sync"
	"time"

	"github.com/samber/lo"
)

// channelPresence is the per-channel slice of the connection registry:
// the live sessions, the insertion-ordered roster and the fan-out to members.
//
// Invariants (under mu):
//   - sessions holds at most one member per connection id.
//   - live[name] is the number of sessions using name; entries are never zero.
//   - a name is in roster iff live[name] > 0 or it is pinned in implicit.
//   - implicit names have no live session; they were added because they posted.
type channelPresence struct {
	id ChannelID

	mu       sync.Mutex
	sessions map[string]*member
	roster   []string
	live     map[string]int
	implicit map[string]struct{}
}

type member struct {
	client *Client
	name   string
}

func newChannelPresence(id ChannelID) *channelPresence {
	return &channelPresence{
		id:       id,
		sessions: make(map[string]*member),
		live:     make(map[string]int),
		implicit: make(map[string]struct{}),
	}
}

// JoinResult describes the outcome of Registry.Join.
type JoinResult struct {
	ChannelID   ChannelID
	ChatterName string
	// NewlyAdded is true when the name was not in the roster before; only then is
	// peer_joined fanned out.
	NewlyAdded bool
	// Rejoined is true when this connection already had this exact session.
	Rejoined bool
	// Roster is the snapshot taken atomically with the join.
	Roster []string
	// Delivered is false when the channel_joined echo could not be queued.
	Delivered bool
	// Dropped counts peers that missed the peer_joined event.
	Dropped int
}

// LeaveResult describes the outcome of Registry.Leave.
type LeaveResult struct {
	ChannelID   ChannelID
	ChatterName string
	// Found is false when the connection had no session (duplicate or late disconnect).
	Found bool
	// FullyLeft is true when no other session keeps the name in the roster.
	FullyLeft bool
	Dropped   int
}

func (c *channelPresence) join(name string, client *Client, now time.Time) (JoinResult, *LeaveResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var replaced *LeaveResult
	if cur, ok := c.sessions[client.ConnectionID]; ok {
		if cur.name == name {
			res := JoinResult{
				ChannelID:   c.id,
				ChatterName: name,
				Rejoined:    true,
				Roster:      c.rosterLocked(),
			}
			res.Delivered = client.deliver(channelJoinedEnvelope(c.id, name, res.Roster, now))
			return res, nil
		}
		// Same connection, new name: the old session goes first.
		lr := c.leaveLocked(client.ConnectionID, now)
		replaced = &lr
	}

	c.sessions[client.ConnectionID] = &member{client: client, name: name}
	c.live[name]++

	newly := false
	if c.live[name] == 1 {
		if _, pinned := c.implicit[name]; pinned {
			delete(c.implicit, name)
		} else {
			c.roster = append(c.roster, name)
			newly = true
		}
	}

	res := JoinResult{
		ChannelID:   c.id,
		ChatterName: name,
		NewlyAdded:  newly,
		Roster:      c.rosterLocked(),
	}
	res.Delivered = client.deliver(channelJoinedEnvelope(c.id, name, res.Roster, now))
	if newly {
		res.Dropped = c.fanoutLocked(peerJoinedEnvelope(c.id, name, now), client.ConnectionID)
	}
	return res, replaced
}

func (c *channelPresence) leave(connectionID string, now time.Time) LeaveResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaveLocked(connectionID, now)
}

func (c *channelPresence) leaveLocked(connectionID string, now time.Time) LeaveResult {
	res := LeaveResult{ChannelID: c.id}

	m, ok := c.sessions[connectionID]
	if !ok {
		return res
	}
	delete(c.sessions, connectionID)

	res.Found = true
	res.ChatterName = m.name

	c.live[m.name]--
	if c.live[m.name] > 0 {
		return res
	}
	delete(c.live, m.name)
	c.roster = lo.Without(c.roster, m.name)
	res.FullyLeft = true
	res.Dropped = c.fanoutLocked(peerLeftEnvelope(c.id, m.name, now), "")
	return res
}

// ensureLocked adds name to the roster without a session. It reports whether
// the roster changed.
func (c *channelPresence) ensureLocked(name string) bool {
	if lo.Contains(c.roster, name) {
		return false
	}
	c.roster = append(c.roster, name)
	c.implicit[name] = struct{}{}
	return true
}

func (c *channelPresence) ensure(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureLocked(name)
}

// publish fans a persisted message out to every session, the sender's own
// connections included, after making sure the sender is on the roster.
func (c *channelPresence) publish(m Message, now time.Time) (senderAdded bool, dropped int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	senderAdded = c.ensureLocked(m.SenderName)
	dropped = c.fanoutLocked(messageReceivedEnvelope(m, senderAdded, now), "")
	return senderAdded, dropped
}

func (c *channelPresence) rosterLocked() []string {
	return append([]string{}, c.roster...)
}

func (c *channelPresence) snapshot() ([]string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rosterLocked(), len(c.sessions)
}

func (c *channelPresence) hasSession(connectionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[connectionID]
	return ok
}
