package realtime

import (
	"errors"
	"fmt"
	"sync"
)

// SessionState is the lifecycle state of one connection's channel session.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateJoined
	StateLeaving
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// errJoinEchoDropped means the channel_joined snapshot could not be queued, so
// the client would never learn its roster.
var errJoinEchoDropped = errors.New("join snapshot not delivered")

// Session drives one connection through
// Disconnected -> Connecting -> Joined -> Leaving -> Disconnected.
//
// A connection holds at most one channel membership. All transitions are
// serialised by mu, and every successful Join is paired with exactly one
// registry Leave however leave, navigation and disconnect race.
type Session struct {
	registry *Registry
	client   *Client
	observe  func(from, to SessionState)

	mu          sync.Mutex
	state       SessionState
	closed      bool
	channelID   ChannelID
	chatterName string
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithTransitionHook registers fn to be called (under the session lock) on every state change.
func WithTransitionHook(fn func(from, to SessionState)) SessionOption {
	return func(s *Session) { s.observe = fn }
}

// NewSession returns a Disconnected session for client.
func NewSession(registry *Registry, client *Client, opts ...SessionOption) *Session {
	s := &Session{registry: registry, client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the joined channel and chatter name, if any.
func (s *Session) Current() (ChannelID, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateJoined {
		return 0, "", false
	}
	return s.channelID, s.chatterName, true
}

func (s *Session) setLocked(to SessionState) {
	from := s.state
	s.state = to
	if s.observe != nil && from != to {
		s.observe(from, to)
	}
}

// Connect moves a Disconnected session to Connecting. It is a no-op when the
// session is already Connecting.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	switch s.state {
	case StateDisconnected:
		s.setLocked(StateConnecting)
		return nil
	case StateConnecting:
		return nil
	default:
		return fmt.Errorf("%w: connect from %s", ErrInvalidTransition, s.state)
	}
}

// Fail records a transport failure. A joined session is left first. The
// returned TransportError is for the caller to surface; nothing is retried.
func (s *Session) Fail(cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateJoined {
		s.leaveLocked()
	}
	s.setLocked(StateDisconnected)
	return TransportError{ConnectionID: s.client.ConnectionID, Err: cause}
}

// Join enters channelID as chatterName.
//
// Joining the channel the session is already in under the same name only
// re-sends the roster snapshot. Joining another channel leaves the current one
// first.
func (s *Session) Join(channelID ChannelID, chatterName string) (JoinResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return JoinResult{}, ErrSessionClosed
	}
	if channelID <= 0 {
		return JoinResult{}, invalid("channel_id", "must be positive")
	}
	if _, err := NormalizeChatterName(chatterName); err != nil {
		return JoinResult{}, err
	}

	switch s.state {
	case StateConnecting:
	case StateJoined:
		if s.channelID != channelID {
			s.leaveLocked()
			s.setLocked(StateConnecting)
		}
	default:
		return JoinResult{}, fmt.Errorf("%w: join from %s", ErrInvalidTransition, s.state)
	}

	res, err := s.registry.Join(channelID, chatterName, s.client)
	if err != nil {
		return JoinResult{}, err
	}
	if !res.Delivered {
		s.registry.Leave(channelID, s.client.ConnectionID)
		s.setLocked(StateConnecting)
		return JoinResult{}, TransportError{ConnectionID: s.client.ConnectionID, Err: errJoinEchoDropped}
	}

	s.channelID = res.ChannelID
	s.chatterName = res.ChatterName
	s.setLocked(StateJoined)
	return res, nil
}

// Leave leaves the current channel. It returns Found=false when the session
// was not joined, so repeated calls are harmless.
func (s *Session) Leave() LeaveResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateJoined {
		return LeaveResult{}
	}
	res := s.leaveLocked()
	s.setLocked(StateDisconnected)
	return res
}

func (s *Session) leaveLocked() LeaveResult {
	s.setLocked(StateLeaving)
	res := s.registry.Leave(s.channelID, s.client.ConnectionID)
	s.channelID = 0
	s.chatterName = ""
	return res
}

// Close ends the session for good. Any current membership is left exactly
// once; later Join or Connect calls fail with ErrSessionClosed.
func (s *Session) Close() LeaveResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return LeaveResult{}
	}
	s.closed = true

	var res LeaveResult
	if s.state == StateJoined {
		res = s.leaveLocked()
	}
	s.setLocked(StateDisconnected)
	return res
}
