package realtime

import (
	"encoding/json"
	"time"

	v1 "chatroomz/shared/contracts/realtime/v1"
)

// Presence event kinds, used as metric labels and log values.
const (
	presenceJoined = "joined"
	presenceLeft   = "left"
)

func newEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	raw, _ := json.Marshal(payload)
	return v1.New(typ, NewEnvelopeID(ts), ts, raw)
}

func channelJoinedEnvelope(channelID ChannelID, name string, roster []string, ts time.Time) v1.Envelope {
	if roster == nil {
		roster = []string{}
	}
	return newEnvelope(v1.TypeChannelJoined, v1.ChannelJoinedPayload{
		ChannelID:   int64(channelID),
		ChatterName: name,
		Roster:      roster,
	}, ts)
}

func peerJoinedEnvelope(channelID ChannelID, name string, ts time.Time) v1.Envelope {
	return newEnvelope(v1.TypePeerJoined, v1.PresencePayload{ChannelID: int64(channelID), ChatterName: name}, ts)
}

func peerLeftEnvelope(channelID ChannelID, name string, ts time.Time) v1.Envelope {
	return newEnvelope(v1.TypePeerLeft, v1.PresencePayload{ChannelID: int64(channelID), ChatterName: name}, ts)
}

func messageReceivedEnvelope(m Message, senderAdded bool, ts time.Time) v1.Envelope {
	return newEnvelope(v1.TypeMessageReceived, v1.MessageReceivedPayload{
		ChannelID:   int64(m.ChannelID),
		Message:     ToWireMessage(m),
		SenderAdded: senderAdded,
	}, ts)
}

// ToWireMessage converts a stored message to its protocol form.
func ToWireMessage(m Message) v1.Message {
	return v1.Message{
		ChannelID:   int64(m.ChannelID),
		ClientMsgID: m.ClientMsgID,
		ServerMsgID: m.ServerMsgID,
		Seq:         m.Seq,
		SenderName:  m.SenderName,
		Text:        m.Text,
		SentAt:      m.SentAt,
	}
}

// fanoutLocked delivers env to every session of the channel except the
// connection named by except. The caller holds c.mu, which is what makes each
// peer observe one channel's events in registry order. It returns the number of
// dropped deliveries.
func (c *channelPresence) fanoutLocked(env v1.Envelope, except string) int {
	dropped := 0
	for id, m := range c.sessions {
		if id == except || m == nil || m.client == nil {
			continue
		}
		if !m.client.deliver(env) {
			dropped++
		}
	}
	return dropped
}
