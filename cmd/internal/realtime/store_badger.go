package realtime

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const badgerMaxConflictRetries = 64

// BadgerStore is an embedded Repository backed by BadgerDB.
//
// Key layout:
//
//	ch:{channel_id:020d}                       -> channel JSON
//	cur:{channel_id:020d}                      -> next seq (uint64 big endian)
//	msg:{channel_id:020d}:{seq:020d}           -> message JSON
//	cmid:{channel_id:020d}:{client_msg_id}     -> seq (uint64 big endian)
//
// The zero-padded ids make prefix scans return channels and messages in order.
type BadgerStore struct {
	db  *badger.DB
	ids *badger.Sequence

	closeOnce sync.Once
	closeErr  error
}

// OpenBadgerStore opens (or creates) a badger database in dir.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("realtime: empty badger dir")
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, err
	}
	return NewBadgerStore(db)
}

// NewBadgerStore wraps an already open database. The store takes ownership of db.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, errors.New("realtime: nil badger db")
	}
	seq, err := db.GetSequence([]byte("seq:channel_ids"), 16)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db, ids: seq}, nil
}

// Close releases the id lease and closes the database (idempotent).
func (s *BadgerStore) Close() error {
	s.closeOnce.Do(func() {
		if err := s.ids.Release(); err != nil {
			s.closeErr = err
		}
		if err := s.db.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}

type badgerChannel struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type badgerMessage struct {
	ChannelID   int64     `json:"channel_id"`
	ClientMsgID string    `json:"client_msg_id"`
	ServerMsgID string    `json:"server_msg_id"`
	Seq         int64     `json:"seq"`
	SenderName  string    `json:"sender_name"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sent_at"`
}

func channelKey(id ChannelID) []byte { return []byte(fmt.Sprintf("ch:%020d", id)) }
func cursorKey(id ChannelID) []byte  { return []byte(fmt.Sprintf("cur:%020d", id)) }
func messagePrefix(id ChannelID) []byte {
	return []byte(fmt.Sprintf("msg:%020d:", id))
}
func messageKey(id ChannelID, seq int64) []byte {
	return []byte(fmt.Sprintf("msg:%020d:%020d", id, seq))
}
func clientMsgKey(id ChannelID, clientMsgID string) []byte {
	return []byte(fmt.Sprintf("cmid:%020d:%s", id, clientMsgID))
}

// CreateChannel allocates an id from the badger sequence and stores the channel.
func (s *BadgerStore) CreateChannel(ctx context.Context, name string, now time.Time) (Channel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Channel{}, invalid("name", "required")
	}
	if err := ctx.Err(); err != nil {
		return Channel{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	// Sequence starts at 0; channel ids start at 1.
	n, err := s.ids.Next()
	if err != nil {
		return Channel{}, err
	}
	ch := Channel{ID: ChannelID(n + 1), Name: name, CreatedAt: now}

	raw, err := json.Marshal(badgerChannel{ID: int64(ch.ID), Name: ch.Name, CreatedAt: ch.CreatedAt})
	if err != nil {
		return Channel{}, err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(channelKey(ch.ID), raw)
	})
	if err != nil {
		return Channel{}, err
	}
	return ch, nil
}

// ListChannels scans the ch: prefix.
func (s *BadgerStore) ListChannels(ctx context.Context) ([]Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []Channel
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("ch:")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var bc badgerChannel
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &bc) }); err != nil {
				return err
			}
			out = append(out, Channel{ID: ChannelID(bc.ID), Name: bc.Name, CreatedAt: bc.CreatedAt})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetChannel returns the channel metadata or ErrChannelNotFound.
func (s *BadgerStore) GetChannel(ctx context.Context, id ChannelID) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return Channel{}, err
	}

	var ch Channel
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		ch, err = readBadgerChannel(txn, id)
		return err
	})
	return ch, err
}

func readBadgerChannel(txn *badger.Txn, id ChannelID) (Channel, error) {
	item, err := txn.Get(channelKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Channel{}, ErrChannelNotFound
	}
	if err != nil {
		return Channel{}, err
	}
	var bc badgerChannel
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &bc) }); err != nil {
		return Channel{}, err
	}
	return Channel{ID: ChannelID(bc.ID), Name: bc.Name, CreatedAt: bc.CreatedAt}, nil
}

// AppendMessage appends a message in a single badger transaction.
// Concurrent appends to one channel collide on the cursor key; the loser retries.
func (s *BadgerStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if err := validateAppend(in); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	serverMsgID, err := NewServerMsgID(now)
	if err != nil {
		return AppendMessageResult{}, err
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return AppendMessageResult{}, err
		}

		var out AppendMessageResult
		err := s.db.Update(func(txn *badger.Txn) error {
			if _, err := readBadgerChannel(txn, in.ChannelID); err != nil {
				return err
			}

			if item, err := txn.Get(clientMsgKey(in.ChannelID, in.ClientMsgID)); err == nil {
				var seqRaw []byte
				if seqRaw, err = item.ValueCopy(nil); err != nil {
					return err
				}
				existing, err := readBadgerMessage(txn, in.ChannelID, int64(binary.BigEndian.Uint64(seqRaw)))
				if err != nil {
					return err
				}
				out = AppendMessageResult{Stored: existing, Duplicated: true}
				return nil
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			next := uint64(1)
			if item, err := txn.Get(cursorKey(in.ChannelID)); err == nil {
				raw, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				next = binary.BigEndian.Uint64(raw)
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			msg := Message{
				ChannelID:   in.ChannelID,
				ClientMsgID: in.ClientMsgID,
				ServerMsgID: serverMsgID,
				Seq:         int64(next),
				SenderName:  in.SenderName,
				Text:        in.Text,
				SentAt:      now,
			}
			raw, err := json.Marshal(toBadgerMessage(msg))
			if err != nil {
				return err
			}

			seqBuf := make([]byte, 8)
			binary.BigEndian.PutUint64(seqBuf, next)
			cursorBuf := make([]byte, 8)
			binary.BigEndian.PutUint64(cursorBuf, next+1)

			if err := txn.Set(messageKey(in.ChannelID, msg.Seq), raw); err != nil {
				return err
			}
			if err := txn.Set(clientMsgKey(in.ChannelID, in.ClientMsgID), seqBuf); err != nil {
				return err
			}
			if err := txn.Set(cursorKey(in.ChannelID), cursorBuf); err != nil {
				return err
			}
			out = AppendMessageResult{Stored: msg}
			return nil
		})
		if errors.Is(err, badger.ErrConflict) && attempt < badgerMaxConflictRetries {
			continue
		}
		if err != nil {
			return AppendMessageResult{}, err
		}
		return out, nil
	}
}

func readBadgerMessage(txn *badger.Txn, id ChannelID, seq int64) (Message, error) {
	item, err := txn.Get(messageKey(id, seq))
	if err != nil {
		return Message{}, err
	}
	var bm badgerMessage
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &bm) }); err != nil {
		return Message{}, err
	}
	return fromBadgerMessage(bm), nil
}

// FetchHistory returns messages ordered by seq ASC, with optional paging by AfterSeq.
func (s *BadgerStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if in.ChannelID <= 0 {
		return FetchHistoryResult{}, invalid("channel_id", "must be positive")
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)

	var out FetchHistoryResult
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := readBadgerChannel(txn, in.ChannelID); err != nil {
			return err
		}

		prefix := messagePrefix(in.ChannelID)
		seek := prefix
		if in.AfterSeq != nil {
			if *in.AfterSeq == math.MaxInt64 {
				return nil
			}
			seek = messageKey(in.ChannelID, max(*in.AfterSeq, 0)+1)
		}

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if len(out.Messages) == limit {
				out.HasMore = true
				return nil
			}
			var bm badgerMessage
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &bm) }); err != nil {
				return err
			}
			out.Messages = append(out.Messages, fromBadgerMessage(bm))
		}
		return nil
	})
	if err != nil {
		return FetchHistoryResult{}, err
	}
	return out, nil
}

func toBadgerMessage(m Message) badgerMessage {
	return badgerMessage{
		ChannelID:   int64(m.ChannelID),
		ClientMsgID: m.ClientMsgID,
		ServerMsgID: m.ServerMsgID,
		Seq:         m.Seq,
		SenderName:  m.SenderName,
		Text:        m.Text,
		SentAt:      m.SentAt,
	}
}

func fromBadgerMessage(bm badgerMessage) Message {
	return Message{
		ChannelID:   ChannelID(bm.ChannelID),
		ClientMsgID: bm.ClientMsgID,
		ServerMsgID: bm.ServerMsgID,
		Seq:         bm.Seq,
		SenderName:  bm.SenderName,
		Text:        bm.Text,
		SentAt:      bm.SentAt,
	}
}

var _ Repository = (*BadgerStore)(nil)
