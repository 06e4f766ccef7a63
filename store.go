package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/golang/glog"
)

// Cursor is an opaque resume point for LoadMessages.
type Cursor []byte

// Store is the durable persistence collaborator. The engine treats writes
// as crash-atomic per row and re-derives all in-memory DAG/CRDT state from
// persisted rows on startup. In-memory state is only mutated after the
// corresponding write succeeds.
type Store interface {
	StoreMessage(ctx context.Context, message *Message) error
	// LoadMessages returns up to limit messages of the channel in storage
	// order, resuming after the cursor. A nil cursor starts from the
	// beginning; limit <= 0 means no limit. The returned cursor is nil
	// when the channel is exhausted.
	LoadMessages(ctx context.Context, channelId ChannelId, after Cursor, limit int) ([]*Message, Cursor, error)
	StoreChannelSnapshot(ctx context.Context, channelId ChannelId, blob []byte) error
	LoadChannelSnapshot(ctx context.Context, channelId ChannelId) ([]byte, error)
	ChannelIds(ctx context.Context) ([]ChannelId, error)
	StoreClock(ctx context.Context, peerId PeerId, clock VectorClock, lamport uint64) error
	LoadClock(ctx context.Context, peerId PeerId) (VectorClock, uint64, error)
	Close() error
}

// ErrNotFound is returned by Load* when no row exists.
var ErrNotFound = errors.New("not found")

// Key layout. Message keys embed the padded Lamport timestamp so storage
// order is compatible with causality within one author and stable across
// restarts.
//
//	msg/<channel>/<lamport %020d>/<message id>
//	chan/<channel>
//	clock/<peer>
func messageKey(channelId ChannelId, lamport uint64, messageId MessageId) []byte {
	return []byte(fmt.Sprintf("msg/%s/%020d/%s", channelId, lamport, messageId))
}

func messagePrefix(channelId ChannelId) []byte {
	return []byte(fmt.Sprintf("msg/%s/", channelId))
}

func channelKey(channelId ChannelId) []byte {
	return []byte(fmt.Sprintf("chan/%s", channelId))
}

func clockKey(peerId PeerId) []byte {
	return []byte(fmt.Sprintf("clock/%s", peerId))
}

// prefixUpperBound returns the smallest key greater than every key with the
// prefix.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte{}, prefix...)
	for i := len(upper) - 1; 0 <= i; i -= 1 {
		upper[i] += 1
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}

type clockRow struct {
	Clock   VectorClock `json:"clock"`
	Lamport uint64      `json:"lamport"`
}

// PebbleStore is the reference Store on a local pebble database.
type PebbleStore struct {
	db *pebble.DB
}

func OpenPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	glog.Infof("[store]opened %s\n", path)
	return &PebbleStore{
		db: db,
	}, nil
}

func (self *PebbleStore) Close() error {
	return self.db.Close()
}

func (self *PebbleStore) StoreMessage(ctx context.Context, message *Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	key := messageKey(message.ChannelId, message.LamportTimestamp, message.Id)
	return self.db.Set(key, data, pebble.Sync)
}

func (self *PebbleStore) LoadMessages(ctx context.Context, channelId ChannelId, after Cursor, limit int) ([]*Message, Cursor, error) {
	prefix := messagePrefix(channelId)
	lower := prefix
	if after != nil {
		lower = prefixUpperBound(after)
	}
	iter, err := self.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, nil, err
	}
	defer iter.Close()

	messages := []*Message{}
	var last Cursor
	for iter.First(); iter.Valid(); iter.Next() {
		message := &Message{}
		if err := json.Unmarshal(iter.Value(), message); err != nil {
			// a row the engine cannot parse is a local fault, not remote input
			return nil, nil, fmt.Errorf("corrupt message row %q: %w", iter.Key(), err)
		}
		messages = append(messages, message)
		last = append(Cursor{}, iter.Key()...)
		if 0 < limit && limit <= len(messages) {
			return messages, last, nil
		}
	}
	if err := iter.Error(); err != nil {
		return nil, nil, err
	}
	return messages, nil, nil
}

func (self *PebbleStore) StoreChannelSnapshot(ctx context.Context, channelId ChannelId, blob []byte) error {
	return self.db.Set(channelKey(channelId), blob, pebble.Sync)
}

func (self *PebbleStore) LoadChannelSnapshot(ctx context.Context, channelId ChannelId) ([]byte, error) {
	value, closer, err := self.db.Get(channelKey(channelId))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	blob := append([]byte{}, value...)
	return blob, nil
}

func (self *PebbleStore) ChannelIds(ctx context.Context) ([]ChannelId, error) {
	prefix := []byte("chan/")
	iter, err := self.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	channelIds := []ChannelId{}
	for iter.First(); iter.Valid(); iter.Next() {
		channelId, err := ParseId(string(iter.Key()[len(prefix):]))
		if err != nil {
			return nil, fmt.Errorf("corrupt channel key %q: %w", iter.Key(), err)
		}
		channelIds = append(channelIds, channelId)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return channelIds, nil
}

func (self *PebbleStore) StoreClock(ctx context.Context, peerId PeerId, clock VectorClock, lamport uint64) error {
	data, err := json.Marshal(&clockRow{
		Clock:   clock,
		Lamport: lamport,
	})
	if err != nil {
		return err
	}
	return self.db.Set(clockKey(peerId), data, pebble.Sync)
}

func (self *PebbleStore) LoadClock(ctx context.Context, peerId PeerId) (VectorClock, uint64, error) {
	value, closer, err := self.db.Get(clockKey(peerId))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	defer closer.Close()
	row := &clockRow{}
	if err := json.Unmarshal(value, row); err != nil {
		return nil, 0, fmt.Errorf("corrupt clock row: %w", err)
	}
	return row.Clock, row.Lamport, nil
}
