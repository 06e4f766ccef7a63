package engine

import (
	"errors"
	"fmt"
	"time"
)

// Message is immutable once created. It is owned by the MessageDAG after
// admission and is never mutated, only superseded by new messages.
type Message struct {
	Id               MessageId   `json:"id"`
	ChannelId        ChannelId   `json:"channel_id"`
	Author           PeerId      `json:"author"`
	Content          string      `json:"content"`
	VectorClock      VectorClock `json:"vector_clock"`
	LamportTimestamp uint64      `json:"lamport_timestamp"`
	ParentHashes     []MessageId `json:"parent_hashes"`
	CreatedAt        time.Time   `json:"created_at"`

	// set when the message carries a channel CRDT change (membership or
	// name). The delta is applied when the message is causally delivered,
	// which orders channel changes the same way as chat history.
	Delta *ChannelDelta `json:"delta,omitempty"`
}

var errClockRegression = errors.New("vector clock entry regressed")

// Validate applies the structural and clock invariants that every message
// must satisfy before it may touch engine state. Remote messages that fail
// here are rejected without tearing down the connection.
func (self *Message) Validate() error {
	if self.Id.IsZero() {
		return errors.New("message id missing")
	}
	if self.ChannelId.IsZero() {
		return errors.New("channel id missing")
	}
	if self.Author.IsZero() {
		return errors.New("author missing")
	}
	if self.LamportTimestamp == 0 {
		return errors.New("lamport timestamp missing")
	}
	// the author increments its own entry before sending, so a message that
	// carries no progress for its own author violates the clock invariant
	if self.VectorClock.Get(self.Author) == 0 {
		return fmt.Errorf("%w: author entry is zero", errClockRegression)
	}
	seen := map[MessageId]bool{}
	for _, parentId := range self.ParentHashes {
		if parentId.IsZero() {
			return errors.New("zero parent id")
		}
		if parentId == self.Id {
			return errors.New("message is its own parent")
		}
		if seen[parentId] {
			return errors.New("duplicate parent id")
		}
		seen[parentId] = true
	}
	if self.Delta != nil {
		if self.Delta.ChannelId != self.ChannelId {
			return errors.New("delta channel does not match message channel")
		}
		if err := self.Delta.Validate(); err != nil {
			return err
		}
	}
	return nil
}
