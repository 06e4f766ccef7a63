package engine

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire payloads exchanged between peers. Everything here is remote-derived
// input: decode failures are structural errors that reject the payload and
// keep the connection up.

type FrameType string

const (
	FrameTypeNewMessage      FrameType = "new_message"
	FrameTypeChannelDelta    FrameType = "channel_delta"
	FrameTypeChannelAnnounce FrameType = "channel_announce"
	FrameTypeDigest          FrameType = "digest"
	FrameTypeRepairRequest   FrameType = "repair_request"
	FrameTypeRepairResponse  FrameType = "repair_response"
)

type Frame struct {
	Type FrameType       `json:"type"`
	Body json.RawMessage `json:"body"`
}

// NewMessagePayload pushes one previously-unseen message (rumor-mongering).
type NewMessagePayload struct {
	Message *Message `json:"message"`
}

type MembershipOp string

const (
	MembershipAdd    MembershipOp = "add"
	MembershipRemove MembershipOp = "remove"
)

type MembershipDelta struct {
	Op   MembershipOp `json:"op"`
	Peer PeerId       `json:"peer"`
	// tag of the add, for op=add
	AddTag Tag `json:"add_tag,omitempty"`
	// observed tags tombstoned by the remove, for op=remove
	RemovedTags []Tag `json:"removed_tags,omitempty"`
}

type NameDelta struct {
	Value   string `json:"value"`
	Lamport uint64 `json:"lamport"`
	Writer  PeerId `json:"writer"`
}

// ChannelDelta carries an incremental membership or name change.
type ChannelDelta struct {
	ChannelId  ChannelId        `json:"channel_id"`
	Membership *MembershipDelta `json:"membership,omitempty"`
	Name       *NameDelta       `json:"name,omitempty"`
}

// ChannelAnnouncePayload broadcasts full channel CRDT state, sent on local
// channel creation so peers learn the channel before any message arrives.
type ChannelAnnouncePayload struct {
	Snapshot *ChannelSnapshot `json:"snapshot"`
}

// ChannelDigest summarizes one channel's frontier for anti-entropy.
type ChannelDigest struct {
	ChannelId ChannelId `json:"channel_id"`
	// pointwise max of all delivered clocks
	Frontier VectorClock `json:"frontier"`
	// known delivered message ids
	MessageIds []MessageId `json:"message_ids"`
	// compact summary of the channel CRDT state
	State *StateSummary `json:"state,omitempty"`
}

// StateSummary detects channel CRDT divergence without shipping the full
// snapshot. Both the OR-Set and the tombstone set only grow, so differing
// counts mean differing state.
type StateSummary struct {
	AddTags     int    `json:"add_tags"`
	Tombstones  int    `json:"tombstones"`
	NameLamport uint64 `json:"name_lamport"`
	NameWriter  PeerId `json:"name_writer"`
}

// DigestPayload is the periodic anti-entropy advertisement. The receiver
// computes set differences in both directions: it responds with what the
// sender lacks and requests what it lacks itself.
type DigestPayload struct {
	Channels []*ChannelDigest `json:"channels"`
}

type RepairRequestPayload struct {
	ChannelId ChannelId   `json:"channel_id"`
	Ids       []MessageId `json:"ids"`
}

type RepairResponsePayload struct {
	ChannelId ChannelId       `json:"channel_id"`
	Messages  []*Message      `json:"messages,omitempty"`
	Deltas    []*ChannelDelta `json:"deltas,omitempty"`
	// full CRDT state, sent when the responder cannot express the
	// divergence as deltas
	Snapshot *ChannelSnapshot `json:"snapshot,omitempty"`
}

func (self *ChannelDelta) Validate() error {
	if self.ChannelId.IsZero() {
		return errors.New("channel id missing")
	}
	if self.Membership == nil && self.Name == nil {
		return errors.New("empty channel delta")
	}
	if self.Membership != nil {
		switch self.Membership.Op {
		case MembershipAdd:
			if self.Membership.Peer.IsZero() {
				return errors.New("membership add without peer")
			}
			if self.Membership.AddTag == (Tag{}) {
				return errors.New("membership add without tag")
			}
		case MembershipRemove:
			if len(self.Membership.RemovedTags) == 0 {
				return errors.New("membership remove without observed tags")
			}
		default:
			return fmt.Errorf("unknown membership op %q", self.Membership.Op)
		}
	}
	if self.Name != nil {
		if self.Name.Writer.IsZero() || self.Name.Lamport == 0 {
			return errors.New("name delta without writer stamp")
		}
	}
	return nil
}

func ToFrame(body any) (*Frame, error) {
	var frameType FrameType
	switch body.(type) {
	case *NewMessagePayload:
		frameType = FrameTypeNewMessage
	case *ChannelDelta:
		frameType = FrameTypeChannelDelta
	case *ChannelAnnouncePayload:
		frameType = FrameTypeChannelAnnounce
	case *DigestPayload:
		frameType = FrameTypeDigest
	case *RepairRequestPayload:
		frameType = FrameTypeRepairRequest
	case *RepairResponsePayload:
		frameType = FrameTypeRepairResponse
	default:
		return nil, fmt.Errorf("unknown payload type: %T", body)
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type: frameType,
		Body: b,
	}, nil
}

func RequireToFrame(body any) *Frame {
	frame, err := ToFrame(body)
	if err != nil {
		panic(err)
	}
	return frame
}

// FromFrame decodes and structurally validates a frame body.
func FromFrame(frame *Frame) (any, error) {
	var body any
	switch frame.Type {
	case FrameTypeNewMessage:
		body = &NewMessagePayload{}
	case FrameTypeChannelDelta:
		body = &ChannelDelta{}
	case FrameTypeChannelAnnounce:
		body = &ChannelAnnouncePayload{}
	case FrameTypeDigest:
		body = &DigestPayload{}
	case FrameTypeRepairRequest:
		body = &RepairRequestPayload{}
	case FrameTypeRepairResponse:
		body = &RepairResponsePayload{}
	default:
		return nil, fmt.Errorf("unknown frame type: %s", frame.Type)
	}
	if err := json.Unmarshal(frame.Body, body); err != nil {
		return nil, err
	}
	if err := validateBody(body); err != nil {
		return nil, err
	}
	return body, nil
}

func validateBody(body any) error {
	switch v := body.(type) {
	case *NewMessagePayload:
		if v.Message == nil {
			return errors.New("new message without message")
		}
		return v.Message.Validate()
	case *ChannelDelta:
		return v.Validate()
	case *ChannelAnnouncePayload:
		if v.Snapshot == nil {
			return errors.New("announce without snapshot")
		}
		return validateSnapshot(v.Snapshot)
	case *DigestPayload:
		for _, digest := range v.Channels {
			if digest == nil || digest.ChannelId.IsZero() {
				return errors.New("digest with missing channel id")
			}
		}
	case *RepairRequestPayload:
		if v.ChannelId.IsZero() {
			return errors.New("repair request without channel id")
		}
		if len(v.Ids) == 0 {
			return errors.New("repair request without ids")
		}
	case *RepairResponsePayload:
		if v.ChannelId.IsZero() {
			return errors.New("repair response without channel id")
		}
		for _, message := range v.Messages {
			if message == nil {
				return errors.New("repair response with nil message")
			}
			if err := message.Validate(); err != nil {
				return err
			}
		}
		for _, delta := range v.Deltas {
			if delta == nil {
				return errors.New("repair response with nil delta")
			}
			if err := delta.Validate(); err != nil {
				return err
			}
		}
		if v.Snapshot != nil {
			return validateSnapshot(v.Snapshot)
		}
	}
	return nil
}

func validateSnapshot(snapshot *ChannelSnapshot) error {
	if snapshot.Version != snapshotVersion {
		return fmt.Errorf("unsupported channel snapshot version %d", snapshot.Version)
	}
	if snapshot.ChannelId.IsZero() || snapshot.Members == nil || snapshot.Name == nil {
		return errors.New("incomplete channel snapshot")
	}
	return nil
}

func EncodeFrame(body any) ([]byte, error) {
	frame, err := ToFrame(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame)
}

func DecodeFrame(b []byte) (any, error) {
	frame := &Frame{}
	if err := json.Unmarshal(b, frame); err != nil {
		return nil, err
	}
	return FromFrame(frame)
}
