package engine

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestFrameRoundTrip(t *testing.T) {
	channelId := NewId()
	author := NewId()
	message := &Message{
		Id:               NewId(),
		ChannelId:        channelId,
		Author:           author,
		Content:          "hello",
		VectorClock:      VectorClock{author: 3},
		LamportTimestamp: 3,
		ParentHashes:     []MessageId{NewId()},
		CreatedAt:        time.Now().UTC(),
	}

	b, err := EncodeFrame(&NewMessagePayload{Message: message})
	assert.Equal(t, nil, err)

	body, err := DecodeFrame(b)
	assert.Equal(t, nil, err)
	decoded := body.(*NewMessagePayload).Message
	assert.Equal(t, message.Id, decoded.Id)
	assert.Equal(t, message.Content, decoded.Content)
	assert.Equal(t, message.VectorClock, decoded.VectorClock)
	assert.Equal(t, message.ParentHashes, decoded.ParentHashes)
}

func TestFrameRoundTripDigest(t *testing.T) {
	channelId := NewId()
	peer := NewId()
	digest := &DigestPayload{
		Channels: []*ChannelDigest{
			{
				ChannelId:  channelId,
				Frontier:   VectorClock{peer: 7},
				MessageIds: []MessageId{NewId(), NewId()},
				State: &StateSummary{
					AddTags:     2,
					NameLamport: 5,
					NameWriter:  peer,
				},
			},
		},
	}

	b, err := EncodeFrame(digest)
	assert.Equal(t, nil, err)
	body, err := DecodeFrame(b)
	assert.Equal(t, nil, err)
	decoded := body.(*DigestPayload)
	assert.Equal(t, 1, len(decoded.Channels))
	assert.Equal(t, *digest.Channels[0].State, *decoded.Channels[0].State)
	assert.Equal(t, uint64(7), decoded.Channels[0].Frontier.Get(peer))
}

func TestDecodeFrameRejectsMalformed(t *testing.T) {
	_, err := DecodeFrame([]byte("not json"))
	assert.NotEqual(t, nil, err)

	_, err = DecodeFrame([]byte(`{"type":"bogus","body":{}}`))
	assert.NotEqual(t, nil, err)

	// structurally valid json, semantically empty payload
	_, err = DecodeFrame([]byte(`{"type":"new_message","body":{}}`))
	assert.NotEqual(t, nil, err)

	_, err = DecodeFrame([]byte(`{"type":"repair_request","body":{"channel_id":"00000000-0000-0000-0000-000000000000","ids":[]}}`))
	assert.NotEqual(t, nil, err)
}

func TestChannelDeltaValidate(t *testing.T) {
	channelId := NewId()
	peer := NewId()

	empty := &ChannelDelta{ChannelId: channelId}
	assert.NotEqual(t, nil, empty.Validate())

	addWithoutTag := &ChannelDelta{
		ChannelId: channelId,
		Membership: &MembershipDelta{
			Op:   MembershipAdd,
			Peer: peer,
		},
	}
	assert.NotEqual(t, nil, addWithoutTag.Validate())

	removeWithoutTags := &ChannelDelta{
		ChannelId: channelId,
		Membership: &MembershipDelta{
			Op:   MembershipRemove,
			Peer: peer,
		},
	}
	assert.NotEqual(t, nil, removeWithoutTags.Validate())

	valid := &ChannelDelta{
		ChannelId: channelId,
		Membership: &MembershipDelta{
			Op:     MembershipAdd,
			Peer:   peer,
			AddTag: NewTag(),
		},
		Name: &NameDelta{
			Value:   "renamed",
			Lamport: 3,
			Writer:  peer,
		},
	}
	assert.Equal(t, nil, valid.Validate())
}

func TestMessageValidate(t *testing.T) {
	channelId := NewId()
	author := NewId()

	valid := testMessage(channelId, author, 1)
	assert.Equal(t, nil, valid.Validate())

	missingAuthorEntry := testMessage(channelId, author, 1)
	missingAuthorEntry.VectorClock = VectorClock{NewId(): 1}
	assert.NotEqual(t, nil, missingAuthorEntry.Validate())

	zeroLamport := testMessage(channelId, author, 1)
	zeroLamport.LamportTimestamp = 0
	assert.NotEqual(t, nil, zeroLamport.Validate())

	selfParent := testMessage(channelId, author, 1)
	selfParent.ParentHashes = []MessageId{selfParent.Id}
	assert.NotEqual(t, nil, selfParent.Validate())

	duplicateParent := testMessage(channelId, author, 1)
	parentId := NewId()
	duplicateParent.ParentHashes = []MessageId{parentId, parentId}
	assert.NotEqual(t, nil, duplicateParent.Validate())

	foreignDelta := testMessage(channelId, author, 1)
	foreignDelta.Delta = &ChannelDelta{
		ChannelId: NewId(),
		Name: &NameDelta{
			Value:   "x",
			Lamport: 1,
			Writer:  author,
		},
	}
	assert.NotEqual(t, nil, foreignDelta.Validate())

	withDelta := testMessage(channelId, author, 1)
	withDelta.Delta = &ChannelDelta{
		ChannelId: channelId,
		Name: &NameDelta{
			Value:   "x",
			Lamport: 1,
			Writer:  author,
		},
	}
	assert.Equal(t, nil, withDelta.Validate())
}
