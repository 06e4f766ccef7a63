package engine

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testMessage(channelId ChannelId, author PeerId, lamport uint64, parents ...MessageId) *Message {
	return &Message{
		Id:               NewId(),
		ChannelId:        channelId,
		Author:           author,
		Content:          fmt.Sprintf("m%d", lamport),
		VectorClock:      VectorClock{author: lamport},
		LamportTimestamp: lamport,
		ParentHashes:     parents,
		CreatedAt:        time.Now().UTC(),
	}
}

func TestDagChainDelivery(t *testing.T) {
	channelId := NewId()
	author := NewId()
	dag := NewMessageDAG(DefaultDagSettings())

	m1 := testMessage(channelId, author, 1)
	m2 := testMessage(channelId, author, 2, m1.Id)

	result, err := dag.Admit(m1, PeerId{}, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, AdmitDelivered, result.Outcome)
	assert.Equal(t, 1, len(result.Delivered))

	result, err = dag.Admit(m2, PeerId{}, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, AdmitDelivered, result.Outcome)

	assert.Equal(t, 2, dag.ChannelMessageCount(channelId))
	assert.Equal(t, []MessageId{m2.Id}, dag.Frontier(channelId))
}

func TestDagDuplicate(t *testing.T) {
	channelId := NewId()
	author := NewId()
	dag := NewMessageDAG(DefaultDagSettings())

	m1 := testMessage(channelId, author, 1)
	dag.Admit(m1, PeerId{}, nil)

	result, err := dag.Admit(m1, PeerId{}, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, AdmitDuplicate, result.Outcome)
	assert.Equal(t, 1, dag.ChannelMessageCount(channelId))
}

func TestDagGapBufferThenDeliver(t *testing.T) {
	channelId := NewId()
	author := NewId()
	origin := NewId()
	dag := NewMessageDAG(DefaultDagSettings())

	m1 := testMessage(channelId, author, 1)
	m2 := testMessage(channelId, author, 2, m1.Id)
	m3 := testMessage(channelId, author, 3, m2.Id)

	dag.Admit(m1, origin, nil)

	// m3 arrives before m2: buffered, not delivered
	result, err := dag.Admit(m3, origin, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, AdmitBuffered, result.Outcome)
	assert.Equal(t, []MessageId{m2.Id}, result.MissingParents)
	assert.Equal(t, 1, dag.PendingCount())
	assert.Equal(t, 1, dag.ChannelMessageCount(channelId))

	// a buffered message re-announced is a duplicate
	result, _ = dag.Admit(m3, origin, nil)
	assert.Equal(t, AdmitDuplicate, result.Outcome)

	// the gap fills: m2 delivers and unblocks m3, in causal order
	delivered := []MessageId{}
	result, err = dag.Admit(m2, origin, func(message *Message) error {
		delivered = append(delivered, message.Id)
		return nil
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, AdmitDelivered, result.Outcome)
	assert.Equal(t, []MessageId{m2.Id, m3.Id}, delivered)
	assert.Equal(t, 0, dag.PendingCount())
	assert.Equal(t, []MessageId{m3.Id}, dag.Frontier(channelId))
}

func TestDagDeliverFailureIsRetryable(t *testing.T) {
	channelId := NewId()
	author := NewId()
	dag := NewMessageDAG(DefaultDagSettings())

	m1 := testMessage(channelId, author, 1)
	m2 := testMessage(channelId, author, 2, m1.Id)

	// m2 arrives first and buffers on the missing m1
	dag.Admit(m2, NewId(), nil)

	failing := errors.New("disk full")
	result, err := dag.Admit(m1, NewId(), func(message *Message) error {
		if message.Id == m2.Id {
			return failing
		}
		return nil
	})
	// m1 committed, m2 stayed buffered on the failed delivery
	assert.Equal(t, failing, err)
	assert.Equal(t, 1, len(result.Delivered))
	assert.Equal(t, m1.Id, result.Delivered[0].Id)
	assert.Equal(t, 1, dag.PendingCount())
	assert.Equal(t, 1, dag.ChannelMessageCount(channelId))

	// the retry path delivers it once persistence recovers
	delivered, err := dag.RedeliverReady(func(message *Message) error {
		return nil
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(delivered))
	assert.Equal(t, m2.Id, delivered[0].Id)
	assert.Equal(t, 0, dag.PendingCount())
	assert.Equal(t, 2, dag.ChannelMessageCount(channelId))
}

func TestDagDisplayOrder(t *testing.T) {
	channelId := NewId()
	authorA := NewId()
	authorB := NewId()
	dag := NewMessageDAG(DefaultDagSettings())

	root := testMessage(channelId, authorA, 1)
	// two concurrent children of root with distinct lamports
	late := testMessage(channelId, authorA, 5, root.Id)
	early := testMessage(channelId, authorB, 2, root.Id)
	tail := testMessage(channelId, authorB, 6, late.Id, early.Id)

	dag.Admit(root, PeerId{}, nil)
	dag.Admit(late, PeerId{}, nil)
	dag.Admit(early, PeerId{}, nil)
	dag.Admit(tail, PeerId{}, nil)

	ordered := dag.DisplayOrder(channelId)
	assert.Equal(t, 4, len(ordered))
	assert.Equal(t, root.Id, ordered[0].Id)
	// concurrent pair ordered by lamport
	assert.Equal(t, early.Id, ordered[1].Id)
	assert.Equal(t, late.Id, ordered[2].Id)
	assert.Equal(t, tail.Id, ordered[3].Id)
}

func TestDagDisplayOrderLamportTie(t *testing.T) {
	channelId := NewId()
	dag := NewMessageDAG(DefaultDagSettings())

	a := testMessage(channelId, NewId(), 1)
	b := testMessage(channelId, NewId(), 1)
	dag.Admit(a, PeerId{}, nil)
	dag.Admit(b, PeerId{}, nil)

	first := a
	second := b
	if b.Id.LessThan(a.Id) {
		first, second = b, a
	}
	ordered := dag.DisplayOrder(channelId)
	assert.Equal(t, first.Id, ordered[0].Id)
	assert.Equal(t, second.Id, ordered[1].Id)
}

func TestDagRepairPlanBackoff(t *testing.T) {
	channelId := NewId()
	author := NewId()
	origin := NewId()
	settings := &DagSettings{
		PendingTimeout:   time.Hour,
		RepairBackoffMin: time.Second,
		RepairBackoffMax: 4 * time.Second,
	}
	dag := NewMessageDAG(settings)

	missing := testMessage(channelId, author, 1)
	child := testMessage(channelId, author, 2, missing.Id)
	dag.Admit(child, origin, nil)

	now := time.Now()
	wants := dag.RepairPlan(now)
	assert.Equal(t, 1, len(wants))
	assert.Equal(t, channelId, wants[0].ChannelId)
	assert.Equal(t, origin, wants[0].Origin)
	assert.Equal(t, []MessageId{missing.Id}, wants[0].MissingIds)
	assert.Equal(t, false, wants[0].Orphaned)

	// within the backoff window nothing is due
	assert.Equal(t, 0, len(dag.RepairPlan(now.Add(500*time.Millisecond))))
	// due again after the backoff, which doubles up to the cap
	assert.Equal(t, 1, len(dag.RepairPlan(now.Add(1500*time.Millisecond))))
	assert.Equal(t, 0, len(dag.RepairPlan(now.Add(2*time.Second))))
	assert.Equal(t, 1, len(dag.RepairPlan(now.Add(4*time.Second))))
}

func TestDagOrphanFlagged(t *testing.T) {
	channelId := NewId()
	author := NewId()
	settings := &DagSettings{
		PendingTimeout:   10 * time.Millisecond,
		RepairBackoffMin: time.Millisecond,
		RepairBackoffMax: time.Millisecond,
	}
	dag := NewMessageDAG(settings)

	missing := testMessage(channelId, author, 1)
	child := testMessage(channelId, author, 2, missing.Id)
	dag.Admit(child, NewId(), nil)

	wants := dag.RepairPlan(time.Now().Add(time.Minute))
	assert.Equal(t, 1, len(wants))
	assert.Equal(t, true, wants[0].Orphaned)
	// orphaned messages are still repairable, never dropped
	assert.Equal(t, 1, dag.PendingCount())

	result, err := dag.Admit(missing, NewId(), nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, AdmitDelivered, result.Outcome)
	assert.Equal(t, 2, len(result.Delivered))
	assert.Equal(t, 0, dag.PendingCount())
}

func TestDagLoadDelivered(t *testing.T) {
	channelId := NewId()
	author := NewId()

	m1 := testMessage(channelId, author, 1)
	m2 := testMessage(channelId, author, 2, m1.Id)
	m3 := testMessage(channelId, author, 3, m2.Id)

	dag := NewMessageDAG(DefaultDagSettings())
	// order inside the batch does not matter
	dag.LoadDelivered([]*Message{m3, m1, m2})

	assert.Equal(t, 3, dag.ChannelMessageCount(channelId))
	assert.Equal(t, []MessageId{m3.Id}, dag.Frontier(channelId))
	assert.Equal(t, 0, dag.PendingCount())

	ordered := dag.DisplayOrder(channelId)
	assert.Equal(t, m1.Id, ordered[0].Id)
	assert.Equal(t, m3.Id, ordered[2].Id)
}
