package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
)

type ChannelKind string

const (
	ChannelKindPeerToPeer ChannelKind = "p2p"
	ChannelKindGroup      ChannelKind = "group"
)

// snapshot blob format version. The source of truth for a channel is the
// serialized CRDT state; the projection fields are a pure function of it.
const snapshotVersion = 1

// ChannelSnapshot is the serialized CRDT state of one channel, exchanged on
// announce and anti-entropy and persisted as the channel row.
type ChannelSnapshot struct {
	Version   int                  `json:"v"`
	ChannelId ChannelId            `json:"channel_id"`
	Kind      ChannelKind          `json:"kind"`
	Members   *ORSet[PeerId]       `json:"members"`
	Name      *LWWRegister[string] `json:"name"`
	CreatedAt time.Time            `json:"created_at"`
}

func EncodeChannelSnapshot(snapshot *ChannelSnapshot) ([]byte, error) {
	return json.Marshal(snapshot)
}

func DecodeChannelSnapshot(blob []byte) (*ChannelSnapshot, error) {
	snapshot := &ChannelSnapshot{}
	if err := json.Unmarshal(blob, snapshot); err != nil {
		return nil, err
	}
	if snapshot.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported channel snapshot version %d", snapshot.Version)
	}
	if snapshot.ChannelId.IsZero() || snapshot.Members == nil || snapshot.Name == nil {
		return nil, fmt.Errorf("incomplete channel snapshot")
	}
	return snapshot, nil
}

// ChannelView is the read-only projection exposed to the UI.
type ChannelView struct {
	ChannelId ChannelId
	Kind      ChannelKind
	Name      string
	Members   []PeerId
}

// ChannelState composes the membership OR-Set and the name LWW-Register of
// one channel. The cached projection always equals the materialized CRDT
// value: it is recomputed inside every successful mutation, never
// hand-edited. Mutation is serialized by the owning node.
type ChannelState struct {
	channelId ChannelId
	kind      ChannelKind
	members   *ORSet[PeerId]
	name      *LWWRegister[string]
	createdAt time.Time

	// cached projection, derived from the CRDTs above
	projection ChannelView
}

// NewChannelState materializes an empty channel for an id learned from a
// remote delta before any snapshot arrived. The channel exists locally the
// moment any valid CRDT delta for its id is received.
func NewChannelState(channelId ChannelId) *ChannelState {
	self := &ChannelState{
		channelId: channelId,
		kind:      ChannelKindGroup,
		members:   NewORSet[PeerId](),
		name:      NewLWWRegister("", 0, PeerId{}),
		createdAt: time.Now().UTC(),
	}
	self.recompute()
	return self
}

// NewGroupChannel creates a channel locally. Creation is itself a CRDT
// operation: the creator's membership add establishes the channel.
func NewGroupChannel(name string, creator PeerId, lamport uint64) (*ChannelState, *ChannelDelta) {
	self := &ChannelState{
		channelId: NewId(),
		kind:      ChannelKindGroup,
		members:   NewORSet[PeerId](),
		name:      NewLWWRegister(name, lamport, creator),
		createdAt: time.Now().UTC(),
	}
	tag := self.members.Add(creator)
	self.recompute()
	delta := &ChannelDelta{
		ChannelId: self.channelId,
		Membership: &MembershipDelta{
			Op:     MembershipAdd,
			Peer:   creator,
			AddTag: tag,
		},
		Name: &NameDelta{
			Value:   name,
			Lamport: lamport,
			Writer:  creator,
		},
	}
	return self, delta
}

// NewPeerToPeerChannel creates a direct channel seeded with both members.
func NewPeerToPeerChannel(creator PeerId, other PeerId, lamport uint64) *ChannelState {
	self := &ChannelState{
		channelId: NewId(),
		kind:      ChannelKindPeerToPeer,
		members:   NewORSet[PeerId](),
		name:      NewLWWRegister(fmt.Sprintf("@%s", other), lamport, creator),
		createdAt: time.Now().UTC(),
	}
	self.members.Add(creator)
	self.members.Add(other)
	self.recompute()
	return self
}

func NewChannelStateFromSnapshot(snapshot *ChannelSnapshot) *ChannelState {
	self := &ChannelState{
		channelId: snapshot.ChannelId,
		kind:      snapshot.Kind,
		members:   snapshot.Members.Copy(),
		name:      snapshot.Name.Copy(),
		createdAt: snapshot.CreatedAt,
	}
	if self.kind == "" {
		self.kind = ChannelKindGroup
	}
	self.recompute()
	return self
}

func (self *ChannelState) ChannelId() ChannelId {
	return self.channelId
}

func (self *ChannelState) Kind() ChannelKind {
	return self.kind
}

// View returns the cached projection.
func (self *ChannelState) View() ChannelView {
	return self.projection
}

// ApplyMembershipDelta dispatches into the OR-Set. Returns whether visible
// state changed (idempotent re-application does not).
func (self *ChannelState) ApplyMembershipDelta(delta *MembershipDelta) bool {
	var changed bool
	switch delta.Op {
	case MembershipAdd:
		changed = self.members.ApplyAdd(delta.Peer, delta.AddTag)
	case MembershipRemove:
		changed = self.members.ApplyRemove(delta.RemovedTags)
	default:
		glog.Warningf("[channel]%s unknown membership op %q\n", self.channelId, delta.Op)
		return false
	}
	if changed {
		self.recompute()
	}
	return changed
}

// ApplyNameUpdate dispatches into the LWW-Register.
func (self *ChannelState) ApplyNameUpdate(value string, lamport uint64, writer PeerId) bool {
	changed := self.name.Set(value, lamport, writer)
	if changed {
		self.recompute()
	}
	return changed
}

// AddMember mutates locally and returns the delta to gossip.
func (self *ChannelState) AddMember(peer PeerId) *ChannelDelta {
	tag := self.members.Add(peer)
	self.recompute()
	return &ChannelDelta{
		ChannelId: self.channelId,
		Membership: &MembershipDelta{
			Op:     MembershipAdd,
			Peer:   peer,
			AddTag: tag,
		},
	}
}

// RemoveMember removes only the observed tags, so a concurrent remote add
// wins the merge.
func (self *ChannelState) RemoveMember(peer PeerId) *ChannelDelta {
	removed := self.members.Remove(peer)
	if len(removed) == 0 {
		return nil
	}
	self.recompute()
	return &ChannelDelta{
		ChannelId: self.channelId,
		Membership: &MembershipDelta{
			Op:          MembershipRemove,
			Peer:        peer,
			RemovedTags: removed,
		},
	}
}

// ObservedTags returns the currently visible add-tags for a peer, the set a
// remove delta must tombstone. Does not mutate.
func (self *ChannelState) ObservedTags(peer PeerId) []Tag {
	observed := []Tag{}
	for tag := range self.members.Adds[peer] {
		if !self.members.Tombstones[tag] {
			observed = append(observed, tag)
		}
	}
	return observed
}

// SetName writes the register locally and returns the delta to gossip.
func (self *ChannelState) SetName(value string, lamport uint64, writer PeerId) *ChannelDelta {
	if !self.name.Set(value, lamport, writer) {
		return nil
	}
	self.recompute()
	return &ChannelDelta{
		ChannelId: self.channelId,
		Name: &NameDelta{
			Value:   value,
			Lamport: lamport,
			Writer:  writer,
		},
	}
}

// Merge folds in a remote snapshot field-wise and recomputes the projection
// atomically with the merge, so readers never observe a stale projection.
func (self *ChannelState) Merge(snapshot *ChannelSnapshot) bool {
	if snapshot.ChannelId != self.channelId {
		glog.Warningf("[channel]%s merge with foreign snapshot %s rejected\n", self.channelId, snapshot.ChannelId)
		return false
	}
	before := self.projection
	self.members.Merge(snapshot.Members)
	self.name.Merge(snapshot.Name)
	if self.kind == ChannelKindGroup && snapshot.Kind == ChannelKindPeerToPeer {
		// placeholder channels default to group until the real kind is learned
		self.kind = snapshot.Kind
	}
	if snapshot.CreatedAt.Before(self.createdAt) && !snapshot.CreatedAt.IsZero() {
		self.createdAt = snapshot.CreatedAt
	}
	self.recompute()
	return !viewEqual(before, self.projection)
}

// Summary produces the digest-sized divergence check for anti-entropy.
func (self *ChannelState) Summary() *StateSummary {
	addTags := 0
	for _, tags := range self.members.Adds {
		addTags += len(tags)
	}
	return &StateSummary{
		AddTags:     addTags,
		Tombstones:  len(self.members.Tombstones),
		NameLamport: self.name.Lamport,
		NameWriter:  self.name.Writer,
	}
}

// Snapshot serializes the full CRDT state.
func (self *ChannelState) Snapshot() *ChannelSnapshot {
	return &ChannelSnapshot{
		Version:   snapshotVersion,
		ChannelId: self.channelId,
		Kind:      self.kind,
		Members:   self.members.Copy(),
		Name:      self.name.Copy(),
		CreatedAt: self.createdAt,
	}
}

func (self *ChannelState) recompute() {
	present := map[PeerId]bool{}
	for _, peer := range self.members.Values() {
		present[peer] = true
	}
	self.projection = ChannelView{
		ChannelId: self.channelId,
		Kind:      self.kind,
		Name:      self.name.Get(),
		Members:   sortedPeerIds(present),
	}
}

func viewEqual(a ChannelView, b ChannelView) bool {
	if a.Name != b.Name || a.Kind != b.Kind || len(a.Members) != len(b.Members) {
		return false
	}
	for i := range a.Members {
		if a.Members[i] != b.Members[i] {
			return false
		}
	}
	return true
}
