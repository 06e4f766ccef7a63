package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

var ErrUnknownChannel = errors.New("unknown channel")
var ErrNodeClosed = errors.New("node closed")

type NodeSettings struct {
	Dag    *DagSettings
	Gossip *GossipSettings
	// buffer of the op funnel into the owner goroutine
	OpBufferSize int
}

func DefaultNodeSettings() *NodeSettings {
	return &NodeSettings{
		Dag:          DefaultDagSettings(),
		Gossip:       DefaultGossipSettings(),
		OpBufferSize: 32,
	}
}

type opResult struct {
	value any
	err   error
}

type nodeOp struct {
	run    func() (any, error)
	result chan *opResult
}

// Node owns the per-peer engine state: clock, DAG and channel CRDTs. All
// mutation funnels into one owner goroutine (single writer per channel), so
// admission plus recursive re-evaluation of buffered dependents always sees
// a consistent snapshot. Connection read pumps, anti-entropy ticks and UI
// sends are all just events into that goroutine.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc

	peerId   PeerId
	settings *NodeSettings

	store     Store
	transport Transport

	clock  *ClockAuthority
	dag    *MessageDAG
	gossip *GossipEngine

	// guards channels and every ChannelState in it
	stateLock sync.Mutex
	channels  map[ChannelId]*ChannelState

	ops  chan *nodeOp
	done chan struct{}
}

func NewNode(ctx context.Context, peerId PeerId, store Store, transport Transport, settings *NodeSettings) (*Node, error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	self := &Node{
		ctx:       cancelCtx,
		cancel:    cancel,
		peerId:    peerId,
		settings:  settings,
		store:     store,
		transport: transport,
		dag:       NewMessageDAG(settings.Dag),
		channels:  map[ChannelId]*ChannelState{},
		ops:       make(chan *nodeOp, settings.OpBufferSize),
		done:      make(chan struct{}),
	}
	self.gossip = NewGossipEngine(self, settings.Gossip)

	if err := self.restore(cancelCtx); err != nil {
		cancel()
		return nil, err
	}

	go self.run()
	return self, nil
}

func NewNodeWithDefaults(ctx context.Context, peerId PeerId, store Store, transport Transport) (*Node, error) {
	return NewNode(ctx, peerId, store, transport, DefaultNodeSettings())
}

func (self *Node) PeerId() PeerId {
	return self.peerId
}

// restore re-derives all in-memory state from persisted rows.
func (self *Node) restore(ctx context.Context) error {
	clock, lamport, err := self.store.LoadClock(ctx, self.peerId)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	channelIds, err := self.store.ChannelIds(ctx)
	if err != nil {
		return err
	}
	loaded := []*Message{}
	for _, channelId := range channelIds {
		blob, err := self.store.LoadChannelSnapshot(ctx, channelId)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		snapshot, err := DecodeChannelSnapshot(blob)
		if err != nil {
			return fmt.Errorf("channel %s: %w", channelId, err)
		}
		self.channels[channelId] = NewChannelStateFromSnapshot(snapshot)

		var cursor Cursor
		for {
			messages, next, err := self.store.LoadMessages(ctx, channelId, cursor, 1024)
			if err != nil {
				return err
			}
			loaded = append(loaded, messages...)
			if next == nil {
				break
			}
			cursor = next
		}
	}
	self.dag.LoadDelivered(loaded)

	// the persisted clock can trail a crash; fold in the clocks of every
	// persisted message so Lamport stamps never repeat
	if clock == nil {
		clock = NewVectorClock()
	}
	for _, message := range loaded {
		clock.MergeFrom(message.VectorClock)
		if lamport < message.LamportTimestamp {
			lamport = message.LamportTimestamp
		}
		// a message delta that reached disk before its snapshot write is
		// healed here; re-application is idempotent
		if message.Delta != nil {
			if state, ok := self.channels[message.ChannelId]; ok {
				self.applyDelta(state, message.Delta)
			}
		}
	}
	self.clock = NewClockAuthorityFromSnapshot(self.peerId, clock, lamport)

	glog.Infof("[node]%s restored %d channels, %d messages\n", self.peerId, len(self.channels), len(loaded))
	return nil
}

func (self *Node) run() {
	defer close(self.done)

	antiEntropy := time.NewTicker(self.settings.Gossip.AntiEntropyInterval)
	defer antiEntropy.Stop()
	repair := time.NewTicker(self.settings.Gossip.RepairPollInterval)
	defer repair.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case op := <-self.ops:
			value, err := op.run()
			op.result <- &opResult{value: value, err: err}
		case in := <-self.transport.Inbound():
			self.handleInbound(in)
		case event := <-self.transport.PeerEvents():
			switch event.Type {
			case PeerUp:
				self.gossip.PeerUp(event.Peer)
				// reconcile immediately so a reconnecting peer catches up
				self.gossip.AntiEntropyRound(time.Now())
			case PeerDown:
				self.gossip.PeerDown(event.Peer)
			}
		case now := <-antiEntropy.C:
			self.gossip.AntiEntropyRound(now)
		case now := <-repair.C:
			self.gossip.RepairTick(now)
			// retry deliveries that failed on a persistence error
			if _, err := self.dag.RedeliverReady(self.deliverMessage); err != nil {
				glog.Infof("[node]redeliver failed: %s\n", err)
			}
		}
	}
}

func (self *Node) Close() {
	self.cancel()
	<-self.done
}

// do runs a mutating op on the owner goroutine.
func (self *Node) do(ctx context.Context, run func() (any, error)) (any, error) {
	op := &nodeOp{
		run:    run,
		result: make(chan *opResult, 1),
	}
	select {
	case self.ops <- op:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, ErrNodeClosed
	}
	select {
	case result := <-op.result:
		return result.value, result.err
	case <-self.ctx.Done():
		return nil, ErrNodeClosed
	}
}

// CreateChannel creates a group channel locally. Creation is a CRDT
// operation: the creator's membership add establishes the channel, which is
// then announced to connected peers.
func (self *Node) CreateChannel(ctx context.Context, name string) (ChannelId, error) {
	value, err := self.do(ctx, func() (any, error) {
		_, lamport := self.clock.TickForSend()
		state, _ := NewGroupChannel(name, self.peerId, lamport)
		if err := self.persistChannel(state); err != nil {
			return nil, err
		}
		if err := self.persistClock(); err != nil {
			glog.Infof("[node]clock persist failed: %s\n", err)
		}
		self.stateLock.Lock()
		self.channels[state.ChannelId()] = state
		self.stateLock.Unlock()
		self.gossip.BroadcastAnnounce(state.Snapshot())
		return state.ChannelId(), nil
	})
	if err != nil {
		return ChannelId{}, err
	}
	return value.(ChannelId), nil
}

// CreatePeerToPeerChannel creates a direct channel seeded with both members.
func (self *Node) CreatePeerToPeerChannel(ctx context.Context, other PeerId) (ChannelId, error) {
	value, err := self.do(ctx, func() (any, error) {
		_, lamport := self.clock.TickForSend()
		state := NewPeerToPeerChannel(self.peerId, other, lamport)
		if err := self.persistChannel(state); err != nil {
			return nil, err
		}
		if err := self.persistClock(); err != nil {
			glog.Infof("[node]clock persist failed: %s\n", err)
		}
		self.stateLock.Lock()
		self.channels[state.ChannelId()] = state
		self.stateLock.Unlock()
		self.gossip.BroadcastAnnounce(state.Snapshot())
		return state.ChannelId(), nil
	})
	if err != nil {
		return ChannelId{}, err
	}
	return value.(ChannelId), nil
}

// AuthorMessage stamps, admits and disseminates a locally authored message.
// Parents are the channel's current frontier, so the message is always
// causally ready locally.
func (self *Node) AuthorMessage(ctx context.Context, channelId ChannelId, content string) (MessageId, error) {
	return self.authorMessage(ctx, channelId, content, nil)
}

// SetChannelName authors a name change. The change rides the DAG like any
// message, which gives it causal ordering, and carries the LWW delta.
func (self *Node) SetChannelName(ctx context.Context, channelId ChannelId, name string) (MessageId, error) {
	return self.authorMessage(ctx, channelId, "", func(lamport uint64) *ChannelDelta {
		return &ChannelDelta{
			ChannelId: channelId,
			Name: &NameDelta{
				Value:   name,
				Lamport: lamport,
				Writer:  self.peerId,
			},
		}
	})
}

// AddMember authors a membership add with a fresh tag.
func (self *Node) AddMember(ctx context.Context, channelId ChannelId, peer PeerId) (MessageId, error) {
	return self.authorMessage(ctx, channelId, "", func(lamport uint64) *ChannelDelta {
		return &ChannelDelta{
			ChannelId: channelId,
			Membership: &MembershipDelta{
				Op:     MembershipAdd,
				Peer:   peer,
				AddTag: NewTag(),
			},
		}
	})
}

// RemoveMember authors a membership remove that tombstones only the tags
// observed locally right now; a concurrent remote add survives the merge.
func (self *Node) RemoveMember(ctx context.Context, channelId ChannelId, peer PeerId) (MessageId, error) {
	self.stateLock.Lock()
	state, ok := self.channels[channelId]
	var observed []Tag
	if ok {
		observed = state.ObservedTags(peer)
	}
	self.stateLock.Unlock()
	if !ok {
		return MessageId{}, ErrUnknownChannel
	}
	if len(observed) == 0 {
		return MessageId{}, fmt.Errorf("%s is not a visible member", peer)
	}
	return self.authorMessage(ctx, channelId, "", func(lamport uint64) *ChannelDelta {
		return &ChannelDelta{
			ChannelId: channelId,
			Membership: &MembershipDelta{
				Op:          MembershipRemove,
				Peer:        peer,
				RemovedTags: observed,
			},
		}
	})
}

func (self *Node) authorMessage(ctx context.Context, channelId ChannelId, content string, makeDelta func(lamport uint64) *ChannelDelta) (MessageId, error) {
	value, err := self.do(ctx, func() (any, error) {
		self.stateLock.Lock()
		_, ok := self.channels[channelId]
		self.stateLock.Unlock()
		if !ok {
			return nil, ErrUnknownChannel
		}

		clock, lamport := self.clock.TickForSend()
		message := &Message{
			Id:               NewId(),
			ChannelId:        channelId,
			Author:           self.peerId,
			Content:          content,
			VectorClock:      clock,
			LamportTimestamp: lamport,
			ParentHashes:     self.dag.Frontier(channelId),
			CreatedAt:        time.Now().UTC(),
		}
		if makeDelta != nil {
			message.Delta = makeDelta(lamport)
		}

		result, err := self.dag.Admit(message, PeerId{}, self.deliverMessage)
		if err != nil {
			return nil, err
		}
		metricMessagesAdmitted.WithLabelValues(result.Outcome.String()).Inc()
		// self-authored parents are always present
		if result.Outcome != AdmitDelivered {
			return nil, fmt.Errorf("self-authored message not deliverable: %s", result.Outcome)
		}
		self.gossip.PushNewMessage(message, PeerId{})
		return message.Id, nil
	})
	if err != nil {
		return MessageId{}, err
	}
	return value.(MessageId), nil
}

// deliverMessage is the DeliverFunction handed to DAG admission. It runs
// once per message that becomes causally ready: persist first, then apply
// any embedded channel delta, then observe the clock. In-memory state is
// never mutated when the persistence write fails.
func (self *Node) deliverMessage(message *Message) error {
	if err := self.store.StoreMessage(self.ctx, message); err != nil {
		return err
	}

	state := self.ensureChannel(message.ChannelId)
	if message.Delta != nil {
		self.stateLock.Lock()
		changed := self.applyDelta(state, message.Delta)
		self.stateLock.Unlock()
		if changed {
			if err := self.persistChannel(state); err != nil {
				return err
			}
		}
	}

	if message.Author != self.peerId {
		self.clock.Observe(message.VectorClock, message.LamportTimestamp)
		if err := self.persistClock(); err != nil {
			// the clock also re-derives from messages on restart
			glog.Infof("[node]clock persist failed: %s\n", err)
		}
	}
	return nil
}

// applyDelta dispatches a delta into channel state. Caller holds stateLock.
func (self *Node) applyDelta(state *ChannelState, delta *ChannelDelta) bool {
	changed := false
	if delta.Membership != nil {
		changed = state.ApplyMembershipDelta(delta.Membership) || changed
	}
	if delta.Name != nil {
		changed = state.ApplyNameUpdate(delta.Name.Value, delta.Name.Lamport, delta.Name.Writer) || changed
	}
	return changed
}

// ensureChannel materializes a placeholder for an unknown channel id. The
// channel exists locally as soon as any valid delta for its id arrives.
func (self *Node) ensureChannel(channelId ChannelId) *ChannelState {
	self.stateLock.Lock()
	state, ok := self.channels[channelId]
	if !ok {
		state = NewChannelState(channelId)
		self.channels[channelId] = state
	}
	self.stateLock.Unlock()
	if !ok {
		if err := self.persistChannel(state); err != nil {
			glog.Infof("[node]placeholder persist failed for %s: %s\n", channelId, err)
		}
	}
	return state
}

func (self *Node) persistChannel(state *ChannelState) error {
	self.stateLock.Lock()
	blob, err := EncodeChannelSnapshot(state.Snapshot())
	self.stateLock.Unlock()
	if err != nil {
		return err
	}
	return self.store.StoreChannelSnapshot(self.ctx, state.ChannelId(), blob)
}

func (self *Node) persistClock() error {
	clock, lamport := self.clock.Snapshot()
	return self.store.StoreClock(self.ctx, self.peerId, clock, lamport)
}

// handleInbound decodes and dispatches one wire event. Malformed payloads
// are structural errors: dropped and counted, the connection stays up.
func (self *Node) handleInbound(in Inbound) {
	body, err := FromFrame(in.Frame)
	if err != nil {
		metricStructuralErrors.Inc()
		glog.Warningf("[node]structural error from %s: %s\n", in.Peer, err)
		return
	}

	switch v := body.(type) {
	case *NewMessagePayload:
		self.admitRemote(in.Peer, v.Message)
	case *ChannelDelta:
		self.applyRemoteDelta(in.Peer, v)
	case *ChannelAnnouncePayload:
		self.mergeRemoteSnapshot(in.Peer, v.Snapshot)
	case *DigestPayload:
		self.gossip.HandleDigest(in.Peer, v)
	case *RepairRequestPayload:
		self.gossip.HandleRepairRequest(in.Peer, v)
	case *RepairResponsePayload:
		for _, message := range v.Messages {
			self.admitRemote(in.Peer, message)
		}
		for _, delta := range v.Deltas {
			self.applyRemoteDelta(in.Peer, delta)
		}
		if v.Snapshot != nil {
			self.mergeRemoteSnapshot(in.Peer, v.Snapshot)
		}
	}
}

// admitRemote runs one remote message through DAG admission and reacts to
// the outcome: push onward when delivered, request repair when buffered.
func (self *Node) admitRemote(origin PeerId, message *Message) {
	if known := self.dag.Get(message.Id); known != nil {
		// same id with different content is a protocol violation from a
		// misbehaving peer, not a duplicate
		if known.Author != message.Author || known.Content != message.Content {
			metricInvariantViolations.Inc()
			glog.Warningf("[node]message %s re-announced with different content by %s\n", message.Id, origin)
		}
		metricMessagesAdmitted.WithLabelValues(AdmitDuplicate.String()).Inc()
		return
	}

	result, err := self.dag.Admit(message, origin, self.deliverMessage)
	if err != nil {
		glog.Infof("[node]admit %s failed: %s\n", message.Id, err)
		return
	}
	metricMessagesAdmitted.WithLabelValues(result.Outcome.String()).Inc()

	switch result.Outcome {
	case AdmitBuffered:
		glog.V(2).Infof("[node]%s buffered, missing %d parents\n", message.Id, len(result.MissingParents))
		self.gossip.sendRepairRequest(origin, message.ChannelId, result.MissingParents)
	case AdmitDelivered:
		for _, delivered := range result.Delivered {
			self.gossip.PushNewMessage(delivered, origin)
		}
	}
}

// applyRemoteDelta merges a standalone channel delta and pushes it onward
// only when it changed local state, so idempotent re-deliveries terminate.
func (self *Node) applyRemoteDelta(origin PeerId, delta *ChannelDelta) {
	state := self.ensureChannel(delta.ChannelId)

	self.stateLock.Lock()
	changed := self.applyDelta(state, delta)
	self.stateLock.Unlock()

	if !changed {
		return
	}
	if err := self.persistChannel(state); err != nil {
		glog.Infof("[node]snapshot persist failed for %s: %s\n", delta.ChannelId, err)
	}
	self.gossip.PushDelta(delta, origin)
}

func (self *Node) mergeRemoteSnapshot(origin PeerId, snapshot *ChannelSnapshot) {
	state := self.ensureChannel(snapshot.ChannelId)

	self.stateLock.Lock()
	changed := state.Merge(snapshot)
	self.stateLock.Unlock()

	if !changed {
		return
	}
	if err := self.persistChannel(state); err != nil {
		glog.Infof("[node]snapshot persist failed for %s: %s\n", snapshot.ChannelId, err)
	}
}

// ChannelMessages returns the channel's messages in display order: causal
// where comparable, Lamport then message id between concurrent messages.
func (self *Node) ChannelMessages(channelId ChannelId) []*Message {
	return self.dag.DisplayOrder(channelId)
}

// ChannelFrontier returns the channel heads, the parents a newly authored
// message would reference.
func (self *Node) ChannelFrontier(channelId ChannelId) []MessageId {
	return self.dag.Frontier(channelId)
}

// ChannelView returns the current {name, members} projection.
func (self *Node) ChannelView(channelId ChannelId) (ChannelView, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state, ok := self.channels[channelId]
	if !ok {
		return ChannelView{}, ErrUnknownChannel
	}
	return state.View(), nil
}

func (self *Node) Channels() []ChannelView {
	self.stateLock.Lock()
	views := []ChannelView{}
	for _, state := range self.channels {
		views = append(views, state.View())
	}
	self.stateLock.Unlock()

	sort.Slice(views, func(i int, j int) bool {
		return views[i].ChannelId.LessThan(views[j].ChannelId)
	})
	return views
}

// gossip support

func (self *Node) knownChannelIds() []ChannelId {
	self.stateLock.Lock()
	channelIds := maps.Keys(self.channels)
	self.stateLock.Unlock()

	known := map[ChannelId]bool{}
	for _, channelId := range channelIds {
		known[channelId] = true
	}
	for _, channelId := range self.dag.ChannelIds() {
		known[channelId] = true
	}
	out := maps.Keys(known)
	sortMessageIds(out)
	return out
}

func (self *Node) channelSummary(channelId ChannelId) *StateSummary {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state, ok := self.channels[channelId]
	if !ok {
		return nil
	}
	return state.Summary()
}

func (self *Node) channelSnapshot(channelId ChannelId) *ChannelSnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state, ok := self.channels[channelId]
	if !ok {
		return nil
	}
	return state.Snapshot()
}

func (self *Node) collectMessages(ids []MessageId) []*Message {
	messages := []*Message{}
	for _, messageId := range ids {
		if message := self.dag.Get(messageId); message != nil {
			messages = append(messages, message)
		}
	}
	return messages
}

func (self *Node) buildDigest() *DigestPayload {
	digest := &DigestPayload{
		Channels: []*ChannelDigest{},
	}
	for _, channelId := range self.knownChannelIds() {
		digest.Channels = append(digest.Channels, &ChannelDigest{
			ChannelId:  channelId,
			Frontier:   self.dag.MaxClock(channelId),
			MessageIds: self.dag.ChannelMessageIds(channelId),
			State:      self.channelSummary(channelId),
		})
	}
	return digest
}
