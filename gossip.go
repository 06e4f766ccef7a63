package engine

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

type GossipSettings struct {
	// cadence of digest exchange per connection
	AntiEntropyInterval time.Duration
	// cadence of the pending-buffer poll that drives parent repair
	RepairPollInterval time.Duration
}

func DefaultGossipSettings() *GossipSettings {
	return &GossipSettings{
		AntiEntropyInterval: 30 * time.Second,
		RepairPollInterval:  2 * time.Second,
	}
}

// per-connection anti-entropy state machine
type gossipPeerState int

const (
	gossipIdle gossipPeerState = iota
	gossipAnnouncing
	gossipReconciling
)

type gossipPeer struct {
	peerId PeerId
	state  gossipPeerState
	// when this connection's next digest is due
	nextDigest time.Time
}

// GossipEngine drives dissemination (push of new messages to connected
// peers) and anti-entropy (periodic digest exchange). It performs no dedup
// bookkeeping of its own: duplicates die at the DAG and idempotent CRDT
// merges. All handlers run on the owning node's event goroutine; the lock
// only covers the connected-peer set, which the transport mutates
// asynchronously.
type GossipEngine struct {
	node     *Node
	settings *GossipSettings

	stateLock sync.Mutex
	peers     map[PeerId]*gossipPeer
}

func NewGossipEngine(node *Node, settings *GossipSettings) *GossipEngine {
	return &GossipEngine{
		node:     node,
		settings: settings,
		peers:    map[PeerId]*gossipPeer{},
	}
}

func (self *GossipEngine) PeerUp(peerId PeerId) {
	self.stateLock.Lock()
	self.peers[peerId] = &gossipPeer{
		peerId: peerId,
		state:  gossipIdle,
		// a fresh connection reconciles immediately, which is how a
		// reconnecting peer catches up
		nextDigest: time.Now(),
	}
	self.stateLock.Unlock()
	glog.Infof("[gossip]peer %s up\n", peerId)
}

func (self *GossipEngine) PeerDown(peerId PeerId) {
	self.stateLock.Lock()
	delete(self.peers, peerId)
	self.stateLock.Unlock()
	glog.Infof("[gossip]peer %s down\n", peerId)
}

func (self *GossipEngine) connectedPeers() []PeerId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.peers)
}

func (self *GossipEngine) connected(peerId PeerId) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.peers[peerId]
	return ok
}

// PushNewMessage forwards a newly admitted, previously-unknown message once
// to every connected peer except where it came from (rumor-mongering). No
// retry is owed to a failed push; anti-entropy repairs the gap.
func (self *GossipEngine) PushNewMessage(message *Message, exclude PeerId) {
	frame := RequireToFrame(&NewMessagePayload{
		Message: message,
	})
	for _, peerId := range self.connectedPeers() {
		if peerId == exclude || peerId == message.Author {
			continue
		}
		self.node.transport.Send(self.node.ctx, Outbound{Peer: peerId, Frame: frame})
	}
}

// PushDelta forwards a channel CRDT delta that changed local state.
// Idempotent merges make re-push loops terminate: an unchanged delta is
// not pushed again.
func (self *GossipEngine) PushDelta(delta *ChannelDelta, exclude PeerId) {
	frame := RequireToFrame(delta)
	for _, peerId := range self.connectedPeers() {
		if peerId == exclude {
			continue
		}
		self.node.transport.Send(self.node.ctx, Outbound{Peer: peerId, Frame: frame})
	}
}

// BroadcastAnnounce advertises full channel state, sent on local channel
// creation.
func (self *GossipEngine) BroadcastAnnounce(snapshot *ChannelSnapshot) {
	frame := RequireToFrame(&ChannelAnnouncePayload{
		Snapshot: snapshot,
	})
	self.node.transport.Send(self.node.ctx, Outbound{Broadcast: true, Frame: frame})
}

// AntiEntropyRound sends a digest to every connection that is due.
func (self *GossipEngine) AntiEntropyRound(now time.Time) {
	due := []*gossipPeer{}
	self.stateLock.Lock()
	for _, peer := range self.peers {
		if !now.Before(peer.nextDigest) {
			peer.state = gossipAnnouncing
			peer.nextDigest = now.Add(self.settings.AntiEntropyInterval)
			due = append(due, peer)
		}
	}
	self.stateLock.Unlock()

	if len(due) == 0 {
		return
	}

	digest := self.node.buildDigest()
	if len(digest.Channels) == 0 {
		self.settlePeers(due)
		return
	}
	frame := RequireToFrame(digest)
	for _, peer := range due {
		metricGossipRounds.Inc()
		glog.V(2).Infof("[gossip]digest -> %s (%d channels)\n", peer.peerId, len(digest.Channels))
		self.node.transport.Send(self.node.ctx, Outbound{Peer: peer.peerId, Frame: frame})
	}
	self.settlePeers(due)
}

func (self *GossipEngine) settlePeers(peers []*gossipPeer) {
	self.stateLock.Lock()
	for _, peer := range peers {
		peer.state = gossipIdle
	}
	self.stateLock.Unlock()
}

// HandleDigest reconciles in both directions: respond with what the sender
// lacks, request what we lack. Either peer can be behind.
func (self *GossipEngine) HandleDigest(peerId PeerId, digest *DigestPayload) {
	self.stateLock.Lock()
	if peer, ok := self.peers[peerId]; ok {
		peer.state = gossipReconciling
	}
	self.stateLock.Unlock()
	defer func() {
		self.stateLock.Lock()
		if peer, ok := self.peers[peerId]; ok {
			peer.state = gossipIdle
		}
		self.stateLock.Unlock()
	}()

	remoteChannels := map[ChannelId]bool{}
	for _, channelDigest := range digest.Channels {
		remoteChannels[channelDigest.ChannelId] = true
		self.reconcileChannel(peerId, channelDigest)
	}

	// channels the digester has never heard of: announce and ship history
	for _, channelId := range self.node.knownChannelIds() {
		if remoteChannels[channelId] {
			continue
		}
		self.sendFullChannel(peerId, channelId)
	}
}

func (self *GossipEngine) reconcileChannel(peerId PeerId, channelDigest *ChannelDigest) {
	theirs := map[MessageId]bool{}
	for _, messageId := range channelDigest.MessageIds {
		theirs[messageId] = true
	}

	mine := self.node.dag.ChannelMessageIds(channelDigest.ChannelId)
	mineSet := map[MessageId]bool{}
	missingTheirs := []MessageId{}
	for _, messageId := range mine {
		mineSet[messageId] = true
		if !theirs[messageId] {
			missingTheirs = append(missingTheirs, messageId)
		}
	}
	missingMine := []MessageId{}
	for messageId := range theirs {
		if !mineSet[messageId] {
			missingMine = append(missingMine, messageId)
		}
	}
	sortMessageIds(missingMine)

	var snapshot *ChannelSnapshot
	if summary := self.node.channelSummary(channelDigest.ChannelId); summary != nil {
		if channelDigest.State == nil || *channelDigest.State != *summary {
			snapshot = self.node.channelSnapshot(channelDigest.ChannelId)
		}
	}

	if 0 < len(missingTheirs) || snapshot != nil {
		response := &RepairResponsePayload{
			ChannelId: channelDigest.ChannelId,
			Messages:  self.node.collectMessages(missingTheirs),
			Snapshot:  snapshot,
		}
		frame := RequireToFrame(response)
		self.node.transport.Send(self.node.ctx, Outbound{Peer: peerId, Frame: frame})
	}

	if 0 < len(missingMine) {
		glog.V(2).Infof("[gossip]%s behind on %d messages in %s\n",
			self.node.peerId, len(missingMine), channelDigest.ChannelId)
		self.sendRepairRequest(peerId, channelDigest.ChannelId, missingMine)
	}
}

// HandleRepairRequest answers with whatever requested messages we hold,
// plus the channel snapshot so CRDT state heals along with history.
func (self *GossipEngine) HandleRepairRequest(peerId PeerId, request *RepairRequestPayload) {
	messages := self.node.collectMessages(request.Ids)
	snapshot := self.node.channelSnapshot(request.ChannelId)
	if len(messages) == 0 && snapshot == nil {
		return
	}
	response := &RepairResponsePayload{
		ChannelId: request.ChannelId,
		Messages:  messages,
		Snapshot:  snapshot,
	}
	frame := RequireToFrame(response)
	self.node.transport.Send(self.node.ctx, Outbound{Peer: peerId, Frame: frame})
}

func (self *GossipEngine) sendFullChannel(peerId PeerId, channelId ChannelId) {
	if snapshot := self.node.channelSnapshot(channelId); snapshot != nil {
		frame := RequireToFrame(&ChannelAnnouncePayload{
			Snapshot: snapshot,
		})
		self.node.transport.Send(self.node.ctx, Outbound{Peer: peerId, Frame: frame})
	}
	messageIds := self.node.dag.ChannelMessageIds(channelId)
	if 0 < len(messageIds) {
		response := &RepairResponsePayload{
			ChannelId: channelId,
			Messages:  self.node.collectMessages(messageIds),
		}
		frame := RequireToFrame(response)
		self.node.transport.Send(self.node.ctx, Outbound{Peer: peerId, Frame: frame})
	}
}

// RepairTick polls the DAG's pending buffer and issues repair requests for
// gaps that are due. Targeted at the peer that delivered the waiting child
// when known and still connected, else broadcast. A request superseded by
// the message arriving another way is simply dropped by the DAG dedup.
func (self *GossipEngine) RepairTick(now time.Time) {
	for _, want := range self.node.dag.RepairPlan(now) {
		if !want.Origin.IsZero() && self.connected(want.Origin) {
			self.sendRepairRequest(want.Origin, want.ChannelId, want.MissingIds)
		} else {
			self.broadcastRepairRequest(want.ChannelId, want.MissingIds)
		}
	}
}

func (self *GossipEngine) sendRepairRequest(peerId PeerId, channelId ChannelId, ids []MessageId) {
	metricRepairRequests.Inc()
	frame := RequireToFrame(&RepairRequestPayload{
		ChannelId: channelId,
		Ids:       ids,
	})
	self.node.transport.Send(self.node.ctx, Outbound{Peer: peerId, Frame: frame})
}

func (self *GossipEngine) broadcastRepairRequest(channelId ChannelId, ids []MessageId) {
	metricRepairRequests.Inc()
	frame := RequireToFrame(&RepairRequestPayload{
		ChannelId: channelId,
		Ids:       ids,
	})
	self.node.transport.Send(self.node.ctx, Outbound{Broadcast: true, Frame: frame})
}
