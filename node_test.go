package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// testHub wires in-memory transports together with explicit connect and
// disconnect, which makes partitions scriptable.
type testHub struct {
	stateLock  sync.Mutex
	transports map[PeerId]*testTransport
	links      map[PeerId]map[PeerId]bool
}

func newTestHub() *testHub {
	return &testHub{
		transports: map[PeerId]*testTransport{},
		links:      map[PeerId]map[PeerId]bool{},
	}
}

func (self *testHub) attach(peerId PeerId) *testTransport {
	transport := &testTransport{
		hub:        self,
		peerId:     peerId,
		inbound:    make(chan Inbound, 1024),
		peerEvents: make(chan PeerEvent, 64),
	}
	self.stateLock.Lock()
	self.transports[peerId] = transport
	self.links[peerId] = map[PeerId]bool{}
	self.stateLock.Unlock()
	return transport
}

func (self *testHub) connect(a PeerId, b PeerId) {
	self.stateLock.Lock()
	self.links[a][b] = true
	self.links[b][a] = true
	ta := self.transports[a]
	tb := self.transports[b]
	self.stateLock.Unlock()
	ta.peerEvents <- PeerEvent{Type: PeerUp, Peer: b}
	tb.peerEvents <- PeerEvent{Type: PeerUp, Peer: a}
}

func (self *testHub) disconnect(a PeerId, b PeerId) {
	self.stateLock.Lock()
	delete(self.links[a], b)
	delete(self.links[b], a)
	ta := self.transports[a]
	tb := self.transports[b]
	self.stateLock.Unlock()
	ta.peerEvents <- PeerEvent{Type: PeerDown, Peer: b}
	tb.peerEvents <- PeerEvent{Type: PeerDown, Peer: a}
}

func (self *testHub) route(from PeerId, out Outbound) {
	self.stateLock.Lock()
	targets := []*testTransport{}
	for peerId, linked := range self.links[from] {
		if !linked {
			continue
		}
		if out.Broadcast || out.Peer == peerId {
			targets = append(targets, self.transports[peerId])
		}
	}
	self.stateLock.Unlock()
	for _, target := range targets {
		target.inbound <- Inbound{Peer: from, Frame: out.Frame}
	}
}

type testTransport struct {
	hub        *testHub
	peerId     PeerId
	inbound    chan Inbound
	peerEvents chan PeerEvent
}

func (self *testTransport) Send(ctx context.Context, out Outbound) error {
	self.hub.route(self.peerId, out)
	return nil
}

func (self *testTransport) Inbound() <-chan Inbound {
	return self.inbound
}

func (self *testTransport) PeerEvents() <-chan PeerEvent {
	return self.peerEvents
}

func (self *testTransport) Close() {
}

func testNodeSettings() *NodeSettings {
	settings := DefaultNodeSettings()
	settings.Gossip.AntiEntropyInterval = 50 * time.Millisecond
	settings.Gossip.RepairPollInterval = 20 * time.Millisecond
	settings.Dag.RepairBackoffMin = 20 * time.Millisecond
	return settings
}

func newTestNode(t *testing.T, hub *testHub) *Node {
	peerId := NewId()
	store, err := OpenPebbleStore(t.TempDir())
	assert.Equal(t, nil, err)
	t.Cleanup(func() {
		store.Close()
	})

	node, err := NewNode(context.Background(), peerId, store, hub.attach(peerId), testNodeSettings())
	assert.Equal(t, nil, err)
	t.Cleanup(node.Close)
	return node
}

func waitFor(t *testing.T, description string, condition func() bool) {
	end := time.Now().Add(5 * time.Second)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func TestNodeMessageFlow(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub()
	a := newTestNode(t, hub)
	b := newTestNode(t, hub)
	hub.connect(a.PeerId(), b.PeerId())

	channelId, err := a.CreateChannel(ctx, "general")
	assert.Equal(t, nil, err)

	waitFor(t, "channel announce", func() bool {
		view, err := b.ChannelView(channelId)
		return err == nil && view.Name == "general"
	})

	_, err = a.AuthorMessage(ctx, channelId, "hello")
	assert.Equal(t, nil, err)
	waitFor(t, "message push", func() bool {
		return len(b.ChannelMessages(channelId)) == 1
	})
	assert.Equal(t, "hello", b.ChannelMessages(channelId)[0].Content)

	_, err = b.AuthorMessage(ctx, channelId, "hi back")
	assert.Equal(t, nil, err)
	waitFor(t, "reply push", func() bool {
		return len(a.ChannelMessages(channelId)) == 2
	})

	// both replicas render the same total order
	aOrder := a.ChannelMessages(channelId)
	bOrder := b.ChannelMessages(channelId)
	assert.Equal(t, len(aOrder), len(bOrder))
	for i := range aOrder {
		assert.Equal(t, aOrder[i].Id, bOrder[i].Id)
	}
	// the reply is causally after hello on both
	assert.Equal(t, "hi back", aOrder[1].Content)
}

func TestNodeAntiEntropyCatchUp(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub()
	a := newTestNode(t, hub)
	b := newTestNode(t, hub)

	// a builds history while b is unreachable
	channelId, err := a.CreateChannel(ctx, "general")
	assert.Equal(t, nil, err)
	for _, content := range []string{"one", "two", "three"} {
		_, err := a.AuthorMessage(ctx, channelId, content)
		assert.Equal(t, nil, err)
	}

	hub.connect(a.PeerId(), b.PeerId())
	waitFor(t, "anti-entropy catch-up", func() bool {
		if len(b.ChannelMessages(channelId)) != 3 {
			return false
		}
		view, err := b.ChannelView(channelId)
		return err == nil && view.Name == "general"
	})

	messages := b.ChannelMessages(channelId)
	assert.Equal(t, "one", messages[0].Content)
	assert.Equal(t, "three", messages[2].Content)
}

func TestNodeMembershipConverges(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub()
	a := newTestNode(t, hub)
	b := newTestNode(t, hub)
	hub.connect(a.PeerId(), b.PeerId())

	channelId, err := a.CreateChannel(ctx, "general")
	assert.Equal(t, nil, err)
	waitFor(t, "channel announce", func() bool {
		_, err := b.ChannelView(channelId)
		return err == nil
	})

	guest := NewId()
	_, err = a.AddMember(ctx, channelId, guest)
	assert.Equal(t, nil, err)
	waitFor(t, "membership add", func() bool {
		view, err := b.ChannelView(channelId)
		return err == nil && len(view.Members) == 2
	})

	_, err = b.RemoveMember(ctx, channelId, guest)
	assert.Equal(t, nil, err)
	waitFor(t, "membership remove", func() bool {
		view, err := a.ChannelView(channelId)
		return err == nil && len(view.Members) == 1
	})

	aView, _ := a.ChannelView(channelId)
	bView, _ := b.ChannelView(channelId)
	assert.Equal(t, aView.Members, bView.Members)
}

func TestNodeConcurrentNameEditConverges(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub()
	a := newTestNode(t, hub)
	b := newTestNode(t, hub)
	hub.connect(a.PeerId(), b.PeerId())

	channelId, err := a.CreateChannel(ctx, "general")
	assert.Equal(t, nil, err)
	waitFor(t, "channel announce", func() bool {
		_, err := b.ChannelView(channelId)
		return err == nil
	})

	// partitioned concurrent edits
	hub.disconnect(a.PeerId(), b.PeerId())
	_, err = a.SetChannelName(ctx, channelId, "alpha")
	assert.Equal(t, nil, err)
	_, err = b.SetChannelName(ctx, channelId, "beta")
	assert.Equal(t, nil, err)

	hub.connect(a.PeerId(), b.PeerId())
	waitFor(t, "name convergence", func() bool {
		aView, errA := a.ChannelView(channelId)
		bView, errB := b.ChannelView(channelId)
		return errA == nil && errB == nil && aView.Name == bView.Name
	})

	aView, _ := a.ChannelView(channelId)
	assert.Equal(t, true, aView.Name == "alpha" || aView.Name == "beta")
}

func TestNodeUnknownChannel(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub()
	a := newTestNode(t, hub)

	_, err := a.AuthorMessage(ctx, NewId(), "into the void")
	assert.Equal(t, ErrUnknownChannel, err)
}

func TestNodeRestartRestores(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub()
	peerId := NewId()
	dir := t.TempDir()

	store, err := OpenPebbleStore(dir)
	assert.Equal(t, nil, err)
	node, err := NewNode(ctx, peerId, store, hub.attach(peerId), testNodeSettings())
	assert.Equal(t, nil, err)

	channelId, err := node.CreateChannel(ctx, "general")
	assert.Equal(t, nil, err)
	_, err = node.AuthorMessage(ctx, channelId, "before restart")
	assert.Equal(t, nil, err)
	_, err = node.SetChannelName(ctx, channelId, "renamed")
	assert.Equal(t, nil, err)

	node.Close()
	assert.Equal(t, nil, store.Close())

	store, err = OpenPebbleStore(dir)
	assert.Equal(t, nil, err)
	defer store.Close()
	restarted, err := NewNode(ctx, peerId, store, hub.attach(peerId), testNodeSettings())
	assert.Equal(t, nil, err)
	defer restarted.Close()

	view, err := restarted.ChannelView(channelId)
	assert.Equal(t, nil, err)
	assert.Equal(t, "renamed", view.Name)
	assert.Equal(t, []PeerId{peerId}, view.Members)

	messages := restarted.ChannelMessages(channelId)
	assert.Equal(t, 2, len(messages))
	assert.Equal(t, "before restart", messages[0].Content)

	// lamport continues past persisted history
	messageId, err := restarted.AuthorMessage(ctx, channelId, "after restart")
	assert.Equal(t, nil, err)
	restored := restarted.ChannelMessages(channelId)
	assert.Equal(t, 3, len(restored))
	assert.Equal(t, messageId, restored[2].Id)
	assert.Equal(t, true, messages[1].LamportTimestamp < restored[2].LamportTimestamp)
}
