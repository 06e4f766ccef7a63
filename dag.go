package engine

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

type AdmitOutcome int

const (
	AdmitDelivered AdmitOutcome = iota
	AdmitDuplicate
	AdmitBuffered
)

func (self AdmitOutcome) String() string {
	switch self {
	case AdmitDelivered:
		return "delivered"
	case AdmitDuplicate:
		return "duplicate"
	default:
		return "buffered"
	}
}

type AdmitResult struct {
	Outcome AdmitOutcome
	// parents that must be repaired before the message can be delivered
	MissingParents []MessageId
	// the admitted message plus any buffered dependents it unblocked,
	// in causal delivery order
	Delivered []*Message
}

// DeliverFunction is invoked for each message the moment it becomes causally
// ready, before the DAG commits it. A non-nil error aborts the commit, which
// keeps memory and disk from diverging when a persistence write fails.
type DeliverFunction func(message *Message) error

type DagSettings struct {
	// how long a message may wait on missing parents before it is flagged
	// orphaned. Orphaned messages are never dropped, only repaired at the
	// slower orphan cadence.
	PendingTimeout time.Duration
	// initial delay before a buffered message's parents are re-requested
	RepairBackoffMin time.Duration
	RepairBackoffMax time.Duration
}

func DefaultDagSettings() *DagSettings {
	return &DagSettings{
		PendingTimeout:   5 * time.Minute,
		RepairBackoffMin: 2 * time.Second,
		RepairBackoffMax: 60 * time.Second,
	}
}

type pendingMessage struct {
	message    *Message
	missing    map[MessageId]bool
	bufferedAt time.Time
	nextRepair time.Time
	backoff    time.Duration
	orphaned   bool
}

// RepairWant is one channel's worth of parent gaps due for repair.
type RepairWant struct {
	ChannelId  ChannelId
	MissingIds []MessageId
	// the peer that delivered the child, when known. Repair is targeted
	// there first, else broadcast.
	Origin PeerId
	// at least one waiter exceeded the pending timeout
	Orphaned bool
}

// MessageDAG maintains the causal graph of all known messages per channel
// and decides, per newly observed message, whether it is causally
// deliverable now. Mutation is serialized by the owning node; the internal
// lock only protects concurrent read access for display.
type MessageDAG struct {
	settings *DagSettings

	stateLock sync.Mutex

	messages map[MessageId]*Message
	// parent -> children among admitted messages
	children map[MessageId]map[MessageId]bool
	// channel -> admitted message ids
	channelMessages map[ChannelId]map[MessageId]bool
	// channel -> admitted messages with no admitted children (the frontier)
	heads map[ChannelId]map[MessageId]bool

	// buffered message id -> entry
	pending map[MessageId]*pendingMessage
	// missing parent id -> buffered ids waiting on it
	pendingByParent map[MessageId]map[MessageId]bool
	// buffered message id -> peer it arrived from
	pendingOrigin map[MessageId]PeerId
}

func NewMessageDAG(settings *DagSettings) *MessageDAG {
	return &MessageDAG{
		settings:        settings,
		messages:        map[MessageId]*Message{},
		children:        map[MessageId]map[MessageId]bool{},
		channelMessages: map[ChannelId]map[MessageId]bool{},
		heads:           map[ChannelId]map[MessageId]bool{},
		pending:         map[MessageId]*pendingMessage{},
		pendingByParent: map[MessageId]map[MessageId]bool{},
		pendingOrigin:   map[MessageId]PeerId{},
	}
}

func (self *MessageDAG) Has(messageId MessageId) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.messages[messageId]
	return ok
}

func (self *MessageDAG) Get(messageId MessageId) *Message {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.messages[messageId]
}

// Admit evaluates one observed message. origin is the peer the message
// arrived from (zero for self-authored messages).
//
// Re-evaluation of buffered dependents runs on an explicit work queue
// rather than recursion so that adversarially long dependency chains cannot
// exhaust the stack.
func (self *MessageDAG) Admit(message *Message, origin PeerId, deliver DeliverFunction) (*AdmitResult, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.messages[message.Id]; ok {
		return &AdmitResult{Outcome: AdmitDuplicate}, nil
	}
	if _, ok := self.pending[message.Id]; ok {
		return &AdmitResult{Outcome: AdmitDuplicate}, nil
	}

	missing := self.missingParents(message)
	if 0 < len(missing) {
		self.buffer(message, origin, missing)
		missingIds := maps.Keys(missing)
		sortMessageIds(missingIds)
		glog.V(2).Infof("[dag]buffer %s waiting on %d parents\n", message.Id, len(missingIds))
		return &AdmitResult{
			Outcome:        AdmitBuffered,
			MissingParents: missingIds,
		}, nil
	}

	result := &AdmitResult{Outcome: AdmitDelivered}
	delivered, err := self.deliverLoop([]*Message{message}, deliver)
	result.Delivered = delivered
	return result, err
}

// deliverLoop drains an explicit work queue of causally ready messages:
// deliver, commit, then re-evaluate anything buffered on the committed id.
// A message stays in the pending buffer until its commit succeeds, so a
// failed persistence write leaves it recoverable via RedeliverReady.
func (self *MessageDAG) deliverLoop(ready []*Message, deliver DeliverFunction) ([]*Message, error) {
	delivered := []*Message{}
	for 0 < len(ready) {
		next := ready[0]
		ready = ready[1:]

		if deliver != nil {
			if err := deliver(next); err != nil {
				return delivered, err
			}
		}
		if _, ok := self.pending[next.Id]; ok {
			self.unbuffer(next.Id)
		}
		self.commit(next)
		delivered = append(delivered, next)

		// anything buffered on this id may now be ready
		for waiterId := range self.pendingByParent[next.Id] {
			waiter := self.pending[waiterId]
			delete(waiter.missing, next.Id)
			if len(waiter.missing) == 0 {
				ready = append(ready, waiter.message)
			}
		}
		delete(self.pendingByParent, next.Id)
	}
	return delivered, nil
}

// RedeliverReady retries buffered messages whose parents have all arrived
// but whose delivery previously failed, e.g. on a persistence error.
func (self *MessageDAG) RedeliverReady(deliver DeliverFunction) ([]*Message, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ready := []*Message{}
	for _, entry := range self.pending {
		if len(entry.missing) == 0 {
			ready = append(ready, entry.message)
		}
	}
	self.sortReady(ready)
	return self.deliverLoop(ready, deliver)
}

func (self *MessageDAG) missingParents(message *Message) map[MessageId]bool {
	missing := map[MessageId]bool{}
	for _, parentId := range message.ParentHashes {
		if _, ok := self.messages[parentId]; !ok {
			missing[parentId] = true
		}
	}
	return missing
}

func (self *MessageDAG) buffer(message *Message, origin PeerId, missing map[MessageId]bool) {
	now := time.Now()
	self.pending[message.Id] = &pendingMessage{
		message:    message,
		missing:    missing,
		bufferedAt: now,
		nextRepair: now,
		backoff:    self.settings.RepairBackoffMin,
	}
	if !origin.IsZero() {
		self.pendingOrigin[message.Id] = origin
	}
	for parentId := range missing {
		waiters, ok := self.pendingByParent[parentId]
		if !ok {
			waiters = map[MessageId]bool{}
			self.pendingByParent[parentId] = waiters
		}
		waiters[message.Id] = true
	}
	metricPendingMessages.Inc()
}

func (self *MessageDAG) unbuffer(messageId MessageId) {
	entry := self.pending[messageId]
	delete(self.pending, messageId)
	delete(self.pendingOrigin, messageId)
	for parentId := range entry.missing {
		delete(self.pendingByParent[parentId], messageId)
		if len(self.pendingByParent[parentId]) == 0 {
			delete(self.pendingByParent, parentId)
		}
	}
	metricPendingMessages.Dec()
}

// commit inserts a causally ready message into the graph and updates the
// channel frontier.
func (self *MessageDAG) commit(message *Message) {
	self.messages[message.Id] = message

	channelIds, ok := self.channelMessages[message.ChannelId]
	if !ok {
		channelIds = map[MessageId]bool{}
		self.channelMessages[message.ChannelId] = channelIds
	}
	channelIds[message.Id] = true

	channelHeads, ok := self.heads[message.ChannelId]
	if !ok {
		channelHeads = map[MessageId]bool{}
		self.heads[message.ChannelId] = channelHeads
	}
	for _, parentId := range message.ParentHashes {
		children, ok := self.children[parentId]
		if !ok {
			children = map[MessageId]bool{}
			self.children[parentId] = children
		}
		children[message.Id] = true
		delete(channelHeads, parentId)
	}
	channelHeads[message.Id] = true
}

// Frontier returns the channel heads to use as parents for a newly authored
// message, in deterministic order.
func (self *MessageDAG) Frontier(channelId ChannelId) []MessageId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	frontier := maps.Keys(self.heads[channelId])
	sortMessageIds(frontier)
	return frontier
}

func (self *MessageDAG) ChannelMessageIds(channelId ChannelId) []MessageId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ids := maps.Keys(self.channelMessages[channelId])
	sortMessageIds(ids)
	return ids
}

func (self *MessageDAG) ChannelMessageCount(channelId ChannelId) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.channelMessages[channelId])
}

func (self *MessageDAG) ChannelIds() []ChannelId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	channelIds := maps.Keys(self.channelMessages)
	sortMessageIds(channelIds)
	return channelIds
}

// MaxClock returns the pointwise max of all delivered clocks in the channel,
// used as the anti-entropy frontier summary.
func (self *MessageDAG) MaxClock(channelId ChannelId) VectorClock {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	max := NewVectorClock()
	for messageId := range self.channelMessages[channelId] {
		max.MergeFrom(self.messages[messageId].VectorClock)
	}
	return max
}

// DisplayOrder computes the total display order for one channel:
// causally ordered pairs appear in causal order; concurrent messages are
// ordered by Lamport timestamp, then by message id. Kahn's algorithm with a
// sorted ready set realizes exactly that order. Recomputed lazily, this is
// not the storage order.
func (self *MessageDAG) DisplayOrder(channelId ChannelId) []*Message {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ids := self.channelMessages[channelId]
	if len(ids) == 0 {
		return []*Message{}
	}

	inDegree := map[MessageId]int{}
	for messageId := range ids {
		degree := 0
		for _, parentId := range self.messages[messageId].ParentHashes {
			// parents are always admitted before children, but a rebuilt
			// store may reference evicted history
			if ids[parentId] {
				degree += 1
			}
		}
		inDegree[messageId] = degree
	}

	ready := []*Message{}
	for messageId, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, self.messages[messageId])
		}
	}
	self.sortReady(ready)

	ordered := []*Message{}
	for 0 < len(ready) {
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, next)

		unblocked := []*Message{}
		for childId := range self.children[next.Id] {
			if !ids[childId] {
				continue
			}
			inDegree[childId] -= 1
			if inDegree[childId] == 0 {
				unblocked = append(unblocked, self.messages[childId])
			}
		}
		if 0 < len(unblocked) {
			ready = append(ready, unblocked...)
			self.sortReady(ready)
		}
	}
	return ordered
}

func (self *MessageDAG) sortReady(ready []*Message) {
	sort.Slice(ready, func(i int, j int) bool {
		if ready[i].LamportTimestamp != ready[j].LamportTimestamp {
			return ready[i].LamportTimestamp < ready[j].LamportTimestamp
		}
		return ready[i].Id.LessThan(ready[j].Id)
	})
}

// RepairPlan collects the parent gaps due for a repair attempt at now,
// advances their backoff, and flags entries past the pending timeout as
// orphaned. The pending buffer is the authoritative record of gaps; the
// gossip engine polls this to drive repair.
func (self *MessageDAG) RepairPlan(now time.Time) []*RepairWant {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	type wantKey struct {
		channelId ChannelId
		origin    PeerId
	}
	wants := map[wantKey]*RepairWant{}

	for messageId, entry := range self.pending {
		if len(entry.missing) == 0 {
			// deliverable, waiting on a RedeliverReady retry
			continue
		}
		if now.Before(entry.nextRepair) {
			continue
		}
		if !entry.orphaned && self.settings.PendingTimeout <= now.Sub(entry.bufferedAt) {
			entry.orphaned = true
			metricOrphanedMessages.Inc()
			glog.Infof("[dag]message %s orphaned after %s waiting on %d parents\n",
				messageId, now.Sub(entry.bufferedAt), len(entry.missing))
		}
		entry.nextRepair = now.Add(entry.backoff)
		entry.backoff = min(2*entry.backoff, self.settings.RepairBackoffMax)

		key := wantKey{
			channelId: entry.message.ChannelId,
			origin:    self.pendingOrigin[messageId],
		}
		want, ok := wants[key]
		if !ok {
			want = &RepairWant{
				ChannelId: key.channelId,
				Origin:    key.origin,
			}
			wants[key] = want
		}
		for parentId := range entry.missing {
			want.MissingIds = append(want.MissingIds, parentId)
		}
		want.Orphaned = want.Orphaned || entry.orphaned
	}

	out := maps.Values(wants)
	for _, want := range out {
		sortMessageIds(want.MissingIds)
	}
	sort.Slice(out, func(i int, j int) bool {
		return out[i].ChannelId.LessThan(out[j].ChannelId)
	})
	return out
}

func (self *MessageDAG) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.pending)
}

// LoadDelivered rebuilds the graph from persisted rows at startup. Only
// delivered messages are ever persisted, so parents may be assumed present
// within the batch and no repair is triggered here. Two passes: insert all,
// then rebuild children and heads.
func (self *MessageDAG) LoadDelivered(messages []*Message) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, message := range messages {
		self.messages[message.Id] = message
		channelIds, ok := self.channelMessages[message.ChannelId]
		if !ok {
			channelIds = map[MessageId]bool{}
			self.channelMessages[message.ChannelId] = channelIds
		}
		channelIds[message.Id] = true
	}

	for _, message := range messages {
		for _, parentId := range message.ParentHashes {
			if _, ok := self.messages[parentId]; !ok {
				continue
			}
			children, ok := self.children[parentId]
			if !ok {
				children = map[MessageId]bool{}
				self.children[parentId] = children
			}
			children[message.Id] = true
		}
	}

	self.heads = map[ChannelId]map[MessageId]bool{}
	for _, message := range self.messages {
		if 0 < len(self.children[message.Id]) {
			continue
		}
		channelHeads, ok := self.heads[message.ChannelId]
		if !ok {
			channelHeads = map[MessageId]bool{}
			self.heads[message.ChannelId] = channelHeads
		}
		channelHeads[message.Id] = true
	}
}

func sortMessageIds(ids []MessageId) {
	sort.Slice(ids, func(i int, j int) bool {
		return ids[i].LessThan(ids[j])
	})
}
