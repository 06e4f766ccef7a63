package engine

import (
	"sync"
)

// VectorClock maps a peer to its event counter. A peer only ever increments
// its own entry; merge takes the pointwise maximum. Missing entries are zero.
type VectorClock map[PeerId]uint64

func NewVectorClock() VectorClock {
	return VectorClock{}
}

func (self VectorClock) Get(peerId PeerId) uint64 {
	return self[peerId]
}

func (self VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(self))
	for peerId, c := range self {
		out[peerId] = c
	}
	return out
}

// MergeFrom takes the pointwise max in place.
func (self VectorClock) MergeFrom(other VectorClock) {
	for peerId, c := range other {
		if self[peerId] < c {
			self[peerId] = c
		}
	}
}

// Dominates is the `<=` of the partial order: every entry of other is <= self.
func (self VectorClock) Dominates(other VectorClock) bool {
	for peerId, c := range other {
		if self[peerId] < c {
			return false
		}
	}
	return true
}

type CausalOrder int

const (
	OrderEqual CausalOrder = iota
	OrderBefore
	OrderAfter
	OrderConcurrent
)

func (self CausalOrder) String() string {
	switch self {
	case OrderEqual:
		return "equal"
	case OrderBefore:
		return "before"
	case OrderAfter:
		return "after"
	default:
		return "concurrent"
	}
}

// CompareClocks evaluates the causal partial order between two clocks.
func CompareClocks(a VectorClock, b VectorClock) CausalOrder {
	aDominates := a.Dominates(b)
	bDominates := b.Dominates(a)
	switch {
	case aDominates && bDominates:
		return OrderEqual
	case bDominates:
		return OrderBefore
	case aDominates:
		return OrderAfter
	default:
		return OrderConcurrent
	}
}

// ClockAuthority owns the local peer's vector clock and Lamport counter.
// It is constructed once per process and passed into every component that
// stamps or observes messages. Dedup is the caller's job: Observe must be
// invoked exactly once per distinct accepted message.
type ClockAuthority struct {
	peerId PeerId

	stateLock sync.Mutex
	clock     VectorClock
	lamport   uint64
}

func NewClockAuthority(peerId PeerId) *ClockAuthority {
	return &ClockAuthority{
		peerId: peerId,
		clock:  NewVectorClock(),
	}
}

// NewClockAuthorityFromSnapshot restores persisted counters at startup.
func NewClockAuthorityFromSnapshot(peerId PeerId, clock VectorClock, lamport uint64) *ClockAuthority {
	if clock == nil {
		clock = NewVectorClock()
	}
	return &ClockAuthority{
		peerId:  peerId,
		clock:   clock.Copy(),
		lamport: lamport,
	}
}

func (self *ClockAuthority) PeerId() PeerId {
	return self.peerId
}

// TickForSend advances the local entry and the Lamport counter and returns
// the pair to stamp on a newly authored message.
func (self *ClockAuthority) TickForSend() (VectorClock, uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.clock[self.peerId] += 1
	self.lamport += 1
	return self.clock.Copy(), self.lamport
}

// Observe merges an accepted remote clock and advances Lamport past the
// remote value.
func (self *ClockAuthority) Observe(remoteClock VectorClock, remoteLamport uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.clock.MergeFrom(remoteClock)
	if self.lamport < remoteLamport {
		self.lamport = remoteLamport
	}
	self.lamport += 1
}

// Snapshot returns copies for persistence.
func (self *ClockAuthority) Snapshot() (VectorClock, uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.clock.Copy(), self.lamport
}
