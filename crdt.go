package engine

import (
	"sort"

	"github.com/google/uuid"

	"golang.org/x/exp/maps"
)

// Tag uniquely identifies a single add into an ORSet.
type Tag = uuid.UUID

func NewTag() Tag {
	return uuid.New()
}

type TagSet map[Tag]bool

func (self TagSet) Copy() TagSet {
	out := make(TagSet, len(self))
	for tag := range self {
		out[tag] = true
	}
	return out
}

// ORSet is an observed-remove set. Each add carries a unique tag; a remove
// tombstones only the tags the remover had observed, so a concurrent add
// survives the merge (add-wins). Merge unions add-tags and tombstones, which
// makes it commutative, associative and idempotent regardless of delivery
// order or duplication. Merge treats local and remote state identically.
type ORSet[T comparable] struct {
	Adds       map[T]TagSet `json:"adds"`
	Tombstones TagSet       `json:"tombstones"`
}

func NewORSet[T comparable]() *ORSet[T] {
	return &ORSet[T]{
		Adds:       map[T]TagSet{},
		Tombstones: TagSet{},
	}
}

// Add inserts the value under a fresh tag and returns the tag so the caller
// can emit it as a delta.
func (self *ORSet[T]) Add(value T) Tag {
	tag := NewTag()
	self.ApplyAdd(value, tag)
	return tag
}

// ApplyAdd inserts the value under a known tag. Re-applying the same tag is
// a no-op.
func (self *ORSet[T]) ApplyAdd(value T, tag Tag) bool {
	tags, ok := self.Adds[value]
	if !ok {
		tags = TagSet{}
		self.Adds[value] = tags
	}
	if tags[tag] {
		return false
	}
	tags[tag] = true
	return !self.Tombstones[tag]
}

// Remove tombstones every currently visible tag of the value and returns the
// tags it tombstoned, to be carried on the remove delta. Tags added
// concurrently elsewhere are untouched.
func (self *ORSet[T]) Remove(value T) []Tag {
	removed := []Tag{}
	for tag := range self.Adds[value] {
		if !self.Tombstones[tag] {
			self.Tombstones[tag] = true
			removed = append(removed, tag)
		}
	}
	return removed
}

// ApplyRemove tombstones a set of observed tags from a remote remove.
func (self *ORSet[T]) ApplyRemove(tags []Tag) bool {
	changed := false
	for _, tag := range tags {
		if !self.Tombstones[tag] {
			self.Tombstones[tag] = true
			changed = true
		}
	}
	return changed
}

func (self *ORSet[T]) Contains(value T) bool {
	for tag := range self.Adds[value] {
		if !self.Tombstones[tag] {
			return true
		}
	}
	return false
}

// Values derives the present values on demand: add-tags minus tombstones.
func (self *ORSet[T]) Values() []T {
	values := []T{}
	for value := range self.Adds {
		if self.Contains(value) {
			values = append(values, value)
		}
	}
	return values
}

func (self *ORSet[T]) Merge(other *ORSet[T]) {
	for value, tags := range other.Adds {
		for tag := range tags {
			self.ApplyAdd(value, tag)
		}
	}
	for tag := range other.Tombstones {
		self.Tombstones[tag] = true
	}
}

func (self *ORSet[T]) Copy() *ORSet[T] {
	out := NewORSet[T]()
	for value, tags := range self.Adds {
		out.Adds[value] = tags.Copy()
	}
	out.Tombstones = self.Tombstones.Copy()
	return out
}

// LWWRegister resolves concurrent writes by the greatest (lamport, writer)
// lexicographic key. The writer id tie-break makes the winner identical on
// every replica even for equal Lamport values.
type LWWRegister[T any] struct {
	Value   T      `json:"value"`
	Lamport uint64 `json:"lamport"`
	Writer  PeerId `json:"writer"`
}

func NewLWWRegister[T any](value T, lamport uint64, writer PeerId) *LWWRegister[T] {
	return &LWWRegister[T]{
		Value:   value,
		Lamport: lamport,
		Writer:  writer,
	}
}

func (self *LWWRegister[T]) Get() T {
	return self.Value
}

// Set applies the write if its key is greater than the current one.
func (self *LWWRegister[T]) Set(value T, lamport uint64, writer PeerId) bool {
	if !lwwLess(self.Lamport, self.Writer, lamport, writer) {
		return false
	}
	self.Value = value
	self.Lamport = lamport
	self.Writer = writer
	return true
}

func (self *LWWRegister[T]) Merge(other *LWWRegister[T]) bool {
	return self.Set(other.Value, other.Lamport, other.Writer)
}

func (self *LWWRegister[T]) Copy() *LWWRegister[T] {
	out := *self
	return &out
}

// (aLamport, aWriter) < (bLamport, bWriter)
func lwwLess(aLamport uint64, aWriter PeerId, bLamport uint64, bWriter PeerId) bool {
	if aLamport != bLamport {
		return aLamport < bLamport
	}
	return aWriter.LessThan(bWriter)
}

// sortedPeerIds is a deterministic ordering helper for projections.
func sortedPeerIds(peers map[PeerId]bool) []PeerId {
	out := maps.Keys(peers)
	sort.Slice(out, func(i int, j int) bool {
		return out[i].LessThan(out[j])
	})
	return out
}
