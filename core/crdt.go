package core

// Convergent Metadata Store (C9): a clock-gated MemberSet for channel
// membership, an LWW-Register topic, an OR-Set of pinned messages, and
// role assignment maps, all merged deterministically under a VectorClock.
//
// The teacher has no CRDT layer at all (its chain-state replication is
// consensus-based, not convergent); this is grounded on the general
// OR-Set/LWW-Register shapes used by germtb-mlsgit's small CRDT helpers and
// built from scratch against spec.md §4.9's merge law: commutative,
// associative, idempotent, and deterministic on concurrent LWW conflicts
// via (VectorClock, actor_id) tiebreak.

import (
	"sort"
)

// VectorClock tracks one logical counter per actor (MemberId).
type VectorClock map[MemberId]uint64

// Clone returns an independent copy.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Advance increments actor's own counter in place and returns vc.
func (vc VectorClock) Advance(actor MemberId) VectorClock {
	vc[actor] = vc[actor] + 1
	return vc
}

// Merge returns the element-wise max of vc and other, the standard vector
// clock join.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := vc.Clone()
	for k, v := range other {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Compare reports the happens-before relation between vc and other:
// -1 if vc < other, 1 if vc > other, 0 if equal or concurrent.
func (vc VectorClock) Compare(other VectorClock) int {
	lessFound, greaterFound := false, false
	keys := make(map[MemberId]bool)
	for k := range vc {
		keys[k] = true
	}
	for k := range other {
		keys[k] = true
	}
	for k := range keys {
		a, b := vc[k], other[k]
		if a < b {
			lessFound = true
		} else if a > b {
			greaterFound = true
		}
	}
	switch {
	case lessFound && !greaterFound:
		return -1
	case greaterFound && !lessFound:
		return 1
	default:
		return 0
	}
}

// orSetEntry is one observed-add tag for OR-Set semantics: an element is a
// set member iff it has at least one add tag not covered by a later
// removal's tombstone set.
type orSetEntry struct {
	tag       uuid128
	tombstone bool
}

// uuid128 is a content-free unique tag; any two concurrent adds of the same
// element get distinct tags so a remove of one add never un-adds the other
// (OR-Set's defining property).
type uuid128 [16]byte

// ORSet is an observed-remove set over a comparable element type.
type ORSet[T comparable] struct {
	entries map[T]map[uuid128]bool // element -> live tags
	tombs   map[T]map[uuid128]bool // element -> removed tags
}

func NewORSet[T comparable]() *ORSet[T] {
	return &ORSet[T]{entries: make(map[T]map[uuid128]bool), tombs: make(map[T]map[uuid128]bool)}
}

// Add introduces elem with a fresh tag (caller supplies the tag so adds
// stay deterministic/replayable across a merge).
func (s *ORSet[T]) Add(elem T, tag uuid128) {
	if s.entries[elem] == nil {
		s.entries[elem] = make(map[uuid128]bool)
	}
	s.entries[elem][tag] = true
}

// Remove tombstones every tag currently observed for elem. A concurrent Add
// using a tag this Remove never observed survives the merge — the OR-Set
// "observed remove" guarantee.
func (s *ORSet[T]) Remove(elem T) {
	if s.tombs[elem] == nil {
		s.tombs[elem] = make(map[uuid128]bool)
	}
	for tag := range s.entries[elem] {
		s.tombs[elem][tag] = true
	}
}

// Contains reports whether elem has any live (non-tombstoned) tag.
func (s *ORSet[T]) Contains(elem T) bool {
	for tag := range s.entries[elem] {
		if !s.tombs[elem][tag] {
			return true
		}
	}
	return false
}

// Elements returns the current live membership, in no particular order.
func (s *ORSet[T]) Elements() []T {
	out := make([]T, 0, len(s.entries))
	for elem := range s.entries {
		if s.Contains(elem) {
			out = append(out, elem)
		}
	}
	return out
}

// Merge unions add-tags and tombstones with another replica's state. This
// is commutative, associative and idempotent by construction: set union
// has all three properties.
func (s *ORSet[T]) Merge(other *ORSet[T]) {
	for elem, tags := range other.entries {
		if s.entries[elem] == nil {
			s.entries[elem] = make(map[uuid128]bool)
		}
		for tag := range tags {
			s.entries[elem][tag] = true
		}
	}
	for elem, tags := range other.tombs {
		if s.tombs[elem] == nil {
			s.tombs[elem] = make(map[uuid128]bool)
		}
		for tag := range tags {
			s.tombs[elem][tag] = true
		}
	}
}

// MemberSet is a clock-gated observed-remove set for channel membership:
// unlike ORSet it is remove-wins at equal or concurrent clocks (spec.md
// §4.7). A Remove raises a per-member removal barrier to the clock it
// carries; an Add only survives that barrier once merged if its own clock
// happens strictly after it. A concurrent re-add (an equal or incomparable
// clock relative to the barrier) does not revive the member — reviving a
// tombstoned member requires a fresh add observed at a causally later
// clock, never a merely concurrent one.
type MemberSet struct {
	adds    map[MemberId]map[uuid128]VectorClock
	barrier map[MemberId]VectorClock
}

func NewMemberSet() *MemberSet {
	return &MemberSet{adds: make(map[MemberId]map[uuid128]VectorClock), barrier: make(map[MemberId]VectorClock)}
}

// Add introduces member with a fresh tag stamped at clock.
func (s *MemberSet) Add(member MemberId, tag uuid128, clock VectorClock) {
	if s.adds[member] == nil {
		s.adds[member] = make(map[uuid128]VectorClock)
	}
	s.adds[member][tag] = clock.Clone()
}

// Remove raises member's removal barrier to clock, merged with any prior
// barrier. Every add tag whose clock does not happen strictly after the
// barrier is tombstoned, including adds concurrent with this Remove.
func (s *MemberSet) Remove(member MemberId, clock VectorClock) {
	if existing, ok := s.barrier[member]; ok {
		s.barrier[member] = existing.Merge(clock)
	} else {
		s.barrier[member] = clock.Clone()
	}
}

// Contains reports whether member has a live (never-tombstoned, or
// re-added strictly after its removal barrier) add tag.
func (s *MemberSet) Contains(member MemberId) bool {
	barrier, hasBarrier := s.barrier[member]
	for _, clock := range s.adds[member] {
		if !hasBarrier || clock.Compare(barrier) == 1 {
			return true
		}
	}
	return false
}

// Elements returns the current live membership, in no particular order.
func (s *MemberSet) Elements() []MemberId {
	out := make([]MemberId, 0, len(s.adds))
	for member := range s.adds {
		if s.Contains(member) {
			out = append(out, member)
		}
	}
	return out
}

// Merge unions add-tags and joins removal barriers with another replica's
// state. Barrier join (vector-clock Merge, a pairwise max) and tag union
// are both commutative, associative and idempotent, so Merge converges
// regardless of order or repetition.
func (s *MemberSet) Merge(other *MemberSet) {
	for member, tags := range other.adds {
		if s.adds[member] == nil {
			s.adds[member] = make(map[uuid128]VectorClock)
		}
		for tag, clock := range tags {
			if _, ok := s.adds[member][tag]; !ok {
				s.adds[member][tag] = clock.Clone()
			}
		}
	}
	for member, clock := range other.barrier {
		if existing, ok := s.barrier[member]; ok {
			s.barrier[member] = existing.Merge(clock)
		} else {
			s.barrier[member] = clock.Clone()
		}
	}
}

// LWWRegister holds a single value with last-writer-wins conflict
// resolution, tiebroken deterministically by actor_id when two writes carry
// incomparable (concurrent) vector clocks.
type LWWRegister[T any] struct {
	Value T
	Clock VectorClock
	Actor MemberId
}

func NewLWWRegister[T any](initial T, actor MemberId) *LWWRegister[T] {
	return &LWWRegister[T]{Value: initial, Clock: VectorClock{}, Actor: actor}
}

// Set installs a new value stamped with clock/actor. Callers advance clock
// for actor before calling Set.
func (r *LWWRegister[T]) Set(value T, clock VectorClock, actor MemberId) {
	r.Value = value
	r.Clock = clock.Clone()
	r.Actor = actor
}

// Merge resolves against other deterministically: the register with the
// causally-later clock wins; on concurrent (incomparable) clocks, the
// larger actor_id wins lexicographically, so every replica reaches the
// identical outcome regardless of merge order (spec.md §4.9's tiebreak
// rule, §8 S5).
func (r *LWWRegister[T]) Merge(other *LWWRegister[T]) {
	switch r.Clock.Compare(other.Clock) {
	case -1:
		*r = LWWRegister[T]{Value: other.Value, Clock: other.Clock.Clone(), Actor: other.Actor}
	case 1:
		// r already wins
	default:
		if other.Actor > r.Actor {
			*r = LWWRegister[T]{Value: other.Value, Clock: other.Clock.Clone(), Actor: other.Actor}
		}
	}
}

// ChannelMetadataCRDT is the full convergent document for one channel:
// membership, topic, roles, and pinned messages, all independently
// mergeable.
type ChannelMetadataCRDT struct {
	ChannelId    string
	Members      *MemberSet
	Topic        *LWWRegister[string]
	Roles        map[RoleId]CapabilitySet
	MemberRoles  map[MemberId]map[RoleId]bool
	Pinned       *ORSet[MessageId]
	Clock        VectorClock
}

// NewChannelMetadataCRDT creates an empty document owned initially by
// creator.
func NewChannelMetadataCRDT(channelID string, creator MemberId) *ChannelMetadataCRDT {
	c := &ChannelMetadataCRDT{
		ChannelId:   channelID,
		Members:     NewMemberSet(),
		Topic:       NewLWWRegister[string]("", creator),
		Roles:       make(map[RoleId]CapabilitySet),
		MemberRoles: make(map[MemberId]map[RoleId]bool),
		Pinned:      NewORSet[MessageId](),
		Clock:       VectorClock{}.Advance(creator),
	}
	c.Members.Add(creator, tagFor(channelID, string(creator), "init"), c.Clock)
	return c
}

func tagFor(parts ...string) uuid128 {
	var joined []byte
	for _, p := range parts {
		joined = append(joined, []byte(p)...)
		joined = append(joined, 0)
	}
	return uuid128(blake3Sum(joined))
}

// AssignRole grants roleId's capability set to member. Role-set mutations
// ride the same OR-Set/idempotent-merge discipline as membership: callers
// wrap this in a fresh MemberRoles entry and merge converges by map union.
func (c *ChannelMetadataCRDT) AssignRole(member MemberId, roleId RoleId, caps CapabilitySet) {
	c.Roles[roleId] = caps
	if c.MemberRoles[member] == nil {
		c.MemberRoles[member] = make(map[RoleId]bool)
	}
	c.MemberRoles[member][roleId] = true
}

// CapabilitiesOf unions the capability sets of every role member holds.
func (c *ChannelMetadataCRDT) CapabilitiesOf(member MemberId) CapabilitySet {
	out := make(CapabilitySet)
	for roleId := range c.MemberRoles[member] {
		for cap := range c.Roles[roleId] {
			out[cap] = struct{}{}
		}
	}
	return out
}

// Merge combines c with other, producing the same result regardless of
// which replica calls Merge on which (commutativity) or how many times
// (idempotence), since every constituent structure shares that property.
func (c *ChannelMetadataCRDT) Merge(other *ChannelMetadataCRDT) {
	c.Members.Merge(other.Members)
	c.Topic.Merge(other.Topic)
	c.Pinned.Merge(other.Pinned)
	c.Clock = c.Clock.Merge(other.Clock)
	for roleId, caps := range other.Roles {
		if _, ok := c.Roles[roleId]; !ok {
			c.Roles[roleId] = caps
		}
	}
	for member, roles := range other.MemberRoles {
		if c.MemberRoles[member] == nil {
			c.MemberRoles[member] = make(map[RoleId]bool)
		}
		for roleId := range roles {
			c.MemberRoles[member][roleId] = true
		}
	}
}

// SortedMembers is a deterministic view used by tests and snapshot export.
func (c *ChannelMetadataCRDT) SortedMembers() []MemberId {
	members := c.Members.Elements()
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members
}
