// Package core implements the veilmesh group-messaging substrate: a
// Secure Group Engine (MLS-flavored), a Kademlia-style DHT, an onion-routing
// overlay, a CRDT metadata store, and the orchestrator that composes them.
//
// There is no central server in this package: every type here is either
// owned by exactly one local component (see the ownership rules in each
// file's doc comment) or content-addressed and unowned.
package core

import (
	"crypto/ed25519"
	"time"

	"github.com/google/uuid"
)

// GroupId is 32 random bytes, immutable for the life of a channel.
type GroupId [32]byte

// MemberIndex is a dense non-negative integer assigned to ratchet-tree
// leaves; it may be blanked (see RatchetTree.Blank) on remove.
type MemberIndex uint32

// Epoch is a monotonically increasing, non-negative per-group counter.
type Epoch uint64

// DhtKey is a fixed-width, XOR-comparable content digest (BLAKE3, 256-bit).
type DhtKey [32]byte

// PeerId is a long-term identity public key, hex-encoded for use as a map
// key and log field.
type PeerId string

// MessageId is a content digest of a sealed application message.
type MessageId [32]byte

// KeyPackageRef identifies a KeyPackageBundle in the Provider's shared
// storage; it is how join_from_welcome locates the private half generated
// earlier by generate_key_package.
type KeyPackageRef [32]byte

// Identity is a local user's long-term credential. It is not itself secret;
// the signing private key lives only inside the Provider that owns it.
type Identity struct {
	PeerId      PeerId
	DeviceLabel string
	SigningPub  ed25519.PublicKey
	CreatedAt   time.Time
}

// Capability names an action the CMS's role system can grant.
type Capability string

const (
	CapInvite      Capability = "invite"
	CapRemove      Capability = "remove"
	CapPin         Capability = "pin"
	CapSetTopic    Capability = "set_topic"
	CapManageRoles Capability = "manage_roles"
)

// CapabilitySet is the set of Capabilities a RoleId grants.
type CapabilitySet map[Capability]struct{}

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// RoleId names a role entry in ChannelMetadataCRDT.roles.
type RoleId string

// MemberId identifies a member within CMS maps; distinct from MemberIndex,
// which is a ratchet-tree-local leaf position that is recycled on remove.
type MemberId string

// KeyPackageBundle is the per-user credential offered for group inclusion.
// Only the public half (everything but the zero-valued private fields) is
// ever serialized onto the wire or published to the DHT.
type KeyPackageBundle struct {
	Ref           KeyPackageRef
	CredentialId  []byte
	SigningPub    ed25519.PublicKey
	HPKEInitPub   []byte
	Ciphersuite   Ciphersuite
	ExpiresAt     time.Time
	IssuerSig     []byte
}

// Ciphersuite pins the algorithm triple used by a group, matching spec.md
// §4.1: DHKEM-X25519 + HKDF-SHA-256 + AES-128-GCM for HPKE, Ed25519 for
// signatures.
type Ciphersuite uint16

const CiphersuiteDefault Ciphersuite = 0x0001

// ChannelDescriptor is the public discovery record published to the DHT for
// public channels.
type ChannelDescriptor struct {
	ChannelId   GroupId
	Owner       PeerId
	OwnerPub    ed25519.PublicKey
	Name        string
	IsPublic    bool
	MLSGroupId  GroupId
	CreatedAt   time.Time
	Sig         []byte
}

// InviteToken is the out-of-band artifact produced by mint_invite and
// consumed exactly once by process_invite.
type InviteToken struct {
	ChannelId      GroupId
	Welcome        []byte
	RatchetTree    []byte // optional slice, may be nil if the invitee already has it
	IssuerSig      []byte
	IssuedAt       time.Time
	ExpiresAt      time.Time // zero value means no expiry
}

// PersistedGroupSnapshot is the atomic, authenticated-encrypted-to-disk
// capture of a group's engine state (see Keystore and Persistence).
type PersistedGroupSnapshot struct {
	Version             uint16
	GroupId             GroupId
	Epoch               Epoch
	SerializedEngineState []byte
	ExportedRatchetTree []byte
	MemberList          []MemberId
	OwnLeafIndex        MemberIndex
}

// MsgType tags the payload carried inside a GroupEnvelope.
type MsgType uint8

const (
	MsgCommit MsgType = iota + 1
	MsgWelcome
	MsgProposal
	MsgApplication
)

// GroupEnvelope is the wire-level group message, exactly spec.md §6.3.
type GroupEnvelope struct {
	Version  uint8
	GroupId  GroupId
	Epoch    Epoch
	Sender   PeerId
	MsgType  MsgType
	Payload  []byte
	OuterSig []byte
}

// FrameType tags the session-layer Frame, exactly spec.md §6.1.
type FrameType uint8

const (
	FrameSessionCtrl FrameType = iota + 1
	FrameOnion
	FrameRPCReq
	FrameRPCResp
	FrameDHTReq
	FrameDHTResp
	FrameGroup
	FrameHeartbeat
)

// Frame is the raw session-layer wire unit.
type Frame struct {
	Version   uint8
	FrameType FrameType
	Reserved  uint16
	Payload   []byte
	MAC       [16]byte
}

// RoutedEnvelope is what the Orchestrator hands to the Router: either a
// direct Session send or an Onion-wrapped send, carrying group traffic or
// DHT/RPC control traffic.
type RoutedEnvelope struct {
	Version    uint8
	FrameType  FrameType
	Sender     PeerId
	Target     PeerId // empty for onion-routed sends with no known final hop
	Payload    []byte
	Signature  []byte
}

// EventKind tags the variants broadcast over the Event Bus (C12).
type EventKind string

const (
	EventGroupCreated    EventKind = "GroupCreated"
	EventJoined          EventKind = "Joined"
	EventMemberAdded     EventKind = "MemberAdded"
	EventMemberRemoved   EventKind = "MemberRemoved"
	EventEpochChanged    EventKind = "EpochChanged"
	EventMessageReceived EventKind = "MessageReceived"
)

// Event is the concrete struct flowing over the Event Bus.
type Event struct {
	ID      uuid.UUID
	Kind    EventKind
	GroupId GroupId
	Payload interface{}
	At      time.Time
}

func newEvent(kind EventKind, gid GroupId, payload interface{}) Event {
	return Event{ID: uuid.New(), Kind: kind, GroupId: gid, Payload: payload, At: time.Now()}
}
