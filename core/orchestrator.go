package core

// Channel Orchestrator (C13): the user-facing composition root — creates
// channels, mints and processes invites, sends/receives messages, and
// enforces CMS capability checks before any SGE mutation.
//
// Grounded on the teacher's top-level node wiring in cmd/synnergy (the
// place that composes independently-testable subsystems into one running
// node); unlike the teacher's cmd package, this orchestrator is itself a
// library type, not a main() — cmd/veilmesh is a thin CLI shell over it.

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"
)

// Orchestrator composes the Secure Group Engine, Convergent Metadata
// Store, DHT, and Event Bus into the operations spec.md §6.5 exposes.
type Orchestrator struct {
	provider    *Provider
	dht         *DHTEngine
	persistence *PersistenceCoordinator
	bus         *EventBus
	metrics     *Metrics

	mu       sync.Mutex
	channels map[GroupId]*channelState
}

type channelState struct {
	descriptor ChannelDescriptor
	engine     *Engine
	meta       *ChannelMetadataCRDT
}

func NewOrchestrator(provider *Provider, dht *DHTEngine, persistence *PersistenceCoordinator, bus *EventBus, metrics *Metrics) *Orchestrator {
	return &Orchestrator{
		provider:    provider,
		dht:         dht,
		persistence: persistence,
		bus:         bus,
		metrics:     metrics,
		channels:    make(map[GroupId]*channelState),
	}
}

// CreateChannel bootstraps a brand-new group and its CMS document, owned by
// the local identity, and (for public channels) publishes a signed
// ChannelDescriptor to the DHT so others can discover it.
func (o *Orchestrator) CreateChannel(name string, isPublic bool) (ChannelDescriptor, error) {
	var groupId GroupId
	if _, err := rand.Read(groupId[:]); err != nil {
		return ChannelDescriptor{}, newErr("CreateChannel", KindCryptoFailure, err)
	}
	engine, err := CreateGroup(o.provider, groupId, o.metrics)
	if err != nil {
		return ChannelDescriptor{}, err
	}
	id := o.provider.Identity()
	owner := MemberId(id.PeerId)
	meta := NewChannelMetadataCRDT(fmt.Sprintf("%x", groupId), owner)
	meta.AssignRole(owner, "owner", NewCapabilitySet(CapInvite, CapRemove, CapPin, CapSetTopic, CapManageRoles))

	desc := ChannelDescriptor{
		ChannelId:  groupId,
		Owner:      id.PeerId,
		OwnerPub:   id.SigningPub,
		Name:       name,
		IsPublic:   isPublic,
		MLSGroupId: groupId,
		CreatedAt:  time.Now(),
	}
	desc.Sig = o.provider.Sign(descriptorSignable(desc))

	o.mu.Lock()
	o.channels[groupId] = &channelState{descriptor: desc, engine: engine, meta: meta}
	o.mu.Unlock()

	if isPublic {
		encoded := encodeChannelDescriptor(desc)
		if err := o.dht.Store(context.Background(), dhtKeyFor("channel:"+desc.Name), encoded, "channel_descriptor", validateChannelDescriptor); err != nil {
			return desc, err
		}
	}
	o.bus.PublishKind(EventGroupCreated, groupId, desc)
	return desc, nil
}

func descriptorSignable(d ChannelDescriptor) []byte {
	var buf []byte
	buf = append(buf, d.ChannelId[:]...)
	buf = append(buf, []byte(d.Owner)...)
	buf = append(buf, []byte(d.Name)...)
	if d.IsPublic {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, d.MLSGroupId[:]...)
	return buf
}

func validateChannelDescriptor(data []byte) error {
	d, err := decodeChannelDescriptor(data)
	if err != nil {
		return err
	}
	if !Verify(d.OwnerPub, descriptorSignable(d), d.Sig) {
		return fmt.Errorf("bad channel descriptor signature")
	}
	return nil
}

// MintInvite admits a prospective member's key package into the channel's
// group, returning an InviteToken bundling the sealed Welcome for
// out-of-band delivery. Requires CapInvite.
func (o *Orchestrator) MintInvite(channelId GroupId, inviter MemberId, kp KeyPackageBundle) (InviteToken, error) {
	cs, err := o.requireCapability(channelId, inviter, CapInvite)
	if err != nil {
		return InviteToken{}, err
	}
	commit, welcomes, err := cs.engine.AddMembers([]KeyPackageBundle{kp})
	if err != nil {
		return InviteToken{}, err
	}
	welcome, ok := welcomes[kp.Ref]
	if !ok {
		return InviteToken{}, newErr("MintInvite", KindValidationFailure, fmt.Errorf("no welcome produced for key package"))
	}
	newMember := MemberId(kp.CredentialId)
	cs.meta.Clock = cs.meta.Clock.Advance(inviter)
	cs.meta.Members.Add(newMember, tagFor(string(channelId[:]), string(newMember), string(commit.Sender)), cs.meta.Clock)
	o.bus.PublishKind(EventMemberAdded, channelId, newMember)
	o.bus.PublishKind(EventEpochChanged, channelId, cs.engine.Epoch())

	return InviteToken{
		ChannelId: channelId,
		Welcome:   welcome,
		IssuerSig: o.provider.Sign(welcome),
		IssuedAt:  time.Now(),
	}, nil
}

// ProcessInvite consumes an InviteToken via join_from_welcome, installing a
// fresh Engine for the channel and returning the local channel handle.
func (o *Orchestrator) ProcessInvite(ref KeyPackageRef, invite InviteToken) (ChannelDescriptor, error) {
	engine, err := JoinFromWelcome(o.provider, ref, invite.Welcome, o.metrics)
	if err != nil {
		return ChannelDescriptor{}, err
	}
	id := o.provider.Identity()
	meta := NewChannelMetadataCRDT(fmt.Sprintf("%x", invite.ChannelId), MemberId(id.PeerId))
	desc := ChannelDescriptor{ChannelId: invite.ChannelId, MLSGroupId: invite.ChannelId, CreatedAt: invite.IssuedAt}

	o.mu.Lock()
	o.channels[invite.ChannelId] = &channelState{descriptor: desc, engine: engine, meta: meta}
	o.mu.Unlock()

	o.bus.PublishKind(EventJoined, invite.ChannelId, nil)
	return desc, nil
}

// SendMessage enforces no capability check of its own (any current member
// may post); removal/permission changes are enforced at AddMembers/role
// mutation time instead, matching spec.md §4.10's "capabilities gate
// structural changes, not message content" design note.
func (o *Orchestrator) SendMessage(channelId GroupId, plaintext []byte) (GroupEnvelope, error) {
	cs, err := o.channel(channelId)
	if err != nil {
		return GroupEnvelope{}, err
	}
	env, err := cs.engine.SendMessage(plaintext)
	if err != nil {
		return GroupEnvelope{}, err
	}
	if _, err := o.persistence.AppendIntent(channelId, "send_message", env.Payload); err != nil {
		return GroupEnvelope{}, err
	}
	return env, nil
}

// Receive processes an inbound GroupEnvelope: application messages are
// decrypted and returned, and commits are applied to the engine. On a
// Remove commit the CMS membership view is reconciled to match by
// tombstoning whichever members the engine actually dropped, keyed on the
// committer's vector-clock contribution, so a concurrent rejoin can still
// only revive via a later Add. Newly added members are not reconciled
// here: the inviter records them in the CMS at MintInvite time, and the
// new member learns the roster for themselves via ProcessInvite.
func (o *Orchestrator) Receive(channelId GroupId, env GroupEnvelope) ([]byte, error) {
	cs, err := o.channel(channelId)
	if err != nil {
		return nil, err
	}
	before := cs.engine.MemberIds()
	plaintext, err := cs.engine.ProcessMessage(env)
	if err != nil {
		return nil, err
	}
	if env.MsgType == MsgCommit {
		after := cs.engine.MemberIds()
		for idx, id := range before {
			if _, stillPresent := after[idx]; !stillPresent {
				cs.meta.Clock = cs.meta.Clock.Advance(MemberId(env.Sender))
				cs.meta.Members.Remove(id, cs.meta.Clock)
			}
		}
		o.bus.PublishKind(EventEpochChanged, channelId, cs.engine.Epoch())
	} else if env.MsgType == MsgApplication {
		o.bus.PublishKind(EventMessageReceived, channelId, plaintext)
	}
	return plaintext, nil
}

// PinMessage records messageId as pinned, enforcing CapPin.
func (o *Orchestrator) PinMessage(channelId GroupId, member MemberId, messageId MessageId) error {
	cs, err := o.requireCapability(channelId, member, CapPin)
	if err != nil {
		return err
	}
	cs.meta.Pinned.Add(messageId, tagFor(string(channelId[:]), fmt.Sprintf("%x", messageId)))
	return nil
}

// SetTopic updates the channel's LWW topic register, enforcing CapSetTopic.
func (o *Orchestrator) SetTopic(channelId GroupId, member MemberId, topic string, clock VectorClock) error {
	cs, err := o.requireCapability(channelId, member, CapSetTopic)
	if err != nil {
		return err
	}
	cs.meta.Topic.Set(topic, clock.Advance(member), member)
	return nil
}

// RemoveMember enforces CapRemove, then removes the member from both the
// SGE tree (forward-secrecy epoch advance) and the CMS membership set.
func (o *Orchestrator) RemoveMember(channelId GroupId, remover MemberId, target MemberIndex) (GroupEnvelope, error) {
	cs, err := o.requireCapability(channelId, remover, CapRemove)
	if err != nil {
		return GroupEnvelope{}, err
	}
	targetId, known := cs.engine.MemberIds()[target]
	env, err := cs.engine.RemoveMembers([]MemberIndex{target})
	if err != nil {
		return GroupEnvelope{}, err
	}
	if known {
		cs.meta.Clock = cs.meta.Clock.Advance(remover)
		cs.meta.Members.Remove(targetId, cs.meta.Clock)
	}
	o.bus.PublishKind(EventMemberRemoved, channelId, target)
	return env, nil
}

func (o *Orchestrator) requireCapability(channelId GroupId, member MemberId, cap Capability) (*channelState, error) {
	cs, err := o.channel(channelId)
	if err != nil {
		return nil, err
	}
	if !cs.meta.CapabilitiesOf(member).Has(cap) {
		return nil, newErr("requireCapability", KindPermissionDenied, fmt.Errorf("member %s lacks capability %s", member, cap))
	}
	return cs, nil
}

func (o *Orchestrator) channel(channelId GroupId) (*channelState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cs, ok := o.channels[channelId]
	if !ok {
		return nil, newErr("channel", KindValidationFailure, fmt.Errorf("unknown channel"))
	}
	return cs, nil
}

// MergeRemoteMetadata merges a remote replica's CMS document into the
// local one, converging membership/topic/roles/pins deterministically
// regardless of arrival order (spec.md §4.9).
func (o *Orchestrator) MergeRemoteMetadata(channelId GroupId, remote *ChannelMetadataCRDT) error {
	cs, err := o.channel(channelId)
	if err != nil {
		return err
	}
	cs.meta.Merge(remote)
	return nil
}

func encodeChannelDescriptor(d ChannelDescriptor) []byte {
	var buf []byte
	buf = append(buf, d.ChannelId[:]...)
	buf = appendLenPrefixed(buf, []byte(d.Owner))
	buf = appendLenPrefixed(buf, d.OwnerPub)
	buf = appendLenPrefixed(buf, []byte(d.Name))
	if d.IsPublic {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, d.MLSGroupId[:]...)
	buf = appendLenPrefixed(buf, d.Sig)
	return buf
}

func decodeChannelDescriptor(buf []byte) (ChannelDescriptor, error) {
	if len(buf) < 32 {
		return ChannelDescriptor{}, fmt.Errorf("channel descriptor too short")
	}
	var d ChannelDescriptor
	copy(d.ChannelId[:], buf[:32])
	off := 32
	var owner, ownerPub, name, sig []byte
	var err error
	owner, off, err = readLenPrefixed(buf, off)
	if err != nil {
		return ChannelDescriptor{}, err
	}
	d.Owner = PeerId(owner)
	ownerPub, off, err = readLenPrefixed(buf, off)
	if err != nil {
		return ChannelDescriptor{}, err
	}
	d.OwnerPub = ownerPub
	name, off, err = readLenPrefixed(buf, off)
	if err != nil {
		return ChannelDescriptor{}, err
	}
	d.Name = string(name)
	if len(buf) < off+1+32 {
		return ChannelDescriptor{}, fmt.Errorf("channel descriptor truncated")
	}
	d.IsPublic = buf[off] == 1
	off++
	copy(d.MLSGroupId[:], buf[off:off+32])
	off += 32
	sig, _, err = readLenPrefixed(buf, off)
	if err != nil {
		return ChannelDescriptor{}, err
	}
	d.Sig = sig
	return d, nil
}
