package core

// Secure Group Engine (C10): an MLS-flavored group state machine —
// epochs, a ratchet tree of member leaves, proposals folded into commits,
// Welcome onboarding, and an epoch-keyed application-secret chain giving
// forward secrecy and post-compromise security across commits.
//
// No example repo ships a conformant MLS implementation (germtb-mlsgit's
// internal/mls/epoch.go comes closest, with its EpochKeyArchive idea of
// keeping a bounded ring of past epoch secrets for late messages — this
// engine's epochSecrets retention follows that shape) so this component is
// built from spec.md §4.8 directly, using the Provider's HPKE/Ed25519/HKDF
// primitives as its only cryptographic dependency, matching the teacher's
// practice of layering protocol logic over a narrow crypto-provider
// interface (core/security.go) rather than calling primitives ad hoc.

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cloudflare/circl/kem"
	"golang.org/x/crypto/chacha20poly1305"
)

// commitSecretInfo is the HPKE info string for per-member sealing of a
// Remove commit's random commit secret (see RemoveMembers): only the
// surviving members' leaves receive a sealed copy, so the removed member
// cannot derive the post-removal epoch secret on their own even though they
// can see the commit's public fields.
var commitSecretInfo = []byte("veilmesh-commit-secret-v1")

// GroupLifecycleState is the engine's coarse lifecycle per spec.md §4.8:
// Created -> Active{epoch} -> ... -> Left.
type GroupLifecycleState uint8

const (
	GroupStateCreated GroupLifecycleState = iota
	GroupStateActive
	GroupStateLeft
)

// leafNode is one slot in the ratchet tree. A removed member leaves a
// blank leaf rather than shrinking the tree, so member indices stay stable
// across the group's lifetime.
type leafNode struct {
	Blank      bool
	Identity   Identity
	SigningPub ed25519.PublicKey
	HPKEPub    []byte
}

// RatchetTree is a flat array-of-leaves simplification of MLS's binary
// tree: veilmesh derives one fresh epoch secret per commit from the prior
// epoch secret and the set of structural changes, rather than per-node
// path secrets — adequate for the group sizes spec.md targets, and far
// simpler to get right without a reference implementation to check against.
type RatchetTree struct {
	Leaves []leafNode
}

type memberState struct {
	idx      MemberIndex
	identity Identity
	hpkePub  []byte
	sendSeq  uint64
}

// EpochRetention is how many trailing epoch secrets setEpochSecret keeps
// around for late-arriving messages. SPEC_FULL.md's configuration section
// documents a default of 10; cmd/veilmesh sets this from the loaded
// Config.Group.EpochRetention at startup. A package-level var rather than
// a per-Engine field keeps CreateGroup/JoinFromWelcome's signatures
// unchanged while still letting the binary honor the configured value.
var EpochRetention = 10

// Engine is the per-group state machine. One Engine exists per group per
// local identity; spec.md §4.1 requires exactly one Provider instance per
// identity, and the Engine holds a reference to that shared Provider rather
// than its own keys.
type Engine struct {
	provider *Provider

	mu      sync.Mutex
	groupId GroupId
	epoch   Epoch
	state   GroupLifecycleState
	tree    *RatchetTree
	ownIdx  MemberIndex

	// ownHPKEPriv is this identity's leaf HPKE private key, retained for the
	// group's lifetime (unlike the Provider's onboarding copy, which
	// consumeKeyPackage deletes after Welcome) so Remove commits can seal a
	// commit secret to it.
	ownHPKEPriv kem.PrivateKey

	epochSecrets map[Epoch][]byte
	members      map[MemberIndex]*memberState
	peerIndex    map[PeerId]MemberIndex

	replay  *ReplaySeen[ReplayTuple]
	metrics *Metrics
}

// CreateGroup bootstraps a brand-new group with the local identity as its
// sole, index-0 member, entering GroupStateActive at epoch 0.
func CreateGroup(provider *Provider, groupId GroupId, metrics *Metrics) (*Engine, error) {
	id := provider.Identity()
	hpkePub, hpkePriv, err := hpkeScheme().GenerateKeyPair()
	if err != nil {
		return nil, newErr("CreateGroup", KindCryptoFailure, err)
	}
	hpkePubBytes, err := hpkePub.MarshalBinary()
	if err != nil {
		return nil, newErr("CreateGroup", KindCryptoFailure, err)
	}
	leaf := leafNode{Identity: id, SigningPub: append(ed25519.PublicKey(nil), id.SigningPub...), HPKEPub: hpkePubBytes}
	e := &Engine{
		provider:     provider,
		groupId:      groupId,
		epoch:        0,
		state:        GroupStateActive,
		tree:         &RatchetTree{Leaves: []leafNode{leaf}},
		ownIdx:       0,
		ownHPKEPriv:  hpkePriv,
		epochSecrets: make(map[Epoch][]byte),
		members:      make(map[MemberIndex]*memberState),
		peerIndex:    make(map[PeerId]MemberIndex),
		replay:       NewReplaySeen[ReplayTuple](100_000, 24*time.Hour),
		metrics:      metrics,
	}
	e.members[0] = &memberState{idx: 0, identity: id, hpkePub: hpkePubBytes}
	e.peerIndex[id.PeerId] = 0
	initSecret, err := deriveSecret(groupId[:], []byte("veilmesh-group-init"), 32)
	if err != nil {
		return nil, newErr("CreateGroup", KindCryptoFailure, err)
	}
	e.epochSecrets[0] = initSecret
	return e, nil
}

// validateKeyPackage applies spec.md §4.8's key-package admission checks
// before a KeyPackageBundle may be added to the tree: signature validity,
// ciphersuite match, not expired, not already present in the tree, HPKE
// public key well-formed, credential non-empty, issuer signature present,
// and the bundle not already consumed by a prior Welcome (one-shot use).
func (e *Engine) validateKeyPackage(kp KeyPackageBundle, now int64) error {
	if err := VerifyKeyPackage(kp, now); err != nil {
		return err
	}
	for _, l := range e.tree.Leaves {
		if !l.Blank && string(l.HPKEPub) == string(kp.HPKEInitPub) {
			return newErr("validateKeyPackage", KindValidationFailure, fmt.Errorf("key package already present in group"))
		}
	}
	if len(kp.HPKEInitPub) == 0 {
		return newErr("validateKeyPackage", KindValidationFailure, fmt.Errorf("empty HPKE public key"))
	}
	if len(kp.CredentialId) == 0 {
		return newErr("validateKeyPackage", KindValidationFailure, fmt.Errorf("empty credential"))
	}
	return nil
}

// AddMembers admits one or more validated key packages as new members,
// advances the epoch, and returns the commit to broadcast to existing
// members plus one sealed Welcome per new member.
func (e *Engine) AddMembers(kps []KeyPackageBundle) (GroupEnvelope, map[KeyPackageRef][]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != GroupStateActive {
		return GroupEnvelope{}, nil, newErr("AddMembers", KindValidationFailure, fmt.Errorf("group not active"))
	}
	now := time.Now().Unix()
	newIdxs := make([]MemberIndex, 0, len(kps))
	for _, kp := range kps {
		if err := e.validateKeyPackage(kp, now); err != nil {
			return GroupEnvelope{}, nil, err
		}
		idx := e.nextFreeIndex()
		peerId := PeerId(kp.CredentialId)
		identity := Identity{PeerId: peerId, SigningPub: append(ed25519.PublicKey(nil), kp.SigningPub...)}
		leaf := leafNode{Identity: identity, SigningPub: identity.SigningPub, HPKEPub: append([]byte(nil), kp.HPKEInitPub...)}
		if int(idx) == len(e.tree.Leaves) {
			e.tree.Leaves = append(e.tree.Leaves, leaf)
		} else {
			e.tree.Leaves[idx] = leaf
		}
		e.members[idx] = &memberState{idx: idx, identity: identity, hpkePub: leaf.HPKEPub}
		e.peerIndex[peerId] = idx
		newIdxs = append(newIdxs, idx)
	}

	newEpoch := e.epoch + 1
	newSecret, err := deriveEpochSecret(e.epochSecrets[e.epoch], nil, newEpoch)
	if err != nil {
		return GroupEnvelope{}, nil, newErr("AddMembers", KindCryptoFailure, err)
	}
	e.setEpochSecret(newEpoch, newSecret)
	e.epoch = newEpoch

	welcomes := make(map[KeyPackageRef][]byte, len(kps))
	exportedTree := exportRatchetTree(e.tree)
	for i, kp := range kps {
		payload := encodeWelcomePayload(e.groupId, e.epoch, newSecret, exportedTree, newIdxs[i])
		enc, ct, serr := hpkeSeal(kp.HPKEInitPub, []byte("veilmesh-welcome-v1"), e.groupId[:], payload)
		if serr != nil {
			return GroupEnvelope{}, nil, newErr("AddMembers", KindCryptoFailure, serr)
		}
		welcomes[kp.Ref] = append(lenPrefix(enc), ct...)
	}

	commitPayload := encodeCommitPayload(newIdxs, nil, nil)
	env := e.signEnvelope(MsgCommit, commitPayload)
	e.metrics.incEpochAdvance()
	return env, welcomes, nil
}

// RemoveMembers blanks the given leaves and advances the epoch under a fresh
// random commit secret, sealed via HPKE to every surviving member's leaf key
// but never to the removed leaves: a removed member sees the same public
// commit fields as everyone else but cannot recover the commit secret, so
// they cannot derive the new epoch secret and are cryptographically locked
// out of every later application message (spec.md §8 invariant 5, S2).
func (e *Engine) RemoveMembers(idxs []MemberIndex) (GroupEnvelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != GroupStateActive {
		return GroupEnvelope{}, newErr("RemoveMembers", KindValidationFailure, fmt.Errorf("group not active"))
	}
	for _, idx := range idxs {
		if int(idx) >= len(e.tree.Leaves) || e.tree.Leaves[idx].Blank {
			return GroupEnvelope{}, newErr("RemoveMembers", KindValidationFailure, fmt.Errorf("member %d not present", idx))
		}
	}
	for _, idx := range idxs {
		if m, ok := e.members[idx]; ok {
			delete(e.peerIndex, m.identity.PeerId)
		}
		e.tree.Leaves[idx] = leafNode{Blank: true}
		delete(e.members, idx)
	}

	var commitSecret [32]byte
	if _, err := rand.Read(commitSecret[:]); err != nil {
		return GroupEnvelope{}, newErr("RemoveMembers", KindCryptoFailure, err)
	}

	newEpoch := e.epoch + 1
	newSecret, err := deriveEpochSecret(e.epochSecrets[e.epoch], commitSecret[:], newEpoch)
	if err != nil {
		return GroupEnvelope{}, newErr("RemoveMembers", KindCryptoFailure, err)
	}

	sealed := make(map[MemberIndex][]byte, len(e.tree.Leaves))
	for i, leaf := range e.tree.Leaves {
		if leaf.Blank || MemberIndex(i) == e.ownIdx || len(leaf.HPKEPub) == 0 {
			continue
		}
		enc, ct, serr := hpkeSeal(leaf.HPKEPub, commitSecretInfo, e.groupId[:], commitSecret[:])
		if serr != nil {
			return GroupEnvelope{}, newErr("RemoveMembers", KindCryptoFailure, serr)
		}
		sealed[MemberIndex(i)] = append(lenPrefix(enc), ct...)
	}

	e.setEpochSecret(newEpoch, newSecret)
	e.epoch = newEpoch
	if _, ok := e.members[e.ownIdx]; !ok {
		e.state = GroupStateLeft
	}
	env := e.signEnvelope(MsgCommit, encodeCommitPayload(nil, idxs, sealed))
	e.metrics.incEpochAdvance()
	return env, nil
}

// deriveEpochSecret derives the next epoch's secret from prior. When
// commitSecret is non-empty (a Remove commit), it is mixed in so that only
// holders of the sealed commit secret (core/group.go's RemoveMembers) can
// reproduce the result; an Add commit has no commit secret and derives
// straight from prior, since excluding non-members isn't at stake there.
func deriveEpochSecret(prior, commitSecret []byte, epoch Epoch) ([]byte, error) {
	if len(commitSecret) == 0 {
		return deriveSecret(prior, epochSecretLabel(epoch), 32)
	}
	ikm := append(append([]byte{}, prior...), commitSecret...)
	return deriveSecret(ikm, epochSecretLabel(epoch), 32)
}

// epochSecretLabel is the HKDF label every member derives the new epoch's
// secret with, keyed only by the new epoch number (not by which proposal
// type produced it): committer and receivers start from the same prior
// epoch secret and apply the same label, so they land on a bitwise-equal
// result regardless of which side ran AddMembers/RemoveMembers versus
// ProcessMessage (spec.md §3's cross-member equal-derived-secret
// invariant).
func epochSecretLabel(epoch Epoch) []byte {
	return []byte(fmt.Sprintf("epoch-secret-%d", epoch))
}

// openCommitSecret unwraps this member's sealed share of a Remove commit's
// commit secret using the leaf HPKE private key retained at join time.
func (e *Engine) openCommitSecret(sealed []byte) ([]byte, error) {
	if e.ownHPKEPriv == nil {
		return nil, newErr("openCommitSecret", KindCryptoFailure, fmt.Errorf("no local HPKE key retained"))
	}
	enc, ct, err := splitLenPrefix(sealed)
	if err != nil {
		return nil, newErr("openCommitSecret", KindValidationFailure, err)
	}
	return hpkeOpenWithKey(e.ownHPKEPriv, enc, commitSecretInfo, e.groupId[:], ct)
}

func (e *Engine) nextFreeIndex() MemberIndex {
	for i, l := range e.tree.Leaves {
		if l.Blank {
			return MemberIndex(i)
		}
	}
	return MemberIndex(len(e.tree.Leaves))
}

func (e *Engine) setEpochSecret(epoch Epoch, secret []byte) {
	e.epochSecrets[epoch] = secret
	if len(e.epochSecrets) > EpochRetention {
		oldest := epoch
		for ep := range e.epochSecrets {
			if ep < oldest {
				oldest = ep
			}
		}
		delete(e.epochSecrets, oldest)
	}
}

// signEnvelope wraps payload in a GroupEnvelope signed with the local
// identity's Ed25519 key, binding sender index, epoch and message type
// into the signed content so a modified envelope fails verification.
func (e *Engine) signEnvelope(msgType MsgType, payload []byte) GroupEnvelope {
	env := GroupEnvelope{
		Version: 1,
		GroupId: e.groupId,
		Epoch:   e.epoch,
		Sender:  e.members[e.ownIdx].identity.PeerId,
		MsgType: msgType,
		Payload: payload,
	}
	signable := envelopeSignable(env)
	env.OuterSig = e.provider.Sign(signable)
	return env
}

func envelopeSignable(env GroupEnvelope) []byte {
	var buf []byte
	buf = append(buf, env.GroupId[:]...)
	buf = append(buf, encodeUint64(uint64(env.Epoch))...)
	buf = append(buf, []byte(env.Sender)...)
	buf = append(buf, byte(env.MsgType))
	buf = append(buf, env.Payload...)
	return buf
}

func encodeUint64(v uint64) []byte {
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = byte(v >> (8 * i))
	}
	return out
}

func decodeUint64(buf []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	return v
}

// SendMessage encrypts plaintext under a one-time key derived from the
// current epoch secret, the sender index and this sender's monotonic
// sequence counter — each application message gets its own key, so a
// single exposed key never affects any other message (spec.md §4.8
// forward secrecy within an epoch).
func (e *Engine) SendMessage(plaintext []byte) (GroupEnvelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != GroupStateActive {
		return GroupEnvelope{}, newErr("SendMessage", KindValidationFailure, fmt.Errorf("group not active"))
	}
	self := e.members[e.ownIdx]
	seq := self.sendSeq
	self.sendSeq++

	key, err := e.messageKey(e.epoch, e.ownIdx, seq)
	if err != nil {
		return GroupEnvelope{}, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return GroupEnvelope{}, newErr("SendMessage", KindCryptoFailure, err)
	}
	aad := encodeAppAAD(e.ownIdx, seq)
	ct := aead.Seal(nil, make([]byte, chacha20poly1305.NonceSize), plaintext, aad)
	payload := append(aad, ct...)
	return e.signEnvelope(MsgApplication, payload), nil
}

func (e *Engine) messageKey(epoch Epoch, sender MemberIndex, seq uint64) ([]byte, error) {
	secret, ok := e.epochSecrets[epoch]
	if !ok {
		return nil, newErr("messageKey", KindEpochMismatch, fmt.Errorf("no secret retained for epoch %d", epoch))
	}
	label := fmt.Sprintf("app-%d-%d", sender, seq)
	return deriveSecret(secret, []byte(label), chacha20poly1305.KeySize)
}

func encodeAppAAD(sender MemberIndex, seq uint64) []byte {
	out := make([]byte, 12)
	out[0] = byte(sender)
	out[1] = byte(sender >> 8)
	out[2] = byte(sender >> 16)
	out[3] = byte(sender >> 24)
	for i := 0; i < 8; i++ {
		out[4+i] = byte(seq >> (8 * i))
	}
	return out
}

func decodeAppAAD(aad []byte) (MemberIndex, uint64) {
	sender := MemberIndex(uint32(aad[0]) | uint32(aad[1])<<8 | uint32(aad[2])<<16 | uint32(aad[3])<<24)
	var seq uint64
	for i := 0; i < 8; i++ {
		seq |= uint64(aad[4+i]) << (8 * i)
	}
	return sender, seq
}

// ProcessMessage verifies the outer signature against the claimed sender's
// known signing key, replay-checks (sender, seq) within the epoch, and
// either decrypts an application message or applies a commit.
func (e *Engine) ProcessMessage(env GroupEnvelope) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	senderIdx, known := e.peerIndex[env.Sender]
	sender, ok := e.members[senderIdx]
	if known && ok {
		if !Verify(sender.identity.SigningPub, envelopeSignable(env), env.OuterSig) {
			return nil, newErr("ProcessMessage", KindCryptoFailure, fmt.Errorf("outer signature invalid"))
		}
	} else if env.MsgType != MsgWelcome {
		return nil, newErr("ProcessMessage", KindValidationFailure, fmt.Errorf("unknown sender %s", env.Sender))
	}

	switch env.MsgType {
	case MsgApplication:
		if env.Epoch != e.epoch {
			if _, ok := e.epochSecrets[env.Epoch]; !ok {
				return nil, newErr("ProcessMessage", KindEpochMismatch, fmt.Errorf("epoch %d no longer retained", env.Epoch))
			}
		}
		if len(env.Payload) < 12 {
			return nil, newErr("ProcessMessage", KindValidationFailure, fmt.Errorf("short application payload"))
		}
		aad, ct := env.Payload[:12], env.Payload[12:]
		aadSender, seq := decodeAppAAD(aad)
		tuple := ReplayTuple{Group: e.groupId, Epoch: env.Epoch, Sender: aadSender, Seq: seq}
		if e.replay.SeenOrRecord(tuple) {
			e.metrics.incReplayDetected()
			return nil, newErr("ProcessMessage", KindReplayDetected, fmt.Errorf("duplicate (sender,seq)"))
		}
		key, err := e.messageKey(env.Epoch, aadSender, seq)
		if err != nil {
			return nil, err
		}
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, newErr("ProcessMessage", KindCryptoFailure, err)
		}
		plain, err := aead.Open(nil, make([]byte, chacha20poly1305.NonceSize), ct, aad)
		if err != nil {
			return nil, newErr("ProcessMessage", KindCryptoFailure, err)
		}
		return plain, nil

	case MsgCommit:
		if env.Epoch != e.epoch+1 {
			return nil, newErr("ProcessMessage", KindEpochMismatch, fmt.Errorf("commit does not chain from current epoch"))
		}
		added, removed, sealed := decodeCommitPayload(env.Payload)
		_ = added // member leaves for additions arrive via the sender's own AddMembers call / Welcome, not reconstructed here
		selfRemoved := false
		for _, idx := range removed {
			if idx == e.ownIdx {
				selfRemoved = true
				break
			}
		}

		// A commit that removes us transitions us to Left outright: we have
		// no use for (and may not even have been sent) this epoch's secret,
		// since we're no longer in the group it protects.
		if selfRemoved {
			e.state = GroupStateLeft
			return nil, newErr("ProcessMessage", KindValidationFailure, fmt.Errorf("this member was removed by the commit"))
		}

		// Derive and validate the new epoch secret fully before mutating any
		// engine state: a commit that fails here must leave the tree,
		// members and epoch byte-identical to the pre-call snapshot
		// (spec.md §4.8).
		var newSecret []byte
		var err error
		if len(sealed) > 0 {
			ours, ok := sealed[e.ownIdx]
			if !ok {
				// The committer omitted our share without actually removing
				// us: we cannot reconstruct this epoch's secret, but we're
				// still a member, so this is a rejected commit, not an
				// eviction — state is left untouched.
				return nil, newErr("ProcessMessage", KindValidationFailure, fmt.Errorf("no epoch secret available for this member"))
			}
			commitSecret, operr := e.openCommitSecret(ours)
			if operr != nil {
				return nil, operr
			}
			newSecret, err = deriveEpochSecret(e.epochSecrets[e.epoch], commitSecret, env.Epoch)
			if err != nil {
				return nil, newErr("ProcessMessage", KindCryptoFailure, err)
			}
		} else {
			newSecret, err = deriveEpochSecret(e.epochSecrets[e.epoch], nil, env.Epoch)
			if err != nil {
				return nil, newErr("ProcessMessage", KindCryptoFailure, err)
			}
		}

		for _, idx := range removed {
			if m, ok := e.members[idx]; ok {
				delete(e.peerIndex, m.identity.PeerId)
			}
			if int(idx) < len(e.tree.Leaves) {
				e.tree.Leaves[idx] = leafNode{Blank: true}
			}
			delete(e.members, idx)
		}
		e.setEpochSecret(env.Epoch, newSecret)
		e.epoch = env.Epoch
		e.metrics.incEpochAdvance()
		return nil, nil

	default:
		return nil, newErr("ProcessMessage", KindValidationFailure, fmt.Errorf("unexpected message type in ProcessMessage"))
	}
}

// JoinFromWelcome opens a Welcome sealed to ref (this identity's key
// package) and bootstraps a fresh Engine at the epoch and membership view
// the Welcome carries. Once opened, the key package is consumed: a replayed
// Welcome for the same ref can no longer be opened (spec.md S7).
func JoinFromWelcome(provider *Provider, ref KeyPackageRef, sealed []byte, metrics *Metrics) (*Engine, error) {
	enc, ct, err := splitLenPrefix(sealed)
	if err != nil {
		return nil, newErr("JoinFromWelcome", KindValidationFailure, err)
	}
	plain, err := provider.hpkeOpen(ref, enc, []byte("veilmesh-welcome-v1"), nil, ct)
	if err != nil {
		return nil, err
	}
	groupId, epoch, secret, tree, ownIdx, err := decodeWelcomePayload(plain)
	if err != nil {
		return nil, newErr("JoinFromWelcome", KindValidationFailure, err)
	}
	// hpkeOpen above already proved this ref's private half lives in this
	// exact provider; capture it for the group's lifetime before the
	// onboarding copy is deleted below (see Engine.ownHPKEPriv).
	ownHPKEPriv, _ := provider.privateHPKEKey(ref)
	provider.consumeKeyPackage(ref)

	e := &Engine{
		provider:     provider,
		groupId:      groupId,
		epoch:        epoch,
		state:        GroupStateActive,
		tree:         tree,
		ownIdx:       ownIdx,
		ownHPKEPriv:  ownHPKEPriv,
		epochSecrets: map[Epoch][]byte{epoch: secret},
		members:      make(map[MemberIndex]*memberState),
		peerIndex:    make(map[PeerId]MemberIndex),
		replay:       NewReplaySeen[ReplayTuple](100_000, 24*time.Hour),
		metrics:      metrics,
	}
	for i, l := range tree.Leaves {
		if l.Blank {
			continue
		}
		peerId := peerIdFromSigningPub(l.SigningPub)
		identity := Identity{PeerId: peerId, SigningPub: l.SigningPub}
		e.tree.Leaves[i].Identity = identity
		e.members[MemberIndex(i)] = &memberState{idx: MemberIndex(i), identity: identity, hpkePub: l.HPKEPub}
		e.peerIndex[peerId] = MemberIndex(i)
	}
	id := provider.Identity()
	if self, ok := e.members[ownIdx]; ok {
		self.identity = id
		e.peerIndex[id.PeerId] = ownIdx
	}
	return e, nil
}

// ExportSnapshot serializes the engine's current state for persistence via
// the Persistence Coordinator.
func (e *Engine) ExportSnapshot() PersistedGroupSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	members := make([]MemberId, 0, len(e.members))
	for _, m := range e.members {
		members = append(members, MemberId(m.identity.PeerId))
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return PersistedGroupSnapshot{
		Version:                1,
		GroupId:                e.groupId,
		Epoch:                  e.epoch,
		SerializedEngineState:  e.epochSecrets[e.epoch],
		ExportedRatchetTree:    exportRatchetTree(e.tree),
		MemberList:             members,
		OwnLeafIndex:           e.ownIdx,
	}
}

func exportRatchetTree(t *RatchetTree) []byte {
	var buf []byte
	for _, l := range t.Leaves {
		if l.Blank {
			buf = append(buf, 0)
			continue
		}
		buf = append(buf, 1)
		buf = append(buf, byte(len(l.SigningPub)))
		buf = append(buf, l.SigningPub...)
		buf = append(buf, byte(len(l.HPKEPub)))
		buf = append(buf, l.HPKEPub...)
	}
	return buf
}

func encodeWelcomePayload(groupId GroupId, epoch Epoch, secret, tree []byte, ownIdx MemberIndex) []byte {
	var buf []byte
	buf = append(buf, groupId[:]...)
	buf = append(buf, encodeUint64(uint64(epoch))...)
	buf = append(buf, byte(len(secret)))
	buf = append(buf, secret...)
	buf = append(buf, byte(ownIdx), byte(ownIdx>>8), byte(ownIdx>>16), byte(ownIdx>>24))
	buf = append(buf, tree...)
	return buf
}

func decodeWelcomePayload(buf []byte) (GroupId, Epoch, []byte, *RatchetTree, MemberIndex, error) {
	if len(buf) < 32+8+1 {
		return GroupId{}, 0, nil, nil, 0, fmt.Errorf("welcome payload too short")
	}
	var groupId GroupId
	copy(groupId[:], buf[:32])
	off := 32
	epoch := Epoch(decodeUint64(buf[off : off+8]))
	off += 8
	secretLen := int(buf[off])
	off++
	if len(buf) < off+secretLen+4 {
		return GroupId{}, 0, nil, nil, 0, fmt.Errorf("welcome payload truncated")
	}
	secret := append([]byte(nil), buf[off:off+secretLen]...)
	off += secretLen
	ownIdx := MemberIndex(uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24)
	off += 4
	tree, err := importRatchetTree(buf[off:])
	if err != nil {
		return GroupId{}, 0, nil, nil, 0, err
	}
	return groupId, epoch, secret, tree, ownIdx, nil
}

func importRatchetTree(buf []byte) (*RatchetTree, error) {
	t := &RatchetTree{}
	off := 0
	for off < len(buf) {
		if buf[off] == 0 {
			t.Leaves = append(t.Leaves, leafNode{Blank: true})
			off++
			continue
		}
		off++
		if off >= len(buf) {
			return nil, fmt.Errorf("truncated tree")
		}
		sigLen := int(buf[off])
		off++
		if len(buf) < off+sigLen+1 {
			return nil, fmt.Errorf("truncated tree")
		}
		sig := append([]byte(nil), buf[off:off+sigLen]...)
		off += sigLen
		hpkeLen := int(buf[off])
		off++
		if len(buf) < off+hpkeLen {
			return nil, fmt.Errorf("truncated tree")
		}
		hpkePub := append([]byte(nil), buf[off:off+hpkeLen]...)
		off += hpkeLen
		t.Leaves = append(t.Leaves, leafNode{SigningPub: sig, HPKEPub: hpkePub})
	}
	return t, nil
}

// encodeCommitPayload wire-encodes a commit's structural delta: added and
// removed leaf indices, plus (for Remove commits only) one HPKE-sealed
// commit-secret share per surviving member, keyed by that member's index.
func encodeCommitPayload(added, removed []MemberIndex, sealed map[MemberIndex][]byte) []byte {
	var buf []byte
	buf = append(buf, byte(len(added)))
	for _, a := range added {
		buf = append(buf, byte(a), byte(a>>8), byte(a>>16), byte(a>>24))
	}
	buf = append(buf, byte(len(removed)))
	for _, r := range removed {
		buf = append(buf, byte(r), byte(r>>8), byte(r>>16), byte(r>>24))
	}
	n := len(sealed)
	buf = append(buf, byte(n), byte(n>>8))
	idxs := make([]MemberIndex, 0, n)
	for idx := range sealed {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
	for _, idx := range idxs {
		data := sealed[idx]
		buf = append(buf, byte(idx), byte(idx>>8), byte(idx>>16), byte(idx>>24))
		l := len(data)
		buf = append(buf, byte(l), byte(l>>8), byte(l>>16), byte(l>>24))
		buf = append(buf, data...)
	}
	return buf
}

func decodeCommitPayload(buf []byte) (added, removed []MemberIndex, sealed map[MemberIndex][]byte) {
	sealed = make(map[MemberIndex][]byte)
	if len(buf) < 1 {
		return nil, nil, sealed
	}
	off := 0
	n := int(buf[off])
	off++
	for i := 0; i < n && off+4 <= len(buf); i++ {
		added = append(added, MemberIndex(uint32(buf[off])|uint32(buf[off+1])<<8|uint32(buf[off+2])<<16|uint32(buf[off+3])<<24))
		off += 4
	}
	if off >= len(buf) {
		return added, nil, sealed
	}
	m := int(buf[off])
	off++
	for i := 0; i < m && off+4 <= len(buf); i++ {
		removed = append(removed, MemberIndex(uint32(buf[off])|uint32(buf[off+1])<<8|uint32(buf[off+2])<<16|uint32(buf[off+3])<<24))
		off += 4
	}
	if off+2 > len(buf) {
		return added, removed, sealed
	}
	sc := int(buf[off]) | int(buf[off+1])<<8
	off += 2
	for i := 0; i < sc && off+8 <= len(buf); i++ {
		idx := MemberIndex(uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24)
		off += 4
		dl := int(uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24)
		off += 4
		if off+dl > len(buf) {
			break
		}
		sealed[idx] = append([]byte(nil), buf[off:off+dl]...)
		off += dl
	}
	return added, removed, sealed
}

// Epoch returns the engine's current epoch.
func (e *Engine) Epoch() Epoch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

// State returns the engine's lifecycle state.
func (e *Engine) State() GroupLifecycleState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// MemberIds returns the MemberId (by PeerId) currently seated at each
// member index, for callers that need to reconcile a roster against the
// engine's membership without decoding the private commit wire format.
func (e *Engine) MemberIds() map[MemberIndex]MemberId {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[MemberIndex]MemberId, len(e.members))
	for idx, m := range e.members {
		out[idx] = MemberId(m.identity.PeerId)
	}
	return out
}
