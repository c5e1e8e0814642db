package core

// Crypto Provider and Provider-Shared Group Store (C1, C11).
//
//   - Binds Ed25519 sign/verify, HPKE seal/open (circl), HKDF, and the CSPRNG
//     behind one process-wide instance per user identity.
//   - Holds the keyed storage namespace for MLS key material: private
//     KeyPackageBundle halves generated by generate_key_package and looked
//     up later by join_from_welcome.
//
// Contract (spec.md §4.1): exactly one Provider per identity. Every SGE
// operation for that identity takes a reference to the same *Provider; a
// second, freshly constructed Provider has an empty keyPackageStore and
// will fail Welcome processing with NoMatchingKeyPackage — this is not a
// bug to paper over, it is the mechanism S7 tests.

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"hash"
	"sync"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"
)

// hpkeSuite is the ciphersuite named in spec.md §4.1: DHKEM-X25519 +
// HKDF-SHA-256 + AES-128-GCM.
var hpkeSuite = hpke.NewSuite(hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_AES128GCM)

func hpkeScheme() kem.Scheme { return hpkeSuite.KEM.Scheme() }

// privateKeyPackage is the private half of a KeyPackageBundle, kept only in
// the Provider's storage namespace, never serialized to the wire.
type privateKeyPackage struct {
	bundle     KeyPackageBundle
	signingKey ed25519.PrivateKey
	hpkeKey    kem.PrivateKey
}

// Provider is the one-per-identity cryptographic context. Construct it once
// with NewProvider and pass the same pointer into every SGE call for that
// identity.
type Provider struct {
	identity Identity
	signing  ed25519.PrivateKey

	mu             sync.RWMutex
	keyPackageStore map[KeyPackageRef]*privateKeyPackage
}

// NewProvider creates a fresh per-identity provider with a new Ed25519
// signing keypair. Callers must keep the returned pointer alive and reuse
// it for every subsequent operation on this identity (see package doc).
func NewProvider(deviceLabel string) (*Provider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, newErr("NewProvider", KindCryptoFailure, err)
	}
	p := &Provider{
		signing:         priv,
		keyPackageStore: make(map[KeyPackageRef]*privateKeyPackage),
	}
	p.identity = Identity{
		PeerId:      PeerId(fmt.Sprintf("%x", pub)),
		DeviceLabel: deviceLabel,
		SigningPub:  pub,
	}
	return p, nil
}

// Identity returns the identity this provider was constructed for.
func (p *Provider) Identity() Identity { return p.identity }

// SigningKey returns the long-term Ed25519 private key backing Sign, for
// callers (the Session handshake) that need to hand it to another
// component rather than call through Provider directly.
func (p *Provider) SigningKey() ed25519.PrivateKey { return p.signing }

// peerIdFromSigningPub derives a PeerId the same way NewProvider does, so a
// remote signing key reconstructed from a ratchet-tree leaf or KeyPackage
// resolves to the same PeerId the owning Provider uses for itself.
func peerIdFromSigningPub(pub ed25519.PublicKey) PeerId {
	return PeerId(fmt.Sprintf("%x", pub))
}

// Sign signs msg with the provider's long-term signing key.
func (p *Provider) Sign(msg []byte) []byte {
	return ed25519.Sign(p.signing, msg)
}

// Verify checks sig over msg against pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

// GenerateKeyPackage produces a freshly signed public KeyPackage and stores
// its private half keyed by a fresh KeyPackageRef, satisfying the
// generate_key_package contract in spec.md §4.8: a later join_from_welcome
// on this same *Provider will find it.
func (p *Provider) GenerateKeyPackage(suite Ciphersuite, expiresIn int64) (KeyPackageBundle, error) {
	hpkePub, hpkePriv, err := hpkeScheme().GenerateKeyPair()
	if err != nil {
		return KeyPackageBundle{}, newErr("GenerateKeyPackage", KindCryptoFailure, err)
	}
	pubBytes, err := hpkePub.MarshalBinary()
	if err != nil {
		return KeyPackageBundle{}, newErr("GenerateKeyPackage", KindCryptoFailure, err)
	}

	var refSeed [8]byte
	if _, err := rand.Read(refSeed[:]); err != nil {
		return KeyPackageBundle{}, newErr("GenerateKeyPackage", KindCryptoFailure, err)
	}
	ref := KeyPackageRef(blake3.Sum256(append([]byte(p.identity.PeerId), refSeed[:]...)))

	bundle := KeyPackageBundle{
		Ref:          ref,
		CredentialId: []byte(p.identity.PeerId),
		SigningPub:   p.identity.SigningPub,
		HPKEInitPub:  pubBytes,
		Ciphersuite:  suite,
	}
	signable := keyPackageSignable(bundle)
	bundle.IssuerSig = p.Sign(signable)

	p.mu.Lock()
	p.keyPackageStore[ref] = &privateKeyPackage{bundle: bundle, signingKey: p.signing, hpkeKey: hpkePriv}
	p.mu.Unlock()

	return bundle, nil
}

func keyPackageSignable(b KeyPackageBundle) []byte {
	out := append([]byte{}, b.CredentialId...)
	out = append(out, b.SigningPub...)
	out = append(out, b.HPKEInitPub...)
	return out
}

// VerifyKeyPackage validates signature, ciphersuite and expiry, per the Add
// validation rules in spec.md §4.8.
func VerifyKeyPackage(b KeyPackageBundle, now int64) error {
	if len(b.IssuerSig) == 0 || !Verify(b.SigningPub, keyPackageSignable(b), b.IssuerSig) {
		return newErr("VerifyKeyPackage", KindValidationFailure, fmt.Errorf("bad key package signature"))
	}
	if b.Ciphersuite != CiphersuiteDefault {
		return newErr("VerifyKeyPackage", KindValidationFailure, fmt.Errorf("unsupported ciphersuite %d", b.Ciphersuite))
	}
	if !b.ExpiresAt.IsZero() && b.ExpiresAt.Unix() < now {
		return newErr("VerifyKeyPackage", KindValidationFailure, fmt.Errorf("key package expired"))
	}
	return nil
}

// lookupPrivateHalf finds the private half for ref. This is the exact
// mechanism behind NoMatchingKeyPackage: a Provider that never called
// GenerateKeyPackage for this ref (e.g. a second, unrelated instance) always
// misses here.
func (p *Provider) lookupPrivateHalf(ref KeyPackageRef) (*privateKeyPackage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pk, ok := p.keyPackageStore[ref]
	return pk, ok
}

// consumeKeyPackage removes a key package after it has been used to admit a
// member, enforcing the one-shot Welcome rule (validation rule 8).
func (p *Provider) consumeKeyPackage(ref KeyPackageRef) {
	p.mu.Lock()
	delete(p.keyPackageStore, ref)
	p.mu.Unlock()
}

// hpkeSeal seals plaintext to recipient's HPKE public key, used for
// KeyPackage-targeted Welcome wrapping and onion layers alike.
func hpkeSeal(recipientPub []byte, info, aad, plaintext []byte) (enc, ciphertext []byte, err error) {
	pub, err := hpkeScheme().UnmarshalBinaryPublicKey(recipientPub)
	if err != nil {
		return nil, nil, newErr("hpkeSeal", KindCryptoFailure, err)
	}
	sender, err := hpkeSuite.NewSender(pub, info)
	if err != nil {
		return nil, nil, newErr("hpkeSeal", KindCryptoFailure, err)
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, nil, newErr("hpkeSeal", KindCryptoFailure, err)
	}
	ct, err := sealer.Seal(plaintext, aad)
	if err != nil {
		return nil, nil, newErr("hpkeSeal", KindCryptoFailure, err)
	}
	return enc, ct, nil
}

// hpkeOpen opens a ciphertext produced by hpkeSeal using the matching
// private half, located via the Provider's shared storage.
func (p *Provider) hpkeOpen(ref KeyPackageRef, enc, info, aad, ciphertext []byte) ([]byte, error) {
	pk, ok := p.lookupPrivateHalf(ref)
	if !ok {
		return nil, newErr("hpkeOpen", KindNoMatchingKeyPackage, fmt.Errorf("no private key package for ref"))
	}
	return hpkeOpenWithKey(pk.hpkeKey, enc, info, aad, ciphertext)
}

// privateHPKEKey exposes the raw private half for a not-yet-consumed ref, so
// a joining Engine can retain its own leaf's HPKE key for the lifetime of its
// membership: consumeKeyPackage only deletes the Provider's onboarding copy,
// and without a copy held by the Engine it could never open a later Remove
// commit's per-member sealed commit secret (see core/group.go).
func (p *Provider) privateHPKEKey(ref KeyPackageRef) (kem.PrivateKey, bool) {
	pk, ok := p.lookupPrivateHalf(ref)
	if !ok {
		return nil, false
	}
	return pk.hpkeKey, true
}

// hpkeOpenWithKey opens a ciphertext directly against a caller-held private
// key, for callers (the SGE's own-leaf commit-secret unwrap) that don't go
// through the Provider's ref-keyed store.
func hpkeOpenWithKey(priv kem.PrivateKey, enc, info, aad, ciphertext []byte) ([]byte, error) {
	receiver, err := hpkeSuite.NewReceiver(priv, info)
	if err != nil {
		return nil, newErr("hpkeOpenWithKey", KindCryptoFailure, err)
	}
	opener, err := receiver.Setup(enc)
	if err != nil {
		return nil, newErr("hpkeOpenWithKey", KindCryptoFailure, err)
	}
	pt, err := opener.Open(ciphertext, aad)
	if err != nil {
		return nil, newErr("hpkeOpenWithKey", KindCryptoFailure, err)
	}
	return pt, nil
}

// deriveSecret runs HKDF-Expand over `secret` with the given label,
// producing outLen bytes. Used throughout the SGE for the epoch/application
// secret chain (spec.md §4.8) and the onion router's per-hop keys.
func deriveSecret(secret, label []byte, outLen int) ([]byte, error) {
	newHash := func() hash.Hash { return blake3.New(32, nil) }
	r := hkdf.Expand(newHash, secret, label)
	out := make([]byte, outLen)
	if _, err := r.Read(out); err != nil {
		return nil, newErr("deriveSecret", KindCryptoFailure, err)
	}
	return out, nil
}
