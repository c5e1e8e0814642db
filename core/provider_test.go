package core

import (
	"testing"
	"time"
)

func TestGenerateKeyPackageRoundTrip(t *testing.T) {
	p, err := NewProvider("alice-laptop")
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	kp, err := p.GenerateKeyPackage(CiphersuiteDefault, 0)
	if err != nil {
		t.Fatalf("GenerateKeyPackage: %v", err)
	}
	if err := VerifyKeyPackage(kp, 0); err != nil {
		t.Fatalf("VerifyKeyPackage: %v", err)
	}
	if _, ok := p.lookupPrivateHalf(kp.Ref); !ok {
		t.Fatal("private half not found in originating provider")
	}
}

func TestVerifyKeyPackageRejectsTamperedSignature(t *testing.T) {
	p, err := NewProvider("alice")
	if err != nil {
		t.Fatal(err)
	}
	kp, err := p.GenerateKeyPackage(CiphersuiteDefault, 0)
	if err != nil {
		t.Fatal(err)
	}
	kp.IssuerSig[0] ^= 0xFF
	if err := VerifyKeyPackage(kp, 0); err == nil {
		t.Fatal("expected tampered signature to fail verification")
	}
}

func TestVerifyKeyPackageRejectsExpired(t *testing.T) {
	p, err := NewProvider("alice")
	if err != nil {
		t.Fatal(err)
	}
	kp, err := p.GenerateKeyPackage(CiphersuiteDefault, 0)
	if err != nil {
		t.Fatal(err)
	}
	kp.ExpiresAt = time.Unix(100, 0)
	// Re-sign isn't needed since ExpiresAt isn't part of the signed content;
	// only the expiry check itself is under test here.
	if err := VerifyKeyPackage(kp, 200); err == nil {
		t.Fatal("expected expired key package to fail verification")
	}
}

func TestProviderContinuity(t *testing.T) {
	// spec.md §8 invariant 7 / S7: join_from_welcome must fail when handed a
	// provider different from the one that generated the key package.
	alice, err := NewProvider("alice")
	if err != nil {
		t.Fatal(err)
	}
	bob, err := NewProvider("bob")
	if err != nil {
		t.Fatal(err)
	}
	bobImposter, err := NewProvider("bob-second-device")
	if err != nil {
		t.Fatal(err)
	}

	metrics := NewMetrics()
	groupId := GroupId{1}
	alicesGroup, err := CreateGroup(alice, groupId, metrics)
	if err != nil {
		t.Fatal(err)
	}
	kpBob, err := bob.GenerateKeyPackage(CiphersuiteDefault, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, welcomes, err := alicesGroup.AddMembers([]KeyPackageBundle{kpBob})
	if err != nil {
		t.Fatal(err)
	}
	sealed := welcomes[kpBob.Ref]

	if _, err := JoinFromWelcome(bobImposter, kpBob.Ref, sealed, metrics); !Is(err, KindNoMatchingKeyPackage) {
		t.Fatalf("expected NoMatchingKeyPackage from wrong provider, got %v", err)
	}
	if _, err := JoinFromWelcome(bob, kpBob.Ref, sealed, metrics); err != nil {
		t.Fatalf("expected success from originating provider, got %v", err)
	}
}
