package core

import (
	"bytes"
	"testing"

	"veilmesh/internal/testutil"
)

func newTestKeystore(t *testing.T) *Keystore {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sb.Cleanup() })
	ks, err := NewKeystore(sb.Root)
	if err != nil {
		t.Fatal(err)
	}
	return ks
}

func TestKeystorePassphraseRoundTrip(t *testing.T) {
	ks := newTestKeystore(t)
	groupId := GroupId{0x01}
	plaintext := []byte("group snapshot bytes")

	if err := ks.Save("snapshot.bin", groupId, 1, plaintext, []byte("correct horse"), nil); err != nil {
		t.Fatal(err)
	}
	out, gotGroup, err := ks.Load("snapshot.bin", []byte("correct horse"), nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(out, plaintext) {
		t.Fatalf("round trip mismatch: got %q", out)
	}
	if gotGroup != groupId {
		t.Fatalf("group id mismatch: got %v want %v", gotGroup, groupId)
	}
}

func TestKeystoreDeviceKeyRoundTrip(t *testing.T) {
	ks := newTestKeystore(t)
	deviceKey := bytes.Repeat([]byte{0x42}, 32)
	plaintext := []byte("device-bound secret")

	if err := ks.Save("dev.bin", GroupId{0x02}, 1, plaintext, nil, deviceKey); err != nil {
		t.Fatal(err)
	}
	out, _, err := ks.Load("dev.bin", nil, deviceKey)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(out, plaintext) {
		t.Fatalf("round trip mismatch: got %q", out)
	}
}

func TestKeystoreWrongPassphraseFailsClosed(t *testing.T) {
	ks := newTestKeystore(t)
	if err := ks.Save("wrong.bin", GroupId{0x03}, 1, []byte("secret"), []byte("right"), nil); err != nil {
		t.Fatal(err)
	}
	out, _, err := ks.Load("wrong.bin", []byte("nope"), nil)
	if !Is(err, KindWrongPassphrase) {
		t.Fatalf("expected WrongPassphrase, got %v", err)
	}
	if out != nil {
		t.Fatal("failed load must never return partial plaintext")
	}
}

func TestKeystoreTamperedBlobFailsClosed(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatal(err)
	}
	defer sb.Cleanup()
	ks, err := NewKeystore(sb.Root)
	if err != nil {
		t.Fatal(err)
	}
	if err := ks.Save("tamper.bin", GroupId{0x04}, 1, []byte("secret"), []byte("pw"), nil); err != nil {
		t.Fatal(err)
	}
	raw, err := sb.ReadFile("tamper.bin")
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)-1] ^= 0xFF // flip a ciphertext byte, invalidating the GCM tag
	if err := sb.WriteFile("tamper.bin", raw, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ks.Load("tamper.bin", []byte("pw"), nil); err == nil {
		t.Fatal("expected tampered blob to fail to load")
	}
}

func TestKeystoreTruncatedHeaderIsStorageCorrupt(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatal(err)
	}
	defer sb.Cleanup()
	ks, err := NewKeystore(sb.Root)
	if err != nil {
		t.Fatal(err)
	}
	if err := sb.WriteFile("short.bin", []byte{1, 2, 3}, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ks.Load("short.bin", []byte("pw"), nil); !Is(err, KindStorageCorrupt) {
		t.Fatalf("expected StorageCorrupt, got %v", err)
	}
}
