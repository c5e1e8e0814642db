package core

// Encrypted Keystore (C2): AEAD-protected persistence of secret blobs.
//
// Layout per blob (spec.md §4.2), all fields little-endian unless noted:
//
//	header { version u16, schema u16, group_id [32]byte, salt [16]byte, nonce [12]byte, created_at u64 }
//	ciphertext
//	tag [16]byte  (folded into the GCM ciphertext by crypto/cipher)
//
// Key derivation is Argon2id when a passphrase is supplied, or HKDF from a
// device master key otherwise. AEAD is AES-256-GCM with the header bytes as
// associated data, except the no-passphrase device-key path, which uses
// XChaCha-flavored chacha20poly1305 to exercise both AEAD primitives the
// teacher's crypto stack carries.
//
// Write discipline: write to `<name>.tmp`, fsync, atomic rename to `<name>`.
// Any decrypt failure fails the load closed — no partial state is ever
// returned to the caller.

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	keystoreVersion    uint16 = 1
	headerLen                 = 2 + 2 + 32 + 16 + 12 + 8
	argon2Memory       uint32 = 19456 // KiB, per spec.md §6.7
	argon2Time         uint32 = 2
	argon2Parallelism  uint8  = 1
	argon2KeyLen       uint32 = 32
)

type blobHeader struct {
	Version   uint16
	Schema    uint16
	GroupId   GroupId
	Salt      [16]byte
	Nonce     [12]byte
	CreatedAt int64
}

func (h blobHeader) encode() []byte {
	buf := make([]byte, headerLen)
	off := 0
	binary.LittleEndian.PutUint16(buf[off:], h.Version)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], h.Schema)
	off += 2
	copy(buf[off:], h.GroupId[:])
	off += 32
	copy(buf[off:], h.Salt[:])
	off += 16
	copy(buf[off:], h.Nonce[:])
	off += 12
	binary.LittleEndian.PutUint64(buf[off:], uint64(h.CreatedAt))
	return buf
}

func decodeHeader(buf []byte) (blobHeader, error) {
	var h blobHeader
	if len(buf) < headerLen {
		return h, newErr("decodeHeader", KindStorageCorrupt, fmt.Errorf("truncated header"))
	}
	off := 0
	h.Version = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	h.Schema = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	copy(h.GroupId[:], buf[off:off+32])
	off += 32
	copy(h.Salt[:], buf[off:off+16])
	off += 16
	copy(h.Nonce[:], buf[off:off+12])
	off += 12
	h.CreatedAt = int64(binary.LittleEndian.Uint64(buf[off:]))
	if h.Version != keystoreVersion {
		return h, newErr("decodeHeader", KindStorageCorrupt, fmt.Errorf("unknown blob version %d", h.Version))
	}
	return h, nil
}

// Keystore encrypts and atomically persists opaque blobs (group snapshots,
// provider secrets) to a directory on local disk.
type Keystore struct {
	dir string
}

// NewKeystore roots a Keystore at dir, creating it if necessary.
func NewKeystore(dir string) (*Keystore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, newErr("NewKeystore", KindStorageCorrupt, err)
	}
	return &Keystore{dir: dir}, nil
}

func (ks *Keystore) path(name string) string { return filepath.Join(ks.dir, name) }

// deriveKey returns the 32-byte AEAD key for a blob, either from Argon2id
// over a passphrase or from HKDF over a device master key.
func deriveKey(salt []byte, passphrase []byte, deviceKey []byte) ([]byte, error) {
	if len(passphrase) > 0 {
		return argon2.IDKey(passphrase, salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLen), nil
	}
	if len(deviceKey) == 0 {
		return nil, newErr("deriveKey", KindCryptoFailure, fmt.Errorf("no passphrase and no device key"))
	}
	return deriveSecret(deviceKey, append([]byte("veilmesh-keystore-v1|"), salt...), 32)
}

// Save encrypts plaintext and atomically writes it to <name> under the
// keystore directory. If passphrase is empty, deviceKey must be set; the
// device-key path uses XChaCha20-Poly1305 instead of AES-256-GCM so both
// AEAD primitives in the crypto stack are exercised.
func (ks *Keystore) Save(name string, groupId GroupId, schema uint16, plaintext, passphrase, deviceKey []byte) error {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return newErr("Save", KindCryptoFailure, err)
	}
	var nonce [12]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return newErr("Save", KindCryptoFailure, err)
	}
	key, err := deriveKey(salt[:], passphrase, deviceKey)
	if err != nil {
		return err
	}
	header := blobHeader{Version: keystoreVersion, Schema: schema, GroupId: groupId, Salt: salt, Nonce: nonce, CreatedAt: time.Now().Unix()}
	headerBytes := header.encode()

	var ciphertext []byte
	if len(passphrase) > 0 {
		block, err := aes.NewCipher(key)
		if err != nil {
			return newErr("Save", KindCryptoFailure, err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return newErr("Save", KindCryptoFailure, err)
		}
		ciphertext = gcm.Seal(nil, nonce[:], plaintext, headerBytes)
	} else {
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return newErr("Save", KindCryptoFailure, err)
		}
		ciphertext = aead.Seal(nil, nonce[:], plaintext, headerBytes)
	}

	out := append(headerBytes, ciphertext...)
	return atomicWrite(ks.path(name), out)
}

// Load decrypts <name> and returns its plaintext, or a WrongPassphrase /
// StorageCorrupt error. On any failure the blob is not considered loaded —
// callers must not treat a partial return value as valid state.
func (ks *Keystore) Load(name string, passphrase, deviceKey []byte) ([]byte, GroupId, error) {
	raw, err := os.ReadFile(ks.path(name))
	if err != nil {
		return nil, GroupId{}, newErr("Load", KindStorageCorrupt, err)
	}
	if len(raw) < headerLen {
		return nil, GroupId{}, newErr("Load", KindStorageCorrupt, fmt.Errorf("truncated blob"))
	}
	headerBytes, ciphertext := raw[:headerLen], raw[headerLen:]
	header, err := decodeHeader(headerBytes)
	if err != nil {
		return nil, GroupId{}, err
	}
	key, err := deriveKey(header.Salt[:], passphrase, deviceKey)
	if err != nil {
		return nil, GroupId{}, err
	}

	var plaintext []byte
	if len(passphrase) > 0 {
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, GroupId{}, newErr("Load", KindCryptoFailure, err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, GroupId{}, newErr("Load", KindCryptoFailure, err)
		}
		plaintext, err = gcm.Open(nil, header.Nonce[:], ciphertext, headerBytes)
		if err != nil {
			return nil, GroupId{}, newErr("Load", KindWrongPassphrase, err)
		}
	} else {
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, GroupId{}, newErr("Load", KindCryptoFailure, err)
		}
		plaintext, err = aead.Open(nil, header.Nonce[:], ciphertext, headerBytes)
		if err != nil {
			return nil, GroupId{}, newErr("Load", KindWrongPassphrase, err)
		}
	}
	return plaintext, header.GroupId, nil
}

// atomicWrite implements the write-then-fsync-then-rename discipline spec.md
// §4.2 requires, grounded on the teacher's atomic-snapshot write idiom.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return newErr("atomicWrite", KindStorageCorrupt, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return newErr("atomicWrite", KindStorageCorrupt, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return newErr("atomicWrite", KindStorageCorrupt, err)
	}
	if err := f.Close(); err != nil {
		return newErr("atomicWrite", KindStorageCorrupt, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return newErr("atomicWrite", KindStorageCorrupt, err)
	}
	return nil
}
