package core

// Shared content-addressing helpers. spec.md §3 allows either BLAKE3 or
// SHA-256 for DhtKey/MessageId; veilmesh standardizes on BLAKE3
// (lukechampine.com/blake3, already in the teacher's dependency closure)
// everywhere a 256-bit digest is needed, keeping crypto/sha256 only for the
// handful of stdlib call sites (e.g. TLS-adjacent code) that never touch
// this package.

import "lukechampine.com/blake3"

func blake3Sum(data []byte) DhtKey {
	return blake3.Sum256(data)
}

func messageDigest(data []byte) MessageId {
	return MessageId(blake3.Sum256(data))
}

func dhtKeyFor(key string) DhtKey {
	return blake3Sum([]byte(key))
}
