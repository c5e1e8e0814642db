package core

// Persistence Coordinator (C14): a write-ahead IntentRecord log for
// in-flight group operations, plus atomic snapshot export/import through
// the Keystore. On startup, any WAL entries newer than the last snapshot
// are replayed (or discarded, if the operation they describe already
// landed in the snapshot) rather than assumed applied.
//
// Grounded on the Keystore's atomic-write discipline (core/keystore.go,
// itself grounded on the teacher's snapshotting in core/replication.go) and
// on the teacher's write-ahead pattern in core/transactions.go (append an
// intent, then apply, then truncate once durable) — generalized from ledger
// transactions to group-engine operations.

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// IntentRecord is one write-ahead-logged operation: "this group is about
// to change state this way" written before the change is applied, so a
// crash between intent and snapshot can be recovered by replaying it.
type IntentRecord struct {
	Seq     uint64
	GroupId GroupId
	Op      string
	Payload []byte
	At      time.Time
}

func encodeIntent(r IntentRecord) []byte {
	var buf []byte
	var seqB [8]byte
	binary.LittleEndian.PutUint64(seqB[:], r.Seq)
	buf = append(buf, seqB[:]...)
	buf = append(buf, r.GroupId[:]...)
	opB := []byte(r.Op)
	buf = append(buf, byte(len(opB)))
	buf = append(buf, opB...)
	var payloadLen [4]byte
	binary.LittleEndian.PutUint32(payloadLen[:], uint32(len(r.Payload)))
	buf = append(buf, payloadLen[:]...)
	buf = append(buf, r.Payload...)
	var atB [8]byte
	binary.LittleEndian.PutUint64(atB[:], uint64(r.At.Unix()))
	buf = append(buf, atB[:]...)
	var total [4]byte
	binary.LittleEndian.PutUint32(total[:], uint32(len(buf)))
	return append(total[:], buf...)
}

func decodeIntent(r io.Reader) (IntentRecord, error) {
	var lenB [4]byte
	if _, err := io.ReadFull(r, lenB[:]); err != nil {
		return IntentRecord{}, err
	}
	n := binary.LittleEndian.Uint32(lenB[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return IntentRecord{}, err
	}
	if len(buf) < 8+32+1 {
		return IntentRecord{}, fmt.Errorf("intent record too short")
	}
	seq := binary.LittleEndian.Uint64(buf[:8])
	var gid GroupId
	copy(gid[:], buf[8:40])
	off := 40
	opLen := int(buf[off])
	off++
	if len(buf) < off+opLen+4 {
		return IntentRecord{}, fmt.Errorf("intent record truncated")
	}
	op := string(buf[off : off+opLen])
	off += opLen
	payloadLen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	if len(buf) < off+payloadLen+8 {
		return IntentRecord{}, fmt.Errorf("intent record truncated")
	}
	payload := append([]byte(nil), buf[off:off+payloadLen]...)
	off += payloadLen
	at := time.Unix(int64(binary.LittleEndian.Uint64(buf[off:off+8])), 0)
	return IntentRecord{Seq: seq, GroupId: gid, Op: op, Payload: payload, At: at}, nil
}

// PersistenceCoordinator owns one write-ahead log file and delegates
// durable snapshot storage to a Keystore.
type PersistenceCoordinator struct {
	ks  *Keystore
	dir string

	mu   sync.Mutex
	wal  *os.File
	seq  uint64
}

// NewPersistenceCoordinator opens (creating if absent) a WAL file under
// dir, backed by ks for snapshot storage.
func NewPersistenceCoordinator(ks *Keystore, dir string) (*PersistenceCoordinator, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, newErr("NewPersistenceCoordinator", KindStorageCorrupt, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "intents.wal"), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, newErr("NewPersistenceCoordinator", KindStorageCorrupt, err)
	}
	return &PersistenceCoordinator{ks: ks, dir: dir, wal: f}, nil
}

// AppendIntent durably records an operation before it is applied to an
// Engine, fsyncing before returning so a crash immediately after never
// loses the intent.
func (p *PersistenceCoordinator) AppendIntent(groupId GroupId, op string, payload []byte) (IntentRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	rec := IntentRecord{Seq: p.seq, GroupId: groupId, Op: op, Payload: payload, At: time.Now()}
	if _, err := p.wal.Write(encodeIntent(rec)); err != nil {
		return IntentRecord{}, newErr("AppendIntent", KindStorageCorrupt, err)
	}
	if err := p.wal.Sync(); err != nil {
		return IntentRecord{}, newErr("AppendIntent", KindStorageCorrupt, err)
	}
	return rec, nil
}

// ReplayIntents reads every WAL record written so far, in order, for
// startup recovery. Callers compare each record's Seq against the
// snapshot's recorded watermark and apply only what is not yet reflected
// there, then call Truncate.
func (p *PersistenceCoordinator) ReplayIntents() ([]IntentRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.wal.Seek(0, io.SeekStart); err != nil {
		return nil, newErr("ReplayIntents", KindStorageCorrupt, err)
	}
	var out []IntentRecord
	for {
		rec, err := decodeIntent(p.wal)
		if err == io.EOF {
			break
		}
		if err != nil {
			// A truncated trailing record means a crash mid-write; everything
			// durably fsynced before it is still valid, so stop here rather
			// than failing the whole replay.
			break
		}
		out = append(out, rec)
	}
	if _, err := p.wal.Seek(0, io.SeekEnd); err != nil {
		return nil, newErr("ReplayIntents", KindStorageCorrupt, err)
	}
	return out, nil
}

// Truncate discards all WAL entries once their effects are durably
// captured in a snapshot.
func (p *PersistenceCoordinator) Truncate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.wal.Truncate(0); err != nil {
		return newErr("Truncate", KindStorageCorrupt, err)
	}
	if _, err := p.wal.Seek(0, io.SeekStart); err != nil {
		return newErr("Truncate", KindStorageCorrupt, err)
	}
	p.seq = 0
	return nil
}

// SnapshotGroup exports engine's current state and writes it through the
// Keystore, then truncates the WAL since every intent up to this point is
// now reflected in the snapshot.
func (p *PersistenceCoordinator) SnapshotGroup(engine *Engine, passphrase, deviceKey []byte) error {
	snap := engine.ExportSnapshot()
	encoded := encodeSnapshot(snap)
	name := fmt.Sprintf("group-%x", snap.GroupId)
	if err := p.ks.Save(name, snap.GroupId, 1, encoded, passphrase, deviceKey); err != nil {
		return err
	}
	return p.Truncate()
}

// LoadSnapshot reads a previously saved group snapshot back out.
func (p *PersistenceCoordinator) LoadSnapshot(groupId GroupId, passphrase, deviceKey []byte) (PersistedGroupSnapshot, error) {
	name := fmt.Sprintf("group-%x", groupId)
	data, _, err := p.ks.Load(name, passphrase, deviceKey)
	if err != nil {
		return PersistedGroupSnapshot{}, err
	}
	return decodeSnapshot(data)
}

func encodeSnapshot(s PersistedGroupSnapshot) []byte {
	var buf []byte
	var verB [2]byte
	binary.LittleEndian.PutUint16(verB[:], s.Version)
	buf = append(buf, verB[:]...)
	buf = append(buf, s.GroupId[:]...)
	buf = append(buf, encodeUint64(uint64(s.Epoch))...)
	buf = appendLenPrefixed(buf, s.SerializedEngineState)
	buf = appendLenPrefixed(buf, s.ExportedRatchetTree)
	var memberCount [2]byte
	binary.LittleEndian.PutUint16(memberCount[:], uint16(len(s.MemberList)))
	buf = append(buf, memberCount[:]...)
	for _, m := range s.MemberList {
		buf = appendLenPrefixed(buf, []byte(m))
	}
	buf = append(buf, byte(s.OwnLeafIndex), byte(s.OwnLeafIndex>>8), byte(s.OwnLeafIndex>>16), byte(s.OwnLeafIndex>>24))
	return buf
}

func appendLenPrefixed(buf, data []byte) []byte {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(data)))
	buf = append(buf, l[:]...)
	return append(buf, data...)
}

func readLenPrefixed(buf []byte, off int) ([]byte, int, error) {
	if len(buf) < off+4 {
		return nil, 0, fmt.Errorf("snapshot truncated")
	}
	n := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	if len(buf) < off+n {
		return nil, 0, fmt.Errorf("snapshot truncated")
	}
	return append([]byte(nil), buf[off:off+n]...), off + n, nil
}

func decodeSnapshot(buf []byte) (PersistedGroupSnapshot, error) {
	if len(buf) < 2+32+8 {
		return PersistedGroupSnapshot{}, newErr("decodeSnapshot", KindStorageCorrupt, fmt.Errorf("snapshot header too short"))
	}
	version := binary.LittleEndian.Uint16(buf[:2])
	var gid GroupId
	copy(gid[:], buf[2:34])
	epoch := Epoch(decodeUint64(buf[34:42]))
	off := 42
	engineState, off, err := readLenPrefixed(buf, off)
	if err != nil {
		return PersistedGroupSnapshot{}, newErr("decodeSnapshot", KindStorageCorrupt, err)
	}
	tree, off, err := readLenPrefixed(buf, off)
	if err != nil {
		return PersistedGroupSnapshot{}, newErr("decodeSnapshot", KindStorageCorrupt, err)
	}
	if len(buf) < off+2 {
		return PersistedGroupSnapshot{}, newErr("decodeSnapshot", KindStorageCorrupt, fmt.Errorf("snapshot truncated"))
	}
	memberCount := int(binary.LittleEndian.Uint16(buf[off : off+2]))
	off += 2
	members := make([]MemberId, 0, memberCount)
	for i := 0; i < memberCount; i++ {
		var m []byte
		m, off, err = readLenPrefixed(buf, off)
		if err != nil {
			return PersistedGroupSnapshot{}, newErr("decodeSnapshot", KindStorageCorrupt, err)
		}
		members = append(members, MemberId(m))
	}
	if len(buf) < off+4 {
		return PersistedGroupSnapshot{}, newErr("decodeSnapshot", KindStorageCorrupt, fmt.Errorf("snapshot truncated"))
	}
	ownIdx := MemberIndex(uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24)
	return PersistedGroupSnapshot{
		Version:               version,
		GroupId:               gid,
		Epoch:                 epoch,
		SerializedEngineState: engineState,
		ExportedRatchetTree:   tree,
		MemberList:            members,
		OwnLeafIndex:          ownIdx,
	}, nil
}

// Close releases the WAL file handle.
func (p *PersistenceCoordinator) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wal.Close()
}
