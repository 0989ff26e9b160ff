package log

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// MasterFile is the name of the master record inside the environment
// directory.
const MasterFile = "master"

// The master file holds two slots that are written alternately, so a crash
// in the middle of an update leaves the previous slot intact.
//
//	| marker (4) | seq (8) | checkpoint lsn (8) | clean (1) | pad (3) | env id (16) | crc (4) | pad |
const (
	masterSlotSize        = 64
	masterMarker   uint32 = 0x4D535452
)

// MasterRecord points at the last durable checkpoint.
type MasterRecord struct {
	Seq           uint64
	CheckpointLSN uint64
	Clean         bool
	EnvID         uuid.UUID
}

type Master struct {
	mu    sync.Mutex
	f     *os.File
	order binary.ByteOrder
	cur   MasterRecord
	slot  int
}

// OpenMaster opens or creates the master file in dir. Of the two slots the
// valid one with the highest sequence number is current.
func OpenMaster(dir string, order binary.ByteOrder) (*Master, error) {
	f, err := os.OpenFile(filepath.Join(dir, MasterFile), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	m := &Master{f: f, order: order, slot: 1}
	buf := make([]byte, 2*masterSlotSize)
	n, _ := f.ReadAt(buf, 0)
	for slot := 0; slot < 2; slot++ {
		if n < (slot+1)*masterSlotSize {
			break
		}
		rec, ok := decodeMasterSlot(buf[slot*masterSlotSize : (slot+1)*masterSlotSize])
		if ok && rec.Seq > m.cur.Seq {
			m.cur = rec
			m.slot = slot
		}
	}
	return m, nil
}

func decodeMasterSlot(b []byte) (MasterRecord, bool) {
	var order binary.ByteOrder
	switch masterMarker {
	case binary.LittleEndian.Uint32(b):
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(b):
		order = binary.BigEndian
	default:
		return MasterRecord{}, false
	}
	if order.Uint32(b[40:]) != crc32.Checksum(b[:40], castagnoli) {
		return MasterRecord{}, false
	}

	rec := MasterRecord{
		Seq:           order.Uint64(b[4:]),
		CheckpointLSN: order.Uint64(b[12:]),
		Clean:         b[20] == 1,
	}
	copy(rec.EnvID[:], b[24:40])
	return rec, true
}

func (m *Master) encodeSlot(rec MasterRecord) []byte {
	b := make([]byte, masterSlotSize)
	m.order.PutUint32(b, masterMarker)
	m.order.PutUint64(b[4:], rec.Seq)
	m.order.PutUint64(b[12:], rec.CheckpointLSN)
	if rec.Clean {
		b[20] = 1
	}
	copy(b[24:40], rec.EnvID[:])
	m.order.PutUint32(b[40:], crc32.Checksum(b[:40], castagnoli))
	return b
}

// Current returns the newest valid master record. A zero Seq means the
// environment has never completed a checkpoint.
func (m *Master) Current() MasterRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Update writes a new master record into the slot that is not current and
// syncs it. Only after the sync does the new record become current.
func (m *Master) Update(ckpLSN uint64, clean bool, envID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := MasterRecord{
		Seq:           m.cur.Seq + 1,
		CheckpointLSN: ckpLSN,
		Clean:         clean,
		EnvID:         envID,
	}
	slot := 1 - m.slot
	if _, err := m.f.WriteAt(m.encodeSlot(rec), int64(slot*masterSlotSize)); err != nil {
		return fmt.Errorf("%w: writing master slot %d: %w", ErrIO, slot, err)
	}
	if err := m.f.Sync(); err != nil {
		return fmt.Errorf("%w: syncing master: %w", ErrIO, err)
	}
	m.cur = rec
	m.slot = slot
	return nil
}

// MarkDirty records that the environment is in use, keeping the current
// checkpoint pointer.
func (m *Master) MarkDirty(envID uuid.UUID) error {
	cur := m.Current()
	if cur.Seq != 0 && !cur.Clean && cur.EnvID == envID {
		return nil
	}
	return m.Update(cur.CheckpointLSN, false, envID)
}

func (m *Master) Close() error {
	return m.f.Close()
}
