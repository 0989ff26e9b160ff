package buffer

import (
	"encoding/binary"
	"sync"

	"ariesdb/file"
)

type Intent uint8

const (
	Read Intent = iota
	Write
)

func (i Intent) String() string {
	if i == Write {
		return "write"
	}
	return "read"
}

// UnpinFlag tells the pool what the caller did with the page.
type UnpinFlag uint8

const (
	Clean UnpinFlag = iota
	Dirty
	// Discard hints that the page will not be needed again soon. It makes the
	// frame the first eviction candidate of its bucket.
	Discard
)

// Buffer is a frame of the pool: one cached page plus its bookkeeping. The
// fields below latch are guarded by the lock of the bucket the frame is in.
type Buffer struct {
	latch sync.RWMutex // page latch, held by handles in their intent mode
	page  *file.Page
	slot  int

	blk      file.BlockID
	pins     int32
	dirty    bool
	recLSN   uint64 // earliest LSN that may have modified the page since its last flush
	priority uint32
	loading  chan struct{} // closed once the page has been read
	flushing bool
	failed   error
}

func newBuffer(slot int, pageSize int, order binary.ByteOrder) *Buffer {
	return &Buffer{
		page: file.NewPage(pageSize, order),
		slot: slot,
	}
}

func (b *Buffer) reset() {
	b.blk = file.BlockID{}
	b.pins = 0
	b.dirty = false
	b.recLSN = 0
	b.priority = 0
	b.loading = nil
	b.flushing = false
	b.failed = nil
}

func (b *Buffer) evictable() bool {
	return b.pins == 0 && !b.dirty && b.recLSN == 0 && b.loading == nil && !b.flushing && b.failed == nil
}

func (b *Buffer) flushable() bool {
	return b.dirty && b.pins == 0 && b.loading == nil && !b.flushing && b.failed == nil
}

// Handle is a pinned page. It holds the page latch in the mode of its
// intent until it is passed to Unpin.
type Handle struct {
	m        *Manager
	buf      *Buffer
	blk      file.BlockID
	intent   Intent
	released bool
}

func (h *Handle) Page() *file.Page {
	return h.buf.page
}

func (h *Handle) Block() file.BlockID {
	return h.blk
}

func (h *Handle) Intent() Intent {
	return h.intent
}

// SetLSN stamps the page with the LSN of the log record describing the
// change just made to it.
func (h *Handle) SetLSN(lsn uint64) error {
	if h.released || h.intent != Write {
		return ErrInvalidUsage
	}
	h.buf.page.SetLSN(lsn)
	return nil
}
