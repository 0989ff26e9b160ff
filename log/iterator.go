package log

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Iterator reads log records forward, in LSN order, across segment files.
// It sees the records that existed when it was created.
type Iterator struct {
	segs   []*segment
	limits []uint64 // end LSN of each segment when the iterator was created
	order  binary.ByteOrder
	idx    int
	pos    uint64
}

func newIterator(segs []*segment, order binary.ByteOrder, from uint64) *Iterator {
	it := &Iterator{
		segs:   segs,
		limits: make([]uint64, len(segs)),
		order:  order,
		pos:    from,
	}
	for i, seg := range segs {
		it.limits[i] = seg.end()
	}
	for i := len(segs) - 1; i >= 0; i-- {
		if segs[i].base <= from {
			it.idx = i
			break
		}
	}
	return it
}

// Next returns the next record, or io.EOF once the end of the log is reached.
func (it *Iterator) Next() (*Record, error) {
	for {
		seg := it.segs[it.idx]
		if first := seg.base + SegmentHeaderSize; it.pos < first {
			it.pos = first
		}
		if it.pos >= it.limits[it.idx] {
			if it.idx+1 >= len(it.segs) {
				return nil, io.EOF
			}
			it.idx++
			continue
		}

		t, payload, err := readFrame(seg.f, it.order, int64(it.pos-seg.base), it.pos)
		if err != nil {
			if errors.Is(err, ErrCorruption) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: reading lsn %d from %s: %v", ErrCorruption, it.pos, seg.path, err)
		}
		rec := &Record{LSN: it.pos, Type: t}
		if err := decodeBody(payload, rec); err != nil {
			return nil, err
		}
		it.pos += FrameHeaderSize + uint64(len(payload))
		return rec, nil
	}
}
