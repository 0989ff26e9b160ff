package index

import (
	"bytes"
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/sirupsen/logrus"

	"ariesdb/buffer"
	"ariesdb/file"
	"ariesdb/log"
)

// ValueCache keeps decoded overflow values, keyed by the block of the
// chain's head page. A nil cache is valid and caches nothing.
type ValueCache struct {
	c *ristretto.Cache[uint64, []byte]
}

// NewValueCache creates a cache holding up to maxBytes of values.
func NewValueCache(maxBytes int64) (*ValueCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
		NumCounters: max(maxBytes/64, 1024),
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create value cache: %w", err)
	}
	return &ValueCache{c: c}, nil
}

func (c *ValueCache) get(blk file.BlockID) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	return c.c.Get(blk.Key())
}

func (c *ValueCache) set(blk file.BlockID, v []byte) {
	if c == nil {
		return
	}
	c.c.Set(blk.Key(), v, int64(len(v)))
}

func (c *ValueCache) del(blk file.BlockID) {
	if c == nil {
		return
	}
	c.c.Del(blk.Key())
}

func (c *ValueCache) Close() {
	if c == nil {
		return
	}
	c.c.Close()
}

// Overflow pages hold a piece of one large value: the header's next field
// links the chain and aux holds the number of bytes used in the page.
func (t *Tree) overflowCapacity() int {
	return t.cfg.PageSize - file.PageHeaderSize
}

// writeOverflow stores value in a new chain of overflow pages and returns
// the chain's head page.
func (t *Tree) writeOverflow(ctx context.Context, value []byte) (uint32, error) {
	t.smo.RLock()
	defer t.smo.RUnlock()

	s := t.newPageSet(ctx)
	defer s.release()
	if _, err := s.loadMeta(); err != nil {
		return 0, err
	}

	per := t.overflowCapacity()
	n := (len(value) + per - 1) / per
	pages := make([]uint32, n)
	for i := range pages {
		pageNo, err := s.alloc()
		if err != nil {
			return 0, err
		}
		pages[i] = pageNo
	}
	for i, pageNo := range pages {
		chunk := value[i*per : min((i+1)*per, len(value))]
		next := uint32(0)
		if i+1 < n {
			next = pages[i+1]
		}
		s.writes[pageNo] = func(p *file.Page) error {
			p.Format(file.PageOverflow)
			p.SetNext(next)
			p.SetAux(uint32(len(chunk)))
			copy(p.Body(), chunk)
			return nil
		}
	}

	lsn, err := s.commit(&log.Record{Type: log.Overflow, PageNo: pages[0]}, t.cfg.Log.Append)
	if err != nil {
		return 0, err
	}
	t.cfg.Cache.set(t.blk(pages[0]), bytes.Clone(value))
	t.log.WithFields(logrus.Fields{"lsn": lsn, "page": pages[0], "pages": n}).Trace("overflow chain written")
	return pages[0], nil
}

// readOverflow returns the value stored in the chain starting at head.
func (t *Tree) readOverflow(ctx context.Context, head uint32, vlen uint32) ([]byte, error) {
	if v, ok := t.cfg.Cache.get(t.blk(head)); ok && len(v) == int(vlen) {
		return bytes.Clone(v), nil
	}

	value := make([]byte, 0, vlen)
	for pageNo := head; pageNo != 0; {
		h, err := t.pin(ctx, pageNo, buffer.Read)
		if err != nil {
			return nil, err
		}
		p := h.Page()
		if p.Type() != file.PageOverflow || int(p.Aux()) > t.overflowCapacity() {
			t.unpin(h, buffer.Clean)
			return nil, fmt.Errorf("%w: overflow chain %d: page %d is %s", ErrCorruption, head, pageNo, p.Type())
		}
		value = append(value, p.Body()[:p.Aux()]...)
		next := p.Next()
		t.unpin(h, buffer.Clean)
		pageNo = next
	}
	if len(value) != int(vlen) {
		return nil, fmt.Errorf("%w: overflow chain %d holds %d bytes, want %d", ErrCorruption, head, len(value), vlen)
	}
	t.cfg.Cache.set(t.blk(head), bytes.Clone(value))
	return value, nil
}

// freeOverflow returns the pages of a chain to the free list.
func (t *Tree) freeOverflow(ctx context.Context, head uint32) error {
	t.smo.RLock()
	defer t.smo.RUnlock()

	s := t.newPageSet(ctx)
	defer s.release()
	if _, err := s.loadMeta(); err != nil {
		return err
	}
	for pageNo := head; pageNo != 0; {
		h, err := s.pinPage(pageNo)
		if err != nil {
			return err
		}
		if h.Page().Type() != file.PageOverflow {
			return fmt.Errorf("%w: overflow chain %d: page %d is %s", ErrCorruption, head, pageNo, h.Page().Type())
		}
		next := h.Page().Next()
		if err := s.free(pageNo); err != nil {
			return err
		}
		pageNo = next
	}
	_, err := s.commit(&log.Record{Type: log.Free, PageNo: head}, t.cfg.Log.Append)
	return err
}

// freeOnCommit releases the chain of a removed value once the removal is
// committed. If the transaction aborts, undo puts the slot back and the
// chain stays in use.
func (t *Tree) freeOnCommit(tx interface{ OnEnd(func(bool)) }, head uint32) {
	tx.OnEnd(func(committed bool) {
		if !committed {
			return
		}
		if err := t.freeOverflow(context.Background(), head); err != nil {
			t.log.WithError(err).WithField("page", head).Warn("could not free overflow chain")
		}
	})
}
