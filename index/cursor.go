package index

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"ariesdb/buffer"
	"ariesdb/transaction"
)

var errNotLeaf = errors.New("index: sibling link leads to a non-leaf page")

type Direction uint8

const (
	Forward Direction = iota
	Reverse
)

// position remembers where a cursor's key was last seen. It is only trusted
// while the tree shape (gen) and the leaf itself (lsn) are unchanged;
// otherwise the cursor seeks its key again.
type position struct {
	page uint32
	slot int
	lsn  uint64
	gen  uint64
}

// Cursor iterates over an index in key order, or in reverse for Reverse
// cursors. Every key it returns is locked shared for its transaction. The
// cursor must be closed before the transaction commits.
type Cursor struct {
	t   *Tree
	tx  *transaction.Transaction
	dir Direction

	mu     sync.Mutex
	closed bool
	valid  bool
	key    []byte
	value  []byte
	pos    position
}

// OpenCursor opens a cursor bound to tx.
func (t *Tree) OpenCursor(ctx context.Context, tx *transaction.Transaction, dir Direction) (*Cursor, error) {
	if err := tx.Lock(ctx, t.lockName(), transaction.IS); err != nil {
		return nil, err
	}
	c := &Cursor{t: t, tx: tx, dir: dir}
	if err := tx.Track(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Close releases the cursor. Closing twice is allowed.
func (c *Cursor) Close() {
	c.mu.Lock()
	closed := c.closed
	c.closed = true
	c.valid = false
	c.mu.Unlock()
	if !closed {
		c.tx.Untrack(c)
	}
}

// Invalidate is called when the transaction ends with the cursor open.
func (c *Cursor) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.valid = false
}

// Key returns the current key, or nil if the cursor is not positioned.
func (c *Cursor) Key() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid {
		return nil
	}
	return c.key
}

// Value returns the current value, or nil if the cursor is not positioned.
func (c *Cursor) Value() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid {
		return nil
	}
	return c.value
}

// First moves to the first key in the cursor's direction.
func (c *Cursor) First(ctx context.Context) (bool, error) {
	return c.move(ctx, seek{asc: c.dir == Forward, inclusive: true})
}

// Last moves to the last key in the cursor's direction.
func (c *Cursor) Last(ctx context.Context) (bool, error) {
	return c.move(ctx, seek{asc: c.dir != Forward, inclusive: true})
}

// Seek moves to the first key at or after key in the cursor's direction.
func (c *Cursor) Seek(ctx context.Context, key []byte) (bool, error) {
	return c.move(ctx, seek{from: bytes.Clone(key), asc: c.dir == Forward, inclusive: true})
}

// Next moves one key forward in the cursor's direction. At the end it
// reports false and stays where it is. An unpositioned cursor moves to
// First.
func (c *Cursor) Next(ctx context.Context) (bool, error) {
	return c.step(ctx, c.dir == Forward)
}

// Prev moves one key backward in the cursor's direction.
func (c *Cursor) Prev(ctx context.Context) (bool, error) {
	return c.step(ctx, c.dir != Forward)
}

func (c *Cursor) step(ctx context.Context, asc bool) (bool, error) {
	c.mu.Lock()
	valid, key, pos := c.valid, c.key, c.pos
	c.mu.Unlock()
	if !valid {
		return c.move(ctx, seek{asc: asc, inclusive: true})
	}
	return c.move(ctx, seek{from: key, asc: asc, hint: &pos})
}

// seek describes the key a move looks for: the first key after from in
// ascending (asc) or descending order, from itself included if inclusive.
// A nil from means one end of the index.
type seek struct {
	from      []byte
	asc       bool
	inclusive bool
	hint      *position
}

func (c *Cursor) move(ctx context.Context, sk seek) (bool, error) {
	ctx, stop := c.tx.Bind(ctx)
	defer stop()
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false, ErrCursorClosed
	}
	t := c.t
	d := t.descFor(c.tx)

	for {
		e, pos, ok, err := t.locate(ctx, d, sk)
		if err != nil || !ok {
			return false, err
		}
		name := t.keyLock(e.key)
		if !c.tx.Holds(name).Covers(transaction.S) {
			if err := c.tx.Lock(ctx, name, transaction.S); err != nil {
				return false, err
			}
			// The candidate was found unlocked. Look again now that it is
			// locked: if it was deleted meanwhile, the next key is taken.
			sk = seek{from: e.key, asc: sk.asc, inclusive: true}
			continue
		}

		value, err := t.value(ctx, &e)
		if err != nil {
			return false, err
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return false, ErrCursorClosed
		}
		c.valid = true
		c.key = e.key
		c.value = bytes.Clone(value)
		c.pos = pos
		c.mu.Unlock()
		return true, nil
	}
}

// locate finds the entry sk asks for. It uses the hint when the leaf is
// unchanged and seeks from the root otherwise.
func (t *Tree) locate(ctx context.Context, d *Descriptor, sk seek) (entry, position, bool, error) {
	t.smo.RLock()
	defer t.smo.RUnlock()

	gen := t.gen.Load()
	var (
		h *buffer.Handle
		n *node
		i int
	)
	if sk.hint != nil && sk.hint.gen == gen {
		hh, err := t.pin(ctx, sk.hint.page, buffer.Read)
		if err != nil {
			return entry{}, position{}, false, err
		}
		if hh.Page().LSN() == sk.hint.lsn {
			if nn, err := decodeNode(hh.Page()); err == nil && nn.leaf && sk.hint.slot < len(nn.entries) &&
				d.Compare(nn.entries[sk.hint.slot].key, sk.from) == 0 {
				h, n = hh, nn
				i = sk.hint.slot + 1
				if !sk.asc {
					i = sk.hint.slot - 1
				}
			}
		}
		if h == nil {
			t.unpin(hh, buffer.Clean)
		}
	}

	if h == nil {
		pick := leftmost
		if !sk.asc {
			pick = rightmost
		}
		if sk.from != nil {
			pick = byKey(d, sk.from)
		}
		var err error
		if h, n, err = t.descend(ctx, pick, buffer.Read); err != nil {
			return entry{}, position{}, false, err
		}
		switch {
		case sk.from == nil && sk.asc:
			i = 0
		case sk.from == nil:
			i = len(n.entries) - 1
		case sk.asc && sk.inclusive:
			i = n.lowerBound(d, sk.from)
		case sk.asc:
			i = n.upperBound(d, sk.from)
		case sk.inclusive:
			i = n.upperBound(d, sk.from) - 1
		default:
			i = n.lowerBound(d, sk.from) - 1
		}
	}

	// Walk sibling leaves past the end of this one. The structure latch
	// keeps the sibling links stable, so each leaf is released before the
	// next is pinned.
	for i < 0 || i >= len(n.entries) {
		sibling := n.next
		if !sk.asc {
			sibling = n.prev
		}
		t.unpin(h, buffer.Clean)
		if sibling == 0 {
			return entry{}, position{}, false, nil
		}
		var err error
		if h, err = t.pin(ctx, sibling, buffer.Read); err != nil {
			return entry{}, position{}, false, err
		}
		if n, err = decodeNode(h.Page()); err != nil || !n.leaf {
			t.unpin(h, buffer.Clean)
			if err == nil {
				err = errNotLeaf
			}
			return entry{}, position{}, false, err
		}
		i = 0
		if !sk.asc {
			i = len(n.entries) - 1
		}
	}

	e := n.entries[i]
	pos := position{page: h.Block().Number, slot: i, lsn: h.Page().LSN(), gen: gen}
	t.unpin(h, buffer.Clean)
	return e, pos, true, nil
}
