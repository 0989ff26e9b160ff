package index

import (
	"bytes"
	"fmt"
	"sort"

	"ariesdb/file"
)

// Leaf and internal pages share one layout after the common page header:
//
//	count u16 | entry...
//
// A leaf entry is
//
//	klen u16 | key | kind u8 | vlen u32 | value        (kind inline)
//	klen u16 | key | kind u8 | ref u32 | vlen u32      (kind overflow)
//
// and an internal entry is
//
//	klen u16 | key | child u32
//
// The leftmost child of an internal page lives in the header's aux field,
// leaves link to their siblings through prev and next, and the page flags
// hold the level (0 for leaves).
const (
	offCount   = file.PageHeaderSize
	offEntries = offCount + 2

	kindInline   = 0
	kindOverflow = 1
)

type entry struct {
	key   []byte
	value []byte // inline value
	ref   uint32 // overflow chain head, 0 for inline values
	vlen  uint32 // logical value length
	child uint32 // internal pages only
}

func (e *entry) leafSize() int {
	if e.ref != 0 {
		return 2 + len(e.key) + 1 + 8
	}
	return 2 + len(e.key) + 1 + 4 + len(e.value)
}

func (e *entry) internalSize() int {
	return 2 + len(e.key) + 4
}

// dataSize is what the entry contributes to the index's data size statistic.
func (e *entry) dataSize() int64 {
	return int64(len(e.key)) + int64(e.vlen)
}

type node struct {
	leaf    bool
	level   uint8
	prev    uint32
	next    uint32
	child0  uint32
	entries []entry
}

func newLeaf() *node {
	return &node{leaf: true}
}

func capacity(pageSize int) int {
	return pageSize - offEntries
}

func (n *node) entrySize(e *entry) int {
	if n.leaf {
		return e.leafSize()
	}
	return e.internalSize()
}

func (n *node) size() int {
	total := 0
	for i := range n.entries {
		total += n.entrySize(&n.entries[i])
	}
	return total
}

func decodeNode(p *file.Page) (*node, error) {
	var n node
	switch p.Type() {
	case file.PageLeaf:
		n.leaf = true
		n.prev = p.Prev()
		n.next = p.Next()
	case file.PageInternal:
		n.child0 = p.Aux()
	default:
		return nil, fmt.Errorf("%w: page type %s is not a tree page", ErrCorruption, p.Type())
	}
	n.level = p.Flags()

	buf := p.Buf()
	order := p.Order()
	count := int(order.Uint16(buf[offCount:]))
	n.entries = make([]entry, count)
	off := offEntries
	for i := 0; i < count; i++ {
		if off+2 > len(buf) {
			return nil, fmt.Errorf("%w: entry %d runs past the page", ErrCorruption, i)
		}
		klen := int(order.Uint16(buf[off:]))
		off += 2
		if off+klen > len(buf) {
			return nil, fmt.Errorf("%w: key %d runs past the page", ErrCorruption, i)
		}
		e := &n.entries[i]
		e.key = append([]byte(nil), buf[off:off+klen]...)
		off += klen

		if !n.leaf {
			if off+4 > len(buf) {
				return nil, fmt.Errorf("%w: child %d runs past the page", ErrCorruption, i)
			}
			e.child = order.Uint32(buf[off:])
			off += 4
			continue
		}

		if off+1 > len(buf) {
			return nil, fmt.Errorf("%w: value %d runs past the page", ErrCorruption, i)
		}
		kind := buf[off]
		off++
		switch kind {
		case kindInline:
			if off+4 > len(buf) {
				return nil, fmt.Errorf("%w: value %d runs past the page", ErrCorruption, i)
			}
			e.vlen = order.Uint32(buf[off:])
			off += 4
			if off+int(e.vlen) > len(buf) {
				return nil, fmt.Errorf("%w: value %d runs past the page", ErrCorruption, i)
			}
			e.value = append([]byte(nil), buf[off:off+int(e.vlen)]...)
			off += int(e.vlen)
		case kindOverflow:
			if off+8 > len(buf) {
				return nil, fmt.Errorf("%w: value %d runs past the page", ErrCorruption, i)
			}
			e.ref = order.Uint32(buf[off:])
			e.vlen = order.Uint32(buf[off+4:])
			off += 8
		default:
			return nil, fmt.Errorf("%w: unknown value kind %d", ErrCorruption, kind)
		}
	}
	return &n, nil
}

// encode formats p with the node's contents. The page LSN is reset; callers
// stamp it afterwards.
func (n *node) encode(p *file.Page) error {
	if n.size() > capacity(p.Size()) {
		return fmt.Errorf("node of %d bytes does not fit a %d byte page", n.size(), p.Size())
	}
	if n.leaf {
		p.Format(file.PageLeaf)
		p.SetPrev(n.prev)
		p.SetNext(n.next)
	} else {
		p.Format(file.PageInternal)
		p.SetAux(n.child0)
	}
	p.SetFlags(n.level)

	buf := p.Buf()
	order := p.Order()
	order.PutUint16(buf[offCount:], uint16(len(n.entries)))
	off := offEntries
	for i := range n.entries {
		e := &n.entries[i]
		order.PutUint16(buf[off:], uint16(len(e.key)))
		off += 2
		off += copy(buf[off:], e.key)
		if !n.leaf {
			order.PutUint32(buf[off:], e.child)
			off += 4
			continue
		}
		if e.ref != 0 {
			buf[off] = kindOverflow
			order.PutUint32(buf[off+1:], e.ref)
			order.PutUint32(buf[off+5:], e.vlen)
			off += 9
			continue
		}
		buf[off] = kindInline
		order.PutUint32(buf[off+1:], uint32(len(e.value)))
		off += 5
		off += copy(buf[off:], e.value)
	}
	return nil
}

// lowerBound returns the index of the first entry whose key is >= key.
func (n *node) lowerBound(d *Descriptor, key []byte) int {
	return sort.Search(len(n.entries), func(i int) bool {
		return d.Compare(n.entries[i].key, key) >= 0
	})
}

// upperBound returns the index of the first entry whose key is > key.
func (n *node) upperBound(d *Descriptor, key []byte) int {
	return sort.Search(len(n.entries), func(i int) bool {
		return d.Compare(n.entries[i].key, key) > 0
	})
}

// find returns the slot holding key, if any. Key locks are named by key
// bytes, so a stored key that compares equal to key with different bytes
// is refused.
func (n *node) find(d *Descriptor, key []byte) (int, bool, error) {
	i := n.lowerBound(d, key)
	if i >= len(n.entries) || d.Compare(n.entries[i].key, key) != 0 {
		return i, false, nil
	}
	if !bytes.Equal(n.entries[i].key, key) {
		return i, false, fmt.Errorf("%w: key %x equals stored key %x under comparator %q",
			ErrInvalidUsage, key, n.entries[i].key, d.Comparator)
	}
	return i, true, nil
}

// childIndex picks the child of an internal node that covers key. Child i
// holds the keys in [key(i-1), key(i)).
func (n *node) childIndex(d *Descriptor, key []byte) int {
	return n.upperBound(d, key)
}

func (n *node) child(i int) uint32 {
	if i == 0 {
		return n.child0
	}
	return n.entries[i-1].child
}

func (n *node) setChild(i int, pageNo uint32) {
	if i == 0 {
		n.child0 = pageNo
		return
	}
	n.entries[i-1].child = pageNo
}

func (n *node) children() []uint32 {
	out := make([]uint32, 0, len(n.entries)+1)
	out = append(out, n.child0)
	for i := range n.entries {
		out = append(out, n.entries[i].child)
	}
	return out
}

func (n *node) insertAt(i int, e entry) {
	n.entries = append(n.entries, entry{})
	copy(n.entries[i+1:], n.entries[i:])
	n.entries[i] = e
}

func (n *node) removeAt(i int) entry {
	e := n.entries[i]
	n.entries = append(n.entries[:i], n.entries[i+1:]...)
	return e
}

// splitPoint chooses where to cut an overfull node so that both halves fit
// in capacity. Entries from the returned index on move to the new sibling.
func (n *node) splitPoint(capacity int) int {
	total := n.size()
	acc := 0
	for i := range n.entries {
		acc += n.entrySize(&n.entries[i])
		if acc >= total/2 {
			if acc <= capacity && i+1 < len(n.entries) {
				return i + 1
			}
			return max(i, 1)
		}
	}
	return len(n.entries) / 2
}
