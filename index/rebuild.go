package index

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"ariesdb/log"
	"ariesdb/transaction"
)

// ChangeDescriptor binds the index to a new comparator and schema under tx.
// The tree is rebuilt in the new order right away, but only tx and its
// family see the new descriptor until the top-level transaction commits;
// the exclusive index lock keeps everybody else out until then.
func (t *Tree) ChangeDescriptor(ctx context.Context, tx *transaction.Transaction, comparator string, schema []byte) (*Descriptor, error) {
	ctx, stop := tx.Bind(ctx)
	defer stop()
	cmp, err := t.cfg.Registry.Lookup(comparator)
	if err != nil {
		return nil, err
	}
	if err := tx.Lock(ctx, t.lockName(), transaction.X); err != nil {
		return nil, err
	}
	cur := t.descFor(tx)
	next := &Descriptor{
		Version:    cur.Version + 1,
		Comparator: comparator,
		Schema:     bytes.Clone(schema),
		compare:    cmp,
	}

	t.smo.Lock()
	err = t.rebuild(ctx, next, cur, tx.Append)
	t.smo.Unlock()
	if err != nil {
		return nil, err
	}
	t.setPending(tx, next)
	t.log.WithFields(logrus.Fields{"tx": tx.ID(), "version": next.Version, "comparator": comparator}).Debug("descriptor changed")
	return next, nil
}

// setPending makes d the descriptor of tx's family. When the top-level
// transaction ends, d is published if it committed and dropped otherwise.
func (t *Tree) setPending(tx *transaction.Transaction, d *Descriptor) {
	top := tx.Top()
	t.pendMu.Lock()
	fresh := t.pending == nil || t.pending.top != top
	t.pending = &pendingDesc{top: top, desc: d}
	t.pendMu.Unlock()
	if !fresh {
		return
	}
	top.OnEnd(func(committed bool) {
		t.pendMu.Lock()
		defer t.pendMu.Unlock()
		if t.pending == nil || t.pending.top != top {
			return
		}
		if committed {
			t.desc.Store(t.pending.desc)
			t.log.WithField("version", t.pending.desc.Version).Debug("descriptor published")
		}
		t.pending = nil
	})
}

func (t *Tree) undoDescriptor(ctx context.Context, tx *transaction.Transaction, rec *log.Record) error {
	if rec.Desc == nil || rec.PrevDesc == nil {
		return fmt.Errorf("%w: %s carries no descriptors", ErrCorruption, rec)
	}
	prev, err := t.cfg.Registry.resolve(rec.PrevDesc)
	if err != nil {
		return err
	}
	cur, err := t.cfg.Registry.resolve(rec.Desc)
	if err != nil {
		return err
	}

	t.smo.Lock()
	err = t.rebuild(ctx, prev, cur, func(clr *log.Record) (uint64, error) {
		return tx.AppendCLR(clr, rec)
	})
	t.smo.Unlock()
	if err != nil {
		return err
	}
	if tx.Recovered() {
		t.desc.Store(prev)
	} else {
		t.setPending(tx, prev)
	}
	return nil
}

// rebuild reloads every entry of the tree in the order of next, as one
// logged change: the old tree pages are freed and a packed tree is built
// from them. Overflow chains stay where they are. The caller holds the
// structure latch exclusively.
func (t *Tree) rebuild(ctx context.Context, next, prev *Descriptor, appendFn func(*log.Record) (uint64, error)) error {
	s := t.newPageSet(ctx)
	defer s.release()
	m, err := s.loadMeta()
	if err != nil {
		return err
	}

	var pages []uint32
	var entries []entry
	var walk func(pageNo uint32) error
	walk = func(pageNo uint32) error {
		n, err := s.node(pageNo)
		if err != nil {
			return err
		}
		pages = append(pages, pageNo)
		if n.leaf {
			entries = append(entries, n.entries...)
			return nil
		}
		for _, child := range n.children() {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(m.root); err != nil {
		return err
	}

	slices.SortStableFunc(entries, func(a, b entry) int { return next.Compare(a.key, b.key) })
	for i := 1; i < len(entries); i++ {
		if next.Compare(entries[i-1].key, entries[i].key) == 0 {
			return fmt.Errorf("%w: keys %x and %x are equal under comparator %q",
				ErrInvalidUsage, entries[i-1].key, entries[i].key, next.Comparator)
		}
	}

	for _, pageNo := range pages {
		if err := s.free(pageNo); err != nil {
			return err
		}
	}
	root, height, err := s.build(entries)
	if err != nil {
		return err
	}
	m.root = root
	m.height = height

	rec := &log.Record{Type: log.Descriptor, PageNo: root, Desc: next.state(), PrevDesc: prev.state()}
	lsn, err := s.commit(rec, appendFn)
	if err != nil {
		return err
	}
	t.rebuilds.Add(1)
	t.log.WithFields(logrus.Fields{"lsn": lsn, "keys": len(entries), "pages": len(pages)}).Trace("tree rebuilt")
	return nil
}

// built is a node of a tree under construction and the first key below it.
type built struct {
	pageNo uint32
	first  []byte
}

// build lays sorted entries out in leaves filled to three quarters and
// stacks internal levels on top. It returns the root and the height.
func (s *pageSet) build(entries []entry) (uint32, uint32, error) {
	fill := s.t.capacity * 3 / 4

	var level []built
	var last *node
	var lastNo uint32
	for start := 0; start < len(entries) || len(level) == 0; {
		pageNo, n, err := s.allocNode(true, 0)
		if err != nil {
			return 0, 0, err
		}
		size := 0
		end := start
		for end < len(entries) && (end == start || size+entries[end].leafSize() <= fill) {
			size += entries[end].leafSize()
			end++
		}
		n.entries = entries[start:end:end]
		n.prev = lastNo
		if last != nil {
			last.next = pageNo
		}
		b := built{pageNo: pageNo}
		if end > start {
			b.first = entries[start].key
		}
		level = append(level, b)
		last, lastNo = n, pageNo
		start = end
	}

	height := uint32(1)
	for len(level) > 1 {
		var up []built
		for start := 0; start < len(level); {
			pageNo, n, err := s.allocNode(false, uint8(height))
			if err != nil {
				return 0, 0, err
			}
			n.child0 = level[start].pageNo
			size := 0
			end := start + 1
			for end < len(level) {
				e := entry{key: level[end].first, child: level[end].pageNo}
				if len(n.entries) > 0 && size+e.internalSize() > fill {
					break
				}
				size += e.internalSize()
				n.entries = append(n.entries, e)
				end++
			}
			up = append(up, built{pageNo: pageNo, first: level[start].first})
			start = end
		}
		level = up
		height++
	}
	return level[0].pageNo, height, nil
}
