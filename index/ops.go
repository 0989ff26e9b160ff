package index

import (
	"bytes"
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"ariesdb/buffer"
	"ariesdb/log"
	"ariesdb/transaction"
)

// picker chooses which child of an internal node to follow.
type picker func(n *node) int

func byKey(d *Descriptor, key []byte) picker {
	return func(n *node) int { return n.childIndex(d, key) }
}

func leftmost(*node) int { return 0 }

func rightmost(n *node) int { return len(n.entries) }

// descend latch-couples from the root to a leaf: internal pages are pinned
// for reading, the leaf with intent. The caller holds the structure latch
// shared, so the shape of the tree cannot change underneath.
func (t *Tree) descend(ctx context.Context, pick picker, intent buffer.Intent) (*buffer.Handle, *node, error) {
	pageNo := t.root.Load()
	mode := buffer.Read
	if t.height.Load() == 1 {
		mode = intent
	}
	h, err := t.pin(ctx, pageNo, mode)
	if err != nil {
		return nil, nil, err
	}
	for {
		n, err := decodeNode(h.Page())
		if err != nil {
			t.unpin(h, buffer.Clean)
			return nil, nil, fmt.Errorf("page %d: %w", pageNo, err)
		}
		if n.leaf {
			if h.Intent() != intent {
				t.unpin(h, buffer.Clean)
				return nil, nil, fmt.Errorf("%w: leaf %d found above level 0", ErrCorruption, pageNo)
			}
			return h, n, nil
		}
		child := n.child(pick(n))
		mode := buffer.Read
		if n.level == 1 {
			mode = intent
		}
		ch, err := t.pin(ctx, child, mode)
		t.unpin(h, buffer.Clean)
		if err != nil {
			return nil, nil, err
		}
		h, pageNo = ch, child
	}
}

// lookup finds key without taking any transaction locks.
func (t *Tree) lookup(ctx context.Context, d *Descriptor, key []byte) (entry, bool, error) {
	t.smo.RLock()
	h, n, err := t.descend(ctx, byKey(d, key), buffer.Read)
	if err != nil {
		t.smo.RUnlock()
		return entry{}, false, err
	}
	i, found, err := n.find(d, key)
	var e entry
	if found {
		e = n.entries[i]
	}
	t.unpin(h, buffer.Clean)
	t.smo.RUnlock()
	return e, found, err
}

// value returns the logical value of a leaf entry.
func (t *Tree) value(ctx context.Context, e *entry) ([]byte, error) {
	if e.ref == 0 {
		if e.value == nil {
			return []byte{}, nil
		}
		return e.value, nil
	}
	return t.readOverflow(ctx, e.ref, e.vlen)
}

// Get returns the value stored under key.
func (t *Tree) Get(ctx context.Context, tx *transaction.Transaction, key []byte) ([]byte, error) {
	ctx, stop := tx.Bind(ctx)
	defer stop()
	if err := tx.Lock(ctx, t.lockName(), transaction.IS); err != nil {
		return nil, err
	}
	if err := tx.Lock(ctx, t.keyLock(key), transaction.S); err != nil {
		return nil, err
	}
	d := t.descFor(tx)
	e, found, err := t.lookup(ctx, d, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return t.value(ctx, &e)
}

// newEntry builds the leaf entry for a value, moving large values into an
// overflow chain.
func (t *Tree) newEntry(ctx context.Context, key, value []byte) (entry, error) {
	e := entry{key: bytes.Clone(key), vlen: uint32(len(value))}
	if len(value) <= t.inline {
		e.value = bytes.Clone(value)
		return e, nil
	}
	ref, err := t.writeOverflow(ctx, value)
	if err != nil {
		return entry{}, err
	}
	e.ref = ref
	return e, nil
}

// discard frees the overflow chain of an entry that was never stored.
func (t *Tree) discard(ctx context.Context, e *entry) {
	if e.ref == 0 {
		return
	}
	if err := t.freeOverflow(ctx, e.ref); err != nil {
		t.log.WithError(err).WithField("page", e.ref).Warn("could not free unused overflow chain")
	}
}

// Put stores value under key. mode decides what happens when key exists.
func (t *Tree) Put(ctx context.Context, tx *transaction.Transaction, key, value []byte, mode PutMode) error {
	ctx, stop := tx.Bind(ctx)
	defer stop()
	if len(key) > t.maxKey {
		return fmt.Errorf("%w: %d bytes, at most %d", ErrKeyTooLarge, len(key), t.maxKey)
	}
	if err := tx.Lock(ctx, t.lockName(), transaction.IX); err != nil {
		return err
	}
	if err := tx.Lock(ctx, t.keyLock(key), transaction.X); err != nil {
		return err
	}
	d := t.descFor(tx)
	_, err := t.put(ctx, tx, d, key, value, mode)
	return err
}

func (t *Tree) put(ctx context.Context, tx *transaction.Transaction, d *Descriptor, key, value []byte, mode PutMode) (putResult, error) {
	e, err := t.newEntry(ctx, key, value)
	if err != nil {
		return 0, err
	}
	res, replaced, err := t.insert(ctx, tx, d, e, mode, nil)
	if err != nil || res == putKept {
		t.discard(ctx, &e)
		return res, err
	}
	if replaced != nil && replaced.ref != 0 {
		t.freeOnCommit(tx, replaced.ref)
	}
	return res, nil
}

type putResult uint8

const (
	putInserted putResult = iota
	putReplaced
	putKept
	putFull
)

// insert stores e in its leaf, splitting first if the leaf has no room. The
// first attempt runs with the structure latch shared; only a full leaf
// takes it exclusively.
func (t *Tree) insert(ctx context.Context, tx *transaction.Transaction, d *Descriptor, e entry, mode PutMode, undone *log.Record) (putResult, *entry, error) {
	t.smo.RLock()
	res, replaced, err := t.putLeaf(ctx, tx, d, e, mode, undone)
	t.smo.RUnlock()
	if err != nil || res != putFull {
		return res, replaced, err
	}

	t.smo.Lock()
	defer t.smo.Unlock()
	for {
		res, replaced, err := t.putLeaf(ctx, tx, d, e, mode, undone)
		if err != nil || res != putFull {
			return res, replaced, err
		}
		if err := t.splitFor(ctx, d, e.key); err != nil {
			return 0, nil, err
		}
	}
}

func (t *Tree) putLeaf(ctx context.Context, tx *transaction.Transaction, d *Descriptor, e entry, mode PutMode, undone *log.Record) (putResult, *entry, error) {
	h, n, err := t.descend(ctx, byKey(d, e.key), buffer.Write)
	if err != nil {
		return 0, nil, err
	}
	i, found, err := n.find(d, e.key)
	if err != nil {
		t.unpin(h, buffer.Clean)
		return 0, nil, err
	}
	if !found {
		if n.size()+e.leafSize() > t.capacity {
			t.unpin(h, buffer.Clean)
			return putFull, nil, nil
		}
		if err := t.slotChange(ctx, tx, undone, h, n, i, true, e); err != nil {
			t.unpin(h, buffer.Clean)
			return 0, nil, err
		}
		t.unpin(h, buffer.Dirty)
		return putInserted, nil, nil
	}

	switch {
	case undone != nil:
		t.unpin(h, buffer.Clean)
		return 0, nil, fmt.Errorf("%w: undo of %s finds key %x present", ErrCorruption, undone, e.key)
	case mode == NoOverwrite:
		t.unpin(h, buffer.Clean)
		return 0, nil, ErrKeyExists
	case mode == InsertOnly:
		t.unpin(h, buffer.Clean)
		return putKept, nil, nil
	}

	old := n.entries[i]
	if n.size()-old.leafSize()+e.leafSize() > t.capacity {
		t.unpin(h, buffer.Clean)
		return putFull, nil, nil
	}
	if err := t.slotChange(ctx, tx, nil, h, n, i, false, old); err != nil {
		t.unpin(h, buffer.Clean)
		return 0, nil, err
	}
	if err := t.slotChange(ctx, tx, nil, h, n, i, true, e); err != nil {
		// The removal is logged and applied; the transaction must abort.
		t.unpin(h, buffer.Dirty)
		return 0, nil, err
	}
	t.unpin(h, buffer.Dirty)
	return putReplaced, &old, nil
}

// slotChange adds or removes one leaf slot, logging it under tx (as a
// compensation of undone when set) together with the statistics delta. The
// caller holds the leaf pinned for writing; the meta page is pinned here,
// after it.
func (t *Tree) slotChange(ctx context.Context, tx *transaction.Transaction, undone *log.Record, h *buffer.Handle, n *node, slot int, add bool, e entry) error {
	mh, err := t.pin(ctx, metaPage, buffer.Write)
	if err != nil {
		return err
	}
	m, err := decodeMeta(mh.Page())
	if err != nil {
		t.unpin(mh, buffer.Clean)
		return err
	}

	delta := &log.StatsDelta{Page: metaPage, Keys: 1, Size: e.dataSize()}
	if !add {
		delta.Keys, delta.Size = -1, -delta.Size
	}
	rec := &log.Record{
		Type:     log.AddRem,
		FileID:   t.id,
		PageNo:   h.Block().Number,
		Slot:     slot,
		Add:      add,
		Key:      e.key,
		ValueRef: e.ref,
		ValueLen: e.vlen,
		Stats:    delta,
	}
	if e.ref == 0 {
		rec.Value = e.value
	}
	var lsn uint64
	if undone != nil {
		lsn, err = tx.AppendCLR(rec, undone)
	} else {
		lsn, err = tx.Append(rec)
	}
	if err != nil {
		t.unpin(mh, buffer.Clean)
		return err
	}

	if add {
		n.insertAt(slot, e)
	} else {
		n.removeAt(slot)
	}
	if err := n.encode(h.Page()); err != nil {
		t.invariant(err, lsn, rec.PageNo)
	}
	if err := h.SetLSN(lsn); err != nil {
		t.invariant(err, lsn, rec.PageNo)
	}

	m.nKeys += delta.Keys
	m.dataSize += delta.Size
	if err := m.encode(mh.Page()); err != nil {
		t.invariant(err, lsn, metaPage)
	}
	if err := mh.SetLSN(lsn); err != nil {
		t.invariant(err, lsn, metaPage)
	}
	t.unpin(mh, buffer.Dirty)
	t.nKeys.Add(delta.Keys)
	t.dataSize.Add(delta.Size)
	return nil
}

// Delete removes key. It fails with ErrNotFound if key is absent.
func (t *Tree) Delete(ctx context.Context, tx *transaction.Transaction, key []byte) error {
	ctx, stop := tx.Bind(ctx)
	defer stop()
	if err := tx.Lock(ctx, t.lockName(), transaction.IX); err != nil {
		return err
	}
	if err := tx.Lock(ctx, t.keyLock(key), transaction.X); err != nil {
		return err
	}
	d := t.descFor(tx)
	e, err := t.remove(ctx, tx, d, key, nil)
	if err != nil {
		return err
	}
	if e.ref != 0 {
		t.freeOnCommit(tx, e.ref)
	}
	return nil
}

// remove takes key out of its leaf. A leaf left underfull is merged with a
// sibling afterwards, except while undoing: undo never changes the shape of
// the tree beyond what re-inserting needs.
func (t *Tree) remove(ctx context.Context, tx *transaction.Transaction, d *Descriptor, key []byte, undone *log.Record) (entry, error) {
	t.smo.RLock()
	h, n, err := t.descend(ctx, byKey(d, key), buffer.Write)
	if err != nil {
		t.smo.RUnlock()
		return entry{}, err
	}
	i, found, err := n.find(d, key)
	if err != nil || !found {
		t.unpin(h, buffer.Clean)
		t.smo.RUnlock()
		if err == nil {
			err = ErrNotFound
		}
		return entry{}, err
	}
	e := n.entries[i]
	if err := t.slotChange(ctx, tx, undone, h, n, i, false, e); err != nil {
		t.unpin(h, buffer.Clean)
		t.smo.RUnlock()
		return entry{}, err
	}
	underfull := n.size() < t.capacity/4 && h.Block().Number != t.root.Load()
	t.unpin(h, buffer.Dirty)
	t.smo.RUnlock()

	if underfull && undone == nil {
		t.smo.Lock()
		err := t.mergeAt(ctx, d, key)
		t.smo.Unlock()
		if err != nil {
			t.log.WithError(err).WithField("key", fmt.Sprintf("%x", key)).Warn("merge after delete failed")
		}
	}
	return e, nil
}

// UpdateFunc computes the new value for key from its current value. It
// returns keep=false to delete the key (or leave it absent).
type UpdateFunc func(old []byte, exists bool, extra []byte) (value []byte, keep bool)

// UpdateOutcome reports what an update did.
type UpdateOutcome uint8

const (
	Unchanged UpdateOutcome = iota
	Inserted
	Overwritten
	Deleted
)

func (o UpdateOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Overwritten:
		return "overwritten"
	case Deleted:
		return "deleted"
	default:
		return "unchanged"
	}
}

// Update applies fn to the value under key and stores its result.
func (t *Tree) Update(ctx context.Context, tx *transaction.Transaction, key, extra []byte, fn UpdateFunc) (UpdateOutcome, error) {
	ctx, stop := tx.Bind(ctx)
	defer stop()
	if len(key) > t.maxKey {
		return Unchanged, fmt.Errorf("%w: %d bytes, at most %d", ErrKeyTooLarge, len(key), t.maxKey)
	}
	if err := tx.Lock(ctx, t.lockName(), transaction.IX); err != nil {
		return Unchanged, err
	}
	if err := tx.Lock(ctx, t.keyLock(key), transaction.X); err != nil {
		return Unchanged, err
	}
	d := t.descFor(tx)

	e, exists, err := t.lookup(ctx, d, key)
	if err != nil {
		return Unchanged, err
	}
	var old []byte
	if exists {
		if old, err = t.value(ctx, &e); err != nil {
			return Unchanged, err
		}
	}

	value, keep := fn(old, exists, extra)
	switch {
	case !keep && !exists:
		return Unchanged, nil
	case !keep:
		removed, err := t.remove(ctx, tx, d, key, nil)
		if err != nil {
			return Unchanged, err
		}
		if removed.ref != 0 {
			t.freeOnCommit(tx, removed.ref)
		}
		return Deleted, nil
	}

	mode := NoOverwrite
	if exists {
		mode = Overwrite
	}
	res, err := t.put(ctx, tx, d, key, value, mode)
	if err != nil {
		return Unchanged, err
	}
	t.log.WithFields(logrus.Fields{"tx": tx.ID(), "key": fmt.Sprintf("%x", key)}).Trace("update applied")
	if res == putReplaced {
		return Overwritten, nil
	}
	return Inserted, nil
}
