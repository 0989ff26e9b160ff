package index

import (
	"bytes"
	"context"
	"fmt"

	"ariesdb/buffer"
	"ariesdb/log"
	"ariesdb/transaction"
)

// Redo repeats rec on the pages it touches whose LSN is older than the
// record. It reports whether any page changed. Redo of a descriptor record
// also makes its descriptor current, so that later records are read in the
// order the tree had when they were written.
func (t *Tree) Redo(ctx context.Context, rec *log.Record) (bool, error) {
	if rec.FileID != t.id || !rec.Type.IsPageUpdate() {
		return false, fmt.Errorf("%w: %s is not a page update of file %d", ErrInvalidUsage, rec, t.id)
	}
	applied := false

	for _, img := range rec.Images {
		ok, err := t.redoPage(ctx, rec, img.PageNo, func(p *buffer.Handle) error {
			if len(img.Data) != p.Page().Size() {
				return fmt.Errorf("%w: image of page %d has %d bytes", ErrCorruption, img.PageNo, len(img.Data))
			}
			p.Page().CopyFrom(img.Data)
			return nil
		})
		if err != nil {
			return applied, err
		}
		if ok {
			t.cfg.Cache.del(t.blk(img.PageNo))
		}
		applied = applied || ok
	}

	if rec.Type == log.AddRem && len(rec.Images) == 0 {
		ok, err := t.redoPage(ctx, rec, rec.PageNo, func(h *buffer.Handle) error {
			return t.redoSlot(h, rec)
		})
		if err != nil {
			return applied, err
		}
		applied = applied || ok
	}

	if rec.MetaState != nil || rec.Stats != nil {
		var m *meta
		ok, err := t.redoPage(ctx, rec, metaPage, func(h *buffer.Handle) error {
			var err error
			if m, err = decodeMeta(h.Page()); err != nil {
				return err
			}
			if rec.MetaState != nil {
				m.apply(rec.MetaState)
			}
			if rec.Stats != nil {
				m.nKeys += rec.Stats.Keys
				m.dataSize += rec.Stats.Size
			}
			if rec.Desc != nil {
				m.desc = *rec.Desc
			}
			return m.encode(h.Page())
		})
		if err != nil {
			return applied, err
		}
		if ok {
			t.setMeta(m)
		}
		applied = applied || ok
	}

	if rec.Desc != nil {
		d, err := t.cfg.Registry.resolve(rec.Desc)
		if err != nil {
			return applied, err
		}
		t.desc.Store(d)
	}
	if len(rec.Images) > 0 {
		t.gen.Add(1)
	}
	return applied, nil
}

// redoPage runs apply on one page if the page has not seen rec yet.
func (t *Tree) redoPage(ctx context.Context, rec *log.Record, pageNo uint32, apply func(h *buffer.Handle) error) (bool, error) {
	h, err := t.pin(ctx, pageNo, buffer.Write)
	if err != nil {
		return false, fmt.Errorf("redo %s: page %d: %w", rec, pageNo, err)
	}
	if h.Page().LSN() >= rec.LSN {
		t.unpin(h, buffer.Clean)
		return false, nil
	}
	if err := apply(h); err != nil {
		t.unpin(h, buffer.Clean)
		return false, fmt.Errorf("redo %s: page %d: %w", rec, pageNo, err)
	}
	if err := h.SetLSN(rec.LSN); err != nil {
		t.invariant(err, rec.LSN, pageNo)
	}
	if err := h.SetRecLSN(rec.LSN); err != nil {
		t.invariant(err, rec.LSN, pageNo)
	}
	t.unpin(h, buffer.Dirty)
	return true, nil
}

func (t *Tree) redoSlot(h *buffer.Handle, rec *log.Record) error {
	n, err := decodeNode(h.Page())
	if err != nil {
		return err
	}
	if !n.leaf {
		return fmt.Errorf("%w: slot change on internal page", ErrCorruption)
	}
	if rec.Add {
		if rec.Slot > len(n.entries) {
			return fmt.Errorf("%w: slot %d of %d", ErrCorruption, rec.Slot, len(n.entries))
		}
		n.insertAt(rec.Slot, entryOf(rec))
	} else {
		if rec.Slot >= len(n.entries) || !bytes.Equal(n.entries[rec.Slot].key, rec.Key) {
			return fmt.Errorf("%w: slot %d does not hold key %x", ErrCorruption, rec.Slot, rec.Key)
		}
		n.removeAt(rec.Slot)
	}
	return n.encode(h.Page())
}

func entryOf(rec *log.Record) entry {
	e := entry{key: bytes.Clone(rec.Key), ref: rec.ValueRef, vlen: rec.ValueLen}
	if rec.ValueRef == 0 {
		e.value = bytes.Clone(rec.Value)
		e.vlen = uint32(len(rec.Value))
	}
	return e
}

// Undo reverts a record of tx logically: by key, wherever the key lives
// now, under the descriptor tx currently sees. The compensation is logged
// through tx.AppendCLR. Undo takes no locks; tx still holds the ones its
// changes took.
func (t *Tree) Undo(ctx context.Context, tx *transaction.Transaction, rec *log.Record) error {
	switch rec.Type {
	case log.AddRem:
		d := t.descFor(tx)
		if rec.Add {
			e, err := t.remove(ctx, tx, d, rec.Key, rec)
			if err != nil {
				return fmt.Errorf("undo insert of %x: %w", rec.Key, err)
			}
			t.discard(ctx, &e)
			return nil
		}
		_, _, err := t.insert(ctx, tx, d, entryOf(rec), NoOverwrite, rec)
		if err != nil {
			return fmt.Errorf("undo removal of %x: %w", rec.Key, err)
		}
		return nil
	case log.Descriptor:
		return t.undoDescriptor(ctx, tx, rec)
	default:
		return fmt.Errorf("%w: %s cannot be undone", ErrInvalidUsage, rec)
	}
}

var _ transaction.Undoer = (*Tree)(nil)
