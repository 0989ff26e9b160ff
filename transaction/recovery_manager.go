package transaction

import (
	"container/heap"
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"ariesdb/log"
)

// chainHead is the next record to undo on one transaction's back-chain.
type chainHead struct {
	tx  *Transaction
	lsn uint64
}

type chainHeap []chainHead

func (h chainHeap) Len() int           { return len(h) }
func (h chainHeap) Less(i, j int) bool { return h[i].lsn > h[j].lsn }
func (h chainHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *chainHeap) Push(x any)        { *h = append(*h, x.(chainHead)) }
func (h *chainHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// rollback undoes the back-chains of txs together, always taking the
// newest remaining record first, so changes made by a parent and its
// children to the same key are reverted in the reverse order they were made.
// Compensation records are skipped over through their UndoNext, which makes
// a rollback interrupted by a crash resume where it stopped.
func (m *Manager) rollback(ctx context.Context, txs []*Transaction) error {
	h := make(chainHeap, 0, len(txs))
	for _, tx := range txs {
		tx.mu.Lock()
		next := tx.undoNext
		tx.mu.Unlock()
		if next != 0 {
			h = append(h, chainHead{tx, next})
		}
	}
	heap.Init(&h)

	undone := 0
	for h.Len() > 0 {
		head := heap.Pop(&h).(chainHead)
		rec, err := m.log.Read(head.lsn)
		if err != nil {
			return fmt.Errorf("undo %s at lsn %d: %w", head.tx, head.lsn, err)
		}
		if rec.TxID != head.tx.id {
			return fmt.Errorf("%w: lsn %d belongs to tx %d, not %s", log.ErrCorruption, head.lsn, rec.TxID, head.tx)
		}

		next := rec.PrevLSN
		switch {
		case rec.CLR:
			next = rec.UndoNext
		case rec.Type == log.TxnBegin:
			next = 0
		case rec.Type == log.AddRem || rec.Type == log.Descriptor:
			u, ok := m.undoer(rec.FileID)
			if !ok {
				return fmt.Errorf("undo %s: no undoer registered for file %d", rec, rec.FileID)
			}
			if err := u.Undo(ctx, head.tx, rec); err != nil {
				return fmt.Errorf("undo %s: %w", rec, err)
			}
			undone++
		}

		head.tx.mu.Lock()
		head.tx.undoNext = next
		head.tx.mu.Unlock()
		if next != 0 {
			heap.Push(&h, chainHead{head.tx, next})
		}
	}

	m.logger.WithFields(logrus.Fields{"tx": txs[0].id, "chains": len(txs), "undone": undone}).Trace("rollback finished")
	return nil
}
