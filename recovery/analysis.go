package recovery

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ariesdb/file"
	"ariesdb/log"
	"ariesdb/transaction"
)

type txState uint8

const (
	running txState = iota
	// childCommitted: committed into its parent, whose outcome decides.
	childCommitted
	committed
	aborted
	prepared
)

type txInfo struct {
	id       uint64
	parent   uint64
	lastLSN  uint64
	undoNext uint64
	state    txState
	commitTS int64
	locks    []log.LockEntry
	children []uint64
}

// analysis is the transaction table and dirty page table rebuilt from the
// log.
type analysis struct {
	txs    map[uint64]*txInfo
	dirty  map[file.BlockID]uint64
	nextID uint64
}

func newAnalysis() *analysis {
	return &analysis{
		txs:    make(map[uint64]*txInfo),
		dirty:  make(map[file.BlockID]uint64),
		nextID: 1,
	}
}

func (a *analysis) tx(id uint64) *txInfo {
	t, ok := a.txs[id]
	if !ok {
		t = &txInfo{id: id}
		a.txs[id] = t
		a.nextID = max(a.nextID, id+1)
	}
	return t
}

func (a *analysis) setParent(t *txInfo, parent uint64) {
	if parent == 0 || t.parent != 0 {
		return
	}
	t.parent = parent
	p := a.tx(parent)
	p.children = append(p.children, t.id)
}

// seed loads the tables a checkpoint saved.
func (a *analysis) seed(ckp *log.CheckpointState) {
	a.nextID = max(a.nextID, ckp.NextTxID)
	for _, e := range ckp.ActiveTxs {
		t := a.tx(e.ID)
		t.lastLSN = e.LastLSN
		t.undoNext = e.UndoNext
		if e.Prepared {
			t.state = prepared
		}
	}
	// Parents are linked in a second pass; the checkpoint lists children and
	// parents in id order, not nesting order.
	for _, e := range ckp.ActiveTxs {
		a.setParent(a.txs[e.ID], e.ParentID)
	}
	for _, d := range ckp.DirtyPages {
		a.dirty[file.NewBlockID(d.FileID, d.PageNo)] = d.RecLSN
	}
}

func (a *analysis) add(rec *log.Record) {
	if rec.Type == log.Checkpoint && rec.Checkpoint != nil {
		a.nextID = max(a.nextID, rec.Checkpoint.NextTxID)
	}
	if rec.Type.IsPageUpdate() {
		for _, pageNo := range rec.Pages() {
			blk := file.NewBlockID(rec.FileID, pageNo)
			if _, ok := a.dirty[blk]; !ok {
				a.dirty[blk] = rec.LSN
			}
		}
	}
	if rec.TxID == 0 {
		return
	}

	t := a.tx(rec.TxID)
	a.setParent(t, rec.ParentID)
	// A checkpoint may already account for records logged while it was
	// being taken.
	if rec.LSN <= t.lastLSN {
		return
	}
	t.lastLSN = rec.LSN
	if rec.CLR {
		t.undoNext = rec.UndoNext
	} else {
		t.undoNext = rec.LSN
	}

	switch rec.Type {
	case log.TxnCommit:
		if t.parent != 0 {
			t.state = childCommitted
		} else {
			t.state = committed
			t.commitTS = rec.Timestamp
		}
	case log.TxnAbort:
		t.state = aborted
	case log.TxnPrepare:
		t.state = prepared
		t.locks = rec.Locks
	case log.Noop:
		// Abort of a prepared transaction was decided before the crash.
		if t.state == prepared {
			t.state = running
			t.locks = nil
		}
	}
}

// redoLSN is where redo starts: the oldest change that may be missing from
// a data file.
func (a *analysis) redoLSN() uint64 {
	var lsn uint64
	for _, recLSN := range a.dirty {
		if lsn == 0 || recLSN < lsn {
			lsn = recLSN
		}
	}
	return lsn
}

func (a *analysis) needsRedo(rec *log.Record) bool {
	for _, pageNo := range rec.Pages() {
		if recLSN, ok := a.dirty[file.NewBlockID(rec.FileID, pageNo)]; ok && recLSN <= rec.LSN {
			return true
		}
	}
	return false
}

// lastLSN is the newest record of a transaction family.
func (a *analysis) lastLSN(id uint64) uint64 {
	t := a.txs[id]
	lsn := t.lastLSN
	for _, c := range t.children {
		lsn = max(lsn, a.lastLSN(c))
	}
	return lsn
}

// classify splits the top-level transactions into losers, newest first,
// and prepared transactions left in doubt.
func (a *analysis) classify(mode Mode, target time.Time) (losers, inDoubt []uint64) {
	for id, t := range a.txs {
		if t.parent != 0 {
			continue
		}
		switch t.state {
		case aborted:
		case committed:
			if mode == PointInTime && t.commitTS > target.UnixNano() {
				losers = append(losers, id)
			}
		case prepared:
			if mode == PointInTime {
				losers = append(losers, id)
			} else {
				inDoubt = append(inDoubt, id)
			}
		default:
			losers = append(losers, id)
		}
	}
	slices.SortFunc(losers, func(x, y uint64) int { return cmp.Compare(a.lastLSN(y), a.lastLSN(x)) })
	slices.Sort(inDoubt)
	return losers, inDoubt
}

// resurrect hands a transaction family to the transaction manager.
// Children that rolled back on their own are left out.
func (a *analysis) resurrect(txm *transaction.Manager, id uint64, parent *transaction.Transaction, inDoubt bool) *transaction.Transaction {
	t := a.txs[id]
	tx := txm.Resurrect(log.TxEntry{
		ID:       t.id,
		ParentID: t.parent,
		LastLSN:  t.lastLSN,
		UndoNext: t.undoNext,
		Prepared: inDoubt && parent == nil,
	}, parent)
	for _, c := range t.children {
		if a.txs[c].state != aborted {
			a.resurrect(txm, c, tx, inDoubt)
		}
	}
	return tx
}

// analyze rebuilds the transaction and dirty page tables. Normal mode
// starts at the checkpoint the master record names; the other modes read
// the whole log.
func (c *Coordinator) analyze(ctx context.Context, mode Mode, r *Report) (*analysis, error) {
	a := newAnalysis()
	from := c.cfg.Log.FirstLSN()

	cur := c.cfg.Master.Current()
	if cur.EnvID != uuid.Nil && cur.EnvID != c.cfg.Log.EnvID() {
		return nil, fmt.Errorf("%w: master record belongs to environment %s, log to %s", ErrCorruption, cur.EnvID, c.cfg.Log.EnvID())
	}
	if mode == Normal && cur.CheckpointLSN != 0 {
		rec, err := c.cfg.Log.Read(cur.CheckpointLSN)
		if err != nil {
			return nil, &CorruptionError{LSN: cur.CheckpointLSN, Err: err}
		}
		if rec.Type != log.Checkpoint || rec.Checkpoint == nil {
			return nil, &CorruptionError{LSN: cur.CheckpointLSN, Err: fmt.Errorf("master points at a %s record", rec.Type)}
		}
		a.seed(rec.Checkpoint)
		r.CheckpointLSN = cur.CheckpointLSN
		from = max(rec.Checkpoint.BeginLSN, from)
	}

	it, err := c.cfg.Log.Iterator(from)
	if err != nil {
		return nil, err
	}
	for {
		rec, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &CorruptionError{LSN: r.EndLSN, Err: err}
		}
		r.Scanned++
		r.EndLSN = rec.LSN
		a.add(rec)
		if r.Scanned%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}

	// A prepared transaction found in the checkpoint has its prepare record
	// before the scan start. It is always the last record of its chain.
	for _, t := range a.txs {
		if t.state != prepared || t.locks != nil {
			continue
		}
		rec, err := c.cfg.Log.Read(t.lastLSN)
		if err != nil {
			return nil, &CorruptionError{LSN: t.lastLSN, Err: err}
		}
		if rec.Type != log.TxnPrepare {
			return nil, &CorruptionError{LSN: t.lastLSN, Err: fmt.Errorf("prepared tx %d ends with a %s record", t.id, rec.Type)}
		}
		t.locks = rec.Locks
	}

	c.log.WithFields(logrus.Fields{
		"from":        from,
		"end":         r.EndLSN,
		"txs":         len(a.txs),
		"dirty_pages": len(a.dirty),
	}).Debug("analysis finished")
	return a, nil
}
