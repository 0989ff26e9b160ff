package transaction

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"ariesdb/log"
)

// Log is the part of the log manager transactions write to.
type Log interface {
	Append(rec *log.Record) (uint64, error)
	Flush(ctx context.Context, lsn uint64) error
	Read(lsn uint64) (*log.Record, error)
}

// Undoer reverts logged changes of one data file. Undo must log the
// compensation with tx.AppendCLR.
type Undoer interface {
	Undo(ctx context.Context, tx *Transaction, rec *log.Record) error
}

type Config struct {
	SyncOnCommit bool
	Deadlock     DeadlockPolicy
	Logger       logrus.FieldLogger
	LockLogger   logrus.FieldLogger
	// Now stamps commit records. Point-in-time recovery compares against it.
	Now func() time.Time
}

type Stats struct {
	Active    int
	Begun     uint64
	Committed uint64
	Aborted   uint64
	Prepared  uint64
	Locks     LockStats
}

type Manager struct {
	log    Log
	locks  *LockTable
	cfg    Config
	logger logrus.FieldLogger

	nextID atomic.Uint64

	mu        sync.Mutex
	active    map[uint64]*Transaction
	recovered []*Transaction

	undoMu  sync.RWMutex
	undoers map[uint32]Undoer

	cancel context.CancelFunc
	done   chan struct{}

	begun     atomic.Uint64
	committed atomic.Uint64
	aborted   atomic.Uint64
	prepared  atomic.Uint64
}

// NewManager creates a transaction manager and, for the periodic deadlock
// policy, starts the detector.
func NewManager(l Log, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.LockLogger == nil {
		cfg.LockLogger = cfg.Logger
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	timeout := time.Duration(0)
	if cfg.Deadlock.Mode == TimeoutOnly {
		timeout = cfg.Deadlock.Timeout
	}

	m := &Manager{
		log:     l,
		locks:   NewLockTable(timeout, cfg.LockLogger),
		cfg:     cfg,
		logger:  cfg.Logger,
		active:  make(map[uint64]*Transaction),
		undoers: make(map[uint32]Undoer),
		done:    make(chan struct{}),
	}
	m.nextID.Store(1)

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	if cfg.Deadlock.Mode == Periodic && cfg.Deadlock.Interval > 0 {
		go func() {
			defer close(m.done)
			m.locks.RunDetector(ctx, cfg.Deadlock.Interval)
		}()
	} else {
		close(m.done)
	}
	return m
}

func (m *Manager) LockTable() *LockTable {
	return m.locks
}

// SetNextID makes sure new transactions get ids of at least id.
func (m *Manager) SetNextID(id uint64) {
	for {
		cur := m.nextID.Load()
		if id <= cur || m.nextID.CompareAndSwap(cur, id) {
			return
		}
	}
}

func (m *Manager) NextID() uint64 {
	return m.nextID.Load()
}

func (m *Manager) RegisterUndoer(fileID uint32, u Undoer) {
	m.undoMu.Lock()
	defer m.undoMu.Unlock()
	m.undoers[fileID] = u
}

func (m *Manager) undoer(fileID uint32) (Undoer, bool) {
	m.undoMu.RLock()
	defer m.undoMu.RUnlock()
	u, ok := m.undoers[fileID]
	return u, ok
}

func (m *Manager) newTransaction(id uint64, parent *Transaction) *Transaction {
	ctx, cancel := context.WithCancelCause(context.Background())
	tx := &Transaction{
		mgr:     m,
		id:      id,
		parent:  parent,
		ctx:     ctx,
		cancel:  cancel,
		started: m.cfg.Now(),
	}
	tx.cm = NewConcurrencyManager(m.locks, tx)
	return tx
}

// Begin starts a transaction, nested inside parent when parent is not nil.
func (m *Manager) Begin(ctx context.Context, parent *Transaction) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if parent != nil {
		if err := parent.Err(); err != nil {
			return nil, err
		}
		if parent.State() != Active {
			return nil, fmt.Errorf("%w: parent %s is %s", ErrInvalidUsage, parent, parent.State())
		}
	}

	tx := m.newTransaction(m.nextID.Add(1)-1, parent)
	rec := &log.Record{Type: log.TxnBegin}
	if parent != nil {
		rec.ParentID = parent.id
	}
	if _, err := tx.Append(rec); err != nil {
		tx.cancel(ErrTxDone)
		return nil, err
	}

	if parent != nil {
		parent.mu.Lock()
		parent.children = append(parent.children, tx)
		parent.mu.Unlock()
	}
	m.mu.Lock()
	m.active[tx.id] = tx
	m.mu.Unlock()
	m.begun.Add(1)
	m.logger.WithFields(logrus.Fields{"tx": tx.id, "parent": rec.ParentID}).Trace("transaction started")
	return tx, nil
}

// Commit commits tx. A child's changes become part of its parent and are
// durable once the top-level transaction commits. A top-level commit
// returns after its commit record is durable (unless SyncOnCommit is off),
// then runs the end hooks and releases the locks.
func (m *Manager) Commit(ctx context.Context, tx *Transaction) error {
	tx.mu.Lock()
	switch {
	case tx.state == Committed || tx.state == Aborted:
		tx.mu.Unlock()
		return ErrTxDone
	case len(tx.resources) > 0:
		tx.mu.Unlock()
		return fmt.Errorf("%w: %s has %d open cursors", ErrInvalidUsage, tx, len(tx.resources))
	case len(tx.children) > 0:
		tx.mu.Unlock()
		return fmt.Errorf("%w: %s has running child transactions", ErrInvalidUsage, tx)
	}
	if tx.state == Active {
		if err := context.Cause(tx.ctx); err != nil {
			tx.mu.Unlock()
			return cancelError(err)
		}
	}

	rec := &log.Record{Type: log.TxnCommit, Timestamp: m.cfg.Now().UnixNano()}
	if tx.parent != nil {
		rec.ParentID = tx.parent.id
	}
	lsn, err := tx.appendLocked(rec)
	if err != nil {
		tx.mu.Unlock()
		return err
	}
	tx.state = Committed
	hooks := tx.hooks
	tx.hooks = nil
	committed := tx.committed
	tx.committed = nil
	tx.mu.Unlock()

	if parent := tx.parent; parent != nil {
		parent.mu.Lock()
		parent.children = removeTx(parent.children, tx)
		parent.committed = append(parent.committed, tx)
		parent.committed = append(parent.committed, committed...)
		parent.hooks = append(parent.hooks, hooks...)
		parent.mu.Unlock()
		tx.cm.transferTo(parent.cm)
		tx.cancel(ErrTxDone)
		m.logger.WithFields(logrus.Fields{"tx": tx.id, "parent": parent.id}).Trace("child transaction committed")
		return nil
	}

	if m.cfg.SyncOnCommit {
		if err := m.log.Flush(context.WithoutCancel(ctx), lsn); err != nil {
			// The commit record may or may not survive a crash; the locks stay
			// held so nothing can observe the outcome before recovery.
			return err
		}
	}

	for _, fn := range hooks {
		fn(true)
	}
	m.finish(tx, committed)
	m.committed.Add(1)
	m.logger.WithFields(logrus.Fields{"tx": tx.id, "lsn": lsn}).Trace("transaction committed")
	return nil
}

// Abort rolls tx back: running children are aborted, then the changes of tx
// and its committed children are undone newest first, each undo logged as a
// compensation record. The locks are released last.
func (m *Manager) Abort(ctx context.Context, tx *Transaction) error {
	tx.mu.Lock()
	if tx.state == Committed || tx.state == Aborted {
		tx.mu.Unlock()
		return ErrTxDone
	}
	wasPrepared := tx.state == Prepared
	children := append([]*Transaction(nil), tx.children...)
	resources := make([]Resource, 0, len(tx.resources))
	for r := range tx.resources {
		resources = append(resources, r)
	}
	tx.resources = nil
	tx.mu.Unlock()

	for _, r := range resources {
		r.Invalidate()
	}
	for _, child := range children {
		if err := m.Abort(ctx, child); err != nil && err != ErrTxDone {
			return err
		}
	}

	// Undo runs to completion even if the caller gives up.
	ctx = context.WithoutCancel(ctx)

	if wasPrepared {
		// A durable noop records the decision, so a crash during undo
		// rolls the transaction back instead of reinstating it.
		tx.mu.Lock()
		lsn, err := tx.appendLocked(&log.Record{Type: log.Noop})
		if err == nil {
			tx.state = Active
		}
		tx.mu.Unlock()
		if err != nil {
			return err
		}
		if err := m.log.Flush(ctx, lsn); err != nil {
			return err
		}
	}

	tx.mu.Lock()
	chains := append([]*Transaction{tx}, tx.committed...)
	tx.mu.Unlock()
	if err := m.rollback(ctx, chains); err != nil {
		return err
	}

	rec := &log.Record{Type: log.TxnAbort}
	if tx.parent != nil {
		rec.ParentID = tx.parent.id
	}
	tx.mu.Lock()
	lsn, err := tx.appendLocked(rec)
	if err == nil {
		tx.state = Aborted
	}
	hooks := tx.hooks
	tx.hooks = nil
	committed := tx.committed
	tx.committed = nil
	tx.mu.Unlock()
	if err != nil {
		return err
	}

	if m.cfg.SyncOnCommit || wasPrepared || tx.recovered {
		if err := m.log.Flush(ctx, lsn); err != nil {
			return err
		}
	}

	for _, fn := range hooks {
		fn(false)
	}
	if parent := tx.parent; parent != nil {
		parent.mu.Lock()
		parent.children = removeTx(parent.children, tx)
		parent.mu.Unlock()
	}
	m.finish(tx, committed)
	m.aborted.Add(1)
	m.logger.WithFields(logrus.Fields{"tx": tx.id, "lsn": lsn}).Trace("transaction aborted")
	return nil
}

// Cancel ends every wait of tx and of its running children with
// ErrCancelled, from any goroutine. The owner of tx must still abort it.
// Prepared transactions are not cancelled.
func (m *Manager) Cancel(tx *Transaction) {
	tx.mu.Lock()
	if tx.state != Active {
		tx.mu.Unlock()
		return
	}
	children := slices.Clone(tx.children)
	tx.mu.Unlock()

	tx.cancel(ErrCancelled)
	for _, child := range children {
		m.Cancel(child)
	}
	m.logger.WithField("tx", tx.id).Debug("transaction cancelled")
}

// Prepare is the first phase of two-phase commit. It logs the held locks
// and makes the transaction durable; afterwards only Commit or Abort are
// allowed, and recovery reinstates the transaction if it is still undecided.
func (m *Manager) Prepare(ctx context.Context, tx *Transaction) error {
	if tx.parent != nil {
		return fmt.Errorf("%w: only top-level transactions can be prepared", ErrInvalidUsage)
	}
	tx.mu.Lock()
	switch {
	case tx.state != Active:
		tx.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrInvalidUsage, tx, tx.state)
	case len(tx.resources) > 0 || len(tx.children) > 0:
		tx.mu.Unlock()
		return fmt.Errorf("%w: %s has open cursors or running children", ErrInvalidUsage, tx)
	}
	lsn, err := tx.appendLocked(&log.Record{Type: log.TxnPrepare, Locks: tx.cm.Entries()})
	if err != nil {
		tx.mu.Unlock()
		return err
	}
	tx.state = Prepared
	tx.mu.Unlock()

	if err := m.log.Flush(ctx, lsn); err != nil {
		return err
	}
	m.prepared.Add(1)
	return nil
}

func (m *Manager) finish(tx *Transaction, descendants []*Transaction) {
	tx.cm.Release()
	tx.cancel(ErrTxDone)
	m.mu.Lock()
	delete(m.active, tx.id)
	for _, d := range descendants {
		delete(m.active, d.id)
		d.cancel(ErrTxDone)
	}
	m.recovered = removeTx(m.recovered, tx)
	m.mu.Unlock()
}

func removeTx(list []*Transaction, tx *Transaction) []*Transaction {
	for i, t := range list {
		if t == tx {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

// ActiveSnapshot lists every transaction a checkpoint must record:
// running and prepared transactions and the committed children of running
// parents.
func (m *Manager) ActiveSnapshot() []log.TxEntry {
	m.mu.Lock()
	txs := make([]*Transaction, 0, len(m.active))
	for _, tx := range m.active {
		txs = append(txs, tx)
	}
	m.mu.Unlock()

	entries := make([]log.TxEntry, 0, len(txs))
	for _, tx := range txs {
		tx.mu.Lock()
		if tx.state != Aborted && (tx.state != Committed || tx.parent != nil) {
			e := log.TxEntry{ID: tx.id, LastLSN: tx.lastLSN, UndoNext: tx.undoNext, Prepared: tx.state == Prepared}
			if tx.parent != nil {
				e.ParentID = tx.parent.id
			}
			entries = append(entries, e)
		}
		tx.mu.Unlock()
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// Resurrect rebuilds a transaction found in the log by recovery. Its
// back-chain continues at lastLSN; undo resumes at undoNext.
func (m *Manager) Resurrect(entry log.TxEntry, parent *Transaction) *Transaction {
	tx := m.newTransaction(entry.ID, parent)
	tx.lastLSN = entry.LastLSN
	tx.undoNext = entry.UndoNext
	tx.recovered = true
	if entry.Prepared {
		tx.state = Prepared
	}
	if parent != nil {
		parent.mu.Lock()
		parent.committed = append(parent.committed, tx)
		parent.mu.Unlock()
	}
	m.SetNextID(entry.ID + 1)

	m.mu.Lock()
	m.active[tx.id] = tx
	if entry.Prepared && parent == nil {
		m.recovered = append(m.recovered, tx)
	}
	m.mu.Unlock()
	return tx
}

// ReacquireLocks grants a recovered prepared transaction the locks its
// prepare record lists.
func (m *Manager) ReacquireLocks(tx *Transaction, locks []log.LockEntry) error {
	for _, l := range locks {
		if err := tx.cm.TryLock(l.Object, Mode(l.Mode)); err != nil {
			return fmt.Errorf("reacquire %s for %s: %w", l.Object, tx, err)
		}
	}
	return nil
}

// Recovered returns the prepared transactions recovery found undecided.
// The caller must Commit or Abort each of them.
func (m *Manager) Recovered() []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Transaction(nil), m.recovered...)
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	n := len(m.active)
	m.mu.Unlock()
	return Stats{
		Active:    n,
		Begun:     m.begun.Load(),
		Committed: m.committed.Load(),
		Aborted:   m.aborted.Load(),
		Prepared:  m.prepared.Load(),
		Locks:     m.locks.Stats(),
	}
}

// Close stops the deadlock detector. Running transactions are left as they
// are; recovery treats them as losers.
func (m *Manager) Close() {
	m.cancel()
	<-m.done
}
