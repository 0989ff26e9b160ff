package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ariesdb/log"
)

var (
	ErrInvalidUsage = errors.New("transaction: invalid usage")
	ErrTxDone       = errors.New("transaction: already committed or aborted")
)

type State uint8

const (
	Active State = iota
	Prepared
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Prepared:
		return "prepared"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Resource is something bound to a transaction that must be released
// before the transaction ends, such as an open cursor.
type Resource interface {
	Invalidate()
}

type Transaction struct {
	mgr     *Manager
	id      uint64
	parent  *Transaction
	ctx     context.Context
	cancel  context.CancelCauseFunc
	cm      *ConcurrencyManager
	started time.Time

	mu        sync.Mutex
	state     State
	lastLSN   uint64
	undoNext  uint64
	children  []*Transaction // running children
	committed []*Transaction // committed descendants, undone if this transaction aborts
	resources map[Resource]struct{}
	hooks     []func(committed bool)
	victim    bool
	recovered bool
}

func (tx *Transaction) ID() uint64 {
	return tx.id
}

func (tx *Transaction) Parent() *Transaction {
	return tx.parent
}

// Context is cancelled when the transaction ends or is chosen as a deadlock
// victim. context.Cause reports ErrDeadlock for victims.
func (tx *Transaction) Context() context.Context {
	return tx.ctx
}

func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

func (tx *Transaction) LastLSN() uint64 {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.lastLSN
}

// Recovered reports whether the transaction was rebuilt from the log by
// recovery.
func (tx *Transaction) Recovered() bool {
	return tx.recovered
}

// Top returns the top-level transaction tx is nested in, or tx itself.
func (tx *Transaction) Top() *Transaction {
	top := tx
	for top.parent != nil {
		top = top.parent
	}
	return top
}

func (tx *Transaction) isAncestorOf(other *Transaction) bool {
	for p := other.parent; p != nil; p = p.parent {
		if p == tx {
			return true
		}
	}
	return false
}

func (tx *Transaction) markVictim() {
	tx.mu.Lock()
	tx.victim = true
	tx.mu.Unlock()
	tx.cancel(ErrDeadlock)
}

// Victim reports whether the deadlock detector chose this transaction.
func (tx *Transaction) Victim() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.victim
}

// Err returns why the transaction can no longer run, or nil.
func (tx *Transaction) Err() error {
	tx.mu.Lock()
	state := tx.state
	tx.mu.Unlock()
	if state == Committed || state == Aborted {
		return ErrTxDone
	}
	if err := context.Cause(tx.ctx); err != nil {
		return cancelError(err)
	}
	return nil
}

// cancelError is the error a wait of a cancelled transaction ends with.
func cancelError(cause error) error {
	if errors.Is(cause, ErrDeadlock) || errors.Is(cause, ErrCancelled) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// Bind returns a context that is done when ctx is done or when the
// transaction is cancelled, whichever comes first. Buffer pool and log waits
// of an operation run under it, so cancelling the transaction ends them.
func (tx *Transaction) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	bound, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(tx.ctx, func() {
		cancel(cancelError(context.Cause(tx.ctx)))
	})
	return bound, func() {
		stop()
		cancel(context.Canceled)
	}
}

// Lock acquires a logical lock for the transaction.
func (tx *Transaction) Lock(ctx context.Context, object string, mode Mode) error {
	if err := tx.Err(); err != nil {
		return err
	}
	return tx.cm.Lock(ctx, object, mode)
}

// TryLock acquires a logical lock only if it is available right away.
func (tx *Transaction) TryLock(object string, mode Mode) error {
	if err := tx.Err(); err != nil {
		return err
	}
	return tx.cm.TryLock(object, mode)
}

func (tx *Transaction) Holds(object string) Mode {
	return tx.cm.Holds(object)
}

// Append logs rec as the next record of the transaction's back-chain.
func (tx *Transaction) Append(rec *log.Record) (uint64, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state == Committed || tx.state == Aborted {
		return 0, ErrTxDone
	}
	return tx.appendLocked(rec)
}

func (tx *Transaction) appendLocked(rec *log.Record) (uint64, error) {
	rec.TxID = tx.id
	rec.PrevLSN = tx.lastLSN
	lsn, err := tx.mgr.log.Append(rec)
	if err != nil {
		return 0, err
	}
	tx.lastLSN = lsn
	if !rec.CLR {
		tx.undoNext = lsn
	} else {
		tx.undoNext = rec.UndoNext
	}
	return lsn, nil
}

// AppendCLR logs clr as the compensation of undone. Redo will repeat it and
// undo skips to the record before undone.
func (tx *Transaction) AppendCLR(clr *log.Record, undone *log.Record) (uint64, error) {
	clr.CLR = true
	clr.UndoNext = undone.PrevLSN
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.appendLocked(clr)
}

// Track binds a resource to the transaction. Commit fails while tracked
// resources remain; abort invalidates them.
func (tx *Transaction) Track(r Resource) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != Active {
		return ErrTxDone
	}
	if tx.resources == nil {
		tx.resources = make(map[Resource]struct{})
	}
	tx.resources[r] = struct{}{}
	return nil
}

func (tx *Transaction) Untrack(r Resource) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	delete(tx.resources, r)
}

// OnEnd registers fn to run when the top-level transaction ends. Hooks of a
// committed child run when its parent ends.
func (tx *Transaction) OnEnd(fn func(committed bool)) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.hooks = append(tx.hooks, fn)
}

func (tx *Transaction) String() string {
	return fmt.Sprintf("tx %d", tx.id)
}
