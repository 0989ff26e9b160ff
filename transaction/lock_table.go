package transaction

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Mode is a lock mode. NotGranted is only reported, never held.
type Mode uint8

const (
	NotGranted Mode = iota
	IS
	IX
	S
	X
)

func (m Mode) String() string {
	switch m {
	case IS:
		return "IS"
	case IX:
		return "IX"
	case S:
		return "S"
	case X:
		return "X"
	default:
		return "NG"
	}
}

var compatible = [5][5]bool{
	IS: {IS: true, IX: true, S: true},
	IX: {IS: true, IX: true},
	S:  {IS: true, S: true},
}

// Compatible reports whether a lock in mode a and a lock in mode b can be
// held on the same object by unrelated transactions.
func Compatible(a, b Mode) bool {
	return compatible[a][b]
}

// Covers reports whether holding m grants everything o would.
func (m Mode) Covers(o Mode) bool {
	switch m {
	case X:
		return true
	case S:
		return o == S || o == IS || o == NotGranted
	case IX:
		return o == IX || o == IS || o == NotGranted
	case IS:
		return o == IS || o == NotGranted
	}
	return o == NotGranted
}

// combine returns the weakest mode covering both a and b.
func combine(a, b Mode) Mode {
	switch {
	case a.Covers(b):
		return a
	case b.Covers(a):
		return b
	default:
		// IX with S: there is no SIX mode, so the holder is upgraded to X.
		return X
	}
}

var (
	ErrDeadlock   = errors.New("transaction: deadlock")
	ErrCancelled  = errors.New("transaction: cancelled")
	ErrNotGranted = errors.New("transaction: lock not granted")
)

// ConflictError is returned by TryLock when the lock is held by another
// transaction in an incompatible mode.
type ConflictError struct {
	Object string
	Wanted Mode
	Holder uint64
	Held   Mode
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("lock %s on %q not granted: held %s by tx %d", e.Wanted, e.Object, e.Held, e.Holder)
}

func (e *ConflictError) Unwrap() error {
	return ErrNotGranted
}

type lockRequest struct {
	tx      *Transaction
	object  string
	mode    Mode
	upgrade bool
	ready   chan error // receives nil when granted, ErrDeadlock when chosen as victim
}

type lockEntry struct {
	holders map[*Transaction]Mode
	queue   []*lockRequest
}

// LockTable holds the logical locks of all transactions. Locks are
// ephemeral and never logged.
type LockTable struct {
	mu      sync.Mutex
	objects map[string]*lockEntry
	waiting map[*Transaction]*lockRequest
	timeout time.Duration
	log     logrus.FieldLogger

	grants    atomic.Uint64
	waits     atomic.Uint64
	deadlocks atomic.Uint64
	timeouts  atomic.Uint64
}

// NewLockTable creates a lock table. A positive timeout makes every wait
// fail with ErrDeadlock once it expires.
func NewLockTable(timeout time.Duration, log logrus.FieldLogger) *LockTable {
	return &LockTable{
		objects: make(map[string]*lockEntry),
		waiting: make(map[*Transaction]*lockRequest),
		timeout: timeout,
		log:     log,
	}
}

func (lt *LockTable) entry(object string) *lockEntry {
	e, ok := lt.objects[object]
	if !ok {
		e = &lockEntry{holders: make(map[*Transaction]Mode)}
		lt.objects[object] = e
	}
	return e
}

// conflict returns a holder of e whose lock is incompatible with mode for
// tx. Locks of tx's ancestors never conflict.
func (lt *LockTable) conflict(e *lockEntry, tx *Transaction, mode Mode) (*Transaction, Mode) {
	for h, held := range e.holders {
		if h == tx || h.isAncestorOf(tx) {
			continue
		}
		if !Compatible(held, mode) {
			return h, held
		}
	}
	return nil, NotGranted
}

// Lock acquires object in mode for tx, waiting if necessary. A held lock is
// upgraded when mode is stronger. The wait ends with ErrDeadlock when tx is
// chosen as deadlock victim or the lock timeout expires, and with
// ErrCancelled when ctx or the transaction is cancelled.
func (lt *LockTable) Lock(ctx context.Context, tx *Transaction, object string, mode Mode) (Mode, error) {
	req, granted, err := lt.request(tx, object, mode, true)
	if err != nil || req == nil {
		return granted, err
	}
	lt.waits.Add(1)
	lt.log.WithFields(logrus.Fields{"tx": tx.id, "object": object, "mode": req.mode}).Trace("waiting for lock")

	var timeout <-chan time.Time
	if lt.timeout > 0 {
		timer := time.NewTimer(lt.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var cause error
	select {
	case err := <-req.ready:
		if err != nil {
			return NotGranted, err
		}
		return req.mode, nil
	case <-ctx.Done():
		cause = cancelError(context.Cause(ctx))
	case <-tx.ctx.Done():
		cause = cancelError(context.Cause(tx.ctx))
	case <-timeout:
		lt.timeouts.Add(1)
		cause = fmt.Errorf("%w: lock wait on %q timed out after %s", ErrDeadlock, object, lt.timeout)
	}

	lt.mu.Lock()
	defer lt.mu.Unlock()
	select {
	case err := <-req.ready:
		// Granted or chosen as victim before we got the table lock.
		if err != nil {
			return NotGranted, err
		}
		return req.mode, nil
	default:
	}
	lt.dequeue(req)
	return NotGranted, cause
}

// TryLock acquires object in mode if it can be granted right away.
// Otherwise it returns a *ConflictError.
func (lt *LockTable) TryLock(tx *Transaction, object string, mode Mode) (Mode, error) {
	_, granted, err := lt.request(tx, object, mode, false)
	return granted, err
}

// request grants the lock if possible. Otherwise it queues a request when
// wait is set, or reports the conflict.
func (lt *LockTable) request(tx *Transaction, object string, mode Mode, wait bool) (*lockRequest, Mode, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	e := lt.entry(object)
	held := e.holders[tx]
	if held != NotGranted && held.Covers(mode) {
		return nil, held, nil
	}
	want := combine(held, mode)
	upgrade := held != NotGranted

	holder, holderMode := lt.conflict(e, tx, want)
	if holder == nil && (upgrade || !lt.queuedAhead(e, tx, want)) {
		e.holders[tx] = want
		lt.grants.Add(1)
		return nil, want, nil
	}
	if !wait {
		if holder == nil {
			// Only queued requests stand in the way; report the first one.
			holder, holderMode = e.queue[0].tx, e.queue[0].mode
		}
		if len(e.holders) == 0 && len(e.queue) == 0 {
			delete(lt.objects, object)
		}
		return nil, NotGranted, &ConflictError{Object: object, Wanted: want, Holder: holder.id, Held: holderMode}
	}

	req := &lockRequest{tx: tx, object: object, mode: want, upgrade: upgrade, ready: make(chan error, 1)}
	if upgrade {
		// Upgrades wait ahead of new requests but behind earlier upgrades.
		i := 0
		for i < len(e.queue) && e.queue[i].upgrade {
			i++
		}
		e.queue = slices.Insert(e.queue, i, req)
	} else {
		e.queue = append(e.queue, req)
	}
	lt.waiting[tx] = req
	return req, NotGranted, nil
}

// queuedAhead reports whether a waiting request of an unrelated transaction
// is incompatible with mode. New requests do not overtake such waiters.
func (lt *LockTable) queuedAhead(e *lockEntry, tx *Transaction, mode Mode) bool {
	for _, r := range e.queue {
		if r.tx != tx && !r.tx.isAncestorOf(tx) && !Compatible(r.mode, mode) {
			return true
		}
	}
	return false
}

func (lt *LockTable) dequeue(req *lockRequest) {
	delete(lt.waiting, req.tx)
	e, ok := lt.objects[req.object]
	if !ok {
		return
	}
	if i := slices.Index(e.queue, req); i >= 0 {
		e.queue = slices.Delete(e.queue, i, i+1)
	}
	lt.grantWaiters(req.object, e)
}

// grantWaiters grants queued requests in FIFO order until one cannot be
// granted.
func (lt *LockTable) grantWaiters(object string, e *lockEntry) {
	for len(e.queue) > 0 {
		req := e.queue[0]
		if h, _ := lt.conflict(e, req.tx, req.mode); h != nil {
			break
		}
		e.queue = e.queue[1:]
		e.holders[req.tx] = req.mode
		delete(lt.waiting, req.tx)
		lt.grants.Add(1)
		req.ready <- nil
	}
	if len(e.holders) == 0 && len(e.queue) == 0 {
		delete(lt.objects, object)
	}
}

// Unlock releases the lock tx holds on object.
func (lt *LockTable) Unlock(tx *Transaction, object string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.unlockLocked(tx, object)
}

func (lt *LockTable) unlockLocked(tx *Transaction, object string) {
	e, ok := lt.objects[object]
	if !ok {
		return
	}
	delete(e.holders, tx)
	lt.grantWaiters(object, e)
}

// transfer hands the locks a committed child holds over to its parent.
func (lt *LockTable) transfer(child, parent *Transaction, objects []string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	for _, object := range objects {
		e, ok := lt.objects[object]
		if !ok {
			continue
		}
		if m, held := e.holders[child]; held {
			e.holders[parent] = combine(e.holders[parent], m)
			delete(e.holders, child)
		}
		lt.grantWaiters(object, e)
	}
}

// Holder reports the mode in which tx holds object.
func (lt *LockTable) Holder(tx *Transaction, object string) Mode {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if e, ok := lt.objects[object]; ok {
		return e.holders[tx]
	}
	return NotGranted
}

type LockStats struct {
	Objects   int
	Waiting   int
	Grants    uint64
	Waits     uint64
	Deadlocks uint64
	Timeouts  uint64
}

func (lt *LockTable) Stats() LockStats {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return LockStats{
		Objects:   len(lt.objects),
		Waiting:   len(lt.waiting),
		Grants:    lt.grants.Load(),
		Waits:     lt.waits.Load(),
		Deadlocks: lt.deadlocks.Load(),
		Timeouts:  lt.timeouts.Load(),
	}
}
