package transaction

import (
	"context"
	"sort"
	"sync"

	"ariesdb/log"
)

// ConcurrencyManager is the lock set of one transaction. Every lock the
// transaction acquires goes through it so that commit, abort and prepare
// know what to release or log.
type ConcurrencyManager struct {
	lockTable *LockTable
	tx        *Transaction

	mu    sync.Mutex
	locks map[string]Mode
}

func NewConcurrencyManager(lockTable *LockTable, tx *Transaction) *ConcurrencyManager {
	return &ConcurrencyManager{
		lockTable: lockTable,
		tx:        tx,
		locks:     make(map[string]Mode),
	}
}

func (cm *ConcurrencyManager) held(object string) Mode {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.locks[object]
}

func (cm *ConcurrencyManager) record(object string, mode Mode) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.locks[object] = mode
}

// Lock acquires object in mode, waiting for conflicting holders.
func (cm *ConcurrencyManager) Lock(ctx context.Context, object string, mode Mode) error {
	if cm.held(object).Covers(mode) {
		return nil
	}
	granted, err := cm.lockTable.Lock(ctx, cm.tx, object, mode)
	if err != nil {
		return err
	}
	cm.record(object, granted)
	return nil
}

// TryLock acquires object in mode only if that is possible without waiting.
func (cm *ConcurrencyManager) TryLock(object string, mode Mode) error {
	if cm.held(object).Covers(mode) {
		return nil
	}
	granted, err := cm.lockTable.TryLock(cm.tx, object, mode)
	if err != nil {
		return err
	}
	cm.record(object, granted)
	return nil
}

// Holds returns the mode in which the transaction holds object.
func (cm *ConcurrencyManager) Holds(object string) Mode {
	return cm.held(object)
}

// Release drops every lock of the transaction.
func (cm *ConcurrencyManager) Release() {
	cm.mu.Lock()
	objects := make([]string, 0, len(cm.locks))
	for object := range cm.locks {
		objects = append(objects, object)
	}
	clear(cm.locks)
	cm.mu.Unlock()

	for _, object := range objects {
		cm.lockTable.Unlock(cm.tx, object)
	}
}

// transferTo moves the locks to the parent's lock set.
func (cm *ConcurrencyManager) transferTo(parent *ConcurrencyManager) {
	cm.mu.Lock()
	objects := make([]string, 0, len(cm.locks))
	modes := make(map[string]Mode, len(cm.locks))
	for object, mode := range cm.locks {
		objects = append(objects, object)
		modes[object] = mode
	}
	clear(cm.locks)
	cm.mu.Unlock()

	cm.lockTable.transfer(cm.tx, parent.tx, objects)

	parent.mu.Lock()
	for object, mode := range modes {
		parent.locks[object] = combine(parent.locks[object], mode)
	}
	parent.mu.Unlock()
}

// Entries lists the held locks, sorted by object, for a prepare record.
func (cm *ConcurrencyManager) Entries() []log.LockEntry {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	entries := make([]log.LockEntry, 0, len(cm.locks))
	for object, mode := range cm.locks {
		entries = append(entries, log.LockEntry{Object: object, Mode: uint8(mode)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Object < entries[j].Object })
	return entries
}
