package transaction

import (
	"context"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
)

// DeadlockMode selects how lock waits that can never be granted are ended.
type DeadlockMode uint8

const (
	// Periodic runs a waits-for cycle check every Interval.
	Periodic DeadlockMode = iota
	// TimeoutOnly fails any lock wait that lasts longer than Timeout.
	TimeoutOnly
)

type DeadlockPolicy struct {
	Mode     DeadlockMode
	Interval time.Duration
	Timeout  time.Duration
}

// waitsFor builds the waits-for graph: a waiter points at every holder and
// every request queued ahead of it that it is incompatible with. A
// transaction in the graph also points at each of its waiting descendants,
// since it cannot end and release its locks while a child is blocked.
// Must be called with lt.mu held.
func (lt *LockTable) waitsFor() map[*Transaction][]*Transaction {
	graph := make(map[*Transaction][]*Transaction, len(lt.waiting))
	targets := make(map[*Transaction]struct{})
	for waiter, req := range lt.waiting {
		e := lt.objects[req.object]
		if e == nil {
			continue
		}
		for h, held := range e.holders {
			if h != waiter && !h.isAncestorOf(waiter) && !Compatible(held, req.mode) {
				graph[waiter] = append(graph[waiter], h)
				targets[h] = struct{}{}
			}
		}
		for _, r := range e.queue {
			if r == req {
				break
			}
			if r.tx != waiter && !Compatible(r.mode, req.mode) {
				graph[waiter] = append(graph[waiter], r.tx)
				targets[r.tx] = struct{}{}
			}
		}
	}
	for tx := range targets {
		for waiter := range lt.waiting {
			if tx.isAncestorOf(waiter) {
				graph[tx] = append(graph[tx], waiter)
			}
		}
	}
	return graph
}

// findCycle returns the transactions of one cycle of graph, or nil.
func findCycle(graph map[*Transaction][]*Transaction) []*Transaction {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[*Transaction]int, len(graph))
	var stack []*Transaction
	var cycle []*Transaction

	var visit func(tx *Transaction) bool
	visit = func(tx *Transaction) bool {
		state[tx] = onStack
		stack = append(stack, tx)
		for _, next := range graph[tx] {
			switch state[next] {
			case onStack:
				i := slices.Index(stack, next)
				cycle = slices.Clone(stack[i:])
				return true
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[tx] = done
		return false
	}

	// Visit in id order so the outcome does not depend on map iteration.
	waiters := make([]*Transaction, 0, len(graph))
	for tx := range graph {
		waiters = append(waiters, tx)
	}
	slices.SortFunc(waiters, func(a, b *Transaction) int { return compareID(a.id, b.id) })
	for _, tx := range waiters {
		if state[tx] == unvisited && visit(tx) {
			return cycle
		}
	}
	return nil
}

func compareID(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// younger reports whether a goes before b as deadlock victim: the member of
// the younger family (highest top-level id) first, then the younger member
// of one family.
func younger(a, b *Transaction) bool {
	if ta, tb := a.Top().id, b.Top().id; ta != tb {
		return ta > tb
	}
	return a.id > b.id
}

// DetectDeadlocks breaks every cycle in the waits-for graph. In each cycle
// the victim is the waiting member of the youngest transaction family: its
// wait ends with ErrDeadlock. It returns the victims.
func (lt *LockTable) DetectDeadlocks() []*Transaction {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	var victims []*Transaction
	for {
		cycle := findCycle(lt.waitsFor())
		if cycle == nil {
			return victims
		}

		var victim *Transaction
		for _, tx := range cycle {
			if _, waiting := lt.waiting[tx]; !waiting {
				continue
			}
			if victim == nil || younger(tx, victim) {
				victim = tx
			}
		}
		req := lt.waiting[victim]
		delete(lt.waiting, victim)
		if e, ok := lt.objects[req.object]; ok {
			if i := slices.Index(e.queue, req); i >= 0 {
				e.queue = slices.Delete(e.queue, i, i+1)
			}
			lt.grantWaiters(req.object, e)
		}
		victim.markVictim()
		req.ready <- ErrDeadlock
		lt.deadlocks.Add(1)
		victims = append(victims, victim)

		ids := make([]uint64, len(cycle))
		for i, tx := range cycle {
			ids[i] = tx.id
		}
		lt.log.WithFields(logrus.Fields{"tx": victim.id, "cycle": ids, "object": req.object}).Debug("deadlock victim chosen")
	}
}

// RunDetector checks for deadlocks every interval until ctx is done.
func (lt *LockTable) RunDetector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lt.DetectDeadlocks()
		}
	}
}
