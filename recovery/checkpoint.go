package recovery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"ariesdb/log"
	"ariesdb/transaction"
)

// Checkpointer takes fuzzy checkpoints: the dirty page table and the
// transaction table are logged without writing any page, and the master
// record is pointed at the result.
type Checkpointer struct {
	log    Log
	master *log.Master
	pool   Pool
	txns   *transaction.Manager
	logger logrus.FieldLogger

	mu      sync.Mutex
	lastLSN uint64
	lastEnd uint64 // log tail right after the last checkpoint

	taken   atomic.Uint64
	skipped atomic.Uint64
}

func NewCheckpointer(l Log, master *log.Master, pool Pool, txns *transaction.Manager, logger logrus.FieldLogger) *Checkpointer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Checkpointer{log: l, master: master, pool: pool, txns: txns, logger: logger}
}

// Checkpoint logs a checkpoint and records it in the master record, with
// clean telling whether the environment is being shut down. Nothing is
// logged when no record was appended since the previous checkpoint; only
// the clean flag of the master record is updated then.
func (c *Checkpointer) Checkpoint(ctx context.Context, clean bool) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	envID := c.log.EnvID()
	if c.lastEnd != 0 && c.log.Tail() == c.lastEnd {
		c.skipped.Add(1)
		if cur := c.master.Current(); cur.Clean != clean || cur.CheckpointLSN != c.lastLSN {
			if err := c.master.Update(c.lastLSN, clean, envID); err != nil {
				return 0, err
			}
		}
		return c.lastLSN, nil
	}

	state := &log.CheckpointState{
		BeginLSN:  c.log.Tail(),
		Timestamp: time.Now().UnixNano(),
		NextTxID:  c.txns.NextID(),
		ActiveTxs: c.txns.ActiveSnapshot(),
	}
	for _, d := range c.pool.DirtyPages() {
		state.DirtyPages = append(state.DirtyPages, log.DirtyEntry{FileID: d.Block.FileID, PageNo: d.Block.Number, RecLSN: d.RecLSN})
	}

	lsn, err := c.log.WriteCheckpoint(ctx, state)
	if err != nil {
		return 0, fmt.Errorf("write checkpoint: %w", err)
	}
	if err := c.master.Update(lsn, clean, envID); err != nil {
		return 0, err
	}
	c.lastLSN = lsn
	c.lastEnd = c.log.Tail()
	c.taken.Add(1)

	c.logger.WithFields(logrus.Fields{
		"lsn":         lsn,
		"begin":       state.BeginLSN,
		"txs":         len(state.ActiveTxs),
		"dirty_pages": len(state.DirtyPages),
		"clean":       clean,
	}).Debug("checkpoint taken")
	return lsn, nil
}

// Last returns the LSN of the newest checkpoint this checkpointer took.
func (c *Checkpointer) Last() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastLSN
}

type CheckpointStats struct {
	Taken   uint64
	Skipped uint64
	Last    uint64
}

func (c *Checkpointer) Stats() CheckpointStats {
	return CheckpointStats{Taken: c.taken.Load(), Skipped: c.skipped.Load(), Last: c.Last()}
}
