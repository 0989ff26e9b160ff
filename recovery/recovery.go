// Package recovery brings an environment back to a consistent state after
// a crash: analysis of the log from the last checkpoint, redo of every
// logged page change that did not reach its file, and rollback of the
// transactions that did not commit.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ariesdb/buffer"
	"ariesdb/file"
	"ariesdb/log"
	"ariesdb/transaction"
)

var (
	ErrNeedsRecovery = errors.New("recovery: environment was not shut down cleanly")
	ErrCorruption    = errors.New("recovery: corruption detected")
)

// CorruptionError names the record and page recovery could not get past.
type CorruptionError struct {
	LSN   uint64
	Block file.BlockID
	Err   error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("recovery: lsn %d page %s: %v", e.LSN, e.Block, e.Err)
}

func (e *CorruptionError) Unwrap() []error {
	return []error{ErrCorruption, e.Err}
}

type Mode uint8

const (
	// Normal starts from the checkpoint the master record points at.
	Normal Mode = iota
	// Fatal ignores checkpoints and scans the whole log.
	Fatal
	// PointInTime rolls back every transaction that committed after the
	// target time, as if the environment had stopped then.
	PointInTime
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Fatal:
		return "fatal"
	case PointInTime:
		return "point-in-time"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Redoer repeats logged page changes of one data file.
type Redoer interface {
	Redo(ctx context.Context, rec *log.Record) (bool, error)
}

type Log interface {
	Iterator(from uint64) (*log.Iterator, error)
	Read(lsn uint64) (*log.Record, error)
	FirstLSN() uint64
	Tail() uint64
	EnvID() uuid.UUID
	WriteCheckpoint(ctx context.Context, state *log.CheckpointState) (uint64, error)
}

type Pool interface {
	FlushAll(ctx context.Context) error
	DirtyPages() []buffer.DirtyPage
}

type Config struct {
	Log    Log
	Master *log.Master
	Pool   Pool
	Txns   *transaction.Manager
	// Files maps the file id of every data file to its redo handler. Undo
	// goes through the undoers registered with Txns.
	Files map[uint32]Redoer
	// Checkpointer takes the checkpoint that ends recovery. A new one is
	// made when nil.
	Checkpointer *Checkpointer
	Logger       logrus.FieldLogger
	Now          func() time.Time
}

// Report summarizes one recovery run.
type Report struct {
	Mode          Mode
	CheckpointLSN uint64
	RedoLSN       uint64
	EndLSN        uint64
	Scanned       int
	Redone        int
	Skipped       int
	Losers        []uint64
	Prepared      []uint64
	Duration      time.Duration
}

type Coordinator struct {
	cfg  Config
	log  logrus.FieldLogger
	ckpt *Checkpointer
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Checkpointer == nil {
		cfg.Checkpointer = NewCheckpointer(cfg.Log, cfg.Master, cfg.Pool, cfg.Txns, cfg.Logger)
	}
	return &Coordinator{cfg: cfg, log: cfg.Logger, ckpt: cfg.Checkpointer}
}

// Run recovers the environment. Target is only used by PointInTime. When
// Run returns, every page is written back, the log ends with a checkpoint
// and the master record points at it. Prepared transactions are left to
// the caller through Txns.Recovered.
func (c *Coordinator) Run(ctx context.Context, mode Mode, target time.Time) (*Report, error) {
	start := c.cfg.Now()
	r := &Report{Mode: mode}
	logger := c.log.WithField("mode", mode)
	logger.Info("recovery started")

	a, err := c.analyze(ctx, mode, r)
	if err != nil {
		return r, err
	}
	if err := c.redo(ctx, a, r); err != nil {
		return r, err
	}
	if err := c.undo(ctx, a, mode, target, r); err != nil {
		return r, err
	}

	if err := c.cfg.Pool.FlushAll(ctx); err != nil {
		return r, fmt.Errorf("flush after recovery: %w", err)
	}
	if _, err := c.ckpt.Checkpoint(ctx, false); err != nil {
		return r, err
	}

	r.Duration = c.cfg.Now().Sub(start)
	logger.WithFields(logrus.Fields{
		"checkpoint": r.CheckpointLSN,
		"redo_lsn":   r.RedoLSN,
		"scanned":    r.Scanned,
		"redone":     r.Redone,
		"losers":     len(r.Losers),
		"prepared":   len(r.Prepared),
		"took":       r.Duration,
	}).Info("recovery finished")
	return r, nil
}

// redo repeats history: every page update whose page may be missing it is
// handed to the file's redoer, which compares page LSNs.
func (c *Coordinator) redo(ctx context.Context, a *analysis, r *Report) error {
	redoLSN := a.redoLSN()
	r.RedoLSN = redoLSN
	if redoLSN == 0 {
		return nil
	}
	it, err := c.cfg.Log.Iterator(redoLSN)
	if err != nil {
		return err
	}
	last := redoLSN
	for {
		rec, err := it.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &CorruptionError{LSN: last, Err: err}
		}
		last = rec.LSN
		if !rec.Type.IsPageUpdate() {
			continue
		}
		if rec.Desc == nil && !a.needsRedo(rec) {
			continue
		}
		f, ok := c.cfg.Files[rec.FileID]
		if !ok {
			r.Skipped++
			c.log.WithFields(logrus.Fields{"lsn": rec.LSN, "file": rec.FileID}).Warn("no data file for logged change")
			continue
		}
		applied, err := f.Redo(ctx, rec)
		if err != nil {
			return &CorruptionError{LSN: rec.LSN, Block: file.NewBlockID(rec.FileID, rec.PageNo), Err: err}
		}
		if applied {
			r.Redone++
		}
	}
}

// undo rolls back the losers, newest first, and reinstates the prepared
// transactions with their locks.
func (c *Coordinator) undo(ctx context.Context, a *analysis, mode Mode, target time.Time, r *Report) error {
	txm := c.cfg.Txns
	txm.SetNextID(a.nextID)

	losers, prepared := a.classify(mode, target)
	for _, top := range prepared {
		tx := a.resurrect(txm, top, nil, true)
		if err := txm.ReacquireLocks(tx, a.txs[top].locks); err != nil {
			return err
		}
		r.Prepared = append(r.Prepared, top)
		c.log.WithField("tx", top).Info("prepared transaction reinstated")
	}

	for _, top := range losers {
		tx := a.resurrect(txm, top, nil, false)
		if err := txm.Abort(ctx, tx); err != nil {
			return fmt.Errorf("roll back tx %d: %w", top, err)
		}
		r.Losers = append(r.Losers, top)
		c.log.WithField("tx", top).Debug("loser rolled back")
	}
	return nil
}
