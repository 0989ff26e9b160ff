// Package server hosts an environment: one directory holding the log, the
// master record and one data file per index, shared by every transaction
// of the process that opened it.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ariesdb/buffer"
	"ariesdb/file"
	"ariesdb/index"
	"ariesdb/log"
	"ariesdb/logging"
	"ariesdb/metadata"
	"ariesdb/recovery"
	"ariesdb/transaction"
)

const (
	// LockFile keeps a second process out of the environment.
	LockFile = "__db.lock"
	// LogDir holds the log segments.
	LogDir = "log"

	// checkpointPoll is how often the record trigger is checked.
	checkpointPoll = time.Second
)

type DB struct {
	dir  string
	opts Options
	logs *logging.Loggers
	log  logrus.FieldLogger

	lock          *os.File
	master        *log.Master
	fileManager   *file.Manager
	logManager    *log.Manager
	bufferManager *buffer.Manager
	txManager     *transaction.Manager
	catalog       *metadata.Catalog
	stats         *metadata.StatManager
	ckpt          *recovery.Checkpointer
	registry      *index.Registry
	cache         *index.ValueCache
	report        *recovery.Report

	mu      sync.RWMutex
	indexes map[string]*index.Tree
	closed  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// Open opens the environment in dir, creating it if needed, and recovers
// it. Open returns once recovery is complete; transactions that were
// prepared when the environment went down are available from Recovered.
func Open(ctx context.Context, dir string, opts Options) (_ *DB, err error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logs := logging.Discard()
	if opts.Logger != nil {
		logs = logging.Wrap(opts.Logger, opts.Trace)
	} else if opts.Verbose || len(opts.Trace) > 0 {
		logs = logging.New(logging.Config{Out: os.Stderr, Verbose: opts.Verbose, Trace: opts.Trace})
	}

	db := &DB{
		dir:      dir,
		opts:     opts,
		logs:     logs,
		log:      logs.For(logging.Storage).WithField("env", dir),
		registry: index.NewRegistry(),
		indexes:  make(map[string]*index.Tree),
		stop:     make(chan struct{}),
	}
	defer func() {
		if err != nil {
			db.release()
		}
	}()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create environment: %w", err)
	}
	if !opts.PrivateEnv {
		if db.lock, err = lockEnv(filepath.Join(dir, LockFile)); err != nil {
			return nil, err
		}
	}

	if db.master, err = log.OpenMaster(dir, opts.ByteOrder); err != nil {
		return nil, err
	}
	cur := db.master.Current()
	if opts.RequireClean && cur.Seq != 0 && !cur.Clean {
		return nil, fmt.Errorf("%w: %s", ErrNeedsRecovery, dir)
	}

	db.logManager, err = log.Open(filepath.Join(dir, LogDir), log.Options{
		SegmentSize:    opts.LogSegmentSize,
		Order:          opts.ByteOrder,
		EnvID:          cur.EnvID,
		NoSpaceRetries: opts.NoSpaceRetries,
		Logger:         logs.For(logging.WAL),
	})
	if err != nil {
		return nil, err
	}
	if db.fileManager, err = file.NewManager(dir, opts.PageSize, logs.For(logging.Storage)); err != nil {
		return nil, err
	}
	if db.catalog, err = metadata.OpenCatalog(dir, db.logManager.EnvID(), opts.PageSize, db.log); err != nil {
		return nil, err
	}

	weights := make(map[uint32]uint32)
	for _, e := range db.catalog.Entries() {
		if w, ok := opts.FileWeights[e.Name]; ok {
			weights[e.ID] = w
		}
	}
	db.bufferManager = buffer.NewManager(db.fileManager, db.logManager, buffer.Config{
		Frames:       int(opts.CacheSize / int64(opts.PageSize)),
		PageSize:     opts.PageSize,
		Order:        opts.ByteOrder,
		DirtyPenalty: opts.DirtyPenalty,
		FileWeights:  weights,
		Logger:       logs.For(logging.Buffer),
	})
	db.txManager = transaction.NewManager(db.logManager, transaction.Config{
		SyncOnCommit: opts.SyncOnCommit,
		Deadlock: transaction.DeadlockPolicy{
			Mode:     opts.DeadlockDetection,
			Interval: opts.DeadlockInterval,
			Timeout:  opts.LockTimeout,
		},
		Logger:     logs.For(logging.Txn),
		LockLogger: logs.For(logging.Lock),
	})
	if opts.ValueCacheSize > 0 {
		if db.cache, err = index.NewValueCache(opts.ValueCacheSize); err != nil {
			return nil, err
		}
	}
	for name, cmp := range opts.Comparators {
		db.registry.Register(name, cmp)
	}

	if err := db.openIndexes(ctx); err != nil {
		return nil, err
	}

	db.ckpt = recovery.NewCheckpointer(db.logManager, db.master, db.bufferManager, db.txManager, logs.For(logging.Checkpoint))
	redoers := make(map[uint32]recovery.Redoer, len(db.indexes))
	for _, t := range db.indexes {
		redoers[t.FileID()] = t
	}
	coord := recovery.NewCoordinator(recovery.Config{
		Log:          db.logManager,
		Master:       db.master,
		Pool:         db.bufferManager,
		Txns:         db.txManager,
		Files:        redoers,
		Checkpointer: db.ckpt,
		Logger:       logs.For(logging.Recovery),
	})
	if db.report, err = coord.Run(ctx, opts.RecoveryMode, opts.RecoveryTimestamp); err != nil {
		return nil, err
	}

	db.stats = metadata.NewStatManager(metadata.Sources{
		Files:       db.fileManager,
		Log:         db.logManager,
		Pool:        db.bufferManager,
		Txns:        db.txManager,
		Checkpoints: db.ckpt,
		Indexes:     db.Indexes,
	})

	if opts.CheckpointInterval > 0 || opts.CheckpointRecords > 0 {
		db.wg.Add(1)
		go db.checkpointer()
	}
	db.log.WithFields(logrus.Fields{
		"indexes":  len(db.indexes),
		"losers":   len(db.report.Losers),
		"in_doubt": len(db.report.Prepared),
	}).Info("environment opened")
	return db, nil
}

func (db *DB) treeConfig(e metadata.Entry) index.Config {
	return index.Config{
		FileID:   e.ID,
		Name:     e.Name,
		PageSize: db.opts.PageSize,
		Order:    db.opts.ByteOrder,
		EnvID:    db.logManager.EnvID(),
		Pool:     db.bufferManager,
		Log:      db.logManager,
		Files:    db.fileManager,
		Registry: db.registry,
		Cache:    db.cache,
		Logger:   db.logs.For(logging.Index),
	}
}

// openIndexes opens every index in the catalog. A meta page read here may
// be older than the log; redo brings the tree up to date.
func (db *DB) openIndexes(ctx context.Context) error {
	entries := db.catalog.Entries()
	trees := make([]*index.Tree, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range entries {
		if err := db.fileManager.Register(e.ID, e.File); err != nil {
			return err
		}
		g.Go(func() error {
			t, err := index.Open(gctx, db.treeConfig(e))
			if err != nil {
				return fmt.Errorf("open index %s: %w", e.Name, err)
			}
			trees[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, t := range trees {
		db.indexes[t.Name()] = t
		db.txManager.RegisterUndoer(t.FileID(), t)
	}
	return nil
}

// checkpointer takes a checkpoint every CheckpointInterval and whenever
// CheckpointRecords records were logged since the last one.
func (db *DB) checkpointer() {
	defer db.wg.Done()

	var interval <-chan time.Time
	if db.opts.CheckpointInterval > 0 {
		t := time.NewTicker(db.opts.CheckpointInterval)
		defer t.Stop()
		interval = t.C
	}
	var poll <-chan time.Time
	if db.opts.CheckpointRecords > 0 {
		t := time.NewTicker(checkpointPoll)
		defer t.Stop()
		poll = t.C
	}

	mark := db.logManager.Stats().Records
	for {
		select {
		case <-db.stop:
			return
		case <-interval:
		case <-poll:
			if db.logManager.Stats().Records-mark < db.opts.CheckpointRecords {
				continue
			}
		}
		if _, err := db.ckpt.Checkpoint(context.Background(), false); err != nil {
			db.log.WithError(err).Warn("background checkpoint failed")
			continue
		}
		mark = db.logManager.Stats().Records
	}
}

func (db *DB) checkOpen() error {
	if db.closed {
		return ErrClosed
	}
	return nil
}

// CreateIndex creates an index ordered by the named comparator. Creation is
// not part of any transaction: the new file is complete and synced when
// CreateIndex returns.
func (db *DB) CreateIndex(ctx context.Context, name, comparator string, schema []byte) (_ *index.Tree, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	desc, err := db.registry.NewDescriptor(comparator, schema)
	if err != nil {
		return nil, err
	}
	e, err := db.catalog.Reserve(name)
	if err != nil {
		return nil, err
	}
	e.PageSize = db.opts.PageSize
	if err := db.fileManager.Register(e.ID, e.File); err != nil {
		db.catalog.Release(name)
		return nil, err
	}
	defer func() {
		if err != nil {
			db.catalog.Release(name)
			if rerr := db.fileManager.Remove(e.ID); rerr != nil {
				db.log.WithError(rerr).WithField("index", name).Warn("cannot remove data file of failed index")
			}
		}
	}()

	t, err := index.Create(ctx, db.treeConfig(e), desc)
	if err != nil {
		return nil, err
	}
	if w, ok := db.opts.FileWeights[name]; ok {
		db.bufferManager.SetFileWeight(e.ID, w)
	}
	db.txManager.RegisterUndoer(e.ID, t)
	db.indexes[name] = t
	db.log.WithFields(logrus.Fields{"index": name, "file": e.ID, "comparator": comparator}).Info("index created")
	return t, nil
}

// OpenIndex returns the named index.
func (db *DB) OpenIndex(name string) (*index.Tree, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	t, ok := db.indexes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", metadata.ErrNotFound, name)
	}
	return t, nil
}

// Indexes lists the open indexes by file id.
func (db *DB) Indexes() []*index.Tree {
	db.mu.RLock()
	defer db.mu.RUnlock()
	trees := make([]*index.Tree, 0, len(db.indexes))
	for _, t := range db.indexes {
		trees = append(trees, t)
	}
	sort.Slice(trees, func(i, j int) bool { return trees[i].FileID() < trees[j].FileID() })
	return trees
}

// Begin starts a transaction, nested inside parent when parent is not nil.
func (db *DB) Begin(ctx context.Context, parent *transaction.Transaction) (*transaction.Transaction, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	return db.txManager.Begin(ctx, parent)
}

func (db *DB) Commit(ctx context.Context, tx *transaction.Transaction) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.txManager.Commit(ctx, tx)
}

func (db *DB) Abort(ctx context.Context, tx *transaction.Transaction) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.txManager.Abort(ctx, tx)
}

func (db *DB) Prepare(ctx context.Context, tx *transaction.Transaction) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.txManager.Prepare(ctx, tx)
}

// Cancel ends the lock, buffer pool and log waits of tx from another
// goroutine. The blocked calls fail with ErrCancelled and tx must then be
// aborted by its owner.
func (db *DB) Cancel(tx *transaction.Transaction) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen(); err != nil {
		return err
	}
	db.txManager.Cancel(tx)
	return nil
}

// Recovered returns the prepared transactions recovery reinstated. Each
// must be committed or aborted.
func (db *DB) Recovered() []*transaction.Transaction {
	return db.txManager.Recovered()
}

// RecoveryReport describes the recovery run of Open.
func (db *DB) RecoveryReport() *recovery.Report {
	return db.report
}

// Checkpoint takes a checkpoint now. Nothing is logged if the log did not
// grow since the last one.
func (db *DB) Checkpoint(ctx context.Context) (uint64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen(); err != nil {
		return 0, err
	}
	return db.ckpt.Checkpoint(ctx, false)
}

func (db *DB) Stat() (metadata.StatInfo, error) {
	if err := func() error {
		db.mu.RLock()
		defer db.mu.RUnlock()
		return db.checkOpen()
	}(); err != nil {
		return metadata.StatInfo{}, err
	}
	return db.stats.GetStatInfo(), nil
}

// Verify checks the named index, or all of them when name is empty.
func (db *DB) Verify(ctx context.Context, name string) (map[string]*index.VerifyReport, error) {
	var trees []*index.Tree
	if name == "" {
		trees = db.Indexes()
	} else {
		t, err := db.OpenIndex(name)
		if err != nil {
			return nil, err
		}
		trees = []*index.Tree{t}
	}
	reports := make(map[string]*index.VerifyReport, len(trees))
	for _, t := range trees {
		r, err := t.Verify(ctx)
		if err != nil {
			return reports, fmt.Errorf("verify %s: %w", t.Name(), err)
		}
		reports[t.Name()] = r
	}
	return reports, nil
}

// Close writes every cached page back and takes a final checkpoint. The
// master record is marked clean only when no transaction is left open;
// an open or prepared transaction is recovered by the next Open.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	close(db.stop)
	db.wg.Wait()

	ctx := context.Background()
	var errs []error
	clean := db.txManager.Stats().Active == 0 && len(db.txManager.Recovered()) == 0
	if err := db.bufferManager.FlushAll(ctx); err != nil {
		errs = append(errs, err)
		clean = false
	}
	if err := db.fileManager.SyncAll(); err != nil {
		errs = append(errs, err)
		clean = false
	}
	if _, err := db.ckpt.Checkpoint(ctx, clean); err != nil {
		errs = append(errs, err)
	}
	if err := db.release(); err != nil {
		errs = append(errs, err)
	}
	db.log.WithField("clean", clean).Info("environment closed")
	return errors.Join(errs...)
}

// release closes whatever Open got to, in reverse order.
func (db *DB) release() error {
	var errs []error
	if db.txManager != nil {
		db.txManager.Close()
	}
	if db.bufferManager != nil {
		db.bufferManager.Close()
	}
	if db.cache != nil {
		db.cache.Close()
	}
	if db.fileManager != nil {
		errs = append(errs, db.fileManager.Close())
	}
	if db.logManager != nil {
		errs = append(errs, db.logManager.Close())
	}
	if db.master != nil {
		errs = append(errs, db.master.Close())
	}
	if db.lock != nil {
		errs = append(errs, unlockEnv(db.lock))
	}
	return errors.Join(errs...)
}
