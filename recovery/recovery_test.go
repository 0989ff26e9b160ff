package recovery

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ariesdb/buffer"
	"ariesdb/file"
	"ariesdb/index"
	"ariesdb/log"
	"ariesdb/transaction"
)

const (
	pageSize = 512
	idxFile  = 1
)

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type env struct {
	t      *testing.T
	dir    string
	files  *file.Manager
	log    *log.Manager
	master *log.Master
	pool   *buffer.Manager
	txm    *transaction.Manager
	tree   *index.Tree
	ckpt   *Checkpointer
	once   sync.Once
}

// openEnv opens the environment in dir, creating the index on first use.
// Recovery is not run.
func openEnv(t *testing.T, dir string, create bool) *env {
	t.Helper()
	ctx := context.Background()
	logger := quiet()

	files, err := file.NewManager(dir, pageSize, logger)
	require.NoError(t, err)
	require.NoError(t, files.Register(idxFile, "idx.db"))
	lm, err := log.Open(filepath.Join(dir, "log"), log.Options{Logger: logger})
	require.NoError(t, err)
	master, err := log.OpenMaster(dir, binary.LittleEndian)
	require.NoError(t, err)

	e := &env{
		t:      t,
		dir:    dir,
		files:  files,
		log:    lm,
		master: master,
		pool:   buffer.NewManager(files, lm, buffer.Config{Frames: 256, PageSize: pageSize, Logger: logger}),
		txm: transaction.NewManager(lm, transaction.Config{
			SyncOnCommit: true,
			Deadlock:     transaction.DeadlockPolicy{Mode: transaction.Periodic, Interval: 10 * time.Millisecond},
			Logger:       logger,
		}),
	}
	e.ckpt = NewCheckpointer(lm, master, e.pool, e.txm, logger)
	t.Cleanup(e.crash)

	cfg := index.Config{
		FileID:   idxFile,
		Name:     "idx",
		PageSize: pageSize,
		Order:    binary.LittleEndian,
		EnvID:    lm.EnvID(),
		Pool:     e.pool,
		Log:      lm,
		Files:    files,
		Logger:   logger,
	}
	if create {
		d, err := index.NewRegistry().NewDescriptor(index.Bytewise, nil)
		require.NoError(t, err)
		e.tree, err = index.Create(ctx, cfg, d)
	} else {
		e.tree, err = index.Open(ctx, cfg)
	}
	require.NoError(t, err)
	e.txm.RegisterUndoer(idxFile, e.tree)
	return e
}

func (e *env) coordinator() *Coordinator {
	return NewCoordinator(Config{
		Log:          e.log,
		Master:       e.master,
		Pool:         e.pool,
		Txns:         e.txm,
		Files:        map[uint32]Redoer{idxFile: e.tree},
		Checkpointer: e.ckpt,
		Logger:       quiet(),
	})
}

func (e *env) recover(mode Mode, target time.Time) *Report {
	e.t.Helper()
	r, err := e.coordinator().Run(context.Background(), mode, target)
	require.NoError(e.t, err)
	return r
}

// crash stops everything without writing a single cached page.
func (e *env) crash() {
	e.once.Do(func() {
		e.txm.Close()
		e.pool.Close()
		e.log.Abandon()
		e.master.Close()
		e.files.Close()
	})
}

func (e *env) begin() *transaction.Transaction {
	e.t.Helper()
	tx, err := e.txm.Begin(context.Background(), nil)
	require.NoError(e.t, err)
	return tx
}

func (e *env) put(tx *transaction.Transaction, from, to int, tag string) {
	e.t.Helper()
	for i := from; i < to; i++ {
		require.NoError(e.t, e.tree.Put(context.Background(), tx, key(i), []byte(fmt.Sprintf("%s-%d", tag, i)), index.Overwrite))
	}
}

func (e *env) commit(tx *transaction.Transaction) {
	e.t.Helper()
	require.NoError(e.t, e.txm.Commit(context.Background(), tx))
}

// expect checks that keys [from, to) hold values tagged tag, or are absent
// for an empty tag.
func (e *env) expect(from, to int, tag string) {
	e.t.Helper()
	ctx := context.Background()
	tx := e.begin()
	defer e.commit(tx)
	for i := from; i < to; i++ {
		got, err := e.tree.Get(ctx, tx, key(i))
		if tag == "" {
			require.ErrorIs(e.t, err, index.ErrNotFound, "key %d", i)
			continue
		}
		require.NoError(e.t, err, "key %d", i)
		require.Equal(e.t, fmt.Sprintf("%s-%d", tag, i), string(got))
	}
}

func (e *env) verify() {
	e.t.Helper()
	r, err := e.tree.Verify(context.Background())
	require.NoError(e.t, err, "%v", r)
}

func key(i int) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(i))
}

func TestRecovery_CommittedSurviveLosersRollBack(t *testing.T) {
	dir := t.TempDir()
	e := openEnv(t, dir, true)

	tx := e.begin()
	e.put(tx, 0, 400, "a")
	e.commit(tx)

	loser := e.begin()
	e.put(loser, 200, 600, "b")
	for i := 0; i < 100; i++ {
		require.NoError(t, e.tree.Delete(context.Background(), loser, key(i)))
	}
	require.NoError(t, e.log.FlushAll(context.Background()))
	e.crash()

	e = openEnv(t, dir, false)
	r := e.recover(Normal, time.Time{})
	assert.Equal(t, []uint64{loser.ID()}, r.Losers)
	assert.NotZero(t, r.Redone)
	assert.Empty(t, r.Prepared)

	e.expect(0, 400, "a")
	e.expect(400, 600, "")
	assert.Equal(t, int64(400), e.tree.Stats().Keys)
	e.verify()
	assert.False(t, e.master.Current().Clean)
	assert.NotZero(t, e.master.Current().CheckpointLSN)
}

func TestRecovery_NestedTransactions(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	e := openEnv(t, dir, true)

	// A committed child of a committed parent survives.
	parent := e.begin()
	child, err := e.txm.Begin(ctx, parent)
	require.NoError(t, err)
	e.put(child, 0, 50, "c")
	e.commit(child)
	e.put(parent, 50, 100, "p")
	e.commit(parent)

	// A committed child of a parent that never finished is rolled back with
	// it, and so is a child that was still running.
	parent = e.begin()
	child, err = e.txm.Begin(ctx, parent)
	require.NoError(t, err)
	e.put(child, 100, 150, "c")
	e.commit(child)
	running, err := e.txm.Begin(ctx, parent)
	require.NoError(t, err)
	e.put(running, 150, 200, "r")
	require.NoError(t, e.log.FlushAll(ctx))
	e.crash()

	e = openEnv(t, dir, false)
	r := e.recover(Normal, time.Time{})
	assert.Equal(t, []uint64{parent.ID()}, r.Losers)
	e.expect(0, 50, "c")
	e.expect(50, 100, "p")
	e.expect(100, 200, "")
	e.verify()
}

func TestRecovery_FromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	e := openEnv(t, dir, true)

	tx := e.begin()
	e.put(tx, 0, 300, "a")
	e.commit(tx)
	live := e.begin()
	e.put(live, 300, 350, "live")

	ckp, err := e.ckpt.Checkpoint(ctx, false)
	require.NoError(t, err)
	require.NoError(t, e.pool.FlushAll(ctx))

	e.put(live, 350, 400, "live")
	tx = e.begin()
	e.put(tx, 400, 500, "b")
	e.commit(tx)
	e.crash()

	e = openEnv(t, dir, false)
	r := e.recover(Normal, time.Time{})
	assert.Equal(t, ckp, r.CheckpointLSN)
	assert.Equal(t, []uint64{live.ID()}, r.Losers, "a transaction running at the checkpoint is found")
	e.expect(0, 300, "a")
	e.expect(300, 400, "")
	e.expect(400, 500, "b")
	e.verify()

	tx = e.begin()
	assert.Greater(t, tx.ID(), live.ID())
	e.commit(tx)
}

func TestRecovery_FatalMatchesNormal(t *testing.T) {
	for _, mode := range []Mode{Normal, Fatal} {
		t.Run(mode.String(), func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()
			e := openEnv(t, dir, true)

			tx := e.begin()
			e.put(tx, 0, 200, "a")
			e.commit(tx)
			_, err := e.ckpt.Checkpoint(ctx, false)
			require.NoError(t, err)
			tx = e.begin()
			e.put(tx, 100, 300, "b")
			e.commit(tx)
			loser := e.begin()
			e.put(loser, 0, 300, "x")
			e.crash()

			e = openEnv(t, dir, false)
			r := e.recover(mode, time.Time{})
			if mode == Fatal {
				assert.Zero(t, r.CheckpointLSN)
			}
			e.expect(0, 100, "a")
			e.expect(100, 300, "b")
			e.verify()
		})
	}
}

func TestRecovery_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	e := openEnv(t, dir, true)

	tx := e.begin()
	e.put(tx, 0, 300, "a")
	e.commit(tx)
	loser := e.begin()
	e.put(loser, 0, 300, "x")
	e.crash()

	// Crash right after recovery finished, and once more.
	for i := 0; i < 2; i++ {
		e = openEnv(t, dir, false)
		r := e.recover(Normal, time.Time{})
		if i == 1 {
			assert.Empty(t, r.Losers)
			assert.Zero(t, r.Redone, "everything was written back by the previous run")
		}
		e.expect(0, 300, "a")
		e.crash()
	}

	e = openEnv(t, dir, false)
	e.recover(Fatal, time.Time{})
	e.expect(0, 300, "a")
	e.verify()
}

func TestRecovery_PointInTime(t *testing.T) {
	dir := t.TempDir()
	e := openEnv(t, dir, true)

	tx := e.begin()
	e.put(tx, 0, 100, "a")
	e.commit(tx)
	time.Sleep(5 * time.Millisecond)
	target := time.Now()
	time.Sleep(5 * time.Millisecond)

	late := e.begin()
	e.put(late, 50, 150, "b")
	e.commit(late)
	later := e.begin()
	e.put(later, 120, 200, "c")
	e.commit(later)
	e.crash()

	e = openEnv(t, dir, false)
	r := e.recover(PointInTime, target)
	assert.Equal(t, []uint64{later.ID(), late.ID()}, r.Losers)
	e.expect(0, 100, "a")
	e.expect(100, 200, "")
	assert.Equal(t, int64(100), e.tree.Stats().Keys)
	e.verify()
}

func TestRecovery_PreparedTransactionIsReinstated(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	e := openEnv(t, dir, true)

	tx := e.begin()
	e.put(tx, 0, 10, "p")
	require.NoError(t, e.txm.Prepare(ctx, tx))
	e.crash()

	for i := 0; i < 2; i++ {
		e = openEnv(t, dir, false)
		r := e.recover(Normal, time.Time{})
		require.Equal(t, []uint64{tx.ID()}, r.Prepared)
		assert.Empty(t, r.Losers)
		if i == 0 {
			// The second run finds the transaction through the checkpoint
			// the first run ended with.
			e.crash()
		}
	}

	recovered := e.txm.Recovered()
	require.Len(t, recovered, 1)
	assert.Equal(t, transaction.Prepared, recovered[0].State())

	other := e.begin()
	wait, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	_, err := e.tree.Get(wait, other, key(3))
	cancel()
	assert.ErrorIs(t, err, transaction.ErrCancelled, "the prepared transaction still holds its locks")
	require.NoError(t, e.txm.Abort(ctx, other))

	e.commit(recovered[0])
	e.expect(0, 10, "p")
	e.verify()
}

func TestRecovery_AbortDecisionOverridesPrepare(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	e := openEnv(t, dir, true)

	tx := e.begin()
	e.put(tx, 0, 10, "a")
	e.commit(tx)

	tx = e.begin()
	e.put(tx, 0, 10, "p")
	require.NoError(t, e.txm.Prepare(ctx, tx))
	// The abort decision reached the log, none of the undo did.
	_, err := e.log.Append(&log.Record{Type: log.Noop, TxID: tx.ID(), PrevLSN: tx.LastLSN()})
	require.NoError(t, err)
	require.NoError(t, e.log.FlushAll(ctx))
	e.crash()

	e = openEnv(t, dir, false)
	r := e.recover(Normal, time.Time{})
	assert.Empty(t, r.Prepared)
	assert.Equal(t, []uint64{tx.ID()}, r.Losers)
	assert.Empty(t, e.txm.Recovered())
	e.expect(0, 10, "a")
	e.verify()
}

func TestCheckpoint_SkippedWhenNothingLogged(t *testing.T) {
	e := openEnv(t, t.TempDir(), true)
	ctx := context.Background()

	first, err := e.ckpt.Checkpoint(ctx, false)
	require.NoError(t, err)
	tail := e.log.Tail()
	second, err := e.ckpt.Checkpoint(ctx, true)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, tail, e.log.Tail())
	assert.True(t, e.master.Current().Clean)
	assert.Equal(t, uint64(1), e.ckpt.Stats().Skipped)

	tx := e.begin()
	e.put(tx, 0, 1, "a")
	e.commit(tx)
	third, err := e.ckpt.Checkpoint(ctx, false)
	require.NoError(t, err)
	assert.Greater(t, third, second)
	assert.Equal(t, third, e.master.Current().CheckpointLSN)
	assert.False(t, e.master.Current().Clean)
}

func TestRecovery_CorruptionError(t *testing.T) {
	err := &CorruptionError{LSN: 77, Block: file.NewBlockID(1, 9), Err: index.ErrCorruption}
	assert.ErrorIs(t, err, ErrCorruption)
	assert.ErrorIs(t, err, index.ErrCorruption)
	assert.Contains(t, err.Error(), "lsn 77")
}

// truncateLog cuts the log so that the record at lsn is the first one lost.
func (e *env) truncateLog(lsn uint64) {
	e.t.Helper()
	segs, err := filepath.Glob(filepath.Join(e.dir, "log", "log.*"))
	require.NoError(e.t, err)
	require.NotEmpty(e.t, segs)
	last := segs[len(segs)-1]
	base, err := strconv.ParseUint(strings.TrimPrefix(filepath.Base(last), "log."), 16, 64)
	require.NoError(e.t, err)
	require.Greater(e.t, lsn, base)
	require.NoError(e.t, os.Truncate(last, int64(lsn-base)))
}

func TestRecovery_SplitIsTheLastDurableRecord(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	e := openEnv(t, dir, true)

	tx := e.begin()
	e.put(tx, 0, 400, "a")
	e.commit(tx)
	require.Greater(t, e.tree.Stats().Height, uint32(1))

	// Keys sorting between key(1) and key(2) fill the first leaf, which has
	// a right sibling whose back link the split must move.
	loser := e.begin()
	before := e.tree.Stats().Splits
	for j := 0; e.tree.Stats().Splits == before; j++ {
		require.Less(t, j, 2000)
		k := append(key(1), byte(j>>8), byte(j))
		require.NoError(t, e.tree.Put(ctx, loser, k, []byte("x"), index.Overwrite))
	}
	require.NoError(t, e.log.FlushAll(ctx))

	it, err := e.log.Iterator(0)
	require.NoError(t, err)
	var split *log.Record
	var after uint64
	for {
		rec, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if split != nil && after == 0 {
			after = rec.LSN
		}
		if rec.Type == log.Split {
			split, after = rec, 0
		}
	}
	require.NotNil(t, split)
	require.NotZero(t, after, "the insert that forced the split follows it")
	// Split leaf, new right page, old right sibling and parent travel in
	// the one record.
	assert.GreaterOrEqual(t, len(split.Images), 4)

	e.crash()
	e.truncateLog(after)

	e = openEnv(t, dir, false)
	r := e.recover(Normal, time.Time{})
	assert.NotZero(t, r.Redone)
	e.verify()
	e.expect(0, 400, "a")
	assert.Equal(t, int64(400), e.tree.Stats().Keys)

	check := e.begin()
	_, err = e.tree.Get(ctx, check, append(key(1), 0, 0))
	assert.ErrorIs(t, err, index.ErrNotFound)
	e.commit(check)
}
