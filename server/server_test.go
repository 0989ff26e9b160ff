package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ariesdb/file"
	"ariesdb/index"
	"ariesdb/recovery"
	"ariesdb/transaction"
)

func reverse(a, b []byte) int {
	return bytes.Compare(b, a)
}

func testOptions() Options {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	opts := DefaultOptions()
	opts.PageSize = 512
	opts.CacheSize = 256 * 512
	opts.ValueCacheSize = 1 << 20
	opts.LogSegmentSize = 1 << 20
	opts.CheckpointInterval = 0
	opts.DeadlockInterval = 10 * time.Millisecond
	opts.Comparators = map[string]index.Comparator{"reverse": reverse}
	opts.Logger = logger
	return opts
}

func open(t *testing.T, dir string, opts Options) *DB {
	t.Helper()
	db, err := Open(context.Background(), dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// crash drops the environment without writing back a single cached page,
// the unflushed log tail or the master record.
func crash(db *DB) {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return
	}
	db.closed = true
	db.mu.Unlock()
	close(db.stop)
	db.wg.Wait()
	db.logManager.Abandon()
	db.release()
}

func begin(t *testing.T, db *DB) *transaction.Transaction {
	t.Helper()
	tx, err := db.Begin(context.Background(), nil)
	require.NoError(t, err)
	return tx
}

// scan returns every key of tr in cursor order.
func scan(t *testing.T, db *DB, tr *index.Tree) [][]byte {
	t.Helper()
	ctx := context.Background()
	tx := begin(t, db)
	c, err := tr.OpenCursor(ctx, tx, index.Forward)
	require.NoError(t, err)
	var keys [][]byte
	for ok, err := c.First(ctx); ok || err != nil; ok, err = c.Next(ctx) {
		require.NoError(t, err)
		keys = append(keys, bytes.Clone(c.Key()))
	}
	c.Close()
	require.NoError(t, db.Commit(ctx, tx))
	return keys
}

// load inserts the single-byte keys 0..255, each its own value, and takes a
// checkpoint.
func load(t *testing.T, db *DB) *index.Tree {
	t.Helper()
	ctx := context.Background()
	tr, err := db.CreateIndex(ctx, "rows", index.Bytewise, nil)
	require.NoError(t, err)

	tx := begin(t, db)
	for i := 0; i < 256; i++ {
		require.NoError(t, tr.Put(ctx, tx, []byte{byte(i)}, []byte{byte(i)}, index.NoOverwrite))
	}
	require.NoError(t, db.Commit(ctx, tx))
	_, err = db.Checkpoint(ctx)
	require.NoError(t, err)
	return tr
}

func TestDB_AbortAfterCheckpoint(t *testing.T) {
	tests := []struct {
		name       string
		durable    bool
		wantLosers int
	}{
		// The delete reached the log: recovery finds the transaction and
		// rolls it back.
		{name: "Delete is in the log", durable: true, wantLosers: 1},
		// The process died with the delete still in the group-commit buffer.
		{name: "Delete never reached the log", durable: false, wantLosers: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			db := open(t, dir, testOptions())
			tr := load(t, db)

			tx := begin(t, db)
			require.NoError(t, tr.Delete(ctx, tx, []byte{128}))
			if tt.durable {
				require.NoError(t, db.logManager.FlushAll(ctx))
			} else {
				require.False(t, db.logManager.IsDurable(tx.LastLSN()))
			}
			crash(db)

			db = open(t, dir, testOptions())
			assert.Len(t, db.RecoveryReport().Losers, tt.wantLosers)

			tr, err := db.OpenIndex("rows")
			require.NoError(t, err)
			assert.Len(t, scan(t, db, tr), 256)
			assert.Equal(t, int64(256), tr.Stats().Keys)

			tx = begin(t, db)
			v, err := tr.Get(ctx, tx, []byte{128})
			require.NoError(t, err)
			assert.Equal(t, []byte{128}, v)
			require.NoError(t, db.Commit(ctx, tx))
		})
	}
}

func TestDB_CommitSurvives(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db := open(t, dir, testOptions())
	tr := load(t, db)

	tx := begin(t, db)
	require.NoError(t, tr.Delete(ctx, tx, []byte{128}))
	require.NoError(t, db.Commit(ctx, tx))
	crash(db)

	db = open(t, dir, testOptions())
	assert.Empty(t, db.RecoveryReport().Losers)
	tr, err := db.OpenIndex("rows")
	require.NoError(t, err)
	assert.Len(t, scan(t, db, tr), 255)

	tx = begin(t, db)
	_, err = tr.Get(ctx, tx, []byte{128})
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, db.Commit(ctx, tx))
}

func TestDB_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db := open(t, dir, testOptions())
	tr, err := db.CreateIndex(ctx, "kv", index.Bytewise, []byte("schema-1"))
	require.NoError(t, err)

	tx := begin(t, db)
	require.NoError(t, tr.Put(ctx, tx, []byte("a"), []byte("1"), index.NoOverwrite))
	require.NoError(t, tr.Put(ctx, tx, []byte("b"), []byte("v1"), index.NoOverwrite))
	require.NoError(t, tr.Put(ctx, tx, []byte("b"), []byte("v2"), index.Overwrite))
	require.NoError(t, tr.Put(ctx, tx, []byte("c"), []byte("3"), index.NoOverwrite))
	require.NoError(t, tr.Delete(ctx, tx, []byte("c")))
	require.NoError(t, db.Commit(ctx, tx))
	require.NoError(t, db.Close())

	db = open(t, dir, testOptions())
	assert.Empty(t, db.RecoveryReport().Losers)
	tr, err = db.OpenIndex("kv")
	require.NoError(t, err)
	assert.Equal(t, []byte("schema-1"), tr.Descriptor().Schema)

	tx = begin(t, db)
	v, err := tr.Get(ctx, tx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
	v, err = tr.Get(ctx, tx, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
	_, err = tr.Get(ctx, tx, []byte("c"))
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, db.Commit(ctx, tx))
}

func TestDB_CheckpointTwiceKeepsTail(t *testing.T) {
	ctx := context.Background()
	db := open(t, t.TempDir(), testOptions())
	load(t, db)

	tail := db.logManager.Tail()
	lsn, err := db.Checkpoint(ctx)
	require.NoError(t, err)
	again, err := db.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, lsn, again)
	assert.Equal(t, tail, db.logManager.Tail())

	info, err := db.Stat()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, info.Checkpoints.Skipped, uint64(2))
}

func TestDB_ReverseComparatorAcrossReopen(t *testing.T) {
	const n = 1000
	ctx := context.Background()
	dir := t.TempDir()
	key := func(i int) []byte { return binary.BigEndian.AppendUint32(nil, uint32(i)) }

	insert := func(db *DB, tr *index.Tree, from, to int) {
		tx := begin(t, db)
		for i := from; i < to; i++ {
			require.NoError(t, tr.Put(ctx, tx, key(i), key(i), index.NoOverwrite))
		}
		require.NoError(t, db.Commit(ctx, tx))
	}

	db := open(t, dir, testOptions())
	tr, err := db.CreateIndex(ctx, "rev", "reverse", nil)
	require.NoError(t, err)
	insert(db, tr, 0, n)
	require.NoError(t, db.Close())

	db = open(t, dir, testOptions())
	tr, err = db.OpenIndex("rev")
	require.NoError(t, err)
	insert(db, tr, n, 2*n)

	keys := scan(t, db, tr)
	require.Len(t, keys, 2*n)
	for i, k := range keys {
		require.Equal(t, key(2*n-1-i), k, "position %d", i)
	}
}

func TestDB_DescriptorChangeUnderLoad(t *testing.T) {
	ctx := context.Background()
	db := open(t, t.TempDir(), testOptions())
	tr, err := db.CreateIndex(ctx, "hot", index.Bytewise, nil)
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		inserted = make(map[string]bool)
		stop     = make(chan struct{})
		wg       sync.WaitGroup
		changes  int
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			k := binary.BigEndian.AppendUint32(nil, rand.Uint32())
			tx, err := db.Begin(ctx, nil)
			if !assert.NoError(t, err) {
				return
			}
			err = tr.Put(ctx, tx, k, k, index.InsertOnly)
			if err == nil {
				err = db.Commit(ctx, tx)
			}
			if err != nil {
				if !assert.True(t, IsRetryable(err), "put: %v", err) {
					return
				}
				db.Abort(ctx, tx)
				continue
			}
			mu.Lock()
			inserted[string(k)] = true
			mu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		names := []string{"reverse", index.Bytewise}
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
			}
			tx, err := db.Begin(ctx, nil)
			if !assert.NoError(t, err) {
				return
			}
			_, err = tr.ChangeDescriptor(ctx, tx, names[i%2], nil)
			if err == nil {
				err = db.Commit(ctx, tx)
			}
			if err != nil {
				if !assert.True(t, IsRetryable(err), "change: %v", err) {
					return
				}
				db.Abort(ctx, tx)
				continue
			}
			changes++
		}
	}()
	time.Sleep(time.Second)
	close(stop)
	wg.Wait()

	assert.Positive(t, changes)
	d := tr.Descriptor()
	keys := scan(t, db, tr)
	require.Len(t, keys, len(inserted))
	for i, k := range keys {
		assert.True(t, inserted[string(k)])
		if i > 0 {
			require.Negative(t, d.Compare(keys[i-1], k), "keys %x and %x out of %s order", keys[i-1], k, d.Comparator)
		}
	}

	reports, err := db.Verify(ctx, "hot")
	require.NoError(t, err)
	assert.Empty(t, reports["hot"].Problems)
}

func TestDB_NoTornAllocation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db := open(t, dir, testOptions())
	tr, err := db.CreateIndex(ctx, "grow", index.Bytewise, nil)
	require.NoError(t, err)

	// Enough splits to reserve fresh extents; nothing is committed, so
	// nothing that references the new pages need be durable.
	tx := begin(t, db)
	for i := 0; i < 2000; i++ {
		k := binary.BigEndian.AppendUint32(nil, uint32(i))
		require.NoError(t, tr.Put(ctx, tx, k, bytes.Repeat(k, 8), index.NoOverwrite))
	}
	crash(db)

	rep, err := file.Verify(filepath.Join(dir, "grow.db"))
	require.NoError(t, err)
	assert.Empty(t, rep.BadPages)

	db = open(t, dir, testOptions())
	tr, err = db.OpenIndex("grow")
	require.NoError(t, err)
	assert.Empty(t, scan(t, db, tr))
	reports, err := db.Verify(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, reports["grow"].Problems)
}

func TestDB_NoTornAllocationBeforeAnyLogWrite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db := open(t, dir, testOptions())
	tr, err := db.CreateIndex(ctx, "grow", index.Bytewise, nil)
	require.NoError(t, err)
	created, err := db.fileManager.Size(tr.FileID())
	require.NoError(t, err)
	durable := db.logManager.Stats().Durable

	// Few enough changes that every page stays cached and every record stays
	// in the group-commit buffer, but enough splits to reserve new extents.
	tx := begin(t, db)
	for i := 0; i < 300; i++ {
		k := binary.BigEndian.AppendUint32(nil, uint32(i))
		require.NoError(t, tr.Put(ctx, tx, k, bytes.Repeat(k, 8), index.NoOverwrite))
	}
	grown, err := db.fileManager.Size(tr.FileID())
	require.NoError(t, err)
	require.Greater(t, grown, created, "no extent was reserved")
	require.Equal(t, durable, db.logManager.Stats().Durable, "a log record became durable")
	crash(db)

	rep, err := file.Verify(filepath.Join(dir, "grow.db"))
	require.NoError(t, err)
	assert.Empty(t, rep.BadPages)
	assert.NotZero(t, rep.ZeroPages)

	db = open(t, dir, testOptions())
	assert.Empty(t, db.RecoveryReport().Losers, "the transaction never reached the log")
	tr, err = db.OpenIndex("grow")
	require.NoError(t, err)
	assert.Empty(t, scan(t, db, tr))
	reports, err := db.Verify(ctx, "grow")
	require.NoError(t, err)
	assert.Empty(t, reports["grow"].Problems)

	tx = begin(t, db)
	require.NoError(t, tr.Put(ctx, tx, []byte("after"), []byte("crash"), index.NoOverwrite))
	require.NoError(t, db.Commit(ctx, tx))
}

func TestDB_PreparedSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db := open(t, dir, testOptions())
	tr := load(t, db)

	tx := begin(t, db)
	require.NoError(t, tr.Put(ctx, tx, []byte{200}, []byte("prepared"), index.Overwrite))
	require.NoError(t, db.Prepare(ctx, tx))
	require.NoError(t, db.Close())

	db = open(t, dir, testOptions())
	rec := db.Recovered()
	require.Len(t, rec, 1)
	tr, err := db.OpenIndex("rows")
	require.NoError(t, err)

	require.NoError(t, db.Commit(ctx, rec[0]))
	tx = begin(t, db)
	v, err := tr.Get(ctx, tx, []byte{200})
	require.NoError(t, err)
	assert.Equal(t, []byte("prepared"), v)
	require.NoError(t, db.Commit(ctx, tx))
}

func TestOpen_Locked(t *testing.T) {
	dir := t.TempDir()
	open(t, dir, testOptions())

	_, err := Open(context.Background(), dir, testOptions())
	assert.ErrorIs(t, err, ErrLocked)
}

func TestOpen_RequireClean(t *testing.T) {
	dir := t.TempDir()
	db := open(t, dir, testOptions())
	load(t, db)
	crash(db)

	opts := testOptions()
	opts.RequireClean = true
	_, err := Open(context.Background(), dir, opts)
	assert.ErrorIs(t, err, ErrNeedsRecovery)

	db = open(t, dir, testOptions())
	require.NoError(t, db.Close())
	db = open(t, dir, opts)
	assert.Equal(t, recovery.Normal, db.RecoveryReport().Mode)
}

func TestDB_CreateIndexErrors(t *testing.T) {
	ctx := context.Background()
	db := open(t, t.TempDir(), testOptions())

	_, err := db.CreateIndex(ctx, "a", "nope", nil)
	assert.ErrorIs(t, err, index.ErrUnknownComparator)
	_, err = db.CreateIndex(ctx, "bad/name", index.Bytewise, nil)
	assert.Error(t, err)
	_, err = db.CreateIndex(ctx, "a", index.Bytewise, nil)
	require.NoError(t, err)
	_, err = db.CreateIndex(ctx, "a", index.Bytewise, nil)
	assert.Error(t, err)
	_, err = db.OpenIndex("missing")
	assert.Error(t, err)

	require.NoError(t, db.Close())
	_, err = db.Begin(ctx, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDB_ClosedRejectsTransactions(t *testing.T) {
	ctx := context.Background()
	db := open(t, t.TempDir(), testOptions())
	tx := begin(t, db)
	require.NoError(t, db.Close())

	assert.ErrorIs(t, db.Commit(ctx, tx), ErrClosed)
	assert.ErrorIs(t, db.Abort(ctx, tx), ErrClosed)
	assert.ErrorIs(t, db.Prepare(ctx, tx), ErrClosed)
	assert.ErrorIs(t, db.Cancel(tx), ErrClosed)
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"page size not a power of two", func(o *Options) { o.PageSize = 3000 }},
		{"tiny cache", func(o *Options) { o.CacheSize = 1024 }},
		{"tiny log segment", func(o *Options) { o.LogSegmentSize = 1024 }},
		{"point in time without timestamp", func(o *Options) { o.RecoveryMode = recovery.PointInTime }},
		{"periodic without interval", func(o *Options) { o.DeadlockInterval = 0 }},
		{"built-in comparator replaced", func(o *Options) {
			o.Comparators = map[string]index.Comparator{index.Bytewise: reverse}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.modify(&opts)
			assert.ErrorIs(t, opts.Validate(), ErrInvalidOptions)
		})
	}
	opts := DefaultOptions()
	assert.NoError(t, opts.Validate())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(transaction.ErrDeadlock))
	assert.True(t, IsRetryable(errors.Join(errors.New("put"), transaction.ErrCancelled)))
	assert.True(t, IsRetryable(file.ErrNoSpace))
	assert.False(t, IsRetryable(index.ErrKeyExists))
	assert.True(t, IsCorruption(&recovery.CorruptionError{Err: errors.New("bad page")}))
	assert.True(t, IsInvalidUsage(index.ErrInvalidUsage))
}
