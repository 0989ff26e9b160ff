package log

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func openTestLog(t *testing.T, dir string, opts Options) *Manager {
	t.Helper()
	if opts.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		opts.Logger = logger
	}
	m, err := Open(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func collect(t *testing.T, m *Manager, from uint64) []*Record {
	t.Helper()
	it, err := m.Iterator(from)
	require.NoError(t, err)
	var recs []*Record
	for {
		rec, err := it.Next()
		if err == io.EOF {
			return recs
		}
		require.NoError(t, err)
		recs = append(recs, rec)
	}
}

func TestManager_AppendRead(t *testing.T) {
	m := openTestLog(t, t.TempDir(), Options{})

	assert.Equal(t, uint64(SegmentHeaderSize), m.Tail(), "the first record follows the segment header")

	records := []*Record{
		{Type: TxnBegin, TxID: 1},
		{Type: AddRem, TxID: 1, FileID: 3, PageNo: 7, Slot: 2, Add: true, Key: []byte("k"), Value: []byte("v")},
		{Type: Free, FileID: 3, PageNo: 1, MetaState: &MetaState{Root: 2, HighWater: 5, NKeys: 1, DataSize: 2}},
		{Type: TxnCommit, TxID: 1, Timestamp: 42},
	}

	var prev uint64
	for _, rec := range records {
		lsn, err := m.Append(rec)
		require.NoError(t, err)
		assert.Greater(t, lsn, prev, "LSNs must increase")
		assert.Equal(t, lsn, rec.LSN)
		prev = lsn
	}

	t.Run("Read returns buffered records", func(t *testing.T) {
		got, err := m.Read(records[1].LSN)
		require.NoError(t, err)
		assert.Equal(t, AddRem, got.Type)
		assert.Equal(t, []byte("k"), got.Key)
		assert.Equal(t, uint32(7), got.PageNo)
	})

	t.Run("Read returns durable records", func(t *testing.T) {
		require.NoError(t, m.FlushAll(context.Background()))
		assert.True(t, m.IsDurable(records[3].LSN))

		got, err := m.Read(records[2].LSN)
		require.NoError(t, err)
		require.NotNil(t, got.MetaState)
		assert.Equal(t, uint32(5), got.MetaState.HighWater)
	})

	t.Run("Read rejects an LSN that is not a record", func(t *testing.T) {
		_, err := m.Read(m.Tail() + 100)
		assert.ErrorIs(t, err, ErrInvalidLSN)
		_, err = m.Read(records[1].LSN + 1)
		assert.ErrorIs(t, err, ErrCorruption)
	})
}

func TestManager_ReopenKeepsLSNsMonotonic(t *testing.T) {
	dir := t.TempDir()

	m, err := Open(dir, Options{})
	require.NoError(t, err)
	first, err := m.Append(&Record{Type: TxnBegin, TxID: 9})
	require.NoError(t, err)
	tail := m.Tail()
	envID := m.EnvID()
	require.NoError(t, m.Close())

	m = openTestLog(t, dir, Options{})
	assert.Equal(t, tail, m.Tail())
	assert.Equal(t, envID, m.EnvID())

	second, err := m.Append(&Record{Type: TxnCommit, TxID: 9})
	require.NoError(t, err)
	assert.Greater(t, second, first)

	recs := collect(t, m, 0)
	require.Len(t, recs, 2)
	assert.Equal(t, TxnBegin, recs[0].Type)
	assert.Equal(t, TxnCommit, recs[1].Type)
}

func TestManager_Rollover(t *testing.T) {
	dir := t.TempDir()
	m := openTestLog(t, dir, Options{SegmentSize: 512, Order: binary.BigEndian})

	var lsns []uint64
	for i := 0; i < 60; i++ {
		lsn, err := m.Append(&Record{Type: AddRem, TxID: 1, Key: []byte{byte(i)}, Value: bytes.Repeat([]byte{byte(i)}, 20)})
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}
	require.NoError(t, m.FlushAll(context.Background()))
	assert.Greater(t, m.Stats().Segments, 1)

	recs := collect(t, m, 0)
	require.Len(t, recs, 60)
	for i, rec := range recs {
		assert.Equal(t, lsns[i], rec.LSN)
		assert.Equal(t, []byte{byte(i)}, rec.Key)
	}

	t.Run("Iterator starts in the middle", func(t *testing.T) {
		recs := collect(t, m, lsns[45])
		require.Len(t, recs, 15)
		assert.Equal(t, lsns[45], recs[0].LSN)
	})

	t.Run("Reopen finds every segment", func(t *testing.T) {
		require.NoError(t, m.Close())
		m2 := openTestLog(t, dir, Options{SegmentSize: 512})
		assert.Equal(t, binary.BigEndian.String(), m2.Order().String())
		assert.Len(t, collect(t, m2, 0), 60)
	})
}

func TestManager_TornTail(t *testing.T) {
	dir := t.TempDir()

	m, err := Open(dir, Options{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := m.Append(&Record{Type: Noop, TxID: uint64(i)})
		require.NoError(t, err)
	}
	tail := m.Tail()
	require.NoError(t, m.Close())

	// A half-written frame at the end of the last segment.
	path := filepath.Join(dir, segmentName(0))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x30, 0, 0, 0, byte(AddRem), 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	m = openTestLog(t, dir, Options{})
	assert.Equal(t, tail, m.Tail(), "torn frame is cut off")
	assert.Len(t, collect(t, m, 0), 5)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(tail), info.Size())
}

func TestManager_AbandonDropsUnflushedFrames(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m, err := Open(dir, Options{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := m.Append(&Record{Type: TxnBegin, TxID: uint64(i)})
		require.NoError(t, err)
	}
	require.NoError(t, m.FlushAll(ctx))
	durable := m.Tail()

	lost, err := m.Append(&Record{Type: TxnCommit, TxID: 0})
	require.NoError(t, err)
	assert.False(t, m.IsDurable(lost))
	require.NoError(t, m.Abandon())
	require.NoError(t, m.Abandon(), "abandoning twice is harmless")
	require.NoError(t, m.Close())

	m = openTestLog(t, dir, Options{})
	assert.Equal(t, durable, m.Tail())
	recs := collect(t, m, 0)
	require.Len(t, recs, 3)
	for _, rec := range recs {
		assert.Equal(t, TxnBegin, rec.Type)
	}
}

func TestManager_GroupCommit(t *testing.T) {
	m := openTestLog(t, t.TempDir(), Options{})

	const writers = 32
	var g errgroup.Group
	lsns := make([]uint64, writers)
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			lsn, err := m.Append(&Record{Type: TxnCommit, TxID: uint64(i + 1)})
			if err != nil {
				return err
			}
			lsns[i] = lsn
			return m.Flush(context.Background(), lsn)
		})
	}
	require.NoError(t, g.Wait())

	for _, lsn := range lsns {
		assert.True(t, m.IsDurable(lsn))
	}
	stats := m.Stats()
	assert.Equal(t, uint64(writers), stats.Records)
	assert.LessOrEqual(t, stats.GroupCommits, stats.FlushRequests)
	assert.LessOrEqual(t, stats.Syncs, uint64(writers))
}

func TestManager_NoSpace(t *testing.T) {
	t.Run("Transient ENOSPC is retried", func(t *testing.T) {
		m := openTestLog(t, t.TempDir(), Options{NoSpaceRetries: 3})
		failures := 2
		m.writeAt = func(f *os.File, b []byte, off int64) (int, error) {
			if failures > 0 {
				failures--
				return 0, syscall.ENOSPC
			}
			return f.WriteAt(b, off)
		}

		lsn, err := m.Append(&Record{Type: TxnCommit, TxID: 1})
		require.NoError(t, err)
		require.NoError(t, m.Flush(context.Background(), lsn))
		assert.Equal(t, uint64(2), m.Stats().NoSpaceRetries)
	})

	t.Run("Persistent ENOSPC is fatal", func(t *testing.T) {
		m := openTestLog(t, t.TempDir(), Options{NoSpaceRetries: 1})
		m.syncFile = func(*os.File) error { return syscall.ENOSPC }

		lsn, err := m.Append(&Record{Type: TxnCommit, TxID: 1})
		require.NoError(t, err)
		assert.ErrorIs(t, m.Flush(context.Background(), lsn), ErrNoSpace)

		_, err = m.Append(&Record{Type: Noop})
		assert.ErrorIs(t, err, ErrNoSpace)
	})
}

func TestManager_Checkpoint(t *testing.T) {
	m := openTestLog(t, t.TempDir(), Options{})

	state := &CheckpointState{
		BeginLSN:   m.Tail(),
		Timestamp:  1234,
		NextTxID:   17,
		ActiveTxs:  []TxEntry{{ID: 16, LastLSN: 99, Prepared: true}},
		DirtyPages: []DirtyEntry{{FileID: 1, PageNo: 4, RecLSN: 80}},
	}
	lsn, err := m.WriteCheckpoint(context.Background(), state)
	require.NoError(t, err)
	assert.True(t, m.IsDurable(lsn))

	got, err := m.Read(lsn)
	require.NoError(t, err)
	require.NotNil(t, got.Checkpoint)
	assert.Equal(t, *state, *got.Checkpoint)
}

func TestRecord_CompressedBody(t *testing.T) {
	img := bytes.Repeat([]byte("page image "), 400)
	rec := &Record{Type: Split, FileID: 1, Images: []PageImage{{PageNo: 3, Data: img}}}

	payload, err := encodeBody(rec)
	require.NoError(t, err)
	assert.Equal(t, byte(flagSnappy), payload[0])
	assert.Less(t, len(payload), len(img))

	var got Record
	require.NoError(t, decodeBody(payload, &got))
	require.Len(t, got.Images, 1)
	assert.Equal(t, img, got.Images[0].Data)

	small, err := encodeBody(&Record{Type: Noop, TxID: 5})
	require.NoError(t, err)
	assert.Equal(t, byte(0), small[0], "small bodies are stored uncompressed")
}
