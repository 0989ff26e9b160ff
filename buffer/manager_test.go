package buffer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"ariesdb/file"
)

const testPageSize = 512

type fakeLog struct {
	mu      sync.Mutex
	flushed uint64
}

func (l *fakeLog) Flush(_ context.Context, lsn uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lsn > l.flushed {
		l.flushed = lsn
	}
	return nil
}

func (l *fakeLog) Tail() uint64 { return 100 }

func (l *fakeLog) durable() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushed
}

// walCheckingStore fails the test if a page reaches the file before the log
// covers its LSN.
type walCheckingStore struct {
	*file.Manager
	t       *testing.T
	log     *fakeLog
	failErr error
}

func (s *walCheckingStore) Write(blk file.BlockID, p *file.Page) error {
	if s.failErr != nil {
		return s.failErr
	}
	if p.LSN() > s.log.durable() {
		s.t.Errorf("page %s with LSN %d written while log is durable up to %d", blk, p.LSN(), s.log.durable())
	}
	return s.Manager.Write(blk, p)
}

func newTestPool(t *testing.T, frames int, pages uint32) (*Manager, *walCheckingStore, *fakeLog) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	fm, err := file.NewManager(t.TempDir(), testPageSize, logger)
	require.NoError(t, err)
	t.Cleanup(func() { fm.Close() })
	require.NoError(t, fm.Register(1, "0001.db"))
	require.NoError(t, fm.ZeroFillTo(1, pages-1))

	lg := &fakeLog{}
	store := &walCheckingStore{Manager: fm, t: t, log: lg}
	m := NewManager(store, lg, Config{
		Frames:       frames,
		PageSize:     testPageSize,
		Order:        binary.LittleEndian,
		DirtyPenalty: 4,
		Logger:       logger,
	})
	t.Cleanup(m.Close)
	return m, store, lg
}

func (m *Manager) isCached(blk file.BlockID) bool {
	b := m.bucketFor(blk)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.find(blk) != nil
}

func TestManager_PinUnpin(t *testing.T) {
	m, _, _ := newTestPool(t, 4, 4)
	ctx := context.Background()
	blk := file.NewBlockID(1, 2)

	h, err := m.Pin(ctx, blk, Write)
	require.NoError(t, err)
	h.Page().WriteUint32At(64, 7)
	require.NoError(t, h.SetLSN(10))
	require.NoError(t, m.Unpin(h, Dirty))

	h, err = m.Pin(ctx, blk, Read)
	require.NoError(t, err)
	v, _ := h.Page().ReadUint32At(64)
	assert.Equal(t, uint32(7), v)

	t.Run("Dirty without write intent is rejected", func(t *testing.T) {
		assert.ErrorIs(t, m.Unpin(h, Dirty), ErrInvalidUsage)
		assert.ErrorIs(t, h.SetLSN(11), ErrInvalidUsage)
	})

	require.NoError(t, m.Unpin(h, Clean))

	t.Run("Double unpin is rejected", func(t *testing.T) {
		assert.ErrorIs(t, m.Unpin(h, Clean), ErrInvalidUsage)
	})

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, 1, stats.Dirty)
	assert.Equal(t, 0, stats.Pinned)
}

func TestManager_WALRule(t *testing.T) {
	m, store, lg := newTestPool(t, 4, 4)
	ctx := context.Background()
	blk := file.NewBlockID(1, 1)

	h, err := m.Pin(ctx, blk, Write)
	require.NoError(t, err)
	h.Page().Format(file.PageLeaf)
	require.NoError(t, h.SetLSN(500))
	require.NoError(t, m.Unpin(h, Dirty))

	require.NoError(t, m.FlushPage(ctx, blk))
	assert.GreaterOrEqual(t, lg.durable(), uint64(500))

	p := file.NewPage(testPageSize, binary.LittleEndian)
	require.NoError(t, store.Read(blk, p))
	assert.Equal(t, uint64(500), p.LSN())
	assert.Equal(t, 0, m.Stats().Dirty)
}

func TestManager_Eviction(t *testing.T) {
	ctx := context.Background()

	t.Run("Clean frames are reused", func(t *testing.T) {
		m, _, _ := newTestPool(t, 2, 8)
		for n := uint32(0); n < 8; n++ {
			h, err := m.Pin(ctx, file.NewBlockID(1, n), Read)
			require.NoError(t, err)
			require.NoError(t, m.Unpin(h, Clean))
		}
		assert.Equal(t, uint64(6), m.Stats().Evictions)
	})

	t.Run("Discarded frame goes first", func(t *testing.T) {
		m, _, _ := newTestPool(t, 2, 4)
		a, b := file.NewBlockID(1, 0), file.NewBlockID(1, 1)

		ha, err := m.Pin(ctx, a, Read)
		require.NoError(t, err)
		hb, err := m.Pin(ctx, b, Read)
		require.NoError(t, err)
		require.NoError(t, m.Unpin(ha, Clean))
		require.NoError(t, m.Unpin(hb, Discard))

		hc, err := m.Pin(ctx, file.NewBlockID(1, 2), Read)
		require.NoError(t, err)
		defer m.Unpin(hc, Clean)

		assert.True(t, m.isCached(a))
		assert.False(t, m.isCached(b))
	})

	t.Run("Dirty frames are flushed to make room", func(t *testing.T) {
		m, _, lg := newTestPool(t, 2, 4)
		for n := uint32(0); n < 2; n++ {
			h, err := m.Pin(ctx, file.NewBlockID(1, n), Write)
			require.NoError(t, err)
			h.Page().WriteUint32At(64, n+1)
			require.NoError(t, h.SetLSN(uint64(200+n)))
			require.NoError(t, m.Unpin(h, Dirty))
		}

		h, err := m.Pin(ctx, file.NewBlockID(1, 3), Read)
		require.NoError(t, err)
		require.NoError(t, m.Unpin(h, Clean))
		assert.GreaterOrEqual(t, m.Stats().Flushes, uint64(1))
		assert.GreaterOrEqual(t, lg.durable(), uint64(200))
	})

	t.Run("Fully pinned pool times out", func(t *testing.T) {
		m, _, _ := newTestPool(t, 2, 4)
		h0, err := m.Pin(ctx, file.NewBlockID(1, 0), Read)
		require.NoError(t, err)
		h1, err := m.Pin(ctx, file.NewBlockID(1, 1), Read)
		require.NoError(t, err)

		wctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err = m.Pin(wctx, file.NewBlockID(1, 2), Read)
		assert.ErrorIs(t, err, ErrNoMemory)

		require.NoError(t, m.Unpin(h0, Clean))
		require.NoError(t, m.Unpin(h1, Clean))
	})
}

// newPriorityPool is a three-frame pool over files 1 and 2, eight pages
// each, with its LRU counter moved off zero.
func newPriorityPool(t *testing.T, cfg Config) *Manager {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	fm, err := file.NewManager(t.TempDir(), testPageSize, logger)
	require.NoError(t, err)
	t.Cleanup(func() { fm.Close() })
	for id := uint32(1); id <= 2; id++ {
		require.NoError(t, fm.Register(id, fmt.Sprintf("%04d.db", id)))
		require.NoError(t, fm.ZeroFillTo(id, 7))
	}

	lg := &fakeLog{}
	cfg.Frames, cfg.PageSize, cfg.Logger = 3, testPageSize, logger
	m := NewManager(&walCheckingStore{Manager: fm, t: t, log: lg}, lg, cfg)
	t.Cleanup(m.Close)
	m.lru.Store(100)
	return m
}

func (m *Manager) priorityOf(blk file.BlockID) uint32 {
	b := m.bucketFor(blk)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.find(blk).priority
}

func TestManager_EvictionOrder(t *testing.T) {
	type touch struct {
		blk   file.BlockID
		dirty bool
	}
	a, b, c := file.NewBlockID(1, 0), file.NewBlockID(1, 1), file.NewBlockID(1, 2)
	w := file.NewBlockID(2, 0)

	tests := []struct {
		name    string
		cfg     Config
		weights map[uint32]uint32
		touches []touch
		evicted file.BlockID
	}{
		{
			name:    "Least recently unpinned goes first",
			touches: []touch{{blk: a}, {blk: b}, {blk: c}},
			evicted: a,
		},
		{
			name:    "Dirty penalty ages a page",
			cfg:     Config{DirtyPenalty: 10},
			touches: []touch{{blk: a}, {blk: b}, {blk: c, dirty: true}},
			evicted: c,
		},
		{
			name:    "Penalty smaller than the gap keeps LRU order",
			cfg:     Config{DirtyPenalty: 1},
			touches: []touch{{blk: a}, {blk: b}, {blk: c, dirty: true}},
			evicted: a,
		},
		{
			name:    "Configured file weight keeps pages longer",
			cfg:     Config{FileWeights: map[uint32]uint32{2: 1}},
			touches: []touch{{blk: w}, {blk: b}, {blk: c}},
			evicted: b,
		},
		{
			name:    "File weight set at runtime",
			weights: map[uint32]uint32{2: 1},
			touches: []touch{{blk: w}, {blk: b}, {blk: c}},
			evicted: b,
		},
		{
			name:    "Zero weight restores LRU order",
			cfg:     Config{FileWeights: map[uint32]uint32{2: 1}},
			weights: map[uint32]uint32{2: 0},
			touches: []touch{{blk: w}, {blk: b}, {blk: c}},
			evicted: w,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m := newPriorityPool(t, tt.cfg)
			for id, weight := range tt.weights {
				m.SetFileWeight(id, weight)
			}

			for _, tc := range tt.touches {
				intent, flag := Read, Clean
				if tc.dirty {
					intent, flag = Write, Dirty
				}
				h, err := m.Pin(ctx, tc.blk, intent)
				require.NoError(t, err)
				require.NoError(t, m.Unpin(h, flag))
				if tc.dirty {
					require.NoError(t, m.FlushPage(ctx, tc.blk))
				}
			}

			h, err := m.Pin(ctx, file.NewBlockID(1, 5), Read)
			require.NoError(t, err)
			require.NoError(t, m.Unpin(h, Clean))

			assert.Equal(t, uint64(1), m.Stats().Evictions)
			for _, tc := range tt.touches {
				assert.Equal(t, tc.blk != tt.evicted, m.isCached(tc.blk), "page %s", tc.blk)
			}
		})
	}
}

func TestManager_Rescale(t *testing.T) {
	ctx := context.Background()
	m := newPriorityPool(t, Config{})
	m.lru.Store(saturation - 2)

	pages := []file.BlockID{file.NewBlockID(1, 0), file.NewBlockID(1, 1), file.NewBlockID(1, 2)}
	for _, blk := range pages {
		h, err := m.Pin(ctx, blk, Read)
		require.NoError(t, err)
		require.NoError(t, m.Unpin(h, Clean))
	}
	require.Eventually(t, func() bool { return m.Stats().Rescales == 1 }, time.Second, 5*time.Millisecond)

	assert.Less(t, m.lru.Load(), uint32(saturation))
	for i, blk := range pages {
		assert.Equal(t, uint32(saturation-rescaleBy-1+i), m.priorityOf(blk), "page %s", blk)
	}

	// Order survives the rescale: the oldest page is still the victim and
	// the newest unpin ranks above everything rescaled.
	h, err := m.Pin(ctx, file.NewBlockID(1, 5), Read)
	require.NoError(t, err)
	require.NoError(t, m.Unpin(h, Clean))
	assert.False(t, m.isCached(pages[0]))
	assert.True(t, m.isCached(pages[1]))
	assert.True(t, m.isCached(pages[2]))
	assert.Greater(t, m.priorityOf(file.NewBlockID(1, 5)), m.priorityOf(pages[2]))
	assert.Equal(t, uint64(1), m.Stats().Rescales)
}

func TestManager_FailedFlush(t *testing.T) {
	m, store, _ := newTestPool(t, 4, 4)
	ctx := context.Background()
	blk := file.NewBlockID(1, 3)

	h, err := m.Pin(ctx, blk, Write)
	require.NoError(t, err)
	require.NoError(t, m.Unpin(h, Dirty))

	store.failErr = errors.New("disk on fire")
	require.Error(t, m.FlushPage(ctx, blk))

	_, err = m.Pin(ctx, blk, Read)
	assert.ErrorIs(t, err, ErrFrameFailed)
}

func TestManager_DirtyPages(t *testing.T) {
	m, _, _ := newTestPool(t, 4, 4)
	ctx := context.Background()
	blk := file.NewBlockID(1, 0)

	h, err := m.Pin(ctx, blk, Write)
	require.NoError(t, err)
	assert.Equal(t, []DirtyPage{{Block: blk, RecLSN: 100}}, m.DirtyPages(), "a page being modified is in the table")
	require.NoError(t, m.Unpin(h, Clean))
	assert.Empty(t, m.DirtyPages())

	h, err = m.Pin(ctx, blk, Write)
	require.NoError(t, err)
	require.NoError(t, h.SetRecLSN(70))
	require.NoError(t, m.Unpin(h, Dirty))
	assert.Equal(t, []DirtyPage{{Block: blk, RecLSN: 70}}, m.DirtyPages())

	require.NoError(t, m.FlushAll(ctx))
	assert.Empty(t, m.DirtyPages())
}

func TestManager_ConcurrentWriters(t *testing.T) {
	m, store, _ := newTestPool(t, 3, 4)
	ctx := context.Background()

	const (
		workers    = 8
		iterations = 40
	)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < iterations; i++ {
				blk := file.NewBlockID(1, uint32((w+i)%4))
				h, err := m.Pin(ctx, blk, Write)
				if err != nil {
					return err
				}
				v, _ := h.Page().ReadUint32At(64)
				h.Page().WriteUint32At(64, v+1)
				if err := m.Unpin(h, Dirty); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, m.FlushAll(ctx))

	p := file.NewPage(testPageSize, binary.LittleEndian)
	for n := uint32(0); n < 4; n++ {
		require.NoError(t, store.Read(file.NewBlockID(1, n), p))
		v, _ := p.ReadUint32At(64)
		assert.Equal(t, uint32(workers*iterations/4), v, "block %d", n)
	}
}
