package buffer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ariesdb/file"
)

var (
	ErrInvalidUsage = errors.New("buffer: invalid usage")
	ErrNoMemory     = errors.New("buffer: no frame available")
	ErrFrameFailed  = errors.New("buffer: frame failed to flush")
	ErrClosed       = errors.New("buffer: pool is closed")
)

const (
	// maxWaitTime bounds a wait for a free frame when the caller's context
	// has no deadline.
	maxWaitTime = 10 * time.Second

	// When the LRU counter passes saturation every priority is lowered by
	// rescaleBy.
	saturation = 1 << 31
	rescaleBy  = 1 << 30

	boostUnit     = 64
	flushParallel = 4
)

// Store is the page I/O the pool reads from and writes to.
type Store interface {
	Read(blk file.BlockID, page *file.Page) error
	Write(blk file.BlockID, page *file.Page) error
}

// LogFlusher is the part of the log manager the pool needs to honor the
// write-ahead rule.
type LogFlusher interface {
	Flush(ctx context.Context, lsn uint64) error
	Tail() uint64
}

type Config struct {
	Frames       int
	PageSize     int
	Order        binary.ByteOrder
	DirtyPenalty uint32
	FileWeights  map[uint32]uint32
	Logger       logrus.FieldLogger
}

// DirtyPage is one entry of the dirty page table handed to checkpoints.
type DirtyPage struct {
	Block  file.BlockID
	RecLSN uint64
}

type Stats struct {
	Frames    int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Flushes   uint64
	Rescales  uint64
	Dirty     int
	Pinned    int
}

type bucket struct {
	mu     sync.Mutex
	frames []*Buffer // sorted ascending by priority
}

func (b *bucket) find(blk file.BlockID) *Buffer {
	for _, f := range b.frames {
		if f.blk == blk {
			return f
		}
	}
	return nil
}

func (b *bucket) insert(f *Buffer) {
	i := sort.Search(len(b.frames), func(i int) bool { return b.frames[i].priority > f.priority })
	b.frames = slices.Insert(b.frames, i, f)
}

func (b *bucket) remove(f *Buffer) {
	for i, g := range b.frames {
		if g == f {
			b.frames = slices.Delete(b.frames, i, i+1)
			return
		}
	}
}

// signal is a broadcast that can be waited on together with a context.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func (s *signal) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		s.ch = make(chan struct{})
	}
	return s.ch
}

func (s *signal) broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		close(s.ch)
		s.ch = nil
	}
}

type Manager struct {
	store   Store
	log     LogFlusher
	logger  logrus.FieldLogger
	cfg     Config
	frames  []*Buffer
	buckets []*bucket
	mask    uint64

	freeMu sync.Mutex
	free   []int

	weightMu sync.RWMutex
	weights  map[uint32]uint32

	lru       atomic.Uint32
	rescaleMu sync.Mutex

	freed    signal // a frame became evictable or free
	flushReq chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	closed   atomic.Bool

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	flushes   atomic.Uint64
	rescales  atomic.Uint64
}

// NewManager creates a pool of cfg.Frames frames and starts its background
// flusher.
func NewManager(store Store, logFlusher LogFlusher, cfg Config) *Manager {
	if cfg.Frames < 2 {
		cfg.Frames = 2
	}
	if cfg.Order == nil {
		cfg.Order = binary.LittleEndian
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	nb := 1
	for nb*2 <= cfg.Frames/2 {
		nb *= 2
	}

	m := &Manager{
		store:    store,
		log:      logFlusher,
		logger:   cfg.Logger,
		cfg:      cfg,
		frames:   make([]*Buffer, cfg.Frames),
		buckets:  make([]*bucket, nb),
		mask:     uint64(nb - 1),
		free:     make([]int, 0, cfg.Frames),
		weights:  make(map[uint32]uint32),
		flushReq: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for i := range m.frames {
		m.frames[i] = newBuffer(i, cfg.PageSize, cfg.Order)
		m.free = append(m.free, cfg.Frames-1-i)
	}
	for i := range m.buckets {
		m.buckets[i] = &bucket{}
	}
	for id, w := range cfg.FileWeights {
		m.weights[id] = w
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.flusher(ctx)
	return m
}

func (m *Manager) bucketFor(blk file.BlockID) *bucket {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], blk.Key())
	return m.buckets[xxhash.Sum64(key[:])&m.mask]
}

// SetFileWeight sets the eviction boost of pages of one file. Higher weights
// keep the file's pages cached longer.
func (m *Manager) SetFileWeight(fileID uint32, weight uint32) {
	m.weightMu.Lock()
	defer m.weightMu.Unlock()
	m.weights[fileID] = weight
}

func (m *Manager) weight(fileID uint32) uint32 {
	m.weightMu.RLock()
	defer m.weightMu.RUnlock()
	return m.weights[fileID]
}

// Pin returns a handle to the page of blk, reading it from the store on a
// miss. The returned handle holds the page latch shared for Read intent and
// exclusive for Write intent. If every frame is pinned or dirty, Pin waits
// for one to become available until ctx is done.
func (m *Manager) Pin(ctx context.Context, blk file.BlockID, intent Intent) (*Handle, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	for {
		b := m.bucketFor(blk)
		b.mu.Lock()
		if f := b.find(blk); f != nil {
			if f.loading != nil {
				ch := f.loading
				b.mu.Unlock()
				select {
				case <-ch:
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			if f.failed != nil {
				err := f.failed
				b.mu.Unlock()
				return nil, fmt.Errorf("%w: %s: %w", ErrFrameFailed, blk, err)
			}
			f.pins++
			b.mu.Unlock()
			m.hits.Add(1)
			return m.latch(f, blk, intent), nil
		}

		slot, ok := m.takeFree()
		if !ok {
			b.mu.Unlock()
			var err error
			if slot, err = m.evict(ctx); err != nil {
				return nil, err
			}
			b.mu.Lock()
			if b.find(blk) != nil {
				// Someone else loaded the page while we were evicting.
				b.mu.Unlock()
				m.putFree(slot)
				continue
			}
		}

		f := m.frames[slot]
		f.reset()
		f.blk = blk
		f.pins = 1
		f.loading = make(chan struct{})
		b.insert(f)
		b.mu.Unlock()
		m.misses.Add(1)

		err := m.store.Read(blk, f.page)

		b.mu.Lock()
		ch := f.loading
		f.loading = nil
		if err != nil {
			b.remove(f)
			f.reset()
		}
		close(ch)
		b.mu.Unlock()

		if err != nil {
			m.putFree(slot)
			return nil, err
		}
		return m.latch(f, blk, intent), nil
	}
}

// latch acquires the page latch of a pinned frame. A write-intent pin on a
// frame with no pending changes starts its recovery LSN at the log tail, so
// a checkpoint taken while the change is in progress still covers it.
func (m *Manager) latch(f *Buffer, blk file.BlockID, intent Intent) *Handle {
	if intent == Write {
		f.latch.Lock()
		b := m.bucketFor(blk)
		b.mu.Lock()
		if f.recLSN == 0 {
			f.recLSN = m.log.Tail()
		}
		b.mu.Unlock()
	} else {
		f.latch.RLock()
	}
	return &Handle{m: m, buf: f, blk: blk, intent: intent}
}

// SetRecLSN lowers the recovery LSN of the pinned page to lsn. Recovery uses
// it when redoing records older than the current log tail.
func (h *Handle) SetRecLSN(lsn uint64) error {
	if h.released || h.intent != Write {
		return ErrInvalidUsage
	}
	b := h.m.bucketFor(h.blk)
	b.mu.Lock()
	defer b.mu.Unlock()
	if h.buf.recLSN == 0 || lsn < h.buf.recLSN {
		h.buf.recLSN = lsn
	}
	return nil
}

// Unpin releases a handle. Dirty requires the handle to have been pinned
// with Write intent.
func (m *Manager) Unpin(h *Handle, flag UnpinFlag) error {
	if h == nil || h.released {
		return fmt.Errorf("%w: unpin of a released handle", ErrInvalidUsage)
	}
	if flag == Dirty && h.intent != Write {
		return fmt.Errorf("%w: dirtying %s without write intent", ErrInvalidUsage, h.blk)
	}
	h.released = true
	f := h.buf

	b := m.bucketFor(h.blk)
	b.mu.Lock()
	f.pins--
	if flag == Dirty {
		f.dirty = true
	}
	if h.intent == Write && !f.dirty {
		f.recLSN = 0
	}
	b.remove(f)
	f.priority = m.priority(h.blk.FileID, f.dirty, flag == Discard)
	b.insert(f)
	unpinned := f.pins == 0
	b.mu.Unlock()

	if h.intent == Write {
		f.latch.Unlock()
	} else {
		f.latch.RUnlock()
	}
	if unpinned {
		m.freed.broadcast()
	}
	return nil
}

func (m *Manager) priority(fileID uint32, dirty, discard bool) uint32 {
	if discard {
		return 0
	}
	p := m.lru.Add(1)
	if p >= saturation {
		go m.rescale()
	}
	if dirty {
		if p > m.cfg.DirtyPenalty {
			p -= m.cfg.DirtyPenalty
		} else {
			p = 1
		}
	}
	return p + m.weight(fileID)*boostUnit
}

// rescale lowers every priority by a constant once the LRU counter is close
// to overflowing. Buckets are locked in index order.
func (m *Manager) rescale() {
	if !m.rescaleMu.TryLock() {
		return
	}
	defer m.rescaleMu.Unlock()
	if m.lru.Load() < saturation {
		return
	}

	for _, b := range m.buckets {
		b.mu.Lock()
	}
	for _, b := range m.buckets {
		for _, f := range b.frames {
			if f.priority > rescaleBy {
				f.priority -= rescaleBy
			} else if f.priority > 0 {
				f.priority = 1
			}
		}
	}
	m.lru.Add(^uint32(rescaleBy - 1))
	for i := len(m.buckets) - 1; i >= 0; i-- {
		m.buckets[i].mu.Unlock()
	}
	m.rescales.Add(1)
	m.logger.Debug("rescaled buffer priorities")
}

func (m *Manager) takeFree() (int, bool) {
	m.freeMu.Lock()
	defer m.freeMu.Unlock()
	if len(m.free) == 0 {
		return 0, false
	}
	slot := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]
	return slot, true
}

func (m *Manager) putFree(slot int) {
	m.freeMu.Lock()
	m.free = append(m.free, slot)
	m.freeMu.Unlock()
	m.freed.broadcast()
}

// evict frees the lowest-priority clean, unpinned frame and returns its
// slot. When only dirty frames are candidates it asks the flusher to write
// them and waits.
func (m *Manager) evict(ctx context.Context) (int, error) {
	var timeout <-chan time.Time
	if _, ok := ctx.Deadline(); !ok {
		timer := time.NewTimer(maxWaitTime)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		wake := m.freed.wait()

		if slot, ok := m.takeFree(); ok {
			return slot, nil
		}

		var (
			victim *Buffer
			vb     *bucket
			dirty  bool
		)
		for _, b := range m.buckets {
			b.mu.Lock()
			for _, f := range b.frames {
				if f.flushable() {
					dirty = true
				}
				if f.evictable() {
					if victim == nil || f.priority < victim.priority {
						victim, vb = f, b
					}
					break
				}
			}
			b.mu.Unlock()
		}

		if victim != nil {
			vb.mu.Lock()
			if vb.find(victim.blk) == victim && victim.evictable() {
				vb.remove(victim)
				victim.reset()
				vb.mu.Unlock()
				m.evictions.Add(1)
				return victim.slot, nil
			}
			vb.mu.Unlock()
			continue
		}

		if dirty {
			m.requestFlush()
		}
		select {
		case <-wake:
		case <-ctx.Done():
			if cause := context.Cause(ctx); cause != ctx.Err() {
				return 0, fmt.Errorf("waiting for a free frame: %w", cause)
			}
			return 0, fmt.Errorf("%w: %w", ErrNoMemory, ctx.Err())
		case <-timeout:
			return 0, fmt.Errorf("%w: waited %s", ErrNoMemory, maxWaitTime)
		}
	}
}

func (m *Manager) requestFlush() {
	select {
	case m.flushReq <- struct{}{}:
	default:
	}
}

// flusher writes dirty unpinned frames in the background when eviction
// runs out of clean candidates.
func (m *Manager) flusher(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.flushReq:
		}

		batch := m.flushCandidates(max(1, len(m.frames)/8))
		for _, f := range batch {
			if err := m.flushFrame(ctx, f.buf, f.blk, false); err != nil && ctx.Err() == nil {
				m.logger.WithError(err).WithField("page", f.blk.String()).Warn("background flush failed")
			}
		}
	}
}

type candidate struct {
	buf      *Buffer
	blk      file.BlockID
	priority uint32
}

// flushCandidates returns up to n dirty unpinned frames, lowest priority
// first. n <= 0 means all of them.
func (m *Manager) flushCandidates(n int) []candidate {
	var all []candidate
	for _, b := range m.buckets {
		b.mu.Lock()
		for _, f := range b.frames {
			if f.flushable() {
				all = append(all, candidate{f, f.blk, f.priority})
			}
		}
		b.mu.Unlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].priority < all[j].priority })
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// flushFrame writes one dirty frame after forcing the log up to the page
// LSN. With wait false it gives up instead of blocking on a busy latch.
func (m *Manager) flushFrame(ctx context.Context, f *Buffer, blk file.BlockID, wait bool) error {
	b := m.bucketFor(blk)
	b.mu.Lock()
	if f.blk != blk || !f.dirty || f.flushing || f.loading != nil {
		b.mu.Unlock()
		return nil
	}
	if f.failed != nil {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s: %w", ErrFrameFailed, blk, f.failed)
	}
	f.flushing = true
	b.mu.Unlock()

	if wait {
		f.latch.RLock()
	} else if !f.latch.TryRLock() {
		b.mu.Lock()
		f.flushing = false
		b.mu.Unlock()
		return nil
	}

	img := file.NewPage(len(f.page.Buf()), f.page.Order())
	img.CopyFrom(f.page.Buf())

	err := m.log.Flush(ctx, img.LSN())
	if err == nil {
		err = m.store.Write(blk, img)
	}

	b.mu.Lock()
	f.flushing = false
	if err != nil {
		if ctx.Err() == nil {
			f.failed = err
		}
	} else {
		f.dirty = false
		f.recLSN = 0
		m.flushes.Add(1)
	}
	b.mu.Unlock()
	f.latch.RUnlock()

	if err != nil {
		return fmt.Errorf("flush %s: %w", blk, err)
	}
	m.freed.broadcast()
	return nil
}

// FlushPage writes blk if it is cached and dirty. The log is forced up to
// the page LSN first.
func (m *Manager) FlushPage(ctx context.Context, blk file.BlockID) error {
	b := m.bucketFor(blk)
	b.mu.Lock()
	f := b.find(blk)
	b.mu.Unlock()
	if f == nil {
		return nil
	}
	return m.flushFrame(ctx, f, blk, true)
}

// FlushAll writes every dirty frame that is not pinned, several at a time.
func (m *Manager) FlushAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(flushParallel)
	for _, c := range m.flushCandidates(0) {
		g.Go(func() error {
			return m.flushFrame(ctx, c.buf, c.blk, true)
		})
	}
	return g.Wait()
}

// DirtyPages snapshots the dirty page table: every frame that holds or may
// be receiving changes not yet written to its file.
func (m *Manager) DirtyPages() []DirtyPage {
	var pages []DirtyPage
	for _, b := range m.buckets {
		b.mu.Lock()
		for _, f := range b.frames {
			if f.recLSN != 0 {
				pages = append(pages, DirtyPage{Block: f.blk, RecLSN: f.recLSN})
			}
		}
		b.mu.Unlock()
	}
	return pages
}

// Invalidate drops every cached page of a file without writing it. Pinned
// pages make it fail.
func (m *Manager) Invalidate(fileID uint32) error {
	for _, b := range m.buckets {
		b.mu.Lock()
		for _, f := range slices.Clone(b.frames) {
			if f.blk.FileID != fileID {
				continue
			}
			if f.pins > 0 || f.loading != nil || f.flushing {
				b.mu.Unlock()
				return fmt.Errorf("%w: page %s is in use", ErrInvalidUsage, f.blk)
			}
			b.remove(f)
			f.reset()
			m.putFree(f.slot)
		}
		b.mu.Unlock()
	}
	return nil
}

func (m *Manager) Stats() Stats {
	s := Stats{
		Frames:    len(m.frames),
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Evictions: m.evictions.Load(),
		Flushes:   m.flushes.Load(),
		Rescales:  m.rescales.Load(),
	}
	for _, b := range m.buckets {
		b.mu.Lock()
		for _, f := range b.frames {
			if f.dirty {
				s.Dirty++
			}
			if f.pins > 0 {
				s.Pinned++
			}
		}
		b.mu.Unlock()
	}
	return s
}

// Close stops the background flusher. Dirty pages are not written; callers
// flush first.
func (m *Manager) Close() {
	if m.closed.Swap(true) {
		return
	}
	m.cancel()
	<-m.done
}
