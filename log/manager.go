package log

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrClosed      = errors.New("log: manager is closed")
	ErrCorruption  = errors.New("log: corruption detected")
	ErrNoSpace     = errors.New("log: no space left on device")
	ErrIO          = errors.New("log: i/o error")
	ErrEnvMismatch = errors.New("log: segment belongs to a different environment")
	ErrInvalidLSN  = errors.New("log: invalid lsn")
)

const (
	DefaultSegmentSize = 16 << 20

	// pending frames are handed to the OS once they exceed this size, even
	// without a flush request.
	pendingLimit = 1 << 20

	noSpaceBackoff    = 10 * time.Millisecond
	noSpaceBackoffMax = time.Second
)

type Options struct {
	SegmentSize    int64
	Order          binary.ByteOrder
	EnvID          uuid.UUID
	NoSpaceRetries int
	Logger         logrus.FieldLogger
}

// Stats are cumulative counters of the log manager.
type Stats struct {
	Records        uint64
	Bytes          uint64
	Syncs          uint64
	FlushRequests  uint64
	GroupCommits   uint64
	NoSpaceRetries uint64
	Segments       int
	Tail           uint64
	Durable        uint64
}

type Manager struct {
	mu       sync.Mutex
	dir      string
	opts     Options
	order    binary.ByteOrder
	envID    uuid.UUID
	log      logrus.FieldLogger
	segments []*segment
	cur      *segment
	pending  []byte // frames not yet written to cur, starting at cur.end()
	closed   bool

	fatalMu sync.Mutex
	fatal   error // set once the log device is unusable

	next    atomic.Uint64 // LSN the next record will receive
	durable atomic.Uint64 // every record with LSN < durable is on stable storage

	flushMu  sync.Mutex
	flushing chan struct{} // closed when the running group commit finishes

	// writeAt and syncFile are replaced in tests to inject failures.
	writeAt  func(f *os.File, b []byte, off int64) (int, error)
	syncFile func(f *os.File) error

	records       atomic.Uint64
	bytes         atomic.Uint64
	syncs         atomic.Uint64
	flushRequests atomic.Uint64
	groupCommits  atomic.Uint64
	noSpace       atomic.Uint64
}

// Open opens the log in dir, creating the first segment if the directory
// holds none. The tail of the last segment is scanned and a torn final
// record is cut off.
func Open(dir string, opts Options) (*Manager, error) {
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	if opts.Order == nil {
		opts.Order = binary.LittleEndian
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	m := &Manager{
		dir:      dir,
		opts:     opts,
		order:    opts.Order,
		envID:    opts.EnvID,
		log:      opts.Logger,
		writeAt:  func(f *os.File, b []byte, off int64) (int, error) { return f.WriteAt(b, off) },
		syncFile: func(f *os.File) error { return f.Sync() },
	}

	paths, err := listSegments(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	if len(paths) == 0 {
		if m.envID == uuid.Nil {
			m.envID = uuid.New()
		}
		seg, err := createSegment(dir, 0, m.order, m.envID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIO, err)
		}
		m.segments = []*segment{seg}
	} else {
		for _, path := range paths {
			seg, order, envID, err := openSegment(path)
			if err != nil {
				m.closeFiles()
				return nil, err
			}
			if m.envID == uuid.Nil {
				m.envID = envID
			}
			if envID != m.envID {
				seg.f.Close()
				m.closeFiles()
				return nil, fmt.Errorf("%w: %s", ErrEnvMismatch, path)
			}
			m.order = order
			m.segments = append(m.segments, seg)
		}
		if err := m.trimTail(m.segments[len(m.segments)-1]); err != nil {
			m.closeFiles()
			return nil, err
		}
	}

	m.cur = m.segments[len(m.segments)-1]
	m.next.Store(m.cur.end())
	m.durable.Store(m.cur.end())
	m.log.WithFields(logrus.Fields{"segments": len(m.segments), "tail": m.cur.end()}).Debug("log opened")
	return m, nil
}

// trimTail finds the end of the last valid frame and truncates anything
// after it.
func (m *Manager) trimTail(seg *segment) error {
	off := int64(SegmentHeaderSize)
	for off < seg.size {
		_, payload, err := readFrame(seg.f, m.order, off, seg.base+uint64(off))
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrCorruption) {
				break
			}
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
		off += FrameHeaderSize + int64(len(payload))
	}

	if off < seg.size {
		m.log.WithFields(logrus.Fields{"segment": seg.path, "from": seg.size, "to": off}).Warn("truncating torn log tail")
		if err := seg.f.Truncate(off); err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
		if err := seg.f.Sync(); err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
		seg.size = off
	}
	return nil
}

func (m *Manager) EnvID() uuid.UUID {
	return m.envID
}

func (m *Manager) Order() binary.ByteOrder {
	return m.order
}

// Tail returns the LSN the next appended record will receive. Every record
// appended so far has a smaller LSN.
func (m *Manager) Tail() uint64 {
	return m.next.Load()
}

// Durable returns the durability watermark: all records with a smaller LSN
// are on stable storage.
func (m *Manager) Durable() uint64 {
	return m.durable.Load()
}

// IsDurable reports whether the record at lsn is on stable storage.
func (m *Manager) IsDurable(lsn uint64) bool {
	return lsn < m.durable.Load()
}

// FirstLSN returns the LSN of the first record still present in the log.
func (m *Manager) FirstLSN() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.segments[0].base + SegmentHeaderSize
}

// Append adds a record to the log and returns its LSN. The record is buffered
// and is not durable until Flush covers it.
func (m *Manager) Append(rec *Record) (uint64, error) {
	payload, err := encodeBody(rec)
	if err != nil {
		return 0, err
	}
	if len(payload) > maxPayload {
		return 0, fmt.Errorf("log record of %d bytes exceeds the maximum of %d", len(payload), maxPayload)
	}
	frameLen := int64(FrameHeaderSize + len(payload))

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	if err := m.fatalErr(); err != nil {
		return 0, err
	}

	used := m.cur.size + int64(len(m.pending))
	if used+frameLen > m.opts.SegmentSize && used > SegmentHeaderSize {
		if err := m.rolloverLocked(); err != nil {
			return 0, err
		}
	}

	lsn := m.next.Load()
	m.pending = append(m.pending, encodeFrame(m.order, rec.Type, lsn, payload)...)
	m.next.Store(lsn + uint64(frameLen))
	rec.LSN = lsn

	m.records.Add(1)
	m.bytes.Add(uint64(frameLen))

	if len(m.pending) >= pendingLimit {
		if err := m.writePendingLocked(); err != nil {
			return 0, err
		}
	}
	return lsn, nil
}

// rolloverLocked finishes the current segment and starts a new one whose
// base is the current end of the log.
func (m *Manager) rolloverLocked() error {
	if err := m.writePendingLocked(); err != nil {
		return err
	}
	if err := m.retryNoSpace(func() error { return m.syncFile(m.cur.f) }); err != nil {
		return err
	}
	m.syncs.Add(1)
	m.advanceDurable(m.cur.end())

	seg, err := createSegment(m.dir, m.cur.end(), m.order, m.envID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	m.segments = append(m.segments, seg)
	m.cur = seg
	m.next.Store(seg.end())
	m.advanceDurable(seg.end())
	m.log.WithFields(logrus.Fields{"segment": seg.path, "base": seg.base}).Debug("log segment rollover")
	return nil
}

func (m *Manager) writePendingLocked() error {
	if len(m.pending) == 0 {
		return nil
	}
	err := m.retryNoSpace(func() error {
		_, err := m.writeAt(m.cur.f, m.pending, m.cur.size)
		return err
	})
	if err != nil {
		return err
	}
	m.cur.size += int64(len(m.pending))
	m.pending = m.pending[:0]
	return nil
}

// retryNoSpace runs op, retrying with exponential back-off while it fails
// with ENOSPC. Once the retries are exhausted the log becomes unusable.
func (m *Manager) retryNoSpace(op func() error) error {
	delay := noSpaceBackoff
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !errors.Is(err, syscall.ENOSPC) {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
		if attempt >= m.opts.NoSpaceRetries {
			fatal := fmt.Errorf("%w: giving up after %d retries", ErrNoSpace, attempt)
			m.setFatal(fatal)
			m.log.WithError(err).Error("log device is full")
			return fatal
		}
		m.noSpace.Add(1)
		m.log.WithFields(logrus.Fields{"attempt": attempt + 1, "delay": delay}).Warn("no space for log write, retrying")
		time.Sleep(delay)
		delay = min(2*delay, noSpaceBackoffMax)
	}
}

func (m *Manager) setFatal(err error) {
	m.fatalMu.Lock()
	defer m.fatalMu.Unlock()
	if m.fatal == nil {
		m.fatal = err
	}
}

func (m *Manager) fatalErr() error {
	m.fatalMu.Lock()
	defer m.fatalMu.Unlock()
	return m.fatal
}

func (m *Manager) advanceDurable(lsn uint64) {
	for {
		cur := m.durable.Load()
		if lsn <= cur || m.durable.CompareAndSwap(cur, lsn) {
			return
		}
	}
}

// Flush blocks until every record with an LSN up to and including lsn is on
// stable storage. Concurrent callers are coalesced into a single fsync: one
// caller becomes the leader and the others wait for its result.
func (m *Manager) Flush(ctx context.Context, lsn uint64) error {
	m.flushRequests.Add(1)
	for {
		if lsn < m.durable.Load() {
			return nil
		}
		if tail := m.next.Load(); lsn >= tail {
			if tail <= m.durable.Load() {
				return nil
			}
			lsn = tail - 1
		}

		m.flushMu.Lock()
		if lsn < m.durable.Load() {
			m.flushMu.Unlock()
			return nil
		}
		if ch := m.flushing; ch != nil {
			m.flushMu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return context.Cause(ctx)
			}
		}
		ch := make(chan struct{})
		m.flushing = ch
		m.flushMu.Unlock()

		end, err := m.syncTail()

		m.flushMu.Lock()
		m.flushing = nil
		if err == nil {
			m.advanceDurable(end)
		}
		close(ch)
		m.flushMu.Unlock()

		if err != nil {
			return err
		}
		m.groupCommits.Add(1)
	}
}

// FlushAll makes every appended record durable.
func (m *Manager) FlushAll(ctx context.Context) error {
	tail := m.next.Load()
	if tail == 0 {
		return nil
	}
	return m.Flush(ctx, tail-1)
}

// syncTail hands pending frames to the OS and fsyncs the current segment.
// It returns the LSN up to which the log is now durable.
func (m *Manager) syncTail() (uint64, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	if err := m.fatalErr(); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	if err := m.writePendingLocked(); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	end := m.cur.end()
	f := m.cur.f
	m.mu.Unlock()

	if err := m.retryNoSpace(func() error { return m.syncFile(f) }); err != nil {
		return 0, err
	}
	m.syncs.Add(1)
	m.log.WithField("lsn", end).Trace("log synced")
	return end, nil
}

// Read returns the record stored at lsn.
func (m *Manager) Read(lsn uint64) (*Record, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if lsn >= m.next.Load() || lsn < m.segments[0].base+SegmentHeaderSize {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrInvalidLSN, lsn)
	}

	var (
		src  io.ReaderAt
		off  int64
		name string
	)
	if lsn >= m.cur.end() {
		pending := bytes.Clone(m.pending)
		src, off, name = bytes.NewReader(pending), int64(lsn-m.cur.end()), "pending"
	} else {
		seg := m.segmentForLocked(lsn)
		if seg == nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %d", ErrInvalidLSN, lsn)
		}
		src, off, name = seg.f, int64(lsn-seg.base), seg.path
	}
	m.mu.Unlock()

	t, payload, err := readFrame(src, m.order, off, lsn)
	if err != nil {
		if errors.Is(err, ErrCorruption) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: reading lsn %d from %s: %v", ErrCorruption, lsn, name, err)
	}
	rec := &Record{LSN: lsn, Type: t}
	if err := decodeBody(payload, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (m *Manager) segmentForLocked(lsn uint64) *segment {
	for i := len(m.segments) - 1; i >= 0; i-- {
		if m.segments[i].base <= lsn {
			if lsn < m.segments[i].end() {
				return m.segments[i]
			}
			return nil
		}
	}
	return nil
}

// Iterator returns a forward iterator positioned at the first record whose
// LSN is at least from. Pending frames are handed to the OS first so the
// iterator sees every record appended before the call.
func (m *Manager) Iterator(from uint64) (*Iterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if err := m.writePendingLocked(); err != nil {
		return nil, err
	}
	segs := make([]*segment, len(m.segments))
	copy(segs, m.segments)
	return newIterator(segs, m.order, from), nil
}

// WriteCheckpoint appends a checkpoint record and makes it durable. The
// caller is responsible for pointing the master record at the returned LSN.
func (m *Manager) WriteCheckpoint(ctx context.Context, state *CheckpointState) (uint64, error) {
	lsn, err := m.Append(&Record{Type: Checkpoint, Timestamp: state.Timestamp, Checkpoint: state})
	if err != nil {
		return 0, err
	}
	if err := m.Flush(ctx, lsn); err != nil {
		return 0, err
	}
	return lsn, nil
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	n := len(m.segments)
	m.mu.Unlock()
	return Stats{
		Records:        m.records.Load(),
		Bytes:          m.bytes.Load(),
		Syncs:          m.syncs.Load(),
		FlushRequests:  m.flushRequests.Load(),
		GroupCommits:   m.groupCommits.Load(),
		NoSpaceRetries: m.noSpace.Load(),
		Segments:       n,
		Tail:           m.next.Load(),
		Durable:        m.durable.Load(),
	}
}

// Close writes and syncs pending records and closes every segment.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}

	var errs []error
	if m.fatalErr() == nil {
		if err := m.writePendingLocked(); err != nil {
			errs = append(errs, err)
		} else if err := m.syncFile(m.cur.f); err != nil {
			errs = append(errs, err)
		}
	}
	m.closed = true
	errs = append(errs, m.closeFiles())
	return errors.Join(errs...)
}

// Abandon closes the log the way a killed process leaves it: frames still
// in the group-commit buffer are dropped and nothing is synced. Only what
// Flush made durable, or what the OS already holds, survives.
func (m *Manager) Abandon() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.pending = nil
	m.closed = true
	return m.closeFiles()
}

func (m *Manager) closeFiles() error {
	var errs []error
	for _, seg := range m.segments {
		if err := seg.f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
