package file

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

const maxInterruptRetries = 8

type dataFile struct {
	mu   sync.Mutex // serializes extension of the file
	name string
	f    *os.File
}

type Manager struct {
	mu        sync.RWMutex
	directory string
	pageSize  int
	files     map[uint32]*dataFile
	closed    bool
	log       logrus.FieldLogger

	reads  atomic.Uint64
	writes atomic.Uint64
	syncs  atomic.Uint64
	fills  atomic.Uint64
}

// NewManager creates a new file manager for a given environment directory.
// It creates the directory if it does not already exist.
// It also removes any temporary files that may have been leftover from
// previous sessions.
func NewManager(directory string, pageSize int, log logrus.FieldLogger) (*Manager, error) {
	// Create the directory if the environment is new.
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, classify(err)
	}

	// Remove any leftover temporary files.
	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil, classify(err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".tmp") {
			if err := os.Remove(filepath.Join(directory, entry.Name())); err != nil {
				return nil, classify(err)
			}
		}
	}

	return &Manager{
		directory: directory,
		pageSize:  pageSize,
		files:     make(map[uint32]*dataFile),
		log:       log,
	}, nil
}

func (m *Manager) PageSize() int {
	return m.pageSize
}

func (m *Manager) Directory() string {
	return m.directory
}

// Register opens (creating if necessary) the named file and binds it to id.
func (m *Manager) Register(id uint32, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if df, ok := m.files[id]; ok {
		if df.name != name {
			return fmt.Errorf("file id %d already bound to %q", id, df.name)
		}
		return nil
	}

	f, err := os.OpenFile(filepath.Join(m.directory, name), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return classify(err)
	}
	m.files[id] = &dataFile{name: name, f: f}
	m.log.WithFields(logrus.Fields{"file": id, "name": name}).Debug("registered data file")
	return nil
}

// Remove closes the file bound to id and deletes it from the directory.
func (m *Manager) Remove(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	df, ok := m.files[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownFile, id)
	}
	delete(m.files, id)
	df.f.Close()
	if err := os.Remove(filepath.Join(m.directory, df.name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return classify(err)
	}
	m.log.WithFields(logrus.Fields{"file": id, "name": df.name}).Debug("removed data file")
	return nil
}

// Name returns the file name bound to id.
func (m *Manager) Name(id uint32) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	df, ok := m.files[id]
	if !ok {
		return "", false
	}
	return df.name, true
}

func (m *Manager) get(id uint32) (*dataFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	df, ok := m.files[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFile, id)
	}
	return df, nil
}

// Read reads the contents of a disk block into a page and verifies its
// checksum. Interrupted reads are retried.
// It is safe for concurrent use.
func (m *Manager) Read(blk BlockID, page *Page) error {
	df, err := m.get(blk.FileID)
	if err != nil {
		return err
	}

	off := int64(blk.Number) * int64(m.pageSize)
	for attempt := 0; ; attempt++ {
		n, err := df.f.ReadAt(page.Buf(), off)
		if err == nil || (errors.Is(err, io.EOF) && n == len(page.Buf())) {
			break
		}
		cerr := classify(err)
		if errors.Is(cerr, ErrInterrupted) && attempt < maxInterruptRetries {
			continue
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: block %s (%d of %d bytes)", ErrShortRead, blk, n, len(page.Buf()))
		}
		return cerr
	}
	m.reads.Add(1)

	if !page.Verify() {
		return fmt.Errorf("%w: checksum mismatch on block %s", ErrCorruption, blk)
	}
	return nil
}

// Write seals the page checksum and writes the page to a disk block. If the
// write would leave a hole past the end of the file, the hole is zero-filled
// and synced first.
// It is safe for concurrent use.
func (m *Manager) Write(blk BlockID, page *Page) error {
	df, err := m.get(blk.FileID)
	if err != nil {
		return err
	}

	size, err := m.size(df)
	if err != nil {
		return err
	}
	if blk.Number > size {
		if err := m.zeroFill(df, blk.FileID, blk.Number-1); err != nil {
			return err
		}
	}

	page.Seal()
	off := int64(blk.Number) * int64(m.pageSize)
	for attempt := 0; ; attempt++ {
		_, err := df.f.WriteAt(page.Buf(), off)
		if err == nil {
			break
		}
		cerr := classify(err)
		if errors.Is(cerr, ErrInterrupted) && attempt < maxInterruptRetries {
			continue
		}
		return cerr
	}
	m.writes.Add(1)
	return nil
}

// ZeroFillTo makes sure that pages up to and including pageNo exist on disk.
// Missing pages are written as zeroes and the file is synced before
// returning, so that a crash never exposes uninitialized bytes in a region
// that later log records refer to.
func (m *Manager) ZeroFillTo(id uint32, pageNo uint32) error {
	df, err := m.get(id)
	if err != nil {
		return err
	}
	return m.zeroFill(df, id, pageNo)
}

func (m *Manager) zeroFill(df *dataFile, id uint32, pageNo uint32) error {
	df.mu.Lock()
	defer df.mu.Unlock()

	size, err := m.size(df)
	if err != nil {
		return err
	}
	if pageNo < size {
		return nil
	}

	zero := make([]byte, m.pageSize)
	for n := size; n <= pageNo; n++ {
		if _, err := df.f.WriteAt(zero, int64(n)*int64(m.pageSize)); err != nil {
			return classify(err)
		}
	}
	if err := fdatasync(df.f); err != nil {
		return classify(err)
	}
	m.syncs.Add(1)
	m.fills.Add(uint64(pageNo - size + 1))
	m.log.WithFields(logrus.Fields{"file": id, "from": size, "to": pageNo}).Trace("zero-filled extent")
	return nil
}

// Sync is the durability barrier for one data file.
func (m *Manager) Sync(id uint32) error {
	df, err := m.get(id)
	if err != nil {
		return err
	}
	if err := fdatasync(df.f); err != nil {
		return classify(err)
	}
	m.syncs.Add(1)
	return nil
}

// SyncAll syncs every registered file.
func (m *Manager) SyncAll() error {
	m.mu.RLock()
	ids := make([]uint32, 0, len(m.files))
	for id := range m.files {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Sync(id); err != nil {
			return err
		}
	}
	return nil
}

// Size returns the number of pages in the specified file.
func (m *Manager) Size(id uint32) (uint32, error) {
	df, err := m.get(id)
	if err != nil {
		return 0, err
	}
	return m.size(df)
}

func (m *Manager) size(df *dataFile) (uint32, error) {
	info, err := df.f.Stat()
	if err != nil {
		return 0, classify(err)
	}
	return uint32(info.Size() / int64(m.pageSize)), nil
}

// Stats are cumulative I/O counters.
type Stats struct {
	Reads       uint64
	Writes      uint64
	Syncs       uint64
	ZeroFilled  uint64
	OpenedFiles int
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	n := len(m.files)
	m.mu.RUnlock()
	return Stats{
		Reads:       m.reads.Load(),
		Writes:      m.writes.Load(),
		Syncs:       m.syncs.Load(),
		ZeroFilled:  m.fills.Load(),
		OpenedFiles: n,
	}
}

// Close closes every open file. Data that was not synced may be lost.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	for _, df := range m.files {
		if err := df.f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
