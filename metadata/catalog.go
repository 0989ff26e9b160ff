package metadata

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ariesdb/file"
)

var (
	ErrExists      = errors.New("metadata: index exists")
	ErrNotFound    = errors.New("metadata: no such index")
	ErrInvalidName = errors.New("metadata: invalid index name")
	ErrEnvMismatch = errors.New("metadata: data file belongs to another environment")
)

// FileSuffix ends the name of every index data file.
const FileSuffix = ".db"

const maxName = 64

// Entry describes one index data file.
type Entry struct {
	ID       uint32
	Name     string
	File     string
	PageSize int
}

// Catalog maps index names to file ids. It has no file of its own: it is
// rebuilt from the headers of the data files in the environment directory.
type Catalog struct {
	mu     sync.RWMutex
	dir    string
	env    uuid.UUID
	byName map[string]Entry
	byID   map[uint32]Entry
	nextID uint32
	log    logrus.FieldLogger
}

// OpenCatalog reads the header of every data file in dir. Files left empty
// by an index creation that never finished are removed.
func OpenCatalog(dir string, env uuid.UUID, pageSize int, log logrus.FieldLogger) (*Catalog, error) {
	c := &Catalog{
		dir:    dir,
		env:    env,
		byName: make(map[string]Entry),
		byID:   make(map[uint32]Entry),
		nextID: 1,
		log:    log,
	}

	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	for _, de := range dirents {
		if de.IsDir() || !strings.HasSuffix(de.Name(), FileSuffix) {
			continue
		}
		path := filepath.Join(dir, de.Name())
		h, err := file.ReadHeader(path)
		if errors.Is(err, file.ErrShortRead) {
			log.WithField("file", de.Name()).Warn("removing incomplete data file")
			if err := os.Remove(path); err != nil {
				return nil, fmt.Errorf("catalog: %w", err)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("catalog: %s: %w", de.Name(), err)
		}

		name := strings.TrimSuffix(de.Name(), FileSuffix)
		switch {
		case h.Name != name:
			return nil, fmt.Errorf("catalog: %s: %w: header names index %q", de.Name(), file.ErrCorruption, h.Name)
		case int(h.PageSize) != pageSize:
			return nil, fmt.Errorf("catalog: %s has page size %d, environment uses %d", de.Name(), h.PageSize, pageSize)
		case env != uuid.Nil && h.EnvID != env:
			return nil, fmt.Errorf("%w: %s belongs to %s", ErrEnvMismatch, de.Name(), h.EnvID)
		}
		if other, ok := c.byID[h.FileID]; ok {
			return nil, fmt.Errorf("catalog: %w: %s and %s share file id %d", file.ErrCorruption, other.File, de.Name(), h.FileID)
		}

		e := Entry{ID: h.FileID, Name: name, File: de.Name(), PageSize: int(h.PageSize)}
		c.byName[name] = e
		c.byID[e.ID] = e
		c.nextID = max(c.nextID, e.ID+1)
	}
	log.WithField("indexes", len(c.byName)).Debug("catalog loaded")
	return c, nil
}

func validName(name string) bool {
	if name == "" || len(name) > maxName {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// Reserve assigns a file id to a new index.
func (c *Catalog) Reserve(name string) (Entry, error) {
	if !validName(name) {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byName[name]; ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrExists, name)
	}
	e := Entry{ID: c.nextID, Name: name, File: name + FileSuffix}
	c.nextID++
	c.byName[name] = e
	c.byID[e.ID] = e
	return e, nil
}

// Release forgets a reserved index whose creation failed. The id is not
// reused.
func (c *Catalog) Release(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byName[name]; ok {
		delete(c.byName, name)
		delete(c.byID, e.ID)
	}
}

func (c *Catalog) Lookup(name string) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byName[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return e, nil
}

func (c *Catalog) ByID(id uint32) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[id]
	return e, ok
}

// Entries lists every index by file id.
func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := make([]Entry, 0, len(c.byID))
	for _, e := range c.byID {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}
