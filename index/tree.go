package index

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ariesdb/buffer"
	"ariesdb/file"
	"ariesdb/log"
	"ariesdb/transaction"
)

var (
	ErrKeyExists         = errors.New("index: key exists")
	ErrNotFound          = errors.New("index: key not found")
	ErrKeyTooLarge       = errors.New("index: key too large")
	ErrCursorClosed      = errors.New("index: cursor closed")
	ErrUnknownComparator = errors.New("index: unknown comparator")
	ErrCorruption        = errors.New("index: corruption detected")
	ErrInvalidUsage      = errors.New("index: invalid usage")
)

// PutMode selects what Put does when the key is already present.
type PutMode uint8

const (
	// NoOverwrite fails with ErrKeyExists.
	NoOverwrite PutMode = iota
	// Overwrite replaces the value.
	Overwrite
	// InsertOnly keeps the existing value and reports success.
	InsertOnly
)

// Pool is the buffer pool the tree pins its pages through.
type Pool interface {
	Pin(ctx context.Context, blk file.BlockID, intent buffer.Intent) (*buffer.Handle, error)
	Unpin(h *buffer.Handle, flag buffer.UnpinFlag) error
}

// Log receives the structure changes, which belong to no transaction.
type Log interface {
	Append(rec *log.Record) (uint64, error)
}

// Files is the direct file access needed to create an index and to grow
// its file.
type Files interface {
	Write(blk file.BlockID, page *file.Page) error
	Sync(id uint32) error
	ZeroFillTo(id uint32, pageNo uint32) error
}

type Config struct {
	FileID   uint32
	Name     string
	PageSize int
	Order    binary.ByteOrder
	EnvID    uuid.UUID
	Pool     Pool
	Log      Log
	Files    Files
	Registry *Registry
	Cache    *ValueCache
	Logger   logrus.FieldLogger
}

// pendingDesc is a descriptor change not yet committed. Only the
// transaction family that made it sees it.
type pendingDesc struct {
	top  *transaction.Transaction
	desc *Descriptor
}

// Tree is a B+tree stored in one data file: page 0 is the file header, page
// 1 the meta page, everything else tree, overflow or free pages.
//
// Ordinary operations hold the structure latch shared and couple page
// latches from the root down. Splits, merges and rebuilds hold it
// exclusively. Within the shared mode the meta page latch is always taken
// last.
type Tree struct {
	cfg      Config
	id       uint32
	capacity int
	maxKey   int
	inline   int
	log      logrus.FieldLogger

	smo sync.RWMutex

	root      atomic.Uint32
	height    atomic.Uint32
	highWater atomic.Uint32
	nKeys     atomic.Int64
	dataSize  atomic.Int64
	gen       atomic.Uint64

	desc    atomic.Pointer[Descriptor]
	pendMu  sync.Mutex
	pending *pendingDesc

	splits   atomic.Uint64
	merges   atomic.Uint64
	rebuilds atomic.Uint64
}

// Create writes the initial pages of a new index file: header, meta page
// and an empty root leaf. The file must already be registered with the
// file manager. The pages are synced before Create returns, so the index
// exists independently of the log.
func Create(ctx context.Context, cfg Config, desc *Descriptor) (*Tree, error) {
	p := file.NewPage(cfg.PageSize, cfg.Order)
	hdr := &file.Header{
		PageSize: uint32(cfg.PageSize),
		Major:    file.VersionMajor,
		Minor:    file.VersionMinor,
		Patch:    file.VersionPatch,
		Order:    cfg.Order,
		FileID:   cfg.FileID,
		EnvID:    cfg.EnvID,
		Name:     cfg.Name,
	}
	if err := hdr.Encode(p); err != nil {
		return nil, err
	}
	if err := cfg.Files.Write(file.NewBlockID(cfg.FileID, headerPage), p); err != nil {
		return nil, err
	}

	m := &meta{root: initialRoot, height: 1, highWater: initialPages, desc: *desc.state()}
	p.Format(file.PageMeta)
	if err := m.encode(p); err != nil {
		return nil, err
	}
	if err := cfg.Files.Write(file.NewBlockID(cfg.FileID, metaPage), p); err != nil {
		return nil, err
	}

	if err := newLeaf().encode(p); err != nil {
		return nil, err
	}
	if err := cfg.Files.Write(file.NewBlockID(cfg.FileID, initialRoot), p); err != nil {
		return nil, err
	}
	if err := cfg.Files.ZeroFillTo(cfg.FileID, extentPages-1); err != nil {
		return nil, err
	}
	if err := cfg.Files.Sync(cfg.FileID); err != nil {
		return nil, err
	}
	return Open(ctx, cfg)
}

// Open loads the meta page of an existing index.
func Open(ctx context.Context, cfg Config) (*Tree, error) {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	c := capacity(cfg.PageSize)
	t := &Tree{
		cfg:      cfg,
		id:       cfg.FileID,
		capacity: c,
		maxKey:   c / 16,
		inline:   c/4 - 16,
		log:      cfg.Logger.WithFields(logrus.Fields{"file": cfg.FileID, "index": cfg.Name}),
	}

	h, err := t.pin(ctx, metaPage, buffer.Read)
	if err != nil {
		return nil, err
	}
	m, err := decodeMeta(h.Page())
	t.unpin(h, buffer.Clean)
	if err != nil {
		return nil, err
	}
	d, err := cfg.Registry.resolve(&m.desc)
	if err != nil {
		return nil, err
	}
	t.desc.Store(d)
	t.setMeta(m)
	return t, nil
}

func (t *Tree) FileID() uint32 {
	return t.id
}

func (t *Tree) Name() string {
	return t.cfg.Name
}

// Descriptor returns the committed descriptor.
func (t *Tree) Descriptor() *Descriptor {
	return t.desc.Load()
}

// MaxKeySize is the largest key the index accepts.
func (t *Tree) MaxKeySize() int {
	return t.maxKey
}

func (t *Tree) setMeta(m *meta) {
	t.root.Store(m.root)
	t.height.Store(m.height)
	t.highWater.Store(m.highWater)
	t.nKeys.Store(m.nKeys)
	t.dataSize.Store(m.dataSize)
}

// descFor returns the descriptor an operation of tx works with: the
// uncommitted one if tx's family changed it, the published one otherwise.
func (t *Tree) descFor(tx *transaction.Transaction) *Descriptor {
	t.pendMu.Lock()
	defer t.pendMu.Unlock()
	if t.pending != nil && tx != nil && t.pending.top == tx.Top() {
		return t.pending.desc
	}
	return t.desc.Load()
}

func (t *Tree) lockName() string {
	return fmt.Sprintf("idx:%d", t.id)
}

func (t *Tree) keyLock(key []byte) string {
	return fmt.Sprintf("key:%d:%x", t.id, key)
}

func (t *Tree) blk(pageNo uint32) file.BlockID {
	return file.NewBlockID(t.id, pageNo)
}

func (t *Tree) pin(ctx context.Context, pageNo uint32, intent buffer.Intent) (*buffer.Handle, error) {
	return t.cfg.Pool.Pin(ctx, t.blk(pageNo), intent)
}

func (t *Tree) unpin(h *buffer.Handle, flag buffer.UnpinFlag) {
	if err := t.cfg.Pool.Unpin(h, flag); err != nil {
		t.log.WithError(err).WithField("page", h.Block().Number).Error("unpin failed")
	}
}

// invariant aborts on a broken internal invariant, naming the record and
// page involved.
func (t *Tree) invariant(err error, lsn uint64, pageNo uint32) {
	panic(fmt.Sprintf("index %s: lsn %d page %d:%d: %v", t.cfg.Name, lsn, t.id, pageNo, err))
}

// Stats are the index statistics. Keys and DataSize are kept in the meta
// page and always match a full scan once all operations are finished.
type Stats struct {
	Keys              int64
	DataSize          int64
	Height            uint32
	Pages             uint32
	DescriptorVersion uint64
	Splits            uint64
	Merges            uint64
	Rebuilds          uint64
}

func (t *Tree) Stats() Stats {
	return Stats{
		Keys:              t.nKeys.Load(),
		DataSize:          t.dataSize.Load(),
		Height:            t.height.Load(),
		Pages:             t.highWater.Load(),
		DescriptorVersion: t.desc.Load().Version,
		Splits:            t.splits.Load(),
		Merges:            t.merges.Load(),
		Rebuilds:          t.rebuilds.Load(),
	}
}
