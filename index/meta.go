package index

import (
	"fmt"

	"ariesdb/file"
	"ariesdb/log"
)

const (
	headerPage   uint32 = 0
	metaPage     uint32 = 1
	initialRoot  uint32 = 2
	initialPages uint32 = 3

	// Files grow in extents of this many pages.
	extentPages = 8
)

// Meta page layout after the common page header.
const (
	metaRoot      = file.PageHeaderSize
	metaHeight    = metaRoot + 4
	metaFreeHead  = metaHeight + 4
	metaHighWater = metaFreeHead + 4
	metaNKeys     = metaHighWater + 4
	metaDataSize  = metaNKeys + 8
	metaDescVer   = metaDataSize + 8
	metaCmpName   = metaDescVer + 8
)

// meta is the decoded index meta page: where the tree starts, how the file
// is allocated, the statistics and the descriptor.
type meta struct {
	root      uint32
	height    uint32
	freeHead  uint32
	highWater uint32
	nKeys     int64
	dataSize  int64
	desc      log.DescriptorState
}

func decodeMeta(p *file.Page) (*meta, error) {
	if p.Type() != file.PageMeta {
		return nil, fmt.Errorf("%w: page %d is %s, want meta", ErrCorruption, metaPage, p.Type())
	}
	order := p.Order()
	buf := p.Buf()
	m := &meta{
		root:      order.Uint32(buf[metaRoot:]),
		height:    order.Uint32(buf[metaHeight:]),
		freeHead:  order.Uint32(buf[metaFreeHead:]),
		highWater: order.Uint32(buf[metaHighWater:]),
		nKeys:     int64(order.Uint64(buf[metaNKeys:])),
		dataSize:  int64(order.Uint64(buf[metaDataSize:])),
	}
	m.desc.Version = order.Uint64(buf[metaDescVer:])
	name, err := p.ReadStringAt(metaCmpName)
	if err != nil {
		return nil, fmt.Errorf("%w: comparator name: %v", ErrCorruption, err)
	}
	schema, err := p.ReadBytesAt(metaCmpName + 4 + len(name))
	if err != nil {
		return nil, fmt.Errorf("%w: schema: %v", ErrCorruption, err)
	}
	m.desc.Comparator = name
	if len(schema) > 0 {
		m.desc.Schema = schema
	}
	return m, nil
}

// encode rewrites the meta page, keeping its LSN.
func (m *meta) encode(p *file.Page) error {
	lsn := p.LSN()
	p.Format(file.PageMeta)
	p.SetLSN(lsn)
	order := p.Order()
	buf := p.Buf()
	order.PutUint32(buf[metaRoot:], m.root)
	order.PutUint32(buf[metaHeight:], m.height)
	order.PutUint32(buf[metaFreeHead:], m.freeHead)
	order.PutUint32(buf[metaHighWater:], m.highWater)
	order.PutUint64(buf[metaNKeys:], uint64(m.nKeys))
	order.PutUint64(buf[metaDataSize:], uint64(m.dataSize))
	order.PutUint64(buf[metaDescVer:], m.desc.Version)
	if err := p.WriteStringAt(metaCmpName, m.desc.Comparator); err != nil {
		return fmt.Errorf("comparator name does not fit the meta page: %w", err)
	}
	if err := p.WriteBytesAt(metaCmpName+4+len(m.desc.Comparator), m.desc.Schema); err != nil {
		return fmt.Errorf("schema does not fit the meta page: %w", err)
	}
	return nil
}

func (m *meta) state() *log.MetaState {
	return &log.MetaState{
		Page:        metaPage,
		Root:        m.root,
		Height:      m.height,
		FreeHead:    m.freeHead,
		HighWater:   m.highWater,
		NKeys:       m.nKeys,
		DataSize:    m.dataSize,
		DescVersion: m.desc.Version,
	}
}

// apply copies the allocation and tree shape of s into m. Descriptor
// changes are applied separately.
func (m *meta) apply(s *log.MetaState) {
	m.root = s.Root
	m.height = s.Height
	m.freeHead = s.FreeHead
	m.highWater = s.HighWater
	m.nKeys = s.NKeys
	m.dataSize = s.DataSize
}
