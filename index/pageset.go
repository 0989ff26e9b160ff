package index

import (
	"context"
	"fmt"
	"slices"

	"ariesdb/buffer"
	"ariesdb/file"
	"ariesdb/log"
)

// pageSet gathers the pages of one structure change. Every page is pinned
// for writing before the change is logged, so the dirty page table covers
// the record; the change is then logged as after-images and all pages are
// stamped with the record's LSN.
type pageSet struct {
	t       *Tree
	ctx     context.Context
	handles map[uint32]*buffer.Handle
	nodes   map[uint32]*node
	writes  map[uint32]func(p *file.Page) error
	freed   map[uint32]uint32 // pages freed by this change, to their free list successor
	meta    *meta
	metaH   *buffer.Handle
	oldRoot uint32
	done    bool
}

func (t *Tree) newPageSet(ctx context.Context) *pageSet {
	return &pageSet{
		t:       t,
		ctx:     ctx,
		handles: make(map[uint32]*buffer.Handle),
		nodes:   make(map[uint32]*node),
		writes:  make(map[uint32]func(p *file.Page) error),
		freed:   make(map[uint32]uint32),
	}
}

func (s *pageSet) pinPage(pageNo uint32) (*buffer.Handle, error) {
	if pageNo == metaPage || pageNo == headerPage {
		return nil, fmt.Errorf("%w: page %d is not a data page", ErrCorruption, pageNo)
	}
	if h, ok := s.handles[pageNo]; ok {
		return h, nil
	}
	h, err := s.t.pin(s.ctx, pageNo, buffer.Write)
	if err != nil {
		return nil, err
	}
	s.handles[pageNo] = h
	return h, nil
}

// node returns the decoded tree page, pinning it on first use.
func (s *pageSet) node(pageNo uint32) (*node, error) {
	if n, ok := s.nodes[pageNo]; ok {
		return n, nil
	}
	h, err := s.pinPage(pageNo)
	if err != nil {
		return nil, err
	}
	n, err := decodeNode(h.Page())
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", pageNo, err)
	}
	s.nodes[pageNo] = n
	return n, nil
}

// put marks a tree page as changed.
func (s *pageSet) put(pageNo uint32, n *node) {
	s.nodes[pageNo] = n
	s.writes[pageNo] = n.encode
}

func (s *pageSet) loadMeta() (*meta, error) {
	if s.meta != nil {
		return s.meta, nil
	}
	h, err := s.t.pin(s.ctx, metaPage, buffer.Write)
	if err != nil {
		return nil, err
	}
	m, err := decodeMeta(h.Page())
	if err != nil {
		s.t.unpin(h, buffer.Clean)
		return nil, err
	}
	s.metaH = h
	s.meta = m
	return m, nil
}

// alloc takes a page from the free list, or from the end of the file,
// growing the file by a zero-filled extent first if needed.
func (s *pageSet) alloc() (uint32, error) {
	m, err := s.loadMeta()
	if err != nil {
		return 0, err
	}
	if next, ok := s.freed[m.freeHead]; ok {
		pageNo := m.freeHead
		m.freeHead = next
		delete(s.freed, pageNo)
		delete(s.writes, pageNo)
		return pageNo, nil
	}
	if m.freeHead != 0 {
		pageNo := m.freeHead
		h, err := s.pinPage(pageNo)
		if err != nil {
			return 0, err
		}
		if h.Page().Type() != file.PageFree {
			return 0, fmt.Errorf("%w: free list page %d is %s", ErrCorruption, pageNo, h.Page().Type())
		}
		m.freeHead = h.Page().Next()
		return pageNo, nil
	}

	pageNo := m.highWater
	if err := s.t.cfg.Files.ZeroFillTo(s.t.id, pageNo|(extentPages-1)); err != nil {
		return 0, err
	}
	m.highWater++
	if _, err := s.pinPage(pageNo); err != nil {
		return 0, err
	}
	return pageNo, nil
}

func (s *pageSet) allocNode(leaf bool, level uint8) (uint32, *node, error) {
	pageNo, err := s.alloc()
	if err != nil {
		return 0, nil, err
	}
	n := &node{leaf: leaf, level: level}
	s.put(pageNo, n)
	return pageNo, n, nil
}

// free pushes a page onto the free list.
func (s *pageSet) free(pageNo uint32) error {
	m, err := s.loadMeta()
	if err != nil {
		return err
	}
	if _, err := s.pinPage(pageNo); err != nil {
		return err
	}
	next := m.freeHead
	delete(s.nodes, pageNo)
	s.freed[pageNo] = next
	s.writes[pageNo] = func(p *file.Page) error {
		p.Format(file.PageFree)
		p.SetNext(next)
		return nil
	}
	m.freeHead = pageNo
	return nil
}

func (s *pageSet) empty() bool {
	return len(s.writes) == 0
}

// commit logs the change through appendFn and applies it. The record gets
// the images of every changed page and, if the meta page was touched, the
// new meta state.
func (s *pageSet) commit(rec *log.Record, appendFn func(*log.Record) (uint64, error)) (uint64, error) {
	defer s.release()

	t := s.t
	pages := make([]uint32, 0, len(s.writes))
	for pageNo := range s.writes {
		pages = append(pages, pageNo)
	}
	slices.Sort(pages)

	scratch := file.NewPage(t.cfg.PageSize, t.cfg.Order)
	rec.FileID = t.id
	rec.Images = make([]log.PageImage, 0, len(pages))
	for _, pageNo := range pages {
		if err := s.writes[pageNo](scratch); err != nil {
			return 0, fmt.Errorf("page %d: %w", pageNo, err)
		}
		rec.Images = append(rec.Images, log.PageImage{PageNo: pageNo, Data: append([]byte(nil), scratch.Buf()...)})
	}
	if s.meta != nil {
		rec.MetaState = s.meta.state()
		rec.MetaState.OldRoot = s.oldRoot
		if rec.Desc != nil {
			s.meta.desc = *rec.Desc
			rec.MetaState.DescVersion = rec.Desc.Version
		}
	}

	lsn, err := appendFn(rec)
	if err != nil {
		return 0, err
	}

	for _, img := range rec.Images {
		h := s.handles[img.PageNo]
		h.Page().CopyFrom(img.Data)
		if err := h.SetLSN(lsn); err != nil {
			t.invariant(err, lsn, img.PageNo)
		}
		t.cfg.Cache.del(t.blk(img.PageNo))
	}
	if s.meta != nil {
		if err := s.meta.encode(s.metaH.Page()); err != nil {
			t.invariant(err, lsn, metaPage)
		}
		if err := s.metaH.SetLSN(lsn); err != nil {
			t.invariant(err, lsn, metaPage)
		}
		t.setMeta(s.meta)
	}
	s.done = true
	t.gen.Add(1)
	return lsn, nil
}

// release unpins everything. After a successful commit the changed pages
// are dirty; otherwise nothing was modified.
func (s *pageSet) release() {
	flag := buffer.Clean
	if s.done {
		flag = buffer.Dirty
	}
	for pageNo, h := range s.handles {
		f := flag
		if _, changed := s.writes[pageNo]; !changed {
			f = buffer.Clean
		}
		s.t.unpin(h, f)
	}
	s.handles = nil
	if s.metaH != nil {
		s.t.unpin(s.metaH, flag)
		s.metaH = nil
	}
}
