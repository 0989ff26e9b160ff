package index

import (
	"context"
	"fmt"

	"ariesdb/buffer"
	"ariesdb/file"
)

// VerifyReport is the result of a full scan of an index.
type VerifyReport struct {
	Keys          int64
	DataSize      int64
	Height        uint32
	Leaves        int
	Internal      int
	OverflowPages int
	FreePages     int
	// Unreachable counts allocated pages that are neither in the tree, an
	// overflow chain nor the free list. Overflow chains whose writer crashed
	// before linking them end up here.
	Unreachable int
	Problems    []string
}

type verifier struct {
	t      *Tree
	ctx    context.Context
	d      *Descriptor
	r      *VerifyReport
	leaves []uint32
	links  map[uint32][2]uint32
}

func (v *verifier) problem(format string, args ...any) {
	v.r.Problems = append(v.r.Problems, fmt.Sprintf(format, args...))
}

// Verify scans the whole index with every operation held off. It checks
// key order under the committed descriptor, separator bounds, levels,
// sibling links, overflow chains and the free list, and compares the key
// count and data size with the statistics on the meta page.
func (t *Tree) Verify(ctx context.Context) (*VerifyReport, error) {
	t.smo.Lock()
	defer t.smo.Unlock()

	h, err := t.pin(ctx, metaPage, buffer.Read)
	if err != nil {
		return nil, err
	}
	m, err := decodeMeta(h.Page())
	t.unpin(h, buffer.Clean)
	if err != nil {
		return nil, err
	}

	v := &verifier{
		t:     t,
		ctx:   ctx,
		d:     t.desc.Load(),
		r:     &VerifyReport{Height: m.height},
		links: make(map[uint32][2]uint32),
	}
	if err := v.node(m.root, int(m.height)-1, nil, nil); err != nil {
		return v.r, err
	}
	for i, pageNo := range v.leaves {
		var wantPrev, wantNext uint32
		if i > 0 {
			wantPrev = v.leaves[i-1]
		}
		if i+1 < len(v.leaves) {
			wantNext = v.leaves[i+1]
		}
		if l := v.links[pageNo]; l[0] != wantPrev || l[1] != wantNext {
			v.problem("leaf %d links to %d/%d, want %d/%d", pageNo, l[0], l[1], wantPrev, wantNext)
		}
	}

	seen := make(map[uint32]bool)
	for pageNo := m.freeHead; pageNo != 0; {
		if seen[pageNo] || pageNo >= m.highWater {
			v.problem("free list loops or leaves the file at page %d", pageNo)
			break
		}
		seen[pageNo] = true
		h, err := t.pin(ctx, pageNo, buffer.Read)
		if err != nil {
			return v.r, err
		}
		typ, next := h.Page().Type(), h.Page().Next()
		t.unpin(h, buffer.Clean)
		if typ != file.PageFree {
			v.problem("free list page %d is %s", pageNo, typ)
			break
		}
		v.r.FreePages++
		pageNo = next
	}

	used := v.r.Leaves + v.r.Internal + v.r.OverflowPages + v.r.FreePages + int(metaPage) + 1
	v.r.Unreachable = max(int(m.highWater)-used, 0)

	if v.r.Keys != m.nKeys || v.r.DataSize != m.dataSize {
		v.problem("scan found %d keys / %d bytes, meta page says %d / %d", v.r.Keys, v.r.DataSize, m.nKeys, m.dataSize)
	}
	if n := t.nKeys.Load(); n != m.nKeys {
		v.problem("in-memory key count %d differs from meta page %d", n, m.nKeys)
	}

	if len(v.r.Problems) > 0 {
		return v.r, fmt.Errorf("%w: index %s: %s (%d problems)", ErrCorruption, t.cfg.Name, v.r.Problems[0], len(v.r.Problems))
	}
	return v.r, nil
}

// node checks the subtree at pageNo, whose keys must lie in [lo, hi).
func (v *verifier) node(pageNo uint32, level int, lo, hi []byte) error {
	t := v.t
	h, err := t.pin(v.ctx, pageNo, buffer.Read)
	if err != nil {
		return err
	}
	n, err := decodeNode(h.Page())
	prev, next := h.Page().Prev(), h.Page().Next()
	t.unpin(h, buffer.Clean)
	if err != nil {
		v.problem("page %d: %v", pageNo, err)
		return nil
	}
	if int(n.level) != level {
		v.problem("page %d is at level %d, want %d", pageNo, n.level, level)
	}

	for i := range n.entries {
		k := n.entries[i].key
		if i > 0 && v.d.Compare(n.entries[i-1].key, k) >= 0 {
			v.problem("page %d: keys %d and %d out of order", pageNo, i-1, i)
		}
		if lo != nil && v.d.Compare(k, lo) < 0 || hi != nil && v.d.Compare(k, hi) >= 0 {
			v.problem("page %d: key %x outside its parent's range", pageNo, k)
		}
	}

	if n.leaf {
		v.r.Leaves++
		v.leaves = append(v.leaves, pageNo)
		v.links[pageNo] = [2]uint32{prev, next}
		for i := range n.entries {
			e := &n.entries[i]
			v.r.Keys++
			v.r.DataSize += e.dataSize()
			if e.ref != 0 {
				v.chain(pageNo, e)
			}
		}
		return nil
	}

	v.r.Internal++
	for i, child := range n.children() {
		clo, chi := lo, hi
		if i > 0 {
			clo = n.entries[i-1].key
		}
		if i < len(n.entries) {
			chi = n.entries[i].key
		}
		if err := v.node(child, level-1, clo, chi); err != nil {
			return err
		}
	}
	return nil
}

func (v *verifier) chain(leaf uint32, e *entry) {
	t := v.t
	total := 0
	for pageNo, steps := e.ref, 0; pageNo != 0; steps++ {
		if steps > int(e.vlen) {
			v.problem("leaf %d: overflow chain %d loops", leaf, e.ref)
			return
		}
		h, err := t.pin(v.ctx, pageNo, buffer.Read)
		if err != nil {
			v.problem("leaf %d: overflow page %d: %v", leaf, pageNo, err)
			return
		}
		p := h.Page()
		typ, used, next := p.Type(), int(p.Aux()), p.Next()
		t.unpin(h, buffer.Clean)
		if typ != file.PageOverflow {
			v.problem("leaf %d: overflow chain %d reaches %s page %d", leaf, e.ref, typ, pageNo)
			return
		}
		v.r.OverflowPages++
		total += used
		pageNo = next
	}
	if total != int(e.vlen) {
		v.problem("leaf %d: overflow chain %d holds %d bytes, want %d", leaf, e.ref, total, e.vlen)
	}
}
