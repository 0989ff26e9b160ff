package index

import (
	"bytes"
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"ariesdb/log"
)

var errNoSplit = errors.New("full leaf has fewer than two entries")

// path is the route from the root to a leaf: pages[i] is the node at depth
// i and slots[i] the child of pages[i] that the route follows.
type path struct {
	pages []uint32
	slots []int
}

func (s *pageSet) pathTo(d *Descriptor, key []byte) (*path, error) {
	m, err := s.loadMeta()
	if err != nil {
		return nil, err
	}
	p := &path{}
	pageNo := m.root
	for {
		n, err := s.node(pageNo)
		if err != nil {
			return nil, err
		}
		p.pages = append(p.pages, pageNo)
		if n.leaf {
			return p, nil
		}
		i := n.childIndex(d, key)
		p.slots = append(p.slots, i)
		pageNo = n.child(i)
	}
}

// splitNode moves the upper part of n into a new right sibling and returns
// the separator to insert into the parent. Leaves copy their first right key
// up; internal nodes push their middle key up.
func (s *pageSet) splitNode(pageNo uint32, n *node) ([]byte, uint32, error) {
	k := n.splitPoint(s.t.capacity)
	rightNo, right, err := s.allocNode(n.leaf, n.level)
	if err != nil {
		return nil, 0, err
	}

	var sep []byte
	if n.leaf {
		right.entries = append([]entry(nil), n.entries[k:]...)
		n.entries = n.entries[:k:k]
		sep = bytes.Clone(right.entries[0].key)

		right.prev = pageNo
		right.next = n.next
		if n.next != 0 {
			outer, err := s.node(n.next)
			if err != nil {
				return nil, 0, err
			}
			outer.prev = rightNo
			s.put(n.next, outer)
		}
		n.next = rightNo
	} else {
		mid := n.entries[k]
		sep = mid.key
		right.child0 = mid.child
		right.entries = append([]entry(nil), n.entries[k+1:]...)
		n.entries = n.entries[:k:k]
	}
	s.put(pageNo, n)
	s.put(rightNo, right)
	return sep, rightNo, nil
}

// splitFor splits the leaf that key belongs to, and its ancestors as far as
// the separators do not fit, as one logged change. The caller holds the
// structure latch exclusively.
func (t *Tree) splitFor(ctx context.Context, d *Descriptor, key []byte) error {
	s := t.newPageSet(ctx)
	defer s.release()

	p, err := s.pathTo(d, key)
	if err != nil {
		return err
	}
	depth := len(p.pages) - 1
	leafNo := p.pages[depth]
	n, err := s.node(leafNo)
	if err != nil {
		return err
	}
	if len(n.entries) < 2 {
		t.invariant(errNoSplit, 0, leafNo)
	}
	sep, rightNo, err := s.splitNode(leafNo, n)
	if err != nil {
		return err
	}

	for depth > 0 {
		depth--
		parentNo := p.pages[depth]
		parent, err := s.node(parentNo)
		if err != nil {
			return err
		}
		parent.insertAt(p.slots[depth], entry{key: sep, child: rightNo})
		s.put(parentNo, parent)
		if parent.size() <= t.capacity {
			sep = nil
			break
		}
		if sep, rightNo, err = s.splitNode(parentNo, parent); err != nil {
			return err
		}
	}

	if sep != nil {
		// The root itself was split: grow the tree by one level.
		oldRoot := p.pages[0]
		old, err := s.node(oldRoot)
		if err != nil {
			return err
		}
		rootNo, root, err := s.allocNode(false, old.level+1)
		if err != nil {
			return err
		}
		root.child0 = oldRoot
		root.entries = []entry{{key: sep, child: rightNo}}
		s.meta.root = rootNo
		s.meta.height++
		s.oldRoot = oldRoot
	}

	lsn, err := s.commit(&log.Record{Type: log.Split, PageNo: leafNo}, t.cfg.Log.Append)
	if err != nil {
		return err
	}
	t.splits.Add(1)
	t.log.WithFields(logrus.Fields{"lsn": lsn, "page": leafNo, "height": t.height.Load()}).Trace("split")
	return nil
}

// mergeAt merges the leaf that key belongs to with a sibling if it is
// underfull and the two fit in one page, then does the same for the
// ancestors. A root left with a single child is removed. The caller holds
// the structure latch exclusively.
func (t *Tree) mergeAt(ctx context.Context, d *Descriptor, key []byte) error {
	s := t.newPageSet(ctx)
	defer s.release()

	p, err := s.pathTo(d, key)
	if err != nil {
		return err
	}
	for depth := len(p.pages) - 1; depth > 0; depth-- {
		n, err := s.node(p.pages[depth])
		if err != nil {
			return err
		}
		if n.size() >= t.capacity/4 {
			break
		}
		merged, err := s.mergeChildren(p.pages[depth-1], p.slots[depth-1])
		if err != nil {
			return err
		}
		if !merged {
			break
		}
	}

	m := s.meta
	root, err := s.node(m.root)
	if err != nil {
		return err
	}
	if !root.leaf && len(root.entries) == 0 {
		old := m.root
		m.root = root.child0
		m.height--
		s.oldRoot = old
		if err := s.free(old); err != nil {
			return err
		}
	}

	if s.empty() {
		return nil
	}
	lsn, err := s.commit(&log.Record{Type: log.RevSplit, PageNo: p.pages[len(p.pages)-1]}, t.cfg.Log.Append)
	if err != nil {
		return err
	}
	t.merges.Add(1)
	t.log.WithFields(logrus.Fields{"lsn": lsn, "height": t.height.Load()}).Trace("merge")
	return nil
}

// mergeChildren merges child i of parentNo with its right neighbour, or with
// its left one if i is the last child. It reports false if the parent has a
// single child or the merged node would not fit.
func (s *pageSet) mergeChildren(parentNo uint32, i int) (bool, error) {
	parent, err := s.node(parentNo)
	if err != nil {
		return false, err
	}
	if len(parent.entries) == 0 {
		return false, nil
	}
	l := i
	if l == len(parent.entries) {
		l--
	}
	leftNo, rightNo := parent.child(l), parent.child(l+1)
	left, err := s.node(leftNo)
	if err != nil {
		return false, err
	}
	right, err := s.node(rightNo)
	if err != nil {
		return false, err
	}

	entries := append([]entry(nil), left.entries...)
	if !left.leaf {
		entries = append(entries, entry{key: parent.entries[l].key, child: right.child0})
	}
	entries = append(entries, right.entries...)
	merged := &node{leaf: left.leaf, level: left.level, prev: left.prev, next: right.next, child0: left.child0, entries: entries}
	if merged.size() > s.t.capacity {
		return false, nil
	}

	if left.leaf && right.next != 0 {
		outer, err := s.node(right.next)
		if err != nil {
			return false, err
		}
		outer.prev = leftNo
		s.put(right.next, outer)
	}
	parent.removeAt(l)
	s.put(parentNo, parent)
	s.put(leftNo, merged)
	return true, s.free(rightNo)
}
