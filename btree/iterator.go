package btree

import "fmt"

// Iterator walks a leaf chain in key order. It keeps only a page-id
// and a slot index as persistent state between calls, the same shape
// as index_iterator.cpp's leaf_page_id_/index_: Key, Value and Next
// each acquire a read guard on the current leaf for the duration of
// that one call and drop it before returning, rather than holding a
// guard across calls. A long-lived iterator therefore never blocks a
// concurrent writer on its leaf except during the call itself. There
// is no separate "end" sentinel value to compare against (as the
// original's end() iterator is); Valid reports the same thing a
// comparison against end() would.
type Iterator struct {
	tree   *Tree
	pageID int32
	slot   int
	done   bool
}

// Begin returns an iterator positioned at the smallest key in the
// tree, or an exhausted iterator if the tree is empty.
func (t *Tree) Begin() (*Iterator, error) {
	root, ok := t.RootPageID()
	if !ok {
		return &Iterator{done: true}, nil
	}
	g, err := t.pool.ReadPage(root)
	if err != nil {
		return nil, err
	}
	for rawPageType(g.Data()) == typeInternal {
		n := t.newInternal(g.Data())
		childID := n.childAt(0)
		childGuard, err := t.pool.ReadPage(childID)
		g.Drop()
		if err != nil {
			return nil, err
		}
		g = childGuard
	}
	pageID := g.PageID()
	g.Drop()

	it := &Iterator{tree: t, pageID: pageID, slot: 0}
	it.skipPastLeafEnd()
	return it, nil
}

// BeginAt returns an iterator positioned at the first key >= key.
func (t *Tree) BeginAt(key []byte) (*Iterator, error) {
	root, ok := t.RootPageID()
	if !ok {
		return &Iterator{done: true}, nil
	}
	g, err := t.pool.ReadPage(root)
	if err != nil {
		return nil, err
	}
	for rawPageType(g.Data()) == typeInternal {
		n := t.newInternal(g.Data())
		childID := n.childAt(n.lookup(key))
		childGuard, err := t.pool.ReadPage(childID)
		g.Drop()
		if err != nil {
			return nil, err
		}
		g = childGuard
	}
	lf := t.newLeaf(g.Data())
	idx, _ := lf.findKey(key)
	pageID := g.PageID()
	g.Drop()

	it := &Iterator{tree: t, pageID: pageID, slot: idx}
	it.skipPastLeafEnd()
	return it, nil
}

// skipPastLeafEnd advances to the next leaf, as many times as needed,
// whenever slot has walked off the end of the leaf it names. Each
// step acquires and drops its own read guard.
func (it *Iterator) skipPastLeafEnd() {
	if it.done {
		return
	}
	for {
		g, err := it.tree.pool.ReadPage(it.pageID)
		if err != nil {
			it.done = true
			return
		}
		lf := it.tree.newLeaf(g.Data())
		if it.slot < int(lf.size()) {
			g.Drop()
			return
		}
		next := lf.nextPageID()
		g.Drop()
		if next == invalidPageID {
			it.done = true
			return
		}
		it.pageID = next
		it.slot = 0
	}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return !it.done }

// Key returns the key at the iterator's current position. Valid must
// be true.
func (it *Iterator) Key() []byte {
	g, err := it.tree.pool.ReadPage(it.pageID)
	if err != nil {
		return nil
	}
	defer g.Drop()
	lf := it.tree.newLeaf(g.Data())
	return append([]byte(nil), lf.keyAt(it.slot)...)
}

// Value returns the RID at the iterator's current position. Valid
// must be true.
func (it *Iterator) Value() RID {
	g, err := it.tree.pool.ReadPage(it.pageID)
	if err != nil {
		return RID{}
	}
	defer g.Drop()
	lf := it.tree.newLeaf(g.Data())
	return lf.valueAt(it.slot)
}

// Next advances the iterator by one entry.
func (it *Iterator) Next() error {
	if it.done {
		return fmt.Errorf("btree: Next called on exhausted iterator")
	}
	it.slot++
	it.skipPastLeafEnd()
	return nil
}

// Close marks the iterator exhausted. It holds no guard between
// calls, so there is nothing to release; Close exists so callers
// don't need to know that.
func (it *Iterator) Close() {
	it.done = true
}
