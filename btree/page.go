// Package btree implements the disk-resident B+-tree index: fixed-size
// slot-array leaf and internal pages, latch-coupled descents through
// the buffer pool, and a forward iterator over leaf chains.
//
// Keys are fixed-width byte strings (width set once, at tree creation)
// compared lexicographically, so a caller wanting integer keys encodes
// them big-endian before calling Insert/GetValue/Remove — that keeps
// the on-disk slot layout a uniform fixed stride regardless of what
// the key actually represents, matching
// b_plus_tree_{leaf,internal}_page.h's fixed key/value/child arrays
// far more closely than the teacher's length-prefixed tuple format.
package btree

import (
	"bytes"
	"encoding/binary"
)

// RID identifies a tuple's location: the page holding it and its slot
// within that page. The tree never interprets RID beyond storing and
// returning it.
type RID struct {
	PageID int32
	Slot   uint16
}

const invalidPageID = int32(-1)
const ridSize = 8 // PageID int32 + Slot uint16 + 2 reserved bytes

func encodeRID(buf []byte, v RID) {
	binary.LittleEndian.PutUint32(buf, uint32(v.PageID))
	binary.LittleEndian.PutUint16(buf[4:], v.Slot)
}

func decodeRID(buf []byte) RID {
	return RID{
		PageID: int32(binary.LittleEndian.Uint32(buf)),
		Slot:   binary.LittleEndian.Uint16(buf[4:]),
	}
}

type pageType uint8

const (
	typeInvalid pageType = iota
	typeLeaf
	typeInternal
)

// Common header shared by leaf and internal pages, mirroring
// BPlusTreePage's three fields (type, size, max_size) in the original.
const (
	offPageType      = 0
	offSize          = 4
	offMaxSize       = 8
	commonHeaderSize = 12
)

func rawPageType(buf []byte) pageType       { return pageType(buf[offPageType]) }
func setRawPageType(buf []byte, t pageType) { buf[offPageType] = byte(t) }
func rawSize(buf []byte) int32              { return int32(binary.LittleEndian.Uint32(buf[offSize:])) }
func setRawSize(buf []byte, n int32)        { binary.LittleEndian.PutUint32(buf[offSize:], uint32(n)) }
func rawMaxSize(buf []byte) int32           { return int32(binary.LittleEndian.Uint32(buf[offMaxSize:])) }
func setRawMaxSize(buf []byte, n int32)     { binary.LittleEndian.PutUint32(buf[offMaxSize:], uint32(n)) }

// Leaf header fields follow the common header: next-page-id for the
// leaf chain, and a tombstone count that stays at zero. The tombstone
// slot array itself is reserved disk layout that nothing sets yet (see
// Open Question ii in DESIGN.md): a future soft-delete scheme can use
// it without a page-format migration.
const (
	offLeafNext       = commonHeaderSize
	offLeafTombstones = commonHeaderSize + 4
	leafHeaderSize    = 8 // next (4) + tombstone count (4)
	tombstoneSlotSize = 4
)

// leaf wraps a page buffer; keySize and tombstones are constant per
// tree and needed to compute slot offsets.
type leaf struct {
	buf        []byte
	keySize    int
	tombstones int
}

func (l leaf) slotSize() int { return l.keySize + ridSize }
func (l leaf) slotBase() int { return commonHeaderSize + leafHeaderSize + l.tombstones*tombstoneSlotSize }

func (l leaf) size() int32    { return rawSize(l.buf) }
func (l leaf) maxSize() int32 { return rawMaxSize(l.buf) }
func (l leaf) nextPageID() int32 {
	return int32(binary.LittleEndian.Uint32(l.buf[offLeafNext:]))
}
func (l leaf) setNextPageID(id int32) {
	binary.LittleEndian.PutUint32(l.buf[offLeafNext:], uint32(id))
}

func (l leaf) init(maxSize int32) {
	setRawPageType(l.buf, typeLeaf)
	setRawSize(l.buf, 0)
	setRawMaxSize(l.buf, maxSize)
	l.setNextPageID(invalidPageID)
	binary.LittleEndian.PutUint32(l.buf[offLeafTombstones:], 0)
}

func (l leaf) slotOffset(i int) int { return l.slotBase() + i*l.slotSize() }

func (l leaf) keyAt(i int) []byte {
	off := l.slotOffset(i)
	return l.buf[off : off+l.keySize]
}

func (l leaf) valueAt(i int) RID {
	off := l.slotOffset(i) + l.keySize
	return decodeRID(l.buf[off:])
}

func (l leaf) setAt(i int, key []byte, v RID) {
	off := l.slotOffset(i)
	copy(l.buf[off:off+l.keySize], key)
	encodeRID(l.buf[off+l.keySize:], v)
}

// insertAt shifts slots [i, size) right by one and writes key/v at i.
// Caller must have already verified there is room.
func (l leaf) insertAt(i int, key []byte, v RID) {
	n := int(l.size())
	for j := n; j > i; j-- {
		l.setAt(j, l.keyAt(j-1), l.valueAt(j-1))
	}
	l.setAt(i, key, v)
	setRawSize(l.buf, int32(n+1))
}

// removeAt shifts slots (i, size) left by one, dropping slot i.
func (l leaf) removeAt(i int) {
	n := int(l.size())
	for j := i; j < n-1; j++ {
		l.setAt(j, l.keyAt(j+1), l.valueAt(j+1))
	}
	setRawSize(l.buf, int32(n-1))
}

// findKey returns the slot index of key and true if present, else the
// insertion point and false.
func (l leaf) findKey(key []byte) (int, bool) {
	n := int(l.size())
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(l.keyAt(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < n && bytes.Equal(l.keyAt(lo), key) {
		return lo, true
	}
	return lo, false
}

// internalNode wraps a page buffer holding separator keys and child
// page-ids. Slot 0's key is never read; it exists only so keys and
// children share a uniform slot index (key[i] separates child[i-1]
// from child[i]), matching BusTub's internal page layout.
type internalNode struct {
	buf     []byte
	keySize int
}

func (n internalNode) slotSize() int { return n.keySize + 4 }

func (n internalNode) size() int32    { return rawSize(n.buf) }
func (n internalNode) maxSize() int32 { return rawMaxSize(n.buf) }

func (n internalNode) init(maxSize int32) {
	setRawPageType(n.buf, typeInternal)
	setRawSize(n.buf, 0)
	setRawMaxSize(n.buf, maxSize)
}

func (n internalNode) slotOffset(i int) int { return commonHeaderSize + i*n.slotSize() }

func (n internalNode) keyAt(i int) []byte {
	off := n.slotOffset(i)
	return n.buf[off : off+n.keySize]
}

func (n internalNode) childAt(i int) int32 {
	return int32(binary.LittleEndian.Uint32(n.buf[n.slotOffset(i)+n.keySize:]))
}

func (n internalNode) setKeyAt(i int, key []byte) {
	copy(n.buf[n.slotOffset(i):n.slotOffset(i)+n.keySize], key)
}

func (n internalNode) setChildAt(i int, child int32) {
	binary.LittleEndian.PutUint32(n.buf[n.slotOffset(i)+n.keySize:], uint32(child))
}

// lookup returns the index of the child to follow for key: the last
// slot whose key is <= key, or 0 if key is smaller than every
// separator.
func (n internalNode) lookup(key []byte) int {
	count := int(n.size())
	lo, hi := 1, count
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(n.keyAt(mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

// setFirst establishes the initial two-child shape of a new root:
// child[0], separator key[1], child[1].
func (n internalNode) setFirst(left int32, key []byte, right int32) {
	n.setChildAt(0, left)
	n.setKeyAt(1, key)
	n.setChildAt(1, right)
	setRawSize(n.buf, 2)
}

// insertAt inserts (key, child) at slot i, shifting slots [i, size)
// right by one.
func (n internalNode) insertAt(i int, key []byte, child int32) {
	count := int(n.size())
	for j := count; j > i; j-- {
		n.setKeyAt(j, n.keyAt(j-1))
		n.setChildAt(j, n.childAt(j-1))
	}
	n.setKeyAt(i, key)
	n.setChildAt(i, child)
	setRawSize(n.buf, int32(count+1))
}

func (n internalNode) removeAt(i int) {
	count := int(n.size())
	for j := i; j < count-1; j++ {
		n.setKeyAt(j, n.keyAt(j+1))
		n.setChildAt(j, n.childAt(j+1))
	}
	setRawSize(n.buf, int32(count-1))
}

func (n internalNode) indexOfChild(pageID int32) int {
	for i := 0; i < int(n.size()); i++ {
		if n.childAt(i) == pageID {
			return i
		}
	}
	return -1
}

// Header page layout: just the tree's current root page-id, or
// invalidPageID if the tree is empty. Mirrors BusTub's BPlusTreeHeaderPage.
const offRootPageID = 0

func headerRootPageID(buf []byte) int32 {
	return int32(binary.LittleEndian.Uint32(buf[offRootPageID:]))
}

func setHeaderRootPageID(buf []byte, id int32) {
	binary.LittleEndian.PutUint32(buf[offRootPageID:], uint32(id))
}
