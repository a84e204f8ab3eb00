// Package replacer implements the ARC (Adaptive Replacement Cache)
// eviction policy used by the buffer pool to pick a victim frame.
package replacer

import (
	"container/list"
	"fmt"
	"sync"
)

// AccessType distinguishes why a frame was touched. It does not change
// ARC's bookkeeping; callers may pass it through for instrumentation.
type AccessType int

const (
	AccessUnknown AccessType = iota
	AccessLookup
	AccessScan
	AccessIndex
)

type arcStatus int

const (
	statusMRU arcStatus = iota
	statusMFU
	statusMRUGhost
	statusMFUGhost
)

type frameStatus struct {
	pageID    int32
	frameID   int32
	evictable bool
	status    arcStatus
}

// Replacer tracks which resident frames are eligible for eviction and
// decides, on Evict, which one to take back.
type Replacer interface {
	Evict() (frameID int32, ok bool)
	RecordAccess(frameID, pageID int32, accessType AccessType) error
	SetEvictable(frameID int32, evictable bool) error
	Remove(frameID int32) error
	Size() int
}

// ARC implements Replacer using the Adaptive Replacement Cache
// algorithm: two live lists (recently-used-once, used-more-than-once)
// each paired with a ghost list of recently evicted page-ids, and an
// adaptive target size that shifts pressure between the two lists
// based on which ghost list is taking hits.
type ARC struct {
	mu sync.Mutex

	mru, mfu           *list.List // of frameID (int32)
	mruGhost, mfuGhost *list.List // of pageID (int32)

	aliveMap map[int32]*frameStatus // frameID -> status
	ghostMap map[int32]*frameStatus // pageID -> status

	mruIter, mfuIter           map[int32]*list.Element // frameID -> element
	mruGhostIter, mfuGhostIter map[int32]*list.Element // pageID -> element

	currSize      int // number of evictable alive frames
	mruTargetSize int // adaptive target size for mru (the paper's p)
	replacerSize  int // max number of frames this replacer tracks
}

// New returns an ARC replacer sized to track at most numFrames frames.
func New(numFrames int) *ARC {
	return &ARC{
		mru:          list.New(),
		mfu:          list.New(),
		mruGhost:     list.New(),
		mfuGhost:     list.New(),
		aliveMap:     make(map[int32]*frameStatus),
		ghostMap:     make(map[int32]*frameStatus),
		mruIter:      make(map[int32]*list.Element),
		mfuIter:      make(map[int32]*list.Element),
		mruGhostIter: make(map[int32]*list.Element),
		mfuGhostIter: make(map[int32]*list.Element),
		replacerSize: numFrames,
	}
}

func (a *ARC) removeFromAliveList(frameID int32, status arcStatus) {
	switch status {
	case statusMRU:
		if e, ok := a.mruIter[frameID]; ok {
			a.mru.Remove(e)
			delete(a.mruIter, frameID)
		}
	case statusMFU:
		if e, ok := a.mfuIter[frameID]; ok {
			a.mfu.Remove(e)
			delete(a.mfuIter, frameID)
		}
	}
}

func (a *ARC) removeFromGhostList(pageID int32, status arcStatus) {
	switch status {
	case statusMRUGhost:
		if e, ok := a.mruGhostIter[pageID]; ok {
			a.mruGhost.Remove(e)
			delete(a.mruGhostIter, pageID)
		}
	case statusMFUGhost:
		if e, ok := a.mfuGhostIter[pageID]; ok {
			a.mfuGhost.Remove(e)
			delete(a.mfuGhostIter, pageID)
		}
	}
	delete(a.ghostMap, pageID)
}

// Evict picks a victim according to the adaptive target size: when mru
// is at or above its target, prefer evicting from the tail of mru and
// fall back to mfu; otherwise prefer mfu and fall back to mru. Either
// way, non-evictable entries are skipped in place. The victim's page
// moves to the matching ghost list.
func (a *ARC) Evict() (int32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	const invalidFrame = int32(-1)
	victim := invalidFrame
	var victimStatus arcStatus

	tryList := func(l *list.List, status arcStatus) bool {
		for e := l.Back(); e != nil; e = e.Prev() {
			frame := e.Value.(int32)
			st, ok := a.aliveMap[frame]
			if ok && st.evictable {
				victim = frame
				victimStatus = status
				a.removeFromAliveList(victim, victimStatus)
				return true
			}
		}
		return false
	}

	if a.mru.Len() >= a.mruTargetSize {
		if !tryList(a.mru, statusMRU) {
			tryList(a.mfu, statusMFU)
		}
	} else {
		if !tryList(a.mfu, statusMFU) {
			tryList(a.mru, statusMRU)
		}
	}

	if victim == invalidFrame {
		return 0, false
	}

	st := a.aliveMap[victim]
	pageID := st.pageID
	if victimStatus == statusMRU {
		e := a.mruGhost.PushFront(pageID)
		a.mruGhostIter[pageID] = e
		a.ghostMap[pageID] = &frameStatus{pageID: pageID, frameID: victim, status: statusMRUGhost}
	} else {
		e := a.mfuGhost.PushFront(pageID)
		a.mfuGhostIter[pageID] = e
		a.ghostMap[pageID] = &frameStatus{pageID: pageID, frameID: victim, status: statusMFUGhost}
	}

	delete(a.aliveMap, victim)
	a.currSize--

	return victim, true
}

// RecordAccess notes that frameID (carrying pageID) was just touched.
// A hit on either live list moves the frame to the front of mfu. A hit
// on a ghost list grows or shrinks the adaptive target size before
// admitting the frame to mfu. A miss trims a ghost list if the
// replacer is at capacity and admits the frame to the front of mru.
func (a *ARC) RecordAccess(frameID, pageID int32, _ AccessType) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if frameID < 0 || int(frameID) > a.replacerSize {
		return fmt.Errorf("replacer: frame id %d out of range", frameID)
	}

	if st, ok := a.aliveMap[frameID]; ok {
		a.removeFromAliveList(frameID, st.status)
		e := a.mfu.PushFront(frameID)
		a.mfuIter[frameID] = e
		st.status = statusMFU
		return nil
	}

	if st, ok := a.ghostMap[pageID]; ok && st.status == statusMRUGhost {
		a.removeFromGhostList(pageID, statusMRUGhost)

		mruGhostSize := a.mruGhost.Len()
		mfuGhostSize := a.mfuGhost.Len()
		if mruGhostSize >= mfuGhostSize {
			a.mruTargetSize = min(a.mruTargetSize+1, a.replacerSize)
		} else {
			add := mfuGhostSize / max(mruGhostSize, 1)
			a.mruTargetSize = min(a.mruTargetSize+add, a.replacerSize)
		}

		e := a.mfu.PushFront(frameID)
		a.mfuIter[frameID] = e
		a.aliveMap[frameID] = &frameStatus{pageID: pageID, frameID: frameID, evictable: false, status: statusMFU}
		return nil
	}

	if st, ok := a.ghostMap[pageID]; ok && st.status == statusMFUGhost {
		a.removeFromGhostList(pageID, statusMFUGhost)

		mruGhostSize := a.mruGhost.Len()
		mfuGhostSize := a.mfuGhost.Len()
		if mfuGhostSize >= mruGhostSize {
			if a.mruTargetSize > 0 {
				a.mruTargetSize--
			}
		} else {
			decrease := mruGhostSize / max(mfuGhostSize, 1)
			if decrease < a.mruTargetSize {
				a.mruTargetSize -= decrease
			} else {
				a.mruTargetSize = 0
			}
		}

		e := a.mfu.PushFront(frameID)
		a.mfuIter[frameID] = e
		a.aliveMap[frameID] = &frameStatus{pageID: pageID, frameID: frameID, evictable: false, status: statusMFU}
		return nil
	}

	mruTotal := a.mru.Len() + a.mruGhost.Len()
	totalAll := mruTotal + a.mfu.Len() + a.mfuGhost.Len()

	if mruTotal == a.replacerSize {
		if a.mruGhost.Len() > 0 {
			e := a.mruGhost.Back()
			oldPage := e.Value.(int32)
			a.mruGhost.Remove(e)
			delete(a.mruGhostIter, oldPage)
			delete(a.ghostMap, oldPage)
		}
	} else if totalAll >= 2*a.replacerSize {
		if a.mfuGhost.Len() > 0 {
			e := a.mfuGhost.Back()
			oldPage := e.Value.(int32)
			a.mfuGhost.Remove(e)
			delete(a.mfuGhostIter, oldPage)
			delete(a.ghostMap, oldPage)
		}
	}

	e := a.mru.PushFront(frameID)
	a.mruIter[frameID] = e
	a.aliveMap[frameID] = &frameStatus{pageID: pageID, frameID: frameID, evictable: false, status: statusMRU}
	return nil
}

// SetEvictable flips a frame's evictable flag, adjusting Size to
// match. Frames start non-evictable on admission; the buffer pool
// marks a frame evictable once its pin count drops to zero.
func (a *ARC) SetEvictable(frameID int32, evictable bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if frameID < 0 || int(frameID) > a.replacerSize {
		return fmt.Errorf("replacer: frame id %d out of range", frameID)
	}

	if st, ok := a.aliveMap[frameID]; ok {
		if st.evictable != evictable {
			st.evictable = evictable
			if evictable {
				a.currSize++
			} else {
				a.currSize--
			}
		}
	}
	return nil
}

// Remove drops an evictable frame from the live lists outside of the
// normal Evict selection; its page-id moves to the matching ghost
// list, as on Evict. Removing a frame the replacer isn't tracking is a
// no-op.
func (a *ARC) Remove(frameID int32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if frameID < 0 || int(frameID) > a.replacerSize {
		return fmt.Errorf("replacer: frame id %d out of range", frameID)
	}

	st, ok := a.aliveMap[frameID]
	if !ok {
		return nil
	}
	if !st.evictable {
		return fmt.Errorf("replacer: cannot remove non-evictable frame %d", frameID)
	}

	a.removeFromAliveList(frameID, st.status)

	pageID := st.pageID
	if st.status == statusMRU {
		e := a.mruGhost.PushFront(pageID)
		a.mruGhostIter[pageID] = e
		st.status = statusMRUGhost
	} else {
		e := a.mfuGhost.PushFront(pageID)
		a.mfuGhostIter[pageID] = e
		st.status = statusMFUGhost
	}
	a.ghostMap[pageID] = st

	delete(a.aliveMap, frameID)
	a.currSize--
	return nil
}

// Size returns the number of evictable frames currently tracked.
func (a *ARC) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currSize
}
