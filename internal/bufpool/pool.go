// Package bufpool implements the buffer pool manager: it maps
// page-ids to resident frames, evicts through a replacer when the
// pool is full, and hands out page guards as the only way callers
// touch page bytes.
//
// Lock order is fixed: pool latch, then replacer mutex (entirely
// private to the replacer implementation), then frame latch. A holder
// of a frame latch must never reacquire the pool latch, and no
// operation holds the pool latch across a disk I/O — the cache-miss
// and eviction-flush paths release it before waiting on the
// scheduler's completion channel and reacquire it only to install or
// tear down mappings.
package bufpool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"kerndb/internal/frame"
	"kerndb/internal/guard"
	"kerndb/internal/replacer"
	"kerndb/internal/scheduler"
	"kerndb/logger"
)

const invalidPageID = int32(-1)

// Pool is the buffer pool manager. It owns a fixed number of frames,
// a disk scheduler to back them, and a replacer to choose victims.
type Pool struct {
	mu sync.Mutex

	frames     []*frame.Frame
	pageTable  map[int32]int32 // page-id -> frame-id, pool-latch protected
	frameTable map[int32]int32 // frame-id -> page-id, pool-latch protected
	freeFrames []int32

	nextPageID atomic.Int32
	replacer   replacer.Replacer
	sched      *scheduler.Scheduler
	pageSize   int
	log        logger.Logger
}

// New constructs a pool of numFrames frames, each pageSize bytes,
// backed by sched and evicted via rep.
func New(numFrames, pageSize int, sched *scheduler.Scheduler, rep replacer.Replacer, log logger.Logger) *Pool {
	if log == nil {
		log = logger.Discard{}
	}
	p := &Pool{
		frames:     make([]*frame.Frame, numFrames),
		pageTable:  make(map[int32]int32, numFrames),
		frameTable: make(map[int32]int32, numFrames),
		freeFrames: make([]int32, numFrames),
		replacer:   rep,
		sched:      sched,
		pageSize:   pageSize,
		log:        log,
	}
	for i := 0; i < numFrames; i++ {
		p.frames[i] = frame.New(int32(i), pageSize)
		p.freeFrames[i] = int32(i)
	}
	return p
}

// Size returns the number of frames this pool manages.
func (p *Pool) Size() int { return len(p.frames) }

// acquireFrame returns a frame ready to receive a page, evicting a
// victim if the free list is empty. It flushes a dirty victim
// synchronously but with the pool latch released, per the locking
// discipline above.
func (p *Pool) acquireFrame() (int32, bool) {
	p.mu.Lock()
	if n := len(p.freeFrames); n > 0 {
		id := p.freeFrames[n-1]
		p.freeFrames = p.freeFrames[:n-1]
		p.mu.Unlock()
		return id, true
	}

	frameID, ok := p.replacer.Evict()
	if !ok {
		p.mu.Unlock()
		return 0, false
	}

	fr := p.frames[frameID]
	oldPageID, hadOld := p.frameTable[frameID]
	dirty := fr.Dirty
	if hadOld {
		delete(p.pageTable, oldPageID)
		delete(p.frameTable, frameID)
	}
	p.mu.Unlock()

	if dirty {
		if err := p.writeFrameSync(oldPageID, fr); err != nil {
			p.log.Warn("flush during eviction failed", "pageID", oldPageID, "frameID", frameID, "err", err)
		}
		p.mu.Lock()
		fr.Dirty = false
		p.mu.Unlock()
	}
	return frameID, true
}

func (p *Pool) writeFrameSync(pageID int32, fr *frame.Frame) error {
	done := scheduler.NewPromise()
	p.sched.Schedule(&scheduler.Request{Kind: scheduler.Write, Data: fr.Data, PageID: pageID, Done: done})
	return <-done
}

func (p *Pool) readFrameSync(pageID int32, fr *frame.Frame) error {
	done := scheduler.NewPromise()
	p.sched.Schedule(&scheduler.Request{Kind: scheduler.Read, Data: fr.Data, PageID: pageID, Done: done})
	return <-done
}

// NewPage allocates a fresh page-id, assigns it a frame (evicting if
// necessary) and durably zero-fills it on disk. The returned page is
// not yet pinned or tracked by the replacer: callers bring it into a
// guard with CheckedWritePage before touching it, exactly as for any
// other page-id.
func (p *Pool) NewPage() (int32, bool) {
	frameID, ok := p.acquireFrame()
	if !ok {
		return 0, false
	}

	fr := p.frames[frameID]
	fr.Latch.Lock()
	fr.Reset()
	fr.Latch.Unlock()

	newPageID := p.nextPageID.Add(1) - 1

	p.mu.Lock()
	p.pageTable[newPageID] = frameID
	p.frameTable[frameID] = newPageID
	p.mu.Unlock()

	if err := p.writeFrameSync(newPageID, fr); err != nil {
		p.mu.Lock()
		delete(p.pageTable, newPageID)
		delete(p.frameTable, frameID)
		p.freeFrames = append(p.freeFrames, frameID)
		p.mu.Unlock()
		p.log.Warn("failed to durably zero-fill new page", "pageID", newPageID, "err", err)
		return 0, false
	}
	return newPageID, true
}

// DeletePage removes pageID from the pool and deallocates its disk
// slot. A pinned page cannot be deleted and this returns false; a
// page that was never resident deallocates cleanly and returns true.
func (p *Pool) DeletePage(pageID int32) bool {
	p.mu.Lock()

	frameID, resident := p.pageTable[pageID]
	if !resident {
		p.mu.Unlock()
		if err := p.sched.DeallocatePage(pageID); err != nil {
			p.log.Warn("deallocate page failed", "pageID", pageID, "err", err)
		}
		return true
	}

	fr := p.frames[frameID]
	if fr.PinCount() > 0 {
		p.mu.Unlock()
		return false
	}

	delete(p.pageTable, pageID)
	delete(p.frameTable, frameID)
	p.freeFrames = append(p.freeFrames, frameID)
	if err := p.replacer.Remove(frameID); err != nil {
		p.log.Warn("replacer remove during delete failed", "frameID", frameID, "err", err)
	}
	p.mu.Unlock()

	fr.Latch.Lock()
	fr.Reset()
	fr.Latch.Unlock()

	if err := p.sched.DeallocatePage(pageID); err != nil {
		p.log.Warn("deallocate page failed", "pageID", pageID, "err", err)
	}
	return true
}

// bringIn locates the frame for pageID, loading it from disk if it
// isn't already resident, and records the access with the replacer.
// It returns with the pool latch released.
func (p *Pool) bringIn(pageID int32) (int32, bool) {
	p.mu.Lock()

	if frameID, ok := p.pageTable[pageID]; ok {
		if err := p.replacer.RecordAccess(frameID, pageID, replacer.AccessLookup); err != nil {
			p.log.Warn("record access failed", "frameID", frameID, "err", err)
		}
		p.mu.Unlock()
		return frameID, true
	}
	p.mu.Unlock()

	frameID, ok := p.acquireFrame()
	if !ok {
		return 0, false
	}
	fr := p.frames[frameID]

	if err := p.readFrameSync(pageID, fr); err != nil {
		p.mu.Lock()
		p.freeFrames = append(p.freeFrames, frameID)
		p.mu.Unlock()
		p.log.Warn("read page failed", "pageID", pageID, "frameID", frameID, "err", err)
		return 0, false
	}

	p.mu.Lock()
	p.pageTable[pageID] = frameID
	p.frameTable[frameID] = pageID
	if err := p.replacer.RecordAccess(frameID, pageID, replacer.AccessLookup); err != nil {
		p.log.Warn("record access failed", "frameID", frameID, "err", err)
	}
	p.mu.Unlock()
	return frameID, true
}

// CheckedReadPage brings pageID into memory if needed and returns a
// shared ReadGuard over it, or false if no frame could be found.
func (p *Pool) CheckedReadPage(pageID int32) (*guard.ReadGuard, bool) {
	if pageID < 0 {
		return nil, false
	}
	frameID, ok := p.bringIn(pageID)
	if !ok {
		return nil, false
	}
	return guard.NewRead(pageID, frameID, p.frames[frameID], p), true
}

// CheckedWritePage brings pageID into memory if needed and returns an
// exclusive WriteGuard over it, or false if no frame could be found.
func (p *Pool) CheckedWritePage(pageID int32) (*guard.WriteGuard, bool) {
	if pageID < 0 {
		return nil, false
	}
	frameID, ok := p.bringIn(pageID)
	if !ok {
		return nil, false
	}
	return guard.NewWrite(pageID, frameID, p.frames[frameID], p), true
}

// ReadPage is CheckedReadPage for callers that treat a missing frame
// as a caller error rather than a capacity condition to handle.
func (p *Pool) ReadPage(pageID int32) (*guard.ReadGuard, error) {
	g, ok := p.CheckedReadPage(pageID)
	if !ok {
		return nil, fmt.Errorf("bufpool: no frame available for page %d", pageID)
	}
	return g, nil
}

// WritePage is CheckedWritePage for callers that treat a missing
// frame as a caller error rather than a capacity condition to handle.
func (p *Pool) WritePage(pageID int32) (*guard.WriteGuard, error) {
	g, ok := p.CheckedWritePage(pageID)
	if !ok {
		return nil, fmt.Errorf("bufpool: no frame available for page %d", pageID)
	}
	return g, nil
}

// MustReadPage is CheckedReadPage for callers with no recovery path
// for pool exhaustion: spec.md §4.5/§7 calls for an unchecked variant
// that aborts the process on failure rather than propagating an error
// up through code with no way to act on it.
func (p *Pool) MustReadPage(pageID int32) *guard.ReadGuard {
	g, ok := p.CheckedReadPage(pageID)
	if !ok {
		panic(fmt.Sprintf("bufpool: no frame available for page %d", pageID))
	}
	return g
}

// MustWritePage is CheckedWritePage's unchecked counterpart; see
// MustReadPage.
func (p *Pool) MustWritePage(pageID int32) *guard.WriteGuard {
	g, ok := p.CheckedWritePage(pageID)
	if !ok {
		panic(fmt.Sprintf("bufpool: no frame available for page %d", pageID))
	}
	return g
}

// MarkPinned implements guard.Releaser: it marks frameID non-evictable.
// Called by a guard at construction time, before the caller can touch
// the page's bytes.
func (p *Pool) MarkPinned(frameID int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.replacer.SetEvictable(frameID, false); err != nil {
		p.log.Warn("set non-evictable failed", "frameID", frameID, "err", err)
	}
}

// Unpin implements guard.Releaser: it decrements frameID's pin count
// and, once it reaches zero, marks the frame evictable again.
func (p *Pool) Unpin(pageID, frameID int32) {
	fr := p.frames[frameID]
	if fr.Unpin() == 0 {
		p.mu.Lock()
		if err := p.replacer.SetEvictable(frameID, true); err != nil {
			p.log.Warn("set evictable failed", "frameID", frameID, "err", err)
		}
		p.mu.Unlock()
	}
}

// FlushFrame implements guard.Releaser: it writes frameID's bytes to
// pageID's disk slot, without taking the frame latch the caller
// already holds. The Dirty check-and-clear happens under the pool
// latch, since a caller may hold only a shared read latch on the
// frame (via ReadGuard.Flush), or no latch at all (FlushPageUnsafe),
// and Dirty would otherwise race against a concurrent flush of the
// same frame.
func (p *Pool) FlushFrame(pageID, frameID int32) error {
	fr := p.frames[frameID]

	p.mu.Lock()
	if !fr.Dirty {
		p.mu.Unlock()
		return nil
	}
	fr.Dirty = false
	p.mu.Unlock()

	if err := p.writeFrameSync(pageID, fr); err != nil {
		p.mu.Lock()
		fr.Dirty = true
		p.mu.Unlock()
		return fmt.Errorf("bufpool: flush page %d: %w", pageID, err)
	}
	return nil
}

// FlushPageUnsafe writes pageID to disk if resident and dirty,
// without acquiring the frame latch. Callers must otherwise guarantee
// no concurrent writer.
func (p *Pool) FlushPageUnsafe(pageID int32) bool {
	p.mu.Lock()
	frameID, ok := p.pageTable[pageID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	if err := p.FlushFrame(pageID, frameID); err != nil {
		p.log.Warn("unsafe flush failed", "pageID", pageID, "err", err)
	}
	return true
}

// FlushPage writes pageID to disk if resident and dirty, holding the
// frame's write latch for the duration so a consistent snapshot is
// flushed.
func (p *Pool) FlushPage(pageID int32) bool {
	p.mu.Lock()
	frameID, ok := p.pageTable[pageID]
	p.mu.Unlock()
	if !ok {
		return false
	}

	fr := p.frames[frameID]
	fr.Latch.Lock()
	defer fr.Latch.Unlock()
	if err := p.FlushFrame(pageID, frameID); err != nil {
		p.log.Warn("flush failed", "pageID", pageID, "err", err)
	}
	return true
}

// FlushAllPagesUnsafe flushes every resident dirty page without
// acquiring frame latches.
func (p *Pool) FlushAllPagesUnsafe() {
	p.mu.Lock()
	pageIDs := make([]int32, 0, len(p.pageTable))
	for pageID := range p.pageTable {
		pageIDs = append(pageIDs, pageID)
	}
	p.mu.Unlock()
	for _, pageID := range pageIDs {
		p.FlushPageUnsafe(pageID)
	}
}

// FlushAllPages flushes every resident dirty page, latching each
// frame for the duration of its own flush.
func (p *Pool) FlushAllPages() {
	p.mu.Lock()
	pageIDs := make([]int32, 0, len(p.pageTable))
	for pageID := range p.pageTable {
		pageIDs = append(pageIDs, pageID)
	}
	p.mu.Unlock()
	for _, pageID := range pageIDs {
		p.FlushPage(pageID)
	}
}

// PinCount reports the pin count of a resident page, or false if the
// page is not in memory. Intended for tests and diagnostics.
func (p *Pool) PinCount(pageID int32) (int64, bool) {
	p.mu.Lock()
	frameID, ok := p.pageTable[pageID]
	p.mu.Unlock()
	if !ok {
		return 0, false
	}
	return p.frames[frameID].PinCount(), true
}
