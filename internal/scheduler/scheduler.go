// Package scheduler serializes per-page disk I/O across a bounded pool of
// worker goroutines, so callers never block holding an internal lock
// while waiting on disk.
package scheduler

import (
	"fmt"
	"sync"

	"kerndb/internal/diskio"
	"kerndb/logger"
)

// Kind distinguishes a read request from a write request.
type Kind int

const (
	Read Kind = iota
	Write
)

// Request is a single unit of scheduled I/O. Done receives exactly one
// result; callers create it with NewPromise and read it after Schedule.
type Request struct {
	Kind   Kind
	Data   []byte
	PageID int32
	Done   chan error
}

// NewPromise returns a fresh completion channel for a Request.
func NewPromise() chan error {
	return make(chan error, 1)
}

// Scheduler owns W worker goroutines, each bound to its own FIFO queue.
// Routing a request on page-id mod W guarantees that I/O for any single
// page is serialized in submission order while distinct pages proceed in
// parallel.
type Scheduler struct {
	disk    *diskio.Manager
	queues  []chan *Request
	wg      sync.WaitGroup
	log     logger.Logger
	workers int
}

// New starts a scheduler with the given worker count, each driving disk.
func New(disk *diskio.Manager, workers int, log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Discard{}
	}
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{
		disk:    disk,
		queues:  make([]chan *Request, workers),
		log:     log,
		workers: workers,
	}
	for i := 0; i < workers; i++ {
		s.queues[i] = make(chan *Request, 64)
		s.wg.Add(1)
		go s.worker(i)
	}
	return s
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	for req := range s.queues[id] {
		var err error
		switch req.Kind {
		case Read:
			err = s.disk.ReadPage(req.PageID, req.Data)
		case Write:
			err = s.disk.WritePage(req.PageID, req.Data)
		}
		if err != nil {
			s.log.Warn("scheduled i/o failed", "worker", id, "pageID", req.PageID, "err", err)
		}
		req.Done <- err
	}
}

// Schedule submits req to the queue owned by req.PageID, non-blocking
// from the caller's perspective; the caller waits on req.Done when it
// needs the result.
func (s *Scheduler) Schedule(req *Request) {
	q := s.queues[uint32(req.PageID)%uint32(s.workers)]
	q <- req
}

// DeallocatePage forwards page deallocation to the disk manager.
func (s *Scheduler) DeallocatePage(pageID int32) error {
	if err := s.disk.DeletePage(pageID); err != nil {
		return fmt.Errorf("scheduler: deallocate page %d: %w", pageID, err)
	}
	return nil
}

// Shutdown closes every queue (the sentinel that tells each worker to
// stop) and joins all workers.
func (s *Scheduler) Shutdown() {
	for _, q := range s.queues {
		close(q)
	}
	s.wg.Wait()
}
