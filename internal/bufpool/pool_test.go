package bufpool

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"kerndb/internal/diskio"
	"kerndb/internal/replacer"
	"kerndb/internal/scheduler"
)

const testPageSize = 64

func newTestPool(t *testing.T, numFrames int) *Pool {
	t.Helper()
	dir := t.TempDir()
	disk, err := diskio.New(filepath.Join(dir, "db.dat"), filepath.Join(dir, "wal.log"), testPageSize, nil)
	if err != nil {
		t.Fatalf("diskio.New: %v", err)
	}
	sched := scheduler.New(disk, 4, nil)
	t.Cleanup(func() {
		sched.Shutdown()
		disk.Close()
	})
	return New(numFrames, testPageSize, sched, replacer.New(numFrames), nil)
}

func TestPinDisciplineAtCapacity(t *testing.T) {
	p := newTestPool(t, 2)

	pid0, ok := p.NewPage()
	if !ok {
		t.Fatalf("NewPage 0 failed")
	}
	pid1, ok := p.NewPage()
	if !ok {
		t.Fatalf("NewPage 1 failed")
	}

	w0, ok := p.CheckedWritePage(pid0)
	if !ok {
		t.Fatalf("CheckedWritePage pid0 failed")
	}
	copy(w0.DataMut(), []byte("first"))

	w1, ok := p.CheckedWritePage(pid1)
	if !ok {
		t.Fatalf("CheckedWritePage pid1 failed")
	}
	copy(w1.DataMut(), []byte("second"))

	if pc, _ := p.PinCount(pid0); pc != 1 {
		t.Fatalf("pin(pid0) = %d, want 1", pc)
	}
	if pc, _ := p.PinCount(pid1); pc != 1 {
		t.Fatalf("pin(pid1) = %d, want 1", pc)
	}

	// both frames are pinned; a third page can't find room.
	if _, ok := p.NewPage(); ok {
		t.Fatalf("NewPage should fail when both frames are pinned")
	}
	if _, ok := p.CheckedReadPage(pid0 + pid1 + 100); ok {
		t.Fatalf("CheckedReadPage for an unrelated page should fail when pool is full and pinned")
	}

	w0.Drop()
	w1.Drop()

	if pc, ok := p.PinCount(pid0); !ok || pc != 0 {
		t.Fatalf("pin(pid0) after drop = (%d,%v), want (0,true)", pc, ok)
	}
	if pc, ok := p.PinCount(pid1); !ok || pc != 0 {
		t.Fatalf("pin(pid1) after drop = (%d,%v), want (0,true)", pc, ok)
	}

	rw0, ok := p.CheckedWritePage(pid0)
	if !ok {
		t.Fatalf("re-acquire pid0 failed")
	}
	if string(rw0.Data()[:5]) != "first" {
		t.Fatalf("pid0 contents changed: %q", rw0.Data()[:5])
	}
	rw0.Drop()

	rw1, ok := p.CheckedWritePage(pid1)
	if !ok {
		t.Fatalf("re-acquire pid1 failed")
	}
	if string(rw1.Data()[:6]) != "second" {
		t.Fatalf("pid1 contents changed: %q", rw1.Data()[:6])
	}
	rw1.Drop()
}

func TestRoundTripSurvivesEviction(t *testing.T) {
	p := newTestPool(t, 2)

	target, ok := p.NewPage()
	if !ok {
		t.Fatalf("NewPage failed")
	}
	w, ok := p.CheckedWritePage(target)
	if !ok {
		t.Fatalf("CheckedWritePage failed")
	}
	want := bytes.Repeat([]byte{0x7a}, testPageSize)
	copy(w.DataMut(), want)
	w.Drop()

	// fill the pool with unrelated pages, forcing target out.
	for i := 0; i < 10; i++ {
		pid, ok := p.NewPage()
		if !ok {
			t.Fatalf("NewPage(unrelated %d) failed", i)
		}
		g, ok := p.CheckedWritePage(pid)
		if !ok {
			t.Fatalf("CheckedWritePage(unrelated %d) failed", i)
		}
		g.Drop()
	}

	r, ok := p.CheckedReadPage(target)
	if !ok {
		t.Fatalf("re-acquiring evicted page failed")
	}
	defer r.Drop()
	if !bytes.Equal(r.Data(), want) {
		t.Fatalf("round trip mismatch after eviction")
	}
}

func TestConcurrentWritersSinglePage(t *testing.T) {
	p := newTestPool(t, 4)
	pid, ok := p.NewPage()
	if !ok {
		t.Fatalf("NewPage failed")
	}

	const writers = 4
	const iterations = 2000

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				g, ok := p.CheckedWritePage(pid)
				if !ok {
					t.Errorf("writer %d: CheckedWritePage failed at iteration %d", id, i)
					return
				}
				s := fmt.Sprintf("writer-%d-%06d", id, i)
				buf := g.DataMut()
				for j := range buf {
					buf[j] = 0
				}
				copy(buf, s)
				g.Drop()
			}
		}(w)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatalf("concurrent writers deadlocked")
	}

	if pc, ok := p.PinCount(pid); !ok || pc != 0 {
		t.Fatalf("pin count after all writers joined = (%d,%v), want (0,true)", pc, ok)
	}

	g, ok := p.CheckedReadPage(pid)
	if !ok {
		t.Fatalf("final read failed")
	}
	defer g.Drop()
	content := string(bytes.TrimRight(g.Data(), "\x00"))
	if len(content) == 0 {
		t.Fatalf("expected some writer's content to remain")
	}
}

func TestMustWritePageSucceedsWithRoom(t *testing.T) {
	p := newTestPool(t, 2)
	pid, ok := p.NewPage()
	if !ok {
		t.Fatalf("NewPage failed")
	}
	g := p.MustWritePage(pid)
	copy(g.DataMut(), []byte("ok"))
	g.Drop()

	r := p.MustReadPage(pid)
	defer r.Drop()
	if string(r.Data()[:2]) != "ok" {
		t.Fatalf("MustReadPage content = %q, want ok", r.Data()[:2])
	}
}

func TestMustWritePagePanicsOnExhaustion(t *testing.T) {
	p := newTestPool(t, 1)
	pid, ok := p.NewPage()
	if !ok {
		t.Fatalf("NewPage failed")
	}
	held, ok := p.CheckedWritePage(pid)
	if !ok {
		t.Fatalf("CheckedWritePage failed")
	}
	defer held.Drop()

	defer func() {
		if recover() == nil {
			t.Fatalf("MustWritePage on an exhausted, fully-pinned pool should panic")
		}
	}()
	p.MustWritePage(pid + 1)
}

func TestConcurrentReadersSeeStableSnapshot(t *testing.T) {
	p := newTestPool(t, 4)
	pid, ok := p.NewPage()
	if !ok {
		t.Fatalf("NewPage failed")
	}
	init, ok := p.CheckedWritePage(pid)
	if !ok {
		t.Fatalf("CheckedWritePage failed")
	}
	copy(init.DataMut(), []byte("v0"))
	init.Drop()

	stop := make(chan struct{})
	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		n := 0
		for {
			select {
			case <-stop:
				return
			default:
			}
			g, ok := p.CheckedWritePage(pid)
			if !ok {
				return
			}
			copy(g.DataMut(), []byte(fmt.Sprintf("v%d", n)))
			n++
			g.Drop()
			time.Sleep(time.Millisecond)
		}
	}()

	var readerWG sync.WaitGroup
	errs := make(chan string, 4)
	for i := 0; i < 4; i++ {
		readerWG.Add(1)
		go func() {
			defer readerWG.Done()
			g, ok := p.CheckedReadPage(pid)
			if !ok {
				errs <- "CheckedReadPage failed"
				return
			}
			defer g.Drop()
			snapshot := append([]byte(nil), g.Data()...)
			time.Sleep(3 * time.Millisecond)
			if !bytes.Equal(snapshot, g.Data()) {
				errs <- "snapshot changed while read guard was held"
			}
		}()
	}
	readerWG.Wait()
	close(stop)
	writerWG.Wait()
	close(errs)
	for msg := range errs {
		t.Fatal(msg)
	}
}
