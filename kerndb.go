// Package kerndb is the storage kernel of a disk-oriented relational
// database: a buffer pool with an ARC replacer, an asynchronous disk
// scheduler, scoped page guards, and a concurrent B+-tree index built
// on top of them. Everything above this layer (SQL, executors,
// transactions, catalog, WAL) is out of scope; see DESIGN.md.
package kerndb

import (
	"fmt"

	"kerndb/btree"
	"kerndb/internal/bufpool"
	"kerndb/internal/diskio"
	"kerndb/internal/replacer"
	"kerndb/internal/scheduler"
	"kerndb/logger"
)

// Options configures a newly opened kernel. Zero-value fields fall
// back to the defaults set by DefaultOptions.
type Options struct {
	// DBPath is the database file's path; LogPath is the separate
	// append-only log file's path.
	DBPath, LogPath string

	PageSize         int
	PoolFrames       int
	SchedulerWorkers int

	// IndexKeySize is the fixed width, in bytes, of every key stored
	// in the primary index.
	IndexKeySize    int
	LeafMaxSize     int32
	InternalMaxSize int32

	// LeafTombstoneSlots reserves on-disk space for a future
	// soft-delete scheme; 0 disables it. Never written by Insert or
	// Remove today — see DESIGN.md Open Question (ii).
	LeafTombstoneSlots int

	Logger logger.Logger
}

// DefaultOptions returns reasonable defaults for PageSize, PoolFrames,
// SchedulerWorkers and the tree's capacity parameters, leaving the
// file paths for the caller to fill in.
func DefaultOptions() Options {
	return Options{
		PageSize:           4096,
		PoolFrames:         256,
		SchedulerWorkers:   4,
		IndexKeySize:       8,
		LeafMaxSize:        64,
		InternalMaxSize:    64,
		LeafTombstoneSlots: 0,
	}
}

// Kernel owns one open database: the disk manager, the scheduler, the
// buffer pool and the primary B+-tree index, constructed together at
// Open and torn down together at Close. There is no package-level
// singleton; a caller can open as many independent Kernels as it has
// distinct database files for.
type Kernel struct {
	disk  *diskio.Manager
	sched *scheduler.Scheduler
	pool  *bufpool.Pool
	tree  *btree.Tree
}

// Open wires a disk manager, scheduler, replacer, buffer pool and a
// fresh primary index together and returns the assembled kernel. The
// index's header page-id is newly allocated; a caller reopening an
// existing database file should use OpenExisting with the header
// page-id it recorded on a previous Close.
func Open(opts Options) (*Kernel, error) {
	opts = fillDefaults(opts)

	disk, err := diskio.New(opts.DBPath, opts.LogPath, opts.PageSize, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("kerndb: open: %w", err)
	}
	sched := scheduler.New(disk, opts.SchedulerWorkers, opts.Logger)
	pool := bufpool.New(opts.PoolFrames, opts.PageSize, sched, replacer.New(opts.PoolFrames), opts.Logger)

	tree, err := btree.New(pool, opts.IndexKeySize, opts.LeafMaxSize, opts.InternalMaxSize, opts.LeafTombstoneSlots, opts.Logger)
	if err != nil {
		sched.Shutdown()
		disk.Close()
		return nil, fmt.Errorf("kerndb: open: %w", err)
	}

	return &Kernel{disk: disk, sched: sched, pool: pool, tree: tree}, nil
}

// OpenExisting reattaches to a database file whose primary index
// header page-id is already known, rather than minting a new tree.
func OpenExisting(opts Options, headerPageID int32) (*Kernel, error) {
	opts = fillDefaults(opts)

	disk, err := diskio.New(opts.DBPath, opts.LogPath, opts.PageSize, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("kerndb: open existing: %w", err)
	}
	sched := scheduler.New(disk, opts.SchedulerWorkers, opts.Logger)
	pool := bufpool.New(opts.PoolFrames, opts.PageSize, sched, replacer.New(opts.PoolFrames), opts.Logger)
	tree := btree.Open(pool, headerPageID, opts.IndexKeySize, opts.LeafMaxSize, opts.InternalMaxSize, opts.LeafTombstoneSlots, opts.Logger)

	return &Kernel{disk: disk, sched: sched, pool: pool, tree: tree}, nil
}

func fillDefaults(opts Options) Options {
	d := DefaultOptions()
	if opts.PageSize == 0 {
		opts.PageSize = d.PageSize
	}
	if opts.PoolFrames == 0 {
		opts.PoolFrames = d.PoolFrames
	}
	if opts.SchedulerWorkers == 0 {
		opts.SchedulerWorkers = d.SchedulerWorkers
	}
	if opts.IndexKeySize == 0 {
		opts.IndexKeySize = d.IndexKeySize
	}
	if opts.LeafMaxSize == 0 {
		opts.LeafMaxSize = d.LeafMaxSize
	}
	if opts.InternalMaxSize == 0 {
		opts.InternalMaxSize = d.InternalMaxSize
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard{}
	}
	return opts
}

// Index returns the kernel's primary B+-tree, the one surface
// executors (out of scope here) would drive for point lookup, range
// scan, insert and delete.
func (k *Kernel) Index() *btree.Tree { return k.tree }

// Pool returns the kernel's buffer pool, for callers that need pages
// outside the primary index (e.g. a heap file access method, out of
// scope here but a plausible sibling consumer of the same pool).
func (k *Kernel) Pool() *bufpool.Pool { return k.pool }

// IndexHeaderPageID returns the primary index's header page-id, the
// handle a caller must persist (e.g. in a catalog, out of scope here)
// to reopen this same tree via OpenExisting later.
func (k *Kernel) IndexHeaderPageID() int32 { return k.tree.HeaderPageID() }

// Close flushes every dirty page and releases the kernel's scheduler
// workers and file handles. The kernel must not be used afterward.
func (k *Kernel) Close() error {
	k.pool.FlushAllPages()
	k.sched.Shutdown()
	return k.disk.Close()
}
