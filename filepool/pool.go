// Package filepool implements a bounded pool of open extent-file handles.
// The storage engine never opens an extent file directly outside this pool,
// so the number of simultaneously-open descriptors stays within whatever
// cap the caller configured regardless of how many extents a disk has.
package filepool

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/phdi-go/phdi/backend"
	"github.com/phdi-go/phdi/backend/file"
	"github.com/phdi-go/phdi/internal/xlog"
	"github.com/phdi-go/phdi/phdierrors"
)

// entry is one pool slot: a known path (or a caller-supplied, always-open
// storage) plus its position in the open-handle LRU list.
type entry struct {
	path    string
	storage backend.Storage
	open    bool
	pinned  bool // caller-supplied storage: never evicted, never closed by the pool

	prev, next *entry
}

// Pool is a fixed-size table of extent-file slots, indexed by pool entry
// (pool entry i corresponds to extent i). Opening beyond maxOpen evicts the
// least-recently-used open entry first; a pinned (caller-supplied) entry is
// never a candidate for eviction.
type Pool struct {
	mu      sync.Mutex
	log     *logrus.Entry
	entries []*entry
	maxOpen int // 0 means unlimited
	open    int
	root    entry // LRU sentinel; circular doubly linked list of open, unpinned entries
}

// New creates an empty pool. maxOpen of 0 means unlimited simultaneously
// open handles, matching the source's default.
func New(maxOpen int, log *logrus.Entry) *Pool {
	if log == nil {
		log = xlog.Nop()
	}
	p := &Pool{log: log, maxOpen: maxOpen}
	p.root.prev = &p.root
	p.root.next = &p.root
	return p
}

func (p *Pool) ensureSlot(poolEntry int) *entry {
	for len(p.entries) <= poolEntry {
		p.entries = append(p.entries, nil)
	}
	if p.entries[poolEntry] == nil {
		p.entries[poolEntry] = &entry{}
	}
	return p.entries[poolEntry]
}

// InsertPath registers the file at path as the backing for poolEntry.
// The file is not opened until first read. Returns AlreadySetError if the
// slot already has a path or storage assigned.
func (p *Pool) InsertPath(poolEntry int, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.ensureSlot(poolEntry)
	if e.path != "" || e.storage != nil {
		return phdierrors.NewAlreadySetError("pool entry already assigned")
	}
	e.path = path
	return nil
}

// InsertStorage registers a caller-supplied, already-open backend.Storage as
// the backing for poolEntry. Caller-supplied entries are pinned: the pool
// never closes or evicts them, matching open_extent_data_files_file_io_pool
// semantics, where the caller owns the handles' lifetime.
func (p *Pool) InsertStorage(poolEntry int, storage backend.Storage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.ensureSlot(poolEntry)
	if e.path != "" || e.storage != nil {
		return phdierrors.NewAlreadySetError("pool entry already assigned")
	}
	e.storage = storage
	e.open = true
	e.pinned = true
	return nil
}

// Count reports the number of slots that have been assigned a path or
// storage.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0
	for _, e := range p.entries {
		if e != nil && (e.path != "" || e.storage != nil) {
			count++
		}
	}
	return count
}

func (p *Pool) unlink(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev = nil
	e.next = nil
}

func (p *Pool) pushFront(e *entry) {
	e.next = p.root.next
	e.prev = &p.root
	p.root.next.prev = e
	p.root.next = e
}

// touch moves e to the front of the LRU list (most recently used).
func (p *Pool) touch(e *entry) {
	if e.pinned {
		return
	}
	if e.prev != nil || e.next != nil {
		p.unlink(e)
	}
	p.pushFront(e)
}

// evictOldest closes the least-recently-used open, unpinned entry.
// Called with p.mu held. Returns false if there was nothing to evict.
func (p *Pool) evictOldest() bool {
	victim := p.root.prev
	if victim == &p.root {
		return false
	}
	p.unlink(victim)
	if err := victim.storage.Close(); err != nil {
		p.log.WithError(err).WithField("path", victim.path).Warn("filepool: error closing evicted handle")
	}
	victim.storage = nil
	victim.open = false
	p.open--
	p.log.WithField("path", victim.path).Debug("filepool: evicted least-recently-used handle")
	return true
}

// openEntry opens e's underlying file if not already open, evicting the
// least-recently-used handle first if the pool is at capacity. Called with
// p.mu held.
func (p *Pool) openEntry(e *entry) error {
	if e.open {
		p.touch(e)
		return nil
	}
	if e.path == "" {
		return phdierrors.NewNotFoundError("pool entry has no backing file")
	}
	if p.maxOpen > 0 && p.open >= p.maxOpen {
		if !p.evictOldest() {
			return phdierrors.NewUnsupportedError("file-IO pool at capacity with nothing evictable")
		}
	}

	storage, err := file.OpenFromPath(e.path)
	if err != nil {
		return phdierrors.NewIOError(e.path, "opening extent file", err)
	}
	e.storage = storage
	e.open = true
	p.open++
	p.pushFront(e)
	return nil
}

// ReadAt reads len(buf) bytes at file offset off from the extent file
// registered at poolEntry, opening it on demand.
func (p *Pool) ReadAt(poolEntry int, buf []byte, off int64) (int, error) {
	p.mu.Lock()
	if poolEntry < 0 || poolEntry >= len(p.entries) || p.entries[poolEntry] == nil {
		p.mu.Unlock()
		return 0, phdierrors.NewInvalidArgumentError("pool entry out of range")
	}
	e := p.entries[poolEntry]
	if err := p.openEntry(e); err != nil {
		p.mu.Unlock()
		return 0, err
	}
	storage := e.storage
	p.mu.Unlock()

	// The underlying os.File's ReadAt is safe for concurrent use across
	// goroutines; holding the pool lock across the actual I/O would
	// serialize reads across unrelated entries for no reason.
	n, err := storage.ReadAt(buf, off)
	if err != nil {
		return n, phdierrors.NewIOError(e.path, "reading extent file", err)
	}
	return n, nil
}

// StatSize opens poolEntry on demand if needed and returns its backing
// file's size in bytes.
func (p *Pool) StatSize(poolEntry int) (int64, error) {
	p.mu.Lock()
	if poolEntry < 0 || poolEntry >= len(p.entries) || p.entries[poolEntry] == nil {
		p.mu.Unlock()
		return 0, phdierrors.NewInvalidArgumentError("pool entry out of range")
	}
	e := p.entries[poolEntry]
	if err := p.openEntry(e); err != nil {
		p.mu.Unlock()
		return 0, err
	}
	storage := e.storage
	path := e.path
	p.mu.Unlock()

	info, err := storage.Stat()
	if err != nil {
		return 0, phdierrors.NewIOError(path, "stat-ing extent file", err)
	}
	return info.Size(), nil
}

// Close closes every open, non-pinned entry. Pinned (caller-supplied)
// entries are left for the caller to close.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for _, e := range p.entries {
		if e == nil || e.pinned || !e.open {
			continue
		}
		if err := e.storage.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.storage = nil
		e.open = false
	}
	p.root.prev = &p.root
	p.root.next = &p.root
	p.open = 0
	return firstErr
}
