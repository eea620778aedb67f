package extenttable

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/phdi-go/phdi/phdierrors"
	"github.com/phdi-go/phdi/sparseimage"
)

// defaultCacheEntries bounds how many decoded storage images an Expanding
// disk keeps open at once.
const defaultCacheEntries = 8

// extentInfo is one Expanding-disk extent's placement within the logical
// volume. Compressed extents always start at file offset 0 (enforced by
// Table.SetExtent), so only the logical span within the volume matters
// here.
type extentInfo struct {
	poolEntry   int
	fileSize    int64
	logicalSize int64
	start       int64 // cumulative logical offset this extent begins at
}

// imageCacheEntry is one node of the intrusive LRU list: a decoded storage
// image plus its position bookkeeping. A map gives O(1) lookup by extent
// index; a circular doubly linked list gives O(1) recency tracking.
type imageCacheEntry struct {
	index int
	image *sparseimage.Image

	prev, next *imageCacheEntry
}

// poolReaderAt adapts a single pool entry of a PoolReader into an
// io.ReaderAt, the minimal surface sparseimage.OpenImage needs.
type poolReaderAt struct {
	pool      PoolReader
	poolEntry int
}

func (r poolReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return r.pool.ReadAt(r.poolEntry, p, off)
}

// CachedStorageImageList is the Expanding-disk routing structure: extents
// indexed by logical byte range, each resolving to a sparseimage.Image
// loaded lazily and kept in a bounded LRU cache.
type CachedStorageImageList struct {
	mu       sync.Mutex
	log      *logrus.Entry
	extents  []extentInfo
	total    int64
	filled   int
	cache    map[int]*imageCacheEntry
	root     imageCacheEntry
	maxItems int
}

func newCachedStorageImageList(numExtents, maxItems int, log *logrus.Entry) *CachedStorageImageList {
	l := &CachedStorageImageList{
		extents:  make([]extentInfo, numExtents),
		cache:    make(map[int]*imageCacheEntry),
		maxItems: maxItems,
		log:      log,
	}
	l.root.prev = &l.root
	l.root.next = &l.root
	return l
}

// append records extent index's placement. Extents must be appended in
// index order (0, 1, 2, ...), matching how Table.SetExtent is driven by
// Handle.OpenExtentDataFiles's sequential loop over extents.
func (l *CachedStorageImageList) append(index, poolEntry int, fileSize, logicalSize int64) {
	l.extents[index] = extentInfo{
		poolEntry:   poolEntry,
		fileSize:    fileSize,
		logicalSize: logicalSize,
		start:       l.total,
	}
	l.total += logicalSize
	l.filled++
}

// TotalLength is the sum of every extent's logical size.
func (l *CachedStorageImageList) TotalLength() int64 {
	return l.total
}

func (l *CachedStorageImageList) find(off int64) int {
	for i := range l.extents {
		e := &l.extents[i]
		if off >= e.start && off < e.start+e.logicalSize {
			return i
		}
	}
	return -1
}

func (l *CachedStorageImageList) unlink(e *imageCacheEntry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev = nil
	e.next = nil
}

func (l *CachedStorageImageList) pushFront(e *imageCacheEntry) {
	e.next = l.root.next
	e.prev = &l.root
	l.root.next.prev = e
	l.root.next = e
}

// evictOldest drops the least-recently-used cached image. Called with
// l.mu held.
func (l *CachedStorageImageList) evictOldest() {
	victim := l.root.prev
	if victim == &l.root {
		return
	}
	l.unlink(victim)
	delete(l.cache, victim.index)
	l.log.WithField("extent", victim.index).Debug("extenttable: evicted storage image from cache")
}

// GetExtentFileAtOffset resolves the extent covering logical offset off,
// opening and decoding its storage image on a cache miss. The returned
// offsetInExtent is off relative to the start of that extent.
func (l *CachedStorageImageList) GetExtentFileAtOffset(off int64, pool PoolReader) (extentIndex int, offsetInExtent int64, img *sparseimage.Image, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.find(off)
	if idx < 0 {
		return 0, 0, nil, phdierrors.NewInvalidArgumentError("offset outside any known extent")
	}
	e := &l.extents[idx]
	offsetInExtent = off - e.start

	if entry, ok := l.cache[idx]; ok {
		l.unlink(entry)
		l.pushFront(entry)
		return idx, offsetInExtent, entry.image, nil
	}

	image, err := sparseimage.OpenImage(poolReaderAt{pool: pool, poolEntry: e.poolEntry})
	if err != nil {
		return 0, 0, nil, err
	}

	if l.maxItems > 0 && len(l.cache) >= l.maxItems {
		l.evictOldest()
	}
	entry := &imageCacheEntry{index: idx, image: image}
	l.cache[idx] = entry
	l.pushFront(entry)

	return idx, offsetInExtent, image, nil
}

// clear drops every cached image. Safe to call repeatedly.
func (l *CachedStorageImageList) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache = make(map[int]*imageCacheEntry)
	l.root.prev = &l.root
	l.root.next = &l.root
}

// ReadAt reads len(buf) bytes starting at logical offset off, resolving
// each covered extent's storage image and delegating the block-level read
// to it. A read spanning more than one extent walks extent by extent.
// Table.ReadAt is its caller; Handle does not use it, and instead drives
// its own block-by-block loop through GetExtentFileAtOffset.
func (l *CachedStorageImageList) ReadAt(pool PoolReader, buf []byte, off int64) (int, error) {
	total := 0
	for total < len(buf) {
		logicalOffset := off + int64(total)
		if logicalOffset >= l.total {
			break
		}

		_, offsetInExtent, img, err := l.GetExtentFileAtOffset(logicalOffset, pool)
		if err != nil {
			return total, err
		}

		remaining := img.LogicalSize() - offsetInExtent
		chunk := int64(len(buf) - total)
		if chunk > remaining {
			chunk = remaining
		}
		if chunk <= 0 {
			break
		}

		n, err := img.ReadAt(buf[total:int64(total)+chunk], offsetInExtent)
		if err != nil {
			return total, err
		}
		total += n
		if int64(n) != chunk {
			break
		}
	}
	return total, nil
}
