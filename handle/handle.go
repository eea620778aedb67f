// Package handle implements the public, concurrency-safe object that
// opens a PHD/PHDI disk image and answers reads against it as a single
// contiguous, sparse, byte-addressable volume.
package handle

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/phdi-go/phdi/backend"
	"github.com/phdi-go/phdi/backend/file"
	"github.com/phdi-go/phdi/descriptor"
	"github.com/phdi-go/phdi/extenttable"
	"github.com/phdi-go/phdi/filepool"
	"github.com/phdi-go/phdi/internal/xlog"
	"github.com/phdi-go/phdi/pathresolve"
	"github.com/phdi-go/phdi/phdierrors"
	"github.com/phdi-go/phdi/sparseimage"
)

// AccessFlags governs how a Handle may be opened. The library is read-only:
// AccessWrite is accepted as a flag value so a caller's intent is visible
// in code, but Open always rejects it.
type AccessFlags int

const (
	AccessRead AccessFlags = 1 << iota
	AccessWrite
)

const descriptorFileName = "DiskDescriptor.xml"

// Handle is a single open disk image. It is safe for concurrent use: public
// methods take rwLock in shared mode for read-only queries and in exclusive
// mode for anything that mutates current offset or lifecycle state
// (including ReadBuffer and ReadBufferAtOffset). SignalAbort takes no lock;
// it only sets an atomic flag.
type Handle struct {
	rwLock sync.RWMutex
	log    *logrus.Entry

	open bool

	disk      descriptor.DiskParameters
	extents   []descriptor.ExtentValues
	snapshots []descriptor.SnapshotValues
	extTable  *extenttable.Table

	descriptorStorage backend.Storage
	descriptorOwned   bool
	dataFilesPath     string

	pool          *filepool.Pool
	poolOwned     bool
	extentsOpened bool

	currentOffset  int64
	maxOpenHandles int

	aborted atomic.Bool
}

// New returns an unopened Handle. Use Open or OpenFileIoHandle to populate
// it.
func New(log *logrus.Entry) *Handle {
	if log == nil {
		log = xlog.Nop()
	}
	return &Handle{log: log}
}

// Open opens filename, which may name the descriptor file directly or a
// directory containing DiskDescriptor.xml.
func (h *Handle) Open(filename string, flags AccessFlags) error {
	if flags&AccessWrite != 0 {
		return phdierrors.NewUnsupportedError("write access is not supported")
	}

	h.rwLock.Lock()
	defer h.rwLock.Unlock()
	if h.open {
		return phdierrors.NewAlreadyOpenError("handle already open")
	}

	descriptorPath, dataDir, err := resolveDescriptorPath(filename)
	if err != nil {
		return err
	}

	storage, err := file.OpenFromPath(descriptorPath)
	if err != nil {
		return phdierrors.NewIOError(descriptorPath, "opening descriptor file", err)
	}

	if err := h.openFromStorage(storage, true, dataDir); err != nil {
		storage.Close()
		return err
	}
	return nil
}

// OpenFileIoHandle opens a descriptor already available as an open
// backend.Storage (e.g. supplied by a caller that manages its own file
// handles). No directory fallback is attempted; data_files_path is left
// unset until SetExtentDataFilesPath is called.
func (h *Handle) OpenFileIoHandle(storage backend.Storage, flags AccessFlags) error {
	if flags&AccessWrite != 0 {
		return phdierrors.NewUnsupportedError("write access is not supported")
	}

	h.rwLock.Lock()
	defer h.rwLock.Unlock()
	if h.open {
		return phdierrors.NewAlreadyOpenError("handle already open")
	}

	return h.openFromStorage(storage, false, "")
}

// openFromStorage does the shared work of Open/OpenFileIoHandle. Called
// with rwLock held.
func (h *Handle) openFromStorage(storage backend.Storage, owned bool, dataDir string) error {
	info, err := storage.Stat()
	if err != nil {
		return phdierrors.NewIOError("", "stat-ing descriptor file", err)
	}

	raw := make([]byte, info.Size())
	if _, err := storage.ReadAt(raw, 0); err != nil && err != io.EOF {
		return phdierrors.NewIOError("", "reading descriptor file", err)
	}

	projected, err := descriptor.Parse(raw)
	if err != nil {
		return err
	}

	table := extenttable.New(h.log)
	if err := table.InitializeExtents(len(projected.Extents), projected.DiskType); err != nil {
		return err
	}

	h.disk = projected.Disk
	h.extents = projected.Extents
	h.snapshots = projected.Snapshots
	h.extTable = table
	h.descriptorStorage = storage
	h.descriptorOwned = owned
	h.dataFilesPath = dataDir
	h.currentOffset = 0
	h.open = true
	h.aborted.Store(false)

	h.log.WithFields(logrus.Fields{
		"extents":   len(h.extents),
		"diskType":  projected.DiskType.String(),
		"mediaSize": h.disk.MediaSize,
	}).Debug("handle: opened descriptor")
	return nil
}

func resolveDescriptorPath(filename string) (descriptorPath, dataDir string, err error) {
	info, statErr := os.Stat(filename)
	if statErr == nil && info.IsDir() {
		return filepath.Join(filename, descriptorFileName), filename, nil
	}
	return filename, filepath.Dir(filename), nil
}

// OpenExtentDataFiles builds the file-IO pool internally: for every
// extent's first image, resolves its path and registers it, then runs
// phase two of extent-table initialization.
func (h *Handle) OpenExtentDataFiles() error {
	h.rwLock.Lock()
	defer h.rwLock.Unlock()
	if !h.open {
		return phdierrors.NewInvalidArgumentError("handle not open")
	}
	if h.extentsOpened {
		return phdierrors.NewAlreadyOpenError("extent data files already opened")
	}

	pool := filepool.New(h.maxOpenHandles, h.log)
	for i, ext := range h.extents {
		if len(ext.Images) == 0 {
			pool.Close()
			return phdierrors.NewNotFoundError(fmt.Sprintf("extent %d has no images", i))
		}
		path, err := pathresolve.Join(h.dataFilesPath, ext.Images[0].Filename)
		if err != nil {
			pool.Close()
			return phdierrors.NewInvalidFormatError(fmt.Sprintf("resolving path for extent %d: %v", i, err))
		}
		if err := pool.InsertPath(i, path); err != nil {
			pool.Close()
			return err
		}
	}

	if pool.Count() != len(h.extents) {
		pool.Close()
		return phdierrors.NewIOError("", "file-IO pool entry count does not match extent count", nil)
	}

	if err := h.finishOpeningExtents(pool); err != nil {
		pool.Close()
		return err
	}

	h.pool = pool
	h.poolOwned = true
	h.extentsOpened = true
	return nil
}

// OpenExtentDataFilesFileIoPool accepts a caller-supplied pool. Entry i
// MUST already correspond to extent i; the caller retains ownership and
// Close will not close these handles.
func (h *Handle) OpenExtentDataFilesFileIoPool(pool *filepool.Pool) error {
	h.rwLock.Lock()
	defer h.rwLock.Unlock()
	if !h.open {
		return phdierrors.NewInvalidArgumentError("handle not open")
	}
	if h.extentsOpened {
		return phdierrors.NewAlreadyOpenError("extent data files already opened")
	}
	if pool.Count() != len(h.extents) {
		return phdierrors.NewInvalidArgumentError("supplied pool entry count does not match extent count")
	}

	if err := h.finishOpeningExtents(pool); err != nil {
		return err
	}

	h.pool = pool
	h.poolOwned = false
	h.extentsOpened = true
	return nil
}

// finishOpeningExtents runs extent-table phase two: for each extent, reads
// its backing file's size through the pool and calls Table.SetExtent.
// Called with rwLock held.
func (h *Handle) finishOpeningExtents(pool *filepool.Pool) error {
	for i, ext := range h.extents {
		size, err := poolEntrySize(pool, i)
		if err != nil {
			return err
		}
		if err := h.extTable.SetExtent(i, i, size, ext.Offset, int64(ext.Size), ext.Type); err != nil {
			return err
		}
	}
	return nil
}

// poolEntrySize returns poolEntry's backing file size, opening it through
// the pool on demand if needed.
func poolEntrySize(pool *filepool.Pool, poolEntry int) (int64, error) {
	return pool.StatSize(poolEntry)
}

// Close releases internally-opened resources. Idempotent.
func (h *Handle) Close() error {
	h.rwLock.Lock()
	defer h.rwLock.Unlock()
	if !h.open {
		return nil
	}

	var firstErr error
	if h.extTable != nil {
		h.extTable.Close()
	}
	if h.poolOwned && h.pool != nil {
		if err := h.pool.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h.descriptorOwned && h.descriptorStorage != nil {
		if err := h.descriptorStorage.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	h.open = false
	h.extents = nil
	h.snapshots = nil
	h.extTable = nil
	h.pool = nil
	h.descriptorStorage = nil
	h.extentsOpened = false
	h.currentOffset = 0

	h.log.Debug("handle: closed")
	return firstErr
}

// GetMediaSize returns the logical volume size in bytes.
func (h *Handle) GetMediaSize() (uint64, error) {
	h.rwLock.RLock()
	defer h.rwLock.RUnlock()
	if !h.open {
		return 0, phdierrors.NewInvalidArgumentError("handle not open")
	}
	return h.disk.MediaSize, nil
}

// GetUTF8Name returns the descriptor's disk name, if any.
func (h *Handle) GetUTF8Name() (string, bool, error) {
	h.rwLock.RLock()
	defer h.rwLock.RUnlock()
	if !h.open {
		return "", false, phdierrors.NewInvalidArgumentError("handle not open")
	}
	return h.disk.Name, h.disk.HasName, nil
}

// GetNumberOfExtents returns the number of extents the descriptor declared.
func (h *Handle) GetNumberOfExtents() (int, error) {
	h.rwLock.RLock()
	defer h.rwLock.RUnlock()
	if !h.open {
		return 0, phdierrors.NewInvalidArgumentError("handle not open")
	}
	return len(h.extents), nil
}

// GetExtentDescriptor returns a copy of extent i's metadata, safe to use
// after the parent Handle closes.
func (h *Handle) GetExtentDescriptor(i int) (descriptor.ExtentValues, error) {
	h.rwLock.RLock()
	defer h.rwLock.RUnlock()
	if !h.open {
		return descriptor.ExtentValues{}, phdierrors.NewInvalidArgumentError("handle not open")
	}
	if i < 0 || i >= len(h.extents) {
		return descriptor.ExtentValues{}, phdierrors.NewInvalidArgumentError("extent index out of range")
	}
	ext := h.extents[i]
	images := make([]descriptor.ImageValues, len(ext.Images))
	copy(images, ext.Images)
	ext.Images = images
	return ext, nil
}

// GetNumberOfSnapshots returns the number of snapshots the descriptor
// declared.
func (h *Handle) GetNumberOfSnapshots() (int, error) {
	h.rwLock.RLock()
	defer h.rwLock.RUnlock()
	if !h.open {
		return 0, phdierrors.NewInvalidArgumentError("handle not open")
	}
	return len(h.snapshots), nil
}

// GetSnapshot returns a copy of snapshot i's metadata.
func (h *Handle) GetSnapshot(i int) (descriptor.SnapshotValues, error) {
	h.rwLock.RLock()
	defer h.rwLock.RUnlock()
	if !h.open {
		return descriptor.SnapshotValues{}, phdierrors.NewInvalidArgumentError("handle not open")
	}
	if i < 0 || i >= len(h.snapshots) {
		return descriptor.SnapshotValues{}, phdierrors.NewInvalidArgumentError("snapshot index out of range")
	}
	return h.snapshots[i], nil
}

// DebugString formats the handle's disk parameters, extent list, and
// snapshot list for diagnostic logging. Safe to call whether or not the
// extent data files have been opened.
func (h *Handle) DebugString() string {
	h.rwLock.RLock()
	defer h.rwLock.RUnlock()
	if !h.open {
		return "handle: not open"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "mediaSize=%d cylinders=%d heads=%d sectors=%d",
		h.disk.MediaSize, h.disk.NumberOfCylinders, h.disk.NumberOfHeads, h.disk.NumberOfSectors)
	if h.disk.HasName {
		fmt.Fprintf(&b, " name=%q", h.disk.Name)
	}
	if h.disk.HasIdentifier {
		fmt.Fprintf(&b, " id=%s", h.disk.Identifier)
	}
	fmt.Fprintf(&b, " diskType=%s extentsOpened=%v", h.extTable.DiskType(), h.extentsOpened)

	for i, ext := range h.extents {
		fmt.Fprintf(&b, "\n  extent[%d]: offset=%d size=%d type=%s images=%d",
			i, ext.Offset, ext.Size, ext.Type, len(ext.Images))
	}
	for i, snap := range h.snapshots {
		fmt.Fprintf(&b, "\n  snapshot[%d]: id=%s hasParent=%v", i, snap.Identifier, snap.HasParent)
	}
	return b.String()
}

// SetMaximumNumberOfOpenHandles sets the file-IO pool's open-descriptor
// cap. Must be called before OpenExtentDataFiles.
func (h *Handle) SetMaximumNumberOfOpenHandles(n int) error {
	h.rwLock.Lock()
	defer h.rwLock.Unlock()
	if h.extentsOpened {
		return phdierrors.NewAlreadySetError("extent data files already opened")
	}
	h.maxOpenHandles = n
	return nil
}

// SetExtentDataFilesPath overrides the directory extent files are resolved
// against. Must be called before OpenExtentDataFiles.
func (h *Handle) SetExtentDataFilesPath(p string) error {
	h.rwLock.Lock()
	defer h.rwLock.Unlock()
	if h.extentsOpened {
		return phdierrors.NewAlreadySetError("extent data files already opened")
	}
	h.dataFilesPath = p
	return nil
}

// GetOffset returns the current read offset.
func (h *Handle) GetOffset() int64 {
	h.rwLock.RLock()
	defer h.rwLock.RUnlock()
	return h.currentOffset
}

// SignalAbort sets the abort flag; in-flight and future reads return early
// with the bytes collected so far, not an error.
func (h *Handle) SignalAbort() {
	h.aborted.Store(true)
}

// SeekOffset repositions current_offset per whence (io.SeekStart,
// io.SeekCurrent, io.SeekEnd).
func (h *Handle) SeekOffset(offset int64, whence int) (int64, error) {
	h.rwLock.Lock()
	defer h.rwLock.Unlock()
	if !h.open {
		return 0, phdierrors.NewInvalidArgumentError("handle not open")
	}

	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = h.currentOffset + offset
	case io.SeekEnd:
		newOffset = int64(h.disk.MediaSize) + offset
	default:
		return 0, phdierrors.NewInvalidArgumentError("invalid whence")
	}
	if newOffset < 0 {
		return 0, phdierrors.NewInvalidArgumentError("resulting offset would be negative")
	}

	h.currentOffset = newOffset
	return newOffset, nil
}

// ReadBuffer reads up to len(buf) bytes from current_offset, advancing it
// by the number of bytes actually read.
func (h *Handle) ReadBuffer(buf []byte) (int, error) {
	h.rwLock.Lock()
	defer h.rwLock.Unlock()
	if !h.open {
		return 0, phdierrors.NewInvalidArgumentError("handle not open")
	}
	if !h.extentsOpened {
		return 0, phdierrors.NewInvalidArgumentError("extent data files not opened")
	}

	n, err := h.readAtLocked(buf, h.currentOffset)
	h.currentOffset += int64(n)
	return n, err
}

// ReadBufferAtOffset seeks to offset then reads, leaving current_offset at
// offset + the number of bytes actually read.
func (h *Handle) ReadBufferAtOffset(buf []byte, offset int64) (int, error) {
	h.rwLock.Lock()
	defer h.rwLock.Unlock()
	if !h.open {
		return 0, phdierrors.NewInvalidArgumentError("handle not open")
	}
	if !h.extentsOpened {
		return 0, phdierrors.NewInvalidArgumentError("extent data files not opened")
	}
	if offset < 0 {
		return 0, phdierrors.NewInvalidArgumentError("offset must be non-negative")
	}

	n, err := h.readAtLocked(buf, offset)
	h.currentOffset = offset + int64(n)
	return n, err
}

// readAtLocked reads against the extent table's routing structure, clamped
// to the media size. Called with rwLock held in exclusive mode.
func (h *Handle) readAtLocked(buf []byte, offset int64) (int, error) {
	mediaSize := int64(h.disk.MediaSize)
	if offset >= mediaSize {
		return 0, nil
	}
	want := len(buf)
	if remain := mediaSize - offset; int64(want) > remain {
		want = int(remain)
	}
	buf = buf[:want]

	switch h.extTable.DiskType() {
	case extenttable.DiskTypeFixed:
		n, err := h.extTable.Stream().ReadAt(h.pool, buf, offset)
		if err != nil {
			return n, err
		}
		return n, nil
	case extenttable.DiskTypeExpanding:
		return h.readExpandingLocked(buf, offset)
	default:
		return 0, phdierrors.NewInvalidArgumentError("extent table not initialized")
	}
}

// readExpandingLocked reads at most one 1-MiB block per iteration, each
// delegated to its extent's decoded storage image (which zero-fills sparse
// holes), and checks the abort flag before every block.
func (h *Handle) readExpandingLocked(buf []byte, offset int64) (int, error) {
	total := 0
	for total < len(buf) {
		if h.aborted.Load() {
			h.log.WithField("bytesRead", total).Debug("handle: read aborted")
			break
		}

		logicalOffset := offset + int64(total)
		_, offsetInExtent, img, err := h.extTable.GetExtentFileAtOffset(logicalOffset, h.pool)
		if err != nil {
			return total, err
		}

		remaining := img.LogicalSize() - offsetInExtent
		chunk := int64(len(buf) - total)
		if chunk > remaining {
			chunk = remaining
		}
		if inBlock := sparseimage.BlockSize - offsetInExtent%sparseimage.BlockSize; chunk > inBlock {
			chunk = inBlock
		}
		if chunk <= 0 {
			break
		}

		n, err := img.ReadAt(buf[total:int64(total)+chunk], offsetInExtent)
		total += n
		if err != nil {
			return total, err
		}
		if int64(n) != chunk {
			break
		}
	}
	return total, nil
}
