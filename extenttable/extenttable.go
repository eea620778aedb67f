// Package extenttable implements the per-disk routing structure that binds
// logical offsets to either a segment stream (Fixed disks) or a cached list
// of storage images (Expanding disks).
package extenttable

import (
	"github.com/sirupsen/logrus"

	"github.com/phdi-go/phdi/internal/xlog"
	"github.com/phdi-go/phdi/phdierrors"
	"github.com/phdi-go/phdi/sparseimage"
)

// DiskType is the whole-disk shape: every extent on a Fixed disk is Plain,
// every extent on an Expanding disk is Compressed. Mixing is rejected at
// SetExtent.
type DiskType int

const (
	DiskTypeUnknown DiskType = iota
	DiskTypeFixed
	DiskTypeExpanding
)

func (d DiskType) String() string {
	switch d {
	case DiskTypeFixed:
		return "Fixed"
	case DiskTypeExpanding:
		return "Expanding"
	default:
		return "Unknown"
	}
}

// ImageType is the per-extent encoding.
type ImageType int

const (
	ImageTypeUnknown ImageType = iota
	ImageTypePlain
	ImageTypeCompressed
)

func (t ImageType) String() string {
	switch t {
	case ImageTypePlain:
		return "Plain"
	case ImageTypeCompressed:
		return "Compressed"
	default:
		return "Unknown"
	}
}

// PoolReader is the read-side surface of a file-IO pool, as consumed by the
// extent table and the storage images it manages. filepool.Pool satisfies
// this.
type PoolReader interface {
	ReadAt(poolEntry int, buf []byte, off int64) (int, error)
}

// Table is the routing structure that binds logical offsets to either a
// fixed-disk segment stream or an expanding-disk cached storage-image list,
// never both. Initialization is two-phase: InitializeExtents fixes the
// shape and disk type, then one SetExtent call per extent fills it in.
type Table struct {
	log      *logrus.Entry
	diskType DiskType
	numExt   int
	pinned   bool // image type pinned by the first SetExtent call

	imageType ImageType
	stream    *SegmentStream
	list      *CachedStorageImageList
}

// New returns an uninitialized Table; call InitializeExtents before use.
func New(log *logrus.Entry) *Table {
	if log == nil {
		log = xlog.Nop()
	}
	return &Table{log: log}
}

// InitializeExtents allocates the routing structure appropriate to
// diskType and records the number of extents the disk declares. Calling
// this twice on the same Table is an AlreadySetError.
func (t *Table) InitializeExtents(numberOfExtents int, diskType DiskType) error {
	if t.diskType != DiskTypeUnknown {
		return phdierrors.NewAlreadySetError("extent table already initialized")
	}
	if numberOfExtents <= 0 {
		return phdierrors.NewInvalidArgumentError("number of extents must be positive")
	}
	if diskType != DiskTypeFixed && diskType != DiskTypeExpanding {
		return phdierrors.NewInvalidArgumentError("disk type must be Fixed or Expanding")
	}

	t.diskType = diskType
	t.numExt = numberOfExtents
	switch diskType {
	case DiskTypeFixed:
		t.stream = newSegmentStream()
	case DiskTypeExpanding:
		t.list = newCachedStorageImageList(numberOfExtents, defaultCacheEntries, t.log)
	}
	return nil
}

// DiskType reports the disk type this table was initialized with.
func (t *Table) DiskType() DiskType {
	return t.diskType
}

// NumExtents reports the number of extents this table was initialized for.
func (t *Table) NumExtents() int {
	return t.numExt
}

// SetExtent is phase two of initialization: it records one extent's shape.
// poolEntry must equal the extent's index; the first call pins imageType
// for the whole disk and cross-checks it against the table's disk type
// (Fixed⇔Plain, Expanding⇔Compressed); every later call must agree.
func (t *Table) SetExtent(index, poolEntry int, extentFileSize, extentOffsetInFile, extentSize int64, imageType ImageType) error {
	if t.diskType == DiskTypeUnknown {
		return phdierrors.NewInvalidArgumentError("extent table not initialized")
	}
	if index < 0 || index >= t.numExt {
		return phdierrors.NewInvalidArgumentError("extent index out of range")
	}

	if !t.pinned {
		if (t.diskType == DiskTypeFixed) != (imageType == ImageTypePlain) {
			return phdierrors.NewUnsupportedError("fixed disks must contain only Plain extents, expanding disks only Compressed")
		}
		t.imageType = imageType
		t.pinned = true
	} else if imageType != t.imageType {
		return phdierrors.NewUnsupportedError("mixed image types within a single disk are not supported")
	}

	switch imageType {
	case ImageTypePlain:
		if extentOffsetInFile < 0 || extentOffsetInFile >= extentFileSize {
			return phdierrors.NewInvalidArgumentError("plain extent offset out of range")
		}
		if extentOffsetInFile+extentSize > extentFileSize {
			return phdierrors.NewInvalidArgumentError("plain extent exceeds its backing file")
		}
		t.stream.append(segment{poolEntry: poolEntry, fileOffset: extentOffsetInFile, length: extentSize})
	case ImageTypeCompressed:
		if extentOffsetInFile != 0 {
			return phdierrors.NewInvalidArgumentError("compressed extents must start at file offset 0")
		}
		t.list.append(index, poolEntry, extentFileSize, extentSize)
	default:
		return phdierrors.NewInvalidArgumentError("unknown image type")
	}
	return nil
}

// ReadAt reads len(buf) bytes at logical offset off against the routing
// structure this table owns, dispatching to the segment stream or the
// cached storage image list depending on disk type.
func (t *Table) ReadAt(pool PoolReader, buf []byte, off int64) (int, error) {
	switch t.diskType {
	case DiskTypeFixed:
		return t.stream.ReadAt(pool, buf, off)
	case DiskTypeExpanding:
		return t.list.ReadAt(pool, buf, off)
	default:
		return 0, phdierrors.NewInvalidArgumentError("extent table not initialized")
	}
}

// Close releases cached storage-image state. Safe to call more than once.
func (t *Table) Close() {
	if t.list != nil {
		t.list.clear()
	}
}

// GetExtentFileAtOffset is the Expanding-disk lookup, exposed directly so
// Handle can drive its own abort-aware read loop (checking the abort flag
// between blocks) rather than delegating a whole read to the list in one
// uninterruptible call.
func (t *Table) GetExtentFileAtOffset(off int64, pool PoolReader) (extentIndex int, offsetInExtent int64, img *sparseimage.Image, err error) {
	if t.diskType != DiskTypeExpanding {
		return 0, 0, nil, phdierrors.NewInvalidArgumentError("GetExtentFileAtOffset is only valid for expanding disks")
	}
	return t.list.GetExtentFileAtOffset(off, pool)
}

// Stream returns the Fixed-disk segment stream. Returns nil for an
// Expanding disk.
func (t *Table) Stream() *SegmentStream {
	return t.stream
}

// TotalLength is the sum of every extent's logical size, regardless of
// disk type.
func (t *Table) TotalLength() int64 {
	switch t.diskType {
	case DiskTypeFixed:
		return t.stream.TotalLength()
	case DiskTypeExpanding:
		return t.list.TotalLength()
	default:
		return 0
	}
}
