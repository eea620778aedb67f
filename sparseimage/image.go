package sparseimage

import (
	"fmt"
	"io"

	"github.com/phdi-go/phdi/phdierrors"
)

// Image is a decoded compressed extent file: its header, its decoded block
// allocation table, and the block tree built from it. It answers reads by
// translating a logical offset into an extent file offset; it never holds
// decompressed data, since PHD's "Compressed" extents are sparse-encoded
// only (no real payload compression, an explicit Non-goal this reader
// honors throughout).
//
// Image does not own the file descriptor it was built from — it only holds
// an io.ReaderAt, typically a view into a file-IO pool entry. The pool, not
// the Image, owns open/close lifecycle; an Image evicted from the
// extent-table's LRU cache is simply dropped, safe to rebuild on demand.
type Image struct {
	storage io.ReaderAt
	header  *Header
	tree    *BlockTree
}

// OpenImage reads the header and block allocation table from storage and
// returns a ready-to-query Image. storage must already be positioned at
// file offset 0 logically; OpenImage only uses ReadAt, so any prior Seek on
// storage is irrelevant.
func OpenImage(storage io.ReaderAt) (*Image, error) {
	header, err := ReadHeader(storage)
	if err != nil {
		return nil, err
	}

	batBuf := make([]byte, header.AllocationTableByteSize())
	n, err := storage.ReadAt(batBuf, HeaderSize)
	if err != nil {
		return nil, phdierrors.NewIOError("", "reading block allocation table", err)
	}
	if int64(n) != header.AllocationTableByteSize() {
		return nil, phdierrors.NewInvalidFormatError(fmt.Sprintf("block allocation table short read: got %d bytes, need %d", n, header.AllocationTableByteSize()))
	}

	rawEntries, err := DecodeAllocationTable(batBuf)
	if err != nil {
		return nil, err
	}

	return &Image{
		storage: storage,
		header:  header,
		tree:    BuildBlockTree(rawEntries),
	}, nil
}

// Header returns the image's parsed sparse header.
func (img *Image) Header() *Header {
	return img.header
}

// LogicalSize is the size, in bytes, of the data this image's blocks cover.
func (img *Image) LogicalSize() int64 {
	return img.header.LogicalSize()
}

// ReadAt reads len(p) bytes starting at logical offset off within this
// image, routing each block boundary through the block tree. A read that
// falls entirely within a sparse hole is zero-filled rather than failing,
// matching a thin-provisioned expanding disk's semantics: unallocated
// blocks read as zero.
func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		logicalOffset := off + int64(total)
		if logicalOffset >= img.LogicalSize() {
			break
		}

		desc, intraOffset, allocated := img.tree.Lookup(logicalOffset)

		remainingInBlock := BlockSize - intraOffset
		chunk := int64(len(p) - total)
		if chunk > remainingInBlock {
			chunk = remainingInBlock
		}
		if logicalOffset+chunk > img.LogicalSize() {
			chunk = img.LogicalSize() - logicalOffset
		}
		if chunk <= 0 {
			break
		}

		dst := p[total : int64(total)+chunk]
		if !allocated {
			for i := range dst {
				dst[i] = 0
			}
		} else {
			n, err := img.storage.ReadAt(dst, desc.FileOffset+intraOffset)
			if err != nil {
				return total, phdierrors.NewIOError("", "reading compressed block", err)
			}
			if int64(n) != chunk {
				return total, phdierrors.NewIOError("", fmt.Sprintf("short read within block: got %d, want %d", n, chunk), nil)
			}
		}

		total += int(chunk)
	}
	return total, nil
}
