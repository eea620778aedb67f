// Package sparseimage implements the on-disk format of a compressed PHD
// extent file: the 64-byte header, its block allocation table, and the
// block tree that maps a logical offset inside the extent to the physical
// block holding it.
package sparseimage

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/phdi-go/phdi/phdierrors"
)

const (
	// HeaderSize is the fixed size, in bytes, of a sparse image header.
	HeaderSize = 64

	// BlockSizeSectors is the only block size this format recognizes:
	// 2048 sectors, i.e. 1 MiB.
	BlockSizeSectors = 2048

	// SectorSize is the fixed logical sector size for the whole format.
	SectorSize = 512

	// BlockSize is the block granularity in bytes (1 MiB).
	BlockSize = BlockSizeSectors * SectorSize

	// formatVersion is the only recognized format_version value.
	formatVersion = 0x00010000

	// maxAllocationTableEntries bounds number_of_allocation_table_entries
	// so that entries*4 cannot overflow a platform int.
	maxAllocationTableEntries = (1 << 62) / 4
)

var (
	magicPrimary   = [16]byte{'W', 'i', 't', 'h', 'o', 'u', 't', 'F', 'r', 'e', 'e', 'S', 'p', 'a', 'c', 'e'}
	magicAlternate = [16]byte{'W', 'i', 't', 'h', 'o', 'u', 'F', 'r', 'e', 'S', 'p', 'a', 'c', 'E', 'x', 't'}
)

// Header is the parsed form of a compressed extent file's 64-byte header.
// Integers are big-endian on disk (the compatibility file-footer format this
// is derived from); BAT entries, decoded separately by DecodeAllocationTable,
// are little-endian instead — see BuildBlockTree's doc comment.
type Header struct {
	FormatVersion                  uint32
	Heads                          uint32
	Cylinders                      uint32
	BlockSizeInSectors             uint32
	NumberOfAllocationTableEntries uint32
	NumberOfSectors                uint64
}

// NotSparseImageError is returned by ReadHeader when the first 64 bytes are
// well-formed (a full, short-read-free header) but do not carry either
// recognized magic. The caller's next step is to try the file as a plain
// extent instead.
type NotSparseImageError struct{}

func (e *NotSparseImageError) Error() string {
	return "not a sparse image, try plain"
}

// ReadHeader reads and validates the 64-byte header at the start of r.
//
// A signature mismatch on an otherwise well-formed block returns
// *NotSparseImageError, the signal to the caller to fall back to treating the
// extent as a plain file. A short read, an unrecognized block size, a zero,
// or an absurdly large NumberOfAllocationTableEntries returns
// *phdierrors.InvalidFormatError. An unrecognized format version returns
// *phdierrors.UnsupportedError.
func ReadHeader(r io.ReaderAt) (*Header, error) {
	buf := make([]byte, HeaderSize)
	n, err := r.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return nil, phdierrors.NewIOError("", "reading sparse image header", err)
	}
	if n != HeaderSize {
		return nil, phdierrors.NewInvalidFormatError(fmt.Sprintf("header short read: got %d bytes, need %d", n, HeaderSize))
	}

	var magic [16]byte
	copy(magic[:], buf[0:16])
	if magic != magicPrimary && magic != magicAlternate {
		return nil, &NotSparseImageError{}
	}

	h := &Header{
		FormatVersion:                  binary.BigEndian.Uint32(buf[0x10:0x14]),
		Heads:                          binary.BigEndian.Uint32(buf[0x14:0x18]),
		Cylinders:                      binary.BigEndian.Uint32(buf[0x18:0x1C]),
		BlockSizeInSectors:             binary.BigEndian.Uint32(buf[0x1C:0x20]),
		NumberOfAllocationTableEntries: binary.BigEndian.Uint32(buf[0x20:0x24]),
		NumberOfSectors:                binary.BigEndian.Uint64(buf[0x24:0x2C]),
	}

	if h.FormatVersion != formatVersion {
		return nil, phdierrors.NewUnsupportedError(fmt.Sprintf("unsupported sparse image format version 0x%08x", h.FormatVersion))
	}
	if h.BlockSizeInSectors != BlockSizeSectors {
		return nil, phdierrors.NewInvalidFormatError(fmt.Sprintf("unsupported block size %d sectors, want %d", h.BlockSizeInSectors, BlockSizeSectors))
	}
	if h.NumberOfAllocationTableEntries == 0 {
		return nil, phdierrors.NewInvalidFormatError("number of allocation table entries is zero")
	}
	if uint64(h.NumberOfAllocationTableEntries) > maxAllocationTableEntries {
		return nil, phdierrors.NewInvalidFormatError("number of allocation table entries would overflow the allocation table size")
	}

	return h, nil
}

// LogicalSize is the size, in bytes, of the data this header describes.
func (h *Header) LogicalSize() int64 {
	return int64(h.NumberOfSectors) * SectorSize
}

// AllocationTableByteSize is the size, in bytes, of the block allocation
// table that immediately follows the header.
func (h *Header) AllocationTableByteSize() int64 {
	return int64(h.NumberOfAllocationTableEntries) * 4
}
