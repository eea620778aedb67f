package sparseimage

import "github.com/phdi-go/phdi/phdierrors"

// BlockDescriptor locates one allocated block's payload within an extent
// file. PoolEntry mirrors libphdi's file_io_pool_entry indirection; this
// reader has a single file per extent, so it is always 0 and kept only for
// shape parity with the BAT entry it was decoded from.
type BlockDescriptor struct {
	PoolEntry  int32
	FileOffset int64
}

// BlockTree maps a block index (logical offset / BlockSize) to the
// BlockDescriptor holding its data. Spec explicitly allows a flat-array
// realization instead of an actual tree: lookups are O(1) and allocation is
// a single slice sized to the BAT once, up front.
type BlockTree struct {
	blocks []*BlockDescriptor
}

// NewBlockTree allocates a tree with room for numEntries blocks, all
// initially unallocated (holes).
func NewBlockTree(numEntries uint32) *BlockTree {
	return &BlockTree{blocks: make([]*BlockDescriptor, numEntries)}
}

// Insert records the block at index as resolving to desc. The first insert
// for a given index wins; a second insert targeting an already-occupied
// index is a duplicate BAT entry and is silently ignored, per this reader's
// resolved first-wins policy for corrupt/duplicate allocation tables.
func (t *BlockTree) Insert(index uint32, desc *BlockDescriptor) {
	if int(index) >= len(t.blocks) {
		return
	}
	if t.blocks[index] != nil {
		return
	}
	t.blocks[index] = desc
}

// Lookup returns the BlockDescriptor for the block containing logicalOffset,
// along with the byte offset within that block. The third return (ok) is
// false when the offset falls in an unallocated (sparse hole) block or is
// out of range.
func (t *BlockTree) Lookup(logicalOffset int64) (desc *BlockDescriptor, intraBlockOffset int64, ok bool) {
	if logicalOffset < 0 {
		return nil, 0, false
	}
	index := logicalOffset / BlockSize
	if index >= int64(len(t.blocks)) {
		return nil, 0, false
	}
	b := t.blocks[index]
	if b == nil {
		return nil, logicalOffset % BlockSize, false
	}
	return b, logicalOffset % BlockSize, true
}

// NumBlocks reports the number of block slots the tree was built for.
func (t *BlockTree) NumBlocks() int {
	return len(t.blocks)
}

// BuildBlockTree builds a BlockTree from block allocation table (BAT) entry
// values already decoded by DecodeAllocationTable. Unlike every other
// integer in the sparse image header, BAT entries are little-endian on
// disk; this asymmetry comes directly from the format and must be preserved
// rather than "fixed" to match the header's endianness.
//
// A raw entry value of 0 denotes an unallocated (sparse) block and is left
// as a nil BlockDescriptor. A non-zero entry gives the block's physical
// sector number; its byte offset is entry*SectorSize.
func BuildBlockTree(rawEntries []uint32) *BlockTree {
	tree := NewBlockTree(uint32(len(rawEntries)))
	for i, entry := range rawEntries {
		if entry == 0 {
			continue
		}
		tree.Insert(uint32(i), &BlockDescriptor{
			PoolEntry:  0,
			FileOffset: int64(entry) * SectorSize,
		})
	}
	return tree
}

// DecodeAllocationTable parses raw little-endian uint32 entries out of buf.
// buf's length must be a multiple of 4; a short or misaligned buffer is a
// caller programming error reported as InvalidArgumentError rather than
// silently truncated.
func DecodeAllocationTable(buf []byte) ([]uint32, error) {
	if len(buf)%4 != 0 {
		return nil, phdierrors.NewInvalidArgumentError("allocation table buffer length is not a multiple of 4")
	}
	entries := make([]uint32, len(buf)/4)
	for i := range entries {
		off := i * 4
		entries[i] = uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
	}
	return entries, nil
}
