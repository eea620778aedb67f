package sparseimage

import "testing"

func TestBlockTreeInsertAndLookup(t *testing.T) {
	tree := NewBlockTree(4)
	tree.Insert(0, &BlockDescriptor{FileOffset: HeaderSize + 16})
	tree.Insert(2, &BlockDescriptor{FileOffset: HeaderSize + 16 + BlockSize})

	desc, intra, ok := tree.Lookup(100)
	if !ok {
		t.Fatalf("expected block 0 to be allocated")
	}
	if intra != 100 {
		t.Errorf("intraBlockOffset = %d, want 100", intra)
	}
	if desc.FileOffset != HeaderSize+16 {
		t.Errorf("FileOffset = %d, want %d", desc.FileOffset, HeaderSize+16)
	}

	if _, _, ok := tree.Lookup(BlockSize + 10); ok {
		t.Fatalf("expected block 1 to be a hole")
	}

	if _, _, ok := tree.Lookup(int64(4) * BlockSize); ok {
		t.Fatalf("expected an out-of-range lookup to report not-ok")
	}
}

func TestBlockTreeInsertFirstWins(t *testing.T) {
	tree := NewBlockTree(2)
	first := &BlockDescriptor{FileOffset: 1000}
	second := &BlockDescriptor{FileOffset: 2000}
	tree.Insert(0, first)
	tree.Insert(0, second)

	desc, _, ok := tree.Lookup(0)
	if !ok {
		t.Fatalf("expected block 0 to be allocated")
	}
	if desc.FileOffset != 1000 {
		t.Errorf("duplicate insert overwrote first entry: FileOffset = %d, want 1000", desc.FileOffset)
	}
}

func TestDecodeAllocationTable(t *testing.T) {
	// little-endian encoding of entries 1, 0, 512
	raw := []byte{
		0x01, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x02, 0x00, 0x00,
	}
	entries, err := DecodeAllocationTable(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []uint32{1, 0, 512}
	for i, w := range want {
		if entries[i] != w {
			t.Errorf("entries[%d] = %d, want %d", i, entries[i], w)
		}
	}
}

func TestDecodeAllocationTableMisaligned(t *testing.T) {
	if _, err := DecodeAllocationTable([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Fatal("expected an error for a misaligned buffer")
	}
}

func TestBuildBlockTreeSkipsZeroEntries(t *testing.T) {
	tree := BuildBlockTree([]uint32{0, 4, 0, 8})
	if _, _, ok := tree.Lookup(0); ok {
		t.Fatalf("entry 0 should be a hole")
	}
	desc, _, ok := tree.Lookup(BlockSize)
	if !ok {
		t.Fatalf("entry 1 should be allocated")
	}
	if desc.FileOffset != 4*SectorSize {
		t.Errorf("FileOffset = %d, want %d", desc.FileOffset, 4*SectorSize)
	}
}
