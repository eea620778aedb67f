package sparseimage

import (
	"bytes"
	"encoding/binary"
	"io/fs"
	"os"
	"testing"

	"github.com/phdi-go/phdi/backend"
)

// memStorage is a minimal in-memory backend.Storage for exercising Image
// without touching the filesystem.
type memStorage struct {
	data []byte
}

func (m *memStorage) Stat() (fs.FileInfo, error)        { return nil, backend.ErrNotSuitable }
func (m *memStorage) Read(p []byte) (int, error)        { return 0, backend.ErrNotSuitable }
func (m *memStorage) Seek(int64, int) (int64, error)    { return 0, backend.ErrNotSuitable }
func (m *memStorage) Close() error                      { return nil }
func (m *memStorage) Sys() (*os.File, error)            { return nil, backend.ErrNotSuitable }
func (m *memStorage) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(m.data).ReadAt(p, off)
}

var _ backend.Storage = (*memStorage)(nil)

// buildImage constructs a minimal valid sparse image with the given block
// payloads placed at sequential sector offsets; an index missing from blocks
// is a hole.
func buildImage(t *testing.T, numSectors uint64, blocks map[uint32][]byte) []byte {
	t.Helper()

	numEntries := uint32(0)
	for idx := range blocks {
		if idx+1 > numEntries {
			numEntries = idx + 1
		}
	}
	if numEntries == 0 {
		numEntries = 1
	}

	header := buildHeaderBytes(magicPrimary, formatVersion, 16, 1024, BlockSizeSectors, numEntries, numSectors)
	bat := make([]byte, numEntries*4)

	body := []byte{}
	nextSector := uint32(HeaderSize+len(bat)) / SectorSize
	if (HeaderSize+len(bat))%SectorSize != 0 {
		nextSector++
	}
	dataStart := nextSector

	for i := uint32(0); i < numEntries; i++ {
		data, has := blocks[i]
		if !has {
			continue
		}
		binary.LittleEndian.PutUint32(bat[i*4:i*4+4], nextSector)
		padded := make([]byte, BlockSize)
		copy(padded, data)
		body = append(body, padded...)
		nextSector += BlockSizeSectors
	}

	out := append(header, bat...)
	if pad := int64(dataStart)*SectorSize - int64(len(out)); pad > 0 {
		out = append(out, make([]byte, pad)...)
	}
	out = append(out, body...)
	return out
}

func TestOpenImageAndReadAllocatedBlock(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 16)
	raw := buildImage(t, 4096, map[uint32][]byte{0: payload})

	img, err := OpenImage(&memStorage{data: raw})
	if err != nil {
		t.Fatalf("OpenImage: %v", err)
	}

	got := make([]byte, len(payload))
	n, err := img.ReadAt(got, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("ReadAt returned %d bytes, want %d", n, len(payload))
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %x, want %x", got, payload)
	}
}

func TestOpenImageReadsHoleAsZero(t *testing.T) {
	raw := buildImage(t, 4096, map[uint32][]byte{})

	img, err := OpenImage(&memStorage{data: raw})
	if err != nil {
		t.Fatalf("OpenImage: %v", err)
	}

	got := make([]byte, 32)
	for i := range got {
		got[i] = 0xFF
	}
	n, err := img.ReadAt(got, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != len(got) {
		t.Fatalf("ReadAt returned %d bytes, want %d", n, len(got))
	}
	for i, b := range got {
		if b != 0 {
			t.Fatalf("got[%d] = %x, want 0 (hole should read as zero)", i, b)
		}
	}
}

func TestOpenImageReadSpansTwoBlocks(t *testing.T) {
	first := bytes.Repeat([]byte{0x01}, BlockSize)
	second := bytes.Repeat([]byte{0x02}, BlockSize)
	raw := buildImage(t, uint64(2*BlockSize/SectorSize), map[uint32][]byte{0: first, 1: second})

	img, err := OpenImage(&memStorage{data: raw})
	if err != nil {
		t.Fatalf("OpenImage: %v", err)
	}

	got := make([]byte, 32)
	n, err := img.ReadAt(got, BlockSize-16)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != len(got) {
		t.Fatalf("ReadAt returned %d bytes, want %d", n, len(got))
	}
	for i := 0; i < 16; i++ {
		if got[i] != 0x01 {
			t.Errorf("got[%d] = %x, want 0x01 (tail of first block)", i, got[i])
		}
	}
	for i := 16; i < 32; i++ {
		if got[i] != 0x02 {
			t.Errorf("got[%d] = %x, want 0x02 (head of second block)", i, got[i])
		}
	}
}
