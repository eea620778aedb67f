package handle

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/phdi-go/phdi/sparseimage"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func plainDescriptorXML(mediaSectors int64) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<Parallels_disk_image>
  <Disk_Parameters>
    <Disk_size>` + itoa(mediaSectors) + `</Disk_size>
    <LogicSectorSize>512</LogicSectorSize>
    <PhysicalSectorSize>4096</PhysicalSectorSize>
    <Padding>0</Padding>
  </Disk_Parameters>
  <StorageData>
    <Storage>
      <Start>0</Start>
      <End>` + itoa(mediaSectors) + `</End>
      <Blocksize>2048</Blocksize>
      <Image>
        <GUID>11111111-1111-1111-1111-111111111111</GUID>
        <File>disk.hds</File>
        <Type>Plain</Type>
      </Image>
    </Storage>
  </StorageData>
</Parallels_disk_image>
`
}

func itoa(n int64) string {
	return fmtInt(n)
}

func fmtInt(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

func TestHandleOpenReadFixedDisk(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte{0x5A}, 512)
	mediaSectors := int64(len(payload) / 512)
	writeFile(t, filepath.Join(dir, "DiskDescriptor.xml"), []byte(plainDescriptorXML(mediaSectors)))
	writeFile(t, filepath.Join(dir, "disk.hds"), payload)

	h := New(nil)
	if err := h.Open(dir, AccessRead); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if err := h.OpenExtentDataFiles(); err != nil {
		t.Fatalf("OpenExtentDataFiles: %v", err)
	}

	mediaSize, err := h.GetMediaSize()
	if err != nil {
		t.Fatalf("GetMediaSize: %v", err)
	}
	if mediaSize != uint64(len(payload)) {
		t.Fatalf("MediaSize = %d, want %d", mediaSize, len(payload))
	}

	buf := make([]byte, 128)
	n, err := h.ReadBuffer(buf)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	if n != 128 {
		t.Fatalf("n = %d, want 128", n)
	}
	if !bytes.Equal(buf, payload[:128]) {
		t.Errorf("got %x, want %x", buf, payload[:128])
	}
	if got := h.GetOffset(); got != 128 {
		t.Errorf("GetOffset() = %d, want 128", got)
	}
}

func TestHandleReadPastEOFReturnsZero(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte{0x11}, 512)
	mediaSectors := int64(len(payload) / 512)
	writeFile(t, filepath.Join(dir, "DiskDescriptor.xml"), []byte(plainDescriptorXML(mediaSectors)))
	writeFile(t, filepath.Join(dir, "disk.hds"), payload)

	h := New(nil)
	if err := h.Open(dir, AccessRead); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()
	if err := h.OpenExtentDataFiles(); err != nil {
		t.Fatalf("OpenExtentDataFiles: %v", err)
	}

	if _, err := h.SeekOffset(int64(len(payload)), 0); err != nil {
		t.Fatalf("SeekOffset: %v", err)
	}
	buf := make([]byte, 16)
	n, err := h.ReadBuffer(buf)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	if n != 0 {
		t.Errorf("n = %d, want 0 at EOF", n)
	}
}

func TestHandleSeekNegativeRejected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "DiskDescriptor.xml"), []byte(plainDescriptorXML(1)))
	writeFile(t, filepath.Join(dir, "disk.hds"), make([]byte, 512))

	h := New(nil)
	if err := h.Open(dir, AccessRead); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if _, err := h.SeekOffset(-1, 0); err == nil {
		t.Fatal("expected an error seeking to a negative offset")
	}
}

func expandingDescriptorXML(logicalSectors int64) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<Parallels_disk_image>
  <Disk_Parameters>
    <Disk_size>` + itoa(logicalSectors) + `</Disk_size>
    <LogicSectorSize>512</LogicSectorSize>
    <PhysicalSectorSize>4096</PhysicalSectorSize>
    <Padding>0</Padding>
  </Disk_Parameters>
  <StorageData>
    <Storage>
      <Start>0</Start>
      <End>` + itoa(logicalSectors) + `</End>
      <Blocksize>2048</Blocksize>
      <Image>
        <GUID>22222222-2222-2222-2222-222222222222</GUID>
        <File>extent0.hdd</File>
        <Type>Compressed</Type>
      </Image>
    </Storage>
  </StorageData>
</Parallels_disk_image>
`
}

// buildSparseExtentFile builds a two-block compressed extent file: block 0
// holds payload, block 1 has a zero BAT entry (a sparse hole).
func buildSparseExtentFile(payload []byte) []byte {
	header := make([]byte, sparseimage.HeaderSize)
	copy(header[0:16], []byte("WithoutFreeSpace"))
	binary.BigEndian.PutUint32(header[0x10:0x14], 0x00010000)
	binary.BigEndian.PutUint32(header[0x1C:0x20], sparseimage.BlockSizeSectors)
	binary.BigEndian.PutUint32(header[0x20:0x24], 2)
	binary.BigEndian.PutUint64(header[0x24:0x2C], uint64(2*sparseimage.BlockSizeSectors))

	bat := make([]byte, 8)
	firstDataSector := uint32((sparseimage.HeaderSize + len(bat) + sparseimage.SectorSize - 1) / sparseimage.SectorSize)
	binary.LittleEndian.PutUint32(bat, firstDataSector)

	out := append(header, bat...)
	if pad := int64(firstDataSector)*sparseimage.SectorSize - int64(len(out)); pad > 0 {
		out = append(out, make([]byte, pad)...)
	}
	block := make([]byte, sparseimage.BlockSize)
	copy(block, payload)
	return append(out, block...)
}

func TestHandleOpenReadExpandingDiskSparseHole(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("ohai")
	logicalSectors := int64(2 * sparseimage.BlockSizeSectors)
	writeFile(t, filepath.Join(dir, "DiskDescriptor.xml"), []byte(expandingDescriptorXML(logicalSectors)))
	writeFile(t, filepath.Join(dir, "extent0.hdd"), buildSparseExtentFile(payload))

	h := New(nil)
	if err := h.Open(dir, AccessRead); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()
	if err := h.OpenExtentDataFiles(); err != nil {
		t.Fatalf("OpenExtentDataFiles: %v", err)
	}

	buf := make([]byte, len(payload))
	if _, err := h.ReadBufferAtOffset(buf, 0); err != nil {
		t.Fatalf("ReadBufferAtOffset: %v", err)
	}
	if !bytes.Equal(buf, payload) {
		t.Errorf("got %q, want %q", buf, payload)
	}

	// Block 1 has a zero BAT entry but lies within the disk's logical size
	// (2 MiB), so reads inside it should be zero-filled.
	zeros := make([]byte, 32)
	for i := range zeros {
		zeros[i] = 0xFF
	}
	if _, err := h.ReadBufferAtOffset(zeros, sparseimage.BlockSize+sparseimage.BlockSize/2); err != nil {
		t.Fatalf("ReadBufferAtOffset (hole): %v", err)
	}
	for i, b := range zeros {
		if b != 0 {
			t.Fatalf("zeros[%d] = %x, want 0", i, b)
		}
	}
}

func TestHandleOpenMixedTypesFails(t *testing.T) {
	dir := t.TempDir()
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<Parallels_disk_image>
  <Disk_Parameters>
    <Disk_size>4096</Disk_size>
    <LogicSectorSize>512</LogicSectorSize>
    <PhysicalSectorSize>4096</PhysicalSectorSize>
    <Padding>0</Padding>
  </Disk_Parameters>
  <StorageData>
    <Storage>
      <Start>0</Start><End>2048</End><Blocksize>2048</Blocksize>
      <Image><GUID>11111111-1111-1111-1111-111111111111</GUID><File>a.hds</File><Type>Plain</Type></Image>
    </Storage>
    <Storage>
      <Start>2048</Start><End>4096</End><Blocksize>2048</Blocksize>
      <Image><GUID>22222222-2222-2222-2222-222222222222</GUID><File>b.hdd</File><Type>Compressed</Type></Image>
    </Storage>
  </StorageData>
</Parallels_disk_image>
`
	writeFile(t, filepath.Join(dir, "DiskDescriptor.xml"), []byte(doc))

	h := New(nil)
	if err := h.Open(dir, AccessRead); err == nil {
		t.Fatal("expected Open to fail for a mixed-type descriptor")
	}
}

func TestHandleOpenRejectsWriteFlag(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "DiskDescriptor.xml"), []byte(plainDescriptorXML(1)))
	writeFile(t, filepath.Join(dir, "disk.hds"), make([]byte, 512))

	h := New(nil)
	if err := h.Open(dir, AccessWrite); err == nil {
		t.Fatal("expected Open to reject AccessWrite")
	}
}

func TestHandleDebugString(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "DiskDescriptor.xml"), []byte(plainDescriptorXML(1)))
	writeFile(t, filepath.Join(dir, "disk.hds"), make([]byte, 512))

	h := New(nil)
	if got := h.DebugString(); got != "handle: not open" {
		t.Errorf("DebugString() on unopened handle = %q", got)
	}

	if err := h.Open(dir, AccessRead); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	out := h.DebugString()
	if !strings.Contains(out, "extent[0]") {
		t.Errorf("DebugString() = %q, want it to mention extent[0]", out)
	}
	if !strings.Contains(out, "diskType=Fixed") {
		t.Errorf("DebugString() = %q, want it to mention diskType=Fixed", out)
	}
}
