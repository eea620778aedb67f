package extenttable

import (
	"bytes"
	"testing"
)

type fakePool struct {
	files map[int][]byte
}

func (p *fakePool) ReadAt(poolEntry int, buf []byte, off int64) (int, error) {
	data, ok := p.files[poolEntry]
	if !ok || off < 0 || off >= int64(len(data)) {
		return 0, errShortRead
	}
	n := copy(buf, data[off:])
	if n < len(buf) {
		return n, errShortRead
	}
	return n, nil
}

var errShortRead = shortReadErr{}

type shortReadErr struct{}

func (shortReadErr) Error() string { return "short read" }

func TestTableFixedDiskReadsAcrossSegments(t *testing.T) {
	table := New(nil)
	if err := table.InitializeExtents(2, DiskTypeFixed); err != nil {
		t.Fatalf("InitializeExtents: %v", err)
	}
	if err := table.SetExtent(0, 0, 100, 0, 100, ImageTypePlain); err != nil {
		t.Fatalf("SetExtent(0): %v", err)
	}
	if err := table.SetExtent(1, 1, 100, 0, 50, ImageTypePlain); err != nil {
		t.Fatalf("SetExtent(1): %v", err)
	}

	pool := &fakePool{files: map[int][]byte{
		0: bytes.Repeat([]byte{0xAA}, 100),
		1: bytes.Repeat([]byte{0xBB}, 100),
	}}

	buf := make([]byte, 20)
	n, err := table.ReadAt(pool, buf, 90)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 20 {
		t.Fatalf("n = %d, want 20", n)
	}
	for i := 0; i < 10; i++ {
		if buf[i] != 0xAA {
			t.Errorf("buf[%d] = %x, want 0xAA (tail of segment 0)", i, buf[i])
		}
	}
	for i := 10; i < 20; i++ {
		if buf[i] != 0xBB {
			t.Errorf("buf[%d] = %x, want 0xBB (head of segment 1)", i, buf[i])
		}
	}
}

func TestTableRejectsMixedImageTypes(t *testing.T) {
	table := New(nil)
	if err := table.InitializeExtents(2, DiskTypeFixed); err != nil {
		t.Fatalf("InitializeExtents: %v", err)
	}
	if err := table.SetExtent(0, 0, 100, 0, 100, ImageTypePlain); err != nil {
		t.Fatalf("SetExtent(0): %v", err)
	}
	if err := table.SetExtent(1, 1, 100, 0, 100, ImageTypeCompressed); err == nil {
		t.Fatal("expected an error mixing Plain and Compressed extents")
	}
}

func TestTableRejectsFixedDiskWithCompressedExtent(t *testing.T) {
	table := New(nil)
	if err := table.InitializeExtents(1, DiskTypeFixed); err != nil {
		t.Fatalf("InitializeExtents: %v", err)
	}
	if err := table.SetExtent(0, 0, 100, 0, 100, ImageTypeCompressed); err == nil {
		t.Fatal("expected an error for a Fixed disk with a Compressed extent")
	}
}

func TestTableRejectsCompressedExtentWithNonzeroOffset(t *testing.T) {
	table := New(nil)
	if err := table.InitializeExtents(1, DiskTypeExpanding); err != nil {
		t.Fatalf("InitializeExtents: %v", err)
	}
	if err := table.SetExtent(0, 0, 100, 16, 100, ImageTypeCompressed); err == nil {
		t.Fatal("expected an error for a compressed extent with a nonzero file offset")
	}
}

func TestTableRejectsPlainExtentOutOfFileBounds(t *testing.T) {
	table := New(nil)
	if err := table.InitializeExtents(1, DiskTypeFixed); err != nil {
		t.Fatalf("InitializeExtents: %v", err)
	}
	if err := table.SetExtent(0, 0, 100, 50, 100, ImageTypePlain); err == nil {
		t.Fatal("expected an error for a plain extent exceeding its backing file")
	}
}

func TestTableDoubleInitializeRejected(t *testing.T) {
	table := New(nil)
	if err := table.InitializeExtents(1, DiskTypeFixed); err != nil {
		t.Fatalf("InitializeExtents: %v", err)
	}
	if err := table.InitializeExtents(1, DiskTypeFixed); err == nil {
		t.Fatal("expected an error re-initializing an already-initialized table")
	}
}
