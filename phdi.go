// Package phdi reads Parallels Hard Disk (PHD) and PHD Image (PHDI) disk
// images: the descriptor-plus-extent-file format Parallels Desktop and
// Parallels Server use for virtual disks and their snapshots.
//
// The library is read-only. It never writes to a descriptor or extent
// file, and never creates, modifies, or deletes a snapshot.
//
// A disk image is either a single DiskDescriptor.xml file plus one or more
// extent files named relative to it, or a directory containing that
// descriptor. Open resolves either form:
//
//	import "github.com/phdi-go/phdi"
//
//	h, err := phdi.Open("/vms/example.pvm/harddisk.hdd")
//	if err != nil {
//		// handle err
//	}
//	defer h.Close()
//
//	if err := h.OpenExtentDataFiles(); err != nil {
//		// handle err
//	}
//
//	buf := make([]byte, 4096)
//	n, err := h.ReadBufferAtOffset(buf, 0)
package phdi

import (
	"github.com/sirupsen/logrus"

	"github.com/phdi-go/phdi/backend"
	"github.com/phdi-go/phdi/handle"
	"github.com/phdi-go/phdi/internal/xlog"
)

// AccessFlags governs how a disk image may be opened. Re-exported from
// handle so callers need only import this package.
type AccessFlags = handle.AccessFlags

const (
	// AccessRead opens the image for reading. This is the only flag Open
	// and OpenFileIoHandle currently accept.
	AccessRead = handle.AccessRead

	// AccessWrite is accepted as a flag value so a caller's intent is
	// visible in code, but every open path rejects it: this library never
	// writes to a descriptor or extent file.
	AccessWrite = handle.AccessWrite
)

// Handle is a single open disk image. Re-exported from handle so callers
// need only import this package.
type Handle = handle.Handle

// Open opens the disk image named by path, which may name a
// DiskDescriptor.xml file directly or a directory containing one. It does
// not open the extent data files; call Handle.OpenExtentDataFiles (or
// OpenExtentDataFilesFileIoPool, for a caller-managed pool) before reading.
func Open(path string) (*Handle, error) {
	return OpenWithLog(path, nil)
}

// OpenWithLog is Open with an explicit logrus.Entry for lifecycle and
// abort logging. A nil log discards everything.
func OpenWithLog(path string, log *logrus.Entry) (*Handle, error) {
	if log == nil {
		log = xlog.Nop()
	}
	h := handle.New(log)
	if err := h.Open(path, AccessRead); err != nil {
		return nil, err
	}
	return h, nil
}

// OpenFileIoHandle opens a descriptor already available as an open
// backend.Storage, e.g. supplied by a caller that manages its own file
// handles. No directory fallback is attempted.
func OpenFileIoHandle(storage backend.Storage) (*Handle, error) {
	return OpenFileIoHandleWithLog(storage, nil)
}

// OpenFileIoHandleWithLog is OpenFileIoHandle with an explicit
// logrus.Entry. A nil log discards everything.
func OpenFileIoHandleWithLog(storage backend.Storage, log *logrus.Entry) (*Handle, error) {
	if log == nil {
		log = xlog.Nop()
	}
	h := handle.New(log)
	if err := h.OpenFileIoHandle(storage, AccessRead); err != nil {
		return nil, err
	}
	return h, nil
}
