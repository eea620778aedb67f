// Package descriptor parses a PHD/PHDI DiskDescriptor.xml tag tree and
// projects it into the typed values the rest of the engine consumes:
// DiskParameters, the extent list, the snapshot list, and the disk type.
//
// The XML lexer/parser itself is an out-of-scope external collaborator;
// this package only owns the semantic projection from an already-parsed
// tag tree, so it reaches for stdlib encoding/xml rather
// than a third-party XML library — see DESIGN.md for why no ecosystem XML
// package in the retrieved corpus had enough surviving source to ground an
// implementation against.
package descriptor

import (
	"encoding/xml"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/phdi-go/phdi/extenttable"
	"github.com/phdi-go/phdi/phdierrors"
)

// DiskParameters holds the disk-wide values projected from a descriptor's
// <Disk_Parameters> element: one per handle.
type DiskParameters struct {
	MediaSize         uint64
	NumberOfCylinders uint32
	NumberOfHeads     uint32
	NumberOfSectors   uint64
	Name              string
	HasName           bool
	Identifier        uuid.UUID
	HasIdentifier     bool
}

// ImageValues holds the values projected from one descriptor <Image>.
type ImageValues struct {
	Identifier uuid.UUID
	Filename   string
	Type       extenttable.ImageType
}

// ExtentValues holds the values projected from one descriptor <Storage>.
type ExtentValues struct {
	Offset int64
	Size   uint64
	Type   extenttable.ImageType
	Images []ImageValues
}

// SnapshotValues holds the values projected from one descriptor <Shot>.
type SnapshotValues struct {
	Identifier       uuid.UUID
	ParentIdentifier uuid.UUID
	HasParent        bool
}

// Projected is the full output of projecting a parsed descriptor: disk
// parameters, the ordered extent list, the ordered snapshot list, and the
// inferred whole-disk type.
type Projected struct {
	Disk      DiskParameters
	Extents   []ExtentValues
	Snapshots []SnapshotValues
	DiskType  extenttable.DiskType
}

// rawDiskImage is the descriptor's tag tree shape, decoded directly by
// encoding/xml. Field order here follows the descriptor's documented
// element inventory, not file order: encoding/xml matches by tag name, not
// position.
type rawDiskImage struct {
	XMLName        xml.Name      `xml:"Parallels_disk_image"`
	DiskParameters rawDiskParams `xml:"Disk_Parameters"`
	StorageData    rawStorageData `xml:"StorageData"`
	Snapshots      rawSnapshots  `xml:"Snapshots"`
}

type rawDiskParams struct {
	Cylinders          uint32 `xml:"Cylinders"`
	Heads              uint32 `xml:"Heads"`
	Sectors            uint64 `xml:"Sectors"`
	DiskSize           uint64 `xml:"Disk_size"`
	LogicSectorSize    uint32 `xml:"LogicSectorSize"`
	PhysicalSectorSize uint32 `xml:"PhysicalSectorSize"`
	Padding            uint32 `xml:"Padding"`
	Name               string `xml:"Name"`
	UID                string `xml:"UID"`
}

type rawStorageData struct {
	Storages []rawStorage `xml:"Storage"`
}

type rawStorage struct {
	Start     int64      `xml:"Start"`
	End       int64      `xml:"End"`
	Blocksize int64      `xml:"Blocksize"`
	Images    []rawImage `xml:"Image"`
}

type rawImage struct {
	GUID string `xml:"GUID"`
	File string `xml:"File"`
	Type string `xml:"Type"`
}

type rawSnapshots struct {
	Shots []rawShot `xml:"Shot"`
}

type rawShot struct {
	GUID       string `xml:"GUID"`
	ParentGUID string `xml:"ParentGUID"`
}

const requiredBlocksize = 2048

// zeroGUID is the textual form of an all-zero GUID, which denotes "no
// parent" for a snapshot.
const zeroGUID = "00000000-0000-0000-0000-000000000000"

// Parse decodes raw descriptor XML bytes into the tag tree and projects it.
// data is the raw file content; any trailing NUL bytes are stripped, since
// some writers pad the descriptor with them.
func Parse(data []byte) (*Projected, error) {
	for len(data) > 0 && data[len(data)-1] == 0 {
		data = data[:len(data)-1]
	}

	var raw rawDiskImage
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, phdierrors.NewInvalidFormatError(fmt.Sprintf("parsing descriptor XML: %v", err))
	}
	return Project(&raw)
}

// Project turns a parsed tag tree into the semantic values the rest of the
// engine consumes, validating the disk parameters and every storage and
// snapshot entry along the way.
func Project(raw *rawDiskImage) (*Projected, error) {
	disk, err := projectDiskParameters(&raw.DiskParameters)
	if err != nil {
		return nil, err
	}

	if len(raw.Snapshots.Shots) > 1 && len(raw.StorageData.Storages) > 1 {
		return nil, phdierrors.NewUnsupportedError("split storage with more than one snapshot is not supported")
	}

	extents := make([]ExtentValues, 0, len(raw.StorageData.Storages))
	var diskType extenttable.DiskType
	typeSeeded := false

	for _, s := range raw.StorageData.Storages {
		ev, imgType, err := projectStorage(&s)
		if err != nil {
			return nil, err
		}
		if !typeSeeded {
			switch imgType {
			case extenttable.ImageTypePlain:
				diskType = extenttable.DiskTypeFixed
			case extenttable.ImageTypeCompressed:
				diskType = extenttable.DiskTypeExpanding
			default:
				return nil, phdierrors.NewInvalidFormatError("storage has no recognized image type")
			}
			typeSeeded = true
		} else {
			expected := extenttable.ImageTypePlain
			if diskType == extenttable.DiskTypeExpanding {
				expected = extenttable.ImageTypeCompressed
			}
			if imgType != expected {
				return nil, phdierrors.NewUnsupportedError("descriptor mixes Plain and Compressed storage image types")
			}
		}
		extents = append(extents, ev)
	}

	if !typeSeeded {
		return nil, phdierrors.NewInvalidFormatError("descriptor has no <Storage> elements")
	}

	snapshots := make([]SnapshotValues, 0, len(raw.Snapshots.Shots))
	for _, shot := range raw.Snapshots.Shots {
		sv, err := projectSnapshot(&shot)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, sv)
	}

	return &Projected{
		Disk:      disk,
		Extents:   extents,
		Snapshots: snapshots,
		DiskType:  diskType,
	}, nil
}

func projectDiskParameters(raw *rawDiskParams) (DiskParameters, error) {
	if raw.LogicSectorSize != 512 {
		return DiskParameters{}, phdierrors.NewUnsupportedError(fmt.Sprintf("LogicSectorSize must be 512, got %d", raw.LogicSectorSize))
	}
	if raw.PhysicalSectorSize != 4096 {
		return DiskParameters{}, phdierrors.NewUnsupportedError(fmt.Sprintf("PhysicalSectorSize must be 4096, got %d", raw.PhysicalSectorSize))
	}
	if raw.Padding != 0 {
		return DiskParameters{}, phdierrors.NewUnsupportedError(fmt.Sprintf("Padding must be 0, got %d", raw.Padding))
	}

	if raw.DiskSize > math.MaxUint64/512 {
		return DiskParameters{}, phdierrors.NewUnsupportedError("Disk_size overflows when converted to bytes")
	}
	mediaSize := raw.DiskSize * 512

	dp := DiskParameters{
		MediaSize:         mediaSize,
		NumberOfCylinders: raw.Cylinders,
		NumberOfHeads:     raw.Heads,
		NumberOfSectors:   raw.Sectors,
	}
	if raw.Name != "" {
		dp.Name = raw.Name
		dp.HasName = true
	}
	if raw.UID != "" {
		id, err := uuid.Parse(raw.UID)
		if err != nil {
			return DiskParameters{}, phdierrors.NewInvalidFormatError(fmt.Sprintf("parsing disk UID: %v", err))
		}
		dp.Identifier = id
		dp.HasIdentifier = true
	}
	return dp, nil
}

func projectStorage(raw *rawStorage) (ExtentValues, extenttable.ImageType, error) {
	if raw.Blocksize != requiredBlocksize {
		return ExtentValues{}, extenttable.ImageTypeUnknown, phdierrors.NewUnsupportedError(fmt.Sprintf("Blocksize must be %d sectors, got %d", requiredBlocksize, raw.Blocksize))
	}
	if raw.End <= raw.Start {
		return ExtentValues{}, extenttable.ImageTypeUnknown, phdierrors.NewInvalidFormatError("Storage End must be greater than Start")
	}
	if raw.End > math.MaxInt64/512 {
		return ExtentValues{}, extenttable.ImageTypeUnknown, phdierrors.NewInvalidFormatError("Storage End overflows when converted to bytes")
	}
	if len(raw.Images) == 0 {
		return ExtentValues{}, extenttable.ImageTypeUnknown, phdierrors.NewInvalidFormatError("Storage has no <Image> elements")
	}

	images := make([]ImageValues, 0, len(raw.Images))
	for _, img := range raw.Images {
		iv, err := projectImage(&img)
		if err != nil {
			return ExtentValues{}, extenttable.ImageTypeUnknown, err
		}
		images = append(images, iv)
	}

	ev := ExtentValues{
		Offset: raw.Start * 512,
		Size:   uint64(raw.End-raw.Start) * 512,
		Type:   images[0].Type,
		Images: images,
	}
	return ev, ev.Type, nil
}

func projectImage(raw *rawImage) (ImageValues, error) {
	id, err := uuid.Parse(raw.GUID)
	if err != nil {
		return ImageValues{}, phdierrors.NewInvalidFormatError(fmt.Sprintf("parsing image GUID: %v", err))
	}

	var t extenttable.ImageType
	switch raw.Type {
	case "Plain":
		t = extenttable.ImageTypePlain
	case "Compressed":
		t = extenttable.ImageTypeCompressed
	default:
		t = extenttable.ImageTypeUnknown
	}

	return ImageValues{
		Identifier: id,
		Filename:   raw.File,
		Type:       t,
	}, nil
}

func projectSnapshot(raw *rawShot) (SnapshotValues, error) {
	id, err := uuid.Parse(raw.GUID)
	if err != nil {
		return SnapshotValues{}, phdierrors.NewInvalidFormatError(fmt.Sprintf("parsing snapshot GUID: %v", err))
	}

	sv := SnapshotValues{Identifier: id}
	if raw.ParentGUID != "" && raw.ParentGUID != zeroGUID {
		parent, err := uuid.Parse(raw.ParentGUID)
		if err != nil {
			return SnapshotValues{}, phdierrors.NewInvalidFormatError(fmt.Sprintf("parsing snapshot parent GUID: %v", err))
		}
		sv.ParentIdentifier = parent
		sv.HasParent = true
	}
	return sv, nil
}
