package extenttable

import "github.com/phdi-go/phdi/phdierrors"

// segment is one Plain extent's placement within the logical volume: bytes
// [start, start+length) of the volume map to file_offset..file_offset+length
// of extent file poolEntry.
type segment struct {
	poolEntry  int
	fileOffset int64
	length     int64
	start      int64 // cumulative logical offset this segment begins at, filled in by append
}

// SegmentStream is the Fixed-disk routing structure: an ordered list of
// segments covering the logical volume end to end with no gaps, since a
// Fixed disk has no sparse holes.
type SegmentStream struct {
	segments []segment
	total    int64
}

func newSegmentStream() *SegmentStream {
	return &SegmentStream{}
}

func (s *SegmentStream) append(seg segment) {
	seg.start = s.total
	s.segments = append(s.segments, seg)
	s.total += seg.length
}

// TotalLength is the sum of every segment's length, i.e. the logical volume
// size a Fixed disk's extent table covers.
func (s *SegmentStream) TotalLength() int64 {
	return s.total
}

// find returns the index of the segment containing logical offset off, or
// -1 if off is past the end of the stream.
func (s *SegmentStream) find(off int64) int {
	for i := range s.segments {
		seg := &s.segments[i]
		if off >= seg.start && off < seg.start+seg.length {
			return i
		}
	}
	return -1
}

// ReadAt reads len(buf) bytes starting at logical offset off, walking
// segments as needed. Returns fewer bytes than len(buf) only at the end of
// the stream.
func (s *SegmentStream) ReadAt(pool PoolReader, buf []byte, off int64) (int, error) {
	total := 0
	for total < len(buf) {
		logicalOffset := off + int64(total)
		if logicalOffset >= s.total {
			break
		}
		idx := s.find(logicalOffset)
		if idx < 0 {
			break
		}
		seg := &s.segments[idx]
		offsetInSegment := logicalOffset - seg.start
		chunk := int64(len(buf) - total)
		if remaining := seg.length - offsetInSegment; chunk > remaining {
			chunk = remaining
		}
		if chunk <= 0 {
			break
		}

		n, err := pool.ReadAt(seg.poolEntry, buf[total:int64(total)+chunk], seg.fileOffset+offsetInSegment)
		if err != nil {
			return total, err
		}
		if int64(n) != chunk {
			return total, phdierrors.NewIOError("", "short read within a fixed-disk segment", nil)
		}
		total += int(chunk)
	}
	return total, nil
}
