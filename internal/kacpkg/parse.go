package kacpkg

import (
	"io"

	"github.com/pkg/errors"
)

// Source is the minimal capability kacpkg needs from whatever holds the
// package bytes — a memory map for the self-reader, an HTTP range client
// for the remote reader. Both share this one parsing path, mirroring the
// teacher's backend.ReaderAt wrapping a backend Load call behind
// io.ReaderAt so local and remote data share one decoding path.
type Source interface {
	io.ReaderAt
	// Size returns the total addressable length of the source.
	Size() int64
}

// tailWindow is how many bytes from the end we read to locate the footer;
// comfortably larger than the footer's own size.
const tailWindow = 4096

// Parsed is the {segments, index, payload_start} triple the footer
// describes, resolved into absolute offsets within Source.
type Parsed struct {
	Footer       Footer
	PayloadStart int64
	Segments     map[string][]byte
	// Index maps a payload name (content hash hex, or a tagged name like
	// "installer") to its size and its offset relative to PayloadStart;
	// AbsOffset re-bases an entry's offset to an absolute offset within
	// Source.
	Index map[string]IndexEntry
}

// AbsOffset resolves an index entry's offset (relative to payload_start)
// into an absolute offset within the Source.
func (p *Parsed) AbsOffset(e IndexEntry) int64 {
	return p.PayloadStart + int64(e.Offset)
}

// Parse reads the footer, then the segment region, from src and resolves
// the \0INDEX into a name -> placement map. It rejects any package where
// the sizes imply a segment region extending beyond the source.
func Parse(src Source) (*Parsed, error) {
	size := src.Size()
	n := int64(tailWindow)
	if n > size {
		n = size
	}
	if n < int64(FooterSize) {
		return nil, ErrTruncatedFooter
	}
	tail := make([]byte, n)
	if _, err := src.ReadAt(tail, size-n); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "read footer window")
	}

	footer, err := DecodeFooter(tail)
	if err != nil {
		return nil, err
	}

	regionSize := int64(footer.SegmentRegionSize())
	payloadStart := int64(footer.PayloadStart)
	if payloadStart < 0 || payloadStart+regionSize > size {
		return nil, errors.Wrap(ErrInvalidSegment, "segment region extends beyond file")
	}

	region := make([]byte, regionSize)
	if regionSize > 0 {
		if _, err := src.ReadAt(region, payloadStart); err != nil && err != io.EOF {
			return nil, errors.Wrap(err, "read segment region")
		}
	}

	segs, err := DecodeSegments(region)
	if err != nil {
		return nil, err
	}

	parsed := &Parsed{
		Footer:       footer,
		PayloadStart: payloadStart,
		Segments:     make(map[string][]byte, len(segs)),
		Index:        make(map[string]IndexEntry),
	}
	for _, s := range segs {
		parsed.Segments[s.Name] = s.Payload
	}

	// Index offsets are relative to payload_start, and the segment region
	// itself sits at the front of that span, so the bound for a valid
	// offset+size is measured from payload_start, not from the end of the
	// segment region.
	payloadRegionSize := uint64(size - payloadStart)
	if idx, ok := parsed.Segments[SegIndex]; ok {
		entries, err := DecodeIndex(idx, payloadRegionSize)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			parsed.Index[e.Name] = e
		}
	}

	return parsed, nil
}
