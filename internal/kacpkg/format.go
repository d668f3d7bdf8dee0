// Package kacpkg implements the self-addressable package format: segment
// framing, the footer, the \0INDEX entries, and the shared parsing path
// used by both the local self-reader (a memory map of the running
// executable) and the remote reader (HTTP range requests against a hosted
// package).
//
// The binary layout, grounded on tamirms-streamhash's header.go/footer.go
// (fixed-size, magic-validated, big/little-endian explicit encode/decode)
// and on original_source/src-tauri/src/local.rs's TLV segment scan.
package kacpkg

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// SegmentMagic tags the start of every segment record in the header region.
const SegmentMagic = "!IN\x00"

// FooterMagic is the fixed ASCII tail marker; the footer always sits at the
// exact end of the file.
const FooterMagic = "!KachinaInstaller!"

// Known segment names.
const (
	SegConfig = "\x00CONFIG"
	SegMeta   = "\x00META"
	SegTheme  = "\x00THEME"
	SegIndex  = "\x00INDEX"
)

// knownSegments is the closed set a reader must validate segment names
// against; any other segment name is rejected.
var knownSegments = map[string]bool{
	SegConfig: true,
	SegMeta:   true,
	SegTheme:  true,
	SegIndex:  true,
}

// Sentinel format errors.
var (
	ErrNoMagic            = errors.New("no footer magic found")
	ErrTruncatedFooter     = errors.New("truncated footer")
	ErrInvalidSegment      = errors.New("invalid segment")
	ErrIndexOffsetOutOfRange = errors.New("index entry offset out of range")
	ErrUnknownSegmentName  = errors.New("unknown segment name")
)

// Footer is the fixed trailer written at the exact tail of the package
// file: magic, then five big-endian uint32 sizes.
type Footer struct {
	PayloadStart uint32
	ConfigSize   uint32
	ThemeSize    uint32
	IndexSize    uint32
	MetadataSize uint32
}

// FooterSize is the exact number of bytes the encoded footer occupies.
var FooterSize = len(FooterMagic) + 4*5

// SegmentRegionSize is the total size of the header region the footer's
// sizes describe.
func (f Footer) SegmentRegionSize() uint32 {
	return f.ConfigSize + f.ThemeSize + f.IndexSize + f.MetadataSize
}

// Encode serializes the footer (magic + five big-endian uint32s).
func (f Footer) Encode() []byte {
	buf := make([]byte, FooterSize)
	n := copy(buf, FooterMagic)
	binary.BigEndian.PutUint32(buf[n:], f.PayloadStart)
	binary.BigEndian.PutUint32(buf[n+4:], f.ConfigSize)
	binary.BigEndian.PutUint32(buf[n+8:], f.ThemeSize)
	binary.BigEndian.PutUint32(buf[n+12:], f.IndexSize)
	binary.BigEndian.PutUint32(buf[n+16:], f.MetadataSize)
	return buf
}

// DecodeFooter parses a tail buffer of at least FooterSize bytes, requiring
// the magic to start exactly at len(buf)-FooterSize (i.e. the footer is the
// last thing in the file, with no trailing bytes after it).
func DecodeFooter(buf []byte) (Footer, error) {
	if len(buf) < FooterSize {
		return Footer{}, ErrTruncatedFooter
	}
	tail := buf[len(buf)-FooterSize:]
	magicLen := len(FooterMagic)
	if string(tail[:magicLen]) != FooterMagic {
		return Footer{}, ErrNoMagic
	}
	return Footer{
		PayloadStart: binary.BigEndian.Uint32(tail[magicLen:]),
		ConfigSize:   binary.BigEndian.Uint32(tail[magicLen+4:]),
		ThemeSize:    binary.BigEndian.Uint32(tail[magicLen+8:]),
		IndexSize:    binary.BigEndian.Uint32(tail[magicLen+12:]),
		MetadataSize: binary.BigEndian.Uint32(tail[magicLen+16:]),
	}, nil
}

// Segment is one named chunk of the header region.
type Segment struct {
	Name    string
	Payload []byte
}

// EncodeSegment frames a segment: magic, 2-byte BE name length, name bytes,
// 4-byte BE payload length, payload.
func EncodeSegment(name string, payload []byte) ([]byte, error) {
	if len(name) > 0xffff {
		return nil, errors.Errorf("segment name %q too long", name)
	}
	if uint64(len(payload)) > 0xffffffff {
		return nil, errors.Errorf("segment %q payload too large", name)
	}
	buf := make([]byte, 0, len(SegmentMagic)+2+len(name)+4+len(payload))
	buf = append(buf, SegmentMagic...)
	nameLen := make([]byte, 2)
	binary.BigEndian.PutUint16(nameLen, uint16(len(name)))
	buf = append(buf, nameLen...)
	buf = append(buf, name...)
	sizeBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(sizeBuf, uint32(len(payload)))
	buf = append(buf, sizeBuf...)
	buf = append(buf, payload...)
	return buf, nil
}

// DecodeSegments parses every segment record out of a complete header
// region buffer, validating each segment name against the known set.
func DecodeSegments(region []byte) ([]Segment, error) {
	var segments []Segment
	off := 0
	magicLen := len(SegmentMagic)
	for off < len(region) {
		if off+magicLen > len(region) || string(region[off:off+magicLen]) != SegmentMagic {
			return nil, ErrInvalidSegment
		}
		off += magicLen
		if off+2 > len(region) {
			return nil, ErrInvalidSegment
		}
		nameLen := int(binary.BigEndian.Uint16(region[off : off+2]))
		off += 2
		if off+nameLen > len(region) {
			return nil, ErrInvalidSegment
		}
		name := string(region[off : off+nameLen])
		off += nameLen
		if off+4 > len(region) {
			return nil, ErrInvalidSegment
		}
		payloadLen := int(binary.BigEndian.Uint32(region[off : off+4]))
		off += 4
		if off+payloadLen > len(region) {
			return nil, ErrInvalidSegment
		}
		if !knownSegments[name] {
			return nil, errors.Wrapf(ErrUnknownSegmentName, "segment %q", name)
		}
		segments = append(segments, Segment{Name: name, Payload: region[off : off+payloadLen]})
		off += payloadLen
	}
	return segments, nil
}

// IndexEntry is one densely packed record in the \0INDEX segment.
type IndexEntry struct {
	Name   string
	Size   uint32
	Offset uint32
}

// EncodeIndex packs entries in the dense {name_len u8, name, size u32,
// offset u32} layout.
func EncodeIndex(entries []IndexEntry) ([]byte, error) {
	var buf []byte
	for _, e := range entries {
		if len(e.Name) > 0xff {
			return nil, errors.Errorf("index entry name %q too long", e.Name)
		}
		buf = append(buf, byte(len(e.Name)))
		buf = append(buf, e.Name...)
		sizeOff := make([]byte, 8)
		binary.BigEndian.PutUint32(sizeOff[0:4], e.Size)
		binary.BigEndian.PutUint32(sizeOff[4:8], e.Offset)
		buf = append(buf, sizeOff...)
	}
	return buf, nil
}

// DecodeIndex unpacks the \0INDEX segment payload, rejecting entries whose
// offset+size exceeds the addressable payload region (payloadRegionSize may
// be 0 to skip that bounds check, e.g. while building).
func DecodeIndex(payload []byte, payloadRegionSize uint64) ([]IndexEntry, error) {
	var entries []IndexEntry
	off := 0
	for off < len(payload) {
		nameLen := int(payload[off])
		off++
		if off+nameLen+8 > len(payload) {
			return nil, ErrInvalidSegment
		}
		name := string(payload[off : off+nameLen])
		off += nameLen
		size := binary.BigEndian.Uint32(payload[off : off+4])
		offset := binary.BigEndian.Uint32(payload[off+4 : off+8])
		off += 8
		if payloadRegionSize > 0 && uint64(offset)+uint64(size) > payloadRegionSize {
			return nil, ErrIndexOffsetOutOfRange
		}
		entries = append(entries, IndexEntry{Name: name, Size: size, Offset: offset})
	}
	return entries, nil
}
