package kacpkg

import (
	"bytes"
	"testing"
)

// memSource is the simplest possible Source: an in-memory byte slice,
// standing in for a memory-mapped self-reader or a cached remote range in
// these tests.
type memSource struct {
	data []byte
}

func (m *memSource) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(m.data).ReadAt(p, off)
}

func (m *memSource) Size() int64 {
	return int64(len(m.data))
}

// buildPackage assembles a minimal but complete package byte stream: a
// fake stub, the config/theme/meta/index segments, a payload region, and
// the tail footer, returning the bytes plus the payloads it placed so
// tests can verify Parse recovers them.
func buildPackage(t *testing.T, stubSize int, config, theme, meta []byte, payloads map[string][]byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	buf.Write(bytes.Repeat([]byte{0xCC}, stubSize))
	payloadStart := uint32(stubSize)

	configSeg, err := EncodeSegment(SegConfig, config)
	if err != nil {
		t.Fatalf("EncodeSegment config: %v", err)
	}
	themeSeg, err := EncodeSegment(SegTheme, theme)
	if err != nil {
		t.Fatalf("EncodeSegment theme: %v", err)
	}
	metaSeg, err := EncodeSegment(SegMeta, meta)
	if err != nil {
		t.Fatalf("EncodeSegment meta: %v", err)
	}

	overhead := uint32(len(configSeg) + len(themeSeg) + len(metaSeg))
	// Index payload offsets are relative to payload_start, and the index
	// segment occupies the front of that region alongside config/theme/meta,
	// so its own encoded size must be folded into the base before placement
	// offsets are computed. Its size depends only on the entry names and
	// sizes, so a probe index built from the same entries gives it.
	names := make([]string, 0, len(payloads))
	for name := range payloads {
		names = append(names, name)
	}
	probe := NewIndexBuilder(0)
	for _, name := range names {
		probe.Add(name, uint32(len(payloads[name])))
	}
	probeIndex, err := probe.Build()
	if err != nil {
		t.Fatalf("IndexBuilder.Build probe: %v", err)
	}
	probeIndexSeg, err := EncodeSegment(SegIndex, probeIndex)
	if err != nil {
		t.Fatalf("EncodeSegment probe index: %v", err)
	}

	builder := NewIndexBuilder(overhead + uint32(len(probeIndexSeg)))
	for _, name := range names {
		builder.Add(name, uint32(len(payloads[name])))
	}
	indexPayload, err := builder.Build()
	if err != nil {
		t.Fatalf("IndexBuilder.Build: %v", err)
	}
	indexSeg, err := EncodeSegment(SegIndex, indexPayload)
	if err != nil {
		t.Fatalf("EncodeSegment index: %v", err)
	}

	buf.Write(configSeg)
	buf.Write(themeSeg)
	buf.Write(metaSeg)
	buf.Write(indexSeg)

	for _, name := range names {
		buf.Write(payloads[name])
	}

	footer := Footer{
		PayloadStart: payloadStart,
		ConfigSize:   uint32(len(configSeg)),
		ThemeSize:    uint32(len(themeSeg)),
		IndexSize:    uint32(len(indexSeg)),
		MetadataSize: uint32(len(metaSeg)),
	}
	buf.Write(footer.Encode())

	return buf.Bytes()
}

func TestParseRecoversSegmentsAndIndex(t *testing.T) {
	payloads := map[string][]byte{
		"aaaaaaaaaaaaaaaa": []byte("first payload"),
		"bbbbbbbbbbbbbbbb": bytes.Repeat([]byte{0x42}, 37),
	}
	data := buildPackage(t, 4096, []byte(`{"source":"x"}`), []byte("theme bytes"), []byte(`{"tag":"v1"}`), payloads)

	parsed, err := Parse(&memSource{data: data})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if string(parsed.Segments[SegConfig]) != `{"source":"x"}` {
		t.Errorf("config segment: got %q", parsed.Segments[SegConfig])
	}
	if string(parsed.Segments[SegTheme]) != "theme bytes" {
		t.Errorf("theme segment: got %q", parsed.Segments[SegTheme])
	}
	if string(parsed.Segments[SegMeta]) != `{"tag":"v1"}` {
		t.Errorf("meta segment: got %q", parsed.Segments[SegMeta])
	}

	if len(parsed.Index) != len(payloads) {
		t.Fatalf("Index entries: got %d, want %d", len(parsed.Index), len(payloads))
	}
	for name, want := range payloads {
		entry, ok := parsed.Index[name]
		if !ok {
			t.Fatalf("missing index entry %q", name)
		}
		abs := parsed.AbsOffset(entry)
		got := data[abs : abs+int64(entry.Size)]
		if !bytes.Equal(got, want) {
			t.Errorf("payload %q: got %q, want %q", name, got, want)
		}
	}
}

func TestParseRejectsTruncatedFile(t *testing.T) {
	if _, err := Parse(&memSource{data: []byte("way too short to hold a footer")}); err == nil {
		t.Error("expected error parsing a file too short for a footer")
	}
}

func TestParseRejectsSegmentRegionBeyondFile(t *testing.T) {
	f := Footer{PayloadStart: 0, ConfigSize: 1_000_000}
	data := f.Encode()
	if _, err := Parse(&memSource{data: data}); err == nil {
		t.Error("expected error when segment region extends beyond the file")
	}
}

func TestParseHandlesEmptyPayloadSet(t *testing.T) {
	data := buildPackage(t, 512, []byte("cfg"), nil, []byte("meta"), nil)
	parsed, err := Parse(&memSource{data: data})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(parsed.Index) != 0 {
		t.Errorf("expected empty index, got %d entries", len(parsed.Index))
	}
}
