// Package packer assembles a stub executable, the segment region, and the
// payload region into one self-addressable package file, buffering writes
// through a bufio.Writer exactly as packerManager streams a pack file
// through bufio.NewWriter(tmpfile) before finalizing it.
package packer

import (
	"bufio"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/YuehaiTeam/kachina-installer/internal/builder/hasher"
	"github.com/YuehaiTeam/kachina-installer/internal/fs"
	"github.com/YuehaiTeam/kachina-installer/internal/kacpkg"
)

// Payload is one blob to place in the payload region, named by content
// hash (or a tagged name like "installer" for a self-patch payload).
type Payload struct {
	Name       string
	StagedPath string
}

// Options configures a Pack invocation.
type Options struct {
	// StubPath is the installer/updater stub executable to prepend.
	StubPath string
	// OutputPath is the final package file to write.
	OutputPath string
	Config     []byte
	Theme      []byte
	Meta       []byte
	Payloads   []Payload
}

// Pack streams stub + segments + payload region into OutputPath, then
// writes the footer.
func Pack(opts Options) error {
	stub, err := os.Open(opts.StubPath)
	if err != nil {
		return errors.Wrap(err, "open stub")
	}
	defer stub.Close()
	stubInfo, err := stub.Stat()
	if err != nil {
		return errors.Wrap(err, "stat stub")
	}

	out, err := fs.OpenFile(opts.OutputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return errors.Wrap(err, "create output")
	}
	defer out.Close()

	w := bufio.NewWriter(out)

	if _, err := io.Copy(w, stub); err != nil {
		return errors.Wrap(err, "copy stub")
	}
	payloadStart := uint32(stubInfo.Size())

	sizingSegs := []kacpkg.Segment{
		{Name: kacpkg.SegConfig, Payload: opts.Config},
		{Name: kacpkg.SegTheme, Payload: opts.Theme},
		{Name: kacpkg.SegMeta, Payload: opts.Meta},
	}

	// The index segment sits in the segment region ahead of the payloads, so
	// its encoded size feeds into where every payload lands. planIndex sizes
	// it from the payload names and sizes, which are fixed up front, and
	// computes the final placements in a single pass.
	// sizingSegs' order doesn't matter here, only the sum of their sizes.
	indexPayload, footer, entries, err := planIndex(payloadStart, sizingSegs, opts.Payloads)
	if err != nil {
		return err
	}
	// Written out in CONFIG, THEME, INDEX, META order.
	segs := []kacpkg.Segment{
		{Name: kacpkg.SegConfig, Payload: opts.Config},
		{Name: kacpkg.SegTheme, Payload: opts.Theme},
		{Name: kacpkg.SegIndex, Payload: indexPayload},
		{Name: kacpkg.SegMeta, Payload: opts.Meta},
	}

	for _, s := range segs {
		encoded, err := kacpkg.EncodeSegment(s.Name, s.Payload)
		if err != nil {
			return errors.Wrapf(err, "encode segment %q", s.Name)
		}
		if _, err := w.Write(encoded); err != nil {
			return errors.Wrapf(err, "write segment %q", s.Name)
		}
	}

	for i, p := range opts.Payloads {
		n, err := hasher.CopyStaged(w, p.StagedPath)
		if err != nil {
			return errors.Wrapf(err, "copy payload %q", p.Name)
		}
		if uint32(n) != entries[i].Size {
			return errors.Errorf("payload %q size changed between planning and writing", p.Name)
		}
	}

	footerBytes := footer.Encode()
	if _, err := w.Write(footerBytes); err != nil {
		return errors.Wrap(err, "write footer")
	}

	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "flush output")
	}
	return nil
}

// planIndex computes segment sizes and builds the \0INDEX payload. Segment
// sizes (config/theme/meta) don't depend on the index, and the index's own
// size only depends on entry count and name lengths (which are fixed by
// opts.Payloads up front), so this converges in one pass without the
// iterative refinement a variable-length preceding segment would need.
func planIndex(payloadStart uint32, segs []kacpkg.Segment, payloads []Payload) ([]byte, kacpkg.Footer, []kacpkg.IndexEntry, error) {
	var segRegionSizeSoFar uint32
	for _, s := range segs {
		encoded, err := kacpkg.EncodeSegment(s.Name, s.Payload)
		if err != nil {
			return nil, kacpkg.Footer{}, nil, err
		}
		segRegionSizeSoFar += uint32(len(encoded))
	}

	sizes := make([]uint32, len(payloads))
	for i, p := range payloads {
		info, err := fs.Stat(p.StagedPath)
		if err != nil {
			return nil, kacpkg.Footer{}, nil, errors.Wrapf(err, "stat payload %q", p.Name)
		}
		sizes[i] = uint32(info.Size())
	}

	placeholder := make([]kacpkg.IndexEntry, len(payloads))
	for i, p := range payloads {
		placeholder[i] = kacpkg.IndexEntry{Name: p.Name, Size: sizes[i]}
	}
	indexBytes, err := kacpkg.EncodeIndex(placeholder)
	if err != nil {
		return nil, kacpkg.Footer{}, nil, err
	}
	indexSegSize := uint32(len(mustEncodeSegment(kacpkg.SegIndex, indexBytes)))

	base := segRegionSizeSoFar + indexSegSize
	builder := kacpkg.NewIndexBuilder(base)
	for i, p := range payloads {
		builder.Add(p.Name, sizes[i])
	}
	entries := builder.Entries()

	finalIndexBytes, err := builder.Build()
	if err != nil {
		return nil, kacpkg.Footer{}, nil, err
	}

	var configSize, themeSize, metaSize uint32
	for _, s := range segs {
		encoded, err := kacpkg.EncodeSegment(s.Name, s.Payload)
		if err != nil {
			return nil, kacpkg.Footer{}, nil, err
		}
		switch s.Name {
		case kacpkg.SegConfig:
			configSize = uint32(len(encoded))
		case kacpkg.SegTheme:
			themeSize = uint32(len(encoded))
		case kacpkg.SegMeta:
			metaSize = uint32(len(encoded))
		}
	}

	footer := kacpkg.Footer{
		PayloadStart: payloadStart,
		ConfigSize:   configSize,
		ThemeSize:    themeSize,
		IndexSize:    uint32(len(mustEncodeSegment(kacpkg.SegIndex, finalIndexBytes))),
		MetadataSize: metaSize,
	}
	return finalIndexBytes, footer, entries, nil
}

func mustEncodeSegment(name string, payload []byte) []byte {
	b, err := kacpkg.EncodeSegment(name, payload)
	if err != nil {
		panic(err)
	}
	return b
}
