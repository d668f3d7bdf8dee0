package kacpkg

import (
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// mmapSource adapts an mmap.MMap (from github.com/edsrzf/mmap-go — the
// same read-only self-mapping approach tamirms-streamhash uses for its own
// content-addressed index files) to the Source interface.
type mmapSource struct {
	data mmap.MMap
}

func (m *mmapSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.data)) {
		return 0, errors.New("read past end of mapped file")
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, errors.New("short read from mapped file")
	}
	return n, nil
}

func (m *mmapSource) Size() int64 {
	return int64(len(m.data))
}

// Close releases the memory map.
func (m *mmapSource) Close() error {
	return m.data.Unmap()
}

// SelfReader holds the running executable mapped read-only and the parsed
// package index.
type SelfReader struct {
	src    *mmapSource
	file   *os.File
	Parsed *Parsed
}

// OpenSelf maps the executable at path (typically os.Executable()) and
// parses it as a package.
func OpenSelf(path string) (*SelfReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open self executable")
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "mmap self executable")
	}
	src := &mmapSource{data: m}

	parsed, err := Parse(src)
	if err != nil {
		src.Close()
		f.Close()
		return nil, err
	}

	return &SelfReader{src: src, file: f, Parsed: parsed}, nil
}

// ReadPayload returns a copy of a payload named by content hash (or a
// tagged name), read out of the memory map. The bytes are returned as
// stored in the package; nothing is decompressed.
func (r *SelfReader) ReadPayload(name string) ([]byte, error) {
	e, ok := r.Parsed.Index[name]
	if !ok {
		return nil, errors.Errorf("payload %q not found in self index", name)
	}
	buf := make([]byte, e.Size)
	if _, err := r.src.ReadAt(buf, r.Parsed.AbsOffset(e)); err != nil {
		return nil, errors.Wrapf(err, "read payload %q", name)
	}
	return buf, nil
}

// Source exposes the underlying Source, e.g. so the executor can build an
// io.SectionReader over a specific payload range.
func (r *SelfReader) Source() Source {
	return r.src
}

// Close unmaps the executable and closes the underlying file handle.
func (r *SelfReader) Close() error {
	err := r.src.Close()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}
