// Package pipeline streams one task's target bytes from source through
// decompression, optional patching, and hashing into a temp file, then
// atomically replaces the final path. The chaining follows a
// Repository.LoadBlob-style shape: a fixed sequence of byte-stream
// transforms applied in order, here with decryption dropped (the package
// format is unencrypted) and an optional patch-apply stage added.
package pipeline

import (
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/YuehaiTeam/kachina-installer/internal/builder/diffgen"
	"github.com/YuehaiTeam/kachina-installer/internal/fs"
	"github.com/YuehaiTeam/kachina-installer/internal/hashalgo"
	"github.com/YuehaiTeam/kachina-installer/internal/kerrors"
)

// Source supplies the raw (still zstd-compressed) bytes for a task: either
// an embedded payload slice, a downloaded range, or both (hybrid patch).
type Source struct {
	// Base, when non-nil, is the zstd-compressed base file bytes a patch
	// applies against (embedded payload or on-disk file, already read).
	Base io.Reader
	// Diff, when non-nil, is the zstd-compressed patch stream.
	Diff io.Reader
	// Direct, when Base/Diff are both nil, is the zstd-compressed full
	// target bytes.
	Direct io.Reader
}

// Options controls one run of the pipeline.
type Options struct {
	TargetPath string
	TargetHash hashalgo.Hash
	Algo       hashalgo.Algorithm
	// SkipHash omits final hash verification. cmd/kachina-installer never
	// sets it: every task it runs, the updater self-download included, is
	// verified against its manifest hash.
	SkipHash bool
	// OnProgress is called with each chunk's byte count as it's written.
	OnProgress func(n int64)
}

// Run executes the pipeline and leaves TargetPath holding the verified
// result, or returns an error with any temp file already cleaned up.
func Run(src Source, opts Options) error {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return errors.Wrap(err, "allocate zstd decoder")
	}
	defer dec.Close()

	reader, err := buildReader(src, dec)
	if err != nil {
		return err
	}

	dir := filepath.Dir(opts.TargetPath)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return kerrors.FilesystemErrorf(err, "create directory for %s", opts.TargetPath)
	}
	tmp, err := os.CreateTemp(dir, ".kachina-tmp-*")
	if err != nil {
		return kerrors.FilesystemErrorf(err, "create temp file for %s", opts.TargetPath)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		fs.Remove(tmpPath)
	}

	var hw *hashalgo.HashingWriter
	var w io.Writer = tmp
	if !opts.SkipHash {
		hw = hashalgo.NewHashingWriter(tmp, opts.Algo)
		w = hw
	}

	if err := copyProgress(w, reader, opts.OnProgress); err != nil {
		cleanup()
		return kerrors.NetworkErrorf(err, "stream %s", opts.TargetPath)
	}

	if err := tmp.Close(); err != nil {
		fs.Remove(tmpPath)
		return kerrors.FilesystemErrorf(err, "close temp file for %s", opts.TargetPath)
	}

	if hw != nil {
		if eq, err := hw.Sum().EqualStrict(opts.TargetHash); err != nil || !eq {
			fs.Remove(tmpPath)
			return kerrors.NewFormatError("hash mismatch writing %s", opts.TargetPath)
		}
	}

	if err := replace(tmpPath, opts.TargetPath); err != nil {
		fs.Remove(tmpPath)
		return kerrors.FilesystemErrorf(err, "finalize %s", opts.TargetPath)
	}
	return nil
}

func buildReader(src Source, dec *zstd.Decoder) (io.Reader, error) {
	if src.Direct != nil {
		if err := dec.Reset(src.Direct); err != nil {
			return nil, errors.Wrap(err, "reset zstd decoder")
		}
		return dec, nil
	}

	if src.Base == nil || src.Diff == nil {
		return nil, errors.New("pipeline source needs either Direct or both Base and Diff")
	}

	baseDec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "allocate base zstd decoder")
	}
	defer baseDec.Close()
	baseBytes, err := io.ReadAll(src.Base)
	if err != nil {
		return nil, errors.Wrap(err, "read base")
	}
	base, err := baseDec.DecodeAll(baseBytes, nil)
	if err != nil {
		return nil, errors.Wrap(err, "decompress base")
	}

	patchBytes, err := io.ReadAll(src.Diff)
	if err != nil {
		return nil, errors.Wrap(err, "read patch")
	}
	ops, err := diffgen.Decode(patchBytes)
	if err != nil {
		return nil, errors.Wrap(err, "decode patch")
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(diffgen.Apply(pw, base, ops))
	}()
	return pr, nil
}

func copyProgress(w io.Writer, r io.Reader, onProgress func(int64)) error {
	buf := make([]byte, 256*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if onProgress != nil {
				onProgress(int64(n))
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// replace atomically renames tmp over target, falling back to a
// remove-then-rename sequence on platforms/filesystems that reject a
// direct rename over an existing readonly or cross-device target.
func replace(tmpPath, targetPath string) error {
	if err := fs.Rename(tmpPath, targetPath); err == nil {
		return nil
	}
	if err := fs.Remove(targetPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return fs.Rename(tmpPath, targetPath)
}
