// Package hasher walks a source tree, compresses every included file, and
// stages the compressed bytes in a content-addressed directory keyed by
// the file's hash. This is the "make everything content-addressed and
// pre-compressed" half of building a package; internal/builder/packer only
// has to stream the staged blobs into the final file.
package hasher

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/YuehaiTeam/kachina-installer/internal/fs"
	"github.com/YuehaiTeam/kachina-installer/internal/hashalgo"
)

// Result describes one hashed-and-staged file.
type Result struct {
	// RelPath is the file's path relative to the tree root, forward-slash
	// normalized.
	RelPath string
	Hash    hashalgo.Hash
	// StagedPath is where the compressed blob was written, named by the
	// hash's hex string.
	StagedPath   string
	OriginalSize int64
	StagedSize   int64
	// Installer marks this file as the updater stub itself: it lands in
	// the manifest with installer=true so the running installer knows to
	// self-patch through a temp file and delayed rename instead of
	// writing straight to its own path.
	Installer bool
}

// Options configures a tree walk.
type Options struct {
	Root       string
	StageDir   string
	Algo       hashalgo.Algorithm
	// Ignore holds doublestar glob patterns (relative to Root) excluded
	// from hashing, e.g. ".git/**", "*.tmp".
	Ignore []string
	// Workers bounds concurrent file hashing goroutines.
	Workers int
}

// encoderPool lazily allocates one zstd encoder per worker slot the first
// time it's needed, the same sync.Once-guarded allocation shape the
// teacher uses for its repository-wide encoder. HashTree picks the slot by
// file index modulo Workers, so goroutines running at the same time can
// share one slot's encoder.
type encoderPool struct {
	once sync.Once
	enc  *zstd.Encoder
	err  error
}

func (p *encoderPool) get() (*zstd.Encoder, error) {
	p.once.Do(func() {
		p.enc, p.err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderCRC(false),
			zstd.WithWindowSize(512*1024),
		)
	})
	return p.enc, p.err
}

// HashTree walks Root, compresses every file not excluded by Ignore, and
// writes the compressed bytes to StageDir/<hex hash>. Returns one Result
// per included file, in no particular order.
func HashTree(ctx context.Context, opts Options) ([]Result, error) {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if err := fs.MkdirAll(opts.StageDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create stage dir")
	}

	var paths []string
	err := filepath.WalkDir(opts.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(opts.Root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		excluded, err := matchesAny(opts.Ignore, rel)
		if err != nil {
			return err
		}
		if excluded {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "walk tree")
	}

	g, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, opts.Workers)
	results := make([]Result, len(paths))
	pools := make([]encoderPool, opts.Workers)

	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			defer func() { <-sem }()

			pool := &pools[i%opts.Workers]
			enc, err := pool.get()
			if err != nil {
				return errors.Wrap(err, "allocate zstd encoder")
			}

			res, err := hashOne(opts, path, enc)
			if err != nil {
				return errors.Wrapf(err, "hash %s", path)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func hashOne(opts Options, path string, enc *zstd.Encoder) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, err
	}
	compressed := enc.EncodeAll(data, nil)
	h := hashalgo.Compute(opts.Algo, data)

	rel, err := filepath.Rel(opts.Root, path)
	if err != nil {
		return Result{}, err
	}
	staged := filepath.Join(opts.StageDir, h.String())
	if err := writeFileAtomic(staged, compressed); err != nil {
		return Result{}, err
	}

	return Result{
		RelPath:      filepath.ToSlash(rel),
		Hash:         h,
		StagedPath:   staged,
		OriginalSize: int64(len(data)),
		StagedSize:   int64(len(compressed)),
	}, nil
}

func writeFileAtomic(path string, data []byte) error {
	if _, err := fs.Stat(path); err == nil {
		return nil // content-addressed: identical hash means identical bytes already staged
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		fs.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		fs.Remove(tmp)
		return err
	}
	return fs.Rename(tmp, path)
}

func matchesAny(patterns []string, rel string) (bool, error) {
	for _, p := range patterns {
		ok, err := doublestar.Match(p, rel)
		if err != nil {
			return false, errors.Wrapf(err, "invalid ignore pattern %q", p)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// CopyStaged copies a staged blob to w, used when assembling the final
// package payload region from HashTree's output.
func CopyStaged(w io.Writer, stagedPath string) (int64, error) {
	f, err := os.Open(stagedPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}
