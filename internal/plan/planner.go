// Package plan compares a target manifest against local on-disk state and
// the running installer's own embedded package, producing the per-file
// DiffTask list the executor consumes. Concurrency and locking follow
// packerManager's shape: a fixed worker pool fanning out CPU-bound
// hashing, serializing writes to shared state behind one mutex rather
// than one per task.
package plan

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/YuehaiTeam/kachina-installer/internal/hashalgo"
	"github.com/YuehaiTeam/kachina-installer/internal/kacpkg"
	"github.com/YuehaiTeam/kachina-installer/internal/manifest"
	"github.com/YuehaiTeam/kachina-installer/internal/plan/mode"
)

// State is a DiffTask's lifecycle state.
type State int

const (
	Pending State = iota
	Running
	Succeeded
	Failed
)

// Task is the in-memory unit of work for one target file.
type Task struct {
	Target           manifest.HashedFile
	LocalHash        *hashalgo.Hash
	Patch            *manifest.PatchRecord
	LocalPatchSource *kacpkg.IndexEntry
	Installer        bool
	Unwritable       bool
	Mode             mode.InstallMode

	mu         sync.Mutex
	state      State
	downloaded uint64
}

func (t *Task) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// AddDownloaded is the only mutation a worker makes to shared task state
// from inside the hot path, and is safe to call concurrently with State
// reads from a reporting goroutine.
func (t *Task) AddDownloaded(n uint64) {
	t.mu.Lock()
	t.downloaded += n
	t.mu.Unlock()
}

func (t *Task) Downloaded() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.downloaded
}

// Inputs bundles everything Plan needs to classify every target file.
type Inputs struct {
	Target        *manifest.Manifest
	LocalDir      string
	EmbeddedIndex map[string]kacpkg.IndexEntry // payload name -> placement, from the running package
	// PreservePrefixes lists manifest path prefixes the plan must never
	// overwrite (user data preserved across updates).
	PreservePrefixes []string
	Workers          int
}

// Plan hashes local_dir, classifies every target file into a Task, and
// returns the list sorted by descending target size so large tasks start
// first and small ones fill scheduling gaps.
func Plan(ctx context.Context, in Inputs) ([]*Task, error) {
	if in.Workers <= 0 {
		in.Workers = 8
	}

	tasks := make([]*Task, 0, len(in.Target.Hashed))
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, in.Workers)

	for i := range in.Target.Hashed {
		hf := in.Target.Hashed[i]
		if isPreserved(hf.FileName, in.PreservePrefixes) {
			continue
		}
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			defer func() { <-sem }()

			task, err := classify(in, hf)
			if err != nil {
				return err
			}
			if task == nil {
				return nil // already satisfied locally
			}
			mu.Lock()
			tasks = append(tasks, task)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].Target.Size > tasks[j].Target.Size
	})
	return tasks, nil
}

func isPreserved(relPath string, prefixes []string) bool {
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		if relPath == p || (len(relPath) > len(p) && relPath[:len(p)] == p && relPath[len(p)] == '/') {
			return true
		}
	}
	return false
}

func classify(in Inputs, hf manifest.HashedFile) (*Task, error) {
	localPath := filepath.Join(in.LocalDir, manifest.NormalizePath(hf.FileName))

	localHash, present, err := hashLocal(localPath, in.Target.Algo)
	if err != nil {
		return nil, err
	}
	if present {
		if eq, err := localHash.EqualStrict(hf.Hash); err == nil && eq {
			return nil, nil
		}
	}

	task := &Task{Target: hf, Installer: hf.Installer}
	if present {
		task.LocalHash = &localHash
	}

	// A manifest can carry several Patches records with the same To and
	// different From (one per source version a builder chose to diff
	// against). Track the best candidate pair separately for the two ways
	// a patch can apply, rather than assigning task.Patch/LocalPatchSource
	// as each record is seen, so a later plain-hash match can never
	// overwrite an earlier embedded-index match's Patch (or vice versa)
	// and leave the two fields describing different records.
	var directPatch *manifest.PatchRecord
	var hybridPatch *manifest.PatchRecord
	var hybridSource *kacpkg.IndexEntry
	for i := range in.Target.Patches {
		p := in.Target.Patches[i]
		if !p.To.Equal(hf.Hash) {
			continue
		}
		if entry, ok := in.EmbeddedIndex[p.From.String()]; ok {
			entryCopy := entry
			hybridPatch = &p
			hybridSource = &entryCopy
			continue
		}
		if present && p.From.Equal(localHash) {
			directPatch = &p
		}
	}
	switch {
	case hybridPatch != nil:
		task.Patch = hybridPatch
		task.LocalPatchSource = hybridSource
	case directPatch != nil:
		task.Patch = directPatch
	}

	writable, err := isWritable(localPath)
	if err != nil {
		return nil, err
	}
	task.Unwritable = !writable

	return task, nil
}

func hashLocal(path string, algo hashalgo.Algorithm) (hashalgo.Hash, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return hashalgo.Hash{}, false, nil
	}
	if err != nil {
		return hashalgo.Hash{}, false, err
	}
	return hashalgo.Compute(algo, data), true, nil
}
