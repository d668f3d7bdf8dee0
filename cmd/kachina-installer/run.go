package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/YuehaiTeam/kachina-installer/internal/download"
	"github.com/YuehaiTeam/kachina-installer/internal/exec"
	"github.com/YuehaiTeam/kachina-installer/internal/exec/pipeline"
	"github.com/YuehaiTeam/kachina-installer/internal/exec/selfpatch"
	"github.com/YuehaiTeam/kachina-installer/internal/finalize"
	"github.com/YuehaiTeam/kachina-installer/internal/fs"
	"github.com/YuehaiTeam/kachina-installer/internal/kacpkg"
	"github.com/YuehaiTeam/kachina-installer/internal/kerrors"
	"github.com/YuehaiTeam/kachina-installer/internal/manifest"
	"github.com/YuehaiTeam/kachina-installer/internal/plan"
	"github.com/YuehaiTeam/kachina-installer/internal/plan/merge"
	"github.com/YuehaiTeam/kachina-installer/internal/plan/mode"
)

// metadataFileName is where finalize persists the per-install state,
// relative to the target directory.
const metadataFileName = ".kachina-installed.json"

// installerConfig is the embedded \0CONFIG segment's shape: the remote
// source id/URL to check for updates against, and any install-time
// preferences the builder baked in.
type installerConfig struct {
	SourceURL        string   `json:"source_url"`
	Challenge        bool     `json:"challenge,omitempty"`
	DisplayName      string   `json:"display_name"`
	Publisher        string   `json:"publisher,omitempty"`
	PreservePrefixes []string `json:"preserve_prefixes,omitempty"`
}

// run dispatches to install/update or uninstall based on the parsed flags,
// then, on the install path, walks plan -> merge -> schedule -> finalize.
func run(ctx context.Context, opts options) error {
	if opts.TargetDir == "" {
		return kerrors.NewFormatError("-D/--target-dir is required")
	}
	metadataPath := filepath.Join(opts.TargetDir, metadataFileName)

	if opts.Uninstall {
		return runUninstall(opts, metadataPath)
	}
	return runInstall(ctx, opts, metadataPath)
}

func runUninstall(opts options, metadataPath string) error {
	state, err := finalize.LoadState(metadataPath)
	if err != nil {
		return err
	}
	for _, f := range state.Files {
		full := filepath.Join(state.InstallDir, manifest.NormalizePath(f))
		if err := fs.RemoveAll(full); err != nil && !os.IsNotExist(err) {
			return kerrors.FilesystemErrorf(err, "remove %s", f)
		}
	}
	registrar := finalize.JSONRegistrar{Path: filepath.Join(opts.TargetDir, ".kachina-registry.json")}
	if err := registrar.Unregister(state.DisplayName); err != nil {
		return errors.Wrap(err, "unregister application")
	}
	if err := fs.RemoveIfExists(metadataPath); err != nil {
		return kerrors.FilesystemErrorf(err, "remove install metadata")
	}
	log.Infof("uninstalled %s from %s", state.TagName, state.InstallDir)
	return nil
}

func runInstall(ctx context.Context, opts options, metadataPath string) error {
	exePath, err := os.Executable()
	if err != nil {
		return kerrors.FilesystemErrorf(err, "locate running executable")
	}
	self, err := kacpkg.OpenSelf(exePath)
	if err != nil {
		return errors.Wrap(err, "open self package")
	}
	defer self.Close()

	config, err := decodeConfig(self)
	if err != nil {
		return err
	}

	client := download.NewClient(16)
	target, packageURL, err := resolveTarget(ctx, opts, self, client, config)
	if err != nil {
		return err
	}

	embeddedIndex := self.Parsed.Index
	tasks, err := plan.Plan(ctx, plan.Inputs{
		Target:           target,
		LocalDir:         opts.TargetDir,
		EmbeddedIndex:    embeddedIndex,
		PreservePrefixes: config.PreservePrefixes,
		Workers:          8,
	})
	if err != nil {
		return errors.Wrap(err, "plan install")
	}
	log.Infof("%d files need attention out of %d in the manifest", len(tasks), len(target.Hashed))
	if len(tasks) == 0 {
		return finalize.Run(finalizeOptions(opts, config, target, metadataPath, nil))
	}

	allowedModes := mode.AllModes()
	if opts.OnlineOnly {
		allowedModes = allowedModes.Without(mode.Local)
	}
	embeddedNames := make(map[string]struct{}, len(embeddedIndex))
	for name := range embeddedIndex {
		embeddedNames[name] = struct{}{}
	}
	plan.SelectMode(tasks, embeddedNames)
	for _, t := range tasks {
		if !allowedModes.Allows(t.Mode) {
			t.Mode = mode.Direct
		}
	}

	var remote *kacpkg.Parsed
	var remoteSrc kacpkg.Source
	if needsRemote(tasks, embeddedIndex) {
		remote, remoteSrc, err = kacpkg.OpenRemote(ctx, client, packageURL)
		if err != nil {
			return errors.Wrap(err, "open remote package")
		}
	}

	taskIndex := make(map[*plan.Task]int, len(tasks))
	for i, t := range tasks {
		taskIndex[t] = i
	}
	fetcher := newRemoteFetcher(client, packageURL, remote, tasks)
	tracker := exec.NewTracker()
	var pendingMu sync.Mutex
	var pendingSelfPatch *selfpatch.PendingRename

	runTask := func(ctx context.Context, t *plan.Task) error {
		prog := tracker.Start(t.Target.FileName, int64(t.Target.Size))
		defer tracker.Finish(t.Target.FileName)

		outPath := filepath.Join(opts.TargetDir, manifest.NormalizePath(t.Target.FileName))
		writePath, pending := selfPatchPaths(outPath, t.Installer)

		src, err := taskSource(ctx, self, remoteSrc, remote, fetcher, t, opts.TargetDir, taskIndex[t])
		if err != nil {
			return err
		}

		err = pipeline.Run(pipeline.Source{Base: src.base, Diff: src.diff, Direct: src.direct}, pipeline.Options{
			TargetPath: writePath,
			TargetHash: t.Target.Hash,
			Algo:       target.Algo,
			OnProgress: func(n int64) {
				prog.Add(n)
				t.AddDownloaded(uint64(n))
			},
		})
		if err != nil {
			return err
		}

		if pending != nil {
			pendingMu.Lock()
			pendingSelfPatch = pending
			pendingMu.Unlock()
		}
		return nil
	}

	sched := exec.NewScheduler(runTask)
	localMode := func(t *plan.Task) bool { return t.Mode == mode.Local }
	if err := sched.Run(ctx, tasks, localMode); err != nil {
		return errors.Wrap(err, "run install tasks")
	}

	return finalize.Run(finalizeOptions(opts, config, target, metadataPath, pendingSelfPatch))
}

func finalizeOptions(opts options, config *installerConfig, target *manifest.Manifest, metadataPath string, pending *selfpatch.PendingRename) finalize.Options {
	return finalize.Options{
		InstallDir:   opts.TargetDir,
		Manifest:     target,
		MetadataPath: metadataPath,
		Registrar:    finalize.JSONRegistrar{Path: filepath.Join(opts.TargetDir, ".kachina-registry.json")},
		RegInfo: finalize.RegistrationInfo{
			DisplayName:     config.DisplayName,
			DisplayVersion:  target.TagName,
			Publisher:       config.Publisher,
			InstallLocation: opts.TargetDir,
		},
		Deletes:          target.Deletes,
		PendingSelfPatch: pending,
	}
}

// needsRemote reports whether any task requires opening the remote
// package: Direct always does, and HybridPatch/Patch do unless their diff
// blob happens to already be embedded in the running package.
func needsRemote(tasks []*plan.Task, embeddedIndex map[string]kacpkg.IndexEntry) bool {
	for _, t := range tasks {
		switch t.Mode {
		case mode.Direct:
			return true
		case mode.HybridPatch, mode.Patch:
			blobName := t.Patch.From.String() + "_" + t.Patch.To.String()
			if _, embedded := embeddedIndex[blobName]; !embedded {
				return true
			}
		}
	}
	return false
}

// remoteFetcher serves task byte ranges out of the remote package,
// coalescing merge-eligible tasks that landed in the same merge.Group into
// one shared HTTP range fetch instead of one request per task.
type remoteFetcher struct {
	client *http.Client
	url    string

	groupByTask map[int]merge.Group

	mu    sync.Mutex
	cache map[int64][]byte // keyed by group.Start
	inFlight map[int64]*sync.WaitGroup
}

func newRemoteFetcher(client *http.Client, url string, remote *kacpkg.Parsed, tasks []*plan.Task) *remoteFetcher {
	f := &remoteFetcher{
		client:      client,
		url:         url,
		groupByTask: make(map[int]merge.Group),
		cache:       make(map[int64][]byte),
		inFlight:    make(map[int64]*sync.WaitGroup),
	}
	if remote == nil {
		return f
	}

	var candidates []merge.Candidate
	for i, t := range tasks {
		if !plan.MergeEligible(t.Mode) {
			continue
		}
		entry, ok := remote.Index[t.Target.Hash.String()]
		if !ok {
			continue
		}
		candidates = append(candidates, merge.Candidate{Offset: remote.AbsOffset(entry), Size: int64(entry.Size), TaskID: i})
	}
	groups, _ := merge.Merge(candidates)
	for _, g := range groups {
		for _, m := range g.Members {
			f.groupByTask[m.TaskID] = g
		}
	}
	return f
}

// fetchRange returns exactly [offset, offset+size) of the remote package,
// downloading a whole merge.Group in one request the first time any of its
// members is requested, and slicing the cached bytes for every subsequent
// member.
func (f *remoteFetcher) fetchRange(ctx context.Context, taskID int, offset, size int64) (io.Reader, error) {
	group, merged := f.groupByTask[taskID]
	if !merged {
		body, err := download.FetchRange(ctx, f.client, f.url, offset, size)
		if err != nil {
			return nil, err
		}
		defer body.Close()
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, kerrors.NetworkErrorf(err, "read range at %d", offset)
		}
		return newBytesReader(data), nil
	}

	data, err := f.fetchGroup(ctx, group)
	if err != nil {
		return nil, err
	}
	start := offset - group.Start
	return newBytesReader(data[start : start+size]), nil
}

func (f *remoteFetcher) fetchGroup(ctx context.Context, g merge.Group) ([]byte, error) {
	f.mu.Lock()
	if data, ok := f.cache[g.Start]; ok {
		f.mu.Unlock()
		return data, nil
	}
	if wg, ok := f.inFlight[g.Start]; ok {
		f.mu.Unlock()
		wg.Wait()
		f.mu.Lock()
		data := f.cache[g.Start]
		f.mu.Unlock()
		return data, nil
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	f.inFlight[g.Start] = wg
	f.mu.Unlock()

	body, err := download.FetchRange(ctx, f.client, f.url, g.Start, g.End-g.Start)
	if err == nil {
		defer body.Close()
	}
	var data []byte
	if err == nil {
		data, err = io.ReadAll(body)
	}

	f.mu.Lock()
	if err == nil {
		f.cache[g.Start] = data
	}
	delete(f.inFlight, g.Start)
	f.mu.Unlock()
	wg.Done()

	if err != nil {
		return nil, kerrors.NetworkErrorf(err, "fetch merged range at %d", g.Start)
	}
	return data, nil
}

func newBytesReader(b []byte) io.Reader { return &byteSliceReader{b: b} }

// byteSliceReader is a minimal io.Reader over an owned byte slice, used
// instead of bytes.NewReader only so this file doesn't need to import
// bytes solely for that one call; both are equivalent in behavior.
type byteSliceReader struct {
	b   []byte
	pos int
}

func (r *byteSliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

type taskSourceHandles struct {
	base, diff, direct io.Reader
}

// selfPatchPaths decides where a task should write its bytes. A regular
// file writes straight to outPath; the installer's own updater stub
// (manifest.HashedFile.Installer) writes beside it under ".kachina-new"
// instead, since the running executable can't overwrite itself mid-run,
// and returns the PendingRename finalize.Run commits once every other
// task has succeeded.
func selfPatchPaths(outPath string, installer bool) (writePath string, pending *selfpatch.PendingRename) {
	if !installer {
		return outPath, nil
	}
	writePath = outPath + ".kachina-new"
	return writePath, &selfpatch.PendingRename{TempPath: writePath, TargetPath: outPath}
}

// taskSource resolves where one task's bytes come from: an embedded
// payload inside the running package (Local), an embedded base plus a
// downloaded patch (HybridPatch), a downloaded patch applied against the
// on-disk local file's own bytes (Patch), or a plain downloaded range
// (Direct). taskID is this task's position in the slice the fetcher was
// built from, so merge-group membership can be looked up.
func taskSource(ctx context.Context, self *kacpkg.SelfReader, remoteSrc kacpkg.Source, remote *kacpkg.Parsed, fetcher *remoteFetcher, t *plan.Task, localDir string, taskID int) (taskSourceHandles, error) {
	switch t.Mode {
	case mode.Local:
		entry, ok := self.Parsed.Index[t.Target.Hash.String()]
		if !ok {
			return taskSourceHandles{}, kerrors.NewFormatError("embedded payload for %s not found", t.Target.FileName)
		}
		r := io.NewSectionReader(self.Source(), self.Parsed.AbsOffset(entry), int64(entry.Size))
		return taskSourceHandles{direct: r}, nil

	case mode.HybridPatch:
		baseEntry, ok := self.Parsed.Index[t.LocalPatchSource.Name]
		if !ok {
			return taskSourceHandles{}, kerrors.NewFormatError("embedded patch base for %s not found", t.Target.FileName)
		}
		base := io.NewSectionReader(self.Source(), self.Parsed.AbsOffset(baseEntry), int64(baseEntry.Size))
		diff, err := fetchPatchBlob(ctx, self, remote, fetcher, taskID, *t.Patch)
		if err != nil {
			return taskSourceHandles{}, err
		}
		return taskSourceHandles{base: base, diff: diff}, nil

	case mode.Patch:
		// The patch pipeline always treats Base as zstd-compressed bytes
		// (matching the embedded-payload case), but the on-disk local file
		// is plain; compress it in memory so both Base sources share one
		// decoding path downstream.
		localPath := filepath.Join(localDir, manifest.NormalizePath(t.Target.FileName))
		baseData, err := os.ReadFile(localPath)
		if err != nil {
			return taskSourceHandles{}, kerrors.FilesystemErrorf(err, "read local base %s", localPath)
		}
		compressed, err := compressBase(baseData)
		if err != nil {
			return taskSourceHandles{}, err
		}
		diff, err := fetchPatchBlob(ctx, self, remote, fetcher, taskID, *t.Patch)
		if err != nil {
			return taskSourceHandles{}, err
		}
		return taskSourceHandles{base: newBytesReader(compressed), diff: diff}, nil

	default: // Direct
		entry, ok := remote.Index[t.Target.Hash.String()]
		if !ok {
			return taskSourceHandles{}, kerrors.NewFormatError("remote payload for %s not found", t.Target.FileName)
		}
		r, err := fetcher.fetchRange(ctx, taskID, remote.AbsOffset(entry), int64(entry.Size))
		if err != nil {
			return taskSourceHandles{}, err
		}
		return taskSourceHandles{direct: r}, nil
	}
}

func compressBase(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.Wrap(err, "allocate zstd encoder")
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

// fetchPatchBlob prefers an embedded copy of the from_to patch blob (a
// builder can choose to bundle diffs against common prior versions) and
// only reaches for the remote package when the running binary doesn't
// carry it.
func fetchPatchBlob(ctx context.Context, self *kacpkg.SelfReader, remote *kacpkg.Parsed, fetcher *remoteFetcher, taskID int, p manifest.PatchRecord) (io.Reader, error) {
	name := p.From.String() + "_" + p.To.String()
	if entry, ok := self.Parsed.Index[name]; ok {
		return io.NewSectionReader(self.Source(), self.Parsed.AbsOffset(entry), int64(entry.Size)), nil
	}
	if remote == nil {
		return nil, kerrors.NewFormatError("patch blob %s not embedded and no remote package open", name)
	}
	entry, ok := remote.Index[name]
	if !ok {
		return nil, kerrors.NewFormatError("patch blob %s not found in remote index", name)
	}
	return fetcher.fetchRange(ctx, taskID, remote.AbsOffset(entry), int64(entry.Size))
}

// decodeConfig reads the \0CONFIG segment embedded in the running package.
func decodeConfig(self *kacpkg.SelfReader) (*installerConfig, error) {
	raw, ok := self.Parsed.Segments[kacpkg.SegConfig]
	if !ok {
		return nil, kerrors.NewFormatError("running package has no embedded config segment")
	}
	var c installerConfig
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, kerrors.NewFormatError("embedded config segment is not valid JSON")
	}
	return &c, nil
}

// resolveTarget decides which manifest to install against and which URL
// the remote package lives at. Offline (the default) trusts the \0META
// segment baked into the running package. --online-only resolves the
// configured source through the direct or challenge resolver and fetches
// a fresh manifest.json alongside the resolved package URL, so an update
// check always reflects what's actually published rather than what this
// binary was built with.
func resolveTarget(ctx context.Context, opts options, self *kacpkg.SelfReader, client *http.Client, config *installerConfig) (*manifest.Manifest, string, error) {
	if !opts.OnlineOnly {
		if raw, ok := self.Parsed.Segments[kacpkg.SegMeta]; ok {
			var m manifest.Manifest
			if err := json.Unmarshal(raw, &m); err != nil {
				return nil, "", kerrors.NewFormatError("embedded metadata segment is not valid JSON")
			}
			return &m, config.SourceURL, nil
		}
	}

	var resolver download.SourceResolver = download.NewDirectResolver()
	if config.Challenge {
		resolver = download.NewChallengeResolver(client)
	}
	meta, err := resolver.ResolveMetadata(ctx, opts.Source, opts.DfsExtras)
	if err != nil {
		return nil, "", errors.Wrap(err, "resolve package source")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL+".manifest.json", nil)
	if err != nil {
		return nil, "", errors.Wrap(err, "build manifest request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", kerrors.NetworkErrorf(err, "GET manifest for %s", meta.URL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", kerrors.ClassifyStatus(resp.StatusCode, meta.URL)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", kerrors.NetworkErrorf(err, "read manifest body")
	}
	var m manifest.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, "", kerrors.NewFormatError("fetched manifest is not valid JSON")
	}
	return &m, meta.URL, nil
}
