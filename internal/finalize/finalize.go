// Package finalize runs the steps that happen once every file task has
// succeeded: writing the per-install metadata JSON, registering the
// application with the OS, cleaning deleted paths, and committing any
// pending self-patch rename. ShortcutWriter defines the shortcut contract,
// but Run creates no shortcuts. All of it is gated by a single completion
// barrier: finalizers run only after the whole file set is done.
package finalize

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/YuehaiTeam/kachina-installer/internal/exec/selfpatch"
	"github.com/YuehaiTeam/kachina-installer/internal/fs"
	"github.com/YuehaiTeam/kachina-installer/internal/kerrors"
	"github.com/YuehaiTeam/kachina-installer/internal/manifest"
)

// State is the persisted per-install record, written to the metadata path
// the caller passes (cmd/kachina-installer uses .kachina-installed.json
// inside the install directory). It lists the installed file names and the
// registration details, so uninstall knows what to remove and which
// registration to drop; it carries no file hashes.
type State struct {
	TagName     string   `json:"tag_name"`
	InstallDir  string   `json:"install_dir"`
	Files       []string `json:"files"`
	DisplayName string   `json:"display_name"`
	Version     string   `json:"version"`
	Publisher   string   `json:"publisher"`
}

// LoadState reads a previously written metadata file, returning a
// kerrors.StateError if it's missing or corrupt — uninstall treats that as
// "reinstall required" rather than attempting to guess.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, kerrors.NewStateError("missing install metadata at %s, reinstall required", path)
	}
	if err != nil {
		return nil, kerrors.FilesystemErrorf(err, "read install metadata %s", path)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, kerrors.NewStateError("corrupt install metadata at %s, reinstall required", path)
	}
	return &s, nil
}

// SaveState writes the metadata file atomically.
func SaveState(path string, s *State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode install metadata")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return kerrors.FilesystemErrorf(err, "write install metadata")
	}
	if err := fs.Rename(tmp, path); err != nil {
		return kerrors.FilesystemErrorf(err, "commit install metadata")
	}
	return nil
}

// Registrar records (or removes) an OS-level application registration —
// the Windows "Add/Remove Programs" entry, or an equivalent platform
// record. Implementations are platform-specific; JSONRegistrar below is
// the cross-platform reference implementation used on targets without a
// native registration facility.
type Registrar interface {
	Register(info RegistrationInfo) error
	Unregister(displayName string) error
}

// RegistrationInfo mirrors the fields of a platform application
// registration record (Windows Add/Remove Programs and equivalents).
type RegistrationInfo struct {
	DisplayName     string
	DisplayVersion  string
	Publisher       string
	InstallLocation string
	UninstallString string
	EstimatedSize   int64
	Metadata        string
}

// ShortcutWriter creates or removes a desktop/start-menu shortcut.
type ShortcutWriter interface {
	CreateShortcut(name, target, workingDir string) error
	RemoveShortcut(name string) error
}

// JSONRegistrar persists registrations to a JSON file instead of a native
// OS facility, used on platforms (or in tests) with no registry/desktop
// integration to hook into.
type JSONRegistrar struct {
	Path string
}

func (r JSONRegistrar) Register(info RegistrationInfo) error {
	all, err := r.load()
	if err != nil {
		return err
	}
	all[info.DisplayName] = info
	return r.save(all)
}

func (r JSONRegistrar) Unregister(displayName string) error {
	all, err := r.load()
	if err != nil {
		return err
	}
	delete(all, displayName)
	return r.save(all)
}

func (r JSONRegistrar) load() (map[string]RegistrationInfo, error) {
	data, err := os.ReadFile(r.Path)
	if os.IsNotExist(err) {
		return map[string]RegistrationInfo{}, nil
	}
	if err != nil {
		return nil, kerrors.FilesystemErrorf(err, "read registration store %s", r.Path)
	}
	var all map[string]RegistrationInfo
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, kerrors.NewFormatError("corrupt registration store %s", r.Path)
	}
	return all, nil
}

func (r JSONRegistrar) save(all map[string]RegistrationInfo) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode registration store")
	}
	if err := fs.MkdirAll(filepath.Dir(r.Path), 0o755); err != nil {
		return kerrors.FilesystemErrorf(err, "create registration store dir")
	}
	if err := os.WriteFile(r.Path, data, 0o644); err != nil {
		return kerrors.FilesystemErrorf(err, "write registration store %s", r.Path)
	}
	return nil
}

// Options bundles everything Run needs.
type Options struct {
	InstallDir string
	Manifest   *manifest.Manifest
	MetadataPath string
	Registrar    Registrar
	RegInfo      RegistrationInfo
	// Deletes are manifest-listed paths to remove, relative to InstallDir.
	Deletes []string
	// PendingSelfPatch, when non-nil, is committed last.
	PendingSelfPatch *selfpatch.PendingRename
}

// Run executes every finalization step in order: delete removed paths,
// persist state, register with the OS, then commit any deferred self-patch
// rename — self-patch last, since it replaces the very executable
// currently running the rest of this sequence.
func Run(opts Options) error {
	for _, d := range opts.Deletes {
		full := filepath.Join(opts.InstallDir, manifest.NormalizePath(d))
		if err := fs.RemoveAll(full); err != nil && !os.IsNotExist(err) {
			return kerrors.FilesystemErrorf(err, "delete %s", d)
		}
	}

	files := make([]string, 0, len(opts.Manifest.Hashed))
	for _, hf := range opts.Manifest.Hashed {
		files = append(files, hf.FileName)
	}
	state := &State{
		TagName:     opts.Manifest.TagName,
		InstallDir:  opts.InstallDir,
		Files:       files,
		DisplayName: opts.RegInfo.DisplayName,
		Version:     opts.RegInfo.DisplayVersion,
		Publisher:   opts.RegInfo.Publisher,
	}
	if err := SaveState(opts.MetadataPath, state); err != nil {
		return err
	}

	if opts.Registrar != nil {
		if err := opts.Registrar.Register(opts.RegInfo); err != nil {
			return errors.Wrap(err, "register application")
		}
	}

	if opts.PendingSelfPatch != nil {
		if err := opts.PendingSelfPatch.Commit(); err != nil {
			return errors.Wrap(err, "commit self-patch")
		}
	}

	return nil
}
