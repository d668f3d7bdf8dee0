// Package manifest implements the update metadata JSON schema: HashedFile,
// PatchRecord, Manifest, and the path normalization rules the planner
// depends on.
package manifest

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/YuehaiTeam/kachina-installer/internal/hashalgo"
)

// HashedFile describes one file in the target set.
type HashedFile struct {
	FileName  string `json:"file_name"`
	Size      uint64 `json:"size"`
	Hash      hashalgo.Hash
	Installer bool `json:"installer,omitempty"`
}

// PatchRecord describes a single-compressed-stream binary patch turning the
// file with hash From into one with hash To.
type PatchRecord struct {
	Size uint64
	From hashalgo.Hash
	To   hashalgo.Hash
}

// InstallerRef is the installer's own size/hash entry in a manifest.
type InstallerRef struct {
	Size uint64
	Hash hashalgo.Hash
}

// Manifest is the immutable description of a target install produced by the
// builder and consumed by the installer runtime.
type Manifest struct {
	TagName  string        `json:"tag_name"`
	Hashed   []HashedFile  `json:"hashed"`
	Patches  []PatchRecord `json:"patches,omitempty"`
	Deletes  []string      `json:"deletes,omitempty"`
	Installer *InstallerRef `json:"installer,omitempty"`

	// Algo is derived during decode/Validate and not itself serialized;
	// every hash in the manifest must use this one algorithm.
	Algo hashalgo.Algorithm `json:"-"`
}

// hashedFileWire and patchRecordWire mirror the on-disk JSON shape, where a
// hash is encoded as a "md5" or "xxh" keyed object rather than as Go's
// internal tagged struct.
type hashedFileWire struct {
	FileName  string  `json:"file_name"`
	Size      uint64  `json:"size"`
	MD5       *string `json:"md5,omitempty"`
	XxH       *string `json:"xxh,omitempty"`
	Installer bool    `json:"installer,omitempty"`
}

type hashWire struct {
	MD5 *string `json:"md5,omitempty"`
	XxH *string `json:"xxh,omitempty"`
}

type patchRecordWire struct {
	Size uint64   `json:"size"`
	From hashWire `json:"from"`
	To   hashWire `json:"to"`
}

type installerRefWire struct {
	Size uint64  `json:"size"`
	MD5  *string `json:"md5,omitempty"`
	XxH  *string `json:"xxh,omitempty"`
}

type manifestWire struct {
	TagName   string            `json:"tag_name"`
	Hashed    []hashedFileWire  `json:"hashed"`
	Patches   []patchRecordWire `json:"patches,omitempty"`
	Deletes   []string          `json:"deletes,omitempty"`
	Installer *installerRefWire `json:"installer,omitempty"`
}

func hashToWire(h hashalgo.Hash) hashWire {
	s := h.String()
	if h.Algo == hashalgo.AlgoXxHash {
		return hashWire{XxH: &s}
	}
	return hashWire{MD5: &s}
}

func hashFromWire(w hashWire) (hashalgo.Hash, error) {
	switch {
	case w.MD5 != nil:
		return hashalgo.ParseMD5(*w.MD5)
	case w.XxH != nil:
		return hashalgo.ParseXxHash(*w.XxH)
	default:
		return hashalgo.Hash{}, errors.New("hash has neither md5 nor xxh set")
	}
}

// MarshalJSON encodes the manifest using the on-disk wire schema.
func (m Manifest) MarshalJSON() ([]byte, error) {
	w := manifestWire{TagName: m.TagName, Deletes: m.Deletes}
	for _, hf := range m.Hashed {
		hw := hashedFileWire{FileName: hf.FileName, Size: hf.Size, Installer: hf.Installer}
		hash := hashToWire(hf.Hash)
		hw.MD5, hw.XxH = hash.MD5, hash.XxH
		w.Hashed = append(w.Hashed, hw)
	}
	for _, p := range m.Patches {
		w.Patches = append(w.Patches, patchRecordWire{Size: p.Size, From: hashToWire(p.From), To: hashToWire(p.To)})
	}
	if m.Installer != nil {
		hash := hashToWire(m.Installer.Hash)
		w.Installer = &installerRefWire{Size: m.Installer.Size, MD5: hash.MD5, XxH: hash.XxH}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the manifest from the wire schema and derives Algo
// from whichever hash fields are present.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var w manifestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Wrap(err, "decode manifest")
	}

	out := Manifest{TagName: w.TagName, Deletes: w.Deletes}
	algoSet := false
	setAlgo := func(a hashalgo.Algorithm) error {
		if !algoSet {
			out.Algo = a
			algoSet = true
			return nil
		}
		if out.Algo != a {
			return errors.New("manifest mixes md5 and xxh entries")
		}
		return nil
	}

	for _, hw := range w.Hashed {
		h, err := hashFromWire(hashWire{MD5: hw.MD5, XxH: hw.XxH})
		if err != nil {
			return errors.Wrapf(err, "hashed file %q", hw.FileName)
		}
		if err := setAlgo(h.Algo); err != nil {
			return err
		}
		out.Hashed = append(out.Hashed, HashedFile{
			FileName:  NormalizePath(hw.FileName),
			Size:      hw.Size,
			Hash:      h,
			Installer: hw.Installer,
		})
	}
	for _, pw := range w.Patches {
		from, err := hashFromWire(pw.From)
		if err != nil {
			return errors.Wrap(err, "patch from")
		}
		to, err := hashFromWire(pw.To)
		if err != nil {
			return errors.Wrap(err, "patch to")
		}
		if err := setAlgo(from.Algo); err != nil {
			return err
		}
		if err := setAlgo(to.Algo); err != nil {
			return err
		}
		out.Patches = append(out.Patches, PatchRecord{Size: pw.Size, From: from, To: to})
	}
	if w.Installer != nil {
		h, err := hashFromWire(hashWire{MD5: w.Installer.MD5, XxH: w.Installer.XxH})
		if err != nil {
			return errors.Wrap(err, "installer hash")
		}
		if err := setAlgo(h.Algo); err != nil {
			return err
		}
		out.Installer = &InstallerRef{Size: w.Installer.Size, Hash: h}
	}
	for i, d := range out.Deletes {
		out.Deletes[i] = NormalizePath(d)
	}

	*m = out
	return nil
}

// NormalizePath converts a possibly-backslash path into the forward-slash,
// no-leading-slash form used throughout the planner. Conversion back to OS
// form happens where a path is joined onto a local directory with
// filepath.Join (plan.classify, finalize.Run, cmd/kachina-installer).
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// Validate checks the manifest invariants: every patches[i].to equals some
// hashed[j].hash, and deletes/hashed file names are disjoint.
func Validate(m *Manifest) error {
	hashed := make(map[string]HashedFile, len(m.Hashed))
	byHash := make(map[string]struct{}, len(m.Hashed))
	for _, hf := range m.Hashed {
		if hf.Hash.Algo != m.Algo {
			return errors.Errorf("hashed file %q uses a different hash algorithm than the manifest", hf.FileName)
		}
		hashed[hf.FileName] = hf
		byHash[hf.Hash.String()] = struct{}{}
	}

	for _, p := range m.Patches {
		if p.From.Algo != m.Algo || p.To.Algo != m.Algo {
			return errors.New("patch record uses a different hash algorithm than the manifest")
		}
		if _, ok := byHash[p.To.String()]; !ok {
			return errors.Errorf("patch to-hash %s does not match any hashed file", p.To)
		}
	}

	deletes := make(map[string]struct{}, len(m.Deletes))
	for _, d := range m.Deletes {
		deletes[d] = struct{}{}
	}
	for name := range hashed {
		if _, ok := deletes[name]; ok {
			return errors.Errorf("file %q is both hashed and deleted", name)
		}
	}

	return nil
}
