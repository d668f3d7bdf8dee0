// Package metadata assembles a manifest.Manifest from a hasher.HashTree
// result plus whatever patch pairs the builder CLI decided to generate.
package metadata

import (
	"github.com/YuehaiTeam/kachina-installer/internal/builder/diffgen"
	"github.com/YuehaiTeam/kachina-installer/internal/builder/hasher"
	"github.com/YuehaiTeam/kachina-installer/internal/hashalgo"
	"github.com/YuehaiTeam/kachina-installer/internal/manifest"
)

// PatchPair names a from/to tag pair a patch was generated for.
type PatchPair struct {
	From hashalgo.Hash
	To   hashalgo.Hash
	Size int64
}

// Assemble builds a manifest from hashed files and generated patches for a
// given release tag.
func Assemble(tagName string, algo hashalgo.Algorithm, files []hasher.Result, patches []PatchPair, installer *manifest.InstallerRef) *manifest.Manifest {
	m := &manifest.Manifest{
		TagName:   tagName,
		Algo:      algo,
		Installer: installer,
	}
	for _, f := range files {
		m.Hashed = append(m.Hashed, manifest.HashedFile{
			FileName:  f.RelPath,
			Size:      uint64(f.OriginalSize),
			Hash:      f.Hash,
			Installer: f.Installer,
		})
	}
	for _, p := range patches {
		m.Patches = append(m.Patches, manifest.PatchRecord{
			Size: uint64(p.Size),
			From: p.From,
			To:   p.To,
		})
	}
	return m
}

// PatchBlobName returns the staged name a from/to patch is addressed by.
func PatchBlobName(from, to hashalgo.Hash) string {
	return from.String() + "_" + to.String()
}

// GeneratePatch runs diffgen between two file contents and returns the
// encoded, compressed patch bytes.
func GeneratePatch(from, to []byte) ([]byte, error) {
	ops := diffgen.Generate(from, to)
	return diffgen.Encode(ops)
}
