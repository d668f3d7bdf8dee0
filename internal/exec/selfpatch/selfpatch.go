// Package selfpatch supports the installer replacing its own sibling
// executable. ZeroFooterRegion zeroes a package's segment region and
// footer so that two packages built from the same source produce
// byte-identical installer hashes; the installer's update path in
// cmd/kachina-installer writes the downloaded updater unchanged and does
// not call it. PendingRename delays the final rename until every other
// task has succeeded.
package selfpatch

import (
	"github.com/minio/sha256-simd"
	"github.com/pkg/errors"

	"github.com/YuehaiTeam/kachina-installer/internal/fs"
	"github.com/YuehaiTeam/kachina-installer/internal/kacpkg"
)

// ZeroFooterRegion overwrites the segment region and the trailing footer of
// a downloaded package's bytes with zeros in place, since that region
// references the source package's own payload offsets — offsets that are
// meaningless (and non-reproducible across builds) once copied elsewhere.
// SHA-256 (accelerated via minio/sha256-simd, worth it here because it runs
// over a whole executable rather than a short digest) is used only for the
// stability check callers perform after zeroing, not for the zeroing
// itself.
func ZeroFooterRegion(data []byte) error {
	if len(data) < kacpkg.FooterSize {
		return errors.New("downloaded installer is smaller than a package footer")
	}
	footer, err := kacpkg.DecodeFooter(data[len(data)-kacpkg.FooterSize:])
	if err != nil {
		return errors.Wrap(err, "decode downloaded installer footer")
	}

	regionStart := int64(footer.PayloadStart)
	regionEnd := regionStart + int64(footer.SegmentRegionSize())
	footerStart := int64(len(data) - kacpkg.FooterSize)
	if regionStart < 0 || regionEnd > footerStart {
		return errors.New("downloaded installer footer describes an out-of-range region")
	}

	for i := regionStart; i < regionEnd; i++ {
		data[i] = 0
	}
	for i := footerStart; i < int64(len(data)); i++ {
		data[i] = 0
	}
	return nil
}

// StabilityHash returns a SHA-256 over data (expected to already have its
// footer region zeroed), used to confirm that repeated builds of the same
// installer produce a comparable hash.
func StabilityHash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// PendingRename is a self-patch task whose actual rename is deferred until
// the caller decides every sibling task has succeeded.
type PendingRename struct {
	TempPath   string
	TargetPath string
}

// Commit performs the delayed rename. Callers must only call this after
// every other task in the run has succeeded, per the self-patch ordering
// guarantee.
func (p PendingRename) Commit() error {
	if err := fs.Rename(p.TempPath, p.TargetPath); err == nil {
		return nil
	}
	if err := fs.RemoveIfExists(p.TargetPath); err != nil {
		return errors.Wrap(err, "remove existing installer before self-patch rename")
	}
	return errors.Wrap(fs.Rename(p.TempPath, p.TargetPath), "rename self-patch into place")
}
