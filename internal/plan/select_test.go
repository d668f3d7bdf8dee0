package plan

import (
	"testing"

	"github.com/YuehaiTeam/kachina-installer/internal/hashalgo"
	"github.com/YuehaiTeam/kachina-installer/internal/kacpkg"
	"github.com/YuehaiTeam/kachina-installer/internal/manifest"
	"github.com/YuehaiTeam/kachina-installer/internal/plan/mode"
)

func TestSelectModeEmbeddedWinsOutright(t *testing.T) {
	h := hashalgo.Compute(hashalgo.AlgoMD5, []byte("x"))
	task := &Task{
		Target:           manifest.HashedFile{FileName: "a", Hash: h},
		Patch:            &manifest.PatchRecord{},
		LocalPatchSource: &kacpkg.IndexEntry{},
	}
	embedded := map[string]struct{}{h.String(): {}}

	SelectMode([]*Task{task}, embedded)
	if task.Mode != mode.Local {
		t.Errorf("got mode %v, want Local when target hash is embedded", task.Mode)
	}
}

func TestSelectModeHybridPatchBeatsPatch(t *testing.T) {
	h := hashalgo.Compute(hashalgo.AlgoMD5, []byte("x"))
	lh := hashalgo.Compute(hashalgo.AlgoMD5, []byte("y"))
	task := &Task{
		Target:           manifest.HashedFile{FileName: "a", Hash: h},
		Patch:            &manifest.PatchRecord{},
		LocalPatchSource: &kacpkg.IndexEntry{Name: "base"},
		LocalHash:        &lh,
	}
	SelectMode([]*Task{task}, map[string]struct{}{})
	if task.Mode != mode.HybridPatch {
		t.Errorf("got mode %v, want HybridPatch when both LocalPatchSource and LocalHash are set", task.Mode)
	}
}

func TestSelectModePatchWhenOnlyLocalHash(t *testing.T) {
	h := hashalgo.Compute(hashalgo.AlgoMD5, []byte("x"))
	lh := hashalgo.Compute(hashalgo.AlgoMD5, []byte("y"))
	task := &Task{
		Target:    manifest.HashedFile{FileName: "a", Hash: h},
		Patch:     &manifest.PatchRecord{},
		LocalHash: &lh,
	}
	SelectMode([]*Task{task}, map[string]struct{}{})
	if task.Mode != mode.Patch {
		t.Errorf("got mode %v, want Patch when only LocalHash is set", task.Mode)
	}
}

func TestSelectModeDirectFallback(t *testing.T) {
	h := hashalgo.Compute(hashalgo.AlgoMD5, []byte("x"))
	task := &Task{Target: manifest.HashedFile{FileName: "a", Hash: h}}
	SelectMode([]*Task{task}, map[string]struct{}{})
	if task.Mode != mode.Direct {
		t.Errorf("got mode %v, want Direct with no patch and no embedded match", task.Mode)
	}
}

func TestMergeEligible(t *testing.T) {
	cases := map[mode.InstallMode]bool{
		mode.Local:       false,
		mode.HybridPatch: false,
		mode.Patch:       true,
		mode.Direct:      true,
	}
	for m, want := range cases {
		if got := MergeEligible(m); got != want {
			t.Errorf("MergeEligible(%v) = %v, want %v", m, got, want)
		}
	}
}
