package plan

import "github.com/YuehaiTeam/kachina-installer/internal/plan/mode"

// SelectMode assigns each task the first applicable install mode, per the
// fixed precedence: a target already embedded in the running package wins
// outright (no network needed at all), then a patch with a locally
// embedded base, then a patch against an on-disk base, and only then a
// full direct download.
func SelectMode(tasks []*Task, embeddedIndex map[string]struct{}) {
	for _, t := range tasks {
		t.Mode = selectOne(t, embeddedIndex)
	}
}

func selectOne(t *Task, embeddedIndex map[string]struct{}) mode.InstallMode {
	if _, ok := embeddedIndex[t.Target.Hash.String()]; ok {
		return mode.Local
	}
	if t.Patch != nil && t.LocalPatchSource != nil {
		return mode.HybridPatch
	}
	if t.Patch != nil && t.LocalHash != nil {
		return mode.Patch
	}
	return mode.Direct
}

// NarrowMode recomputes a task's install mode after a failed attempt,
// restricted to allowed. It never consults the embedded-index map again:
// Local eligibility was already decided by the initial SelectMode call, so
// if t.Mode is still in allowed it stays put, and if Local itself is what
// got narrowed away the task falls down the same precedence chain
// SelectMode uses, skipping Local entirely.
func NarrowMode(t *Task, allowed mode.Set) mode.InstallMode {
	if allowed.Allows(t.Mode) {
		return t.Mode
	}
	if allowed.Allows(mode.HybridPatch) && t.Patch != nil && t.LocalPatchSource != nil {
		return mode.HybridPatch
	}
	if allowed.Allows(mode.Patch) && t.Patch != nil && t.LocalHash != nil {
		return mode.Patch
	}
	return mode.Direct
}

// MergeEligible reports whether a task's mode participates in range
// merging: only remote-fetch modes do, never Local or HybridPatch (whose
// "remote" half is just the small diff, handled individually).
func MergeEligible(m mode.InstallMode) bool {
	return m == mode.Direct || m == mode.Patch
}
