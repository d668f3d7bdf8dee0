// Package mode defines the closed set of ways a single target file can be
// brought up to date, and the retry-time narrowing of that set the
// executor applies when an attempt fails.
package mode

// InstallMode tags how one target file's bytes will be produced.
type InstallMode int

const (
	// Local copies the target's payload out of the running package's own
	// embedded index; no network is needed.
	Local InstallMode = iota
	// HybridPatch applies a patch blob to a base payload embedded in the
	// running package.
	HybridPatch
	// Patch applies a patch blob to the stale copy of the file already on
	// disk.
	Patch
	// Direct fetches the target file's full bytes with no patching.
	Direct
)

func (m InstallMode) String() string {
	switch m {
	case Local:
		return "local"
	case HybridPatch:
		return "hybrid-patch"
	case Patch:
		return "patch"
	case Direct:
		return "direct"
	default:
		return "unknown"
	}
}

// Set is a small bitset of allowed modes, used by the retry loop to narrow
// which modes remain eligible after a failed attempt.
type Set uint8

func AllModes() Set {
	return Set(1<<Local | 1<<HybridPatch | 1<<Patch | 1<<Direct)
}

func (s Set) Allows(m InstallMode) bool {
	return s&(1<<uint(m)) != 0
}

// Without returns s with m no longer allowed.
func (s Set) Without(m InstallMode) Set {
	return s &^ (1 << uint(m))
}

// Narrow returns the modes still allowed at a retry level: level 0 allows
// every mode, level 1 disables Local, and level 2 further disables
// Patch/HybridPatch, forcing Direct on the final attempt.
func Narrow(level int) Set {
	s := AllModes()
	if level >= 1 {
		s = s.Without(Local)
	}
	if level >= 2 {
		s = s.Without(Patch).Without(HybridPatch)
	}
	return s
}
