//go:build !windows

package plan

import (
	"os"

	"golang.org/x/sys/unix"
)

// isWritable probes path for exclusive-lockability with flock, the same
// advisory-lock approach a local backend uses to serialize access to its
// repository files, applied here to ask a narrower question: can this
// process get exclusive access to the file right now, implying no other
// process (e.g. a running instance of the program being updated)
// currently holds it open for writing.
func isWritable(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, nil
	}
	defer f.Close()

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		return false, nil
	}
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return true, nil
}
