//go:build windows

package plan

import (
	"errors"
	"os"
	"syscall"
)

// isWritable on platforms without POSIX advisory locks falls back to
// attempting to open the file for exclusive read-write access and treating
// a sharing violation as "unwritable" — best-effort, since Windows file
// locking semantics differ from flock's.
func isWritable(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		if errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.EACCES) {
			return false, nil
		}
		return false, nil
	}
	f.Close()
	return true, nil
}
