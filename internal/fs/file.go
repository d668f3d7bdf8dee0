// Package fs wraps the os file primitives the builder and installer call
// on paths that come out of a manifest, behind a single fixpath() hook, so
// a platform-specific long-path fixup can be added in one place without
// touching every call site.
package fs

import "os"

// Stat returns a FileInfo describing the named file.
func Stat(name string) (os.FileInfo, error) {
	return os.Stat(fixpath(name))
}

// MkdirAll creates path and any missing parents with permission perm.
func MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(fixpath(path), perm)
}

// Remove removes the named file or empty directory.
func Remove(name string) error {
	return os.Remove(fixpath(name))
}

// RemoveAll removes path and everything below it, ignoring a missing path.
func RemoveAll(path string) error {
	return os.RemoveAll(fixpath(path))
}

// RemoveIfExists removes filename, treating "does not exist" as success.
// Used when cleaning up install targets that a prior run may have already
// cleared.
func RemoveIfExists(filename string) error {
	err := os.Remove(fixpath(filename))
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	return err
}

// OpenFile opens name with the given flag/perm, returning the concrete
// *os.File so callers can still use WriteAt/Sync/Truncate directly.
func OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(fixpath(name), flag, perm)
}

// Rename moves oldpath to newpath, fixing up both sides.
func Rename(oldpath, newpath string) error {
	return os.Rename(fixpath(oldpath), fixpath(newpath))
}
