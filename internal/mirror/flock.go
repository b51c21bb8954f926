package mirror

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

const (
	// LockFilename is the name of the lock file in the data directory.
	LockFilename = ".lock"
)

// Flock is a non-blocking exclusive flock(2) on an open file.
type Flock struct {
	f *os.File
}

// Lock acquires the lock, failing immediately if another process holds it.
func (fl Flock) Lock() error {
	err := unix.Flock(int(fl.f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		return errors.Wrap(err, "flock "+fl.f.Name())
	}
	return nil
}

// Unlock releases the lock.
func (fl Flock) Unlock() error {
	return unix.Flock(int(fl.f.Fd()), unix.LOCK_UN)
}

// validateLockFilePath validates that a lock file path is safe for use.
func validateLockFilePath(lockFile, baseDir string) error {
	cleanLock := filepath.Clean(lockFile)
	cleanBase := filepath.Clean(baseDir)
	if !filepath.IsAbs(cleanLock) {
		return errors.New("lock file path is not absolute: " + lockFile)
	}

	if strings.Contains(lockFile, "..") {
		return errors.New("unsafe lock file path (contains directory traversal): " + lockFile)
	}

	if validateSymlinkPath(cleanLock, cleanBase) != nil {
		return errors.New("lock file path outside of base directory: " + lockFile)
	}

	return nil
}

// LockDataPath creates dir if needed and takes the exclusive lock on its
// lock file. The returned function releases the lock and removes the file.
func LockDataPath(dir string) (func(), error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrap(err, "LockDataPath")
	}

	lockFile := filepath.Join(dir, LockFilename)
	if err := validateLockFilePath(lockFile, dir); err != nil {
		return nil, errors.Wrap(err, "LockDataPath")
	}

	file, err := os.OpenFile(lockFile, os.O_RDONLY|os.O_CREATE, 0644) // #nosec G304,G302 - lockFile path validated
	if err != nil {
		return nil, errors.Wrap(err, "LockDataPath")
	}

	fileLock := Flock{file}
	if err := fileLock.Lock(); err != nil {
		file.Close()
		return nil, errors.Wrap(err, "another instance is using "+dir)
	}

	// the previous holder may have unlinked the file we locked
	locked, err := file.Stat()
	if err == nil {
		var current os.FileInfo
		current, err = os.Stat(lockFile)
		if err == nil && !os.SameFile(locked, current) {
			err = errors.New("lock file was replaced")
		}
	}
	if err != nil {
		_ = fileLock.Unlock()
		file.Close()
		return nil, errors.Wrap(err, "another instance is using "+dir)
	}

	release := func() {
		if err := os.Remove(lockFile); err != nil {
			slog.Warn("failed to remove lock file", "error", err, "path", lockFile)
		}
		if err := fileLock.Unlock(); err != nil {
			slog.Warn("failed to unlock file", "error", err)
		}
		if err := file.Close(); err != nil {
			slog.Warn("failed to close lock file", "error", err)
		}
	}
	return release, nil
}
