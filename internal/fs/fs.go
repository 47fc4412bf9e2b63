package fs

import (
	"io/fs"
	"os"
	"path/filepath"
)

// FileSystem is the small filesystem surface key storage needs: reads plus
// crash-safe writes.
type FileSystem interface {
	// MkdirAll creates a directory and all necessary parents
	MkdirAll(path string, perm fs.FileMode) error

	// ReadFile reads the entire file
	ReadFile(name string) ([]byte, error)

	// WriteFileAtomic writes data so that readers observe either the old
	// content or the new content, never a partial write. The OS
	// implementation uses temp file + sync + rename; in-memory
	// implementations may write directly.
	WriteFileAtomic(name string, data []byte, perm fs.FileMode) error

	// IsNotExist reports whether the error means the file does not exist
	IsNotExist(err error) bool
}

// OSFileSystem implements FileSystem on the real OS filesystem.
type OSFileSystem struct{}

// NewOSFileSystem creates a new OS filesystem
func NewOSFileSystem() *OSFileSystem {
	return &OSFileSystem{}
}

// MkdirAll creates a directory and all necessary parents
func (f *OSFileSystem) MkdirAll(path string, perm fs.FileMode) error {
	return os.MkdirAll(path, perm)
}

// ReadFile reads the entire file
func (f *OSFileSystem) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

// WriteFileAtomic writes via a temp file in the target's directory so the
// final rename stays on one filesystem and is atomic. os.CreateTemp picks a
// unique name, so concurrent writers cannot collide on the temp path.
func (f *OSFileSystem) WriteFileAtomic(name string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(name)

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			_ = tmpFile.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return err
	}

	// Flush to disk before the rename publishes the file
	if err := tmpFile.Sync(); err != nil {
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}
	tmpFile = nil // handed off, skip deferred cleanup

	// CreateTemp creates with 0600; apply the requested mode
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, name); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	return nil
}

// IsNotExist reports whether the error means the file does not exist
func (f *OSFileSystem) IsNotExist(err error) bool {
	return os.IsNotExist(err)
}
