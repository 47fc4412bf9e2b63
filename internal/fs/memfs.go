package fs

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// MemFileSystem implements FileSystem entirely in memory, for tests that
// exercise key storage without touching the disk. It is safe for concurrent
// use.
type MemFileSystem struct {
	mu    sync.RWMutex
	files map[string][]byte
	dirs  map[string]bool
}

// NewMemFileSystem creates an empty in-memory filesystem.
func NewMemFileSystem() *MemFileSystem {
	return &MemFileSystem{
		files: make(map[string][]byte),
		dirs:  make(map[string]bool),
	}
}

// MkdirAll records the directory and all its parents as existing.
func (f *MemFileSystem) MkdirAll(path string, perm fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path = filepath.Clean(path)
	for path != "." && path != string(filepath.Separator) {
		f.dirs[path] = true
		path = filepath.Dir(path)
	}
	return nil
}

// ReadFile reads the entire file. A missing file yields an error that
// satisfies IsNotExist, matching the OS implementation.
func (f *MemFileSystem) ReadFile(name string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, ok := f.files[filepath.Clean(name)]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}

	// Hand out a copy so callers cannot mutate the stored content
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// WriteFileAtomic stores the file content. Map assignment under the lock is
// already atomic from a reader's perspective, so no temp-file dance is needed.
func (f *MemFileSystem) WriteFileAtomic(name string, data []byte, perm fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	f.files[filepath.Clean(name)] = stored
	return nil
}

// IsNotExist reports whether the error means the file does not exist
func (f *MemFileSystem) IsNotExist(err error) bool {
	return os.IsNotExist(err)
}

// DirExists reports whether MkdirAll has created the directory. Tests use it
// to assert that storage layers prepare their directories before writing.
func (f *MemFileSystem) DirExists(path string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dirs[filepath.Clean(path)]
}
