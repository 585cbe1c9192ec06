package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// File permission constants
const (
	PermPrivateFile os.FileMode = 0600
	PermPrivateDir  os.FileMode = 0700
	PermPublicFile  os.FileMode = 0644
	PermPublicDir   os.FileMode = 0755
)

// File operation errors
var (
	ErrAtomicWriteFailed = errors.New("security: atomic write failed")
	ErrTempFileFailed    = errors.New("security: temporary file creation failed")
	ErrLocked            = errors.New("security: file is locked by another process")
	ErrInvalidPath       = errors.New("security: invalid path")
)

// AtomicWriter writes to a temporary file that replaces its target on
// Commit, so readers never observe a partial file.
type AtomicWriter struct {
	path     string
	tempFile *os.File
	tempPath string
}

// NewAtomicWriter creates the parent directory and a temporary file
// beside path.
func NewAtomicWriter(path string, perm os.FileMode) (*AtomicWriter, error) {
	if path == "" || strings.ContainsRune(path, 0) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), PermPublicDir); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tempPath := path + ".tmp." + randomSuffix()
	tempFile, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTempFileFailed, err)
	}
	return &AtomicWriter{path: path, tempFile: tempFile, tempPath: tempPath}, nil
}

// Write writes to the temporary file.
func (w *AtomicWriter) Write(p []byte) (int, error) {
	return w.tempFile.Write(p)
}

// Commit syncs the temporary file and renames it over the target.
func (w *AtomicWriter) Commit() error {
	if err := w.tempFile.Sync(); err != nil {
		w.Abort()
		return fmt.Errorf("sync: %w", err)
	}
	if err := w.tempFile.Close(); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(w.tempPath, w.path); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}
	return nil
}

// Abort discards the temporary file.
func (w *AtomicWriter) Abort() {
	w.tempFile.Close()
	os.Remove(w.tempPath)
}

func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// AtomicWrite writes data to path via a temporary file and rename.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	w, err := NewAtomicWriter(path, perm)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Abort()
		return err
	}
	return w.Commit()
}

// LockFile takes an exclusive, non-blocking lock on f. It returns
// ErrLocked when another process holds the lock.
func LockFile(f *os.File) error {
	return lockFile(f)
}

// UnlockFile releases a lock taken by LockFile.
func UnlockFile(f *os.File) error {
	return unlockFile(f)
}

// PIDFile is a locked file holding the current process id.
type PIDFile struct {
	f    *os.File
	path string
}

// AcquirePIDFile locks path and writes the process id into it. It fails
// with ErrLocked if another live process holds the file.
func AcquirePIDFile(path string) (*PIDFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), PermPrivateDir); err != nil {
		return nil, fmt.Errorf("create pid dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, PermPublicFile)
	if err != nil {
		return nil, fmt.Errorf("open pid file: %w", err)
	}
	if err := LockFile(f); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(0); err != nil {
		unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("truncate pid file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return &PIDFile{f: f, path: path}, nil
}

// Release unlocks and removes the pid file.
func (p *PIDFile) Release() error {
	if p == nil || p.f == nil {
		return nil
	}
	os.Remove(p.path)
	unlockFile(p.f)
	err := p.f.Close()
	p.f = nil
	return err
}
