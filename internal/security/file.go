// Package security writes configuration and certificate files atomically
// with restrictive permissions.
package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// File permission constants
const (
	// PermSecretFile is for files only the owner may read.
	PermSecretFile os.FileMode = 0o600

	// PermSecretDir is for directories holding secret files.
	PermSecretDir os.FileMode = 0o700

	// PermPublicFile is for certificates and other public material.
	PermPublicFile os.FileMode = 0o644
)

var ErrAtomicWriteFailed = errors.New("security: atomic write failed")

// WriteFileAtomic writes data to a temporary file next to path and renames
// it into place. Missing parent directories are created owner-only.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), PermSecretDir); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmpPath := path + ".tmp." + randomSuffix()
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}
	return nil
}

// WriteSecretFile writes data atomically with mode 0600.
func WriteSecretFile(path string, data []byte) error {
	return WriteFileAtomic(path, data, PermSecretFile)
}

func randomSuffix() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
