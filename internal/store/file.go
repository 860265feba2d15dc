// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"os"
	"path/filepath"

	"github.com/jeranaias/quill/internal/util"
)

// =============================================================================
// FILE BACKEND
// =============================================================================

// FileBackend stores each key as a JSON file in a directory. Writes are
// atomic with fsync, so a crash mid-save never corrupts the previous value.
type FileBackend struct {
	// Dir is the directory holding the value files.
	Dir string

	// MaxBytes caps the size of a single value (0 = unlimited). Writes
	// over the cap fail with ErrQuotaExceeded.
	MaxBytes int
}

// NewFileBackend creates the backing directory if needed.
func NewFileBackend(dir string, maxBytes int) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileBackend{Dir: dir, MaxBytes: maxBytes}, nil
}

// Read returns the value stored under key.
func (b *FileBackend) Read(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.filePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Write stores value under key, enforcing the byte quota first so an
// oversized value never touches the disk.
func (b *FileBackend) Write(_ context.Context, key string, value []byte) error {
	if b.MaxBytes > 0 && len(value) > b.MaxBytes {
		return ErrQuotaExceeded
	}
	return util.AtomicWriteFile(b.filePath(key), value, 0644)
}

func (b *FileBackend) filePath(key string) string {
	return filepath.Join(b.Dir, key+".json")
}
