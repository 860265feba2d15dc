// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// =============================================================================
// SQLITE BACKEND
// =============================================================================

// SQLiteBackend stores values in a key/value table of an embedded SQLite
// database. It needs no external sqlite installation.
type SQLiteBackend struct {
	db *sql.DB

	// MaxBytes caps the size of a single value (0 = unlimited).
	MaxBytes int
}

// NewSQLiteBackend opens (and if necessary creates) the database at path.
func NewSQLiteBackend(path string, maxBytes int) (*SQLiteBackend, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Serialized access keeps the single-writer model simple.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}

	return &SQLiteBackend{db: db, MaxBytes: maxBytes}, nil
}

// Close releases the database handle.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// Read returns the value stored under key.
func (b *SQLiteBackend) Read(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", key, err)
	}
	return value, nil
}

// Write upserts value under key. Values over the byte quota, and writes the
// database engine rejects for lack of space, surface as ErrQuotaExceeded.
func (b *SQLiteBackend) Write(ctx context.Context, key string, value []byte) error {
	if b.MaxBytes > 0 && len(value) > b.MaxBytes {
		return ErrQuotaExceeded
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		if isSQLiteFull(err) {
			return ErrQuotaExceeded
		}
		return fmt.Errorf("write %q: %w", key, err)
	}
	return nil
}

// isSQLiteFull reports whether err is the engine's disk-full condition
// (SQLITE_FULL, code 13).
func isSQLiteFull(err error) bool {
	type coder interface{ Code() int }
	var c coder
	if errors.As(err, &c) {
		return c.Code() == 13
	}
	return false
}
