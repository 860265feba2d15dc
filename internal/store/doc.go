// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists conversation history for quill.
//
// A Store keeps the full conversation list in memory, most recently used
// first, and writes the whole list through a Backend under a single key on
// every mutation. Conversations older than the retention horizon are dropped
// both when loading and before each save. When the backend reports
// ErrQuotaExceeded the store evicts the oldest conversation and retries
// until the write fits or nothing is left to evict.
//
// Two backends ship with the package: FileBackend (one JSON document,
// written atomically, with an optional byte quota) and SQLiteBackend
// (a key/value table in an embedded SQLite database).
package store
