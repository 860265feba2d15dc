// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// A Conversation is the literal transcript sent to the upstream chat service:
// an ordered sequence of Messages, each carrying either plain text or a list
// of tagged content parts (text and image references). The package performs
// no I/O; persistence lives in internal/store and mutation policy in
// internal/session and internal/history.
package model
