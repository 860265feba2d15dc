// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strconv"
	"sync"
	"time"
)

// DefaultTitle is the title a conversation carries until the title generator
// (or the user) assigns a real one.
const DefaultTitle = "New Chat"

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation holds a complete chat transcript with metadata.
//
// Messages are in chronological order and are exactly what is sent to the
// upstream chat service. Timestamp is the last-modified instant in Unix
// milliseconds, matching the persisted layout.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	Timestamp int64     `json:"timestamp"`
}

// NewConversation creates an empty conversation with a timestamp-derived ID
// and the default title.
func NewConversation() *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        NewConversationID(now),
		Title:     DefaultTitle,
		Messages:  make([]Message, 0),
		Timestamp: now.UnixMilli(),
	}
}

// Touch bumps the last-modified timestamp to now.
func (c *Conversation) Touch() {
	c.Timestamp = time.Now().UnixMilli()
}

// ModifiedAt returns the last-modified instant.
func (c *Conversation) ModifiedAt() time.Time {
	return time.UnixMilli(c.Timestamp)
}

// OlderThan reports whether the conversation was last modified before the
// given horizon counted back from now.
func (c *Conversation) OlderThan(horizon time.Duration, now time.Time) bool {
	return c.ModifiedAt().Before(now.Add(-horizon))
}

// LastMessage returns the most recent message, or nil if empty.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// Clone creates a deep-enough copy: the message slice is copied so callers
// can truncate or append without aliasing the original.
func (c *Conversation) Clone() *Conversation {
	clone := *c
	clone.Messages = make([]Message, len(c.Messages))
	copy(clone.Messages, c.Messages)
	return &clone
}

// =============================================================================
// ID GENERATION
// =============================================================================

var (
	idMu     sync.Mutex
	lastIDMs int64
)

// NewConversationID derives a unique ID from the creation instant. Two calls
// within the same millisecond get strictly increasing values.
func NewConversationID(now time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()

	ms := now.UnixMilli()
	if ms <= lastIDMs {
		ms = lastIDMs + 1
	}
	lastIDMs = ms
	return strconv.FormatInt(ms, 10)
}
