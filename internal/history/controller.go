// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package history implements message-level conversation surgery: editing a
// user message and regenerating the last reply. Both truncate the stored
// history and hand the remainder to the generation layer.
package history

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jeranaias/quill/internal/model"
	"github.com/jeranaias/quill/internal/session"
	"github.com/jeranaias/quill/internal/store"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrBadIndex is returned when an edit targets a position that does
	// not hold a user message.
	ErrBadIndex = errors.New("index does not address a user message")

	// ErrNothingToRegenerate is returned when the conversation has no
	// user message to answer again.
	ErrNothingToRegenerate = errors.New("no user message to regenerate from")
)

// =============================================================================
// CONTROLLER
// =============================================================================

// Starter launches a generation; *session.Controller implements it.
type Starter interface {
	Start(req session.Request, cb session.Callbacks) error
	Interrupt()
}

// Controller coordinates store truncation with generation restarts.
type Controller struct {
	store   *store.Store
	session Starter
	logger  *zap.Logger
}

// New creates a Controller.
func New(st *store.Store, sess Starter, logger *zap.Logger) *Controller {
	return &Controller{store: st, session: sess, logger: logger}
}

// =============================================================================
// EDIT
// =============================================================================

// Edit replaces the text of the user message at index with newText, keeping
// any image attachments that message carried, discards everything after it,
// persists the truncated history and starts a fresh generation from it.
// Any in-flight generation is interrupted first.
func (c *Controller) Edit(ctx context.Context, convID string, index int, newText string, cb session.Callbacks) error {
	c.session.Interrupt()

	conv, err := c.store.Get(convID)
	if err != nil {
		return fmt.Errorf("edit: %w", err)
	}
	if index < 0 || index >= len(conv.Messages) || conv.Messages[index].Role != model.RoleUser {
		return ErrBadIndex
	}

	edited := conv.Messages[index]
	edited.Content = edited.Content.WithText(newText)

	// History up to and including the edited message survives; the old
	// reply and everything after it goes.
	messages := append([]model.Message{}, conv.Messages[:index]...)
	messages = append(messages, edited)

	if _, err := c.store.Upsert(ctx, convID, messages); err != nil {
		return fmt.Errorf("edit: %w", err)
	}

	c.logger.Info("message edited",
		zap.String("conversation", convID), zap.Int("index", index))

	return c.session.Start(session.Request{
		ConversationID: convID,
		Messages:       messages,
	}, cb)
}

// =============================================================================
// REGENERATE
// =============================================================================

// Regenerate discards the conversation's trailing assistant message, if
// any, persists the truncation and generates a new reply to the last user
// message. Any in-flight generation is interrupted first.
func (c *Controller) Regenerate(ctx context.Context, convID string, cb session.Callbacks) error {
	c.session.Interrupt()

	conv, err := c.store.Get(convID)
	if err != nil {
		return fmt.Errorf("regenerate: %w", err)
	}

	messages := append([]model.Message{}, conv.Messages...)
	if n := len(messages); n > 0 && messages[n-1].Role == model.RoleAssistant {
		messages = messages[:n-1]
	}
	if len(messages) == 0 || messages[len(messages)-1].Role != model.RoleUser {
		return ErrNothingToRegenerate
	}

	if _, err := c.store.Upsert(ctx, convID, messages); err != nil {
		return fmt.Errorf("regenerate: %w", err)
	}

	c.logger.Info("regenerating reply", zap.String("conversation", convID))

	return c.session.Start(session.Request{
		ConversationID: convID,
		Messages:       messages,
	}, cb)
}
