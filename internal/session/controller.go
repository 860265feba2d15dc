// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session owns the generation state machine: one reply may be in
// flight at a time, it can be interrupted, and an interrupted reply commits
// whatever text had arrived as a partial assistant message.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/quill/internal/api"
	"github.com/jeranaias/quill/internal/model"
	"github.com/jeranaias/quill/internal/store"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrBusy is returned when a generation is already in flight.
var ErrBusy = errors.New("generation already in progress")

// =============================================================================
// STATE
// =============================================================================

// State is the controller's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateGenerating
)

// String returns a human-readable state name.
func (s State) String() string {
	if s == StateGenerating {
		return "generating"
	}
	return "idle"
}

// =============================================================================
// CONTROLLER
// =============================================================================

// ImageGenerator is the image surface the controller depends on.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, messages []model.Message) (*api.ImageResult, error)
}

// Callbacks receive generation progress. All callbacks run on the
// generation goroutine; nil callbacks are skipped.
type Callbacks struct {
	// OnDelta fires for every chunk with the full accumulated text.
	OnDelta func(accumulated string)

	// OnDone fires exactly once, after the result (complete, partial or
	// empty) has been committed. err is nil on normal completion and on
	// interruption; any other failure is reported here.
	OnDone func(final string, err error)
}

// Controller serializes generation for one client. It accumulates streamed
// text, commits the assistant message to the store on completion, and on
// interruption commits the partial text tagged as partial.
type Controller struct {
	streamer api.Streamer
	images   ImageGenerator
	store    *store.Store
	logger   *zap.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Controller. images may be nil if image generation is
// disabled.
func New(streamer api.Streamer, images ImageGenerator, st *store.Store, logger *zap.Logger) *Controller {
	return &Controller{
		streamer: streamer,
		images:   images,
		store:    st,
		logger:   logger,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// =============================================================================
// START
// =============================================================================

// Request describes one generation.
type Request struct {
	// ConversationID identifies the conversation being extended.
	ConversationID string

	// Messages is the history to send upstream, ending with the message
	// being answered.
	Messages []model.Message

	// Image requests image generation instead of a text reply.
	Image bool
}

// Start begins generating a reply. Returns ErrBusy if one is already in
// flight. Generation runs on its own goroutine with its own context, so a
// dropped subscriber does not kill it; only Interrupt does.
func (c *Controller) Start(req Request, cb Callbacks) error {
	c.mu.Lock()
	if c.state == StateGenerating {
		c.mu.Unlock()
		return ErrBusy
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.state = StateGenerating
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)

		var final string
		var err error
		if req.Image {
			final, err = c.runImage(ctx, req)
		} else {
			final, err = c.runChat(ctx, req, cb)
		}

		// Back to idle before OnDone fires, so a subscriber reacting to
		// completion can start the next generation without hitting ErrBusy.
		c.mu.Lock()
		c.state = StateIdle
		c.cancel = nil
		c.mu.Unlock()

		if cb.OnDone != nil {
			cb.OnDone(final, err)
		}
	}()
	return nil
}

// Interrupt cancels the in-flight generation and waits for the partial
// result to be committed. A no-op when idle.
func (c *Controller) Interrupt() {
	c.mu.Lock()
	if c.state != StateGenerating {
		c.mu.Unlock()
		return
	}
	c.cancel()
	done := c.done
	c.mu.Unlock()

	<-done
}

// =============================================================================
// CHAT GENERATION
// =============================================================================

// runChat streams the reply, forwarding accumulated text, then commits.
// The commit happens before return, so Interrupt observes it once the done
// channel closes.
func (c *Controller) runChat(ctx context.Context, req Request, cb Callbacks) (string, error) {
	var acc strings.Builder

	err := c.streamer.ChatStream(ctx, req.Messages, func(chunk api.StreamChunk) {
		acc.WriteString(chunk.GetContent())
		if cb.OnDelta != nil {
			cb.OnDelta(acc.String())
		}
	})

	final := acc.String()

	// A mid-stream failure still carries partial text worth keeping.
	var streamErr *api.StreamError
	if errors.As(err, &streamErr) && streamErr.Partial != "" {
		final = streamErr.Partial
	}

	canceled := errors.Is(err, context.Canceled)
	if err != nil && !canceled {
		c.logger.Error("generation failed",
			zap.String("conversation", req.ConversationID), zap.Error(err))
	}

	switch {
	case err == nil:
		c.commit(req, model.NewAssistantMessage(final))
	case canceled || final != "":
		// Interrupted, or failed with partial content: keep what we have,
		// tagged partial.
		if final != "" {
			msg := model.NewAssistantMessage(final)
			msg.Partial = true
			c.commit(req, msg)
		}
		if canceled {
			err = nil
		}
	}

	return final, err
}

// commit appends the assistant message to the request's history and
// persists the conversation.
func (c *Controller) commit(req Request, msg model.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	messages := append(append([]model.Message{}, req.Messages...), msg)
	if _, err := c.store.Upsert(ctx, req.ConversationID, messages); err != nil {
		c.logger.Error("commit failed",
			zap.String("conversation", req.ConversationID), zap.Error(err))
	}
}

// =============================================================================
// IMAGE GENERATION
// =============================================================================

// runImage requests an image and commits the returned URL as an assistant
// image message. Image generation has no streaming phase, so an interrupt
// before completion discards the result entirely.
func (c *Controller) runImage(ctx context.Context, req Request) (string, error) {
	if c.images == nil {
		return "", errors.New("image generation not configured")
	}

	res, err := c.images.GenerateImage(ctx, req.Messages)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", nil
		}
		c.logger.Error("image generation failed",
			zap.String("conversation", req.ConversationID), zap.Error(err))
		return "", err
	}

	c.commit(req, model.NewAssistantImage(res.URL, res.ThoughtSignature))
	return res.URL, nil
}
