// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/jeranaias/quill/internal/markdown"
	"github.com/jeranaias/quill/internal/session"
)

// =============================================================================
// SSE WRITER
// =============================================================================

// sseWriter serializes event frames onto an SSE response. Events may arrive
// from the generation goroutine while the handler waits; the mutex keeps
// frames whole. Once the client is gone further writes are dropped.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	dead    bool
}

// newSSEWriter prepares the response for streaming. Returns nil if the
// ResponseWriter cannot flush.
func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}
}

// event writes one named event with a JSON payload.
func (s *sseWriter) event(name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		s.dead = true
		return
	}
	s.flusher.Flush()
}

// =============================================================================
// GENERATION STREAMING
// =============================================================================

// deltaFrame carries one streaming render update.
type deltaFrame struct {
	HTML string `json:"html"`
}

// doneFrame closes a generation stream.
type doneFrame struct {
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
	HTML           string `json:"html"`
	Text           string `json:"text"`
}

// errorFrame reports a generation failure to the page.
type errorFrame struct {
	Message string `json:"message"`
}

// streamGeneration runs one generation with its progress streamed as SSE:
// "delta" events carry rendered HTML as text arrives, then a single "done"
// event carries the settled HTML and conversation metadata, or an "error"
// event reports failure. The handler returns when generation finishes; a
// client that disconnects early does not abort the generation.
func (s *Server) streamGeneration(w http.ResponseWriter, r *http.Request, convID string, start func(session.Callbacks) error) {
	sse := newSSEWriter(w)
	if sse == nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	target := markdown.NewTarget(func(html string) {
		sse.event("delta", deltaFrame{HTML: html})
	})
	finished := make(chan struct{})

	cb := session.Callbacks{
		OnDelta: func(accumulated string) {
			if err := s.renderer.RenderStreaming(target, accumulated); err != nil {
				s.logger.Warn("streaming render failed", zap.Error(err))
			}
		},
		OnDone: func(final string, err error) {
			defer close(finished)

			if err != nil {
				sse.event("error", errorFrame{Message: err.Error()})
				return
			}

			// Settle the final render, diagrams included, before
			// closing the stream.
			if rerr := s.renderer.RenderFull(target, final); rerr == nil {
				s.renderer.Finalize(target)
			}

			title := ""
			if conv, gerr := s.store.Get(convID); gerr == nil {
				title = conv.Title
			}
			sse.event("done", doneFrame{
				ConversationID: convID,
				Title:          title,
				HTML:           target.HTML(),
				Text:           final,
			})
		},
	}

	if err := start(cb); err != nil {
		status, msg := startError(err)
		s.logger.Warn("generation start refused",
			zap.Int("status", status), zap.Error(err))
		sse.event("error", errorFrame{Message: msg})
		return
	}

	select {
	case <-finished:
	case <-r.Context().Done():
		// Client gone; generation keeps running and commits on its own.
		sse.mu.Lock()
		sse.dead = true
		sse.mu.Unlock()
	}
}
