// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the HTTP surface of quill: the chat page, the
// conversation API and the streaming generation endpoints.
//
// Endpoints:
//   - GET    /                        - chat page
//   - GET    /static/*                - page assets
//   - GET    /health                  - health check
//   - GET    /api/conversations       - list conversations
//   - GET    /api/conversations/{id}  - one conversation, messages rendered
//   - DELETE /api/conversations/{id}  - delete a conversation
//   - POST   /api/chat/send           - send a message, reply streamed as SSE
//   - POST   /api/chat/stop           - interrupt the in-flight reply
//   - POST   /api/chat/regenerate     - regenerate the last reply (SSE)
//   - POST   /api/chat/edit           - edit a user message and regenerate (SSE)
//   - POST   /api/upload              - upload an image attachment
//   - GET    /images/cache/{file}     - serve uploaded/generated images
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jeranaias/quill/internal/history"
	"github.com/jeranaias/quill/internal/markdown"
	"github.com/jeranaias/quill/internal/model"
	"github.com/jeranaias/quill/internal/session"
	"github.com/jeranaias/quill/internal/store"
)

// =============================================================================
// SERVER
// =============================================================================

// Options carries Server construction parameters.
type Options struct {
	Store         *store.Store
	Session       *session.Controller
	History       *history.Controller
	Renderer      *markdown.Renderer
	Logger        *zap.Logger
	ImageCacheDir string
	MaxBodyBytes  int64
	RateLimit     float64
	RateBurst     int
}

// Server wires the HTTP handlers to the conversation machinery.
type Server struct {
	store    *store.Store
	session  *session.Controller
	history  *history.Controller
	renderer *markdown.Renderer
	logger   *zap.Logger
	cacheDir string
	router   chi.Router
}

// New builds the Server and its routes.
func New(opts Options) *Server {
	s := &Server{
		store:    opts.Store,
		session:  opts.Session,
		history:  opts.History,
		renderer: opts.Renderer,
		logger:   opts.Logger,
		cacheDir: opts.ImageCacheDir,
	}

	r := chi.NewRouter()
	r.Use(recoverer(opts.Logger))
	r.Use(requestLogger(opts.Logger))
	if opts.MaxBodyBytes > 0 {
		r.Use(bodyLimit(opts.MaxBodyBytes))
	}
	if opts.RateLimit > 0 {
		r.Use(newRateLimiter(opts.RateLimit, opts.RateBurst).middleware)
	}

	r.Get("/", s.handleIndex)
	r.Get("/static/*", s.handleStatic)
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/conversations", s.handleListConversations)
		r.Get("/conversations/{id}", s.handleGetConversation)
		r.Delete("/conversations/{id}", s.handleDeleteConversation)

		r.Post("/chat/send", s.handleSend)
		r.Post("/chat/stop", s.handleStop)
		r.Post("/chat/regenerate", s.handleRegenerate)
		r.Post("/chat/edit", s.handleEdit)

		r.Post("/upload", s.handleUpload)
	})

	r.Get("/images/cache/{file}", s.handleImage)

	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// CONVERSATION API
// =============================================================================

// conversationMeta is the listing shape.
type conversationMeta struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Timestamp    int64  `json:"timestamp"`
	MessageCount int    `json:"message_count"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, _ *http.Request) {
	convs := s.store.List()
	metas := make([]conversationMeta, 0, len(convs))
	for _, c := range convs {
		metas = append(metas, conversationMeta{
			ID:           c.ID,
			Title:        c.Title,
			Timestamp:    c.Timestamp,
			MessageCount: len(c.Messages),
		})
	}
	writeJSON(w, http.StatusOK, metas)
}

// renderedMessage is one message with its display HTML.
type renderedMessage struct {
	Role    string   `json:"role"`
	Text    string   `json:"text"`
	HTML    string   `json:"html,omitempty"`
	Images  []string `json:"images,omitempty"`
	IsImage bool     `json:"isImage,omitempty"`
	Partial bool     `json:"partial,omitempty"`
}

// conversationResponse is the full-conversation shape.
type conversationResponse struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Messages []renderedMessage `json:"messages"`
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.Get(chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	resp := conversationResponse{ID: conv.ID, Title: conv.Title}
	for _, m := range conv.Messages {
		rm := renderedMessage{
			Role:    m.Role.String(),
			Text:    m.Content.Plain(),
			Images:  m.Content.ImageURLs(),
			IsImage: m.IsImage,
			Partial: m.Partial,
		}
		// Assistant prose is rendered server-side; user text and image
		// messages are displayed verbatim by the page.
		if m.Role == model.RoleAssistant && !m.IsImage {
			target := markdown.NewTarget(nil)
			if err := s.renderer.RenderFull(target, rm.Text); err == nil {
				s.renderer.Finalize(target)
				rm.HTML = target.HTML()
			}
		}
		resp.Messages = append(resp.Messages, rm)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	err := s.store.Remove(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("delete failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// CHAT
// =============================================================================

// sendRequest is the body of POST /api/chat/send.
type sendRequest struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	Text           string   `json:"text"`
	ImageURLs      []string `json:"image_urls,omitempty"`
	GenerateImage  bool     `json:"generate_image,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" && len(req.ImageURLs) == 0 {
		writeError(w, http.StatusBadRequest, "message is empty")
		return
	}

	convID := req.ConversationID
	var messages []model.Message
	if convID == "" {
		convID = model.NewConversationID(time.Now())
	} else {
		conv, err := s.store.Get(convID)
		if err != nil {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		messages = conv.Messages
	}

	messages = append(messages, buildUserMessage(req.Text, req.ImageURLs))

	// The user's message is visible in the history even if generation
	// dies before producing anything.
	if _, err := s.store.Upsert(r.Context(), convID, messages); err != nil {
		s.logger.Error("persist user message failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not save message")
		return
	}

	s.streamGeneration(w, r, convID, func(cb session.Callbacks) error {
		return s.session.Start(session.Request{
			ConversationID: convID,
			Messages:       messages,
			Image:          req.GenerateImage,
		}, cb)
	})
}

// buildUserMessage assembles the outgoing user message. Attachments ride as
// image parts alongside the text.
func buildUserMessage(text string, imageURLs []string) model.Message {
	if len(imageURLs) == 0 {
		return model.NewUserMessage(model.TextContent(text))
	}
	parts := make([]model.ContentPart, 0, len(imageURLs)+1)
	if text != "" {
		parts = append(parts, model.TextPart(text))
	}
	for _, url := range imageURLs {
		parts = append(parts, model.ImagePart(url))
	}
	return model.NewUserMessage(model.PartsContent(parts...))
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	// Interrupt returns after the partial reply is committed, so a client
	// reloading right away sees it.
	s.session.Interrupt()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// conversationRequest addresses an existing conversation.
type conversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.streamGeneration(w, r, req.ConversationID, func(cb session.Callbacks) error {
		return s.history.Regenerate(r.Context(), req.ConversationID, cb)
	})
}

// editRequest is the body of POST /api/chat/edit.
type editRequest struct {
	ConversationID string `json:"conversation_id"`
	Index          int    `json:"index"`
	Text           string `json:"text"`
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.streamGeneration(w, r, req.ConversationID, func(cb session.Callbacks) error {
		return s.history.Edit(r.Context(), req.ConversationID, req.Index, req.Text, cb)
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// startError maps generation start failures to HTTP status codes.
func startError(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict, "a reply is already being generated"
	case errors.Is(err, history.ErrBadIndex):
		return http.StatusBadRequest, "index does not address a user message"
	case errors.Is(err, history.ErrNothingToRegenerate):
		return http.StatusBadRequest, "nothing to regenerate"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "conversation not found"
	}
	return http.StatusInternalServerError, "generation failed to start"
}
