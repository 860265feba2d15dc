// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api implements the client for the upstream conversational AI
// service: streaming chat completions, one-shot title generation and image
// generation.
package api

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jeranaias/quill/internal/model"
)

// Configuration constants for the upstream API.
const (
	// DefaultTimeout is the default timeout for non-streaming requests.
	DefaultTimeout = 60 * time.Second

	// DefaultChatModel generates conversation replies.
	DefaultChatModel = "gemini-2.5-flash"

	// DefaultImageModel generates images.
	DefaultImageModel = "gemini-2.5-flash-image"
)

var (
	// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
	sharedHTTPClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
		Timeout: DefaultTimeout,
	}

	// sharedStreamingClient has no timeout; streaming requests live as
	// long as their context.
	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
)

// Error variables for common upstream errors.
var (
	// ErrNotConfigured indicates the API key is not set.
	ErrNotConfigured = errors.New("API key not configured")

	// ErrAuthFailed indicates authentication failed.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrNoImage indicates an image request produced no image data.
	ErrNoImage = errors.New("no image in response")
)

// APIError represents an error response from the upstream service.
type APIError struct {
	Code    string
	Message string
	Status  int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("api error (HTTP %d): %s", e.Status, e.Message)
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the upstream conversational AI service.
type Client struct {
	baseURL    string
	apiKey     string
	chatModel  string
	imageModel string
}

// Config carries Client construction parameters. Empty model names fall
// back to the defaults.
type Config struct {
	BaseURL    string
	APIKey     string
	ChatModel  string
	ImageModel string
}

// NewClient builds a Client. The API key may be empty; requests then fail
// with ErrNotConfigured.
func NewClient(cfg Config) *Client {
	c := &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		chatModel:  cfg.ChatModel,
		imageModel: cfg.ImageModel,
	}
	if c.chatModel == "" {
		c.chatModel = DefaultChatModel
	}
	if c.imageModel == "" {
		c.imageModel = DefaultImageModel
	}
	return c
}

// IsConfigured returns true if an API key is set.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// setHeaders applies authentication and content headers.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// chatRequest is the request body for chat, title and image endpoints.
type chatRequest struct {
	Model    string          `json:"model"`
	Messages []model.Message `json:"messages"`
	Stream   bool            `json:"stream,omitempty"`
}

// errorBody is the error envelope the service wraps failures in. The error
// field is either a plain string or an object with message and code.
type errorBody struct {
	Error json.RawMessage `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// handleErrorResponse maps an HTTP failure to a typed error.
func (c *Client) handleErrorResponse(status int, body []byte) error {
	apiErr := &APIError{Status: status, Message: http.StatusText(status)}

	var envelope errorBody
	if json.Unmarshal(body, &envelope) == nil && len(envelope.Error) > 0 {
		var detail errorDetail
		if json.Unmarshal(envelope.Error, &detail) == nil && detail.Message != "" {
			apiErr.Message = detail.Message
			apiErr.Code = detail.Code
		} else {
			var msg string
			if json.Unmarshal(envelope.Error, &msg) == nil && msg != "" {
				apiErr.Message = msg
			}
		}
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAuthFailed, apiErr.Message)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Message)
	}
	return apiErr
}
