// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/jeranaias/quill/internal/model"
)

// =============================================================================
// IMAGE GENERATION
// =============================================================================

// ImageResult is the outcome of an image generation request: a server-relative
// URL for the stored image, and the opaque thought signature the service wants
// echoed back on follow-up requests that reference the image.
type ImageResult struct {
	URL              string
	ThoughtSignature string
}

// imageResponse is the wire shape of an image generation response.
type imageResponse struct {
	Created int64 `json:"created,omitempty"`
	Data    []struct {
		URL              string `json:"url"`
		ThoughtSignature string `json:"thoughtSignature,omitempty"`
	} `json:"data"`
}

// GenerateImage requests an image for the conversation so far. Returns
// ErrNoImage if the service answered without one.
func (c *Client) GenerateImage(ctx context.Context, messages []model.Message) (*ImageResult, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	reqBody := chatRequest{
		Model:    c.imageModel,
		Messages: messages,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/images/generations", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxChunkSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.handleErrorResponse(resp.StatusCode, body)
	}

	var parsed imageResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(parsed.Data) == 0 || parsed.Data[0].URL == "" {
		return nil, ErrNoImage
	}

	return &ImageResult{
		URL:              parsed.Data[0].URL,
		ThoughtSignature: parsed.Data[0].ThoughtSignature,
	}, nil
}
