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
	"strings"

	"github.com/jeranaias/quill/internal/util"
)

// =============================================================================
// TITLE GENERATION
// =============================================================================

// maxTitleMessageRunes caps how much of the first message is sent upstream.
const maxTitleMessageRunes = 500

// maxTitleRunes caps how long a generated title may grow.
const maxTitleRunes = 60

// titleRequest is the body of a title generation request.
type titleRequest struct {
	Message string `json:"message"`
}

// titleResponse is the wire shape of a title generation response.
type titleResponse struct {
	Title string `json:"title"`
}

// GenerateTitle produces a short conversation title from the first user
// message. The service occasionally wraps the answer in quotes, so the
// response gets cleaned up.
func (c *Client) GenerateTitle(ctx context.Context, firstUserMessage string) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}

	reqBody := titleRequest{
		Message: util.TruncateRunes(firstUserMessage, maxTitleMessageRunes),
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/generate-title", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxChunkSize))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", c.handleErrorResponse(resp.StatusCode, body)
	}

	var parsed titleResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	return cleanTitle(parsed.Title), nil
}

// cleanTitle strips quotes and whitespace and caps the length.
func cleanTitle(title string) string {
	title = strings.TrimSpace(title)
	title = strings.Trim(title, `"'`)
	title = util.OneLine(title)
	return util.TruncateRunes(title, maxTitleRunes)
}
