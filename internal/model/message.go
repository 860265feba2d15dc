// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"strings"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// =============================================================================
// CONTENT PARTS
// =============================================================================

// Part type tags for multimodal content.
const (
	PartText     = "text"
	PartImageURL = "image_url"
)

// ImageRef holds a server-relative or absolute image URL. The URL is stored
// verbatim as returned by the upload or image-generation collaborator.
type ImageRef struct {
	URL string `json:"url"`
}

// ContentPart is one element of a multimodal message body.
// Exactly one of Text or ImageURL is meaningful, selected by Type.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageRef `json:"image_url,omitempty"`

	// ThoughtSignature is an opaque token attached by the image-generation
	// endpoint. Preserved verbatim; older records may lack it.
	ThoughtSignature string `json:"thoughtSignature,omitempty"`
}

// TextPart creates a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart creates an image_url content part.
func ImagePart(url string) ContentPart {
	return ContentPart{Type: PartImageURL, ImageURL: &ImageRef{URL: url}}
}

// =============================================================================
// CONTENT UNION
// =============================================================================

// Content is the body of a message: either a plain string or an ordered list
// of content parts. The wire format (and the persisted format) keeps the
// historical union shape, so Content marshals to a JSON string when Parts is
// nil and to a JSON array otherwise.
type Content struct {
	Text  string
	Parts []ContentPart
}

// TextContent wraps a plain string as message content.
func TextContent(text string) Content {
	return Content{Text: text}
}

// PartsContent wraps a part list as message content.
func PartsContent(parts ...ContentPart) Content {
	return Content{Parts: parts}
}

// IsParts reports whether the content is the multimodal array form.
func (c Content) IsParts() bool {
	return c.Parts != nil
}

// Plain extracts the text portion of the content: the string itself for the
// plain form, or all text parts joined with newlines for the array form.
func (c Content) Plain() string {
	if c.Parts == nil {
		return c.Text
	}
	var texts []string
	for _, p := range c.Parts {
		if p.Type == PartText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// ImageURLs returns the URLs of all image parts, in order.
func (c Content) ImageURLs() []string {
	var urls []string
	for _, p := range c.Parts {
		if p.Type == PartImageURL && p.ImageURL != nil {
			urls = append(urls, p.ImageURL.URL)
		}
	}
	return urls
}

// WithText returns a copy of the content with only the text portion replaced.
// Image parts and their thought signatures are preserved. A plain-string
// content becomes a single text part; an array without a text part gains one
// at the front.
func (c Content) WithText(text string) Content {
	if c.Parts == nil {
		return Content{Parts: []ContentPart{TextPart(text)}}
	}

	parts := make([]ContentPart, len(c.Parts))
	copy(parts, c.Parts)

	replaced := false
	for i := range parts {
		if parts[i].Type == PartText {
			parts[i].Text = text
			replaced = true
		}
	}
	if !replaced && text != "" {
		parts = append([]ContentPart{TextPart(text)}, parts...)
	}
	return Content{Parts: parts}
}

// MarshalJSON emits the historical union shape: string or array.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts both the string and the array form. Records missing
// optional part fields unmarshal cleanly.
func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Content{Text: s}
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	*c = Content{Parts: parts}
	return nil
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single entry in a conversation transcript.
//
// Role alternation is deliberately not enforced: after an edit-truncate the
// upstream service may receive consecutive same-role entries, and the model
// layer must tolerate that.
type Message struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`

	// IsImage marks an assistant message whose content is a generated image.
	IsImage bool `json:"isImage,omitempty"`

	// Partial marks an assistant message committed by cancellation or an
	// early transport failure rather than by normal stream completion.
	Partial bool `json:"partial,omitempty"`
}

// NewUserMessage creates a user message.
func NewUserMessage(content Content) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates a completed assistant text message.
func NewAssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: TextContent(text)}
}

// NewAssistantImage creates an assistant message holding a generated image.
func NewAssistantImage(url, thoughtSignature string) Message {
	part := ImagePart(url)
	part.ThoughtSignature = thoughtSignature
	return Message{
		Role:    RoleAssistant,
		Content: PartsContent(part),
		IsImage: true,
	}
}
