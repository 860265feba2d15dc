// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package markdown turns a (possibly still-growing) chat response buffer into
// sanitized HTML.
//
// The pipeline protects math and diagram sub-languages from the generic
// Markdown transformer with opaque placeholders, parses the masked text with
// goldmark, sanitizes with bluemonday, applies chroma syntax highlighting to
// code blocks, and then restores the protected blocks as rendered fragments.
//
// # Key Types
//
//   - Block / Protect / Codec.Restore: the delimiter protection codec
//   - Renderer: RenderFull, RenderStreaming and Finalize entry points
//   - Target: one message's render surface, holding the current HTML,
//     the per-target highlight cache and the diagram result cache
//   - MathRenderer / DiagramRenderer: pluggable typesetting engines
//
// # Rendering Modes
//
// Streaming renders re-parse the whole buffer on every chunk (an
// unterminated code fence changes the meaning of everything before it, so
// incremental parsing buys nothing) but reuse cached highlight results so an
// unchanged code block is never re-highlighted. The asynchronous diagram
// pass runs only from RenderFull and Finalize, never per chunk.
package markdown
