// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package markdown

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// =============================================================================
// BLOCK TYPES
// =============================================================================

// Kind classifies a protected sub-language block.
type Kind string

const (
	KindInline  Kind = "INLINE"
	KindDisplay Kind = "DISPLAY"
	KindDiagram Kind = "DIAGRAM"
)

// Block is one span extracted by Protect, alive for a single render pass.
type Block struct {
	Kind  Kind
	Raw   string
	Token string
}

// diagramFence opens a fenced diagram block. The trailing newline is part of
// the opener, matching the fence grammar.
const diagramFence = "```mermaid\n"

// =============================================================================
// LEXER
// =============================================================================

// span is a claimed region of the input. Literal spans (currency-guarded
// dollar pairs) are skipped by the lexer but kept verbatim in the masked
// output.
type span struct {
	start, end int
	kind       Kind
	raw        string
	literal    bool
}

// lex scans text once, left to right, claiming spans in priority order:
// diagram fence, $$ display, \[ \] display, $ inline (currency-guarded),
// \( \) inline. A claimed span is never rescanned, so later patterns cannot
// see text inside an earlier match.
func lex(text string) []span {
	var spans []span

	i := 0
	for i < len(text) {
		off := strings.IndexAny(text[i:], "`$\\")
		if off < 0 {
			break
		}
		i += off

		if sp, ok := matchAt(text, i); ok {
			spans = append(spans, sp)
			i = sp.end
			continue
		}
		i++
	}
	return spans
}

// matchAt tries each pattern at position i, highest priority first.
func matchAt(text string, i int) (span, bool) {
	rest := text[i:]

	// (a) fenced diagram block
	if strings.HasPrefix(rest, diagramFence) {
		body := rest[len(diagramFence):]
		if close := strings.Index(body, "```"); close >= 0 {
			return span{
				start: i,
				end:   i + len(diagramFence) + close + 3,
				kind:  KindDiagram,
				raw:   strings.TrimSpace(body[:close]),
			}, true
		}
	}

	// (b) $$ ... $$ display math
	if strings.HasPrefix(rest, "$$") {
		if close := strings.Index(rest[2:], "$$"); close >= 0 {
			return span{
				start: i,
				end:   i + 2 + close + 2,
				kind:  KindDisplay,
				raw:   rest[2 : 2+close],
			}, true
		}
	}

	// (c) \[ ... \] display math
	if strings.HasPrefix(rest, `\[`) {
		if close := strings.Index(rest[2:], `\]`); close >= 0 {
			return span{
				start: i,
				end:   i + 2 + close + 2,
				kind:  KindDisplay,
				raw:   rest[2 : 2+close],
			}, true
		}
	}

	// (d) $ ... $ inline math, single line, with currency guard
	if rest[0] == '$' {
		if sp, ok := matchInlineDollar(text, i); ok {
			return sp, true
		}
	}

	// (e) \( ... \) inline math
	if strings.HasPrefix(rest, `\(`) {
		if close := strings.Index(rest[2:], `\)`); close >= 0 {
			return span{
				start: i,
				end:   i + 2 + close + 2,
				kind:  KindInline,
				raw:   rest[2 : 2+close],
			}, true
		}
	}

	return span{}, false
}

// matchInlineDollar matches $...$ where the content is non-empty, stays on
// one line and does not look like a currency amount. A currency-looking pair
// is claimed as a literal span so its closing dollar cannot open a new match.
func matchInlineDollar(text string, i int) (span, bool) {
	line := text[i+1:]
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	close := strings.IndexByte(line, '$')
	if close <= 0 {
		return span{}, false
	}

	content := line[:close]
	sp := span{start: i, end: i + 1 + close + 1, kind: KindInline, raw: content}

	// Currency guard: "$5" and "$ 5" are prices, not math.
	trimmed := strings.TrimLeft(content, " \t")
	if trimmed != "" && trimmed[0] >= '0' && trimmed[0] <= '9' {
		sp.literal = true
	}
	return sp, true
}

// =============================================================================
// PROTECT
// =============================================================================

// Protect extracts math and diagram blocks from text, replacing each with an
// opaque placeholder token the Markdown parser will pass through untouched.
// Blocks are returned in extraction order; tokens encode the sequence index
// and kind. Protect keeps no state between calls.
func Protect(text string) (string, []Block) {
	spans := lex(text)
	if len(spans) == 0 {
		return text, nil
	}

	var (
		masked strings.Builder
		blocks []Block
		pos    int
	)
	for _, sp := range spans {
		masked.WriteString(text[pos:sp.start])
		if sp.literal {
			masked.WriteString(text[sp.start:sp.end])
		} else {
			token := placeholderToken(sp.kind, len(blocks))
			blocks = append(blocks, Block{Kind: sp.kind, Raw: sp.raw, Token: token})
			masked.WriteString(token)
		}
		pos = sp.end
	}
	masked.WriteString(text[pos:])

	return masked.String(), blocks
}

func placeholderToken(kind Kind, index int) string {
	return fmt.Sprintf("%%%%QUILL_%s_%d%%%%", kind, index)
}

// =============================================================================
// RESTORE
// =============================================================================

// Codec restores protected blocks into Markdown-rendered HTML. Math blocks
// are typeset inline by the configured engine; diagram blocks become pending
// containers consumed later by the asynchronous diagram pass.
type Codec struct {
	Math MathRenderer
}

var emptyParagraphRe = regexp.MustCompile(`<p>\s*</p>`)

// Restore replaces every placeholder in html with its rendered fragment and
// strips the empty paragraph wrappers left behind by block-level extraction.
func (c *Codec) Restore(htmlIn string, blocks []Block) string {
	out := htmlIn
	for _, b := range blocks {
		var repl string
		switch b.Kind {
		case KindDiagram:
			repl = pendingDiagramContainer(b.Raw)
		case KindDisplay:
			repl = c.renderMath(b.Raw, true)
		case KindInline:
			repl = c.renderMath(b.Raw, false)
		}
		out = strings.Replace(out, b.Token, repl, 1)
	}
	return emptyParagraphRe.ReplaceAllString(out, "")
}

// renderMath typesets one math block. Engine failure falls back to the
// literal delimited source (entity-escaped, never raw) instead of failing
// the whole render.
func (c *Codec) renderMath(raw string, display bool) string {
	// The source may have travelled through earlier HTML cycles; decode
	// entities so the engine sees real < > & characters.
	decoded := html.UnescapeString(raw)

	rendered, err := c.Math.Render(decoded, display)
	if err != nil {
		if display {
			return "$$" + html.EscapeString(raw) + "$$"
		}
		return "$" + html.EscapeString(raw) + "$"
	}

	if display {
		// Break out of the enclosing paragraph; the leftover empty <p>
		// pairs are removed by the cleanup pass.
		return `</p><div class="math-display-block">` + rendered + `</div><p>`
	}
	return rendered
}

// pendingDiagramContainer builds the deferred container for one diagram:
// a unique id, the entity-escaped source and a pending indicator.
func pendingDiagramContainer(src string) string {
	id := "diagram-" + uuid.NewString()[:8]
	return `</p><div class="diagram-container" data-diagram-id="` + id +
		`" data-state="pending"><div class="diagram-source" style="display:none;">` +
		html.EscapeString(src) +
		`</div><div class="diagram-loading">Rendering diagram...</div></div><p>`
}
