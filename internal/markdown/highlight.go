// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package markdown

import (
	"html"
	"regexp"
	"strings"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// =============================================================================
// CODE BLOCK HIGHLIGHTING
// =============================================================================

// codeBlockRe matches the <pre><code> blocks goldmark emits for fenced code.
// The optional class carries the fence's info string.
var codeBlockRe = regexp.MustCompile(`(?s)<pre><code(?: class="language-([^"]*)")?>(.*?)</code></pre>`)

// highlighter runs server-side syntax highlighting over rendered HTML.
// Results are cached per (language, source) pair; during streaming the same
// prefix blocks re-render every frame and the cache keeps that cheap.
type highlighter struct {
	style     *chroma.Style
	formatter *chromahtml.Formatter
}

func newHighlighter(styleName string) *highlighter {
	style := styles.Get(styleName)
	if style == nil {
		style = styles.Fallback
	}
	return &highlighter{
		style: style,
		formatter: chromahtml.New(
			chromahtml.WithClasses(false),
			chromahtml.TabWidth(4),
		),
	}
}

// cacheKey builds the highlight cache key. NUL cannot appear in an info
// string, so it makes an unambiguous separator.
func cacheKey(lang, code string) string {
	return lang + "\x00" + code
}

// apply rewrites every code block in htmlIn with highlighted markup.
// cache maps cacheKey results across calls; pass nil to disable caching.
func (h *highlighter) apply(htmlIn string, cache map[string]string) string {
	return codeBlockRe.ReplaceAllStringFunc(htmlIn, func(m string) string {
		sub := codeBlockRe.FindStringSubmatch(m)
		lang := sub[1]
		code := html.UnescapeString(sub[2])

		key := cacheKey(lang, code)
		if cache != nil {
			if out, ok := cache[key]; ok {
				return out
			}
		}

		out := h.render(lang, code)
		if cache != nil {
			cache[key] = out
		}
		return out
	})
}

// render highlights one block. Any failure falls back to the original
// escaped block so a bad lexer never breaks the page.
func (h *highlighter) render(lang, code string) string {
	lexer := lexers.Get(lang)
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	it, err := lexer.Tokenise(nil, code)
	if err != nil {
		return plainCodeBlock(lang, code)
	}

	var buf strings.Builder
	if err := h.formatter.Format(&buf, h.style, it); err != nil {
		return plainCodeBlock(lang, code)
	}

	label := lang
	if label == "" {
		label = "text"
	}
	return `<div class="code-block" data-language="` + html.EscapeString(label) + `">` +
		buf.String() + `</div>`
}

func plainCodeBlock(lang, code string) string {
	cls := ""
	if lang != "" {
		cls = ` class="language-` + html.EscapeString(lang) + `"`
	}
	return "<pre><code" + cls + ">" + html.EscapeString(code) + "</code></pre>"
}
