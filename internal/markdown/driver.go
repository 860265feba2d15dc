// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package markdown

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// =============================================================================
// RENDERER
// =============================================================================

// Renderer converts model text to sanitized HTML. The pipeline is fixed:
// protect math/diagram spans, convert Markdown, sanitize, highlight code
// blocks, restore the protected spans. One Renderer serves any number of
// targets; per-message state lives on the Target.
type Renderer struct {
	md      goldmark.Markdown
	policy  *bluemonday.Policy
	hl      *highlighter
	codec   *Codec
	diagram DiagramRenderer
}

// Options configures a Renderer. Zero values select client-side math and
// diagram delegation and the default highlight style.
type Options struct {
	Math           MathRenderer
	Diagram        DiagramRenderer
	HighlightStyle string
}

// NewRenderer builds the shared pipeline. The sanitizer runs after Markdown
// conversion, so raw HTML in the source is allowed through goldmark and
// filtered by policy instead of being escaped twice.
func NewRenderer(opts Options) *Renderer {
	if opts.Math == nil {
		opts.Math = ClientMath{}
	}
	if opts.Diagram == nil {
		opts.Diagram = ClientDiagram{}
	}
	if opts.HighlightStyle == "" {
		opts.HighlightStyle = "github"
	}

	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			extension.Typographer,
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
			html.WithUnsafe(),
		),
	)

	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("class").Matching(regexp.MustCompile(`^language-[a-zA-Z0-9+#._-]*$`)).OnElements("code")

	return &Renderer{
		md:      md,
		policy:  policy,
		hl:      newHighlighter(opts.HighlightStyle),
		codec:   &Codec{Math: opts.Math},
		diagram: opts.Diagram,
	}
}

// render runs the synchronous part of the pipeline. hlCache may be nil to
// force fresh highlighting.
func (r *Renderer) render(text string, hlCache map[string]string) (string, error) {
	masked, blocks := Protect(text)

	var buf strings.Builder
	if err := r.md.Convert([]byte(masked), &buf); err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}

	out := r.policy.Sanitize(buf.String())
	out = r.hl.apply(out, hlCache)
	out = r.codec.Restore(out, blocks)
	return out, nil
}

// RenderStreaming renders an in-flight message onto t. Diagram containers
// stay pending; the expensive diagram pass is deferred until the message is
// complete. Calls for the same target must come from a single goroutine.
func (r *Renderer) RenderStreaming(t *Target, text string) error {
	out, err := r.render(text, t.hlCache)
	if err != nil {
		return err
	}
	t.set(out)
	return nil
}

// RenderFull renders a complete message onto t and kicks off the diagram
// pass in the background. Highlighting is recomputed rather than reusing
// streaming-era cache entries.
func (r *Renderer) RenderFull(t *Target, text string) error {
	out, err := r.render(text, nil)
	if err != nil {
		return err
	}
	t.set(out)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		r.DiagramPass(t)
	}()
	return nil
}

// Finalize waits for background diagram work and runs one synchronous
// diagram pass, so the target's HTML is fully settled when it returns.
func (r *Renderer) Finalize(t *Target) {
	t.Wait()
	r.DiagramPass(t)
}
