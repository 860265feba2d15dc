// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package markdown

import (
	"html"
)

// =============================================================================
// ENGINE INTERFACES
// =============================================================================

// MathRenderer typesets a single math expression into an HTML fragment.
// display selects block layout; otherwise the result flows inline.
type MathRenderer interface {
	Render(src string, display bool) (string, error)
}

// DiagramRenderer turns diagram source into a rendered HTML fragment,
// typically SVG. Rendering may be slow; callers run it off the hot path.
type DiagramRenderer interface {
	Render(src string) (string, error)
}

// =============================================================================
// CLIENT-SIDE DELEGATES
// =============================================================================

// ClientMath defers typesetting to the browser. It emits a span or div the
// page's math library hydrates on load; the expression travels as escaped
// text so markup in the source cannot leak into the document.
type ClientMath struct{}

func (ClientMath) Render(src string, display bool) (string, error) {
	esc := html.EscapeString(src)
	if display {
		return `<span class="math-display" data-math-display="true">` + esc + `</span>`, nil
	}
	return `<span class="math-inline">` + esc + `</span>`, nil
}

// ClientDiagram defers diagram rendering to the browser. The source is
// emitted escaped inside a class the page's diagram library picks up.
type ClientDiagram struct{}

func (ClientDiagram) Render(src string) (string, error) {
	return `<div class="mermaid">` + html.EscapeString(src) + `</div>`, nil
}
