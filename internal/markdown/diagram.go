// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package markdown

import (
	"html"
	"regexp"
	"strings"
)

// =============================================================================
// DIAGRAM PASS
// =============================================================================

// pendingContainerRe matches diagram containers that are still waiting to be
// rendered. Containers in any other state are left alone, which makes the
// pass idempotent.
var pendingContainerRe = regexp.MustCompile(
	`(?s)<div class="diagram-container" data-diagram-id="([^"]+)" data-state="pending">` +
		`<div class="diagram-source" style="display:none;">(.*?)</div>` +
		`<div class="diagram-loading">[^<]*</div></div>`)

// errDiagramPrefix marks a cached render failure; the engine's error message
// follows the marker. It cannot collide with engine output because fragments
// are HTML.
const errDiagramPrefix = "\x00"

// DiagramPass renders every pending diagram container in t's current HTML.
// Rendered fragments are cached by source on the target, so a pass retried
// after losing a race to a streaming update costs nothing for sources it
// already rendered. The updated HTML is published only if the target has not
// changed since the pass read it.
func (r *Renderer) DiagramPass(t *Target) {
	for {
		prev := t.HTML()
		if !pendingContainerRe.MatchString(prev) {
			return
		}

		next := pendingContainerRe.ReplaceAllStringFunc(prev, func(m string) string {
			sub := pendingContainerRe.FindStringSubmatch(m)
			return r.settleContainer(t, sub[1], html.UnescapeString(sub[2]))
		})

		if t.swap(prev, next) {
			return
		}
		// A streaming update landed mid-pass; re-read and retry.
	}
}

// settleContainer produces the final markup for one diagram, consulting and
// feeding the target's source-keyed cache.
func (r *Renderer) settleContainer(t *Target, id, src string) string {
	fragment, ok := t.cachedDiagram(src)
	if !ok {
		var err error
		fragment, err = r.diagram.Render(src)
		if err != nil {
			fragment = errDiagramPrefix + err.Error()
		}
		t.storeDiagram(src, fragment)
	}

	if msg, failed := strings.CutPrefix(fragment, errDiagramPrefix); failed {
		return `<div class="diagram-container" data-diagram-id="` + id +
			`" data-state="error"><pre class="diagram-error">` +
			html.EscapeString(msg) + `</pre></div>`
	}
	return `<div class="diagram-container" data-diagram-id="` + id +
		`" data-state="done">` + fragment + `</div>`
}
