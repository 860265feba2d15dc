// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package markdown

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"
)

// countingDiagram records how many times the engine actually ran.
type countingDiagram struct {
	calls atomic.Int64
	fail  bool
}

func (d *countingDiagram) Render(src string) (string, error) {
	d.calls.Add(1)
	if d.fail {
		return "", errDiagramTest
	}
	return "<svg><!-- " + src + " --></svg>", nil
}

var errDiagramTest = errors.New("diagram engine down")

func TestRenderFullPipeline(t *testing.T) {
	r := NewRenderer(Options{})
	target := NewTarget(nil)

	text := "# Title\n\nSome **bold** text with $x^2$ math.\n\n```go\nfmt.Println(\"hi\")\n```\n"
	if err := r.RenderFull(target, text); err != nil {
		t.Fatalf("RenderFull: %v", err)
	}
	r.Finalize(target)
	out := target.HTML()

	if !strings.Contains(out, "<h1") {
		t.Errorf("heading missing: %q", out)
	}
	if !strings.Contains(out, "<strong>bold</strong>") {
		t.Errorf("bold missing: %q", out)
	}
	if !strings.Contains(out, `class="math-inline"`) {
		t.Errorf("math span missing: %q", out)
	}
	if !strings.Contains(out, `class="code-block"`) {
		t.Errorf("highlighted code block missing: %q", out)
	}
	if strings.Contains(out, "%%QUILL") {
		t.Errorf("placeholder leaked: %q", out)
	}
}

func TestRenderSanitizesScript(t *testing.T) {
	r := NewRenderer(Options{})
	target := NewTarget(nil)

	if err := r.RenderStreaming(target, "hi <script>alert(1)</script> there"); err != nil {
		t.Fatalf("RenderStreaming: %v", err)
	}
	out := target.HTML()
	if strings.Contains(out, "<script") {
		t.Errorf("script tag survived: %q", out)
	}
	if !strings.Contains(out, "hi") || !strings.Contains(out, "there") {
		t.Errorf("surrounding text lost: %q", out)
	}
}

func TestRenderStreamingKeepsDiagramPending(t *testing.T) {
	eng := &countingDiagram{}
	r := NewRenderer(Options{Diagram: eng})
	target := NewTarget(nil)

	text := "```mermaid\ngraph TD\n  A --> B\n```"
	if err := r.RenderStreaming(target, text); err != nil {
		t.Fatalf("RenderStreaming: %v", err)
	}

	if got := eng.calls.Load(); got != 0 {
		t.Errorf("engine ran %d times during streaming, want 0", got)
	}
	if !strings.Contains(target.HTML(), `data-state="pending"`) {
		t.Errorf("no pending container: %q", target.HTML())
	}
}

func TestFinalizeSettlesDiagrams(t *testing.T) {
	eng := &countingDiagram{}
	r := NewRenderer(Options{Diagram: eng})
	target := NewTarget(nil)

	text := "```mermaid\ngraph TD\n  A --> B\n```"
	if err := r.RenderFull(target, text); err != nil {
		t.Fatalf("RenderFull: %v", err)
	}
	r.Finalize(target)

	out := target.HTML()
	if strings.Contains(out, `data-state="pending"`) {
		t.Errorf("pending container after finalize: %q", out)
	}
	if !strings.Contains(out, `data-state="done"`) {
		t.Errorf("no settled container: %q", out)
	}
	if !strings.Contains(out, "<svg>") {
		t.Errorf("rendered fragment missing: %q", out)
	}
}

// Two containers with identical source share one engine run.
func TestDiagramPassCachesBySource(t *testing.T) {
	eng := &countingDiagram{}
	r := NewRenderer(Options{Diagram: eng})
	target := NewTarget(nil)

	text := "```mermaid\ngraph TD\n```\n\nagain:\n\n```mermaid\ngraph TD\n```"
	if err := r.RenderFull(target, text); err != nil {
		t.Fatalf("RenderFull: %v", err)
	}
	r.Finalize(target)

	if got := eng.calls.Load(); got != 1 {
		t.Errorf("engine ran %d times, want 1", got)
	}
	if n := strings.Count(target.HTML(), `data-state="done"`); n != 2 {
		t.Errorf("settled containers = %d, want 2", n)
	}
}

func TestDiagramPassEngineFailure(t *testing.T) {
	eng := &countingDiagram{fail: true}
	r := NewRenderer(Options{Diagram: eng})
	target := NewTarget(nil)

	if err := r.RenderFull(target, "```mermaid\nbroken\n```"); err != nil {
		t.Fatalf("RenderFull: %v", err)
	}
	r.Finalize(target)

	out := target.HTML()
	if !strings.Contains(out, `data-state="error"`) {
		t.Errorf("no error container: %q", out)
	}
	if !strings.Contains(out, "diagram engine down") {
		t.Errorf("engine error message not shown: %q", out)
	}
}

// The error message is escaped like any other engine output.
func TestDiagramPassEngineFailureEscapesMessage(t *testing.T) {
	eng := &htmlErrDiagram{}
	r := NewRenderer(Options{Diagram: eng})
	target := NewTarget(nil)

	if err := r.RenderFull(target, "```mermaid\nbroken\n```"); err != nil {
		t.Fatalf("RenderFull: %v", err)
	}
	r.Finalize(target)

	out := target.HTML()
	if strings.Contains(out, "<b>") {
		t.Errorf("error message not escaped: %q", out)
	}
	if !strings.Contains(out, "&lt;b&gt;") {
		t.Errorf("escaped message missing: %q", out)
	}
}

type htmlErrDiagram struct{}

func (htmlErrDiagram) Render(string) (string, error) {
	return "", errors.New("parse error near <b>")
}

// A pass that loses the publish race must retry against the newer HTML.
func TestDiagramPassRetryAfterConcurrentUpdate(t *testing.T) {
	eng := &countingDiagram{}
	r := NewRenderer(Options{Diagram: eng})
	target := NewTarget(nil)

	if err := r.RenderStreaming(target, "```mermaid\ngraph TD\n```"); err != nil {
		t.Fatalf("RenderStreaming: %v", err)
	}
	// Simulate a streaming frame landing between read and publish: the
	// final text carries the same diagram plus more prose.
	r.DiagramPass(target)
	if err := r.RenderStreaming(target, "```mermaid\ngraph TD\n```\n\nmore prose"); err != nil {
		t.Fatalf("RenderStreaming: %v", err)
	}
	r.DiagramPass(target)

	out := target.HTML()
	if strings.Contains(out, `data-state="pending"`) {
		t.Errorf("pending container survived: %q", out)
	}
	if got := eng.calls.Load(); got != 1 {
		t.Errorf("engine ran %d times, want 1 (cache by source)", got)
	}
}

func TestTargetSinkReceivesUpdates(t *testing.T) {
	var frames []string
	r := NewRenderer(Options{})
	target := NewTarget(func(html string) { frames = append(frames, html) })

	if err := r.RenderStreaming(target, "one"); err != nil {
		t.Fatalf("RenderStreaming: %v", err)
	}
	if err := r.RenderStreaming(target, "one two"); err != nil {
		t.Fatalf("RenderStreaming: %v", err)
	}

	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if !strings.Contains(frames[1], "one two") {
		t.Errorf("last frame = %q", frames[1])
	}
}

// The streaming highlight cache must hand back identical markup for a
// repeated prefix block without recomputing.
func TestStreamingHighlightCache(t *testing.T) {
	r := NewRenderer(Options{})
	target := NewTarget(nil)

	code := "```python\nprint('hi')\n```"
	if err := r.RenderStreaming(target, code); err != nil {
		t.Fatalf("RenderStreaming: %v", err)
	}
	first := target.HTML()
	if err := r.RenderStreaming(target, code+"\n\nmore text"); err != nil {
		t.Fatalf("RenderStreaming: %v", err)
	}
	second := target.HTML()

	blockStart := strings.Index(first, `class="code-block"`)
	if blockStart < 0 {
		t.Fatalf("no code block in first frame: %q", first)
	}
	if !strings.Contains(second, first[blockStart:blockStart+40]) {
		t.Errorf("cached block markup diverged between frames")
	}
}
