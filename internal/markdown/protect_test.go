// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package markdown

import (
	"errors"
	"strings"
	"testing"
)

func TestProtectInlineDollar(t *testing.T) {
	masked, blocks := Protect("the identity $e^{i\\pi}=-1$ holds")
	if len(blocks) != 1 {
		t.Fatalf("blocks = %d, want 1", len(blocks))
	}
	if blocks[0].Kind != KindInline {
		t.Errorf("kind = %s, want %s", blocks[0].Kind, KindInline)
	}
	if blocks[0].Raw != "e^{i\\pi}=-1" {
		t.Errorf("raw = %q", blocks[0].Raw)
	}
	if strings.Contains(masked, "$") {
		t.Errorf("masked still contains dollar: %q", masked)
	}
	if !strings.Contains(masked, blocks[0].Token) {
		t.Errorf("masked missing token: %q", masked)
	}
}

func TestProtectCurrencyGuard(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"plain amount", "it costs $5 today$ sure"},
		{"space then digit", "pay $ 20 now$ thanks"},
		{"two amounts", "between $5 and $10 total"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			masked, blocks := Protect(tt.in)
			if len(blocks) != 0 {
				t.Fatalf("blocks = %d, want 0 (got %+v)", len(blocks), blocks)
			}
			if masked != tt.in {
				t.Errorf("masked = %q, want input unchanged", masked)
			}
		})
	}
}

// A currency-guarded pair must be consumed whole: its closing dollar cannot
// pair with a later one to produce a bogus math span.
func TestProtectCurrencyClosingDollarConsumed(t *testing.T) {
	masked, blocks := Protect("price is $5 or so$ but $x+y$ is math")
	if len(blocks) != 1 {
		t.Fatalf("blocks = %d, want 1 (got %+v)", len(blocks), blocks)
	}
	if blocks[0].Raw != "x+y" {
		t.Errorf("raw = %q, want x+y", blocks[0].Raw)
	}
	if !strings.Contains(masked, "$5 or so$") {
		t.Errorf("currency span altered: %q", masked)
	}
}

func TestProtectInlineDollarSingleLineOnly(t *testing.T) {
	in := "open $a + b\nand c$ never closes"
	masked, blocks := Protect(in)
	if len(blocks) != 0 {
		t.Fatalf("blocks = %d, want 0", len(blocks))
	}
	if masked != in {
		t.Errorf("masked = %q", masked)
	}
}

func TestProtectDisplayMath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		raw  string
	}{
		{"double dollar", "before $$\\int_0^1 x\\,dx$$ after", "\\int_0^1 x\\,dx"},
		{"bracket", `before \[\sum_k k\] after`, `\sum_k k`},
		{"multiline", "a $$x\n= y$$ b", "x\n= y"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, blocks := Protect(tt.in)
			if len(blocks) != 1 {
				t.Fatalf("blocks = %d, want 1", len(blocks))
			}
			if blocks[0].Kind != KindDisplay {
				t.Errorf("kind = %s", blocks[0].Kind)
			}
			if blocks[0].Raw != tt.raw {
				t.Errorf("raw = %q, want %q", blocks[0].Raw, tt.raw)
			}
		})
	}
}

func TestProtectParenInline(t *testing.T) {
	_, blocks := Protect(`value \(2^{10}\) here`)
	if len(blocks) != 1 || blocks[0].Kind != KindInline {
		t.Fatalf("blocks = %+v", blocks)
	}
	if blocks[0].Raw != "2^{10}" {
		t.Errorf("raw = %q", blocks[0].Raw)
	}
}

func TestProtectDiagramFence(t *testing.T) {
	in := "see:\n```mermaid\ngraph TD\n  A --> B\n```\ndone"
	masked, blocks := Protect(in)
	if len(blocks) != 1 {
		t.Fatalf("blocks = %d, want 1", len(blocks))
	}
	if blocks[0].Kind != KindDiagram {
		t.Errorf("kind = %s", blocks[0].Kind)
	}
	if blocks[0].Raw != "graph TD\n  A --> B" {
		t.Errorf("raw = %q", blocks[0].Raw)
	}
	if strings.Contains(masked, "mermaid") {
		t.Errorf("fence leaked into masked text: %q", masked)
	}
}

// Dollars inside a diagram fence belong to the diagram, not to math.
func TestProtectFencePriority(t *testing.T) {
	in := "```mermaid\ngraph LR\n  A[$5] --> B[$9]\n```"
	_, blocks := Protect(in)
	if len(blocks) != 1 {
		t.Fatalf("blocks = %d, want 1 (got %+v)", len(blocks), blocks)
	}
	if blocks[0].Kind != KindDiagram {
		t.Errorf("kind = %s", blocks[0].Kind)
	}
}

func TestProtectUnclosedFenceIgnored(t *testing.T) {
	in := "```mermaid\ngraph TD\nnever closed"
	masked, blocks := Protect(in)
	if len(blocks) != 0 {
		t.Fatalf("blocks = %d, want 0", len(blocks))
	}
	if masked != in {
		t.Errorf("masked = %q", masked)
	}
}

func TestProtectTokenOrdering(t *testing.T) {
	_, blocks := Protect("$a$ then $$b$$ then\n```mermaid\nc\n```")
	if len(blocks) != 3 {
		t.Fatalf("blocks = %d, want 3", len(blocks))
	}
	want := []string{"%%QUILL_INLINE_0%%", "%%QUILL_DISPLAY_1%%", "%%QUILL_DIAGRAM_2%%"}
	for i, b := range blocks {
		if b.Token != want[i] {
			t.Errorf("token[%d] = %q, want %q", i, b.Token, want[i])
		}
	}
}

// -----------------------------------------------------------------------------
// Restore
// -----------------------------------------------------------------------------

type failMath struct{}

func (failMath) Render(string, bool) (string, error) {
	return "", errors.New("render failed")
}

func TestRestoreInlineMath(t *testing.T) {
	c := &Codec{Math: ClientMath{}}
	masked, blocks := Protect("so $x<y$ holds")
	out := c.Restore("<p>"+masked+"</p>", blocks)
	if !strings.Contains(out, `<span class="math-inline">x&lt;y</span>`) {
		t.Errorf("out = %q", out)
	}
	if strings.Contains(out, "%%QUILL") {
		t.Errorf("token left behind: %q", out)
	}
}

func TestRestoreFallbackOnEngineError(t *testing.T) {
	c := &Codec{Math: failMath{}}
	masked, blocks := Protect("so $x<y$ holds")
	out := c.Restore("<p>"+masked+"</p>", blocks)
	if !strings.Contains(out, "$x&lt;y$") {
		t.Errorf("fallback missing: %q", out)
	}
}

func TestRestoreDiagramContainer(t *testing.T) {
	c := &Codec{Math: ClientMath{}}
	masked, blocks := Protect("```mermaid\ngraph TD\n  A --> B\n```")
	out := c.Restore("<p>"+masked+"</p>", blocks)

	if !strings.Contains(out, `data-state="pending"`) {
		t.Errorf("no pending container: %q", out)
	}
	if !strings.Contains(out, "A --&gt; B") {
		t.Errorf("source not escaped into container: %q", out)
	}
	// Block-level restore breaks out of the paragraph; the empty shells
	// must be cleaned up.
	if strings.Contains(out, "<p></p>") {
		t.Errorf("empty paragraph left behind: %q", out)
	}
}

func TestRestoreStripsWhitespaceParagraphs(t *testing.T) {
	c := &Codec{Math: ClientMath{}}
	out := c.Restore("<p>  \n </p><p>keep</p>", nil)
	if out != "<p>keep</p>" {
		t.Errorf("out = %q", out)
	}
}
