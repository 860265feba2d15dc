// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package markdown

import (
	"sync"
)

// =============================================================================
// RENDER TARGET
// =============================================================================

// Target is the render surface for one message. It owns the current HTML,
// the per-target caches and the in-flight diagram work. A Target is safe for
// concurrent use; the diagram pass runs on background goroutines while
// streaming updates keep landing.
type Target struct {
	mu       sync.Mutex
	html     string
	sink     func(html string)
	hlCache  map[string]string
	diagrams map[string]string
	wg       sync.WaitGroup
}

// NewTarget creates a render target. sink is invoked, outside the lock,
// every time the target's HTML changes; pass nil to poll with HTML instead.
func NewTarget(sink func(html string)) *Target {
	return &Target{
		sink:     sink,
		hlCache:  make(map[string]string),
		diagrams: make(map[string]string),
	}
}

// HTML returns the most recently published HTML.
func (t *Target) HTML() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.html
}

// set publishes new HTML unconditionally.
func (t *Target) set(html string) {
	t.mu.Lock()
	t.html = html
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink(html)
	}
}

// swap publishes next only if the current HTML is still prev. The diagram
// pass uses this so a streaming update that landed mid-pass wins; the pass
// reports whether it took effect.
func (t *Target) swap(prev, next string) bool {
	t.mu.Lock()
	if t.html != prev {
		t.mu.Unlock()
		return false
	}
	t.html = next
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink(next)
	}
	return true
}

// Wait blocks until all background diagram work spawned for this target has
// finished.
func (t *Target) Wait() {
	t.wg.Wait()
}

// cachedDiagram returns the cached rendered fragment for a diagram source.
func (t *Target) cachedDiagram(src string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out, ok := t.diagrams[src]
	return out, ok
}

func (t *Target) storeDiagram(src, rendered string) {
	t.mu.Lock()
	t.diagrams[src] = rendered
	t.mu.Unlock()
}
