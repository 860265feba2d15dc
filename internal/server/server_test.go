// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/jeranaias/quill/internal/api"
	"github.com/jeranaias/quill/internal/history"
	"github.com/jeranaias/quill/internal/markdown"
	"github.com/jeranaias/quill/internal/model"
	"github.com/jeranaias/quill/internal/session"
	"github.com/jeranaias/quill/internal/store"
)

type memBackend struct {
	values map[string][]byte
}

func (b *memBackend) Read(_ context.Context, key string) ([]byte, error) {
	v, ok := b.values[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (b *memBackend) Write(_ context.Context, key string, value []byte) error {
	b.values[key] = value
	return nil
}

// scriptStreamer replies with fixed chunks.
type scriptStreamer struct {
	texts []string
}

func (f *scriptStreamer) ChatStream(_ context.Context, _ []model.Message, cb api.StreamCallback) error {
	for _, t := range f.texts {
		cb(api.StreamChunk{Choices: []api.StreamChoice{{Delta: api.StreamDelta{Content: t}}}})
	}
	return nil
}

type fixture struct {
	server *httptest.Server
	store  *store.Store
}

func newFixture(t *testing.T, replies ...string) *fixture {
	t.Helper()
	logger := zap.NewNop()
	st := store.New(&memBackend{values: make(map[string][]byte)}, logger)
	renderer := markdown.NewRenderer(markdown.Options{})
	sess := session.New(&scriptStreamer{texts: replies}, nil, st, logger)
	hist := history.New(st, sess, logger)

	srv := New(Options{
		Store:         st,
		Session:       sess,
		History:       hist,
		Renderer:      renderer,
		Logger:        logger,
		ImageCacheDir: t.TempDir(),
		MaxBodyBytes:  1 << 20,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{server: ts, store: st}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func readSSE(t *testing.T, resp *http.Response) map[string][]string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}

	events := make(map[string][]string)
	for _, frame := range strings.Split(string(body), "\n\n") {
		var name, data string
		for _, line := range strings.Split(frame, "\n") {
			if strings.HasPrefix(line, "event: ") {
				name = strings.TrimPrefix(line, "event: ")
			} else if strings.HasPrefix(line, "data: ") {
				data = strings.TrimPrefix(line, "data: ")
			}
		}
		if name != "" {
			events[name] = append(events[name], data)
		}
	}
	return events
}

func TestSendStreamsRenderedReply(t *testing.T) {
	f := newFixture(t, "The answer is ", "**4**.")

	resp := postJSON(t, f.server.URL+"/api/chat/send", map[string]any{"text": "2+2="})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	events := readSSE(t, resp)

	if len(events["delta"]) != 2 {
		t.Errorf("delta frames = %d, want 2", len(events["delta"]))
	}
	if len(events["done"]) != 1 {
		t.Fatalf("done frames = %d, want 1", len(events["done"]))
	}

	var done doneFrame
	if err := json.Unmarshal([]byte(events["done"][0]), &done); err != nil {
		t.Fatalf("done frame: %v", err)
	}
	if done.ConversationID == "" {
		t.Errorf("done frame missing conversation id")
	}
	if !strings.Contains(done.HTML, "<strong>4</strong>") {
		t.Errorf("done html = %q", done.HTML)
	}

	conv, err := f.store.Get(done.ConversationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(conv.Messages))
	}
	if conv.Messages[1].Content.Plain() != "The answer is **4**." {
		t.Errorf("assistant text = %q", conv.Messages[1].Content.Plain())
	}
}

func TestSendContinuesConversation(t *testing.T) {
	f := newFixture(t, "again")

	resp := postJSON(t, f.server.URL+"/api/chat/send", map[string]any{"text": "first"})
	events := readSSE(t, resp)
	var done doneFrame
	json.Unmarshal([]byte(events["done"][0]), &done)

	resp = postJSON(t, f.server.URL+"/api/chat/send", map[string]any{
		"conversation_id": done.ConversationID,
		"text":            "second",
	})
	readSSE(t, resp)

	conv, _ := f.store.Get(done.ConversationID)
	if len(conv.Messages) != 4 {
		t.Errorf("messages = %d, want 4", len(conv.Messages))
	}
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	f := newFixture(t)
	resp := postJSON(t, f.server.URL+"/api/chat/send", map[string]any{"text": ""})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSendUnknownConversation(t *testing.T) {
	f := newFixture(t)
	resp := postJSON(t, f.server.URL+"/api/chat/send", map[string]any{
		"conversation_id": "missing", "text": "hi",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestConversationLifecycle(t *testing.T) {
	f := newFixture(t, "reply")

	resp := postJSON(t, f.server.URL+"/api/chat/send", map[string]any{"text": "hello"})
	events := readSSE(t, resp)
	var done doneFrame
	json.Unmarshal([]byte(events["done"][0]), &done)

	// List
	resp, err := http.Get(f.server.URL + "/api/conversations")
	if err != nil {
		t.Fatalf("GET list: %v", err)
	}
	var metas []conversationMeta
	json.NewDecoder(resp.Body).Decode(&metas)
	resp.Body.Close()
	if len(metas) != 1 || metas[0].ID != done.ConversationID || metas[0].MessageCount != 2 {
		t.Errorf("metas = %+v", metas)
	}

	// Get: assistant message arrives with rendered HTML.
	resp, err = http.Get(f.server.URL + "/api/conversations/" + done.ConversationID)
	if err != nil {
		t.Fatalf("GET conv: %v", err)
	}
	var conv conversationResponse
	json.NewDecoder(resp.Body).Decode(&conv)
	resp.Body.Close()
	if len(conv.Messages) != 2 {
		t.Fatalf("messages = %d", len(conv.Messages))
	}
	if conv.Messages[0].HTML != "" {
		t.Errorf("user message got HTML: %q", conv.Messages[0].HTML)
	}
	if !strings.Contains(conv.Messages[1].HTML, "reply") {
		t.Errorf("assistant html = %q", conv.Messages[1].HTML)
	}

	// Delete
	req, _ := http.NewRequest(http.MethodDelete, f.server.URL+"/api/conversations/"+done.ConversationID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	if _, err := f.store.Get(done.ConversationID); err == nil {
		t.Errorf("conversation survived delete")
	}
}

func TestRegenerateEndpoint(t *testing.T) {
	f := newFixture(t, "fresh reply")
	f.store.Upsert(context.Background(), "c1", []model.Message{
		model.NewUserMessage(model.TextContent("question")),
		model.NewAssistantMessage("stale reply"),
	})

	resp := postJSON(t, f.server.URL+"/api/chat/regenerate", map[string]any{"conversation_id": "c1"})
	events := readSSE(t, resp)
	if len(events["done"]) != 1 {
		t.Fatalf("done frames = %d (errors: %v)", len(events["done"]), events["error"])
	}

	conv, _ := f.store.Get("c1")
	if got := conv.Messages[len(conv.Messages)-1].Content.Plain(); got != "fresh reply" {
		t.Errorf("last message = %q", got)
	}
}

func TestEditEndpoint(t *testing.T) {
	f := newFixture(t, "new take")
	f.store.Upsert(context.Background(), "c1", []model.Message{
		model.NewUserMessage(model.TextContent("v1")),
		model.NewAssistantMessage("old"),
	})

	resp := postJSON(t, f.server.URL+"/api/chat/edit", map[string]any{
		"conversation_id": "c1", "index": 0, "text": "v2",
	})
	events := readSSE(t, resp)
	if len(events["done"]) != 1 {
		t.Fatalf("done frames = %d (errors: %v)", len(events["done"]), events["error"])
	}

	conv, _ := f.store.Get("c1")
	if len(conv.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(conv.Messages))
	}
	if conv.Messages[0].Content.Plain() != "v2" {
		t.Errorf("edited text = %q", conv.Messages[0].Content.Plain())
	}
}

func TestEditBadIndexStreamsError(t *testing.T) {
	f := newFixture(t)
	f.store.Upsert(context.Background(), "c1", []model.Message{
		model.NewUserMessage(model.TextContent("q")),
		model.NewAssistantMessage("a"),
	})

	resp := postJSON(t, f.server.URL+"/api/chat/edit", map[string]any{
		"conversation_id": "c1", "index": 1, "text": "x",
	})
	events := readSSE(t, resp)
	if len(events["error"]) != 1 {
		t.Errorf("error frames = %d, want 1", len(events["error"]))
	}
}

func TestStopWhenIdle(t *testing.T) {
	f := newFixture(t)
	resp := postJSON(t, f.server.URL+"/api/chat/stop", map[string]any{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

// -----------------------------------------------------------------------------
// Uploads
// -----------------------------------------------------------------------------

// pngBytes is a minimal PNG header sufficient for content sniffing.
var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func TestUploadAndServeImage(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("image", "photo.png")
	fw.Write(pngBytes)
	mw.Close()

	resp, err := http.Post(f.server.URL+"/api/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out map[string]string
	json.NewDecoder(resp.Body).Decode(&out)
	if !strings.HasPrefix(out["url"], "/images/cache/") || !strings.HasSuffix(out["url"], ".png") {
		t.Fatalf("url = %q", out["url"])
	}

	got, err := http.Get(f.server.URL + out["url"])
	if err != nil {
		t.Fatalf("GET image: %v", err)
	}
	defer got.Body.Close()
	if got.StatusCode != http.StatusOK {
		t.Errorf("image status = %d", got.StatusCode)
	}
	data, _ := io.ReadAll(got.Body)
	if !bytes.Equal(data, pngBytes) {
		t.Errorf("image bytes differ")
	}
}

func TestUploadRejectsNonImage(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("image", "notes.txt")
	fw.Write([]byte("just some text"))
	mw.Close()

	resp, err := http.Post(f.server.URL+"/api/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", resp.StatusCode)
	}
}

func TestMissingImage404(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/images/cache/nope.png")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
