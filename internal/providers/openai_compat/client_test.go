package openai_compat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatrelay/internal/providers"
)

func TestBuildPayload(t *testing.T) {
	body, err := buildPayload(providers.ChatRequest{
		Model: "gpt-4o-mini",
		Messages: []providers.Message{
			{Role: "system", Content: "You are concise"},
			{Role: "user", Content: "hello"},
		},
		MaxTokens:   123,
		Temperature: 0.4,
	}, true)
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["model"] != "gpt-4o-mini" {
		t.Fatalf("expected model gpt-4o-mini, got %#v", payload["model"])
	}
	if payload["stream"] != true {
		t.Fatalf("expected stream=true, got %#v", payload["stream"])
	}
	msgs, ok := payload["messages"].([]any)
	if !ok || len(msgs) != 2 {
		t.Fatalf("unexpected messages %#v", payload["messages"])
	}
}

func TestBuildPayloadEmptyMessages(t *testing.T) {
	if _, err := buildPayload(providers.ChatRequest{Model: "m"}, false); err == nil {
		t.Fatalf("expected error for empty messages")
	}
}

func TestBuildEndpointURL(t *testing.T) {
	c := New(Config{BaseURL: "https://api.example.com/v1"})
	u, err := c.buildEndpointURL()
	if err != nil {
		t.Fatalf("build endpoint url: %v", err)
	}
	if u != "https://api.example.com/v1/chat/completions" {
		t.Fatalf("unexpected endpoint %q", u)
	}

	c = New(Config{BaseURL: "https://api.example.com/v1/chat/completions"})
	u, err = c.buildEndpointURL()
	if err != nil {
		t.Fatalf("build endpoint url: %v", err)
	}
	if u != "https://api.example.com/v1/chat/completions" {
		t.Fatalf("unexpected endpoint %q", u)
	}
}

func streamChunkJSON(content string) string {
	return fmt.Sprintf(`{"choices":[{"delta":{"content":%q}}]}`, content)
}

func TestChatStreamHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected authorization header %q", got)
		}

		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request payload: %v", err)
		}
		if payload["stream"] != true {
			t.Errorf("expected stream=true in payload")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: %s\n\n", streamChunkJSON(chunk))
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1", APIKey: "test-key"})
	var got []string
	err := c.ChatStream(context.Background(), providers.ChatRequest{
		Model:    "test-model",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	}, func(text string) error {
		got = append(got, text)
		return nil
	})
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	if strings.Join(got, "|") != "Hel|lo" {
		t.Fatalf("unexpected chunks %#v", got)
	}
}

func TestChatStreamTruncatedUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", streamChunkJSON("Hel"))
		w.(http.Flusher).Flush()
		// Connection drops without a [DONE] marker.
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	var got []string
	err := c.ChatStream(context.Background(), providers.ChatRequest{
		Model:    "test-model",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	}, func(text string) error {
		got = append(got, text)
		return nil
	})
	if !errors.Is(err, providers.ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if len(got) != 1 || got[0] != "Hel" {
		t.Fatalf("expected partial chunks before failure, got %#v", got)
	}
}

func TestChatStreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	err := c.ChatStream(context.Background(), providers.ChatRequest{
		Model:    "test-model",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	}, func(string) error { return nil })
	if !errors.Is(err, providers.ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestChatNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"A short title"}}]}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{
		Model:    "test-model",
		Messages: []providers.Message{{Role: "user", Content: "title please"}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "A short title" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
}

func TestChatRetriesTemporaryStatus(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		if attempts == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 2, BackoffBase: time.Millisecond})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{
		Model:    "test-model",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "ok" || attempts != 2 {
		t.Fatalf("expected retry then success, got text=%q attempts=%d", resp.Text, attempts)
	}
}
