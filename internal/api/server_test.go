package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/auth"
	"chatrelay/internal/providers"
	"chatrelay/internal/proxy"
	"chatrelay/internal/storage"
)

type fakeProvider struct {
	chunks    []string
	streamErr error
}

func (f *fakeProvider) Chat(_ context.Context, _ providers.ChatRequest) (providers.ChatResponse, error) {
	return providers.ChatResponse{Text: "title"}, nil
}

func (f *fakeProvider) ChatStream(_ context.Context, _ providers.ChatRequest, onChunk func(string) error) error {
	for _, c := range f.chunks {
		if err := onChunk(c); err != nil {
			return err
		}
	}
	return f.streamErr
}

func newTestServer(t *testing.T, provider providers.Provider) (*httptest.Server, *storage.Store) {
	t.Helper()
	store, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "test.db"), true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	authSvc := auth.NewService(auth.Config{Store: store, TokenTTL: time.Hour})
	proxySvc := proxy.NewService(proxy.Config{
		Store:        store,
		Provider:     provider,
		DefaultModel: "test-model",
		Logger:       zerolog.Nop(),
	})
	server := NewServer(Config{
		Store:  store,
		Auth:   authSvc,
		Proxy:  proxySvc,
		Logger: zerolog.Nop(),
	})

	ts := httptest.NewServer(server.Router(nil))
	t.Cleanup(ts.Close)
	return ts, store
}

func doJSON(t *testing.T, method, url, token string, payload any) *http.Response {
	t.Helper()
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func signupUser(t *testing.T, ts *httptest.Server, name string) (token, userID string) {
	t.Helper()
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/auth/signup", "", map[string]string{
		"username": name,
		"password": "pw-" + name,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup %s: status %d", name, resp.StatusCode)
	}
	var body struct {
		UserID string `json:"user_id"`
		Token  string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode signup response: %v", err)
	}
	return body.Token, body.UserID
}

func TestSignupLoginLogout(t *testing.T) {
	ts, _ := newTestServer(t, &fakeProvider{})

	token, _ := signupUser(t, ts, "alice")

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/auth/signup", "", map[string]string{
		"username": "alice", "password": "x",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate signup: status %d, want 409", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/auth/signup", "", map[string]string{
		"username": "", "password": "",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty signup: status %d, want 400", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/auth/login", "", map[string]string{
		"username": "alice", "password": "pw-alice",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: status %d, want 200", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/auth/login", "", map[string]string{
		"username": "alice", "password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login: status %d, want 401", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/auth/logout", token, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout: status %d, want 204", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/conversations", token, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("after logout: status %d, want 401", resp.StatusCode)
	}
}

func TestConversationScoping(t *testing.T) {
	ts, store := newTestServer(t, &fakeProvider{})
	ctx := context.Background()

	tokenA, userA := signupUser(t, ts, "usera")
	tokenB, userB := signupUser(t, ts, "userb")

	convA, err := store.CreateConversation(ctx, userA, "a's chat")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := store.CreateConversation(ctx, userB, "b's chat"); err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/conversations", tokenA, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
	var listed []struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != convA.ID {
		t.Fatalf("listing leaked foreign conversations: %#v", listed)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/conversations/"+convA.ID, tokenB, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign get: status %d, want 403", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/conversations/nope", tokenA, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing get: status %d, want 404", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPatch, ts.URL+"/api/v1/conversations/"+convA.ID, tokenA, map[string]string{"title": "renamed"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("patch: status %d, want 204", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/conversations/"+convA.ID, tokenB, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign delete: status %d, want 403", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/conversations/"+convA.ID, tokenA, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status %d, want 204", resp.StatusCode)
	}
}

func readStreamEvents(t *testing.T, body io.Reader) []streamEvent {
	t.Helper()
	raw, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read stream body: %v", err)
	}

	var events []streamEvent
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &ev); err != nil {
			t.Fatalf("decode stream event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestChatStreamEndpoint(t *testing.T) {
	ts, store := newTestServer(t, &fakeProvider{chunks: []string{"Hel", "lo"}})

	token, _ := signupUser(t, ts, "chatter")

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/chat", token, map[string]string{"message": "say hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat: status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := readStreamEvents(t, resp.Body)
	if len(events) != 4 {
		t.Fatalf("expected start+2 deltas+done, got %#v", events)
	}
	if events[0].Event != "start" || events[0].ConversationID == "" {
		t.Fatalf("unexpected first event %#v", events[0])
	}
	if events[1].Content != "Hel" || events[2].Content != "lo" {
		t.Fatalf("unexpected deltas %#v", events[1:3])
	}
	if events[3].Event != "done" {
		t.Fatalf("unexpected final event %#v", events[3])
	}

	msgs, err := store.ListMessages(context.Background(), events[0].ConversationID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Content != "Hello" {
		t.Fatalf("expected persisted assistant reply, got %#v", msgs)
	}
}

func TestChatStreamUpstreamFailure(t *testing.T) {
	ts, store := newTestServer(t, &fakeProvider{
		chunks:    []string{"Hel"},
		streamErr: fmt.Errorf("%w: reset", providers.ErrUpstream),
	})

	token, _ := signupUser(t, ts, "unlucky")

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/chat", token, map[string]string{"message": "hello?"})
	events := readStreamEvents(t, resp.Body)
	if len(events) == 0 {
		t.Fatalf("expected stream events")
	}
	last := events[len(events)-1]
	if last.Event != "error" || last.Error == "" {
		t.Fatalf("expected trailing error event, got %#v", last)
	}
	for _, ev := range events {
		if ev.Event == "done" {
			t.Fatalf("failed stream must not emit done: %#v", events)
		}
	}

	msgs, err := store.ListMessages(context.Background(), events[0].ConversationID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Content != "Hel" || !msgs[1].Truncated {
		t.Fatalf("expected truncated partial persisted, got %#v", msgs)
	}
}

func TestChatValidation(t *testing.T) {
	ts, _ := newTestServer(t, &fakeProvider{})
	token, _ := signupUser(t, ts, "strict")

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/chat", token, map[string]string{"message": "  "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank message: status %d, want 400", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/chat", "", map[string]string{"message": "hi"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: status %d, want 401", resp.StatusCode)
	}
}

func TestChatForbiddenConversation(t *testing.T) {
	ts, store := newTestServer(t, &fakeProvider{chunks: []string{"x"}})

	_, ownerID := signupUser(t, ts, "owner")
	intruderToken, _ := signupUser(t, ts, "intruder")

	conv, err := store.CreateConversation(context.Background(), ownerID, "private")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/chat", intruderToken, map[string]string{
		"conversation_id": conv.ID,
		"message":         "let me in",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign chat: status %d, want 403", resp.StatusCode)
	}
}
