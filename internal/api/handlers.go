package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"chatrelay/internal/proxy"
	"chatrelay/internal/storage"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

type conversationResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type messageResponse struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Truncated bool      `json:"truncated"`
	CreatedAt time.Time `json:"created_at"`
}

type chatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
	Model          string `json:"model,omitempty"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed json body")
		return
	}

	token, user, err := s.auth.Signup(r.Context(), req.Username, req.Password)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, authResponse{UserID: user.ID, Username: user.Username, Token: token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed json body")
		return
	}

	token, user, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, authResponse{UserID: user.ID, Username: user.Username, Token: token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Logout(r.Context(), bearerToken(r)); err != nil {
		respondMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	conversations, err := s.store.ListConversations(r.Context(), user.ID)
	if err != nil {
		respondMappedError(w, err)
		return
	}

	out := make([]conversationResponse, 0, len(conversations))
	for _, c := range conversations {
		out = append(out, conversationResponse{ID: c.ID, Title: c.Title, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.ownedConversation(r)
	if err != nil {
		respondMappedError(w, err)
		return
	}

	messages, err := s.store.ListMessages(r.Context(), conv.ID)
	if err != nil {
		respondMappedError(w, err)
		return
	}

	msgs := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, messageResponse{ID: m.ID, Role: m.Role, Content: m.Content, Truncated: m.Truncated, CreatedAt: m.CreatedAt})
	}
	respondJSON(w, http.StatusOK, struct {
		conversationResponse
		Messages []messageResponse `json:"messages"`
	}{
		conversationResponse{ID: conv.ID, Title: conv.Title, CreatedAt: conv.CreatedAt, UpdatedAt: conv.UpdatedAt},
		msgs,
	})
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.ownedConversation(r)
	if err != nil {
		respondMappedError(w, err)
		return
	}

	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		respondError(w, http.StatusBadRequest, "title is required")
		return
	}

	if err := s.store.UpdateConversationTitle(r.Context(), requestUser(r).ID, conv.ID, strings.TrimSpace(req.Title)); err != nil {
		respondMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.ownedConversation(r)
	if err != nil {
		respondMappedError(w, err)
		return
	}

	if err := s.store.DeleteConversation(r.Context(), requestUser(r).ID, conv.ID); err != nil {
		respondMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed json body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}

	allowed, _, resetAt, err := s.limiter.Allow(r.Context(), user.ID, time.Now())
	if err != nil {
		respondMappedError(w, err)
		return
	}
	if !allowed {
		w.Header().Set("Retry-After", resetAt.UTC().Format(http.TimeFormat))
		respondError(w, http.StatusTooManyRequests, "chat rate limit exceeded")
		return
	}

	sink, err := newSSESink(w)
	if err != nil {
		respondMappedError(w, err)
		return
	}

	turn := proxy.TurnRequest{
		ConversationID: req.ConversationID,
		Message:        req.Message,
		Model:          req.Model,
	}
	if err := s.proxy.StreamTurn(r.Context(), user, turn, sink); err != nil {
		// Once streaming has begun the failure already reached the client
		// as an error event; only pre-stream failures get a status code.
		if !sink.started {
			respondMappedError(w, err)
			return
		}
		s.logger.Warn().Err(err).Str("user_id", user.ID).Msg("chat turn failed mid-stream")
	}
}

// ownedConversation loads the {id} conversation and enforces ownership:
// unknown id is 404, someone else's id is 403.
func (s *Server) ownedConversation(r *http.Request) (storage.Conversation, error) {
	conv, err := s.store.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return storage.Conversation{}, err
	}
	if conv.UserID != requestUser(r).ID {
		return storage.Conversation{}, proxy.ErrForbidden
	}
	return conv, nil
}
