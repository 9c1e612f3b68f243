package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/metrics"
	"chatrelay/internal/providers"
	"chatrelay/internal/storage"
)

var (
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
)

// Sink receives the relayed stream. The API layer backs it with an SSE
// writer; tests use a recording fake.
type Sink interface {
	Start(conversationID string) error
	Chunk(text string) error
	Done() error
	Error(msg string) error
}

type TurnRequest struct {
	ConversationID string
	Message        string
	Model          string
}

type Service struct {
	store        *storage.Store
	provider     providers.Provider
	defaultModel string
	titleTimeout time.Duration
	autoTitle    bool
	logger       zerolog.Logger
	metrics      *metrics.Metrics
}

type Config struct {
	Store        *storage.Store
	Provider     providers.Provider
	DefaultModel string
	TitleTimeout time.Duration
	AutoTitle    bool
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.TitleTimeout <= 0 {
		cfg.TitleTimeout = 15 * time.Second
	}
	return &Service{
		store:        cfg.Store,
		provider:     cfg.Provider,
		defaultModel: cfg.DefaultModel,
		titleTimeout: cfg.TitleTimeout,
		autoTitle:    cfg.AutoTitle,
		logger:       cfg.Logger,
		metrics:      m,
	}
}

// StreamTurn runs one chat turn: resolve and ownership-check the
// conversation, persist the user message, replay the transcript upstream in
// streaming mode, relay chunks to the sink, and persist the assistant reply.
// On upstream failure or client disconnect the partial reply is persisted
// with the truncated flag and the sink receives an explicit error event.
func (s *Service) StreamTurn(ctx context.Context, user storage.User, req TurnRequest, sink Sink) error {
	if strings.TrimSpace(req.Message) == "" {
		return ErrInvalidInput
	}
	s.metrics.ChatTurns.Inc()

	conv, err := s.resolveConversation(ctx, user, req.ConversationID)
	if err != nil {
		return err
	}

	// The user's turn is durable before any upstream call, so it survives
	// upstream failure.
	if _, err := s.store.AppendMessage(ctx, conv.ID, storage.RoleUser, req.Message, false); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}

	history, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("load transcript: %w", err)
	}

	model := req.Model
	if strings.TrimSpace(model) == "" {
		model = s.defaultModel
	}

	if err := sink.Start(conv.ID); err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	s.metrics.ActiveStreams.Inc()
	defer s.metrics.ActiveStreams.Dec()

	var reply strings.Builder
	streamErr := s.provider.ChatStream(ctx, providers.ChatRequest{
		Model:    model,
		Messages: toProviderMessages(history),
	}, func(text string) error {
		reply.WriteString(text)
		if err := sink.Chunk(text); err != nil {
			return fmt.Errorf("forward chunk: %w", err)
		}
		s.metrics.ChunksForwarded.Inc()
		return nil
	})

	if streamErr != nil {
		return s.failTurn(ctx, conv, reply.String(), sink, streamErr)
	}

	if _, err := s.store.AppendMessage(ctx, conv.ID, storage.RoleAssistant, reply.String(), false); err != nil {
		return fmt.Errorf("persist assistant message: %w", err)
	}
	if err := sink.Done(); err != nil {
		return fmt.Errorf("close stream: %w", err)
	}

	s.maybeTitle(ctx, conv, req.Message, reply.String())
	return nil
}

// failTurn persists whatever partial content arrived, flagged truncated, and
// signals an explicit stream error instead of a silent close. Persistence
// uses a context detached from the (possibly cancelled) request.
func (s *Service) failTurn(ctx context.Context, conv storage.Conversation, partial string, sink Sink, cause error) error {
	s.metrics.ChatFailures.Inc()
	if errors.Is(cause, providers.ErrUpstream) {
		s.metrics.UpstreamFailures.Inc()
	}

	if partial != "" {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if _, err := s.store.AppendMessage(saveCtx, conv.ID, storage.RoleAssistant, partial, true); err != nil {
			s.logger.Error().Err(err).Str("conversation_id", conv.ID).Msg("failed to persist partial assistant message")
		}
	}

	if err := sink.Error(streamErrorMessage(cause)); err != nil {
		s.logger.Debug().Err(err).Str("conversation_id", conv.ID).Msg("failed to deliver stream error event")
	}
	return cause
}

func (s *Service) resolveConversation(ctx context.Context, user storage.User, conversationID string) (storage.Conversation, error) {
	if strings.TrimSpace(conversationID) == "" {
		conv, err := s.store.CreateConversation(ctx, user.ID, "")
		if err != nil {
			return storage.Conversation{}, fmt.Errorf("create conversation: %w", err)
		}
		return conv, nil
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return storage.Conversation{}, err
	}
	if conv.UserID != user.ID {
		return storage.Conversation{}, ErrForbidden
	}
	return conv, nil
}

// maybeTitle replaces the placeholder title with a model-generated one after
// the first completed exchange. Best effort.
func (s *Service) maybeTitle(ctx context.Context, conv storage.Conversation, userMessage, reply string) {
	if !s.autoTitle || conv.Title != storage.DefaultTitle {
		return
	}

	titleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.titleTimeout)
	defer cancel()

	resp, err := s.provider.Chat(titleCtx, providers.ChatRequest{
		Model: s.defaultModel,
		Messages: []providers.Message{
			{Role: storage.RoleSystem, Content: "Reply with a title of at most six words for the conversation below. Reply with the title only."},
			{Role: storage.RoleUser, Content: userMessage + "\n\n" + reply},
		},
		MaxTokens: 30,
	})
	if err != nil {
		s.logger.Debug().Err(err).Str("conversation_id", conv.ID).Msg("title generation failed")
		return
	}

	title := sanitizeTitle(resp.Text)
	if title == "" {
		return
	}
	if err := s.store.UpdateConversationTitle(titleCtx, conv.UserID, conv.ID, title); err != nil {
		s.logger.Debug().Err(err).Str("conversation_id", conv.ID).Msg("title update failed")
	}
}

func toProviderMessages(history []storage.Message) []providers.Message {
	out := make([]providers.Message, 0, len(history))
	for _, m := range history {
		out = append(out, providers.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func sanitizeTitle(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, `"'`)
	title = strings.Join(strings.Fields(title), " ")
	if len(title) > 120 {
		title = title[:120]
	}
	return title
}

func streamErrorMessage(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "stream cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "upstream timed out"
	case errors.Is(err, providers.ErrUpstream):
		return "upstream failure"
	default:
		return "stream failed"
	}
}
