package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"chatrelay/internal/proxy"
)

type streamEvent struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content,omitempty"`
	Error          string `json:"error,omitempty"`
}

// sseSink writes proxy stream events as Server-Sent Events, flushing after
// every chunk so nothing sits in transport buffers.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

var _ proxy.Sink = (*sseSink)(nil)

func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported by response writer")
	}
	return &sseSink{w: w, flusher: flusher}, nil
}

func (s *sseSink) Start(conversationID string) error {
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.started = true
	return s.send(streamEvent{Event: "start", ConversationID: conversationID})
}

func (s *sseSink) Chunk(text string) error {
	return s.send(streamEvent{Event: "delta", Content: text})
}

func (s *sseSink) Done() error {
	return s.send(streamEvent{Event: "done"})
}

func (s *sseSink) Error(msg string) error {
	return s.send(streamEvent{Event: "error", Error: msg})
}

func (s *sseSink) send(ev streamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write stream event: %w", err)
	}
	s.flusher.Flush()
	return nil
}
