package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/crosswire-dev/crosswire/pkg/anthropic"
)

// sseWriter emits Anthropic-format SSE frames and flushes each one so
// clients see tokens as they arrive.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

// Begin commits the SSE response headers. After this the response can no
// longer turn into a JSON error.
func (s *sseWriter) Begin() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Disable proxy buffering; nginx otherwise holds frames back.
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flush()
}

// Started reports whether headers have been committed.
func (s *sseWriter) Started() bool {
	return s.started
}

// Send writes one event frame.
func (s *sseWriter) Send(event *anthropic.StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return err
	}
	s.flush()
	return nil
}

// SendError emits an Anthropic error event mid-stream.
func (s *sseWriter) SendError(errType, message string) {
	payload, _ := json.Marshal(map[string]interface{}{
		"type": "error",
		"error": map[string]string{
			"type":    errType,
			"message": message,
		},
	})
	fmt.Fprintf(s.w, "event: error\ndata: %s\n\n", payload)
	s.flush()
}

func (s *sseWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
