// Package sse implements SSEWriter (spec.md §4.10): serializing
// StreamEvents as Server-Sent Events.
package sse

import (
	"encoding/json"
	"net/http"

	"github.com/fabfab/kbrag/internal/apperr"
)

// Writer serializes events as "data: <json>\n\n" and flushes after every
// write. No event id, no retry directive, per spec.md §4.10.
type Writer struct {
	w http.ResponseWriter
	f http.Flusher
}

// New prepares w for Server-Sent Events and returns a Writer. The caller
// must not write to w directly afterward.
func New(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, apperr.New(apperr.KindInternal, "response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{w: w, f: flusher}, nil
}

// Write serializes event as JSON and flushes it as one SSE frame.
func (s *Writer) Write(event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "marshal stream event")
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}
