package controllers

import (
	"context"
	"net/http"

	"github.com/rzbill/flostream/internal/streamlog"
)

// sseSink writes log records as SSE data events.
type sseSink struct {
	w http.ResponseWriter
	r *http.Request
}

// Send writes one "data: <json>\n\n" event.
func (s sseSink) Send(lr streamlog.LogRecord) error {
	b, err := json.Marshal(tailItem{
		Partition: lr.Offset.Partition.Index,
		Position:  lr.Offset.Position,
		Key:       lr.Record.Key,
		Data:      lr.Record.Data,
		Watermark: lr.Record.Watermark,
		Headers:   lr.Record.Headers,
	})
	if err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	_, err = s.w.Write([]byte("\n\n"))
	return err
}

func (s sseSink) Context() context.Context {
	return s.r.Context()
}

// Flush pushes buffered events to the client when the writer supports it.
func (s sseSink) Flush() error {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
