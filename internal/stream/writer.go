package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrStreamingUnsupported is returned when the response cannot be flushed.
var ErrStreamingUnsupported = errors.New("stream: response writer does not support flushing")

// Writer encodes events onto a transport.
type Writer interface {
	WriteEvent(Event) error
	Heartbeat() error
}

// Source is the read side consumed by Pump.
type Source interface {
	Events() <-chan Event
	Abandon()
}

// SSEWriter writes each event as one server-sent event carrying its JSON.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter sets the event-stream headers on w.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSEWriter{w: w, flusher: flusher}, nil
}

func (s *SSEWriter) WriteEvent(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *SSEWriter) Heartbeat() error {
	if _, err := io.WriteString(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// TextWriter writes only text deltas as a plain text body. A failed turn ends
// the body with its error message on a new line.
type TextWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewTextWriter sets plain text headers on w. Flushing is used when available.
func NewTextWriter(w http.ResponseWriter) *TextWriter {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher, _ := w.(http.Flusher)
	return &TextWriter{w: w, flusher: flusher}
}

func (t *TextWriter) WriteEvent(ev Event) error {
	var text string
	switch ev.Type {
	case EventTextDelta:
		text, _ = ev.Content.(string)
	case EventFinish:
		if info, ok := ev.Content.(FinishInfo); ok && info.Error != "" {
			text = "\n" + info.Error
		}
	}
	if text == "" {
		return nil
	}
	if _, err := io.WriteString(t.w, text); err != nil {
		return err
	}
	if t.flusher != nil {
		t.flusher.Flush()
	}
	return nil
}

func (t *TextWriter) Heartbeat() error { return nil }

// Pump copies events from src to w until src closes, the writer fails, or ctx is
// done. On any early exit the source is abandoned so the producer never blocks
// on a reader that went away.
func Pump(ctx context.Context, src Source, w Writer, heartbeat time.Duration) error {
	var tick <-chan time.Time
	if heartbeat > 0 {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case ev, ok := <-src.Events():
			if !ok {
				return nil
			}
			if err := w.WriteEvent(ev); err != nil {
				src.Abandon()
				return err
			}
		case <-tick:
			if err := w.Heartbeat(); err != nil {
				src.Abandon()
				return err
			}
		case <-ctx.Done():
			src.Abandon()
			return ctx.Err()
		}
	}
}
