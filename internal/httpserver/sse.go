package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// sseEmitter writes relay output as server-sent events. Headers go out with
// the first event so failures before that can still be answered with JSON.
type sseEmitter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEEmitter(w http.ResponseWriter) *sseEmitter {
	flusher, _ := w.(http.Flusher)
	return &sseEmitter{w: w, flusher: flusher}
}

func (e *sseEmitter) start() {
	if e.started {
		return
	}
	e.started = true
	h := e.w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	e.w.WriteHeader(http.StatusOK)
	e.flush()
}

func (e *sseEmitter) flush() {
	if e.flusher != nil {
		e.flusher.Flush()
	}
}

// Fragment sends one answer fragment as a JSON string.
func (e *sseEmitter) Fragment(text string) error {
	e.start()
	b, err := json.Marshal(text)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", b); err != nil {
		return err
	}
	e.flush()
	return nil
}

// Error sends the terminal error event.
func (e *sseEmitter) Error(message string) error {
	e.start()
	b, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "event: error\ndata: %s\n\n", b); err != nil {
		return err
	}
	e.flush()
	return nil
}
