package common

import (
	"encoding/json"
	"net/http"
)

// SSEHeaders sets the response headers for a server-sent event stream.
func SSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// SSEWriteEvent writes an SSE event with the given name and JSON payload.
func SSEWriteEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	if event != "" {
		if _, err := w.Write([]byte("event: " + event + "\n")); err != nil {
			return err
		}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

// SSEWriteData writes a plain SSE data line with JSON payload.
func SSEWriteData(w http.ResponseWriter, flusher http.Flusher, payload any) error {
	return SSEWriteEvent(w, flusher, "", payload)
}

// SSEWriteDone writes the [DONE] marker that ends a stream.
func SSEWriteDone(w http.ResponseWriter, flusher http.Flusher) error {
	if _, err := w.Write([]byte("data: [DONE]\n\n")); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}
