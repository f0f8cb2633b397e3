package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/bookwright/bookwright/internal/diag"
)

// handleEvents streams diagnostics envelopes as Server-Sent Events. Recent
// history is replayed first, then the connection follows the live stream
// with keepalive comments while idle.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	history, seq := s.stream.Snapshot()
	if r.URL.Query().Get("replay") == "false" {
		history = nil
	}
	for _, env := range history {
		if err := writeSSE(w, env); err != nil {
			return
		}
	}
	flusher.Flush()

	ctx := r.Context()
	for ctx.Err() == nil {
		batch, next := s.stream.WaitAfter(ctx, seq)
		if ctx.Err() != nil {
			return
		}
		if len(batch) == 0 {
			// Heartbeat wakeup; emit a comment so proxies keep the
			// connection open.
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		}
		for _, env := range batch {
			if err := writeSSE(w, env); err != nil {
				return
			}
		}
		flusher.Flush()
		seq = next
	}
}

func writeSSE(w http.ResponseWriter, env diag.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return nil
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Event, b)
	return err
}
