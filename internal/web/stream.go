package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// handleStream serves phase-transition events as Server-Sent Events. With
// ?spec=ID only that spec's events are sent. Each event's type is the SSE
// event name and its JSON form the data line.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, errors.Wrap(errUnavailable, "event stream"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	specID := r.URL.Query().Get("spec")

	sub, cancel := s.events.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	tick := time.NewTicker(s.heartbeat)
	defer tick.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case e, ok := <-sub:
			if !ok {
				fmt.Fprint(w, "event: done\ndata: bus closed\n\n")
				flusher.Flush()
				return
			}
			if specID != "" && e.SpecID != specID {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Warn("marshal event", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
			flusher.Flush()
		}
	}
}
