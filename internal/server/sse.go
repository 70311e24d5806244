package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleProgress streams Server-Sent Events for one task: the current
// task immediately, then one event per subsequent progress/status
// notification, until the client disconnects (§6).
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, owner, err := s.mgr.GetOwned(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if want := requestAccountHash(r); want == "" || want != owner {
		writeError(w, http.StatusForbidden, "ownership mismatch")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, task); err != nil {
		return
	}
	flusher.Flush()

	ch := s.mgr.Subscribe(id)
	defer s.mgr.Unsubscribe(id, ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Task == nil {
				continue
			}
			if err := writeSSE(w, ev.Task); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}
