package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/warpdl/ipavault/pkg/vault"
)

type createRequest struct {
	Software       vault.Software `json:"software"`
	AccountHash    string         `json:"accountHash"`
	DownloadURL    string         `json:"downloadURL"`
	Sinfs          []vault.Sinf   `json:"sinfs"`
	ITunesMetadata string         `json:"iTunesMetadata,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	if err := vault.ValidateDownloadURL(req.DownloadURL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.cfg.MaxDownloadMB > 0 {
		size, err := probeWithTimeout(r.Context(), s.http, req.DownloadURL)
		if err != nil {
			s.log.Warning("server: size pre-flight failed for %s: %v", req.DownloadURL, err)
			writeError(w, http.StatusBadGateway, "Unable to verify file size")
			return
		}
		if size > s.cfg.MaxDownloadMB*vault.MB {
			writeError(w, http.StatusRequestEntityTooLarge, "file exceeds the configured size cap")
			return
		}
		req.Software.FileSizeBytes = size
	}

	task, err := s.mgr.Create(req.Software, req.AccountHash, req.DownloadURL, req.Sinfs, req.ITunesMetadata)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("accountHashes")
	var hashes []string
	if raw != "" {
		for _, h := range strings.Split(raw, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hashes = append(hashes, h)
			}
		}
	}
	writeJSON(w, http.StatusOK, s.mgr.List(hashes))
}

// requestAccountHash reads the caller-asserted account hash from either
// the query string or the X-Account-Hash header (§6: "requires matching
// accountHash query or header").
func requestAccountHash(r *http.Request) string {
	if h := r.URL.Query().Get("accountHash"); h != "" {
		return h
	}
	return r.Header.Get("X-Account-Hash")
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
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
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.mgr.Pause(id); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.mgr.Resume(id); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.mgr.Delete(id); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, vault.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, vault.ErrNotDownloading), errors.Is(err, vault.ErrNotPaused):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
