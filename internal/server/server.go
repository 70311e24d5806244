// Package server implements ipavault's HTTP/SSE surface (spec.md §6): a
// go-chi router over the Download Manager, a read-only settings
// endpoint, and the minimal auth gate.
package server

import (
	"context"
	"encoding/json"
	stdlog "log"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/warpdl/ipavault/internal/auth"
	"github.com/warpdl/ipavault/internal/config"
	"github.com/warpdl/ipavault/pkg/logger"
	"github.com/warpdl/ipavault/pkg/vault"
)

// Server wires the Manager, the auth gate and the process configuration
// into a servable chi.Mux.
type Server struct {
	mgr     *vault.Manager
	gate    *auth.Gate
	cfg     config.Config
	log     logger.Logger
	http    *http.Client
	router  *chi.Mux
	started time.Time
}

// New builds a Server with every route registered.
func New(mgr *vault.Manager, gate *auth.Gate, cfg config.Config, httpClient *http.Client, l logger.Logger) *Server {
	if l == nil {
		l = logger.NewStandardLogger(stdlog.Default())
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	s := &Server{
		mgr:     mgr,
		gate:    gate,
		cfg:     cfg,
		log:     l,
		http:    httpClient,
		router:  chi.NewRouter(),
		started: time.Now(),
	}
	s.routes()
	return s
}

// Handler returns the server's http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/api/settings", s.handleSettings)
	s.router.Get("/api/auth/status", s.handleAuthStatus)
	s.router.Post("/api/auth/verify", s.handleAuthVerify)

	s.router.Route("/api/downloads", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Get("/{id}/progress", s.handleProgress)
		r.Post("/{id}/pause", s.handlePause)
		r.Post("/{id}/resume", s.handleResume)
		r.Delete("/{id}", s.handleDelete)
	})
}

// requireAuth rejects requests carrying no or the wrong bearer token
// when a password is configured. Disabled gates accept every request.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.gate.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if !s.gate.Verify(token) {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

type settingsResponse struct {
	MaxDownloadMB   int64  `json:"maxDownloadMB"`
	MaxDownloadSize string `json:"maxDownloadSize,omitempty"`
	DownloadThreads int    `json:"downloadThreads"`
	Uptime          string `json:"uptime"`
	UptimeSeconds   int64  `json:"uptimeSeconds"`
	BuildCommit     string `json:"buildCommit,omitempty"`
	BuildDate       string `json:"buildDate,omitempty"`
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	resp := settingsResponse{
		MaxDownloadMB:   s.cfg.MaxDownloadMB,
		DownloadThreads: s.cfg.DownloadThreads,
		Uptime:          humanize.Time(s.started),
		UptimeSeconds:   int64(time.Since(s.started).Seconds()),
		BuildCommit:     s.cfg.BuildCommit,
		BuildDate:       s.cfg.BuildDate,
	}
	if s.cfg.MaxDownloadMB > 0 {
		resp.MaxDownloadSize = humanize.Bytes(uint64(s.cfg.MaxDownloadMB) * uint64(vault.MB))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.gate.Enabled()})
}

type verifyRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": s.gate.Verify(req.Token)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// probeWithTimeout bounds the create-time size pre-flight so a
// non-responsive origin cannot hang the request indefinitely.
func probeWithTimeout(parent context.Context, client *http.Client, url string) (int64, error) {
	ctx, cancel := context.WithTimeout(parent, 15*time.Second)
	defer cancel()
	return vault.ProbeSize(ctx, client, url)
}
