// Package admin exposes the operational HTTP surface: roster reads and
// rebuild triggers, cache diagnostics, and sponsor wallet status. Session
// auth for human admins happens upstream; the scheduled rebuild trigger
// authenticates with a shared job secret instead.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/paulbrigner/pgpcommunity-sub002/internal/roster"
)

// JobSecretHeader carries the shared secret for scheduled rebuild triggers.
const JobSecretHeader = "X-Job-Secret"

// RosterManager is the roster surface the admin API serves.
type RosterManager interface {
	Get(ctx context.Context, force bool) (*roster.Roster, error)
	LoadStatus(ctx context.Context) (*roster.CacheStatus, error)
	Rebuild(ctx context.Context) (*roster.Roster, error)
}

// SponsorStatusFunc assembles the sponsor diagnostic view. Wired in by the
// composition root so the admin package stays ignorant of chain plumbing.
type SponsorStatusFunc func(ctx context.Context) (*SponsorStatusResponse, error)

// SponsorStatusResponse is the sponsor wallet diagnostic payload.
type SponsorStatusResponse struct {
	Enabled        bool    `json:"enabled"`
	Address        string  `json:"address,omitempty"`
	LeaseHeld      bool    `json:"leaseHeld"`
	LeaseExpiresAt string  `json:"leaseExpiresAt,omitempty"`
	NextNonce      *uint64 `json:"nextNonceToUse,omitempty"`
	LastTxHash     string  `json:"lastTxHash,omitempty"`
	LastError      string  `json:"lastError,omitempty"`
	TxCountToday   int64   `json:"txCountToday"`
	TxMaxPerDay    int64   `json:"txMaxPerDay"`
	BalanceOK      *bool   `json:"balanceOk,omitempty"`
}

// Server provides the admin HTTP API.
type Server struct {
	roster        RosterManager
	sponsorStatus SponsorStatusFunc
	jobSecret     string
	logger        *slog.Logger
}

// NewServer creates an admin API server around the roster manager.
func NewServer(rm RosterManager, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		roster: rm,
		logger: logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures optional dependencies for the admin server.
type ServerOption func(*Server)

// WithJobSecret enables the scheduled rebuild trigger with the given shared
// secret. An empty secret leaves the trigger disabled.
func WithJobSecret(secret string) ServerOption {
	return func(s *Server) { s.jobSecret = secret }
}

// WithSponsorStatus sets the sponsor diagnostic provider.
func WithSponsorStatus(fn SponsorStatusFunc) ServerOption {
	return func(s *Server) { s.sponsorStatus = fn }
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/roster", s.handleGetRoster)
	mux.HandleFunc("GET /admin/roster/status", s.handleRosterStatus)
	mux.HandleFunc("POST /admin/roster/rebuild", s.handleRosterRebuild)
	mux.HandleFunc("GET /admin/sponsor/status", s.handleSponsorStatus)
	return mux
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleGetRoster(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"

	result, err := s.roster.Get(r.Context(), force)
	if err != nil {
		s.logger.Error("roster read failed", "force", force, "error", err)
		http.Error(w, `{"error":"roster unavailable"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRosterStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.roster.LoadStatus(r.Context())
	if err != nil {
		s.logger.Error("roster status failed", "error", err)
		http.Error(w, `{"error":"roster status unavailable"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleRosterRebuild is the scheduled-job trigger. It authenticates with
// the shared job secret and rebuilds synchronously so the caller observes
// build failures in the response code.
func (s *Server) handleRosterRebuild(w http.ResponseWriter, r *http.Request) {
	if s.jobSecret == "" {
		http.Error(w, `{"error":"rebuild trigger not configured"}`, http.StatusServiceUnavailable)
		return
	}
	provided := r.Header.Get(JobSecretHeader)
	if subtle.ConstantTimeCompare([]byte(provided), []byte(s.jobSecret)) != 1 {
		s.logger.Warn("rebuild trigger rejected", "remote_addr", r.RemoteAddr)
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	result, err := s.roster.Rebuild(r.Context())
	if err != nil {
		s.logger.Error("triggered rebuild failed", "error", err)
		http.Error(w, `{"error":"rebuild failed"}`, http.StatusInternalServerError)
		return
	}

	s.logger.Info("roster rebuild triggered",
		"members", result.Meta.Total, "persisted", result.Persisted)
	writeJSON(w, http.StatusOK, map[string]any{
		"total":      result.Meta.Total,
		"computedAt": result.ComputedAt,
		"persisted":  result.Persisted,
	})
}

func (s *Server) handleSponsorStatus(w http.ResponseWriter, r *http.Request) {
	if s.sponsorStatus == nil {
		writeJSON(w, http.StatusOK, &SponsorStatusResponse{Enabled: false})
		return
	}
	status, err := s.sponsorStatus(r.Context())
	if err != nil {
		s.logger.Error("sponsor status failed", "error", err)
		http.Error(w, `{"error":"sponsor status unavailable"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
