package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Tessera-Labs/credstate/pkg/audit"
	"github.com/Tessera-Labs/credstate/pkg/auth"
	"github.com/Tessera-Labs/credstate/pkg/runtime"
	"github.com/Tessera-Labs/credstate/pkg/score"
	"github.com/Tessera-Labs/credstate/pkg/stats"
)

// server exposes the runtime over HTTP. Every mutating and query
// endpoint requires a signed principal token; the principal travels to
// the runtime on the request context.
type server struct {
	rt       *runtime.Runtime
	verifier *auth.Verifier
	log      *slog.Logger
}

func newServer(rt *runtime.Runtime, verifier *auth.Verifier, logger *slog.Logger) http.Handler {
	s := &server{rt: rt, verifier: verifier, log: logger.With("component", "http")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/commands", s.withAuth(s.handleCommand))
	mux.HandleFunc("POST /v1/tick", s.withAuth(s.handleTick))
	mux.HandleFunc("GET /v1/scores/{principal}", s.withAuth(s.handleScore))
	mux.HandleFunc("GET /v1/audit/{principal}", s.withAuth(s.handleAudit))
	mux.HandleFunc("GET /v1/stats/{domain}", s.withAuth(s.handleStats))
	return mux
}

// withAuth validates the bearer token and attaches the authenticated
// principal to the request context.
func (s *server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		tok, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || tok == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		principal, err := s.verifier.Verify(tok)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"tick":   s.rt.Tick(),
	})
}

func (s *server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd runtime.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "malformed command")
		return
	}

	res, err := s.rt.Execute(r.Context(), cmd)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleTick(w http.ResponseWriter, r *http.Request) {
	tick, err := s.rt.BeginTick(r.Context())
	if err != nil {
		s.log.Error("begin tick", "error", err)
		writeError(w, http.StatusInternalServerError, "tick failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tick": tick})
}

func (s *server) handleScore(w http.ResponseWriter, r *http.Request) {
	rec, err := s.rt.Scores().Get(r.Context(), r.PathValue("principal"))
	if errors.Is(err, score.ErrScoreNotFound) {
		writeError(w, http.StatusNotFound, "no score record")
		return
	}
	if err != nil {
		s.log.Error("read score", "error", err)
		writeError(w, http.StatusInternalServerError, "read failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries := []audit.Entry{}
	err := s.rt.Audit().History(r.Context(), r.PathValue("principal"), func(e audit.Entry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		s.log.Error("read audit history", "error", err)
		writeError(w, http.StatusInternalServerError, "read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	counters, err := s.rt.Stats().Load(r.Context(), stats.Domain(r.PathValue("domain")))
	if err != nil {
		s.log.Error("read stats", "error", err)
		writeError(w, http.StatusInternalServerError, "read failed")
		return
	}
	writeJSON(w, http.StatusOK, counters)
}

// writeCommandError maps a classified command failure to an HTTP
// status. The error body carries the class so clients can branch
// without parsing messages.
func (s *server) writeCommandError(w http.ResponseWriter, err error) {
	var ce *runtime.CommandError
	if !errors.As(err, &ce) {
		s.log.Error("unclassified command failure", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := http.StatusInternalServerError
	switch ce.Class {
	case runtime.ClassValidation:
		status = http.StatusBadRequest
	case runtime.ClassAuthorization:
		status = http.StatusForbidden
	case runtime.ClassNotFound:
		status = http.StatusNotFound
	case runtime.ClassStateConflict:
		status = http.StatusConflict
	case runtime.ClassCapacity:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]any{
		"class": ce.Class,
		"error": ce.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
