// Package api exposes the HTTP surface: health, the committed process
// sequence, host stats, Prometheus metrics, the WebSocket push endpoint, and
// the authenticated kill endpoint.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/procscope/backend/internal/config"
	"github.com/procscope/backend/internal/hostinfo"
	"github.com/procscope/backend/internal/push"
	"github.com/procscope/backend/internal/store"
)

// Server wires the HTTP routes over the store and the push hub.
type Server struct {
	st    *store.Store
	hub   *push.Hub
	facts hostinfo.Facts
	cfg   config.ServerConfig
	log   *slog.Logger
	reg   prometheus.Gatherer
}

func NewServer(
	st *store.Store,
	hub *push.Hub,
	facts hostinfo.Facts,
	cfg config.ServerConfig,
	reg prometheus.Gatherer,
	log *slog.Logger,
) *Server {
	if log == nil {
		log = slog.Default()
	}
	if reg == nil {
		reg = prometheus.DefaultGatherer
	}
	return &Server{st: st, hub: hub, facts: facts, cfg: cfg, log: log, reg: reg}
}

// Router builds the full route table. CORS wraps the router itself rather
// than running as mux middleware: mux skips middleware on a method mismatch,
// and preflight OPTIONS requests never match the GET/POST routes.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/processes", s.handleProcesses).Methods("GET")
	r.HandleFunc("/api/processes/{pid:[0-9]+}", s.handleProcess).Methods("GET")
	r.HandleFunc("/api/processes/{pid:[0-9]+}/kill", s.handleKill).Methods("POST")
	r.HandleFunc("/api/stats", s.handleStats).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	r.HandleFunc("/ws", s.hub.HandleWS)

	r.Use(s.loggingMiddleware)
	return s.corsMiddleware(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.st.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"service":     "procscope",
		"processes":   st.Total,
		"subscribers": s.hub.ClientCount(),
	})
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.st.Snapshot())
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.ParseInt(mux.Vars(r)["pid"], 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pid")
		return
	}
	p, ok := s.st.Get(int32(pid))
	if !ok {
		writeError(w, http.StatusNotFound, "process not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats": s.st.Stats(),
		"host":  s.facts,
	})
}

// handleKill terminates a monitored process with SIGTERM. The caller must
// present the configured bearer token; the bcrypt hash wins over the plain
// token when both are set.
func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if s.cfg.KillToken == "" && s.cfg.KillTokenBcrypt == "" {
		writeError(w, http.StatusForbidden, "kill endpoint disabled")
		return
	}

	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	if !s.tokenValid(token) {
		s.log.Warn("kill request with bad token", "component", "api", "remote", r.RemoteAddr)
		writeError(w, http.StatusForbidden, "invalid token")
		return
	}

	pid, err := strconv.ParseInt(mux.Vars(r)["pid"], 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pid")
		return
	}
	p, ok := s.st.Get(int32(pid))
	if !ok {
		writeError(w, http.StatusNotFound, "process not found")
		return
	}

	proc, err := os.FindProcess(int(pid))
	if err == nil {
		err = proc.Signal(syscall.SIGTERM)
	}
	if err != nil {
		s.log.Warn("kill failed", "component", "api", "pid", pid, "error", err)
		writeError(w, http.StatusInternalServerError, "signal failed: "+err.Error())
		return
	}

	s.log.Info("process terminated via api",
		"component", "api", "pid", pid, "name", p.Name, "level", p.Level.String())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"killed": pid,
		"name":   p.Name,
	})
}

func (s *Server) tokenValid(token string) bool {
	if s.cfg.KillTokenBcrypt != "" {
		return bcrypt.CompareHashAndPassword([]byte(s.cfg.KillTokenBcrypt), []byte(token)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(s.cfg.KillToken), []byte(token)) == 1
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("http request",
			"component", "api",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
