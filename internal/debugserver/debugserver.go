// Package debugserver implements an optional, read-only HTTP surface over
// a running trail's control socket: /healthz, /steps, /context. It exists
// purely for operators who want to curl status without speaking the
// control channel's URL-escaped JSON-line protocol directly; it issues
// the same "status"/"get_serialized_context" calls a CLI client would,
// through ctlsocket.Client, and never mutates trail state.
package debugserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/me/autotrail/pkg/api"
	"github.com/me/autotrail/pkg/ctlsocket"
)

// Server is the debug HTTP surface. It holds no trail state of its own;
// every request round-trips through the control socket.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	client    *ctlsocket.Client
	startTime time.Time
}

// New creates a Server issuing calls against the control socket at
// socketPath, with the given per-call timeout.
func New(socketPath string, callTimeout time.Duration, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "debugserver"),
		client:    ctlsocket.NewClient(socketPath, callTimeout),
		startTime: time.Now(),
	}
	s.routes()
	return s
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/steps", s.handleSteps)
	r.Get("/context", s.handleContext)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	respondOK(w, reqID, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleSteps proxies "status", honoring ?tag.<key>=<value>, ?state=,
// and ?fields= (comma-separated status_fields) query parameters.
func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	req := api.Request{Name: "status", Tags: tagsFromQuery(r)}
	if states := r.URL.Query()["state"]; len(states) > 0 {
		req.States = states
	}
	if fields := r.URL.Query().Get("fields"); fields != "" {
		req.StatusFields = splitCSV(fields)
	}

	reply, err := s.client.Call(req)
	if err != nil {
		respondError(w, reqID, http.StatusBadGateway, err.Error())
		return
	}
	if reply.Error != "" {
		respondError(w, reqID, http.StatusInternalServerError, reply.Error)
		return
	}
	respondOK(w, reqID, reply.Result)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	reply, err := s.client.Call(api.Request{Name: "get_serialized_context"})
	if err != nil {
		respondError(w, reqID, http.StatusBadGateway, err.Error())
		return
	}
	if reply.Error != "" {
		respondError(w, reqID, http.StatusInternalServerError, reply.Error)
		return
	}
	respondOK(w, reqID, reply.Result)
}

func tagsFromQuery(r *http.Request) map[string]string {
	const prefix = "tag."
	var tags map[string]string
	for key, values := range r.URL.Query() {
		if len(values) == 0 || len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		if tags == nil {
			tags = make(map[string]string)
		}
		tags[key[len(prefix):]] = values[0]
	}
	return tags
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func requestID() string {
	return "req_" + uuid.New().String()[:8]
}
