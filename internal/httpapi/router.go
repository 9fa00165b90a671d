// Package httpapi exposes the command boundary over HTTP: a single
// POST /v1/commands endpoint that decodes a command.Command, runs it
// through command.Handler, and writes back its command.Response verbatim.
// Routing and JWT-actor middleware are grounded on cmd/gateway's
// gorilla/mux + golang-jwt wiring.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/junlov/quotey/internal/command"
	"github.com/junlov/quotey/internal/metrics"
)

// Server bundles the command handler, JWT secret, and metrics registry
// needed to build routes.
type Server struct {
	commands  *command.Handler
	jwtSecret []byte
	metrics   *metrics.Metrics
}

// NewServer builds a Server. m may be nil, in which case request metrics
// are simply not recorded.
func NewServer(commands *command.Handler, jwtSecret []byte, m *metrics.Metrics) *Server {
	return &Server{commands: commands, jwtSecret: jwtSecret, metrics: m}
}

// Router builds the full mux.Router for the service.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware)
	router.Use(s.metricsMiddleware)

	router.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/commands", s.handleCommand).Methods(http.MethodPost)

	return router
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// statusRecorder captures the status code written by the wrapped handler
// so metricsMiddleware can label the request after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil && tpl != "" {
				route = tpl
			}
		}
		s.metrics.RecordHTTPRequest(r.Method, route, http.StatusText(rec.status), time.Since(start))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
