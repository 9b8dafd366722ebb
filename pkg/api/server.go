// Package api implements the Submission API: the HTTP surface teams use to
// upload Vulnerability Discovery / Generated Patch submissions and poll
// their status. Scoring never happens on the request path; every accepted
// submission is persisted and enqueued for a worker.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/aixcc-finals/capi-scoring/pkg/artifact"
	"github.com/aixcc-finals/capi-scoring/pkg/audit"
	"github.com/aixcc-finals/capi-scoring/pkg/auth"
	"github.com/aixcc-finals/capi-scoring/pkg/cpregistry"
	"github.com/aixcc-finals/capi-scoring/pkg/metrics"
	"github.com/aixcc-finals/capi-scoring/pkg/queue"
	"github.com/aixcc-finals/capi-scoring/pkg/store"
)

// Server wires the Submission API handlers to their collaborators.
type Server struct {
	Store              store.Store
	Registry           *cpregistry.Registry
	Artifacts          artifact.Store
	AuditSink          audit.Sink
	Queue              *queue.Queue
	Auth               *auth.Authenticator
	Workers            []string
	RunID              string
	MockMode           bool
	RejectDuplicateVDS bool
	RemoteContainer    string

	mux *http.ServeMux
}

// NewServer builds a Server with every route registered.
func NewServer(s *Server) *Server {
	s.mux = http.NewServeMux()

	s.mux.HandleFunc("GET /health/", s.healthHandler)
	s.mux.HandleFunc("GET /", s.healthHandler)
	s.mux.HandleFunc("GET /metadata/", s.instrument("metadata", s.metadataHandler))
	s.mux.HandleFunc("POST /submission/vds/", s.instrument("submit_vds", s.withAuth(s.submitVDSHandler)))
	s.mux.HandleFunc("GET /submission/vds/{vd_uuid}", s.instrument("status_vds", s.withAuth(s.statusVDSHandler)))
	s.mux.HandleFunc("POST /submission/gp/", s.instrument("submit_gp", s.withAuth(s.submitGPHandler)))
	s.mux.HandleFunc("GET /submission/gp/{gp_uuid}", s.instrument("status_gp", s.withAuth(s.statusGPHandler)))
	s.mux.HandleFunc("POST /audit/start/", s.instrument("audit_start", s.withAdmin(s.auditStartHandler)))
	s.mux.HandleFunc("POST /audit/stop/", s.instrument("audit_stop", s.withAdmin(s.auditStopHandler)))
	s.mux.Handle("/metrics", metrics.Handler())

	return s
}

// Start runs the HTTP server on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument wraps h to record capi_api_requests_total /
// capi_api_request_duration_seconds for the named route.
func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
		metrics.APIRequestsTotal.WithLabelValues(route, http.StatusText(sw.status)).Inc()
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
