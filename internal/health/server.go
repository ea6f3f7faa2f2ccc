package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/ultrazend/internal/admission"
	"github.com/ignite/ultrazend/internal/logger"
)

// Pinger is the narrow store dependency the liveness probe calls.
type Pinger interface {
	Ping(ctx context.Context) error
}

// sendService is the narrow admission dependency the /v1/send handler
// calls — a thin wrapper matching spec.md §1's explicit carve-out
// ("thin handler that validates payload and calls Enqueue").
type sendService interface {
	Enqueue(ctx context.Context, req admission.Request) (admission.Result, error)
}

// Server is the health/metrics/send HTTP surface (spec.md §4.11).
type Server struct {
	router    chi.Router
	store     Pinger
	smartHost string
	send      sendService
	log       *logger.Logger
}

// NewServer builds the chi router. smartHost, when non-empty, is probed
// for TCP reachability as part of /healthz. The metrics registry backing
// /metrics is whatever registerer NewMetrics was constructed with
// (callers should pass prometheus.DefaultRegisterer so promhttp.Handler
// serves the same metrics Deliverer/Scheduler record against).
func NewServer(store Pinger, send sendService, smartHost string) *Server {
	s := &Server{store: store, smartHost: smartHost, send: send, log: logger.Named("health.server")}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/v1/send", s.handleSend)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]string{"store": "ok"}
	code := http.StatusOK

	if err := s.store.Ping(ctx); err != nil {
		status["store"] = err.Error()
		code = http.StatusServiceUnavailable
	}

	if s.smartHost != "" {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(s.smartHost, "25"), 3*time.Second)
		if err != nil {
			status["smart_host"] = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			conn.Close()
			status["smart_host"] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req admission.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	res, err := s.send.Enqueue(r.Context(), req)
	if err != nil {
		var admErr *admission.Error
		if errors.As(err, &admErr) {
			writeJSONError(w, statusForCode(admErr.Code), admErr.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(res)
}

func statusForCode(code admission.Code) int {
	switch code {
	case admission.CodeValidation, admission.CodeDomainNotAllowed:
		return http.StatusBadRequest
	case admission.CodeTenantInactive, admission.CodeSuppressed, admission.CodeReputationBlocked:
		return http.StatusForbidden
	case admission.CodeRateExceeded:
		return http.StatusTooManyRequests
	case admission.CodeDuplicateMessage:
		return http.StatusConflict
	case admission.CodeRolledBack:
		return http.StatusServiceUnavailable
	case admission.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
