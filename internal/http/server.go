package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/expiry"
	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/lifecycle"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/storage"
)

// Publisher hands a new record to the asynchronous matcher.
type Publisher interface {
	Publish(ctx context.Context, typ ingest.EventType, id string, v any) error
}

type Deps struct {
	Store     storage.Store
	Lifecycle *lifecycle.Service
	Matcher   ingest.Matcher
	Expiry    *expiry.Engine
	Cleanup   *expiry.Cleanup
	// Events is optional; without it matching runs inside the request.
	Events Publisher
	WSReg  *dispatch.WSRegistry
	// Ready reports backend health for /ready; nil means always ready.
	Ready func(ctx context.Context) error
}

type Server struct {
	Deps
	Now    func() time.Time
	NewID  func() string
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if deps.WSReg == nil {
		deps.WSReg = dispatch.NewWSRegistry()
	}
	s := &Server{
		Deps:   deps,
		Now:    time.Now,
		NewID:  uuid.NewString,
		logger: logging.OrDefault(logger),
		mux:    mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(requireUser)

	api.HandleFunc("/confirmations", s.handleRequest).Methods(http.MethodPost)
	api.HandleFunc("/confirmations/{id}/accept", s.handleRespond(true)).Methods(http.MethodPost)
	api.HandleFunc("/confirmations/{id}/reject", s.handleRespond(false)).Methods(http.MethodPost)
	api.HandleFunc("/confirmations/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/confirmations/{id}/reversal", s.handleReversalEligibility).Methods(http.MethodGet)
	api.HandleFunc("/confirmations/{id}/reversal", s.handleReverse).Methods(http.MethodPost)
	api.HandleFunc("/confirmations/{id}/request-again", s.handleRequestAgain).Methods(http.MethodPost)
	api.HandleFunc("/request-again", s.handleCanRequestAgain).Methods(http.MethodGet)

	api.HandleFunc("/rides", s.handlePostRide).Methods(http.MethodPost)
	api.HandleFunc("/trips", s.handlePostTrip).Methods(http.MethodPost)
	api.HandleFunc("/ride-requests", s.handleRideRequest).Methods(http.MethodPost)
	api.HandleFunc("/trip-requests", s.handleTripRequest).Methods(http.MethodPost)
	api.HandleFunc("/preferences", s.handlePreference).Methods(http.MethodPost)
	api.HandleFunc("/notifications", s.handleNotifications).Methods(http.MethodGet)

	s.mux.HandleFunc("/internal/expiry/sweep", s.handleExpirySweep).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/cleanup/sweep", s.handleCleanupSweep).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			s.logger.Warn("not ready", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "not ready", Code: http.StatusServiceUnavailable})
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

type errorBody struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

type statusCoder interface{ StatusCode() int }

// writeError reports validation failures with their own status and reason.
// Anything else is logged and surfaced as a generic retryable failure.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var sc statusCoder
	if errors.As(err, &sc) && sc.StatusCode() >= 400 && sc.StatusCode() < 500 {
		writeJSON(w, sc.StatusCode(), errorBody{Error: err.Error(), Code: sc.StatusCode()})
		return
	}
	s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "temporary failure, please try again", Code: http.StatusInternalServerError})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: http.StatusBadRequest})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads an optional JSON body; an empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
