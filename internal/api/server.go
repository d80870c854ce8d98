// Package api is the worker's HTTP surface: connections, messages,
// campaigns, a server-sent event stream and prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/whatsapp-automation/worker/internal/campaign"
	"github.com/whatsapp-automation/worker/internal/config"
	"github.com/whatsapp-automation/worker/internal/delivery"
	"github.com/whatsapp-automation/worker/internal/engine"
	"github.com/whatsapp-automation/worker/internal/events"
	"github.com/whatsapp-automation/worker/internal/lifecycle"
	"github.com/whatsapp-automation/worker/internal/model"
)

// Backend is the part of the engine the API drives.
type Backend interface {
	CreateConnection(ctx context.Context, ownerID string, persistent bool) (model.Connection, error)
	TerminateConnection(ctx context.Context, id string) error
	RequestReconnect(ctx context.Context, id string) (bool, error)
	ProbeConnection(ctx context.Context, id string) (model.ConnectionState, error)
	Connection(ctx context.Context, id string) (model.Connection, error)
	Connections(ctx context.Context) ([]model.Connection, error)

	EnqueueMessage(ctx context.Context, req engine.MessageRequest) (string, error)
	CancelMessage(id string) bool
	QueueDepth() int
	Sending() int

	StartCampaign(ctx context.Context, spec model.CampaignSpec) (string, error)
	PauseCampaign(id string) error
	ResumeCampaign(id string) error
	CancelCampaign(id string) error
	Campaign(id string) (model.Campaign, error)
	Campaigns() []model.Campaign
}

type Server struct {
	WorkerID string

	backend Backend
	bus     *events.Bus
	proxies *config.ProxyPool
	metrics http.Handler
	started time.Time
	log     zerolog.Logger
}

// NewServer builds the API. bus, proxies and metrics are optional.
func NewServer(workerID string, backend Backend, bus *events.Bus, proxies *config.ProxyPool, metrics http.Handler, log zerolog.Logger) *Server {
	return &Server{
		WorkerID: workerID,
		backend:  backend,
		bus:      bus,
		proxies:  proxies,
		metrics:  metrics,
		started:  time.Now(),
		log:      log.With().Str("component", "api").Logger(),
	}
}

// Router returns a mux router with every route and the request logger.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)
	s.RegisterRoutes(r)
	return r
}

func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/proxies", s.handleProxies).Methods(http.MethodGet)
	r.HandleFunc("/proxies/unblock", s.handleUnblockProxies).Methods(http.MethodPost)

	r.HandleFunc("/connections", s.handleListConnections).Methods(http.MethodGet)
	r.HandleFunc("/connections", s.handleCreateConnection).Methods(http.MethodPost)
	r.HandleFunc("/connections/{id}", s.handleGetConnection).Methods(http.MethodGet)
	r.HandleFunc("/connections/{id}", s.handleTerminateConnection).Methods(http.MethodDelete)
	r.HandleFunc("/connections/{id}/reconnect", s.handleReconnect).Methods(http.MethodPost)
	r.HandleFunc("/connections/{id}/probe", s.handleProbe).Methods(http.MethodPost)

	r.HandleFunc("/messages", s.handleEnqueue).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}", s.handleCancelMessage).Methods(http.MethodDelete)

	r.HandleFunc("/campaigns", s.handleListCampaigns).Methods(http.MethodGet)
	r.HandleFunc("/campaigns", s.handleStartCampaign).Methods(http.MethodPost)
	r.HandleFunc("/campaigns/{id}", s.handleGetCampaign).Methods(http.MethodGet)
	r.HandleFunc("/campaigns/{id}/{action:pause|resume|cancel}", s.handleCampaignAction).Methods(http.MethodPost)

	if s.bus != nil {
		r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	}
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps the event stream working through the wrapper.
func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Int("status", rec.status).
			Dur("took", time.Since(start)).Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": true, "message": message})
}

// statusFor maps the core's typed rejections to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrUnknownConnection), errors.Is(err, campaign.ErrUnknownCampaign):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidRequest), errors.Is(err, campaign.ErrEmptyTargets):
		return http.StatusBadRequest
	case errors.Is(err, campaign.ErrConnectionNotSendable), errors.Is(err, campaign.ErrCampaignClosed),
		errors.Is(err, lifecycle.ErrTerminated):
		return http.StatusConflict
	case errors.Is(err, delivery.ErrQueueClosed), errors.Is(err, lifecycle.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, err.Error())
}

// decode reads a JSON body and runs its Validate method, if any.
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(engine.ErrInvalidRequest, "invalid JSON: "+err.Error())
	}
	if vv, ok := v.(validation.Validatable); ok {
		if err := vv.Validate(); err != nil {
			return errors.Wrap(engine.ErrInvalidRequest, err.Error())
		}
	}
	return nil
}

// millisRules bound an _ms field before millis turns it into a Duration.
var millisRules = []validation.Rule{
	validation.Min(0),
	validation.Max(int64(engine.MaxDelay / time.Millisecond)),
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
