// Package httpapi is the thin HTTP control surface over the acquisition
// controller. Every handler here does nothing but decode a request,
// delegate to the corresponding core operation (server manager, capability
// registry, pipeline, or daemon), and encode the result; no business logic
// lives in this package.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/viable-systems/capacquire/apitypes"
	"github.com/viable-systems/capacquire/internal/acquisition"
	"github.com/viable-systems/capacquire/internal/capability"
	"github.com/viable-systems/capacquire/internal/daemon"
	"github.com/viable-systems/capacquire/internal/servermanager"
	"github.com/viable-systems/capacquire/internal/telemetry"
	"github.com/viable-systems/capacquire/internal/toolerrors"
)

// idempotencyWindow bounds how long a trigger-acquisition Idempotency-Key
// is remembered before a retry is treated as a new request.
const idempotencyWindow = 5 * time.Minute

// Server holds the collaborators the HTTP surface forwards to.
type Server struct {
	registry *capability.Registry
	manager  *servermanager.Manager
	pipeline *acquisition.Pipeline
	daemon   *daemon.Daemon
	logger   telemetry.Logger
	validate *validator.Validate

	idemMu sync.Mutex
	idem   map[string]idempotencyEntry
}

type idempotencyEntry struct {
	record    apitypes.AcquisitionRecord
	expiresAt time.Time
}

// New constructs a Server over the core's live collaborators.
func New(registry *capability.Registry, manager *servermanager.Manager, pipeline *acquisition.Pipeline, d *daemon.Daemon, logger telemetry.Logger) *Server {
	return &Server{
		registry: registry,
		manager:  manager,
		pipeline: pipeline,
		daemon:   d,
		logger:   logger,
		validate: validator.New(),
		idem:     make(map[string]idempotencyEntry),
	}
}

// Router builds the chi.Router exposing the control-surface operations.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/capabilities", s.listCapabilities)
	r.Post("/capabilities/refresh", s.refreshCapabilities)
	r.Post("/capabilities/{name}/invoke", s.invokeCapability)
	r.Get("/servers", s.listServers)
	r.Post("/gaps", s.injectGap)
	r.Post("/acquisitions", s.triggerAcquisition)
	r.Get("/status", s.status)
	return r
}

func (s *Server) listCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) refreshCapabilities(w http.ResponseWriter, r *http.Request) {
	s.registry.Refresh()
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) listServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.List())
}

type invokeRequest struct {
	Args      any `json:"args"`
	TimeoutMS int `json:"timeout_ms"`
}

func (s *Server) invokeCapability(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req invokeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, toolerrors.Newf(toolerrors.CodeTransportMalformed, "invalid request body: %v", err))
		return
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	result, err := s.registry.Invoke(r.Context(), name, req.Args, timeout)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result)
}

type gapRequest struct {
	Descriptors []apitypes.CapabilityDescriptor `json:"descriptors" validate:"required,min=1,dive"`
}

func (s *Server) injectGap(w http.ResponseWriter, r *http.Request) {
	var req gapRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.daemon.InjectGap(r.Context(), req.Descriptors)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

type acquireRequest struct {
	Descriptors []apitypes.CapabilityDescriptor `json:"descriptors" validate:"required,min=1,dive"`
	Force       bool                            `json:"force"`
}

// triggerAcquisition calls the pipeline directly, bypassing the daemon's
// variety check. An optional Idempotency-Key header lets a caller retry a
// POST safely: duplicate keys within idempotencyWindow replay the original
// AcquisitionRecord instead of starting a second pipeline run.
func (s *Server) triggerAcquisition(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key != "" {
		if rec, ok := s.lookupIdempotent(key); ok {
			writeJSON(w, http.StatusOK, rec)
			return
		}
	}

	rec := s.pipeline.Acquire(r.Context(), req.Descriptors, acquisition.Options{Force: req.Force})
	if key != "" {
		s.storeIdempotent(key, rec)
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) lookupIdempotent(key string) (apitypes.AcquisitionRecord, bool) {
	s.idemMu.Lock()
	defer s.idemMu.Unlock()
	s.evictExpiredLocked()
	e, ok := s.idem[key]
	if !ok {
		return apitypes.AcquisitionRecord{}, false
	}
	return e.record, true
}

func (s *Server) storeIdempotent(key string, rec apitypes.AcquisitionRecord) {
	s.idemMu.Lock()
	defer s.idemMu.Unlock()
	s.idem[key] = idempotencyEntry{record: rec, expiresAt: time.Now().Add(idempotencyWindow)}
}

func (s *Server) evictExpiredLocked() {
	now := time.Now()
	for k, e := range s.idem {
		if now.After(e.expiresAt) {
			delete(s.idem, k)
		}
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.Status())
}

func (s *Server) decodeAndValidate(r *http.Request, v any) error {
	if err := decodeBody(r, v); err != nil {
		return toolerrors.Newf(toolerrors.CodeTransportMalformed, "invalid request body: %v", err)
	}
	if err := s.validate.Struct(v); err != nil {
		return toolerrors.Newf(toolerrors.CodeTransportMalformed, "validation failed: %v", err)
	}
	return nil
}

func decodeBody(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// writeError encodes a taxonomy-tagged structured error object;
// tool-server error payloads are passed through verbatim in Data.
func writeError(w http.ResponseWriter, status int, err error) {
	body := errorBody{Code: "internal", Message: err.Error()}
	var te *toolerrors.Error
	if errors.As(err, &te) {
		body.Code = te.Code
		body.Message = te.Message
		body.Data = te.Data
	}
	writeJSON(w, status, body)
}

func statusForError(err error) int {
	var te *toolerrors.Error
	if !errors.As(err, &te) {
		return http.StatusInternalServerError
	}
	switch te.Code {
	case toolerrors.CodeInvokeNotBound, toolerrors.CodeInvokeUnknownTool:
		return http.StatusNotFound
	case toolerrors.CodeTransportTimeout:
		return http.StatusGatewayTimeout
	case toolerrors.CodeTransportMalformed:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
