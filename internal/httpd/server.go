// Package httpd exposes the upload coordinator over HTTP.
//
// The surface is a thin JSON translation of the coordinator's operations;
// all session semantics live in the haul package.
package httpd

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"

	"github.com/justapithecus/haul/haul"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes bounds request bodies. Control-plane requests are tiny;
// part bytes never pass through this server.
const maxBodyBytes = 1 << 20 // 1MB

// Server routes HTTP requests to a Coordinator.
type Server struct {
	coord  *haul.Coordinator
	logger *slog.Logger
	router chi.Router
}

// NewServer creates an HTTP server over the given coordinator. A nil logger
// discards logs.
func NewServer(coord *haul.Coordinator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Server{coord: coord, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Post("/parts/{partNumber}", s.handleReportPart)
			r.Get("/parts/{partNumber}/credential", s.handleReissueCredential)
			r.Post("/complete", s.handleComplete)
			r.Post("/abort", s.handleAbort)
		})
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// -----------------------------------------------------------------------------
// Request / response bodies
// -----------------------------------------------------------------------------

type createRequest struct {
	Bucket      string            `json:"bucket"`
	Key         string            `json:"key"`
	TotalSize   int64             `json:"total_size"`
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type createResponse struct {
	Session     *haul.Session         `json:"session"`
	Credentials []haul.PartCredential `json:"credentials"`
}

type reportPartRequest struct {
	Token string `json:"token"`
}

type reportPartResponse struct {
	State haul.SessionState `json:"state"`
}

type completeResponse struct {
	State    haul.SessionState `json:"state"`
	Location string            `json:"location"`
}

type abortResponse struct {
	State haul.SessionState `json:"state"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	res, err := s.coord.Create(r.Context(), haul.CreateRequest{
		Bucket:      req.Bucket,
		Key:         req.Key,
		TotalSize:   req.TotalSize,
		ContentType: req.ContentType,
		Metadata:    req.Metadata,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("session created",
		"session_id", res.Session.ID,
		"bucket", res.Session.Bucket,
		"key", res.Session.Key,
		"total_size", res.Session.TotalSize,
		"part_count", res.Session.PartCount)

	s.writeJSON(w, http.StatusCreated, createResponse{
		Session:     res.Session,
		Credentials: res.Credentials,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	session, err := s.coord.Get(r.Context(), sessionID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleReportPart(w http.ResponseWriter, r *http.Request) {
	partNumber, ok := s.partNumber(w, r)
	if !ok {
		return
	}

	var req reportPartRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	state, err := s.coord.ReportPart(r.Context(), sessionID(r), partNumber, req.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reportPartResponse{State: state})
}

func (s *Server) handleReissueCredential(w http.ResponseWriter, r *http.Request) {
	partNumber, ok := s.partNumber(w, r)
	if !ok {
		return
	}

	cred, err := s.coord.ReissuePartCredential(r.Context(), sessionID(r), partNumber)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cred)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	res, err := s.coord.Complete(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("session completed", "session_id", id, "location", res.Location)
	s.writeJSON(w, http.StatusOK, completeResponse{
		State:    res.State,
		Location: res.Location,
	})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	state, err := s.coord.Abort(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("session aborted", "session_id", id)
	s.writeJSON(w, http.StatusOK, abortResponse{State: state})
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func sessionID(r *http.Request) haul.SessionID {
	return haul.SessionID(chi.URLParam(r, "sessionID"))
}

func (s *Server) partNumber(w http.ResponseWriter, r *http.Request) (int32, bool) {
	raw := chi.URLParam(r, "partNumber")
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid part number"})
		return 0, false
	}
	return int32(n), true
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writing response", "error", err)
	}
}

// writeError maps coordinator errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError

	var storeErr *haul.StoreError
	switch {
	case errors.Is(err, haul.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, haul.ErrInvalidTarget),
		errors.Is(err, haul.ErrInvalidSize),
		errors.Is(err, haul.ErrObjectTooLarge),
		errors.Is(err, haul.ErrInvalidPart):
		status = http.StatusBadRequest
	case errors.Is(err, haul.ErrPartConflict),
		errors.Is(err, haul.ErrInvalidState):
		// ErrSessionExpired matches ErrInvalidState.
		status = http.StatusConflict
	case errors.As(err, &storeErr):
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}

	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}
