package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/romegasoftware/availability/internal/metrics"
	"github.com/romegasoftware/availability/internal/repository"
	"github.com/romegasoftware/availability/internal/service"
)

const maxJSONBodyBytes = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPServer serves the availability API: a point-in-time check endpoint plus
// CRUD for subjects and rules.
type HTTPServer struct {
	service         Service
	metrics         *metrics.Metrics
	maxJSONBodySize int64
}

// HTTPOption configures optional HTTP server parameters.
type HTTPOption func(*HTTPServer)

// WithMaxJSONBodySize overrides the JSON request body size limit in bytes.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodySize = n
		}
	}
}

type checkJSONRequest struct {
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	At          string `json:"at,omitempty"`
}

// NewHTTPHandler builds the API handler. Metrics may be nil, which disables
// the /metrics endpoint and instrumentation.
func NewHTTPHandler(svc Service, m *metrics.Metrics, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:         svc,
		metrics:         m,
		maxJSONBodySize: maxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/check", server.handleCheck)
	mux.HandleFunc("POST /v1/subjects", server.handleUpsertSubject)
	mux.HandleFunc("GET /v1/subjects", server.handleListSubjects)
	mux.HandleFunc("GET /v1/subjects/{type}/{id}", server.handleGetSubject)
	mux.HandleFunc("DELETE /v1/subjects/{type}/{id}", server.handleDeleteSubject)
	mux.HandleFunc("POST /v1/subjects/{type}/{id}/rules", server.handleCreateRule)
	mux.HandleFunc("GET /v1/subjects/{type}/{id}/rules", server.handleListRules)
	mux.HandleFunc("GET /v1/rules/{id}", server.handleGetRule)
	mux.HandleFunc("PUT /v1/rules/{id}", server.handleUpdateRule)
	mux.HandleFunc("DELETE /v1/rules/{id}", server.handleDeleteRule)
	mux.HandleFunc("GET /v1/events", server.handleListEvents)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	mux.HandleFunc("GET /metrics", server.handleMetrics)

	return server.withMetrics(mux)
}

// withMetrics records request counts and latencies per route pattern.
func (s *HTTPServer) withMetrics(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.RecordHTTPRequest(r.Method, route, recorder.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.status = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.status = http.StatusOK
		r.written = true
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *HTTPServer) handleCheck(w http.ResponseWriter, r *http.Request) {
	var request checkJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.SubjectType) == "" || strings.TrimSpace(request.SubjectID) == "" {
		writeJSONError(w, http.StatusBadRequest, "subject_type and subject_id are required")
		return
	}

	at := time.Now()
	if request.At != "" {
		parsed, err := time.Parse(time.RFC3339, request.At)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "at must be RFC 3339")
			return
		}
		at = parsed
	}

	result, err := s.service.Check(r.Context(), request.SubjectType, request.SubjectID, at)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleUpsertSubject(w http.ResponseWriter, r *http.Request) {
	var subject repository.Subject
	if err := s.decodeJSONBody(w, r, &subject); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(subject.SubjectType) == "" || strings.TrimSpace(subject.SubjectID) == "" {
		writeJSONError(w, http.StatusBadRequest, "subject_type and subject_id are required")
		return
	}

	stored, err := s.service.UpsertSubject(r.Context(), subject)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stored)
}

func (s *HTTPServer) handleGetSubject(w http.ResponseWriter, r *http.Request) {
	subjectType, subjectID, ok := subjectRef(w, r)
	if !ok {
		return
	}

	subject, err := s.service.GetSubject(r.Context(), subjectType, subjectID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, subject)
}

func (s *HTTPServer) handleListSubjects(w http.ResponseWriter, r *http.Request) {
	subjects, err := s.service.ListSubjects(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, subjects)
}

func (s *HTTPServer) handleDeleteSubject(w http.ResponseWriter, r *http.Request) {
	subjectType, subjectID, ok := subjectRef(w, r)
	if !ok {
		return
	}

	if err := s.service.DeleteSubject(r.Context(), subjectType, subjectID); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	subjectType, subjectID, ok := subjectRef(w, r)
	if !ok {
		return
	}

	var rule repository.Rule
	if err := s.decodeJSONBody(w, r, &rule); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	rule.SubjectType = subjectType
	rule.SubjectID = subjectID

	created, err := s.service.CreateRule(r.Context(), rule)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListRules(w http.ResponseWriter, r *http.Request) {
	subjectType, subjectID, ok := subjectRef(w, r)
	if !ok {
		return
	}

	rules, err := s.service.ListRules(r.Context(), subjectType, subjectID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rules)
}

func (s *HTTPServer) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "rule id is required")
		return
	}

	rule, err := s.service.GetRule(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

func (s *HTTPServer) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "rule id is required")
		return
	}

	var rule repository.Rule
	if err := s.decodeJSONBody(w, r, &rule); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if rule.ID != "" && rule.ID != id {
		writeJSONError(w, http.StatusBadRequest, "rule id in body does not match path")
		return
	}
	rule.ID = id

	updated, err := s.service.UpdateRule(r.Context(), rule)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "rule id is required")
		return
	}

	if err := s.service.DeleteRule(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleListEvents(w http.ResponseWriter, r *http.Request) {
	since := int64(0)
	if v := strings.TrimSpace(r.URL.Query().Get("since")); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			writeJSONError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = parsed
	}

	limit := 0
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := s.service.ListEventsSince(r.Context(), since, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, events)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.NotFound(w, r)
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func subjectRef(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	subjectType := strings.TrimSpace(r.PathValue("type"))
	subjectID := strings.TrimSpace(r.PathValue("id"))
	if subjectType == "" || subjectID == "" {
		writeJSONError(w, http.StatusBadRequest, "subject type and id are required")
		return "", "", false
	}
	return subjectType, subjectID, true
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, s.maxJSONBodySize)
	defer body.Close()

	payload, err := io.ReadAll(body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return errJSONBodyTooLarge
		}
		return fmt.Errorf("read request body: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrSubjectNotFound), errors.Is(err, service.ErrRuleNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrUnknownRuleType),
		errors.Is(err, service.ErrInvalidEffect),
		errors.Is(err, service.ErrInvalidTimezone),
		errors.Is(err, service.ErrInvalidConfig):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}
