// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the work package
// service. It exposes the work package and dataset endpoints with two
// authentication schemes: internal auth assertions for user-facing operations
// and work package access tokens for token-holder operations.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fedgenomics/work-package-service/internal/auth"
	"github.com/fedgenomics/work-package-service/internal/crypt4gh"
	errordefs "github.com/fedgenomics/work-package-service/internal/errors"
	"github.com/fedgenomics/work-package-service/internal/metrics"
	"github.com/fedgenomics/work-package-service/internal/model"
	"github.com/fedgenomics/work-package-service/internal/storage"
	"github.com/fedgenomics/work-package-service/internal/work"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	// ContextKeyCorrelationID stores the unique ID for request tracking
	ContextKeyCorrelationID ContextKey = "correlationId"
)

const tracerName = "work-package-service"

// Mux handles HTTP requests for the work package service.
type Mux struct {
	mux      *http.ServeMux   // HTTP request multiplexer
	manager  *work.Manager    // Work package manager
	store    storage.Store    // Storage, used for readiness checks
	verifier *auth.Verifier   // Verifier for internal auth assertions
	metrics  *metrics.Metrics // Metrics for monitoring

	// CORS configuration
	corsAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// NewMux creates a new HTTP mux with all work package endpoints.
func NewMux(manager *work.Manager, store storage.Store, verifier *auth.Verifier, corsAllowedOrigins []string) *http.ServeMux {
	m := &Mux{
		mux:                http.NewServeMux(),
		manager:            manager,
		store:              store,
		verifier:           verifier,
		metrics:            metrics.NewMetrics(),
		corsAllowedOrigins: corsAllowedOrigins,
	}

	// Register health endpoints
	m.mux.HandleFunc("/health", m.handleHealth)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	// Register work package endpoints with appropriate middleware
	m.mux.HandleFunc("/work-packages", m.method("POST", m.withMiddleware(m.handleCreateWorkPackage)))
	m.mux.HandleFunc("/work-packages/", m.withMiddleware(m.handleWorkPackageSubtree))
	m.mux.HandleFunc("/users/", m.method("GET", m.withMiddleware(m.handleListUserDatasets)))

	return m.mux
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method && r.Method != http.MethodOptions {
			err := errordefs.New(errordefs.WPS_BAD_REQUEST, "method not allowed", "")
			m.writeErrorDef(w, err)
			return
		}
		h(w, r)
	}
}

// withMiddleware applies common middleware to handlers: CORS handling,
// correlation IDs and request logging with metrics.
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Handle CORS preflight requests
		if r.Method == http.MethodOptions {
			if origin := r.Header.Get("Origin"); origin != "" && m.originAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
			w.WriteHeader(http.StatusOK)
			return
		}

		// Set CORS headers for regular requests
		if origin := r.Header.Get("Origin"); origin != "" && m.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(recorder, r)

		m.logRequest(r, recorder.status, time.Since(start), correlationID)
	}
}

// originAllowed reports whether the given origin may access the API.
func (m *Mux) originAllowed(origin string) bool {
	for _, allowed := range m.corsAllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// logRequest logs request details and records request metrics.
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("correlation_id", correlationID),
	}

	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.LogAttrs(r.Context(), level, "request completed", attrs...)

	statusText := http.StatusText(status)
	m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, r.URL.Path, statusText).Inc()
	m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path, statusText).Observe(duration.Seconds())
}

// bearerToken extracts the bearer token from the Authorization header.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errordefs.New(errordefs.WPS_AUTH, "missing Authorization header", "")
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errordefs.New(errordefs.WPS_AUTH, "invalid Authorization header format", "")
	}
	return strings.TrimPrefix(header, "Bearer "), nil
}

// authenticateUser verifies the internal auth assertion on the request and
// returns the asserted user context.
func (m *Mux) authenticateUser(r *http.Request) (*model.UserContext, error) {
	assertion, err := bearerToken(r)
	if err != nil {
		return nil, err
	}
	user, err := m.verifier.Verify(assertion)
	if err != nil {
		return nil, errordefs.New(errordefs.WPS_AUTH, "not authenticated", "")
	}
	return user, nil
}

// writeJSON writes a JSON response with the given status code.
func (m *Mux) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response following the service error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"error": map[string]interface{}{
			"code":          code,
			"message":       message,
			"correlationId": correlationID,
		},
	}

	if details != nil {
		response["error"].(map[string]interface{})["details"] = details
	}

	_ = json.NewEncoder(w).Encode(response)
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// writeManagerError maps a manager error to the error taxonomy and writes it.
// All denial reasons collapse into one uniform response.
func (m *Mux) writeManagerError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID, _ := r.Context().Value(ContextKeyCorrelationID).(string)

	var errorDef *errordefs.Error
	switch {
	case errors.As(err, &errorDef):
		errorDef.CorrelationID = correlationID
	case errors.Is(err, work.ErrAccessDenied):
		errorDef = errordefs.New(errordefs.WPS_ACCESS_DENIED, "access denied", correlationID)
	case errors.Is(err, crypt4gh.ErrInvalidKey):
		errorDef = errordefs.New(errordefs.WPS_INVALID_KEY, "invalid public Crypt4GH key", correlationID)
	default:
		slog.Error("internal error", "error", err, "correlation_id", correlationID)
		errorDef = errordefs.New(errordefs.WPS_INTERNAL, "internal server error", correlationID)
	}
	m.writeErrorDef(w, errorDef)
}

// handleHealth handles liveness health check requests
func (m *Mux) handleHealth(w http.ResponseWriter, r *http.Request) {
	m.writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// handleReadyz handles readiness health check requests
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.store.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleCreateWorkPackage handles POST /work-packages
func (m *Mux) handleCreateWorkPackage(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleCreateWorkPackage")
	defer span.End()
	defer r.Body.Close()

	user, err := m.authenticateUser(r)
	if err != nil {
		span.SetStatus(codes.Error, "not authenticated")
		m.writeManagerError(w, r, err)
		return
	}

	var creationData model.WorkPackageCreationData
	if err := json.NewDecoder(r.Body).Decode(&creationData); err != nil {
		correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeErrorDef(w, errordefs.New(errordefs.WPS_VALIDATION, "invalid JSON", correlationID))
		return
	}

	if creationData.DatasetID == "" || creationData.Type == "" {
		correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)
		m.writeErrorDef(w, errordefs.New(errordefs.WPS_VALIDATION,
			"dataset_id and type are required", correlationID))
		return
	}

	span.SetAttributes(
		attribute.String("dataset_id", creationData.DatasetID),
		attribute.String("work_type", string(creationData.Type)),
	)

	response, err := m.manager.Create(ctx, creationData, user)
	if err != nil {
		span.SetStatus(codes.Error, "work package creation failed")
		m.writeManagerError(w, r, err)
		return
	}

	m.writeJSON(w, http.StatusCreated, response)
}

// handleWorkPackageSubtree dispatches requests below /work-packages/ to the
// details and work order token handlers based on path shape and method.
func (m *Mux) handleWorkPackageSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/work-packages/")
	segments := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(segments) == 1 && segments[0] != "" && r.Method == http.MethodGet:
		m.handleGetWorkPackage(w, r, segments[0])
	case len(segments) == 4 && segments[1] == "files" && segments[3] == "work-order-tokens" &&
		r.Method == http.MethodPost:
		m.handleCreateWorkOrderToken(w, r, segments[0], segments[2])
	default:
		m.writeErrorDef(w, errordefs.New(errordefs.WPS_BAD_REQUEST, "unknown route", ""))
	}
}

// handleGetWorkPackage handles GET /work-packages/{workPackageId}
func (m *Mux) handleGetWorkPackage(w http.ResponseWriter, r *http.Request, workPackageID string) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleGetWorkPackage")
	defer span.End()

	span.SetAttributes(attribute.String("work_package_id", workPackageID))

	accessToken, err := bearerToken(r)
	if err != nil {
		span.SetStatus(codes.Error, "missing access token")
		m.writeManagerError(w, r, err)
		return
	}

	details, err := m.manager.GetDetails(ctx, workPackageID, accessToken)
	if err != nil {
		span.SetStatus(codes.Error, "work package lookup failed")
		m.writeManagerError(w, r, err)
		return
	}

	m.writeJSON(w, http.StatusOK, details)
}

// handleCreateWorkOrderToken handles
// POST /work-packages/{workPackageId}/files/{fileId}/work-order-tokens
func (m *Mux) handleCreateWorkOrderToken(w http.ResponseWriter, r *http.Request, workPackageID, fileID string) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleCreateWorkOrderToken")
	defer span.End()

	span.SetAttributes(
		attribute.String("work_package_id", workPackageID),
		attribute.String("file_id", fileID),
	)

	accessToken, err := bearerToken(r)
	if err != nil {
		span.SetStatus(codes.Error, "missing access token")
		m.writeManagerError(w, r, err)
		return
	}

	workOrderToken, err := m.manager.CreateWorkOrderToken(ctx, workPackageID, fileID, accessToken)
	if err != nil {
		span.SetStatus(codes.Error, "work order token creation failed")
		m.writeManagerError(w, r, err)
		return
	}

	m.writeJSON(w, http.StatusCreated, map[string]string{"token": workOrderToken})
}

// handleListUserDatasets handles GET /users/{userId}/datasets
func (m *Mux) handleListUserDatasets(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleListUserDatasets")
	defer span.End()

	path := strings.TrimPrefix(r.URL.Path, "/users/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) != 2 || segments[0] == "" || segments[1] != "datasets" {
		m.writeErrorDef(w, errordefs.New(errordefs.WPS_BAD_REQUEST, "unknown route", ""))
		return
	}
	userID := segments[0]

	span.SetAttributes(attribute.String("user_id", userID))

	user, err := m.authenticateUser(r)
	if err != nil {
		span.SetStatus(codes.Error, "not authenticated")
		m.writeManagerError(w, r, err)
		return
	}

	datasets, err := m.manager.ListUserDatasets(ctx, userID, user)
	if err != nil {
		span.SetStatus(codes.Error, "dataset listing failed")
		m.writeManagerError(w, r, err)
		return
	}

	m.writeJSON(w, http.StatusOK, datasets)
}
