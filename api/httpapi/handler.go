// Package httpapi exposes unit-of-work execution over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sushant-115/gojotx/core/execution"
	"github.com/sushant-115/gojotx/core/service"
	"go.uber.org/zap"
)

// CallRequest is the body of POST /api/call.
type CallRequest struct {
	Service               string         `json:"service"`
	Parameters            map[string]any `json:"parameters"`
	IgnoreTransaction     bool           `json:"ignoreTransaction"`
	RequireNewTransaction bool           `json:"requireNewTransaction"`
	UseTransactionCache   *bool          `json:"useTransactionCache,omitempty"`
	TimeoutSeconds        int            `json:"transactionTimeoutSeconds,omitempty"`
	Multi                 bool           `json:"multi"`
}

// CallResponse is returned for both successful and failed calls.
type CallResponse struct {
	TaskID string         `json:"taskId,omitempty"`
	Worker string         `json:"worker,omitempty"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
	Chain  []string       `json:"chain,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	LiveTransactions  int      `json:"liveTransactions"`
	ExecutionContexts int      `json:"executionContexts"`
	Services          []string `json:"services"`
}

// Handler serves the HTTP API.
type Handler struct {
	pool    *execution.Pool
	factory *execution.Factory
	facade  *service.Facade
	metrics http.Handler
	timeout time.Duration
	logger  *zap.Logger
}

func NewHandler(pool *execution.Pool, factory *execution.Factory, facade *service.Facade, metrics http.Handler, logger *zap.Logger) *Handler {
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	return &Handler{
		pool:    pool,
		factory: factory,
		facade:  facade,
		metrics: metrics,
		timeout: 5 * time.Minute,
		logger:  logger.Named("http_api"),
	}
}

// Routes builds the chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/status", h.status)
	r.Method(http.MethodGet, "/metrics", h.metrics)
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(h.timeout))
		r.Post("/call", h.call)
	})
	return r
}

func (h *Handler) call(w http.ResponseWriter, r *http.Request) {
	var body CallRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondJSON(w, http.StatusBadRequest, CallResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if body.Service == "" {
		h.respondJSON(w, http.StatusBadRequest, CallResponse{Error: "service is required"})
		return
	}

	req := service.Request{
		Name:                  body.Service,
		Parameters:            body.Parameters,
		IgnoreTransaction:     body.IgnoreTransaction,
		RequireNewTransaction: body.RequireNewTransaction,
		UseTransactionCache:   body.UseTransactionCache,
		TransactionTimeout:    time.Duration(body.TimeoutSeconds) * time.Second,
		Multi:                 body.Multi,
	}
	fut, err := h.pool.RunService(r.Context(), req)
	if err != nil {
		h.respondError(w, err, CallResponse{})
		return
	}
	if err := fut.Wait(r.Context()); err != nil {
		h.respondError(w, err, CallResponse{TaskID: fut.ID, Worker: string(fut.Worker)})
		return
	}
	h.respondJSON(w, http.StatusOK, CallResponse{TaskID: fut.ID, Worker: string(fut.Worker), Result: fut.Result()})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, StatusResponse{
		LiveTransactions:  h.facade.Coordinator().LiveCount(),
		ExecutionContexts: h.factory.ActiveCount(),
		Services:          h.facade.Registry().Names(),
	})
}

// statusFor maps call failures to HTTP status codes.
func statusFor(err error) int {
	var notFound *service.UnitOfWorkNotFoundError
	var conflict *service.ConcurrencyConflictError
	var execErr *service.ExecutionError
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &conflict), errors.Is(err, service.ErrRollbackOnlyTransaction):
		return http.StatusConflict
	case errors.Is(err, service.ErrNotRunnable), errors.Is(err, service.ErrInvalidName),
		errors.Is(err, service.ErrEmptyName), errors.Is(err, service.ErrMissingParameter):
		return http.StatusBadRequest
	case errors.Is(err, execution.ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &execErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondError(w http.ResponseWriter, err error, resp CallResponse) {
	code := statusFor(err)
	resp.Error = err.Error()
	var execErr *service.ExecutionError
	if errors.As(err, &execErr) {
		resp.Chain = execErr.Chain()
	}
	if code == http.StatusInternalServerError {
		h.logger.Error("Unit of work call failed", zap.String("worker", resp.Worker), zap.Error(err))
	}
	h.respondJSON(w, code, resp)
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("Request served",
			zap.String("method", r.Method), zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()), zap.Duration("elapsed", time.Since(start)),
			zap.String("requestID", middleware.GetReqID(r.Context())))
	})
}
