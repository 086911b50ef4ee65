// Package httpapi exposes the reconciliation engine over HTTP: the commerce
// webhook intake, the deal-triggered action endpoint and a small admin
// surface over the event archive and operation ledger.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/ordersync/internal/ordersync"
)

const (
	defaultMaxBodyBytes    = 1 << 20
	defaultRateLimitWindow = time.Minute
	defaultRateLimitMax    = 120
)

// OrderReconciler is the slice of the reconciliation engine the API needs.
type OrderReconciler interface {
	Dispatch(ctx context.Context, topic string, order ordersync.ForeignOrder) (*ordersync.Result, error)
	RunActionBatch(ctx context.Context, actions []ordersync.ActionRequest) []ordersync.ActionOutcome
}

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	// WebhookSecret keys the HMAC signature check on webhook deliveries.
	WebhookSecret string
	// AdminToken guards the action and admin endpoints.
	AdminToken string
	// MaxBodyBytes caps request bodies. Defaults to 1 MiB.
	MaxBodyBytes int64
	// RateLimitWindow and RateLimitMax bound webhook intake per source IP.
	RateLimitWindow time.Duration
	RateLimitMax    int

	Logger Logger
}

type Server struct {
	cfg        ServerConfig
	store      *ordersync.Store
	reconciler OrderReconciler
	limiter    *rateLimiter
	logger     Logger
}

func NewServer(cfg ServerConfig, store *ordersync.Store, reconciler OrderReconciler) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = defaultRateLimitWindow
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = defaultRateLimitMax
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:        cfg,
		store:      store,
		reconciler: reconciler,
		limiter:    newRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMax),
		logger:     logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path)

	switch {
	case len(parts) == 1 && parts[0] == "health":
		s.handleHealth(w, r)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "webhooks" && parts[2] == "orders":
		s.requireMethod(w, r, http.MethodPost, s.handleOrderWebhook)
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "actions":
		s.requireMethod(w, r, http.MethodPost, s.withAdmin(s.handleActions))
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "operations":
		s.handleOperations(w, r)
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "operations" && parts[3] == "live":
		s.handleOperationsLive(w, r)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "events":
		s.handleEvents(w, r)
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "replay":
		s.requireMethod(w, r, http.MethodPost, s.withAdmin(func(w http.ResponseWriter, r *http.Request) {
			s.handleReplay(w, r, parts[3])
		}))
	default:
		writeError(w, r, http.StatusNotFound, "not_found", "unknown endpoint")
	}
}

func (s *Server) requireMethod(w http.ResponseWriter, r *http.Request, method string, next http.HandlerFunc) {
	if r.Method != method {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", fmt.Sprintf("use %s", method))
		return
	}
	next(w, r)
}

func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if authErr := authorizeAdmin(r, s.cfg.AdminToken); authErr != nil {
			writeError(w, r, authErr.status, authErr.code, authErr.message)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"events":     s.store.CountEvents(),
		"operations": s.store.CountOperations(),
	})
}

// handleOrderWebhook verifies, archives and synchronously reconciles one
// webhook delivery. Terminal rejections return 200 so the platform does not
// redeliver; transient failures return 502 to request a retry.
func (s *Server) handleOrderWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(clientKey(r)) {
		writeError(w, r, http.StatusTooManyRequests, "rate_limited", "webhook intake limit exceeded")
		return
	}
	body, err := readRequestBody(w, r, s.cfg.MaxBodyBytes)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit")
			return
		}
		writeError(w, r, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}
	if authErr := verifyWebhookHMAC(r, body, s.cfg.WebhookSecret); authErr != nil {
		writeError(w, r, authErr.status, authErr.code, authErr.message)
		return
	}

	var order ordersync.ForeignOrder
	if err := json.Unmarshal(body, &order); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_payload", "body is not a valid order payload")
		return
	}

	topic := strings.TrimSpace(r.Header.Get("X-Webhook-Topic"))
	event := s.store.AppendEvent(ordersync.InboundEvent{Topic: topic, Body: json.RawMessage(body)})

	result, err := s.reconciler.Dispatch(r.Context(), topic, order)
	if err != nil {
		if isTerminal(err) {
			writeJSON(w, http.StatusOK, map[string]any{
				"eventId": event.ID,
				"status":  "rejected",
				"error":   err.Error(),
			})
			return
		}
		s.logger.Printf("httpapi: webhook %s reconciliation failed: %v", event.ID, err)
		writeError(w, r, http.StatusBadGateway, "reconciliation_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"eventId": event.ID,
		"status":  "ok",
		"result":  result,
	})
}

// isTerminal reports whether redelivering the same payload could not help.
func isTerminal(err error) bool {
	return errors.Is(err, ordersync.ErrValidation) ||
		errors.Is(err, ordersync.ErrInvalidInput) ||
		errors.Is(err, ordersync.ErrPermission)
}

type actionBatchRequest struct {
	Actions []actionItem `json:"actions"`
}

type actionItem struct {
	Kind           ordersync.ActionKind `json:"kind"`
	SourceRecordID string               `json:"sourceRecordId"`
	Payload        json.RawMessage      `json:"payload"`
}

// handleActions normalizes and runs a batch of deal-triggered actions.
// Items that fail schema validation are reported in place without blocking
// their siblings.
func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	body, err := readRequestBody(w, r, s.cfg.MaxBodyBytes)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit")
			return
		}
		writeError(w, r, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}
	var req actionBatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_payload", "body is not a valid action batch")
		return
	}
	if len(req.Actions) == 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_payload", "actions list is empty")
		return
	}

	outcomes := make([]ordersync.ActionOutcome, len(req.Actions))
	var runnable []ordersync.ActionRequest
	var runnableIdx []int
	for i, item := range req.Actions {
		normalized, err := ordersync.NormalizeAction(item.Kind, item.SourceRecordID, item.Payload)
		if err != nil {
			outcomes[i] = ordersync.ActionOutcome{
				Index:          i,
				Kind:           item.Kind,
				SourceRecordID: item.SourceRecordID,
				Status:         "failed",
				Error:          err.Error(),
			}
			continue
		}
		runnable = append(runnable, *normalized)
		runnableIdx = append(runnableIdx, i)
	}

	for j, outcome := range s.reconciler.RunActionBatch(r.Context(), runnable) {
		outcome.Index = runnableIdx[j]
		outcomes[outcome.Index] = outcome
	}

	failed := 0
	for _, outcome := range outcomes {
		if outcome.Status != "ok" {
			failed++
		}
	}
	status := "ok"
	switch {
	case failed == len(outcomes):
		status = "failed"
	case failed > 0:
		status = "partial"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"outcomes": outcomes,
	})
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.withAdmin(func(w http.ResponseWriter, r *http.Request) {
			records := s.store.ListOperations(parseLimit(r, 100))
			writeJSON(w, http.StatusOK, map[string]any{
				"operations": records,
				"count":      s.store.CountOperations(),
			})
		})(w, r)
	case http.MethodDelete:
		s.withAdmin(func(w http.ResponseWriter, r *http.Request) {
			cleared := s.store.ClearOperations()
			writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
		})(w, r)
	default:
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or DELETE")
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.withAdmin(func(w http.ResponseWriter, r *http.Request) {
			events := s.store.ListEvents(parseLimit(r, 100))
			writeJSON(w, http.StatusOK, map[string]any{
				"events": events,
				"count":  s.store.CountEvents(),
			})
		})(w, r)
	case http.MethodDelete:
		s.withAdmin(func(w http.ResponseWriter, r *http.Request) {
			cleared := s.store.ClearEvents()
			writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
		})(w, r)
	default:
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or DELETE")
	}
}

// handleReplay re-runs reconciliation for an archived webhook delivery.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request, eventID string) {
	event, err := s.store.GetEvent(eventID)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "event_not_found", fmt.Sprintf("no archived event %s", eventID))
		return
	}
	var order ordersync.ForeignOrder
	if err := json.Unmarshal(event.Body, &order); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "invalid_payload", "archived body is not a valid order payload")
		return
	}
	result, err := s.reconciler.Dispatch(r.Context(), event.Topic, order)
	if err != nil {
		writeError(w, r, http.StatusBadGateway, "reconciliation_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"eventId": event.ID,
		"status":  "ok",
		"result":  result,
	})
}

func splitPath(p string) []string {
	var parts []string
	for _, part := range strings.Split(p, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func readRequestBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("httpapi: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": getCorrelationID(r),
	})
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}
