// Package api exposes the operational HTTP surface: delivery status
// lookups and the aggregated metrics summary.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Belladihno/email-service/internal/domain"
	"github.com/Belladihno/email-service/internal/repository"
	"github.com/Belladihno/email-service/internal/resilience"
)

// BreakerInspector lists persisted circuit breaker records.
type BreakerInspector interface {
	States(ctx context.Context) ([]resilience.Record, error)
}

// CacheInspector reads hit and miss counters for a named cache.
type CacheInspector interface {
	Counters(ctx context.Context, name string) (hits, misses int64, err error)
}

// QueueInspector reports message counts per broker queue.
type QueueInspector interface {
	Depths(ctx context.Context) (map[string]int, error)
}

type Handler struct {
	logs     repository.EmailLogRepository
	breakers BreakerInspector
	caches   CacheInspector
	queues   QueueInspector
	logger   *slog.Logger
}

func NewHandler(logs repository.EmailLogRepository, breakers BreakerInspector, caches CacheInspector, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logs:     logs,
		breakers: breakers,
		caches:   caches,
		logger:   logger,
	}
}

// WithQueues enables queue depth reporting in the metrics summary.
func (h *Handler) WithQueues(q QueueInspector) *Handler {
	h.queues = q
	return h
}

// GetNotification reports delivery state for one request id.
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	if requestID == "" {
		h.respondError(w, http.StatusBadRequest, "request id is required")
		return
	}

	log, err := h.logs.GetByRequestID(r.Context(), requestID)
	if errors.Is(err, domain.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "notification not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get notification", "error", err, "request_id", requestID)
		h.respondError(w, http.StatusInternalServerError, "failed to get notification")
		return
	}

	h.respondJSON(w, http.StatusOK, log)
}

type messageSummary struct {
	Pending     int64   `json:"pending"`
	Delivered   int64   `json:"delivered"`
	Failed      int64   `json:"failed"`
	Total       int64   `json:"total"`
	SuccessRate float64 `json:"success_rate"`
}

type retrySummary struct {
	Total int64 `json:"total"`
	Max   int64 `json:"max"`
}

type breakerSummary struct {
	Service      string `json:"service"`
	State        string `json:"state"`
	FailureCount int    `json:"failure_count"`
}

type cacheSummary struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

type SummaryResponse struct {
	Messages        messageSummary          `json:"messages"`
	Retries         retrySummary            `json:"retries"`
	AvgLatencyMS    float64                 `json:"avg_delivery_latency_ms"`
	QueueDepths     map[string]int          `json:"queue_depths"`
	CircuitBreakers []breakerSummary        `json:"circuit_breakers"`
	Caches          map[string]cacheSummary `json:"caches"`
}

// GetSummary aggregates delivery counts, retry stats, breaker states, and
// cache effectiveness into one operational snapshot.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	summary, err := h.logs.Summary(ctx)
	if err != nil {
		h.logger.Error("failed to load delivery summary", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load summary")
		return
	}

	delivered := summary.Counts[domain.NotificationStatusDelivered]
	failed := summary.Counts[domain.NotificationStatusFailed]
	pending := summary.Counts[domain.NotificationStatusPending]

	resp := SummaryResponse{
		Messages: messageSummary{
			Pending:   pending,
			Delivered: delivered,
			Failed:    failed,
			Total:     pending + delivered + failed,
		},
		Retries: retrySummary{
			Total: summary.TotalRetries,
			Max:   summary.MaxRetries,
		},
		AvgLatencyMS:    summary.AvgLatencyMS,
		QueueDepths:     make(map[string]int),
		CircuitBreakers: []breakerSummary{},
		Caches:          make(map[string]cacheSummary),
	}
	if terminal := delivered + failed; terminal > 0 {
		resp.Messages.SuccessRate = float64(delivered) / float64(terminal)
	}

	if h.queues != nil {
		depths, err := h.queues.Depths(ctx)
		if err != nil {
			h.logger.Warn("failed to read queue depths", "error", err)
		} else {
			resp.QueueDepths = depths
		}
	}

	if h.breakers != nil {
		records, err := h.breakers.States(ctx)
		if err != nil {
			h.logger.Warn("failed to load breaker states", "error", err)
		}
		for _, record := range records {
			resp.CircuitBreakers = append(resp.CircuitBreakers, breakerSummary{
				Service:      record.Service,
				State:        string(record.State),
				FailureCount: record.FailureCount,
			})
		}
	}

	if h.caches != nil {
		for _, name := range []string{"user", "template"} {
			hits, misses, err := h.caches.Counters(ctx, name)
			if err != nil {
				h.logger.Warn("failed to load cache counters", "error", err, "cache", name)
				continue
			}
			entry := cacheSummary{Hits: hits, Misses: misses}
			if total := hits + misses; total > 0 {
				entry.HitRate = float64(hits) / float64(total)
			}
			resp.Caches[name] = entry
		}
	}

	h.respondJSON(w, http.StatusOK, resp)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, errorResponse{Error: message})
}
