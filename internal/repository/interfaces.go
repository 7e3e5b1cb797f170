package repository

import (
	"context"
	"time"

	"github.com/Belladihno/email-service/internal/domain"
)

// StatusSummary aggregates delivery outcomes for the metrics endpoint.
type StatusSummary struct {
	Counts         map[domain.NotificationStatus]int64
	TotalRetries   int64
	MaxRetries     int64
	AvgLatencyMS   float64
	DeliveredCount int64
}

type EmailLogRepository interface {
	// Create inserts a new log row. It reports false without error when a
	// row with the same request id already exists.
	Create(ctx context.Context, log *domain.EmailLog) (bool, error)
	GetByRequestID(ctx context.Context, requestID string) (*domain.EmailLog, error)
	// UpdateEmail stores the resolved recipient address. The row is created
	// before resolution, so the address arrives in a second write.
	UpdateEmail(ctx context.Context, requestID string, email string) error
	MarkDelivered(ctx context.Context, requestID string, sentAt time.Time) error
	MarkFailed(ctx context.Context, requestID string, errorMessage string) error
	// IncrementRetry bumps the retry counter and records the failure reason,
	// returning the new count.
	IncrementRetry(ctx context.Context, requestID string, errorMessage string) (int, error)
	Summary(ctx context.Context) (*StatusSummary, error)
}
