package clients

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Belladihno/email-service/internal/domain"
)

const statusCallbackTimeout = 5 * time.Second

// StatusUpdate is the payload reported back to the API gateway after a
// terminal outcome.
type StatusUpdate struct {
	NotificationID string                    `json:"notification_id"`
	Status         domain.NotificationStatus `json:"status"`
	Timestamp      string                    `json:"timestamp"`
	Error          string                    `json:"error,omitempty"`
}

// GatewayClient reports delivery outcomes to the API gateway. Callbacks are
// fire-and-forget: failures are logged and never affect the main outcome,
// so the client is deliberately not breaker-guarded.
type GatewayClient struct {
	client *resty.Client
	logger *slog.Logger
}

func NewGatewayClient(baseURL string, logger *slog.Logger) *GatewayClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayClient{
		client: newHTTPClient(baseURL, statusCallbackTimeout),
		logger: logger,
	}
}

func (gc *GatewayClient) NotifyDelivered(ctx context.Context, notificationID, correlationID string) {
	gc.updateStatus(ctx, StatusUpdate{
		NotificationID: notificationID,
		Status:         domain.NotificationStatusDelivered,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}, correlationID)
}

func (gc *GatewayClient) NotifyFailed(ctx context.Context, notificationID, errorMessage, correlationID string) {
	gc.updateStatus(ctx, StatusUpdate{
		NotificationID: notificationID,
		Status:         domain.NotificationStatusFailed,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Error:          errorMessage,
	}, correlationID)
}

func (gc *GatewayClient) updateStatus(ctx context.Context, payload StatusUpdate, correlationID string) {
	resp, err := gc.client.R().
		SetContext(ctx).
		SetHeader(correlationHeader, correlationID).
		SetBody(payload).
		Post("/api/v1/email/status")
	if err != nil {
		gc.logger.Warn("status callback failed",
			"error", err,
			"notification_id", payload.NotificationID,
			"request_id", correlationID,
		)
		return
	}
	if resp.IsError() {
		gc.logger.Warn("status callback rejected",
			"status_code", resp.StatusCode(),
			"notification_id", payload.NotificationID,
			"request_id", correlationID,
		)
		return
	}

	gc.logger.Debug("notification status reported",
		"notification_id", payload.NotificationID,
		"status", payload.Status,
		"request_id", correlationID,
	)
}
