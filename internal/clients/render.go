package clients

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Belladihno/email-service/internal/domain"
	"github.com/Belladihno/email-service/internal/resilience"
)

const renderTimeout = 10 * time.Second

// RenderRequest is the combined render call: the template service resolves
// the recipient, substitutes variables, and returns address, content, and
// channel preferences in one round trip.
type RenderRequest struct {
	UserID        string            `json:"user_id"`
	TemplateCode  string            `json:"template_code"`
	Variables     map[string]string `json:"variables"`
	CorrelationID string            `json:"correlation_id"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// RenderClient calls the template service's combined render endpoint,
// guarded by the "template-service" breaker. It shares that breaker with
// TemplateClient: both talk to the same dependency.
type RenderClient struct {
	client  *resty.Client
	breaker *resilience.Breaker
	logger  *slog.Logger
}

func NewRenderClient(baseURL string, breaker *resilience.Breaker, logger *slog.Logger) *RenderClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &RenderClient{
		client:  newHTTPClient(baseURL, renderTimeout),
		breaker: breaker,
		logger:  logger,
	}
}

// RenderForUser performs the combined render call. When the endpoint is not
// served (404), it returns domain.ErrRenderUnavailable without counting a
// breaker failure so callers can fall back to split lookups.
func (rc *RenderClient) RenderForUser(ctx context.Context, req RenderRequest) (domain.RenderedNotification, error) {
	rc.logger.Debug("requesting rendered template",
		"user_id", req.UserID,
		"template_code", req.TemplateCode,
		"request_id", req.CorrelationID,
	)

	var rendered domain.RenderedNotification
	var unavailable bool

	err := rc.breaker.Execute(ctx, DependencyTemplateService, func() error {
		var envelope apiResponse[domain.RenderedNotification]
		resp, err := rc.client.R().
			SetContext(ctx).
			SetHeader(correlationHeader, req.CorrelationID).
			SetBody(req).
			SetResult(&envelope).
			Post("/api/v1/templates/render")
		if err != nil {
			return fmt.Errorf("render request: %w", err)
		}
		if resp.StatusCode() == http.StatusNotFound {
			unavailable = true
			return nil
		}
		if resp.IsError() {
			return fmt.Errorf("render returned status %d", resp.StatusCode())
		}
		if !envelope.Success || envelope.Data == nil {
			return fmt.Errorf("render failed: %s", envelope.Error)
		}
		rendered = *envelope.Data
		return nil
	})
	if err != nil {
		return domain.RenderedNotification{}, err
	}
	if unavailable {
		return domain.RenderedNotification{}, domain.ErrRenderUnavailable
	}

	return rendered, nil
}

// RenderVariables flattens template variables into the map shape the render
// endpoint expects.
func RenderVariables(v domain.TemplateVariables) map[string]string {
	out := map[string]string{
		"name": v.Name,
		"link": v.Link,
	}
	for k, val := range v.Meta {
		out[k] = val
	}
	return out
}
