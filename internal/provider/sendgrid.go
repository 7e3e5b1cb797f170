package provider

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const sendGridTimeout = 10 * time.Second

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// SendGridConfig holds credentials and sender identity for the
// SendGrid v3 mail API.
type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	BaseURL   string
}

// SendGrid delivers email through the SendGrid v3 /mail/send endpoint.
type SendGrid struct {
	http   *resty.Client
	config SendGridConfig
	logger *slog.Logger
}

func NewSendGrid(config SendGridConfig, logger *slog.Logger) *SendGrid {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.sendgrid.com"
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := resty.New().
		SetBaseURL(config.BaseURL).
		SetTimeout(sendGridTimeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(config.APIKey)
	return &SendGrid{http: client, config: config, logger: logger}
}

func (s *SendGrid) Name() string { return "sendgrid" }

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridRequest struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
}

// Send submits the message and treats anything other than 202 Accepted
// as a failure. 4xx responses are wrapped in ErrRejected so callers can
// stop retrying them; 5xx and transport errors are returned for retry.
func (s *SendGrid) Send(ctx context.Context, email Email) error {
	body := sendGridRequest{
		Personalizations: []sendGridPersonalization{
			{To: []sendGridAddress{{Email: email.To, Name: email.ToName}}},
		},
		From:    sendGridAddress{Email: s.config.FromEmail, Name: s.config.FromName},
		Subject: email.Subject,
		Content: []sendGridContent{
			{Type: "text/plain", Value: plainText(email.HTMLBody)},
			{Type: "text/html", Value: email.HTMLBody},
		},
	}

	resp, err := s.http.R().
		SetContext(ctx).
		SetHeader("X-Correlation-ID", email.CorrelationID).
		SetBody(body).
		Post("/v3/mail/send")
	if err != nil {
		return fmt.Errorf("sendgrid request: %w", err)
	}

	status := resp.StatusCode()
	if status == 202 {
		s.logger.Debug("sendgrid accepted message",
			"to", email.To,
			"correlation_id", email.CorrelationID,
		)
		return nil
	}

	if status >= 400 && status < 500 {
		return fmt.Errorf("%w: status %d: %s", ErrRejected, status, truncate(resp.String(), 256))
	}
	return fmt.Errorf("sendgrid returned status %d: %s", status, truncate(resp.String(), 256))
}

// plainText derives a text/plain part from the HTML body. SendGrid
// requires the plain part to be listed before the HTML part.
func plainText(html string) string {
	text := htmlTagPattern.ReplaceAllString(html, " ")
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return " "
	}
	return text
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
