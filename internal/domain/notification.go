package domain

import (
	"fmt"
	"strings"
	"time"
)

type NotificationType string

const (
	NotificationTypeEmail NotificationType = "email"
	NotificationTypePush  NotificationType = "push"
)

type NotificationStatus string

const (
	NotificationStatusPending   NotificationStatus = "pending"
	NotificationStatusDelivered NotificationStatus = "delivered"
	NotificationStatusFailed    NotificationStatus = "failed"
)

// TemplateVariables carries the values substituted into a template.
// Name and Link are always present; Meta holds any extra variables.
type TemplateVariables struct {
	Name string            `json:"name"`
	Link string            `json:"link"`
	Meta map[string]string `json:"meta,omitempty"`
}

// NotificationMessage is the unit of work delivered by the broker.
// It is immutable once received and redelivered verbatim on retry.
type NotificationMessage struct {
	NotificationType NotificationType  `json:"notification_type"`
	UserID           string            `json:"user_id"`
	TemplateCode     string            `json:"template_code"`
	Variables        TemplateVariables `json:"variables"`
	RequestID        string            `json:"request_id"`
	Priority         int               `json:"priority"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

func (m NotificationMessage) Validate() error {
	if strings.TrimSpace(m.RequestID) == "" {
		return fmt.Errorf("request_id is required: %w", ErrInvalidInput)
	}
	if strings.TrimSpace(m.UserID) == "" {
		return fmt.Errorf("user_id is required: %w", ErrInvalidInput)
	}
	if strings.TrimSpace(m.TemplateCode) == "" {
		return fmt.Errorf("template_code is required: %w", ErrInvalidInput)
	}
	return nil
}

// EmailLog is the durable record of one delivery lineage, keyed by the
// inbound request id. The request id is the idempotency boundary: at most
// one record ever exists per id, and a terminal record is never mutated.
type EmailLog struct {
	RequestID      string             `json:"request_id"`
	NotificationID string             `json:"notification_id"`
	UserID         string             `json:"user_id"`
	Email          string             `json:"email"`
	TemplateCode   string             `json:"template_code"`
	Status         NotificationStatus `json:"status"`
	RetryCount     int                `json:"retry_count"`
	ErrorMessage   *string            `json:"error_message,omitempty"`
	SentAt         *time.Time         `json:"sent_at,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

func (l *EmailLog) IsTerminal() bool {
	return l.Status == NotificationStatusDelivered || l.Status == NotificationStatusFailed
}

// User is the recipient profile resolved from the user service.
type User struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Email       string          `json:"email"`
	PushToken   string          `json:"push_token,omitempty"`
	Preferences UserPreferences `json:"preferences"`
}

type UserPreferences struct {
	Email bool `json:"email"`
	Push  bool `json:"push"`
}

// Template is the raw template resolved from the template service before
// variable substitution.
type Template struct {
	ID        string   `json:"id"`
	Code      string   `json:"code"`
	Name      string   `json:"name"`
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
	Variables []string `json:"variables"`
	Language  string   `json:"language"`
}

// RenderedNotification is the output of the combined render call: the
// recipient address plus fully substituted content and channel preferences.
type RenderedNotification struct {
	Email           string          `json:"email"`
	Subject         string          `json:"subject"`
	Body            string          `json:"body"`
	UserPreferences UserPreferences `json:"user_preferences"`
}
