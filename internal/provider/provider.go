package provider

import (
	"context"
	"errors"
)

// Email is a fully rendered message ready for dispatch.
type Email struct {
	To            string
	ToName        string
	Subject       string
	HTMLBody      string
	CorrelationID string
}

// ErrRejected is returned when the provider refuses the message with a
// non-retryable status. Retryable transport failures are returned as-is.
var ErrRejected = errors.New("provider rejected message")

// Provider dispatches rendered emails to an external delivery service.
type Provider interface {
	Send(ctx context.Context, email Email) error
	Name() string
}
