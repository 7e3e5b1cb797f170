// Package clients holds the HTTP clients for the pipeline's downstream
// collaborators: the user service, the template service, and the API
// gateway status callback. Every lookup is guarded by the circuit breaker
// for its dependency; user and template lookups are additionally wrapped
// in the read-through cache.
package clients

import (
	"time"

	"github.com/go-resty/resty/v2"
)

// Dependency names used as circuit breaker keys.
const (
	DependencyUserService     = "user-service"
	DependencyTemplateService = "template-service"
	DependencySendGrid        = "sendgrid"
)

const correlationHeader = "X-Correlation-ID"

// apiResponse is the envelope every collaborator wraps its payload in.
type apiResponse[T any] struct {
	Success bool   `json:"success"`
	Data    *T     `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message"`
}

func newHTTPClient(baseURL string, timeout time.Duration) *resty.Client {
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	client.SetRetryCount(0)
	client.SetHeader("Content-Type", "application/json")
	return client
}
