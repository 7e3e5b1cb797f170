// Package domain contains the core business entities and logic.
package domain

import "errors"

// Sentinel errors for common domain error cases.
// These allow callers to classify failures without coupling to infrastructure.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates the input data is invalid or malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrChannelDisabled indicates the recipient has disabled this
	// notification channel. Terminal: never retried.
	ErrChannelDisabled = errors.New("channel disabled")

	// ErrRenderUnavailable indicates the combined render endpoint is not
	// served by the template service; callers fall back to separate
	// user and template lookups.
	ErrRenderUnavailable = errors.New("render endpoint unavailable")
)
