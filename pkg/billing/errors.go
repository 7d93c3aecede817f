package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrUnsupportedEvent is returned when decoding an event type no handler understands
	ErrUnsupportedEvent = errors.New("unsupported webhook event type")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrAPIKeyNotConfigured is returned by operations that call the provider API without a key
	ErrAPIKeyNotConfigured = errors.New("billing provider API key not configured")
)
