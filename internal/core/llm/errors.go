package llm

import "errors"

var (
	// ErrProviderUnavailable means the provider is not configured.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderError wraps upstream failures and malformed responses.
	ErrProviderError = errors.New("provider error")
)
