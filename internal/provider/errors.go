package provider

import "fmt"

// HTTPStatusError wraps a non-2xx response from an upstream provider.
// Keeping the status code and decoded body as fields (rather than just
// formatting them into an error string) lets callers like internal/credit
// distinguish "429 quota exhausted" from "429 plain rate limit" via
// errors.As instead of string-matching a formatted message.
type HTTPStatusError struct {
	Provider   string
	StatusCode int
	Body       map[string]any

	// RetryAfterSeconds is populated by adapters that read a
	// Retry-After response header; 0 means "not provided."
	RetryAfterSeconds int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %v", e.Provider, e.StatusCode, e.Body)
}
