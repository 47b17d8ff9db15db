package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrModelUnavailable matches provider errors that mean the requested
// model cannot serve the call right now (not found or overloaded).
// Callers fall back to another model when they see it.
var ErrModelUnavailable = errors.New("model unavailable")

// StatusOverloaded is Anthropic's non-standard overloaded status.
const StatusOverloaded = 529

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("anthropic API error %d: %s", e.StatusCode, e.Body)
}

// IsModelUnavailable reports a 404 or 529 response.
func (e *APIError) IsModelUnavailable() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == StatusOverloaded
}

// Is lets errors.Is(err, ErrModelUnavailable) match unavailable-model
// responses.
func (e *APIError) Is(target error) bool {
	return target == ErrModelUnavailable && e.IsModelUnavailable()
}
