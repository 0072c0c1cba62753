package webex

import (
	"fmt"
	"net/http"
)

// APIError is a non-2xx response from the Webex API.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
	TrackingID string `json:"trackingId"`
}

func (e *APIError) Error() string {
	if e.TrackingID != "" {
		return fmt.Sprintf("webex: %d %s (tracking id %s)", e.StatusCode, e.Message, e.TrackingID)
	}
	return fmt.Sprintf("webex: %d %s", e.StatusCode, e.Message)
}

// Retryable reports whether the request may succeed if sent again. Rate
// limiting and server errors are retryable; other client errors are not.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
