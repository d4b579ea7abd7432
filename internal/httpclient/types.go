package httpclient

import "fmt"

// HTTPError is a non-2xx response from a region API endpoint. It carries
// the status and the response body so callers can tell an expired token
// (401) apart from a missing resource (404).
type HTTPError struct {
	StatusCode int
	Message    string
	URL        string
}

// Error implements the error interface
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for URL %s: %s", e.StatusCode, e.URL, e.Message)
}

// NewHTTPError wraps a status code and response body as an *HTTPError.
// The message is kept verbatim; region APIs answer errors with short
// JSON descriptions worth surfacing whole.
func NewHTTPError(statusCode int, url, message string) error {
	return &HTTPError{
		StatusCode: statusCode,
		URL:        url,
		Message:    message,
	}
}
