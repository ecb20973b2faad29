package cloud

import "fmt"

// AuthError indicates the cloud rejected the credentials or token, or that a
// login/refresh response carried no usable access token.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "solarmanager auth error: " + e.Reason
}

// RateLimitError indicates the cloud throttled the request (HTTP 429).
// Callers should back off until the next scheduled poll.
type RateLimitError struct{}

func (e *RateLimitError) Error() string {
	return "solarmanager rate limited"
}

// APIError is any other non-success response. It carries the status and the
// response body for diagnostics.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("solarmanager api error %d: %s", e.StatusCode, e.Body)
}
