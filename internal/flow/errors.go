// Package flow implements the client for the Google Flow backends: session
// exchange and project management against the labs API, and challenge-gated
// generation calls against the sandbox API.
package flow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// APIError describes an upstream rejection with the HTTP status and the
// reason extracted from the Google error payload. Internal credentials are
// never included.
type APIError struct {
	StatusCode int
	Reason     string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("flow upstream error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("flow upstream error: status %d: %s", e.StatusCode, e.Reason)
}

// Retryable reports whether a fresh challenge token is worth another
// attempt: 403 responses and challenge-related rejection text qualify,
// everything else is fatal.
func (e *APIError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == 403 {
		return true
	}
	reason := strings.ToLower(e.Reason)
	if strings.Contains(reason, "403") {
		return true
	}
	if strings.Contains(reason, "recaptcha") {
		return true
	}
	return false
}

// IsRetryable classifies an error per the challenge retry protocol.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if err == nil {
		return false
	}
	reason := strings.ToLower(err.Error())
	return strings.Contains(reason, "403") || strings.Contains(reason, "recaptcha")
}

// IsUnauthenticated reports whether the error indicates a stale or invalid
// credential (HTTP 401 or an UNAUTHENTICATED status in the payload).
func IsUnauthenticated(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 401 {
			return true
		}
		reason := strings.ToUpper(apiErr.Reason)
		return strings.Contains(reason, "401") || strings.Contains(reason, "UNAUTHENTICATED")
	}
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "401") || strings.Contains(msg, "UNAUTHENTICATED")
}

// newAPIError extracts the most specific reason available from a Google
// error payload, falling back to a body snippet.
func newAPIError(statusCode int, body []byte) *APIError {
	reason := ""
	if gjson.ValidBytes(body) {
		root := gjson.ParseBytes(body)
		if msg := root.Get("error.message"); msg.Exists() {
			reason = msg.String()
		}
		if status := root.Get("error.status"); status.Exists() {
			if reason == "" {
				reason = status.String()
			} else {
				reason = status.String() + ": " + reason
			}
		}
		root.Get("error.details").ForEach(func(_, detail gjson.Result) bool {
			if r := detail.Get("reason"); r.Exists() {
				reason = reason + " (" + r.String() + ")"
				return false
			}
			return true
		})
	}
	if reason == "" {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		reason = snippet
	}
	return &APIError{StatusCode: statusCode, Reason: reason}
}
