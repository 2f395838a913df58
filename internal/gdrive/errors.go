// Package gdrive is the Google Drive sink: a small Drive v3 client with
// retry and error classification, and a resumable chunked uploader.
package gdrive

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
)

// Classes of Drive failure. Match with errors.Is.
var (
	ErrBadRequest   = errors.New("gdrive: bad request")
	ErrUnauthorized = errors.New("gdrive: unauthorized")
	ErrForbidden    = errors.New("gdrive: forbidden")
	ErrNotFound     = errors.New("gdrive: not found")
	ErrThrottled    = errors.New("gdrive: throttled")
	ErrServerError  = errors.New("gdrive: server error")
)

// Drive reports quota exhaustion as 403 with one of these reasons.
var rateLimitReasons = []string{"rateLimitExceeded", "userRateLimitExceeded"}

// APIError is a final non-2xx Drive response.
type APIError struct {
	StatusCode int
	// Reason is the first reason code of the Drive error body, if any.
	Reason  string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("gdrive: HTTP %d %s: %s", e.StatusCode, e.Reason, e.Message)
	}

	return fmt.Sprintf("gdrive: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// driveErrorBody is the JSON envelope Drive v3 wraps errors in.
type driveErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

// newAPIError decodes body when it is a Drive error envelope and falls back
// to the raw text otherwise.
func newAPIError(code int, body []byte) *APIError {
	e := &APIError{StatusCode: code, Message: string(body)}

	var parsed driveErrorBody
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
		e.Message = parsed.Error.Message
		if len(parsed.Error.Errors) > 0 {
			e.Reason = parsed.Error.Errors[0].Reason
		}
	}

	e.Err = classify(code, e.Reason)

	return e
}

func classify(code int, reason string) error {
	switch {
	case code == http.StatusForbidden && slices.Contains(rateLimitReasons, reason):
		return ErrThrottled
	case code == http.StatusBadRequest:
		return ErrBadRequest
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusTooManyRequests:
		return ErrThrottled
	case code >= http.StatusInternalServerError:
		return ErrServerError
	default:
		return nil
	}
}

// retryable reports whether a response is worth another attempt: timeouts,
// throttling in either form, and transient server errors.
func (e *APIError) retryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return errors.Is(e.Err, ErrThrottled)
}
