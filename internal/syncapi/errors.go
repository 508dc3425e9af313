package syncapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/imroc/req/v3"
)

var (
	ErrNoServerURL = errors.New("syncapi: server url missing")
	ErrNoAppID     = errors.New("syncapi: app id missing")

	// ErrUnauthorized means the access token was rejected. Not retryable.
	ErrUnauthorized = errors.New("syncapi: unauthorized")

	// ErrDisconnected wraps transport failures. Callers may retry.
	ErrDisconnected = errors.New("syncapi: disconnected")

	// ErrSubscriptionClosed is reported by a subscription closed from this side.
	ErrSubscriptionClosed = errors.New("syncapi: subscription closed")
)

const (
	CodeInvalidRequest  = "E_INVALID_REQUEST"
	CodeVersionConflict = "E_VERSION_CONFLICT"
	CodeAppNotFound     = "E_APP_NOT_FOUND"
	CodeInternalError   = "E_INTERNAL_ERROR"
)

// APIError is the error body returned by the sync server.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %s - %s", e.Code, e.Message)
}

// StreamError is a terminal ERROR frame received on a subscription.
type StreamError struct {
	Code    int
	Message string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error: %d - %s", e.Code, e.Message)
}

// handleAPIError classifies a finished request.
func handleAPIError(resp *req.Response, requestErr error, operation string) error {
	if requestErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrDisconnected, operation, requestErr)
	}

	if !resp.IsErrorState() {
		return nil
	}

	status := resp.GetStatusCode()
	switch {
	case isAuthStatus(status):
		return fmt.Errorf("%w: %s: http %d", ErrUnauthorized, operation, status)
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s: http %d", ErrDisconnected, operation, status)
	}

	if apiErr, ok := resp.ErrorResult().(*APIError); ok && apiErr.Code != "" {
		return fmt.Errorf("%s: %w", operation, apiErr)
	}

	return fmt.Errorf("api error: %s: http %d %s", operation, status, resp.String())
}

func isAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}
