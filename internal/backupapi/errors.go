package backupapi

import (
	"errors"
	"net/http"
)

// Fallback messages handed to Callbacks.OnError when the server did not
// explain the failure.
const (
	MsgStartFailed = "Failed to start backup"
	MsgPollFailed  = "Failed to poll backup progress"
)

var (
	ErrMissingLocation = errors.New("backup created without a Location header")
)

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// errorMessage prefers the message the server put in the response body.
func errorMessage(err error, fallback string) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}
