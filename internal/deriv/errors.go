package deriv

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrClosed is returned for requests on a connection that has shut down.
	ErrClosed = errors.New("deriv: connection closed")

	// ErrTimeout is returned when no response arrives within the request timeout.
	ErrTimeout = errors.New("deriv: request timed out")

	// ErrDial wraps failures to establish a connection.
	ErrDial = errors.New("deriv: dial failed")

	// ErrEmptyResponse is returned when a response carries neither a
	// payload nor an error field.
	ErrEmptyResponse = errors.New("deriv: empty response")
)

// APIError is the error field of a backend response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	MsgType string `json:"-"`
}

func (e *APIError) Error() string {
	if e.MsgType == "" {
		return fmt.Sprintf("deriv: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("deriv: %s: %s: %s", e.MsgType, e.Code, e.Message)
}

// IsAPIError reports whether err carries a backend error field.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// IsNetworkError reports whether err is a transport failure: a closed or
// unreachable connection, a timeout, or a net.Error (which includes context
// deadlines). Backend rejections and local failures are not.
func IsNetworkError(err error) bool {
	if err == nil || IsAPIError(err) {
		return false
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrDial) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// ErrorCode returns the backend error code carried by err, if any.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}
