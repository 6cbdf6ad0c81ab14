package deriv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestIsNetworkError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"closed", ErrClosed, true},
		{"wrapped timeout", fmt.Errorf("%w: buy", ErrTimeout), true},
		{"dial", fmt.Errorf("%w: %w", ErrDial, errors.New("bad handshake")), true},
		{"net op", &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset")}, true},
		{"context deadline", context.DeadlineExceeded, true},
		{"api rejection", &APIError{Code: "InvalidToken", Message: "bad"}, false},
		{"local failure", errors.New("store: disk full"), false},
		{"empty response", fmt.Errorf("contract C1: %w", ErrEmptyResponse), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNetworkError(tt.err); got != tt.want {
				t.Errorf("IsNetworkError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
