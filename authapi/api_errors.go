package authapi

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// Error is a non-2xx response from the auth backend, carrying the
// human-readable detail message from the error body when one was present.
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("auth backend returned %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("auth backend returned %d", e.Status)
}

// Authentication reports whether the backend explicitly rejected the
// credentials or token, as opposed to failing for some other reason.
func (e *Error) Authentication() bool {
	switch e.Status {
	case 400, 401, 403:
		return true
	}
	return false
}

// IsAuthFailure reports whether err is a hard authentication failure: the
// backend looked at the credentials and said no. Hard failures clear the
// session.
func IsAuthFailure(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Authentication()
	}
	return false
}

// IsTimeout reports whether err is a bounded-time call that did not
// complete. Timeouts are treated as transient.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsTransient reports whether err should preserve credentials and be
// retried: transport failures, timeouts, and non-auth server errors. Any
// failure that is not an explicit credential rejection is transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsAuthFailure(err)
}
