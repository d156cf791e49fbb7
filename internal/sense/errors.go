package sense

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

var (
	// ErrNotAuthenticated is returned when an API call is attempted before a
	// successful Authenticate.
	ErrNotAuthenticated = errors.New("sense: not authenticated")

	// ErrAPITimeout indicates a transport-level timeout on the realtime feed
	// or a REST call.
	ErrAPITimeout = errors.New("sense: api timed out")

	// ErrValidation indicates malformed input, such as an unsupported trend scale
	ErrValidation = errors.New("validation error")
)

// AuthenticationError is returned when the authentication endpoint answers
// with anything other than 200.
type AuthenticationError struct {
	StatusCode int
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed, check username and password (status %d)", e.StatusCode)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// timeoutError wraps err in ErrAPITimeout when it is a timeout and in a plain
// context message otherwise.
func timeoutError(what string, err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %s: %v", ErrAPITimeout, what, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}
