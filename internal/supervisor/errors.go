package supervisor

import (
	"errors"
	"fmt"
)

// ErrConnectionFailure matches every transport-level failure returned by Client.
var ErrConnectionFailure = errors.New("supervisor connection failure")

// UnexpectedResponseError reports a response whose status code is 300 or above.
type UnexpectedResponseError struct {
	StatusCode int
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("received an unexpected response from supervisor (HTTP status code: %d)", e.StatusCode)
}

// ConnectionError wraps any failure that happened while talking to the supervisor.
type ConnectionError struct {
	Op       string
	Address  string
	Route    string
	Category RouteCategory
	Payload  string
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Op == opSend {
		return fmt.Sprintf(
			"failed to establish a connection to supervisor with input data: %s, %s, %s: %v",
			e.Route,
			e.Category,
			e.Payload,
			e.Err,
		)
	}
	return fmt.Sprintf(
		"failed to establish a connection to supervisor at %s (route %q, category %s): %v",
		e.Address,
		e.Route,
		e.Category,
		e.Err,
	)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrConnectionFailure) match any ConnectionError.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnectionFailure
}
