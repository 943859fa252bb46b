package transport

import (
	"fmt"
	"time"
)

// CodeError is an error with a stable machine-readable code.
type CodeError struct {
	Code    string
	Message string
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// ErrDestroyed is the terminal error after Destroy.
var ErrDestroyed = &CodeError{Code: "EDESTROYED", Message: "transport destroyed"}

// ErrSocketClosed marks a request that lost its connection.
var ErrSocketClosed = &CodeError{Code: "ESOCKETCLOSED", Message: "socket closed"}

// ErrNoAddress is returned by requests while no server address is configured.
var ErrNoAddress = &CodeError{Code: "ENOADDRESS", Message: "no server address configured"}

// ErrNotReady is returned by requests issued against a strategy that has no
// request capability.
var ErrNotReady = &CodeError{Code: "ENOTREADY", Message: "transport not ready for requests"}

// IncompatibleError reports a failed version handshake, carrying both sides.
type IncompatibleError struct {
	Address       string
	Server        string
	ServerVersion string
	ClientVersion string
}

func (e *IncompatibleError) Error() string {
	return fmt.Sprintf(
		"server [address=%s, server=%s, version=%s] is not compatible with this client [version=%s] (ESERVER_INCOMPATIBLE)",
		e.Address, e.Server, e.ServerVersion, e.ClientVersion)
}

// TimeoutError marks an expired request deadline, distinct from transport
// failures: the connection may well be alive.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout [t=%s] (ETIMEOUT)", e.Timeout)
}

// RequestFailure annotates a failed request with the command, its arguments
// and the machine state at failure time.
type RequestFailure struct {
	Command string
	Args    map[string]string
	State   string
	Cause   error
}

func (e *RequestFailure) Error() string {
	return fmt.Sprintf("%s request failed in state %q: %v", e.Command, e.State, e.Cause)
}

func (e *RequestFailure) Unwrap() error {
	return e.Cause
}
