package telemetry

import (
	"errors"
	"fmt"
)

// ErrTokenExpired is returned when the monitoring service rejects the session
// token. The caller recovers by authenticating again.
var ErrTokenExpired = errors.New("telemetry: token expired")

// errNoSession is returned by authenticated calls made before any session exists.
var errNoSession = errors.New("telemetry: no session")

// TransportError wraps network, timeout and HTTP status failures.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("telemetry %s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a response that could not be understood, including
// API-level error codes other than token expiry.
type ProtocolError struct {
	Op  string
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("telemetry %s: protocol: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("telemetry %s: protocol: %s", e.Op, e.Msg)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
