package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrServiceRequired     = sterrors.New("streamkit: service is required")
	ErrHandlerRequired     = sterrors.New("streamkit: handler function is required")
	ErrRoutingRequired     = sterrors.New("streamkit: routing target is required")
	ErrHandlerNameRequired = sterrors.New("streamkit: handler name is required")
	ErrPublisherRequired   = sterrors.New("streamkit: publisher is required")
	ErrPayloadRequired     = sterrors.New("streamkit: payload is required")
	ErrServiceNotRunning   = sterrors.New("streamkit: service is not running")
	ErrServiceRunning      = sterrors.New("streamkit: service is already running")
	ErrServiceClosed       = sterrors.New("streamkit: service is stopped")
)

// Handler outcome overrides. A handler (or middleware) returns one of these,
// possibly wrapped, to force a specific acknowledgment instead of the
// default success/retry resolution.
var (
	// ErrSkipMessage acknowledges the message without treating it as handled.
	ErrSkipMessage = sterrors.New("streamkit: message skipped")
	// ErrAckMessage forces an ack even though the handler failed.
	ErrAckMessage = sterrors.New("streamkit: message acknowledged")
	// ErrNackMessage forces a requeue without consuming the retry budget.
	ErrNackMessage = sterrors.New("streamkit: message negatively acknowledged")
	// ErrRejectMessage drops the message regardless of the retry budget.
	ErrRejectMessage = sterrors.New("streamkit: message rejected")
)

// ConfigValidationError reports a subscriber or publisher registration that
// conflicts with an existing one, or a malformed configuration value.
type ConfigValidationError struct {
	Field  string
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("streamkit: invalid configuration for %s: %s", e.Field, e.Reason)
}

// DecodeError wraps a payload that could not be decoded into the requested
// shape. The original bytes are kept for diagnostics. Decode failures are
// terminal: redelivery cannot change malformed content, so the pipeline
// rejects the message instead of requeueing it.
type DecodeError struct {
	Body []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("streamkit: failed to decode payload %q: %v", e.Body, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ResolutionError reports that handler arguments could not be built from the
// decoded payload. Like decode failures it is terminal.
type ResolutionError struct {
	Handler string
	Err     error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("streamkit: failed to resolve arguments for handler %s: %v", e.Handler, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// TimeoutError reports an unanswered request/reply exchange.
type TimeoutError struct {
	Routing string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("streamkit: no reply on %s within %s", e.Routing, e.Timeout)
}
