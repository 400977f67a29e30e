package janus

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport is returned when the WebSocket could not be established or
	// was lost while a request was outstanding.
	ErrTransport = errors.New("janus: transport error")
	// ErrProtocol is returned when a reply is missing a field the request
	// requires, or a frame could not be classified.
	ErrProtocol = errors.New("janus: protocol error")
	// ErrCorrelation is returned when the reply dequeued for a request carries
	// a different transaction. It indicates a desynchronized scope.
	ErrCorrelation = errors.New("janus: transaction mismatch")
	// ErrGatewayTimeout is the close cause recorded after the gateway expired
	// the session.
	ErrGatewayTimeout = errors.New("janus: session timed out on gateway")
	// ErrInvalidState is returned when an operation is not allowed in the
	// session's current lifecycle state.
	ErrInvalidState = errors.New("janus: invalid session state")
	// ErrRequestTimeout is returned when no reply arrived before the request
	// deadline.
	ErrRequestTimeout = errors.New("janus: request timed out")
	// ErrGateway is wrapped by GatewayError.
	ErrGateway = errors.New("janus: gateway error")

	errQueueClosed = errors.New("janus: queue closed")
)

// CorrelationError describes a reply whose transaction did not match the
// request it was dequeued for.
type CorrelationError struct {
	Want string
	Got  string
}

func (e *CorrelationError) Error() string {
	return fmt.Sprintf("janus: transaction mismatch: sent %q, received %q", e.Want, e.Got)
}

func (e *CorrelationError) Unwrap() error { return ErrCorrelation }

// GatewayError is a Janus "error" reply.
type GatewayError struct {
	Code   int
	Reason string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("janus: gateway error %d: %s", e.Code, e.Reason)
}

func (e *GatewayError) Unwrap() error { return ErrGateway }
