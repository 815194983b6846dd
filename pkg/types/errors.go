package types

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a ProtocolError.
type ErrorCode string

const (
	// ErrCodeConnection indicates a dial, accept or handshake failure.
	ErrCodeConnection ErrorCode = "CONNECTION_ERROR"
	// ErrCodeChannelNotOpen indicates a send on a channel that is not open.
	ErrCodeChannelNotOpen ErrorCode = "CHANNEL_NOT_OPEN"
	// ErrCodeBind indicates the listening address could not be bound.
	ErrCodeBind ErrorCode = "BIND_ERROR"
	// ErrCodeRoleNotFound indicates no system ever registered the role.
	ErrCodeRoleNotFound ErrorCode = "ROLE_NOT_FOUND"
	// ErrCodePartialFailure indicates some parallel pieces did not complete.
	ErrCodePartialFailure ErrorCode = "PARTIAL_FAILURE"
	// ErrCodeNoAvailablePeer indicates no peer could serve the request.
	ErrCodeNoAvailablePeer ErrorCode = "NO_AVAILABLE_PEER"
	// ErrCodeSendBufferFull indicates the outbound queue of a channel is full.
	ErrCodeSendBufferFull ErrorCode = "SEND_BUFFER_FULL"
	// ErrCodeNotDialable indicates Connect was called on a system built from an accepted connection.
	ErrCodeNotDialable ErrorCode = "NOT_DIALABLE"
)

// ProtocolError is the error type shared by every layer of the framework.
type ProtocolError struct {
	Code    ErrorCode
	Message string
	Target  string
	Cause   error
}

// Sentinels for errors.Is; matching is by code.
var (
	ErrConnection      = &ProtocolError{Code: ErrCodeConnection, Message: "connection failed"}
	ErrChannelNotOpen  = &ProtocolError{Code: ErrCodeChannelNotOpen, Message: "channel is not open"}
	ErrBind            = &ProtocolError{Code: ErrCodeBind, Message: "bind failed"}
	ErrRoleNotFound    = &ProtocolError{Code: ErrCodeRoleNotFound, Message: "role not found"}
	ErrPartialFailure  = &ProtocolError{Code: ErrCodePartialFailure, Message: "partial failure"}
	ErrNoAvailablePeer = &ProtocolError{Code: ErrCodeNoAvailablePeer, Message: "no available peer"}
	ErrNotDialable     = &ProtocolError{Code: ErrCodeNotDialable, Message: "system is not dialable"}
	ErrSendBufferFull  = &ProtocolError{Code: ErrCodeSendBufferFull, Message: "send buffer full"}
)

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Target != "" {
		msg += " (" + e.Target + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// Is matches any ProtocolError with the same code.
func (e *ProtocolError) Is(target error) bool {
	var t *ProtocolError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewConnectionError creates an error for a failed dial, accept or handshake.
func NewConnectionError(target string, cause error) *ProtocolError {
	return &ProtocolError{Code: ErrCodeConnection, Message: "connection failed", Target: target, Cause: cause}
}

// NewChannelNotOpenError creates an error for a send outside the Open state.
func NewChannelNotOpenError(target string, state fmt.Stringer) *ProtocolError {
	return &ProtocolError{
		Code:    ErrCodeChannelNotOpen,
		Message: fmt.Sprintf("channel is %s", state),
		Target:  target,
	}
}

// NewBindError creates an error for an unavailable listening address.
func NewBindError(address string, cause error) *ProtocolError {
	return &ProtocolError{Code: ErrCodeBind, Message: "cannot bind address", Target: address, Cause: cause}
}

// NewRoleNotFoundError creates an error for a routing miss.
func NewRoleNotFoundError(role string) *ProtocolError {
	return &ProtocolError{Code: ErrCodeRoleNotFound, Message: "no system registered the role", Target: role}
}

// NewPartialFailureError creates an error listing the pieces that did not complete.
func NewPartialFailureError(missing []string) *ProtocolError {
	return &ProtocolError{
		Code:    ErrCodePartialFailure,
		Message: fmt.Sprintf("%d piece(s) did not complete: %v", len(missing), missing),
	}
}

// NewNoAvailablePeerError creates an error for a request nobody could serve.
func NewNoAvailablePeerError(target string) *ProtocolError {
	return &ProtocolError{Code: ErrCodeNoAvailablePeer, Message: "no peer responded", Target: target}
}

// NewNotDialableError creates an error for Connect on an accepted system.
func NewNotDialableError(system string) *ProtocolError {
	return &ProtocolError{Code: ErrCodeNotDialable, Message: "system was accepted, it cannot be dialed", Target: system}
}

// NewSendBufferFullError creates an error for a send the write queue cannot take.
func NewSendBufferFullError(target string, size int) *ProtocolError {
	return &ProtocolError{Code: ErrCodeSendBufferFull, Message: fmt.Sprintf("%d frames queued", size), Target: target}
}

// CodeOf returns the code of a ProtocolError in the chain, or "".
func CodeOf(err error) ErrorCode {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
