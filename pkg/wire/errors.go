package wire

import (
	"errors"
	"fmt"
)

// ErrMessageTooLarge marks a frame or body exceeding the size limit
var ErrMessageTooLarge = errors.New("message too large")

// ErrTooManyEntries marks a wantlist exceeding the entry limit
var ErrTooManyEntries = errors.New("too many wantlist entries")

// MalformedError wraps any inbound frame rejection: oversized, truncated or
// structurally invalid. The connection is not torn down by the exchange
// layer itself; the transport may choose to.
type MalformedError struct {
	Cause error
}

// NewMalformedError wraps cause as a malformed-message rejection
func NewMalformedError(cause error) *MalformedError {
	return &MalformedError{Cause: cause}
}

// Error implements the error interface
func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed message: %v", e.Cause)
}

// Unwrap returns the underlying error
func (e *MalformedError) Unwrap() error {
	return e.Cause
}

// IsMalformed reports whether err is a malformed-message rejection
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}
