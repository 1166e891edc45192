package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrConfigLoad   = fmt.Errorf("failed to load configuration")
	ErrInvalidInput = fmt.Errorf("invalid input")

	// Transport errors (recoverable via backoff).
	ErrConnect      = fmt.Errorf("connection failed")
	ErrSend         = fmt.Errorf("send failed")
	ErrConnClosed   = fmt.Errorf("connection closed")
	ErrBackoffCap   = fmt.Errorf("reconnect attempts exhausted")
	ErrNotConnected = fmt.Errorf("not connected")

	// Authentication errors (fatal, no retry).
	ErrAuthInvalid      = fmt.Errorf("authentication failed")
	ErrProtocolMismatch = fmt.Errorf("protocol version mismatch")

	// Pairing errors (fatal, pairing state cleared).
	ErrPairingRejected = fmt.Errorf("pairing rejected")
	ErrPairingExpired  = fmt.Errorf("pairing expired")

	// Identity storage errors (fatal at the identity layer).
	ErrKeyStorage    = fmt.Errorf("key storage unavailable")
	ErrTokenNotFound = fmt.Errorf("device token not found")
	ErrDecryption    = fmt.Errorf("decryption failed")
	ErrEncryption    = fmt.Errorf("encryption operation failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Client.Connect")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsFatalConnectError reports whether err must suppress automatic reconnects.
// Authentication, protocol-version, and pairing-resolution failures require
// operator action rather than a retry.
func IsFatalConnectError(err error) bool {
	return errors.Is(err, ErrAuthInvalid) ||
		errors.Is(err, ErrProtocolMismatch) ||
		errors.Is(err, ErrPairingRejected) ||
		errors.Is(err, ErrPairingExpired)
}
