// Package protocol defines the error categories shared by the Neakasa cloud client, the connection
// registry and the polling coordinator.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Error exposes methods useful for categorizing errors.
type Error interface {
	error

	// Temporary returns true if the Error might be the result of a transient condition, such as a
	// network timeout or a 5xx response from the cloud service.
	Temporary() bool

	// ReconnectRequired returns true if the session that produced the Error can no longer be used
	// and the caller should authenticate again before retrying.
	ReconnectRequired() bool
}

// IdentityBlankMessage is the server message that indicates a corrupted IoT session.
const IdentityBlankMessage = "identityId is blank"

var (
	// ErrNotConnected indicates an operation was attempted on an account that has not logged in
	// (or whose session was invalidated).
	ErrNotConnected = NewAuthError("account not connected")
	// ErrBadResponse indicates the server returned a body that could not be parsed.
	ErrBadResponse = errors.New("invalid response")
	// ErrEmptyToken indicates the server completed a login without issuing a token.
	ErrEmptyToken = NewAuthError("server did not issue a session token")
)

// AuthError indicates bad credentials or an expired/invalid token. Callers should force a new
// login rather than retrying with the same session.
type AuthError struct {
	Err error
}

func NewAuthError(message string) error {
	return &AuthError{Err: errors.New(message)}
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func (e *AuthError) Temporary() bool {
	return false
}

func (e *AuthError) ReconnectRequired() bool {
	return true
}

// ConnectionError indicates a transient network or service failure.
//
// When PossibleCorruptSession is set the failure was caused by a broken session on the server side
// (for example the "identityId is blank" fault), and a forced reconnect is expected to resolve it.
type ConnectionError struct {
	Err                    error
	PossibleTemporary      bool
	PossibleCorruptSession bool
}

// NewConnectionError returns a temporary ConnectionError. Messages that contain
// IdentityBlankMessage are flagged as requiring a reconnect.
func NewConnectionError(message string) error {
	return &ConnectionError{
		Err:                    errors.New(message),
		PossibleTemporary:      true,
		PossibleCorruptSession: strings.Contains(message, IdentityBlankMessage),
	}
}

func (e *ConnectionError) Error() string {
	return "connection error: " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Temporary() bool {
	return e.PossibleTemporary
}

func (e *ConnectionError) ReconnectRequired() bool {
	return e.PossibleCorruptSession
}

// DecodeError indicates a malformed cipher payload. It is fatal for the authentication attempt
// that produced it and is never retried automatically.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode error: " + e.Reason
	}
	return fmt.Sprintf("decode error: %s: %s", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Temporary() bool {
	return false
}

func (e *DecodeError) ReconnectRequired() bool {
	return false
}

// Temporary returns true if err is an Error that indicates a possibly transient condition.
func Temporary(err error) bool {
	var pErr Error
	if errors.As(err, &pErr) {
		return pErr.Temporary()
	}
	return false
}

// ReconnectRequired returns true if err indicates the current session must be replaced.
func ReconnectRequired(err error) bool {
	var pErr Error
	if errors.As(err, &pErr) {
		return pErr.ReconnectRequired()
	}
	return false
}

// IsAuthError returns true if err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var aErr *AuthError
	return errors.As(err, &aErr)
}

// IsConnectionError returns true if err is (or wraps) a ConnectionError.
func IsConnectionError(err error) bool {
	var cErr *ConnectionError
	return errors.As(err, &cErr)
}

// IsDecodeError returns true if err is (or wraps) a DecodeError.
func IsDecodeError(err error) bool {
	var dErr *DecodeError
	return errors.As(err, &dErr)
}
