package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/neakasa/neakasa-go/pkg/protocol"
)

// Reason classifies an UpdateFailedError.
type Reason int

const (
	ReasonConnection Reason = iota
	ReasonAuthentication
	ReasonNoData
)

func (r Reason) String() string {
	switch r {
	case ReasonAuthentication:
		return "authentication"
	case ReasonNoData:
		return "no data"
	}
	return "connection"
}

// UpdateFailedError indicates that a device could not be refreshed, even after reconnecting. The
// device should be reported as unavailable until the next successful refresh.
type UpdateFailedError struct {
	Device string
	Reason Reason
	// Reconnected is true if the failure persisted after a forced reconnect.
	Reconnected bool
	Err         error
}

func (e *UpdateFailedError) Error() string {
	switch {
	case e.Reason == ReasonNoData:
		return fmt.Sprintf("%s: got no data from the service, please try to restart the litter box: %s", e.Device, e.Err)
	case e.Reconnected:
		return fmt.Sprintf("%s: %s failed and reconnection failed: %s", e.Device, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Device, e.Reason, e.Err)
}

func (e *UpdateFailedError) Unwrap() error {
	return e.Err
}

// IsUpdateFailed returns true if err is (or wraps) an UpdateFailedError.
func IsUpdateFailed(err error) bool {
	var uErr *UpdateFailedError
	return errors.As(err, &uErr)
}

func reasonFor(err error) Reason {
	if protocol.IsAuthError(err) {
		return ReasonAuthentication
	}
	return ReasonConnection
}

// shouldReconnect returns true for failures that a new session is expected to fix: authentication
// errors and corrupted server-side sessions.
func shouldReconnect(err error) bool {
	return (protocol.IsAuthError(err) || protocol.IsConnectionError(err)) && protocol.ReconnectRequired(err)
}

// retryResult describes how withReconnect arrived at its result.
type retryResult struct {
	// cause is the error that triggered the reconnect, or nil.
	cause error
}

func (r retryResult) reconnected() bool {
	return r.cause != nil
}

// withReconnect runs attempt. If it fails with an error accepted by isRetryable, reconnect is called
// once and attempt is tried one more time.
func withReconnect[T any](ctx context.Context,
	attempt func(context.Context) (T, error),
	reconnect func(context.Context) error,
	isRetryable func(error) bool) (T, retryResult, error) {

	result, err := attempt(ctx)
	if err == nil || !isRetryable(err) {
		return result, retryResult{}, err
	}
	r := retryResult{cause: err}
	if err := reconnect(ctx); err != nil {
		return result, r, err
	}
	result, err = attempt(ctx)
	return result, r, err
}
