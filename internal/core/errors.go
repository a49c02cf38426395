package core

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthorizationDenied is never signaled to the remote peer on
	// the monitoring path; only surfaced to the local caller.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrChannelTimeout means a relay subscription or publish did not
	// complete within the bounded window. Retriable by the caller; the
	// current attempt is abandoned.
	ErrChannelTimeout = errors.New("relay channel timeout")

	// ErrNegotiationMismatch marks an answer or candidate addressed to
	// a session that is closed or never existed. Logged, never raised
	// to the consumer.
	ErrNegotiationMismatch = errors.New("negotiation mismatch")

	// ErrTransportFailure is reported when the peer connection enters
	// failed or disconnected.
	ErrTransportFailure = errors.New("transport failure")

	// ErrSessionClosed rejects local operations on a torn-down session.
	ErrSessionClosed = errors.New("session closed")

	// ErrBackpressure is returned by relay sends whose outbound queue
	// is full.
	ErrBackpressure = errors.New("backpressure")
)

// MediaFailReason classifies acquisition failures well enough for the
// call path to produce distinct user-facing messages.
type MediaFailReason string

const (
	ReasonPermissionDenied MediaFailReason = "permission-denied"
	ReasonDeviceNotFound   MediaFailReason = "device-not-found"
	ReasonDeviceBusy       MediaFailReason = "device-busy"
	ReasonUnknown          MediaFailReason = "media-failed"
)

// Message is the human wording shown to a caller on the call path.
func (r MediaFailReason) Message() string {
	switch r {
	case ReasonPermissionDenied:
		return "could not start call: permission denied"
	case ReasonDeviceNotFound:
		return "could not start call: no device found"
	case ReasonDeviceBusy:
		return "could not start call: device busy"
	}
	return "could not start call: media failed"
}

// MediaError wraps an acquisition failure with its classification.
type MediaError struct {
	Reason MediaFailReason
	Err    error
}

func (e *MediaError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("media acquisition failed (%s)", e.Reason)
	}
	return fmt.Sprintf("media acquisition failed (%s): %v", e.Reason, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }

// NewMediaError keeps reason defaulting in one place.
func NewMediaError(reason MediaFailReason, err error) *MediaError {
	if reason == "" {
		reason = ReasonUnknown
	}
	return &MediaError{Reason: reason, Err: err}
}

// MediaReasonOf extracts the classification from an error chain,
// falling back to ReasonUnknown.
func MediaReasonOf(err error) MediaFailReason {
	var me *MediaError
	if errors.As(err, &me) {
		return me.Reason
	}
	return ReasonUnknown
}
