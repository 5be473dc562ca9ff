package heartbeat

import "errors"

var (
	// ErrMissingCredential is returned when a heartbeat carries no device key.
	ErrMissingCredential = errors.New("missing device key")

	// ErrCredentialMismatch is returned when the presented key's digest does
	// not match the digest stored for the device.
	ErrCredentialMismatch = errors.New("invalid device key")

	// ErrTelemetryWriteFailed is returned when the heartbeat event row could
	// not be persisted. Unlike the liveness update, this failure is fatal to
	// the request.
	ErrTelemetryWriteFailed = errors.New("failed to record telemetry")
)
