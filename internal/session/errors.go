package session

import "errors"

var (
	// ErrAlreadyActive is returned by Start when the session is not idle.
	ErrAlreadyActive = errors.New("session already active")

	// ErrNotActive is returned by Stop when there is nothing to stop.
	ErrNotActive = errors.New("session not active")

	// ErrPermissionDenied wraps a microphone open failure caused by the
	// user denying capture access.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrTransport wraps connection-level failures from the realtime peer.
	ErrTransport = errors.New("transport failure")
)
