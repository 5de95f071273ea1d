package session

import "errors"

var (
	// ErrInvalidSessionParams is returned by Open when the room, user or
	// file id is missing.
	ErrInvalidSessionParams = errors.New("invalid session params")

	// ErrTransportConnection wraps connection level failures reported in
	// Status.Err.
	ErrTransportConnection = errors.New("transport connection error")

	// ErrBindingSetup is reported through OnNotice when the editor widget
	// cannot be attached. The session keeps running without it.
	ErrBindingSetup = errors.New("binding setup error")

	// ErrReadOnly rejects local edits while the session is not connected.
	ErrReadOnly = errors.New("document is read-only while disconnected")

	// ErrBindingReleased rejects edits through a binding whose session has
	// been closed or replaced.
	ErrBindingReleased = errors.New("binding released")

	// ErrNotOpened is returned by Retry before any successful Open.
	ErrNotOpened = errors.New("session was never opened")
)
