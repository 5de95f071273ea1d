// Package transport carries collaboration and chat frames between a client
// and the roomsync server.
package transport

import (
	"errors"
)

var (
	// ErrNotConnected is returned by Send without an open connection.
	ErrNotConnected = errors.New("transport not connected")

	// ErrBusy is returned by Connect while a connection is open or opening.
	ErrBusy = errors.New("transport already connecting or connected")
)

// Handler receives the events of one connection attempt. Events are
// delivered from the transport's own goroutine, never from inside Connect,
// Send or Close.
type Handler interface {
	OnOpen()
	OnMessage(data []byte)
	// OnClose reports that the attempt failed or the open connection
	// dropped. It is not called after a deliberate Close.
	OnClose(err error)
}

// Transport is a reconnectable message connection.
type Transport interface {
	// Connect starts connecting to path in the background and returns
	// immediately.
	Connect(path string, h Handler) error
	// Connecting reports whether an attempt is in flight.
	Connecting() bool
	Send(data []byte) error
	// Close drops the current connection or attempt.
	Close() error
}
