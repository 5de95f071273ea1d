// Package transporttest provides a scripted Transport for tests.
package transporttest

import (
	"errors"
	"sync"

	"github.com/mentora/roomsync/internal/transport"
)

// ErrDropped is the error delivered by Drop and Fail.
var ErrDropped = errors.New("connection dropped")

// Fake records what its owner does and lets the test decide when the
// connection opens, fails or drops. Events are delivered on the calling
// test goroutine.
type Fake struct {
	mu         sync.Mutex
	handler    transport.Handler
	path       string
	connecting bool
	open       bool
	connects   int
	closes     int
	sent       [][]byte
	sendErr    error
}

func New() *Fake {
	return &Fake{}
}

func (f *Fake) Connect(path string, h transport.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.connecting || f.open {
		return transport.ErrBusy
	}
	f.handler = h
	f.path = path
	f.connecting = true
	f.connects++
	return nil
}

func (f *Fake) Connecting() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connecting
}

func (f *Fake) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}
	if !f.open {
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closes++
	f.connecting = false
	f.open = false
	f.handler = nil
	return nil
}

// Open completes the pending attempt.
func (f *Fake) Open() {
	f.mu.Lock()
	h := f.handler
	if h == nil || !f.connecting {
		f.mu.Unlock()
		return
	}
	f.connecting = false
	f.open = true
	f.mu.Unlock()

	h.OnOpen()
}

// Fail fails the pending attempt.
func (f *Fake) Fail() {
	f.mu.Lock()
	h := f.handler
	if h == nil || !f.connecting {
		f.mu.Unlock()
		return
	}
	f.connecting = false
	f.handler = nil
	f.mu.Unlock()

	h.OnClose(ErrDropped)
}

// Drop closes the open connection from the remote side.
func (f *Fake) Drop() {
	f.mu.Lock()
	h := f.handler
	if h == nil || !f.open {
		f.mu.Unlock()
		return
	}
	f.open = false
	f.handler = nil
	f.mu.Unlock()

	h.OnClose(ErrDropped)
}

// Deliver hands data to the handler as if the server sent it.
func (f *Fake) Deliver(data []byte) {
	f.mu.Lock()
	h := f.handler
	open := f.open
	f.mu.Unlock()

	if h != nil && open {
		h.OnMessage(data)
	}
}

// SetSendError makes every Send fail with err; nil restores normal sends.
func (f *Fake) SetSendError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// Sent returns and clears the frames sent so far.
func (f *Fake) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	sent := f.sent
	f.sent = nil
	return sent
}

func (f *Fake) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *Fake) Path() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.path
}

func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *Fake) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}
