// Package session keeps one user's editor bound to one shared document of a
// room: it owns the connection, the document binding, presence and the
// reconnect policy, and reports all of it as a single Status.
package session

import (
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/mentora/roomsync/internal/awareness"
	"github.com/mentora/roomsync/internal/crdt"
	"github.com/mentora/roomsync/internal/editor"
	"github.com/mentora/roomsync/internal/logging"
	"github.com/mentora/roomsync/internal/protocol"
	"github.com/mentora/roomsync/internal/room"
	"github.com/mentora/roomsync/internal/transport"
)

// Params identify the document a session edits and who edits it.
type Params struct {
	RoomID   string
	UserID   string
	UserName string
	File     room.File
}

func (p Params) validate() error {
	if p.RoomID == "" || p.UserID == "" || p.File.ID == "" {
		return fmt.Errorf("%w: room, user and file ids are required", ErrInvalidSessionParams)
	}
	return nil
}

func (p Params) path() string {
	return room.CollabPath(p.RoomID, p.UserID, p.File.ID)
}

type Options struct {
	Transport transport.Transport
	// Widget is optional; without it the document is edited through the
	// Binding only.
	Widget         editor.Widget
	Clock          clock.WithDelayedExecution
	ReconnectDelay time.Duration
	MaxAttempts    int
	Logger         logging.Logger

	// Observers are called outside the coordinator lock.
	OnStatus func(Status)
	OnPeers  func([]awareness.Peer)
	OnNotice func(error)
}

// Coordinator runs at most one collaboration session at a time.
type Coordinator struct {
	mu        sync.Mutex
	transport transport.Transport
	widget    editor.Widget
	super     *Supervisor
	logger    logging.Logger

	onStatus func(Status)
	onPeers  func([]awareness.Peer)
	onNotice func(error)

	params   *Params
	gen      uint64
	status   Status
	binding  *Binding
	presence *Presence
	synced   bool

	events []func()
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("session")
	}
	c := &Coordinator{
		transport: opts.Transport,
		widget:    opts.Widget,
		super:     NewSupervisor(opts.Clock, opts.ReconnectDelay, opts.MaxAttempts),
		logger:    opts.Logger,
		onStatus:  opts.OnStatus,
		onPeers:   opts.OnPeers,
		onNotice:  opts.OnNotice,
	}
	c.status = Status{State: Disconnected, MaxAttempts: c.super.MaxAttempts()}
	return c
}

// Open starts a session for p, closing the current one first. It returns
// once the connection attempt has started.
func (c *Coordinator) Open(p Params) error {
	if err := p.validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.unlock()

	c.teardown()

	c.params = &p
	c.gen++
	c.synced = false

	actor := crdt.NewActorID()
	binding, err := newBinding(p.File, crdt.NewDoc(actor), c.widget, c.transport.Send, c.logger)
	if err != nil {
		c.logger.Warnw("Editor binding failed", "room", p.RoomID, "file", p.File.ID, "error", err)
		c.notice(err)
	}
	c.binding = binding
	c.presence = NewPresence(actor, awareness.State{
		UserID: p.UserID,
		Name:   p.UserName,
		Color:  RandomColor(),
	})
	c.emitPeers()

	c.super.Reset()
	c.setStatus(Status{State: Connecting})
	c.connect()
	return nil
}

// Retry reopens the last session, typically after the reconnect budget ran
// out.
func (c *Coordinator) Retry() error {
	c.mu.Lock()
	if c.params == nil {
		c.mu.Unlock()
		return ErrNotOpened
	}
	p := *c.params
	c.mu.Unlock()

	return c.Open(p)
}

// Close ends the session: presence is withdrawn, the connection closed, any
// pending reconnect cancelled and the editor released.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.unlock()

	c.teardown()
	c.setStatus(Status{State: Disconnected})
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Peers returns the users present on the document, the local one included.
func (c *Coordinator) Peers() []awareness.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.presence == nil {
		return nil
	}
	return c.presence.Peers()
}

// Binding returns the binding of the current session, nil when closed.
func (c *Coordinator) Binding() *Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binding
}

func (c *Coordinator) teardown() {
	if c.binding == nil {
		return
	}

	c.super.Cancel()
	if c.status.State == Connected {
		if payload, err := c.presence.Clear(); err == nil {
			if err := c.transport.Send(protocol.EncodeAwareness(payload)); err != nil {
				c.logger.Debugw("Failed to withdraw presence", "error", err)
			}
		}
	}
	if err := c.transport.Close(); err != nil {
		c.logger.Debugw("Failed to close transport", "error", err)
	}
	c.binding.release()

	c.binding = nil
	c.presence = nil
	c.gen++
	c.emitPeers()
}

// connect starts an attempt for the current session. A synchronous failure
// is reported like an asynchronous one, from another goroutine.
func (c *Coordinator) connect() {
	h := &handler{c: c, gen: c.gen}
	if err := c.transport.Connect(c.params.path(), h); err != nil {
		go h.OnClose(err)
	}
}

// reconnect runs on the supervisor timer. Fake clocks call it while holding
// their own lock, so it must not touch the clock synchronously.
func (c *Coordinator) reconnect(gen uint64) {
	c.mu.Lock()
	defer c.unlock()

	if gen != c.gen || c.binding == nil {
		return
	}
	c.super.Fired()
	if c.transport.Connecting() {
		c.logger.Debugw("Skipping reconnect, attempt already in flight")
		return
	}
	c.logger.Infow("Reconnecting", "attempt", c.super.Attempt(), "max", c.super.MaxAttempts())
	c.connect()
}

func (c *Coordinator) handleOpen(gen uint64) {
	c.mu.Lock()
	defer c.unlock()

	if gen != c.gen || c.binding == nil {
		return
	}
	c.super.Reset()
	c.setStatus(Status{State: Connected})
	c.binding.setWritable(true)

	sv, err := c.binding.stateVector()
	if err == nil {
		err = c.transport.Send(protocol.EncodeSync(protocol.SyncStep1, sv))
	}
	if err != nil {
		c.logger.Warnw("Failed to start sync", "error", err)
	}
	c.announce()
}

func (c *Coordinator) handleClose(gen uint64, cause error) {
	c.mu.Lock()
	defer c.unlock()

	if gen != c.gen || c.binding == nil {
		return
	}
	c.binding.setWritable(false)
	c.presence.Forget()
	c.emitPeers()

	err := fmt.Errorf("%w: %w", ErrTransportConnection, cause)
	if c.status.State == Connected {
		c.logger.Warnw("Connection lost", "room", c.params.RoomID, "file", c.params.File.ID, "error", cause)
		c.setStatus(Status{State: Disconnected, Err: err})
	}

	attempt, ok := c.super.Schedule(func() { c.reconnect(gen) })
	if !ok {
		c.logger.Warnw("Giving up reconnecting", "attempts", attempt)
		c.setStatus(Status{State: Failed, Attempt: attempt, Err: err})
		return
	}
	c.setStatus(Status{State: Reconnecting, Attempt: attempt, Err: err})
}

func (c *Coordinator) handleMessage(gen uint64, data []byte) {
	c.mu.Lock()
	defer c.unlock()

	if gen != c.gen || c.binding == nil {
		return
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warnw("Dropping invalid frame", "error", err)
		return
	}

	switch frame.Type {
	case protocol.MessageTypeSync:
		err = c.handleSync(frame)
	case protocol.MessageTypeAwareness:
		var changed bool
		changed, err = c.presence.Apply(frame.Payload)
		if changed {
			c.emitPeers()
		}
	}
	if err != nil {
		c.logger.Warnw("Failed to handle frame", "type", frame.Type, "step", frame.Step, "error", err)
	}
}

func (c *Coordinator) handleSync(frame protocol.Frame) error {
	switch frame.Step {
	case protocol.SyncStep1:
		diff, err := c.binding.diff(frame.Payload)
		if err != nil {
			return err
		}
		return c.transport.Send(protocol.EncodeSync(protocol.SyncStep2, diff))

	case protocol.SyncStep2:
		if _, err := c.binding.applyRemote(frame.Payload); err != nil {
			return err
		}
		// The first full state decides whether the stored file content
		// has to seed the document.
		if !c.synced {
			c.synced = true
			if c.binding.seed() {
				c.logger.Debugw("Seeded document from file content", "file", c.params.File.ID)
			}
		}
		return nil

	case protocol.SyncUpdate:
		_, err := c.binding.applyRemote(frame.Payload)
		return err
	}
	return nil
}

func (c *Coordinator) announce() {
	payload, err := c.presence.Announce()
	if err == nil {
		err = c.transport.Send(protocol.EncodeAwareness(payload))
	}
	if err != nil {
		c.logger.Warnw("Failed to announce presence", "error", err)
	}
	c.emitPeers()
}

func (c *Coordinator) setStatus(s Status) {
	s.MaxAttempts = c.super.MaxAttempts()
	c.status = s
	if c.onStatus != nil {
		fn := c.onStatus
		c.events = append(c.events, func() { fn(s) })
	}
}

func (c *Coordinator) emitPeers() {
	if c.onPeers == nil {
		return
	}
	var peers []awareness.Peer
	if c.presence != nil {
		peers = c.presence.Peers()
	}
	fn := c.onPeers
	c.events = append(c.events, func() { fn(peers) })
}

func (c *Coordinator) notice(err error) {
	if c.onNotice != nil {
		fn := c.onNotice
		c.events = append(c.events, func() { fn(err) })
	}
}

// unlock releases the lock and then runs the observer callbacks queued
// while it was held.
func (c *Coordinator) unlock() {
	events := c.events
	c.events = nil
	c.mu.Unlock()

	for _, fn := range events {
		fn()
	}
}

// handler routes the events of one session's connection attempts. Events
// from a session that has since been closed or replaced are dropped.
type handler struct {
	c   *Coordinator
	gen uint64
}

func (h *handler) OnOpen() {
	h.c.handleOpen(h.gen)
}

func (h *handler) OnMessage(data []byte) {
	h.c.handleMessage(h.gen, data)
}

func (h *handler) OnClose(err error) {
	h.c.handleClose(h.gen, err)
}
