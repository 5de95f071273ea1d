// Package chatclient is the room chat channel of the client: it keeps the
// room's message list in sync with the server and reconnects on its own
// while the user can see it.
package chatclient

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/mentora/roomsync/internal/logging"
	"github.com/mentora/roomsync/internal/protocol"
	"github.com/mentora/roomsync/internal/room"
	"github.com/mentora/roomsync/internal/transport"
)

const DefaultReconnectDelay = 3 * time.Second

var (
	// ErrChatTransport marks the connection errors shown in the banner.
	ErrChatTransport = errors.New("chat transport error")

	// ErrRejected wraps error frames sent by the server.
	ErrRejected = errors.New("chat message rejected")

	ErrNotConnected  = errors.New("chat not connected")
	ErrEmptyMessage  = errors.New("message is empty")
	ErrInvalidParams = errors.New("room and user ids are required")
)

// State of the chat connection
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

type Options struct {
	Transport      transport.Transport
	Clock          clock.WithDelayedExecution
	Visibility     Visibility
	ReconnectDelay time.Duration
	Logger         logging.Logger
	// OnChange is called outside the client lock whenever the state, the
	// message list or the banner changes.
	OnChange func()
}

// Client is one user's chat connection to one room.
type Client struct {
	mu         sync.Mutex
	transport  transport.Transport
	clock      clock.WithDelayedExecution
	visibility Visibility
	delay      time.Duration
	logger     logging.Logger
	onChange   func()

	roomID   string
	userID   string
	userName string
	joined   bool
	gen      uint64

	state    State
	messages []protocol.Message
	seen     map[string]bool
	err      error
	timer    clock.Timer
	changed  bool
}

func New(opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Visibility == nil {
		opts.Visibility = AlwaysVisible{}
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("chatclient")
	}
	return &Client{
		transport:  opts.Transport,
		clock:      opts.Clock,
		visibility: opts.Visibility,
		delay:      opts.ReconnectDelay,
		logger:     opts.Logger,
		onChange:   opts.OnChange,
		seen:       make(map[string]bool),
	}
}

// Path returns the chat endpoint for a room and user.
func Path(roomID, userID, userName string) string {
	q := url.Values{}
	q.Set("userId", userID)
	q.Set("userName", userName)
	return room.ChatPath(roomID) + "?" + q.Encode()
}

// Join connects to a room's chat, leaving the current room first.
func (c *Client) Join(roomID, userID, userName string) error {
	if roomID == "" || userID == "" {
		return ErrInvalidParams
	}

	c.mu.Lock()
	defer c.unlock()

	c.leave()
	c.roomID, c.userID, c.userName = roomID, userID, userName
	c.joined = true
	c.gen++
	c.connect()
	return nil
}

// Leave disconnects and forgets the room.
func (c *Client) Leave() {
	c.mu.Lock()
	defer c.unlock()
	c.leave()
}

func (c *Client) leave() {
	if !c.joined {
		return
	}
	c.cancelTimer()
	if err := c.transport.Close(); err != nil {
		c.logger.Debugw("Failed to close chat transport", "error", err)
	}
	c.joined = false
	c.gen++
	c.state = Disconnected
	c.messages = nil
	c.seen = make(map[string]bool)
	c.err = nil
	c.changed = true
}

// Send transmits text as the local user and appends it to the list unless
// the server echo got there first.
func (c *Client) Send(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	defer c.unlock()

	if c.state != Connected {
		return ErrNotConnected
	}

	now := c.clock.Now()
	msg := protocol.Message{
		ID:        c.userID + "-" + strconv.FormatInt(now.UnixMilli(), 10),
		UserID:    c.userID,
		UserName:  c.userName,
		Text:      text,
		Timestamp: now,
	}
	data, err := protocol.EncodeChat(protocol.ChatFrame{Type: protocol.ChatMessage, Message: &msg})
	if err != nil {
		return err
	}
	if err := c.transport.Send(data); err != nil {
		c.err = fmt.Errorf("%w: %w", ErrChatTransport, err)
		c.changed = true
		return c.err
	}
	c.add(msg)
	return nil
}

// VisibilityChanged must be called when the client is shown or hidden.
// Becoming visible while disconnected reconnects at once.
func (c *Client) VisibilityChanged() {
	c.mu.Lock()
	defer c.unlock()

	if !c.joined || c.state != Disconnected || c.visibility.Hidden() {
		return
	}
	c.cancelTimer()
	c.connect()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Messages returns a copy of the message list in arrival order.
func (c *Client) Messages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := make([]protocol.Message, len(c.messages))
	copy(msgs, c.messages)
	return msgs
}

// Err returns the error shown in the banner, nil when there is none.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) connect() {
	c.state = Connecting
	c.changed = true

	h := &handler{c: c, gen: c.gen}
	if err := c.transport.Connect(Path(c.roomID, c.userID, c.userName), h); err != nil {
		go h.OnClose(err)
	}
}

// add appends msg unless its key was seen already.
func (c *Client) add(msg protocol.Message) {
	key := msg.Key()
	if c.seen[key] {
		return
	}
	c.seen[key] = true
	c.messages = append(c.messages, msg)
	c.changed = true
}

func (c *Client) cancelTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) handleOpen(gen uint64) {
	c.mu.Lock()
	defer c.unlock()

	if gen != c.gen {
		return
	}
	c.state = Connected
	c.err = nil
	c.changed = true
}

func (c *Client) handleMessage(gen uint64, data []byte) {
	c.mu.Lock()
	defer c.unlock()

	if gen != c.gen {
		return
	}
	frame, err := protocol.DecodeChat(data)
	if err != nil {
		c.logger.Warnw("Dropping invalid chat frame", "error", err)
		return
	}

	switch frame.Type {
	case protocol.ChatHistory:
		c.messages = nil
		c.seen = make(map[string]bool, len(frame.Messages))
		for _, msg := range frame.Messages {
			c.add(msg)
		}
		c.changed = true
	case protocol.ChatMessage:
		c.add(*frame.Message)
	case protocol.ChatError:
		c.err = fmt.Errorf("%w: %s", ErrRejected, frame.Error)
		c.changed = true
	}
}

func (c *Client) handleClose(gen uint64, cause error) {
	c.mu.Lock()
	defer c.unlock()

	if gen != c.gen {
		return
	}
	c.state = Disconnected
	c.err = fmt.Errorf("%w: %w", ErrChatTransport, cause)
	c.changed = true

	if c.visibility.Hidden() {
		c.logger.Debugw("Chat hidden, not reconnecting", "room", c.roomID)
		return
	}
	c.cancelTimer()
	c.timer = c.clock.AfterFunc(c.delay, func() { c.reconnect(gen) })
}

// reconnect runs on the timer and must not touch the clock synchronously.
func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	defer c.unlock()

	if gen != c.gen {
		return
	}
	c.timer = nil
	if c.state != Disconnected || c.transport.Connecting() {
		return
	}
	c.logger.Infow("Reconnecting chat", "room", c.roomID)
	c.connect()
}

func (c *Client) unlock() {
	changed := c.changed
	c.changed = false
	c.mu.Unlock()

	if changed && c.onChange != nil {
		c.onChange()
	}
}

type handler struct {
	c   *Client
	gen uint64
}

func (h *handler) OnOpen()               { h.c.handleOpen(h.gen) }
func (h *handler) OnMessage(data []byte) { h.c.handleMessage(h.gen, data) }
func (h *handler) OnClose(err error)     { h.c.handleClose(h.gen, err) }
