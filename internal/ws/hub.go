package ws

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rs/xid"

	"github.com/mentora/roomsync/internal/logging"
	"github.com/mentora/roomsync/internal/metrics"
	"github.com/mentora/roomsync/internal/pubsub"
)

// Target selects the receivers of an outbound frame.
type Target int

const (
	// ToSender delivers only to the client that triggered the frame.
	ToSender Target = iota
	// ToOthers delivers to every client of the topic except the sender.
	ToOthers
	// ToAll delivers to every client of the topic, sender included.
	ToAll
)

// Outbound is a frame produced by a Handler.
type Outbound struct {
	Target Target
	Data   []byte
}

// Handler gives a kind of topic its semantics. OnJoin, OnMessage and OnLeave
// run on the client's read goroutine; OnRemote runs on the broker's
// delivery goroutine.
type Handler interface {
	OnJoin(c *Client) []Outbound
	OnMessage(c *Client, data []byte) ([]Outbound, error)
	OnLeave(c *Client) []Outbound
	// OnRemote is called for frames published by another node. Returning
	// false drops the frame instead of delivering it to local clients.
	OnRemote(topic string, data []byte) bool
}

// The set of active clients by topic; routes frames between them
type Hub struct {
	// Registered clients by topic
	topics map[string]map[*Client]bool

	handlers map[string]Handler

	// Outbound frames from handlers and the broker
	broadcast chan *Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	broker  pubsub.Broker
	publish chan pubsub.Envelope
	nodeID  string

	metrics *metrics.Metrics
	logger  logging.Logger
	limits  Limits

	done chan struct{}
	mu   sync.RWMutex
}

// Limits of a single websocket connection
type Limits struct {
	MessagesPerSecond float64
	MessageBurst      int
}

type Message struct {
	Topic  string
	Data   []byte
	Sender *Client
	Target Target
	remote bool
}

type Option func(*Hub)

// Fans frames out to other nodes through broker
func WithBroker(broker pubsub.Broker) Option {
	return func(h *Hub) { h.broker = broker }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

func WithLogger(logger logging.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

func WithLimits(limits Limits) Option {
	return func(h *Hub) { h.limits = limits }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		topics:     make(map[string]map[*Client]bool),
		handlers:   make(map[string]Handler),
		broadcast:  make(chan *Message),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		publish:    make(chan pubsub.Envelope, 1024),
		nodeID:     xid.New().String(),
		logger:     logging.New("ws"),
		limits:     Limits{MessagesPerSecond: messagesPerSecond, MessageBurst: messageBurst},
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Binds a handler to every topic named "<kind>:..."
func (h *Hub) Handle(kind string, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[kind] = handler
}

func (h *Hub) handler(kind string) (Handler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handler, ok := h.handlers[kind]
	return handler, ok
}

// Identifies this hub in broker envelopes
func (h *Hub) NodeID() string {
	return h.nodeID
}

// Runs the hub until ctx is cancelled. Clients still connected at that
// point are disconnected.
func (h *Hub) Run(ctx context.Context) error {
	if h.broker != nil {
		sub, err := h.broker.Subscribe(ctx, h.receive)
		if err != nil {
			return err
		}
		defer sub.Close()

		go h.runPublisher(ctx)
	}

	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil

		case client := <-h.register:
			h.mu.Lock()
			if _, ok := h.topics[client.topic]; !ok {
				h.topics[client.topic] = make(map[*Client]bool)
			}
			h.topics[client.topic][client] = true
			clientCount := len(h.topics[client.topic])
			h.mu.Unlock()

			h.metrics.AddConnection(client.kind, 1)
			h.logger.Debugf("client %s joined %s (total: %d)", client.id, client.topic, clientCount)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			h.deliver(message)
			h.mu.Unlock()

			if h.broker != nil && !message.remote && message.Target != ToSender {
				select {
				case h.publish <- pubsub.Envelope{Origin: h.nodeID, Topic: message.Topic, Data: message.Data}:
				default:
					h.logger.Warnf("publish queue full, dropping frame for %s", message.Topic)
				}
			}
		}
	}
}

// Must be called with mu held.
func (h *Hub) remove(client *Client) {
	clients, ok := h.topics[client.topic]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}

	delete(clients, client)
	close(client.send)
	h.metrics.AddConnection(client.kind, -1)

	if len(clients) == 0 {
		delete(h.topics, client.topic)
		h.logger.Debugf("topic %s closed (empty)", client.topic)
	} else {
		h.logger.Debugf("client %s left %s (remaining: %d)", client.id, client.topic, len(clients))
	}
}

// Must be called with mu held. Clients that cannot keep up are dropped.
func (h *Hub) deliver(message *Message) {
	clients, ok := h.topics[message.Topic]
	if !ok {
		return
	}

	var slow []*Client
	for client := range clients {
		switch message.Target {
		case ToSender:
			if client != message.Sender {
				continue
			}
		case ToOthers:
			if client == message.Sender {
				continue
			}
		}

		select {
		case client.send <- message.Data:
		default:
			slow = append(slow, client)
		}
	}

	for _, client := range slow {
		h.logger.Warnf("client %s on %s is too slow, disconnecting", client.id, client.topic)
		h.remove(client)
	}
}

func (h *Hub) shutdown() {
	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.topics {
		for client := range clients {
			h.remove(client)
		}
	}
}

func (h *Hub) runPublisher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-h.publish:
			if err := h.broker.Publish(ctx, env); err != nil {
				h.logger.Warnf("publish %s: %v", env.Topic, err)
			}
		}
	}
}

func (h *Hub) receive(env pubsub.Envelope) {
	if env.Origin == h.nodeID {
		return
	}

	kind, _, _ := strings.Cut(env.Topic, ":")
	handler, ok := h.handler(kind)
	if !ok || !handler.OnRemote(env.Topic, env.Data) {
		return
	}
	h.submit(&Message{Topic: env.Topic, Data: env.Data, Target: ToAll, remote: true})
}

// Queues a message for the run loop; returns false once the hub stopped.
func (h *Hub) submit(message *Message) bool {
	select {
	case h.broadcast <- message:
		return true
	case <-h.done:
		return false
	}
}

// Sends handler output for a client's topic
func (h *Hub) Dispatch(c *Client, outs []Outbound) {
	for _, out := range outs {
		if !h.submit(&Message{Topic: c.topic, Data: out.Data, Sender: c, Target: out.Target}) {
			return
		}
	}
}

// Sends data to every local client of topic
func (h *Hub) Broadcast(topic string, data []byte) {
	h.submit(&Message{Topic: topic, Data: data, Target: ToAll})
}

func (h *Hub) TopicCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, clients := range h.topics {
		total += len(clients)
	}
	return total
}

// Returns the sorted distinct user ids connected to any topic of the room
func (h *Hub) RoomUsers(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]bool)
	for _, clients := range h.topics {
		for client := range clients {
			if client.roomID == roomID && client.userID != "" {
				seen[client.userID] = true
			}
		}
	}

	users := make([]string, 0, len(seen))
	for user := range seen {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}

// Returns the number of clients per active topic
func (h *Hub) ActiveTopics() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	topics := make(map[string]int, len(h.topics))
	for topic, clients := range h.topics {
		topics[topic] = len(clients)
	}
	return topics
}
