package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"github.com/mentora/roomsync/internal/ratelimit"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	messagesPerSecond = 100
	messageBurst      = 200
	maxViolations     = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Describes what a connection is attached to
type Meta struct {
	// Kind selects the Handler, Topic must start with "<Kind>:"
	Kind     string
	Topic    string
	RoomID   string
	UserID   string
	UserName string
	FileID   string

	// websocket.BinaryMessage or websocket.TextMessage
	MessageType int
}

type Client struct {
	hub         *Hub
	handler     Handler
	conn        *websocket.Conn
	send        chan []byte
	rateLimiter *ratelimit.Limiter

	id          string
	kind        string
	topic       string
	roomID      string
	userID      string
	userName    string
	fileID      string
	messageType int
}

func (c *Client) ID() string       { return c.id }
func (c *Client) Topic() string    { return c.topic }
func (c *Client) RoomID() string   { return c.roomID }
func (c *Client) UserID() string   { return c.userID }
func (c *Client) UserName() string { return c.userName }
func (c *Client) FileID() string   { return c.fileID }

// Upgrades the request and attaches the connection to the hub
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, meta Meta) {
	handler, ok := hub.handler(meta.Kind)
	if !ok {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warnf("upgrade error: %v", err)
		return
	}

	messageType := meta.MessageType
	if messageType == 0 {
		messageType = websocket.BinaryMessage
	}

	client := &Client{
		hub:         hub,
		handler:     handler,
		conn:        conn,
		send:        make(chan []byte, 512),
		rateLimiter: ratelimit.NewLimiter(hub.limits.MessagesPerSecond, hub.limits.MessageBurst),
		id:          xid.New().String(),
		kind:        meta.Kind,
		topic:       meta.Topic,
		roomID:      meta.RoomID,
		userID:      meta.UserID,
		userName:    meta.UserName,
		fileID:      meta.FileID,
		messageType: messageType,
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		c.hub.Dispatch(c, c.handler.OnLeave(c))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.hub.Dispatch(c, c.handler.OnJoin(c))

	rateLimitWarnings := 0

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Warnf("websocket error on %s: %v", c.topic, err)
			}
			break
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			c.hub.metrics.IncFrameRateLimited(c.kind)
			if rateLimitWarnings%100 == 1 {
				c.hub.logger.Warnf("rate limit exceeded for client %s on %s (warning #%d)",
					c.id, c.topic, rateLimitWarnings)
			}
			if rateLimitWarnings > maxViolations {
				c.hub.logger.Warnf("disconnecting client %s for excessive rate limit violations", c.id)
				return
			}
			continue
		}

		c.hub.metrics.IncFrameReceived(c.kind, frameLabel(messageType))

		outs, err := c.handler.OnMessage(c, message)
		if err != nil {
			c.hub.metrics.IncFrameRejected(c.kind)
			c.hub.logger.Warnf("invalid message from client %s on %s: %v", c.id, c.topic, err)
		}
		c.hub.Dispatch(c, outs)
	}
}

func frameLabel(messageType int) string {
	if messageType == websocket.TextMessage {
		return "text"
	}
	return "binary"
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(c.messageType)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
