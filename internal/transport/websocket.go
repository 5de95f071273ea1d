package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mentora/roomsync/internal/logging"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	dialTimeout = 15 * time.Second
)

// WebSocket implements Transport over gorilla/websocket.
type WebSocket struct {
	dialer      *websocket.Dialer
	baseURL     string
	messageType int
	logger      logging.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	connecting bool
	cancel     context.CancelFunc
	gen        uint64

	writeMu sync.Mutex
}

// NewWebSocket creates a transport for baseURL (e.g. ws://localhost:8080).
// messageType is websocket.BinaryMessage or websocket.TextMessage.
func NewWebSocket(baseURL string, messageType int, logger logging.Logger) *WebSocket {
	return &WebSocket{
		dialer: &websocket.Dialer{
			HandshakeTimeout: dialTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		messageType: messageType,
		logger:      logger,
	}
}

func (w *WebSocket) Connect(path string, h Handler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.connecting || w.conn != nil {
		return ErrBusy
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	w.connecting = true
	w.cancel = cancel
	w.gen++

	go w.run(ctx, w.gen, w.baseURL+path, h)
	return nil
}

func (w *WebSocket) Connecting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connecting
}

func (w *WebSocket) run(ctx context.Context, gen uint64, url string, h Handler) {
	conn, _, err := w.dialer.DialContext(ctx, url, nil)

	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	w.connecting = false
	w.cancel()
	if err != nil {
		w.mu.Unlock()
		h.OnClose(fmt.Errorf("dial %s: %w", url, err))
		return
	}
	w.conn = conn
	w.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		w.writeMu.Lock()
		defer w.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	h.OnOpen()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			current := gen == w.gen && w.conn == conn
			if current {
				w.conn = nil
			}
			w.mu.Unlock()

			conn.Close()
			if current {
				h.OnClose(err)
			}
			return
		}

		w.mu.Lock()
		current := gen == w.gen
		w.mu.Unlock()
		if !current {
			return
		}
		h.OnMessage(data)
	}
}

func (w *WebSocket) Send(data []byte) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(w.messageType, data); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (w *WebSocket) Close() error {
	w.mu.Lock()
	w.gen++
	conn := w.conn
	w.conn = nil
	if w.connecting {
		w.cancel()
		w.connecting = false
	}
	w.mu.Unlock()

	if conn == nil {
		return nil
	}

	w.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		w.logger.Debugf("write close frame: %v", err)
	}
	w.writeMu.Unlock()

	return conn.Close()
}
