// Package chat serves room chat: history on join, validation, duplicate
// suppression and echo of every accepted message to the whole room.
package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mentora/roomsync/internal/db"
	"github.com/mentora/roomsync/internal/logging"
	"github.com/mentora/roomsync/internal/metrics"
	"github.com/mentora/roomsync/internal/protocol"
	"github.com/mentora/roomsync/internal/room"
	"github.com/mentora/roomsync/internal/ws"
)

// Kind is the hub kind served by Handler.
const Kind = "chat"

const (
	DefaultHistoryLimit = 100
	MaxMessageLength    = 5000
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = fmt.Errorf("message exceeds %d characters", MaxMessageLength)
	ErrInvalidText    = errors.New("message is not valid UTF-8")
	ErrUnknownRoom    = errors.New("room not found")
)

// Store is the persistence the handler needs.
type Store interface {
	GetRoom(id string) (*room.Room, error)
	SaveChatMessage(m db.ChatMessage) (bool, error)
	ListChatMessages(roomID string, limit int) ([]db.ChatMessage, error)
}

// Handler implements ws.Handler for chat topics.
type Handler struct {
	store        Store
	historyLimit int
	metrics      *metrics.Metrics
	logger       logging.Logger
	now          func() time.Time
}

func NewHandler(store Store, historyLimit int, m *metrics.Metrics, logger logging.Logger) *Handler {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Handler{
		store:        store,
		historyLimit: historyLimit,
		metrics:      m,
		logger:       logger,
		now:          time.Now,
	}
}

// Checks the text of an incoming message
func Validate(text string) error {
	if !utf8.ValidString(text) {
		return ErrInvalidText
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// Returns the latest messages of a room, oldest first
func (h *Handler) History(roomID string) ([]protocol.Message, error) {
	rows, err := h.store.ListChatMessages(roomID, h.historyLimit)
	if err != nil {
		return nil, err
	}

	messages := make([]protocol.Message, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, protocol.Message{
			ID:        row.ID,
			UserID:    row.UserID,
			UserName:  row.UserName,
			Text:      row.Text,
			Timestamp: row.Timestamp,
		})
	}
	return messages, nil
}

func (h *Handler) OnJoin(c *ws.Client) []ws.Outbound {
	// rooms are created through the API, never by joining
	rm, err := h.store.GetRoom(c.RoomID())
	if err != nil {
		h.logger.Errorf("get room %s: %v", c.RoomID(), err)
		return h.errorFrame("history unavailable")
	}
	if rm == nil {
		return h.errorFrame(ErrUnknownRoom.Error())
	}

	messages, err := h.History(c.RoomID())
	if err != nil {
		h.logger.Errorf("load chat history of %s: %v", c.RoomID(), err)
		return h.errorFrame("history unavailable")
	}

	data, err := protocol.EncodeChat(protocol.ChatFrame{Type: protocol.ChatHistory, Messages: messages})
	if err != nil {
		h.logger.Errorf("encode history: %v", err)
		return nil
	}
	return []ws.Outbound{{Target: ws.ToSender, Data: data}}
}

func (h *Handler) OnMessage(c *ws.Client, data []byte) ([]ws.Outbound, error) {
	frame, err := protocol.DecodeChat(data)
	if err != nil {
		return h.errorFrame("invalid message"), err
	}
	if frame.Type != protocol.ChatMessage {
		return h.errorFrame("unsupported frame"), fmt.Errorf("%w: client sent %q", protocol.ErrInvalidFrame, frame.Type)
	}

	msg := *frame.Message
	if err := Validate(msg.Text); err != nil {
		return h.errorFrame(err.Error()), err
	}

	if msg.UserID == "" {
		msg.UserID = c.UserID()
	}
	if msg.UserName == "" {
		msg.UserName = c.UserName()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = h.now()
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	inserted, err := h.store.SaveChatMessage(db.ChatMessage{
		ID:        msg.ID,
		RoomID:    c.RoomID(),
		UserID:    msg.UserID,
		UserName:  msg.UserName,
		Text:      msg.Text,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		return h.errorFrame("message not stored"), err
	}
	if !inserted {
		h.metrics.IncChatDuplicate()
		h.logger.Debugf("duplicate chat message %s in %s", msg.ID, c.RoomID())
		return nil, nil
	}
	h.metrics.IncChatMessage()

	out, err := protocol.EncodeChat(protocol.ChatFrame{Type: protocol.ChatMessage, Message: &msg})
	if err != nil {
		return nil, err
	}
	return []ws.Outbound{{Target: ws.ToAll, Data: out}}, nil
}

func (h *Handler) OnLeave(c *ws.Client) []ws.Outbound {
	return nil
}

// Messages from other nodes are already stored; deliver them as they are.
func (h *Handler) OnRemote(topic string, data []byte) bool {
	return true
}

func (h *Handler) errorFrame(reason string) []ws.Outbound {
	data, err := protocol.EncodeChat(protocol.ChatFrame{Type: protocol.ChatError, Error: reason})
	if err != nil {
		return nil
	}
	return []ws.Outbound{{Target: ws.ToSender, Data: data}}
}
