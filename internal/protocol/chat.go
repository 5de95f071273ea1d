package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Chat frame types
const (
	ChatHistory = "history"
	ChatMessage = "message"
	ChatError   = "error"
)

// One room chat message as it travels on the wire
type Message struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Returns the message id, falling back to userId-timestampMillis
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.UserID + "-" + strconv.FormatInt(m.Timestamp.UnixMilli(), 10)
}

// A JSON chat frame
type ChatFrame struct {
	Type     string    `json:"type"`
	Messages []Message `json:"messages,omitempty"`
	Message  *Message  `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
}

func EncodeChat(frame ChatFrame) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode chat frame: %w", err)
	}
	return data, nil
}

func DecodeChat(data []byte) (ChatFrame, error) {
	var frame ChatFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return ChatFrame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	switch frame.Type {
	case ChatHistory, ChatError:
	case ChatMessage:
		if frame.Message == nil {
			return ChatFrame{}, fmt.Errorf("%w: message frame without message", ErrInvalidFrame)
		}
	default:
		return ChatFrame{}, fmt.Errorf("%w: unknown chat frame type %q", ErrInvalidFrame, frame.Type)
	}
	return frame, nil
}
