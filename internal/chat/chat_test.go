package chat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mentora/roomsync/internal/db"
	"github.com/mentora/roomsync/internal/logging"
	"github.com/mentora/roomsync/internal/protocol"
	"github.com/mentora/roomsync/internal/room"
	"github.com/mentora/roomsync/internal/ws"
)

func newChatServer(t *testing.T, historyLimit int) (*db.Database, *httptest.Server) {
	t.Helper()

	store, err := db.New(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	for _, id := range []string{"r1", "r2"} {
		require.NoError(t, store.CreateRoom(id, "", ""))
	}

	hub := ws.NewHub(ws.WithLogger(logging.Nop()))
	hub.Handle(Kind, NewHandler(store, historyLimit, nil, logging.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		roomID := strings.TrimPrefix(r.URL.Path, "/chat/")
		ws.ServeWs(hub, w, r, ws.Meta{
			Kind:        Kind,
			Topic:       room.ChatTopic(roomID),
			RoomID:      roomID,
			UserID:      r.URL.Query().Get("userId"),
			UserName:    r.URL.Query().Get("userName"),
			MessageType: websocket.TextMessage,
		})
	}))

	t.Cleanup(func() {
		server.Close()
		cancel()
		store.Close()
	})
	return store, server
}

func join(t *testing.T, server *httptest.Server, roomID, userID string) (*websocket.Conn, []protocol.Message) {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + room.ChatPath(roomID) + "?userId=" + userID + "&userName=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	history := readFrame(t, conn)
	require.Equal(t, protocol.ChatHistory, history.Type)
	return conn, history.Messages
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.ChatFrame {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := protocol.DecodeChat(data)
	require.NoError(t, err)
	return frame
}

func send(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()

	data, err := protocol.EncodeChat(protocol.ChatFrame{Type: protocol.ChatMessage, Message: &msg})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("hello"))
	assert.ErrorIs(t, Validate("   "), ErrEmptyMessage)
	assert.ErrorIs(t, Validate(strings.Repeat("a", MaxMessageLength+1)), ErrMessageTooLong)
	assert.NoError(t, Validate(strings.Repeat("é", MaxMessageLength)))
	assert.ErrorIs(t, Validate(string([]byte{0xff, 0xfe})), ErrInvalidText)
}

func TestMessageIsEchoedToWholeRoom(t *testing.T) {
	_, server := newChatServer(t, 0)

	a, history := join(t, server, "r1", "ada")
	assert.Empty(t, history)
	b, _ := join(t, server, "r1", "bob")

	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	send(t, a, protocol.Message{ID: "ada-1", UserID: "ada", UserName: "Ada", Text: "hi", Timestamp: ts})

	for _, conn := range []*websocket.Conn{a, b} {
		frame := readFrame(t, conn)
		require.Equal(t, protocol.ChatMessage, frame.Type)
		assert.Equal(t, "ada-1", frame.Message.ID)
		assert.Equal(t, "hi", frame.Message.Text)
		assert.True(t, frame.Message.Timestamp.Equal(ts))
	}
}

func TestServerFillsMissingFields(t *testing.T) {
	_, server := newChatServer(t, 0)

	a, _ := join(t, server, "r1", "ada")
	send(t, a, protocol.Message{Text: "no id"})

	frame := readFrame(t, a)
	require.Equal(t, protocol.ChatMessage, frame.Type)
	assert.NotEmpty(t, frame.Message.ID)
	assert.Equal(t, "ada", frame.Message.UserID)
	assert.Equal(t, "ada", frame.Message.UserName)
	assert.False(t, frame.Message.Timestamp.IsZero())
}

func TestDuplicateIsNotRebroadcast(t *testing.T) {
	_, server := newChatServer(t, 0)

	a, _ := join(t, server, "r1", "ada")
	msg := protocol.Message{ID: "dup", UserID: "ada", Text: "once", Timestamp: time.Now()}
	send(t, a, msg)
	readFrame(t, a)

	send(t, a, msg)
	send(t, a, protocol.Message{ID: "next", UserID: "ada", Text: "twice", Timestamp: time.Now()})

	frame := readFrame(t, a)
	assert.Equal(t, "next", frame.Message.ID)
}

func TestInvalidMessageReturnsError(t *testing.T) {
	_, server := newChatServer(t, 0)

	a, _ := join(t, server, "r1", "ada")
	send(t, a, protocol.Message{ID: "e", Text: "  "})

	frame := readFrame(t, a)
	assert.Equal(t, protocol.ChatError, frame.Type)
	assert.Equal(t, ErrEmptyMessage.Error(), frame.Error)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("garbage")))
	frame = readFrame(t, a)
	assert.Equal(t, protocol.ChatError, frame.Type)
}

func TestHistoryOnJoinIsLimited(t *testing.T) {
	store, server := newChatServer(t, 2)

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"m1", "m2", "m3"} {
		_, err := store.SaveChatMessage(db.ChatMessage{
			ID: id, RoomID: "r1", UserID: "ada", Text: id, Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	_, history := join(t, server, "r1", "bob")
	require.Len(t, history, 2)
	assert.Equal(t, "m2", history[0].ID)
	assert.Equal(t, "m3", history[1].ID)

	_, other := join(t, server, "r2", "bob")
	assert.Empty(t, other)
}

func TestUnknownRoomIsRejected(t *testing.T) {
	store, server := newChatServer(t, 0)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + room.ChatPath("ghost") + "?userId=ada&userName=ada"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	frame := readFrame(t, conn)
	assert.Equal(t, protocol.ChatError, frame.Type)
	assert.Equal(t, ErrUnknownRoom.Error(), frame.Error)

	rm, err := store.GetRoom("ghost")
	require.NoError(t, err)
	assert.Nil(t, rm)
}
