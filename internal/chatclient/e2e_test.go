package chatclient_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mentora/roomsync/internal/api"
	"github.com/mentora/roomsync/internal/chat"
	"github.com/mentora/roomsync/internal/chatclient"
	"github.com/mentora/roomsync/internal/collab"
	"github.com/mentora/roomsync/internal/compaction"
	"github.com/mentora/roomsync/internal/db"
	"github.com/mentora/roomsync/internal/logging"
	"github.com/mentora/roomsync/internal/transport"
	"github.com/mentora/roomsync/internal/ws"
)

const waitFor = 3 * time.Second

func startServer(t *testing.T) string {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	require.NoError(t, database.CreateRoom("r1", "", ""))

	documents := collab.NewHandler(database, nil, logging.Nop())
	messages := chat.NewHandler(database, 0, nil, logging.Nop())
	hub := ws.NewHub(ws.WithLogger(logging.Nop()))
	hub.Handle(collab.Kind, documents)
	hub.Handle(chat.Kind, messages)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	a := api.New(hub, database, documents, messages, compaction.New(database, compaction.DefaultConfig(), nil, logging.Nop()), logging.Nop())
	srv := httptest.NewServer(a.Router(api.RouterConfig{}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		database.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newClient(t *testing.T, serverURL string) *chatclient.Client {
	t.Helper()

	c := chatclient.New(chatclient.Options{
		Transport: transport.NewWebSocket(serverURL, websocket.TextMessage, logging.Nop()),
		Logger:    logging.Nop(),
	})
	t.Cleanup(c.Leave)
	return c
}

func texts(c *chatclient.Client) []string {
	var out []string
	for _, m := range c.Messages() {
		out = append(out, m.Text)
	}
	return out
}

func TestChatRoundTrip(t *testing.T) {
	serverURL := startServer(t)

	alice := newClient(t, serverURL)
	require.NoError(t, alice.Join("r1", "alice", "Alice"))
	require.Eventually(t, func() bool { return alice.State() == chatclient.Connected }, waitFor, 10*time.Millisecond)

	bob := newClient(t, serverURL)
	require.NoError(t, bob.Join("r1", "bob", "Bob"))
	require.Eventually(t, func() bool { return bob.State() == chatclient.Connected }, waitFor, 10*time.Millisecond)

	require.NoError(t, alice.Send("hi bob"))
	require.Eventually(t, func() bool {
		return len(bob.Messages()) == 1
	}, waitFor, 10*time.Millisecond)

	// the echo carries the sender's id and is not shown twice
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"hi bob"}, texts(alice))
	assert.Equal(t, alice.Messages()[0].ID, bob.Messages()[0].ID)

	// a late joiner receives the stored history
	carol := newClient(t, serverURL)
	require.NoError(t, carol.Join("r1", "carol", "Carol"))
	require.Eventually(t, func() bool {
		return len(carol.Messages()) == 1
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, "Alice", carol.Messages()[0].UserName)
}
