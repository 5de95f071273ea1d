package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mentora/roomsync/internal/chat"
	"github.com/mentora/roomsync/internal/collab"
	"github.com/mentora/roomsync/internal/compaction"
	"github.com/mentora/roomsync/internal/crdt"
	"github.com/mentora/roomsync/internal/db"
	"github.com/mentora/roomsync/internal/logging"
	"github.com/mentora/roomsync/internal/metrics"
	"github.com/mentora/roomsync/internal/ratelimit"
	"github.com/mentora/roomsync/internal/room"
	"github.com/mentora/roomsync/internal/ws"
)

type testAPI struct {
	api      *API
	database *db.Database
	handler  http.Handler
}

func setupTestAPI(t *testing.T, limiters *ratelimit.ClientLimiters) *testAPI {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	m, err := metrics.NewMetrics()
	require.NoError(t, err)

	logger := logging.Nop()
	hub := ws.NewHub(ws.WithLogger(logger), ws.WithMetrics(m))
	documents := collab.NewHandler(database, m, logger)
	chatHandler := chat.NewHandler(database, 0, m, logger)
	hub.Handle(collab.Kind, documents)
	hub.Handle(chat.Kind, chatHandler)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	compactor := compaction.New(database, compaction.DefaultConfig(), m, logger)
	a := New(hub, database, documents, chatHandler, compactor, logger)

	t.Cleanup(func() {
		cancel()
		database.Close()
	})

	return &testAPI{
		api:      a,
		database: database,
		handler:  a.Router(RouterConfig{Metrics: m, Limiters: limiters}),
	}
}

func (ta *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var response map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return response
}

func TestHealthHandler(t *testing.T) {
	ta := setupTestAPI(t, nil)

	w := ta.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestStatsHandler(t *testing.T) {
	ta := setupTestAPI(t, nil)
	require.NoError(t, ta.database.CreateRoom("r1", "", ""))

	w := ta.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	response := decode(t, w)
	assert.Contains(t, response, "active_topics")
	assert.Contains(t, response, "active_clients")
	assert.Equal(t, float64(1), response["total_rooms"])
}

func TestCreateRoom(t *testing.T) {
	ta := setupTestAPI(t, nil)

	tests := []struct {
		name           string
		body           string
		expectedStatus int
	}{
		{"Create room with ID and name", `{"id": "test-room-1", "name": "Test Room 1"}`, http.StatusCreated},
		{"Create room with only ID", `{"id": "test-room-2"}`, http.StatusCreated},
		{"Missing ID gets generated", `{"name": "No ID Room"}`, http.StatusCreated},
		{"Invalid JSON", `invalid json`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ta.do(t, http.MethodPost, "/api/rooms", tt.body)
			assert.Equal(t, tt.expectedStatus, w.Code)
			if w.Code == http.StatusCreated {
				assert.NotEmpty(t, decode(t, w)["id"])
			}
		})
	}
}

func TestGetRoom(t *testing.T) {
	ta := setupTestAPI(t, nil)
	require.NoError(t, ta.database.CreateRoom("get-test-room", "Get Test Room", ""))
	_, err := ta.database.CreateFile(room.File{RoomID: "get-test-room", ID: "f1", Name: "main.py", Language: room.LanguagePython})
	require.NoError(t, err)

	w := ta.do(t, http.MethodGet, "/api/rooms/get-test-room", "")
	require.Equal(t, http.StatusOK, w.Code)

	response := decode(t, w)
	assert.Equal(t, "get-test-room", response["id"])
	files := response["files"].([]any)
	require.Len(t, files, 1)
	assert.Equal(t, "python", files[0].(map[string]any)["language"])

	w = ta.do(t, http.MethodGet, "/api/rooms/non-existent", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListRoomsPagination(t *testing.T) {
	ta := setupTestAPI(t, nil)
	for i := 0; i < 10; i++ {
		require.NoError(t, ta.database.CreateRoom("page-room-"+string(rune('a'+i)), "", ""))
	}

	w := ta.do(t, http.MethodGet, "/api/rooms", "")
	assert.Len(t, decode(t, w)["rooms"], 10)

	w = ta.do(t, http.MethodGet, "/api/rooms?limit=3", "")
	assert.Len(t, decode(t, w)["rooms"], 3)

	w = ta.do(t, http.MethodGet, "/api/rooms?limit=3&offset=8", "")
	assert.Len(t, decode(t, w)["rooms"], 2)
}

func TestDeleteRoom(t *testing.T) {
	ta := setupTestAPI(t, nil)
	require.NoError(t, ta.database.CreateRoom("delete-test-room", "", ""))

	w := ta.do(t, http.MethodDelete, "/api/rooms/delete-test-room", "")
	require.Equal(t, http.StatusOK, w.Code)

	r, err := ta.database.GetRoom("delete-test-room")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestMethodNotAllowed(t *testing.T) {
	ta := setupTestAPI(t, nil)

	w := ta.do(t, http.MethodPut, "/api/rooms", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "GET, POST", w.Header().Get("Allow"))
	assert.Equal(t, "Method not allowed", decode(t, w)["error"])

	w = ta.do(t, http.MethodPost, "/api/rooms/r1/files/f1", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = ta.do(t, http.MethodGet, "/api/rooms/r1/files/f1/compact", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = ta.do(t, http.MethodGet, "/api/nowhere", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJoinUnknownRoomOrFile(t *testing.T) {
	ta := setupTestAPI(t, nil)

	w := ta.do(t, http.MethodGet, "/chat/ghost?userId=u1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Room not found", decode(t, w)["error"])

	require.NoError(t, ta.database.CreateRoom("r1", "", ""))
	w = ta.do(t, http.MethodGet, "/collab/r1/u1/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "File not found", decode(t, w)["error"])

	rm, err := ta.database.GetRoom("ghost")
	require.NoError(t, err)
	assert.Nil(t, rm)
	assert.Zero(t, ta.api.documents.OpenDocuments())
}

func TestFileLifecycle(t *testing.T) {
	ta := setupTestAPI(t, nil)
	require.NoError(t, ta.database.CreateRoom("r1", "", ""))

	w := ta.do(t, http.MethodPost, "/api/rooms/r1/files", `{"id":"f1","name":"script","language":"python","content":"print(1)"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = ta.do(t, http.MethodPost, "/api/rooms/r1/files", `{"id":"f1","name":"dup"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ta.do(t, http.MethodPost, "/api/rooms/r1/files", `{"language":"css"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ta.do(t, http.MethodPost, "/api/rooms/ghost/files", `{"name":"x"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ta.do(t, http.MethodGet, "/api/rooms/r1/files", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["files"], 1)

	w = ta.do(t, http.MethodPut, "/api/rooms/r1/files/f1", `{"name":"renamed"}`)
	require.Equal(t, http.StatusOK, w.Code)
	response := decode(t, w)
	assert.Equal(t, "renamed", response["name"])
	assert.Equal(t, "print(1)", response["content"])

	w = ta.do(t, http.MethodDelete, "/api/rooms/r1/files/f1", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = ta.do(t, http.MethodGet, "/api/rooms/r1/files/f1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateContentResetsHistory(t *testing.T) {
	ta := setupTestAPI(t, nil)
	key := room.DocKey{RoomID: "r1", FileID: "f1"}
	require.NoError(t, ta.database.CreateRoom("r1", "", ""))
	_, err := ta.database.CreateFile(room.File{RoomID: "r1", ID: "f1", Name: "main", Language: room.LanguageJavaScript, Content: "old"})
	require.NoError(t, err)

	doc := crdt.NewDoc(5)
	ops, err := doc.Insert(0, "old")
	require.NoError(t, err)
	data, err := crdt.EncodeUpdate(ops)
	require.NoError(t, err)
	_, err = ta.database.SaveUpdate(key, data)
	require.NoError(t, err)
	require.NoError(t, ta.database.ReplaceWithSnapshot(key, data, 1, 0))

	w := ta.do(t, http.MethodPut, "/api/rooms/r1/files/f1", `{"content":"new"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "new", decode(t, w)["content"])

	// the next opener finds an empty replica and seeds the new content
	replica, err := collab.Load(ta.database, key)
	require.NoError(t, err)
	assert.True(t, replica.IsEmpty())

	count, err := ta.database.GetUpdateCount(key)
	require.NoError(t, err)
	assert.Zero(t, count)

	w = ta.do(t, http.MethodGet, "/api/rooms/r1/files/f1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "new", decode(t, w)["content"])

	// a rename keeps the history
	_, err = ta.database.SaveUpdate(key, data)
	require.NoError(t, err)
	w = ta.do(t, http.MethodPut, "/api/rooms/r1/files/f1", `{"name":"renamed","content":"new"}`)
	require.Equal(t, http.StatusOK, w.Code)
	count, err = ta.database.GetUpdateCount(key)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDownloadFile(t *testing.T) {
	ta := setupTestAPI(t, nil)
	require.NoError(t, ta.database.CreateRoom("r1", "", ""))
	_, err := ta.database.CreateFile(room.File{RoomID: "r1", ID: "f1", Name: "script", Language: room.LanguagePython, Content: "print(1)"})
	require.NoError(t, err)

	w := ta.do(t, http.MethodGet, "/api/rooms/r1/files/f1/download", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `attachment; filename=script.py`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "print(1)", w.Body.String())
}

func TestCompactFile(t *testing.T) {
	ta := setupTestAPI(t, nil)
	key := room.DocKey{RoomID: "r1", FileID: "f1"}
	require.NoError(t, ta.database.EnsureFile(key))

	doc := crdt.NewDoc(5)
	ops, err := doc.Insert(0, "abc")
	require.NoError(t, err)
	data, err := crdt.EncodeUpdate(ops)
	require.NoError(t, err)
	_, err = ta.database.SaveUpdate(key, data)
	require.NoError(t, err)

	w := ta.do(t, http.MethodPost, "/api/rooms/r1/files/f1/compact", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["compacted"])
}

func TestListMessages(t *testing.T) {
	ta := setupTestAPI(t, nil)
	require.NoError(t, ta.database.CreateRoom("r1", "", ""))
	_, err := ta.database.SaveChatMessage(db.ChatMessage{ID: "m1", RoomID: "r1", UserID: "u1", Text: "hi", Timestamp: time.Now()})
	require.NoError(t, err)

	w := ta.do(t, http.MethodGet, "/api/rooms/r1/messages", "")
	require.Equal(t, http.StatusOK, w.Code)
	messages := decode(t, w)["messages"].([]any)
	require.Len(t, messages, 1)
	assert.Equal(t, "m1", messages[0].(map[string]any)["id"])
}

func TestCORSPreflight(t *testing.T) {
	ta := setupTestAPI(t, nil)

	w := ta.do(t, http.MethodOptions, "/api/rooms", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimitMiddleware(t *testing.T) {
	limiters := ratelimit.NewClientLimiters(0.001, 2)
	defer limiters.Stop()
	ta := setupTestAPI(t, limiters)

	assert.Equal(t, http.StatusOK, ta.do(t, http.MethodGet, "/api/rooms", "").Code)
	assert.Equal(t, http.StatusOK, ta.do(t, http.MethodGet, "/api/rooms", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, ta.do(t, http.MethodGet, "/api/rooms", "").Code)

	// health is outside the limited subrouter
	assert.Equal(t, http.StatusOK, ta.do(t, http.MethodGet, "/health", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ta := setupTestAPI(t, nil)

	w := ta.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "roomsync_"))
}
