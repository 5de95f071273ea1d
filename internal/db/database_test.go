package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mentora/roomsync/internal/room"
)

func setupTestDB(t *testing.T) *Database {
	t.Helper()

	db, err := New(filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRoomOperations(t *testing.T) {
	db := setupTestDB(t)

	require.NoError(t, db.CreateRoom("test-room", "Test Room", "pairing"))
	// second create is a no-op
	require.NoError(t, db.CreateRoom("test-room", "Other", ""))

	r, err := db.GetRoom("test-room")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "Test Room", r.Name)
	assert.Equal(t, "pairing", r.Description)

	r, err = db.GetRoom("non-existent")
	require.NoError(t, err)
	assert.Nil(t, r)

	require.NoError(t, db.DeleteRoom("test-room"))
	r, err = db.GetRoom("test-room")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestListRooms(t *testing.T) {
	db := setupTestDB(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, db.CreateRoom("room-"+string(rune('a'+i)), "Room "+string(rune('A'+i)), ""))
	}

	rooms, err := db.ListRooms(10, 0)
	require.NoError(t, err)
	assert.Len(t, rooms, 5)

	rooms, err = db.ListRooms(2, 0)
	require.NoError(t, err)
	assert.Len(t, rooms, 2)

	rooms, err = db.ListRooms(2, 3)
	require.NoError(t, err)
	assert.Len(t, rooms, 2)
}

func TestFileOperations(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.CreateRoom("r1", "Room", ""))

	created, err := db.CreateFile(room.File{RoomID: "r1", ID: "f1", Name: "index.html", Language: room.LanguageHTML})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = db.CreateFile(room.File{RoomID: "r1", ID: "f2", Name: "app.js", Language: room.LanguageJavaScript})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = db.CreateFile(room.File{RoomID: "r1", ID: "f1", Name: "dup"})
	require.NoError(t, err)
	assert.False(t, created)

	files, err := db.ListFiles("r1")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "f1", files[0].ID)
	assert.Equal(t, room.LanguageHTML, files[0].Language)
	assert.Equal(t, "f2", files[1].ID)

	key := room.DocKey{RoomID: "r1", FileID: "f1"}
	require.NoError(t, db.UpdateFileContent(key, "<p>hi</p>"))
	f, err := db.GetFile(key)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "<p>hi</p>", f.Content)

	updated, err := db.UpdateFile(room.File{RoomID: "r1", ID: "f1", Name: "page.html", Language: room.LanguageHTML, Content: "x"})
	require.NoError(t, err)
	assert.True(t, updated)
	updated, err = db.UpdateFile(room.File{RoomID: "r1", ID: "missing"})
	require.NoError(t, err)
	assert.False(t, updated)

	require.NoError(t, db.DeleteFile(key))
	f, err = db.GetFile(key)
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestCreateFileRequiresRoom(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.CreateFile(room.File{RoomID: "ghost", ID: "f1"})
	assert.Error(t, err)
}

func TestResetDocument(t *testing.T) {
	db := setupTestDB(t)
	key := room.DocKey{RoomID: "r1", FileID: "f1"}
	require.NoError(t, db.CreateRoom("r1", "", ""))
	_, err := db.CreateFile(room.File{RoomID: "r1", ID: "f1", Name: "main", Content: "old"})
	require.NoError(t, err)

	_, err = db.SaveUpdate(key, []byte("u1"))
	require.NoError(t, err)
	require.NoError(t, db.ReplaceWithSnapshot(key, []byte("snap"), 3, 0))

	reset, err := db.ResetDocument(room.File{RoomID: "r1", ID: "f1", Name: "main", Language: room.LanguagePlain, Content: "new"})
	require.NoError(t, err)
	assert.True(t, reset)

	f, err := db.GetFile(key)
	require.NoError(t, err)
	assert.Equal(t, "new", f.Content)

	updates, err := db.GetUpdates(key)
	require.NoError(t, err)
	assert.Empty(t, updates)
	snapshot, _, err := db.GetSnapshot(key)
	require.NoError(t, err)
	assert.Nil(t, snapshot)

	reset, err = db.ResetDocument(room.File{RoomID: "r1", ID: "missing"})
	require.NoError(t, err)
	assert.False(t, reset)
}

func TestDocumentUpdates(t *testing.T) {
	db := setupTestDB(t)
	key := room.DocKey{RoomID: "update-test-room", FileID: "main"}
	other := room.DocKey{RoomID: "update-test-room", FileID: "style"}
	require.NoError(t, db.EnsureFile(key))
	require.NoError(t, db.EnsureFile(other))

	updates := [][]byte{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9, 10, 11}}
	for _, update := range updates {
		_, err := db.SaveUpdate(key, update)
		require.NoError(t, err)
	}
	_, err := db.SaveUpdate(other, []byte{42})
	require.NoError(t, err)

	retrieved, err := db.GetUpdates(key)
	require.NoError(t, err)
	require.Len(t, retrieved, 3)
	for i, u := range retrieved {
		assert.Equal(t, updates[i], u.Data)
	}

	count, err := db.GetUpdateCount(key)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	docs, err := db.ListDocumentsWithUpdates(2)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, key, docs[0].Key)
	assert.Equal(t, 3, docs[0].Count)
}

func TestSnapshots(t *testing.T) {
	db := setupTestDB(t)
	key := room.DocKey{RoomID: "snapshot-test-room", FileID: "main"}
	require.NoError(t, db.EnsureFile(key))

	snapshot, count, err := db.GetSnapshot(key)
	require.NoError(t, err)
	assert.Nil(t, snapshot)
	assert.Zero(t, count)

	var lastID int64
	for i := 0; i < 4; i++ {
		lastID, err = db.SaveUpdate(key, []byte{byte(i)})
		require.NoError(t, err)
	}

	require.NoError(t, db.ReplaceWithSnapshot(key, []byte{100, 101}, 3, lastID-1))

	snapshot, count, err = db.GetSnapshot(key)
	require.NoError(t, err)
	assert.Equal(t, []byte{100, 101}, snapshot)
	assert.Equal(t, 3, count)

	remaining, err := db.GetUpdates(key)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, lastID, remaining[0].ID)

	require.NoError(t, db.ReplaceWithSnapshot(key, []byte{200}, 1, lastID))
	snapshot, count, err = db.GetSnapshot(key)
	require.NoError(t, err)
	assert.Equal(t, []byte{200}, snapshot)
	assert.Equal(t, 4, count)
}

func TestChatMessages(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.CreateRoom("r1", "", ""))

	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		inserted, err := db.SaveChatMessage(ChatMessage{
			ID:        "m" + string(rune('0'+i)),
			RoomID:    "r1",
			UserID:    "u1",
			UserName:  "Ada",
			Text:      "hello",
			Timestamp: ts.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	inserted, err := db.SaveChatMessage(ChatMessage{ID: "m0", RoomID: "r1", UserID: "u1", Text: "again", Timestamp: ts})
	require.NoError(t, err)
	assert.False(t, inserted)

	messages, err := db.ListChatMessages("r1", 3)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "m2", messages[0].ID)
	assert.Equal(t, "m4", messages[2].ID)
	assert.True(t, messages[0].Timestamp.Equal(ts.Add(2*time.Minute)))

	messages, err = db.ListChatMessages("empty", 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestDeleteRoomCascades(t *testing.T) {
	db := setupTestDB(t)
	key := room.DocKey{RoomID: "r1", FileID: "f1"}
	require.NoError(t, db.EnsureFile(key))
	_, err := db.SaveUpdate(key, []byte{1})
	require.NoError(t, err)

	require.NoError(t, db.DeleteRoom("r1"))

	count, err := db.GetUpdateCount(key)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStats(t *testing.T) {
	db := setupTestDB(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, db.CreateRoom("stats-room-"+string(rune('a'+i)), "", ""))
	}
	key := room.DocKey{RoomID: "stats-room-a", FileID: "f"}
	require.NoError(t, db.EnsureFile(key))
	for i := 0; i < 5; i++ {
		_, err := db.SaveUpdate(key, []byte{byte(i)})
		require.NoError(t, err)
	}

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats["room_count"])
	assert.Equal(t, 1, stats["file_count"])
	assert.Equal(t, 5, stats["update_count"])
	assert.Equal(t, 0, stats["message_count"])
}
