package room

import (
	"fmt"
	"net/url"
	"time"
)

// A collaborative workspace holding files
type Room struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// A file owned by exactly one room
type File struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Name      string    `json:"name"`
	Language  Language  `json:"language"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Identifies one shared document. Documents of different files in the same
// room never share a key.
type DocKey struct {
	RoomID string
	FileID string
}

func (k DocKey) String() string {
	return k.RoomID + "/" + k.FileID
}

// Reports whether both parts of the key are present
func (k DocKey) Valid() bool {
	return k.RoomID != "" && k.FileID != ""
}

// Topic names used by the hub
func DocTopic(k DocKey) string {
	return "doc:" + k.String()
}

func ChatTopic(roomID string) string {
	return "chat:" + roomID
}

// Returns the collaboration endpoint path for a (room, user, file) triple
func CollabPath(roomID, userID, fileID string) string {
	return fmt.Sprintf("/collab/%s/%s/%s", url.PathEscape(roomID), url.PathEscape(userID), url.PathEscape(fileID))
}

// Returns the chat endpoint path for a room
func ChatPath(roomID string) string {
	return "/chat/" + url.PathEscape(roomID)
}
