package api

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/mentora/roomsync/internal/chat"
	"github.com/mentora/roomsync/internal/collab"
	"github.com/mentora/roomsync/internal/compaction"
	"github.com/mentora/roomsync/internal/db"
	"github.com/mentora/roomsync/internal/logging"
	"github.com/mentora/roomsync/internal/room"
	"github.com/mentora/roomsync/internal/ws"
)

type API struct {
	hub       *ws.Hub
	database  *db.Database
	documents *collab.Handler
	chat      *chat.Handler
	compactor *compaction.Service
	logger    logging.Logger
}

func New(hub *ws.Hub, database *db.Database, documents *collab.Handler, chatHandler *chat.Handler, compactor *compaction.Service, logger logging.Logger) *API {
	return &API{
		hub:       hub,
		database:  database,
		documents: documents,
		chat:      chatHandler,
		compactor: compactor,
		logger:    logger,
	}
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Warnf("error encoding JSON response: %v", err)
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func pagination(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > maxLimit {
		limit = defaultLimit
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_topics":  a.hub.TopicCount(),
		"active_clients": a.hub.ClientCount(),
		"open_documents": a.documents.OpenDocuments(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	dbStats, err := a.database.GetStats()
	if err == nil {
		stats["total_rooms"] = dbStats["room_count"]
		stats["total_files"] = dbStats["file_count"]
		stats["total_updates"] = dbStats["update_count"]
		stats["total_messages"] = dbStats["message_count"]
	} else {
		a.logger.Warnf("stats: %v", err)
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	Description string      `json:"description,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	ActiveUsers []string    `json:"active_users"`
	Files       []room.File `json:"files,omitempty"`
}

type CreateRoomRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (a *API) roomResponse(r room.Room) RoomResponse {
	return RoomResponse{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		ActiveUsers: a.hub.RoomUsers(r.ID),
	}
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 20, 100)

	rooms, err := a.database.ListRooms(limit, offset)
	if err != nil {
		a.logger.Errorf("list rooms: %v", err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
		return
	}

	response := make([]RoomResponse, len(rooms))
	for i, rm := range rooms {
		response[i] = a.roomResponse(rm)
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if err := a.database.CreateRoom(req.ID, req.Name, req.Description); err != nil {
		a.logger.Errorf("create room: %v", err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to create room")
		return
	}

	rm, err := a.database.GetRoom(req.ID)
	if err != nil || rm == nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}

	a.jsonResponse(w, http.StatusCreated, a.roomResponse(*rm))
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]

	rm, err := a.database.GetRoom(roomID)
	if err != nil {
		a.logger.Errorf("get room %s: %v", roomID, err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}
	if rm == nil {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	files, err := a.database.ListFiles(roomID)
	if err != nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to list files")
		return
	}

	response := a.roomResponse(*rm)
	response.Files = files
	a.jsonResponse(w, http.StatusOK, response)
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]

	if err := a.database.DeleteRoom(roomID); err != nil {
		a.logger.Errorf("delete room %s: %v", roomID, err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to delete room")
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Room deleted"})
}

// File handlers

type FileRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
	Content  string `json:"content"`
}

func (a *API) ListFilesHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]

	files, err := a.database.ListFiles(roomID)
	if err != nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to list files")
		return
	}
	if files == nil {
		files = []room.File{}
	}
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{"files": files})
}

func (a *API) CreateFileHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]

	var req FileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		a.errorResponse(w, http.StatusBadRequest, "File name is required")
		return
	}

	rm, err := a.database.GetRoom(roomID)
	if err != nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}
	if rm == nil {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	created, err := a.database.CreateFile(room.File{
		RoomID:   roomID,
		ID:       req.ID,
		Name:     req.Name,
		Language: room.ParseLanguage(req.Language),
		Content:  req.Content,
	})
	if err != nil {
		a.logger.Errorf("create file: %v", err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to create file")
		return
	}
	if !created {
		a.errorResponse(w, http.StatusConflict, "File already exists")
		return
	}

	f, err := a.database.GetFile(room.DocKey{RoomID: roomID, FileID: req.ID})
	if err != nil || f == nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get file")
		return
	}
	a.jsonResponse(w, http.StatusCreated, f)
}

func docKey(r *http.Request) room.DocKey {
	vars := mux.Vars(r)
	return room.DocKey{RoomID: vars["roomID"], FileID: vars["fileID"]}
}

// Loads the file and replaces its content with the live document text when
// the file is open
func (a *API) currentFile(w http.ResponseWriter, key room.DocKey) (*room.File, bool) {
	f, err := a.database.GetFile(key)
	if err != nil {
		a.logger.Errorf("get file %s: %v", key, err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get file")
		return nil, false
	}
	if f == nil {
		a.errorResponse(w, http.StatusNotFound, "File not found")
		return nil, false
	}
	if text, ok := a.documents.Text(key); ok {
		f.Content = text
	}
	return f, true
}

func (a *API) GetFileHandler(w http.ResponseWriter, r *http.Request) {
	f, ok := a.currentFile(w, docKey(r))
	if !ok {
		return
	}
	a.jsonResponse(w, http.StatusOK, f)
}

func (a *API) UpdateFileHandler(w http.ResponseWriter, r *http.Request) {
	key := docKey(r)

	var req FileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	current, ok := a.currentFile(w, key)
	if !ok {
		return
	}

	if req.Name != "" {
		current.Name = req.Name
	}
	if req.Language != "" {
		current.Language = room.ParseLanguage(req.Language)
	}

	if req.Content == "" || req.Content == current.Content {
		if _, err := a.database.UpdateFile(*current); err != nil {
			a.logger.Errorf("update file %s: %v", key, err)
			a.errorResponse(w, http.StatusInternalServerError, "Failed to update file")
			return
		}
		a.jsonResponse(w, http.StatusOK, current)
		return
	}

	// new content replaces the stored history, which would otherwise rebuild
	// the old text on the next open; content of an open file belongs to its
	// editors
	current.Content = req.Content
	closed, err := a.documents.WhileClosed(key, func() error {
		_, err := a.database.ResetDocument(*current)
		return err
	})
	if err != nil {
		a.logger.Errorf("reset file %s: %v", key, err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to update file")
		return
	}
	if !closed {
		a.errorResponse(w, http.StatusConflict, "File is being edited")
		return
	}
	a.jsonResponse(w, http.StatusOK, current)
}

func (a *API) DeleteFileHandler(w http.ResponseWriter, r *http.Request) {
	key := docKey(r)

	if err := a.database.DeleteFile(key); err != nil {
		a.logger.Errorf("delete file %s: %v", key, err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to delete file")
		return
	}
	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "File deleted"})
}

// Serves the file as an attachment named after its language
func (a *API) DownloadFileHandler(w http.ResponseWriter, r *http.Request) {
	f, ok := a.currentFile(w, docKey(r))
	if !ok {
		return
	}

	name := room.DownloadName(f.Name, f.Language)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(f.Content)); err != nil {
		a.logger.Warnf("write download %s: %v", name, err)
	}
}

func (a *API) CompactFileHandler(w http.ResponseWriter, r *http.Request) {
	key := docKey(r)

	result, err := a.compactor.CompactNow(key)
	if err != nil {
		a.logger.Errorf("compact %s: %v", key, err)
		a.errorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to compact: %v", err))
		return
	}
	a.jsonResponse(w, http.StatusOK, result)
}

// Chat handlers

func (a *API) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]

	messages, err := a.chat.History(roomID)
	if err != nil {
		a.logger.Errorf("list messages of %s: %v", roomID, err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{"messages": messages})
}
