package api

import (
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/mentora/roomsync/internal/chat"
	"github.com/mentora/roomsync/internal/collab"
	"github.com/mentora/roomsync/internal/metrics"
	"github.com/mentora/roomsync/internal/ratelimit"
	"github.com/mentora/roomsync/internal/room"
	"github.com/mentora/roomsync/internal/ws"
)

// Router options
type RouterConfig struct {
	MetricsPath string
	Metrics     *metrics.Metrics

	// Per-IP limit of REST requests; nil disables limiting
	Limiters *ratelimit.ClientLimiters
}

// Builds the HTTP routes: REST API, websocket endpoints and metrics
func (a *API) Router(conf RouterConfig) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)

	// websocket endpoints are long lived, the per-message limiter covers them
	r.HandleFunc("/collab/{roomID}/{userID}/{fileID}", a.CollabHandler).Methods(http.MethodGet)
	r.HandleFunc("/chat/{roomID}", a.ChatHandler).Methods(http.MethodGet)

	if conf.Metrics != nil {
		path := conf.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, conf.Metrics.Handler()).Methods(http.MethodGet)
	}

	apiRouter := r.PathPrefix("/api").Subrouter()
	if conf.Limiters != nil {
		apiRouter.Use(rateLimitMiddleware(conf.Limiters))
	}

	apiRouter.HandleFunc("/stats", a.StatsHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/rooms", a.ListRoomsHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/rooms", a.CreateRoomHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/rooms/{roomID}", a.GetRoomHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/rooms/{roomID}", a.DeleteRoomHandler).Methods(http.MethodDelete)
	apiRouter.HandleFunc("/rooms/{roomID}/files", a.ListFilesHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/rooms/{roomID}/files", a.CreateFileHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/rooms/{roomID}/files/{fileID}", a.GetFileHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/rooms/{roomID}/files/{fileID}", a.UpdateFileHandler).Methods(http.MethodPut)
	apiRouter.HandleFunc("/rooms/{roomID}/files/{fileID}", a.DeleteFileHandler).Methods(http.MethodDelete)
	apiRouter.HandleFunc("/rooms/{roomID}/files/{fileID}/download", a.DownloadFileHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/rooms/{roomID}/files/{fileID}/compact", a.CompactFileHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/rooms/{roomID}/messages", a.ListMessagesHandler).Methods(http.MethodGet)

	// a subrouter reports a method mismatch as not found, so every path gets
	// a catch-all registered after its method routes
	for path, allowed := range map[string][]string{
		"/stats":                                  {http.MethodGet},
		"/rooms":                                  {http.MethodGet, http.MethodPost},
		"/rooms/{roomID}":                         {http.MethodGet, http.MethodDelete},
		"/rooms/{roomID}/files":                   {http.MethodGet, http.MethodPost},
		"/rooms/{roomID}/files/{fileID}":          {http.MethodGet, http.MethodPut, http.MethodDelete},
		"/rooms/{roomID}/files/{fileID}/download": {http.MethodGet},
		"/rooms/{roomID}/files/{fileID}/compact":  {http.MethodPost},
		"/rooms/{roomID}/messages":                {http.MethodGet},
	} {
		apiRouter.HandleFunc(path, a.methodNotAllowed(allowed))
	}

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		a.errorResponse(w, http.StatusNotFound, "Not found")
	})

	return corsMiddleware(r)
}

func (a *API) methodNotAllowed(allowed []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (a *API) CollabHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := room.DocKey{RoomID: vars["roomID"], FileID: vars["fileID"]}

	// files are created through the REST API, never by joining
	f, err := a.database.GetFile(key)
	if err != nil {
		a.logger.Errorf("get file %s: %v", key, err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get file")
		return
	}
	if f == nil {
		a.errorResponse(w, http.StatusNotFound, "File not found")
		return
	}

	ws.ServeWs(a.hub, w, r, ws.Meta{
		Kind:        collab.Kind,
		Topic:       room.DocTopic(key),
		RoomID:      key.RoomID,
		UserID:      vars["userID"],
		FileID:      key.FileID,
		MessageType: websocket.BinaryMessage,
	})
}

func (a *API) ChatHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	q := r.URL.Query()

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

	ws.ServeWs(a.hub, w, r, ws.Meta{
		Kind:        chat.Kind,
		Topic:       room.ChatTopic(roomID),
		RoomID:      roomID,
		UserID:      q.Get("userId"),
		UserName:    q.Get("userName"),
		MessageType: websocket.TextMessage,
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func rateLimitMiddleware(limiters *ratelimit.ClientLimiters) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiters.Allow(clientIP(r)) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"Too many requests"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
