package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/mentora/roomsync/internal/room"
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

func filePath(roomID, fileID string) string {
	return "/api/rooms/" + url.PathEscape(roomID) + "/files/" + url.PathEscape(fileID)
}

func get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return nil, fmt.Errorf("GET %s: %s %s", rawURL, resp.Status, body.Error)
	}
	return resp, nil
}

// fetchFile loads the file metadata and stored content.
func fetchFile(ctx context.Context, base, roomID, fileID string) (*room.File, error) {
	resp, err := get(ctx, base+filePath(roomID, fileID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	f := &room.File{}
	if err := json.NewDecoder(resp.Body).Decode(f); err != nil {
		return nil, fmt.Errorf("decode file: %w", err)
	}
	return f, nil
}

// downloadFile saves the file into dir under the name the server suggests.
func downloadFile(ctx context.Context, base, roomID, fileID, dir string) (string, error) {
	resp, err := get(ctx, base+filePath(roomID, fileID)+"/download")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	name := fileID + room.LanguagePlain.Extension()
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = filepath.Base(params["filename"])
	}

	path := filepath.Join(dir, name)
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
