package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/mentora/roomsync/internal/room"
)

type Database struct {
	db *sql.DB
}

// A persisted document update
type Update struct {
	ID   int64
	Data []byte
}

// A document with its pending update count
type DocumentCount struct {
	Key   room.DocKey
	Count int
}

// A stored chat message
type ChatMessage struct {
	ID        string
	RoomID    string
	UserID    string
	UserName  string
	Text      string
	Timestamp time.Time
}

func New(dbPath string) (*Database, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create %s", dir)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create tables")
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS files (
		room_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT 'plain',
		content TEXT NOT NULL DEFAULT '',
		seq INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (room_id, id),
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS document_updates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		file_id TEXT NOT NULL,
		update_data BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id, file_id) REFERENCES files(room_id, id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_document_updates_doc ON document_updates(room_id, file_id, id);

	CREATE TABLE IF NOT EXISTS document_snapshots (
		room_id TEXT NOT NULL,
		file_id TEXT NOT NULL,
		snapshot_data BLOB NOT NULL,
		update_count INTEGER DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (room_id, file_id),
		FOREIGN KEY (room_id, file_id) REFERENCES files(room_id, id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		user_name TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		UNIQUE (room_id, id),
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Room operations

// Inserts the room unless it already exists
func (d *Database) CreateRoom(id, name, description string) error {
	_, err := d.db.Exec(
		"INSERT OR IGNORE INTO rooms (id, name, description) VALUES (?, ?, ?)",
		id, name, description,
	)
	return errors.Wrapf(err, "create room %s", id)
}

func (d *Database) GetRoom(id string) (*room.Room, error) {
	row := d.db.QueryRow(
		"SELECT id, name, description, created_at, updated_at FROM rooms WHERE id = ?",
		id,
	)

	var r room.Room
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get room %s", id)
	}
	return &r, nil
}

func (d *Database) ListRooms(limit, offset int) ([]room.Room, error) {
	rows, err := d.db.Query(
		"SELECT id, name, description, created_at, updated_at FROM rooms ORDER BY updated_at DESC, id LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list rooms")
	}
	defer rows.Close()

	var rooms []room.Room
	for rows.Next() {
		var r room.Room
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan room")
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

func (d *Database) UpdateRoomTimestamp(id string) error {
	_, err := d.db.Exec(
		"UPDATE rooms SET updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		id,
	)
	return errors.Wrapf(err, "touch room %s", id)
}

// Deletes the room together with its files, updates, snapshots and chat
func (d *Database) DeleteRoom(id string) error {
	_, err := d.db.Exec("DELETE FROM rooms WHERE id = ?", id)
	return errors.Wrapf(err, "delete room %s", id)
}

// File operations

// Inserts a file into an existing room. Returns false when a file with the
// same id already exists.
func (d *Database) CreateFile(f room.File) (bool, error) {
	result, err := d.db.Exec(`
		INSERT OR IGNORE INTO files (room_id, id, name, language, content, seq)
		VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM files WHERE room_id = ?))
	`, f.RoomID, f.ID, f.Name, string(f.Language), f.Content, f.RoomID)
	if err != nil {
		return false, errors.Wrapf(err, "create file %s/%s", f.RoomID, f.ID)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "create file rows affected")
	}
	return n == 1, d.UpdateRoomTimestamp(f.RoomID)
}

// Creates the room and file rows when they do not exist yet
func (d *Database) EnsureFile(key room.DocKey) error {
	if err := d.CreateRoom(key.RoomID, "", ""); err != nil {
		return err
	}
	_, err := d.CreateFile(room.File{
		RoomID:   key.RoomID,
		ID:       key.FileID,
		Name:     key.FileID,
		Language: room.LanguagePlain,
	})
	return err
}

func (d *Database) GetFile(key room.DocKey) (*room.File, error) {
	row := d.db.QueryRow(`
		SELECT room_id, id, name, language, content, created_at, updated_at
		FROM files WHERE room_id = ? AND id = ?
	`, key.RoomID, key.FileID)

	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get file %s", key)
	}
	return f, nil
}

// Returns the room's files in creation order
func (d *Database) ListFiles(roomID string) ([]room.File, error) {
	rows, err := d.db.Query(`
		SELECT room_id, id, name, language, content, created_at, updated_at
		FROM files WHERE room_id = ? ORDER BY seq ASC
	`, roomID)
	if err != nil {
		return nil, errors.Wrapf(err, "list files of %s", roomID)
	}
	defer rows.Close()

	var files []room.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan file")
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

// Updates name, language and content; returns false when the file is missing
func (d *Database) UpdateFile(f room.File) (bool, error) {
	result, err := d.db.Exec(`
		UPDATE files SET name = ?, language = ?, content = ?, updated_at = CURRENT_TIMESTAMP
		WHERE room_id = ? AND id = ?
	`, f.Name, string(f.Language), f.Content, f.RoomID, f.ID)
	if err != nil {
		return false, errors.Wrapf(err, "update file %s/%s", f.RoomID, f.ID)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "update file rows affected")
	}
	return n == 1, nil
}

// Like UpdateFile, but also drops the file's update log and snapshot in the
// same transaction so the next replica starts from the new content
func (d *Database) ResetDocument(f room.File) (bool, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return false, errors.Wrap(err, "begin reset")
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE files SET name = ?, language = ?, content = ?, updated_at = CURRENT_TIMESTAMP
		WHERE room_id = ? AND id = ?
	`, f.Name, string(f.Language), f.Content, f.RoomID, f.ID)
	if err != nil {
		return false, errors.Wrapf(err, "reset file %s/%s", f.RoomID, f.ID)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "reset file rows affected")
	}
	if n == 0 {
		return false, nil
	}

	for _, table := range []string{"document_updates", "document_snapshots"} {
		if _, err := tx.Exec(
			"DELETE FROM "+table+" WHERE room_id = ? AND file_id = ?",
			f.RoomID, f.ID,
		); err != nil {
			return false, errors.Wrapf(err, "clear %s for %s/%s", table, f.RoomID, f.ID)
		}
	}

	return true, errors.Wrap(tx.Commit(), "commit reset")
}

func (d *Database) UpdateFileContent(key room.DocKey, content string) error {
	_, err := d.db.Exec(`
		UPDATE files SET content = ?, updated_at = CURRENT_TIMESTAMP
		WHERE room_id = ? AND id = ?
	`, content, key.RoomID, key.FileID)
	return errors.Wrapf(err, "update content of %s", key)
}

func (d *Database) DeleteFile(key room.DocKey) error {
	_, err := d.db.Exec("DELETE FROM files WHERE room_id = ? AND id = ?", key.RoomID, key.FileID)
	return errors.Wrapf(err, "delete file %s", key)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanFile(s scanner) (*room.File, error) {
	var f room.File
	var lang string
	if err := s.Scan(&f.RoomID, &f.ID, &f.Name, &lang, &f.Content, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.Language = room.ParseLanguage(lang)
	return &f, nil
}

// Document update operations

func (d *Database) SaveUpdate(key room.DocKey, update []byte) (int64, error) {
	result, err := d.db.Exec(
		"INSERT INTO document_updates (room_id, file_id, update_data) VALUES (?, ?, ?)",
		key.RoomID, key.FileID, update,
	)
	if err != nil {
		return 0, errors.Wrapf(err, "save update for %s", key)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "save update id")
	}
	return id, nil
}

func (d *Database) GetUpdates(key room.DocKey) ([]Update, error) {
	rows, err := d.db.Query(
		"SELECT id, update_data FROM document_updates WHERE room_id = ? AND file_id = ? ORDER BY id ASC",
		key.RoomID, key.FileID,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "get updates for %s", key)
	}
	defer rows.Close()

	var updates []Update
	for rows.Next() {
		var u Update
		if err := rows.Scan(&u.ID, &u.Data); err != nil {
			return nil, errors.Wrap(err, "scan update")
		}
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

func (d *Database) GetUpdateCount(key room.DocKey) (int, error) {
	var count int
	err := d.db.QueryRow(
		"SELECT COUNT(*) FROM document_updates WHERE room_id = ? AND file_id = ?",
		key.RoomID, key.FileID,
	).Scan(&count)
	return count, errors.Wrapf(err, "count updates for %s", key)
}

// Lists documents whose update log holds at least minCount entries
func (d *Database) ListDocumentsWithUpdates(minCount int) ([]DocumentCount, error) {
	rows, err := d.db.Query(`
		SELECT room_id, file_id, COUNT(*) AS n FROM document_updates
		GROUP BY room_id, file_id HAVING n >= ? ORDER BY room_id, file_id
	`, minCount)
	if err != nil {
		return nil, errors.Wrap(err, "list documents with updates")
	}
	defer rows.Close()

	var docs []DocumentCount
	for rows.Next() {
		var dc DocumentCount
		if err := rows.Scan(&dc.Key.RoomID, &dc.Key.FileID, &dc.Count); err != nil {
			return nil, errors.Wrap(err, "scan document count")
		}
		docs = append(docs, dc)
	}
	return docs, rows.Err()
}

// Snapshot operations (for compaction)

// Stores the snapshot and drops the updates it covers in one transaction
func (d *Database) ReplaceWithSnapshot(key room.DocKey, snapshot []byte, updateCount int, upToID int64) error {
	tx, err := d.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin snapshot")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO document_snapshots (room_id, file_id, snapshot_data, update_count, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room_id, file_id) DO UPDATE SET
			snapshot_data = excluded.snapshot_data,
			update_count = document_snapshots.update_count + excluded.update_count,
			updated_at = CURRENT_TIMESTAMP
	`, key.RoomID, key.FileID, snapshot, updateCount); err != nil {
		return errors.Wrapf(err, "save snapshot for %s", key)
	}

	if _, err := tx.Exec(
		"DELETE FROM document_updates WHERE room_id = ? AND file_id = ? AND id <= ?",
		key.RoomID, key.FileID, upToID,
	); err != nil {
		return errors.Wrapf(err, "delete compacted updates for %s", key)
	}

	return errors.Wrap(tx.Commit(), "commit snapshot")
}

// Returns the snapshot and the number of updates folded into it
func (d *Database) GetSnapshot(key room.DocKey) ([]byte, int, error) {
	var snapshot []byte
	var updateCount int
	err := d.db.QueryRow(
		"SELECT snapshot_data, update_count FROM document_snapshots WHERE room_id = ? AND file_id = ?",
		key.RoomID, key.FileID,
	).Scan(&snapshot, &updateCount)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	return snapshot, updateCount, errors.Wrapf(err, "get snapshot for %s", key)
}

// Chat operations

// Stores a chat message; returns false when the room already has a message
// with the same id
func (d *Database) SaveChatMessage(m ChatMessage) (bool, error) {
	result, err := d.db.Exec(`
		INSERT OR IGNORE INTO chat_messages (id, room_id, user_id, user_name, text, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.RoomID, m.UserID, m.UserName, m.Text, m.Timestamp.UTC())
	if err != nil {
		return false, errors.Wrapf(err, "save chat message %s", m.ID)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "save chat message rows affected")
	}
	return n == 1, nil
}

// Returns the latest limit messages of a room, oldest first
func (d *Database) ListChatMessages(roomID string, limit int) ([]ChatMessage, error) {
	rows, err := d.db.Query(`
		SELECT id, room_id, user_id, user_name, text, timestamp FROM (
			SELECT * FROM chat_messages WHERE room_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC
	`, roomID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "list chat messages of %s", roomID)
	}
	defer rows.Close()

	messages := []ChatMessage{}
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.UserName, &m.Text, &m.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scan chat message")
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	counts := []struct {
		key   string
		query string
	}{
		{"room_count", "SELECT COUNT(*) FROM rooms"},
		{"file_count", "SELECT COUNT(*) FROM files"},
		{"update_count", "SELECT COUNT(*) FROM document_updates"},
		{"message_count", "SELECT COUNT(*) FROM chat_messages"},
	}
	for _, c := range counts {
		var n int
		if err := d.db.QueryRow(c.query).Scan(&n); err != nil {
			return nil, errors.Wrapf(err, "stats %s", c.key)
		}
		stats[c.key] = n
	}

	return stats, nil
}
