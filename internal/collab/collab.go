// Package collab serves the shared documents of room files: it keeps one
// server replica per open file, answers the sync handshake, persists updates
// and relays presence between the file's clients.
package collab

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mentora/roomsync/internal/awareness"
	"github.com/mentora/roomsync/internal/crdt"
	"github.com/mentora/roomsync/internal/db"
	"github.com/mentora/roomsync/internal/logging"
	"github.com/mentora/roomsync/internal/metrics"
	"github.com/mentora/roomsync/internal/protocol"
	"github.com/mentora/roomsync/internal/room"
	"github.com/mentora/roomsync/internal/ws"
)

// Kind is the hub kind served by Handler.
const Kind = "doc"

// ErrUnknownFile is returned when a client joins a file that was never created.
var ErrUnknownFile = errors.New("file not found")

// Store is the persistence the handler needs.
type Store interface {
	GetFile(key room.DocKey) (*room.File, error)
	GetSnapshot(key room.DocKey) ([]byte, int, error)
	GetUpdates(key room.DocKey) ([]db.Update, error)
	SaveUpdate(key room.DocKey, update []byte) (int64, error)
	UpdateFileContent(key room.DocKey, content string) error
}

type document struct {
	mu    sync.Mutex
	key   room.DocKey
	doc   *crdt.Doc
	aware *awareness.Awareness

	// awareness ids announced by each connected client
	clients map[string]map[uint64]bool
}

// Handler implements ws.Handler for document topics.
type Handler struct {
	store   Store
	metrics *metrics.Metrics
	logger  logging.Logger

	mu      sync.Mutex
	docs    map[string]*document
	flushed bool
}

func NewHandler(store Store, m *metrics.Metrics, logger logging.Logger) *Handler {
	return &Handler{
		store:   store,
		metrics: m,
		logger:  logger,
		docs:    make(map[string]*document),
	}
}

// Loads a server replica from the snapshot and the update log that follows it
func Load(store Store, key room.DocKey) (*crdt.Doc, error) {
	doc := crdt.NewDoc(0)

	snapshot, _, err := store.GetSnapshot(key)
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		ops, err := crdt.DecodeUpdate(snapshot)
		if err != nil {
			return nil, fmt.Errorf("snapshot of %s: %w", key, err)
		}
		doc.Apply(ops)
	}

	updates, err := store.GetUpdates(key)
	if err != nil {
		return nil, err
	}
	for _, u := range updates {
		ops, err := crdt.DecodeUpdate(u.Data)
		if err != nil {
			return nil, fmt.Errorf("update %d of %s: %w", u.ID, key, err)
		}
		doc.Apply(ops)
	}
	return doc, nil
}

func (h *Handler) acquire(c *ws.Client) (*document, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if d, ok := h.docs[c.Topic()]; ok {
		d.mu.Lock()
		d.clients[c.ID()] = make(map[uint64]bool)
		d.mu.Unlock()
		return d, nil
	}

	key := room.DocKey{RoomID: c.RoomID(), FileID: c.FileID()}
	if h.flushed {
		return nil, fmt.Errorf("open %s: documents already flushed", key)
	}
	f, err := h.store.GetFile(key)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFile, key)
	}
	replica, err := Load(h.store, key)
	if err != nil {
		return nil, err
	}

	d := &document{
		key:     key,
		doc:     replica,
		aware:   awareness.New(0),
		clients: map[string]map[uint64]bool{c.ID(): {}},
	}
	h.docs[c.Topic()] = d
	h.metrics.SetActiveDocuments(len(h.docs))
	h.logger.Infof("loaded document %s (%d chars)", key, replica.Len())
	return d, nil
}

func (h *Handler) lookup(topic string) (*document, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.docs[topic]
	return d, ok
}

// Registers the client on the file's replica and sends it the presence of
// everyone already there.
func (h *Handler) OnJoin(c *ws.Client) []ws.Outbound {
	d, err := h.acquire(c)
	if err != nil {
		h.logger.Errorf("open document %s/%s: %v", c.RoomID(), c.FileID(), err)
		return nil
	}

	d.mu.Lock()
	full := d.aware.Full()
	d.mu.Unlock()

	if len(full) == 0 {
		return nil
	}
	payload, err := awareness.Encode(full)
	if err != nil {
		h.logger.Errorf("encode awareness: %v", err)
		return nil
	}
	return []ws.Outbound{{Target: ws.ToSender, Data: protocol.EncodeAwareness(payload)}}
}

func (h *Handler) OnMessage(c *ws.Client, data []byte) ([]ws.Outbound, error) {
	frame, err := protocol.Decode(data)
	if err != nil {
		return nil, err
	}

	d, ok := h.lookup(c.Topic())
	if !ok {
		return nil, fmt.Errorf("document %s is not open", c.Topic())
	}

	if frame.Type == protocol.MessageTypeAwareness {
		return h.handleAwareness(d, c, frame.Payload)
	}

	switch frame.Step {
	case protocol.SyncStep1:
		return h.handleSyncStep1(d, frame.Payload)
	default:
		return h.handleUpdate(d, frame.Payload)
	}
}

// Answers a state vector with the missing ops and the server's own vector
func (h *Handler) handleSyncStep1(d *document, payload []byte) ([]ws.Outbound, error) {
	sv, err := crdt.DecodeStateVector(payload)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	missing := d.doc.Diff(sv)
	own := d.doc.StateVector()
	d.mu.Unlock()

	update, err := crdt.EncodeUpdate(missing)
	if err != nil {
		return nil, err
	}
	vector, err := crdt.EncodeStateVector(own)
	if err != nil {
		return nil, err
	}

	return []ws.Outbound{
		{Target: ws.ToSender, Data: protocol.EncodeSync(protocol.SyncStep2, update)},
		{Target: ws.ToSender, Data: protocol.EncodeSync(protocol.SyncStep1, vector)},
	}, nil
}

// Applies, persists and relays a step-2 reply or an update
func (h *Handler) handleUpdate(d *document, payload []byte) ([]ws.Outbound, error) {
	ops, err := crdt.DecodeUpdate(payload)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}

	d.mu.Lock()
	pendingBefore := d.doc.Pending()
	integrated := d.doc.Apply(ops)
	changed := len(integrated) > 0 || d.doc.Pending() > pendingBefore
	if changed {
		// persisted under the lock so the log keeps arrival order
		if _, err := h.store.SaveUpdate(d.key, payload); err != nil {
			d.mu.Unlock()
			return nil, err
		}
	}
	d.mu.Unlock()

	if !changed {
		return nil, nil
	}
	return []ws.Outbound{{Target: ws.ToOthers, Data: protocol.EncodeSync(protocol.SyncUpdate, payload)}}, nil
}

func (h *Handler) handleAwareness(d *document, c *ws.Client, payload []byte) ([]ws.Outbound, error) {
	update, err := awareness.Decode(payload)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	ids := d.clients[c.ID()]
	for id, entry := range update {
		if ids == nil {
			break
		}
		if entry.State == nil {
			delete(ids, id)
		} else {
			ids[id] = true
		}
	}
	d.aware.Apply(update)
	d.mu.Unlock()

	return []ws.Outbound{{Target: ws.ToOthers, Data: protocol.EncodeAwareness(payload)}}, nil
}

// Removes the client's presence. The last client to leave writes the text
// back to the file and evicts the replica, unless Flush already ran.
func (h *Handler) OnLeave(c *ws.Client) []ws.Outbound {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.docs[c.Topic()]
	if !ok {
		return nil
	}

	d.mu.Lock()
	ids := make([]uint64, 0, len(d.clients[c.ID()]))
	for id := range d.clients[c.ID()] {
		ids = append(ids, id)
	}
	delete(d.clients, c.ID())
	removal := d.aware.Remove(ids...)
	last := len(d.clients) == 0
	text := d.doc.Text()
	d.mu.Unlock()

	if last {
		if h.flushed {
			return nil
		}
		delete(h.docs, c.Topic())
		h.metrics.SetActiveDocuments(len(h.docs))
		// written under h.mu so a reset or reload never sees a stale file
		if err := h.store.UpdateFileContent(d.key, text); err != nil {
			h.logger.Errorf("write back %s: %v", d.key, err)
		} else {
			h.logger.Infof("closed document %s", d.key)
		}
		return nil
	}

	if len(removal) == 0 {
		return nil
	}
	payload, err := awareness.Encode(removal)
	if err != nil {
		h.logger.Errorf("encode awareness removal: %v", err)
		return nil
	}
	return []ws.Outbound{{Target: ws.ToOthers, Data: protocol.EncodeAwareness(payload)}}
}

// Keeps the local replica in step with edits made through other nodes. The
// originating node already persisted them.
func (h *Handler) OnRemote(topic string, data []byte) bool {
	d, ok := h.lookup(topic)
	if !ok {
		return false
	}

	frame, err := protocol.Decode(data)
	if err != nil {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case frame.Type == protocol.MessageTypeAwareness:
		if update, err := awareness.Decode(frame.Payload); err == nil {
			d.aware.Apply(update)
		}
	case frame.Step == protocol.SyncUpdate:
		if ops, err := crdt.DecodeUpdate(frame.Payload); err == nil {
			d.doc.Apply(ops)
		}
	}
	return true
}

// Returns the live text of an open document
func (h *Handler) Text(key room.DocKey) (string, bool) {
	d, ok := h.lookup(room.DocTopic(key))
	if !ok {
		return "", false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Text(), true
}

// Runs fn while no replica of key is loaded, holding off new loads until it
// returns. Reports false without calling fn when the document is open.
func (h *Handler) WhileClosed(key room.DocKey, fn func() error) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.docs[room.DocTopic(key)]; ok {
		return false, nil
	}
	return true, fn()
}

// Returns the number of open documents
func (h *Handler) OpenDocuments() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.docs)
}

// Writes the text of every open document back to its file. It is the last
// write of a shutdown: clients leaving afterwards no longer write back.
func (h *Handler) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flushed = true

	for _, d := range h.docs {
		d.mu.Lock()
		text := d.doc.Text()
		d.mu.Unlock()

		if err := h.store.UpdateFileContent(d.key, text); err != nil {
			return err
		}
	}
	return nil
}
