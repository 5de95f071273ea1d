package session

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/mentora/roomsync/internal/crdt"
	"github.com/mentora/roomsync/internal/editor"
	"github.com/mentora/roomsync/internal/logging"
	"github.com/mentora/roomsync/internal/protocol"
	"github.com/mentora/roomsync/internal/room"
)

// Binding ties one shared document replica to an editor widget. Local edits
// go through it; remote updates are pushed into the widget by the session.
//
// Widget callbacks run under the binding lock and must not call back into
// the binding synchronously.
type Binding struct {
	mu       sync.Mutex
	file     room.File
	doc      *crdt.Doc
	widget   editor.Widget
	send     func([]byte) error
	logger   logging.Logger
	writable bool
	released bool
}

// newBinding attaches widget to doc. When the widget refuses, the binding is
// still returned without a widget together with an ErrBindingSetup error.
func newBinding(file room.File, doc *crdt.Doc, widget editor.Widget, send func([]byte) error, logger logging.Logger) (*Binding, error) {
	b := &Binding{
		file:   file,
		doc:    doc,
		send:   send,
		logger: logger,
	}
	if widget == nil {
		return b, nil
	}
	if err := widget.Attach(); err != nil {
		return b, errors.Wrapf(ErrBindingSetup, "attach editor: %v", err)
	}
	widget.SetReadOnly(true)
	widget.SetText(doc.Text())
	b.widget = widget
	return b, nil
}

func (b *Binding) File() room.File {
	return b.file
}

// Text returns the current document text. Copying works in every state.
func (b *Binding) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.doc.Text()
}

// Writable reports whether local edits are accepted right now.
func (b *Binding) Writable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writable && !b.released
}

// Insert inserts text at rune position pos.
func (b *Binding) Insert(pos int, text string) error {
	return b.edit(func(doc *crdt.Doc) ([]crdt.Op, error) {
		return doc.Insert(pos, text)
	})
}

// Delete removes length runes starting at pos.
func (b *Binding) Delete(pos, length int) error {
	return b.edit(func(doc *crdt.Doc) ([]crdt.Op, error) {
		return doc.Delete(pos, length)
	})
}

// Replace swaps the whole document text for text.
func (b *Binding) Replace(text string) error {
	return b.edit(func(doc *crdt.Doc) ([]crdt.Op, error) {
		ops, err := doc.Delete(0, doc.Len())
		if err != nil {
			return nil, err
		}
		inserted, err := doc.Insert(0, text)
		return append(ops, inserted...), err
	})
}

// Download writes the current text into dir under the file's download name
// and returns the written path.
func (b *Binding) Download(dir string) (string, error) {
	path := filepath.Join(dir, room.DownloadName(b.file.Name, b.file.Language))
	if err := os.WriteFile(path, []byte(b.Text()), 0o644); err != nil {
		return "", errors.Wrap(err, "write download")
	}
	return path, nil
}

func (b *Binding) edit(fn func(doc *crdt.Doc) ([]crdt.Op, error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return ErrBindingReleased
	}
	if !b.writable {
		return ErrReadOnly
	}
	ops, err := fn(b.doc)
	if len(ops) > 0 {
		b.refresh()
		b.broadcast(ops)
	}
	return err
}

// broadcast sends ops as an update frame. A failed send is only logged: the
// ops stay in the replica and reach the server on the next handshake.
func (b *Binding) broadcast(ops []crdt.Op) {
	payload, err := crdt.EncodeUpdate(ops)
	if err != nil {
		b.logger.Errorw("Failed to encode update", "error", err)
		return
	}
	if err := b.send(protocol.EncodeSync(protocol.SyncUpdate, payload)); err != nil {
		b.logger.Warnw("Failed to send update", "file", b.file.ID, "error", err)
	}
}

func (b *Binding) refresh() {
	if b.widget != nil {
		b.widget.SetText(b.doc.Text())
	}
}

func (b *Binding) setWritable(writable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return
	}
	b.writable = writable
	if b.widget != nil {
		b.widget.SetReadOnly(!writable)
	}
}

// applyRemote integrates an update payload and reports how many operations
// it added.
func (b *Binding) applyRemote(payload []byte) (int, error) {
	ops, err := crdt.DecodeUpdate(payload)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return 0, ErrBindingReleased
	}
	integrated := b.doc.Apply(ops)
	if len(integrated) > 0 {
		b.refresh()
	}
	return len(integrated), nil
}

func (b *Binding) stateVector() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return crdt.EncodeStateVector(b.doc.StateVector())
}

// diff returns the update payload carrying what a replica with the given
// encoded state vector is missing.
func (b *Binding) diff(svPayload []byte) ([]byte, error) {
	sv, err := crdt.DecodeStateVector(svPayload)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return crdt.EncodeUpdate(b.doc.Diff(sv))
}

// seed fills an empty document with the file's stored content and
// broadcasts it. It does nothing when the document already has text.
func (b *Binding) seed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released || b.file.Content == "" || !b.doc.IsEmpty() {
		return false
	}
	ops, err := b.doc.Insert(0, b.file.Content)
	if err != nil {
		b.logger.Errorw("Failed to seed document", "file", b.file.ID, "error", err)
		return false
	}
	b.refresh()
	b.broadcast(ops)
	return true
}

// release detaches the widget. Every later edit fails with
// ErrBindingReleased.
func (b *Binding) release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return
	}
	b.released = true
	b.writable = false
	if b.widget != nil {
		b.widget.Detach()
		b.widget = nil
	}
}
