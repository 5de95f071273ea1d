// Package editor defines the editing surface a shared document is bound to.
package editor

import (
	"errors"
	"sync"
)

// ErrAttached is returned when attaching a widget that is already bound.
var ErrAttached = errors.New("editor already attached")

// Widget is an editing surface. The binding pushes text and the read-only
// flag into it; local edits travel the other way through the binding.
type Widget interface {
	Attach() error
	Detach()
	SetText(text string)
	SetReadOnly(readOnly bool)
}

// Buffer is an in-memory Widget used by the CLI and tests.
type Buffer struct {
	mu        sync.Mutex
	text      string
	readOnly  bool
	attached  bool
	attachErr error
	onChange  func(text string)
}

func NewBuffer() *Buffer {
	return &Buffer{readOnly: true}
}

// OnChange registers fn to be called with the new text after every SetText.
func (b *Buffer) OnChange(fn func(text string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// FailAttach makes the next Attach calls fail with err.
func (b *Buffer) FailAttach(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attachErr = err
}

func (b *Buffer) Attach() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attachErr != nil {
		return b.attachErr
	}
	if b.attached {
		return ErrAttached
	}
	b.attached = true
	return nil
}

func (b *Buffer) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attached = false
	b.readOnly = true
}

func (b *Buffer) SetText(text string) {
	b.mu.Lock()
	b.text = text
	fn := b.onChange
	b.mu.Unlock()

	if fn != nil {
		fn(text)
	}
}

func (b *Buffer) SetReadOnly(readOnly bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readOnly = readOnly
}

func (b *Buffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text
}

func (b *Buffer) ReadOnly() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readOnly
}

func (b *Buffer) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attached
}
