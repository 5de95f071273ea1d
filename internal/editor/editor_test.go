package editor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferAttach(t *testing.T) {
	b := NewBuffer()
	assert.True(t, b.ReadOnly())

	require.NoError(t, b.Attach())
	assert.ErrorIs(t, b.Attach(), ErrAttached)
	assert.True(t, b.Attached())

	b.SetReadOnly(false)
	b.Detach()
	assert.False(t, b.Attached())
	assert.True(t, b.ReadOnly())
	require.NoError(t, b.Attach())
}

func TestBufferFailAttach(t *testing.T) {
	b := NewBuffer()
	boom := errors.New("boom")
	b.FailAttach(boom)
	assert.ErrorIs(t, b.Attach(), boom)

	b.FailAttach(nil)
	assert.NoError(t, b.Attach())
}

func TestBufferOnChange(t *testing.T) {
	b := NewBuffer()
	var seen []string
	b.OnChange(func(text string) { seen = append(seen, text) })

	b.SetText("a")
	b.SetText("ab")
	assert.Equal(t, []string{"a", "ab"}, seen)
	assert.Equal(t, "ab", b.Text())
}
