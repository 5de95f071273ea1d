package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syncDocs(t *testing.T, from, to *Doc) {
	t.Helper()
	to.Apply(from.Diff(to.StateVector()))
}

func TestLocalEdits(t *testing.T) {
	doc := NewDoc(1)

	_, err := doc.Insert(0, "hello")
	require.NoError(t, err)
	_, err = doc.Insert(5, " world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", doc.Text())
	assert.Equal(t, 11, doc.Len())

	_, err = doc.Delete(0, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", doc.Text())

	_, err = doc.Insert(0, "héllo ")
	require.NoError(t, err)
	assert.Equal(t, "héllo world", doc.Text())
	assert.Equal(t, 11, doc.Len())
}

func TestLocalEditBounds(t *testing.T) {
	doc := NewDoc(1)
	_, err := doc.Insert(1, "x")
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = doc.Insert(0, "abc")
	require.NoError(t, err)
	_, err = doc.Delete(2, 2)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = doc.Delete(-1, 1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestServerReplicaIsReadOnly(t *testing.T) {
	doc := NewDoc(0)
	_, err := doc.Insert(0, "x")
	assert.ErrorIs(t, err, ErrReadOnlyReplica)
	_, err = doc.Delete(0, 0)
	assert.ErrorIs(t, err, ErrReadOnlyReplica)
}

func TestConcurrentInsertsConverge(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)
	c := NewDoc(3)

	_, err := a.Insert(0, "base")
	require.NoError(t, err)
	syncDocs(t, a, b)
	syncDocs(t, a, c)

	_, err = a.Insert(2, "AA")
	require.NoError(t, err)
	_, err = b.Insert(2, "BB")
	require.NoError(t, err)
	_, err = c.Delete(0, 1)
	require.NoError(t, err)
	_, err = c.Insert(3, "!")
	require.NoError(t, err)

	for _, pair := range [][2]*Doc{{a, b}, {b, c}, {c, a}, {b, a}, {a, c}, {c, b}} {
		syncDocs(t, pair[0], pair[1])
	}

	assert.Equal(t, a.Text(), b.Text())
	assert.Equal(t, b.Text(), c.Text())
	assert.Equal(t, a.StateVector(), c.StateVector())
	assert.Contains(t, a.Text(), "AA")
	assert.Contains(t, a.Text(), "BB")
	assert.NotContains(t, a.Text(), "bas")
}

func TestApplyIsIdempotent(t *testing.T) {
	a := NewDoc(1)
	ops, err := a.Insert(0, "hi")
	require.NoError(t, err)

	b := NewDoc(2)
	assert.Len(t, b.Apply(ops), 2)
	assert.Empty(t, b.Apply(ops))
	assert.Equal(t, "hi", b.Text())
}

func TestApplyBuffersOutOfOrder(t *testing.T) {
	a := NewDoc(1)
	first, err := a.Insert(0, "ab")
	require.NoError(t, err)
	second, err := a.Delete(0, 1)
	require.NoError(t, err)

	b := NewDoc(2)
	assert.Empty(t, b.Apply(second))
	assert.Equal(t, 1, b.Pending())
	assert.Equal(t, "", b.Text())

	integrated := b.Apply(first)
	assert.Len(t, integrated, 3)
	assert.Equal(t, 0, b.Pending())
	assert.Equal(t, "b", b.Text())
}

func TestDiffReturnsOnlyMissing(t *testing.T) {
	a := NewDoc(1)
	_, err := a.Insert(0, "abc")
	require.NoError(t, err)

	b := NewDoc(2)
	syncDocs(t, a, b)
	assert.Empty(t, a.Diff(b.StateVector()))

	_, err = a.Insert(3, "d")
	require.NoError(t, err)
	missing := a.Diff(b.StateVector())
	require.Len(t, missing, 1)
	assert.Equal(t, "d", missing[0].Value)
}

func TestReplayOpsRebuildsReplica(t *testing.T) {
	a := NewDoc(1)
	_, err := a.Insert(0, "// hello")
	require.NoError(t, err)
	_, err = a.Delete(0, 3)
	require.NoError(t, err)

	replica := NewDoc(0)
	replica.Apply(a.Ops())
	assert.Equal(t, a.Text(), replica.Text())
	assert.Equal(t, a.StateVector(), replica.StateVector())
}

func TestEncodeDecode(t *testing.T) {
	a := NewDoc(7)
	ops, err := a.Insert(0, "x")
	require.NoError(t, err)

	data, err := EncodeUpdate(ops)
	require.NoError(t, err)
	decoded, err := DecodeUpdate(data)
	require.NoError(t, err)
	assert.Equal(t, ops, decoded)

	svData, err := EncodeStateVector(a.StateVector())
	require.NoError(t, err)
	sv, err := DecodeStateVector(svData)
	require.NoError(t, err)
	assert.Equal(t, StateVector{7: 1}, sv)

	_, err = DecodeUpdate([]byte(`{"ops":[{"id":{"l":1,"a":0},"s":1,"k":1,"v":"x"}]}`))
	assert.ErrorIs(t, err, ErrInvalidOp)
	_, err = DecodeUpdate([]byte(`{"ops":[{"id":{"l":1,"a":3},"s":1,"k":1,"v":"xy"}]}`))
	assert.ErrorIs(t, err, ErrInvalidOp)
	_, err = DecodeUpdate([]byte(`not json`))
	assert.Error(t, err)
}
