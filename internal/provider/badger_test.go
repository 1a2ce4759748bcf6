package provider

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBadger(t *testing.T, threshold int) *Badger {
	t.Helper()
	b, err := NewBadger(t.TempDir(), listMaterializer{}, threshold)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBadgerClockAndMissingOps(t *testing.T) {
	b := newTestBadger(t, 0)

	res := push(t, b, "d1", 0, batch("a"), batch("b"))
	assert.Equal(t, int64(2), res.Clock)
	assert.Empty(t, res.Operations)

	res = push(t, b, "d1", 0)
	assert.Equal(t, int64(2), res.Clock)
	require.Len(t, res.Operations, 2)
	assert.Equal(t, batch("a"), res.Operations[0])
	assert.Equal(t, batch("b"), res.Operations[1])
}

func TestBadgerSquashServesSnapshot(t *testing.T) {
	b := newTestBadger(t, 2)

	push(t, b, "d1", 0, batch("a"), batch("b"))

	res := push(t, b, "d1", 0)
	assert.Empty(t, res.Operations)
	require.NotNil(t, res.SerializedDoc)

	var list []json.RawMessage
	require.NoError(t, json.Unmarshal(res.SerializedDoc, &list))
	assert.Len(t, list, 2)
}

func TestBadgerGetDocMaterializes(t *testing.T) {
	b := newTestBadger(t, 0)
	ctx := context.Background()

	push(t, b, "d1", 0, batch("a"), batch("b"))

	doc, err := b.GetDoc(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, int64(2), doc.Clock)

	var list []json.RawMessage
	require.NoError(t, json.Unmarshal(doc.SerializedDoc, &list))
	assert.Len(t, list, 2)
}

func TestBadgerDeleteDoc(t *testing.T) {
	b := newTestBadger(t, 0)
	ctx := context.Background()

	push(t, b, "d1", 0, batch("a"))
	require.NoError(t, b.DeleteDoc(ctx, "d1"))

	doc, err := b.GetDoc(ctx, "d1")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBadger(dir, listMaterializer{}, 0)
	require.NoError(t, err)
	push(t, b, "d1", 0, batch("a"))
	require.NoError(t, b.Close())

	b, err = NewBadger(dir, listMaterializer{}, 0)
	require.NoError(t, err)
	defer b.Close()

	res := push(t, b, "d1", 0)
	assert.Equal(t, int64(1), res.Clock)
	require.Len(t, res.Operations, 1)
}
