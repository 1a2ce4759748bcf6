package provider

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docukit/docsync/internal/types"
)

// listMaterializer folds batches into a JSON array snapshot. Enough structure
// to observe squash behavior without a real document model.
type listMaterializer struct{}

func (listMaterializer) Materialize(base types.SerializedDoc, batches []types.OperationBatch) (types.SerializedDoc, error) {
	var list []json.RawMessage
	if base != nil {
		if err := json.Unmarshal(base, &list); err != nil {
			return nil, err
		}
	}
	for _, b := range batches {
		list = append(list, json.RawMessage(b))
	}
	return json.Marshal(list)
}

func push(t *testing.T, s Server, docID string, clock int64, batches ...types.OperationBatch) types.SyncResponse {
	t.Helper()
	res, err := s.Sync(context.Background(), types.SyncRequest{DocID: docID, Operations: batches, Clock: clock})
	require.NoError(t, err)
	return res
}

func TestServerMemoryClockMonotonicPerBatch(t *testing.T) {
	s := NewServerMemory(listMaterializer{}, 0)

	res := push(t, s, "d1", 0, batch("a"), batch("b"))
	assert.Equal(t, int64(2), res.Clock)
	assert.Empty(t, res.Operations, "own ops are not echoed back")

	res = push(t, s, "d1", 2, batch("c"))
	assert.Equal(t, int64(3), res.Clock)
}

func TestServerMemoryReturnsMissingOps(t *testing.T) {
	s := NewServerMemory(listMaterializer{}, 0)

	push(t, s, "d1", 0, batch("a"), batch("b"))

	// A second client pulls from clock 0 and gets both batches in order.
	res := push(t, s, "d1", 0)
	assert.Equal(t, int64(2), res.Clock)
	require.Len(t, res.Operations, 2)
	assert.Equal(t, batch("a"), res.Operations[0])
	assert.Equal(t, batch("b"), res.Operations[1])
	assert.Nil(t, res.SerializedDoc)
}

func TestServerMemoryNeverReturnsOpsAtOrBelowRequestClock(t *testing.T) {
	s := NewServerMemory(listMaterializer{}, 0)

	push(t, s, "d1", 0, batch("a"), batch("b"), batch("c"))

	res := push(t, s, "d1", 2)
	require.Len(t, res.Operations, 1)
	assert.Equal(t, batch("c"), res.Operations[0])
}

func TestServerMemoryPushAndPullCombined(t *testing.T) {
	s := NewServerMemory(listMaterializer{}, 0)

	push(t, s, "d1", 0, batch("a"))

	// Client at clock 0 pushes its own batch and receives the one it
	// missed, but not its own.
	res := push(t, s, "d1", 0, batch("b"))
	assert.Equal(t, int64(2), res.Clock)
	require.Len(t, res.Operations, 1)
	assert.Equal(t, batch("a"), res.Operations[0])
}

func TestServerMemorySquash(t *testing.T) {
	s := NewServerMemory(listMaterializer{}, 3)

	push(t, s, "d1", 0, batch("a"), batch("b"), batch("c"))

	// The threshold was crossed: a catch-up from clock 0 now gets the
	// snapshot with empty operations.
	res := push(t, s, "d1", 0)
	assert.Equal(t, int64(3), res.Clock)
	assert.Empty(t, res.Operations)
	require.NotNil(t, res.SerializedDoc)

	var list []json.RawMessage
	require.NoError(t, json.Unmarshal(res.SerializedDoc, &list))
	assert.Len(t, list, 3)
}

func TestServerMemoryPostSquashOpsRideOnSnapshot(t *testing.T) {
	s := NewServerMemory(listMaterializer{}, 2)

	push(t, s, "d1", 0, batch("a"), batch("b")) // squashes at clock 2
	push(t, s, "d1", 2, batch("c"))             // retained past the cutoff

	res := push(t, s, "d1", 0)
	assert.Equal(t, int64(3), res.Clock)
	require.NotNil(t, res.SerializedDoc)
	require.Len(t, res.Operations, 1)
	assert.Equal(t, batch("c"), res.Operations[0])

	// A client already past the cutoff gets plain operations.
	res = push(t, s, "d1", 2)
	assert.Nil(t, res.SerializedDoc)
	require.Len(t, res.Operations, 1)
}

func TestServerMemoryGetDoc(t *testing.T) {
	s := NewServerMemory(listMaterializer{}, 0)
	ctx := context.Background()

	doc, err := s.GetDoc(ctx, "d1")
	require.NoError(t, err)
	assert.Nil(t, doc)

	push(t, s, "d1", 0, batch("a"))

	doc, err = s.GetDoc(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, int64(1), doc.Clock)
}

func TestServerMemoryDeleteDoc(t *testing.T) {
	s := NewServerMemory(listMaterializer{}, 0)
	ctx := context.Background()

	push(t, s, "d1", 0, batch("a"))
	require.NoError(t, s.DeleteDoc(ctx, "d1"))

	doc, err := s.GetDoc(ctx, "d1")
	require.NoError(t, err)
	assert.Nil(t, doc)

	// A fresh doc under the same id starts its clock over.
	res := push(t, s, "d1", 0, batch("b"))
	assert.Equal(t, int64(1), res.Clock)
}
