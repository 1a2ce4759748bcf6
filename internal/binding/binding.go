package binding

import (
	"errors"

	"github.com/docukit/docsync/internal/types"
)

var (
	// ErrUnknownType is returned when a doc type has not been registered.
	ErrUnknownType = errors.New("unknown doc type")

	// ErrDuplicateType is returned at construction when two configurations
	// share a type name.
	ErrDuplicateType = errors.New("duplicate doc type")

	// ErrMalformedSnapshot is returned when a serialized doc cannot be
	// reconstructed.
	ErrMalformedSnapshot = errors.New("malformed snapshot")
)

// Doc is an opaque live document. Only the binding that produced it looks
// inside.
type Doc interface{}

// ChangeHandler receives exactly one operation batch per committed change.
type ChangeHandler func(batch types.OperationBatch)

// Binding is the entire interface between the sync engine and a document
// implementation. It enables tests and alternate document models to plug in
// without the engine knowing anything about operations or snapshots.
type Binding interface {
	// New allocates an empty doc of a registered type. An empty id means
	// the binding generates a lowercase ULID. Returns ErrUnknownType for
	// unregistered types.
	New(docType string, id string) (Doc, string, error)

	// Serialize produces a snapshot including the embedded type tag.
	Serialize(doc Doc) (types.SerializedDoc, error)

	// Deserialize reconstructs a doc, reading the type from the snapshot.
	// Returns ErrUnknownType or ErrMalformedSnapshot.
	Deserialize(s types.SerializedDoc) (Doc, error)

	// ApplyOperations applies a batch to the doc. Duplicate application
	// must not corrupt the doc. Registered change handlers fire once for
	// the batch.
	ApplyOperations(doc Doc, batch types.OperationBatch) error

	// OnChange registers a handler invoked exactly once per committed
	// batch. Suppression of downstream effects is the caller's concern;
	// the binding always invokes registered handlers.
	OnChange(doc Doc, handler ChangeHandler)

	// RemoveListeners clears all handlers. Called at cache eviction.
	RemoveListeners(doc Doc)
}

// Materializer folds operation batches into a serialized snapshot. The
// server relay uses it to squash a doc's accumulated log. A nil base means
// the batches start from an empty doc; the batch payload must carry whatever
// the binding needs to bootstrap one.
type Materializer interface {
	Materialize(base types.SerializedDoc, batches []types.OperationBatch) (types.SerializedDoc, error)
}

// SnapshotLoader is an optional binding capability: replace a live doc's
// contents from a snapshot in place, keeping its registered handlers. The
// engine uses it to consolidate server squashes without swapping the cached
// doc instance.
type SnapshotLoader interface {
	LoadSnapshot(doc Doc, s types.SerializedDoc) error
}
