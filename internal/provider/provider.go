package provider

import (
	"context"
	"errors"

	"github.com/docukit/docsync/internal/types"
)

// TxMode selects read-only or read-write transaction semantics.
type TxMode int

const (
	ReadOnly TxMode = iota
	ReadWrite
)

var (
	// ErrReadOnly is returned when a mutation is attempted inside a
	// read-only transaction.
	ErrReadOnly = errors.New("mutation inside read-only transaction")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("provider closed")
)

// Tx is the context handed to a client transaction callback. All reads and
// writes inside one callback commit or abort together.
type Tx interface {
	// GetSerializedDoc returns the stored snapshot, or nil when the doc
	// has never been persisted.
	GetSerializedDoc(docID string) (*types.StoredDoc, error)

	// SaveSerializedDoc overwrites the snapshot for the doc.
	SaveSerializedDoc(doc types.StoredDoc) error

	// GetOperations returns all stored operation batches for the doc in
	// insertion order.
	GetOperations(docID string) ([]types.OperationBatch, error)

	// SaveOperations appends batches to the doc's operation log.
	SaveOperations(docID string, batches []types.OperationBatch) error

	// DeleteOperations removes the first count batches for the doc.
	DeleteOperations(docID string, count int) error
}

// Client is the local persistence trait. Databases are namespaced per user
// id; two identities on the same device never share a Client.
type Client interface {
	// Transaction runs fn atomically. A returned error aborts the
	// transaction; on nil all changes become visible together.
	Transaction(ctx context.Context, mode TxMode, fn func(tx Tx) error) error

	Close() error
}

// Server is the server-side persistence trait. Sync performs the atomic
// push+fetch under the doc's monotonic clock; the returned clock and
// operations are consistent with each other.
type Server interface {
	Sync(ctx context.Context, req types.SyncRequest) (types.SyncResponse, error)

	// GetDoc returns the current snapshot view of a doc, or nil when the
	// doc has never been synced.
	GetDoc(ctx context.Context, docID string) (*types.StoredDoc, error)

	// DeleteDoc removes the doc, its log and its snapshot.
	DeleteDoc(ctx context.Context, docID string) error

	Close() error
}
