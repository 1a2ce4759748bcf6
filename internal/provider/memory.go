package provider

import (
	"context"
	"sync"

	"github.com/docukit/docsync/internal/types"
)

// Memory is an in-memory Client. It is the reference implementation for the
// transaction contract and what the test harness uses to model one device's
// local database. Transactions stage their writes and commit atomically on a
// nil return.
type Memory struct {
	mu     sync.Mutex
	docs   map[string]types.StoredDoc
	ops    map[string][]types.OperationBatch
	closed bool
}

// NewMemory creates an empty in-memory client store.
func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]types.StoredDoc),
		ops:  make(map[string][]types.OperationBatch),
	}
}

type memoryTx struct {
	m    *Memory
	mode TxMode

	// staged state, committed on success
	docs map[string]types.StoredDoc
	ops  map[string][]types.OperationBatch
}

func (m *Memory) Transaction(ctx context.Context, mode TxMode, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	tx := &memoryTx{
		m:    m,
		mode: mode,
		docs: make(map[string]types.StoredDoc),
		ops:  make(map[string][]types.OperationBatch),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for id, doc := range tx.docs {
		m.docs[id] = doc
	}
	for id, batches := range tx.ops {
		m.ops[id] = batches
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (t *memoryTx) GetSerializedDoc(docID string) (*types.StoredDoc, error) {
	if doc, ok := t.docs[docID]; ok {
		return &doc, nil
	}
	if doc, ok := t.m.docs[docID]; ok {
		return &doc, nil
	}
	return nil, nil
}

func (t *memoryTx) SaveSerializedDoc(doc types.StoredDoc) error {
	if t.mode == ReadOnly {
		return ErrReadOnly
	}
	t.docs[doc.DocID] = doc
	return nil
}

func (t *memoryTx) GetOperations(docID string) ([]types.OperationBatch, error) {
	src := t.currentOps(docID)
	out := make([]types.OperationBatch, len(src))
	copy(out, src)
	return out, nil
}

func (t *memoryTx) SaveOperations(docID string, batches []types.OperationBatch) error {
	if t.mode == ReadOnly {
		return ErrReadOnly
	}
	t.ops[docID] = append(t.currentOps(docID), batches...)
	return nil
}

func (t *memoryTx) DeleteOperations(docID string, count int) error {
	if t.mode == ReadOnly {
		return ErrReadOnly
	}
	cur := t.currentOps(docID)
	if count > len(cur) {
		count = len(cur)
	}
	rest := make([]types.OperationBatch, len(cur)-count)
	copy(rest, cur[count:])
	t.ops[docID] = rest
	return nil
}

// currentOps returns the log as seen inside this transaction: staged state if
// the tx already wrote to it, committed state otherwise.
func (t *memoryTx) currentOps(docID string) []types.OperationBatch {
	if staged, ok := t.ops[docID]; ok {
		return staged
	}
	return t.m.ops[docID]
}
