package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/docukit/docsync/internal/binding"
	"github.com/docukit/docsync/internal/types"
)

// DefaultSquashThreshold is the number of accumulated batches after which the
// server materializes a snapshot and stops serving the older operations.
const DefaultSquashThreshold = 100

// ServerMemory is an in-memory Server. Each accepted batch increments the
// doc's clock by exactly one; reads and appends for one doc are serialized
// under the doc lock so the returned clock and operations never show a gap.
type ServerMemory struct {
	materializer binding.Materializer
	threshold    int

	mu   sync.Mutex
	docs map[string]*serverDoc
}

type serverOp struct {
	clock int64
	batch types.OperationBatch
}

type serverDoc struct {
	mu sync.Mutex

	clock int64
	// ops retained since the last squash, ascending clock
	ops []serverOp
	// snapshot is the materialized state at squashCutoff; nil before the
	// first squash
	snapshot     types.SerializedDoc
	squashCutoff int64
	sinceSquash  int
}

// NewServerMemory creates an in-memory server store. The materializer folds
// operation batches into snapshots when the squash threshold is crossed;
// threshold <= 0 selects DefaultSquashThreshold.
func NewServerMemory(m binding.Materializer, threshold int) *ServerMemory {
	if threshold <= 0 {
		threshold = DefaultSquashThreshold
	}
	return &ServerMemory{
		materializer: m,
		threshold:    threshold,
		docs:         make(map[string]*serverDoc),
	}
}

func (s *ServerMemory) Sync(ctx context.Context, req types.SyncRequest) (types.SyncResponse, error) {
	if err := ctx.Err(); err != nil {
		return types.SyncResponse{}, err
	}
	doc := s.doc(req.DocID)
	doc.mu.Lock()
	defer doc.mu.Unlock()

	clockBefore := doc.clock
	for _, batch := range req.Operations {
		doc.clock++
		doc.ops = append(doc.ops, serverOp{clock: doc.clock, batch: batch})
	}
	doc.sinceSquash += len(req.Operations)

	res := types.SyncResponse{DocID: req.DocID, Clock: doc.clock}

	if req.Clock < doc.squashCutoff {
		// The log before the cutoff is gone; the client starts over from
		// the snapshot plus whatever accumulated after it.
		res.SerializedDoc = doc.snapshot
		res.Operations = doc.opsAfter(doc.squashCutoff, clockBefore)
	} else {
		// Missing operations are the ones other clients appended between
		// the client's clock and the state before this push. The batches
		// just pushed are the client's own; echoing them back is wasted
		// wire and a double-apply risk.
		res.Operations = doc.opsAfter(req.Clock, clockBefore)
	}

	if doc.sinceSquash >= s.threshold {
		if err := s.squash(doc); err != nil {
			return types.SyncResponse{}, fmt.Errorf("squashing %s: %w", req.DocID, err)
		}
	}

	return res, nil
}

func (s *ServerMemory) GetDoc(ctx context.Context, docID string) (*types.StoredDoc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	doc, ok := s.docs[docID]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()
	if doc.clock == 0 && doc.snapshot == nil {
		return nil, nil
	}
	batches := make([]types.OperationBatch, 0, len(doc.ops))
	for _, op := range doc.ops {
		batches = append(batches, op.batch)
	}
	serialized, err := s.materializer.Materialize(doc.snapshot, batches)
	if err != nil {
		return nil, fmt.Errorf("materializing %s: %w", docID, err)
	}
	return &types.StoredDoc{DocID: docID, SerializedDoc: serialized, Clock: doc.clock}, nil
}

func (s *ServerMemory) DeleteDoc(ctx context.Context, docID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.docs, docID)
	s.mu.Unlock()
	return nil
}

func (s *ServerMemory) Close() error { return nil }

func (s *ServerMemory) doc(docID string) *serverDoc {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	if !ok {
		doc = &serverDoc{}
		s.docs[docID] = doc
	}
	return doc
}

// opsAfter returns retained batches with from < clock <= to. Caller holds the
// doc lock.
func (d *serverDoc) opsAfter(from, to int64) []types.OperationBatch {
	var out []types.OperationBatch
	for _, op := range d.ops {
		if op.clock > from && op.clock <= to {
			out = append(out, op.batch)
		}
	}
	return out
}

// squash folds every retained op into the snapshot and drops the log. Callers
// that synced before the new cutoff will be served the snapshot from now on.
// Caller holds the doc lock.
func (s *ServerMemory) squash(d *serverDoc) error {
	batches := make([]types.OperationBatch, 0, len(d.ops))
	for _, op := range d.ops {
		batches = append(batches, op.batch)
	}
	snapshot, err := s.materializer.Materialize(d.snapshot, batches)
	if err != nil {
		return err
	}
	d.snapshot = snapshot
	d.squashCutoff = d.clock
	d.ops = nil
	d.sinceSquash = 0
	return nil
}

var _ Server = (*ServerMemory)(nil)
