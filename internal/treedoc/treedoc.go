package treedoc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/docukit/docsync/internal/binding"
	"github.com/docukit/docsync/internal/types"
)

// Node is one child of the tree root.
type Node struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// Doc is an ordered tree of nodes under a single root. It is the reference
// document model for the sync engine: operations are batch-id deduplicated so
// duplicate application is harmless, and concurrent inserts from different
// replicas converge to the same node set.
type Doc struct {
	mu       sync.Mutex
	docType  string
	nodes    []Node
	applied  map[string]struct{}
	handlers []binding.ChangeHandler
}

type op struct {
	Kind   string `json:"kind"` // insert | remove
	NodeID string `json:"nodeId"`
	Value  string `json:"value,omitempty"`
}

// batch is the opaque payload the engine shuttles around. The doc type rides
// along so a batch stream can bootstrap a doc with no prior snapshot.
type batch struct {
	BatchID string `json:"batchId"`
	DocType string `json:"type"`
	Ops     []op   `json:"ops"`
}

type snapshot struct {
	Type    string   `json:"type"`
	Nodes   []Node   `json:"nodes"`
	Applied []string `json:"applied"`
}

// Type returns the doc's registered type name.
func (d *Doc) Type() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.docType
}

// Children returns a copy of the current node list.
func (d *Doc) Children() []Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Node, len(d.nodes))
	copy(out, d.nodes)
	return out
}

// AppendChild adds a node with the given value and emits one operation batch
// to registered handlers. Returns the new node's id.
func (d *Doc) AppendChild(value string) string {
	nodeID := uuid.NewString()
	b := batch{
		BatchID: uuid.NewString(),
		DocType: d.docType,
		Ops:     []op{{Kind: "insert", NodeID: nodeID, Value: value}},
	}
	d.commit(b)
	return nodeID
}

// RemoveChild removes a node by id and emits one operation batch. Removing an
// unknown id still commits the batch. Removals are not tombstoned: a replica
// that applies the removal before the matching insert keeps the node.
func (d *Doc) RemoveChild(nodeID string) {
	b := batch{
		BatchID: uuid.NewString(),
		DocType: d.docType,
		Ops:     []op{{Kind: "remove", NodeID: nodeID}},
	}
	d.commit(b)
}

// commit applies a locally-created batch and notifies handlers.
func (d *Doc) commit(b batch) {
	d.mu.Lock()
	d.applyBatch(b)
	handlers := make([]binding.ChangeHandler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.Unlock()

	raw, _ := json.Marshal(b)
	for _, h := range handlers {
		h(types.OperationBatch(raw))
	}
}

// applyBatch mutates the node list. Caller holds d.mu. Batches already seen
// are skipped entirely.
func (d *Doc) applyBatch(b batch) bool {
	if _, ok := d.applied[b.BatchID]; ok {
		return false
	}
	d.applied[b.BatchID] = struct{}{}
	for _, o := range b.Ops {
		switch o.Kind {
		case "insert":
			if !d.hasNode(o.NodeID) {
				d.nodes = append(d.nodes, Node{ID: o.NodeID, Value: o.Value})
			}
		case "remove":
			for i, n := range d.nodes {
				if n.ID == o.NodeID {
					d.nodes = append(d.nodes[:i], d.nodes[i+1:]...)
					break
				}
			}
		}
	}
	return true
}

func (d *Doc) hasNode(id string) bool {
	for _, n := range d.nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

// Binding implements binding.Binding for tree documents. A single Binding
// serves any number of registered type names; the types share the tree schema
// but are distinct for registry purposes.
type Binding struct {
	docTypes map[string]struct{}
}

// New constructs a Binding with the given registered type names.
func New(docTypes ...string) (*Binding, error) {
	reg := make(map[string]struct{}, len(docTypes))
	for _, t := range docTypes {
		if _, ok := reg[t]; ok {
			return nil, fmt.Errorf("%w: %s", binding.ErrDuplicateType, t)
		}
		reg[t] = struct{}{}
	}
	return &Binding{docTypes: reg}, nil
}

func (b *Binding) New(docType string, id string) (binding.Doc, string, error) {
	if _, ok := b.docTypes[docType]; !ok {
		return nil, "", fmt.Errorf("%w: %s", binding.ErrUnknownType, docType)
	}
	if id == "" {
		id = types.NewDocID()
	}
	return &Doc{docType: docType, applied: make(map[string]struct{})}, id, nil
}

func (b *Binding) Serialize(doc binding.Doc) (types.SerializedDoc, error) {
	d, err := b.treeDoc(doc)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	snap := snapshot{Type: d.docType, Nodes: d.nodes, Applied: make([]string, 0, len(d.applied))}
	if snap.Nodes == nil {
		snap.Nodes = []Node{}
	}
	for id := range d.applied {
		snap.Applied = append(snap.Applied, id)
	}
	return json.Marshal(snap)
}

func (b *Binding) Deserialize(s types.SerializedDoc) (binding.Doc, error) {
	var snap snapshot
	if err := json.Unmarshal(s, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", binding.ErrMalformedSnapshot, err)
	}
	if snap.Type == "" {
		return nil, fmt.Errorf("%w: missing type tag", binding.ErrMalformedSnapshot)
	}
	if _, ok := b.docTypes[snap.Type]; !ok {
		return nil, fmt.Errorf("%w: %s", binding.ErrUnknownType, snap.Type)
	}
	d := &Doc{docType: snap.Type, nodes: snap.Nodes, applied: make(map[string]struct{}, len(snap.Applied))}
	for _, id := range snap.Applied {
		d.applied[id] = struct{}{}
	}
	return d, nil
}

func (b *Binding) ApplyOperations(doc binding.Doc, raw types.OperationBatch) error {
	d, err := b.treeDoc(doc)
	if err != nil {
		return err
	}
	var bt batch
	if err := json.Unmarshal(raw, &bt); err != nil {
		return fmt.Errorf("decoding operation batch: %w", err)
	}

	d.mu.Lock()
	fresh := d.applyBatch(bt)
	handlers := make([]binding.ChangeHandler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.Unlock()

	if !fresh {
		return nil
	}
	for _, h := range handlers {
		h(raw)
	}
	return nil
}

func (b *Binding) OnChange(doc binding.Doc, handler binding.ChangeHandler) {
	d, err := b.treeDoc(doc)
	if err != nil {
		return
	}
	d.mu.Lock()
	d.handlers = append(d.handlers, handler)
	d.mu.Unlock()
}

func (b *Binding) RemoveListeners(doc binding.Doc) {
	d, err := b.treeDoc(doc)
	if err != nil {
		return
	}
	d.mu.Lock()
	d.handlers = nil
	d.mu.Unlock()
}

// LoadSnapshot replaces the doc's contents in place, keeping its handlers.
func (b *Binding) LoadSnapshot(doc binding.Doc, s types.SerializedDoc) error {
	d, err := b.treeDoc(doc)
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(s, &snap); err != nil {
		return fmt.Errorf("%w: %v", binding.ErrMalformedSnapshot, err)
	}
	d.mu.Lock()
	d.docType = snap.Type
	d.nodes = snap.Nodes
	d.applied = make(map[string]struct{}, len(snap.Applied))
	for _, id := range snap.Applied {
		d.applied[id] = struct{}{}
	}
	d.mu.Unlock()
	return nil
}

func (b *Binding) treeDoc(doc binding.Doc) (*Doc, error) {
	d, ok := doc.(*Doc)
	if !ok {
		return nil, fmt.Errorf("not a tree doc: %T", doc)
	}
	return d, nil
}

// Materialize folds batches into a snapshot. A nil base bootstraps an empty
// doc from the type tag carried by the first batch.
func (b *Binding) Materialize(base types.SerializedDoc, batches []types.OperationBatch) (types.SerializedDoc, error) {
	var doc binding.Doc
	if base != nil {
		var err error
		doc, err = b.Deserialize(base)
		if err != nil {
			return nil, err
		}
	} else {
		if len(batches) == 0 {
			return nil, fmt.Errorf("nothing to materialize")
		}
		var first batch
		if err := json.Unmarshal(batches[0], &first); err != nil {
			return nil, fmt.Errorf("decoding operation batch: %w", err)
		}
		var err error
		doc, _, err = b.New(first.DocType, "")
		if err != nil {
			return nil, err
		}
	}
	for _, raw := range batches {
		if err := b.ApplyOperations(doc, raw); err != nil {
			return nil, err
		}
	}
	return b.Serialize(doc)
}

var _ binding.Binding = (*Binding)(nil)
var _ binding.Materializer = (*Binding)(nil)
var _ binding.SnapshotLoader = (*Binding)(nil)
