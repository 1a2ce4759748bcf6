package provider

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/docukit/docsync/internal/binding"
	"github.com/docukit/docsync/internal/types"
)

// Badger is the durable Server. Per doc it keeps a meta record (clock, squash
// cutoff, batches since squash), the squashed snapshot, and one entry per
// retained operation batch keyed by big-endian clock so iteration yields
// clock order. Each Sync runs in a single badger transaction.
type Badger struct {
	db           *badger.DB
	materializer binding.Materializer
	threshold    int
}

type badgerMeta struct {
	Clock        int64 `json:"clock"`
	SquashCutoff int64 `json:"squashCutoff"`
	SinceSquash  int   `json:"sinceSquash"`
}

// NewBadger opens (or creates) the server store at dir.
func NewBadger(dir string, m binding.Materializer, threshold int) (*Badger, error) {
	if threshold <= 0 {
		threshold = DefaultSquashThreshold
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("opening badger at %s: %w", dir, err)
	}
	return &Badger{db: db, materializer: m, threshold: threshold}, nil
}

func (b *Badger) Close() error { return b.db.Close() }

func metaKey(docID string) []byte     { return []byte("doc/" + docID + "/meta") }
func snapshotKey(docID string) []byte { return []byte("doc/" + docID + "/snapshot") }

func opKey(docID string, clock int64) []byte {
	key := []byte("op/" + docID + "/")
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], uint64(clock))
	return append(key, be[:]...)
}

func opPrefix(docID string) []byte { return []byte("op/" + docID + "/") }

func (b *Badger) Sync(ctx context.Context, req types.SyncRequest) (types.SyncResponse, error) {
	if err := ctx.Err(); err != nil {
		return types.SyncResponse{}, err
	}
	var res types.SyncResponse
	err := b.db.Update(func(txn *badger.Txn) error {
		meta, err := b.readMeta(txn, req.DocID)
		if err != nil {
			return err
		}
		snapshot, err := b.readValue(txn, snapshotKey(req.DocID))
		if err != nil {
			return err
		}

		clockBefore := meta.Clock
		for _, batch := range req.Operations {
			meta.Clock++
			if err := txn.Set(opKey(req.DocID, meta.Clock), batch); err != nil {
				return err
			}
		}
		meta.SinceSquash += len(req.Operations)

		res = types.SyncResponse{DocID: req.DocID, Clock: meta.Clock}
		if req.Clock < meta.SquashCutoff {
			res.SerializedDoc = snapshot
			res.Operations, err = b.readOps(txn, req.DocID, meta.SquashCutoff, clockBefore)
		} else {
			res.Operations, err = b.readOps(txn, req.DocID, req.Clock, clockBefore)
		}
		if err != nil {
			return err
		}

		if meta.SinceSquash >= b.threshold {
			if err := b.squash(txn, req.DocID, meta, snapshot); err != nil {
				return fmt.Errorf("squashing %s: %w", req.DocID, err)
			}
		}

		return b.writeMeta(txn, req.DocID, meta)
	})
	if err != nil {
		return types.SyncResponse{}, err
	}
	return res, nil
}

func (b *Badger) GetDoc(ctx context.Context, docID string) (*types.StoredDoc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var stored *types.StoredDoc
	err := b.db.View(func(txn *badger.Txn) error {
		meta, err := b.readMeta(txn, docID)
		if err != nil {
			return err
		}
		snapshot, err := b.readValue(txn, snapshotKey(docID))
		if err != nil {
			return err
		}
		if meta.Clock == 0 && snapshot == nil {
			return nil
		}
		batches, err := b.readOps(txn, docID, meta.SquashCutoff, meta.Clock)
		if err != nil {
			return err
		}
		serialized := types.SerializedDoc(snapshot)
		if len(batches) > 0 {
			serialized, err = b.materializer.Materialize(snapshot, batches)
			if err != nil {
				return fmt.Errorf("materializing %s: %w", docID, err)
			}
		}
		stored = &types.StoredDoc{DocID: docID, SerializedDoc: serialized, Clock: meta.Clock}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (b *Badger) DeleteDoc(ctx context.Context, docID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(metaKey(docID)); err != nil {
			return err
		}
		if err := txn.Delete(snapshotKey(docID)); err != nil {
			return err
		}
		keys, err := b.opKeys(txn, docID)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// squash folds every retained op into the snapshot, deletes the retained log
// and advances the cutoff to the current clock.
func (b *Badger) squash(txn *badger.Txn, docID string, meta *badgerMeta, snapshot []byte) error {
	batches, err := b.readOps(txn, docID, meta.SquashCutoff, meta.Clock)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		return nil
	}
	folded, err := b.materializer.Materialize(snapshot, batches)
	if err != nil {
		return err
	}
	if err := txn.Set(snapshotKey(docID), folded); err != nil {
		return err
	}
	keys, err := b.opKeys(txn, docID)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	meta.SquashCutoff = meta.Clock
	meta.SinceSquash = 0
	return nil
}

func (b *Badger) readMeta(txn *badger.Txn, docID string) (*badgerMeta, error) {
	raw, err := b.readValue(txn, metaKey(docID))
	if err != nil {
		return nil, err
	}
	meta := &badgerMeta{}
	if raw == nil {
		return meta, nil
	}
	if err := json.Unmarshal(raw, meta); err != nil {
		return nil, fmt.Errorf("decoding meta for %s: %w", docID, err)
	}
	return meta, nil
}

func (b *Badger) writeMeta(txn *badger.Txn, docID string, meta *badgerMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return txn.Set(metaKey(docID), raw)
}

func (b *Badger) readValue(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// readOps returns retained batches with from < clock <= to in clock order.
func (b *Badger) readOps(txn *badger.Txn, docID string, from, to int64) ([]types.OperationBatch, error) {
	prefix := opPrefix(docID)
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()

	var out []types.OperationBatch
	for it.Seek(opKey(docID, from+1)); it.Valid(); it.Next() {
		key := it.Item().Key()
		clock := int64(binary.BigEndian.Uint64(key[len(prefix):]))
		if clock > to {
			break
		}
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		out = append(out, types.OperationBatch(val))
	}
	return out, nil
}

func (b *Badger) opKeys(txn *badger.Txn, docID string) ([][]byte, error) {
	prefix := opPrefix(docID)
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys, nil
}

var _ Server = (*Badger)(nil)
