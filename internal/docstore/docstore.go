package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/docukit/docsync/internal/binding"
	"github.com/docukit/docsync/internal/broadcast"
	"github.com/docukit/docsync/internal/logging"
	"github.com/docukit/docsync/internal/provider"
	"github.com/docukit/docsync/internal/types"
)

// ErrOrphanOps flags stored operations with no stored snapshot: the op log is
// only meaningful relative to the snapshot it was recorded against.
var ErrOrphanOps = errors.New("stored operations without snapshot")

// Status of a GetDoc callback result.
type Status string

const (
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result is delivered to the GetDoc callback. A success with a nil Doc means
// the doc does not exist and creation was not requested.
type Result struct {
	Status Status
	Doc    binding.Doc
	DocID  string
	Err    error
}

// Callback receives loading/success/error updates for one subscription.
type Callback func(Result)

// GetDocArgs selects or creates a document.
type GetDocArgs struct {
	Type            string
	ID              string
	CreateIfMissing bool
}

// Syncer is the slice of ServerSync the cache drives.
type Syncer interface {
	OnLocalOperations(ctx context.Context, docID string, batches []types.OperationBatch) error
	SaveRemote(docID string)
	SubscribeDoc(docID string)
	UnsubscribeDoc(docID string)
}

type entry struct {
	mu              sync.Mutex
	refs            int
	doc             binding.Doc
	loaded          bool
	err             error
	ready           chan struct{}
	shouldBroadcast bool
}

func (e *entry) broadcastEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shouldBroadcast
}

func (e *entry) setBroadcast(v bool) {
	e.mu.Lock()
	e.shouldBroadcast = v
	e.mu.Unlock()
}

// Store is the in-memory doc cache: one slot per doc id with a ref count,
// concurrent loads deduplicated through the slot's ready channel, one change
// listener per cached doc fanning edits out to the broadcast channel and the
// push queue.
type Store struct {
	binding  binding.Binding
	provider provider.Client
	syncer   Syncer
	channel  broadcast.Channel
	log      *logging.Logger

	mu        sync.Mutex
	docs      map[string]*entry
	cancelSub func()
}

// Options configures a Store.
type Options struct {
	Binding  binding.Binding
	Provider provider.Client
	Syncer   Syncer
	Channel  broadcast.Channel
	Logger   *logging.Logger
}

// New wires the cache to the broadcast channel. Operations posted by sibling
// processes are applied to cached docs with re-broadcast suppressed.
func New(opts Options) (*Store, error) {
	if opts.Binding == nil || opts.Provider == nil || opts.Syncer == nil || opts.Channel == nil {
		return nil, fmt.Errorf("binding, provider, syncer and channel are required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	s := &Store{
		binding:  opts.Binding,
		provider: opts.Provider,
		syncer:   opts.Syncer,
		channel:  opts.Channel,
		log:      opts.Logger,
		docs:     make(map[string]*entry),
	}
	s.cancelSub = opts.Channel.Subscribe(s.handleBroadcast)
	return s, nil
}

// Close detaches the cache from the broadcast channel.
func (s *Store) Close() {
	if s.cancelSub != nil {
		s.cancelSub()
	}
}

// GetDoc subscribes to a document. Loading by id, the callback sees loading,
// then success or error; creating a new doc (no id), it sees only success,
// synchronously. The returned func unsubscribes; the last unsubscribe evicts
// the cache entry and clears the doc's listeners.
func (s *Store) GetDoc(args GetDocArgs, cb Callback) (func(), error) {
	if args.ID == "" && !args.CreateIfMissing {
		return nil, fmt.Errorf("either an id or CreateIfMissing is required")
	}
	if args.ID == "" {
		return s.createDoc(args.Type, cb)
	}
	return s.loadDoc(args, cb)
}

// createDoc generates a fresh id, installs the doc synchronously, and lets
// persistence and the probing push run behind the success callback.
func (s *Store) createDoc(docType string, cb Callback) (func(), error) {
	doc, docID, err := s.binding.New(docType, "")
	if err != nil {
		return nil, err
	}

	e := &entry{refs: 1, doc: doc, loaded: true, ready: make(chan struct{}), shouldBroadcast: true}
	close(e.ready)

	s.mu.Lock()
	s.docs[docID] = e
	s.mu.Unlock()

	s.installListener(docID, e)
	cb(Result{Status: StatusSuccess, Doc: doc, DocID: docID})

	go func() {
		serialized, err := s.binding.Serialize(doc)
		if err != nil {
			s.log.Error("serializing new doc failed", zap.String("doc_id", docID), zap.Error(err))
			return
		}
		err = s.provider.Transaction(context.Background(), provider.ReadWrite, func(tx provider.Tx) error {
			return tx.SaveSerializedDoc(types.StoredDoc{DocID: docID, SerializedDoc: serialized, Clock: 0})
		})
		if err != nil {
			s.log.Error("persisting new doc failed", zap.String("doc_id", docID), zap.Error(err))
		}
		// The probing push discovers any server-side prior state for
		// this id.
		s.syncer.SubscribeDoc(docID)
		s.syncer.SaveRemote(docID)
	}()

	return s.unsubscriber(docID), nil
}

func (s *Store) loadDoc(args GetDocArgs, cb Callback) (func(), error) {
	s.mu.Lock()
	e, ok := s.docs[args.ID]
	if ok {
		e.refs++
		s.mu.Unlock()
		cb(Result{Status: StatusLoading, DocID: args.ID})
		go func() {
			<-e.ready
			cb(s.resultFor(args.ID, e))
			s.syncer.SaveRemote(args.ID)
		}()
		return s.unsubscriber(args.ID), nil
	}

	e = &entry{refs: 1, ready: make(chan struct{})}
	s.docs[args.ID] = e
	s.mu.Unlock()

	cb(Result{Status: StatusLoading, DocID: args.ID})
	go func() {
		doc, err := s.loadOrCreate(args)
		e.mu.Lock()
		e.doc = doc
		e.err = err
		e.loaded = true
		e.shouldBroadcast = true
		e.mu.Unlock()
		if doc != nil {
			s.installListener(args.ID, e)
		}
		close(e.ready)

		cb(s.resultFor(args.ID, e))
		s.syncer.SubscribeDoc(args.ID)
		s.syncer.SaveRemote(args.ID)
	}()

	return s.unsubscriber(args.ID), nil
}

func (s *Store) resultFor(docID string, e *entry) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return Result{Status: StatusError, DocID: docID, Err: e.err}
	}
	return Result{Status: StatusSuccess, Doc: e.doc, DocID: docID}
}

// loadOrCreate runs inside a single local transaction: read the snapshot and
// every stored batch, replay in order, or allocate fresh when creation was
// requested. A nil doc with nil error means not found.
func (s *Store) loadOrCreate(args GetDocArgs) (binding.Doc, error) {
	var doc binding.Doc
	err := s.provider.Transaction(context.Background(), provider.ReadWrite, func(tx provider.Tx) error {
		stored, err := tx.GetSerializedDoc(args.ID)
		if err != nil {
			return err
		}
		batches, err := tx.GetOperations(args.ID)
		if err != nil {
			return err
		}

		if stored != nil {
			doc, err = s.binding.Deserialize(stored.SerializedDoc)
			if err != nil {
				return err
			}
			// Replay happens before the change listener is installed,
			// so nothing echoes to the channel or the push queue.
			for _, b := range batches {
				if err := s.binding.ApplyOperations(doc, b); err != nil {
					return err
				}
			}
			return nil
		}

		if args.CreateIfMissing && args.Type != "" {
			if len(batches) > 0 {
				return fmt.Errorf("%w: %s", ErrOrphanOps, args.ID)
			}
			doc, _, err = s.binding.New(args.Type, args.ID)
			if err != nil {
				return err
			}
			serialized, err := s.binding.Serialize(doc)
			if err != nil {
				return err
			}
			return tx.SaveSerializedDoc(types.StoredDoc{DocID: args.ID, SerializedDoc: serialized, Clock: 0})
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// installListener attaches the cache's single change listener for the doc.
// Every committed batch goes to the same-user siblings and the push queue,
// unless the entry is currently suppressing echoes.
func (s *Store) installListener(docID string, e *entry) {
	s.binding.OnChange(e.doc, func(batch types.OperationBatch) {
		if !e.broadcastEnabled() {
			return
		}
		s.channel.Post(broadcast.Message{Type: broadcast.TypeOperations, DocID: docID, Operations: batch})
		if err := s.syncer.OnLocalOperations(context.Background(), docID, []types.OperationBatch{batch}); err != nil {
			s.log.Error("queueing local operations failed", zap.String("doc_id", docID), zap.Error(err))
		}
	})
}

// handleBroadcast applies operations posted by a same-user sibling process.
// The originator already pushed and persisted; this side only updates its
// in-memory doc, suppressed so it does not re-broadcast or re-push.
func (s *Store) handleBroadcast(msg broadcast.Message) {
	if msg.Type != broadcast.TypeOperations {
		return
	}
	e, ok := s.cachedEntry(msg.DocID)
	if !ok {
		return
	}
	e.setBroadcast(false)
	if err := s.binding.ApplyOperations(e.doc, msg.Operations); err != nil {
		s.log.Error("applying broadcast operations failed", zap.String("doc_id", msg.DocID), zap.Error(err))
	}
	e.setBroadcast(true)
}

// ApplyRemote applies server-returned batches to the cached doc, suppressed,
// then reposts them for same-user siblings. Reports whether the doc was
// cached; when it was, returns the doc's new serialization.
func (s *Store) ApplyRemote(docID string, batches []types.OperationBatch) (types.SerializedDoc, bool) {
	e, ok := s.cachedEntry(docID)
	if !ok {
		return nil, false
	}

	e.setBroadcast(false)
	for _, b := range batches {
		if err := s.binding.ApplyOperations(e.doc, b); err != nil {
			s.log.Error("applying server operations failed", zap.String("doc_id", docID), zap.Error(err))
		}
	}
	e.setBroadcast(true)

	for _, b := range batches {
		s.channel.Post(broadcast.Message{Type: broadcast.TypeOperations, DocID: docID, Operations: b})
	}

	serialized, err := s.binding.Serialize(e.doc)
	if err != nil {
		s.log.Error("serializing cached doc failed", zap.String("doc_id", docID), zap.Error(err))
		return nil, false
	}
	return serialized, true
}

// Reapply applies batches to the cached doc, suppressed, without reposting to
// siblings. Consolidation uses it for the client's own just-pushed batches
// (already broadcast when committed) and, with no batches, as a plain
// serialize of the cached doc.
func (s *Store) Reapply(docID string, batches []types.OperationBatch) (types.SerializedDoc, bool) {
	e, ok := s.cachedEntry(docID)
	if !ok {
		return nil, false
	}

	e.setBroadcast(false)
	for _, b := range batches {
		if err := s.binding.ApplyOperations(e.doc, b); err != nil {
			s.log.Error("re-applying operations failed", zap.String("doc_id", docID), zap.Error(err))
		}
	}
	e.setBroadcast(true)

	serialized, err := s.binding.Serialize(e.doc)
	if err != nil {
		s.log.Error("serializing cached doc failed", zap.String("doc_id", docID), zap.Error(err))
		return nil, false
	}
	return serialized, true
}

// LoadSnapshot folds a server squash into the cached doc in place, keeping
// the installed listener. Bindings without snapshot loading fall back to a
// doc swap with a fresh listener.
func (s *Store) LoadSnapshot(docID string, snapshot types.SerializedDoc) bool {
	e, ok := s.cachedEntry(docID)
	if !ok {
		return false
	}

	e.setBroadcast(false)
	defer e.setBroadcast(true)

	if loader, ok := s.binding.(binding.SnapshotLoader); ok {
		if err := loader.LoadSnapshot(e.doc, snapshot); err != nil {
			s.log.Error("loading snapshot failed", zap.String("doc_id", docID), zap.Error(err))
			return false
		}
		return true
	}

	doc, err := s.binding.Deserialize(snapshot)
	if err != nil {
		s.log.Error("deserializing snapshot failed", zap.String("doc_id", docID), zap.Error(err))
		return false
	}
	s.binding.RemoveListeners(e.doc)
	e.mu.Lock()
	e.doc = doc
	e.mu.Unlock()
	s.installListener(docID, e)
	return true
}

// CachedDoc returns the live doc for tests and the façade; nil when not
// cached or not loaded yet.
func (s *Store) CachedDoc(docID string) binding.Doc {
	e, ok := s.cachedEntry(docID)
	if !ok {
		return nil
	}
	return e.doc
}

// Refs returns the current subscription count for a doc id.
func (s *Store) Refs(docID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.docs[docID]; ok {
		return e.refs
	}
	return 0
}

func (s *Store) cachedEntry(docID string) (*entry, bool) {
	s.mu.Lock()
	e, ok := s.docs[docID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded || e.doc == nil {
		return nil, false
	}
	return e, true
}

// unsubscriber returns the once-only unsubscribe for one GetDoc call.
func (s *Store) unsubscriber(docID string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			e, ok := s.docs[docID]
			if !ok {
				s.mu.Unlock()
				return
			}
			e.refs--
			if e.refs > 0 {
				s.mu.Unlock()
				return
			}
			delete(s.docs, docID)
			s.mu.Unlock()

			s.syncer.UnsubscribeDoc(docID)
			// Eviction never cancels an in-flight push; consolidation
			// just finds no cached doc to update.
			go func() {
				<-e.ready
				e.mu.Lock()
				doc := e.doc
				e.mu.Unlock()
				if doc != nil {
					s.binding.RemoveListeners(doc)
				}
			}()
		})
	}
}
