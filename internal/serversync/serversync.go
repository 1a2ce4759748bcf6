package serversync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/docukit/docsync/internal/binding"
	"github.com/docukit/docsync/internal/logging"
	"github.com/docukit/docsync/internal/provider"
	"github.com/docukit/docsync/internal/transport"
	"github.com/docukit/docsync/internal/types"
)

// pushState is the per-doc slot of the three-state machine. Distinct docs
// push concurrently; one doc never has two in-flight pushes.
type pushState int

const (
	idle pushState = iota
	pushing
	pushingWithPending
)

// DocHooks is how consolidation reaches back into the doc cache. The cache
// applies server results with re-broadcast suppressed and reposts them on the
// local channel for same-user siblings.
type DocHooks interface {
	// ApplyRemote applies batches to the cached doc. Returns the doc's new
	// serialization and whether the doc was cached at all.
	ApplyRemote(docID string, batches []types.OperationBatch) (types.SerializedDoc, bool)

	// Reapply applies batches to the cached doc without reposting them to
	// siblings; they already made the rounds when first committed. With no
	// batches it is a plain serialize of the cached doc.
	Reapply(docID string, batches []types.OperationBatch) (types.SerializedDoc, bool)

	// LoadSnapshot replaces the cached doc's contents from a squashed
	// snapshot; reports whether the doc was cached.
	LoadSnapshot(docID string, s types.SerializedDoc) bool
}

// Options configures a ServerSync.
type Options struct {
	Provider  provider.Client
	Transport transport.Transport
	Binding   binding.Binding
	Hooks     DocHooks
	Logger    *logging.Logger

	// RequestTimeout bounds each sync RPC; zero selects 30s.
	RequestTimeout time.Duration
	// BackoffBase/BackoffCap shape the push retry; zero selects 250ms/5s.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

type docState struct {
	state        pushState
	pendingProbe bool
}

// ServerSync owns the per-doc push state machine, the subscription set and
// the reconnect catch-up. It is the only component that talks sync-operations
// to the server.
type ServerSync struct {
	opts Options
	log  *logging.Logger

	mu         sync.Mutex
	states     map[string]*docState
	subscribed map[string]struct{}
	closed     bool
}

// New wires a ServerSync to its transport. Reconnects replay the subscription
// set and probe every subscribed doc.
func New(opts Options) (*ServerSync, error) {
	if opts.Provider == nil || opts.Transport == nil || opts.Binding == nil || opts.Hooks == nil {
		return nil, fmt.Errorf("provider, transport, binding and hooks are required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 250 * time.Millisecond
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 5 * time.Second
	}

	ss := &ServerSync{
		opts:       opts,
		log:        opts.Logger,
		states:     make(map[string]*docState),
		subscribed: make(map[string]struct{}),
	}
	opts.Transport.OnConnect(ss.handleConnect)
	return ss, nil
}

// Close stops new pushes. In-flight pushes settle on their own.
func (ss *ServerSync) Close() {
	ss.mu.Lock()
	ss.closed = true
	ss.mu.Unlock()
}

// OnLocalOperations appends batches to the doc's stored log in one
// transaction, then schedules a push.
func (ss *ServerSync) OnLocalOperations(ctx context.Context, docID string, batches []types.OperationBatch) error {
	err := ss.opts.Provider.Transaction(ctx, provider.ReadWrite, func(tx provider.Tx) error {
		return tx.SaveOperations(docID, batches)
	})
	if err != nil {
		return fmt.Errorf("appending operations for %s: %w", docID, err)
	}
	ss.saveRemote(docID, false)
	return nil
}

// SaveRemote schedules a push for the doc. With no stored ops the push is a
// pure pull, which is how catch-up works.
func (ss *ServerSync) SaveRemote(docID string) {
	ss.saveRemote(docID, true)
}

// HandleDirty reacts to the server's dirty notification with a catch-up pull.
func (ss *ServerSync) HandleDirty(docID string) {
	ss.saveRemote(docID, true)
}

// SubscribeDoc adds the doc to the subscription set and tells the server when
// connected.
func (ss *ServerSync) SubscribeDoc(docID string) {
	ss.mu.Lock()
	ss.subscribed[docID] = struct{}{}
	connected := ss.opts.Transport.Connected()
	ss.mu.Unlock()

	if connected {
		go ss.sendSubscription(types.EventSubscribe, docID)
	}
}

// UnsubscribeDoc removes the doc from the subscription set and tells the
// server when connected.
func (ss *ServerSync) UnsubscribeDoc(docID string) {
	ss.mu.Lock()
	delete(ss.subscribed, docID)
	connected := ss.opts.Transport.Connected()
	ss.mu.Unlock()

	if connected {
		go ss.sendSubscription(types.EventUnsubscribe, docID)
	}
}

func (ss *ServerSync) sendSubscription(event, docID string) {
	ctx, cancel := context.WithTimeout(context.Background(), ss.opts.RequestTimeout)
	defer cancel()
	if _, err := ss.opts.Transport.Request(ctx, event, types.SubscribeRequest{DocID: docID}); err != nil {
		// Subscriptions are replayed on the next reconnect.
		ss.log.Debug("subscription request failed",
			zap.String("event", event), zap.String("doc_id", docID), zap.Error(err))
	}
}

// handleConnect replays the subscription set and probes every subscribed doc.
// An empty push is a pure pull, so this is also how missed ops catch up.
func (ss *ServerSync) handleConnect() {
	ss.mu.Lock()
	docIDs := make([]string, 0, len(ss.subscribed))
	for docID := range ss.subscribed {
		docIDs = append(docIDs, docID)
	}
	ss.mu.Unlock()

	for _, docID := range docIDs {
		go func(docID string) {
			ss.sendSubscription(types.EventSubscribe, docID)
			ss.saveRemote(docID, true)
		}(docID)
	}
}

// saveRemote is the three-state transition. idle starts a push; pushing
// arms the double-buffer; pushingWithPending is already armed.
func (ss *ServerSync) saveRemote(docID string, probe bool) {
	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return
	}
	st, ok := ss.states[docID]
	if !ok {
		st = &docState{}
		ss.states[docID] = st
	}
	switch st.state {
	case idle:
		st.state = pushing
		ss.mu.Unlock()
		go ss.doPush(docID, probe)
	case pushing:
		st.state = pushingWithPending
		st.pendingProbe = st.pendingProbe || probe
		ss.mu.Unlock()
	case pushingWithPending:
		st.pendingProbe = st.pendingProbe || probe
		ss.mu.Unlock()
	}
}

// doPush runs the push loop for one doc until the state machine drains.
func (ss *ServerSync) doPush(docID string, probe bool) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = ss.opts.BackoffBase
	policy.MaxInterval = ss.opts.BackoffCap
	policy.MaxElapsedTime = 0

	for {
		if ss.isClosed() {
			ss.setIdle(docID)
			return
		}

		var batches []types.OperationBatch
		var clock int64
		err := ss.opts.Provider.Transaction(context.Background(), provider.ReadOnly, func(tx provider.Tx) error {
			stored, err := tx.GetSerializedDoc(docID)
			if err != nil {
				return err
			}
			if stored != nil {
				clock = stored.Clock
			}
			batches, err = tx.GetOperations(docID)
			return err
		})
		if err != nil {
			ss.log.Error("push read failed", zap.String("doc_id", docID), zap.Error(err))
			time.Sleep(policy.NextBackOff())
			continue
		}

		if len(batches) == 0 && !probe {
			if cont, nextProbe := ss.next(docID); cont {
				probe = nextProbe
				continue
			}
			return
		}

		res, err := ss.syncRPC(docID, batches, clock)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				ss.setIdle(docID)
				return
			}
			if errors.Is(err, transport.ErrNotConnected) {
				// Offline: go idle. The reconnect probe resumes the push.
				ss.setIdle(docID)
				return
			}
			ss.log.Warn("push failed, retrying",
				zap.String("doc_id", docID), zap.Error(err))
			time.Sleep(policy.NextBackOff())
			continue
		}
		policy.Reset()

		if err := ss.consolidate(docID, batches, res); err != nil {
			ss.log.Error("consolidation failed", zap.String("doc_id", docID), zap.Error(err))
			time.Sleep(policy.NextBackOff())
			continue
		}

		probe = false
		if cont, nextProbe := ss.next(docID); cont {
			probe = nextProbe
			continue
		}
		return
	}
}

func (ss *ServerSync) syncRPC(docID string, batches []types.OperationBatch, clock int64) (types.SyncResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ss.opts.RequestTimeout)
	defer cancel()

	raw, err := ss.opts.Transport.Request(ctx, types.EventSyncOperations, types.SyncRequest{
		DocID:      docID,
		Operations: batches,
		Clock:      clock,
	})
	if err != nil {
		return types.SyncResponse{}, err
	}
	var res types.SyncResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return types.SyncResponse{}, fmt.Errorf("decoding sync response: %w", err)
	}
	return res, nil
}

// consolidate commits a successful push: delete exactly the pushed batches,
// fold anything the server returned into the snapshot and the cached doc, and
// advance the stored clock. The stored snapshot always absorbs the pushed
// batches, so replaying the remaining log on it reproduces the cached doc.
func (ss *ServerSync) consolidate(docID string, pushed []types.OperationBatch, res types.SyncResponse) error {
	return ss.opts.Provider.Transaction(context.Background(), provider.ReadWrite, func(tx provider.Tx) error {
		// Exactly the batches read at push start. Ops appended while the
		// push was in flight stay queued.
		if err := tx.DeleteOperations(docID, len(pushed)); err != nil {
			return err
		}

		switch {
		case res.SerializedDoc != nil:
			// Server squashed past our clock: the snapshot replaces
			// local state, post-squash ops apply on top, and the
			// batches we just pushed are re-applied so they are not
			// lost when the snapshot predates them.
			ss.opts.Hooks.LoadSnapshot(docID, res.SerializedDoc)
			if len(res.Operations) > 0 {
				ss.opts.Hooks.ApplyRemote(docID, res.Operations)
			}
			serialized, cached := ss.opts.Hooks.Reapply(docID, pushed)
			if !cached {
				extra := append(append([]types.OperationBatch{}, res.Operations...), pushed...)
				folded, err := ss.fold(res.SerializedDoc, extra)
				if err != nil {
					return err
				}
				serialized = folded
			}
			return tx.SaveSerializedDoc(types.StoredDoc{DocID: docID, SerializedDoc: serialized, Clock: res.Clock})

		case len(res.Operations) > 0:
			ss.opts.Hooks.ApplyRemote(docID, res.Operations)
			serialized, cached := ss.opts.Hooks.Reapply(docID, nil)
			if !cached {
				stored, err := tx.GetSerializedDoc(docID)
				if err != nil {
					return err
				}
				var base types.SerializedDoc
				if stored != nil {
					base = stored.SerializedDoc
				}
				extra := append(append([]types.OperationBatch{}, pushed...), res.Operations...)
				serialized, err = ss.fold(base, extra)
				if err != nil {
					return err
				}
			}
			return tx.SaveSerializedDoc(types.StoredDoc{DocID: docID, SerializedDoc: serialized, Clock: res.Clock})

		default:
			serialized, cached := ss.opts.Hooks.Reapply(docID, nil)
			if !cached {
				stored, err := tx.GetSerializedDoc(docID)
				if err != nil {
					return err
				}
				var base types.SerializedDoc
				if stored != nil {
					base = stored.SerializedDoc
				}
				if base == nil && len(pushed) == 0 {
					return nil
				}
				if len(pushed) == 0 {
					stored.Clock = res.Clock
					return tx.SaveSerializedDoc(*stored)
				}
				serialized, err = ss.fold(base, pushed)
				if err != nil {
					return err
				}
			}
			return tx.SaveSerializedDoc(types.StoredDoc{DocID: docID, SerializedDoc: serialized, Clock: res.Clock})
		}
	})
}

// fold applies batches to a snapshot without a cached doc, via the binding.
func (ss *ServerSync) fold(base types.SerializedDoc, batches []types.OperationBatch) (types.SerializedDoc, error) {
	if base != nil && len(batches) == 0 {
		return base, nil
	}
	if base == nil {
		if m, ok := ss.opts.Binding.(binding.Materializer); ok {
			return m.Materialize(nil, batches)
		}
		return nil, fmt.Errorf("no snapshot to fold operations into")
	}
	doc, err := ss.opts.Binding.Deserialize(base)
	if err != nil {
		return nil, err
	}
	for _, b := range batches {
		if err := ss.opts.Binding.ApplyOperations(doc, b); err != nil {
			return nil, err
		}
	}
	return ss.opts.Binding.Serialize(doc)
}

// next consumes the pending slot: pushingWithPending loops another round,
// pushing drains to idle.
func (ss *ServerSync) next(docID string) (cont bool, probe bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	st, ok := ss.states[docID]
	if !ok {
		return false, false
	}
	if st.state == pushingWithPending {
		st.state = pushing
		probe = st.pendingProbe
		st.pendingProbe = false
		return true, probe
	}
	st.state = idle
	delete(ss.states, docID)
	return false, false
}

func (ss *ServerSync) setIdle(docID string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.states, docID)
}

func (ss *ServerSync) isClosed() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.closed
}
