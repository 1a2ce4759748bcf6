package serversync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docukit/docsync/internal/provider"
	"github.com/docukit/docsync/internal/transport"
	"github.com/docukit/docsync/internal/treedoc"
	"github.com/docukit/docsync/internal/types"
)

func batch(s string) types.OperationBatch {
	return types.OperationBatch(`{"batchId":"` + s + `","type":"indexDoc","ops":[]}`)
}

// fakeTransport drives a real server provider directly, with controllable
// latency, injected failures and in-flight accounting.
type fakeTransport struct {
	server provider.Server

	mu          sync.Mutex
	connected   bool
	onConnect   []func()
	latency     time.Duration
	failures    int
	syncReqs    []types.SyncRequest
	subscribes  []string
	inflight    int32
	maxInflight int32
	syncCalls   int32
}

func newFakeTransport(server provider.Server) *fakeTransport {
	return &fakeTransport{server: server, connected: true}
}

func (f *fakeTransport) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", transport.ErrNotConnected, event)
	}
	latency := f.latency
	server := f.server
	f.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	switch event {
	case types.EventSyncOperations:
		cur := atomic.AddInt32(&f.inflight, 1)
		defer atomic.AddInt32(&f.inflight, -1)
		for {
			max := atomic.LoadInt32(&f.maxInflight)
			if cur <= max || atomic.CompareAndSwapInt32(&f.maxInflight, max, cur) {
				break
			}
		}
		atomic.AddInt32(&f.syncCalls, 1)

		if latency > 0 {
			time.Sleep(latency)
		}

		f.mu.Lock()
		if f.failures > 0 {
			f.failures--
			f.mu.Unlock()
			return nil, fmt.Errorf("%w: injected", transport.ErrTransport)
		}
		f.mu.Unlock()

		var req types.SyncRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.syncReqs = append(f.syncReqs, req)
		f.mu.Unlock()

		res, err := server.Sync(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	case types.EventSubscribe:
		var req types.SubscribeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.subscribes = append(f.subscribes, req.DocID)
		f.mu.Unlock()
		return json.RawMessage(`{"ok":true}`), nil
	default:
		return json.RawMessage(`{"ok":true}`), nil
	}
}

func (f *fakeTransport) OnPush(h transport.PushHandler) {}
func (f *fakeTransport) OnConnect(h func()) {
	f.mu.Lock()
	f.onConnect = append(f.onConnect, h)
	f.mu.Unlock()
}
func (f *fakeTransport) OnDisconnect(h func()) {}
func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}
func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	handlers := append([]func(){}, f.onConnect...)
	f.mu.Unlock()
	for _, h := range handlers {
		h()
	}
	return nil
}
func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}
func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) requests() []types.SyncRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.SyncRequest, len(f.syncReqs))
	copy(out, f.syncReqs)
	return out
}

// fakeHooks records server results applied to the "cache".
type fakeHooks struct {
	mu       sync.Mutex
	cached   bool
	applied  map[string][]types.OperationBatch
	snapshot map[string]types.SerializedDoc
}

func newFakeHooks() *fakeHooks {
	return &fakeHooks{
		cached:   true,
		applied:  make(map[string][]types.OperationBatch),
		snapshot: make(map[string]types.SerializedDoc),
	}
}

func (h *fakeHooks) ApplyRemote(docID string, batches []types.OperationBatch) (types.SerializedDoc, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.cached {
		return nil, false
	}
	h.applied[docID] = append(h.applied[docID], batches...)
	return types.SerializedDoc(`{"type":"indexDoc","nodes":[],"applied":[]}`), true
}

func (h *fakeHooks) Reapply(docID string, batches []types.OperationBatch) (types.SerializedDoc, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.cached {
		return nil, false
	}
	return types.SerializedDoc(`{"type":"indexDoc","nodes":[],"applied":[]}`), true
}

func (h *fakeHooks) LoadSnapshot(docID string, s types.SerializedDoc) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.cached {
		return false
	}
	h.snapshot[docID] = s
	return true
}

func (h *fakeHooks) appliedFor(docID string) []types.OperationBatch {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]types.OperationBatch{}, h.applied[docID]...)
}

type harness struct {
	local     *provider.Memory
	server    *provider.ServerMemory
	transport *fakeTransport
	hooks     *fakeHooks
	sync      *ServerSync
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bind, err := treedoc.New("indexDoc")
	require.NoError(t, err)

	local := provider.NewMemory()
	server := provider.NewServerMemory(bind, 0)
	ft := newFakeTransport(server)
	hooks := newFakeHooks()

	ss, err := New(Options{
		Provider:    local,
		Transport:   ft,
		Binding:     bind,
		Hooks:       hooks,
		BackoffBase: 5 * time.Millisecond,
		BackoffCap:  20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(ss.Close)

	return &harness{local: local, server: server, transport: ft, hooks: hooks, sync: ss}
}

func (h *harness) storedOps(t *testing.T, docID string) []types.OperationBatch {
	t.Helper()
	var ops []types.OperationBatch
	err := h.local.Transaction(context.Background(), provider.ReadOnly, func(tx provider.Tx) error {
		var err error
		ops, err = tx.GetOperations(docID)
		return err
	})
	require.NoError(t, err)
	return ops
}

func (h *harness) storedClock(t *testing.T, docID string) int64 {
	t.Helper()
	var clock int64 = -1
	err := h.local.Transaction(context.Background(), provider.ReadOnly, func(tx provider.Tx) error {
		doc, err := tx.GetSerializedDoc(docID)
		if doc != nil {
			clock = doc.Clock
		}
		return err
	})
	require.NoError(t, err)
	return clock
}

func TestPushDrainsLogAndAdvancesClock(t *testing.T) {
	h := newHarness(t)

	err := h.sync.OnLocalOperations(context.Background(), "d1", []types.OperationBatch{batch("b1")})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(h.storedOps(t, "d1")) == 0 && h.storedClock(t, "d1") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAtMostOneInflightPushPerDoc(t *testing.T) {
	h := newHarness(t)
	h.transport.latency = 30 * time.Millisecond

	for i := 0; i < 10; i++ {
		err := h.sync.OnLocalOperations(context.Background(), "d1", []types.OperationBatch{batch(fmt.Sprintf("b%d", i))})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(h.storedOps(t, "d1")) == 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&h.transport.maxInflight))
	assert.LessOrEqual(t, atomic.LoadInt32(&h.transport.syncCalls), int32(2),
		"rapid edits must coalesce into at most two pushes")
	assert.Equal(t, int64(10), h.storedClock(t, "d1"),
		"server assigns one clock increment per accepted batch")
}

func TestConcurrentPushesForDistinctDocs(t *testing.T) {
	h := newHarness(t)
	h.transport.latency = 50 * time.Millisecond

	require.NoError(t, h.sync.OnLocalOperations(context.Background(), "d1", []types.OperationBatch{batch("a")}))
	require.NoError(t, h.sync.OnLocalOperations(context.Background(), "d2", []types.OperationBatch{batch("b")}))

	require.Eventually(t, func() bool {
		return len(h.storedOps(t, "d1")) == 0 && len(h.storedOps(t, "d2")) == 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(2), atomic.LoadInt32(&h.transport.maxInflight),
		"distinct docs may push concurrently")
}

func TestExactCountDeletionPreservesLateOps(t *testing.T) {
	h := newHarness(t)
	h.transport.latency = 50 * time.Millisecond

	require.NoError(t, h.sync.OnLocalOperations(context.Background(), "d1",
		[]types.OperationBatch{batch("a"), batch("b")}))

	// Appended while the first push is in flight.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, h.sync.OnLocalOperations(context.Background(), "d1",
		[]types.OperationBatch{batch("c")}))

	require.Eventually(t, func() bool {
		return len(h.storedOps(t, "d1")) == 0
	}, 5*time.Second, 10*time.Millisecond)

	reqs := h.transport.requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[0].Operations, 2)
	require.Len(t, reqs[1].Operations, 1)
	assert.Equal(t, batch("c"), reqs[1].Operations[0])
}

func TestPushRetriesOnTransportError(t *testing.T) {
	h := newHarness(t)
	h.transport.failures = 2

	require.NoError(t, h.sync.OnLocalOperations(context.Background(), "d1", []types.OperationBatch{batch("a")}))

	require.Eventually(t, func() bool {
		return len(h.storedOps(t, "d1")) == 0 && h.storedClock(t, "d1") == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, atomic.LoadInt32(&h.transport.syncCalls), int32(3))
}

func TestMissingOpsAppliedWithoutRepush(t *testing.T) {
	h := newHarness(t)

	// Another client already pushed a batch.
	_, err := h.server.Sync(context.Background(), types.SyncRequest{
		DocID: "d1", Operations: []types.OperationBatch{batch("other")}, Clock: 0,
	})
	require.NoError(t, err)

	require.NoError(t, h.sync.OnLocalOperations(context.Background(), "d1", []types.OperationBatch{batch("mine")}))

	require.Eventually(t, func() bool {
		return len(h.hooks.appliedFor("d1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, batch("other"), h.hooks.appliedFor("d1")[0])
	assert.Equal(t, int64(2), h.storedClock(t, "d1"))

	// Applying the received batch must not schedule another push carrying it.
	time.Sleep(50 * time.Millisecond)
	for _, req := range h.transport.requests() {
		for _, op := range req.Operations {
			assert.NotEqual(t, batch("other"), op, "received ops must never be re-pushed")
		}
	}
}

func TestReconnectReplaysSubscriptionsAndCatchesUp(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.transport.Disconnect())

	h.sync.SubscribeDoc("d1")

	// Ops arrive on the server while we are offline.
	_, err := h.server.Sync(context.Background(), types.SyncRequest{
		DocID: "d1", Operations: []types.OperationBatch{batch("offline")}, Clock: 0,
	})
	require.NoError(t, err)

	require.NoError(t, h.transport.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return len(h.hooks.appliedFor("d1")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.storedClock(t, "d1"))

	h.transport.mu.Lock()
	subs := append([]string{}, h.transport.subscribes...)
	h.transport.mu.Unlock()
	assert.Contains(t, subs, "d1")
}

func TestDirtyTriggersPull(t *testing.T) {
	h := newHarness(t)

	_, err := h.server.Sync(context.Background(), types.SyncRequest{
		DocID: "d1", Operations: []types.OperationBatch{batch("news")}, Clock: 0,
	})
	require.NoError(t, err)

	h.sync.HandleDirty("d1")

	require.Eventually(t, func() bool {
		return len(h.hooks.appliedFor("d1")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSquashResponseLoadsSnapshot(t *testing.T) {
	bind, err := treedoc.New("indexDoc")
	require.NoError(t, err)

	local := provider.NewMemory()
	server := provider.NewServerMemory(bind, 2) // squash after 2 batches
	ft := newFakeTransport(server)
	hooks := newFakeHooks()

	ss, err := New(Options{
		Provider: local, Transport: ft, Binding: bind, Hooks: hooks,
		BackoffBase: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	defer ss.Close()

	doc, _, err := bind.New("indexDoc", "")
	require.NoError(t, err)
	var batches []types.OperationBatch
	bind.OnChange(doc, func(b types.OperationBatch) { batches = append(batches, b) })
	doc.(*treedoc.Doc).AppendChild("a")
	doc.(*treedoc.Doc).AppendChild("b")

	// Another client pushes enough to cross the squash threshold.
	_, err = server.Sync(context.Background(), types.SyncRequest{DocID: "d1", Operations: batches, Clock: 0})
	require.NoError(t, err)

	ss.SaveRemote("d1")

	require.Eventually(t, func() bool {
		hooks.mu.Lock()
		defer hooks.mu.Unlock()
		return hooks.snapshot["d1"] != nil
	}, 2*time.Second, 10*time.Millisecond)

	var clock int64
	err = local.Transaction(context.Background(), provider.ReadOnly, func(tx provider.Tx) error {
		stored, err := tx.GetSerializedDoc("d1")
		require.NotNil(t, stored)
		clock = stored.Clock
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), clock)
}

func TestOfflinePushGoesIdleNotHotLoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.transport.Disconnect())

	require.NoError(t, h.sync.OnLocalOperations(context.Background(), "d1", []types.OperationBatch{batch("a")}))
	time.Sleep(50 * time.Millisecond)

	// Nothing reached the server and the op is still queued.
	assert.Zero(t, atomic.LoadInt32(&h.transport.syncCalls))
	assert.Len(t, h.storedOps(t, "d1"), 1)

	// Reconnecting resumes the push for subscribed docs.
	h.sync.SubscribeDoc("d1")
	require.NoError(t, h.transport.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return len(h.storedOps(t, "d1")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClockNonDecreasing(t *testing.T) {
	h := newHarness(t)

	var clocks []int64
	for i := 0; i < 5; i++ {
		require.NoError(t, h.sync.OnLocalOperations(context.Background(), "d1",
			[]types.OperationBatch{batch(fmt.Sprintf("b%d", i))}))
		require.Eventually(t, func() bool {
			return len(h.storedOps(t, "d1")) == 0
		}, 2*time.Second, 5*time.Millisecond)
		clocks = append(clocks, h.storedClock(t, "d1"))
	}

	for i := 1; i < len(clocks); i++ {
		assert.GreaterOrEqual(t, clocks[i], clocks[i-1])
	}
	assert.Equal(t, int64(5), clocks[len(clocks)-1])
}

func TestConsolidationFoldsWhenDocEvicted(t *testing.T) {
	h := newHarness(t)
	h.hooks.mu.Lock()
	h.hooks.cached = false
	h.hooks.mu.Unlock()

	bind, err := treedoc.New("indexDoc")
	require.NoError(t, err)
	doc, _, err := bind.New("indexDoc", "")
	require.NoError(t, err)
	var emitted types.OperationBatch
	bind.OnChange(doc, func(b types.OperationBatch) { emitted = b })
	doc.(*treedoc.Doc).AppendChild("from-other")

	_, err = h.server.Sync(context.Background(), types.SyncRequest{
		DocID: "d1", Operations: []types.OperationBatch{emitted}, Clock: 0,
	})
	require.NoError(t, err)

	h.sync.SaveRemote("d1")

	require.Eventually(t, func() bool {
		return h.storedClock(t, "d1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The snapshot was materialized through the binding even with no
	// cached doc to update.
	err = h.local.Transaction(context.Background(), provider.ReadOnly, func(tx provider.Tx) error {
		stored, err := tx.GetSerializedDoc("d1")
		require.NoError(t, err)
		require.NotNil(t, stored)
		restored, err := bind.Deserialize(stored.SerializedDoc)
		require.NoError(t, err)
		require.Len(t, restored.(*treedoc.Doc).Children(), 1)
		assert.Equal(t, "from-other", restored.(*treedoc.Doc).Children()[0].Value)
		return nil
	})
	require.NoError(t, err)
}

func TestUnauthorizedIsTransient(t *testing.T) {
	h := newHarness(t)

	calls := int32(0)
	// Flip the provider out from under the fake to fail twice with an
	// RPC-level rejection.
	h.transport.mu.Lock()
	orig := h.transport.server
	h.transport.server = serverFunc(func(ctx context.Context, req types.SyncRequest) (types.SyncResponse, error) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return types.SyncResponse{}, fmt.Errorf("%w: denied", transport.ErrUnauthorized)
		}
		return orig.Sync(ctx, req)
	})
	h.transport.mu.Unlock()

	require.NoError(t, h.sync.OnLocalOperations(context.Background(), "d1", []types.OperationBatch{batch("a")}))

	require.Eventually(t, func() bool {
		return len(h.storedOps(t, "d1")) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))
}

// serverFunc adapts a function to provider.Server for fault injection.
type serverFunc func(ctx context.Context, req types.SyncRequest) (types.SyncResponse, error)

func (f serverFunc) Sync(ctx context.Context, req types.SyncRequest) (types.SyncResponse, error) {
	return f(ctx, req)
}
func (f serverFunc) GetDoc(ctx context.Context, docID string) (*types.StoredDoc, error) {
	return nil, errors.New("not implemented")
}
func (f serverFunc) DeleteDoc(ctx context.Context, docID string) error { return nil }
func (f serverFunc) Close() error                                      { return nil }
