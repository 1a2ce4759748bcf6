// Package docsync wires the local-first sync engine: the in-memory doc cache,
// the per-doc push state machine, the local transactional store, the
// cross-process broadcast and the server transport.
package docsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docukit/docsync/internal/binding"
	"github.com/docukit/docsync/internal/broadcast"
	"github.com/docukit/docsync/internal/docstore"
	"github.com/docukit/docsync/internal/logging"
	"github.com/docukit/docsync/internal/provider"
	"github.com/docukit/docsync/internal/serversync"
	"github.com/docukit/docsync/internal/transport"
	"github.com/docukit/docsync/internal/types"
)

// Identity re-exports the user identity consumed at construction.
type Identity = types.Identity

// GetDocArgs re-exports the cache subscription arguments.
type GetDocArgs = docstore.GetDocArgs

// Result re-exports the callback result shape.
type Result = docstore.Result

// Statuses of a Result.
const (
	StatusLoading = docstore.StatusLoading
	StatusSuccess = docstore.StatusSuccess
	StatusError   = docstore.StatusError
)

// PresenceHandler receives presence merge patches for a doc.
type PresenceHandler func(event types.PresenceEvent)

// Options configures a Client. Provider, Binding, Transport and Broadcast are
// the four collaborators the engine is generic over.
type Options struct {
	Identity  Identity
	Binding   binding.Binding
	Provider  provider.Client
	Transport transport.Transport
	// Broadcast is the hub hosting the user-scoped cross-process channel.
	// Same-user clients must share a hub for sibling fan-out to work.
	Broadcast *broadcast.Hub
	Logger    *logging.Logger
}

// Client is the façade owning one identity's sync engine.
type Client struct {
	identity  Identity
	binding   binding.Binding
	provider  provider.Client
	transport transport.Transport
	channel   broadcast.Channel
	log       *logging.Logger

	store    *docstore.Store
	sync     *serversync.ServerSync
	presence PresenceHandler
}

// New wires a Client. The broadcast channel is opened on the user-scoped
// name, so two Clients with distinct user ids never observe each other.
func New(opts Options) (*Client, error) {
	if opts.Identity.UserID == "" {
		return nil, fmt.Errorf("identity user id is required")
	}
	if opts.Binding == nil || opts.Provider == nil || opts.Transport == nil || opts.Broadcast == nil {
		return nil, fmt.Errorf("binding, provider, transport and broadcast are required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	c := &Client{
		identity:  opts.Identity,
		binding:   opts.Binding,
		provider:  opts.Provider,
		transport: opts.Transport,
		channel:   opts.Broadcast.Channel(types.BroadcastChannelName(opts.Identity.UserID)),
		log:       opts.Logger,
	}

	store, err := docstore.New(docstore.Options{
		Binding:  opts.Binding,
		Provider: opts.Provider,
		Syncer:   &deferredSyncer{c: c},
		Channel:  c.channel,
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	c.store = store

	ss, err := serversync.New(serversync.Options{
		Provider:  opts.Provider,
		Transport: opts.Transport,
		Binding:   opts.Binding,
		Hooks:     store,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	c.sync = ss

	opts.Transport.OnPush(c.handlePush)
	return c, nil
}

// deferredSyncer breaks the construction cycle between the cache and the
// push machine.
type deferredSyncer struct{ c *Client }

func (d *deferredSyncer) OnLocalOperations(ctx context.Context, docID string, batches []types.OperationBatch) error {
	return d.c.sync.OnLocalOperations(ctx, docID, batches)
}
func (d *deferredSyncer) SaveRemote(docID string)     { d.c.sync.SaveRemote(docID) }
func (d *deferredSyncer) SubscribeDoc(docID string)   { d.c.sync.SubscribeDoc(docID) }
func (d *deferredSyncer) UnsubscribeDoc(docID string) { d.c.sync.UnsubscribeDoc(docID) }

func (c *Client) handlePush(event string, payload json.RawMessage) {
	switch event {
	case types.EventDirty:
		var ev types.DirtyEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return
		}
		c.sync.HandleDirty(ev.DocID)
	case types.EventPresencePush:
		var ev types.PresenceEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return
		}
		if c.presence != nil {
			c.presence(ev)
		}
	}
}

// GetDoc subscribes to a document; see docstore.Store.GetDoc.
func (c *Client) GetDoc(args GetDocArgs, cb docstore.Callback) (func(), error) {
	return c.store.GetDoc(args, cb)
}

// Connect opens the transport. Reconnect catch-up (subscription replay plus a
// probing push per subscribed doc) runs automatically.
func (c *Client) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// Disconnect drops the transport. The engine degrades to local-only; no error
// surfaces to GetDoc callers.
func (c *Client) Disconnect() error {
	return c.transport.Disconnect()
}

// Sync schedules a catch-up sync for the doc: pending local operations push,
// and anything new on the server pulls. With no pending operations it is a
// pure pull.
func (c *Client) Sync(docID string) {
	c.sync.SaveRemote(docID)
}

// SetPresence publishes this client's presence value for a doc.
func (c *Client) SetPresence(ctx context.Context, docID string, value json.RawMessage) error {
	_, err := c.transport.Request(ctx, types.EventPresence, types.PresenceRequest{DocID: docID, Presence: value})
	return err
}

// OnPresence registers the handler for presence patches. MergePresence
// implements the standard patch semantics.
func (c *Client) OnPresence(h PresenceHandler) {
	c.presence = h
}

// MergePresence applies a presence patch in place: keys carrying null are
// removed, everything else is set. Callers tracking their own socket id
// should skip it before merging.
func MergePresence(dst map[string]json.RawMessage, patch map[string]json.RawMessage) {
	for socketID, value := range patch {
		if value == nil || string(value) == "null" {
			delete(dst, socketID)
			continue
		}
		dst[socketID] = value
	}
}

// FetchServerDoc reads the server's current snapshot of a doc without
// touching the local store or cache. Returns nil when the server has never
// seen the doc.
func (c *Client) FetchServerDoc(ctx context.Context, docID string) (*types.GetDocResponse, error) {
	raw, err := c.transport.Request(ctx, types.EventGetDoc, types.GetDocRequest{DocID: docID})
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	var res types.GetDocResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decoding get-doc response: %w", err)
	}
	return &res, nil
}

// DeleteDoc removes the doc from the server store.
func (c *Client) DeleteDoc(ctx context.Context, docID string) error {
	_, err := c.transport.Request(ctx, types.EventDeleteDoc, types.DeleteDocRequest{DocID: docID})
	return err
}

// Close releases the engine: the push machine stops scheduling, the cache
// detaches from the broadcast channel, the channel endpoint closes and the
// transport shuts down.
func (c *Client) Close() error {
	c.sync.Close()
	c.store.Close()
	c.channel.Close()
	return c.transport.Close()
}
