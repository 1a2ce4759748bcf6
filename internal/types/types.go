package types

import (
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SerializedDoc is an opaque, JSON-representable snapshot of a document.
// It carries its own doc-type tag; only the binding looks inside.
type SerializedDoc = json.RawMessage

// OperationBatch is the opaque payload emitted by a single change of a
// document. Batches are the atomic unit of apply, store, push and broadcast.
type OperationBatch = json.RawMessage

var ulidMu sync.Mutex
var ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)

// NewDocID generates a lowercase ULID document id.
func NewDocID() string {
	ulidMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy)
	ulidMu.Unlock()
	return strings.ToLower(id.String())
}

// StoredDoc is the persisted snapshot payload for one document.
type StoredDoc struct {
	DocID         string        `json:"docId"`
	SerializedDoc SerializedDoc `json:"serializedDoc"`
	Clock         int64         `json:"clock"`
}

// StoredOps is one persisted operation batch for a document. Insertion order
// of StoredOps rows forms the FIFO push queue.
type StoredOps struct {
	DocID      string         `json:"docId"`
	Operations OperationBatch `json:"operations"`
}

// SyncRequest is the combined push+pull request keyed by the doc clock.
// Operations may be empty, in which case the sync is a pure pull.
type SyncRequest struct {
	DocID      string           `json:"docId"`
	Operations []OperationBatch `json:"operations"`
	Clock      int64            `json:"clock"`
}

// SyncResponse carries the server clock after the push plus anything the
// client is missing: operation batches in clock order, preceded by a full
// serialized snapshot when the server has squashed past the client's clock
// (the batches are then those after the squash).
type SyncResponse struct {
	DocID         string           `json:"docId"`
	Clock         int64            `json:"clock"`
	Operations    []OperationBatch `json:"operations,omitempty"`
	SerializedDoc SerializedDoc    `json:"serializedDoc,omitempty"`
}

// Client → server events. All are ack-able requests.
const (
	EventSyncOperations = "sync-operations"
	EventSubscribe      = "subscribe"
	EventUnsubscribe    = "unsubscribe"
	EventPresence       = "presence"
	EventDeleteDoc      = "delete-doc"
	EventGetDoc         = "get-doc"
)

// Server → client push events.
const (
	EventDirty        = "dirty"
	EventPresencePush = "presence"
)

// SubscribeRequest subscribes or unsubscribes the socket to a doc room.
type SubscribeRequest struct {
	DocID string `json:"docId"`
}

// DirtyEvent tells a subscriber that a doc has new server-side operations.
type DirtyEvent struct {
	DocID string `json:"docId"`
}

// PresenceRequest sets this socket's presence value for a doc.
type PresenceRequest struct {
	DocID    string          `json:"docId"`
	Presence json.RawMessage `json:"presence"`
}

// PresenceEvent is a merge patch of socket id → presence value. A null value
// removes the socket; null is used (not field omission) so removal survives
// JSON serialization.
type PresenceEvent struct {
	DocID    string                     `json:"docId"`
	Presence map[string]json.RawMessage `json:"presence"`
}

// DeleteDocRequest removes a doc from the server store.
type DeleteDocRequest struct {
	DocID string `json:"docId"`
}

// DeleteDocResponse acknowledges a delete.
type DeleteDocResponse struct {
	Success bool `json:"success"`
}

// GetDocRequest fetches the server's current snapshot for a doc.
type GetDocRequest struct {
	DocID string `json:"docId"`
}

// GetDocResponse is the snapshot fetch result. When the server has never seen
// the doc the relay acks null instead of a GetDocResponse.
type GetDocResponse struct {
	SerializedDoc SerializedDoc `json:"serializedDoc"`
	Clock         int64         `json:"clock"`
}

// AuthPayload is carried by every new connection.
type AuthPayload struct {
	Token    string `json:"token"`
	DeviceID string `json:"deviceId"`
}

// Identity names a local user. The secret is handed to storage drivers for
// at-rest encryption; the engine itself never persists it.
type Identity struct {
	UserID string
	Secret string
}

// BroadcastChannelName is the cross-process channel for one user. Only
// same-user processes share it.
func BroadcastChannelName(userID string) string {
	return "docsync:" + userID
}

// LocalDatabaseName namespaces the local store by user so different
// identities on one device cannot collide.
func LocalDatabaseName(userID string) string {
	return "docsync-" + userID
}
