package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/docukit/docsync/internal/types"
)

var (
	// ErrTransport marks transient channel failures. Callers retry; a
	// subscription is re-sent on reconnect.
	ErrTransport = errors.New("transport error")

	// ErrNotConnected is a transient failure: the channel is down and no
	// request can be sent right now.
	ErrNotConnected = errors.New("not connected")

	// ErrAuthRejected is fatal for the connection; the transport must not
	// auto-reconnect without a new token.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrUnauthorized is a per-RPC rejection surfaced from an ack.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport closed")
)

// Envelope frames every message on the wire. Requests carry a Seq that the
// matching ack echoes back; pushes have no Seq.
type Envelope struct {
	Kind    string          `json:"kind"` // req | ack | push
	Seq     uint64          `json:"seq,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

const (
	KindRequest = "req"
	KindAck     = "ack"
	KindPush    = "push"
)

// PushHandler receives server-initiated events.
type PushHandler func(event string, payload json.RawMessage)

// Transport is the client side of the bidirectional message channel.
type Transport interface {
	// Request sends an event and awaits its ack. Channel failures surface
	// as ErrTransport. The WebSocket transport wraps a server-side {error}
	// ack in ErrUnauthorized; Pipe returns the server's error unchanged.
	Request(ctx context.Context, event string, payload any) (json.RawMessage, error)

	// OnPush registers the handler for server-initiated events.
	OnPush(h PushHandler)

	// OnConnect handlers fire after every successful (re)connect.
	OnConnect(h func())

	// OnDisconnect handlers fire when the channel drops.
	OnDisconnect(h func())

	Connected() bool
	Connect(ctx context.Context) error
	Disconnect() error
	Close() error
}

// Socket is the server's handle on one connected client.
type Socket interface {
	ID() string
	Push(event string, payload any) error
}

// Server accepts sockets and dispatches their requests. The relay implements
// it; transports (websocket endpoint, in-process pipe) drive it.
type Server interface {
	// Connect performs the auth handshake. A non-nil error rejects the
	// socket.
	Connect(sock Socket, auth types.AuthPayload) error

	// Disconnect removes the socket and runs its cleanup (rooms,
	// presence).
	Disconnect(socketID string)

	// Dispatch handles one acked request and returns the ack payload.
	Dispatch(ctx context.Context, socketID string, event string, payload json.RawMessage) (any, error)
}
