package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/docukit/docsync/internal/logging"
	"github.com/docukit/docsync/internal/types"
)

// WebSocket is the production Transport: a single connection multiplexing
// every document, with request/ack correlation by sequence number and
// automatic reconnection with exponential backoff.
type WebSocket struct {
	endpoint string
	auth     types.AuthPayload
	log      *logging.Logger

	seq uint64

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	closed      bool
	pending     map[uint64]chan Envelope
	pushHandler PushHandler
	onConnect   []func()
	onDisc      []func()
	writeMu     sync.Mutex
}

// NewWebSocket creates a disconnected websocket transport for the endpoint
// (e.g. "ws://host:port/ws").
func NewWebSocket(endpoint string, auth types.AuthPayload, log *logging.Logger) *WebSocket {
	if log == nil {
		log = logging.Nop()
	}
	return &WebSocket{
		endpoint: endpoint,
		auth:     auth,
		log:      log,
		pending:  make(map[uint64]chan Envelope),
	}
}

func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.connected {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	conn, err := w.dial(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	handlers := append([]func(){}, w.onConnect...)
	w.mu.Unlock()

	go w.readLoop(conn)
	for _, h := range handlers {
		h()
	}
	return nil
}

// dial opens the socket and performs the auth handshake: the auth payload is
// the first frame, and the server answers with an auth ack before anything
// else flows.
func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrTransport, w.endpoint, err)
	}

	if err := conn.WriteJSON(Envelope{Kind: KindRequest, Event: "auth", Payload: mustMarshal(w.auth)}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: sending auth: %v", ErrTransport, err)
	}

	var ack Envelope
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: reading auth ack: %v", ErrTransport, err)
	}
	if ack.Error != "" {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrAuthRejected, ack.Error)
	}
	return conn, nil
}

func (w *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			w.handleDrop(conn, err)
			return
		}
		switch env.Kind {
		case KindAck:
			w.mu.Lock()
			ch, ok := w.pending[env.Seq]
			delete(w.pending, env.Seq)
			w.mu.Unlock()
			if ok {
				ch <- env
			}
		case KindPush:
			w.mu.Lock()
			h := w.pushHandler
			w.mu.Unlock()
			if h != nil {
				h(env.Event, env.Payload)
			}
		}
	}
}

// handleDrop tears down a broken connection and, unless the transport was
// closed or disconnected on purpose, starts the reconnect loop.
func (w *WebSocket) handleDrop(conn *websocket.Conn, cause error) {
	w.mu.Lock()
	if w.conn != conn {
		// Already superseded; nothing to do.
		w.mu.Unlock()
		return
	}
	w.conn = nil
	w.connected = false
	closed := w.closed
	for seq, ch := range w.pending {
		delete(w.pending, seq)
		ch <- Envelope{Kind: KindAck, Seq: seq, Error: "connection lost"}
	}
	handlers := append([]func(){}, w.onDisc...)
	w.mu.Unlock()

	conn.Close()
	for _, h := range handlers {
		h()
	}
	if closed {
		return
	}
	w.log.Warn("connection dropped, reconnecting", zap.Error(cause))
	go w.reconnect()
}

func (w *WebSocket) reconnect() {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 0 // retry until closed

	op := func() error {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return backoff.Permanent(ErrClosed)
		}
		w.mu.Unlock()
		err := w.Connect(context.Background())
		if errors.Is(err, ErrAuthRejected) {
			// A rejected token is never retried; reconnecting needs a new one.
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, policy); err != nil && err != ErrClosed {
		w.log.Error("reconnect abandoned", zap.Error(err))
	}
}

func (w *WebSocket) Disconnect() error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.connected = false
	// Clearing w.conn first makes the read loop's drop handler a no-op,
	// so an explicit disconnect never triggers the reconnect loop.
	handlers := append([]func(){}, w.onDisc...)
	w.mu.Unlock()

	if conn != nil {
		conn.Close()
		for _, h := range handlers {
			h()
		}
	}
	return nil
}

func (w *WebSocket) Close() error {
	w.mu.Lock()
	w.closed = true
	conn := w.conn
	w.conn = nil
	w.connected = false
	w.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return nil
}

func (w *WebSocket) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

func (w *WebSocket) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrClosed
	}
	if !w.connected || w.conn == nil {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, event)
	}
	conn := w.conn
	seq := atomic.AddUint64(&w.seq, 1)
	ch := make(chan Envelope, 1)
	w.pending[seq] = ch
	w.mu.Unlock()

	w.writeMu.Lock()
	err = conn.WriteJSON(Envelope{Kind: KindRequest, Seq: seq, Event: event, Payload: raw})
	w.writeMu.Unlock()
	if err != nil {
		w.mu.Lock()
		delete(w.pending, seq)
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: writing %s: %v", ErrTransport, event, err)
	}

	select {
	case ack := <-ch:
		if ack.Error != "" {
			if ack.Error == "connection lost" {
				return nil, fmt.Errorf("%w: %s", ErrTransport, ack.Error)
			}
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, ack.Error)
		}
		return ack.Payload, nil
	case <-ctx.Done():
		w.mu.Lock()
		delete(w.pending, seq)
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
	}
}

func (w *WebSocket) OnPush(h PushHandler) {
	w.mu.Lock()
	w.pushHandler = h
	w.mu.Unlock()
}

func (w *WebSocket) OnConnect(h func()) {
	w.mu.Lock()
	w.onConnect = append(w.onConnect, h)
	w.mu.Unlock()
}

func (w *WebSocket) OnDisconnect(h func()) {
	w.mu.Lock()
	w.onDisc = append(w.onDisc, h)
	w.mu.Unlock()
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

var _ Transport = (*WebSocket)(nil)
