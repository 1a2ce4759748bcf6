package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docukit/docsync/internal/types"
)

// Pipe is an in-process Transport wired directly to a Server. It stands in
// for a real socket in tests and single-process deployments: connects and
// disconnects are explicit, and an optional round-trip latency models a slow
// network.
type Pipe struct {
	server Server
	auth   types.AuthPayload

	mu          sync.Mutex
	socketID    string
	connected   bool
	closed      bool
	latency     time.Duration
	pushHandler PushHandler
	onConnect   []func()
	onDisc      []func()
}

// NewPipe creates a disconnected pipe to the given server.
func NewPipe(server Server, auth types.AuthPayload) *Pipe {
	return &Pipe{server: server, auth: auth}
}

// SetLatency sets a one-way artificial delay applied to requests.
func (p *Pipe) SetLatency(d time.Duration) {
	p.mu.Lock()
	p.latency = d
	p.mu.Unlock()
}

type pipeSocket struct {
	id   string
	pipe *Pipe
}

func (s *pipeSocket) ID() string { return s.id }

func (s *pipeSocket) Push(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding push: %w", err)
	}
	s.pipe.mu.Lock()
	ok := s.pipe.connected && s.pipe.socketID == s.id
	h := s.pipe.pushHandler
	s.pipe.mu.Unlock()
	if !ok || h == nil {
		return nil
	}
	// Delivered off the server's goroutine, like a real socket write.
	go h(event, raw)
	return nil
}

func (p *Pipe) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.connected {
		p.mu.Unlock()
		return nil
	}
	sock := &pipeSocket{id: uuid.NewString(), pipe: p}
	p.socketID = sock.id
	p.mu.Unlock()

	if err := p.server.Connect(sock, p.auth); err != nil {
		return err
	}

	p.mu.Lock()
	p.connected = true
	handlers := append([]func(){}, p.onConnect...)
	p.mu.Unlock()
	for _, h := range handlers {
		h()
	}
	return nil
}

func (p *Pipe) Disconnect() error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil
	}
	p.connected = false
	id := p.socketID
	handlers := append([]func(){}, p.onDisc...)
	p.mu.Unlock()

	p.server.Disconnect(id)
	for _, h := range handlers {
		h()
	}
	return nil
}

func (p *Pipe) Close() error {
	if err := p.Disconnect(); err != nil {
		return err
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *Pipe) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Pipe) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if !p.connected {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, event)
	}
	id := p.socketID
	latency := p.latency
	p.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
		}
	}

	res, err := p.server.Dispatch(ctx, id, event, raw)
	if err != nil {
		return nil, err
	}

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
		}
	}

	out, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	return out, nil
}

func (p *Pipe) OnPush(h PushHandler) {
	p.mu.Lock()
	p.pushHandler = h
	p.mu.Unlock()
}

func (p *Pipe) OnConnect(h func()) {
	p.mu.Lock()
	p.onConnect = append(p.onConnect, h)
	p.mu.Unlock()
}

func (p *Pipe) OnDisconnect(h func()) {
	p.mu.Lock()
	p.onDisc = append(p.onDisc, h)
	p.mu.Unlock()
}

var _ Transport = (*Pipe)(nil)
