package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/docukit/docsync/internal/logging"
	"github.com/docukit/docsync/internal/monitoring"
	"github.com/docukit/docsync/internal/provider"
	"github.com/docukit/docsync/internal/tracing"
	"github.com/docukit/docsync/internal/transport"
	"github.com/docukit/docsync/internal/types"
)

var (
	errNoToken      = errors.New("no token provided")
	errInvalidToken = errors.New("invalid token")
	errUnknownSock  = errors.New("unknown socket")
	errRateLimited  = errors.New("rate limited")
	errUnauthorized = errors.New("unauthorized")
)

// AuthResult is what an Authenticator returns for a valid token.
type AuthResult struct {
	UserID  string
	Context json.RawMessage
}

// Authenticator validates a connection token. Returning (nil, nil) rejects
// the token; a non-nil error is an internal failure and also rejects.
type Authenticator func(ctx context.Context, token string) (*AuthResult, error)

// AuthorizeInfo describes one sync request for the per-RPC authorize hook.
type AuthorizeInfo struct {
	UserID  string
	DocID   string
	Context json.RawMessage
}

// ConnectInfo is handed to the connect/disconnect callbacks.
type ConnectInfo struct {
	SocketID string
	UserID   string
	DeviceID string
	Context  json.RawMessage
}

// SyncRequestInfo is handed to the OnSyncRequest callback after every
// sync-operations RPC.
type SyncRequestInfo struct {
	SocketID   string
	UserID     string
	DeviceID   string
	DocID      string
	BatchCount int
	Status     string // ok | error
	Duration   time.Duration
}

// OkResponse acknowledges subscribe/unsubscribe/presence requests.
type OkResponse struct {
	OK bool `json:"ok"`
}

// Options configures a Relay.
type Options struct {
	Provider     provider.Server
	Authenticate Authenticator
	// Authorize, when set, gates each sync-operations request.
	Authorize func(ctx context.Context, info AuthorizeInfo) bool
	Logger    *logging.Logger
	Metrics   *monitoring.Metrics
	// RateLimit bounds per-socket request throughput; zero disables it.
	RateLimit rate.Limit
	RateBurst int

	OnClientConnect    func(ConnectInfo)
	OnClientDisconnect func(ConnectInfo)
	OnSyncRequest      func(SyncRequestInfo)
}

type socketState struct {
	sock     transport.Socket
	userID   string
	deviceID string
	authCtx  json.RawMessage
	docIDs   map[string]struct{}
	limiter  *rate.Limiter
}

// Relay is the server: it owns room membership, presence, the sync RPC
// dispatch and the dirty fan-out. One Relay serves any number of sockets from
// any transport endpoint.
type Relay struct {
	opts Options
	log  *logging.Logger

	mu       sync.Mutex
	sockets  map[string]*socketState
	rooms    map[string]map[string]struct{}
	presence map[string]map[string]json.RawMessage
}

// New constructs a Relay. Provider and Authenticate are required.
func New(opts Options) (*Relay, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if opts.Authenticate == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Relay{
		opts:     opts,
		log:      opts.Logger,
		sockets:  make(map[string]*socketState),
		rooms:    make(map[string]map[string]struct{}),
		presence: make(map[string]map[string]json.RawMessage),
	}, nil
}

// Connect performs the handshake for a new socket.
func (r *Relay) Connect(sock transport.Socket, auth types.AuthPayload) error {
	if auth.Token == "" {
		r.rejection()
		return errNoToken
	}
	result, err := r.opts.Authenticate(context.Background(), auth.Token)
	if err != nil || result == nil {
		r.rejection()
		return errInvalidToken
	}

	state := &socketState{
		sock:     sock,
		userID:   result.UserID,
		deviceID: auth.DeviceID,
		authCtx:  result.Context,
		docIDs:   make(map[string]struct{}),
	}
	if r.opts.RateLimit > 0 {
		burst := r.opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		state.limiter = rate.NewLimiter(r.opts.RateLimit, burst)
	}

	r.mu.Lock()
	r.sockets[sock.ID()] = state
	r.mu.Unlock()

	if r.opts.Metrics != nil {
		r.opts.Metrics.ActiveSockets.Inc()
	}
	r.log.Info("client connected",
		zap.String("socket_id", sock.ID()),
		zap.String("user_id", result.UserID),
		zap.String("device_id", auth.DeviceID))

	if r.opts.OnClientConnect != nil {
		r.opts.OnClientConnect(ConnectInfo{
			SocketID: sock.ID(),
			UserID:   result.UserID,
			DeviceID: auth.DeviceID,
			Context:  result.Context,
		})
	}
	return nil
}

// Disconnect removes a socket. Every room the socket participated in gets a
// presence patch with an explicit null for that socket, then the socket is
// deleted from rooms and presence.
func (r *Relay) Disconnect(socketID string) {
	r.mu.Lock()
	state, ok := r.sockets[socketID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sockets, socketID)

	type cleanup struct {
		docID string
		peers []transport.Socket
	}
	var cleanups []cleanup
	for docID := range state.docIDs {
		cleanups = append(cleanups, cleanup{docID: docID, peers: r.roomPeersLocked(docID, socketID)})
		if room, ok := r.rooms[docID]; ok {
			delete(room, socketID)
			if len(room) == 0 {
				delete(r.rooms, docID)
			}
		}
		if p, ok := r.presence[docID]; ok {
			delete(p, socketID)
			if len(p) == 0 {
				delete(r.presence, docID)
			}
		}
	}
	r.mu.Unlock()

	for _, c := range cleanups {
		patch := types.PresenceEvent{
			DocID:    c.docID,
			Presence: map[string]json.RawMessage{socketID: json.RawMessage("null")},
		}
		for _, peer := range c.peers {
			if err := peer.Push(types.EventPresencePush, patch); err != nil {
				r.log.Warn("presence cleanup push failed", zap.Error(err))
			}
		}
		if r.opts.Metrics != nil {
			r.opts.Metrics.PresenceUpdates.Inc()
		}
	}

	if r.opts.Metrics != nil {
		r.opts.Metrics.ActiveSockets.Dec()
		r.opts.Metrics.RoomSubscriptions.Sub(float64(len(state.docIDs)))
	}
	r.log.Info("client disconnected",
		zap.String("socket_id", socketID),
		zap.String("user_id", state.userID))

	if r.opts.OnClientDisconnect != nil {
		r.opts.OnClientDisconnect(ConnectInfo{
			SocketID: socketID,
			UserID:   state.userID,
			DeviceID: state.deviceID,
			Context:  state.authCtx,
		})
	}
}

// Dispatch routes one acked request.
func (r *Relay) Dispatch(ctx context.Context, socketID string, event string, payload json.RawMessage) (any, error) {
	r.mu.Lock()
	state, ok := r.sockets[socketID]
	r.mu.Unlock()
	if !ok {
		return nil, errUnknownSock
	}
	if state.limiter != nil && !state.limiter.Allow() {
		return nil, errRateLimited
	}

	switch event {
	case types.EventSyncOperations:
		return r.handleSync(ctx, socketID, state, payload)
	case types.EventSubscribe:
		var req types.SubscribeRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decoding subscribe: %w", err)
		}
		r.joinRoom(socketID, state, req.DocID)
		return OkResponse{OK: true}, nil
	case types.EventUnsubscribe:
		var req types.SubscribeRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decoding unsubscribe: %w", err)
		}
		r.leaveRoom(socketID, state, req.DocID)
		return OkResponse{OK: true}, nil
	case types.EventPresence:
		var req types.PresenceRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decoding presence: %w", err)
		}
		r.handlePresence(socketID, req)
		return OkResponse{OK: true}, nil
	case types.EventDeleteDoc:
		var req types.DeleteDocRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decoding delete-doc: %w", err)
		}
		if err := r.opts.Provider.DeleteDoc(ctx, req.DocID); err != nil {
			return nil, err
		}
		return types.DeleteDocResponse{Success: true}, nil
	case types.EventGetDoc:
		var req types.GetDocRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decoding get-doc: %w", err)
		}
		doc, err := r.opts.Provider.GetDoc(ctx, req.DocID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, nil
		}
		return types.GetDocResponse{SerializedDoc: doc.SerializedDoc, Clock: doc.Clock}, nil
	default:
		return nil, fmt.Errorf("unknown event %q", event)
	}
}

func (r *Relay) handleSync(ctx context.Context, socketID string, state *socketState, payload json.RawMessage) (any, error) {
	started := time.Now()
	var req types.SyncRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding sync-operations: %w", err)
	}

	ctx, span := tracing.StartSpan(ctx, "relay.sync",
		attribute.String("doc_id", req.DocID),
		attribute.Int("batches", len(req.Operations)))
	defer span.End()

	info := SyncRequestInfo{
		SocketID:   socketID,
		UserID:     state.userID,
		DeviceID:   state.deviceID,
		DocID:      req.DocID,
		BatchCount: len(req.Operations),
	}

	if r.opts.Authorize != nil && !r.opts.Authorize(ctx, AuthorizeInfo{
		UserID:  state.userID,
		DocID:   req.DocID,
		Context: state.authCtx,
	}) {
		info.Status = "error"
		info.Duration = time.Since(started)
		r.emitSyncRequest(info, true)
		return nil, errUnauthorized
	}

	// First sync implicitly subscribes.
	r.joinRoom(socketID, state, req.DocID)

	res, err := r.opts.Provider.Sync(ctx, req)
	if err != nil {
		info.Status = "error"
		info.Duration = time.Since(started)
		r.emitSyncRequest(info, true)
		return nil, err
	}

	if len(req.Operations) > 0 {
		r.broadcastDirty(req.DocID, socketID)
		if r.opts.Metrics != nil {
			r.opts.Metrics.OperationsPushed.Add(float64(len(req.Operations)))
		}
	}

	info.Status = "ok"
	info.Duration = time.Since(started)
	r.emitSyncRequest(info, false)
	return res, nil
}

func (r *Relay) emitSyncRequest(info SyncRequestInfo, failed bool) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.SyncRequests.Inc()
		r.opts.Metrics.SyncDuration.Observe(info.Duration.Seconds())
		if failed {
			r.opts.Metrics.SyncErrors.Inc()
		}
	}
	if r.opts.OnSyncRequest != nil {
		r.opts.OnSyncRequest(info)
	}
}

func (r *Relay) handlePresence(socketID string, req types.PresenceRequest) {
	r.mu.Lock()
	if r.presence[req.DocID] == nil {
		r.presence[req.DocID] = make(map[string]json.RawMessage)
	}
	r.presence[req.DocID][socketID] = req.Presence
	peers := r.roomPeersLocked(req.DocID, socketID)
	r.mu.Unlock()

	patch := types.PresenceEvent{
		DocID:    req.DocID,
		Presence: map[string]json.RawMessage{socketID: req.Presence},
	}
	for _, peer := range peers {
		if err := peer.Push(types.EventPresencePush, patch); err != nil {
			r.log.Warn("presence push failed", zap.Error(err))
		}
	}
	if r.opts.Metrics != nil {
		r.opts.Metrics.PresenceUpdates.Inc()
	}
}

func (r *Relay) broadcastDirty(docID, senderID string) {
	r.mu.Lock()
	peers := r.roomPeersLocked(docID, senderID)
	r.mu.Unlock()

	for _, peer := range peers {
		if err := peer.Push(types.EventDirty, types.DirtyEvent{DocID: docID}); err != nil {
			r.log.Warn("dirty push failed", zap.Error(err))
		}
	}
	if r.opts.Metrics != nil && len(peers) > 0 {
		r.opts.Metrics.DirtyBroadcasts.Add(float64(len(peers)))
	}
}

func (r *Relay) joinRoom(socketID string, state *socketState, docID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := state.docIDs[docID]; ok {
		return
	}
	state.docIDs[docID] = struct{}{}
	if r.rooms[docID] == nil {
		r.rooms[docID] = make(map[string]struct{})
	}
	r.rooms[docID][socketID] = struct{}{}
	if r.opts.Metrics != nil {
		r.opts.Metrics.RoomSubscriptions.Inc()
	}
}

func (r *Relay) leaveRoom(socketID string, state *socketState, docID string) {
	r.mu.Lock()
	hadPresence := false
	if _, ok := state.docIDs[docID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(state.docIDs, docID)
	if room, ok := r.rooms[docID]; ok {
		delete(room, socketID)
		if len(room) == 0 {
			delete(r.rooms, docID)
		}
	}
	if p, ok := r.presence[docID]; ok {
		if _, had := p[socketID]; had {
			hadPresence = true
			delete(p, socketID)
			if len(p) == 0 {
				delete(r.presence, docID)
			}
		}
	}
	peers := r.roomPeersLocked(docID, socketID)
	r.mu.Unlock()

	if hadPresence {
		patch := types.PresenceEvent{
			DocID:    docID,
			Presence: map[string]json.RawMessage{socketID: json.RawMessage("null")},
		}
		for _, peer := range peers {
			if err := peer.Push(types.EventPresencePush, patch); err != nil {
				r.log.Warn("presence push failed", zap.Error(err))
			}
		}
	}
	if r.opts.Metrics != nil {
		r.opts.Metrics.RoomSubscriptions.Dec()
	}
}

// roomPeersLocked returns the sockets in the doc's room other than exclude.
// Caller holds r.mu.
func (r *Relay) roomPeersLocked(docID, exclude string) []transport.Socket {
	var peers []transport.Socket
	for id := range r.rooms[docID] {
		if id == exclude {
			continue
		}
		if s, ok := r.sockets[id]; ok {
			peers = append(peers, s.sock)
		}
	}
	return peers
}

func (r *Relay) rejection() {
	if r.opts.Metrics != nil {
		r.opts.Metrics.AuthRejections.Inc()
	}
}

var _ transport.Server = (*Relay)(nil)
