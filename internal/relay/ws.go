package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/docukit/docsync/internal/transport"
	"github.com/docukit/docsync/internal/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSocket adapts one websocket connection to the transport.Socket the relay
// pushes into.
type wsSocket struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *wsSocket) ID() string { return s.id }

func (s *wsSocket) Push(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.write(transport.Envelope{Kind: transport.KindPush, Event: event, Payload: raw})
}

func (s *wsSocket) write(env transport.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(env)
}

// Handler returns the HTTP routes for the relay: the websocket endpoint at
// /ws and prometheus metrics at /metrics.
func Handler(r *Relay, gatherer prometheus.Gatherer) http.Handler {
	mux := chi.NewRouter()
	mux.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
		serveSocket(r, w, req)
	})
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func serveSocket(r *Relay, w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	sock := &wsSocket{id: uuid.NewString(), conn: conn}
	defer conn.Close()

	// The first frame must be the auth payload.
	var hello transport.Envelope
	if err := conn.ReadJSON(&hello); err != nil {
		return
	}
	var authPayload types.AuthPayload
	if hello.Event != "auth" || json.Unmarshal(hello.Payload, &authPayload) != nil {
		sock.write(transport.Envelope{Kind: transport.KindAck, Event: "auth", Error: "no token provided"})
		return
	}
	if err := r.Connect(sock, authPayload); err != nil {
		sock.write(transport.Envelope{Kind: transport.KindAck, Event: "auth", Error: err.Error()})
		return
	}
	sock.write(transport.Envelope{Kind: transport.KindAck, Event: "auth"})
	defer r.Disconnect(sock.id)

	for {
		var env transport.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if env.Kind != transport.KindRequest {
			continue
		}
		// Per-socket requests are handled serially; concurrency exists
		// across sockets.
		handleRequest(r, sock, env)
	}
}

func handleRequest(r *Relay, sock *wsSocket, env transport.Envelope) {
	res, err := r.Dispatch(context.Background(), sock.id, env.Event, env.Payload)
	ack := transport.Envelope{Kind: transport.KindAck, Seq: env.Seq, Event: env.Event}
	if err != nil {
		ack.Error = err.Error()
	} else {
		raw, merr := json.Marshal(res)
		if merr != nil {
			ack.Error = merr.Error()
		} else {
			ack.Payload = raw
		}
	}
	if err := sock.write(ack); err != nil {
		r.log.Warn("ack write failed", zap.Error(err))
	}
}
