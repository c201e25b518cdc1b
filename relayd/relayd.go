// Package relayd is the network-facing half of the relay: an HTTP server
// that upgrades /rooms/{room} to a websocket, feeds payloads through the
// room table, and answers a plain liveness probe on the same port.
//
// Authentication and authorization happen upstream; by the time a
// connection reaches this daemon the caller is assumed to be allowed into
// the room.
package relayd

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/coder/websocket"

	"github.com/tandemhq/tandem/httpapi"
	"github.com/tandemhq/tandem/relayd/relay"
)

// Options configures a Server. Logger is required; everything else has a
// default.
type Options struct {
	Logger             slog.Logger
	Clock              quartz.Clock
	HeartbeatInterval  time.Duration
	PrometheusRegistry *prometheus.Registry
}

// Server routes HTTP traffic into the relay.
type Server struct {
	logger slog.Logger
	relay  *relay.Relay
	router chi.Router

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// HealthzResponse is the body of the liveness probe.
type HealthzResponse struct {
	Healthy bool `json:"healthy"`
	Rooms   int  `json:"rooms"`
}

func New(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.PrometheusRegistry == nil {
		opts.PrometheusRegistry = prometheus.NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger: opts.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
	s.relay = relay.New(ctx, relay.Options{
		Logger:            opts.Logger,
		Clock:             opts.Clock,
		HeartbeatInterval: opts.HeartbeatInterval,
		Metrics:           relay.NewMetrics(opts.PrometheusRegistry),
	})

	r := chi.NewRouter()
	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.PrometheusRegistry, promhttp.HandlerOpts{}))
	r.Get("/rooms/{room}", s.handleRoom)
	s.router = r
	return s
}

// Handler returns the daemon's HTTP handler, for mounting on a listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close stops the heartbeat sweep, closes every connection, and waits for
// in-flight handlers to drain.
func (s *Server) Close() {
	s.cancel()
	s.relay.Close()
	s.wg.Wait()
}

func (s *Server) healthz(rw http.ResponseWriter, r *http.Request) {
	httpapi.Write(r.Context(), rw, http.StatusOK, HealthzResponse{
		Healthy: true,
		Rooms:   s.relay.Rooms(),
	})
}

func (s *Server) handleRoom(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	roomID := chi.URLParam(r, "room")
	if roomID == "" {
		httpapi.Write(ctx, rw, http.StatusBadRequest, httpapi.Response{
			Message: "Room identifier is required.",
		})
		return
	}
	if err := s.ctx.Err(); err != nil {
		httpapi.Write(ctx, rw, http.StatusServiceUnavailable, httpapi.Response{
			Message: "No longer accepting connections.",
			Detail:  err.Error(),
		})
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	wsConn, err := websocket.Accept(rw, r, nil)
	if err != nil {
		s.logger.Debug(ctx, "websocket accept", slog.Error(err))
		return
	}
	wsConn.SetReadLimit(1 << 22)

	conn, err := s.relay.Join(roomID, wsPeer{conn: wsConn})
	if err != nil {
		_ = wsConn.Close(websocket.StatusGoingAway, "relay shutting down")
		return
	}
	s.logger.Info(ctx, "accepted connection",
		slog.F("connection_id", conn.ID), slog.F("room", roomID))

	// The read loop owns the connection's lifetime: any read error, protocol
	// or transport, terminates this connection and only this connection.
	defer s.relay.Disconnect(conn, "connection closed")
	for {
		_, payload, err := wsConn.Read(ctx)
		if err != nil {
			s.logger.Debug(ctx, "connection read ended",
				slog.F("connection_id", conn.ID), slog.Error(err))
			return
		}
		s.relay.Broadcast(ctx, conn, payload)
	}
}

// wsPeer adapts a websocket connection to the relay's transport interface.
type wsPeer struct {
	conn *websocket.Conn
}

func (p wsPeer) Send(ctx context.Context, payload []byte) error {
	return p.conn.Write(ctx, websocket.MessageBinary, payload)
}

func (p wsPeer) Ping(ctx context.Context) error {
	return p.conn.Ping(ctx)
}

func (p wsPeer) Close(reason string) error {
	return p.conn.Close(websocket.StatusGoingAway, reason)
}
