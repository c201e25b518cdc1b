// Package relay routes opaque payloads between live connections grouped into
// rooms. A room is keyed by the resource being edited; the relay never
// inspects or transforms what it forwards, that protocol belongs to the
// collaborative-editing layer above it.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
)

const DefaultHeartbeatInterval = 30 * time.Second

// ErrClosed is returned by Join after Close.
var ErrClosed = xerrors.New("relay closed")

// Peer is the transport beneath a connection: the subset of a websocket the
// relay needs. Implementations must be safe for concurrent use.
type Peer interface {
	// Send forwards a payload byte-for-byte.
	Send(ctx context.Context, payload []byte) error
	// Ping issues a liveness probe and blocks until the peer answers or ctx
	// expires.
	Ping(ctx context.Context) error
	// Close tears the transport down with the given reason.
	Close(reason string) error
}

// Conn is a room member. A connection belongs to exactly one room for its
// lifetime.
type Conn struct {
	ID   uuid.UUID
	room string
	peer Peer

	mu sync.Mutex
	// alive records whether the previous round's probe was answered. It is
	// set on pong and cleared when the sweep issues the next probe.
	alive bool
	// closed guards against double-termination: an explicit Disconnect can
	// race the heartbeat sweep.
	closed bool
}

func (c *Conn) markAlive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = true
}

// beginProbe clears the liveness flag and reports whether the previous probe
// went unanswered.
func (c *Conn) beginProbe() (missed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	missed = !c.alive
	c.alive = false
	return missed
}

func (c *Conn) close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.peer.Close(reason)
}

// Options configures a Relay.
type Options struct {
	Logger            slog.Logger
	Clock             quartz.Clock
	HeartbeatInterval time.Duration
	Metrics           *Metrics
}

// Relay owns the room table. Rooms are created on first join and deleted
// synchronously when their last member leaves; no room ever exists with zero
// members.
type Relay struct {
	logger   slog.Logger
	clock    quartz.Clock
	interval time.Duration
	metrics  *Metrics

	cancel  context.CancelFunc
	sweeper quartz.Waiter

	mu     sync.Mutex
	rooms  map[string]map[*Conn]struct{}
	closed bool
}

// New starts a Relay, including its heartbeat sweep. Cancel ctx or call
// Close to stop it.
func New(ctx context.Context, opts Options) *Relay {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Relay{
		logger:   opts.Logger.Named("relay"),
		clock:    opts.Clock,
		interval: opts.HeartbeatInterval,
		metrics:  opts.Metrics,
		cancel:   cancel,
		rooms:    make(map[string]map[*Conn]struct{}),
	}
	r.sweeper = r.clock.TickerFunc(ctx, r.interval, func() error {
		r.sweep(ctx)
		return nil
	}, "relay_heartbeat")
	return r
}

// Join adds a peer to the room, creating the room if absent. Rooms have no
// capacity limit.
func (r *Relay) Join(roomID string, peer Peer) (*Conn, error) {
	conn := &Conn{
		ID:    uuid.New(),
		room:  roomID,
		peer:  peer,
		alive: true, // The peer just connected; assume it is alive.
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	room, ok := r.rooms[roomID]
	if !ok {
		room = make(map[*Conn]struct{})
		r.rooms[roomID] = room
		r.metrics.Rooms.Inc()
	}
	room[conn] = struct{}{}
	r.metrics.ActiveConnections.Inc()

	r.logger.Debug(context.Background(), "connection joined room",
		slog.F("connection_id", conn.ID), slog.F("room", roomID),
		slog.F("members", len(room)),
	)
	return conn, nil
}

// Broadcast forwards payload to every other member of from's room. Delivery
// is best effort: a failed send to one peer is logged and counted, and never
// prevents delivery to the rest. The sender is excluded.
func (r *Relay) Broadcast(ctx context.Context, from *Conn, payload []byte) {
	r.mu.Lock()
	peers := make([]*Conn, 0, len(r.rooms[from.room]))
	for conn := range r.rooms[from.room] {
		if conn != from {
			peers = append(peers, conn)
		}
	}
	r.mu.Unlock()

	r.metrics.Broadcasts.Inc()
	for _, conn := range peers {
		if err := conn.peer.Send(ctx, payload); err != nil {
			r.metrics.DroppedSends.Inc()
			r.logger.Warn(ctx, "dropped payload to peer",
				slog.F("connection_id", conn.ID),
				slog.F("room", conn.room),
				slog.Error(err),
			)
		}
	}
}

// Disconnect removes the connection from its room and closes it. The room is
// deleted if it becomes empty. Disconnecting a connection twice is a no-op.
func (r *Relay) Disconnect(conn *Conn, reason string) {
	r.mu.Lock()
	room, ok := r.rooms[conn.room]
	if ok {
		if _, member := room[conn]; member {
			delete(room, conn)
			r.metrics.ActiveConnections.Dec()
			if len(room) == 0 {
				delete(r.rooms, conn.room)
				r.metrics.Rooms.Dec()
			}
		} else {
			ok = false
		}
	}
	r.mu.Unlock()

	conn.close(reason)
	if ok {
		r.logger.Debug(context.Background(), "connection left room",
			slog.F("connection_id", conn.ID),
			slog.F("room", conn.room),
			slog.F("reason", reason),
		)
	}
}

// RoomSize returns the member count of a room, zero if the room does not
// exist.
func (r *Relay) RoomSize(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[roomID])
}

// Rooms returns the number of open rooms.
func (r *Relay) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Close cancels the heartbeat sweep and closes every connection. It blocks
// until in-flight probes finish.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conns := r.snapshotLocked()
	r.mu.Unlock()

	r.cancel()
	for _, conn := range conns {
		r.Disconnect(conn, "relay shutting down")
	}
	_ = r.sweeper.Wait()
}

// sweep terminates every connection whose previous probe went unanswered,
// then issues the next round of probes. Probes run in parallel and the sweep
// waits for the round to settle, bounded by the interval, so a connection is
// gone within one interval of its missed probe. Connections may leave
// between the snapshot and the termination; Disconnect tolerates that.
func (r *Relay) sweep(ctx context.Context) {
	r.mu.Lock()
	conns := r.snapshotLocked()
	r.mu.Unlock()

	var probes sync.WaitGroup
	for _, conn := range conns {
		if conn.beginProbe() {
			r.metrics.HeartbeatTerminations.Inc()
			r.logger.Info(ctx, "terminating unresponsive connection",
				slog.F("connection_id", conn.ID),
				slog.F("room", conn.room),
			)
			r.Disconnect(conn, "missed heartbeat")
			continue
		}
		probes.Add(1)
		go func() {
			defer probes.Done()
			pingCtx, cancel := context.WithTimeout(ctx, r.interval)
			defer cancel()
			if err := conn.peer.Ping(pingCtx); err != nil {
				return
			}
			conn.markAlive()
		}()
	}
	probes.Wait()
}

func (r *Relay) snapshotLocked() []*Conn {
	var conns []*Conn
	for _, room := range r.rooms {
		for conn := range room {
			conns = append(conns, conn)
		}
	}
	return conns
}
