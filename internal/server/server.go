// Package server runs the network front-end around one engine: it accepts
// stream connections, frames JSON requests, dispatches them through the
// durability layer, broadcasts room snapshots over UDP, and drives idle
// shutdown.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mhalloran/gridgame/internal/contextkey"
	"github.com/mhalloran/gridgame/internal/engine"
	"github.com/mhalloran/gridgame/internal/metrics"
	"github.com/mhalloran/gridgame/internal/persistence"
	"github.com/mhalloran/gridgame/internal/utils"
	"github.com/mhalloran/gridgame/internal/wire"
)

// Config holds one server's knobs. Zero values fall back to the defaults
// noted on each field.
type Config struct {
	Host string // bind host; empty listens on all interfaces
	Port int    // 0 picks an ephemeral port
	ID   int    // room id; 0 for the cluster

	LogPath  string // command log; empty disables durability
	CkptPath string

	Nameserver  string // catalog (or cluster) address as host:port
	ProjectName string
	Owner       string
	ServerType  string // beacon type field, e.g. "game_server"

	// BroadcastInterval spaces catalog beacons; zero or negative disables
	// registration (rooms are discovered through the cluster instead).
	BroadcastInterval time.Duration

	UseUDP          bool          // room snapshot datagrams
	IdleShutdown    bool          // rooms shut down when idle; the cluster never does
	ShutdownTimeout time.Duration // default 5s
	PollInterval    time.Duration // default 1s
	RecvTimeout     time.Duration // default 10s

	Logger *utils.Logger
}

// Result is the completion value a server returns from Run.
type Result map[string]interface{}

type request struct {
	c    *clientConn
	data []byte
}

type clientConn struct {
	net.Conn
	id  uuid.UUID
	ctx context.Context
}

// Server wraps one engine behind a TCP listener. All engine and connection
// state is owned by the Run goroutine; readers only forward framed requests.
type Server struct {
	cfg    Config
	log    *utils.Logger
	engine engine.Engine
	ck     engine.Checkpointer // nil when the engine has no board state
	ticker engine.Ticker       // nil when the engine has no tick bookkeeping
	cmdLog *persistence.CommandLog

	ln   net.Listener
	port int

	accepted chan *clientConn
	requests chan request
	hangups  chan *clientConn
	quit     chan struct{}

	// owned by the Run goroutine
	conns            map[*clientConn]struct{}
	connections      map[string]string // client id -> udp broadcast addr
	socketIDs        map[*clientConn]string
	frames           int
	broadcastPending bool

	// lifetime stats, readable from outside the loop
	statErrors   atomic.Int64
	statCommands atomic.Int64
	statConns    atomic.Int64
}

// New binds the listener, opens the command log when the engine persists,
// and replays any existing checkpoint and log into the engine. A bind
// failure is unrecoverable and returned to the caller.
func New(eng engine.Engine, cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = utils.NewDiscardLogger()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RecvTimeout == 0 {
		cfg.RecvTimeout = wire.DefaultRecvTimeout
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	s := &Server{
		cfg:         cfg,
		log:         cfg.Logger,
		engine:      eng,
		ln:          ln,
		port:        ln.Addr().(*net.TCPAddr).Port,
		accepted:    make(chan *clientConn),
		requests:    make(chan request, 64),
		hangups:     make(chan *clientConn, 64),
		quit:        make(chan struct{}),
		conns:       make(map[*clientConn]struct{}),
		connections: make(map[string]string),
		socketIDs:   make(map[*clientConn]string),
	}
	s.ck, _ = eng.(engine.Checkpointer)
	s.ticker, _ = eng.(engine.Ticker)

	ctx := context.WithValue(context.Background(), contextkey.ContextKeyRoomID, cfg.ID)
	s.log.Info(ctx, "server listening on port %d", s.port)

	if eng.Persistent() && cfg.LogPath != "" {
		cmdLog, err := persistence.Open(cfg.Logger, cfg.LogPath, cfg.CkptPath)
		if err != nil {
			ln.Close()
			return nil, err
		}
		s.cmdLog = cmdLog
		if s.ck != nil {
			err = cmdLog.Load(ctx, s.ck, func(method string, client interface{}) {
				if handler, ok := eng.Commands()[method]; ok && method != "get_room" {
					handler(client)
				}
			})
			if err != nil {
				s.log.Error(ctx, "failed to replay command log: %v", err)
			}
		}
	}

	return s, nil
}

// Port returns the bound listener port.
func (s *Server) Port() int { return s.port }

// Stats returns the server's lifetime counters.
func (s *Server) Stats() map[string]int64 {
	return map[string]int64{
		"commands":    s.statCommands.Load(),
		"errors":      s.statErrors.Load(),
		"connections": s.statConns.Load(),
	}
}

// Run drives the server until idle shutdown or context cancellation and
// returns its completion value. It must be called exactly once.
func (s *Server) Run(ctx context.Context) Result {
	ctx = context.WithValue(ctx, contextkey.ContextKeyRoomID, s.cfg.ID)

	go s.acceptLoop(ctx)

	var beaconC <-chan time.Time
	if s.cfg.BroadcastInterval > 0 {
		s.broadcastBeacon(ctx)
		beacon := time.NewTicker(s.cfg.BroadcastInterval)
		defer beacon.Stop()
		beaconC = beacon.C
	}

	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()

	var eligible bool
	var eligibleSince time.Time

	for {
		if eligible && time.Since(eligibleSince) > s.cfg.ShutdownTimeout {
			return s.shutdown(ctx)
		}

		processed := false
		select {
		case <-ctx.Done():
			return s.stop(ctx)

		case c := <-s.accepted:
			s.register(ctx, c)
			if eligible {
				s.log.Info(ctx, "Room %d cleared the shutdown timer", s.cfg.ID)
			}
			eligible = false

		case req := <-s.requests:
			s.handleRequest(req)
			processed = true
		drain:
			for {
				select {
				case req := <-s.requests:
					s.handleRequest(req)
				default:
					break drain
				}
			}
			if eligible {
				s.log.Info(ctx, "Room %d cleared the shutdown timer", s.cfg.ID)
			}
			eligible = false

		case c := <-s.hangups:
			s.dropConn(c)
			if len(s.conns) == 0 && s.cfg.IdleShutdown && !eligible {
				eligible = true
				eligibleSince = time.Now()
				s.log.Info(ctx, "Room %d started the shutdown timer", s.cfg.ID)
			}

		case <-poll.C:
			if s.cfg.IdleShutdown && !eligible {
				eligible = true
				eligibleSince = time.Now()
			}

		case <-beaconC:
			s.broadcastBeacon(ctx)
		}

		if processed {
			s.endRound(ctx)
		}
	}
}

// acceptLoop hands new connections to the Run goroutine.
func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
			default:
				s.log.Error(ctx, "accept failed: %v", err)
			}
			return
		}
		c := &clientConn{Conn: conn, id: uuid.New()}
		c.ctx = context.WithValue(ctx, contextkey.ContextKeyConnID, c.id)
		select {
		case s.accepted <- c:
		case <-s.quit:
			conn.Close()
			return
		}
	}
}

func (s *Server) register(ctx context.Context, c *clientConn) {
	s.conns[c] = struct{}{}
	s.statConns.Add(1)
	metrics.ConnectedClients.Inc()
	s.log.Debug(c.ctx, "accepted connection from %s", c.RemoteAddr())
	go s.readLoop(c)
}

// readLoop frames requests off one connection. Any read error, including a
// clean close, retires the connection.
func (s *Server) readLoop(c *clientConn) {
	for {
		data, err := wire.ReadMessage(c, s.cfg.RecvTimeout)
		if err != nil {
			select {
			case s.hangups <- c:
			case <-s.quit:
			}
			return
		}
		select {
		case s.requests <- request{c: c, data: data}:
		case <-s.quit:
			return
		}
	}
}

// dropConn removes a dead connection from the poll set, the connection
// table, and the reverse map. Disk state is untouched; the engine keeps the
// client's last position for reconnects.
func (s *Server) dropConn(c *clientConn) {
	if _, ok := s.conns[c]; !ok {
		return
	}
	delete(s.conns, c)
	metrics.ConnectedClients.Dec()
	if id, ok := s.socketIDs[c]; ok {
		s.log.Info(c.ctx, "Client %s left room %d", id, s.cfg.ID)
		delete(s.connections, id)
		delete(s.socketIDs, c)
	}
	c.Close()
}

// handleRequest parses one framed request, dispatches it, records it in the
// command log when it mutated the engine, and writes the framed reply.
func (s *Server) handleRequest(req request) {
	ctx, span := otel.Tracer("server").Start(req.c.ctx, "dispatch")
	defer span.End()

	var cmd map[string]interface{}
	if err := json.Unmarshal(req.data, &cmd); err != nil {
		s.log.Error(ctx, "failed to parse %s", req.data)
		s.reply(req.c, s.countErrors(engine.Response{"error": "must be formatted as json"}))
		return
	}

	resp, mutated := s.parseCommand(ctx, cmd)

	if method, ok := cmd["method"].(string); ok {
		span.SetAttributes(attribute.String("command.method", method))
	}

	// remember which client this socket speaks for, so snapshots and
	// cleanup can find it
	if s.ck != nil {
		if key, ok := wire.ClientKey(cmd["client"]); ok {
			s.socketIDs[req.c] = key
		}
	}
	if mutated {
		s.broadcastPending = true
	}

	s.reply(req.c, resp)
}

// parseCommand validates and dispatches one decoded command. The boolean
// reports whether the engine was durably mutated.
func (s *Server) parseCommand(ctx context.Context, cmd map[string]interface{}) (engine.Response, bool) {
	method, hasMethod := cmd["method"].(string)
	_, hasClient := cmd["client"]
	if !hasMethod || !hasClient {
		s.log.Warn(ctx, "malformed incoming command: %v", cmd)
		return s.countErrors(engine.Response{"error": "malformed incoming command"}), false
	}

	if addr, ok := cmd["broadcast_addr"].(string); ok {
		if key, keyed := wire.ClientKey(cmd["client"]); keyed {
			s.connections[key] = addr
		}
	}

	handler, known := s.engine.Commands()[method]
	if !known {
		return s.countErrors(engine.Response{
			"error": fmt.Sprintf("method %s does not exist for engine: %s", method, s.engine.Name()),
		}), false
	}

	var resp engine.Response
	if method == "get_room" {
		resp = handler(s.aliveClients())
	} else {
		resp = handler(cmd["client"])
	}
	s.statCommands.Add(1)
	metrics.CommandsProcessed.WithLabelValues(method).Inc()

	_, failed := resp["error"]
	mutating := method != "get_room" && !failed

	if mutating && s.cmdLog != nil {
		if err := s.cmdLog.Append(ctx, cmd); err != nil {
			s.log.Error(ctx, "failed to append to command log: %v", err)
		} else if s.cmdLog.Length() > persistence.CheckpointThreshold {
			if err := s.cmdLog.Checkpoint(ctx, s.ck); err != nil {
				s.log.Error(ctx, "checkpoint failed, keeping log: %v", err)
			} else {
				metrics.CheckpointsWritten.Inc()
			}
		}
	}

	return s.countErrors(resp), mutating
}

func (s *Server) countErrors(resp engine.Response) engine.Response {
	if _, ok := resp["error"]; ok {
		s.statErrors.Add(1)
		metrics.ErrorResponses.Inc()
	}
	return resp
}

func (s *Server) reply(c *clientConn, resp engine.Response) {
	if err := wire.WriteMessage(c, resp); err != nil {
		s.log.Error(c.ctx, "failed to send response: %v", err)
		s.dropConn(c)
	}
}

// aliveClients maps currently connected client ids to their positions, so
// snapshots omit disconnected players while the engine keeps their spot.
func (s *Server) aliveClients() map[string]string {
	if s.ck == nil {
		return nil
	}
	ids := make([]string, 0, len(s.socketIDs))
	for _, id := range s.socketIDs {
		ids = append(ids, id)
	}
	return s.ck.ConnectedPositions(ids)
}

// endRound is the tick boundary: emptied_this_round flags reset, and a
// snapshot goes out if a mutating command ran this round.
func (s *Server) endRound(ctx context.Context) {
	if s.ticker != nil {
		s.ticker.ClearEmptyMarkers()
	}
	if s.cfg.UseUDP && s.broadcastPending {
		s.broadcastRoomState(ctx)
		s.broadcastPending = false
	}
}

// shutdown is the idle-shutdown path: tell the cluster, release the
// listener and log, and hand back the completion value.
func (s *Server) shutdown(ctx context.Context) Result {
	s.log.Info(ctx, "Room %d shutdown process: connecting to cluster", s.cfg.ID)
	if err := s.sendShutdownMessage(); err != nil {
		s.log.Error(ctx, "failed to notify cluster of shutdown: %v", err)
	}
	s.close(ctx)
	return Result{"status": "shutdown"}
}

// stop is the cancellation path: release resources without notifying anyone.
func (s *Server) stop(ctx context.Context) Result {
	s.close(ctx)
	return Result{"status": "stopped"}
}

func (s *Server) close(ctx context.Context) {
	close(s.quit)
	s.ln.Close()
	for c := range s.conns {
		c.Close()
	}
	if s.cmdLog != nil {
		if err := s.cmdLog.Close(); err != nil {
			s.log.Error(ctx, "failed to close command log: %v", err)
		}
	}
}

// sendShutdownMessage opens a fresh stream to the cluster and sends the
// framed shutdown_room command. No reply is read; the cluster observes the
// room's completion through its handle.
func (s *Server) sendShutdownMessage() error {
	conn, err := net.DialTimeout("tcp", s.cfg.Nameserver, 5*time.Second)
	if err != nil {
		return fmt.Errorf("failed to reach cluster at %s: %w", s.cfg.Nameserver, err)
	}
	defer conn.Close()
	return wire.WriteMessage(conn, map[string]interface{}{
		"method": "shutdown_room",
		"client": s.cfg.ID,
	})
}

// AdvertiseHost resolves the address other processes should use to reach
// servers on this host. Falls back to loopback when the hostname does not
// resolve.
func AdvertiseHost() string {
	hname, err := os.Hostname()
	if err == nil {
		if addrs, lookupErr := net.LookupHost(hname); lookupErr == nil && len(addrs) > 0 {
			return addrs[0]
		}
	}
	return "127.0.0.1"
}
