// Package cluster implements the coordinator engine: it keeps the client
// and room directories, lazily launches room servers, and reaps them when
// they shut down.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strconv"

	"github.com/mhalloran/gridgame/internal/engine"
	"github.com/mhalloran/gridgame/internal/metrics"
	"github.com/mhalloran/gridgame/internal/server"
	"github.com/mhalloran/gridgame/internal/utils"
	"github.com/mhalloran/gridgame/internal/wire"
)

// Config holds the settings the cluster passes down to the rooms it spawns.
type Config struct {
	Host        string // advertised host handed to clients
	BindHost    string // bind host for spawned rooms; empty for all interfaces
	ProjectName string
	Owner       string
	UseUDP      bool
	LogLevel    string
	LogDir      string // where gameN.log / gameN.ckpt / gameN.info land
	Logger      *utils.Logger
}

// roomHandle is what the cluster keeps per running room: where it lives and
// how to observe it finishing.
type roomHandle struct {
	addr   string
	done   chan struct{}
	result server.Result
}

// Cluster is the coordinator engine. It never persists: client ids are
// cheap to re-register and room addresses are stale after any restart.
//
// Like the game engine it is driven from a single server goroutine; the
// directory maps are never touched from elsewhere. Spawned rooms run on
// their own goroutines and only talk back over shutdown_room.
type Cluster struct {
	log *utils.Logger
	cfg Config
	ctx context.Context

	addr            string // this cluster's own host:port, rooms' nameserver
	lifetimeClients int
	clients         map[string]int // client id -> last room id
	rooms           map[int]*roomHandle
	commands        map[string]engine.Handler
}

// New creates the cluster engine. ctx bounds the lifetime of every room the
// cluster spawns. SetAddress must be called once the cluster's own server
// is bound, before any command is dispatched.
func New(ctx context.Context, cfg Config) *Cluster {
	if cfg.Logger == nil {
		cfg.Logger = utils.NewDiscardLogger()
	}
	c := &Cluster{
		log:     cfg.Logger,
		cfg:     cfg,
		ctx:     ctx,
		clients: make(map[string]int),
		rooms:   make(map[int]*roomHandle),
	}
	c.commands = map[string]engine.Handler{
		"register_new_client": c.registerNewClient,
		"get_room_server":     c.getRoomServer,
		"shutdown_room":       c.shutdownRoom,
	}
	c.log.Info(ctx, "CLUSTER HAS STARTED")
	return c
}

// SetAddress records where this cluster is reachable. Spawned rooms use it
// as their nameserver for shutdown notifications.
func (c *Cluster) SetAddress(host string, port int) {
	c.addr = fmt.Sprintf("%s:%d", host, port)
}

// Commands implements engine.Engine.
func (c *Cluster) Commands() map[string]engine.Handler { return c.commands }

// Name implements engine.Engine.
func (c *Cluster) Name() string { return "cluster" }

// Persistent implements engine.Engine. The cluster's durability layer is
// disabled.
func (c *Cluster) Persistent() bool { return false }

// registerNewClient inserts a client into the directory at room 0.
// Registration is idempotent: known clients get their last room back.
func (c *Cluster) registerNewClient(arg interface{}) engine.Response {
	key, ok := wire.ClientKey(arg)
	if !ok {
		return engine.Response{"error": "malformed incoming command"}
	}
	if lastRoom, exists := c.clients[key]; exists {
		return engine.Response{"client_id": arg, "last_room": lastRoom}
	}
	c.clients[key] = 0
	c.lifetimeClients++
	return engine.Response{"client_id": arg, "last_room": 0}
}

// getRoomServer returns the address of the requested room, spawning it
// first if it is not running. By the time this returns the room is bound to
// a port and accepting connections.
func (c *Cluster) getRoomServer(arg interface{}) engine.Response {
	id, ok := roomID(arg)
	if !ok {
		return engine.Response{"error": "room id must be an integer"}
	}
	if h, exists := c.rooms[id]; exists {
		return engine.Response{"addr": h.addr}
	}

	roomLog, err := utils.NewFileLogger(c.cfg.LogLevel, filepath.Join(c.cfg.LogDir, fmt.Sprintf("game%d.info", id)))
	if err != nil {
		c.log.Warn(c.ctx, "failed to open info log for room %d: %v", id, err)
		roomLog = c.log
	}

	srv, err := server.New(engine.NewGame(roomLog, nil), server.Config{
		Host:              c.cfg.BindHost,
		Port:              0,
		ID:                id,
		LogPath:           filepath.Join(c.cfg.LogDir, fmt.Sprintf("game%d.log", id)),
		CkptPath:          filepath.Join(c.cfg.LogDir, fmt.Sprintf("game%d.ckpt", id)),
		Nameserver:        c.addr,
		ProjectName:       c.cfg.ProjectName,
		Owner:             c.cfg.Owner,
		ServerType:        "game_server",
		BroadcastInterval: -1, // rooms are discovered through the cluster
		UseUDP:            c.cfg.UseUDP,
		IdleShutdown:      true,
		Logger:            roomLog,
	})
	if err != nil {
		c.log.Error(c.ctx, "failed to start room %d: %v", id, err)
		return engine.Response{"error": fmt.Sprintf("failed to start room %d", id)}
	}

	h := &roomHandle{
		addr: fmt.Sprintf("%s:%d", c.cfg.Host, srv.Port()),
		done: make(chan struct{}),
	}
	c.rooms[id] = h
	metrics.ActiveRooms.Inc()

	c.log.Info(c.ctx, "Submitting room %d to run in a background goroutine", id)
	go func() {
		h.result = srv.Run(c.ctx)
		close(h.done)
	}()

	return engine.Response{"addr": h.addr}
}

// shutdownRoom reaps a finished room. Rooms invoke this themselves as their
// final act; the entry is only removed once the room's completion signal
// fires.
func (c *Cluster) shutdownRoom(arg interface{}) engine.Response {
	id, ok := roomID(arg)
	if !ok {
		return engine.Response{"error": "room id must be an integer"}
	}
	h, exists := c.rooms[id]
	if !exists {
		return engine.Response{"error": fmt.Sprintf("room %d is not running", id)}
	}

	c.log.Info(c.ctx, "Starting removal process for room %d", id)
	select {
	case <-h.done:
	default:
		c.log.Warn(c.ctx, "The room was shut down but it is not actually finished shutting down")
	}
	<-h.done
	c.log.Info(c.ctx, "Received %v from server %d as it shutdown", h.result, id)

	delete(c.rooms, id)
	metrics.ActiveRooms.Dec()
	return engine.Response{"success": fmt.Sprintf("room %d has been removed", id)}
}

// roomID coerces a decoded room id into an int.
func roomID(arg interface{}) (int, bool) {
	switch v := arg.(type) {
	case float64:
		if v == math.Trunc(v) {
			return int(v), true
		}
	case int:
		return v, true
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n, true
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), true
		}
	}
	return 0, false
}
