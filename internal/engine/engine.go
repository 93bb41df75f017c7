// Package engine holds the per-room game state machine and the capability
// surface a server needs to drive one.
package engine

// Response is the reply document for one command.
type Response map[string]interface{}

// Handler executes one command. The argument is the normalized client id for
// every command except get_room, which receives the map of currently
// connected clients instead.
type Handler func(arg interface{}) Response

// Engine is what a server needs from its state machine: a command dispatch
// table, a name for error messages, and whether commands are durably logged.
type Engine interface {
	// Commands maps method names to their handlers.
	Commands() map[string]Handler
	// Name identifies the engine kind in unknown-method errors.
	Name() string
	// Persistent reports whether mutating commands go through the command log.
	Persistent() bool
}

// Ticker is implemented by engines with end-of-round bookkeeping.
type Ticker interface {
	ClearEmptyMarkers()
}

// Checkpointer is implemented by engines whose state can be checkpointed,
// restored, and broadcast as room snapshots.
type Checkpointer interface {
	// MarshalCheckpoint returns the two checkpoint documents: the item map
	// and the client-position map.
	MarshalCheckpoint() (room []byte, clients []byte, err error)
	// RestoreCheckpoint replaces engine state from checkpoint documents.
	// An empty map leaves the corresponding state untouched.
	RestoreCheckpoint(room []byte, clients []byte) error
	// Snapshot merges item positions with the positions of the given
	// connected clients, keyed by item name and client id.
	Snapshot(connected map[string]string) map[string]string
	// ConnectedPositions filters the client directory down to the given ids.
	ConnectedPositions(ids []string) map[string]string
}
