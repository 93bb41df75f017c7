package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/mhalloran/gridgame/internal/utils"
	"github.com/mhalloran/gridgame/internal/wire"
)

// RoomDimension is the inclusive upper coordinate of the board; positions
// range over [0, RoomDimension] on both axes.
const RoomDimension = 8

// Game runs one room: a grid of clients and interactive items.
//
// Game is not reentrant. The room server invokes handlers from a single
// scheduling goroutine; nothing else may touch the maps.
type Game struct {
	log      *utils.Logger
	rng      *rand.Rand
	dim      int
	clients  map[string]string // client id -> "x:y"
	room     map[string]*Item  // "x:y" -> item
	commands map[string]Handler
}

// NewGame creates a room with one randomly placed item plus the fixed chest
// at 1:1. Pass a seeded rng for deterministic behavior; nil uses a
// time-seeded source.
func NewGame(logger *utils.Logger, rng *rand.Rand) *Game {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	g := &Game{
		log:     logger,
		rng:     rng,
		dim:     RoomDimension,
		clients: make(map[string]string),
		room:    make(map[string]*Item),
	}

	x := rng.Intn(g.dim + 1)
	y := rng.Intn(g.dim + 1)
	random := itemTemplates[rng.Intn(len(itemTemplates))]
	g.room[formatPos(x, y)] = &random

	chest := itemTemplates[0]
	g.room[formatPos(1, 1)] = &chest

	g.commands = map[string]Handler{
		"add_client": withClientKey(g.AddClient),
		"up":         withClientKey(g.Up),
		"down":       withClientKey(g.Down),
		"left":       withClientKey(g.Left),
		"right":      withClientKey(g.Right),
		"interact":   withClientKey(g.Interact),
		"get_room": func(arg interface{}) Response {
			connected, _ := arg.(map[string]string)
			return g.GetRoom(connected)
		},
	}

	g.log.Info(context.Background(), "Game started with the following room: %v", g.room)
	return g
}

// Commands implements Engine.
func (g *Game) Commands() map[string]Handler { return g.commands }

// Name implements Engine.
func (g *Game) Name() string { return "game" }

// Persistent implements Engine. Game rooms log every mutating command.
func (g *Game) Persistent() bool { return true }

// AddClient inserts a client at the room center. Re-adding an existing
// client returns its current position without relocating it.
func (g *Game) AddClient(client string) Response {
	if pos, ok := g.clients[client]; ok {
		return Response{"client_id": client, "pos": pos}
	}
	g.clients[client] = formatPos(g.dim/2, g.dim/2)
	return Response{"client_id": client, "pos": g.clients[client]}
}

// move shifts a client by (dx, dy), clamping to the board. It reports a room
// exit only when the horizontal target fell outside the board; vertical
// clamping is silent because rooms only connect left and right.
func (g *Game) move(client string, dx, dy int) bool {
	x, y := parsePos(g.clients[client])
	desiredX := x + dx
	desiredY := y + dy
	newX := clamp(desiredX, g.dim)
	newY := clamp(desiredY, g.dim)
	g.clients[client] = formatPos(newX, newY)
	return newX != desiredX
}

// Up moves a client up one tile.
func (g *Game) Up(client string) Response {
	if _, ok := g.clients[client]; !ok {
		return Response{"error": "client not in room"}
	}
	g.move(client, 0, 1)
	return Response{"success": "move up"}
}

// Down moves a client down one tile.
func (g *Game) Down(client string) Response {
	if _, ok := g.clients[client]; !ok {
		return Response{"error": "client not in room"}
	}
	g.move(client, 0, -1)
	return Response{"success": "move down"}
}

// Left moves a client left one tile, reporting an exit at the boundary.
func (g *Game) Left(client string) Response {
	if _, ok := g.clients[client]; !ok {
		return Response{"error": "client not in room"}
	}
	if g.move(client, -1, 0) {
		return Response{"success": "exit left"}
	}
	return Response{"success": "move left"}
}

// Right moves a client right one tile, reporting an exit at the boundary.
func (g *Game) Right(client string) Response {
	if _, ok := g.clients[client]; !ok {
		return Response{"error": "client not in room"}
	}
	if g.move(client, 1, 0) {
		return Response{"success": "exit right"}
	}
	return Response{"success": "move right"}
}

// Interact has a client use whatever occupies its tile: an item, the other
// clients standing there, or nothing at all. It always answers with a msg.
func (g *Game) Interact(client string) Response {
	pos := g.clients[client]

	if item, ok := g.room[pos]; ok {
		switch {
		case item.EmptiedThisRound:
			return Response{"msg": item.ConflictMessage}
		case item.Uses == 0:
			return Response{"msg": item.EmptyMessage}
		default:
			item.Uses--
			if item.Uses == 0 {
				item.EmptiedThisRound = true
			}
			return Response{"msg": item.UseMessage}
		}
	}

	var matching []string
	for other, otherPos := range g.clients {
		if other != client && otherPos == pos && pos != "" {
			matching = append(matching, other)
		}
	}
	if len(matching) == 0 {
		return Response{"msg": interactFailMessages[g.rng.Intn(len(interactFailMessages))]}
	}

	sort.Strings(matching)
	if len(matching) > 1 {
		matching[len(matching)-1] = "and " + matching[len(matching)-1]
	}
	sep := " "
	if len(matching) > 2 {
		sep = ", "
	}
	joined := strings.Join(matching, sep)
	template := interactOnOtherUser[g.rng.Intn(len(interactOnOtherUser))]
	return Response{"msg": strings.ReplaceAll(template, "{collided_users}", joined)}
}

// GetRoom returns the merged view of item positions and the positions of the
// given connected clients.
func (g *Game) GetRoom(connected map[string]string) Response {
	return Response{"room": g.Snapshot(connected)}
}

// ClearEmptyMarkers resets every item's emptied_this_round flag. The server
// calls this at each tick boundary.
func (g *Game) ClearEmptyMarkers() {
	for _, item := range g.room {
		item.EmptiedThisRound = false
	}
}

// Snapshot implements Checkpointer.
func (g *Game) Snapshot(connected map[string]string) map[string]string {
	merged := make(map[string]string, len(g.room)+len(connected))
	for pos, item := range g.room {
		merged[item.Name] = pos
	}
	for id, pos := range connected {
		merged[id] = pos
	}
	return merged
}

// ConnectedPositions implements Checkpointer.
func (g *Game) ConnectedPositions(ids []string) map[string]string {
	alive := make(map[string]string, len(ids))
	for _, id := range ids {
		if pos, ok := g.clients[id]; ok {
			alive[id] = pos
		}
	}
	return alive
}

// MarshalCheckpoint implements Checkpointer.
func (g *Game) MarshalCheckpoint() ([]byte, []byte, error) {
	room, err := json.Marshal(g.room)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal room: %w", err)
	}
	clients, err := json.Marshal(g.clients)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal clients: %w", err)
	}
	return room, clients, nil
}

// RestoreCheckpoint implements Checkpointer. A non-empty item map replaces
// the randomly generated room; a non-empty client map replaces the client
// directory.
func (g *Game) RestoreCheckpoint(room, clients []byte) error {
	newRoom := make(map[string]*Item)
	if err := json.Unmarshal(room, &newRoom); err != nil {
		return fmt.Errorf("failed to parse checkpoint room: %w", err)
	}
	newClients := make(map[string]string)
	if err := json.Unmarshal(clients, &newClients); err != nil {
		return fmt.Errorf("failed to parse checkpoint clients: %w", err)
	}

	if len(newRoom) > 0 {
		g.log.Info(context.Background(), "Checkpoint read %v for the room so it is overwriting the randomly generated one", newRoom)
		g.room = newRoom
	}
	if len(newClients) > 0 {
		g.clients = newClients
	}
	return nil
}

// withClientKey adapts a handler taking a normalized client id to the raw
// wire value. Ids that cannot be keyed dispatch with an empty id, which no
// directory entry ever matches.
func withClientKey(h func(client string) Response) Handler {
	return func(arg interface{}) Response {
		id, _ := wire.ClientKey(arg)
		return h(id)
	}
}

func clamp(v, dim int) int {
	if v < 0 {
		return 0
	}
	if v > dim {
		return dim
	}
	return v
}

func formatPos(x, y int) string {
	return fmt.Sprintf("%d:%d", x, y)
}

func parsePos(pos string) (int, int) {
	var x, y int
	fmt.Sscanf(pos, "%d:%d", &x, &y)
	return x, y
}
