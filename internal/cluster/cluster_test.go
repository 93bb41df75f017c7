package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhalloran/gridgame/internal/server"
	"github.com/mhalloran/gridgame/internal/wire"
)

func newTestCluster(t *testing.T) (*Cluster, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := New(ctx, Config{
		Host:        "127.0.0.1",
		BindHost:    "127.0.0.1",
		ProjectName: "test-project",
		Owner:       "tester",
		LogLevel:    "error",
		LogDir:      t.TempDir(),
	})
	c.SetAddress("127.0.0.1", 1) // rooms never reach back in these tests
	t.Cleanup(cancel)
	return c, cancel
}

func TestCluster_RegisterNewClient(t *testing.T) {
	c, _ := newTestCluster(t)

	resp := c.registerNewClient("a")
	assert.Equal(t, "a", resp["client_id"])
	assert.Equal(t, 0, resp["last_room"])

	resp = c.registerNewClient("a")
	assert.Equal(t, 0, resp["last_room"], "re-registration is idempotent")
	assert.Equal(t, 1, c.lifetimeClients)

	resp = c.registerNewClient(nil)
	assert.Equal(t, "malformed incoming command", resp["error"])
}

func TestCluster_RegisterNormalizesNumericIDs(t *testing.T) {
	c, _ := newTestCluster(t)

	c.registerNewClient(float64(42)) // how a JSON decoder delivers 42
	c.registerNewClient("42")
	assert.Equal(t, 1, c.lifetimeClients, "42 and \"42\" are the same client")
}

func TestCluster_GetRoomServerSpawnsOnce(t *testing.T) {
	c, _ := newTestCluster(t)

	resp := c.getRoomServer(float64(2))
	addr, ok := resp["addr"].(string)
	require.True(t, ok, "expected an addr, got %v", resp)
	require.True(t, strings.HasPrefix(addr, "127.0.0.1:"))

	// the room is accepting connections by the time the address is returned
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteMessage(conn, map[string]interface{}{"method": "add_client", "client": "a"}))
	data, err := wire.ReadMessage(conn, 2*time.Second)
	require.NoError(t, err)
	var reply map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.Equal(t, "4:4", reply["pos"])

	resp = c.getRoomServer(float64(2))
	assert.Equal(t, addr, resp["addr"], "a running room is reused, not respawned")
	assert.Len(t, c.rooms, 1)
}

func TestCluster_GetRoomServerRejectsBadIDs(t *testing.T) {
	c, _ := newTestCluster(t)

	for _, arg := range []interface{}{"not-a-number", float64(1.5), nil, true} {
		resp := c.getRoomServer(arg)
		assert.Equal(t, "room id must be an integer", resp["error"], "arg %v", arg)
	}
	assert.Empty(t, c.rooms)
}

func TestCluster_ShutdownRoomReapsFinishedRoom(t *testing.T) {
	c, cancel := newTestCluster(t)

	resp := c.getRoomServer(float64(5))
	require.Contains(t, resp, "addr")

	// stop the room the way idle shutdown would, then reap it
	cancel()
	resp = c.shutdownRoom(float64(5))
	assert.Equal(t, "room 5 has been removed", resp["success"])
	assert.Empty(t, c.rooms)

	resp = c.shutdownRoom(float64(5))
	assert.Equal(t, "room 5 is not running", resp["error"])
}

func TestRoomID(t *testing.T) {
	tests := []struct {
		arg  interface{}
		want int
		ok   bool
	}{
		{float64(3), 3, true},
		{float64(3.5), 0, false},
		{7, 7, true},
		{"9", 9, true},
		{"nine", 0, false},
		{json.Number("11"), 11, true},
		{json.Number("1.5"), 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := roomID(tt.arg)
		assert.Equal(t, tt.ok, ok, "arg %v", tt.arg)
		if tt.ok {
			assert.Equal(t, tt.want, got, "arg %v", tt.arg)
		}
	}
}

// TestCluster_EndToEnd walks the full client flow: register with the cluster,
// look up a room, then play in it.
func TestCluster_EndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(ctx, Config{
		Host:        "127.0.0.1",
		BindHost:    "127.0.0.1",
		ProjectName: "test-project",
		Owner:       "tester",
		LogLevel:    "error",
		LogDir:      t.TempDir(),
	})
	srv, err := server.New(c, server.Config{
		Host:            "127.0.0.1",
		ShutdownTimeout: time.Hour,
	})
	require.NoError(t, err)
	c.SetAddress("127.0.0.1", srv.Port())

	done := make(chan server.Result, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("cluster did not stop")
		}
	})

	clusterConn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()), 2*time.Second)
	require.NoError(t, err)
	defer clusterConn.Close()

	resp := exchange(t, clusterConn, map[string]interface{}{"method": "register_new_client", "client": "a"})
	assert.Equal(t, float64(0), resp["last_room"])

	resp = exchange(t, clusterConn, map[string]interface{}{"method": "get_room_server", "client": 0})
	addr, ok := resp["addr"].(string)
	require.True(t, ok, "expected an addr, got %v", resp)

	roomConn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer roomConn.Close()

	resp = exchange(t, roomConn, map[string]interface{}{"method": "add_client", "client": "a"})
	assert.Equal(t, "4:4", resp["pos"])
	resp = exchange(t, roomConn, map[string]interface{}{"method": "left", "client": "a"})
	assert.Equal(t, "move left", resp["success"])
	resp = exchange(t, roomConn, map[string]interface{}{"method": "get_room", "client": "a"})
	room, ok := resp["room"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "3:4", room["a"])
}

func exchange(t *testing.T, conn net.Conn, cmd map[string]interface{}) map[string]interface{} {
	t.Helper()
	require.NoError(t, wire.WriteMessage(conn, cmd))
	data, err := wire.ReadMessage(conn, 2*time.Second)
	require.NoError(t, err)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &resp))
	return resp
}
