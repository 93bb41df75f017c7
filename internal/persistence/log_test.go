package persistence

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhalloran/gridgame/internal/engine"
)

func openTestLog(t *testing.T) (*CommandLog, string, string) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "game0.log")
	ckptPath := filepath.Join(dir, "game0.ckpt")
	cl, err := Open(nil, logPath, ckptPath)
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return cl, logPath, ckptPath
}

func TestAppend_WritesJSONLines(t *testing.T) {
	cl, logPath, _ := openTestLog(t)
	ctx := context.Background()

	require.NoError(t, cl.Append(ctx, map[string]interface{}{"method": "add_client", "client": "a"}))
	require.NoError(t, cl.Append(ctx, map[string]interface{}{"method": "up", "client": "a"}))
	assert.Equal(t, 2, cl.Length())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"method":"add_client","client":"a"}`, lines[0])
	assert.JSONEq(t, `{"method":"up","client":"a"}`, lines[1])
}

func TestCheckpoint_WritesTwoLinesAndTruncates(t *testing.T) {
	cl, logPath, ckptPath := openTestLog(t)
	ctx := context.Background()
	g := engine.NewGame(nil, rand.New(rand.NewSource(1)))
	g.AddClient("a")

	require.NoError(t, cl.Append(ctx, map[string]interface{}{"method": "add_client", "client": "a"}))
	require.NoError(t, cl.Checkpoint(ctx, g))

	data, err := os.ReadFile(ckptPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	assert.Len(t, lines, 2)

	info, err := os.Stat(logPath)
	require.NoError(t, err)
	assert.Zero(t, info.Size(), "log truncates once the checkpoint is durable")
	assert.Zero(t, cl.Length())

	_, err = os.Stat(ckptPath + ".new")
	assert.True(t, os.IsNotExist(err), "temporary checkpoint file is renamed away")
}

func TestLoad_ReplaysLogInOrder(t *testing.T) {
	cl, _, _ := openTestLog(t)
	ctx := context.Background()

	for _, entry := range []map[string]interface{}{
		{"method": "add_client", "client": "a", "broadcast_addr": "127.0.0.1:9000"},
		{"method": "right", "client": "a"},
		{"method": "right", "client": "a"},
		{"method": "interact", "client": "a"},
	} {
		require.NoError(t, cl.Append(ctx, entry))
	}

	g := engine.NewGame(nil, rand.New(rand.NewSource(1)))
	var applied []string
	err := cl.Load(ctx, g, func(method string, client interface{}) {
		applied = append(applied, method)
		g.Commands()[method](client.(string))
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"add_client", "right", "right", "interact"}, applied)
	resp := g.GetRoom(nil)
	room := resp["room"].(map[string]string)
	assert.NotContains(t, room, "a", "replay does not resurrect broadcast bindings or connections")
	assert.Equal(t, "6:4", g.AddClient("a")["pos"], "two rights from center land at 6:4")
}

func TestLoad_SkipsUnparseableLines(t *testing.T) {
	cl, logPath, _ := openTestLog(t)
	ctx := context.Background()

	require.NoError(t, cl.Append(ctx, map[string]interface{}{"method": "add_client", "client": "a"}))
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("this is not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, cl.Append(ctx, map[string]interface{}{"method": "up", "client": "a"}))

	g := engine.NewGame(nil, rand.New(rand.NewSource(1)))
	var applied []string
	err = cl.Load(ctx, g, func(method string, client interface{}) {
		applied = append(applied, method)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"add_client", "up"}, applied)
}

func TestLoad_MalformedCheckpointIgnored(t *testing.T) {
	cl, _, ckptPath := openTestLog(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(ckptPath, []byte("only one line\n"), 0o644))

	g := engine.NewGame(nil, rand.New(rand.NewSource(1)))
	require.NoError(t, cl.Load(ctx, g, func(string, interface{}) {}))

	// initial random room survives a malformed checkpoint
	room := g.GetRoom(nil)["room"].(map[string]string)
	assert.Contains(t, room, "chest")
}

func TestLoad_RestoresCheckpointState(t *testing.T) {
	cl, _, ckptPath := openTestLog(t)
	ctx := context.Background()

	ckpt := `{"4:4":{"name":"fire","uses":1,"use_message":"hot","empty_message":"cooked","conflict_message":"crowded","emptied_this_round":false}}` + "\n" +
		`{"a":"4:4"}` + "\n"
	require.NoError(t, os.WriteFile(ckptPath, []byte(ckpt), 0o644))

	g := engine.NewGame(nil, rand.New(rand.NewSource(1)))
	require.NoError(t, cl.Load(ctx, g, func(string, interface{}) {}))

	assert.Equal(t, "4:4", g.AddClient("a")["pos"])
	assert.Equal(t, "hot", g.Interact("a")["msg"])
}

func TestAppendAfterLoad_StaysInOrder(t *testing.T) {
	cl, logPath, _ := openTestLog(t)
	ctx := context.Background()

	require.NoError(t, cl.Append(ctx, map[string]interface{}{"method": "add_client", "client": "a"}))
	g := engine.NewGame(nil, rand.New(rand.NewSource(1)))
	require.NoError(t, cl.Load(ctx, g, func(string, interface{}) {}))
	require.NoError(t, cl.Append(ctx, map[string]interface{}{"method": "up", "client": "a"}))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], `"up"`)
}

func TestReplayDeterminism(t *testing.T) {
	cl, _, _ := openTestLog(t)
	ctx := context.Background()

	live := engine.NewGame(nil, rand.New(rand.NewSource(7)))
	script := []map[string]interface{}{
		{"method": "add_client", "client": "a"},
		{"method": "up", "client": "a"},
		{"method": "up", "client": "a"},
		{"method": "left", "client": "a"},
		{"method": "add_client", "client": "b"},
		{"method": "down", "client": "b"},
	}
	for _, entry := range script {
		live.Commands()[entry["method"].(string)](entry["client"].(string))
		require.NoError(t, cl.Append(ctx, entry))
	}

	replayed := engine.NewGame(nil, rand.New(rand.NewSource(7)))
	require.NoError(t, cl.Load(ctx, replayed, func(method string, client interface{}) {
		replayed.Commands()[method](client.(string))
	}))

	liveRoom, liveClients, err := live.MarshalCheckpoint()
	require.NoError(t, err)
	replayedRoom, replayedClients, err := replayed.MarshalCheckpoint()
	require.NoError(t, err)
	assert.JSONEq(t, string(liveRoom), string(replayedRoom))
	assert.JSONEq(t, string(liveClients), string(replayedClients))
}
