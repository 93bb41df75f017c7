package server

import (
	"context"
	"encoding/json"
	"net"

	"github.com/mhalloran/gridgame/internal/metrics"
	"github.com/mhalloran/gridgame/internal/wire"
)

// broadcastRoomState sends the current room snapshot by datagram to every
// recorded broadcast address. Frame numbers are strictly monotone per room;
// clients discard anything at or below the last frame they saw.
func (s *Server) broadcastRoomState(ctx context.Context) {
	if s.ck == nil {
		s.log.Warn(ctx, "Trying to broadcast room state for engine %s without one", s.engine.Name())
		return
	}
	if len(s.connections) == 0 {
		return
	}

	pc, err := net.ListenPacket("udp", ":0")
	if err != nil {
		s.log.Warn(ctx, "Caught error when trying to broadcast room state: %v", err)
		return
	}
	defer pc.Close()

	s.frames++
	message := map[string]interface{}{
		"room":    s.ck.Snapshot(s.aliveClients()),
		"frame":   s.frames,
		"room_id": s.cfg.ID,
	}
	data, err := json.Marshal(message)
	if err != nil {
		s.log.Warn(ctx, "failed to marshal room state: %v", err)
		return
	}
	data = append(data, []byte(wire.Terminator)...)

	s.log.Info(ctx, "Broadcasting room state to %d connections", len(s.connections))
	for _, addrStr := range s.connections {
		addr, err := net.ResolveUDPAddr("udp", addrStr)
		if err != nil {
			s.log.Warn(ctx, "bad broadcast address %s: %v", addrStr, err)
			continue
		}
		if _, err := pc.WriteTo(data, addr); err != nil {
			s.log.Warn(ctx, "failed to send room state to %s: %v", addrStr, err)
		}
	}
	metrics.FramesBroadcast.Inc()
}

// broadcastBeacon registers this server with the external catalog: one UDP
// datagram, socket created and torn down per send. Failures are logged and
// ignored until the next interval.
func (s *Server) broadcastBeacon(ctx context.Context) {
	conn, err := net.Dial("udp", s.cfg.Nameserver)
	if err != nil {
		s.log.Error(ctx, "When broadcasting to nameserver, caught message %v", err)
		return
	}
	defer conn.Close()

	message := map[string]interface{}{
		"type":    s.cfg.ServerType,
		"owner":   s.cfg.Owner,
		"port":    s.port,
		"project": s.cfg.ProjectName,
	}
	data, err := json.Marshal(message)
	if err != nil {
		s.log.Error(ctx, "failed to marshal beacon: %v", err)
		return
	}
	if _, err := conn.Write(data); err != nil {
		s.log.Error(ctx, "When broadcasting to nameserver, caught message %v", err)
		return
	}
	s.log.Debug(ctx, "broadcast sent to %s: %v", s.cfg.Nameserver, message)
}
