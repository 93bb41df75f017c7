// Package metrics registers the Prometheus collectors shared by the cluster
// and its rooms. The cluster exposes them on /metrics when METRICS_ADDR is
// set; room servers just keep them current.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsProcessed counts commands dispatched to an engine, by method.
	CommandsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridgame_commands_total",
		Help: "Commands dispatched to an engine.",
	}, []string{"method"})

	// ErrorResponses counts responses that carried an error field.
	ErrorResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridgame_error_responses_total",
		Help: "Responses sent with an error field.",
	})

	// FramesBroadcast counts UDP room snapshots sent.
	FramesBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridgame_frames_broadcast_total",
		Help: "UDP room state snapshots broadcast.",
	})

	// CheckpointsWritten counts successful checkpoint writes.
	CheckpointsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridgame_checkpoints_total",
		Help: "Checkpoints written and logs truncated.",
	})

	// ConnectedClients tracks open stream connections across all servers.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridgame_connected_clients",
		Help: "Open client stream connections.",
	})

	// ActiveRooms tracks rooms currently registered with the cluster.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridgame_active_rooms",
		Help: "Rooms currently running under the cluster.",
	})
)
