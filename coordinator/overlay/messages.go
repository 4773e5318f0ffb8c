// Package overlay implements the anonymized HTTP transport between
// coordination daemons. The client dials opaque overlay addresses through a
// local SOCKS5 proxy; the server answers the small peer contract every
// daemon exposes: liveness, directory exchange, health metrics, registration
// pings and shard verification.
package overlay

import (
	"github.com/miragelabs/mirage/coordinator/types"
)

// PeerListResponse is the payload of GET /api/peers.
type PeerListResponse struct {
	Peers []*types.Peer `json:"peers"`
}

// NodeMetrics is the health sample a daemon reports on GET /health/metrics.
// Rates are fractions in [0,1] except Uptime which is a percentage, matching
// what the flag rules and host health thresholds consume.
type NodeMetrics struct {
	ResponseTimeMillis float64 `json:"response_time_ms"`
	Uptime             float64 `json:"uptime"`
	ThroughputMbps     float64 `json:"throughput_mbps"`
	ErrorRate          float64 `json:"error_rate"`
	CPU                float64 `json:"cpu"`
	Memory             float64 `json:"memory"`
	LatencyMillis      float64 `json:"latency_ms"`
}

// ShardHashResponse is the payload of GET /storage/verify/{id}.
type ShardHashResponse struct {
	Hash string `json:"hash"`
}
