// Package metrics exposes the control server's Prometheus counters and
// latencies, named the way stats/proxy_stats.go and stats/target_stats.go
// name theirs: a short common prefix plus a per-metric suffix, registered
// once into the default registry and incremented inline by callers instead
// of routed through a background stats tracker (the control server has no
// periodic stats-flush loop to piggyback on, unlike the cluster daemons).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const prefix = "agentd_"

var (
	ConnOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: prefix + "connections_opened_total",
		Help: "Tunnel control-port streams accepted.",
	})
	ConnClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: prefix + "connections_closed_total",
		Help: "Per-connection runtimes that have torn down.",
	})
	RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "rpc_requests_total",
		Help: "RPC requests dispatched, by method.",
	}, []string{"method"})
	RPCErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "rpc_errors_total",
		Help: "RPC requests that returned an error response, by method and kind.",
	}, []string{"method", "kind"})
	BridgeBytesUp = promauto.NewCounter(prometheus.CounterOpts{
		Name: prefix + "bridge_bytes_editor_to_client_total",
		Help: "Bytes read from editor-server sockets and forwarded to clients.",
	})
	BridgeBytesDown = promauto.NewCounter(prometheus.CounterOpts{
		Name: prefix + "bridge_bytes_client_to_editor_total",
		Help: "Bytes received from clients and written to editor-server sockets.",
	})
	EditorServerLaunches = promauto.NewCounter(prometheus.CounterOpts{
		Name: prefix + "editor_server_launches_total",
		Help: "Editor-server processes started (excludes adopted/reused servers).",
	})
	RxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: prefix + "rx_bytes_total",
		Help: "Bytes read off tunnel streams.",
	})
	TxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: prefix + "tx_bytes_total",
		Help: "Bytes written to tunnel streams.",
	})
)
