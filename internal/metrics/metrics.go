// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to the packet buffer, IP, TCP, and Shadowsocks
// subsystems.
//
// When defining new operations or metrics, these are helpful values to
// track:
//  - things coming into or going out of the system: packets, segments,
//    sessions, DNS queries.
//  - the success or error status of any of the above.
//  - the distribution of processing latency or queue depth.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PbufAllocTotal counts pbuf allocations by pool layer (raw/link/ip/transport).
	PbufAllocTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpncore_pbuf_alloc_total",
			Help: "packet buffer allocations by layer",
		},
		[]string{"layer"})

	// PbufOOMTotal counts allocation failures due to pool exhaustion.
	PbufOOMTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpncore_pbuf_oom_total",
			Help: "packet buffer allocation failures (pool exhausted)",
		},
		[]string{"layer"})

	// IPDropTotal counts dropped IPv4 datagrams by reason.
	IPDropTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpncore_ip_drop_total",
			Help: "IPv4 datagrams dropped on ingress or egress",
		},
		[]string{"reason"})

	// ReassemblyActiveGauge tracks the number of in-progress reassembly entries.
	ReassemblyActiveGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vpncore_ip_reassembly_active",
			Help: "number of in-progress IP reassembly entries",
		})

	// ReassemblyTimeoutTotal counts reassembly entries abandoned by the coarse timer.
	ReassemblyTimeoutTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vpncore_ip_reassembly_timeout_total",
			Help: "IP reassembly entries abandoned after IP_REASS_MAXAGE",
		})

	// ReassemblyOverlapDropTotal counts fragments dropped for overlap.
	ReassemblyOverlapDropTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vpncore_ip_reassembly_overlap_drop_total",
			Help: "fragments dropped because they overlapped an existing fragment",
		})

	// TCPRetransmitTotal counts segment retransmissions by cause.
	TCPRetransmitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpncore_tcp_retransmit_total",
			Help: "TCP segment retransmissions",
		},
		[]string{"cause"}) // "rto" or "fast_retransmit"

	// TCPStateTransitionTotal counts PCB state transitions.
	TCPStateTransitionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpncore_tcp_state_transition_total",
			Help: "TCP PCB state transitions",
		},
		[]string{"from", "to"})

	// TCPOOSeqBytesGauge tracks total bytes held in out-of-order queues.
	TCPOOSeqBytesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vpncore_tcp_ooseq_bytes",
			Help: "bytes currently queued across all TCP out-of-order queues",
		})

	// ShadowsocksSessionsGauge tracks active Shadowsocks sessions.
	ShadowsocksSessionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vpncore_shadowsocks_sessions_active",
			Help: "number of active Shadowsocks TCP sessions",
		})

	// ShadowsocksAEADErrorTotal counts AEAD authentication failures.
	ShadowsocksAEADErrorTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpncore_shadowsocks_aead_error_total",
			Help: "AEAD authentication failures by direction",
		},
		[]string{"direction"}) // "encrypt_to_remote" or "decrypt_from_remote"

	// ShadowsocksResolveHistogram tracks DNS resolution latency.
	ShadowsocksResolveHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vpncore_shadowsocks_resolve_latency_seconds",
			Help:    "latency of hostname resolution before connecting to a relay",
			Buckets: prometheus.DefBuckets,
		})

	// ShadowsocksSessionCloseTotal counts session teardowns by reason.
	ShadowsocksSessionCloseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpncore_shadowsocks_session_close_total",
			Help: "Shadowsocks session teardowns by reason",
		},
		[]string{"reason"})
)
