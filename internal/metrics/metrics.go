// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesReceivedTotal counts frames handed to a device
	FramesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netcore_frames_received_total",
			Help: "Total number of link-layer frames received",
		},
		[]string{"device"},
	)

	// FramesSentTotal counts frames transmitted by a device
	FramesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netcore_frames_sent_total",
			Help: "Total number of link-layer frames sent",
		},
		[]string{"device"},
	)

	// FramesDroppedTotal counts frames dropped by reason
	FramesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netcore_frames_dropped_total",
			Help: "Total number of frames or packets dropped",
		},
		[]string{"device", "reason"},
	)

	// ParseErrorsTotal counts rejected packets by protocol layer and kind
	ParseErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netcore_parse_errors_total",
			Help: "Total number of packets rejected by a codec",
		},
		[]string{"layer", "kind"},
	)

	// MTUErrorsTotal counts sends refused because the frame exceeded the MTU
	MTUErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netcore_mtu_errors_total",
			Help: "Total number of sends refused for exceeding the device MTU",
		},
		[]string{"device"},
	)

	// GMPActionsTotal counts membership protocol actions realized
	GMPActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netcore_gmp_actions_total",
			Help: "Total number of membership protocol actions",
		},
		[]string{"protocol", "action"},
	)

	// GMPGroups tracks joined multicast groups
	GMPGroups = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netcore_gmp_groups",
			Help: "Number of joined multicast groups",
		},
		[]string{"device", "protocol"},
	)

	// ARPRequestsTotal counts ARP requests sent
	ARPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netcore_arp_requests_total",
			Help: "Total number of ARP requests sent",
		},
		[]string{"device"},
	)

	// ARPResolutionsTotal counts ARP resolutions by result
	ARPResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netcore_arp_resolutions_total",
			Help: "Total number of finished ARP resolutions",
		},
		[]string{"device", "result"},
	)

	// EchoRepliesTotal counts echo replies sent
	EchoRepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netcore_echo_replies_total",
			Help: "Total number of ICMP echo replies sent",
		},
		[]string{"device", "version"},
	)

	// TimersPending tracks timers armed in the dispatcher
	TimersPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netcore_timers_pending",
			Help: "Number of timers armed in the event loop",
		},
	)

	// TimerLatencySeconds measures how late timers fire
	TimerLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netcore_timer_latency_seconds",
			Help:    "Delay between a timer deadline and its handling",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10), // 10µs to ~2.6s
		},
	)
)
