// Package metrics declares the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gateway"

// Uplink path.
var (
	UplinksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uplinks_received_total",
		Help:      "Uplink packets received from the concentrator.",
	})
	UplinksForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uplinks_forwarded_total",
		Help:      "Uplink packets written to the router stream.",
	})
	UplinksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uplinks_dropped_total",
		Help:      "Uplink packets dropped locally, by reason.",
	}, []string{"reason"})
	UplinkRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uplink_retries_total",
		Help:      "Per-packet uplink send retries.",
	})
	Witnesses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "witnesses_total",
		Help:      "Proprietary frames (other gateways' beacons) heard.",
	})
)

// Downlink and beacon paths.
var (
	Downlinks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "downlinks_total",
		Help:      "Downlink instructions by result.",
	}, []string{"result"})
	Beacons = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "beacons_total",
		Help:      "Beacon cycles by outcome.",
	}, []string{"outcome"})
)

// Session and link state.
var (
	SessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "router_session_state",
		Help:      "Router session state (0 disconnected, 1 connecting, 2 authenticating, 3 streaming).",
	})
	SessionReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "router_reconnects_total",
		Help:      "Router session connection attempts after a failure.",
	})
	LinkHealth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "concentrator_link_health",
		Help:      "Concentrator link health (0 healthy, 1 degraded, 2 down).",
	})
	TxAcks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "concentrator_tx_acks_total",
		Help:      "TX_ACK results from the concentrator.",
	}, []string{"result"})
)

// Artifacts and events.
var (
	FilterGeneration = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "device_filter_generation",
		Help:      "Generation of the active device filter.",
	})
	RegionLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "region_plan_loaded",
		Help:      "1 once a region plan is active.",
	})
	ArtifactRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "artifact_refreshes_total",
		Help:      "Artifact refresh attempts by artifact and result.",
	}, []string{"artifact", "result"})
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Structured events dropped because the event buffer was full.",
	})
)
