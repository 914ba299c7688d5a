// Package metrics provides Prometheus instrumentation for the presence relay.
// It exposes gauges for connection and presence counts, counters for admission,
// routing and enrichment outcomes, and a histogram for enrichment latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of users with at least one live session.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_online_users",
		Help: "Current number of users with at least one live session",
	})

	// AdmissionsTotal counts connection admission decisions.
	AdmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_admissions_total",
		Help: "Connection admission decisions",
	}, []string{"result"}) // result = "accepted", "rejected", "unauthorized", "over_capacity"

	// PresenceTransitions counts online/offline boundary crossings.
	PresenceTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_presence_transitions_total",
		Help: "Presence transitions by kind",
	}, []string{"transition"})

	// EventsTotal counts inbound client events.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_total",
		Help: "Inbound client events",
	}, []string{"event", "result"}) // result = "accepted", "rejected", "panic"

	// DeliveriesTotal counts per-session outbound deliveries.
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_deliveries_total",
		Help: "Outbound per-session deliveries",
	}, []string{"event", "result"}) // result = "sent", "failed", "no_recipient", "broadcast"

	// EnrichmentLookups counts record-store lookups made during enrichment.
	EnrichmentLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_enrichment_lookups_total",
		Help: "Record-store lookups made while enriching notifications",
	}, []string{"kind", "result"}) // kind = "user", "post"; result = "found", "not_found", "error"

	// EnrichmentLatency records the time from receiving a notification to
	// handing the enriched payload to the router.
	EnrichmentLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_enrichment_latency_seconds",
		Help:    "Notification enrichment latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		AdmissionsTotal,
		PresenceTransitions,
		EventsTotal,
		DeliveriesTotal,
		EnrichmentLookups,
		EnrichmentLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
