package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Number of online drivers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// Offer Manager (component E).
	OffersOpened    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_opened_total", Help: "Total offers opened"})
	OffersAccepted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_accepted_total", Help: "Total offers accepted"})
	OffersExpired   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_expired_total", Help: "Total offers that expired unaccepted"})
	OffersCancelled = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_cancelled_total", Help: "Total offers cancelled by the rider"})

	// Nearby-Driver Query (component D).
	NearbySearchRadius = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_dispatch", Name: "nearby_search_radius_rings", Help: "Ring index at which findNearby returned a result",
		Buckets: []float64{0, 1, 2, 3, 4, 5},
	})
	NearbyEmptyTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "nearby_empty_total", Help: "Total findNearby calls returning zero candidates"})

	// Location Sync Worker (component F).
	SyncRunsTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "sync_runs_total", Help: "Total sync worker runs"})
	SyncRunDuration   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "sync_run_duration_seconds", Help: "Sync worker run duration"})
	SyncDriversSynced = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "sync_drivers_synced_total", Help: "Total driver records durably persisted by the sync worker"})
	SyncFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "sync_failures_total", Help: "Total per-driver persist failures merged back to active-dirty"})

	// Ingress/Egress (component G).
	WSConnectionsTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ws_connections_total", Help: "Total websocket connections accepted"})
	WSAuthFailures       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ws_auth_failures_total", Help: "Total websocket auth failures"})
	WSProtocolViolations = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ws_protocol_violations_total", Help: "Total channels closed for sending an event outside the closed inbound event union"})
)
