package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ThreatsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_threats_ingested_total",
			Help: "Total number of threat candidates ingested",
		},
		[]string{"source"},
	)

	DuplicatesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_duplicates_detected_total",
			Help: "Total number of candidates merged into an existing canonical record",
		},
		[]string{"source"},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_deliveries_total",
			Help: "Total number of subscription delivery attempts by channel and outcome",
		},
		[]string{"channel", "status"},
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aegis_delivery_duration_seconds",
			Help:    "Time taken to deliver a threat to a single subscription channel",
			Buckets: prometheus.DefBuckets,
		},
	)

	ThreatsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_threats_expired_total",
			Help: "Total number of threats transitioned to expired by the sweeper",
		},
	)

	FanoutDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_fanout_dropped_total",
			Help: "Total number of threats dropped from fan-out because the queue was full",
		},
	)

	StreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_stream_clients",
			Help: "Number of connected real-time stream clients",
		},
	)

	FeedFetchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_feed_fetch_failures_total",
			Help: "Total number of failed external source fetches",
		},
		[]string{"source"},
	)
)
