// Package metrics holds the prometheus metrics exposed by a node.
package metrics

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	EngineSubsystem    = "engine"
	MessagingSubsystem = "messaging"
)

// Metrics contains metrics exposed by the node.
type Metrics struct {
	// Result cache lookups that found a live entry.
	CacheHits metrics.Counter
	// Result cache lookups that had to load.
	CacheMisses metrics.Counter
	// Verdicts served from storage instead of sources.
	StorageHits metrics.Counter
	// Completed resolutions, labelled by algorithm and outcome.
	Resolutions metrics.Counter
	// Resolution latency in seconds, labelled by algorithm.
	ResolutionSeconds metrics.Histogram
	// Source queries that failed, labelled by source.
	SourceFailures metrics.Counter
	// Sources currently marked dead.
	DeadSources metrics.Gauge
	// Result cache hit percentage, labelled by cache.
	CacheHitRatio metrics.Gauge

	// Packets applied, labelled by kind.
	PacketsHandled metrics.Counter
	// Packets dropped because their id was already seen.
	PacketsDuplicate metrics.Counter
	// Packets sent, labelled by service.
	PacketsSent metrics.Counter
	// Store writes that failed while applying a packet, labelled by store.
	StoreFailures metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// It registers with the default registry and must be called once.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		CacheHits: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: EngineSubsystem,
			Name:      "cache_hits_total",
			Help:      "Result cache lookups that found a live entry.",
		}, []string{}),
		CacheMisses: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: EngineSubsystem,
			Name:      "cache_misses_total",
			Help:      "Result cache lookups that had to compute a verdict.",
		}, []string{}),
		StorageHits: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: EngineSubsystem,
			Name:      "storage_hits_total",
			Help:      "Verdicts served from storage instead of querying sources.",
		}, []string{}),
		Resolutions: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: EngineSubsystem,
			Name:      "resolutions_total",
			Help:      "Completed resolutions.",
		}, []string{"algorithm", "outcome"}),
		ResolutionSeconds: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: EngineSubsystem,
			Name:      "resolution_seconds",
			Help:      "Time spent querying sources.",
			Buckets:   stdprometheus.ExponentialBuckets(0.005, 2, 13),
		}, []string{"algorithm"}),
		SourceFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: EngineSubsystem,
			Name:      "source_failures_total",
			Help:      "Source queries that errored or gave no answer.",
		}, []string{"source"}),
		DeadSources: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: EngineSubsystem,
			Name:      "dead_sources",
			Help:      "Sources currently skipped after a recent failure.",
		}, []string{}),
		CacheHitRatio: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: EngineSubsystem,
			Name:      "cache_hit_ratio",
			Help:      "Percentage of result cache lookups that found a live entry.",
		}, []string{"cache"}),
		PacketsHandled: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MessagingSubsystem,
			Name:      "packets_handled_total",
			Help:      "Packets applied locally.",
		}, []string{"kind"}),
		PacketsDuplicate: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MessagingSubsystem,
			Name:      "packets_duplicate_total",
			Help:      "Packets dropped because their message id was recently seen.",
		}, []string{}),
		PacketsSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MessagingSubsystem,
			Name:      "packets_sent_total",
			Help:      "Packets sent to a messaging service.",
		}, []string{"service"}),
		StoreFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MessagingSubsystem,
			Name:      "store_failures_total",
			Help:      "Storage writes that failed while applying a packet.",
		}, []string{"store"}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		CacheHits:         discard.NewCounter(),
		CacheMisses:       discard.NewCounter(),
		StorageHits:       discard.NewCounter(),
		Resolutions:       discard.NewCounter(),
		ResolutionSeconds: discard.NewHistogram(),
		SourceFailures:    discard.NewCounter(),
		DeadSources:       discard.NewGauge(),
		CacheHitRatio:     discard.NewGauge(),
		PacketsHandled:    discard.NewCounter(),
		PacketsDuplicate:  discard.NewCounter(),
		PacketsSent:       discard.NewCounter(),
		StoreFailures:     discard.NewCounter(),
	}
}
