package metrics

import (
	"testing"

	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopMetrics(t *testing.T) {
	m := NopMetrics()
	assert.NotPanics(t, func() {
		m.CacheHits.Add(1)
		m.Resolutions.With("algorithm", "cascade", "outcome", "flagged").Add(1)
		m.ResolutionSeconds.With("algorithm", "consensus").Observe(0.1)
		m.DeadSources.Set(2)
		m.CacheHitRatio.With("cache", "ip").Set(50)
		m.PacketsSent.With("service", "p2p").Add(1)
	})
}

func TestPrometheusMetrics(t *testing.T) {
	m := PrometheusMetrics("antivpn_test")
	m.CacheHits.Add(3)
	m.SourceFailures.With("source", "remote").Add(1)
	m.CacheHitRatio.With("cache", "ip").Set(75)

	families, err := stdprometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	assert.True(t, found["antivpn_test_engine_cache_hits_total"])
	assert.True(t, found["antivpn_test_engine_source_failures_total"])
	assert.True(t, found["antivpn_test_engine_cache_hit_ratio"])
}
