package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"anti_vpn/pkg/config"
	"anti_vpn/pkg/data"
	"anti_vpn/pkg/metrics"
)

// Broadcaster hands outbound mutations to the messaging layer. Calls are
// fire-and-forget and must not block.
type Broadcaster interface {
	QueueIP(v *data.IPVerdict)
	QueueIPDelete(ip string)
	QueuePlayer(v *data.PlayerVerdict)
	QueuePlayerDelete(id uuid.UUID)
}

type nopBroadcaster struct{}

func (nopBroadcaster) QueueIP(*data.IPVerdict)         {}
func (nopBroadcaster) QueueIPDelete(string)            {}
func (nopBroadcaster) QueuePlayer(*data.PlayerVerdict) {}
func (nopBroadcaster) QueuePlayerDelete(uuid.UUID)     {}

// Options configures the IP and player managers.
type Options struct {
	// Stores in priority order, primary first.
	Stores []data.Store
	// Algorithm applied by IsVPN.
	Algorithm    data.Algorithm
	MinConsensus float64
	// Threads is the consensus worker pool width.
	Threads          int
	ConsensusTimeout time.Duration
	SourceTimeout    time.Duration
	// Freshness is how long a stored verdict can stand in for a source query.
	Freshness time.Duration
	// ResultTTL is the result cache write and access TTL.
	ResultTTL  time.Duration
	MaxEntries uint32
	// Debug logs each resolution step at info level.
	Debug       bool
	Broadcaster Broadcaster
	Metrics     *metrics.Metrics
}

// OptionsFromConfig maps the node configuration onto engine options.
func OptionsFromConfig(cfg *config.Config, stores []data.Store, m *metrics.Metrics) (Options, error) {
	algorithm, err := data.ParseAlgorithm(cfg.Algorithm.Method)
	if err != nil {
		return Options{}, fmt.Errorf("parsing algorithm: %w", err)
	}

	return Options{
		Stores:           stores,
		Algorithm:        algorithm,
		MinConsensus:     cfg.Algorithm.MinConsensus,
		Threads:          cfg.Threads,
		ConsensusTimeout: cfg.Algorithm.ConsensusTimeout,
		SourceTimeout:    cfg.Algorithm.SourceTimeout,
		Freshness:        cfg.Cache.SourceTime,
		ResultTTL:        cfg.Cache.ResultTime,
		MaxEntries:       cfg.Cache.MaxEntries,
		Debug:            cfg.Debug,
		Metrics:          m,
	}, nil
}

func (o Options) withDefaults() Options {
	if o.Threads < 1 {
		o.Threads = 1
	}
	if o.ConsensusTimeout <= 0 {
		o.ConsensusTimeout = DefaultConsensusTimeout
	}
	if o.ResultTTL <= 0 {
		o.ResultTTL = time.Minute
	}
	if o.MaxEntries == 0 {
		o.MaxEntries = 100000
	}
	if o.Broadcaster == nil {
		o.Broadcaster = nopBroadcaster{}
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NopMetrics()
	}
	return o
}
