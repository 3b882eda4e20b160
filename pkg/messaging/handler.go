package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"anti_vpn/pkg/cache"
	"anti_vpn/pkg/data"
	"anti_vpn/pkg/metrics"
)

const (
	// DefaultDedupWriteTTL and DefaultDedupAccessTTL bound how long a message
	// id is remembered.
	DefaultDedupWriteTTL  = 2 * time.Minute
	DefaultDedupAccessTTL = 30 * time.Second
	DefaultFlushInterval  = time.Second

	maxSeenIDs = 1 << 17
)

var (
	ErrNoIPCache     = errors.New("ip cache not bound")
	ErrNoPlayerCache = errors.New("player cache not bound")
	ErrNoStores      = errors.New("no stores configured")
)

// IPCache is the local IP verdict cache packets are applied to.
type IPCache interface {
	CacheIP(v *data.IPVerdict)
	InvalidateIP(ip string)
}

// PlayerCache is the local player verdict cache packets are applied to.
type PlayerCache interface {
	CachePlayer(v *data.PlayerVerdict)
	InvalidatePlayer(id uuid.UUID)
}

// Config configures a Dispatcher.
type Config struct {
	// ServerID identifies this node as a packet sender.
	ServerID uuid.UUID
	// Stores receive every remote mutation, primary first.
	Stores         []data.Store
	FlushInterval  time.Duration
	DedupWriteTTL  time.Duration
	DedupAccessTTL time.Duration
	Metrics        *metrics.Metrics
}

// Dispatcher applies remote packets locally and publishes local mutations.
// It implements Receiver for inbound traffic and the engine broadcaster
// contract for outbound traffic.
type Dispatcher struct {
	serverID uuid.UUID
	stores   []data.Store
	seen     *cache.TTLMap[uuid.UUID, struct{}]
	metrics  *metrics.Metrics
	logger   *zap.Logger

	flushInterval time.Duration

	mu          sync.RWMutex
	ipCache     IPCache
	playerCache PlayerCache
	services    []Service

	queueMu sync.Mutex
	queue   []Packet
}

// NewDispatcher creates a dispatcher with no services and no caches bound.
func NewDispatcher(cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.ServerID == uuid.Nil {
		cfg.ServerID = uuid.New()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.DedupWriteTTL <= 0 {
		cfg.DedupWriteTTL = DefaultDedupWriteTTL
	}
	if cfg.DedupAccessTTL <= 0 {
		cfg.DedupAccessTTL = DefaultDedupAccessTTL
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NopMetrics()
	}

	return &Dispatcher{
		serverID:      cfg.ServerID,
		stores:        cfg.Stores,
		seen:          cache.New[uuid.UUID, struct{}](maxSeenIDs, cfg.DedupWriteTTL, cfg.DedupAccessTTL),
		metrics:       cfg.Metrics,
		logger:        logger.Named("messaging").With(zap.Stringer("server", cfg.ServerID)),
		flushInterval: cfg.FlushInterval,
	}
}

// ServerID returns the sender identity stamped on outbound packets.
func (d *Dispatcher) ServerID() uuid.UUID {
	return d.serverID
}

// BindIPCache sets the cache IP packets are applied to.
func (d *Dispatcher) BindIPCache(c IPCache) {
	d.mu.Lock()
	d.ipCache = c
	d.mu.Unlock()
}

// BindPlayerCache sets the cache player packets are applied to.
func (d *Dispatcher) BindPlayerCache(c PlayerCache) {
	d.mu.Lock()
	d.playerCache = c
	d.mu.Unlock()
}

// AddService registers a transport for publishing and relaying.
func (d *Dispatcher) AddService(s Service) {
	d.mu.Lock()
	d.services = append(d.services, s)
	d.mu.Unlock()
	d.logger.Info("Messaging service added", zap.String("service", s.Name()))
}

// MarkSeen records a message id as handled. It reports false when the id
// was already known.
func (d *Dispatcher) MarkSeen(id uuid.UUID) bool {
	return d.seen.PutIfAbsent(id, struct{}{})
}

// HandlePacket applies a packet received from the named service and relays
// it to every other service. A message id is handled at most once within
// the dedup window.
func (d *Dispatcher) HandlePacket(ctx context.Context, id uuid.UUID, p Packet, from string) {
	if !d.MarkSeen(id) {
		d.metrics.PacketsDuplicate.Add(1)
		return
	}
	if p.SenderID() == d.serverID {
		// Our own packet came back after its id expired.
		return
	}

	logger := d.logger.With(
		zap.Stringer("id", id),
		zap.String("kind", string(p.Kind())),
		zap.String("from", from))

	if err := d.apply(ctx, p, logger); err != nil {
		logger.Error("Failed to handle packet", zap.Error(err))
		return
	}
	d.relay(ctx, id, p, from)
}

func (d *Dispatcher) apply(ctx context.Context, p Packet, logger *zap.Logger) error {
	d.mu.RLock()
	ipCache, playerCache := d.ipCache, d.playerCache
	d.mu.RUnlock()

	switch p := p.(type) {
	case *MultiPacket:
		for _, inner := range p.Packets {
			if err := d.apply(ctx, inner, logger); err != nil {
				logger.Error("Failed to handle batched packet",
					zap.String("inner", string(inner.Kind())), zap.Error(err))
			}
		}
		return nil

	case *IPPacket:
		if ipCache == nil {
			return ErrNoIPCache
		}
		if len(d.stores) == 0 {
			return ErrNoStores
		}
		ip, err := data.NormalizeIP(p.IP)
		if err != nil {
			return err
		}
		v := p.Verdict()
		v.IP = ip
		if err := v.Validate(); err != nil {
			return err
		}
		ipCache.CacheIP(v)
		d.eachStore(logger, func(s data.Store) error { return s.SaveIP(ctx, v) })

	case *DeleteIPPacket:
		if ipCache == nil {
			return ErrNoIPCache
		}
		if len(d.stores) == 0 {
			return ErrNoStores
		}
		ip, err := data.NormalizeIP(p.IP)
		if err != nil {
			return err
		}
		ipCache.InvalidateIP(ip)
		d.eachStore(logger, func(s data.Store) error { return s.DeleteIP(ctx, ip) })

	case *PlayerPacket:
		if playerCache == nil {
			return ErrNoPlayerCache
		}
		if len(d.stores) == 0 {
			return ErrNoStores
		}
		v := p.Verdict()
		if err := v.Validate(); err != nil {
			return err
		}
		playerCache.CachePlayer(v)
		d.eachStore(logger, func(s data.Store) error { return s.SavePlayer(ctx, v) })

	case *DeletePlayerPacket:
		if playerCache == nil {
			return ErrNoPlayerCache
		}
		if len(d.stores) == 0 {
			return ErrNoStores
		}
		playerCache.InvalidatePlayer(p.Player)
		d.eachStore(logger, func(s data.Store) error { return s.DeletePlayer(ctx, p.Player) })

	default:
		return ErrUnknownKind
	}

	d.metrics.PacketsHandled.With("kind", string(p.Kind())).Add(1)
	return nil
}

// eachStore runs fn against every store. Failures are logged and the
// remaining stores are still attempted.
func (d *Dispatcher) eachStore(logger *zap.Logger, fn func(data.Store) error) {
	for _, s := range d.stores {
		if err := fn(s); err != nil {
			d.metrics.StoreFailures.With("store", s.Name()).Add(1)
			logger.Error("Storage backend failed", zap.String("store", s.Name()), zap.Error(err))
		}
	}
}
