package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"anti_vpn/pkg/data"
)

// countingStore counts writes reaching a memory store.
type countingStore struct {
	*data.MemoryStore
	ipWrites     atomic.Int32
	ipDeletes    atomic.Int32
	playerWrites atomic.Int32
}

func newCountingStore(name string) *countingStore {
	return &countingStore{MemoryStore: data.NewMemoryStore(name)}
}

func (s *countingStore) SaveIP(ctx context.Context, v *data.IPVerdict) error {
	s.ipWrites.Add(1)
	return s.MemoryStore.SaveIP(ctx, v)
}

func (s *countingStore) DeleteIP(ctx context.Context, ip string) error {
	s.ipDeletes.Add(1)
	return s.MemoryStore.DeleteIP(ctx, ip)
}

func (s *countingStore) SavePlayer(ctx context.Context, v *data.PlayerVerdict) error {
	s.playerWrites.Add(1)
	return s.MemoryStore.SavePlayer(ctx, v)
}

// mapCache is a minimal IPCache and PlayerCache.
type mapCache struct {
	mu      sync.Mutex
	ips     map[string]*data.IPVerdict
	players map[uuid.UUID]*data.PlayerVerdict
	puts    int
}

func newMapCache() *mapCache {
	return &mapCache{
		ips:     make(map[string]*data.IPVerdict),
		players: make(map[uuid.UUID]*data.PlayerVerdict),
	}
}

func (c *mapCache) CacheIP(v *data.IPVerdict) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ips[v.IP] = v
	c.puts++
}

func (c *mapCache) InvalidateIP(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ips, ip)
}

func (c *mapCache) CachePlayer(v *data.PlayerVerdict) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.players[v.Player] = v
	c.puts++
}

func (c *mapCache) InvalidatePlayer(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.players, id)
}

func (c *mapCache) ip(ip string) (*data.IPVerdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.ips[ip]
	return v, ok
}

type sentPacket struct {
	id     uuid.UUID
	packet Packet
}

// captureService records everything sent through it.
type captureService struct {
	name string
	mu   sync.Mutex
	sent []sentPacket
}

func (s *captureService) Name() string { return s.name }

func (s *captureService) Send(ctx context.Context, id uuid.UUID, p Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentPacket{id: id, packet: p})
	return nil
}

func (s *captureService) Close() error { return nil }

func (s *captureService) packets() []sentPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentPacket(nil), s.sent...)
}

func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, *countingStore, *mapCache) {
	t.Helper()
	store := newCountingStore("memory")
	if cfg.Stores == nil {
		cfg.Stores = []data.Store{store}
	}
	d := NewDispatcher(cfg, zaptest.NewLogger(t))
	c := newMapCache()
	d.BindIPCache(c)
	d.BindPlayerCache(c)
	return d, store, c
}

func ptr[T any](v T) *T { return &v }
