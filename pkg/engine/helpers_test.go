package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"anti_vpn/pkg/data"
	"anti_vpn/pkg/source"
)

var errSourceDown = errors.New("source down")

// countingSource answers with a fixed result and counts calls.
type countingSource struct {
	name   string
	answer bool
	err    error
	delay  time.Duration
	calls  atomic.Int32
}

func (s *countingSource) Name() string { return s.name }

func (s *countingSource) Result(ctx context.Context, subject string) (bool, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return s.answer, s.err
}

func answers(name string, answer bool) *countingSource {
	return &countingSource{name: name, answer: answer}
}

func fails(name string, err error) *countingSource {
	return &countingSource{name: name, err: err}
}

// recordingBroadcaster keeps every queued mutation.
type recordingBroadcaster struct {
	mu            sync.Mutex
	ips           []*data.IPVerdict
	ipDeletes     []string
	players       []*data.PlayerVerdict
	playerDeletes []uuid.UUID
}

func (b *recordingBroadcaster) QueueIP(v *data.IPVerdict) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ips = append(b.ips, v)
}

func (b *recordingBroadcaster) QueueIPDelete(ip string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ipDeletes = append(b.ipDeletes, ip)
}

func (b *recordingBroadcaster) QueuePlayer(v *data.PlayerVerdict) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.players = append(b.players, v)
}

func (b *recordingBroadcaster) QueuePlayerDelete(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.playerDeletes = append(b.playerDeletes, id)
}

func (b *recordingBroadcaster) ipCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ips)
}

type fixture struct {
	manager     *IPManager
	primary     *data.MemoryStore
	secondary   *data.MemoryStore
	broadcaster *recordingBroadcaster
}

func newFixture(t *testing.T, sources ...source.Source) *fixture {
	t.Helper()
	f := &fixture{
		primary:     data.NewMemoryStore("primary"),
		secondary:   data.NewMemoryStore("secondary"),
		broadcaster: &recordingBroadcaster{},
	}
	opts := Options{
		Stores:           []data.Store{f.primary, f.secondary},
		Algorithm:        data.Cascade,
		MinConsensus:     0.6,
		Threads:          4,
		ConsensusTimeout: 2 * time.Second,
		Freshness:        time.Hour,
		ResultTTL:        time.Minute,
		Broadcaster:      f.broadcaster,
	}
	f.manager = NewIPManager(opts, source.NewManager(sources...), zaptest.NewLogger(t))
	return f
}
