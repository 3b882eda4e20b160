// Package platform records what a node has seen since it started.
package platform

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Platform tracks unique players and IPs checked by this node.
type Platform struct {
	startTime time.Time

	mu      sync.RWMutex
	players map[uuid.UUID]struct{}
	ips     map[string]struct{}
}

// Stats is a point-in-time summary of a Platform.
type Stats struct {
	StartTime     time.Time     `json:"start_time"`
	Uptime        time.Duration `json:"uptime"`
	UniquePlayers int           `json:"unique_players"`
	UniqueIPs     int           `json:"unique_ips"`
}

// New returns a platform started at startTime.
func New(startTime time.Time) *Platform {
	return &Platform{
		startTime: startTime,
		players:   make(map[uuid.UUID]struct{}),
		ips:       make(map[string]struct{}),
	}
}

func (p *Platform) AddUniquePlayer(id uuid.UUID) {
	p.mu.Lock()
	p.players[id] = struct{}{}
	p.mu.Unlock()
}

func (p *Platform) AddUniqueIP(ip string) {
	p.mu.Lock()
	p.ips[ip] = struct{}{}
	p.mu.Unlock()
}

// UniquePlayers returns a copy of the players seen.
func (p *Platform) UniquePlayers() []uuid.UUID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(p.players))
	for id := range p.players {
		out = append(out, id)
	}
	return out
}

// UniqueIPs returns a copy of the IPs seen.
func (p *Platform) UniqueIPs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.ips))
	for ip := range p.ips {
		out = append(out, ip)
	}
	return out
}

func (p *Platform) StartTime() time.Time {
	return p.startTime
}

func (p *Platform) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{
		StartTime:     p.startTime,
		Uptime:        time.Since(p.startTime).Round(time.Second),
		UniquePlayers: len(p.players),
		UniqueIPs:     len(p.ips),
	}
}
