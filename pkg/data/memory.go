package data

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps verdicts in process memory. It is the default backend
// when no storage is configured and the test double for the others.
type MemoryStore struct {
	name    string
	mu      sync.RWMutex
	ips     map[string]*IPVerdict
	players map[uuid.UUID]*PlayerVerdict
}

// Ensure MemoryStore implements the Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store
func NewMemoryStore(name string) *MemoryStore {
	return &MemoryStore{
		name:    name,
		ips:     make(map[string]*IPVerdict),
		players: make(map[uuid.UUID]*PlayerVerdict),
	}
}

func (s *MemoryStore) Name() string { return s.name }

func (s *MemoryStore) GetIP(ctx context.Context, ip string, freshness time.Duration) (*IPVerdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.ips[ip]
	if !ok || !IsFresh(v.UpdatedAt, freshness) {
		return nil, ErrNotFound
	}
	return v.Clone(), nil
}

func (s *MemoryStore) ListIPs(ctx context.Context, freshness time.Duration) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ips := make([]string, 0, len(s.ips))
	for ip, v := range s.ips {
		if IsFresh(v.UpdatedAt, freshness) {
			ips = append(ips, ip)
		}
	}
	sort.Strings(ips)
	return ips, nil
}

// SaveIP creates the record when missing and overwrites its result
// otherwise. The original creation time is kept.
func (s *MemoryStore) SaveIP(ctx context.Context, v *IPVerdict) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("validating ip verdict: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := v.Clone()
	now := time.Now()
	if existing, ok := s.ips[v.IP]; ok {
		c.CreatedAt = existing.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.ips[v.IP] = c
	return nil
}

func (s *MemoryStore) DeleteIP(ctx context.Context, ip string) error {
	s.mu.Lock()
	delete(s.ips, ip)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetPlayer(ctx context.Context, id uuid.UUID, freshness time.Duration) (*PlayerVerdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.players[id]
	if !ok || !IsFresh(v.UpdatedAt, freshness) {
		return nil, ErrNotFound
	}
	c := *v
	return &c, nil
}

func (s *MemoryStore) ListPlayers(ctx context.Context, freshness time.Duration) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(s.players))
	for id, v := range s.players {
		if IsFresh(v.UpdatedAt, freshness) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (s *MemoryStore) SavePlayer(ctx context.Context, v *PlayerVerdict) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("validating player verdict: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *v
	now := time.Now()
	if existing, ok := s.players[v.Player]; ok {
		c.CreatedAt = existing.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.players[v.Player] = &c
	return nil
}

func (s *MemoryStore) DeletePlayer(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	delete(s.players, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Age rewinds the update time of every record. Tests use it to exercise
// freshness windows without sleeping.
func (s *MemoryStore) Age(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.ips {
		v.UpdatedAt = v.UpdatedAt.Add(-d)
	}
	for _, v := range s.players {
		v.UpdatedAt = v.UpdatedAt.Add(-d)
	}
}
