package data

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store defines the interface for verdict persistence. Nodes keep an ordered
// list of stores, primary first; every mutation is applied to all of them.
//
// Reads take a freshness window: records last updated before now-freshness
// are reported as ErrNotFound and left out of listings.
type Store interface {
	Name() string

	// IP verdict operations
	GetIP(ctx context.Context, ip string, freshness time.Duration) (*IPVerdict, error)
	ListIPs(ctx context.Context, freshness time.Duration) ([]string, error)
	SaveIP(ctx context.Context, v *IPVerdict) error
	DeleteIP(ctx context.Context, ip string) error

	// Player verdict operations
	GetPlayer(ctx context.Context, id uuid.UUID, freshness time.Duration) (*PlayerVerdict, error)
	ListPlayers(ctx context.Context, freshness time.Duration) ([]uuid.UUID, error)
	SavePlayer(ctx context.Context, v *PlayerVerdict) error
	DeletePlayer(ctx context.Context, id uuid.UUID) error

	Close() error
}
