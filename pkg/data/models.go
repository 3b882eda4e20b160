package data

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Error variables for consistent error handling
var (
	ErrNotFound         = errors.New("record not found")
	ErrInvalidIP        = errors.New("invalid ip address")
	ErrInvalidAlgorithm = errors.New("invalid algorithm")
	ErrInvalidVerdict   = errors.New("invalid verdict")
)

// Algorithm identifies how a verdict was computed. The ordinal is what
// storage backends persist.
type Algorithm int

const (
	Cascade Algorithm = iota
	Consensus
)

func (a Algorithm) String() string {
	switch a {
	case Cascade:
		return "cascade"
	case Consensus:
		return "consensus"
	default:
		return fmt.Sprintf("algorithm(%d)", int(a))
	}
}

// Valid reports whether a is a known algorithm.
func (a Algorithm) Valid() bool {
	return a == Cascade || a == Consensus
}

// ParseAlgorithm converts a configuration string into an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cascade":
		return Cascade, nil
	case "consensus":
		return Consensus, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidAlgorithm, s)
	}
}

// IPVerdict is the stored result of resolving an IP address. Exactly one of
// Cascade and Consensus is meaningful, selected by Algorithm.
type IPVerdict struct {
	IP        string    `json:"ip"`
	Algorithm Algorithm `json:"algorithm"`
	Cascade   *bool     `json:"cascade,omitempty"`
	Consensus *float64  `json:"consensus,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewCascadeVerdict returns a verdict produced by the cascade algorithm.
func NewCascadeVerdict(ip string, flagged bool) *IPVerdict {
	now := time.Now()
	return &IPVerdict{IP: ip, Algorithm: Cascade, Cascade: &flagged, CreatedAt: now, UpdatedAt: now}
}

// NewConsensusVerdict returns a verdict produced by the consensus algorithm.
func NewConsensusVerdict(ip string, score float64) *IPVerdict {
	now := time.Now()
	return &IPVerdict{IP: ip, Algorithm: Consensus, Consensus: &score, CreatedAt: now, UpdatedAt: now}
}

// CascadeOrDefault returns the cascade answer, false when absent.
func (v *IPVerdict) CascadeOrDefault() bool {
	return v.Cascade != nil && *v.Cascade
}

// ConsensusOrDefault returns the consensus score. An absent score reads as
// 1.0 so that a missing value fails safe towards flagging.
func (v *IPVerdict) ConsensusOrDefault() float64 {
	if v.Consensus == nil {
		return 1.0
	}
	return *v.Consensus
}

// Flagged applies the verdict's own algorithm. The consensus threshold is
// supplied by the caller.
func (v *IPVerdict) Flagged(minConsensus float64) bool {
	if v.Algorithm == Consensus {
		return v.ConsensusOrDefault() >= minConsensus
	}
	return v.CascadeOrDefault()
}

// Validate checks that the verdict can be persisted
func (v *IPVerdict) Validate() error {
	if _, err := netip.ParseAddr(v.IP); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidIP, v.IP)
	}
	if !v.Algorithm.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidAlgorithm, int(v.Algorithm))
	}
	if v.Consensus != nil && (*v.Consensus < 0 || *v.Consensus > 1) {
		return fmt.Errorf("%w: consensus %f out of range", ErrInvalidVerdict, *v.Consensus)
	}
	return nil
}

// Clone returns a deep copy so cached values cannot be mutated by callers.
func (v *IPVerdict) Clone() *IPVerdict {
	if v == nil {
		return nil
	}
	c := *v
	if v.Cascade != nil {
		b := *v.Cascade
		c.Cascade = &b
	}
	if v.Consensus != nil {
		f := *v.Consensus
		c.Consensus = &f
	}
	return &c
}

// PlayerVerdict is the stored result of checking a player identity.
type PlayerVerdict struct {
	Player    uuid.UUID `json:"player"`
	Flagged   bool      `json:"flagged"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewPlayerVerdict returns a verdict stamped with the current time.
func NewPlayerVerdict(player uuid.UUID, flagged bool) *PlayerVerdict {
	now := time.Now()
	return &PlayerVerdict{Player: player, Flagged: flagged, CreatedAt: now, UpdatedAt: now}
}

// Validate checks that the verdict can be persisted
func (v *PlayerVerdict) Validate() error {
	if v.Player == uuid.Nil {
		return fmt.Errorf("%w: empty player id", ErrInvalidVerdict)
	}
	return nil
}

// CacheKey identifies one cached result. It is a comparable value type so
// it can be used directly as a map key.
type CacheKey struct {
	Subject   string
	Algorithm Algorithm
}

func (k CacheKey) String() string {
	return k.Subject + "/" + k.Algorithm.String()
}

// NormalizeIP returns the canonical text form of an IP address.
func NormalizeIP(ip string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	return addr.Unmap().String(), nil
}

// IsFresh reports whether a record updated at the given time is still
// inside the freshness window. A zero window disables the check.
func IsFresh(updatedAt time.Time, freshness time.Duration) bool {
	if freshness <= 0 {
		return true
	}
	return updatedAt.After(time.Now().Add(-freshness))
}
