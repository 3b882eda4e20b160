// Package source defines the reputation sources queried by the resolution
// engine and the built-in implementations.
package source

import (
	"context"
	"errors"
)

// ErrNoAnswer is returned when a source could not decide. Callers treat it,
// like every other error, as "no answer" rather than "negative answer".
var ErrNoAnswer = errors.New("source returned no answer")

// Source answers whether a subject (an IP address or a player id) is flagged.
type Source interface {
	Name() string
	Result(ctx context.Context, subject string) (bool, error)
}

// Func adapts a function to the Source interface.
type Func struct {
	SourceName string
	Fn         func(ctx context.Context, subject string) (bool, error)
}

func (f Func) Name() string { return f.SourceName }

func (f Func) Result(ctx context.Context, subject string) (bool, error) {
	return f.Fn(ctx, subject)
}

// Manager holds the ordered source list. The order is the cascade priority.
type Manager struct {
	sources []Source
}

// NewManager returns a manager over a copy of sources.
func NewManager(sources ...Source) *Manager {
	return &Manager{sources: append([]Source(nil), sources...)}
}

// Sources returns the sources in priority order. The returned slice is a
// copy and may be modified by the caller.
func (m *Manager) Sources() []Source {
	return append([]Source(nil), m.sources...)
}

// Len returns the number of sources.
func (m *Manager) Len() int {
	return len(m.sources)
}
