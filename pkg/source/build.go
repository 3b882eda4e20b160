package source

import (
	"fmt"

	"anti_vpn/pkg/config"
)

// FromConfig builds a manager from the configured source list, preserving
// its order.
func FromConfig(cfgs []config.SourceConfig) (*Manager, error) {
	sources := make([]Source, 0, len(cfgs))
	for _, c := range cfgs {
		switch c.Type {
		case config.SourceCIDR:
			s, err := NewCIDRSource(c.Name, c.CIDRs)
			if err != nil {
				return nil, fmt.Errorf("source %q: %w", c.Name, err)
			}
			sources = append(sources, s)
		case config.SourceHTTP:
			sources = append(sources, NewHTTPSource(c.Name, c.URL, c.Field, c.Timeout))
		default:
			return nil, fmt.Errorf("source %q: unknown type %q", c.Name, c.Type)
		}
	}
	return NewManager(sources...), nil
}
