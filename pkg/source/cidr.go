package source

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
)

// CIDRSource flags addresses inside any of a fixed set of prefixes. Subjects
// that are not IP addresses get no answer.
type CIDRSource struct {
	name     string
	prefixes []netip.Prefix
}

// NewCIDRSource parses the given prefixes. A bare address is treated as a
// single-host prefix.
func NewCIDRSource(name string, cidrs []string) (*CIDRSource, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if !strings.Contains(c, "/") {
			addr, err := netip.ParseAddr(c)
			if err != nil {
				return nil, fmt.Errorf("parsing address %q: %w", c, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("parsing prefix %q: %w", c, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return &CIDRSource{name: name, prefixes: prefixes}, nil
}

func (s *CIDRSource) Name() string { return s.name }

func (s *CIDRSource) Result(ctx context.Context, subject string) (bool, error) {
	addr, err := netip.ParseAddr(subject)
	if err != nil {
		return false, fmt.Errorf("%w: %q is not an ip address", ErrNoAnswer, subject)
	}
	addr = addr.Unmap()
	for _, p := range s.prefixes {
		if p.Contains(addr) {
			return true, nil
		}
	}
	return false, nil
}
