package zone

import (
	"sort"
	"strings"
)

// Zone partitions volume and rank tracking. Keys are compared verbatim.
type Zone string

// Registry validates zone keys supplied by callers.
type Registry interface {
	Valid(zone Zone) bool
}

// StaticRegistry accepts a fixed set of zone keys.
type StaticRegistry map[Zone]struct{}

// NewStaticRegistry builds a registry from the supplied keys, ignoring blanks.
func NewStaticRegistry(zones ...string) StaticRegistry {
	reg := make(StaticRegistry, len(zones))
	for _, z := range zones {
		trimmed := strings.TrimSpace(z)
		if trimmed == "" {
			continue
		}
		reg[Zone(trimmed)] = struct{}{}
	}
	return reg
}

// Valid implements Registry.
func (r StaticRegistry) Valid(zone Zone) bool {
	_, ok := r[zone]
	return ok
}

// Keys returns the registered zones in lexical order.
func (r StaticRegistry) Keys() []Zone {
	out := make([]Zone, 0, len(r))
	for z := range r {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks the zone against the optional registry. Without a registry
// any non-empty key is accepted.
func Validate(reg Registry, zone Zone) error {
	if strings.TrimSpace(string(zone)) == "" {
		return ErrInvalidZone
	}
	if reg != nil && !reg.Valid(zone) {
		return ErrInvalidZone
	}
	return nil
}
