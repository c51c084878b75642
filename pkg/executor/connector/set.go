package connector

import (
	"errors"
	"fmt"

	"orca/pkg/models"
)

// ErrUnsupportedPlatform is returned when no connector serves a platform.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// Set picks the connector for a system's platform.
type Set struct {
	byPlatform map[models.Platform]Connector
}

// NewSet registers connectors by the platform they report. A later
// connector for the same platform replaces an earlier one.
func NewSet(connectors ...Connector) *Set {
	s := &Set{byPlatform: make(map[models.Platform]Connector, len(connectors))}
	for _, c := range connectors {
		s.byPlatform[c.Platform()] = c
	}
	return s
}

// NewDefaultSet returns the SSH and WinRM connectors sharing opts.
func NewDefaultSet(opts Options) *Set {
	return NewSet(NewSSH(opts), NewWinRM(opts))
}

// For returns the connector for p.
func (s *Set) For(p models.Platform) (Connector, error) {
	c, ok := s.byPlatform[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, p)
	}
	return c, nil
}

// Wrap replaces every registered connector with wrap(c).
func (s *Set) Wrap(wrap func(Connector) Connector) *Set {
	out := &Set{byPlatform: make(map[models.Platform]Connector, len(s.byPlatform))}
	for p, c := range s.byPlatform {
		out.byPlatform[p] = wrap(c)
	}
	return out
}
