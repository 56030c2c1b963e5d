// Package gate provides an advisory per-site gate so that at most one batch runs for a
// site at any time.
package gate

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked is returned when the site is already held by another holder
var ErrLocked = errors.New("gate: site is already locked")

// Gate acquires exclusive access to a site. The returned release function is idempotent.
type Gate interface {
	Acquire(ctx context.Context, site string) (release func(), err error)
}

// LocalGate is an in-process gate
type LocalGate struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalGate creates an empty in-process gate
func NewLocalGate() *LocalGate {
	return &LocalGate{held: make(map[string]bool)}
}

// Acquire implements Gate
func (g *LocalGate) Acquire(_ context.Context, site string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.held[site] {
		return nil, ErrLocked
	}
	g.held[site] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, site)
			g.mu.Unlock()
		})
	}, nil
}

// Held reports whether site is currently held
func (g *LocalGate) Held(site string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held[site]
}
