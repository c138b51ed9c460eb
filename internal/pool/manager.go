package pool

import (
	"context"
	"sort"
	"sync"

	"github.com/execbox/execbox/internal/config"
	"github.com/execbox/execbox/internal/events"
	"github.com/execbox/execbox/internal/runtime"
	"github.com/execbox/execbox/internal/sandbox"
	"github.com/execbox/execbox/internal/sidecar"
)

// Manager owns one Pool per language with a nonzero pool size and routes
// acquire/release by canonical language code.
type Manager struct {
	pools map[string]*Pool
}

// NewManager builds pools for every configured language with PoolSize > 0.
func NewManager(cfg *config.Config, rt runtime.Runtime, sc *sidecar.Client, bus *events.Bus) *Manager {
	pools := make(map[string]*Pool)
	for lang, lc := range cfg.Languages {
		if lc.PoolSize > 0 {
			pools[lang] = New(lang, lc, cfg, rt, sc, bus)
		}
	}
	return &Manager{pools: pools}
}

// UsesPool reports whether the language has a warm pool.
func (m *Manager) UsesPool(language string) bool {
	_, ok := m.pools[language]
	return ok
}

// Acquire takes a warm sandbox for the language. ErrExhausted signals the
// caller to cold-start instead.
func (m *Manager) Acquire(ctx context.Context, language, sessionID string) (*sandbox.Handle, error) {
	p, ok := m.pools[language]
	if !ok {
		return nil, ErrExhausted
	}
	return p.Acquire(ctx, sessionID)
}

// Release hands a sandbox back to its pool.
func (m *Manager) Release(ctx context.Context, h *sandbox.Handle, destroy bool) {
	if p, ok := m.pools[h.Language]; ok {
		p.Release(ctx, h, destroy)
	}
}

// StartAll warms every pool concurrently and returns once all are warm.
func (m *Manager) StartAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range m.pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			p.Start(ctx)
		}(p)
	}
	wg.Wait()
}

// StopAll drains and destroys every pool.
func (m *Manager) StopAll() {
	var wg sync.WaitGroup
	for _, p := range m.pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			p.Stop()
		}(p)
	}
	wg.Wait()
}

// Stats returns per-pool snapshots sorted by language.
func (m *Manager) Stats() []Stats {
	out := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Language < out[j].Language })
	return out
}
