// Package pool keeps warm sandboxes ready per language so executions skip
// the pod cold-start. Each Pool owns its sandboxes exclusively; acquisition
// transfers ownership to the caller until Release.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/execbox/execbox/internal/config"
	"github.com/execbox/execbox/internal/events"
	"github.com/execbox/execbox/internal/ids"
	"github.com/execbox/execbox/internal/metrics"
	"github.com/execbox/execbox/internal/runtime"
	"github.com/execbox/execbox/internal/sandbox"
	"github.com/execbox/execbox/internal/sidecar"
)

// ErrExhausted is returned when no warm sandbox becomes available within
// the acquire timeout. Callers fall back to a fresh cold start.
var ErrExhausted = errors.New("pool exhausted")

// Pool maintains warm sandboxes for one language.
type Pool struct {
	language string
	lang     config.LanguageConfig
	cfg      *config.Config
	rt       runtime.Runtime
	sc       *sidecar.Client
	bus      *events.Bus

	mu        sync.Mutex
	sandboxes map[string]*sandbox.Pooled // keyed by sandbox UID
	available chan string                // FIFO of available UIDs; stale entries skipped on dequeue

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// New builds a pool for one language; call Start to warm it.
func New(language string, lang config.LanguageConfig, cfg *config.Config, rt runtime.Runtime, sc *sidecar.Client, bus *events.Bus) *Pool {
	return &Pool{
		language:  language,
		lang:      lang,
		cfg:       cfg,
		rt:        rt,
		sc:        sc,
		bus:       bus,
		sandboxes: make(map[string]*sandbox.Pooled),
		available: make(chan string, lang.PoolSize*4),
		stopCh:    make(chan struct{}),
	}
}

// Start warms the pool to its target size in batches and launches the
// replenish and health loops.
func (p *Pool) Start(ctx context.Context) {
	warmed := p.warmup(ctx)
	p.bus.Publish(ctx, events.PoolWarmed{Language: p.language, Count: warmed})
	log.Printf("pool %s: warmed %d/%d sandboxes", p.language, warmed, p.lang.PoolSize)

	p.wg.Add(2)
	go p.replenishLoop()
	go p.healthLoop()
}

func (p *Pool) warmup(ctx context.Context) int {
	remaining := p.lang.PoolSize
	warmed := 0
	for remaining > 0 {
		batch := remaining
		if batch > p.cfg.WarmupBatch {
			batch = p.cfg.WarmupBatch
		}
		warmed += p.createBatch(ctx, batch)
		remaining -= batch
	}
	return warmed
}

// createBatch creates up to n sandboxes concurrently and returns how many
// reached warm.
func (p *Pool) createBatch(ctx context.Context, n int) int {
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.createOne(ctx); err != nil {
				log.Printf("pool %s: create sandbox: %v", p.language, err)
				return
			}
			mu.Lock()
			created++
			mu.Unlock()
		}()
	}
	wg.Wait()
	return created
}

// createOne provisions a sandbox, waits for the sidecar to report ready,
// and enqueues it as available.
func (p *Pool) createOne(ctx context.Context) error {
	name := fmt.Sprintf("pool-%s-%s", p.language, ids.HexSuffix(8))
	h, err := p.rt.CreateSandbox(ctx, runtime.SandboxSpec{
		Name:     name,
		Language: p.language,
		Lang:     p.lang,
	})
	if err != nil {
		return err
	}

	if err := p.waitReady(ctx, h); err != nil {
		_ = p.rt.DeleteSandbox(context.WithoutCancel(ctx), h.Name)
		return err
	}
	h.Status = sandbox.StatusWarm

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		_ = p.rt.DeleteSandbox(context.WithoutCancel(ctx), h.Name)
		return nil
	}
	p.sandboxes[h.UID] = &sandbox.Pooled{Handle: h}
	p.mu.Unlock()

	select {
	case p.available <- h.UID:
	default:
		// Queue full means the pool is over target; destroy the extra.
		p.destroy(context.WithoutCancel(ctx), h.UID)
		return nil
	}

	metrics.SandboxesCreated.WithLabelValues(p.language, "pool").Inc()
	p.bus.Publish(ctx, events.SandboxCreated{Name: h.Name, Language: p.language})
	return nil
}

func (p *Pool) waitReady(ctx context.Context, h *sandbox.Handle) error {
	deadline := time.Now().Add(p.cfg.ReadyTimeout)
	for time.Now().Before(deadline) {
		if err := p.sc.Ready(ctx, h.Endpoint()); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("sandbox %s: not ready after %s", h.Name, p.cfg.ReadyTimeout)
}

// Acquire hands out the oldest available sandbox, waiting up to the
// configured acquire timeout. The caller owns the sandbox until Release.
func (p *Pool) Acquire(ctx context.Context, sessionID string) (*sandbox.Handle, error) {
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	for {
		select {
		case uid := <-p.available:
			p.mu.Lock()
			ps, ok := p.sandboxes[uid]
			if !ok || !ps.Available() {
				// Stale queue entry (evicted or already acquired); skip.
				p.mu.Unlock()
				continue
			}
			ps.Acquired = true
			ps.AcquiredAt = time.Now()
			ps.Handle.Status = sandbox.StatusExecuting
			ps.Handle.SessionID = sessionID
			h := ps.Handle
			p.mu.Unlock()

			p.bus.Publish(ctx, events.SandboxAcquiredFromPool{
				Name:      h.Name,
				Language:  p.language,
				SessionID: sessionID,
			})
			return h, nil
		case <-timer.C:
			metrics.PoolExhaustions.WithLabelValues(p.language).Inc()
			p.bus.Publish(ctx, events.PoolExhausted{Language: p.language})
			return nil, ErrExhausted
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns a sandbox after use. With destroy the sandbox is torn
// down so one execution can never observe another's residue (the
// dispatcher always destroys); otherwise it is reset to warm and
// re-enqueued.
func (p *Pool) Release(ctx context.Context, h *sandbox.Handle, destroy bool) {
	if !destroy {
		p.mu.Lock()
		ps, ok := p.sandboxes[h.UID]
		if ok {
			ps.Acquired = false
			ps.HealthFailures = 0
			ps.Handle.SessionID = ""
			ps.Handle.Status = sandbox.StatusWarm
		}
		p.mu.Unlock()
		if !ok {
			return
		}
		select {
		case p.available <- h.UID:
			return
		default:
			// Queue full; destroy rather than leak an unqueued sandbox.
		}
	}
	p.destroyAsync(ctx, h)
}

// destroyAsync drops the sandbox from bookkeeping immediately and deletes
// its pod in the background, keeping the runtime round trip off the
// request path.
func (p *Pool) destroyAsync(ctx context.Context, h *sandbox.Handle) {
	p.mu.Lock()
	ps, ok := p.sandboxes[h.UID]
	if ok {
		delete(p.sandboxes, h.UID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	go func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), destroyTimeout)
		defer cancel()
		if err := p.rt.DeleteSandbox(dctx, ps.Handle.Name); err != nil {
			log.Printf("pool %s: delete sandbox %s: %v", p.language, ps.Handle.Name, err)
		}
		p.bus.Publish(dctx, events.SandboxDestroyed{Name: ps.Handle.Name, Language: p.language})
	}()
}

const destroyTimeout = 30 * time.Second

// destroy removes the sandbox from bookkeeping and deletes its pod. The
// available queue is not drained; Acquire skips stale entries.
func (p *Pool) destroy(ctx context.Context, uid string) {
	p.mu.Lock()
	ps, ok := p.sandboxes[uid]
	if ok {
		delete(p.sandboxes, uid)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	if err := p.rt.DeleteSandbox(ctx, ps.Handle.Name); err != nil {
		log.Printf("pool %s: delete sandbox %s: %v", p.language, ps.Handle.Name, err)
	}
}

// Stop halts the loops and destroys every sandbox, acquired or not.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	remaining := make([]*sandbox.Pooled, 0, len(p.sandboxes))
	for _, ps := range p.sandboxes {
		remaining = append(remaining, ps)
	}
	p.sandboxes = make(map[string]*sandbox.Pooled)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, ps := range remaining {
		if err := p.rt.DeleteSandbox(ctx, ps.Handle.Name); err != nil {
			log.Printf("pool %s: delete sandbox %s: %v", p.language, ps.Handle.Name, err)
		}
	}
}

func (p *Pool) replenishLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ReplenishEvery)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

// replenish tops the pool back up to target, at most ReplenishBatch per
// tick so a crash loop cannot stampede the cluster.
func (p *Pool) replenish() {
	p.mu.Lock()
	missing := p.lang.PoolSize - len(p.sandboxes)
	p.mu.Unlock()
	if missing <= 0 {
		return
	}
	if missing > p.cfg.ReplenishBatch {
		missing = p.cfg.ReplenishBatch
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ReadyTimeout+podCreateSlack)
	defer cancel()
	p.createBatch(ctx, missing)
}

const podCreateSlack = 30 * time.Second

func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkHealth()
		}
	}
}

// checkHealth probes every available sandbox and evicts those that fail
// the threshold consecutively. Acquired sandboxes are the owner's problem.
func (p *Pool) checkHealth() {
	p.mu.Lock()
	candidates := make([]*sandbox.Pooled, 0, len(p.sandboxes))
	for _, ps := range p.sandboxes {
		if !ps.Acquired {
			candidates = append(candidates, ps)
		}
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HealthInterval)
	defer cancel()

	for _, ps := range candidates {
		err := p.sc.Health(ctx, ps.Handle.Endpoint())

		p.mu.Lock()
		current, ok := p.sandboxes[ps.Handle.UID]
		if !ok || current.Acquired {
			p.mu.Unlock()
			continue
		}
		if err == nil {
			current.HealthFailures = 0
			p.mu.Unlock()
			continue
		}
		current.HealthFailures++
		failures := current.HealthFailures
		p.mu.Unlock()

		if failures >= p.cfg.HealthThreshold {
			log.Printf("pool %s: evicting %s after %d failed health checks", p.language, ps.Handle.Name, failures)
			p.destroy(ctx, ps.Handle.UID)
			p.bus.Publish(ctx, events.SandboxDestroyed{Name: ps.Handle.Name, Language: p.language})
		}
	}
}

// Stats is a point-in-time snapshot of one pool.
type Stats struct {
	Language  string `json:"language"`
	Target    int    `json:"target"`
	Total     int    `json:"total"`
	Available int    `json:"available"`
	Acquired  int    `json:"acquired"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Language: p.language, Target: p.lang.PoolSize, Total: len(p.sandboxes)}
	for _, ps := range p.sandboxes {
		if ps.Acquired {
			s.Acquired++
		} else if ps.Available() {
			s.Available++
		}
	}
	return s
}
