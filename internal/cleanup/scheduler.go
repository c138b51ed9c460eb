// Package cleanup releases session-scoped resources after deletion and
// runs the periodic state archive and retention sweeps.
package cleanup

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/execbox/execbox/internal/events"
)

const dedupeCap = 1000

type fileCleaner interface {
	CleanupSession(ctx context.Context, sessionID string) error
	CleanupOrphans(ctx context.Context) (int, error)
}

type stateCleaner interface {
	Delete(ctx context.Context, sessionID string) error
	ArchiveIdle(ctx context.Context) (int, error)
	CleanupCold(ctx context.Context) (int, error)
}

// Scheduler reacts to session deletions and drives the archive sweeps.
type Scheduler struct {
	bus      *events.Bus
	files    fileCleaner
	states   stateCleaner
	interval time.Duration
	backoff  time.Duration

	mu      sync.Mutex
	handled map[string]bool
	order   []string
	lastErr time.Time
	tick    int

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewScheduler(bus *events.Bus, files fileCleaner, states stateCleaner, interval time.Duration) *Scheduler {
	return &Scheduler{
		bus:      bus,
		files:    files,
		states:   states,
		interval: interval,
		backoff:  time.Minute,
		handled:  make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
}

// Start subscribes to session deletions and launches the sweep loop.
func (s *Scheduler) Start() {
	s.bus.Subscribe(events.TypeSessionDeleted, func(ctx context.Context, e events.Event) error {
		s.onSessionDeleted(ctx, e.(events.SessionDeleted).SessionID)
		return nil
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.sweep(context.Background())
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// onSessionDeleted releases the session's files and state. Deletions can
// be reported more than once (explicit delete racing the TTL sweep); a
// capped dedupe set keeps the work single-shot.
func (s *Scheduler) onSessionDeleted(ctx context.Context, sessionID string) {
	if !s.markHandled(sessionID) {
		return
	}

	if err := s.files.CleanupSession(ctx, sessionID); err != nil {
		log.Printf("cleanup: session %s files: %v", sessionID, err)
	}
	if err := s.states.Delete(ctx, sessionID); err != nil {
		log.Printf("cleanup: session %s state: %v", sessionID, err)
	}
}

// markHandled records the session and reports whether it was new. The set
// is capped; oldest entries fall out first.
func (s *Scheduler) markHandled(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handled[sessionID] {
		return false
	}
	s.handled[sessionID] = true
	s.order = append(s.order, sessionID)
	if len(s.order) > dedupeCap {
		delete(s.handled, s.order[0])
		s.order = s.order[1:]
	}
	return true
}

// sweep archives idle hot state every tick and, every sixth tick, prunes
// expired archives and orphaned blobs. After an error the sweeps pause
// for the backoff window.
func (s *Scheduler) sweep(ctx context.Context) {
	s.mu.Lock()
	if time.Since(s.lastErr) < s.backoff {
		s.mu.Unlock()
		return
	}
	s.tick++
	deep := s.tick%6 == 0
	s.mu.Unlock()

	if n, err := s.states.ArchiveIdle(ctx); err != nil {
		s.noteError("archive idle state", err)
		return
	} else if n > 0 {
		log.Printf("cleanup: archived %d idle states", n)
	}

	if !deep {
		return
	}
	if n, err := s.states.CleanupCold(ctx); err != nil {
		s.noteError("cold state retention", err)
		return
	} else if n > 0 {
		log.Printf("cleanup: removed %d expired state archives", n)
	}
	if n, err := s.files.CleanupOrphans(ctx); err != nil {
		s.noteError("orphaned blobs", err)
	} else if n > 0 {
		log.Printf("cleanup: removed %d orphaned blobs", n)
	}
}

func (s *Scheduler) noteError(what string, err error) {
	log.Printf("cleanup: %s: %v (backing off %s)", what, err, s.backoff)
	s.mu.Lock()
	s.lastErr = time.Now()
	s.mu.Unlock()
}
