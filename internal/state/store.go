package state

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/execbox/execbox/internal/metrics"
)

type hotTier interface {
	Set(ctx context.Context, sessionID string, data []byte) error
	Get(ctx context.Context, sessionID string) ([]byte, error)
	Meta(ctx context.Context, sessionID string) (*Meta, error)
	Delete(ctx context.Context, sessionID string) error
	MarkUploaded(ctx context.Context, sessionID string) error
	RecentlyUploaded(ctx context.Context, sessionID string) (bool, error)
	IdleSessions(ctx context.Context, olderThan time.Duration) ([]string, error)
}

type coldTier interface {
	Put(ctx context.Context, sessionID string, data []byte) error
	Get(ctx context.Context, sessionID string) ([]byte, error)
	Delete(ctx context.Context, sessionID string) error
	CleanupExpired(ctx context.Context, retention time.Duration) (int, error)
}

// Store is the two-tier state service. The cold tier is optional; without
// object storage, state lives only as long as the hot TTL.
type Store struct {
	hot           hotTier
	cold          coldTier
	idleAfter     time.Duration
	coldRetention time.Duration
}

func NewStore(hot *Hot, cold *Cold, idleAfter, coldRetention time.Duration) *Store {
	s := &Store{hot: hot, idleAfter: idleAfter, coldRetention: coldRetention}
	if cold != nil {
		s.cold = cold
	}
	return s
}

// Save validates and stores a blob captured by a sandbox.
func (s *Store) Save(ctx context.Context, sessionID string, data []byte) error {
	if err := ValidateEnvelope(data); err != nil {
		return err
	}
	if err := s.hot.Set(ctx, sessionID, data); err != nil {
		return err
	}
	metrics.StateBytes.WithLabelValues("hot").Observe(float64(len(data)))
	return nil
}

// SaveUploaded stores a blob pushed by a client through the API and marks
// it so the next execution will not shadow it with a stale cold copy.
func (s *Store) SaveUploaded(ctx context.Context, sessionID string, data []byte) error {
	if err := s.Save(ctx, sessionID, data); err != nil {
		return err
	}
	return s.hot.MarkUploaded(ctx, sessionID)
}

// Load returns the freshest state for the session, or nil when it has
// none. A fresh client upload pins the hot copy; otherwise a hot miss
// falls through to the archive, rehydrating the hot tier on the way back.
func (s *Store) Load(ctx context.Context, sessionID string) ([]byte, error) {
	uploaded, err := s.hot.RecentlyUploaded(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if uploaded {
		return s.hot.Get(ctx, sessionID)
	}

	data, err := s.hot.Get(ctx, sessionID)
	if err != nil || data != nil {
		return data, err
	}

	if s.cold == nil {
		return nil, nil
	}
	data, err = s.cold.Get(ctx, sessionID)
	if err != nil || data == nil {
		return nil, err
	}
	if err := s.hot.Set(ctx, sessionID, data); err != nil {
		log.Printf("state: rehydrate %s: %v", sessionID, err)
	}
	return data, nil
}

// Info returns metadata for the session's state, or nil when absent.
func (s *Store) Info(ctx context.Context, sessionID string) (*Meta, error) {
	meta, err := s.hot.Meta(ctx, sessionID)
	if err != nil || meta != nil {
		return meta, err
	}

	if s.cold == nil {
		return nil, nil
	}
	data, err := s.cold.Get(ctx, sessionID)
	if err != nil || data == nil {
		return nil, err
	}
	return &Meta{
		SessionID: sessionID,
		Hash:      Hash(data),
		SizeBytes: len(data),
		Source:    "cold",
	}, nil
}

// Delete removes both tiers. Absent state is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.hot.Delete(ctx, sessionID); err != nil {
		return err
	}
	if s.cold != nil {
		return s.cold.Delete(ctx, sessionID)
	}
	return nil
}

// ArchiveIdle moves hot states idle past the threshold into the archive
// and returns how many moved. Without a cold tier it is a no-op.
func (s *Store) ArchiveIdle(ctx context.Context) (int, error) {
	if s.cold == nil {
		return 0, nil
	}

	idle, err := s.hot.IdleSessions(ctx, s.idleAfter)
	if err != nil {
		return 0, err
	}

	archived := 0
	for _, sessionID := range idle {
		data, err := s.hot.Get(ctx, sessionID)
		if err != nil || data == nil {
			continue
		}
		if err := s.cold.Put(ctx, sessionID, data); err != nil {
			return archived, fmt.Errorf("archive %s: %w", sessionID, err)
		}
		metrics.StateBytes.WithLabelValues("cold").Observe(float64(len(data)))
		if err := s.hot.Delete(ctx, sessionID); err != nil {
			log.Printf("state: drop archived hot copy %s: %v", sessionID, err)
		}
		archived++
	}
	return archived, nil
}

// CleanupCold prunes archives past retention.
func (s *Store) CleanupCold(ctx context.Context) (int, error) {
	if s.cold == nil {
		return 0, nil
	}
	return s.cold.CleanupExpired(ctx, s.coldRetention)
}
