// Package session tracks execution sessions in Redis: one hash per
// session, a global index set, and a per-entity index for ownership
// queries. Expiry is Redis TTL on the hash; the sweep loop prunes index
// entries whose hash has lapsed.
package session

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/execbox/execbox/internal/apperrors"
	"github.com/execbox/execbox/internal/events"
	"github.com/execbox/execbox/internal/ids"
)

const (
	keyPrefix    = "sessions:"
	entityPrefix = "entity_sessions:"

	// IndexKey is the global set of live session IDs. Other stores consult
	// it to tell live sessions from expired ones.
	IndexKey = "sessions:index"

	StatusActive = "active"
)

// Key returns the Redis key of one session's hash.
func Key(id string) string { return keyPrefix + id }

// Session is one execution context. State, files, and sandbox affinity all
// hang off its ID.
type Session struct {
	ID             string    `json:"id"`
	EntityID       string    `json:"entity_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"` // audit trail, not authorization
	Language       string    `json:"language,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Registry is the session store.
type Registry struct {
	rdb *redis.Client
	bus *events.Bus
	ttl time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewRegistry(rdb *redis.Client, bus *events.Bus, ttl time.Duration) *Registry {
	return &Registry{rdb: rdb, bus: bus, ttl: ttl, stopCh: make(chan struct{})}
}

// Create registers a new session and returns it.
func (r *Registry) Create(ctx context.Context, entityID, userID, language string) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		ID:             ids.New(),
		EntityID:       entityID,
		UserID:         userID,
		Language:       language,
		Status:         StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, keyPrefix+s.ID, sessionToMap(s))
	pipe.Expire(ctx, keyPrefix+s.ID, r.ttl)
	pipe.SAdd(ctx, IndexKey, s.ID)
	if entityID != "" {
		pipe.SAdd(ctx, entityPrefix+entityID, s.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperrors.ServiceUnavailable("redis", err)
	}

	r.bus.Publish(ctx, events.SessionCreated{SessionID: s.ID, EntityID: entityID})
	return s, nil
}

// Get fetches a session and, when active, refreshes its last-activity time
// and TTL so sessions in use do not expire.
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	fields, err := r.rdb.HGetAll(ctx, keyPrefix+id).Result()
	if err != nil {
		return nil, apperrors.ServiceUnavailable("redis", err)
	}
	if len(fields) == 0 {
		return nil, apperrors.NotFound("session", id)
	}

	s, err := sessionFromMap(fields)
	if err != nil {
		return nil, apperrors.Internal(fmt.Sprintf("corrupt session %s", id), err)
	}

	if s.Status == StatusActive {
		s.LastActivityAt = time.Now().UTC()
		pipe := r.rdb.TxPipeline()
		pipe.HSet(ctx, keyPrefix+id, "last_activity_at", s.LastActivityAt.Format(time.RFC3339Nano))
		pipe.Expire(ctx, keyPrefix+id, r.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("session: refresh %s: %v", id, err)
		}
	}
	return s, nil
}

// Exists reports whether the session hash is still present, without
// touching activity.
func (r *Registry) Exists(ctx context.Context, id string) (bool, error) {
	n, err := r.rdb.Exists(ctx, keyPrefix+id).Result()
	if err != nil {
		return false, apperrors.ServiceUnavailable("redis", err)
	}
	return n > 0, nil
}

// Delete removes a session from the registry. Deleting an absent session
// succeeds; downstream cleanup is idempotent too.
func (r *Registry) Delete(ctx context.Context, id string) error {
	fields, err := r.rdb.HGetAll(ctx, keyPrefix+id).Result()
	if err != nil {
		return apperrors.ServiceUnavailable("redis", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, keyPrefix+id)
	pipe.SRem(ctx, IndexKey, id)
	if eid := fields["entity_id"]; eid != "" {
		pipe.SRem(ctx, entityPrefix+eid, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.ServiceUnavailable("redis", err)
	}

	r.bus.Publish(ctx, events.SessionDeleted{SessionID: id})
	return nil
}

// ListByEntity returns the entity's sessions, newest first, with
// offset/limit pagination. Index entries for expired sessions are pruned
// as a side effect.
func (r *Registry) ListByEntity(ctx context.Context, entityID string, limit, offset int) ([]*Session, error) {
	idList, err := r.rdb.SMembers(ctx, entityPrefix+entityID).Result()
	if err != nil {
		return nil, apperrors.ServiceUnavailable("redis", err)
	}

	sessions := make([]*Session, 0, len(idList))
	for _, id := range idList {
		fields, err := r.rdb.HGetAll(ctx, keyPrefix+id).Result()
		if err != nil {
			return nil, apperrors.ServiceUnavailable("redis", err)
		}
		if len(fields) == 0 {
			r.rdb.SRem(ctx, entityPrefix+entityID, id)
			r.rdb.SRem(ctx, IndexKey, id)
			continue
		}
		s, err := sessionFromMap(fields)
		if err != nil {
			log.Printf("session: skipping corrupt session %s: %v", id, err)
			continue
		}
		sessions = append(sessions, s)
	}

	sortNewestFirst(sessions)
	return paginate(sessions, limit, offset), nil
}

// LatestActive returns the entity's most recently created active session,
// or a not-found error when it has none.
func (r *Registry) LatestActive(ctx context.Context, entityID string) (*Session, error) {
	sessions, err := r.ListByEntity(ctx, entityID, 0, 0)
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		if s.Status == StatusActive {
			return s, nil
		}
	}
	return nil, apperrors.NotFound("session for entity", entityID)
}

// StartSweep launches the background loop that prunes index entries whose
// session hashes have expired, emitting SessionDeleted for each so
// session-scoped resources get released.
func (r *Registry) StartSweep(interval time.Duration) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				if n, err := r.SweepExpired(context.Background()); err != nil {
					log.Printf("session: sweep: %v", err)
				} else if n > 0 {
					log.Printf("session: swept %d expired sessions", n)
				}
			}
		}
	}()
}

// SweepExpired removes index entries for sessions whose hash TTL lapsed.
func (r *Registry) SweepExpired(ctx context.Context) (int, error) {
	idList, err := r.rdb.SMembers(ctx, IndexKey).Result()
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, id := range idList {
		n, err := r.rdb.Exists(ctx, keyPrefix+id).Result()
		if err != nil {
			return swept, err
		}
		if n > 0 {
			continue
		}
		r.rdb.SRem(ctx, IndexKey, id)
		r.bus.Publish(ctx, events.SessionDeleted{SessionID: id})
		swept++
	}
	return swept, nil
}

// Stop halts the sweep loop.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func sessionToMap(s *Session) map[string]any {
	return map[string]any{
		"id":               s.ID,
		"entity_id":        s.EntityID,
		"user_id":          s.UserID,
		"language":         s.Language,
		"status":           s.Status,
		"created_at":       s.CreatedAt.Format(time.RFC3339Nano),
		"last_activity_at": s.LastActivityAt.Format(time.RFC3339Nano),
	}
}

func sessionFromMap(fields map[string]string) (*Session, error) {
	s := &Session{
		ID:       fields["id"],
		EntityID: fields["entity_id"],
		UserID:   fields["user_id"],
		Language: fields["language"],
		Status:   fields["status"],
	}
	if s.ID == "" {
		return nil, fmt.Errorf("missing id field")
	}

	var err error
	if s.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if s.LastActivityAt, err = time.Parse(time.RFC3339Nano, fields["last_activity_at"]); err != nil {
		return nil, fmt.Errorf("last_activity_at: %w", err)
	}
	return s, nil
}

func sortNewestFirst(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
}

// paginate applies offset/limit; limit 0 means everything.
func paginate(sessions []*Session, limit, offset int) []*Session {
	if offset >= len(sessions) {
		return []*Session{}
	}
	out := sessions[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// ParseLimit normalizes a query-string limit, defaulting and capping.
func ParseLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
