package state

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	hotPrefix      = "session:state:"
	hashPrefix     = "session:state:hash:"
	metaPrefix     = "session:state:meta:"
	uploadedPrefix = "session:state:uploaded:"
)

// Hot is the Redis tier. Blobs are stored base64-encoded with a TTL; the
// upload marker suppresses cold-tier lookups right after a client upload.
type Hot struct {
	rdb       *redis.Client
	ttl       time.Duration
	markerTTL time.Duration
}

func NewHot(rdb *redis.Client, ttl, markerTTL time.Duration) *Hot {
	return &Hot{rdb: rdb, ttl: ttl, markerTTL: markerTTL}
}

func (h *Hot) Set(ctx context.Context, sessionID string, data []byte) error {
	meta := Meta{
		SessionID: sessionID,
		Hash:      Hash(data),
		SizeBytes: len(data),
		UpdatedAt: time.Now().UTC(),
		Source:    "hot",
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	pipe := h.rdb.TxPipeline()
	pipe.Set(ctx, hotPrefix+sessionID, base64.StdEncoding.EncodeToString(data), h.ttl)
	pipe.Set(ctx, hashPrefix+sessionID, meta.Hash, h.ttl)
	pipe.Set(ctx, metaPrefix+sessionID, metaJSON, h.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hot state set %s: %w", sessionID, err)
	}
	return nil
}

// Get returns the blob, or nil with no error on a cache miss.
func (h *Hot) Get(ctx context.Context, sessionID string) ([]byte, error) {
	encoded, err := h.rdb.Get(ctx, hotPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hot state get %s: %w", sessionID, err)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("hot state %s: corrupt encoding: %w", sessionID, err)
	}
	return data, nil
}

// Meta returns the blob's metadata, or nil on a miss.
func (h *Hot) Meta(ctx context.Context, sessionID string) (*Meta, error) {
	raw, err := h.rdb.Get(ctx, metaPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hot state meta %s: %w", sessionID, err)
	}

	var meta Meta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("hot state meta %s: %w", sessionID, err)
	}
	return &meta, nil
}

func (h *Hot) Delete(ctx context.Context, sessionID string) error {
	return h.rdb.Del(ctx,
		hotPrefix+sessionID,
		hashPrefix+sessionID,
		metaPrefix+sessionID,
		uploadedPrefix+sessionID,
	).Err()
}

// MarkUploaded sets a short-lived marker after a client pushes state via
// the API, so the next execution prefers the hot copy unconditionally.
func (h *Hot) MarkUploaded(ctx context.Context, sessionID string) error {
	return h.rdb.Set(ctx, uploadedPrefix+sessionID, "1", h.markerTTL).Err()
}

func (h *Hot) RecentlyUploaded(ctx context.Context, sessionID string) (bool, error) {
	n, err := h.rdb.Exists(ctx, uploadedPrefix+sessionID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// IdleSessions scans for sessions whose hot state has not been touched for
// the given duration. These are archive candidates.
func (h *Hot) IdleSessions(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var idle []string

	iter := h.rdb.Scan(ctx, 0, metaPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := h.rdb.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		var meta Meta
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			log.Printf("state: corrupt meta at %s: %v", key, err)
			continue
		}
		if meta.UpdatedAt.Before(cutoff) {
			idle = append(idle, strings.TrimPrefix(key, metaPrefix))
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("hot state scan: %w", err)
	}
	return idle, nil
}
