package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/execbox/execbox/internal/blob"
)

// objectStore is the slice of the blob client the cold tier uses.
type objectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]blob.Object, error)
}

const coldStatePrefix = "states/"

// Cold archives state blobs to object storage, zstd-compressed.
type Cold struct {
	store   objectStore
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewCold(store objectStore) (*Cold, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Cold{store: store, encoder: encoder, decoder: decoder}, nil
}

func coldKey(sessionID string) string {
	return coldStatePrefix + sessionID + "/state.dat"
}

func (c *Cold) Put(ctx context.Context, sessionID string, data []byte) error {
	compressed := c.encoder.EncodeAll(data, nil)
	if err := c.store.Put(ctx, coldKey(sessionID), compressed, "application/zstd"); err != nil {
		return fmt.Errorf("cold state put %s: %w", sessionID, err)
	}
	return nil
}

// Get returns the decompressed blob, or nil with no error when the session
// has no archived state.
func (c *Cold) Get(ctx context.Context, sessionID string) ([]byte, error) {
	compressed, err := c.store.Get(ctx, coldKey(sessionID))
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cold state get %s: %w", sessionID, err)
	}

	data, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("cold state %s: corrupt archive: %w", sessionID, err)
	}
	return data, nil
}

func (c *Cold) Delete(ctx context.Context, sessionID string) error {
	return c.store.Delete(ctx, coldKey(sessionID))
}

// CleanupExpired deletes archives older than the retention window and
// returns how many were removed.
func (c *Cold) CleanupExpired(ctx context.Context, retention time.Duration) (int, error) {
	objects, err := c.store.List(ctx, coldStatePrefix)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-retention)
	removed := 0
	for _, obj := range objects {
		if !expired(obj.LastModified, cutoff) {
			continue
		}
		if err := c.store.Delete(ctx, obj.Key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func expired(lastModified, cutoff time.Time) bool {
	return !lastModified.IsZero() && lastModified.Before(cutoff)
}
