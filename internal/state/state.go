// Package state persists captured interpreter state per session, in two
// tiers: a Redis hot cache for active sessions and a compressed S3 archive
// for idle ones.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/execbox/execbox/internal/apperrors"
)

// VersionByte is the first byte of every valid state envelope.
const VersionByte = 0x02

// Meta describes a stored state blob without its payload.
type Meta struct {
	SessionID string    `json:"session_id"`
	Hash      string    `json:"hash"` // SHA-256 hex, doubles as the HTTP ETag
	SizeBytes int       `json:"size_bytes"`
	UpdatedAt time.Time `json:"updated_at"`
	Source    string    `json:"source,omitempty"` // "hot" or "cold"
}

// ValidateEnvelope checks the blob is a plausible state envelope before it
// is accepted from a client or a sandbox.
func ValidateEnvelope(data []byte) error {
	if len(data) < 2 {
		return apperrors.Validation("state blob too short", "state")
	}
	if data[0] != VersionByte {
		return apperrors.Validation(
			fmt.Sprintf("unsupported state version 0x%02x", data[0]), "state")
	}
	return nil
}

// Hash returns the SHA-256 hex digest of the blob.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
