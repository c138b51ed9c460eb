// Package sandbox defines the handle to a running sandbox instance and the
// pool bookkeeping wrapper around it.
package sandbox

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of a sandbox.
type Status string

const (
	StatusPending   Status = "pending"
	StatusWarm      Status = "warm"
	StatusExecuting Status = "executing"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusUnknown   Status = "unknown"
)

// Terminal reports whether the status is final; terminal sandboxes must be
// destroyed, never reused.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Handle is a reference to a live sandbox instance. Ownership is exclusive:
// the pool owns warm handles, the dispatcher owns executing ones.
type Handle struct {
	UID       string            `json:"uid"`
	Name      string            `json:"name"`
	Namespace string            `json:"namespace"`
	Language  string            `json:"language"`
	Host      string            `json:"host"`
	Port      int               `json:"port"`
	Status    Status            `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	SessionID string            `json:"session_id,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Endpoint returns the base URL of the sandbox's sidecar.
func (h *Handle) Endpoint() string {
	return fmt.Sprintf("http://%s:%d", h.Host, h.Port)
}

// Pooled wraps a Handle with warm-pool bookkeeping.
type Pooled struct {
	Handle         *Handle
	Acquired       bool
	AcquiredAt     time.Time
	HealthFailures int
}

// Available reports whether the sandbox is eligible for acquisition.
func (p *Pooled) Available() bool {
	return !p.Acquired && p.Handle.Status == StatusWarm
}
