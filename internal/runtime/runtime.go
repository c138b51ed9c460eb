// Package runtime abstracts the orchestrated pool of worker sandboxes.
// The production implementation drives Kubernetes pods and jobs; tests use
// in-memory fakes behind the same interface.
package runtime

import (
	"context"

	"github.com/execbox/execbox/internal/config"
	"github.com/execbox/execbox/internal/sandbox"
)

// SandboxSpec describes one sandbox instance: a two-container pod (language
// runtime + sidecar) sharing a size-bounded writable volume at /mnt/data.
type SandboxSpec struct {
	Name     string
	Language string
	Lang     config.LanguageConfig
	Labels   map[string]string
}

// JobSpec describes a one-shot sandbox for non-pooled languages.
type JobSpec struct {
	SandboxSpec
	TTLSeconds      int // post-completion TTL (safety net for orphaned jobs)
	DeadlineSeconds int // absolute execution deadline
}

// Runtime creates and destroys sandboxes. Implementations must be safe for
// concurrent use.
type Runtime interface {
	// Available reports whether the backing cluster is reachable at all.
	Available() bool

	// CreateSandbox submits the pod and blocks until it has a routable
	// endpoint (sidecar readiness is the caller's concern).
	CreateSandbox(ctx context.Context, spec SandboxSpec) (*sandbox.Handle, error)

	// DeleteSandbox destroys a sandbox pod by name. Deleting an absent
	// sandbox is not an error.
	DeleteSandbox(ctx context.Context, name string) error

	// CreateJob submits a one-shot job whose pod mirrors the sandbox spec.
	CreateJob(ctx context.Context, spec JobSpec) error

	// WaitJobPod blocks until the job's pod has a routable endpoint.
	WaitJobPod(ctx context.Context, jobName string) (*sandbox.Handle, error)

	// DeleteJob removes the job and its pods (background propagation).
	DeleteJob(ctx context.Context, name string) error
}
