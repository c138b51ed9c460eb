// Package job cold-starts sandboxes for languages without a warm pool, as
// one-shot runtime jobs that self-clean after completion.
package job

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/execbox/execbox/internal/config"
	"github.com/execbox/execbox/internal/ids"
	"github.com/execbox/execbox/internal/metrics"
	"github.com/execbox/execbox/internal/runtime"
	"github.com/execbox/execbox/internal/sandbox"
	"github.com/execbox/execbox/internal/sidecar"
)

const maxNameLen = 63

// ErrStartFailed marks a submitted job whose sandbox never became ready.
// The dispatcher folds it into a failed execution result rather than an
// API-level error.
var ErrStartFailed = errors.New("job pod failed to start")

// Executor provisions single-use sandboxes via runtime jobs.
type Executor struct {
	cfg *config.Config
	rt  runtime.Runtime
	sc  *sidecar.Client
}

func NewExecutor(cfg *config.Config, rt runtime.Runtime, sc *sidecar.Client) *Executor {
	return &Executor{cfg: cfg, rt: rt, sc: sc}
}

// Provision submits a job for the language and blocks until its sandbox
// answers readiness probes. The caller must Destroy the handle when done.
func (e *Executor) Provision(ctx context.Context, language string, lang config.LanguageConfig, sessionID string) (*sandbox.Handle, error) {
	name := JobName(language, sessionID)

	err := e.rt.CreateJob(ctx, runtime.JobSpec{
		SandboxSpec: runtime.SandboxSpec{
			Name:     name,
			Language: language,
			Lang:     lang,
			Labels:   map[string]string{"execbox.io/one-shot": "true"},
		},
		TTLSeconds:      e.cfg.JobTTLSeconds,
		DeadlineSeconds: e.cfg.JobDeadlineSec,
	})
	if err != nil {
		return nil, err
	}

	h, err := e.rt.WaitJobPod(ctx, name)
	if err != nil {
		e.deleteAsync(name)
		return nil, fmt.Errorf("job %s: %w: %v", name, ErrStartFailed, err)
	}
	h.SessionID = sessionID
	if h.Labels == nil {
		h.Labels = map[string]string{}
	}
	h.Labels["job-name"] = name

	if err := e.waitReady(ctx, h); err != nil {
		e.deleteAsync(name)
		return nil, fmt.Errorf("job %s: %w: %v", name, ErrStartFailed, err)
	}
	h.Status = sandbox.StatusWarm
	metrics.SandboxesCreated.WithLabelValues(language, "job").Inc()
	return h, nil
}

// Destroy tears down the job behind a handle. Deletion runs in the
// background; the runtime TTL is the safety net if it fails.
func (e *Executor) Destroy(h *sandbox.Handle) {
	name := h.Labels["job-name"]
	if name == "" {
		name = h.Name
	}
	e.deleteAsync(name)
}

func (e *Executor) deleteAsync(name string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.rt.DeleteJob(ctx, name); err != nil {
			log.Printf("job: delete %s: %v", name, err)
		}
	}()
}

func (e *Executor) waitReady(ctx context.Context, h *sandbox.Handle) error {
	deadline := time.Now().Add(e.cfg.ReadyTimeout)
	for time.Now().Before(deadline) {
		if err := e.sc.Ready(ctx, h.Endpoint()); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("sandbox not ready after %s", e.cfg.ReadyTimeout)
}

// JobName builds a runtime-safe job name: exec-<lang>-<session prefix>-<hex>,
// lowercased with underscores flattened, capped at 63 characters.
func JobName(language, sessionID string) string {
	session := sessionID
	if len(session) > 12 {
		session = session[:12]
	}
	name := fmt.Sprintf("exec-%s-%s-%s", language, session, ids.HexSuffix(8))
	name = strings.ToLower(strings.ReplaceAll(name, "_", "-"))
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	return strings.Trim(name, "-")
}
