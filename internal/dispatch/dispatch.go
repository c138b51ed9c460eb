// Package dispatch routes a single execution to a sandbox: warm pool when
// the language has one, a one-shot job otherwise, with pool misses falling
// back to a cold start.
package dispatch

import (
	"context"
	"errors"
	"log"
	"path"
	"strings"
	"time"

	"github.com/execbox/execbox/internal/apperrors"
	"github.com/execbox/execbox/internal/config"
	"github.com/execbox/execbox/internal/events"
	"github.com/execbox/execbox/internal/ids"
	"github.com/execbox/execbox/internal/job"
	"github.com/execbox/execbox/internal/pool"
	"github.com/execbox/execbox/internal/runtime"
	"github.com/execbox/execbox/internal/sandbox"
	"github.com/execbox/execbox/internal/sidecar"
)

// How the sandbox was obtained.
const (
	SourcePoolHit  = "pool_hit"
	SourcePoolMiss = "pool_miss"
	SourceJob      = "job"
)

// Execution status derived from the sandbox exit code.
const (
	StatusCompleted = "completed"
	StatusTimeout   = "timeout"
	StatusFailed    = "failed"
)

// Pools is the warm-pool surface the dispatcher needs.
type Pools interface {
	UsesPool(language string) bool
	Acquire(ctx context.Context, language, sessionID string) (*sandbox.Handle, error)
	Release(ctx context.Context, h *sandbox.Handle, destroy bool)
}

// Jobs is the one-shot executor surface the dispatcher needs.
type Jobs interface {
	Provision(ctx context.Context, language string, lang config.LanguageConfig, sessionID string) (*sandbox.Handle, error)
	Destroy(h *sandbox.Handle)
}

// Request is one snippet to run.
type Request struct {
	Language     string
	SessionID    string
	Code         string
	TimeoutSec   int
	Files        []sidecar.UploadFile
	InitialState string // base64
	CaptureState bool
}

// CollectedFile is one artifact a snippet left behind in /mnt/data.
type CollectedFile struct {
	Path    string // container path
	Name    string // basename
	Content []byte
}

// Result is the raw outcome of a dispatched execution, before the
// orchestrator assembles the API response.
type Result struct {
	ExecutionID string
	Language    string // canonical code
	Source      string
	Status      string
	Sidecar     *sidecar.ExecuteResult
	Generated   []CollectedFile
	ElapsedMS   int64
}

// Dispatcher owns the pool-or-job routing decision.
type Dispatcher struct {
	cfg   *config.Config
	rt    runtime.Runtime
	sc    *sidecar.Client
	pools Pools
	jobs  Jobs
	bus   *events.Bus
}

func New(cfg *config.Config, rt runtime.Runtime, sc *sidecar.Client, pools Pools, jobs Jobs, bus *events.Bus) *Dispatcher {
	return &Dispatcher{cfg: cfg, rt: rt, sc: sc, pools: pools, jobs: jobs, bus: bus}
}

// ExecuteCode runs one snippet and returns its outcome. Validation and
// availability problems come back as errors; snippet failures and timeouts
// are folded into the Result status.
func (d *Dispatcher) ExecuteCode(ctx context.Context, req Request) (*Result, error) {
	lang := config.Normalize(req.Language)
	lc, ok := d.cfg.Languages[lang]
	if !ok {
		return nil, apperrors.Validation("unsupported language: "+req.Language, "language")
	}
	if d.rt == nil || !d.rt.Available() {
		return nil, apperrors.ServiceUnavailable("runtime", nil)
	}

	timeout := req.TimeoutSec
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeoutSec
	}
	if timeout > d.cfg.MaxTimeoutSec {
		timeout = d.cfg.MaxTimeoutSec
	}

	h, source, release, err := d.acquire(ctx, lang, lc, req.SessionID)
	if err != nil {
		if errors.Is(err, job.ErrStartFailed) {
			return startFailedResult(lang), nil
		}
		return nil, err
	}
	defer release()

	execID := ids.New()
	d.bus.Publish(ctx, events.ExecutionStarted{
		ExecutionID: execID,
		SessionID:   req.SessionID,
		Language:    lang,
	})

	started := time.Now()
	res, err := d.sc.UploadAndExecute(ctx, h.Endpoint(), req.Files, sidecar.ExecuteRequest{
		Code:         req.Code,
		Timeout:      timeout,
		InitialState: req.InitialState,
		CaptureState: req.CaptureState && lc.SupportsState,
	})
	if err != nil {
		return nil, apperrors.ExecutionFailed("sandbox communication failed", err)
	}
	elapsed := time.Since(started).Milliseconds()

	// Artifacts must be pulled before the sandbox is released.
	generated := d.collectGenerated(ctx, h, res, req.Files)

	return &Result{
		ExecutionID: execID,
		Language:    lang,
		Source:      source,
		Status:      statusFor(res.ExitCode),
		Sidecar:     res,
		Generated:   generated,
		ElapsedMS:   elapsed,
	}, nil
}

// collectGenerated reads back files the snippet created. Inputs mounted
// for this execution, hidden files, and directory-like paths are skipped.
func (d *Dispatcher) collectGenerated(ctx context.Context, h *sandbox.Handle, res *sidecar.ExecuteResult, inputs []sidecar.UploadFile) []CollectedFile {
	if res.ExitCode == 124 {
		return nil
	}

	candidates := res.Files
	if len(candidates) == 0 {
		// Older sidecars report files only via the listing endpoint.
		listed, err := d.sc.ListFiles(ctx, h.Endpoint())
		if err != nil {
			log.Printf("dispatch: list files on %s: %v", h.Name, err)
			return nil
		}
		candidates = listed
	}

	mounted := make(map[string]bool, len(inputs))
	for _, f := range inputs {
		mounted[path.Base(f.Name)] = true
	}

	var out []CollectedFile
	for _, p := range candidates {
		name := path.Base(p)
		if !collectable(name) || mounted[name] {
			continue
		}
		content, err := d.sc.ReadFile(ctx, h.Endpoint(), p)
		if err != nil {
			log.Printf("dispatch: read generated file %s on %s: %v", p, h.Name, err)
			continue
		}
		out = append(out, CollectedFile{Path: p, Name: name, Content: content})
	}
	return out
}

// collectable rejects hidden files and degenerate basenames.
func collectable(name string) bool {
	if name == "" || name == "." || name == "/" {
		return false
	}
	return !strings.HasPrefix(name, ".")
}

// acquire obtains a sandbox and the matching teardown. Pool miss falls
// back to a cold start rather than failing the execution.
func (d *Dispatcher) acquire(ctx context.Context, lang string, lc config.LanguageConfig, sessionID string) (*sandbox.Handle, string, func(), error) {
	if d.pools.UsesPool(lang) {
		h, err := d.pools.Acquire(ctx, lang, sessionID)
		if err == nil {
			return h, SourcePoolHit, func() { d.pools.Release(context.WithoutCancel(ctx), h, true) }, nil
		}
		if !errors.Is(err, pool.ErrExhausted) {
			return nil, "", nil, apperrors.From(err, "pool")
		}

		d.bus.Publish(ctx, events.SandboxCreatedFresh{Language: lang, Reason: "pool_miss"})
		h, err = d.jobs.Provision(ctx, lang, lc, sessionID)
		if err != nil {
			return nil, "", nil, apperrors.ServiceUnavailable("runtime", err)
		}
		return h, SourcePoolMiss, func() { d.jobs.Destroy(h) }, nil
	}

	d.bus.Publish(ctx, events.SandboxCreatedFresh{Language: lang, Reason: "no_pool"})
	h, err := d.jobs.Provision(ctx, lang, lc, sessionID)
	if err != nil {
		return nil, "", nil, apperrors.ServiceUnavailable("runtime", err)
	}
	return h, SourceJob, func() { d.jobs.Destroy(h) }, nil
}

// startFailedResult reports a cold start whose sandbox never came up as
// an exit-1 execution, so callers see the same shape as any other failed
// run instead of a transport error.
func startFailedResult(lang string) *Result {
	return &Result{
		ExecutionID: ids.New(),
		Language:    lang,
		Source:      SourceJob,
		Status:      StatusFailed,
		Sidecar:     &sidecar.ExecuteResult{ExitCode: 1, Stderr: "Job pod failed to start"},
	}
}

func statusFor(exitCode int) string {
	switch exitCode {
	case 0:
		return StatusCompleted
	case 124:
		return StatusTimeout
	default:
		return StatusFailed
	}
}
