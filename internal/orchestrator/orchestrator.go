// Package orchestrator runs the execution pipeline: resolve the session,
// gather state and files, dispatch to a sandbox, then persist what the run
// produced and assemble the response.
package orchestrator

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"path"
	"strings"

	"github.com/execbox/execbox/internal/apperrors"
	"github.com/execbox/execbox/internal/config"
	"github.com/execbox/execbox/internal/dispatch"
	"github.com/execbox/execbox/internal/events"
	"github.com/execbox/execbox/internal/filestore"
	"github.com/execbox/execbox/internal/session"
	"github.com/execbox/execbox/internal/sidecar"
	"github.com/execbox/execbox/internal/state"
)

const argsFileName = "args.json"

// Sessions is the registry surface the pipeline needs.
type Sessions interface {
	Create(ctx context.Context, entityID, userID, language string) (*session.Session, error)
	Get(ctx context.Context, id string) (*session.Session, error)
	LatestActive(ctx context.Context, entityID string) (*session.Session, error)
}

// States is the state-store surface the pipeline needs.
type States interface {
	Load(ctx context.Context, sessionID string) ([]byte, error)
	Save(ctx context.Context, sessionID string, data []byte) error
}

// Files is the file-store surface the pipeline needs.
type Files interface {
	GetContent(ctx context.Context, sessionID, fileID string) ([]byte, *filestore.File, error)
	Store(ctx context.Context, sessionID, name, contentType, kind string, content []byte) (*filestore.File, error)
}

// Runner dispatches one execution to a sandbox.
type Runner interface {
	ExecuteCode(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// Orchestrator wires the pipeline's collaborators.
type Orchestrator struct {
	cfg      *config.Config
	sessions Sessions
	states   States
	files    Files
	runner   Runner
	bus      *events.Bus
}

func New(cfg *config.Config, sessions Sessions, states States, files Files, runner Runner, bus *events.Bus) *Orchestrator {
	return &Orchestrator{cfg: cfg, sessions: sessions, states: states, files: files, runner: runner, bus: bus}
}

// Execute runs the full pipeline for one request.
func (o *Orchestrator) Execute(ctx context.Context, req *Request) (*Response, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, apperrors.Validation("code is required", "code")
	}
	if req.Language == "" {
		return nil, apperrors.Validation("language is required", "language")
	}
	lang := config.Normalize(req.Language)
	lc, ok := o.cfg.Languages[lang]
	if !ok {
		return nil, apperrors.Validation("unsupported language: "+req.Language, "language")
	}

	sess, err := o.resolveSession(ctx, req, lang)
	if err != nil {
		return nil, err
	}

	stateful := o.cfg.StatePersistenceEnabled && lc.SupportsState
	initialState, err := o.loadInitialState(ctx, req, sess.ID, stateful)
	if err != nil {
		return nil, err
	}

	mounts, err := o.resolveMounts(ctx, req, sess.ID)
	if err != nil {
		return nil, err
	}

	res, err := o.runner.ExecuteCode(ctx, dispatch.Request{
		Language:     lang,
		SessionID:    sess.ID,
		Code:         req.Code,
		TimeoutSec:   req.TimeoutSec,
		Files:        mounts,
		InitialState: initialState,
		CaptureState: stateful,
	})
	if err != nil {
		return nil, apperrors.From(err, "dispatcher")
	}

	resp := o.assemble(ctx, sess.ID, res)
	o.persistState(ctx, sess.ID, stateful, res, resp)

	o.bus.Publish(context.WithoutCancel(ctx), events.ExecutionCompleted{
		ExecutionID: res.ExecutionID,
		SessionID:   sess.ID,
		Success:     res.Status == dispatch.StatusCompleted,
		ElapsedMS:   res.ElapsedMS,
	})
	return resp, nil
}

// resolveSession picks the execution's session. Candidates are tried in
// order (explicit ID, the session owning a referenced file, the entity's
// latest active session) and a candidate that is missing or no longer
// active falls through to the next; when none match, a fresh session is
// created.
func (o *Orchestrator) resolveSession(ctx context.Context, req *Request, lang string) (*session.Session, error) {
	if req.SessionID != "" {
		sess, err := o.activeSession(ctx, req.SessionID)
		if err != nil || sess != nil {
			return sess, err
		}
	}

	for _, ref := range req.Files {
		if ref.SessionID == "" {
			continue
		}
		sess, err := o.activeSession(ctx, ref.SessionID)
		if err != nil || sess != nil {
			return sess, err
		}
	}

	if req.EntityID != "" {
		sess, err := o.sessions.LatestActive(ctx, req.EntityID)
		if err == nil {
			return sess, nil
		}
		if !apperrors.Is(err, apperrors.KindResourceNotFound) {
			return nil, err
		}
	}

	return o.sessions.Create(ctx, req.EntityID, req.UserID, lang)
}

// activeSession fetches a candidate session, mapping missing or inactive
// ones to nil so resolution can move on. Registry failures still abort.
func (o *Orchestrator) activeSession(ctx context.Context, id string) (*session.Session, error) {
	sess, err := o.sessions.Get(ctx, id)
	if apperrors.Is(err, apperrors.KindResourceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sess.Status != session.StatusActive {
		return nil, nil
	}
	return sess, nil
}

// loadInitialState returns the base64 state to seed the sandbox with. An
// inline request blob wins over the stored tiers.
func (o *Orchestrator) loadInitialState(ctx context.Context, req *Request, sessionID string, stateful bool) (string, error) {
	if req.State != "" {
		data, err := base64.StdEncoding.DecodeString(req.State)
		if err != nil {
			return "", apperrors.Validation("state is not valid base64", "state")
		}
		if err := state.ValidateEnvelope(data); err != nil {
			return "", err
		}
		return req.State, nil
	}

	if !stateful {
		return "", nil
	}
	data, err := o.states.Load(ctx, sessionID)
	if err != nil {
		return "", apperrors.From(err, "state store")
	}
	if data == nil {
		return "", nil
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// resolveMounts materializes the request's file references. A reference
// that cannot be resolved fails the request up front rather than running
// the snippet against missing inputs.
func (o *Orchestrator) resolveMounts(ctx context.Context, req *Request, sessionID string) ([]sidecar.UploadFile, error) {
	mounts := make([]sidecar.UploadFile, 0, len(req.Files)+1)
	for i, ref := range req.Files {
		switch {
		case ref.FileID != "":
			owner := ref.SessionID
			if owner == "" {
				owner = sessionID
			}
			content, meta, err := o.files.GetContent(ctx, owner, ref.FileID)
			if apperrors.Is(err, apperrors.KindResourceNotFound) {
				return nil, apperrors.Validation("referenced file not found: "+ref.FileID, "files")
			}
			if err != nil {
				return nil, apperrors.From(err, "file store")
			}
			name := ref.Name
			if name == "" {
				name = meta.Name
			}
			mounts = append(mounts, sidecar.UploadFile{Name: name, Content: content})

		case ref.Content != "":
			if ref.Name == "" {
				return nil, apperrors.Validation(fmt.Sprintf("files[%d]: inline content requires a name", i), "files")
			}
			content, err := base64.StdEncoding.DecodeString(ref.Content)
			if err != nil {
				return nil, apperrors.Validation(fmt.Sprintf("files[%d]: content is not valid base64", i), "files")
			}
			mounts = append(mounts, sidecar.UploadFile{Name: ref.Name, Content: content})

		default:
			return nil, apperrors.Validation(fmt.Sprintf("files[%d]: file_id or content is required", i), "files")
		}
	}

	if !req.Args.None() {
		mounts = append(mounts, sidecar.UploadFile{Name: argsFileName, Content: req.Args.JSON()})
	}
	return mounts, nil
}

// assemble builds the response: artifacts are stored as session outputs,
// and stdout/stderr/file entries joined into the combined output text.
func (o *Orchestrator) assemble(ctx context.Context, sessionID string, res *dispatch.Result) *Response {
	resp := &Response{
		ExecutionID: res.ExecutionID,
		SessionID:   sessionID,
		Language:    res.Language,
		Status:      res.Status,
		ExitCode:    res.Sidecar.ExitCode,
		Stdout:      res.Sidecar.Stdout,
		Stderr:      res.Sidecar.Stderr,
		ElapsedMS:   res.ElapsedMS,
		Source:      res.Source,
		StateErrors: res.Sidecar.StateErrors,
	}

	if resp.Status == dispatch.StatusFailed && resp.Stderr == "" {
		resp.Stderr = fmt.Sprintf("execution failed with exit code %d", resp.ExitCode)
	}

	var pieces []string
	if out := strings.TrimRight(resp.Stdout, "\n"); out != "" {
		// Non-empty stdout always ends in exactly one newline on the wire.
		resp.Stdout = out + "\n"
		resp.Outputs = append(resp.Outputs, Output{Type: "stdout", Value: out})
		pieces = append(pieces, out)
	} else {
		resp.Stdout = ""
	}
	if errOut := strings.TrimRight(resp.Stderr, "\n"); errOut != "" {
		resp.Outputs = append(resp.Outputs, Output{Type: "stderr", Value: errOut})
		pieces = append(pieces, errOut)
	}

	for _, gen := range res.Generated {
		f, err := o.files.Store(ctx, sessionID, gen.Name, contentTypeFor(gen.Name), filestore.KindOutput, gen.Content)
		if err != nil {
			log.Printf("orchestrator: store artifact %s: %v", gen.Name, err)
			continue
		}
		resp.Files = append(resp.Files, FileOut{FileID: f.ID, Name: f.Name, SizeBytes: f.SizeBytes})
		resp.Outputs = append(resp.Outputs, Output{Type: "file", Name: f.Name, FileID: f.ID})
	}

	if len(pieces) > 0 {
		resp.Output = strings.Join(pieces, "\n") + "\n"
	}
	if resp.Outputs == nil {
		resp.Outputs = []Output{}
	}
	return resp
}

// persistState saves captured interpreter state per the capture rules and
// records the outcome on the response.
func (o *Orchestrator) persistState(ctx context.Context, sessionID string, stateful bool, res *dispatch.Result, resp *Response) {
	if !stateful || res.Sidecar.State == "" {
		return
	}
	if res.Status != dispatch.StatusCompleted && !o.cfg.CaptureStateOnError {
		return
	}

	data, err := base64.StdEncoding.DecodeString(res.Sidecar.State)
	if err != nil {
		resp.StateErrors = append(resp.StateErrors, "captured state is not valid base64")
		return
	}
	if err := o.states.Save(context.WithoutCancel(ctx), sessionID, data); err != nil {
		log.Printf("orchestrator: save state for %s: %v", sessionID, err)
		resp.StateErrors = append(resp.StateErrors, "failed to persist captured state")
		return
	}
	resp.StateCaptured = true
}

func contentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".svg":
		return "image/svg+xml"
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	case ".txt":
		return "text/plain"
	case ".html":
		return "text/html"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}
