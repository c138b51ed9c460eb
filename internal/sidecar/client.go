// Package sidecar is the HTTP client for the small server colocated with
// each language runtime. It is the dispatcher's only way to reach user
// code: health/readiness probes, file transfer in and out of /mnt/data,
// and snippet execution.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"
	"time"
)

const (
	// DataDir is the writable volume shared by the runtime and the sidecar.
	DataDir = "/mnt/data"

	probeTimeout    = 5 * time.Second
	fileTimeout     = 30 * time.Second
	executeSlackSec = 10
)

// Client talks to sandbox sidecars. One client is shared across all
// sandboxes; every method takes the target's base URL.
type Client struct {
	http *http.Client
}

// NewClient returns a sidecar client. Per-call deadlines are set via
// context, so the underlying http.Client carries no global timeout.
func NewClient() *Client {
	return &Client{http: &http.Client{}}
}

// ExecuteRequest is the JSON body for POST /execute.
type ExecuteRequest struct {
	Code         string `json:"code"`
	Timeout      int    `json:"timeout"` // seconds
	WorkingDir   string `json:"working_dir,omitempty"`
	InitialState string `json:"initial_state,omitempty"` // base64
	CaptureState bool   `json:"capture_state,omitempty"`
}

// ExecuteResult is the sidecar's execution outcome. Timeouts and transport
// failures are folded into the result (exit code 124 / 1) rather than
// returned as errors, so callers always get a displayable outcome.
type ExecuteResult struct {
	ExitCode        int      `json:"exit_code"`
	Stdout          string   `json:"stdout"`
	Stderr          string   `json:"stderr"`
	ExecutionTimeMS int64    `json:"execution_time_ms"`
	State           string   `json:"state,omitempty"` // base64
	StateErrors     []string `json:"state_errors,omitempty"`
	Files           []string `json:"files,omitempty"` // container paths of generated files
}

// UploadFile is one file to place in the sandbox before execution.
type UploadFile struct {
	Name    string
	Content []byte
}

// Health calls GET /health. A nil error means the sidecar answered 200.
func (c *Client) Health(ctx context.Context, base string) error {
	return c.probe(ctx, base, "/health")
}

// Ready calls GET /ready, used while warming a sandbox.
func (c *Client) Ready(ctx context.Context, base string) error {
	return c.probe(ctx, base, "/ready")
}

func (c *Client) probe(ctx context.Context, base, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sidecar %s: %w", endpoint, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar %s returned status %d", endpoint, resp.StatusCode)
	}
	return nil
}

// Upload sends a file to the sandbox via POST /files (multipart). The
// sidecar writes it under /mnt/data.
func (c *Client) Upload(ctx context.Context, base string, file UploadFile) error {
	ctx, cancel := context.WithTimeout(ctx, fileTimeout)
	defer cancel()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", file.Name)
	if err != nil {
		return err
	}
	if _, err := part.Write(file.Content); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/files", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sidecar upload %s: %w", file.Name, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("sidecar upload %s returned status %d", file.Name, resp.StatusCode)
	}
	return nil
}

// ReadFile fetches a file from the sandbox via GET /files/{path}. The path
// must resolve strictly under /mnt/data after canonicalization.
func (c *Client) ReadFile(ctx context.Context, base, containerPath string) ([]byte, error) {
	clean, err := CanonicalDataPath(containerPath)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, fileTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/files"+clean, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sidecar read %s: %w", clean, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("sidecar read %s: not found", clean)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sidecar read %s returned status %d", clean, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ListFiles returns the container paths of files currently under
// /mnt/data, via GET /files. Used to discover snippet-generated artifacts.
func (c *Client) ListFiles(ctx context.Context, base string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, fileTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/files", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sidecar list files: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sidecar list files returned status %d", resp.StatusCode)
	}

	var out struct {
		Files []struct {
			Path string `json:"path"`
		} `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("sidecar list files: %w", err)
	}
	paths := make([]string, 0, len(out.Files))
	for _, f := range out.Files {
		paths = append(paths, f.Path)
	}
	return paths, nil
}

// Execute runs the snippet via POST /execute. The HTTP deadline is the user
// timeout plus slack so the sidecar's own timeout fires first. A deadline
// hit is reported as exit code 124; a non-200 as exit code 1.
func (c *Client) Execute(ctx context.Context, base string, req ExecuteRequest) (*ExecuteResult, error) {
	timeout := time.Duration(req.Timeout+executeSlackSec) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/execute", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &ExecuteResult{
				ExitCode: 124,
				Stderr:   fmt.Sprintf("execution timed out after %d seconds", req.Timeout),
			}, nil
		}
		return nil, fmt.Errorf("sidecar execute: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ExecuteResult{
			ExitCode: 1,
			Stderr:   fmt.Sprintf("sidecar returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}, nil
	}

	var result ExecuteResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("sidecar execute: decode response: %w", err)
	}
	return &result, nil
}

// UploadAndExecute places the given files in the sandbox and then runs the
// snippet. Used by both the pool and the job executor.
func (c *Client) UploadAndExecute(ctx context.Context, base string, files []UploadFile, req ExecuteRequest) (*ExecuteResult, error) {
	for _, f := range files {
		if err := c.Upload(ctx, base, f); err != nil {
			return nil, err
		}
	}
	return c.Execute(ctx, base, req)
}

// CanonicalDataPath cleans a container path and verifies it sits strictly
// under /mnt/data. Relative paths are resolved against /mnt/data.
func CanonicalDataPath(p string) (string, error) {
	if p == "" {
		return "", errors.New("empty path")
	}
	if !strings.HasPrefix(p, "/") {
		p = path.Join(DataDir, p)
	}
	clean := path.Clean(p)
	if clean == DataDir || !strings.HasPrefix(clean, DataDir+"/") {
		return "", fmt.Errorf("path %q escapes %s", p, DataDir)
	}
	return clean, nil
}

// drainAndClose releases the connection back to the pool even when the
// caller did not consume the body.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	_ = body.Close()
}
