package orchestrator

import (
	"bytes"
	"encoding/json"
	"errors"
)

// FileRef names a file to mount into the sandbox before execution: either
// a stored file by ID or inline base64 content.
type FileRef struct {
	FileID    string `json:"file_id,omitempty"`
	SessionID string `json:"session_id,omitempty"` // session owning FileID, defaults to the resolved session
	Name      string `json:"name,omitempty"`
	Content   string `json:"content,omitempty"` // base64
}

// Args is the optional argument payload exposed to the snippet: absent, a
// string, an array, or an object. Any other JSON shape is rejected.
type Args struct {
	raw json.RawMessage
}

var errBadArgs = errors.New("args must be a string, array, or object")

func (a *Args) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		a.raw = nil
		return nil
	}
	switch trimmed[0] {
	case '"', '[', '{':
	default:
		return errBadArgs
	}
	if !json.Valid(trimmed) {
		return errBadArgs
	}
	a.raw = append(json.RawMessage(nil), trimmed...)
	return nil
}

func (a Args) MarshalJSON() ([]byte, error) {
	if a.raw == nil {
		return []byte("null"), nil
	}
	return a.raw, nil
}

// None reports whether no arguments were provided.
func (a Args) None() bool { return a.raw == nil }

// JSON returns the argument payload as given.
func (a Args) JSON() []byte { return a.raw }

// Request is one execution submitted to the orchestrator.
type Request struct {
	Code       string    `json:"code"`
	Language   string    `json:"language"`
	SessionID  string    `json:"session_id,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	TimeoutSec int       `json:"timeout,omitempty"`
	Files      []FileRef `json:"files,omitempty"`
	Args       Args      `json:"args,omitempty"`
	State      string    `json:"state,omitempty"` // base64 envelope, overrides stored state
}

// Output is one entry of the execution's output stream.
type Output struct {
	Type   string `json:"type"` // "stdout", "stderr", "file"
	Value  string `json:"value,omitempty"`
	Name   string `json:"name,omitempty"`
	FileID string `json:"file_id,omitempty"`
}

// FileOut describes an artifact stored from the run.
type FileOut struct {
	FileID    string `json:"file_id"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

// Response is the assembled execution outcome.
type Response struct {
	ExecutionID   string    `json:"execution_id"`
	SessionID     string    `json:"session_id"`
	Language      string    `json:"language"`
	Status        string    `json:"status"` // completed, timeout, failed
	ExitCode      int       `json:"exit_code"`
	Output        string    `json:"output"`
	Outputs       []Output  `json:"outputs"`
	Files         []FileOut `json:"files,omitempty"`
	Stdout        string    `json:"stdout"`
	Stderr        string    `json:"stderr"`
	ElapsedMS     int64     `json:"elapsed_ms"`
	Source        string    `json:"source"`
	StateCaptured bool      `json:"state_captured"`
	StateErrors   []string  `json:"state_errors,omitempty"`
}
