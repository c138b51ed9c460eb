// Package types holds the wire types exchanged with the execbox API.
package types

import (
	"encoding/json"
	"time"
)

// ExecRequest submits code for execution.
type ExecRequest struct {
	Code       string          `json:"code"`
	Language   string          `json:"language"`
	SessionID  string          `json:"session_id,omitempty"`
	EntityID   string          `json:"entity_id,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	TimeoutSec int             `json:"timeout,omitempty"`
	Files      []FileRef       `json:"files,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	State      string          `json:"state,omitempty"`
}

// FileRef names a file to mount into the sandbox, either by id or inline.
type FileRef struct {
	FileID    string `json:"file_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Content   string `json:"content,omitempty"`
}

// Output is one element of an execution's ordered output stream.
type Output struct {
	Type   string `json:"type"`
	Value  string `json:"value"`
	Name   string `json:"name,omitempty"`
	FileID string `json:"file_id,omitempty"`
}

// FileOut describes an artifact the execution produced.
type FileOut struct {
	FileID    string `json:"file_id"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

// ExecResponse is the result of one execution.
type ExecResponse struct {
	ExecutionID   string    `json:"execution_id"`
	SessionID     string    `json:"session_id,omitempty"`
	Language      string    `json:"language"`
	Status        string    `json:"status"`
	ExitCode      int       `json:"exit_code"`
	Output        string    `json:"output"`
	Outputs       []Output  `json:"outputs"`
	Files         []FileOut `json:"files,omitempty"`
	Stdout        string    `json:"stdout,omitempty"`
	Stderr        string    `json:"stderr,omitempty"`
	ElapsedMS     int64     `json:"elapsed_ms"`
	Source        string    `json:"source,omitempty"`
	StateCaptured bool      `json:"state_captured,omitempty"`
	StateErrors   []string  `json:"state_errors,omitempty"`
}

// Session is a persistent execution context.
type Session struct {
	ID             string    `json:"id"`
	EntityID       string    `json:"entity_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Language       string    `json:"language,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// FileInfo describes a stored file.
type FileInfo struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	ContentType string    `json:"content_type,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	Confirmed   bool      `json:"confirmed"`
	CreatedAt   time.Time `json:"created_at"`
}

// StateInfo describes a session's persisted state without the blob itself.
type StateInfo struct {
	SessionID string    `json:"session_id"`
	Hash      string    `json:"hash"`
	SizeBytes int       `json:"size_bytes"`
	UpdatedAt time.Time `json:"updated_at"`
	Source    string    `json:"source,omitempty"`
}

// PoolStats reports one warm pool's occupancy.
type PoolStats struct {
	Language  string `json:"language"`
	Target    int    `json:"target"`
	Total     int    `json:"total"`
	Available int    `json:"available"`
	Acquired  int    `json:"acquired"`
}

// APIError is the error body the server renders for failed requests.
type APIError struct {
	Message   string `json:"error"`
	ErrorType string `json:"error_type"`
	RequestID string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	if e.ErrorType != "" {
		return e.ErrorType + ": " + e.Message
	}
	return e.Message
}
