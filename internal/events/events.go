package events

// Event type identifiers.
const (
	TypeSessionCreated          = "session.created"
	TypeSessionDeleted          = "session.deleted"
	TypeExecutionStarted        = "execution.started"
	TypeExecutionCompleted      = "execution.completed"
	TypeFileUploaded            = "file.uploaded"
	TypeFileDeleted             = "file.deleted"
	TypeSandboxCreated          = "sandbox.created"
	TypeSandboxDestroyed        = "sandbox.destroyed"
	TypeSandboxAcquiredFromPool = "sandbox.acquired_from_pool"
	TypeSandboxCreatedFresh     = "sandbox.created_fresh"
	TypePoolWarmed              = "pool.warmed"
	TypePoolExhausted           = "pool.exhausted"
)

// SessionCreated fires after the registry commits a new session.
type SessionCreated struct {
	SessionID string `json:"session_id"`
	EntityID  string `json:"entity_id,omitempty"`
}

func (SessionCreated) Type() string { return TypeSessionCreated }

// SessionDeleted fires after a session is removed, explicitly or by the
// TTL sweep. Subscribers release session-scoped resources.
type SessionDeleted struct {
	SessionID string `json:"session_id"`
}

func (SessionDeleted) Type() string { return TypeSessionDeleted }

// ExecutionStarted fires when the dispatcher hands a snippet to a sandbox.
type ExecutionStarted struct {
	ExecutionID string `json:"execution_id"`
	SessionID   string `json:"session_id"`
	Language    string `json:"language"`
}

func (ExecutionStarted) Type() string { return TypeExecutionStarted }

// ExecutionCompleted fires after the orchestrator assembles the response.
type ExecutionCompleted struct {
	ExecutionID string `json:"execution_id"`
	SessionID   string `json:"session_id"`
	Success     bool   `json:"success"`
	ElapsedMS   int64  `json:"elapsed_ms"`
}

func (ExecutionCompleted) Type() string { return TypeExecutionCompleted }

// FileUploaded fires when a file lands in the file store.
type FileUploaded struct {
	SessionID string `json:"session_id"`
	FileID    string `json:"file_id"`
	Name      string `json:"name"`
}

func (FileUploaded) Type() string { return TypeFileUploaded }

// FileDeleted fires when a file is removed from the file store.
type FileDeleted struct {
	SessionID string `json:"session_id"`
	FileID    string `json:"file_id"`
}

func (FileDeleted) Type() string { return TypeFileDeleted }

// SandboxCreated fires when a sandbox pod reaches ready.
type SandboxCreated struct {
	Name     string `json:"name"`
	Language string `json:"language"`
}

func (SandboxCreated) Type() string { return TypeSandboxCreated }

// SandboxDestroyed fires after a sandbox delete is issued to the runtime.
type SandboxDestroyed struct {
	Name     string `json:"name"`
	Language string `json:"language"`
}

func (SandboxDestroyed) Type() string { return TypeSandboxDestroyed }

// SandboxAcquiredFromPool fires on a pool hit.
type SandboxAcquiredFromPool struct {
	Name      string `json:"name"`
	Language  string `json:"language"`
	SessionID string `json:"session_id"`
}

func (SandboxAcquiredFromPool) Type() string { return TypeSandboxAcquiredFromPool }

// SandboxCreatedFresh fires when an execution had to cold-start a sandbox.
type SandboxCreatedFresh struct {
	Language string `json:"language"`
	Reason   string `json:"reason"` // "pool_miss" or "no_pool"
}

func (SandboxCreatedFresh) Type() string { return TypeSandboxCreatedFresh }

// PoolWarmed fires when a pool finishes its initial warmup.
type PoolWarmed struct {
	Language string `json:"language"`
	Count    int    `json:"count"`
}

func (PoolWarmed) Type() string { return TypePoolWarmed }

// PoolExhausted fires when an acquire times out with no warm sandbox.
type PoolExhausted struct {
	Language string `json:"language"`
}

func (PoolExhausted) Type() string { return TypePoolExhausted }
