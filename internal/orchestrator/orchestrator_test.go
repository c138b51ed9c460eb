package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/execbox/execbox/internal/apperrors"
	"github.com/execbox/execbox/internal/config"
	"github.com/execbox/execbox/internal/dispatch"
	"github.com/execbox/execbox/internal/events"
	"github.com/execbox/execbox/internal/filestore"
	"github.com/execbox/execbox/internal/session"
	"github.com/execbox/execbox/internal/sidecar"
)

type fakeSessions struct {
	byID    map[string]*session.Session
	latest  *session.Session
	created []*session.Session
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{byID: map[string]*session.Session{}}
}

func (f *fakeSessions) Create(ctx context.Context, entityID, userID, language string) (*session.Session, error) {
	s := &session.Session{ID: "created-session", EntityID: entityID, UserID: userID, Language: language, Status: session.StatusActive}
	f.created = append(f.created, s)
	f.byID[s.ID] = s
	return s, nil
}

func (f *fakeSessions) Get(ctx context.Context, id string) (*session.Session, error) {
	s, ok := f.byID[id]
	if !ok {
		return nil, apperrors.NotFound("session", id)
	}
	return s, nil
}

func (f *fakeSessions) LatestActive(ctx context.Context, entityID string) (*session.Session, error) {
	if f.latest == nil {
		return nil, apperrors.NotFound("session for entity", entityID)
	}
	return f.latest, nil
}

type fakeStates struct {
	data      map[string][]byte
	saved     map[string][]byte
	loadCalls int
}

func newFakeStates() *fakeStates {
	return &fakeStates{data: map[string][]byte{}, saved: map[string][]byte{}}
}

func (f *fakeStates) Load(ctx context.Context, sessionID string) ([]byte, error) {
	f.loadCalls++
	return f.data[sessionID], nil
}

func (f *fakeStates) Save(ctx context.Context, sessionID string, data []byte) error {
	f.saved[sessionID] = append([]byte(nil), data...)
	return nil
}

type storedFile struct {
	sessionID, name, kind string
	content               []byte
}

type fakeFiles struct {
	contents map[string][]byte
	stored   []storedFile
}

func newFakeFiles() *fakeFiles { return &fakeFiles{contents: map[string][]byte{}} }

func (f *fakeFiles) GetContent(ctx context.Context, sessionID, fileID string) ([]byte, *filestore.File, error) {
	content, ok := f.contents[sessionID+"/"+fileID]
	if !ok {
		return nil, nil, apperrors.NotFound("file", fileID)
	}
	return content, &filestore.File{ID: fileID, SessionID: sessionID, Name: "stored-" + fileID}, nil
}

func (f *fakeFiles) Store(ctx context.Context, sessionID, name, contentType, kind string, content []byte) (*filestore.File, error) {
	f.stored = append(f.stored, storedFile{sessionID: sessionID, name: name, kind: kind, content: content})
	return &filestore.File{ID: "out-" + name, SessionID: sessionID, Name: name, Kind: kind, SizeBytes: int64(len(content))}, nil
}

type fakeRunner struct {
	got    dispatch.Request
	result *dispatch.Result
	err    error
}

func (f *fakeRunner) ExecuteCode(ctx context.Context, req dispatch.Request) (*dispatch.Result, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return okResult(), nil
}

func okResult() *dispatch.Result {
	return &dispatch.Result{
		ExecutionID: "exec-1",
		Language:    "py",
		Source:      dispatch.SourcePoolHit,
		Status:      dispatch.StatusCompleted,
		Sidecar:     &sidecar.ExecuteResult{ExitCode: 0, Stdout: "hi\n"},
		ElapsedMS:   10,
	}
}

func orchConfig() *config.Config {
	return &config.Config{
		StatePersistenceEnabled: true,
		Languages: map[string]config.LanguageConfig{
			"py": {Image: "test", SupportsState: true},
			"go": {Image: "test"},
		},
	}
}

type fixture struct {
	o        *Orchestrator
	sessions *fakeSessions
	states   *fakeStates
	files    *fakeFiles
	runner   *fakeRunner
	bus      *events.Bus
	cfg      *config.Config
}

func newFixture() *fixture {
	f := &fixture{
		sessions: newFakeSessions(),
		states:   newFakeStates(),
		files:    newFakeFiles(),
		runner:   &fakeRunner{},
		bus:      events.NewBus(),
		cfg:      orchConfig(),
	}
	f.o = New(f.cfg, f.sessions, f.states, f.files, f.runner, f.bus)
	return f
}

func TestArgsUnmarshal(t *testing.T) {
	cases := []struct {
		in   string
		ok   bool
		none bool
	}{
		{`null`, true, true},
		{`"hello"`, true, false},
		{`[1, 2, 3]`, true, false},
		{`{"k": "v"}`, true, false},
		{`42`, false, false},
		{`true`, false, false},
		{`{"broken`, false, false},
	}
	for _, tc := range cases {
		var a Args
		err := json.Unmarshal([]byte(tc.in), &a)
		if tc.ok && err != nil {
			t.Errorf("Args(%s): unexpected error %v", tc.in, err)
			continue
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("Args(%s): expected error", tc.in)
			}
			continue
		}
		if a.None() != tc.none {
			t.Errorf("Args(%s): None() = %v, want %v", tc.in, a.None(), tc.none)
		}
	}
}

func TestValidation(t *testing.T) {
	f := newFixture()
	cases := []*Request{
		{Language: "py"},                        // no code
		{Code: "   ", Language: "py"},           // blank code
		{Code: "1"},                             // no language
		{Code: "1", Language: "cobol"},          // unsupported
		{Code: "1", Language: "py", State: "!"}, // bad base64
	}
	for i, req := range cases {
		_, err := f.o.Execute(context.Background(), req)
		if !apperrors.Is(err, apperrors.KindValidation) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestSessionResolutionExplicit(t *testing.T) {
	f := newFixture()
	f.sessions.byID["sess-1"] = &session.Session{ID: "sess-1", Status: session.StatusActive}

	resp, err := f.o.Execute(context.Background(), &Request{Code: "1", Language: "py", SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if resp.SessionID != "sess-1" {
		t.Fatalf("session = %q, want sess-1", resp.SessionID)
	}
	if len(f.sessions.created) != 0 {
		t.Fatal("explicit session must not create a new one")
	}
}

func TestSessionResolutionExplicitMissingFallsThrough(t *testing.T) {
	f := newFixture()
	resp, err := f.o.Execute(context.Background(), &Request{Code: "1", Language: "py", SessionID: "ghost"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if resp.SessionID != "created-session" || len(f.sessions.created) != 1 {
		t.Fatalf("a missing explicit session must fall through to creation, got %q", resp.SessionID)
	}
}

func TestSessionResolutionInactiveFallsThrough(t *testing.T) {
	f := newFixture()
	f.sessions.byID["done"] = &session.Session{ID: "done", Status: "deleted"}
	f.sessions.latest = &session.Session{ID: "latest", EntityID: "e1", Status: session.StatusActive}

	resp, err := f.o.Execute(context.Background(), &Request{Code: "1", Language: "py", SessionID: "done", EntityID: "e1"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if resp.SessionID != "latest" {
		t.Fatalf("inactive explicit session must yield to the entity's latest, got %q", resp.SessionID)
	}
}

func TestSessionResolutionFromFileRef(t *testing.T) {
	f := newFixture()
	f.sessions.byID["owner"] = &session.Session{ID: "owner", Status: session.StatusActive}
	f.files.contents["owner/file-1"] = []byte("data")

	resp, err := f.o.Execute(context.Background(), &Request{
		Code: "1", Language: "py",
		Files: []FileRef{{FileID: "file-1", SessionID: "owner"}},
	})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if resp.SessionID != "owner" {
		t.Fatalf("session = %q, want the file's owner", resp.SessionID)
	}
}

func TestSessionResolutionEntityLatest(t *testing.T) {
	f := newFixture()
	f.sessions.latest = &session.Session{ID: "latest", EntityID: "e1", Status: session.StatusActive}

	resp, err := f.o.Execute(context.Background(), &Request{Code: "1", Language: "py", EntityID: "e1"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if resp.SessionID != "latest" {
		t.Fatalf("session = %q, want the entity's latest", resp.SessionID)
	}
}

func TestSessionResolutionCreates(t *testing.T) {
	f := newFixture()
	resp, err := f.o.Execute(context.Background(), &Request{Code: "1", Language: "py", EntityID: "e1"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if resp.SessionID != "created-session" || len(f.sessions.created) != 1 {
		t.Fatalf("expected a created session, got %q", resp.SessionID)
	}
	if f.sessions.created[0].EntityID != "e1" {
		t.Fatal("created session must carry the entity")
	}
}

func TestSessionCreationCarriesUser(t *testing.T) {
	f := newFixture()
	if _, err := f.o.Execute(context.Background(), &Request{Code: "1", Language: "py", EntityID: "e1", UserID: "u1"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if len(f.sessions.created) != 1 || f.sessions.created[0].UserID != "u1" {
		t.Fatalf("created session must record the user, got %+v", f.sessions.created)
	}
}

func TestStoredStateSeedsExecution(t *testing.T) {
	f := newFixture()
	blob := []byte{0x02, 0xAA}
	f.states.data["created-session"] = blob

	if _, err := f.o.Execute(context.Background(), &Request{Code: "1", Language: "py"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if f.runner.got.InitialState != base64.StdEncoding.EncodeToString(blob) {
		t.Fatalf("initial state = %q", f.runner.got.InitialState)
	}
	if !f.runner.got.CaptureState {
		t.Fatal("stateful language must request capture")
	}
}

func TestInlineStateWins(t *testing.T) {
	f := newFixture()
	f.states.data["created-session"] = []byte{0x02, 0xAA}
	inline := base64.StdEncoding.EncodeToString([]byte{0x02, 0xBB})

	if _, err := f.o.Execute(context.Background(), &Request{Code: "1", Language: "py", State: inline}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if f.runner.got.InitialState != inline {
		t.Fatal("inline state must shadow the stored copy")
	}
	if f.states.loadCalls != 0 {
		t.Fatal("store must not be consulted when state is inline")
	}
}

func TestInlineStateBadEnvelope(t *testing.T) {
	f := newFixture()
	inline := base64.StdEncoding.EncodeToString([]byte{0x01, 0xBB})
	_, err := f.o.Execute(context.Background(), &Request{Code: "1", Language: "py", State: inline})
	if !apperrors.Is(err, apperrors.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStatelessLanguageSkipsState(t *testing.T) {
	f := newFixture()
	if _, err := f.o.Execute(context.Background(), &Request{Code: "1", Language: "go"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if f.states.loadCalls != 0 {
		t.Fatal("stateless language must not load state")
	}
	if f.runner.got.CaptureState {
		t.Fatal("stateless language must not request capture")
	}
}

func TestUnresolvedFileRefIsValidation(t *testing.T) {
	f := newFixture()
	_, err := f.o.Execute(context.Background(), &Request{
		Code: "1", Language: "py",
		Files: []FileRef{{FileID: "ghost"}},
	})
	if !apperrors.Is(err, apperrors.KindValidation) {
		t.Fatalf("unresolved file ref should be a validation error, got %v", err)
	}
}

func TestMountsAndArgs(t *testing.T) {
	f := newFixture()
	f.files.contents["created-session/file-1"] = []byte("stored data")

	var args Args
	json.Unmarshal([]byte(`{"n": 3}`), &args)

	_, err := f.o.Execute(context.Background(), &Request{
		Code: "1", Language: "py",
		Files: []FileRef{
			{FileID: "file-1"},
			{Name: "inline.txt", Content: base64.StdEncoding.EncodeToString([]byte("inline data"))},
		},
		Args: args,
	})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	mounts := f.runner.got.Files
	if len(mounts) != 3 {
		t.Fatalf("mounts = %d, want 3 (stored, inline, args)", len(mounts))
	}
	if mounts[0].Name != "stored-file-1" || string(mounts[0].Content) != "stored data" {
		t.Fatalf("stored mount = %+v", mounts[0])
	}
	if mounts[1].Name != "inline.txt" || string(mounts[1].Content) != "inline data" {
		t.Fatalf("inline mount = %+v", mounts[1])
	}
	if mounts[2].Name != "args.json" || string(mounts[2].Content) != `{"n": 3}` {
		t.Fatalf("args mount = %+v", mounts[2])
	}
}

func TestOutputAssembly(t *testing.T) {
	f := newFixture()
	f.runner.result = &dispatch.Result{
		ExecutionID: "exec-1",
		Language:    "py",
		Source:      dispatch.SourcePoolHit,
		Status:      dispatch.StatusCompleted,
		Sidecar:     &sidecar.ExecuteResult{ExitCode: 0, Stdout: "line1\nline2\n", Stderr: "warning\n"},
		Generated:   []dispatch.CollectedFile{{Path: "/mnt/data/plot.png", Name: "plot.png", Content: []byte("png")}},
	}

	resp, err := f.o.Execute(context.Background(), &Request{Code: "1", Language: "py"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	if resp.Output != "line1\nline2\nwarning\n" {
		t.Fatalf("combined output = %q", resp.Output)
	}
	if len(resp.Outputs) != 3 {
		t.Fatalf("outputs = %+v", resp.Outputs)
	}
	if resp.Outputs[0].Type != "stdout" || resp.Outputs[1].Type != "stderr" || resp.Outputs[2].Type != "file" {
		t.Fatalf("output order wrong: %+v", resp.Outputs)
	}
	if len(resp.Files) != 1 || resp.Files[0].Name != "plot.png" {
		t.Fatalf("files = %+v", resp.Files)
	}
	if len(f.files.stored) != 1 || f.files.stored[0].kind != filestore.KindOutput {
		t.Fatal("artifact must be stored as an output file")
	}
}

func TestStdoutTrailingNewline(t *testing.T) {
	f := newFixture()
	cases := []struct {
		raw  string
		want string
	}{
		{"py: 55", "py: 55\n"},
		{"py: 55\n", "py: 55\n"},
		{"a\nb\n\n", "a\nb\n"},
		{"", ""},
		{"\n", ""},
	}
	for _, tc := range cases {
		f.runner.result = okResult()
		f.runner.result.Sidecar.Stdout = tc.raw

		resp, err := f.o.Execute(context.Background(), &Request{Code: "1", Language: "py"})
		if err != nil {
			t.Fatalf("Execute() error: %v", err)
		}
		if resp.Stdout != tc.want {
			t.Errorf("stdout for %q = %q, want %q", tc.raw, resp.Stdout, tc.want)
		}
	}
}

func TestFailedRunSeedsStderr(t *testing.T) {
	f := newFixture()
	f.runner.result = &dispatch.Result{
		ExecutionID: "exec-1",
		Language:    "py",
		Source:      dispatch.SourceJob,
		Status:      dispatch.StatusFailed,
		Sidecar:     &sidecar.ExecuteResult{ExitCode: 137},
	}

	resp, err := f.o.Execute(context.Background(), &Request{Code: "1", Language: "py"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if resp.Stderr != "execution failed with exit code 137" {
		t.Fatalf("stderr = %q", resp.Stderr)
	}
	if resp.Output != "execution failed with exit code 137\n" {
		t.Fatalf("output = %q", resp.Output)
	}
}

func TestStatePersistedOnSuccess(t *testing.T) {
	f := newFixture()
	captured := base64.StdEncoding.EncodeToString([]byte{0x02, 0xCC})
	f.runner.result = okResult()
	f.runner.result.Sidecar.State = captured

	resp, err := f.o.Execute(context.Background(), &Request{Code: "1", Language: "py"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if !resp.StateCaptured {
		t.Fatal("StateCaptured should be set")
	}
	if string(f.states.saved["created-session"]) != string([]byte{0x02, 0xCC}) {
		t.Fatal("captured state not saved")
	}
}

func TestStateNotPersistedOnFailureByDefault(t *testing.T) {
	f := newFixture()
	f.runner.result = okResult()
	f.runner.result.Status = dispatch.StatusFailed
	f.runner.result.Sidecar.ExitCode = 1
	f.runner.result.Sidecar.State = base64.StdEncoding.EncodeToString([]byte{0x02, 0xCC})

	resp, err := f.o.Execute(context.Background(), &Request{Code: "1", Language: "py"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if resp.StateCaptured || len(f.states.saved) != 0 {
		t.Fatal("failed run must not persist state unless configured to")
	}

	// With the flag on, failed runs persist too.
	f.cfg.CaptureStateOnError = true
	resp, err = f.o.Execute(context.Background(), &Request{Code: "1", Language: "py"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if !resp.StateCaptured {
		t.Fatal("CaptureStateOnError must persist state on failed runs")
	}
}

func TestExecutionCompletedPublished(t *testing.T) {
	f := newFixture()
	got := make(chan events.ExecutionCompleted, 1)
	f.bus.Subscribe(events.TypeExecutionCompleted, func(ctx context.Context, e events.Event) error {
		got <- e.(events.ExecutionCompleted)
		return nil
	})

	if _, err := f.o.Execute(context.Background(), &Request{Code: "1", Language: "py"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	select {
	case e := <-got:
		if !e.Success || e.SessionID != "created-session" {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("execution.completed not published")
	}
}
