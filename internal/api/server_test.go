package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/execbox/execbox/internal/apperrors"
	"github.com/execbox/execbox/internal/config"
	"github.com/execbox/execbox/internal/filestore"
	"github.com/execbox/execbox/internal/orchestrator"
	"github.com/execbox/execbox/internal/pool"
	"github.com/execbox/execbox/internal/session"
	"github.com/execbox/execbox/internal/state"
)

const sessID = "V1StGXR8Z5jdHi6BmyT9p"
const fileID = "bMNs3WkSSq41hQ9XPjqF2"

type stubExec struct {
	resp *orchestrator.Response
	err  error
	got  *orchestrator.Request
}

func (s *stubExec) Execute(ctx context.Context, req *orchestrator.Request) (*orchestrator.Response, error) {
	s.got = req
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

type stubSessions struct {
	sessions map[string]*session.Session
	deleted  []string
}

func (s *stubSessions) Create(ctx context.Context, entityID, userID, language string) (*session.Session, error) {
	return &session.Session{ID: sessID, EntityID: entityID, UserID: userID, Language: language, Status: session.StatusActive}, nil
}

func (s *stubSessions) Get(ctx context.Context, id string) (*session.Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("session", id)
	}
	return sess, nil
}

func (s *stubSessions) Delete(ctx context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *stubSessions) ListByEntity(ctx context.Context, entityID string, limit, offset int) ([]*session.Session, error) {
	var out []*session.Session
	for _, sess := range s.sessions {
		if sess.EntityID == entityID {
			out = append(out, sess)
		}
	}
	return out, nil
}

type stubStates struct {
	blobs map[string][]byte
}

func (s *stubStates) Load(ctx context.Context, sessionID string) ([]byte, error) {
	return s.blobs[sessionID], nil
}

func (s *stubStates) SaveUploaded(ctx context.Context, sessionID string, data []byte) error {
	s.blobs[sessionID] = data
	return nil
}

func (s *stubStates) Info(ctx context.Context, sessionID string) (*state.Meta, error) {
	data, ok := s.blobs[sessionID]
	if !ok {
		return nil, nil
	}
	return &state.Meta{Hash: state.Hash(data), SizeBytes: len(data), Source: "hot"}, nil
}

func (s *stubStates) Delete(ctx context.Context, sessionID string) error {
	delete(s.blobs, sessionID)
	return nil
}

type stubFiles struct {
	content map[string][]byte
	meta    map[string]*filestore.File
	deleted []string
}

func (s *stubFiles) Store(ctx context.Context, sessionID, name, contentType, kind string, content []byte) (*filestore.File, error) {
	return &filestore.File{ID: fileID, SessionID: sessionID, Name: name, Kind: kind, ContentType: contentType, SizeBytes: int64(len(content)), Confirmed: true}, nil
}

func (s *stubFiles) PresignUpload(ctx context.Context, sessionID, name, contentType string) (*filestore.File, string, error) {
	return &filestore.File{ID: fileID, SessionID: sessionID, Name: name}, "https://bucket.example/put", nil
}

func (s *stubFiles) ConfirmUpload(ctx context.Context, sessionID, fid string) (*filestore.File, error) {
	return &filestore.File{ID: fid, SessionID: sessionID, Confirmed: true}, nil
}

func (s *stubFiles) List(ctx context.Context, sessionID string) ([]*filestore.File, error) {
	var out []*filestore.File
	for _, f := range s.meta {
		if f.SessionID == sessionID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *stubFiles) GetContent(ctx context.Context, sessionID, fid string) ([]byte, *filestore.File, error) {
	content, ok := s.content[fid]
	if !ok {
		return nil, nil, apperrors.NotFound("file", fid)
	}
	return content, s.meta[fid], nil
}

func (s *stubFiles) PresignDownload(ctx context.Context, sessionID, fid string) (string, error) {
	return "https://bucket.example/get", nil
}

func (s *stubFiles) Delete(ctx context.Context, sessionID, fid string) error {
	s.deleted = append(s.deleted, fid)
	return nil
}

type stubPools struct{ stats []pool.Stats }

func (s *stubPools) Stats() []pool.Stats { return s.stats }

type testEnv struct {
	server   *Server
	exec     *stubExec
	sessions *stubSessions
	states   *stubStates
	files    *stubFiles
}

func newTestEnv() *testEnv {
	env := &testEnv{
		exec: &stubExec{resp: &orchestrator.Response{
			ExecutionID: "exec-1", SessionID: sessID, Language: "py",
			Status: "completed", Output: "hi\n", Stdout: "hi\n",
		}},
		sessions: &stubSessions{sessions: map[string]*session.Session{}},
		states:   &stubStates{blobs: map[string][]byte{}},
		files:    &stubFiles{content: map[string][]byte{}, meta: map[string]*filestore.File{}},
	}
	cfg := &config.Config{Port: 0, Languages: config.DefaultLanguages()}
	env.server = NewServer(cfg, env.exec, env.sessions, env.states, env.files, &stubPools{
		stats: []pool.Stats{{Language: "py", Target: 2, Total: 2, Available: 1, Acquired: 1}},
	})
	return env
}

func (env *testEnv) do(t *testing.T, method, target string, body []byte, modify func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if modify != nil {
		modify(req)
	}
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	env := newTestEnv()
	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestExec(t *testing.T) {
	env := newTestEnv()
	body, _ := json.Marshal(map[string]any{"code": "print('hi')", "language": "py"})
	rec := env.do(t, http.MethodPost, "/exec", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var resp orchestrator.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "completed" || resp.Output != "hi\n" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if env.exec.got.Code != "print('hi')" {
		t.Fatalf("request not forwarded: %+v", env.exec.got)
	}
}

func TestExecValidationError(t *testing.T) {
	env := newTestEnv()
	env.exec.err = apperrors.Validation("code is required", "code")

	body, _ := json.Marshal(map[string]any{"language": "py"})
	rec := env.do(t, http.MethodPost, "/exec", body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var errResp struct {
		Error     string `json:"error"`
		ErrorType string `json:"error_type"`
		RequestID string `json:"request_id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &errResp)
	if errResp.ErrorType != "validation" || errResp.Error != "code is required" {
		t.Fatalf("unexpected error body %s", rec.Body)
	}
	if errResp.RequestID == "" {
		t.Fatal("error responses must carry the request id")
	}
}

func TestStateRoundTripWithETag(t *testing.T) {
	env := newTestEnv()
	blob := []byte{0x02, 0x01, 0x02, 0x03}

	rec := env.do(t, http.MethodPost, "/state/"+sessID, blob, func(r *http.Request) {
		r.Header.Set("Content-Type", "application/octet-stream")
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("put status = %d, body %s", rec.Code, rec.Body)
	}
	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("201 must carry the blob's ETag")
	}

	rec = env.do(t, http.MethodGet, "/state/"+sessID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), blob) {
		t.Fatal("state body mismatch")
	}
	if rec.Header().Get("ETag") != etag {
		t.Fatal("GET ETag must match the stored blob")
	}

	rec = env.do(t, http.MethodGet, "/state/"+sessID, nil, func(r *http.Request) {
		r.Header.Set("If-None-Match", etag)
	})
	if rec.Code != http.StatusNotModified {
		t.Fatalf("conditional get status = %d, want 304", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatal("304 must not carry a body")
	}
}

func TestStatePutRejectsBadVersion(t *testing.T) {
	env := newTestEnv()
	rec := env.do(t, http.MethodPost, "/state/"+sessID, []byte{0x01, 0x00}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStateGetMissing(t *testing.T) {
	env := newTestEnv()
	rec := env.do(t, http.MethodGet, "/state/"+sessID, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestStateInvalidSessionID(t *testing.T) {
	env := newTestEnv()
	rec := env.do(t, http.MethodGet, "/state/short", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStateDeleteIdempotent(t *testing.T) {
	env := newTestEnv()
	env.states.blobs[sessID] = []byte{0x02, 0x01}

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodDelete, "/state/"+sessID, nil, nil)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("delete #%d status = %d, want 204", i+1, rec.Code)
		}
	}
}

func TestStateInfo(t *testing.T) {
	env := newTestEnv()
	env.states.blobs[sessID] = []byte{0x02, 0x01, 0x02}

	rec := env.do(t, http.MethodGet, "/state/"+sessID+"/info", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var meta state.Meta
	json.Unmarshal(rec.Body.Bytes(), &meta)
	if meta.SessionID != sessID || meta.SizeBytes != 3 || meta.Hash == "" {
		t.Fatalf("unexpected meta %+v", meta)
	}
}

func TestUploadMultipart(t *testing.T) {
	env := newTestEnv()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("session_id", sessID)
	part, _ := w.CreateFormFile("file", "data.csv")
	part.Write([]byte("a,b\n"))
	w.Close()

	rec := env.do(t, http.MethodPost, "/upload", buf.Bytes(), func(r *http.Request) {
		r.Header.Set("Content-Type", w.FormDataContentType())
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var f filestore.File
	json.Unmarshal(rec.Body.Bytes(), &f)
	if f.Name != "data.csv" || f.SizeBytes != 4 {
		t.Fatalf("unexpected file %+v", f)
	}
}

func TestPresignFlow(t *testing.T) {
	env := newTestEnv()
	body, _ := json.Marshal(presignRequest{SessionID: sessID, Name: "big.bin"})
	rec := env.do(t, http.MethodPost, "/files/presign", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var resp struct {
		UploadURL string `json:"upload_url"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !strings.HasPrefix(resp.UploadURL, "https://") {
		t.Fatalf("upload_url = %q", resp.UploadURL)
	}

	rec = env.do(t, http.MethodPost, "/files/"+sessID+"/"+fileID+"/confirm", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm status = %d", rec.Code)
	}
}

func TestFileDownload(t *testing.T) {
	env := newTestEnv()
	env.files.content[fileID] = []byte("payload")
	env.files.meta[fileID] = &filestore.File{ID: fileID, SessionID: sessID, Name: "out.txt", ContentType: "text/plain"}

	rec := env.do(t, http.MethodGet, "/files/"+sessID+"/"+fileID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "payload" {
		t.Fatalf("body = %q", rec.Body)
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "out.txt") {
		t.Fatal("download must set the filename")
	}
}

func TestFileNotFound(t *testing.T) {
	env := newTestEnv()
	rec := env.do(t, http.MethodGet, "/files/"+sessID+"/"+fileID, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv()

	body, _ := json.Marshal(createSessionRequest{EntityID: "e1", UserID: "u1", Language: "py"})
	rec := env.do(t, http.MethodPost, "/sessions", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	var created session.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created session: %v", err)
	}
	if created.EntityID != "e1" || created.UserID != "u1" {
		t.Fatalf("created session dropped request fields: %+v", created)
	}

	env.sessions.sessions[sessID] = &session.Session{ID: sessID, EntityID: "e1"}
	rec = env.do(t, http.MethodGet, "/sessions/"+sessID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/sessions?entity_id=e1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/sessions", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("list without entity = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, "/sessions/"+sessID, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
}

func TestPools(t *testing.T) {
	env := newTestEnv()
	rec := env.do(t, http.MethodGet, "/pools", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Pools []pool.Stats `json:"pools"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Pools) != 1 || resp.Pools[0].Language != "py" {
		t.Fatalf("unexpected pools %+v", resp.Pools)
	}
}
