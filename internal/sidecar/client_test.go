package sidecar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHealthAndReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/ready":
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	c := NewClient()
	if err := c.Health(context.Background(), srv.URL); err != nil {
		t.Fatalf("Health() error: %v", err)
	}
	if err := c.Ready(context.Background(), srv.URL); err == nil {
		t.Fatal("Ready() should fail on 503")
	}
}

func TestExecuteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execute" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Code != "print(1)" || req.Timeout != 5 {
			t.Errorf("unexpected request %+v", req)
		}
		json.NewEncoder(w).Encode(ExecuteResult{
			ExitCode:        0,
			Stdout:          "1\n",
			ExecutionTimeMS: 12,
		})
	}))
	defer srv.Close()

	c := NewClient()
	res, err := c.Execute(context.Background(), srv.URL, ExecuteRequest{Code: "print(1)", Timeout: 5})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if res.ExitCode != 0 || res.Stdout != "1\n" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecuteNon200BecomesExitOne(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "interpreter crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient()
	res, err := c.Execute(context.Background(), srv.URL, ExecuteRequest{Code: "x", Timeout: 5})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if res.ExitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "500") {
		t.Fatalf("stderr should echo the sidecar status: %q", res.Stderr)
	}
}

func TestExecuteTimeoutBecomes124(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	c := NewClient()
	// Timeout -10 gives an immediate deadline once the 10s slack is added;
	// use a tight parent context instead to keep the test fast.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := c.Execute(ctx, srv.URL, ExecuteRequest{Code: "sleep", Timeout: 30})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if res.ExitCode != 124 {
		t.Fatalf("expected exit code 124, got %d", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "timed out") {
		t.Fatalf("stderr should describe the timeout: %q", res.Stderr)
	}
}

func TestListFiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"files":[{"path":"/mnt/data/out.txt"},{"path":"/mnt/data/plot.png"}]}`))
	}))
	defer srv.Close()

	c := NewClient()
	paths, err := c.ListFiles(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("ListFiles() error: %v", err)
	}
	if len(paths) != 2 || paths[0] != "/mnt/data/out.txt" {
		t.Fatalf("unexpected paths %v", paths)
	}
}

func TestCanonicalDataPath(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"/mnt/data/out.txt", "/mnt/data/out.txt", false},
		{"out.txt", "/mnt/data/out.txt", false},
		{"sub/dir/out.txt", "/mnt/data/sub/dir/out.txt", false},
		{"/mnt/data/../etc/passwd", "", true},
		{"../../etc/passwd", "", true},
		{"/etc/passwd", "", true},
		{"/mnt/data", "", true},
		{"/mnt/data/", "", true},
		{"", "", true},
		{"/mnt/datax/out.txt", "", true},
	}
	for _, tc := range cases {
		got, err := CanonicalDataPath(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("CanonicalDataPath(%q) expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("CanonicalDataPath(%q) error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("CanonicalDataPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestUploadMultipart(t *testing.T) {
	var gotName string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		defer f.Close()
		gotName = hdr.Filename
		buf := make([]byte, hdr.Size)
		f.Read(buf)
		gotBody = buf
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient()
	err := c.Upload(context.Background(), srv.URL, UploadFile{Name: "data.csv", Content: []byte("a,b\n1,2\n")})
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if gotName != "data.csv" || string(gotBody) != "a,b\n1,2\n" {
		t.Fatalf("upload payload mismatch: name=%q body=%q", gotName, gotBody)
	}
}
