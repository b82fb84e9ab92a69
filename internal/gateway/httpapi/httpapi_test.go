package httpapi

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/jkaninda/boma/internal/fileops"
	"github.com/jkaninda/boma/internal/protocol"
	"github.com/jkaninda/boma/internal/workspace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestGateway(t *testing.T, keys []string) *Gateway {
	t.Helper()
	ws, err := workspace.New(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	if _, err := ws.Create("t1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	files := fileops.New(ws, 1<<20, testLogger())
	return NewGateway(Config{APIKeys: keys}, nil, nil, files, nil, testLogger())
}

func TestValidateCall(t *testing.T) {
	tests := []struct {
		name string
		req  protocol.Request
		want string
	}{
		{"valid", protocol.Request{TaskID: "t1", Op: protocol.OpShellRun}, ""},
		{"missing task", protocol.Request{Op: protocol.OpShellRun}, "taskId is required"},
		{"missing op", protocol.Request{TaskID: "t1"}, "operation is required"},
		{"unknown op", protocol.Request{TaskID: "t1", Op: protocol.Op("shell.frobnicate")}, `unknown operation "shell.frobnicate"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := validateCall(&tt.req); got != tt.want {
				t.Errorf("validateCall = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBearerKey(t *testing.T) {
	tests := []struct {
		header string
		key    string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"", "", false},
		{"bearer abc", "", false},
	}
	for _, tt := range tests {
		key, ok := bearerKey(tt.header)
		if key != tt.key || ok != tt.ok {
			t.Errorf("bearerKey(%q) = %q, %v; want %q, %v", tt.header, key, ok, tt.key, tt.ok)
		}
	}
}

func TestKeyValid(t *testing.T) {
	g := newTestGateway(t, []string{"key-1", "key-2"})

	if !g.keyValid("key-2") {
		t.Error("configured key rejected")
	}
	if g.keyValid("key-3") {
		t.Error("unknown key accepted")
	}
	if g.keyValid("") {
		t.Error("empty key accepted")
	}
}

func TestRequireAuth(t *testing.T) {
	g := newTestGateway(t, []string{"secret"})
	called := false
	h := g.requireAuth(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/v1/files/raw", nil))
	if rec.Code != http.StatusUnauthorized || called {
		t.Errorf("without key: status = %d, called = %v", rec.Code, called)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/files/raw", nil)
	req.Header.Set("Authorization", "Bearer secret")
	h(rec, req)
	if rec.Code != http.StatusOK || !called {
		t.Errorf("with key: status = %d, called = %v", rec.Code, called)
	}
}

func TestRequireAuthDisabled(t *testing.T) {
	g := newTestGateway(t, nil)
	called := false
	h := g.requireAuth(func(http.ResponseWriter, *http.Request) { called = true })

	h(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/files/raw", nil))
	if !called {
		t.Error("handler not called with auth disabled")
	}
}

func TestRawUploadDownload(t *testing.T) {
	g := newTestGateway(t, nil)
	body := []byte("\x00\x01binary payload\xff")

	rec := httptest.NewRecorder()
	g.handleFileUpload(rec, httptest.NewRequest(http.MethodPut,
		"/v1/files/raw?task_id=t1&path=out/data.bin", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	g.handleFileDownload(rec, httptest.NewRequest(http.MethodGet,
		"/v1/files/raw?task_id=t1&path=out/data.bin", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("download status = %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), body) {
		t.Errorf("downloaded %q, want %q", rec.Body.Bytes(), body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestRawDownloadErrors(t *testing.T) {
	g := newTestGateway(t, nil)

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"missing params", "/v1/files/raw?task_id=t1", http.StatusBadRequest},
		{"path escape", "/v1/files/raw?task_id=t1&path=../../etc/passwd", http.StatusBadRequest},
		{"not found", "/v1/files/raw?task_id=t1&path=nope.txt", http.StatusNotFound},
		{"unknown task", "/v1/files/raw?task_id=ghost&path=a.txt", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			g.handleFileDownload(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestRawUploadTooLarge(t *testing.T) {
	g := newTestGateway(t, nil)
	g.config.MaxRequestSize = 16

	rec := httptest.NewRecorder()
	g.handleFileUpload(rec, httptest.NewRequest(http.MethodPut,
		"/v1/files/raw?task_id=t1&path=big.bin", bytes.NewReader(make([]byte, 64))))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}
