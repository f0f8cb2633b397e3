package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/bookwright/bookwright/internal/diag"
	"github.com/bookwright/bookwright/internal/fsjail"
	"github.com/bookwright/bookwright/internal/jobs"
	"github.com/bookwright/bookwright/internal/wizard"
)

// newTestServer builds a full stack over temp roots and wraps the mux in an
// httptest.Server.
func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	roots := map[fsjail.Root]string{}
	base := t.TempDir()
	for _, r := range fsjail.Roots() {
		dir := filepath.Join(base, string(r))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		roots[r] = dir
	}
	jail, err := fsjail.New(roots, nil)
	if err != nil {
		t.Fatal(err)
	}
	bus := diag.NewBus()
	stream := diag.NewStream()
	stream.Attach(bus)
	svc := jobs.NewService(jail, bus)
	eng, err := wizard.NewEngine(jail, bus, svc)
	if err != nil {
		t.Fatal(err)
	}
	// One author, one book.
	book := filepath.Join(roots[fsjail.RootInbox], "Author", "Book")
	if err := os.MkdirAll(book, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(book, "ch1.mp3"), []byte("mp3"), 0o644); err != nil {
		t.Fatal(err)
	}
	srv := New(Config{Addr: ":0"}, eng, svc, stream)
	ts := httptest.NewServer(srv.httpSrv.Handler)
	t.Cleanup(func() {
		ts.Close()
		stream.Close()
		srv.Shutdown()
	})
	return srv, ts
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status=ok, got %v", body["status"])
	}
}

func TestCreateSessionAndGetState(t *testing.T) {
	_, ts := newTestServer(t)

	req, _ := json.Marshal(map[string]any{"root": "inbox", "path": ".", "mode": "stage"})
	resp, err := http.Post(ts.URL+"/sessions", "application/json", bytes.NewReader(req))
	if err != nil {
		t.Fatalf("POST /sessions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var st wizard.SessionState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.SessionID == "" {
		t.Fatal("empty session id")
	}

	get, err := http.Get(ts.URL + "/sessions/" + st.SessionID)
	if err != nil {
		t.Fatalf("GET state: %v", err)
	}
	defer get.Body.Close()
	if get.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", get.StatusCode)
	}
}

func TestSessionNotFoundEnvelope(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/sessions/deadbeefdeadbeef")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	inner, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("missing error envelope: %v", body)
	}
	if inner["code"] != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %v", inner["code"])
	}
}

func TestInvalidModeIsValidationError(t *testing.T) {
	_, ts := newTestServer(t)

	req, _ := json.Marshal(map[string]any{"root": "inbox", "path": ".", "mode": "teleport"})
	resp, err := http.Post(ts.URL+"/sessions", "application/json", bytes.NewReader(req))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCrossOriginPostRejected(t *testing.T) {
	_, ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/sessions", bytes.NewReader([]byte("{}")))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Origin", "http://evil.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestListJobsEmpty(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/jobs")
	if err != nil {
		t.Fatalf("GET /jobs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Jobs []json.RawMessage `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Jobs) != 0 {
		t.Fatalf("expected no jobs, got %d", len(body.Jobs))
	}
}
