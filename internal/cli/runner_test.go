package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/windowcourt/court/internal/api"
)

func TestHealthCallsAPI(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("expected GET, got %s", r.Method)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-08-29T00:00:00Z","status":"ok","pid":4321,"reign_id":"r-1"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunnerWithClient(srv.URL, srv.Client(), out, errOut)
	if code := r.Run(context.Background(), []string{"health"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "ok pid=4321 reign=r-1") {
		t.Fatalf("unexpected health output: %s", out.String())
	}

	out.Reset()
	if code := r.Run(context.Background(), []string{"health", "--json"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), `"reign_id"`) {
		t.Fatalf("expected JSON output, got: %s", out.String())
	}
}

func TestPeasantsListCallsAPI(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/peasants", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("expected GET, got %s", r.Method)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-08-29T00:00:00Z","reign_id":"r-1","peasants":[{"peasant_id":1,"pid":4321,"window_name":"alpha","socket_path":"/tmp/a.sock","registered_at":"2026-08-29T00:00:00Z"}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunnerWithClient(srv.URL, srv.Client(), out, errOut)
	if code := r.Run(context.Background(), []string{"peasants"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "1\t4321\talpha") {
		t.Fatalf("unexpected peasants output: %s", out.String())
	}
}

func TestProposeSendsTargetAndArgs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/propose", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		var req api.ProposeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode propose request: %v", err)
		}
		if req.Args.TargetWindow != "alpha" {
			t.Fatalf("expected target alpha, got %q", req.Args.TargetWindow)
		}
		if len(req.Args.Args) != 2 || req.Args.Args[0] != "open" {
			t.Fatalf("unexpected args %v", req.Args.Args)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-08-29T00:00:00Z","should_create_window":false,"window_id":1}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunnerWithClient(srv.URL, srv.Client(), out, errOut)
	if code := r.Run(context.Background(), []string{"propose", "--window", "alpha", "open", "file.txt"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "routed to window 1") {
		t.Fatalf("unexpected propose output: %s", out.String())
	}
}

func TestRemoveRequiresID(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunnerWithClient("http://example.invalid", &http.Client{}, out, errOut)
	if code := r.Run(context.Background(), []string{"remove"}); code != 2 {
		t.Fatalf("expected usage exit 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "usage: court remove") {
		t.Fatalf("expected usage output, got: %s", errOut.String())
	}
}

func TestErrorEnvelopeSurfacesCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/peasants/9", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-08-29T00:00:00Z","error":{"code":"E_REF_NOT_FOUND","message":"peasant not found"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunnerWithClient(srv.URL, srv.Client(), out, errOut)
	if code := r.Run(context.Background(), []string{"remove", "--id", "9"}); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "E_REF_NOT_FOUND") {
		t.Fatalf("expected error code surfaced, got: %s", errOut.String())
	}
}

func TestUnknownCommandPrintsUsage(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunnerWithClient("http://example.invalid", &http.Client{}, out, errOut)
	if code := r.Run(context.Background(), []string{"banish"}); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command: banish") {
		t.Fatalf("expected unknown command message, got: %s", errOut.String())
	}
}
