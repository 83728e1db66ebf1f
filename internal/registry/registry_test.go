package registry

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/windowcourt/court/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.RuntimeDir = t.TempDir()
	cfg.Namespace = "courttest"
	return cfg
}

func TestRegisterIsExclusive(t *testing.T) {
	cfg := testConfig(t)
	r := New(cfg)

	reg, err := r.Register()
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	defer reg.Revoke() //nolint:errcheck

	if _, err := New(cfg).Register(); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestRevokeReleasesRegistration(t *testing.T) {
	cfg := testConfig(t)
	r := New(cfg)

	reg, err := r.Register()
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Revoke(); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := reg.Revoke(); err != nil {
		t.Fatalf("second revoke should be a no-op: %v", err)
	}
	if _, err := os.Lstat(cfg.SocketPath()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected socket removed, got %v", err)
	}

	next, err := r.Register()
	if err != nil {
		t.Fatalf("re-register after revoke: %v", err)
	}
	defer next.Revoke() //nolint:errcheck
}

func TestRegisterRemovesStaleSocket(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.RuntimeDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	ln, err := net.Listen("unix", cfg.SocketPath())
	if err != nil {
		t.Fatalf("seed stale socket: %v", err)
	}
	ln.Close() //nolint:errcheck

	reg, err := New(cfg).Register()
	if err != nil {
		t.Fatalf("register over stale socket: %v", err)
	}
	defer reg.Revoke() //nolint:errcheck

	conn, err := net.Dial("unix", cfg.SocketPath())
	if err != nil {
		t.Fatalf("dial fresh socket: %v", err)
	}
	conn.Close() //nolint:errcheck
}

func TestRegisterRejectsNonSocketPath(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.RuntimeDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(cfg.SocketPath(), []byte("not a socket"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if _, err := New(cfg).Register(); err == nil {
		t.Fatalf("expected refusal to clobber non-socket path")
	}
}

func TestListenPeasantReplacesStaleSocket(t *testing.T) {
	cfg := testConfig(t)
	r := New(cfg)

	ln, sockPath, err := r.ListenPeasant(4242)
	if err != nil {
		t.Fatalf("listen peasant: %v", err)
	}
	if sockPath != cfg.PeasantSocketPath(4242) {
		t.Fatalf("unexpected socket path %s", sockPath)
	}
	ln.Close() //nolint:errcheck

	ln2, _, err := r.ListenPeasant(4242)
	if err != nil {
		t.Fatalf("relisten over stale peasant socket: %v", err)
	}
	ln2.Close() //nolint:errcheck

	if err := r.RemovePeasantSocket(4242); err != nil {
		t.Fatalf("remove peasant socket: %v", err)
	}
	if err := r.RemovePeasantSocket(4242); err != nil {
		t.Fatalf("remove of missing socket should be a no-op: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(cfg.RuntimeDir, "courttest-peasant-4242.sock")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected peasant socket removed, got %v", err)
	}
}
