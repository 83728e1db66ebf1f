// Package registry provides singleton registration and discovery for the
// monarch service: an advisory flock on a well-known lock file decides the
// single live provider, and a unix socket next to it is the connectable
// address. The kernel releases the flock when the holder exits, so a crashed
// provider can never appear live.
package registry

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/windowcourt/court/internal/config"
)

// ErrAlreadyRegistered reports that another process holds the live
// registration. Callers are expected to connect instead.
var ErrAlreadyRegistered = errors.New("provider already registered")

type Registry struct {
	cfg config.Config
}

func New(cfg config.Config) *Registry {
	return &Registry{cfg: cfg}
}

// Registration is the held singleton slot. Revoke releases it exactly once.
type Registration struct {
	lockFile   *os.File
	listener   net.Listener
	socketPath string
	mu         sync.Mutex
	revoked    bool
}

// Register attempts to become the sole provider for the namespace. On
// success the caller owns the returned listener and must Revoke on teardown.
// ErrAlreadyRegistered is the expected loss outcome and is non-fatal.
func (r *Registry) Register() (*Registration, error) {
	if err := os.MkdirAll(r.cfg.RuntimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create runtime dir: %w", err)
	}
	lockPath := r.cfg.LockPath()
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return nil, ErrAlreadyRegistered
	}

	socketPath := r.cfg.SocketPath()
	ln, err := listenUnix(socketPath)
	if err != nil {
		releaseFlock(f)
		return nil, err
	}
	return &Registration{lockFile: f, listener: ln, socketPath: socketPath}, nil
}

// Listener exposes the socket the provider should serve on.
func (reg *Registration) Listener() net.Listener {
	return reg.listener
}

// Revoke releases the registration. Safe to call more than once; a second
// call is a no-op.
func (reg *Registration) Revoke() error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.revoked {
		return nil
	}
	reg.revoked = true

	var errs []error
	if reg.listener != nil {
		if err := reg.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if reg.socketPath != "" {
		if err := os.Remove(reg.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if reg.lockFile != nil {
		releaseFlock(reg.lockFile)
		reg.lockFile = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("revoke registration: %v", errs)
	}
	return nil
}

// ListenPeasant binds the per-process socket the monarch dispatches window
// activations to. Any stale socket left by a previous incarnation of the
// same pid is removed first.
func (r *Registry) ListenPeasant(pid int) (net.Listener, string, error) {
	if err := os.MkdirAll(r.cfg.RuntimeDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create runtime dir: %w", err)
	}
	socketPath := r.cfg.PeasantSocketPath(pid)
	ln, err := listenUnix(socketPath)
	if err != nil {
		return nil, "", err
	}
	return ln, socketPath, nil
}

// RemovePeasantSocket clears a per-process socket during teardown.
func (r *Registry) RemovePeasantSocket(pid int) error {
	err := os.Remove(r.cfg.PeasantSocketPath(pid))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func listenUnix(socketPath string) (net.Listener, error) {
	if st, err := os.Lstat(socketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("socket path exists and is not unix socket: %s", socketPath)
		}
		if err := os.Remove(socketPath); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat socket path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

func releaseFlock(f *os.File) {
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}
