package court

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/windowcourt/court/internal/api"
	"github.com/windowcourt/court/internal/client"
	"github.com/windowcourt/court/internal/config"
	"github.com/windowcourt/court/internal/db"
	"github.com/windowcourt/court/internal/logging"
	"github.com/windowcourt/court/internal/model"
	"github.com/windowcourt/court/internal/registry"
)

// WindowManager is the per-process facade over the whole coordination
// protocol. Each window-bearing process holds exactly one. It discovers or
// becomes the monarch, registers this process's window as a peasant, watches
// the monarch's reign, and re-elects on its death. Callers only see
// ProposeCommandline and a handful of accessors.
type WindowManager struct {
	cfg      config.Config
	log      *logging.Logger
	registry *registry.Registry
	journal  *db.Store
	peasant  *Peasant

	mu           sync.Mutex
	role         model.Role
	shouldCreate bool
	handle       monarchHandle
	monarch      *Monarch
	server       *Server
	registration *registry.Registration
	peasantSrv   *PeasantServer
	peasantLn    net.Listener
	peasantSock  string
	subscribers  []FindTargetFunc

	watchCancel context.CancelFunc
	watchDone   chan struct{}

	closeOnce sync.Once
	closeErr  error

	// fatalFn runs when the watcher hits an unrecoverable state, such as
	// losing every election attempt without finding a monarch.
	fatalFn func(error)
}

// NewWindowManager builds the facade. windowName may be empty; onExecute
// receives every commandline routed to this window. The telemetry journal is
// opened best effort: a broken journal costs history, never coordination.
func NewWindowManager(cfg config.Config, windowName string, onExecute WindowFunc, log *logging.Logger) *WindowManager {
	if log == nil {
		log = logging.NewNop()
	}
	wm := &WindowManager{
		cfg:      cfg,
		log:      log,
		registry: registry.New(cfg),
		peasant:  NewPeasant(windowName, onExecute, log),
	}
	wm.fatalFn = func(err error) {
		log.Error("unrecoverable coordination failure", zap.Error(err))
		os.Exit(1)
	}
	journal, err := db.Open(context.Background(), cfg.JournalFile())
	if err != nil {
		log.Warn("journal unavailable", zap.Error(err))
		return wm
	}
	if err := db.ApplyMigrations(context.Background(), journal.DB()); err != nil {
		log.Warn("journal migrations failed", zap.Error(err))
		journal.Close() //nolint:errcheck
		return wm
	}
	wm.journal = journal
	return wm
}

// OnFindTargetWindow subscribes a window-naming hook. Hooks run in order on
// every unmatched target, whichever process is king; the last writer wins.
func (wm *WindowManager) OnFindTargetWindow(fn FindTargetFunc) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	wm.subscribers = append(wm.subscribers, fn)
}

func (wm *WindowManager) raiseFindTarget(args *model.CommandlineArgs) {
	wm.mu.Lock()
	subs := make([]FindTargetFunc, len(wm.subscribers))
	copy(subs, wm.subscribers)
	wm.mu.Unlock()
	for _, fn := range subs {
		fn(args)
	}
}

// CurrentWindow returns this process's window record, nil until
// ProposeCommandline has materialized one.
func (wm *WindowManager) CurrentWindow() *Peasant {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if wm.peasantSrv == nil {
		return nil
	}
	return wm.peasant
}

// ShouldCreateWindow reports the verdict of the last proposal: whether this
// process was told to materialize a window.
func (wm *WindowManager) ShouldCreateWindow() bool {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return wm.shouldCreate
}

// IsKing reports whether this process currently holds the coordinator
// registration.
func (wm *WindowManager) IsKing() bool {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return wm.role == model.RoleKing
}

// ProposeCommandline runs the startup handshake: find or become the monarch,
// submit args, and if the verdict is "create", materialize this process's
// window and route args into it. It returns true when this process should
// keep a window alive, false when args were handed to an existing window and
// this process should exit.
func (wm *WindowManager) ProposeCommandline(ctx context.Context, args model.CommandlineArgs) (bool, error) {
	if err := wm.ensureMonarch(ctx); err != nil {
		return false, err
	}

	resp, err := wm.propose(ctx, args)
	if err != nil {
		return false, err
	}
	wm.mu.Lock()
	wm.shouldCreate = resp.ShouldCreateWindow
	wm.mu.Unlock()
	if !resp.ShouldCreateWindow {
		wm.log.Info("commandline routed to existing window",
			zap.Int64("window_id", resp.WindowID))
		return false, nil
	}

	if err := wm.createWindow(ctx, args); err != nil {
		return false, err
	}
	wm.peasant.ExecuteCommandline(args)
	return true, nil
}

// propose delegates to the current monarch. A transport failure means the
// monarch died between handshake and proposal: run one election pass and
// retry once before giving up.
func (wm *WindowManager) propose(ctx context.Context, args model.CommandlineArgs) (api.ProposeResponse, error) {
	handle := wm.currentHandle()
	resp, err := handle.Propose(ctx, args)
	if err == nil {
		return resp, nil
	}
	var reqErr *client.RequestError
	if (errors.As(err, &reqErr) && !reqErr.Retryable()) || ctx.Err() != nil {
		return resp, err
	}

	wm.log.Warn("monarch unreachable during proposal, re-electing", zap.Error(err))
	wm.recordEvent(ctx, model.EventMonarchDied, "proposal transport failure")
	if err := wm.ensureMonarch(ctx); err != nil {
		return resp, err
	}
	return wm.currentHandle().Propose(ctx, args)
}

// createWindow binds this process's peasant socket, serves it, and registers
// the window with the monarch. A subject also starts the reign watcher here;
// a king has nothing to watch.
func (wm *WindowManager) createWindow(ctx context.Context, args model.CommandlineArgs) error {
	ln, sockPath, err := wm.registry.ListenPeasant(wm.cfg.ProcessID)
	if err != nil {
		return fmt.Errorf("bind window socket: %w", err)
	}
	srv := NewPeasantServer(wm.log, wm.peasant)
	go srv.Serve(ln) //nolint:errcheck

	wm.mu.Lock()
	wm.peasantSrv = srv
	wm.peasantLn = ln
	wm.peasantSock = sockPath
	wm.mu.Unlock()

	if err := wm.registerPeasant(ctx, args); err != nil {
		return err
	}

	if !wm.IsKing() {
		wm.startWatcher()
	}
	return nil
}

// registerPeasant announces this window to the current monarch and adopts
// the id it assigns. Ids are not stable across reigns; a fresh one is
// requested every time.
func (wm *WindowManager) registerPeasant(ctx context.Context, lastArgs model.CommandlineArgs) error {
	wm.mu.Lock()
	sockPath := wm.peasantSock
	wm.mu.Unlock()

	id, err := wm.currentHandle().AddPeasant(ctx, api.AddPeasantRequest{
		PID:        wm.cfg.ProcessID,
		WindowName: wm.peasant.WindowName(),
		SocketPath: sockPath,
		LastArgs:   lastArgs,
	})
	if err != nil {
		return fmt.Errorf("register window: %w", err)
	}
	wm.peasant.SetID(id)
	return nil
}

// ensureMonarch finds a live monarch or crowns this process, honoring the
// retry schedule. Losing the registration race and then failing to connect
// means the winner died immediately; the next attempt races again.
func (wm *WindowManager) ensureMonarch(ctx context.Context) error {
	backoffs := append([]time.Duration{0}, wm.cfg.RetryBackoff...)
	var lastErr error
	for _, backoff := range backoffs {
		if backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		reg, err := wm.registry.Register()
		if err == nil {
			wm.crown(ctx, reg)
			return nil
		}
		if !errors.Is(err, registry.ErrAlreadyRegistered) {
			return fmt.Errorf("register coordinator: %w", err)
		}

		if err := wm.connect(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("no live monarch and registration contended: %w", lastErr)
}

// crown makes this process the monarch: it owns the registration, serves
// the namespace socket, and routes find-target raises to local subscribers.
func (wm *WindowManager) crown(ctx context.Context, reg *registry.Registration) {
	monarch := NewMonarch(wm.cfg, wm.log, wm.journal)
	monarch.OnFindTargetWindow(wm.raiseFindTarget)
	server := NewServer(wm.cfg, wm.log, monarch)
	go server.Serve(reg.Listener()) //nolint:errcheck

	wm.mu.Lock()
	wm.role = model.RoleKing
	wm.handle = localHandle{monarch: monarch}
	wm.monarch = monarch
	wm.server = server
	wm.registration = reg
	wm.mu.Unlock()

	wm.log.Info("took the throne",
		zap.String("reign_id", monarch.ReignID()),
		zap.Int("pid", wm.cfg.ProcessID))
	wm.recordEvent(ctx, model.EventBecameMonarch, monarch.ReignID())
	monarch.PurgeJournal(ctx)
}

// connect attaches to whoever holds the registration, verifying liveness
// with a health probe before trusting the socket.
func (wm *WindowManager) connect(ctx context.Context) error {
	mc := client.NewMonarch(wm.cfg.SocketPath(), wm.cfg.UnaryTimeout)
	probeCtx, cancel := context.WithTimeout(ctx, wm.cfg.DialTimeout)
	defer cancel()
	health, err := mc.Health(probeCtx)
	if err != nil {
		return fmt.Errorf("probe monarch: %w", err)
	}

	// Kingship is derived from the monarch's reported pid, never assumed
	// from which path led here.
	role := model.RoleSubject
	if health.PID == wm.cfg.ProcessID {
		role = model.RoleKing
	}

	wm.mu.Lock()
	wm.role = role
	wm.handle = remoteHandle{c: mc}
	wm.monarch = nil
	wm.server = nil
	wm.registration = nil
	wm.mu.Unlock()

	wm.log.Info("connected to monarch",
		zap.Int("monarch_pid", health.PID),
		zap.String("reign_id", health.ReignID))
	wm.recordEvent(ctx, model.EventConnectedToMonarch, health.ReignID)
	return nil
}

func (wm *WindowManager) currentHandle() monarchHandle {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return wm.handle
}

func (wm *WindowManager) startWatcher() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	wm.mu.Lock()
	wm.watchCancel = cancel
	wm.watchDone = done
	wm.mu.Unlock()
	go wm.watchReign(ctx, done)
}

// watchReign is the election watcher: it blocks on the monarch's heartbeat
// stream and, when the stream ends, re-elects, re-registers this window,
// replays its last activation, and recomputes kingship. It exits when this
// process becomes king or is torn down.
func (wm *WindowManager) watchReign(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		err := wm.currentHandle().WatchReign(ctx)
		if ctx.Err() != nil {
			return
		}
		wm.log.Info("monarch reign ended, holding election", zap.Error(err))
		wm.recordEvent(ctx, model.EventMonarchDied, "")

		if err := wm.ensureMonarch(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			wm.fatalFn(fmt.Errorf("election failed: %w", err))
			return
		}
		if err := wm.registerPeasant(ctx, wm.peasant.LastActivatedArgs()); err != nil {
			if ctx.Err() != nil {
				return
			}
			wm.fatalFn(fmt.Errorf("re-register after election: %w", err))
			return
		}
		wm.replayActivation(ctx)

		if wm.computeKingship(ctx) {
			wm.log.Info("won the election", zap.Int("pid", wm.cfg.ProcessID))
			return
		}
	}
}

// replayActivation restores this window's position in the activation order
// under the new reign. Best effort; a miss only skews MRU ordering.
func (wm *WindowManager) replayActivation(ctx context.Context) {
	last := wm.peasant.LastActivatedArgs()
	if last.ActivatedAt.IsZero() {
		return
	}
	if err := wm.currentHandle().Activate(ctx, wm.peasant.ID(), last); err != nil {
		wm.log.Debug("activation replay failed", zap.Error(err))
	}
}

// computeKingship derives the role from the monarch's reported pid. It is
// recomputed after every reconnection rather than trusted from the election
// outcome.
func (wm *WindowManager) computeKingship(ctx context.Context) bool {
	pid, err := wm.currentHandle().Pid(ctx)
	if err != nil {
		return false
	}
	isKing := pid == wm.cfg.ProcessID
	wm.mu.Lock()
	if isKing {
		wm.role = model.RoleKing
	} else {
		wm.role = model.RoleSubject
	}
	wm.mu.Unlock()
	return isKing
}

func (wm *WindowManager) recordEvent(ctx context.Context, eventType, detail string) {
	if wm.journal == nil {
		return
	}
	ev := model.JournalEvent{
		EventType: eventType,
		PID:       wm.cfg.ProcessID,
		Detail:    detail,
	}
	if err := wm.journal.InsertEvent(ctx, ev); err != nil {
		wm.log.Debug("journal write failed", zap.String("event_type", eventType), zap.Error(err))
	}
}

// Close tears the process out of the court: stop watching, surrender the
// throne if held, unbind the window socket, and close the journal. Safe to
// call more than once.
func (wm *WindowManager) Close() error {
	wm.closeOnce.Do(func() {
		wm.mu.Lock()
		cancel := wm.watchCancel
		done := wm.watchDone
		wm.mu.Unlock()

		// Stop the watcher before snapshotting: a mid-election watcher may
		// still crown this process.
		if cancel != nil {
			cancel()
			<-done
		}

		wm.mu.Lock()
		role := wm.role
		handle := wm.handle
		server := wm.server
		reg := wm.registration
		peasantSrv := wm.peasantSrv
		peasantLn := wm.peasantLn
		wm.mu.Unlock()

		var errs []error
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), wm.cfg.ShutdownTimeout)
		defer cancelShutdown()

		// Best effort: tell the monarch this window is gone so it never
		// routes here again. The king's own registry dies with it.
		if role == model.RoleSubject && handle != nil && wm.peasant.ID() > 0 {
			if err := handle.RemovePeasant(shutdownCtx, wm.peasant.ID()); err != nil {
				wm.log.Debug("unregister on close failed", zap.Error(err))
			}
		}

		if server != nil {
			if err := server.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		if reg != nil {
			if err := reg.Revoke(); err != nil {
				errs = append(errs, err)
			}
		}
		if peasantSrv != nil {
			if err := peasantSrv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		if peasantLn != nil {
			peasantLn.Close() //nolint:errcheck
		}
		if err := wm.registry.RemovePeasantSocket(wm.cfg.ProcessID); err != nil {
			errs = append(errs, err)
		}
		if wm.journal != nil {
			if err := wm.journal.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			wm.closeErr = fmt.Errorf("close window manager: %v", errs)
		}
	})
	return wm.closeErr
}
