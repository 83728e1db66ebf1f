package court

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/windowcourt/court/internal/api"
	"github.com/windowcourt/court/internal/client"
	"github.com/windowcourt/court/internal/config"
	"github.com/windowcourt/court/internal/model"
)

// testWindow collects commandlines routed into one fake window process.
type testWindow struct {
	mu   sync.Mutex
	args []model.CommandlineArgs
}

func (w *testWindow) execute(args model.CommandlineArgs) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.args = append(w.args, args)
	return nil
}

func (w *testWindow) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.args)
}

// newTestManager builds a WindowManager with a fake pid so several window
// processes can live inside one test binary. The flock conflicts across file
// descriptors, so elections behave exactly as they do across real processes.
func newTestManager(t *testing.T, runtimeDir string, pid int, windowName string) (*WindowManager, *testWindow) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.RuntimeDir = runtimeDir
	cfg.Namespace = "courttest"
	cfg.ProcessID = pid
	cfg.JournalPath = filepath.Join(t.TempDir(), fmt.Sprintf("journal-%d.db", pid))
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.DialTimeout = time.Second
	cfg.UnaryTimeout = 2 * time.Second
	cfg.RetryBackoff = []time.Duration{10 * time.Millisecond, 50 * time.Millisecond, 200 * time.Millisecond}

	win := &testWindow{}
	wm := NewWindowManager(cfg, windowName, win.execute, nil)
	wm.fatalFn = func(err error) {
		t.Errorf("unexpected fatal for pid %d: %v", pid, err)
	}
	t.Cleanup(func() { wm.Close() }) //nolint:errcheck
	return wm, win
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFirstProcessBecomesKingAndCreatesWindow(t *testing.T) {
	dir := t.TempDir()
	wm, win := newTestManager(t, dir, 1001, "alpha")

	created, err := wm.ProposeCommandline(context.Background(), model.CommandlineArgs{
		Args:        []string{"run"},
		ActivatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if !created {
		t.Fatalf("expected first process to create a window")
	}
	if !wm.IsKing() {
		t.Fatalf("expected first process to hold the throne")
	}
	if wm.CurrentWindow() == nil {
		t.Fatalf("expected a live window record")
	}
	if win.count() != 1 {
		t.Fatalf("expected the proposed commandline routed into the window, got %d", win.count())
	}
}

func TestTargetedProposalRoutesToExistingWindow(t *testing.T) {
	dir := t.TempDir()
	king, kingWin := newTestManager(t, dir, 1001, "alpha")

	created, err := king.ProposeCommandline(context.Background(), model.CommandlineArgs{
		Args:        []string{"run"},
		ActivatedAt: time.Now().UTC(),
	})
	if err != nil || !created {
		t.Fatalf("king setup: created=%v err=%v", created, err)
	}

	second, secondWin := newTestManager(t, dir, 1002, "")
	created, err = second.ProposeCommandline(context.Background(), model.CommandlineArgs{
		Args:         []string{"open", "file.txt"},
		TargetWindow: "alpha",
		ActivatedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("targeted propose: %v", err)
	}
	if created {
		t.Fatalf("expected routing to the existing window, got create verdict")
	}
	if second.CurrentWindow() != nil {
		t.Fatalf("routed process must not keep a window")
	}
	if secondWin.count() != 0 {
		t.Fatalf("routed process's own window layer must stay untouched")
	}
	waitFor(t, 2*time.Second, "dispatch to reach the king's window", func() bool {
		return kingWin.count() == 2
	})
}

func TestUnmatchedTargetCreatesSecondWindow(t *testing.T) {
	dir := t.TempDir()
	king, _ := newTestManager(t, dir, 1001, "alpha")
	if _, err := king.ProposeCommandline(context.Background(), model.CommandlineArgs{Args: []string{"run"}}); err != nil {
		t.Fatalf("king setup: %v", err)
	}

	second, win := newTestManager(t, dir, 1002, "beta")
	created, err := second.ProposeCommandline(context.Background(), model.CommandlineArgs{
		Args:         []string{"open"},
		TargetWindow: "no-such-window",
		ActivatedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if !created {
		t.Fatalf("expected unmatched target to fall back to create")
	}
	if second.IsKing() {
		t.Fatalf("second process must be a subject")
	}
	if win.count() != 1 {
		t.Fatalf("expected commandline routed into the new window")
	}
}

func TestElectionAfterKingCloses(t *testing.T) {
	dir := t.TempDir()
	king, _ := newTestManager(t, dir, 1001, "alpha")
	if _, err := king.ProposeCommandline(context.Background(), model.CommandlineArgs{Args: []string{"run"}, ActivatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("king setup: %v", err)
	}

	sub1, _ := newTestManager(t, dir, 1002, "beta")
	if _, err := sub1.ProposeCommandline(context.Background(), model.CommandlineArgs{Args: []string{"run"}, ActivatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("subject 1 setup: %v", err)
	}
	sub2, _ := newTestManager(t, dir, 1003, "gamma")
	if _, err := sub2.ProposeCommandline(context.Background(), model.CommandlineArgs{Args: []string{"run"}, ActivatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("subject 2 setup: %v", err)
	}

	if err := king.Close(); err != nil {
		t.Fatalf("close king: %v", err)
	}

	waitFor(t, 5*time.Second, "a survivor to take the throne", func() bool {
		return sub1.IsKing() || sub2.IsKing()
	})
	waitFor(t, 5*time.Second, "exactly one king", func() bool {
		return sub1.IsKing() != sub2.IsKing()
	})

	// Both survivors must be registered under the new reign.
	newKing := sub1
	if sub2.IsKing() {
		newKing = sub2
	}
	waitFor(t, 5*time.Second, "both survivors in the new registry", func() bool {
		wm := newKing
		wm.mu.Lock()
		monarch := wm.monarch
		wm.mu.Unlock()
		if monarch == nil {
			return false
		}
		return len(monarch.ListPeasants()) == 2
	})
}

func TestRoutingSurvivesElection(t *testing.T) {
	dir := t.TempDir()
	king, _ := newTestManager(t, dir, 1001, "alpha")
	if _, err := king.ProposeCommandline(context.Background(), model.CommandlineArgs{Args: []string{"run"}, ActivatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("king setup: %v", err)
	}
	sub, subWin := newTestManager(t, dir, 1002, "beta")
	if _, err := sub.ProposeCommandline(context.Background(), model.CommandlineArgs{Args: []string{"run"}, ActivatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("subject setup: %v", err)
	}

	if err := king.Close(); err != nil {
		t.Fatalf("close king: %v", err)
	}
	waitFor(t, 5*time.Second, "survivor to take the throne", sub.IsKing)

	routedBefore := subWin.count()
	client, _ := newTestManager(t, dir, 1003, "")
	created, err := client.ProposeCommandline(context.Background(), model.CommandlineArgs{
		Args:         []string{"open", "doc.txt"},
		TargetWindow: "beta",
		ActivatedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("propose after election: %v", err)
	}
	if created {
		t.Fatalf("expected routing to the surviving window")
	}
	waitFor(t, 2*time.Second, "dispatch under the new reign", func() bool {
		return subWin.count() > routedBefore
	})
}

func TestCloseIsIdempotentAndOrderIndependent(t *testing.T) {
	dir := t.TempDir()
	king, _ := newTestManager(t, dir, 1001, "alpha")
	if _, err := king.ProposeCommandline(context.Background(), model.CommandlineArgs{Args: []string{"run"}}); err != nil {
		t.Fatalf("king setup: %v", err)
	}
	sub, _ := newTestManager(t, dir, 1002, "beta")
	if _, err := sub.ProposeCommandline(context.Background(), model.CommandlineArgs{Args: []string{"run"}}); err != nil {
		t.Fatalf("subject setup: %v", err)
	}

	// Subject first, then king, then both again.
	if err := sub.Close(); err != nil {
		t.Fatalf("close subject: %v", err)
	}
	if err := king.Close(); err != nil {
		t.Fatalf("close king: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("re-close subject: %v", err)
	}
	if err := king.Close(); err != nil {
		t.Fatalf("re-close king: %v", err)
	}
}

func TestGracefulCloseUnregistersFromMonarch(t *testing.T) {
	dir := t.TempDir()
	king, _ := newTestManager(t, dir, 1001, "alpha")
	if _, err := king.ProposeCommandline(context.Background(), model.CommandlineArgs{Args: []string{"run"}, ActivatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("king setup: %v", err)
	}
	sub, _ := newTestManager(t, dir, 1002, "beta")
	if _, err := sub.ProposeCommandline(context.Background(), model.CommandlineArgs{Args: []string{"run"}, ActivatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("subject setup: %v", err)
	}

	king.mu.Lock()
	monarch := king.monarch
	king.mu.Unlock()
	if got := len(monarch.ListPeasants()); got != 2 {
		t.Fatalf("expected 2 registered windows, got %d", got)
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("close subject: %v", err)
	}

	peasants := monarch.ListPeasants()
	if len(peasants) != 1 {
		t.Fatalf("expected closed window unregistered, still have %+v", peasants)
	}
	if peasants[0].WindowName != "alpha" {
		t.Fatalf("expected the king's window to survive, got %q", peasants[0].WindowName)
	}
}

// flakyHandle fails the first proposals at the transport level, or always
// with a fixed protocol error.
type flakyHandle struct {
	proposeCalls int
	failures     int
	err          error
}

func (h *flakyHandle) Pid(context.Context) (int, error) { return 0, errors.New("unreachable") }

func (h *flakyHandle) AddPeasant(context.Context, api.AddPeasantRequest) (model.PeasantID, error) {
	return 0, errors.New("unreachable")
}

func (h *flakyHandle) RemovePeasant(context.Context, model.PeasantID) error {
	return errors.New("unreachable")
}

func (h *flakyHandle) Propose(context.Context, model.CommandlineArgs) (api.ProposeResponse, error) {
	h.proposeCalls++
	if h.err != nil {
		return api.ProposeResponse{}, h.err
	}
	if h.proposeCalls <= h.failures {
		return api.ProposeResponse{}, errors.New("dial unix: connection refused")
	}
	return api.ProposeResponse{ShouldCreateWindow: true}, nil
}

func (h *flakyHandle) Activate(context.Context, model.PeasantID, model.CommandlineArgs) error {
	return errors.New("unreachable")
}

func (h *flakyHandle) WatchReign(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestProposeReelectsOnceOnTransportFailure(t *testing.T) {
	dir := t.TempDir()
	wm, _ := newTestManager(t, dir, 1001, "alpha")

	stale := &flakyHandle{failures: 1}
	wm.mu.Lock()
	wm.handle = stale
	wm.role = model.RoleSubject
	wm.mu.Unlock()

	resp, err := wm.propose(context.Background(), model.CommandlineArgs{Args: []string{"run"}})
	if err != nil {
		t.Fatalf("propose after transport failure: %v", err)
	}
	if !resp.ShouldCreateWindow {
		t.Fatalf("expected create verdict from the fresh monarch, got %+v", resp)
	}
	if stale.proposeCalls != 1 {
		t.Fatalf("expected the stale handle abandoned after one attempt, got %d", stale.proposeCalls)
	}
	// Nobody held the registration, so the re-election pass crowned us.
	if !wm.IsKing() {
		t.Fatalf("expected re-election to crown this process")
	}
}

func TestProposeDoesNotRetryProtocolErrors(t *testing.T) {
	dir := t.TempDir()
	wm, _ := newTestManager(t, dir, 1001, "alpha")

	reqErr := &client.RequestError{StatusCode: 400, Code: model.ErrRefInvalid, Message: "invalid request body"}
	stale := &flakyHandle{err: reqErr}
	wm.mu.Lock()
	wm.handle = stale
	wm.role = model.RoleSubject
	wm.mu.Unlock()

	_, err := wm.propose(context.Background(), model.CommandlineArgs{Args: []string{"run"}})
	var got *client.RequestError
	if !errors.As(err, &got) || got.Code != model.ErrRefInvalid {
		t.Fatalf("expected the protocol error propagated, got %v", err)
	}
	if stale.proposeCalls != 1 {
		t.Fatalf("expected no retry for a protocol error, got %d calls", stale.proposeCalls)
	}
	if wm.IsKing() {
		t.Fatalf("expected no re-election for a protocol error")
	}
	if wm.currentHandle() != stale {
		t.Fatalf("expected the handle untouched")
	}
}

func TestProposalAfterMonarchDeathConverges(t *testing.T) {
	dir := t.TempDir()
	king, _ := newTestManager(t, dir, 1001, "alpha")
	if _, err := king.ProposeCommandline(context.Background(), model.CommandlineArgs{Args: []string{"run"}, ActivatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("king setup: %v", err)
	}

	// Routed caller: holds a handle to the king but no window, no watcher.
	caller, callerWin := newTestManager(t, dir, 1002, "")
	created, err := caller.ProposeCommandline(context.Background(), model.CommandlineArgs{
		Args:         []string{"open"},
		TargetWindow: "alpha",
		ActivatedAt:  time.Now().UTC(),
	})
	if err != nil || created {
		t.Fatalf("caller setup: created=%v err=%v", created, err)
	}

	if err := king.Close(); err != nil {
		t.Fatalf("close king: %v", err)
	}

	created, err = caller.ProposeCommandline(context.Background(), model.CommandlineArgs{
		Args:        []string{"run"},
		ActivatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("propose after monarch death: %v", err)
	}
	if !created {
		t.Fatalf("expected the caller to create a window under a fresh reign")
	}
	if !caller.IsKing() {
		t.Fatalf("expected the sole survivor to take the throne")
	}
	if callerWin.count() != 1 {
		t.Fatalf("expected the commandline routed into the new window, got %d", callerWin.count())
	}
}

func TestConnectDerivesRoleFromMonarchPid(t *testing.T) {
	cfg := serverTestConfig(t)
	startServer(t, cfg)

	// Same pid as the serving monarch: the probe must report kingship.
	selfCfg := cfg
	selfCfg.JournalPath = filepath.Join(t.TempDir(), "self.db")
	self := NewWindowManager(selfCfg, "", nil, nil)
	t.Cleanup(func() { self.Close() }) //nolint:errcheck
	if err := self.ensureMonarch(context.Background()); err != nil {
		t.Fatalf("ensure monarch: %v", err)
	}
	if !self.IsKing() {
		t.Fatalf("expected kingship when the monarch reports our pid")
	}

	otherCfg := cfg
	otherCfg.ProcessID = cfg.ProcessID + 1
	otherCfg.JournalPath = filepath.Join(t.TempDir(), "other.db")
	other := NewWindowManager(otherCfg, "", nil, nil)
	t.Cleanup(func() { other.Close() }) //nolint:errcheck
	if err := other.ensureMonarch(context.Background()); err != nil {
		t.Fatalf("ensure monarch: %v", err)
	}
	if other.IsKing() {
		t.Fatalf("expected subject role when the monarch pid differs")
	}
}

func TestFindTargetHookRunsInKingProcess(t *testing.T) {
	dir := t.TempDir()
	king, kingWin := newTestManager(t, dir, 1001, "alpha")
	king.OnFindTargetWindow(func(args *model.CommandlineArgs) {
		if args.TargetWindow == "workspace" {
			args.TargetWindow = "alpha"
		}
	})
	if _, err := king.ProposeCommandline(context.Background(), model.CommandlineArgs{Args: []string{"run"}, ActivatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("king setup: %v", err)
	}

	client, _ := newTestManager(t, dir, 1002, "")
	created, err := client.ProposeCommandline(context.Background(), model.CommandlineArgs{
		Args:         []string{"open"},
		TargetWindow: "workspace",
		ActivatedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if created {
		t.Fatalf("expected hook to resolve workspace to alpha")
	}
	waitFor(t, 2*time.Second, "dispatch via hook resolution", func() bool {
		return kingWin.count() == 2
	})
}
