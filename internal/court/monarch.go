package court

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/windowcourt/court/internal/api"
	"github.com/windowcourt/court/internal/client"
	"github.com/windowcourt/court/internal/config"
	"github.com/windowcourt/court/internal/db"
	"github.com/windowcourt/court/internal/logging"
	"github.com/windowcourt/court/internal/model"
)

// FindTargetFunc is raised while proposing a commandline whose target names
// no known window. The handler may rewrite args.TargetWindow to supply
// routing before the decision falls back to "create new". With several
// subscribers the last writer wins.
type FindTargetFunc func(args *model.CommandlineArgs)

// dispatcher delivers a commandline to one peasant, possibly cross-process.
type dispatcher interface {
	Execute(ctx context.Context, args model.CommandlineArgs) error
}

type peasantEntry struct {
	info     model.PeasantInfo
	dispatch dispatcher
}

// Monarch is the coordinator: it owns the live peasant set and decides, for
// every proposed commandline, whether the proposing process materializes a
// new window or an existing one is activated instead. Exactly one monarch
// is discoverable per namespace; everyone else holds a connection to it.
type Monarch struct {
	cfg       config.Config
	log       *logging.Logger
	journal   *db.Store
	reignID   string
	startedAt time.Time

	mu         sync.Mutex
	nextID     model.PeasantID
	peasants   map[model.PeasantID]*peasantEntry
	findTarget FindTargetFunc
	newDisp    func(socketPath string) dispatcher
}

func NewMonarch(cfg config.Config, log *logging.Logger, journal *db.Store) *Monarch {
	if log == nil {
		log = logging.NewNop()
	}
	m := &Monarch{
		cfg:       cfg,
		log:       log,
		journal:   journal,
		reignID:   uuid.NewString(),
		startedAt: time.Now().UTC(),
		nextID:    1,
		peasants:  map[model.PeasantID]*peasantEntry{},
	}
	m.newDisp = func(socketPath string) dispatcher {
		return peasantDispatcher{c: client.NewPeasant(socketPath, cfg.UnaryTimeout)}
	}
	return m
}

type peasantDispatcher struct {
	c *client.Peasant
}

func (d peasantDispatcher) Execute(ctx context.Context, args model.CommandlineArgs) error {
	_, err := d.c.Execute(ctx, args)
	return err
}

func (m *Monarch) Pid() int {
	return m.cfg.ProcessID
}

func (m *Monarch) ReignID() string {
	return m.reignID
}

func (m *Monarch) StartedAt() time.Time {
	return m.startedAt
}

// OnFindTargetWindow installs the window-naming policy hook. The king's
// WindowManager rewires this after every election.
func (m *Monarch) OnFindTargetWindow(fn FindTargetFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findTarget = fn
}

// AddPeasant inserts a window into the peasant set. A zero id asks for a
// fresh one; a known id overwrites that entry, so re-registration is
// harmless.
func (m *Monarch) AddPeasant(ctx context.Context, req api.AddPeasantRequest) model.PeasantID {
	m.mu.Lock()
	id := model.PeasantID(req.PeasantID)
	if id <= 0 {
		id = m.nextID
		m.nextID++
	} else if id >= m.nextID {
		m.nextID = id + 1
	}
	now := time.Now().UTC()
	m.peasants[id] = &peasantEntry{
		info: model.PeasantInfo{
			ID:              id,
			PID:             req.PID,
			WindowName:      req.WindowName,
			SocketPath:      req.SocketPath,
			LastActivatedAt: req.LastArgs.ActivatedAt,
			RegisteredAt:    now,
		},
		dispatch: m.newDisp(req.SocketPath),
	}
	m.mu.Unlock()

	m.log.Info("peasant registered",
		zap.Int64("peasant_id", int64(id)),
		zap.Int("pid", req.PID),
		zap.String("window_name", req.WindowName))
	m.record(ctx, model.JournalEvent{
		EventType:  model.EventPeasantAdded,
		PID:        req.PID,
		PeasantID:  &id,
		WindowName: req.WindowName,
	})
	return id
}

// RemovePeasant drops a window from the set. Unknown ids are a no-op.
func (m *Monarch) RemovePeasant(ctx context.Context, id model.PeasantID) bool {
	m.mu.Lock()
	entry, ok := m.peasants[id]
	if ok {
		delete(m.peasants, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.record(ctx, model.JournalEvent{
		EventType:  model.EventPeasantRemoved,
		PID:        entry.info.PID,
		PeasantID:  &id,
		WindowName: entry.info.WindowName,
	})
	return true
}

// ListPeasants returns the current set ordered by id.
func (m *Monarch) ListPeasants() []model.PeasantInfo {
	m.mu.Lock()
	out := make([]model.PeasantInfo, 0, len(m.peasants))
	for _, entry := range m.peasants {
		out = append(out, entry.info)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Monarch) peasantCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peasants)
}

// ProposeCommandline decides whether the proposing process should create a
// window. When args name a window already in the set, the commandline is
// dispatched to that peasant and the answer is false. An unmatched target
// raises the find-target hook once before falling back to "create new".
// Malformed or dispatch-failing cases always resolve to "create new"; this
// method never errors across its boundary.
func (m *Monarch) ProposeCommandline(ctx context.Context, args model.CommandlineArgs) (bool, model.PeasantID) {
	if !args.HasTarget() {
		m.record(ctx, model.JournalEvent{EventType: model.EventProposeCreate, PID: m.cfg.ProcessID})
		return true, 0
	}

	entry := m.resolveTarget(args.TargetWindow)
	if entry == nil {
		if resolved := m.raiseFindTarget(&args); resolved != nil {
			entry = resolved
		}
	}
	if entry == nil {
		m.record(ctx, model.JournalEvent{
			EventType:  model.EventProposeCreate,
			PID:        m.cfg.ProcessID,
			WindowName: args.TargetWindow,
		})
		return true, 0
	}

	id := entry.info.ID
	if err := entry.dispatch.Execute(ctx, args); err != nil {
		// The matched window is gone. Drop it and let the caller
		// materialize a fresh one.
		m.log.Warn("peasant unreachable, pruning",
			zap.Int64("peasant_id", int64(id)),
			zap.Error(err))
		m.RemovePeasant(ctx, id)
		m.record(ctx, model.JournalEvent{
			EventType:  model.EventProposeCreate,
			PID:        m.cfg.ProcessID,
			WindowName: args.TargetWindow,
			Detail:     "target unreachable",
		})
		return true, 0
	}

	m.touchActivation(id, args)
	m.record(ctx, model.JournalEvent{
		EventType:  model.EventProposeRouted,
		PID:        entry.info.PID,
		PeasantID:  &id,
		WindowName: entry.info.WindowName,
	})
	return false, id
}

// HandleActivatePeasant records activation metadata. It has no routing
// effect; windows report it so ordering survives elections.
func (m *Monarch) HandleActivatePeasant(ctx context.Context, id model.PeasantID, args model.CommandlineArgs) {
	m.touchActivation(id, args)
	m.record(ctx, model.JournalEvent{
		EventType: model.EventWindowActivated,
		PID:       m.cfg.ProcessID,
		PeasantID: &id,
	})
	if m.journal != nil {
		if err := m.journal.InsertActivation(ctx, id, args); err != nil {
			m.log.Debug("journal activation write failed", zap.Error(err))
		}
	}
}

// PurgeJournal applies the retention cutoff. Called when a monarch takes
// the throne; failures only cost history.
func (m *Monarch) PurgeJournal(ctx context.Context) {
	if m.journal == nil || m.cfg.JournalRetention <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-m.cfg.JournalRetention)
	if err := m.journal.PurgeBefore(ctx, cutoff); err != nil {
		m.log.Debug("journal purge failed", zap.Error(err))
	}
}

func (m *Monarch) resolveTarget(target string) *peasantEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := model.ParsePeasantID(target); ok {
		return m.peasants[id]
	}
	for _, entry := range m.peasants {
		if entry.info.WindowName != "" && entry.info.WindowName == target {
			return entry
		}
	}
	return nil
}

func (m *Monarch) raiseFindTarget(args *model.CommandlineArgs) *peasantEntry {
	m.mu.Lock()
	fn := m.findTarget
	m.mu.Unlock()
	if fn == nil {
		return nil
	}
	before := args.TargetWindow
	fn(args)
	if args.TargetWindow == before {
		return nil
	}
	return m.resolveTarget(args.TargetWindow)
}

func (m *Monarch) touchActivation(id model.PeasantID, args model.CommandlineArgs) {
	at := args.ActivatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	m.mu.Lock()
	if entry, ok := m.peasants[id]; ok && at.After(entry.info.LastActivatedAt) {
		entry.info.LastActivatedAt = at
	}
	m.mu.Unlock()
}

func (m *Monarch) record(ctx context.Context, ev model.JournalEvent) {
	if m.journal == nil {
		return
	}
	ev.ReignID = m.reignID
	if err := m.journal.InsertEvent(ctx, ev); err != nil {
		m.log.Debug("journal write failed", zap.String("event_type", ev.EventType), zap.Error(err))
	}
}
