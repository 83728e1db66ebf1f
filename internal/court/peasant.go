package court

import (
	"sync"

	"github.com/windowcourt/court/internal/logging"
	"github.com/windowcourt/court/internal/model"
	"go.uber.org/zap"
)

// WindowFunc realizes a commandline in the window layer. It is the only
// bridge out of the coordination core.
type WindowFunc func(model.CommandlineArgs) error

// Peasant represents this process's window. It is a passive record plus a
// routing call: ExecuteCommandline hands the args to the window layer and
// remembers them as the last activation. It never fails; window-layer errors
// are logged and swallowed.
type Peasant struct {
	mu         sync.Mutex
	id         model.PeasantID
	windowName string
	lastArgs   model.CommandlineArgs
	onExecute  WindowFunc
	log        *logging.Logger
}

func NewPeasant(windowName string, onExecute WindowFunc, log *logging.Logger) *Peasant {
	if log == nil {
		log = logging.NewNop()
	}
	return &Peasant{windowName: windowName, onExecute: onExecute, log: log}
}

func (p *Peasant) ID() model.PeasantID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

// SetID is called when the monarch assigns this window an id, and again
// with a fresh id after every election.
func (p *Peasant) SetID(id model.PeasantID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.id = id
}

func (p *Peasant) WindowName() string {
	return p.windowName
}

func (p *Peasant) LastActivatedArgs() model.CommandlineArgs {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastArgs
}

// ExecuteCommandline routes args to the window layer and records them as
// the last activation.
func (p *Peasant) ExecuteCommandline(args model.CommandlineArgs) {
	p.mu.Lock()
	p.lastArgs = args
	id := p.id
	onExecute := p.onExecute
	p.mu.Unlock()

	if onExecute == nil {
		return
	}
	if err := onExecute(args); err != nil {
		p.log.Warn("window layer rejected commandline",
			zap.Int64("peasant_id", int64(id)),
			zap.Strings("args", args.Args),
			zap.Error(err))
	}
}
