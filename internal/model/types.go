package model

import (
	"strconv"
	"strings"
	"time"
)

// PeasantID is assigned by the monarch when a peasant registers. IDs are
// unique for the lifetime of a single monarch and are reissued after an
// election.
type PeasantID int64

func (id PeasantID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParsePeasantID reports whether s is a numeric window reference.
func ParsePeasantID(s string) (PeasantID, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return PeasantID(v), true
}

// CommandlineArgs describes one invocation of the application. The core
// treats it as an opaque value: it is carried to the monarch for routing and
// handed to the window layer unchanged. TargetWindow may hold a peasant id
// or a window name; empty means "no explicit target".
type CommandlineArgs struct {
	Args         []string  `json:"args"`
	Cwd          string    `json:"cwd"`
	TargetWindow string    `json:"target_window,omitempty"`
	ActivatedAt  time.Time `json:"activated_at,omitempty"`
}

// HasTarget reports whether the invocation names an explicit window.
func (a CommandlineArgs) HasTarget() bool {
	return strings.TrimSpace(a.TargetWindow) != ""
}

// PeasantInfo is the monarch's view of one registered peasant.
type PeasantInfo struct {
	ID              PeasantID
	PID             int
	WindowName      string
	SocketPath      string
	LastActivatedAt time.Time
	RegisteredAt    time.Time
}

// Role of a window process relative to the live monarch.
type Role string

const (
	RoleKing    Role = "king"
	RoleSubject Role = "subject"
)

// Journal event types recorded at role transitions and routing decisions.
const (
	EventConnectedToMonarch = "connected_to_monarch"
	EventBecameMonarch      = "became_monarch"
	EventMonarchDied        = "monarch_died"
	EventPeasantAdded       = "peasant_added"
	EventPeasantRemoved     = "peasant_removed"
	EventProposeRouted      = "propose_routed"
	EventProposeCreate      = "propose_create"
	EventWindowActivated    = "window_activated"
)

// JournalEvent is one persisted telemetry record.
type JournalEvent struct {
	EventID    string
	EventType  string
	ReignID    string
	PID        int
	PeasantID  *PeasantID
	WindowName string
	Detail     string
	CreatedAt  time.Time
}

// Error codes defined by the API contract.
const (
	ErrRefInvalid         = "E_REF_INVALID"
	ErrRefNotFound        = "E_REF_NOT_FOUND"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
	ErrPeasantUnreachable = "E_PEASANT_UNREACHABLE"
	ErrMonarchGone        = "E_MONARCH_GONE"
)
