package api

import (
	"time"

	"github.com/windowcourt/court/internal/model"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
	PID           int       `json:"pid"`
	ReignID       string    `json:"reign_id"`
}

type MonarchEnvelope struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	PID           int       `json:"pid"`
	ReignID       string    `json:"reign_id"`
	StartedAt     time.Time `json:"started_at"`
	PeasantCount  int       `json:"peasant_count"`
}

type PeasantItem struct {
	PeasantID       int64  `json:"peasant_id"`
	PID             int    `json:"pid"`
	WindowName      string `json:"window_name,omitempty"`
	SocketPath      string `json:"socket_path"`
	LastActivatedAt string `json:"last_activated_at,omitempty"`
	RegisteredAt    string `json:"registered_at"`
}

type PeasantsEnvelope struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	ReignID       string        `json:"reign_id"`
	Peasants      []PeasantItem `json:"peasants"`
}

// AddPeasantRequest registers a window with the monarch. PeasantID zero asks
// the monarch to assign one; a non-zero id overwrites that entry.
type AddPeasantRequest struct {
	PeasantID  int64                 `json:"peasant_id,omitempty"`
	PID        int                   `json:"pid"`
	WindowName string                `json:"window_name,omitempty"`
	SocketPath string                `json:"socket_path"`
	LastArgs   model.CommandlineArgs `json:"last_args"`
}

type AddPeasantResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	PeasantID     int64     `json:"peasant_id"`
	ReignID       string    `json:"reign_id"`
}

type ProposeRequest struct {
	Args model.CommandlineArgs `json:"args"`
}

type ProposeResponse struct {
	SchemaVersion      string    `json:"schema_version"`
	GeneratedAt        time.Time `json:"generated_at"`
	ShouldCreateWindow bool      `json:"should_create_window"`
	WindowID           int64     `json:"window_id,omitempty"`
}

type ActivateRequest struct {
	PeasantID int64                 `json:"peasant_id,omitempty"`
	Args      model.CommandlineArgs `json:"args"`
}

type ActivateResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
}

type ExecuteRequest struct {
	Args model.CommandlineArgs `json:"args"`
}

type ExecuteResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	PeasantID     int64     `json:"peasant_id"`
	Status        string    `json:"status"`
}

// ReignLine is one NDJSON heartbeat on /v1/reign. Subjects block reading the
// stream; its termination is the monarch-death liveness signal.
type ReignLine struct {
	SchemaVersion string    `json:"schema_version"`
	EmittedAt     time.Time `json:"emitted_at"`
	ReignID       string    `json:"reign_id"`
	PID           int       `json:"pid"`
	Sequence      int64     `json:"sequence"`
}

type JournalEventItem struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	ReignID    string `json:"reign_id,omitempty"`
	PID        int    `json:"pid"`
	PeasantID  *int64 `json:"peasant_id,omitempty"`
	WindowName string `json:"window_name,omitempty"`
	Detail     string `json:"detail,omitempty"`
	CreatedAt  string `json:"created_at"`
}

type JournalEventsEnvelope struct {
	SchemaVersion string             `json:"schema_version"`
	GeneratedAt   time.Time          `json:"generated_at"`
	Events        []JournalEventItem `json:"events"`
}
