package stores

import (
	"context"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// RunRecord is one finished apply.
type RunRecord struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Status     engine.RunStatus  `json:"status"`
	Test       bool              `json:"test"`
	Config     engine.RunConfig  `json:"config"`
	Rounds     int               `json:"rounds"`
	Summary    engine.RunSummary `json:"summary"`
	Error      *string           `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`

	// Instructions is only filled by GetRun.
	Instructions []*InstructionRecord `json:"instructions,omitempty"`
}

// InstructionRecord is the final state of one instruction of a run.
type InstructionRecord struct {
	RunID         string                   `json:"run_id"`
	Seq           int                      `json:"seq"`
	InstructionID string                   `json:"instruction_id"`
	Source        string                   `json:"source"`
	DeclaredID    string                   `json:"declared_id"`
	Module        string                   `json:"module"`
	Function      string                   `json:"function"`
	Name          string                   `json:"name"`
	Status        engine.InstructionStatus `json:"status"`

	// Result is "success", "failure" or "indeterminate"; nil when the
	// instruction never produced a record.
	Result     *string        `json:"result,omitempty"`
	Comment    string         `json:"comment"`
	Changes    map[string]any `json:"changes"`
	RunNum     *int           `json:"run_num,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	DurationMs float64        `json:"duration_ms"`
}

// RunFilter narrows ListRuns. Zero fields do not filter.
type RunFilter struct {
	Name   string
	Status engine.RunStatus
	Limit  int
	Offset int
}

// EventRecord is a persisted telemetry event.
type EventRecord struct {
	ID          int64     `json:"id"`
	EventID     string    `json:"event_id"`
	Type        string    `json:"type"`
	Run         *string   `json:"run,omitempty"`
	Instruction *string   `json:"instruction,omitempty"`
	Module      *string   `json:"module,omitempty"`
	Level       string    `json:"level"`
	Message     string    `json:"message"`
	Data        *string   `json:"data,omitempty"` // JSON blob
	Timestamp   time.Time `json:"timestamp"`
}

// AuditEntry records an operator action such as starting or removing a run.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"` // e.g. "run.apply", "run.remove"
	Actor     string    `json:"actor"`
	Target    *string   `json:"target,omitempty"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	IPAddress *string   `json:"ip_address,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the run history layer.
type Store interface {
	engine.Recorder

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run history
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error)
	ListInstructions(ctx context.Context, runID string) ([]*InstructionRecord, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, keep int) (int64, error)

	// Events
	AppendEvent(ctx context.Context, event telemetry.Event) error
	GetEvents(ctx context.Context, run *string, level *string, limit, offset int) ([]*EventRecord, error)

	// Audit
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
