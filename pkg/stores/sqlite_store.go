package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if s.cfg.Path != MemoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RecordRun implements engine.Recorder. The run and its instructions are
// written in one transaction.
func (s *SQLiteStore) RecordRun(ctx context.Context, report engine.RunReport) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	id := report.ID
	if id == "" {
		id = uuid.New().String()
	}

	config, err := json.Marshal(report.Config)
	if err != nil {
		return fmt.Errorf("failed to encode run config: %w", err)
	}
	var runErr *string
	if report.Error != "" {
		runErr = &report.Error
	}
	var finished *time.Time
	if report.FinishedAt != nil {
		t := report.FinishedAt.UTC()
		finished = &t
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			id, name, status, test, config, rounds,
			total, succeeded, failed, skipped, unresolved, changed,
			error, started_at, finished_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id, report.Name, string(report.Status), report.Config.Test, string(config), report.Rounds,
		report.Summary.Total, report.Summary.Succeeded, report.Summary.Failed,
		report.Summary.Skipped, report.Summary.Unresolved, report.Summary.Changed,
		runErr, report.StartedAt.UTC(), finished, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO instructions (
			run_id, seq, instruction_id, source, declared_id, module, function, name,
			status, result, comment, changes, run_num, started_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare instruction insert: %w", err)
	}
	defer stmt.Close()

	for i, instr := range report.Instructions {
		var (
			result   *string
			comment  string
			changes  = []byte("{}")
			runNum   *int
			started  *time.Time
			duration float64
		)
		if r := report.Results[instr.ID]; r != nil {
			outcome := r.Result.String()
			result = &outcome
			comment = r.Comment
			if len(r.Changes) > 0 {
				if changes, err = json.Marshal(r.Changes); err != nil {
					return fmt.Errorf("failed to encode changes of %s: %w", instr.ID, err)
				}
			}
			n := r.RunNum
			runNum = &n
			if !r.StartTime.IsZero() {
				t := r.StartTime.UTC()
				started = &t
			}
			duration = r.Duration
		}

		_, err := stmt.ExecContext(ctx,
			id, i, instr.ID, instr.Source, instr.DeclaredID, instr.Module, instr.Function, instr.Name,
			string(report.States[instr.ID]), result, comment, string(changes), runNum, started, duration,
		)
		if err != nil {
			return fmt.Errorf("failed to insert instruction %s: %w", instr.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

const runColumns = `id, name, status, test, config, rounds, total, succeeded, failed,
	skipped, unresolved, changed, error, started_at, finished_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		run      RunRecord
		status   string
		config   string
		runErr   sql.NullString
		finished sql.NullTime
	)
	err := row.Scan(
		&run.ID,
		&run.Name,
		&status,
		&run.Test,
		&config,
		&run.Rounds,
		&run.Summary.Total,
		&run.Summary.Succeeded,
		&run.Summary.Failed,
		&run.Summary.Skipped,
		&run.Summary.Unresolved,
		&run.Summary.Changed,
		&runErr,
		&run.StartedAt,
		&finished,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = engine.RunStatus(status)
	if err := json.Unmarshal([]byte(config), &run.Config); err != nil {
		return nil, fmt.Errorf("failed to decode config of run %s: %w", run.ID, err)
	}
	if runErr.Valid {
		run.Error = &runErr.String
	}
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	return &run, nil
}

// GetRun retrieves a run and its instructions by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.Instructions, err = s.ListInstructions(ctx, id)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns lists runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// ListInstructions returns the instructions of a run in compile order.
func (s *SQLiteStore) ListInstructions(ctx context.Context, runID string) ([]*InstructionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, instruction_id, source, declared_id, module, function, name,
			status, result, comment, changes, run_num, started_at, duration_ms
		FROM instructions
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instructions: %w", err)
	}
	defer rows.Close()

	records := []*InstructionRecord{}
	for rows.Next() {
		var (
			rec     InstructionRecord
			status  string
			result  sql.NullString
			changes string
			runNum  sql.NullInt64
			started sql.NullTime
		)
		err := rows.Scan(
			&rec.RunID,
			&rec.Seq,
			&rec.InstructionID,
			&rec.Source,
			&rec.DeclaredID,
			&rec.Module,
			&rec.Function,
			&rec.Name,
			&status,
			&result,
			&rec.Comment,
			&changes,
			&runNum,
			&started,
			&rec.DurationMs,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instruction: %w", err)
		}

		rec.Status = engine.InstructionStatus(status)
		if result.Valid {
			rec.Result = &result.String
		}
		if err := json.Unmarshal([]byte(changes), &rec.Changes); err != nil {
			return nil, fmt.Errorf("failed to decode changes of %s: %w", rec.InstructionID, err)
		}
		if runNum.Valid {
			n := int(runNum.Int64)
			rec.RunNum = &n
		}
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instructions: %w", err)
	}

	return records, nil
}

// DeleteRun deletes a run and its instructions.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM instructions WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete instructions: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return tx.Commit()
}

// PruneRuns keeps the newest keep runs and deletes the rest. It returns the
// number of runs deleted.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM instructions WHERE run_id NOT IN (SELECT id FROM runs)`); err != nil {
		return 0, fmt.Errorf("failed to prune instructions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return deleted, nil
}

// AppendEvent persists a telemetry event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event telemetry.Event) error {
	var data *string
	if len(event.Data) > 0 {
		b, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		str := string(b)
		data = &str
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, type, run, instruction, module, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID, event.Type, nullable(event.Run), nullable(event.Instruction), nullable(event.Module),
		event.Level, event.Message, data, ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// EventSink returns a subscriber that persists every event it receives.
// Write failures are logged and dropped.
func (s *SQLiteStore) EventSink(logger zerolog.Logger) telemetry.EventSubscriber {
	return func(event telemetry.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.AppendEvent(ctx, event); err != nil {
			logger.Warn().Err(err).Str("event", event.Type).Msg("Failed to persist event")
		}
	}
}

// GetEvents retrieves events oldest first, optionally filtered by run and level.
func (s *SQLiteStore) GetEvents(ctx context.Context, run *string, level *string, limit, offset int) ([]*EventRecord, error) {
	query := `
		SELECT id, event_id, type, run, instruction, module, level, message, data, timestamp
		FROM events
		WHERE 1=1
	`
	args := []any{}

	if run != nil {
		query += " AND run = ?"
		args = append(args, *run)
	}
	if level != nil {
		query += " AND level = ?"
		args = append(args, *level)
	}
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		event := &EventRecord{}
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.Type,
			&event.Run,
			&event.Instruction,
			&event.Module,
			&event.Level,
			&event.Message,
			&event.Data,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (action, actor, target, details, ip_address, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		entry.Action,
		entry.Actor,
		entry.Target,
		entry.Details,
		entry.IPAddress,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries newest first with optional filters.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target, details, ip_address, timestamp
		FROM audit
		WHERE 1=1
	`
	args := []any{}

	if action != nil {
		query += " AND action = ?"
		args = append(args, *action)
	}
	if actor != nil {
		query += " AND actor = ?"
		args = append(args, *actor)
	}
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.Target,
			&entry.Details,
			&entry.IPAddress,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
