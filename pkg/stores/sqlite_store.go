package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/warden/pkg/events"
	"github.com/openfroyo/warden/pkg/types"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements EventStore using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ EventStore = (*SQLiteStore)(nil)

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.Path == MemoryPath {
		// every connection to :memory: is a different database
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	} else {
		if cfg.MaxOpenConns == 0 {
			cfg.MaxOpenConns = 4
		}
		if cfg.MaxIdleConns == 0 {
			cfg.MaxIdleConns = 2
		}
		if cfg.ConnMaxLifetime == 0 {
			cfg.ConnMaxLifetime = 5 * time.Minute
		}
	}
	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
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

// Init opens the database connection. File databases use WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := "file:" + s.cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if s.cfg.Path != MemoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
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

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// AppendEvent stores event. Appending an event whose snowflake is already
// stored is a no-op.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event types.Event) (*EventRecord, error) {
	payload, err := events.MarshalCBOR(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	rec := &EventRecord{
		Snowflake:  event.Snowflake,
		Kind:       event.Inner.Type,
		CausedBy:   event.CausedBy.Type,
		Details:    event.Details,
		Payload:    payload,
		RecordedAt: time.Now().UTC(),
	}
	if uuid, ok := event.InstanceUUID(); ok {
		rec.InstanceUUID = &uuid
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (snowflake, kind, instance_uuid, caused_by, details, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (snowflake) DO NOTHING
	`,
		int64(rec.Snowflake),
		string(rec.Kind),
		nullUUID(rec.InstanceUUID),
		string(rec.CausedBy),
		rec.Details,
		rec.Payload,
		rec.RecordedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}

	if m := event.Inner.Macro; m != nil {
		if err := recordMacroRun(ctx, tx, event.Snowflake, m); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit event: %w", err)
	}
	return rec, nil
}

func recordMacroRun(ctx context.Context, tx *sql.Tx, snowflake types.Snowflake, m *types.MacroEvent) error {
	var err error
	switch m.Inner.Type {
	case types.MacroEventStarted:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO macro_runs (pid, started, instance_uuid)
			VALUES (?, ?, ?)
			ON CONFLICT (started, pid) DO NOTHING
		`, int64(m.MacroPID), int64(snowflake), nullUUID(m.InstanceUUID))
	case types.MacroEventStopped:
		var status, message sql.NullString
		if m.Inner.ExitStatus != nil {
			status = sql.NullString{String: m.Inner.ExitStatus.Type, Valid: true}
			message = sql.NullString{String: m.Inner.ExitStatus.Message, Valid: m.Inner.ExitStatus.Message != ""}
		}
		// pids restart with the daemon; the open run with the highest start is the live one
		_, err = tx.ExecContext(ctx, `
			UPDATE macro_runs SET exit_status = ?, exit_message = ?, finished = ?
			WHERE pid = ? AND finished IS NULL AND started = (
				SELECT MAX(started) FROM macro_runs WHERE pid = ? AND finished IS NULL
			)
		`, status, message, int64(snowflake), int64(m.MacroPID), int64(m.MacroPID))
	}
	if err != nil {
		return fmt.Errorf("failed to record macro run: %w", err)
	}
	return nil
}

// ListEvents returns the events matching query, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, query EventQuery) ([]types.Event, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var instance, kind any
	if query.Instance != nil {
		instance = query.Instance.String()
	}
	if query.Kind != "" {
		kind = string(query.Kind)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payload
		FROM events
		WHERE (? IS NULL OR instance_uuid = ?)
		  AND (? IS NULL OR kind = ?)
		  AND snowflake > ?
		ORDER BY snowflake DESC
		LIMIT ? OFFSET ?
	`, instance, instance, kind, kind, int64(query.After), limit, query.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	out := []types.Event{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event, err := events.UnmarshalCBOR(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return out, nil
}

// ListMacroRuns returns the most recently started macro runs, newest first.
func (s *SQLiteStore) ListMacroRuns(ctx context.Context, limit int) ([]MacroRun, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT pid, started, instance_uuid, exit_status, exit_message, finished
		FROM macro_runs
		ORDER BY started DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list macro runs: %w", err)
	}
	defer rows.Close()

	runs := []MacroRun{}
	for rows.Next() {
		var (
			pid, started    int64
			instance        sql.NullString
			status, message sql.NullString
			finished        sql.NullInt64
		)
		if err := rows.Scan(&pid, &started, &instance, &status, &message, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan macro run: %w", err)
		}
		run := MacroRun{PID: types.MacroPID(pid), Started: types.Snowflake(started)}
		if instance.Valid {
			uuid := types.InstanceUUID(instance.String)
			run.InstanceUUID = &uuid
		}
		if finished.Valid {
			f := types.Snowflake(finished.Int64)
			run.Finished = &f
			run.ExitStatus = &types.ExitStatus{Type: status.String, Message: message.String, Time: f.Time()}
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating macro runs: %w", err)
	}
	return runs, nil
}

// PruneEvents deletes events recorded before the cutoff.
func (s *SQLiteStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE recorded_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return result.RowsAffected()
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

func nullUUID(u *types.InstanceUUID) sql.NullString {
	if u == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: u.String(), Valid: true}
}
