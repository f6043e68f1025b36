package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendis/jobflow/pkg/schema"
)

// PostgresStore implements RunStore on PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies pending migrations, each in its own transaction.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations(dialectPostgres)
	if err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			for _, stmt := range splitStatements(m.SQL) {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
				}
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_version (version, name) VALUES ($1, $2)`, m.Version, m.Name)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// --- Runs ---

func (s *PostgresStore) SaveRun(ctx context.Context, run *Run) error {
	cols, err := encodeRun(run)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO runs (id, workflow, status, params, error, context, started_at, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (id) DO UPDATE SET
		  workflow = EXCLUDED.workflow, status = EXCLUDED.status, params = EXCLUDED.params,
		  error = EXCLUDED.error, context = EXCLUDED.context, started_at = EXCLUDED.started_at,
		  completed_at = EXCLUDED.completed_at, updated_at = now()
	`
	_, err = s.pool.Exec(ctx, query,
		run.ID,
		run.Workflow,
		string(run.Status),
		nullJSON(cols.params),
		nullJSON(cols.errInfo),
		[]byte(cols.context),
		timeOrNow(run.StartedAt),
		run.CompletedAt,
		timeOrNow(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanPgRun(s.pool.QueryRow(ctx, "SELECT "+runColumns+" FROM runs WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT " + runColumns + ` FROM runs
		WHERE ($1::text IS NULL OR workflow = $1)
		  AND ($2::text IS NULL OR status = $2)
		  AND ($3::timestamptz IS NULL OR started_at >= $3)
		ORDER BY started_at DESC
		LIMIT $4 OFFSET $5`

	rows, err := s.pool.Query(ctx, query,
		nullString(filter.Workflow),
		nullString(string(filter.Status)),
		filter.Since,
		limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) DeleteRun(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `DELETE FROM runs WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		if result.RowsAffected() == 0 {
			return storeNotFound("run", id)
		}
		_, err = tx.Exec(ctx, `DELETE FROM events WHERE run_id = $1`, id)
		return err
	})
}

func scanPgRun(row pgx.Row) (*Run, error) {
	run := &Run{}
	var (
		status                   string
		params, errInfo, ctxJSON []byte
	)
	err := row.Scan(&run.ID, &run.Workflow, &status, &params, &errInfo, &ctxJSON,
		&run.StartedAt, &run.CompletedAt, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = schema.Status(status)
	if err := decodeRun(run, params, errInfo, ctxJSON); err != nil {
		return nil, err
	}
	return run, nil
}

// --- Events ---

// AppendEvent serializes writers of one run with a transaction-scoped
// advisory lock so sequences stay contiguous.
func (s *PostgresStore) AppendEvent(ctx context.Context, event *Event) error {
	event.Timestamp = timeOrNow(event.Timestamp)
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, event.RunID); err != nil {
			return fmt.Errorf("lock run events: %w", err)
		}
		var seq int64
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = $1`, event.RunID,
		).Scan(&seq); err != nil {
			return fmt.Errorf("get next sequence: %w", err)
		}
		err := tx.QueryRow(ctx,
			`INSERT INTO events (run_id, unit_kind, unit_id, event_type, payload, timestamp, sequence)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			event.RunID, string(event.UnitKind), nullString(event.UnitID), event.Type,
			nullJSON(event.Payload), event.Timestamp, seq,
		).Scan(&event.ID)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		event.Sequence = seq
		return nil
	})
}

func (s *PostgresStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+eventColumns+" FROM events WHERE run_id = $1 AND sequence > $2 ORDER BY sequence ASC",
		runID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()
	return scanPgEvents(rows)
}

func (s *PostgresStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, "SELECT "+eventColumns+` FROM events
		WHERE event_type = $1
		  AND ($2::text IS NULL OR run_id = $2)
		  AND ($3::text IS NULL OR unit_id = $3)
		  AND ($4::timestamptz IS NULL OR timestamp >= $4)
		ORDER BY timestamp DESC
		LIMIT $5`,
		eventType,
		nullString(filter.RunID),
		nullString(filter.UnitID),
		filter.Since,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get events by type: %w", err)
	}
	defer rows.Close()
	return scanPgEvents(rows)
}

func scanPgEvents(rows pgx.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var kind string
		var unitID *string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.RunID, &kind, &unitID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.UnitKind = schema.UnitKind(kind)
		if unitID != nil {
			e.UnitID = *unitID
		}
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// nullString returns nil for an empty string so it is stored as NULL.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullJSON(r json.RawMessage) []byte {
	if len(r) == 0 {
		return nil
	}
	return []byte(r)
}

var _ RunStore = (*PostgresStore)(nil)
