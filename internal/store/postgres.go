package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"yqhp/task-scheduler/internal/config"
	"yqhp/task-scheduler/pkg/types"
)

// PostgresStore persists scheduler state in Postgres. Optimistic locking
// is implemented with a version column checked in every UPDATE.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool and ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg *config.StoreConfig) (*PostgresStore, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS dag_runs (
	id         TEXT PRIMARY KEY,
	dag_id     TEXT NOT NULL,
	state      TEXT NOT NULL,
	variables  JSONB,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at   TIMESTAMPTZ,
	version    BIGINT NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS task_instances (
	run_id         TEXT NOT NULL,
	task_id        TEXT NOT NULL,
	try_number     INT NOT NULL,
	dag_id         TEXT NOT NULL,
	state          TEXT NOT NULL,
	queue          TEXT NOT NULL,
	executor       TEXT NOT NULL DEFAULT '',
	max_retries    INT NOT NULL,
	retry_delay_ns BIGINT NOT NULL,
	dispatched_at  TIMESTAMPTZ,
	started_at     TIMESTAMPTZ,
	ended_at       TIMESTAMPTZ,
	last_heartbeat TIMESTAMPTZ,
	retry_at       TIMESTAMPTZ,
	message        TEXT NOT NULL DEFAULT '',
	output         JSONB,
	version        BIGINT NOT NULL DEFAULT 1,
	PRIMARY KEY (run_id, task_id, try_number)
);
CREATE INDEX IF NOT EXISTS idx_task_instances_state ON task_instances (state);
CREATE TABLE IF NOT EXISTS leases (
	name    TEXT PRIMARY KEY,
	holder  TEXT NOT NULL,
	expires TIMESTAMPTZ NOT NULL
);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// CreateRun persists a new DAG run.
func (s *PostgresStore) CreateRun(ctx context.Context, run *types.DagRun) error {
	vars, err := json.Marshal(run.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dag_runs (id, dag_id, state, variables, started_at, ended_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, 1)
		 ON CONFLICT (id) DO NOTHING`,
		run.ID, run.DagID, string(run.State), vars, run.StartedAt, run.EndedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	run.Version = 1
	return nil
}

// GetRun returns a run by ID.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*types.DagRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, dag_id, state, variables, started_at, ended_at, version
		 FROM dag_runs WHERE id = $1`, id)
	return scanRun(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*types.DagRun, error) {
	var run types.DagRun
	var state string
	var vars []byte
	var endedAt sql.NullTime

	err := row.Scan(&run.ID, &run.DagID, &state, &vars, &run.StartedAt, &endedAt, &run.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	run.State = types.RunState(state)
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &run.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal variables: %w", err)
		}
	}
	return &run, nil
}

// UpdateRun updates a run under optimistic locking.
func (s *PostgresStore) UpdateRun(ctx context.Context, run *types.DagRun) error {
	vars, err := json.Marshal(run.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE dag_runs
		 SET state = $1, variables = $2, ended_at = $3, version = version + 1
		 WHERE id = $4 AND version = $5`,
		string(run.State), vars, run.EndedAt, run.ID, run.Version)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return s.checkUpdated(ctx, res, `SELECT 1 FROM dag_runs WHERE id = $1`, run.ID, func() {
		run.Version++
	})
}

// checkUpdated distinguishes ErrNotFound from ErrConflict after a
// zero-row UPDATE, and bumps the caller's version on success.
func (s *PostgresStore) checkUpdated(ctx context.Context, res sql.Result, existsQuery string, id any, onSuccess func()) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		onSuccess()
		return nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, existsQuery, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("existence check: %w", err)
	}
	return ErrConflict
}

// ListRuns lists runs matching the filter, newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter *RunFilter) ([]*types.DagRun, error) {
	query := `SELECT id, dag_id, state, variables, started_at, ended_at, version FROM dag_runs`
	var conds []string
	var args []any

	if filter != nil {
		if filter.DagID != "" {
			args = append(args, filter.DagID)
			conds = append(conds, fmt.Sprintf("dag_id = $%d", len(args)))
		}
		if len(filter.States) > 0 {
			placeholders := make([]string, 0, len(filter.States))
			for _, st := range filter.States {
				args = append(args, string(st))
				placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
			}
			conds = append(conds, fmt.Sprintf("state IN (%s)", strings.Join(placeholders, ", ")))
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter != nil && filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var result []*types.DagRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

// CreateInstance persists a new task instance.
func (s *PostgresStore) CreateInstance(ctx context.Context, ti *types.TaskInstance) error {
	output, err := json.Marshal(ti.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO task_instances
		 (run_id, task_id, try_number, dag_id, state, queue, executor, max_retries, retry_delay_ns,
		  dispatched_at, started_at, ended_at, last_heartbeat, retry_at, message, output, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, 1)
		 ON CONFLICT (run_id, task_id, try_number) DO NOTHING`,
		ti.RunID, ti.TaskID, ti.TryNumber, ti.DagID, string(ti.State), ti.Queue,
		ti.Executor, ti.MaxRetries, int64(ti.RetryDelay), ti.DispatchedAt,
		ti.StartedAt, ti.EndedAt, ti.LastHeartbeat, ti.RetryAt, ti.Message, output)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	ti.Version = 1
	return nil
}

// GetInstance returns an instance by key.
func (s *PostgresStore) GetInstance(ctx context.Context, key types.InstanceKey) (*types.TaskInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, task_id, try_number, dag_id, state, queue, executor, max_retries, retry_delay_ns,
		        dispatched_at, started_at, ended_at, last_heartbeat, retry_at, message, output, version
		 FROM task_instances WHERE run_id = $1 AND task_id = $2 AND try_number = $3`,
		key.RunID, key.TaskID, key.TryNumber)
	return scanInstance(row)
}

func scanInstance(row rowScanner) (*types.TaskInstance, error) {
	var ti types.TaskInstance
	var state string
	var retryDelay int64
	var dispatchedAt, startedAt, endedAt, lastHeartbeat, retryAt sql.NullTime
	var output []byte

	err := row.Scan(&ti.RunID, &ti.TaskID, &ti.TryNumber, &ti.DagID, &state, &ti.Queue,
		&ti.Executor, &ti.MaxRetries, &retryDelay, &dispatchedAt, &startedAt, &endedAt,
		&lastHeartbeat, &retryAt, &ti.Message, &output, &ti.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan instance: %w", err)
	}

	ti.State = types.TaskState(state)
	ti.RetryDelay = time.Duration(retryDelay)
	if dispatchedAt.Valid {
		ti.DispatchedAt = &dispatchedAt.Time
	}
	if startedAt.Valid {
		ti.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		ti.EndedAt = &endedAt.Time
	}
	if lastHeartbeat.Valid {
		ti.LastHeartbeat = &lastHeartbeat.Time
	}
	if retryAt.Valid {
		ti.RetryAt = &retryAt.Time
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &ti.Output); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	return &ti, nil
}

// UpdateInstance updates an instance under optimistic locking.
func (s *PostgresStore) UpdateInstance(ctx context.Context, ti *types.TaskInstance) error {
	output, err := json.Marshal(ti.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE task_instances
		 SET state = $1, executor = $2, dispatched_at = $3, started_at = $4, ended_at = $5,
		     last_heartbeat = $6, retry_at = $7, message = $8, output = $9, version = version + 1
		 WHERE run_id = $10 AND task_id = $11 AND try_number = $12 AND version = $13`,
		string(ti.State), ti.Executor, ti.DispatchedAt, ti.StartedAt, ti.EndedAt,
		ti.LastHeartbeat, ti.RetryAt, ti.Message, output,
		ti.RunID, ti.TaskID, ti.TryNumber, ti.Version)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		ti.Version++
		return nil
	}

	var one int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM task_instances WHERE run_id = $1 AND task_id = $2 AND try_number = $3`,
		ti.RunID, ti.TaskID, ti.TryNumber).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("existence check: %w", err)
	}
	return ErrConflict
}

// ListInstances lists instances matching the filter.
func (s *PostgresStore) ListInstances(ctx context.Context, filter *InstanceFilter) ([]*types.TaskInstance, error) {
	query := `SELECT run_id, task_id, try_number, dag_id, state, queue, executor, max_retries, retry_delay_ns,
	                 dispatched_at, started_at, ended_at, last_heartbeat, retry_at, message, output, version
	          FROM task_instances`
	var conds []string
	var args []any

	if filter != nil {
		if filter.RunID != "" {
			args = append(args, filter.RunID)
			conds = append(conds, fmt.Sprintf("run_id = $%d", len(args)))
		}
		if len(filter.States) > 0 {
			placeholders := make([]string, 0, len(filter.States))
			for _, st := range filter.States {
				args = append(args, string(st))
				placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
			}
			conds = append(conds, fmt.Sprintf("state IN (%s)", strings.Join(placeholders, ", ")))
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY run_id, task_id, try_number"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var result []*types.TaskInstance
	for rows.Next() {
		ti, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ti)
	}
	return result, rows.Err()
}

// AcquireLease attempts to take or renew the named lease for holder.
func (s *PostgresStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (name, holder, expires)
		 VALUES ($1, $2, now() + $3 * interval '1 second')
		 ON CONFLICT (name) DO UPDATE
		 SET holder = EXCLUDED.holder, expires = EXCLUDED.expires
		 WHERE leases.holder = EXCLUDED.holder OR leases.expires < now()`,
		name, holder, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ReleaseLease gives up the named lease if holder owns it.
func (s *PostgresStore) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE name = $1 AND holder = $2`, name, holder)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
