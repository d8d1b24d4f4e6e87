package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zsprackett/jobkit/internal/output"
)

var _ Provider = (*Postgres)(nil)

// Postgres stores invocations in a job_invocations table.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and creates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_invocations (
			id         TEXT PRIMARY KEY,
			job_name   TEXT NOT NULL,
			started    TIMESTAMPTZ NOT NULL,
			complete   TIMESTAMPTZ,
			status     TEXT NOT NULL,
			err        TEXT NOT NULL DEFAULT '',
			parameters JSONB NOT NULL DEFAULT '{}',
			output     JSONB NOT NULL DEFAULT '[]'
		)`,
		`ALTER TABLE job_invocations ADD COLUMN IF NOT EXISTS output_bytes INTEGER NOT NULL DEFAULT 0`,
		`CREATE INDEX IF NOT EXISTS job_invocations_job_started
			ON job_invocations (job_name, started)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Add(ctx context.Context, inv *Invocation) error {
	params, err := json.Marshal(inv.Parameters)
	if err != nil {
		return err
	}
	out, err := json.Marshal(inv.Output)
	if err != nil {
		return err
	}
	var complete *time.Time
	if !inv.Complete.IsZero() {
		complete = &inv.Complete
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO job_invocations (id, job_name, started, complete, status, err, parameters, output, output_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			complete = EXCLUDED.complete,
			status = EXCLUDED.status,
			err = EXCLUDED.err,
			output = EXCLUDED.output,
			output_bytes = EXCLUDED.output_bytes`,
		inv.ID, inv.JobName, inv.Started, complete, string(inv.Status), inv.Err, params, out, inv.Output.Len())
	if err != nil {
		return fmt.Errorf("add invocation: %w", err)
	}
	return nil
}

const pgSelect = `SELECT id, job_name, started, complete, status, err, parameters, output FROM job_invocations`

func (p *Postgres) List(ctx context.Context, jobName string) ([]*Invocation, error) {
	rows, err := p.pool.Query(ctx, pgSelect+` WHERE job_name = $1 ORDER BY started`, jobName)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()
	var out []*Invocation
	for rows.Next() {
		inv, err := scanPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (p *Postgres) Entries(ctx context.Context, jobName string) ([]Entry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, job_name, started, complete, status, err, output_bytes
		FROM job_invocations WHERE job_name = $1 ORDER BY started`, jobName)
	if err != nil {
		return nil, fmt.Errorf("list invocation entries: %w", err)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			complete *time.Time
			status   string
		)
		if err := rows.Scan(&e.ID, &e.JobName, &e.Started, &complete, &status, &e.Err, &e.OutputBytes); err != nil {
			return nil, err
		}
		if complete != nil {
			e.Complete = *complete
		}
		e.Status = Status(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *Postgres) Get(ctx context.Context, jobName, id string) (*Invocation, error) {
	row := p.pool.QueryRow(ctx, pgSelect+` WHERE job_name = $1 AND id = $2`, jobName, id)
	inv, err := scanPG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inv, err
}

func (p *Postgres) Cull(ctx context.Context, jobName string, maxCount int, maxAge time.Duration) error {
	if maxCount > 0 {
		_, err := p.pool.Exec(ctx, `
			DELETE FROM job_invocations WHERE job_name = $1 AND id IN (
				SELECT id FROM job_invocations WHERE job_name = $1
				ORDER BY started DESC OFFSET $2
			)`, jobName, maxCount)
		if err != nil {
			return fmt.Errorf("cull invocations: %w", err)
		}
	}
	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge)
		_, err := p.pool.Exec(ctx,
			`DELETE FROM job_invocations WHERE job_name = $1 AND started < $2`, jobName, cutoff)
		if err != nil {
			return fmt.Errorf("cull invocations: %w", err)
		}
	}
	return nil
}

func scanPG(row pgx.Row) (*Invocation, error) {
	var (
		inv      Invocation
		complete *time.Time
		status   string
		params   []byte
		out      []byte
	)
	if err := row.Scan(&inv.ID, &inv.JobName, &inv.Started, &complete, &status, &inv.Err, &params, &out); err != nil {
		return nil, err
	}
	if complete != nil {
		inv.Complete = *complete
	}
	inv.Status = Status(status)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &inv.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters: %w", err)
		}
	}
	inv.Output = output.NewBuffer()
	if err := inv.Output.UnmarshalJSON(out); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	return &inv, nil
}
