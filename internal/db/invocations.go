package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zsprackett/jobkit/internal/history"
	"github.com/zsprackett/jobkit/internal/output"
)

var _ history.Provider = (*DB)(nil)

const selectInvocation = `
	SELECT id, job_name, started, complete, status, err, parameters, output
	FROM job_invocations`

func (d *DB) Add(ctx context.Context, inv *history.Invocation) error {
	params, err := json.Marshal(inv.Parameters)
	if err != nil {
		return err
	}
	out, err := json.Marshal(inv.Output)
	if err != nil {
		return err
	}
	var complete int64
	if !inv.Complete.IsZero() {
		complete = inv.Complete.UnixNano()
	}
	_, err = d.sql.ExecContext(ctx, `
		INSERT OR REPLACE INTO job_invocations (
			id, job_name, started, complete, status, err, parameters, output, output_bytes
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		inv.ID, inv.JobName, inv.Started.UnixNano(), complete, string(inv.Status), inv.Err,
		string(params), string(out), inv.Output.Len(),
	)
	if err != nil {
		return fmt.Errorf("save invocation: %w", err)
	}
	return nil
}

func (d *DB) List(ctx context.Context, jobName string) ([]*history.Invocation, error) {
	rows, err := d.sql.QueryContext(ctx, selectInvocation+` WHERE job_name = ? ORDER BY started`, jobName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var invocations []*history.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		invocations = append(invocations, inv)
	}
	return invocations, rows.Err()
}

func (d *DB) Entries(ctx context.Context, jobName string) ([]history.Entry, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, job_name, started, complete, status, err, output_bytes
		FROM job_invocations WHERE job_name = ? ORDER BY started`, jobName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []history.Entry
	for rows.Next() {
		var e history.Entry
		var started, complete int64
		var status string
		if err := rows.Scan(&e.ID, &e.JobName, &started, &complete, &status, &e.Err, &e.OutputBytes); err != nil {
			return nil, err
		}
		e.Started = time.Unix(0, started).UTC()
		if complete != 0 {
			e.Complete = time.Unix(0, complete).UTC()
		}
		e.Status = history.Status(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (d *DB) Get(ctx context.Context, jobName, id string) (*history.Invocation, error) {
	row := d.sql.QueryRowContext(ctx, selectInvocation+` WHERE job_name = ? AND id = ?`, jobName, id)
	inv, err := scanInvocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, history.ErrNotFound
	}
	return inv, err
}

func (d *DB) Cull(ctx context.Context, jobName string, maxCount int, maxAge time.Duration) error {
	if maxCount > 0 {
		_, err := d.sql.ExecContext(ctx, `
			DELETE FROM job_invocations WHERE job_name = ? AND id NOT IN (
				SELECT id FROM job_invocations WHERE job_name = ?
				ORDER BY started DESC LIMIT ?
			)`, jobName, jobName, maxCount)
		if err != nil {
			return fmt.Errorf("cull by count: %w", err)
		}
	}
	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge).UnixNano()
		_, err := d.sql.ExecContext(ctx,
			`DELETE FROM job_invocations WHERE job_name = ? AND started < ?`, jobName, cutoff)
		if err != nil {
			return fmt.Errorf("cull by age: %w", err)
		}
	}
	return nil
}

// InvocationCount returns the number of stored invocations for a job.
func (d *DB) InvocationCount(ctx context.Context, jobName string) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_invocations WHERE job_name = ?`, jobName).Scan(&n)
	return n, err
}

func scanInvocation(row rowScanner) (*history.Invocation, error) {
	var inv history.Invocation
	var started, complete int64
	var status, params, out string
	if err := row.Scan(&inv.ID, &inv.JobName, &started, &complete, &status, &inv.Err, &params, &out); err != nil {
		return nil, err
	}
	inv.Started = time.Unix(0, started).UTC()
	if complete != 0 {
		inv.Complete = time.Unix(0, complete).UTC()
	}
	inv.Status = history.Status(status)
	if err := json.Unmarshal([]byte(params), &inv.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	inv.Output = output.NewBuffer()
	if err := inv.Output.UnmarshalJSON([]byte(out)); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	return &inv, nil
}
