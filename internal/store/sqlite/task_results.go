package sqlite

import (
	"context"
	"time"

	"ping_engine/internal/model"
)

type TaskRun struct {
	AccountID string             `json:"accountId"`
	RunAtMs   int64              `json:"runAtMs"`
	Results   []model.TaskResult `json:"results"`
}

func (s *Store) RecordTaskResults(ctx context.Context, accountID string, at time.Time, results []model.TaskResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO task_results (account_id, run_at_ms, seq, code, name, status, status_code, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	runAt := at.UnixMilli()
	for i, r := range results {
		if _, err := stmt.ExecContext(ctx, accountID, runAt, i, r.Code, r.Name, string(r.Status), r.StatusCode, r.Message); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LatestTaskRun 返回账号最近一次任务处理的完整结果；从未运行过时 ok=false。
func (s *Store) LatestTaskRun(ctx context.Context, accountID string) (TaskRun, bool, error) {
	var runAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(run_at_ms), 0) FROM task_results WHERE account_id = ?
	`, accountID).Scan(&runAt)
	if err != nil {
		return TaskRun{}, false, err
	}
	if runAt == 0 {
		return TaskRun{}, false, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT code, name, status, status_code, message
		FROM task_results WHERE account_id = ? AND run_at_ms = ?
		ORDER BY seq ASC
	`, accountID, runAt)
	if err != nil {
		return TaskRun{}, false, err
	}
	defer rows.Close()

	run := TaskRun{AccountID: accountID, RunAtMs: runAt}
	for rows.Next() {
		var (
			r      model.TaskResult
			status string
		)
		if err := rows.Scan(&r.Code, &r.Name, &status, &r.StatusCode, &r.Message); err != nil {
			return TaskRun{}, false, err
		}
		r.Status = model.TaskStatus(status)
		run.Results = append(run.Results, r)
	}
	if err := rows.Err(); err != nil {
		return TaskRun{}, false, err
	}
	return run, true, nil
}
