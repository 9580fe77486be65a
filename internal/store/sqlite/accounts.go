package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"ping_engine/internal/model"
)

const accountColumns = `id, token, proxy, username, email, last_ping_ms, created_at, updated_at`

// ImportAccount 按 token 落库：已存在的账号保留 ID 和资料，代理以本次输入为准，
// last_ping_ms 归零（每次启动重新计时）。
func (s *Store) ImportAccount(ctx context.Context, acc model.Account) (model.Account, error) {
	acc.Token = strings.TrimSpace(acc.Token)
	if acc.Token == "" {
		return model.Account{}, errors.New("token is required")
	}
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	now := time.Now().UnixMilli()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, token, proxy, username, email, last_ping_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			proxy = excluded.proxy,
			last_ping_ms = 0,
			updated_at = excluded.updated_at
	`, acc.ID, acc.Token, acc.Proxy, acc.Username, acc.Email, now, now)
	if err != nil {
		return model.Account{}, err
	}
	return s.GetAccountByToken(ctx, acc.Token)
}

func (s *Store) UpdateAccountProfile(ctx context.Context, id, username, email string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET username = ?, email = ?, updated_at = ? WHERE id = ?
	`, username, email, time.Now().UnixMilli(), id)
	return err
}

func (s *Store) UpdateAccountPing(ctx context.Context, id string, lastPingMs int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET last_ping_ms = ?, updated_at = ? WHERE id = ?
	`, lastPingMs, time.Now().UnixMilli(), id)
	return err
}

func (s *Store) GetAccount(ctx context.Context, id string) (model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

func (s *Store) GetAccountByToken(ctx context.Context, token string) (model.Account, error) {
	if token == "" {
		return model.Account{}, errors.New("token is required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE token = ?`, token)
	return scanAccount(row)
}

func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteAccount 删除账号及其任务结果；账号不存在时返回 ErrNotFound。
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_results WHERE account_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(r rowScanner) (model.Account, error) {
	var (
		acc       model.Account
		createdAt int64
		updatedAt int64
	)
	err := r.Scan(&acc.ID, &acc.Token, &acc.Proxy, &acc.Username, &acc.Email, &acc.LastPingMs, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Account{}, ErrNotFound
		}
		return model.Account{}, err
	}
	acc.CreatedAt = time.UnixMilli(createdAt)
	acc.UpdatedAt = time.UnixMilli(updatedAt)
	return acc, nil
}
