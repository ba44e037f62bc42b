package repo

import (
	"context"
	"database/sql"
	"fmt"

	"privrelay/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = domain.ErrNotFound

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) conn(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

// InTx runs fn in a transaction, committing only when fn succeeds.
func (r Repo) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func scanMode(raw string) (domain.PrivacyMode, error) {
	mode, err := domain.ParsePrivacyMode(raw)
	if err != nil {
		return domain.UnknownPrivacyMode, fmt.Errorf("stored privacy mode: %w", err)
	}
	return mode, nil
}

func hashArgs(hashes []domain.TxHash) (string, []any) {
	args := make([]any, len(hashes))
	placeholders := make([]byte, 0, len(hashes)*2)
	for i, h := range hashes {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = []byte(h)
	}
	return string(placeholders), args
}
