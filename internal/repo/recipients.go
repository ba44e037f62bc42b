package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"privrelay/internal/domain"
)

// UpsertRecipient records the node URL serving key.
func (r Repo) UpsertRecipient(ctx context.Context, rec domain.Recipient) error {
	if rec.PublicKey == "" {
		return errors.New("public_key required")
	}
	if strings.TrimSpace(rec.URL) == "" {
		return errors.New("url required")
	}
	if rec.CreatedAt == "" {
		rec.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO recipients(public_key,url,created_at) VALUES (?,?,?)
ON CONFLICT(public_key) DO UPDATE SET url=excluded.url`, []byte(rec.PublicKey), rec.URL, rec.CreatedAt)
	return err
}

// GetRecipient returns the recipient registered for key.
func (r Repo) GetRecipient(ctx context.Context, key domain.PublicKey) (domain.Recipient, error) {
	var (
		rec domain.Recipient
		raw []byte
	)
	err := r.DB.QueryRowContext(ctx, `SELECT public_key,url,created_at FROM recipients WHERE public_key=?`, []byte(key)).
		Scan(&raw, &rec.URL, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Recipient{}, ErrNotFound
	}
	if err != nil {
		return domain.Recipient{}, err
	}
	rec.PublicKey = domain.PublicKeyFromBytes(raw)
	return rec, nil
}

// ListRecipients returns every registered recipient ordered by URL.
func (r Repo) ListRecipients(ctx context.Context) ([]domain.Recipient, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT public_key,url,created_at FROM recipients ORDER BY url,public_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Recipient
	for rows.Next() {
		var (
			rec domain.Recipient
			raw []byte
		)
		if err := rows.Scan(&raw, &rec.URL, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.PublicKey = domain.PublicKeyFromBytes(raw)
		out = append(out, rec)
	}
	return out, rows.Err()
}
