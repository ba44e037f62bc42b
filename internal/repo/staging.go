package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"privrelay/internal/domain"
)

type StagingFilters struct {
	Status domain.ResolutionStatus
	Limit  int
}

// SaveStaging stages t with its affected hashes. A hash that is already staged keeps its
// original row and sequence; the call then reports false.
func (r Repo) SaveStaging(ctx context.Context, t domain.StagingTransaction) (bool, error) {
	if t.Hash == "" {
		return false, fmt.Errorf("hash required")
	}
	if t.ReceivedAt == "" {
		t.ReceivedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if t.Status == "" {
		t.Status = domain.Unresolved
	}
	inserted := false
	err := r.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO staging_transactions(hash,payload,sender_key,privacy_mode,status,validation_round,received_at)
VALUES (?,?,?,?,?,?,?) ON CONFLICT(hash) DO NOTHING`,
			[]byte(t.Hash), t.Payload, []byte(t.SenderKey), t.PrivacyMode.String(), string(t.Status), t.ValidationRound, t.ReceivedAt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		inserted = true
		for _, dep := range t.Affected {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO staging_affected(hash,affected_hash) VALUES (?,?)`, []byte(t.Hash), []byte(dep)); err != nil {
				return err
			}
		}
		return nil
	})
	return inserted, err
}

// ListStaging returns staged transactions in arrival order with their affected hashes.
func (r Repo) ListStaging(ctx context.Context, f StagingFilters) ([]domain.StagingTransaction, error) {
	query := `SELECT sequence,hash,payload,sender_key,privacy_mode,status,validation_round,received_at FROM staging_transactions`
	var args []any
	if f.Status != "" {
		query += ` WHERE status=?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY sequence`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.StagingTransaction
	index := make(map[domain.TxHash]int)
	for rows.Next() {
		var (
			t            domain.StagingTransaction
			hash, sender []byte
			mode, status string
		)
		if err := rows.Scan(&t.Sequence, &hash, &t.Payload, &sender, &mode, &status, &t.ValidationRound, &t.ReceivedAt); err != nil {
			return nil, err
		}
		t.Hash = domain.TxHash(hash)
		t.SenderKey = domain.PublicKeyFromBytes(sender)
		t.Status = domain.ResolutionStatus(status)
		if t.PrivacyMode, err = scanMode(mode); err != nil {
			return nil, err
		}
		index[t.Hash] = len(out)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}
	if err := r.loadAffected(ctx, out, index); err != nil {
		return nil, err
	}
	return out, nil
}

func (r Repo) loadAffected(ctx context.Context, staged []domain.StagingTransaction, index map[domain.TxHash]int) error {
	rows, err := r.DB.QueryContext(ctx, `SELECT hash,affected_hash FROM staging_affected ORDER BY hash,affected_hash`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var hash, dep []byte
		if err := rows.Scan(&hash, &dep); err != nil {
			return err
		}
		if i, ok := index[domain.TxHash(hash)]; ok {
			staged[i].Affected = append(staged[i].Affected, domain.TxHash(dep))
		}
	}
	return rows.Err()
}

// StagingCounts returns the number of staged transactions per status.
func (r Repo) StagingCounts(ctx context.Context) (map[domain.ResolutionStatus]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status,COUNT(*) FROM staging_transactions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[domain.ResolutionStatus]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.ResolutionStatus(status)] = n
	}
	return out, rows.Err()
}

// MaxValidationRound returns the highest round recorded on a staged transaction.
func (r Repo) MaxValidationRound(ctx context.Context) (int64, error) {
	var round sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(validation_round) FROM staging_transactions`).Scan(&round); err != nil {
		return 0, err
	}
	return round.Int64, nil
}

// UpdateStagingStatuses records the outcome of one resolution round. Rows that are already
// resolved are left untouched.
func (r Repo) UpdateStagingStatuses(ctx context.Context, round int64, statuses map[domain.TxHash]domain.ResolutionStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	return r.InTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE staging_transactions SET status=?, validation_round=? WHERE hash=? AND status=?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, h := range domain.SortHashes(keys(statuses)) {
			status := statuses[h]
			if !status.Resolved() {
				continue
			}
			if _, err := stmt.ExecContext(ctx, string(status), round, []byte(h), string(domain.Unresolved)); err != nil {
				return fmt.Errorf("update staging %s: %w", h, err)
			}
		}
		return nil
	})
}

// PromoteResolved moves RESOLVED_VALID staged transactions into the transaction store in
// round then arrival order and removes them from staging. It returns how many rows were
// newly stored.
func (r Repo) PromoteResolved(ctx context.Context) (int64, error) {
	var promoted int64
	now := time.Now().UTC().Format(time.RFC3339)
	err := r.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO encrypted_transactions(hash,encoded_payload,sender_key,privacy_mode,created_at)
SELECT hash,payload,sender_key,privacy_mode,? FROM staging_transactions WHERE status=? ORDER BY validation_round,sequence`,
			now, string(domain.ResolvedValid))
		if err != nil {
			return err
		}
		if promoted, err = res.RowsAffected(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM staging_transactions WHERE status=?`, string(domain.ResolvedValid))
		return err
	})
	return promoted, err
}

// PurgeStaging deletes staged rows with the given statuses.
func (r Repo) PurgeStaging(ctx context.Context, statuses ...domain.ResolutionStatus) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM staging_transactions WHERE status IN (`+strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func keys[V any](m map[domain.TxHash]V) []domain.TxHash {
	out := make([]domain.TxHash, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
