package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"privrelay/internal/domain"
)

const transactionColumns = `hash,encoded_payload,sender_key,privacy_mode,created_at`

func scanTransaction(scan func(dest ...any) error) (domain.EncryptedTransaction, error) {
	var (
		t            domain.EncryptedTransaction
		hash, sender []byte
		mode         string
	)
	if err := scan(&hash, &t.EncodedPayload, &sender, &mode, &t.CreatedAt); err != nil {
		return t, err
	}
	t.Hash = domain.TxHash(hash)
	t.SenderKey = domain.PublicKeyFromBytes(sender)
	m, err := scanMode(mode)
	if err != nil {
		return t, err
	}
	t.PrivacyMode = m
	return t, nil
}

// TransactionCount returns the number of stored encrypted transactions.
func (r Repo) TransactionCount(ctx context.Context) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM encrypted_transactions`).Scan(&n)
	return n, err
}

// RetrieveTransactions pages through the store in insertion order.
func (r Repo) RetrieveTransactions(ctx context.Context, offset, limit int) ([]domain.EncryptedTransaction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+transactionColumns+` FROM encrypted_transactions ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.EncryptedTransaction
	for rows.Next() {
		t, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTransaction returns a stored transaction by hash.
func (r Repo) GetTransaction(ctx context.Context, hash domain.TxHash) (domain.EncryptedTransaction, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM encrypted_transactions WHERE hash=?`, []byte(hash))
	t, err := scanTransaction(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.EncryptedTransaction{}, ErrNotFound
	}
	return t, err
}

// SaveTransaction stores t unless a transaction with the same hash exists. It reports
// whether a row was written.
func (r Repo) SaveTransaction(ctx context.Context, tx *sql.Tx, t domain.EncryptedTransaction) (bool, error) {
	if t.CreatedAt == "" {
		t.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	res, err := r.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO encrypted_transactions(`+transactionColumns+`) VALUES (?,?,?,?,?)`,
		[]byte(t.Hash), t.EncodedPayload, []byte(t.SenderKey), t.PrivacyMode.String(), t.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TransactionModes returns the privacy mode of every hash present in the store.
func (r Repo) TransactionModes(ctx context.Context, hashes []domain.TxHash) (map[domain.TxHash]domain.PrivacyMode, error) {
	out := make(map[domain.TxHash]domain.PrivacyMode)
	if len(hashes) == 0 {
		return out, nil
	}
	placeholders, args := hashArgs(hashes)
	rows, err := r.DB.QueryContext(ctx, `SELECT hash,privacy_mode FROM encrypted_transactions WHERE hash IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			hash []byte
			mode string
		)
		if err := rows.Scan(&hash, &mode); err != nil {
			return nil, err
		}
		m, err := scanMode(mode)
		if err != nil {
			return nil, err
		}
		out[domain.TxHash(hash)] = m
	}
	return out, rows.Err()
}
