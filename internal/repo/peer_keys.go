package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"privrelay/internal/domain"
)

// HashPeerKey returns a stable SHA-256 hex digest for the provided key.
func HashPeerKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertPeerKey stores a hashed peer API key. KeyHash must already contain the hashed value.
func (r Repo) InsertPeerKey(ctx context.Context, tx *sql.Tx, key domain.PeerKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.PeerKey == "" {
		return errors.New("peer_key required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO peer_keys(id, peer_key, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.PeerKey, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

// GetPeerKeyByHash returns a peer key by its hashed value.
func (r Repo) GetPeerKeyByHash(ctx context.Context, hash string) (domain.PeerKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, peer_key, COALESCE(name,''), key_hash, created_at FROM peer_keys WHERE key_hash=? LIMIT 1`, hash)
	var key domain.PeerKey
	err := row.Scan(&key.ID, &key.PeerKey, &key.Name, &key.KeyHash, &key.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PeerKey{}, ErrNotFound
	}
	if err != nil {
		return domain.PeerKey{}, err
	}
	return key, nil
}

// ListPeerKeys returns peer keys, optionally filtered by the peer's public key.
func (r Repo) ListPeerKeys(ctx context.Context, peerKey string) ([]domain.PeerKey, error) {
	query := `SELECT id, peer_key, COALESCE(name,''), key_hash, created_at FROM peer_keys`
	var args []any
	if peerKey != "" {
		query += ` WHERE peer_key=?`
		args = append(args, peerKey)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.PeerKey
	for rows.Next() {
		var key domain.PeerKey
		if err := rows.Scan(&key.ID, &key.PeerKey, &key.Name, &key.KeyHash, &key.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeletePeerKey deletes a peer key by ID.
func (r Repo) DeletePeerKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM peer_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
