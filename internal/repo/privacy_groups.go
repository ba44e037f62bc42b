package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PrivacyGroupRecord is the stored form of a privacy group. Data holds the encoded group
// definition and ContentHash its digest.
type PrivacyGroupRecord struct {
	ID          []byte
	LookupID    []byte
	Data        []byte
	ContentHash []byte
	State       string
	UpdatedAt   string
}

const groupColumns = `id,lookup_id,data,content_hash,state,updated_at`

func scanGroup(scan func(dest ...any) error) (PrivacyGroupRecord, error) {
	var g PrivacyGroupRecord
	err := scan(&g.ID, &g.LookupID, &g.Data, &g.ContentHash, &g.State, &g.UpdatedAt)
	return g, err
}

func upsertGroup(ctx context.Context, c execer, g PrivacyGroupRecord) (bool, error) {
	if g.UpdatedAt == "" {
		g.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	res, err := c.ExecContext(ctx, `INSERT INTO privacy_groups(`+groupColumns+`) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET lookup_id=excluded.lookup_id, data=excluded.data, content_hash=excluded.content_hash,
state=excluded.state, updated_at=excluded.updated_at
WHERE privacy_groups.content_hash <> excluded.content_hash`,
		g.ID, g.LookupID, g.Data, g.ContentHash, g.State, g.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// StorePrivacyGroup writes g unless the stored record already has the same content hash.
// It reports whether anything changed.
func (r Repo) StorePrivacyGroup(ctx context.Context, g PrivacyGroupRecord) (bool, error) {
	return upsertGroup(ctx, r.DB, g)
}

// GetPrivacyGroup returns the group stored under id.
func (r Repo) GetPrivacyGroup(ctx context.Context, id []byte) (PrivacyGroupRecord, error) {
	g, err := scanGroup(r.DB.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM privacy_groups WHERE id=?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return PrivacyGroupRecord{}, ErrNotFound
	}
	return g, err
}

// FindPrivacyGroups returns the groups whose member set hashes to lookupID.
func (r Repo) FindPrivacyGroups(ctx context.Context, lookupID []byte) ([]PrivacyGroupRecord, error) {
	return r.queryGroups(ctx, `SELECT `+groupColumns+` FROM privacy_groups WHERE lookup_id=? ORDER BY id`, lookupID)
}

// ListPrivacyGroups returns every stored group.
func (r Repo) ListPrivacyGroups(ctx context.Context) ([]PrivacyGroupRecord, error) {
	return r.queryGroups(ctx, `SELECT `+groupColumns+` FROM privacy_groups ORDER BY updated_at DESC, id`)
}

func (r Repo) queryGroups(ctx context.Context, query string, args ...any) ([]PrivacyGroupRecord, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PrivacyGroupRecord
	for rows.Next() {
		g, err := scanGroup(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
