package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"closeline/internal/domain"
)

// HashAPIKey returns the hex sha256 of a raw key. Only the hash is stored.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (r Repo) InsertAPIKey(ctx context.Context, key domain.APIKey, rawKey string) error {
	if err := r.EnsureActor(ctx, key.ActorID); err != nil {
		return err
	}
	if key.CreatedAt == "" {
		key.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_keys(id,actor_id,name,key_hash,created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(key.Name), HashAPIKey(rawKey), key.CreatedAt)
	return err
}

// APIKeyActor resolves a raw presented key to its actor.
func (r Repo) APIKeyActor(ctx context.Context, rawKey string) (string, error) {
	var actorID string
	err := r.DB.QueryRowContext(ctx, `SELECT actor_id FROM api_keys WHERE key_hash=?`, HashAPIKey(rawKey)).Scan(&actorID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return actorID, err
}

func (r Repo) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,actor_id,COALESCE(name,''),created_at FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.APIKey
	for rows.Next() {
		var k domain.APIKey
		if err := rows.Scan(&k.ID, &k.ActorID, &k.Name, &k.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, k)
	}
	return res, rows.Err()
}

func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
