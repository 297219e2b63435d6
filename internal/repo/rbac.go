package repo

import (
	"context"
	"database/sql"
	"time"
)

func (r Repo) EnsureActor(ctx context.Context, actorID string) error {
	return ensureActor(ctx, r.DB, nil, actorID)
}

func (r Repo) EnsureActorTx(ctx context.Context, tx *sql.Tx, actorID string) error {
	return ensureActor(ctx, nil, tx, actorID)
}

func ensureActor(ctx context.Context, db *sql.DB, tx *sql.Tx, actorID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	query := `INSERT INTO actors(id,created_at) VALUES (?,?) ON CONFLICT(id) DO NOTHING`
	if tx != nil {
		_, err := tx.ExecContext(ctx, query, actorID, now)
		return err
	}
	_, err := db.ExecContext(ctx, query, actorID, now)
	return err
}

func (r Repo) EnsureRole(ctx context.Context, id, description string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO roles(id,description) VALUES (?,?) ON CONFLICT(id) DO UPDATE SET description=excluded.description`,
		id, nullable(description))
	return err
}

func (r Repo) EnsurePermission(ctx context.Context, id, description string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO permissions(id,description) VALUES (?,?) ON CONFLICT(id) DO NOTHING`,
		id, nullable(description))
	return err
}

func (r Repo) GrantPermission(ctx context.Context, roleID, permissionID string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO role_permissions(role_id,permission_id) VALUES (?,?) ON CONFLICT DO NOTHING`,
		roleID, permissionID)
	return err
}

func (r Repo) AssignRole(ctx context.Context, orgID, actorID, roleID string) error {
	if err := r.EnsureActor(ctx, actorID); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO actor_roles(org_id,actor_id,role_id) VALUES (?,?,?) ON CONFLICT DO NOTHING`,
		orgID, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, orgID, actorID, roleID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM actor_roles WHERE org_id=? AND actor_id=? AND role_id=?`,
		orgID, actorID, roleID)
	return err
}

func (r Repo) ActorRoles(ctx context.Context, orgID, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE org_id=? AND actor_id=? ORDER BY role_id`, orgID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		res = append(res, role)
	}
	return res, rows.Err()
}
