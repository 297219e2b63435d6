package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Permission ids checked by the engine and the API.
const (
	PermTransition      = "instance.transition"
	PermFastTrack       = "instance.fast_track"
	PermCancel          = "instance.cancel"
	PermGenerate        = "generation.run"
	PermCalendarPublish = "calendar.publish"
	PermTemplateImport  = "template.import"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service provides RBAC helpers backed by SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (s Service) ActorHasPermission(ctx context.Context, tx *sql.Tx, orgID, actorID, perm string) (bool, error) {
	row := tx.QueryRowContext(ctx, `
SELECT 1 FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.org_id=? AND ar.actor_id=? AND rp.permission_id=? LIMIT 1`,
		orgID, actorID, perm)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Require returns ForbiddenError when the actor lacks perm. RBAC is
// enforced only once roles have been seeded; a fresh workspace with no
// role rows is open.
func (s Service) Require(ctx context.Context, tx *sql.Tx, orgID, actorID, perm string) error {
	seeded, err := s.rolesSeeded(ctx, tx)
	if err != nil {
		return err
	}
	if !seeded {
		return nil
	}
	ok, err := s.ActorHasPermission(ctx, tx, orgID, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

func (s Service) rolesSeeded(ctx context.Context, tx *sql.Tx) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM roles LIMIT 1`)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, orgID, actorID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE org_id=? AND actor_id=?`, orgID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s Service) ActorPermissions(ctx context.Context, tx *sql.Tx, orgID, actorID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.org_id=? AND ar.actor_id=?`, orgID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}
