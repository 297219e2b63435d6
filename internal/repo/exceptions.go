package repo

import (
	"context"
	"database/sql"

	"closeline/internal/domain"
)

func (r Repo) InsertExceptionTx(ctx context.Context, tx *sql.Tx, e domain.ExceptionEntry) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO instance_exceptions(instance_id,reason,note,raised_by,raised_at) VALUES (?,?,?,?,?)`,
		e.InstanceID, e.Reason, nullable(e.Note), e.RaisedBy, e.RaisedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// OpenExceptionTx returns the newest unresolved exception for an instance.
func (r Repo) OpenExceptionTx(ctx context.Context, tx *sql.Tx, instanceID string) (domain.ExceptionEntry, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,instance_id,reason,COALESCE(note,''),raised_by,raised_at,resolved_by,resolved_at
FROM instance_exceptions WHERE instance_id=? AND resolved_at IS NULL ORDER BY id DESC LIMIT 1`, instanceID)
	return scanException(row)
}

func (r Repo) ResolveExceptionTx(ctx context.Context, tx *sql.Tx, id int64, resolvedBy, resolvedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE instance_exceptions SET resolved_by=?, resolved_at=? WHERE id=? AND resolved_at IS NULL`,
		resolvedBy, resolvedAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ListExceptions(ctx context.Context, instanceID string, openOnly bool) ([]domain.ExceptionEntry, error) {
	query := `SELECT id,instance_id,reason,COALESCE(note,''),raised_by,raised_at,resolved_by,resolved_at FROM instance_exceptions`
	var clauses []string
	var args []any
	if instanceID != "" {
		clauses = append(clauses, "instance_id=?")
		args = append(args, instanceID)
	}
	if openOnly {
		clauses = append(clauses, "resolved_at IS NULL")
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExceptionEntry
	for rows.Next() {
		var e domain.ExceptionEntry
		var resolvedBy, resolvedAt sql.NullString
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.Reason, &e.Note, &e.RaisedBy, &e.RaisedAt, &resolvedBy, &resolvedAt); err != nil {
			return nil, err
		}
		if resolvedBy.Valid {
			e.ResolvedBy = &resolvedBy.String
		}
		if resolvedAt.Valid {
			e.ResolvedAt = &resolvedAt.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func scanException(row interface{ Scan(...any) error }) (domain.ExceptionEntry, error) {
	var e domain.ExceptionEntry
	var resolvedBy, resolvedAt sql.NullString
	err := row.Scan(&e.ID, &e.InstanceID, &e.Reason, &e.Note, &e.RaisedBy, &e.RaisedAt, &resolvedBy, &resolvedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if resolvedBy.Valid {
		e.ResolvedBy = &resolvedBy.String
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.String
	}
	return e, err
}
