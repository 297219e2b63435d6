package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"closeline/internal/domain"
)

// UpsertEmployee records a directory entry. Re-importing a code updates
// the mapping in place; deactivated entries stop resolving but keep
// their row for the audit trail.
func (r Repo) UpsertEmployee(ctx context.Context, emp domain.Employee) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO employees(code,user_id,department,active,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(code) DO UPDATE SET user_id=excluded.user_id, department=excluded.department, active=excluded.active`,
		emp.Code, emp.UserID, nullable(emp.Department), boolInt(emp.Active), now)
	return err
}

func (r Repo) GetEmployeeByCode(ctx context.Context, code string) (domain.Employee, error) {
	var emp domain.Employee
	var dept sql.NullString
	var active int
	err := r.DB.QueryRowContext(ctx, `SELECT code,user_id,department,active FROM employees WHERE code=?`,
		strings.TrimSpace(code)).Scan(&emp.Code, &emp.UserID, &dept, &active)
	if err == sql.ErrNoRows {
		return emp, ErrNotFound
	}
	if err != nil {
		return emp, err
	}
	if dept.Valid {
		emp.Department = dept.String
	}
	emp.Active = active == 1
	return emp, nil
}

func (r Repo) ListEmployees(ctx context.Context, department string) ([]domain.Employee, error) {
	query := `SELECT code,user_id,department,active FROM employees`
	var args []any
	if department != "" {
		query += ` WHERE department=?`
		args = append(args, department)
	}
	query += ` ORDER BY code`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Employee
	for rows.Next() {
		var emp domain.Employee
		var dept sql.NullString
		var active int
		if err := rows.Scan(&emp.Code, &emp.UserID, &dept, &active); err != nil {
			return nil, err
		}
		if dept.Valid {
			emp.Department = dept.String
		}
		emp.Active = active == 1
		res = append(res, emp)
	}
	return res, rows.Err()
}
