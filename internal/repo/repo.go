package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"closeline/internal/config"
	"closeline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- orgs ---

func (r Repo) InsertOrgTx(ctx context.Context, tx *sql.Tx, id, country, createdAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO orgs(id,country,status,created_at) VALUES (?,?,?,?)`,
		id, country, "active", createdAt)
	return err
}

func (r Repo) GetOrg(ctx context.Context, id string) (string, error) {
	var country string
	err := r.DB.QueryRowContext(ctx, `SELECT country FROM orgs WHERE id=?`, id).Scan(&country)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return country, err
}

func (r Repo) UpsertOrgConfig(ctx context.Context, orgID string, cfg *config.Config) error {
	return upsertOrgConfig(ctx, r.DB, nil, orgID, cfg)
}

func (r Repo) UpsertOrgConfigTx(ctx context.Context, tx *sql.Tx, orgID string, cfg *config.Config) error {
	return upsertOrgConfig(ctx, nil, tx, orgID, cfg)
}

func upsertOrgConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, orgID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Org.ID = orgID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO org_configs(org_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(org_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, orgID, string(payload), now, now)
	return err
}

func (r Repo) GetOrgConfig(ctx context.Context, orgID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM org_configs WHERE org_id=?`, orgID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Org.ID == "" {
		cfg.Org.ID = orgID
	}
	return &cfg, cfg.Validate()
}

// --- calendars ---

// InsertCalendarTx stores a published calendar with its holiday set.
// Calendars are immutable: publishing changed holidays requires a new
// version, enforced by the (country,year,version) unique index.
func (r Repo) InsertCalendarTx(ctx context.Context, tx *sql.Tx, cal domain.Calendar) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO calendars(id,country,year,version,published_at) VALUES (?,?,?,?,?)`,
		cal.ID, cal.Country, cal.Year, cal.Version, cal.PublishedAt)
	if err != nil {
		return err
	}
	for _, day := range cal.Holidays {
		if _, err := tx.ExecContext(ctx, `INSERT INTO calendar_holidays(calendar_id,day,label) VALUES (?,?,?)`, cal.ID, day, nullable(cal.HolidayLabels[day])); err != nil {
			return err
		}
	}
	return nil
}

// GetCalendar returns the calendar for (country, year) at an explicit
// version, or the latest published version when version is 0.
func (r Repo) GetCalendar(ctx context.Context, country string, year, version int) (domain.Calendar, error) {
	var cal domain.Calendar
	query := `SELECT id,country,year,version,published_at FROM calendars WHERE country=? AND year=?`
	args := []any{country, year}
	if version > 0 {
		query += ` AND version=?`
		args = append(args, version)
	} else {
		query += ` ORDER BY version DESC LIMIT 1`
	}
	err := r.DB.QueryRowContext(ctx, query, args...).
		Scan(&cal.ID, &cal.Country, &cal.Year, &cal.Version, &cal.PublishedAt)
	if err == sql.ErrNoRows {
		return cal, ErrNotFound
	}
	if err != nil {
		return cal, err
	}
	cal.Holidays, cal.HolidayLabels, err = r.calendarHolidays(ctx, cal.ID)
	return cal, err
}

func (r Repo) LatestCalendarVersion(ctx context.Context, country string, year int) (int, error) {
	var v int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM calendars WHERE country=? AND year=?`, country, year).Scan(&v)
	return v, err
}

func (r Repo) calendarHolidays(ctx context.Context, calendarID string) ([]string, map[string]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT day, COALESCE(label,'') FROM calendar_holidays WHERE calendar_id=? ORDER BY day`, calendarID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var days []string
	var labels map[string]string
	for rows.Next() {
		var d, label string
		if err := rows.Scan(&d, &label); err != nil {
			return nil, nil, err
		}
		days = append(days, d)
		if label != "" {
			if labels == nil {
				labels = make(map[string]string)
			}
			labels[d] = label
		}
	}
	return days, labels, rows.Err()
}

func (r Repo) ListCalendars(ctx context.Context, country string) ([]domain.Calendar, error) {
	query := `SELECT id,country,year,version,published_at FROM calendars`
	var args []any
	if country != "" {
		query += ` WHERE country=?`
		args = append(args, country)
	}
	query += ` ORDER BY year DESC, version DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Calendar
	for rows.Next() {
		var cal domain.Calendar
		if err := rows.Scan(&cal.ID, &cal.Country, &cal.Year, &cal.Version, &cal.PublishedAt); err != nil {
			return nil, err
		}
		res = append(res, cal)
	}
	return res, rows.Err()
}

// --- templates ---

func (r Repo) InsertTemplateTx(ctx context.Context, tx *sql.Tx, t domain.TaskTemplate) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO templates(id,category,name,version,active,anchor,offset_workdays,direction,requires_filing,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Category, t.Name, t.Version, boolInt(t.Active), t.Anchor, t.OffsetWorkdays, t.Direction, boolInt(t.RequiresFiling), t.CreatedAt)
	if err != nil {
		return err
	}
	for _, s := range t.Stages {
		if _, err := tx.ExecContext(ctx, `INSERT INTO template_stages(template_id,seq,stage,role_binding,evidence) VALUES (?,?,?,?,?)`,
			t.ID, s.Seq, s.Stage, s.RoleBinding, nullable(s.Evidence)); err != nil {
			return err
		}
	}
	return nil
}

// DeactivateCategoryTx retires earlier versions of a category. Rows are
// kept so instances pinned to them stay resolvable.
func (r Repo) DeactivateCategoryTx(ctx context.Context, tx *sql.Tx, category string, keepVersion int) error {
	_, err := tx.ExecContext(ctx, `UPDATE templates SET active=0 WHERE category=? AND version<?`, category, keepVersion)
	return err
}

func (r Repo) LatestTemplateVersion(ctx context.Context, category string) (int, error) {
	var v int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM templates WHERE category=?`, category).Scan(&v)
	return v, err
}

const templateColumns = `id,category,name,version,active,anchor,offset_workdays,direction,requires_filing,created_at`

func (r Repo) scanTemplate(ctx context.Context, row interface{ Scan(...any) error }) (domain.TaskTemplate, error) {
	var t domain.TaskTemplate
	var active, filing int
	err := row.Scan(&t.ID, &t.Category, &t.Name, &t.Version, &active, &t.Anchor, &t.OffsetWorkdays, &t.Direction, &filing, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Active = active == 1
	t.RequiresFiling = filing == 1
	t.Stages, err = r.templateStages(ctx, t.ID)
	return t, err
}

func (r Repo) templateStages(ctx context.Context, templateID string) ([]domain.StageDef, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,stage,role_binding,COALESCE(evidence,'') FROM template_stages WHERE template_id=? ORDER BY seq`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var stages []domain.StageDef
	for rows.Next() {
		var s domain.StageDef
		if err := rows.Scan(&s.Seq, &s.Stage, &s.RoleBinding, &s.Evidence); err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	return stages, rows.Err()
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.TaskTemplate, error) {
	return r.scanTemplate(ctx, r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id=?`, id))
}

// ActiveTemplates returns the newest active version per category, ordered
// by category. This ordering drives instance sequence numbers.
func (r Repo) ActiveTemplates(ctx context.Context) ([]domain.TaskTemplate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+templateColumns+` FROM templates t
WHERE active=1 AND version=(SELECT MAX(version) FROM templates WHERE category=t.category AND active=1)
ORDER BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collectTemplates(ctx, rows)
}

// TemplatesByIDs resolves an explicit pinned version set, ordered by category.
func (r Repo) TemplatesByIDs(ctx context.Context, ids []string) ([]domain.TaskTemplate, error) {
	var res []domain.TaskTemplate
	for _, id := range ids {
		t, err := r.GetTemplate(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", id, err)
		}
		res = append(res, t)
	}
	for i := 1; i < len(res); i++ {
		for j := i; j > 0 && res[j].Category < res[j-1].Category; j-- {
			res[j], res[j-1] = res[j-1], res[j]
		}
	}
	return res, nil
}

func (r Repo) ListTemplates(ctx context.Context, category string, activeOnly bool) ([]domain.TaskTemplate, error) {
	var clauses []string
	var args []any
	if category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, category)
	}
	if activeOnly {
		clauses = append(clauses, "active=1")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+templateColumns+` FROM templates `+where+` ORDER BY category, version DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collectTemplates(ctx, rows)
}

func (r Repo) collectTemplates(ctx context.Context, rows *sql.Rows) ([]domain.TaskTemplate, error) {
	var res []domain.TaskTemplate
	for rows.Next() {
		var t domain.TaskTemplate
		var active, filing int
		if err := rows.Scan(&t.ID, &t.Category, &t.Name, &t.Version, &active, &t.Anchor, &t.OffsetWorkdays, &t.Direction, &filing, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Active = active == 1
		t.RequiresFiling = filing == 1
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		stages, err := r.templateStages(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Stages = stages
	}
	return res, nil
}

// --- generation runs ---

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.GenerationRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO generation_runs(fingerprint,period,calendar_id,calendar_version,template_set,status,instance_count,actor_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		run.Fingerprint, run.Period, run.CalendarID, run.CalendarVersion, run.TemplateSet, run.Status, run.InstanceCount, run.ActorID, run.CreatedAt)
	return err
}

// CompleteRunTx marks a run completed. The status guard makes competing
// finishers lose: zero rows affected means another caller already completed it.
func (r Repo) CompleteRunTx(ctx context.Context, tx *sql.Tx, fingerprint string, count int, completedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE generation_runs SET status=?, instance_count=?, completed_at=? WHERE fingerprint=? AND status!=?`,
		domain.RunCompleted, count, completedAt, fingerprint, domain.RunCompleted)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) MarkRunFailed(ctx context.Context, fingerprint string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE generation_runs SET status=? WHERE fingerprint=? AND status=?`,
		domain.RunFailed, fingerprint, domain.RunPending)
	return err
}

func scanRun(row interface{ Scan(...any) error }) (domain.GenerationRun, error) {
	var run domain.GenerationRun
	var completedAt sql.NullString
	err := row.Scan(&run.Fingerprint, &run.Period, &run.CalendarID, &run.CalendarVersion, &run.TemplateSet,
		&run.Status, &run.InstanceCount, &run.ActorID, &run.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.String
	}
	return run, err
}

const runColumns = `fingerprint,period,calendar_id,calendar_version,template_set,status,instance_count,actor_id,created_at,completed_at`

func (r Repo) GetRun(ctx context.Context, fingerprint string) (domain.GenerationRun, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM generation_runs WHERE fingerprint=?`, fingerprint))
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, fingerprint string) (domain.GenerationRun, error) {
	return scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM generation_runs WHERE fingerprint=?`, fingerprint))
}

func (r Repo) ListRuns(ctx context.Context, period string) ([]domain.GenerationRun, error) {
	query := `SELECT ` + runColumns + ` FROM generation_runs`
	var args []any
	if period != "" {
		query += ` WHERE period=?`
		args = append(args, period)
	}
	query += ` ORDER BY created_at DESC, fingerprint`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GenerationRun
	for rows.Next() {
		var run domain.GenerationRun
		var completedAt sql.NullString
		if err := rows.Scan(&run.Fingerprint, &run.Period, &run.CalendarID, &run.CalendarVersion, &run.TemplateSet,
			&run.Status, &run.InstanceCount, &run.ActorID, &run.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.String
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// --- task instances ---

func (r Repo) InsertInstanceTx(ctx context.Context, tx *sql.Tx, inst domain.TaskInstance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_instances(id,fingerprint,template_id,category,template_version,period,seq,deadline,state,resume_state,created_at,updated_at,closed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		inst.ID, inst.Fingerprint, inst.TemplateID, inst.Category, inst.TemplateVersion, inst.Period, inst.Seq,
		inst.Deadline, inst.State, nullableStringPtr(inst.ResumeState), inst.CreatedAt, inst.UpdatedAt, nullableStringPtr(inst.ClosedAt))
	if err != nil {
		return err
	}
	for _, a := range inst.Assignments {
		if _, err := tx.ExecContext(ctx, `INSERT INTO instance_assignments(instance_id,stage,role_binding,assignee_id,evidence) VALUES (?,?,?,?,?)`,
			inst.ID, a.Stage, a.RoleBinding, nullableStringPtr(a.AssigneeID), nullable(a.Evidence)); err != nil {
			return err
		}
	}
	return nil
}

// DiscardRunInstancesTx removes the partial instance set of a run that
// never completed. This is the crash-repair path only; completed
// instances are never deleted.
func (r Repo) DiscardRunInstancesTx(ctx context.Context, tx *sql.Tx, fingerprint string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM instance_exceptions WHERE instance_id IN (SELECT id FROM task_instances WHERE fingerprint=?)`, fingerprint); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM instance_assignments WHERE instance_id IN (SELECT id FROM task_instances WHERE fingerprint=?)`, fingerprint); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM task_instances WHERE fingerprint=?`, fingerprint)
	return err
}

const instanceColumns = `id,fingerprint,template_id,category,template_version,period,seq,deadline,state,resume_state,created_at,updated_at,closed_at`

func scanInstance(row interface{ Scan(...any) error }) (domain.TaskInstance, error) {
	var inst domain.TaskInstance
	var resume, closed sql.NullString
	err := row.Scan(&inst.ID, &inst.Fingerprint, &inst.TemplateID, &inst.Category, &inst.TemplateVersion,
		&inst.Period, &inst.Seq, &inst.Deadline, &inst.State, &resume, &inst.CreatedAt, &inst.UpdatedAt, &closed)
	if err == sql.ErrNoRows {
		return inst, ErrNotFound
	}
	if resume.Valid {
		inst.ResumeState = &resume.String
	}
	if closed.Valid {
		inst.ClosedAt = &closed.String
	}
	return inst, err
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.TaskInstance, error) {
	inst, err := scanInstance(r.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM task_instances WHERE id=?`, id))
	if err != nil {
		return inst, err
	}
	inst.Assignments, err = r.instanceAssignments(ctx, inst.ID)
	return inst, err
}

func (r Repo) instanceAssignments(ctx context.Context, instanceID string) ([]domain.StageAssignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT ia.stage, ia.role_binding, ia.assignee_id, COALESCE(ia.evidence,'')
FROM instance_assignments ia
JOIN task_instances ti ON ti.id=ia.instance_id
JOIN template_stages ts ON ts.template_id=ti.template_id AND ts.stage=ia.stage
WHERE ia.instance_id=? ORDER BY ts.seq`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageAssignment
	for rows.Next() {
		var a domain.StageAssignment
		var assignee sql.NullString
		if err := rows.Scan(&a.Stage, &a.RoleBinding, &assignee, &a.Evidence); err != nil {
			return nil, err
		}
		if assignee.Valid {
			a.AssigneeID = &assignee.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// InstanceIDsByFingerprint lists a run's instance ids in sequence order,
// which keeps repeated listings deterministic regardless of storage order.
func (r Repo) InstanceIDsByFingerprint(ctx context.Context, fingerprint string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM task_instances WHERE fingerprint=? ORDER BY seq`, fingerprint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type InstanceFilters struct {
	Period      string
	State       string
	Category    string
	AssigneeID  string
	OverdueAt   string
	Fingerprint string
	Limit       int
}

func (r Repo) ListInstances(ctx context.Context, f InstanceFilters) ([]domain.TaskInstance, error) {
	var clauses []string
	var args []any
	if f.Period != "" {
		clauses = append(clauses, "period=?")
		args = append(args, f.Period)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.Fingerprint != "" {
		clauses = append(clauses, "fingerprint=?")
		args = append(args, f.Fingerprint)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "id IN (SELECT instance_id FROM instance_assignments WHERE assignee_id=?)")
		args = append(args, f.AssigneeID)
	}
	if f.OverdueAt != "" {
		clauses = append(clauses, "deadline < ? AND state NOT IN (?,?)")
		args = append(args, f.OverdueAt, domain.StateFiled, domain.StateCancelled)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + instanceColumns + ` FROM task_instances ` + where + ` ORDER BY period DESC, seq`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskInstance
	for rows.Next() {
		var inst domain.TaskInstance
		var resume, closed sql.NullString
		if err := rows.Scan(&inst.ID, &inst.Fingerprint, &inst.TemplateID, &inst.Category, &inst.TemplateVersion,
			&inst.Period, &inst.Seq, &inst.Deadline, &inst.State, &resume, &inst.CreatedAt, &inst.UpdatedAt, &closed); err != nil {
			return nil, err
		}
		if resume.Valid {
			inst.ResumeState = &resume.String
		}
		if closed.Valid {
			inst.ClosedAt = &closed.String
		}
		res = append(res, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		assignments, err := r.instanceAssignments(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Assignments = assignments
	}
	return res, nil
}

// UpdateInstanceStateTx moves an instance between states, conditioned on
// the caller's last-known state. Zero rows affected means the write is
// stale and the caller must reload.
func (r Repo) UpdateInstanceStateTx(ctx context.Context, tx *sql.Tx, id, fromState, toState string, resumeState *string, updatedAt string, closedAt *string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE task_instances SET state=?, resume_state=?, updated_at=?, closed_at=? WHERE id=? AND state=?`,
		toState, nullableStringPtr(resumeState), updatedAt, nullableStringPtr(closedAt), id, fromState)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) CountInstancesByState(ctx context.Context, period string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM task_instances WHERE period=? GROUP BY state`, period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, rows.Err()
}

// --- ledger queries ---

func (r Repo) LatestEvents(ctx context.Context, limit int, period, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if period != "" {
		clauses = append(clauses, "period=?")
		args = append(args, period)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,period,entity_kind,entity_id,actor_id,payload_json FROM ledger_events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.collectEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,period,entity_kind,entity_id,actor_id,payload_json FROM ledger_events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.collectEvents(ctx, query, cursor, limit)
}

// LatestEventID returns the most recent ledger event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM ledger_events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// TransitionsForInstance returns an instance's ledger trail in append order.
func (r Repo) TransitionsForInstance(ctx context.Context, instanceID string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,period,entity_kind,entity_id,actor_id,payload_json FROM ledger_events WHERE entity_kind='instance' AND entity_id=? ORDER BY id ASC`
	return r.collectEvents(ctx, query, instanceID)
}

// RunsByFingerprint returns a fingerprint's generation trail in append order.
func (r Repo) RunsByFingerprint(ctx context.Context, fingerprint string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,period,entity_kind,entity_id,actor_id,payload_json FROM ledger_events WHERE entity_kind='run' AND entity_id=? ORDER BY id ASC`
	return r.collectEvents(ctx, query, fingerprint)
}

func (r Repo) collectEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var period, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &period, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if period.Valid {
			e.Period = period.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
