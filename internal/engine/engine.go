package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"closeline/internal/calendar"
	"closeline/internal/config"
	"closeline/internal/domain"
	"closeline/internal/engine/auth"
	"closeline/internal/ledger"
	"closeline/internal/raci"
	"closeline/internal/repo"
)

var (
	ErrNoActiveTemplates = errors.New("no active templates")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Ledger: ledger.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ledger returns the writer bound to the engine's clock, so event
// timestamps and entity timestamps come from the same source.
func (e Engine) ledger() ledger.Writer {
	w := e.Ledger
	if w.Now == nil {
		w.Now = e.Now
	}
	return w
}

func (e Engine) orgID() string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Org.ID
}

// InitOrg creates the org row with its default config, migrations
// already run.
func (e Engine) InitOrg(ctx context.Context, orgID, country, actorID string) error {
	if orgID == "" {
		return errors.New("org id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.InsertOrgTx(ctx, tx, orgID, country, now); err != nil {
		return fmt.Errorf("insert org: %w", err)
	}
	cfg := config.Default(orgID)
	if country != "" {
		cfg.Org.Country = country
	}
	if err := e.Repo.UpsertOrgConfigTx(ctx, tx, orgID, cfg); err != nil {
		return fmt.Errorf("insert org config: %w", err)
	}
	if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
		return err
	}
	if err := e.ledger().Append(ctx, tx, "org.init", "", "org", orgID, actorID, ledger.EventPayload{"country": country}); err != nil {
		return err
	}
	return tx.Commit()
}

// Fingerprint is the idempotency key for one generation: the period, the
// calendar version and the sorted set of template versions. Identical
// inputs always produce the identical key.
func Fingerprint(period, calendarRef string, templateRefs []string) string {
	refs := append([]string(nil), templateRefs...)
	sort.Strings(refs)
	h := sha256.New()
	h.Write([]byte(period))
	h.Write([]byte{'\n'})
	h.Write([]byte(calendarRef))
	for _, ref := range refs {
		h.Write([]byte{'\n'})
		h.Write([]byte(ref))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// InstanceID derives the deterministic id of a run's instance for a category.
func InstanceID(fingerprint, category string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fingerprint+"|"+category)).String()
}

// --- calendars ---

type PublishCalendarOptions struct {
	Country  string
	Year     int
	Holidays []string
	// Labels optionally names holidays, keyed by date. Every key must
	// appear in Holidays.
	Labels  map[string]string
	ActorID string
}

// PublishCalendar stores a new immutable calendar version for (country, year).
func (e Engine) PublishCalendar(ctx context.Context, opts PublishCalendarOptions) (domain.Calendar, error) {
	if opts.Country == "" {
		return domain.Calendar{}, errors.New("country is required")
	}
	if opts.Year < 2000 || opts.Year > 2200 {
		return domain.Calendar{}, fmt.Errorf("implausible year %d", opts.Year)
	}
	seen := map[string]bool{}
	var holidays []string
	for _, d := range opts.Holidays {
		day, err := calendar.ParseDay(strings.TrimSpace(d))
		if err != nil {
			return domain.Calendar{}, err
		}
		if day.Year() != opts.Year {
			return domain.Calendar{}, fmt.Errorf("holiday %s outside year %d", d, opts.Year)
		}
		key := day.Format(calendar.DayFormat)
		if !seen[key] {
			seen[key] = true
			holidays = append(holidays, key)
		}
	}
	sort.Strings(holidays)

	var labels map[string]string
	for d, label := range opts.Labels {
		key := strings.TrimSpace(d)
		if !seen[key] {
			return domain.Calendar{}, fmt.Errorf("label for %s has no matching holiday", d)
		}
		if label == "" {
			continue
		}
		if labels == nil {
			labels = make(map[string]string)
		}
		labels[key] = label
	}

	latest, err := e.Repo.LatestCalendarVersion(ctx, opts.Country, opts.Year)
	if err != nil {
		return domain.Calendar{}, err
	}
	cal := domain.Calendar{
		ID:            fmt.Sprintf("cal-%s-%d-v%d", strings.ToLower(opts.Country), opts.Year, latest+1),
		Country:       opts.Country,
		Year:          opts.Year,
		Version:       latest + 1,
		Holidays:      holidays,
		HolidayLabels: labels,
		PublishedAt:   e.now().UTC().Format(time.RFC3339),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Calendar{}, err
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, e.orgID(), opts.ActorID, auth.PermCalendarPublish); err != nil {
		return domain.Calendar{}, err
	}
	if err := e.Auth.EnsureActor(ctx, tx, opts.ActorID); err != nil {
		return domain.Calendar{}, err
	}
	if err := e.Repo.InsertCalendarTx(ctx, tx, cal); err != nil {
		return domain.Calendar{}, fmt.Errorf("insert calendar: %w", err)
	}
	if err := e.ledger().Append(ctx, tx, "calendar.published", "", "calendar", cal.ID, opts.ActorID, ledger.EventPayload{
		"country": cal.Country, "year": cal.Year, "version": cal.Version, "holidays": len(cal.Holidays),
	}); err != nil {
		return domain.Calendar{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Calendar{}, err
	}
	return cal, nil
}

// --- templates ---

type StageSeed struct {
	Stage       string `yaml:"stage" json:"stage"`
	RoleBinding string `yaml:"role_binding" json:"role_binding"`
	Evidence    string `yaml:"evidence,omitempty" json:"evidence,omitempty"`
}

type TemplateSeed struct {
	Category       string      `yaml:"category" json:"category"`
	Name           string      `yaml:"name" json:"name"`
	Anchor         string      `yaml:"anchor" json:"anchor"`
	OffsetWorkdays int         `yaml:"offset_workdays" json:"offset_workdays"`
	Direction      string      `yaml:"direction" json:"direction"`
	RequiresFiling bool        `yaml:"requires_filing" json:"requires_filing"`
	Stages         []StageSeed `yaml:"stages" json:"stages"`
}

func (s TemplateSeed) validate() error {
	if s.Category == "" {
		return errors.New("template category is required")
	}
	if s.Name == "" {
		return fmt.Errorf("template %s: name is required", s.Category)
	}
	if s.Anchor != domain.AnchorPeriodStart && s.Anchor != domain.AnchorPeriodEnd {
		return fmt.Errorf("template %s: anchor must be period_start or period_end", s.Category)
	}
	if s.Direction != domain.DirectionBefore && s.Direction != domain.DirectionAfter {
		return fmt.Errorf("template %s: direction must be before or after", s.Category)
	}
	if s.OffsetWorkdays < 0 {
		return fmt.Errorf("template %s: offset_workdays must be >= 0", s.Category)
	}
	if len(s.Stages) == 0 {
		return fmt.Errorf("template %s: at least one stage is required", s.Category)
	}
	valid := map[string]bool{domain.StatePreparation: true, domain.StateReview: true, domain.StateApproval: true, domain.StateFiled: true}
	for _, st := range s.Stages {
		if !valid[st.Stage] {
			return fmt.Errorf("template %s: unknown stage %q", s.Category, st.Stage)
		}
		if _, err := raci.ParseBinding(st.RoleBinding); err != nil {
			return fmt.Errorf("template %s: %w", s.Category, err)
		}
	}
	return nil
}

// ImportTemplates creates a new version for each seed's category. Existing
// versions are never mutated; earlier actives are retired so the import
// becomes the latest active set.
func (e Engine) ImportTemplates(ctx context.Context, seeds []TemplateSeed, actorID string) ([]domain.TaskTemplate, error) {
	if len(seeds) == 0 {
		return nil, errors.New("no templates to import")
	}
	for _, s := range seeds {
		if err := s.validate(); err != nil {
			return nil, err
		}
	}
	// Version reads must precede the write transaction: they go through
	// the pool, and shared-cache SQLite blocks a pool read of a table the
	// open transaction has already written.
	next := make(map[string]int, len(seeds))
	for _, s := range seeds {
		if _, ok := next[s.Category]; ok {
			continue
		}
		latest, err := e.Repo.LatestTemplateVersion(ctx, s.Category)
		if err != nil {
			return nil, err
		}
		next[s.Category] = latest
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, e.orgID(), actorID, auth.PermTemplateImport); err != nil {
		return nil, err
	}
	if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
		return nil, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	var out []domain.TaskTemplate
	for _, s := range seeds {
		next[s.Category]++
		version := next[s.Category]
		t := domain.TaskTemplate{
			ID:             fmt.Sprintf("tpl-%s-v%d", s.Category, version),
			Category:       s.Category,
			Name:           s.Name,
			Version:        version,
			Active:         true,
			Anchor:         s.Anchor,
			OffsetWorkdays: s.OffsetWorkdays,
			Direction:      s.Direction,
			RequiresFiling: s.RequiresFiling,
			CreatedAt:      now,
		}
		for i, st := range s.Stages {
			t.Stages = append(t.Stages, domain.StageDef{Seq: i + 1, Stage: st.Stage, RoleBinding: st.RoleBinding, Evidence: st.Evidence})
		}
		if err := e.Repo.InsertTemplateTx(ctx, tx, t); err != nil {
			return nil, fmt.Errorf("import template %s: %w", s.Category, err)
		}
		if err := e.Repo.DeactivateCategoryTx(ctx, tx, s.Category, t.Version); err != nil {
			return nil, err
		}
		if err := e.ledger().Append(ctx, tx, "template.imported", "", "template", t.ID, actorID, ledger.EventPayload{
			"category": t.Category, "version": t.Version,
		}); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// ImportDirectory upserts employee directory rows and records the import.
func (e Engine) ImportDirectory(ctx context.Context, employees []domain.Employee, actorID string) error {
	if len(employees) == 0 {
		return errors.New("no directory entries to import")
	}
	for _, emp := range employees {
		if emp.Code == "" || emp.UserID == "" {
			return fmt.Errorf("directory entry needs code and user_id, got %+v", emp)
		}
		if err := e.Repo.UpsertEmployee(ctx, emp); err != nil {
			return err
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
		return err
	}
	if err := e.ledger().Append(ctx, tx, "directory.imported", "", "directory", "", actorID, ledger.EventPayload{
		"entries": len(employees),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SyncRBAC materializes the config's role definitions into the RBAC
// tables. Until this runs, no roles exist and permission checks are open.
func (e Engine) SyncRBAC(ctx context.Context, actorID string) error {
	if e.Config == nil || len(e.Config.RBAC.Roles) == 0 {
		return errors.New("config has no rbac roles")
	}
	for roleID, role := range e.Config.RBAC.Roles {
		if err := e.Repo.EnsureRole(ctx, roleID, role.Description); err != nil {
			return err
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.EnsurePermission(ctx, perm, ""); err != nil {
				return err
			}
			if err := e.Repo.GrantPermission(ctx, roleID, perm); err != nil {
				return err
			}
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
		return err
	}
	if err := e.ledger().Append(ctx, tx, "rbac.synced", "", "org", e.orgID(), actorID, ledger.EventPayload{
		"roles": len(e.Config.RBAC.Roles),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// --- generation ---

type GenerateOptions struct {
	Year            int
	Month           int
	CalendarVersion int
	TemplateIDs     []string
	ActorID         string
}

// Generation result statuses.
const (
	GenCompleted = "completed"
	GenNoop      = "no-op"
)

type GenerationResult struct {
	Status      string   `json:"status" enum:"completed,no-op"`
	Fingerprint string   `json:"fingerprint"`
	Period      string   `json:"period"`
	InstanceIDs []string `json:"instance_ids"`
	Exceptions  int      `json:"exceptions"`
}

// Generate expands the active (or pinned) template set for a close period
// into task instances with computed deadlines and assignment snapshots.
// The whole run happens in one transaction keyed by the fingerprint, so a
// repeat call is a no-op and a competing caller sees either the completed
// run or nothing.
func (e Engine) Generate(ctx context.Context, opts GenerateOptions) (GenerationResult, error) {
	if e.Config == nil {
		return GenerationResult{}, errors.New("config not loaded")
	}
	if opts.Month < 1 || opts.Month > 12 {
		return GenerationResult{}, fmt.Errorf("invalid month %d", opts.Month)
	}
	period := calendar.FormatPeriod(opts.Year, opts.Month)
	periodStart, periodEnd, err := calendar.PeriodBounds(period)
	if err != nil {
		return GenerationResult{}, err
	}

	view, err := calendar.Resolver{Repo: e.Repo}.Resolve(ctx, e.Config.Org.Country, opts.Year, opts.CalendarVersion, e.Config.WeekendDays())
	if err != nil {
		return GenerationResult{}, err
	}

	var templates []domain.TaskTemplate
	if len(opts.TemplateIDs) > 0 {
		templates, err = e.Repo.TemplatesByIDs(ctx, opts.TemplateIDs)
	} else {
		templates, err = e.Repo.ActiveTemplates(ctx)
	}
	if err != nil {
		return GenerationResult{}, err
	}
	if len(templates) == 0 {
		return GenerationResult{}, ErrNoActiveTemplates
	}

	calendarRef := fmt.Sprintf("%s@%d", view.Calendar.ID, view.Calendar.Version)
	var templateRefs []string
	for _, t := range templates {
		templateRefs = append(templateRefs, fmt.Sprintf("%s@%d", t.Category, t.Version))
	}
	fp := Fingerprint(period, calendarRef, templateRefs)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return GenerationResult{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.Require(ctx, tx, e.orgID(), opts.ActorID, auth.PermGenerate); err != nil {
		return GenerationResult{}, err
	}
	if err := e.Auth.EnsureActor(ctx, tx, opts.ActorID); err != nil {
		return GenerationResult{}, err
	}

	takeover := false
	run, err := e.Repo.GetRunTx(ctx, tx, fp)
	switch {
	case err == nil && run.Status == domain.RunCompleted:
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			return GenerationResult{}, err
		}
		ids, err := e.Repo.InstanceIDsByFingerprint(ctx, fp)
		if err != nil {
			return GenerationResult{}, err
		}
		return GenerationResult{Status: GenNoop, Fingerprint: fp, Period: period, InstanceIDs: ids}, nil
	case err == nil:
		// A pending or failed run left behind by a crash: discard its
		// partial instances and regenerate under the same fingerprint.
		takeover = true
		if err := e.Repo.DiscardRunInstancesTx(ctx, tx, fp); err != nil {
			return GenerationResult{}, fmt.Errorf("discard stale run: %w", err)
		}
	case errors.Is(err, repo.ErrNotFound):
		newRun := domain.GenerationRun{
			Fingerprint:     fp,
			Period:          period,
			CalendarID:      view.Calendar.ID,
			CalendarVersion: view.Calendar.Version,
			TemplateSet:     strings.Join(sortedRefs(templateRefs), ","),
			Status:          domain.RunPending,
			ActorID:         opts.ActorID,
			CreatedAt:       e.now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertRunTx(ctx, tx, newRun); err != nil {
			return GenerationResult{}, fmt.Errorf("acquire run slot: %w", err)
		}
	default:
		return GenerationResult{}, err
	}

	resolver := raci.Resolver{Config: e.Config, Directory: e.Repo}
	now := e.now().UTC().Format(time.RFC3339)
	result := GenerationResult{Status: GenCompleted, Fingerprint: fp, Period: period}

	for i, tpl := range templates {
		anchor := periodEnd
		if tpl.Anchor == domain.AnchorPeriodStart {
			anchor = periodStart
		}
		deadline := view.OffsetWorkdays(anchor, tpl.OffsetWorkdays, tpl.Direction)

		inst := domain.TaskInstance{
			ID:              InstanceID(fp, tpl.Category),
			Fingerprint:     fp,
			TemplateID:      tpl.ID,
			Category:        tpl.Category,
			TemplateVersion: tpl.Version,
			Period:          period,
			Seq:             i + 1,
			Deadline:        deadline.Format(calendar.DayFormat),
			State:           domain.StatePreparation,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		var unresolved []string
		for _, stage := range tpl.Stages {
			assignee, err := resolver.Resolve(ctx, stage.RoleBinding)
			if err != nil {
				return GenerationResult{}, fmt.Errorf("template %s stage %s: %w", tpl.Category, stage.Stage, err)
			}
			a := domain.StageAssignment{Stage: stage.Stage, RoleBinding: stage.RoleBinding}
			if assignee != nil {
				a.AssigneeID = &assignee.UserID
			} else {
				unresolved = append(unresolved, stage.RoleBinding)
			}
			inst.Assignments = append(inst.Assignments, a)
		}

		if err := e.Repo.InsertInstanceTx(ctx, tx, inst); err != nil {
			return GenerationResult{}, fmt.Errorf("insert instance %s: %w", tpl.Category, err)
		}
		if err := e.ledger().Append(ctx, tx, "instance.created", period, "instance", inst.ID, opts.ActorID, ledger.EventPayload{
			"category": inst.Category, "deadline": inst.Deadline, "seq": inst.Seq, "template": inst.TemplateID,
		}); err != nil {
			return GenerationResult{}, err
		}
		for _, binding := range unresolved {
			entry := domain.ExceptionEntry{
				InstanceID: inst.ID,
				Reason:     domain.ReasonUnassignedRole,
				Note:       fmt.Sprintf("role binding %s did not resolve", binding),
				RaisedBy:   opts.ActorID,
				RaisedAt:   now,
			}
			if _, err := e.Repo.InsertExceptionTx(ctx, tx, entry); err != nil {
				return GenerationResult{}, err
			}
			if err := e.ledger().Append(ctx, tx, "exception.raised", period, "instance", inst.ID, opts.ActorID, ledger.EventPayload{
				"reason": domain.ReasonUnassignedRole, "binding": binding,
			}); err != nil {
				return GenerationResult{}, err
			}
			result.Exceptions++
		}
		result.InstanceIDs = append(result.InstanceIDs, inst.ID)
	}

	if _, err := e.Repo.CompleteRunTx(ctx, tx, fp, len(result.InstanceIDs), e.now().UTC().Format(time.RFC3339)); err != nil {
		return GenerationResult{}, err
	}
	if err := e.ledger().Append(ctx, tx, "run.completed", period, "run", fp, opts.ActorID, ledger.EventPayload{
		"instances": len(result.InstanceIDs), "exceptions": result.Exceptions, "takeover": takeover,
	}); err != nil {
		return GenerationResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return GenerationResult{}, err
	}
	return result, nil
}

func sortedRefs(refs []string) []string {
	out := append([]string(nil), refs...)
	sort.Strings(out)
	return out
}
