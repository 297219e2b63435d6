package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"closeline/internal/config"
	"closeline/internal/db"
	"closeline/internal/domain"
	"closeline/internal/engine"
	"closeline/internal/migrate"
	"closeline/internal/repo"
)

func repoFilters(period string) repo.InstanceFilters {
	return repo.InstanceFilters{Period: period}
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("org-1")
	cfg.Org.Country = "PH"
	cfg.RACI.Departments = map[string]map[string]string{
		"finance": {"controller": "user-ctrl", "staff": "user-staff"},
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.InitOrg(ctx, "org-1", "PH", "tester"); err != nil {
		t.Fatalf("init org: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

// seedClose publishes the 2026 calendar, imports the close templates and
// loads the employee directory.
func seedClose(t *testing.T, env testEnv) {
	t.Helper()
	_, err := env.Engine.PublishCalendar(env.Ctx, engine.PublishCalendarOptions{
		Country: "PH",
		Year:    2026,
		Holidays: []string{
			"2026-01-01", "2026-04-09", "2026-06-12", "2026-12-25", "2026-12-30",
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("publish calendar: %v", err)
	}
	_, err = env.Engine.ImportTemplates(env.Ctx, []engine.TemplateSeed{
		{
			Category: "bank-reconciliation", Name: "Bank Reconciliation",
			Anchor: "period_start", OffsetWorkdays: 3, Direction: "after",
			Stages: []engine.StageSeed{
				{Stage: "preparation", RoleBinding: "user:alice"},
				{Stage: "review", RoleBinding: "role:finance.staff"},
				{Stage: "approval", RoleBinding: "role:finance.controller"},
			},
		},
		{
			Category: "vat-filing", Name: "VAT Filing",
			Anchor: "period_end", OffsetWorkdays: 5, Direction: "before", RequiresFiling: true,
			Stages: []engine.StageSeed{
				{Stage: "preparation", RoleBinding: "emp:E100"},
				{Stage: "review", RoleBinding: "role:finance.staff"},
				{Stage: "approval", RoleBinding: "role:finance.controller"},
				{Stage: "filed", RoleBinding: "role:finance.controller", Evidence: "filing reference"},
			},
		},
	}, "tester")
	if err != nil {
		t.Fatalf("import templates: %v", err)
	}
	err = env.Engine.ImportDirectory(env.Ctx, []domain.Employee{
		{Code: "E100", UserID: "user-100", Department: "finance", Active: true},
	}, "tester")
	if err != nil {
		t.Fatalf("import directory: %v", err)
	}
}

func generateMarch(t *testing.T, env testEnv) engine.GenerationResult {
	t.Helper()
	res, err := env.Engine.Generate(env.Ctx, engine.GenerateOptions{Year: 2026, Month: 3, ActorID: "tester"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return res
}

func instanceByCategory(t *testing.T, env testEnv, res engine.GenerationResult, category string) domain.TaskInstance {
	t.Helper()
	for _, id := range res.InstanceIDs {
		inst, err := env.Engine.Repo.GetInstance(env.Ctx, id)
		if err != nil {
			t.Fatalf("get instance %s: %v", id, err)
		}
		if inst.Category == category {
			return inst
		}
	}
	t.Fatalf("no instance for category %s", category)
	return domain.TaskInstance{}
}

func TestGenerateComputesDeadlines(t *testing.T) {
	env := newTestEnv(t)
	seedClose(t, env)
	res := generateMarch(t, env)
	if res.Status != engine.GenCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if len(res.InstanceIDs) != 2 {
		t.Fatalf("got %d instances", len(res.InstanceIDs))
	}

	vat := instanceByCategory(t, env, res, "vat-filing")
	if vat.Deadline != "2026-03-24" {
		t.Fatalf("vat deadline = %s, want 2026-03-24", vat.Deadline)
	}
	if vat.State != domain.StatePreparation {
		t.Fatalf("vat state = %s", vat.State)
	}

	bank := instanceByCategory(t, env, res, "bank-reconciliation")
	if bank.Deadline != "2026-03-04" {
		t.Fatalf("bank deadline = %s, want 2026-03-04", bank.Deadline)
	}
	// categories sort bank-reconciliation before vat-filing
	if bank.Seq != 1 || vat.Seq != 2 {
		t.Fatalf("seq = %d/%d", bank.Seq, vat.Seq)
	}
}

func TestGenerateResolvesAssignments(t *testing.T) {
	env := newTestEnv(t)
	seedClose(t, env)
	res := generateMarch(t, env)

	vat := instanceByCategory(t, env, res, "vat-filing")
	want := map[string]string{
		"preparation": "user-100",
		"review":      "user-staff",
		"approval":    "user-ctrl",
		"filed":       "user-ctrl",
	}
	if len(vat.Assignments) != len(want) {
		t.Fatalf("got %d assignments", len(vat.Assignments))
	}
	for _, a := range vat.Assignments {
		if a.AssigneeID == nil || *a.AssigneeID != want[a.Stage] {
			t.Fatalf("stage %s assignee = %v, want %s", a.Stage, a.AssigneeID, want[a.Stage])
		}
	}
	if res.Exceptions != 0 {
		t.Fatalf("unexpected exceptions: %d", res.Exceptions)
	}
}

func TestGenerateIdempotent(t *testing.T) {
	env := newTestEnv(t)
	seedClose(t, env)
	first := generateMarch(t, env)
	second := generateMarch(t, env)

	if second.Status != engine.GenNoop {
		t.Fatalf("second status = %s, want no-op", second.Status)
	}
	if second.Fingerprint != first.Fingerprint {
		t.Fatalf("fingerprint changed across identical runs")
	}
	if len(second.InstanceIDs) != len(first.InstanceIDs) {
		t.Fatalf("instance count changed: %d vs %d", len(first.InstanceIDs), len(second.InstanceIDs))
	}
	for i := range first.InstanceIDs {
		if second.InstanceIDs[i] != first.InstanceIDs[i] {
			t.Fatalf("instance ids differ at %d", i)
		}
	}
	all, err := env.Engine.Repo.ListInstances(env.Ctx, repoFilters("2026-03"))
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("instances duplicated: %d", len(all))
	}
}

func TestGenerateTakesOverStaleRun(t *testing.T) {
	env := newTestEnv(t)
	seedClose(t, env)
	first := generateMarch(t, env)

	// Simulate a crash that left the run unfinished.
	if _, err := env.Engine.DB.Exec(`UPDATE generation_runs SET status='pending', completed_at=NULL WHERE fingerprint=?`, first.Fingerprint); err != nil {
		t.Fatal(err)
	}
	second := generateMarch(t, env)
	if second.Status != engine.GenCompleted {
		t.Fatalf("takeover status = %s", second.Status)
	}
	for i := range first.InstanceIDs {
		if second.InstanceIDs[i] != first.InstanceIDs[i] {
			t.Fatalf("deterministic ids broken on takeover")
		}
	}
	run, err := env.Engine.Repo.GetRun(env.Ctx, first.Fingerprint)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunCompleted || run.InstanceCount != 2 {
		t.Fatalf("run after takeover: %+v", run)
	}
}

func TestGenerateUnresolvedRole(t *testing.T) {
	env := newTestEnv(t)
	seedClose(t, env)
	_, err := env.Engine.ImportTemplates(env.Ctx, []engine.TemplateSeed{
		{
			Category: "payroll-accrual", Name: "Payroll Accrual",
			Anchor: "period_end", OffsetWorkdays: 2, Direction: "before",
			Stages: []engine.StageSeed{
				{Stage: "preparation", RoleBinding: "emp:E999"},
				{Stage: "review", RoleBinding: "role:finance.controller"},
			},
		},
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	res := generateMarch(t, env)
	if res.Exceptions != 1 {
		t.Fatalf("exceptions = %d, want 1", res.Exceptions)
	}

	inst := instanceByCategory(t, env, res, "payroll-accrual")
	if inst.State != domain.StatePreparation {
		t.Fatalf("state = %s, instance must still be created", inst.State)
	}
	for _, a := range inst.Assignments {
		if a.Stage == "preparation" && a.AssigneeID != nil {
			t.Fatalf("absent employee code must not resolve, got %s", *a.AssigneeID)
		}
	}
	entries, err := env.Engine.Repo.ListExceptions(env.Ctx, inst.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Reason != domain.ReasonUnassignedRole {
		t.Fatalf("exception entries: %+v", entries)
	}
}

func TestGenerateFailsWithoutCalendar(t *testing.T) {
	env := newTestEnv(t)
	seedClose(t, env)
	_, err := env.Engine.Generate(env.Ctx, engine.GenerateOptions{Year: 2027, Month: 1, ActorID: "tester"})
	if err == nil {
		t.Fatal("expected calendar error")
	}
}

func TestGenerateFailsWithoutTemplates(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.PublishCalendar(env.Ctx, engine.PublishCalendarOptions{Country: "PH", Year: 2026, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Generate(env.Ctx, engine.GenerateOptions{Year: 2026, Month: 3, ActorID: "tester"})
	if !errors.Is(err, engine.ErrNoActiveTemplates) {
		t.Fatalf("got %v, want ErrNoActiveTemplates", err)
	}
}

func TestTemplateReimportChangesFingerprint(t *testing.T) {
	env := newTestEnv(t)
	seedClose(t, env)
	first := generateMarch(t, env)

	_, err := env.Engine.ImportTemplates(env.Ctx, []engine.TemplateSeed{
		{
			Category: "vat-filing", Name: "VAT Filing",
			Anchor: "period_end", OffsetWorkdays: 7, Direction: "before", RequiresFiling: true,
			Stages: []engine.StageSeed{
				{Stage: "preparation", RoleBinding: "emp:E100"},
				{Stage: "review", RoleBinding: "role:finance.controller"},
			},
		},
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	tpl, err := env.Engine.Repo.GetTemplate(env.Ctx, "tpl-vat-filing-v2")
	if err != nil {
		t.Fatal(err)
	}
	if tpl.Version != 2 || !tpl.Active {
		t.Fatalf("reimport: %+v", tpl)
	}
	old, err := env.Engine.Repo.GetTemplate(env.Ctx, "tpl-vat-filing-v1")
	if err != nil {
		t.Fatal(err)
	}
	if old.Active {
		t.Fatal("old version must be retired")
	}

	second := generateMarch(t, env)
	if second.Fingerprint == first.Fingerprint {
		t.Fatal("template change must change the fingerprint")
	}
	if second.Status != engine.GenCompleted {
		t.Fatalf("status = %s", second.Status)
	}
}

func TestCalendarVersioning(t *testing.T) {
	env := newTestEnv(t)
	seedClose(t, env)
	first := generateMarch(t, env)

	// New calendar version adds a holiday inside the offset window.
	cal, err := env.Engine.PublishCalendar(env.Ctx, engine.PublishCalendarOptions{
		Country: "PH", Year: 2026, Holidays: []string{"2026-03-26"}, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cal.Version != 2 {
		t.Fatalf("version = %d", cal.Version)
	}
	second := generateMarch(t, env)
	if second.Fingerprint == first.Fingerprint {
		t.Fatal("calendar version must change the fingerprint")
	}
	vat := instanceByCategory(t, env, second, "vat-filing")
	if vat.Deadline != "2026-03-23" {
		t.Fatalf("vat deadline under v2 = %s, want 2026-03-23", vat.Deadline)
	}

	// Pinning the old version still reproduces the old deadline.
	pinned, err := env.Engine.Generate(env.Ctx, engine.GenerateOptions{Year: 2026, Month: 3, CalendarVersion: 1, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if pinned.Status != engine.GenNoop || pinned.Fingerprint != first.Fingerprint {
		t.Fatalf("pinned rerun: %+v", pinned)
	}
}

func TestImportTemplatesBatch(t *testing.T) {
	env := newTestEnv(t)
	stages := []engine.StageSeed{
		{Stage: "preparation", RoleBinding: "role:finance.staff"},
		{Stage: "review", RoleBinding: "role:finance.controller"},
	}
	out, err := env.Engine.ImportTemplates(env.Ctx, []engine.TemplateSeed{
		{Category: "accruals", Name: "Accruals", Anchor: "period_end", OffsetWorkdays: 2, Direction: "before", Stages: stages},
		{Category: "fx-revaluation", Name: "FX Revaluation", Anchor: "period_end", OffsetWorkdays: 1, Direction: "before", Stages: stages},
		{Category: "accruals", Name: "Accruals", Anchor: "period_end", OffsetWorkdays: 3, Direction: "before", Stages: stages},
	}, "tester")
	if err != nil {
		t.Fatalf("batch import: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("imported %d templates, want 3", len(out))
	}
	if out[0].ID != "tpl-accruals-v1" || out[1].ID != "tpl-fx-revaluation-v1" || out[2].ID != "tpl-accruals-v2" {
		t.Fatalf("ids: %s %s %s", out[0].ID, out[1].ID, out[2].ID)
	}

	active, err := env.Engine.Repo.ActiveTemplates(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Fatalf("active templates = %d, want 2", len(active))
	}
	if active[0].Category != "accruals" || active[0].Version != 2 {
		t.Fatalf("accruals active: %+v", active[0])
	}
	if active[1].Category != "fx-revaluation" || active[1].Version != 1 {
		t.Fatalf("fx-revaluation active: %+v", active[1])
	}
}

func TestCalendarHolidayLabels(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.PublishCalendar(env.Ctx, engine.PublishCalendarOptions{
		Country:  "PH",
		Year:     2026,
		Holidays: []string{"2026-04-09", "2026-06-12"},
		Labels:   map[string]string{"2026-04-09": "Araw ng Kagitingan"},
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	cal, err := env.Engine.Repo.GetCalendar(env.Ctx, "PH", 2026, 0)
	if err != nil {
		t.Fatal(err)
	}
	if cal.HolidayLabels["2026-04-09"] != "Araw ng Kagitingan" {
		t.Fatalf("labels: %+v", cal.HolidayLabels)
	}
	if _, ok := cal.HolidayLabels["2026-06-12"]; ok {
		t.Fatal("unlabeled holiday must stay unlabeled")
	}

	_, err = env.Engine.PublishCalendar(env.Ctx, engine.PublishCalendarOptions{
		Country:  "PH",
		Year:     2026,
		Holidays: []string{"2026-01-01"},
		Labels:   map[string]string{"2026-12-25": "Christmas"},
		ActorID:  "tester",
	})
	if err == nil {
		t.Fatal("label without a matching holiday must be rejected")
	}
}

func TestGenerationLedgerTrail(t *testing.T) {
	env := newTestEnv(t)
	seedClose(t, env)
	res := generateMarch(t, env)

	events, err := env.Engine.Repo.RunsByFingerprint(env.Ctx, res.Fingerprint)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != "run.completed" {
		t.Fatalf("run trail: %+v", events)
	}
	trail, err := env.Engine.Repo.TransitionsForInstance(env.Ctx, res.InstanceIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(trail) == 0 || trail[0].Type != "instance.created" {
		t.Fatalf("instance trail: %+v", trail)
	}
	if events[0].TS != "2026-04-01T09:00:00Z" {
		t.Fatalf("event ts = %s, want the pinned clock", events[0].TS)
	}
}
