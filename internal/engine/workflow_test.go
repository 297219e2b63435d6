package engine_test

import (
	"errors"
	"testing"
	"time"

	"closeline/internal/domain"
	"closeline/internal/engine"
	"closeline/internal/engine/auth"
)

func TestWorkflowHappyPath(t *testing.T) {
	env := newTestEnv(t)
	seedClose(t, env)
	res := generateMarch(t, env)
	vat := instanceByCategory(t, env, res, "vat-filing")

	inst, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		InstanceID: vat.ID, To: domain.StateReview, ActorID: "user-100",
	})
	if err != nil || inst.State != domain.StateReview {
		t.Fatalf("to review: %v (%s)", err, inst.State)
	}
	inst, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		InstanceID: vat.ID, To: domain.StateApproval, ActorID: "user-staff",
	})
	if err != nil || inst.State != domain.StateApproval {
		t.Fatalf("to approval: %v (%s)", err, inst.State)
	}

	// The filed stage demands evidence, so the bare transition is refused.
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		InstanceID: vat.ID, To: domain.StateFiled, ActorID: "user-ctrl",
	})
	var terr engine.TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected evidence refusal, got %v", err)
	}
	inst, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		InstanceID: vat.ID, To: domain.StateFiled, ActorID: "user-ctrl", Note: "BIR ref 2550Q-0316",
	})
	if err != nil || inst.State != domain.StateFiled {
		t.Fatalf("to filed: %v (%s)", err, inst.State)
	}
	if inst.ClosedAt == nil {
		t.Fatal("filed instance must carry closed_at")
	}
}

func TestWorkflowClosesAtApprovalWithoutFiling(t *testing.T) {
	env := newTestEnv(t)
	seedClose(t, env)
	res := generateMarch(t, env)
	bank := instanceByCategory(t, env, res, "bank-reconciliation")

	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{InstanceID: bank.ID, To: domain.StateReview, ActorID: "alice"}); err != nil {
		t.Fatal(err)
	}
	inst, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{InstanceID: bank.ID, To: domain.StateApproval, ActorID: "user-ctrl"})
	if err != nil {
		t.Fatal(err)
	}
	if inst.ClosedAt == nil {
		t.Fatal("non-filing instance closes at approval")
	}
	// Filed is not reachable without a filing obligation.
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{InstanceID: bank.ID, To: domain.StateFiled, ActorID: "user-ctrl"}); err == nil {
		t.Fatal("expected refusal of filed without requires_filing")
	}
}

func TestWorkflowNoStageSkipping(t *testing.T) {
	env := newTestEnv(t)
	seedClose(t, env)
	res := generateMarch(t, env)
	bank := instanceByCategory(t, env, res, "bank-reconciliation")

	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{InstanceID: bank.ID, To: domain.StateApproval, ActorID: "alice"})
	var terr engine.TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected transition error, got %v", err)
	}
}

func TestFastTrackIsRecordedDistinctly(t *testing.T) {
	env := newTestEnv(t)
	seedClose(t, env)
	res := generateMarch(t, env)
	bank := instanceByCategory(t, env, res, "bank-reconciliation")

	inst, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		InstanceID: bank.ID, To: domain.StateApproval, ActorID: "user-ctrl", FastTrack: true, Note: "quarter-end crunch",
	})
	if err != nil || inst.State != domain.StateApproval {
		t.Fatalf("fast-track: %v (%s)", err, inst.State)
	}
	trail, err := env.Engine.Repo.TransitionsForInstance(env.Ctx, bank.ID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range trail {
		if e.Type == "instance.fast_tracked" {
			found = true
		}
	}
	if !found {
		t.Fatal("fast-track must appear as its own ledger event")
	}
}

func TestFastTrackRequiresPermission(t *testing.T) {
	env := newTestEnv(t)
	seedClose(t, env)
	res := generateMarch(t, env)
	bank := instanceByCategory(t, env, res, "bank-reconciliation")

	if err := env.Engine.SyncRBAC(env.Ctx, "tester"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.AssignRole(env.Ctx, "org-1", "alice", "preparer"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.AssignRole(env.Ctx, "org-1", "user-ctrl", "controller"); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		InstanceID: bank.ID, To: domain.StateApproval, ActorID: "alice", FastTrack: true,
	})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("got %v, want ForbiddenError", err)
	}

	inst, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		InstanceID: bank.ID, To: domain.StateApproval, ActorID: "user-ctrl", FastTrack: true,
	})
	if err != nil || inst.State != domain.StateApproval {
		t.Fatalf("controller fast-track: %v", err)
	}
}

func TestNoExitFromTerminalStates(t *testing.T) {
	env := newTestEnv(t)
	seedClose(t, env)
	res := generateMarch(t, env)
	bank := instanceByCategory(t, env, res, "bank-reconciliation")

	inst, err := env.Engine.Cancel(env.Ctx, engine.CancelOptions{InstanceID: bank.ID, ActorID: "user-ctrl", Note: "duplicate task"})
	if err != nil || inst.State != domain.StateCancelled {
		t.Fatalf("cancel: %v (%s)", err, inst.State)
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{InstanceID: bank.ID, To: domain.StateReview, ActorID: "alice"}); err == nil {
		t.Fatal("transition out of cancelled must fail")
	}
	if _, err := env.Engine.Cancel(env.Ctx, engine.CancelOptions{InstanceID: bank.ID, ActorID: "user-ctrl"}); err == nil {
		t.Fatal("double cancel must fail")
	}
	if _, err := env.Engine.RaiseException(env.Ctx, engine.ExceptionOptions{
		InstanceID: bank.ID, Reason: domain.ReasonDeadlineConflict, ActorID: "alice",
	}); err == nil {
		t.Fatal("exception on cancelled must fail")
	}
}

func TestExceptionReturnsToInterruptedState(t *testing.T) {
	env := newTestEnv(t)
	seedClose(t, env)
	res := generateMarch(t, env)
	vat := instanceByCategory(t, env, res, "vat-filing")

	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{InstanceID: vat.ID, To: domain.StateReview, ActorID: "user-100"}); err != nil {
		t.Fatal(err)
	}
	inst, err := env.Engine.RaiseException(env.Ctx, engine.ExceptionOptions{
		InstanceID: vat.ID, Reason: domain.ReasonMissingEvidence, Note: "bank statement pending", ActorID: "user-staff",
	})
	if err != nil || inst.State != domain.StateException {
		t.Fatalf("raise: %v (%s)", err, inst.State)
	}
	if inst.ResumeState == nil || *inst.ResumeState != domain.StateReview {
		t.Fatalf("resume state = %v", inst.ResumeState)
	}
	// Parked instances accept no forward transitions.
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{InstanceID: vat.ID, To: domain.StateApproval, ActorID: "user-staff"}); err == nil {
		t.Fatal("transition while exception open must fail")
	}

	inst, err = env.Engine.ResolveException(env.Ctx, engine.ResolveOptions{InstanceID: vat.ID, Note: "statement received", ActorID: "user-staff"})
	if err != nil {
		t.Fatal(err)
	}
	if inst.State != domain.StateReview || inst.ResumeState != nil {
		t.Fatalf("after resolve: %s / %v", inst.State, inst.ResumeState)
	}
	entries, err := env.Engine.Repo.ListExceptions(env.Ctx, vat.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ResolvedAt == nil {
		t.Fatalf("entries: %+v", entries)
	}
}

func TestRaiseRejectsUnknownReason(t *testing.T) {
	env := newTestEnv(t)
	seedClose(t, env)
	res := generateMarch(t, env)
	_, err := env.Engine.RaiseException(env.Ctx, engine.ExceptionOptions{
		InstanceID: res.InstanceIDs[0], Reason: "vibes", ActorID: "alice",
	})
	if err == nil {
		t.Fatal("expected reason taxonomy rejection")
	}
}

func TestStaleTransitionRejected(t *testing.T) {
	env := newTestEnv(t)
	seedClose(t, env)
	res := generateMarch(t, env)
	bank := instanceByCategory(t, env, res, "bank-reconciliation")

	// Caller believes the instance is already in review; it is not.
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		InstanceID: bank.ID, From: domain.StateReview, To: domain.StateApproval, ActorID: "user-ctrl",
	})
	if !errors.Is(err, engine.ErrStaleTransition) {
		t.Fatalf("got %v, want ErrStaleTransition", err)
	}
}

func TestResolveGenerationExceptionInPlace(t *testing.T) {
	env := newTestEnv(t)
	seedClose(t, env)
	if _, err := env.Engine.ImportTemplates(env.Ctx, []engine.TemplateSeed{
		{
			Category: "payroll-accrual", Name: "Payroll Accrual",
			Anchor: "period_end", OffsetWorkdays: 2, Direction: "before",
			Stages: []engine.StageSeed{
				{Stage: "preparation", RoleBinding: "emp:E999"},
				{Stage: "review", RoleBinding: "role:finance.controller"},
			},
		},
	}, "tester"); err != nil {
		t.Fatal(err)
	}
	res := generateMarch(t, env)
	inst := instanceByCategory(t, env, res, "payroll-accrual")

	resolved, err := env.Engine.ResolveException(env.Ctx, engine.ResolveOptions{InstanceID: inst.ID, Note: "reassigned manually", ActorID: "user-ctrl"})
	if err != nil {
		t.Fatal(err)
	}
	if resolved.State != domain.StatePreparation {
		t.Fatalf("state after in-place resolve = %s", resolved.State)
	}
	open, err := env.Engine.Repo.ListExceptions(env.Ctx, inst.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Fatalf("open entries remain: %+v", open)
	}
}

func TestOverdueIsDerived(t *testing.T) {
	env := newTestEnv(t)
	seedClose(t, env)
	res := generateMarch(t, env)
	vat := instanceByCategory(t, env, res, "vat-filing")

	if !engine.IsOverdue(vat, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatal("past-deadline open instance must be overdue")
	}
	if engine.IsOverdue(vat, time.Date(2026, 3, 24, 0, 0, 0, 0, time.UTC)) {
		t.Fatal("deadline day itself is not overdue")
	}

	overdue, err := env.Engine.ListOverdue(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(overdue) != 2 {
		t.Fatalf("overdue count = %d", len(overdue))
	}

	cancelled, err := env.Engine.Cancel(env.Ctx, engine.CancelOptions{InstanceID: vat.ID, ActorID: "user-ctrl"})
	if err != nil {
		t.Fatal(err)
	}
	if engine.IsOverdue(cancelled, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatal("terminal states are never overdue")
	}
}
