package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"closeline/internal/calendar"
	"closeline/internal/domain"
	"closeline/internal/engine/auth"
	"closeline/internal/ledger"
	"closeline/internal/repo"
)

// ErrStaleTransition means the instance changed state under the caller;
// reload and retry against the current state.
var ErrStaleTransition = errors.New("stale transition, instance state changed")

// TransitionError is a workflow legality violation.
type TransitionError struct {
	InstanceID string
	From       string
	To         string
	Reason     string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("instance %s: %s -> %s not allowed: %s", e.InstanceID, e.From, e.To, e.Reason)
}

type TransitionOptions struct {
	InstanceID string
	From       string
	To         string
	ActorID    string
	Note       string
	FastTrack  bool
}

// Transition advances an instance along the stage path. Forward moves
// only; the single sanctioned skip is the fast-track from preparation to
// approval, which needs the fast-track permission and is recorded as its
// own ledger event. The update is conditioned on the caller's last-known
// state so concurrent writers cannot double-apply.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (domain.TaskInstance, error) {
	inst, err := e.Repo.GetInstance(ctx, opts.InstanceID)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	from := opts.From
	if from == "" {
		from = inst.State
	}
	if domain.TerminalState(inst.State) {
		return domain.TaskInstance{}, TransitionError{inst.ID, inst.State, opts.To, "terminal state"}
	}
	if inst.State == domain.StateException {
		return domain.TaskInstance{}, TransitionError{inst.ID, inst.State, opts.To, "resolve the open exception first"}
	}
	tpl, err := e.Repo.GetTemplate(ctx, inst.TemplateID)
	if err != nil {
		return domain.TaskInstance{}, fmt.Errorf("load template %s: %w", inst.TemplateID, err)
	}
	fastTrack := opts.FastTrack && from == domain.StatePreparation && opts.To == domain.StateApproval
	if !fastTrack {
		if err := ensureForward(inst.ID, from, opts.To, tpl.RequiresFiling); err != nil {
			return domain.TaskInstance{}, err
		}
	}
	if stage := stageDef(tpl, opts.To); stage != nil && stage.Evidence != "" && opts.Note == "" {
		return domain.TaskInstance{}, TransitionError{inst.ID, from, opts.To,
			fmt.Sprintf("stage %s requires evidence (%s), provide a note", opts.To, stage.Evidence)}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	defer tx.Rollback()

	perm := auth.PermTransition
	if fastTrack {
		perm = auth.PermFastTrack
	}
	if err := e.Auth.Require(ctx, tx, e.orgID(), opts.ActorID, perm); err != nil {
		return domain.TaskInstance{}, err
	}
	if err := e.Auth.EnsureActor(ctx, tx, opts.ActorID); err != nil {
		return domain.TaskInstance{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	var closedAt *string
	if closes(opts.To, tpl.RequiresFiling) {
		closedAt = &now
	}
	ok, err := e.Repo.UpdateInstanceStateTx(ctx, tx, inst.ID, from, opts.To, nil, now, closedAt)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	if !ok {
		return domain.TaskInstance{}, fmt.Errorf("instance %s: %w", inst.ID, ErrStaleTransition)
	}

	evtType := "instance.transitioned"
	if fastTrack {
		evtType = "instance.fast_tracked"
	}
	if err := e.ledger().Append(ctx, tx, evtType, inst.Period, "instance", inst.ID, opts.ActorID, ledger.EventPayload{
		"from": from, "to": opts.To, "note": opts.Note,
	}); err != nil {
		return domain.TaskInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskInstance{}, err
	}
	return e.Repo.GetInstance(ctx, inst.ID)
}

// ensureForward enforces the linear stage path without skips.
func ensureForward(instanceID, from, to string, requiresFiling bool) error {
	next := map[string]string{
		domain.StatePreparation: domain.StateReview,
		domain.StateReview:      domain.StateApproval,
	}
	if requiresFiling {
		next[domain.StateApproval] = domain.StateFiled
	}
	want, ok := next[from]
	if !ok {
		return TransitionError{instanceID, from, to, "no further stage"}
	}
	if to != want {
		return TransitionError{instanceID, from, to, fmt.Sprintf("next stage is %s", want)}
	}
	return nil
}

// closes reports whether entering a state ends the happy path. Templates
// without a filing obligation close at approval.
func closes(to string, requiresFiling bool) bool {
	if to == domain.StateFiled {
		return true
	}
	return to == domain.StateApproval && !requiresFiling
}

func stageDef(tpl domain.TaskTemplate, stage string) *domain.StageDef {
	for i := range tpl.Stages {
		if tpl.Stages[i].Stage == stage {
			return &tpl.Stages[i]
		}
	}
	return nil
}

type ExceptionOptions struct {
	InstanceID string
	Reason     string
	Note       string
	ActorID    string
}

// RaiseException parks a non-terminal instance and remembers the state it
// interrupted so resolution can return there.
func (e Engine) RaiseException(ctx context.Context, opts ExceptionOptions) (domain.TaskInstance, error) {
	if !domain.ValidExceptionReason(opts.Reason) {
		return domain.TaskInstance{}, fmt.Errorf("unknown exception reason %q", opts.Reason)
	}
	inst, err := e.Repo.GetInstance(ctx, opts.InstanceID)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	if domain.TerminalState(inst.State) {
		return domain.TaskInstance{}, TransitionError{inst.ID, inst.State, domain.StateException, "terminal state"}
	}
	if inst.State == domain.StateException {
		return domain.TaskInstance{}, TransitionError{inst.ID, inst.State, domain.StateException, "exception already open"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, e.orgID(), opts.ActorID, auth.PermTransition); err != nil {
		return domain.TaskInstance{}, err
	}
	if err := e.Auth.EnsureActor(ctx, tx, opts.ActorID); err != nil {
		return domain.TaskInstance{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	resume := inst.State
	ok, err := e.Repo.UpdateInstanceStateTx(ctx, tx, inst.ID, inst.State, domain.StateException, &resume, now, nil)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	if !ok {
		return domain.TaskInstance{}, fmt.Errorf("instance %s: %w", inst.ID, ErrStaleTransition)
	}
	entry := domain.ExceptionEntry{
		InstanceID: inst.ID,
		Reason:     opts.Reason,
		Note:       opts.Note,
		RaisedBy:   opts.ActorID,
		RaisedAt:   now,
	}
	if _, err := e.Repo.InsertExceptionTx(ctx, tx, entry); err != nil {
		return domain.TaskInstance{}, err
	}
	if err := e.ledger().Append(ctx, tx, "exception.raised", inst.Period, "instance", inst.ID, opts.ActorID, ledger.EventPayload{
		"reason": opts.Reason, "interrupted": resume, "note": opts.Note,
	}); err != nil {
		return domain.TaskInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskInstance{}, err
	}
	return e.Repo.GetInstance(ctx, inst.ID)
}

type ResolveOptions struct {
	InstanceID string
	Note       string
	ActorID    string
}

// ResolveException closes the newest open exception entry. An instance
// parked in the exception state returns to the state it interrupted;
// generation-time unassigned_role entries on an instance still in
// preparation resolve in place without a state change.
func (e Engine) ResolveException(ctx context.Context, opts ResolveOptions) (domain.TaskInstance, error) {
	inst, err := e.Repo.GetInstance(ctx, opts.InstanceID)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	if inst.State == domain.StateException && inst.ResumeState == nil {
		return domain.TaskInstance{}, fmt.Errorf("instance %s in exception without resume state", inst.ID)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, e.orgID(), opts.ActorID, auth.PermTransition); err != nil {
		return domain.TaskInstance{}, err
	}
	if err := e.Auth.EnsureActor(ctx, tx, opts.ActorID); err != nil {
		return domain.TaskInstance{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	entry, err := e.Repo.OpenExceptionTx(ctx, tx, inst.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.TaskInstance{}, TransitionError{inst.ID, inst.State, "", "no open exception"}
	}
	if err != nil {
		return domain.TaskInstance{}, err
	}
	if _, err := e.Repo.ResolveExceptionTx(ctx, tx, entry.ID, opts.ActorID, now); err != nil {
		return domain.TaskInstance{}, err
	}
	resumed := inst.State
	if inst.State == domain.StateException {
		resumed = *inst.ResumeState
		ok, err := e.Repo.UpdateInstanceStateTx(ctx, tx, inst.ID, domain.StateException, resumed, nil, now, nil)
		if err != nil {
			return domain.TaskInstance{}, err
		}
		if !ok {
			return domain.TaskInstance{}, fmt.Errorf("instance %s: %w", inst.ID, ErrStaleTransition)
		}
	}
	if err := e.ledger().Append(ctx, tx, "exception.resolved", inst.Period, "instance", inst.ID, opts.ActorID, ledger.EventPayload{
		"reason": entry.Reason, "resumed": resumed, "note": opts.Note,
	}); err != nil {
		return domain.TaskInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskInstance{}, err
	}
	return e.Repo.GetInstance(ctx, inst.ID)
}

type CancelOptions struct {
	InstanceID string
	Note       string
	ActorID    string
}

// Cancel terminates an instance from any non-terminal state. The row is
// kept; cancellation preserves the audit trail.
func (e Engine) Cancel(ctx context.Context, opts CancelOptions) (domain.TaskInstance, error) {
	inst, err := e.Repo.GetInstance(ctx, opts.InstanceID)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	if domain.TerminalState(inst.State) {
		return domain.TaskInstance{}, TransitionError{inst.ID, inst.State, domain.StateCancelled, "terminal state"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, e.orgID(), opts.ActorID, auth.PermCancel); err != nil {
		return domain.TaskInstance{}, err
	}
	if err := e.Auth.EnsureActor(ctx, tx, opts.ActorID); err != nil {
		return domain.TaskInstance{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	ok, err := e.Repo.UpdateInstanceStateTx(ctx, tx, inst.ID, inst.State, domain.StateCancelled, nil, now, &now)
	if err != nil {
		return domain.TaskInstance{}, err
	}
	if !ok {
		return domain.TaskInstance{}, fmt.Errorf("instance %s: %w", inst.ID, ErrStaleTransition)
	}
	if err := e.ledger().Append(ctx, tx, "instance.cancelled", inst.Period, "instance", inst.ID, opts.ActorID, ledger.EventPayload{
		"from": inst.State, "note": opts.Note,
	}); err != nil {
		return domain.TaskInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskInstance{}, err
	}
	return e.Repo.GetInstance(ctx, inst.ID)
}

// IsOverdue reports whether an instance has passed its deadline without
// reaching a terminal state. Escalation is a derived signal, not a state.
func IsOverdue(inst domain.TaskInstance, now time.Time) bool {
	if domain.TerminalState(inst.State) {
		return false
	}
	return inst.Deadline < now.UTC().Format(calendar.DayFormat)
}

// ListOverdue surfaces overdue instances for external escalation scans.
func (e Engine) ListOverdue(ctx context.Context) ([]domain.TaskInstance, error) {
	return e.Repo.ListInstances(ctx, repo.InstanceFilters{OverdueAt: e.now().UTC().Format(calendar.DayFormat)})
}
