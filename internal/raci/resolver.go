package raci

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"closeline/internal/config"
	"closeline/internal/domain"
	"closeline/internal/repo"
)

// Binding kinds.
const (
	KindUser = "user"
	KindEmp  = "emp"
	KindRole = "role"
)

// Assignee sources, recorded so the snapshot explains itself.
const (
	SourceOverride   = "override"
	SourceDirect     = "direct"
	SourceDirectory  = "directory"
	SourceDepartment = "department"
	SourceFallback   = "fallback"
)

type Binding struct {
	Raw        string
	Kind       string
	UserID     string
	Code       string
	Department string
	Role       string
}

// ParseBinding splits "user:<id>", "emp:<code>" or "role:<dept>.<role>".
func ParseBinding(raw string) (Binding, error) {
	kind, rest, ok := strings.Cut(raw, ":")
	if !ok || rest == "" {
		return Binding{}, fmt.Errorf("malformed role binding %q", raw)
	}
	b := Binding{Raw: raw, Kind: kind}
	switch kind {
	case KindUser:
		b.UserID = rest
	case KindEmp:
		b.Code = rest
	case KindRole:
		dept, role, ok := strings.Cut(rest, ".")
		if !ok || dept == "" || role == "" {
			return Binding{}, fmt.Errorf("malformed role binding %q, want role:<dept>.<role>", raw)
		}
		b.Department = dept
		b.Role = role
	default:
		return Binding{}, fmt.Errorf("unknown binding kind %q in %q", kind, raw)
	}
	return b, nil
}

// Directory looks up employee codes. Satisfied by repo.Repo.
type Directory interface {
	GetEmployeeByCode(ctx context.Context, code string) (domain.Employee, error)
}

type Assignee struct {
	UserID string
	Source string
}

// Resolver turns role bindings into concrete user ids at generation time.
// Lookup order: exact config override, then the binding's own channel,
// then the fallback user for role bindings only. Employee bindings get no
// fallback: a code that does not resolve must surface as an exception,
// not silently land on a default owner.
type Resolver struct {
	Config    *config.Config
	Directory Directory
}

// Resolve returns nil when the binding parses but no owner can be found.
// The caller records that as an unassigned_role exception.
func (r Resolver) Resolve(ctx context.Context, raw string) (*Assignee, error) {
	b, err := ParseBinding(raw)
	if err != nil {
		return nil, err
	}
	if r.Config != nil {
		if user, ok := r.Config.RACI.Overrides[raw]; ok && user != "" {
			return &Assignee{UserID: user, Source: SourceOverride}, nil
		}
	}
	switch b.Kind {
	case KindUser:
		return &Assignee{UserID: b.UserID, Source: SourceDirect}, nil
	case KindEmp:
		emp, err := r.Directory.GetEmployeeByCode(ctx, b.Code)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if !emp.Active {
			return nil, nil
		}
		return &Assignee{UserID: emp.UserID, Source: SourceDirectory}, nil
	case KindRole:
		if r.Config != nil {
			if user := r.Config.RACI.Departments[b.Department][b.Role]; user != "" {
				return &Assignee{UserID: user, Source: SourceDepartment}, nil
			}
			if user := r.Config.RACI.FallbackUser; user != "" {
				return &Assignee{UserID: user, Source: SourceFallback}, nil
			}
		}
		return nil, nil
	}
	return nil, nil
}
