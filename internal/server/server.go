package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"closeline/internal/calendar"
	"closeline/internal/domain"
	"closeline/internal/engine"
	"closeline/internal/engine/auth"
	"closeline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stale_transition"`
	Message string         `json:"message" example:"instance state changed under the caller"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Closeline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Closeline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerGeneration(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerInstances(group, cfg.Engine)
	registerCalendars(group, cfg.Engine)
	registerTemplates(group, cfg.Engine)
	registerDirectory(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startNotifyDispatcher(cfg.Engine)
	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var te engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusUnprocessableEntity, "illegal_transition", err.Error(), map[string]any{
			"instance_id": te.InstanceID, "from": te.From, "to": te.To,
		})
	}
	if errors.Is(err, engine.ErrStaleTransition) {
		return newAPIError(http.StatusConflict, "stale_transition", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, calendar.ErrCalendarNotFound) {
		return newAPIError(http.StatusUnprocessableEntity, "calendar_not_published", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrNoActiveTemplates) {
		return newAPIError(http.StatusUnprocessableEntity, "no_active_templates", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unique") || strings.Contains(lowered, "constraint"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") ||
		strings.Contains(lowered, "malformed"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerGeneration(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "generate-period",
		Method:      http.MethodPost,
		Path:        "/periods/{year}/{month}/generate",
		Summary:     "Generate close tasks for a period",
		Description: "Idempotent: repeating the call with identical inputs is a no-op returning the original instance ids.",
	}, func(ctx context.Context, input *struct {
		Year  int `path:"year" minimum:"2000" maximum:"2200"`
		Month int `path:"month" minimum:"1" maximum:"12"`
		Body  GenerateRequest
	}) (*struct {
		Body GenerateResponse
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Generate(ctx, engine.GenerateOptions{
			Year:            input.Year,
			Month:           input.Month,
			CalendarVersion: input.Body.CalendarVersion,
			TemplateIDs:     input.Body.TemplateIDs,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GenerateResponse
		}{Body: toGenerateResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "period-status",
		Method:      http.MethodGet,
		Path:        "/periods/{year}/{month}/status",
		Summary:     "Instance counts by state for a period",
	}, func(ctx context.Context, input *struct {
		Year  int `path:"year"`
		Month int `path:"month"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		period := calendar.FormatPeriod(input.Year, input.Month)
		counts, err := e.Repo.CountInstancesByState(ctx, period)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"period": period, "states": counts}}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List generation runs",
	}, func(ctx context.Context, input *struct {
		Period string `query:"period"`
	}) (*struct {
		Body []domain.GenerationRun `json:"body"`
	}, error) {
		runs, err := e.Repo.ListRuns(ctx, input.Period)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.GenerationRun `json:"body"`
		}{Body: runs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{fingerprint}",
		Summary:     "Get a generation run by fingerprint",
	}, func(ctx context.Context, input *struct {
		Fingerprint string `path:"fingerprint"`
	}) (*struct {
		Body domain.GenerationRun `json:"body"`
	}, error) {
		run, err := e.Repo.GetRun(ctx, input.Fingerprint)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.GenerationRun `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-events",
		Method:      http.MethodGet,
		Path:        "/runs/{fingerprint}/events",
		Summary:     "Ledger trail of a fingerprint",
	}, func(ctx context.Context, input *struct {
		Fingerprint string `path:"fingerprint"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		events, err := e.Repo.RunsByFingerprint(ctx, input.Fingerprint)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: events}, nil
	})
}

func registerInstances(api huma.API, e engine.Engine) {
	type instancePath struct {
		InstanceID string `path:"instance_id"`
	}
	toResponse := func(inst domain.TaskInstance) InstanceResponse {
		return InstanceResponse{TaskInstance: inst, Overdue: engine.IsOverdue(inst, time.Now())}
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/instances",
		Summary:     "List task instances",
	}, func(ctx context.Context, input *struct {
		Period   string `query:"period"`
		State    string `query:"state" enum:",preparation,review,approval,filed,exception,cancelled"`
		Category string `query:"category"`
		Assignee string `query:"assignee"`
		Overdue  bool   `query:"overdue" doc:"Only instances past their deadline and not terminal"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []InstanceResponse `json:"body"`
	}, error) {
		filters := repo.InstanceFilters{
			Period:     input.Period,
			State:      input.State,
			Category:   input.Category,
			AssigneeID: input.Assignee,
			Limit:      input.Limit,
		}
		if input.Overdue {
			filters.OverdueAt = time.Now().UTC().Format(calendar.DayFormat)
		}
		instances, err := e.Repo.ListInstances(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]InstanceResponse, 0, len(instances))
		for _, inst := range instances {
			out = append(out, toResponse(inst))
		}
		return &struct {
			Body []InstanceResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}",
		Summary:     "Get a task instance",
	}, func(ctx context.Context, input *instancePath) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		inst, err := e.Repo.GetInstance(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: toResponse(inst)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "instance-events",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/events",
		Summary:     "Ledger trail of an instance",
	}, func(ctx context.Context, input *instancePath) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		events, err := e.Repo.TransitionsForInstance(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: events}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "instance-exceptions",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/exceptions",
		Summary:     "Exception log of an instance",
	}, func(ctx context.Context, input *struct {
		instancePath
		Open bool `query:"open" doc:"Only unresolved entries"`
	}) (*struct {
		Body []domain.ExceptionEntry `json:"body"`
	}, error) {
		entries, err := e.Repo.ListExceptions(ctx, input.InstanceID, input.Open)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ExceptionEntry `json:"body"`
		}{Body: entries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-instance",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/transition",
		Summary:     "Advance an instance along the stage path",
		Errors:      []int{http.StatusConflict, http.StatusUnprocessableEntity, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		instancePath
		Body TransitionRequest
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.Transition(ctx, engine.TransitionOptions{
			InstanceID: input.InstanceID,
			From:       input.Body.From,
			To:         input.Body.To,
			ActorID:    actorID,
			Note:       input.Body.Note,
			FastTrack:  input.Body.FastTrack,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: toResponse(inst)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "raise-exception",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/exception",
		Summary:     "Park an instance with an exception",
	}, func(ctx context.Context, input *struct {
		instancePath
		Body RaiseExceptionRequest
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.RaiseException(ctx, engine.ExceptionOptions{
			InstanceID: input.InstanceID,
			Reason:     input.Body.Reason,
			Note:       input.Body.Note,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: toResponse(inst)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-exception",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/exception/resolve",
		Summary:     "Resolve the open exception",
	}, func(ctx context.Context, input *struct {
		instancePath
		Body ResolveExceptionRequest
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.ResolveException(ctx, engine.ResolveOptions{
			InstanceID: input.InstanceID,
			Note:       input.Body.Note,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: toResponse(inst)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-instance",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/cancel",
		Summary:     "Cancel an instance (terminal, audit-preserving)",
	}, func(ctx context.Context, input *struct {
		instancePath
		Body CancelRequest
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.Cancel(ctx, engine.CancelOptions{
			InstanceID: input.InstanceID,
			Note:       input.Body.Note,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: toResponse(inst)}, nil
	})
}

func registerCalendars(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "publish-calendar",
		Method:        http.MethodPost,
		Path:          "/calendars",
		Summary:       "Publish a new calendar version",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body PublishCalendarRequest
	}) (*struct {
		Body domain.Calendar `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cal, err := e.PublishCalendar(ctx, engine.PublishCalendarOptions{
			Country:  input.Body.Country,
			Year:     input.Body.Year,
			Holidays: input.Body.Holidays,
			Labels:   input.Body.Labels,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Calendar `json:"body"`
		}{Body: cal}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-calendars",
		Method:      http.MethodGet,
		Path:        "/calendars",
		Summary:     "List published calendars",
	}, func(ctx context.Context, input *struct {
		Country string `query:"country"`
	}) (*struct {
		Body []domain.Calendar `json:"body"`
	}, error) {
		cals, err := e.Repo.ListCalendars(ctx, input.Country)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Calendar `json:"body"`
		}{Body: cals}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-calendar",
		Method:      http.MethodGet,
		Path:        "/calendars/{country}/{year}",
		Summary:     "Get a calendar (latest or pinned version)",
	}, func(ctx context.Context, input *struct {
		Country string `path:"country"`
		Year    int    `path:"year"`
		Version int    `query:"version"`
	}) (*struct {
		Body domain.Calendar `json:"body"`
	}, error) {
		cal, err := e.Repo.GetCalendar(ctx, input.Country, input.Year, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Calendar `json:"body"`
		}{Body: cal}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "calendar-offset",
		Method:      http.MethodGet,
		Path:        "/calendars/{country}/{year}/offset",
		Summary:     "Compute a workday offset against a calendar",
	}, func(ctx context.Context, input *struct {
		Country   string `path:"country"`
		Year      int    `path:"year"`
		Version   int    `query:"version"`
		Anchor    string `query:"anchor" format:"date" required:"true"`
		Offset    int    `query:"offset" minimum:"0"`
		Direction string `query:"direction" enum:"before,after" required:"true"`
	}) (*struct {
		Body WorkdayQueryResponse `json:"body"`
	}, error) {
		anchor, err := calendar.ParseDay(input.Anchor)
		if err != nil {
			return nil, handleError(err)
		}
		var weekend map[time.Weekday]bool
		if e.Config != nil {
			weekend = e.Config.WeekendDays()
		}
		view, err := calendar.Resolver{Repo: e.Repo}.Resolve(ctx, input.Country, input.Year, input.Version, weekend)
		if err != nil {
			return nil, handleError(err)
		}
		result := view.OffsetWorkdays(anchor, input.Offset, input.Direction)
		return &struct {
			Body WorkdayQueryResponse `json:"body"`
		}{Body: WorkdayQueryResponse{
			Anchor:    input.Anchor,
			Offset:    input.Offset,
			Direction: input.Direction,
			Result:    result.Format(calendar.DayFormat),
		}}, nil
	})
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "import-templates",
		Method:        http.MethodPost,
		Path:          "/templates/import",
		Summary:       "Import template versions",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body ImportTemplatesRequest
	}) (*struct {
		Body []domain.TaskTemplate `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.ImportTemplates(ctx, input.Body.Templates, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TaskTemplate `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List templates",
	}, func(ctx context.Context, input *struct {
		Category string `query:"category"`
		Active   bool   `query:"active"`
	}) (*struct {
		Body []domain.TaskTemplate `json:"body"`
	}, error) {
		out, err := e.Repo.ListTemplates(ctx, input.Category, input.Active)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TaskTemplate `json:"body"`
		}{Body: out}, nil
	})
}

func registerDirectory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "import-directory",
		Method:      http.MethodPost,
		Path:        "/directory/import",
		Summary:     "Import employee directory entries",
	}, func(ctx context.Context, input *struct {
		Body ImportDirectoryRequest
	}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ImportDirectory(ctx, input.Body.Employees, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"imported": len(input.Body.Employees)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-directory",
		Method:      http.MethodGet,
		Path:        "/directory",
		Summary:     "List employee directory",
	}, func(ctx context.Context, input *struct {
		Department string `query:"department"`
	}) (*struct {
		Body []domain.Employee `json:"body"`
	}, error) {
		out, err := e.Repo.ListEmployees(ctx, input.Department)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Employee `json:"body"`
		}{Body: out}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List ledger events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		After      int64  `query:"after" doc:"Return events with id greater than this cursor, ascending"`
		Period     string `query:"period"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		var events []domain.Event
		var err error
		if input.After > 0 {
			events, err = e.Repo.EventsAfter(ctx, limit, input.After)
		} else {
			events, err = e.Repo.LatestEvents(ctx, limit, input.Period, input.Type, input.EntityKind, input.EntityID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: events}, nil
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}
