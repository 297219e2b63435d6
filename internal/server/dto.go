package server

import (
	"closeline/internal/domain"
	"closeline/internal/engine"
)

type GenerateRequest struct {
	CalendarVersion int      `json:"calendar_version,omitempty" doc:"Pin a calendar version; 0 selects the latest published"`
	TemplateIDs     []string `json:"template_ids,omitempty" doc:"Pin explicit template versions; empty selects the active set"`
}

type GenerateResponse struct {
	Status      string   `json:"status" enum:"completed,no-op"`
	Fingerprint string   `json:"fingerprint"`
	Period      string   `json:"period"`
	InstanceIDs []string `json:"instance_ids"`
	Exceptions  int      `json:"exceptions"`
}

func toGenerateResponse(res engine.GenerationResult) GenerateResponse {
	return GenerateResponse{
		Status:      res.Status,
		Fingerprint: res.Fingerprint,
		Period:      res.Period,
		InstanceIDs: res.InstanceIDs,
		Exceptions:  res.Exceptions,
	}
}

type InstanceResponse struct {
	domain.TaskInstance
	Overdue bool `json:"overdue"`
}

type TransitionRequest struct {
	From      string `json:"from,omitempty" enum:",preparation,review,approval" doc:"Caller's last-known state; stale values are rejected"`
	To        string `json:"to" enum:"review,approval,filed"`
	Note      string `json:"note,omitempty"`
	FastTrack bool   `json:"fast_track,omitempty"`
}

type RaiseExceptionRequest struct {
	Reason string `json:"reason" enum:"unassigned_role,missing_evidence,deadline_conflict,reassignment_needed"`
	Note   string `json:"note,omitempty"`
}

type ResolveExceptionRequest struct {
	Note string `json:"note,omitempty"`
}

type CancelRequest struct {
	Note string `json:"note,omitempty"`
}

type PublishCalendarRequest struct {
	Country  string            `json:"country"`
	Year     int               `json:"year"`
	Holidays []string          `json:"holidays,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

type ImportTemplatesRequest struct {
	Templates []engine.TemplateSeed `json:"templates"`
}

type ImportDirectoryRequest struct {
	Employees []domain.Employee `json:"employees"`
}

type WorkdayQueryResponse struct {
	Anchor    string `json:"anchor" format:"date"`
	Offset    int    `json:"offset"`
	Direction string `json:"direction" enum:"before,after"`
	Result    string `json:"result" format:"date"`
}
