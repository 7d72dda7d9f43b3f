package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
	"github.com/airweave-ai/airweave-core/internal/usageguardrail"
)

// DashboardStore is the narrow seam into per-period usage totals that
// the usage dashboard needs beyond usageguardrail.Guardrail's
// allow/increment surface (spec.md §6 "GET /usage/dashboard"). The
// concrete BillingPeriod/Usage schema is out of scope (spec.md §1).
type DashboardStore interface {
	PeriodTotals(ctx context.Context, orgID string, periodID string) (PeriodTotals, error)
	PreviousPeriodTotals(ctx context.Context, orgID string, periodID string) (PeriodTotals, error)
}

// PeriodTotals is one billing period's cumulative + dynamic usage.
type PeriodTotals struct {
	PeriodID           string `json:"period_id"`
	Entities           int64  `json:"entities"`
	Queries            int64  `json:"queries"`
	SourceConnections  int64  `json:"source_connections"`
	TeamMembers        int64  `json:"team_members"`
}

// trendDeadbandPct is spec.md §6's "±5% deadband" for up/down/stable
// trend classification.
const trendDeadbandPct = 0.05

func trend(current, previous int64) string {
	if previous == 0 {
		if current == 0 {
			return "stable"
		}
		return "up"
	}
	delta := float64(current-previous) / float64(previous)
	switch {
	case delta > trendDeadbandPct:
		return "up"
	case delta < -trendDeadbandPct:
		return "down"
	default:
		return "stable"
	}
}

type checkActionsRequest struct {
	Actions map[usageguardrail.Action]int64 `json:"actions"`
}

type actionResult struct {
	Allowed bool           `json:"allowed"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type checkActionsResponse struct {
	Results map[usageguardrail.Action]actionResult `json:"results"`
}

// CheckActions implements POST /usage/check-actions (spec.md §6): a
// batch guardrail check, one result per requested action, never
// aborting the whole request because one action is disallowed.
func (s *Server) CheckActions(w http.ResponseWriter, r *http.Request) {
	ac, _ := apiContextFrom(r.Context())

	var req checkActionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.KindValidation, err, "invalid request body"))
		return
	}

	resp := checkActionsResponse{Results: make(map[usageguardrail.Action]actionResult, len(req.Actions))}
	for action, amount := range req.Actions {
		if err := s.Usage.IsAllowed(r.Context(), ac.Organization.ID, action, amount); err != nil {
			ae := apperrorsFrom(err)
			resp.Results[action] = actionResult{Allowed: false, Reason: string(ae.Kind), Details: ae.Details}
			continue
		}
		resp.Results[action] = actionResult{Allowed: true}
	}
	writeJSON(w, http.StatusOK, resp)
}

type dashboardResponse struct {
	Current  PeriodTotals `json:"current"`
	Previous PeriodTotals `json:"previous"`
	Trends   map[string]string `json:"trends"`
}

// UsageDashboard implements GET /usage/dashboard?period_id= (spec.md §6).
func (s *Server) UsageDashboard(w http.ResponseWriter, r *http.Request) {
	ac, _ := apiContextFrom(r.Context())
	periodID := r.URL.Query().Get("period_id")

	if s.Dashboard == nil {
		writeJSON(w, http.StatusOK, dashboardResponse{Trends: map[string]string{}})
		return
	}

	current, err := s.Dashboard.PeriodTotals(r.Context(), ac.Organization.ID.String(), periodID)
	if err != nil {
		writeError(w, err)
		return
	}
	previous, err := s.Dashboard.PreviousPeriodTotals(r.Context(), ac.Organization.ID.String(), periodID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, dashboardResponse{
		Current:  current,
		Previous: previous,
		Trends: map[string]string{
			"entities":           trend(current.Entities, previous.Entities),
			"queries":            trend(current.Queries, previous.Queries),
			"source_connections": trend(current.SourceConnections, previous.SourceConnections),
			"team_members":       trend(current.TeamMembers, previous.TeamMembers),
		},
	})
}
