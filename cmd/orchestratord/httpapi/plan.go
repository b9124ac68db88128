package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/flowmesh/orchestrator/internal/graph"
	"github.com/flowmesh/orchestrator/internal/orcherrors"
	"github.com/flowmesh/orchestrator/internal/plan"
)

// PlanService is the narrow surface httpapi depends on so it never imports
// a concrete *plan.Factory/*graph.Graph directly; mirrors Router's Client
// interface idiom of depending on behavior, not a package-level singleton.
type PlanService interface {
	CreatePlan(opts plan.CreateOptions) (*plan.CreateResult, error)
	CreatePlanById(planID string, opts plan.CreateOptions) (*plan.CreateResult, error)
	Execute(result *plan.CreateResult) (*graph.Result, error)
}

// PlanHandler serves the plan creation/execution API.
type PlanHandler struct {
	service PlanService
}

// NewPlanHandler builds a PlanHandler.
func NewPlanHandler(service PlanService) *PlanHandler {
	return &PlanHandler{service: service}
}

type createPlanRequest struct {
	Goal         string                 `json:"goal"`
	PlanID       string                 `json:"planId"`
	WorkflowType string                 `json:"workflowType"`
	Variables    map[string]interface{} `json:"variables"`
	TenantID     string                 `json:"tenantId"`
	UserID       string                 `json:"userId"`
	SessionID    string                 `json:"sessionId"`
	Execute      bool                   `json:"execute"`
}

type createPlanResponse struct {
	ExecutionID string        `json:"executionId"`
	PlanID      string        `json:"planId"`
	Goal        string        `json:"goal"`
	Result      *graph.Result `json:"result,omitempty"`
}

// ServeHTTP handles POST /plans.
func (h *PlanHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, orcherrors.New("httpapi.plan", orcherrors.KindValidation, orcherrors.ErrInvalidPlan))
		return
	}

	var req createPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, orcherrors.New("httpapi.plan", orcherrors.KindValidation, orcherrors.ErrInvalidPlan))
		return
	}

	opts := plan.CreateOptions{
		Goal:         req.Goal,
		PlanID:       req.PlanID,
		WorkflowType: plan.WorkflowType(req.WorkflowType),
		Variables:    req.Variables,
		TenantID:     req.TenantID,
		UserID:       req.UserID,
		SessionID:    req.SessionID,
	}

	var result *plan.CreateResult
	var err error
	if req.PlanID != "" {
		result, err = h.service.CreatePlanById(req.PlanID, opts)
	} else {
		result, err = h.service.CreatePlan(opts)
	}
	if err != nil {
		WriteError(w, err)
		return
	}

	resp := createPlanResponse{ExecutionID: result.ExecutionID, PlanID: result.Definition.ID, Goal: result.Goal}
	if req.Execute {
		execResult, err := h.service.Execute(result)
		if err != nil {
			WriteError(w, err)
			return
		}
		resp.Result = execResult
	}
	WriteJSON(w, resp)
}
