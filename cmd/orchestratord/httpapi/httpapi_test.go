package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/orchestrator/internal/coalesce"
	"github.com/flowmesh/orchestrator/internal/graph"
	"github.com/flowmesh/orchestrator/internal/orcherrors"
	"github.com/flowmesh/orchestrator/internal/plan"
	"github.com/flowmesh/orchestrator/internal/provider"
)

type fakePlanService struct {
	created   *plan.CreateResult
	createErr error

	execResult *graph.Result
	execErr    error
	executed   int
}

func (f *fakePlanService) CreatePlan(opts plan.CreateOptions) (*plan.CreateResult, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.created, nil
}

func (f *fakePlanService) CreatePlanById(planID string, opts plan.CreateOptions) (*plan.CreateResult, error) {
	return f.CreatePlan(opts)
}

func (f *fakePlanService) Execute(result *plan.CreateResult) (*graph.Result, error) {
	f.executed++
	if f.execErr != nil {
		return nil, f.execErr
	}
	return f.execResult, nil
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPlanHandler_CreateOnly(t *testing.T) {
	svc := &fakePlanService{
		created: &plan.CreateResult{
			ExecutionID: "exec-1",
			Definition:  plan.Definition{ID: "p1"},
			Goal:        "triage the alert",
		},
	}
	h := NewPlanHandler(svc)

	rec := postJSON(t, h, "/plans", `{"goal":"triage the alert"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp createPlanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "exec-1", resp.ExecutionID)
	assert.Equal(t, "p1", resp.PlanID)
	assert.Nil(t, resp.Result)
	assert.Zero(t, svc.executed)
}

func TestPlanHandler_CreateAndExecute(t *testing.T) {
	svc := &fakePlanService{
		created: &plan.CreateResult{
			ExecutionID: "exec-2",
			Definition:  plan.Definition{ID: "p1"},
		},
		execResult: &graph.Result{Success: true, Completed: 3, Outputs: map[string]interface{}{}},
	}
	h := NewPlanHandler(svc)

	rec := postJSON(t, h, "/plans", `{"planId":"p1","execute":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp createPlanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Result)
	assert.True(t, resp.Result.Success)
	assert.Equal(t, 3, resp.Result.Completed)
	assert.Equal(t, 1, svc.executed)
}

func TestPlanHandler_PlanNotFoundMapsTo404(t *testing.T) {
	svc := &fakePlanService{
		createErr: orcherrors.NewWithID("plan.byID", orcherrors.KindState, "missing", orcherrors.ErrPlanNotFound),
	}
	h := NewPlanHandler(svc)

	rec := postJSON(t, h, "/plans", `{"planId":"missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_found")
}

func TestPlanHandler_RejectsNonPostAndBadJSON(t *testing.T) {
	h := NewPlanHandler(&fakePlanService{})

	req := httptest.NewRequest(http.MethodGet, "/plans", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, h, "/plans", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")
}

type fakeChatRouter struct {
	lastReq provider.ChatRequest
	resp    provider.ChatResponse
	err     error
}

func (f *fakeChatRouter) RouteChat(_ context.Context, req provider.ChatRequest) (provider.ChatResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return provider.ChatResponse{}, f.err
	}
	return f.resp, nil
}

func TestChatHandler_RoutesOptimizedPromptThroughCoalescer(t *testing.T) {
	router := &fakeChatRouter{resp: provider.ChatResponse{Provider: "mistral", Text: "hello"}}
	optimizer := coalesce.NewOptimizer(nil, 0.9)
	coalescer := coalesce.New(time.Second, 10, nil)
	h := NewChatHandler(router, optimizer, coalescer)

	rec := postJSON(t, h, "/chat", `{"prompt":"Please note that   I have a question"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.NotContains(t, router.lastReq.Prompt, "Please note that", "prompt should reach the router optimized")
	assert.Contains(t, rec.Body.String(), "hello")
	assert.Contains(t, rec.Body.String(), "mistral")
}

func TestChatHandler_AllProvidersFailedStatusPropagates(t *testing.T) {
	router := &fakeChatRouter{err: &provider.AllProvidersFailedError{
		Status:   401,
		Failures: []provider.AttemptFailure{{Provider: "openai", Message: "missing API key", Status: 401}},
	}}
	h := NewChatHandler(router, nil, nil)

	rec := postJSON(t, h, "/chat", `{"prompt":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "upstream_error")
}

func TestChatHandler_RejectsNonPost(t *testing.T) {
	h := NewChatHandler(&fakeChatRouter{}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/chat", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWriteError_StatusMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", orcherrors.New("op", orcherrors.KindValidation, orcherrors.ErrInvalidPlan), http.StatusBadRequest, "invalid_request"},
		{"not found", orcherrors.New("op", orcherrors.KindState, orcherrors.ErrPlanNotFound), http.StatusNotFound, "not_found"},
		{"forbidden", orcherrors.New("op", orcherrors.KindState, orcherrors.ErrProviderNotEnabled), http.StatusForbidden, "forbidden"},
		{"timeout", orcherrors.New("op", orcherrors.KindTimeout, orcherrors.ErrNodeTimeout), http.StatusBadGateway, "upstream_error"},
		{"plain error", errors.New("anything else"), http.StatusBadRequest, "bad_request"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tc.err)
			assert.Equal(t, tc.wantStatus, rec.Code)

			var env Envelope
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
			assert.Equal(t, tc.wantCode, env.Code)
		})
	}
}
