package main

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/orchestrator/internal/graph"
	"github.com/flowmesh/orchestrator/internal/plan"
	"github.com/flowmesh/orchestrator/internal/sse"
	"github.com/flowmesh/orchestrator/internal/telemetry"
)

// planService implements httpapi.PlanService over a concrete *plan.Factory
// and the SSE event log: every materialized graph is registered with a
// shared dispatch listener that translates graph lifecycle events into
// PlanEvents keyed by the graph's own id (the execution id), so a
// subscriber on /plan/{planId}/events observes execution progress live.
//
// graph.Graph only accepts listeners at construction (graph.WithEventListener
// inside plan.Factory.materialize), so the listener itself must be a fixed
// method value attached via CreateOptions.EventListener before the graph id
// is known; runs tracks the (graph id -> plan id, trace id, step metadata)
// mapping the listener resolves against once events start arriving.
type planService struct {
	factory *plan.Factory
	events  *sse.EventLog
	tel     telemetry.Telemetry

	mu   sync.Mutex
	runs map[string]*runMeta
}

type runMeta struct {
	planID  string
	traceID string
	steps   map[string]plan.StepDefinition
}

func newPlanService(factory *plan.Factory, events *sse.EventLog, tel telemetry.Telemetry) *planService {
	if tel == nil {
		tel = telemetry.NoOp{}
	}
	return &planService{factory: factory, events: events, tel: tel, runs: make(map[string]*runMeta)}
}

func (s *planService) CreatePlan(opts plan.CreateOptions) (*plan.CreateResult, error) {
	opts.EventListener = s.dispatch
	result, err := s.factory.CreatePlan(opts)
	if err != nil {
		return nil, err
	}
	s.register(result)
	return result, nil
}

func (s *planService) CreatePlanById(planID string, opts plan.CreateOptions) (*plan.CreateResult, error) {
	opts.EventListener = s.dispatch
	result, err := s.factory.CreatePlanById(planID, opts)
	if err != nil {
		return nil, err
	}
	s.register(result)
	return result, nil
}

func (s *planService) register(result *plan.CreateResult) {
	steps := make(map[string]plan.StepDefinition, len(result.Definition.Steps))
	for _, st := range result.Definition.Steps {
		steps[st.ID] = st
	}
	s.mu.Lock()
	s.runs[result.ExecutionID] = &runMeta{
		planID:  result.Definition.ID,
		traceID: uuid.NewString(),
		steps:   steps,
	}
	s.mu.Unlock()
}

// Execute runs result.Graph to completion, then drops the run's bookkeeping
// entry; the event stream's own history buffer is what SSE replay serves
// from after this point, not planService.
func (s *planService) Execute(result *plan.CreateResult) (*graph.Result, error) {
	defer func() {
		s.mu.Lock()
		delete(s.runs, result.ExecutionID)
		s.mu.Unlock()
	}()

	ctx, span := s.tel.StartSpan(context.Background(), "plan.execute")
	defer span.End()
	span.SetAttribute("plan.id", result.Definition.ID)
	span.SetAttribute("execution.id", result.ExecutionID)

	res, err := result.Graph.Execute(ctx, graph.NewContext(result.Variables))
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	span.SetAttribute("nodes.completed", res.Completed)
	span.SetAttribute("nodes.failed", res.Failed)
	s.tel.RecordMetric("plan_executions_total", 1, map[string]string{
		"plan_id": result.Definition.ID,
	})
	return res, nil
}

// dispatch is the single graph.EventListener every materialized graph is
// built with; it resolves the firing graph's run metadata and translates
// the event into a PlanEvent on the shared log.
func (s *planService) dispatch(evt graph.Event) {
	if evt.NodeID == "" {
		return
	}

	s.mu.Lock()
	meta, ok := s.runs[evt.GraphID]
	s.mu.Unlock()
	if !ok {
		return
	}
	step := meta.steps[evt.NodeID]

	snapshot := sse.StepSnapshot{
		ID:               evt.NodeID,
		Action:           step.Action,
		Tool:             step.Tool,
		Capability:       step.Capability,
		Labels:           step.Labels,
		TimeoutSeconds:   step.TimeoutSeconds,
		ApprovalRequired: step.ApprovalRequired,
		Attempt:          evt.Attempt,
	}

	switch evt.Type {
	case graph.EventNodeStarted:
		snapshot.State = sse.StepRunning
	case graph.EventNodeRetry:
		snapshot.State = sse.StepRunning
		snapshot.Summary = "retrying"
	case graph.EventNodeBlocked:
		snapshot.State = sse.StepRejected
		if evt.Err != nil {
			snapshot.Summary = evt.Err.Error()
		}
	case graph.EventNodeCompleted:
		snapshot.State = sse.StepCompleted
		snapshot.Output = evt.Output
	case graph.EventNodeFailed:
		snapshot.State = sse.StepFailed
		if evt.Err != nil {
			snapshot.Summary = evt.Err.Error()
		}
	default:
		return
	}

	s.events.Publish(sse.PlanEvent{
		PlanID:     meta.planID,
		TraceID:    meta.traceID,
		OccurredAt: time.Now(),
		Step:       snapshot,
	})
}
