// Package sse implements the per-plan event fan-out: a bounded
// ring-buffered EventLog with replay and idempotence, and an HTTP
// handler that enforces per-IP/per-subject subscriber quotas and streams
// events with backpressure-safe keep-alives.
package sse

import (
	"reflect"
	"time"
)

// StepState is a plan step's lifecycle state as seen by subscribers.
type StepState string

const (
	StepQueued          StepState = "queued"
	StepRunning         StepState = "running"
	StepWaitingApproval StepState = "waiting_approval"
	StepCompleted       StepState = "completed"
	StepFailed          StepState = "failed"
	StepDeadLettered    StepState = "dead_lettered"
	StepRejected        StepState = "rejected"
)

// StepSnapshot is the step-state fragment of a PlanEvent.
type StepSnapshot struct {
	ID               string                 `json:"id"`
	Action           string                 `json:"action"`
	Tool             string                 `json:"tool"`
	State            StepState              `json:"state"`
	Capability       string                 `json:"capability,omitempty"`
	Labels           []string               `json:"labels,omitempty"`
	TimeoutSeconds   int                    `json:"timeoutSeconds,omitempty"`
	ApprovalRequired bool                   `json:"approvalRequired,omitempty"`
	Attempt          int                    `json:"attempt"`
	Summary          string                 `json:"summary,omitempty"`
	Output           interface{}            `json:"output,omitempty"`
	Approvals        []string               `json:"approvals,omitempty"`
	ExtraMetadata    map[string]interface{} `json:"metadata,omitempty"`
}

// PlanEvent is one entry in a plan's event log.
type PlanEvent struct {
	PlanID     string       `json:"planId"`
	TraceID    string       `json:"traceId"`
	RequestID  string       `json:"requestId,omitempty"`
	OccurredAt time.Time    `json:"occurredAt"`
	Step       StepSnapshot `json:"step"`
}

// sameLogicalEvent reports whether a and b are the same event for
// idempotence purposes: same (plan, step) pair, and identical state,
// summary, output, and timestamp.
func sameLogicalEvent(a, b PlanEvent) bool {
	return a.PlanID == b.PlanID &&
		a.Step.ID == b.Step.ID &&
		a.Step.State == b.Step.State &&
		a.Step.Summary == b.Step.Summary &&
		deepEqualOutput(a.Step.Output, b.Step.Output) &&
		a.OccurredAt.Equal(b.OccurredAt)
}

func deepEqualOutput(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}
