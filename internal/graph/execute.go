package graph

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/flowmesh/orchestrator/internal/orcherrors"
)

// Execute runs the graph to completion against initial (or a fresh Context
// if nil): a work queue seeded from the entry nodes, a semaphore bounding
// live node executions to concurrencyLimit, per-node retry/timeout, and
// dependency-release logic that propagates continue-on-error and Blocked
// states to successors.
func (g *Graph) Execute(ctx context.Context, initial *Context) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx := initial
	if runCtx == nil {
		runCtx = NewContext(nil)
	}

	g.mu.RLock()
	execs := make(map[string]*Execution, len(g.nodes))
	for id := range g.nodes {
		execs[id] = &Execution{NodeID: id, Status: StatusPending}
	}
	for _, e := range g.entries {
		execs[e].Status = StatusReady
	}
	g.mu.RUnlock()

	eb := newEventBus(g.listeners, g.logger)
	// All emits happen before Execute returns (node goroutines are joined
	// via wg.Wait on every return path), so deferring close here is safe
	// and lets the listener goroutines drain and exit.
	defer eb.close()
	eb.emit(Event{Type: EventExecutionStarted, GraphID: g.id})

	var mu sync.Mutex
	var wg sync.WaitGroup

	var sem chan struct{}
	if g.concurrencyLimit > 0 {
		sem = make(chan struct{}, g.concurrencyLimit)
	}

	wake := make(chan struct{}, 1)
	notify := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	for {
		mu.Lock()
		var toDispatch []string
		running := 0
		for id, e := range execs {
			switch e.Status {
			case StatusReady:
				e.Status = StatusRunning
				toDispatch = append(toDispatch, id)
			case StatusRunning:
				running++
			}
		}
		mu.Unlock()

		if len(toDispatch) == 0 && running == 0 {
			break
		}

		for _, id := range toDispatch {
			id := id
			eb.emit(Event{Type: EventNodeStarted, GraphID: g.id, NodeID: id})
			wg.Add(1)
			go func() {
				defer wg.Done()
				if sem != nil {
					select {
					case sem <- struct{}{}:
					case <-ctx.Done():
						mu.Lock()
						execs[id].Status = StatusFailed
						execs[id].Err = ctx.Err()
						mu.Unlock()
						eb.emit(Event{Type: EventNodeFailed, GraphID: g.id, NodeID: id, Err: ctx.Err()})
						g.releaseDependents(id, execs, &mu, eb)
						notify()
						return
					}
					defer func() { <-sem }()
				}
				g.runNodeWithRetry(ctx, id, execs, &mu, runCtx, eb)
				g.releaseDependents(id, execs, &mu, eb)
				notify()
			}()
		}

		if len(toDispatch) == 0 {
			select {
			case <-wake:
			case <-ctx.Done():
				// Let in-flight nodes drain (their own derived contexts
				// already observe ctx.Done()); stop admitting new work.
				wg.Wait()
				return buildResult(execs), ctx.Err()
			}
		}
	}

	wg.Wait()
	eb.emit(Event{Type: EventExecutionCompleted, GraphID: g.id})
	return buildResult(execs), nil
}

func buildResult(execs map[string]*Execution) *Result {
	res := &Result{
		Outputs:    make(map[string]interface{}),
		Executions: execs,
		Success:    true,
	}
	for id, e := range execs {
		switch e.Status {
		case StatusCompleted:
			res.Completed++
			res.Outputs[id] = e.Output
		case StatusFailed:
			res.Failed++
			if !e.continueOnError {
				res.Success = false
			}
		}
	}
	return res
}

// runNodeWithRetry drives one node through its handler, applying the
// node's retry policy on failure, and writes the terminal Completed/Failed
// state plus output into execs[id].
func (g *Graph) runNodeWithRetry(ctx context.Context, id string, execs map[string]*Execution, mu *sync.Mutex, runCtx *Context, eb *eventBus) {
	g.mu.RLock()
	n := g.nodes[id]
	handler, hasHandler := g.handlers[n.def.Type]
	g.mu.RUnlock()

	exec := execs[id]
	mu.Lock()
	exec.StartedAt = time.Now()
	exec.continueOnError = n.def.ContinueOnError
	mu.Unlock()

	if !hasHandler {
		err := fmt.Errorf("%w: node %q has type %s", orcherrors.ErrNoHandler, id, n.def.Type)
		mu.Lock()
		exec.Status = StatusFailed
		exec.Err = err
		exec.EndedAt = time.Now()
		mu.Unlock()
		eb.emit(Event{Type: EventNodeFailed, GraphID: g.id, NodeID: id, Err: err})
		return
	}

	maxAttempts := 1
	var policy RetryPolicy
	if n.def.RetryPolicy != nil {
		policy = *n.def.RetryPolicy
		maxAttempts = policy.MaxRetries + 1
	}

	depOutputs := runCtx.outputsSnapshot(n.closure)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		mu.Lock()
		exec.Attempt = attempt
		mu.Unlock()

		nodeCtx := ctx
		var cancel context.CancelFunc
		if n.def.TimeoutMs > 0 {
			nodeCtx, cancel = context.WithTimeout(ctx, time.Duration(n.def.TimeoutMs)*time.Millisecond)
		}
		output, err := g.invokeHandler(nodeCtx, handler, n.def, depOutputs, runCtx)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			runCtx.setOutput(id, output)
			mu.Lock()
			exec.Status = StatusCompleted
			exec.Output = output
			exec.EndedAt = time.Now()
			mu.Unlock()
			eb.emit(Event{Type: EventNodeCompleted, GraphID: g.id, NodeID: id, Attempt: attempt, Output: output})
			return
		}

		if nodeCtx.Err() != nil && errors.Is(nodeCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", orcherrors.ErrNodeTimeout, err)
		}
		lastErr = err

		if attempt >= maxAttempts {
			break
		}

		backoff := time.Duration(policy.BackoffMs) * time.Millisecond
		if policy.Exponential {
			backoff = time.Duration(float64(backoff) * math.Pow(2, float64(attempt-1)))
		}
		mu.Lock()
		exec.RetryCount++
		mu.Unlock()
		eb.emit(Event{Type: EventNodeRetry, GraphID: g.id, NodeID: id, Attempt: attempt, Err: err})

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			lastErr = ctx.Err()
			mu.Lock()
			exec.Status = StatusFailed
			exec.Err = lastErr
			exec.EndedAt = time.Now()
			mu.Unlock()
			eb.emit(Event{Type: EventNodeFailed, GraphID: g.id, NodeID: id, Err: lastErr})
			return
		}
	}

	mu.Lock()
	exec.Status = StatusFailed
	exec.Err = lastErr
	exec.EndedAt = time.Now()
	mu.Unlock()
	eb.emit(Event{Type: EventNodeFailed, GraphID: g.id, NodeID: id, Err: lastErr})
}

type handlerResult struct {
	out interface{}
	err error
}

// invokeHandler runs h in its own goroutine and races it against ctx. The
// node always transitions regardless of whether the handler returns: on
// ctx.Done() we return immediately without waiting for the handler
// goroutine; a non-cooperative handler simply finishes (or leaks) on its
// own time, writing to a result channel nothing further reads.
func (g *Graph) invokeHandler(ctx context.Context, h Handler, def NodeDefinition, depOutputs map[string]interface{}, runCtx *Context) (interface{}, error) {
	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: fmt.Errorf("panic in node handler %q: %v", def.ID, r)}
			}
		}()
		out, err := h.Execute(ctx, &HandlerContext{Node: def, DependencyOutputs: depOutputs, RunContext: runCtx})
		done <- handlerResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		return res.out, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// releaseDependents enumerates id's direct successors and, for each still
// Pending, re-evaluates whether its dependencies now permit it to run.
// A successor whose non-continue-on-error
// dependency ended Failed or Skipped is marked Blocked, and Blocked cascades
// to its own successors in turn since a node that never ran can't satisfy
// anyone downstream regardless of that node's own continue-on-error flag.
func (g *Graph) releaseDependents(id string, execs map[string]*Execution, mu *sync.Mutex, eb *eventBus) {
	g.mu.RLock()
	n := g.nodes[id]
	dependents := append([]string(nil), n.dependents...)
	g.mu.RUnlock()

	for _, dep := range dependents {
		g.evaluateNode(dep, execs, mu, eb)
	}
}

// evaluateNode re-derives a Pending node's readiness from its dependencies'
// current states and transitions it to Ready or Blocked if warranted,
// cascading Blocked to further dependents.
func (g *Graph) evaluateNode(id string, execs map[string]*Execution, mu *sync.Mutex, eb *eventBus) {
	mu.Lock()
	exec := execs[id]
	if exec.Status != StatusPending {
		mu.Unlock()
		return
	}

	g.mu.RLock()
	def := g.nodes[id].def
	g.mu.RUnlock()

	allSatisfied := true
	anyBlocking := false
	for _, dep := range def.Dependencies {
		depExec := execs[dep]
		g.mu.RLock()
		depContinue := g.nodes[dep].def.ContinueOnError
		g.mu.RUnlock()

		switch depExec.Status {
		case StatusCompleted:
			// satisfied
		case StatusFailed, StatusSkipped:
			if depContinue {
				// satisfied via continue-on-error
			} else {
				allSatisfied = false
				anyBlocking = true
			}
		case StatusBlocked:
			allSatisfied = false
			anyBlocking = true
		default:
			allSatisfied = false
		}
	}

	switch {
	case allSatisfied:
		exec.Status = StatusReady
		mu.Unlock()
		return
	case anyBlocking:
		exec.Status = StatusBlocked
		mu.Unlock()
		eb.emit(Event{Type: EventNodeBlocked, GraphID: g.id, NodeID: id})
		g.releaseDependents(id, execs, mu, eb)
		return
	default:
		mu.Unlock()
		return
	}
}
