// Package resilience implements the shared rate limiter and circuit breaker
// consumed by the provider router and, via RetryWithCircuitBreaker, by any
// other component that needs the pair composed.
//
// The circuit breaker keeps per-key atomic state, a bucketed sliding
// window for the failure rate, single-probe half-open admission via a CAS
// loop, and asynchronous (non-blocking) state-change notification.
package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowmesh/orchestrator/internal/corelog"
	"github.com/flowmesh/orchestrator/internal/orcherrors"
)

// CircuitState is one of Closed, Open, HalfOpen.
type CircuitState int32

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a single keyed circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           // failures within WindowSize before opening
	WindowSize       time.Duration // sliding window over which failures are counted
	BucketCount      int           // number of buckets the window is divided into
	ResetTimeout     time.Duration // time Open must elapse before a half-open probe is admitted
}

// DefaultCircuitBreakerConfig returns production-safe defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		WindowSize:       10 * time.Second,
		BucketCount:      10,
		ResetTimeout:     30 * time.Second,
	}
}

// StateChangeListener is notified asynchronously (never inside the
// breaker's critical section) when a key transitions state.
type StateChangeListener func(key string, from, to CircuitState)

// CircuitBreaker gates calls for one key (e.g. one provider name). Use
// Manager to get per-key instances sharing a config.
type CircuitBreaker struct {
	key    string
	config CircuitBreakerConfig
	logger corelog.Logger

	state          atomic.Int32
	stateChangedAt atomic.Int64 // unix nano
	halfOpenInUse  atomic.Bool

	window *slidingWindow
	mu     sync.Mutex // guards state transitions only

	listeners []StateChangeListener
}

func newCircuitBreaker(key string, cfg CircuitBreakerConfig, logger corelog.Logger) *CircuitBreaker {
	cb := &CircuitBreaker{
		key:    key,
		config: cfg,
		logger: logger,
		window: newSlidingWindow(cfg.WindowSize, cfg.BucketCount),
	}
	cb.state.Store(int32(StateClosed))
	cb.stateChangedAt.Store(time.Now().UnixNano())
	return cb
}

func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// CanExecute reports whether a call may proceed right now, reserving the
// single half-open probe slot if the breaker is transitioning out of Open.
func (cb *CircuitBreaker) CanExecute() bool {
	switch cb.State() {
	case StateClosed:
		return true
	case StateHalfOpen:
		// Only one probe in flight at a time.
		return cb.halfOpenInUse.CompareAndSwap(false, true)
	case StateOpen:
		elapsed := time.Since(time.Unix(0, cb.stateChangedAt.Load()))
		if elapsed < cb.config.ResetTimeout {
			return false
		}
		cb.mu.Lock()
		stillOpen := cb.State() == StateOpen
		if stillOpen {
			cb.transition(StateHalfOpen)
		}
		cb.mu.Unlock()
		if !stillOpen {
			// Another goroutine already moved the state; re-evaluate fresh.
			return cb.CanExecute()
		}
		return cb.halfOpenInUse.CompareAndSwap(false, true)
	default:
		return false
	}
}

// RecordSuccess reports a successful call, closing the circuit if it was
// half-open and resetting the failure window.
func (cb *CircuitBreaker) RecordSuccess() {
	if cb.State() == StateHalfOpen {
		cb.mu.Lock()
		cb.transition(StateClosed)
		cb.window.reset()
		cb.halfOpenInUse.Store(false)
		cb.mu.Unlock()
		return
	}
	cb.window.record(true)
}

// RecordFailure reports a failed call, possibly tripping the breaker open.
func (cb *CircuitBreaker) RecordFailure() {
	if cb.State() == StateHalfOpen {
		cb.mu.Lock()
		cb.transition(StateOpen)
		cb.halfOpenInUse.Store(false)
		cb.mu.Unlock()
		return
	}

	cb.window.record(false)
	if cb.window.failures() >= cb.config.FailureThreshold {
		cb.mu.Lock()
		if cb.State() == StateClosed {
			cb.transition(StateOpen)
		}
		cb.mu.Unlock()
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := CircuitState(cb.state.Load())
	if from == to {
		return
	}
	cb.state.Store(int32(to))
	cb.stateChangedAt.Store(time.Now().UnixNano())
	if cb.logger != nil {
		cb.logger.Info("circuit breaker state change", map[string]interface{}{
			"key": cb.key, "from": from.String(), "to": to.String(),
		})
	}
	for _, l := range cb.listeners {
		l := l
		go l(cb.key, from, to)
	}
}

// AddStateChangeListener registers a listener notified asynchronously on
// every state transition for this key.
func (cb *CircuitBreaker) AddStateChangeListener(l StateChangeListener) {
	cb.mu.Lock()
	cb.listeners = append(cb.listeners, l)
	cb.mu.Unlock()
}

// Execute runs fn if the breaker admits the call, recording the outcome.
// fn runs on its own goroutine with a done channel so a context
// cancellation doesn't leak the in-flight call: it is drained and its
// outcome still recorded once it finishes.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.CanExecute() {
		return orcherrors.New("circuit_breaker.execute", orcherrors.KindUpstream, orcherrors.ErrCircuitOpen)
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.New("panic in circuit breaker call")
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			cb.RecordFailure()
			return err
		}
		cb.RecordSuccess()
		return nil
	case <-ctx.Done():
		go func() {
			if err := <-done; err != nil {
				cb.RecordFailure()
			} else {
				cb.RecordSuccess()
			}
		}()
		return ctx.Err()
	}
}

// Manager hands out per-key CircuitBreaker instances sharing one config,
// so the provider router can gate each provider name independently.
type Manager struct {
	config CircuitBreakerConfig
	logger corelog.Logger

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewManager creates a circuit breaker manager.
func NewManager(cfg CircuitBreakerConfig, logger corelog.Logger) *Manager {
	return &Manager{config: cfg, logger: logger, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns (creating if necessary) the breaker for key.
func (m *Manager) Get(key string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[key]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[key]; ok {
		return cb
	}
	cb = newCircuitBreaker(key, m.config, m.logger)
	m.breakers[key] = cb
	return cb
}
