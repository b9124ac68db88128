package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/flowmesh/orchestrator/internal/corelog"
	"github.com/flowmesh/orchestrator/internal/orcherrors"
	"github.com/flowmesh/orchestrator/internal/resilience"
)

// nameCharset is the restricted charset a caller-supplied provider hint
// must satisfy.
var nameCharset = regexp.MustCompile(`^[a-z0-9_.-]+$`)

// Router chooses an ordered list of providers for a chat request and runs
// each attempt through the shared RateLimiter and CircuitBreaker, failing
// over to the next provider on any failed attempt, retryable or not.
type Router struct {
	logger corelog.Logger

	enabled         []string
	routingPriority map[string][]string
	defaultMode     string
	defaultTemps    map[string]*float64 // per-provider configured default temperature; nil entry/absent key = unset
	retryConfig     resilience.RetryConfig

	clients map[string]Client

	rateLimiter *resilience.RateLimiter
	circuits    *resilience.Manager
}

// Config configures a Router at construction time.
type Config struct {
	Enabled         []string
	RoutingPriority map[string][]string
	DefaultMode     string
	DefaultTemps    map[string]*float64
	// RetryConfig governs the per-attempt retry each provider call runs
	// through, ahead of failover to the next provider. The zero
	// value resolves to resilience.DefaultRetryConfig().
	RetryConfig resilience.RetryConfig
}

// New constructs a Router. rateLimiter and circuits are shared across every
// provider name (each admits/gates by provider name as its key). Circuit
// breaker state lives in circuits, in process; only a Redis-backed limiter
// store is shared across replicas.
func New(cfg Config, clients map[string]Client, rateLimiter *resilience.RateLimiter, circuits *resilience.Manager, logger corelog.Logger) *Router {
	if logger == nil {
		logger = corelog.NoOpLogger{}
	}
	if cal, ok := logger.(corelog.ComponentAwareLogger); ok {
		logger = cal.WithComponent("orchestrator/provider")
	}
	priority := cfg.RoutingPriority
	if priority == nil {
		priority = make(map[string][]string)
	}
	temps := cfg.DefaultTemps
	if temps == nil {
		temps = make(map[string]*float64)
	}
	retryConfig := cfg.RetryConfig
	if retryConfig.MaxAttempts == 0 {
		retryConfig = resilience.DefaultRetryConfig()
	}
	return &Router{
		logger:          logger,
		enabled:         append([]string(nil), cfg.Enabled...),
		routingPriority: priority,
		defaultMode:     cfg.DefaultMode,
		defaultTemps:    temps,
		retryConfig:     retryConfig,
		clients:         clients,
		rateLimiter:     rateLimiter,
		circuits:        circuits,
	}
}

// RouteChat selects an ordered provider list, shapes the request per
// provider capabilities, and fails over until one provider succeeds.
func (r *Router) RouteChat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if len(r.enabled) == 0 {
		return ChatResponse{}, orcherrors.New("provider.route", orcherrors.KindState, orcherrors.ErrNoProvidersEnabled)
	}

	order, err := r.selectOrder(req)
	if err != nil {
		return ChatResponse{}, err
	}

	var warnings []string
	var failures []AttemptFailure

	for _, name := range order {
		client, ok := r.clients[name]
		if !ok {
			failures = append(failures, AttemptFailure{Provider: name, Message: "provider not configured", Status: 500, Retryable: true})
			continue
		}

		shaped, shapeWarnings, err := shapeRequest(name, client.Capabilities(), req, r.defaultTemps[name])
		if err != nil {
			return ChatResponse{}, err
		}
		warnings = append(warnings, shapeWarnings...)

		resp, err := r.attempt(ctx, name, client, shaped)
		if err == nil {
			resp.Warnings = append(warnings, resp.Warnings...)
			return resp, nil
		}

		msg, status, retryable := classify(name, err)
		failures = append(failures, AttemptFailure{Provider: name, Message: msg, Status: status, Retryable: retryable})
		warnings = append(warnings, fmt.Sprintf("%s: %s", name, msg))
		r.logger.Warn("provider attempt failed", map[string]interface{}{
			"provider": name, "error": msg, "retryable": retryable,
		})
	}

	return ChatResponse{}, allProvidersFailed(failures)
}

// attempt runs one provider's call through the shared RateLimiter, which in
// turn retries through the shared CircuitBreaker for that provider name
// (resilience.RetryWithCircuitBreaker) before this provider is given up on
// and the router fails over to the next one in order.
func (r *Router) attempt(ctx context.Context, name string, client Client, req ChatRequest) (ChatResponse, error) {
	var resp ChatResponse
	cb := r.circuits.Get(name)

	runner := func(ctx context.Context) error {
		call := func() error {
			out, err := client.Generate(ctx, req)
			if err != nil {
				var pe *ProviderError
				if errors.As(err, &pe) && !pe.Retryable {
					// Auth/4xx failures skip straight to the next provider.
					return resilience.Permanent(err)
				}
				return err
			}
			resp = out
			resp.Provider = name
			return nil
		}
		return resilience.RetryWithCircuitBreaker(ctx, r.retryConfig, cb, call)
	}

	var err error
	if r.rateLimiter != nil {
		err = r.rateLimiter.Schedule(ctx, name, runner)
	} else {
		err = runner(ctx)
	}
	return resp, err
}

// selectOrder resolves the attempt order: hint validation/filtering, or
// routing-mode priority intersected with enabled, falling back to the
// remaining enabled providers in configured order.
func (r *Router) selectOrder(req ChatRequest) ([]string, error) {
	if req.Provider != "" {
		hint := strings.ToLower(req.Provider)
		if !nameCharset.MatchString(hint) {
			return nil, orcherrors.New("provider.route", orcherrors.KindValidation, orcherrors.ErrInvalidProvider)
		}
		if !contains(r.enabled, hint) {
			return nil, orcherrors.NewWithID("provider.route", orcherrors.KindState, hint, orcherrors.ErrProviderNotEnabled)
		}
		return []string{hint}, nil
	}

	mode := req.RoutingMode
	if mode == "" {
		mode = r.defaultMode
	}

	priority := r.routingPriority[mode]
	order := make([]string, 0, len(r.enabled))
	seen := make(map[string]bool, len(r.enabled))
	for _, name := range priority {
		if contains(r.enabled, name) && !seen[name] {
			order = append(order, name)
			seen[name] = true
		}
	}
	for _, name := range r.enabled {
		if !seen[name] {
			order = append(order, name)
			seen[name] = true
		}
	}
	return order, nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// shapeRequest applies capability shaping: strips an unsupported
// temperature (with a warning), validates a supported caller-supplied
// temperature, or fills in the provider's default. configuredDefault is nil
// when the operator never set a per-provider default, as distinct from a
// configured default of exactly 0, which must survive instead of falling
// through to the provider's own declared default.
func shapeRequest(name string, caps Capabilities, req ChatRequest, configuredDefault *float64) (ChatRequest, []string, error) {
	out := req
	var warnings []string

	if !caps.SupportsTemperature {
		if out.Temperature != nil {
			warnings = append(warnings, fmt.Sprintf("%s: temperature not supported by provider, ignoring", name))
			out.Temperature = nil
		}
		return out, warnings, nil
	}

	if out.Temperature != nil {
		t := *out.Temperature
		if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 || t > 2 {
			return req, nil, orcherrors.New("provider.shape", orcherrors.KindValidation, orcherrors.ErrInvalidTemperature)
		}
		return out, warnings, nil
	}

	def := caps.DefaultTemperature
	if configuredDefault != nil {
		def = *configuredDefault
	}
	out.Temperature = &def
	return out, warnings, nil
}

// classify turns a provider error into the (message, status, retryable)
// triple used for warnings and AllProvidersFailed.
func classify(name string, err error) (string, int, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Error(), pe.Status, pe.Retryable
	}
	if orcherrors.IsTimeout(err) {
		return "provider timeout", 504, true
	}
	return err.Error(), 502, true
}

// allProvidersFailed builds the terminal failover error: its
// status is the first 4xx encountered, else the last status, else 502.
func allProvidersFailed(failures []AttemptFailure) error {
	status := 0
	for _, f := range failures {
		if f.Status >= 400 && f.Status < 500 {
			status = f.Status
			break
		}
	}
	if status == 0 && len(failures) > 0 {
		status = failures[len(failures)-1].Status
	}
	if status == 0 {
		status = 502
	}
	return &AllProvidersFailedError{Status: status, Failures: failures}
}

// AllProvidersFailedError wraps orcherrors.ErrAllProvidersFailed with the
// per-provider failure list and the resolved HTTP status.
type AllProvidersFailedError struct {
	Status   int
	Failures []AttemptFailure
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("%s: %d providers attempted", orcherrors.ErrAllProvidersFailed.Error(), len(e.Failures))
}

func (e *AllProvidersFailedError) Unwrap() error { return orcherrors.ErrAllProvidersFailed }
