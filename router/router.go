// Package router provides the Router Façade (spec §4.7): the single public
// entry point that wires the Credential Manager, Quota Engine, Cost
// Controller, Policy Engine, Routing Engine, and per-provider circuit
// breakers into one synchronous retry/escalation loop per request.
//
// The escalation idiom: try a candidate, classify the failure, keep the
// candidate eligible for the next decision or exclude it depending on
// class, up to a bounded number of attempts, returning the last error
// wrapped when every candidate is exhausted.
package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jordanhubbard/llmrouter/internal/circuitbreaker"
	"github.com/jordanhubbard/llmrouter/internal/cost"
	"github.com/jordanhubbard/llmrouter/internal/credential"
	"github.com/jordanhubbard/llmrouter/internal/events"
	"github.com/jordanhubbard/llmrouter/internal/logging"
	"github.com/jordanhubbard/llmrouter/internal/metrics"
	"github.com/jordanhubbard/llmrouter/internal/policy"
	"github.com/jordanhubbard/llmrouter/internal/providers"
	"github.com/jordanhubbard/llmrouter/internal/quota"
	"github.com/jordanhubbard/llmrouter/internal/routing"
	"github.com/jordanhubbard/llmrouter/internal/scheduler"
	"github.com/jordanhubbard/llmrouter/internal/stats"
	"github.com/jordanhubbard/llmrouter/internal/store"
	"github.com/jordanhubbard/llmrouter/internal/tracing"
	"github.com/jordanhubbard/llmrouter/internal/vault"

	"log/slog"
)

// ErrorKind is the closed error taxonomy a caller can match on via
// errors.As(err, &routerErr) and routerErr.Kind (spec §7).
type ErrorKind string

const (
	KindValidationError      ErrorKind = "validation_error"
	KindNoEligibleCandidates ErrorKind = "no_eligible_candidates"
	KindBudgetExceeded       ErrorKind = "budget_exceeded"
	KindTransient            ErrorKind = "transient"
	KindThrottled            ErrorKind = "throttled"
	KindQuotaExceeded        ErrorKind = "quota_exceeded"
	KindAuthFailure          ErrorKind = "auth_failure"
	KindPermanent            ErrorKind = "permanent"
	KindTimeout              ErrorKind = "timeout"
	KindInternalError        ErrorKind = "internal_error"
)

// RouterError wraps every error Route returns so callers can recover the
// taxonomy kind and the number of attempts made before giving up.
type RouterError struct {
	Kind     ErrorKind
	Attempts int
	Err      error
}

func (e *RouterError) Error() string {
	return fmt.Sprintf("router: %s after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *RouterError) Unwrap() error { return e.Err }

func wrapErr(kind ErrorKind, attempts int, err error) *RouterError {
	return &RouterError{Kind: kind, Attempts: attempts, Err: err}
}

// SystemResponse is what Route returns on success: generated content plus
// enough accounting for the caller to bill and audit the request, and the
// id of the credential used — never the credential material itself (I1).
type SystemResponse struct {
	Content        string
	InputTokens    int
	OutputTokens   int
	CredentialUsed string
	ProviderID     string
	Objective      routing.Objective
	Attempts       int
	LatencyMs      float64
	CostUSD        string
}

// Deps wires every collaborator the façade needs. All fields except
// Scheduler, Metrics, and Stats are required; New panics if a required
// field is nil, since a half-wired Router is a programmer error, not a
// runtime condition.
type Deps struct {
	Store      store.Store
	Vault      *vault.Vault
	Bus        *events.Bus
	Credential *credential.Manager
	Quota      *quota.Engine
	Cost       *cost.Controller
	Policy     *policy.Engine
	Routing    *routing.Engine
	Breakers   *circuitbreaker.Registry
	Providers  *providers.Registry

	// Stats and Metrics are optional: a nil Stats skips outcome recording,
	// a nil Metrics skips counter/histogram updates.
	Stats   *stats.Collector
	Metrics *metrics.Registry

	// Scheduler is optional; when set, Shutdown stops it.
	Scheduler *scheduler.Manager

	MaxRouteAttempts int // defaults to 3 if <= 0
	DefaultObjective routing.Objective
}

// Router is the public entry point (spec §4.7). Callers construct one with
// New, issue requests with Route, and release resources with Shutdown. It
// is safe for concurrent use by multiple goroutines.
type Router struct {
	store      store.Store
	vault      *vault.Vault
	bus        *events.Bus
	credential *credential.Manager
	quota      *quota.Engine
	cost       *cost.Controller
	policy     *policy.Engine
	routing    *routing.Engine
	breakers   *circuitbreaker.Registry
	providers  *providers.Registry
	stats      *stats.Collector
	metrics    *metrics.Registry
	scheduler  *scheduler.Manager

	maxAttempts      int
	defaultObjective routing.Objective
	baseBackoff      time.Duration
	now              func() time.Time
}

// New constructs a Router. Treat it as a long-lived value owned by the
// embedding process (spec §9): build once, route many times, Shutdown once.
func New(d Deps) *Router {
	required := []struct {
		name    string
		missing bool
	}{
		{"Store", d.Store == nil}, {"Vault", d.Vault == nil}, {"Bus", d.Bus == nil},
		{"Credential", d.Credential == nil}, {"Quota", d.Quota == nil}, {"Cost", d.Cost == nil},
		{"Policy", d.Policy == nil}, {"Routing", d.Routing == nil},
		{"Breakers", d.Breakers == nil}, {"Providers", d.Providers == nil},
	}
	for _, dep := range required {
		if dep.missing {
			panic("router: New: missing required dependency " + dep.name)
		}
	}

	maxAttempts := d.MaxRouteAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	objective := d.DefaultObjective
	if objective == "" {
		objective = routing.Composite
	}

	return &Router{
		store:            d.Store,
		vault:            d.Vault,
		bus:              d.Bus,
		credential:       d.Credential,
		quota:            d.Quota,
		cost:             d.Cost,
		policy:           d.Policy,
		routing:          d.Routing,
		breakers:         d.Breakers,
		providers:        d.Providers,
		stats:            d.Stats,
		metrics:          d.Metrics,
		scheduler:        d.Scheduler,
		maxAttempts:      maxAttempts,
		defaultObjective: objective,
		baseBackoff:      100 * time.Millisecond,
		now:              time.Now,
	}
}

// Shutdown releases resources owned by the Router. It is safe to call even
// when no Scheduler was wired in.
func (r *Router) Shutdown(_ context.Context) error {
	if r.scheduler != nil {
		r.scheduler.Stop()
	}
	return nil
}

// RegisterProvider adds a provider adapter the Router can dispatch to.
func (r *Router) RegisterProvider(a providers.ProviderAdapter) {
	r.providers.Register(a)
}

// RegisterCredential vaults credential material and enrolls it in the
// Credential Manager, ready for the Routing Engine to consider. It fails
// with *credential.RegistrationError if no adapter is registered for
// providerID.
func (r *Router) RegisterCredential(ctx context.Context, material, providerID string, metadata map[string]string) (credential.Credential, error) {
	if _, ok := r.providers.Get(providerID); !ok {
		return credential.Credential{}, &credential.RegistrationError{Reason: fmt.Sprintf("provider %q is not registered", providerID)}
	}
	return r.credential.Register(ctx, material, providerID, metadata)
}

// Query exposes the admin read surface over persisted credential, decision,
// and transition records (spec §6 interface 2).
func (r *Router) Query(ctx context.Context, filter store.Filter) ([]store.Record, error) {
	return r.store.Query(ctx, filter)
}

// RegisterPolicy publishes a Selection/Routing/Cost policy for the Policy
// Engine to consult on every subsequent Route call (spec §6 Admin CRUD).
func (r *Router) RegisterPolicy(p *policy.Policy) error {
	return r.policy.Register(p)
}

// RemovePolicy retires a previously registered policy by id.
func (r *Router) RemovePolicy(id string) {
	r.policy.Remove(id)
}

// CreateBudget registers a Cost Controller budget scoped to the given
// (scope, key) pair (spec §6 Admin CRUD).
func (r *Router) CreateBudget(scope cost.Scope, scopeKey, limitUSD string, window quota.Window, enforcement cost.Enforcement) (*cost.Budget, error) {
	return r.cost.CreateBudget(scope, scopeKey, limitUSD, window, enforcement)
}

// ConfigureQuota establishes total capacity for a (credential, window) pair
// the Quota Engine tracks consumption against (spec §6 Admin CRUD).
func (r *Router) ConfigureQuota(credentialID string, w quota.Window, totalCapacity int64, resetInstant time.Time) {
	r.quota.Configure(credentialID, w, totalCapacity, resetInstant)
}

// RevokeCredential permanently disables a credential (spec §6 Admin CRUD).
func (r *Router) RevokeCredential(ctx context.Context, id, reason string) error {
	return r.credential.Revoke(ctx, id, reason)
}

// RotateCredential replaces a credential's sealed material in place.
func (r *Router) RotateCredential(ctx context.Context, id, newMaterial string) (credential.Credential, error) {
	return r.credential.Rotate(ctx, id, newMaterial)
}

// Route executes the full §4.7 algorithm for one request: resolve the
// provider's registered adapter, ask the Routing Engine for a decision,
// dispatch through the opened credential, and on failure run a fresh
// decision for the next attempt, up to the configured attempt budget,
// honoring ctx cancellation throughout. A Transient failure waits out a
// backoff and leaves the credential eligible, so the next decision may
// choose it again or choose another; the same credential is not pinned.
// Throttled/QuotaExceeded/AuthFailure/Permanent failures exclude the
// credential from the remaining attempts.
func (r *Router) Route(ctx context.Context, intent providers.RequestIntent, providerID string, objective routing.Objective) (SystemResponse, error) {
	if intent.ModelFamily == "" {
		return SystemResponse{}, wrapErr(KindValidationError, 0, errors.New("router: intent.ModelFamily is required"))
	}
	if len(intent.Messages) == 0 {
		return SystemResponse{}, wrapErr(KindValidationError, 0, errors.New("router: intent has no messages"))
	}
	adapter, ok := r.providers.Get(providerID)
	if !ok {
		return SystemResponse{}, wrapErr(KindValidationError, 0, fmt.Errorf("router: no adapter registered for provider %q", providerID))
	}

	if objective == "" {
		objective = r.defaultObjective
	}
	if intent.CorrelationID == "" {
		intent.CorrelationID = providers.CorrelationID(ctx)
	}
	if intent.CorrelationID == "" {
		intent.CorrelationID = uuid.NewString()
	}
	ctx = providers.WithCorrelationID(ctx, intent.CorrelationID)

	ctx, span := tracing.StartRouteSpan(ctx, string(objective))
	defer span.End()

	r.bus.Publish(events.Event{Type: events.RequestStarted, ProviderID: providerID, Objective: string(objective), CorrelationID: intent.CorrelationID})

	exclude := make(map[string]bool)
	var lastErr error
	var lastKind ErrorKind = KindInternalError

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return SystemResponse{}, wrapErr(KindTimeout, attempt-1, ctx.Err())
		default:
		}

		breaker := r.breakers.For(providerID)
		if !breaker.Allow() {
			lastErr = fmt.Errorf("router: circuit breaker open for provider %q", providerID)
			lastKind = KindTransient
			r.recordRetryReason(string(lastKind))
			continue
		}

		decStart := r.now()
		decCtx, decSpan := tracing.StartDecisionSpan(ctx, string(objective))
		decision, err := r.routing.Decide(decCtx, intent, providerID, objective, exclude, adapter.EstimateCost)
		decSpan.End()
		if r.metrics != nil {
			r.metrics.DecisionLatency.Observe(float64(r.now().Sub(decStart).Milliseconds()))
		}
		if err != nil {
			var noElig *routing.NoEligibleCandidatesError
			if errors.As(err, &noElig) {
				// When every gathered candidate was turned away purely on
				// cost grounds, surface the more specific BudgetExceeded
				// kind (spec S4) rather than the generic exhaustion kind.
				if noElig.BudgetBlocked > 0 && noElig.Disabled == 0 && noElig.PolicyBlocked == 0 {
					return SystemResponse{}, wrapErr(KindBudgetExceeded, attempt-1, err)
				}
				return SystemResponse{}, wrapErr(KindNoEligibleCandidates, attempt-1, err)
			}
			return SystemResponse{}, wrapErr(KindInternalError, attempt-1, err)
		}

		material, err := r.credential.Open(ctx, decision.ChosenID)
		if err != nil {
			exclude[decision.ChosenID] = true
			lastErr, lastKind = err, KindInternalError
			r.recordRetryReason(string(lastKind))
			continue
		}

		attemptStart := r.now()
		result, execErr := adapter.Execute(ctx, material, intent)
		latencyMs := float64(r.now().Sub(attemptStart).Milliseconds())
		material = "" // never retained past the call (I1)

		if execErr == nil {
			costUSD := r.onSuccess(ctx, intent, decision, providerID, objective, result, latencyMs, breaker)
			resp := SystemResponse{
				Content:        result.Content,
				InputTokens:    result.InputTokens,
				OutputTokens:   result.OutputTokens,
				CredentialUsed: decision.ChosenID,
				ProviderID:     providerID,
				Objective:      objective,
				Attempts:       attempt,
				LatencyMs:      latencyMs,
				CostUSD:        costUSD.StringFixed(6),
			}
			if r.metrics != nil {
				r.metrics.AttemptsPerRoute.Observe(float64(attempt))
			}
			return resp, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			// The deadline/cancellation aborted the in-flight call; surface it
			// as Timeout without touching success/failure counters or driving
			// a credential/breaker state transition, since the provider's own
			// outcome was never observed (§5, §7).
			return SystemResponse{}, wrapErr(KindTimeout, attempt, ctxErr)
		}

		classified := adapter.ClassifyError(execErr)
		kind := r.handleFailure(ctx, decision.ChosenID, providerID, classified, breaker)
		r.recordFailureStats(decision.ChosenID, providerID, string(objective), latencyMs)
		lastErr, lastKind = classified, kind
		r.recordRetryReason(string(kind))

		switch kind {
		case KindTransient:
			// Bounded exponential backoff with jitter, then a fresh decision
			// without consuming the candidate.
			if !r.backoffWait(ctx, attempt) {
				return SystemResponse{}, wrapErr(KindTimeout, attempt, ctx.Err())
			}
			// Transient failures don't exclude the candidate: it may still
			// be the best scored choice next round, or another may be.
		default:
			exclude[decision.ChosenID] = true
		}
	}

	r.bus.Publish(events.Event{Type: events.RequestFailed, ProviderID: providerID, Objective: string(objective), ErrorKind: string(lastKind), CorrelationID: intent.CorrelationID})
	if r.metrics != nil {
		r.metrics.RequestsByObjective.WithLabelValues(string(objective), "failed").Inc()
		r.metrics.AttemptsPerRoute.Observe(float64(r.maxAttempts))
	}
	return SystemResponse{}, wrapErr(lastKind, r.maxAttempts, fmt.Errorf("all candidates exhausted: %w", lastErr))
}

// onSuccess records the happy-path side effects: quota observation, cost
// reconciliation, stats, metrics, and the request_succeeded event. It
// returns the reconciled cost in USD for the caller to report back.
func (r *Router) onSuccess(ctx context.Context, intent providers.RequestIntent, decision routing.Decision, providerID string, objective routing.Objective, result providers.AdapterResult, latencyMs float64, breaker *circuitbreaker.Breaker) decimal.Decimal {
	breaker.RecordSuccess()
	r.credential.RecordSuccess(decision.ChosenID, r.now())

	consumed := int64(result.InputTokens + result.OutputTokens)
	if err := r.quota.Observe(ctx, decision.ChosenID, quota.Hourly, consumed, r.now()); err != nil {
		slog.Warn("quota observe failed", slog.String("credential_id", decision.ChosenID), slog.Any("err", logging.Redacted(err.Error())))
	}

	// This core has no concrete provider billing feedback to reconcile
	// against (out of scope), so the post-call "actual" cost is the adapter's
	// own estimate re-evaluated against the realized token counts.
	adapter, _ := r.providers.Get(providerID)
	actualIntent := intent
	actualIntent.MaxOutputTokens = result.OutputTokens
	adapterActual := adapter.EstimateCost(actualIntent)
	estimate := r.cost.Estimate(intent, providerID, adapter.EstimateCost(intent))
	actual := r.cost.Estimate(actualIntent, providerID, adapterActual)
	r.cost.Reconcile(ctx, intent, decision.ChosenID, providerID, estimate, actual)

	if r.stats != nil {
		r.stats.Record(stats.Snapshot{
			Timestamp: r.now(), CredentialID: decision.ChosenID, ProviderID: providerID,
			Objective: string(objective), LatencyMs: latencyMs, Success: true,
			InputTokens: result.InputTokens, OutputTokens: result.OutputTokens,
		})
	}
	if r.metrics != nil {
		r.metrics.RequestsByObjective.WithLabelValues(string(objective), "succeeded").Inc()
	}
	r.bus.Publish(events.Event{
		Type: events.RequestSucceeded, CredentialID: decision.ChosenID, ProviderID: providerID,
		Objective: string(objective), LatencyMs: latencyMs, CorrelationID: intent.CorrelationID,
	})
	return actual.EstimatedUSD
}

// handleFailure classifies an adapter error into a RouterError kind and
// drives the credential/breaker state transitions assigned to each class
// (§4.7, §4.2 I3).
func (r *Router) handleFailure(ctx context.Context, credentialID, providerID string, ce *providers.ClassifiedError, breaker *circuitbreaker.Breaker) ErrorKind {
	r.credential.RecordFailure(credentialID)
	breaker.RecordFailure()

	cooldown := time.Duration(ce.Cooldown) * time.Second
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	switch ce.Class {
	case providers.ClassTransient:
		return KindTransient
	case providers.ClassThrottled:
		if err := r.credential.TransitionWithCooldown(ctx, credentialID, cooldown, "throttled by provider"); err != nil {
			slog.Warn("transition to throttled failed", slog.String("credential_id", credentialID), slog.Any("err", err))
		}
		return KindThrottled
	case providers.ClassQuotaExceeded:
		if err := r.credential.Transition(ctx, credentialID, credential.Exhausted, "quota exceeded"); err != nil {
			slog.Warn("transition to exhausted failed", slog.String("credential_id", credentialID), slog.Any("err", err))
		}
		return KindQuotaExceeded
	case providers.ClassAuth:
		if err := r.credential.Transition(ctx, credentialID, credential.Invalid, "auth failure"); err != nil {
			slog.Warn("transition to invalid failed", slog.String("credential_id", credentialID), slog.Any("err", err))
		}
		return KindAuthFailure
	case providers.ClassPermanent:
		return KindPermanent
	default:
		return KindInternalError
	}
}

// backoffWait sleeps an exponential-with-jitter delay before the next
// same-credential retry, honoring ctx cancellation. Returns false if ctx
// was cancelled during the wait.
func (r *Router) backoffWait(ctx context.Context, attempt int) bool {
	delay := r.baseBackoff * time.Duration(1<<uint(attempt-1))
	jitter := time.Duration(float64(delay) * (0.5 + rand.Float64()))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(jitter):
		return true
	}
}

func (r *Router) recordRetryReason(reason string) {
	if r.metrics != nil {
		r.metrics.RetryReasonsTotal.WithLabelValues(reason).Inc()
	}
}

func (r *Router) recordFailureStats(credentialID, providerID, objective string, latencyMs float64) {
	if r.stats != nil {
		r.stats.Record(stats.Snapshot{
			Timestamp: r.now(), CredentialID: credentialID, ProviderID: providerID,
			Objective: objective, LatencyMs: latencyMs, Success: false,
		})
	}
}
