package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/llmrouter/internal/circuitbreaker"
	"github.com/jordanhubbard/llmrouter/internal/cost"
	"github.com/jordanhubbard/llmrouter/internal/credential"
	"github.com/jordanhubbard/llmrouter/internal/events"
	"github.com/jordanhubbard/llmrouter/internal/policy"
	"github.com/jordanhubbard/llmrouter/internal/providers"
	"github.com/jordanhubbard/llmrouter/internal/quota"
	"github.com/jordanhubbard/llmrouter/internal/routing"
	"github.com/jordanhubbard/llmrouter/internal/store"
	"github.com/jordanhubbard/llmrouter/internal/vault"
)

// scriptedAdapter is a test double whose behavior per call is driven by a
// queue of canned outcomes, letting tests simulate a provider that fails N
// times before succeeding (or never succeeds).
type scriptedAdapter struct {
	mu        sync.Mutex
	id        string
	costUSD   decimal.Decimal
	outcomes  []outcome
	callCount int
}

type outcome struct {
	err   error
	class providers.AdapterErrorClass
	result providers.AdapterResult
}

func (a *scriptedAdapter) ID() string { return a.id }

func (a *scriptedAdapter) Execute(_ context.Context, _ string, _ providers.RequestIntent) (providers.AdapterResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.callCount
	if idx >= len(a.outcomes) {
		idx = len(a.outcomes) - 1
	}
	o := a.outcomes[idx]
	a.callCount++
	return o.result, o.err
}

func (a *scriptedAdapter) EstimateCost(_ providers.RequestIntent) providers.CostEstimate {
	return providers.CostEstimate{EstimatedUSD: a.costUSD, TableVersion: "test-v1"}
}

func (a *scriptedAdapter) ClassifyError(err error) *providers.ClassifiedError {
	for _, o := range a.outcomes {
		if o.err == err {
			return &providers.ClassifiedError{Err: err, Class: o.class}
		}
	}
	return &providers.ClassifiedError{Err: err, Class: providers.ClassPermanent}
}

func (a *scriptedAdapter) PriceTableVersion() string { return "test-v1" }

func alwaysSucceeds(providerID string, costUSD float64) *scriptedAdapter {
	return &scriptedAdapter{
		id:      providerID,
		costUSD: decimal.NewFromFloat(costUSD),
		outcomes: []outcome{
			{result: providers.AdapterResult{Content: "hello", InputTokens: 10, OutputTokens: 5}},
		},
	}
}

type harness struct {
	router     *Router
	credMgr    *credential.Manager
	quotaEng   *quota.Engine
	costCtl    *cost.Controller
	policyEng  *policy.Engine
	routingEng *routing.Engine
	providers  *providers.Registry
	breakers   *circuitbreaker.Registry
	store      store.Store
	bus        *events.Bus
}

func newHarness(t *testing.T, maxAttempts int) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	bus := events.NewBus()
	vlt, err := vault.New(vault.Config{}, bus)
	require.NoError(t, err)

	credMgr := credential.New(st, vlt, bus)
	costCtl := cost.New(bus)
	polEngine := policy.New()
	quotaEng := quota.New(st, bus, credMgr)
	routingEng := routing.New(st, credMgr, costCtl, polEngine, bus, nil)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.WithThreshold(2), circuitbreaker.WithCooldown(time.Minute))
	provReg := providers.NewRegistry()

	r := New(Deps{
		Store: st, Vault: vlt, Bus: bus, Credential: credMgr, Quota: quotaEng,
		Cost: costCtl, Policy: polEngine, Routing: routingEng, Breakers: breakers,
		Providers: provReg, MaxRouteAttempts: maxAttempts, DefaultObjective: routing.Composite,
	})

	return &harness{
		router: r, credMgr: credMgr, quotaEng: quotaEng, costCtl: costCtl,
		policyEng: polEngine, routingEng: routingEng, providers: provReg,
		breakers: breakers, store: st, bus: bus,
	}
}

func basicIntent() providers.RequestIntent {
	return providers.RequestIntent{
		ModelFamily: "gpt-tier-1",
		Messages:    []providers.Message{{Role: "user", Content: "hi"}},
	}
}

// S1: a single healthy credential serves the request on the first attempt.
func TestRoute_HappyPath_SingleCredential(t *testing.T) {
	h := newHarness(t, 3)
	adapter := alwaysSucceeds("openai", 0.002)
	h.router.RegisterProvider(adapter)

	ctx := context.Background()
	_, err := h.router.RegisterCredential(ctx, "sk-live-abc", "openai", nil)
	require.NoError(t, err)

	resp, err := h.router.Route(ctx, basicIntent(), "openai", routing.Composite)
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 1, resp.Attempts)
	assert.NotEmpty(t, resp.CredentialUsed)
	assert.Equal(t, 10, resp.InputTokens)
	assert.Equal(t, 5, resp.OutputTokens)
}

// S2: under the Cost objective, a request-level cost_hint caps the adapter's
// own (expensive) estimate rather than letting it through uncapped; a hint
// only ever lowers the estimate, never raises it.
func TestRoute_CostObjective_AppliesCostHintCap(t *testing.T) {
	h := newHarness(t, 3)
	adapter := alwaysSucceeds("openai", 5.00) // adapter's own estimate is expensive
	h.router.RegisterProvider(adapter)

	ctx := context.Background()
	_, err := h.router.RegisterCredential(ctx, "sk-one", "openai", nil)
	require.NoError(t, err)

	intent := basicIntent()
	intent.Metadata = map[string]string{"cost_hint": "0.01"}

	resp, err := h.router.Route(ctx, intent, "openai", routing.Cost)
	require.NoError(t, err)
	costUSD, err := decimal.NewFromString(resp.CostUSD)
	require.NoError(t, err)
	assert.True(t, costUSD.LessThanOrEqual(decimal.NewFromFloat(0.01)),
		"cost_hint should cap the reconciled cost, got %s", resp.CostUSD)
}

// S3: the first credential throttles; the Router fails over to the second.
func TestRoute_FailoverOnThrottle(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	throttleErr := errors.New("429 rate limited")
	bad := &scriptedAdapter{
		id:      "openai",
		costUSD: decimal.NewFromFloat(0.001),
		outcomes: []outcome{
			{err: throttleErr, class: providers.ClassThrottled},
			{result: providers.AdapterResult{Content: "recovered", InputTokens: 1, OutputTokens: 1}},
		},
	}
	h.router.RegisterProvider(bad)

	_, err := h.router.RegisterCredential(ctx, "sk-one", "openai", nil)
	require.NoError(t, err)
	_, err = h.router.RegisterCredential(ctx, "sk-two", "openai", nil)
	require.NoError(t, err)

	resp, err := h.router.Route(ctx, basicIntent(), "openai", routing.Composite)
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, 2, resp.Attempts)
}

// S4: a Hard-enforcement budget blocks the request before any adapter call.
func TestRoute_BudgetHardBlock(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	adapter := alwaysSucceeds("openai", 10.00) // far above the budget
	h.router.RegisterProvider(adapter)
	_, err := h.router.RegisterCredential(ctx, "sk-one", "openai", nil)
	require.NoError(t, err)

	_, err = h.costCtl.CreateBudget(cost.PerProvider, "openai", "0.01", quota.Hourly, cost.Hard)
	require.NoError(t, err)

	_, routeErr := h.router.Route(ctx, basicIntent(), "openai", routing.Composite)
	require.Error(t, routeErr)

	var rerr *RouterError
	require.True(t, errors.As(routeErr, &rerr))
	assert.Equal(t, KindBudgetExceeded, rerr.Kind)
	assert.Equal(t, 0, adapter.callCount, "adapter should never be called once budget blocks every candidate")
}

// S5: quota exhaustion mid-stream transitions the credential, and with no
// other credential registered the next route call finds nothing eligible.
func TestRoute_QuotaExhaustion_TransitionsCredential(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	adapter := alwaysSucceeds("openai", 0.001)
	h.router.RegisterProvider(adapter)
	cred, err := h.router.RegisterCredential(ctx, "sk-one", "openai", nil)
	require.NoError(t, err)

	h.quotaEng.Configure(cred.ID, quota.Hourly, 10, time.Now().Add(time.Hour))
	require.NoError(t, h.quotaEng.Observe(ctx, cred.ID, quota.Hourly, 10, time.Now()))

	got, err := h.credMgr.Get(cred.ID)
	require.NoError(t, err)
	assert.Equal(t, credential.Exhausted, got.State)

	_, routeErr := h.router.Route(ctx, basicIntent(), "openai", routing.Composite)
	require.Error(t, routeErr)
	var rerr *RouterError
	require.True(t, errors.As(routeErr, &rerr))
	assert.Equal(t, KindNoEligibleCandidates, rerr.Kind)
}

func TestRoute_ValidationError_EmptyMessages(t *testing.T) {
	h := newHarness(t, 3)
	intent := providers.RequestIntent{ModelFamily: "gpt-tier-1"}
	_, err := h.router.Route(context.Background(), intent, "openai", routing.Composite)
	require.Error(t, err)
	var rerr *RouterError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, KindValidationError, rerr.Kind)
}

func TestRoute_NoAdapterRegistered(t *testing.T) {
	h := newHarness(t, 3)
	_, err := h.router.Route(context.Background(), basicIntent(), "nonexistent", routing.Composite)
	require.Error(t, err)
	var rerr *RouterError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, KindValidationError, rerr.Kind)
}

// When the sole candidate fails with an auth error it is marked Invalid, so
// the next attempt's decision finds nothing eligible and Route reports
// NoEligibleCandidates rather than the auth failure.
func TestRoute_AllCandidatesExhausted_ReturnsNoEligibleCandidates(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	authErr := errors.New("401 unauthorized")
	bad := &scriptedAdapter{
		id:      "openai",
		costUSD: decimal.NewFromFloat(0.001),
		outcomes: []outcome{
			{err: authErr, class: providers.ClassAuth},
		},
	}
	h.router.RegisterProvider(bad)
	_, err := h.router.RegisterCredential(ctx, "sk-one", "openai", nil)
	require.NoError(t, err)

	_, routeErr := h.router.Route(ctx, basicIntent(), "openai", routing.Composite)
	require.Error(t, routeErr)
	var rerr *RouterError
	require.True(t, errors.As(routeErr, &rerr))
	assert.Equal(t, KindNoEligibleCandidates, rerr.Kind, "once the sole candidate is marked Invalid, the next attempt finds nothing eligible")
}

func TestNew_PanicsOnMissingDependency(t *testing.T) {
	assert.Panics(t, func() {
		New(Deps{})
	})
}

func TestRoute_ContextCancelledBeforeDispatch(t *testing.T) {
	h := newHarness(t, 3)
	adapter := alwaysSucceeds("openai", 0.001)
	h.router.RegisterProvider(adapter)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := h.router.RegisterCredential(ctx, "sk-one", "openai", nil)
	require.NoError(t, err)
	cancel()

	_, routeErr := h.router.Route(ctx, basicIntent(), "openai", routing.Composite)
	require.Error(t, routeErr)
	var rerr *RouterError
	require.True(t, errors.As(routeErr, &rerr))
	assert.Equal(t, KindTimeout, rerr.Kind)
}

func TestShutdown_NoSchedulerIsNoop(t *testing.T) {
	h := newHarness(t, 3)
	assert.NoError(t, h.router.Shutdown(context.Background()))
}

// cancelingAdapter cancels the context it's handed before returning an
// error, simulating a deadline that expires while the call is in flight
// rather than one caught by the loop-top select before dispatch.
type cancelingAdapter struct {
	id     string
	cancel context.CancelFunc
}

func (a *cancelingAdapter) ID() string { return a.id }

func (a *cancelingAdapter) Execute(_ context.Context, _ string, _ providers.RequestIntent) (providers.AdapterResult, error) {
	a.cancel()
	return providers.AdapterResult{}, errors.New("upstream: deadline exceeded")
}

func (a *cancelingAdapter) EstimateCost(_ providers.RequestIntent) providers.CostEstimate {
	return providers.CostEstimate{EstimatedUSD: decimal.NewFromFloat(0.001), TableVersion: "test-v1"}
}

func (a *cancelingAdapter) ClassifyError(err error) *providers.ClassifiedError {
	return &providers.ClassifiedError{Err: err, Class: providers.ClassPermanent}
}

func (a *cancelingAdapter) PriceTableVersion() string { return "test-v1" }

// Exceeding the deadline mid-call surfaces as Timeout without mutating the
// credential's success/failure counters, its state, or the breaker (spec
// §5: ctx cancellation never drives a state transition).
func TestRoute_ContextCancelledDuringExecute_SurfacesTimeoutWithoutMutatingCounters(t *testing.T) {
	h := newHarness(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	adapter := &cancelingAdapter{id: "openai", cancel: cancel}
	h.router.RegisterProvider(adapter)

	cred, err := h.router.RegisterCredential(ctx, "sk-one", "openai", nil)
	require.NoError(t, err)

	_, routeErr := h.router.Route(ctx, basicIntent(), "openai", routing.Composite)
	require.Error(t, routeErr)
	var rerr *RouterError
	require.True(t, errors.As(routeErr, &rerr))
	assert.Equal(t, KindTimeout, rerr.Kind)

	after, err := h.credMgr.Get(cred.ID)
	require.NoError(t, err)
	assert.Equal(t, credential.Available, after.State)
	assert.Equal(t, int64(0), after.FailureCount)
	assert.Equal(t, circuitbreaker.Closed, h.breakers.For("openai").CurrentState())
}
