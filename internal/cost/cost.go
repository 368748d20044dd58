// Package cost implements the Cost Controller (spec §4.4): per-scope
// budget tracking and pre-call cost estimation/enforcement, using
// fixed-precision decimal arithmetic throughout (spec §9 Design Notes: never
// binary floating point for accumulation).
package cost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jordanhubbard/llmrouter/internal/events"
	"github.com/jordanhubbard/llmrouter/internal/providers"
	"github.com/jordanhubbard/llmrouter/internal/quota"
)

// Scope is the closed set of budget scopes.
type Scope string

const (
	Global        Scope = "Global"
	PerProvider   Scope = "PerProvider"
	PerCredential Scope = "PerCredential"
	PerTeam       Scope = "PerTeam"
)

// Enforcement is the closed set of budget enforcement modes.
type Enforcement string

const (
	Hard Enforcement = "Hard"
	Soft Enforcement = "Soft"
)

// Window reuses quota.Window: CapacitySnapshot and Budget share the same
// {Hourly, Daily, Monthly} tag set (spec §3), so there is exactly one
// definition for it in the module.
type Window = quota.Window

// Budget tracks accumulated spend against a limit for one scope+key.
type Budget struct {
	mu sync.Mutex

	ID          string
	Scope       Scope
	ScopeKey    string
	LimitUSD    decimal.Decimal
	Window      Window
	Enforcement Enforcement
	Spend       decimal.Decimal
	WindowStart time.Time
}

// snapshot returns a value copy safe for a reader to hold.
func (b *Budget) snapshot() Budget {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Budget{
		ID: b.ID, Scope: b.Scope, ScopeKey: b.ScopeKey, LimitUSD: b.LimitUSD,
		Window: b.Window, Enforcement: b.Enforcement, Spend: b.Spend, WindowStart: b.WindowStart,
	}
}

// CostEstimate is the Cost Controller's estimate for a single candidate,
// after applying the request metadata's cost_hint cap, when present, as a
// ceiling on the adapter's own estimate.
type CostEstimate struct {
	EstimatedUSD decimal.Decimal
	TableVersion string
}

// Decision is the outcome of Check: allowed/denied plus enough detail for
// the Routing Engine's diagnostic breakdown on NoEligibleCandidates.
type Decision struct {
	Allowed         bool
	RemainingUSD    decimal.Decimal
	Breached        bool
	BreachedBudgetID string
}

// BudgetExceededError describes a breached budget. Check does not return
// it: Check reports a breach through its Decision value.
type BudgetExceededError struct {
	BudgetID string
	LimitUSD decimal.Decimal
	SpendUSD decimal.Decimal
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("cost: budget %s exceeded: limit=%s spend=%s", e.BudgetID, e.LimitUSD.StringFixed(6), e.SpendUSD.StringFixed(6))
}

// correctionKey identifies a (provider, model) pair for the EWMA estimate
// correction factor.
type correctionKey struct {
	providerID, modelFamily string
}

// Controller is the Cost Controller component. Budgets are intentionally
// not part of the State Store interface (spec §6.B never names budget
// persistence); they live purely in-memory here, each guarded by its own
// mutex per the concurrency model (spec §5).
type Controller struct {
	bus *events.Bus

	mu      sync.RWMutex
	budgets map[string]*Budget // by scope+key composite

	corrMu      sync.Mutex
	corrections map[correctionKey]float64 // exponentially-weighted correction factor, default 1.0

	idSeq int64
	idMu  sync.Mutex

	now func() time.Time
}

// New constructs a Cost Controller.
func New(bus *events.Bus) *Controller {
	return &Controller{
		bus:         bus,
		budgets:     make(map[string]*Budget),
		corrections: make(map[correctionKey]float64),
		now:         time.Now,
	}
}

func scopeKeyOf(scope Scope, key string) string {
	return string(scope) + ":" + key
}

// CreateBudget registers a new budget. limitUSD is parsed as a decimal
// string to avoid any floating-point literal in the caller's configuration
// surface.
func (c *Controller) CreateBudget(scope Scope, scopeKey, limitUSD string, window Window, enforcement Enforcement) (*Budget, error) {
	limit, err := decimal.NewFromString(limitUSD)
	if err != nil {
		return nil, fmt.Errorf("cost: parse budget limit: %w", err)
	}

	c.idMu.Lock()
	c.idSeq++
	id := fmt.Sprintf("budget-%d", c.idSeq)
	c.idMu.Unlock()

	b := &Budget{
		ID: id, Scope: scope, ScopeKey: scopeKey, LimitUSD: limit,
		Window: window, Enforcement: enforcement, Spend: decimal.Zero, WindowStart: c.now(),
	}

	c.mu.Lock()
	c.budgets[scopeKeyOf(scope, scopeKey)] = b
	c.mu.Unlock()
	return b, nil
}

func (c *Controller) applicableBudgets(intent providers.RequestIntent, candidateID, providerID string) []*Budget {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Budget
	if b, ok := c.budgets[scopeKeyOf(Global, "")]; ok {
		out = append(out, b)
	}
	if b, ok := c.budgets[scopeKeyOf(PerProvider, providerID)]; ok {
		out = append(out, b)
	}
	if b, ok := c.budgets[scopeKeyOf(PerCredential, candidateID)]; ok {
		out = append(out, b)
	}
	if team, ok := intent.Metadata["team"]; ok {
		if b, ok := c.budgets[scopeKeyOf(PerTeam, team)]; ok {
			out = append(out, b)
		}
	}
	return out
}

// correctionFactor returns the current EWMA correction factor for
// (providerID, modelFamily), defaulting to 1.0 (no correction yet observed).
func (c *Controller) correctionFactor(providerID, modelFamily string) float64 {
	c.corrMu.Lock()
	defer c.corrMu.Unlock()
	f, ok := c.corrections[correctionKey{providerID, modelFamily}]
	if !ok {
		return 1.0
	}
	return f
}

// Estimate combines the provider adapter's own estimate with the running
// correction factor and the metadata cost_hint cap.
func (c *Controller) Estimate(intent providers.RequestIntent, providerID string, adapterEstimate providers.CostEstimate) CostEstimate {
	corrected := adapterEstimate.EstimatedUSD.Mul(decimal.NewFromFloat(c.correctionFactor(providerID, intent.ModelFamily)))

	if hint, ok := intent.CostHint(); ok && hint.LessThan(corrected) {
		corrected = hint
	}
	return CostEstimate{EstimatedUSD: corrected, TableVersion: adapterEstimate.TableVersion}
}

// Check evaluates every applicable Budget against estimate. Under Hard
// enforcement any budget that would be exceeded disallows the request, with
// no adapter call made (spec S4). Under Soft enforcement the request is
// allowed but flagged breached.
func (c *Controller) Check(intent providers.RequestIntent, candidateID, providerID string, estimate CostEstimate) Decision {
	budgets := c.applicableBudgets(intent, candidateID, providerID)

	decision := Decision{Allowed: true, RemainingUSD: decimal.NewFromInt(1 << 40)}
	for _, b := range budgets {
		b.mu.Lock()
		projected := b.Spend.Add(estimate.EstimatedUSD)
		wouldBreach := projected.GreaterThan(b.LimitUSD)
		remaining := b.LimitUSD.Sub(b.Spend)
		enforcement := b.Enforcement
		id := b.ID
		b.mu.Unlock()

		if remaining.LessThan(decision.RemainingUSD) {
			decision.RemainingUSD = remaining
		}
		if wouldBreach {
			decision.Breached = true
			decision.BreachedBudgetID = id
			if enforcement == Hard {
				decision.Allowed = false
			}
		}
	}
	return decision
}

// Reconcile updates every applicable Budget's spend with the actual cost and
// records the estimate-vs-actual delta to refine future corrections via an
// exponentially-weighted factor.
func (c *Controller) Reconcile(ctx context.Context, intent providers.RequestIntent, candidateID, providerID string, estimate, actual CostEstimate) {
	budgets := c.applicableBudgets(intent, candidateID, providerID)
	for _, b := range budgets {
		b.mu.Lock()
		rolloverIfNeeded(b, c.now())
		b.Spend = b.Spend.Add(actual.EstimatedUSD)
		breach := b.Spend.GreaterThan(b.LimitUSD)
		id := b.ID
		b.mu.Unlock()
		if breach && c.bus != nil {
			c.bus.Publish(events.Event{Type: events.BudgetBreached, Reason: id})
		}
	}

	if !estimate.EstimatedUSD.IsZero() {
		ratio, _ := actual.EstimatedUSD.Div(estimate.EstimatedUSD).Float64()
		k := correctionKey{providerID, intent.ModelFamily}
		c.corrMu.Lock()
		prev, ok := c.corrections[k]
		if !ok {
			prev = 1.0
		}
		const alpha = 0.2 // smoothing weight for the new observation
		c.corrections[k] = prev*(1-alpha) + ratio*alpha
		c.corrMu.Unlock()
	}
}

// rolloverIfNeeded resets spend to zero when the budget's window has
// elapsed. Caller must hold b.mu.
func rolloverIfNeeded(b *Budget, now time.Time) {
	var elapsed time.Duration
	switch b.Window {
	case quota.Hourly:
		elapsed = time.Hour
	case quota.Daily:
		elapsed = 24 * time.Hour
	case quota.Monthly:
		elapsed = 30 * 24 * time.Hour
	default:
		return
	}
	if now.Sub(b.WindowStart) >= elapsed {
		b.Spend = decimal.Zero
		b.WindowStart = now
	}
}

// RolloverDue sweeps every budget and resets spend to zero for any whose
// window has elapsed, returning the ids that were rolled over. The durable
// scheduler calls this on each tick so a low-traffic budget still rolls over
// on schedule rather than waiting for the next Reconcile to notice.
func (c *Controller) RolloverDue(now time.Time) []string {
	c.mu.RLock()
	budgets := make([]*Budget, 0, len(c.budgets))
	for _, b := range c.budgets {
		budgets = append(budgets, b)
	}
	c.mu.RUnlock()

	var rolled []string
	for _, b := range budgets {
		b.mu.Lock()
		before := b.WindowStart
		rolloverIfNeeded(b, now)
		after := b.WindowStart
		id := b.ID
		b.mu.Unlock()
		if !after.Equal(before) {
			rolled = append(rolled, id)
		}
	}
	return rolled
}

// Snapshot returns a read-only copy of the budget for scope+key, if any.
func (c *Controller) Snapshot(scope Scope, scopeKey string) (Budget, bool) {
	c.mu.RLock()
	b, ok := c.budgets[scopeKeyOf(scope, scopeKey)]
	c.mu.RUnlock()
	if !ok {
		return Budget{}, false
	}
	return b.snapshot(), true
}
