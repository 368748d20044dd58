// Package routing implements the Routing Engine (spec §4.6): candidate
// gathering across the Credential Manager, Quota Engine, Cost Controller, and
// Policy Engine, multi-objective scoring, deterministic tie-break, and
// durable decision persistence before dispatch.
package routing

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jordanhubbard/llmrouter/internal/cost"
	"github.com/jordanhubbard/llmrouter/internal/credential"
	"github.com/jordanhubbard/llmrouter/internal/events"
	"github.com/jordanhubbard/llmrouter/internal/policy"
	"github.com/jordanhubbard/llmrouter/internal/providers"
	"github.com/jordanhubbard/llmrouter/internal/store"
)

// Objective is the closed set of scoring objectives (spec §3, §4.6).
type Objective string

const (
	Cost        Objective = "Cost"
	Reliability Objective = "Reliability"
	Fairness    Objective = "Fairness"
	Speed       Objective = "Speed"
	Composite   Objective = "Composite"
)

// CompositeWeights holds the weighted-sum coefficients for Composite scoring.
// Defaults weight Cost and Reliability above Fairness and Speed:
// {Cost:0.3, Reliability:0.3, Fairness:0.2, Speed:0.2}.
type CompositeWeights struct {
	Cost        float64
	Reliability float64
	Fairness    float64
	Speed       float64
}

// DefaultCompositeWeights returns the module-wide default composite weighting.
func DefaultCompositeWeights() CompositeWeights {
	return CompositeWeights{Cost: 0.3, Reliability: 0.3, Fairness: 0.2, Speed: 0.2}
}

// fairnessHalfLife is the decay half-life used by the Fairness objective.
const fairnessHalfLife = time.Hour

// Decision is the Routing Engine's output: the chosen candidate plus enough
// detail to reconstruct why, matching the RoutingDecision data model entry
// (spec §3).
type Decision struct {
	ID            string
	Timestamp     time.Time
	RequestFP     string
	ChosenID      string
	Candidates    []string
	Objective     Objective
	Scores        map[string]float64
	Explanation   string
	TieSet        []string
	CorrelationID string
}

// NoEligibleCandidatesError is returned when no candidate survives the
// gather stage. It carries a breakdown to aid operators (spec §4.6 edge
// cases).
type NoEligibleCandidatesError struct {
	ProviderID    string
	Disabled      int
	Exhausted     int
	BudgetBlocked int
	PolicyBlocked int
}

func (e *NoEligibleCandidatesError) Error() string {
	return fmt.Sprintf(
		"routing: no eligible candidates for provider %q (disabled=%d exhausted=%d budget_blocked=%d policy_blocked=%d)",
		e.ProviderID, e.Disabled, e.Exhausted, e.BudgetBlocked, e.PolicyBlocked,
	)
}

// LatencyObserver supplies rolling p50 latency per credential for the Speed
// objective. Declared locally (duck-typed) so routing never imports whatever
// package ends up owning latency stats.
type LatencyObserver interface {
	P50LatencyMs(credentialID string) (float64, bool)
}

// Engine is the Routing Engine component.
type Engine struct {
	store      store.Store
	credential *credential.Manager
	cost       *cost.Controller
	policy     *policy.Engine
	bus        *events.Bus
	latency    LatencyObserver

	mu      sync.Mutex // guards weights and idSeq
	weights CompositeWeights
	idSeq   int64
	now     func() time.Time
}

// New constructs a Routing Engine wiring every upstream component. latency
// may be nil, in which case the Speed objective falls back to Reliability
// (spec §4.6: "falls back to Reliability if no data").
func New(st store.Store, credMgr *credential.Manager, costCtl *cost.Controller, polEngine *policy.Engine, bus *events.Bus, latency LatencyObserver) *Engine {
	return &Engine{
		store:      st,
		credential: credMgr,
		cost:       costCtl,
		policy:     polEngine,
		bus:        bus,
		latency:    latency,
		weights:    DefaultCompositeWeights(),
		now:        time.Now,
	}
}

// SetCompositeWeights overrides the default weighting used for Composite.
func (e *Engine) SetCompositeWeights(w CompositeWeights) {
	e.mu.Lock()
	e.weights = w
	e.mu.Unlock()
}

type scoredCandidate struct {
	cred        credential.Candidate
	estimate    cost.CostEstimate
	score       float64
	successRate float64
	bias        map[string]float64
}

// Decide gathers eligible candidates, scores them under objective, breaks
// ties deterministically, persists the decision, and returns it. Persistence
// happens before the caller dispatches (spec §4.6: "a durable record
// precedes action").
func (e *Engine) Decide(ctx context.Context, intent providers.RequestIntent, providerID string, objective Objective, exclude map[string]bool, adapterEstimator func(providers.RequestIntent) providers.CostEstimate) (Decision, error) {
	if objective == "" {
		objective = Composite
	}

	all, err := e.credential.Eligible(ctx, providerID, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("routing: gather candidates: %w", err)
	}

	breakdown := &NoEligibleCandidatesError{ProviderID: providerID}
	var gathered []scoredCandidate
	for _, c := range all {
		if exclude != nil && exclude[c.ID] {
			continue
		}

		polResult, err := e.policy.Evaluate(ctx, intent, c)
		if err != nil {
			return Decision{}, fmt.Errorf("routing: evaluate policy for %s: %w", c.ID, err)
		}
		if !polResult.Allow {
			breakdown.PolicyBlocked++
			continue
		}

		adapterEst := adapterEstimator(intent)
		estimate := e.cost.Estimate(intent, providerID, adapterEst)
		if polResult.MaxCostPerRequest != nil {
			ceiling := decimal.NewFromFloat(*polResult.MaxCostPerRequest)
			if estimate.EstimatedUSD.GreaterThan(ceiling) {
				estimate.EstimatedUSD = ceiling
			}
		}
		decision := e.cost.Check(intent, c.ID, providerID, estimate)
		if !decision.Allowed {
			breakdown.BudgetBlocked++
			continue
		}

		gathered = append(gathered, scoredCandidate{
			cred:        c,
			estimate:    estimate,
			successRate: successRate(c),
			bias:        polResult.BiasWeights,
		})
	}

	if len(gathered) == 0 {
		counts := e.credential.StateCounts(providerID)
		breakdown.Disabled = counts[credential.Disabled] + counts[credential.Invalid]
		breakdown.Exhausted = counts[credential.Exhausted] + counts[credential.Throttled]
		return Decision{}, breakdown
	}

	e.mu.Lock()
	weights := e.weights
	e.mu.Unlock()
	scoreCandidates(gathered, objective, weights, e.now(), e.latency)

	sort.SliceStable(gathered, func(i, j int) bool {
		return less(gathered[i], gathered[j])
	})

	explanation := fmt.Sprintf("selected by objective %s", objective)
	var tieSet []string
	if len(gathered) == 1 {
		explanation = "only candidate"
	} else if gathered[0].score == gathered[1].score {
		for _, g := range gathered {
			if g.score == gathered[0].score {
				tieSet = append(tieSet, g.cred.ID)
			}
		}
		explanation = fmt.Sprintf("tie among %d candidates broken by success rate/usage/id", len(tieSet))
	}

	scores := make(map[string]float64, len(gathered))
	candIDs := make([]string, len(gathered))
	for i, g := range gathered {
		scores[g.cred.ID] = g.score
		candIDs[i] = g.cred.ID
	}

	e.mu.Lock()
	e.idSeq++
	seq := e.idSeq
	e.mu.Unlock()
	d := Decision{
		ID:            fmt.Sprintf("decision-%d", seq),
		Timestamp:     e.now(),
		RequestFP:     fingerprint(intent),
		ChosenID:      gathered[0].cred.ID,
		Candidates:    candIDs,
		Objective:     objective,
		Scores:        scores,
		Explanation:   explanation,
		TieSet:        tieSet,
		CorrelationID: providers.CorrelationID(ctx),
	}

	if err := e.store.SaveDecision(ctx, store.DecisionRecord{
		ID: d.ID, Timestamp: d.Timestamp, RequestFP: d.RequestFP, ChosenID: d.ChosenID,
		Candidates: d.Candidates, Objective: string(d.Objective), Scores: d.Scores,
		Explanation: d.Explanation, CorrelationID: d.CorrelationID,
	}); err != nil {
		return Decision{}, fmt.Errorf("routing: persist decision: %w", err)
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{Type: events.DecisionRecorded, CredentialID: d.ChosenID, ProviderID: providerID, Objective: string(objective), CorrelationID: d.CorrelationID})
	}

	return d, nil
}

func successRate(c credential.Candidate) float64 {
	return float64(c.SuccessCount) / float64(c.SuccessCount+c.FailureCount+1)
}

func fairnessDecay(elapsed time.Duration) float64 {
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Exp(-math.Ln2 * elapsed.Hours() / fairnessHalfLife.Hours())
}

func scoreCandidates(cands []scoredCandidate, objective Objective, weights CompositeWeights, now time.Time, lat LatencyObserver) {
	raw := make(map[Objective][]float64, 4)
	for _, obj := range []Objective{Cost, Reliability, Fairness, Speed} {
		vals := make([]float64, len(cands))
		for i, c := range cands {
			vals[i] = rawScore(obj, c, now, lat) + c.bias[strings.ToLower(string(obj))]
		}
		raw[obj] = vals
	}

	switch objective {
	case Composite:
		norm := make(map[Objective][]float64, 4)
		for _, obj := range []Objective{Cost, Reliability, Fairness, Speed} {
			norm[obj] = minMaxNormalize(raw[obj])
		}
		for i := range cands {
			cands[i].score = weights.Cost*norm[Cost][i] +
				weights.Reliability*norm[Reliability][i] +
				weights.Fairness*norm[Fairness][i] +
				weights.Speed*norm[Speed][i]
		}
	default:
		for i := range cands {
			cands[i].score = raw[objective][i]
		}
	}
}

func rawScore(obj Objective, c scoredCandidate, now time.Time, lat LatencyObserver) float64 {
	switch obj {
	case Cost:
		costUSD, _ := c.estimate.EstimatedUSD.Float64()
		return -costUSD
	case Reliability:
		return c.successRate
	case Fairness:
		elapsed := 24 * time.Hour
		if c.cred.LastUsedAt != nil {
			elapsed = now.Sub(*c.cred.LastUsedAt)
		}
		usage := float64(c.cred.SuccessCount + c.cred.FailureCount)
		return -usage * fairnessDecay(elapsed)
	case Speed:
		if lat != nil {
			if p50, ok := lat.P50LatencyMs(c.cred.ID); ok {
				return -p50
			}
		}
		return c.successRate
	default:
		return c.successRate
	}
}

func minMaxNormalize(vals []float64) []float64 {
	if len(vals) == 0 {
		return vals
	}
	min, max := vals[0], vals[0]
	for _, v := range vals {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(vals))
	span := max - min
	for i, v := range vals {
		if span <= 0 {
			out[i] = 0
			continue
		}
		out[i] = (v - min) / span
	}
	return out
}

// less implements the P7 deterministic tie-break: higher score first, then
// higher success rate, then lower usage count, then lower id.
func less(a, b scoredCandidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.successRate != b.successRate {
		return a.successRate > b.successRate
	}
	usageA := a.cred.SuccessCount + a.cred.FailureCount
	usageB := b.cred.SuccessCount + b.cred.FailureCount
	if usageA != usageB {
		return usageA < usageB
	}
	return a.cred.ID < b.cred.ID
}

func fingerprint(intent providers.RequestIntent) string {
	return fmt.Sprintf("%s:%d", intent.ModelFamily, len(intent.Messages))
}
