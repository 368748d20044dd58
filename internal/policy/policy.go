// Package policy implements the Policy Engine (spec §4.5): evaluation of an
// ordered set of active policies against an (intent, candidate) pair. Each
// rule is a Rego predicate compiled once and evaluated many times via OPA's
// PreparedEvalQuery, following the embedded-OPA pattern used for agent
// policy evaluation elsewhere in the retrieval pack.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/open-policy-agent/opa/rego"

	"github.com/jordanhubbard/llmrouter/internal/cost"
	"github.com/jordanhubbard/llmrouter/internal/credential"
	"github.com/jordanhubbard/llmrouter/internal/providers"
)

// Kind is the closed set of rule/policy kinds (spec §4.5 and §3).
type Kind string

const (
	Selection Kind = "Selection"
	Routing   Kind = "Routing"
	Cost      Kind = "Cost"
)

// Scope reuses cost.Scope: Policy and Budget share the same scope tag set
// {Global, PerProvider, PerCredential, PerTeam} (spec §3), so it is defined
// exactly once, in the cost package which Policy already depends on in the
// leaves-first build order.
type Scope = cost.Scope

var precedence = map[Scope]int{
	cost.PerCredential: 4,
	cost.PerTeam:       3,
	cost.PerProvider:   2,
	cost.Global:        1,
}

// Rule is a single Rego predicate within a Policy. The query path
// "data.llmrouter.decision" must resolve to an object shaped like
// regoOutput below.
type Rule struct {
	Name       string
	Kind       Kind
	RegoModule string

	prepared rego.PreparedEvalQuery
}

// Policy is an ordered, immutable rule set scoped to Global, a provider, a
// credential, or a team. Policies are replaced by a new version, never
// mutated in place (spec §3: "Immutable once active").
type Policy struct {
	ID       string
	Type     Kind
	Scope    Scope
	ScopeKey string
	Rules    []Rule
}

type regoInput struct {
	Intent    regoIntent    `json:"intent"`
	Candidate regoCandidate `json:"candidate"`
}

type regoIntent struct {
	ModelFamily string            `json:"model_family"`
	Metadata    map[string]string `json:"metadata"`
}

type regoCandidate struct {
	ID         string            `json:"id"`
	ProviderID string            `json:"provider_id"`
	Metadata   map[string]string `json:"metadata"`
}

type regoOutput struct {
	Allow             bool               `json:"allow"`
	Deny              bool               `json:"deny"`
	BiasWeights       map[string]float64 `json:"bias_weights"`
	MaxCostPerRequest *float64           `json:"max_cost_per_request"`
	Reason            string             `json:"reason"`
}

// Result is Engine.Evaluate's output: an allow/deny verdict, accumulated
// routing bias weights, and any cost constraints for the Cost Controller to
// consume. BiasWeights is keyed by lowercased routing objective name
// ("cost", "reliability", "fairness", "speed") and added directly into that
// objective's raw score by the Routing Engine before normalization, letting
// a policy nudge a candidate up or down on one axis without overriding the
// whole decision the way a Selection rule does.
type Result struct {
	Allow             bool
	BiasWeights       map[string]float64
	MaxCostPerRequest *float64 // most restrictive (lowest) across applicable Cost rules
	Explanation       string
}

// CompileError wraps a Rego compilation failure raised when a policy is
// registered.
type CompileError struct {
	RuleName string
	Cause    error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("policy: compile rule %q: %v", e.RuleName, e.Cause)
}
func (e *CompileError) Unwrap() error { return e.Cause }

// Engine is the Policy Engine component: a copy-on-write set of active
// policies (spec §5: "Provider registry, policy set: copy-on-write").
type Engine struct {
	mu       sync.Mutex
	policies map[string]*Policy
}

// New returns an empty Policy Engine.
func New() *Engine {
	return &Engine{policies: make(map[string]*Policy)}
}

// Register compiles every rule's Rego module and publishes the policy,
// replacing any prior policy with the same id.
func (e *Engine) Register(p *Policy) error {
	for i := range p.Rules {
		prepared, err := compileRule(p.Rules[i].RegoModule)
		if err != nil {
			return &CompileError{RuleName: p.Rules[i].Name, Cause: err}
		}
		p.Rules[i].prepared = prepared
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	next := make(map[string]*Policy, len(e.policies)+1)
	for k, v := range e.policies {
		next[k] = v
	}
	next[p.ID] = p
	e.policies = next
	return nil
}

// Remove retires a policy by id.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := make(map[string]*Policy, len(e.policies))
	for k, v := range e.policies {
		if k != id {
			next[k] = v
		}
	}
	e.policies = next
}

func (e *Engine) snapshot() []*Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Policy, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, p)
	}
	return out
}

// applicable returns policies matching the candidate's scope (global,
// provider, credential, or team from intent metadata), ordered most- to
// least-specific per spec §4.5 precedence rule.
func (e *Engine) applicable(intent providers.RequestIntent, candidate credential.Candidate) []*Policy {
	var out []*Policy
	for _, p := range e.snapshot() {
		switch p.Scope {
		case cost.Global:
			out = append(out, p)
		case cost.PerProvider:
			if p.ScopeKey == candidate.ProviderID {
				out = append(out, p)
			}
		case cost.PerCredential:
			if p.ScopeKey == candidate.ID {
				out = append(out, p)
			}
		case cost.PerTeam:
			if team, ok := intent.Metadata["team"]; ok && p.ScopeKey == team {
				out = append(out, p)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return precedence[out[i].Scope] > precedence[out[j].Scope]
	})
	return out
}

// Evaluate runs every applicable policy's rules against (intent, candidate).
// Selection rules are consulted in most-specific-first order: the first
// rule to produce an explicit allow or deny decides the outcome, letting a
// more specific policy override a less specific one. Routing rules'
// bias_weights are merged additively across all applicable policies. Cost
// rules' max_cost_per_request contribute the most restrictive (lowest)
// value across all applicable policies.
func (e *Engine) Evaluate(ctx context.Context, intent providers.RequestIntent, candidate credential.Candidate) (Result, error) {
	result := Result{Allow: true, BiasWeights: make(map[string]float64)}

	input := regoInput{
		Intent:    regoIntent{ModelFamily: intent.ModelFamily, Metadata: intent.Metadata},
		Candidate: regoCandidate{ID: candidate.ID, ProviderID: candidate.ProviderID, Metadata: candidate.Metadata},
	}

	decided := false
	for _, p := range e.applicable(intent, candidate) {
		for _, r := range p.Rules {
			out, err := evalRule(ctx, r, input)
			if err != nil {
				return Result{}, fmt.Errorf("policy: evaluate rule %q: %w", r.Name, err)
			}

			switch r.Kind {
			case Selection:
				if !decided && (out.Allow || out.Deny) {
					result.Allow = out.Allow && !out.Deny
					result.Explanation = out.Reason
					decided = true
				}
			case Routing:
				for k, v := range out.BiasWeights {
					result.BiasWeights[k] += v
				}
			case Cost:
				if out.MaxCostPerRequest != nil {
					if result.MaxCostPerRequest == nil || *out.MaxCostPerRequest < *result.MaxCostPerRequest {
						result.MaxCostPerRequest = out.MaxCostPerRequest
					}
				}
			}
		}
	}

	if result.Explanation == "" {
		result.Explanation = "no selection rule fired; default allow"
	}
	return result, nil
}

func compileRule(module string) (rego.PreparedEvalQuery, error) {
	r := rego.New(
		rego.Query("data.llmrouter.decision"),
		rego.Module("policy.rego", module),
	)
	return r.PrepareForEval(context.Background())
}

func evalRule(ctx context.Context, r Rule, input regoInput) (regoOutput, error) {
	results, err := r.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return regoOutput{}, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return regoOutput{}, nil
	}

	raw, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return regoOutput{}, nil
	}

	var out regoOutput
	if v, ok := raw["allow"].(bool); ok {
		out.Allow = v
	}
	if v, ok := raw["deny"].(bool); ok {
		out.Deny = v
	}
	if v, ok := raw["reason"].(string); ok {
		out.Reason = v
	}
	if v, ok := raw["bias_weights"].(map[string]interface{}); ok {
		out.BiasWeights = make(map[string]float64, len(v))
		for k, val := range v {
			if f, ok := regoNumber(val); ok {
				out.BiasWeights[k] = f
			}
		}
	}
	if v, ok := regoNumber(raw["max_cost_per_request"]); ok {
		out.MaxCostPerRequest = &v
	}
	return out, nil
}

// regoNumber reads a numeric value from a rego result. OPA hands JSON
// numbers back as json.Number; a plain float64 is accepted too.
func regoNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	}
	return 0, false
}
