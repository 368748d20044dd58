// Package credential implements the Credential Manager (spec §4.2): the
// registry of upstream API keys and their lifecycle state machine.
package credential

import (
	"time"
)

// State is the closed set of states a Credential can occupy (spec §3,
// Design Note on closed tagged variants replacing stringly-typed state).
type State string

const (
	Available State = "Available"
	Throttled State = "Throttled"
	Exhausted State = "Exhausted"
	Disabled  State = "Disabled"
	Invalid   State = "Invalid"
)

// legalTransitions encodes I3: transitions are strictly
// {Available<->Throttled, Available<->Exhausted, any->Disabled, any->Invalid}.
var legalTransitions = map[State]map[State]bool{
	Available: {Throttled: true, Exhausted: true, Disabled: true, Invalid: true},
	Throttled: {Available: true, Disabled: true, Invalid: true},
	Exhausted: {Available: true, Disabled: true, Invalid: true},
	Disabled:  {Invalid: true}, // any->Disabled and any->Invalid both hold from Disabled too
	Invalid:   {Disabled: true},
}

// IsLegalTransition reports whether moving from `from` to `to` is permitted.
// A same-state transition is always legal and is a no-op (round-trip law in
// spec §8).
func IsLegalTransition(from, to State) bool {
	if from == to {
		return true
	}
	allowed, ok := legalTransitions[from]
	return ok && allowed[to]
}

// Credential is the in-memory, unsealed view of a registered upstream key.
// Material itself is never held here once sealed into the store — callers
// that need to dispatch a request ask the Manager to open it for the
// duration of a single call.
type Credential struct {
	ID           string
	ProviderID   string
	State        State
	SuccessCount int64
	FailureCount int64
	LastUsedAt   *time.Time
	Metadata     map[string]string
	CreatedAt    time.Time

	// CooldownUntil is set when State == Throttled; the Manager auto-promotes
	// back to Available the next time eligibility is queried past this
	// instant.
	CooldownUntil time.Time
}

// snapshot returns a value copy safe to hand to a reader without it
// observing subsequent mutations (spec §5: readers take snapshots, writers
// publish new ones).
func (c *Credential) snapshot() Credential {
	cp := *c
	if c.Metadata != nil {
		cp.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// StateTransition is the persisted form of a single state change (I3: every
// change yields one of these).
type StateTransition struct {
	ID           string
	Timestamp    time.Time
	CredentialID string
	OldState     State
	NewState     State
	Reason       string
	Context      string
}

// RegistrationError is returned by Register when the provider is unknown or
// the supplied material is empty.
type RegistrationError struct {
	Reason string
}

func (e *RegistrationError) Error() string { return "credential: registration failed: " + e.Reason }

// InvalidTransitionError is returned by Transition when the requested move
// violates the legal-transition table.
type InvalidTransitionError struct {
	From, To State
}

func (e *InvalidTransitionError) Error() string {
	return "credential: illegal transition " + string(e.From) + " -> " + string(e.To)
}

// NotFoundError is returned by Get/Rotate/Revoke/Transition for an unknown id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return "credential: not found: " + e.ID }
