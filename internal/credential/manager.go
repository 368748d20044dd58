package credential

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jordanhubbard/llmrouter/internal/events"
	"github.com/jordanhubbard/llmrouter/internal/store"
	"github.com/jordanhubbard/llmrouter/internal/vault"
)

const idRandBytes = 16

// SelectionFilter is a duck-typed hook the Policy Engine satisfies, declared
// here rather than imported to keep Credential Manager a leaf package with
// no dependency on policy: collaborator interfaces are declared at the
// point of use, not at the point of implementation.
type SelectionFilter interface {
	Allows(candidate Candidate) bool
}

// Candidate is the read-only view of a credential a SelectionFilter or the
// Routing Engine scores against.
type Candidate struct {
	ID           string
	ProviderID   string
	State        State
	SuccessCount int64
	FailureCount int64
	LastUsedAt   *time.Time
	Metadata     map[string]string
}

type entry struct {
	mu   sync.Mutex
	cred Credential
}

// Manager is the Credential Manager component. All mutation goes through a
// per-credential mutex; eligible() and Get() copy snapshots while holding
// that mutex briefly and never hand out the live record.
type Manager struct {
	store store.Store
	vault *vault.Vault
	bus   *events.Bus

	mu      sync.RWMutex // protects the entries map itself (add/remove)
	entries map[string]*entry

	promoteGroup singleflight.Group

	now func() time.Time // overridable in tests
}

// New constructs a Credential Manager.
func New(st store.Store, v *vault.Vault, bus *events.Bus) *Manager {
	return &Manager{
		store:   st,
		vault:   v,
		bus:     bus,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func generateID() (string, error) {
	b := make([]byte, idRandBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Register seals material via the vault, persists the credential, and
// emits credential_registered. Fails with *RegistrationError if material or
// providerID is empty. The Manager does not check that providerID names a
// registered provider; the Router Façade's RegisterCredential does that
// before calling this.
func (m *Manager) Register(ctx context.Context, material, providerID string, metadata map[string]string) (Credential, error) {
	if material == "" {
		return Credential{}, &RegistrationError{Reason: "material is empty"}
	}
	if providerID == "" {
		return Credential{}, &RegistrationError{Reason: "provider id is empty"}
	}

	id, err := generateID()
	if err != nil {
		return Credential{}, fmt.Errorf("credential: generate id: %w", err)
	}

	sealed, err := m.vault.SealString(material)
	if err != nil {
		return Credential{}, fmt.Errorf("credential: seal material: %w", err)
	}

	c := Credential{
		ID:         id,
		ProviderID: providerID,
		State:      Available,
		Metadata:   metadata,
		CreatedAt:  m.now(),
	}

	if err := m.store.SaveCredential(ctx, toRecord(c, sealed)); err != nil {
		return Credential{}, fmt.Errorf("credential: persist: %w", err)
	}

	e := &entry{cred: c}
	m.mu.Lock()
	m.entries[id] = e
	m.mu.Unlock()

	m.publish(events.CredentialRegistered, c, "", "registered")
	return c.snapshot(), nil
}

// Get returns a snapshot of the credential, or *NotFoundError.
func (m *Manager) Get(id string) (Credential, error) {
	e := m.lookup(id)
	if e == nil {
		return Credential{}, &NotFoundError{ID: id}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cred.snapshot(), nil
}

func (m *Manager) lookup(id string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[id]
}

// Transition applies the I3 transition table, persists a StateTransition,
// and emits credential_transitioned. A same-state transition is a no-op
// (round-trip idempotence law).
func (m *Manager) Transition(ctx context.Context, id string, newState State, reason string) error {
	e := m.lookup(id)
	if e == nil {
		return &NotFoundError{ID: id}
	}

	e.mu.Lock()
	old := e.cred.State
	if old == newState {
		e.mu.Unlock()
		return nil
	}
	if !IsLegalTransition(old, newState) {
		e.mu.Unlock()
		return &InvalidTransitionError{From: old, To: newState}
	}
	e.cred.State = newState
	if newState != Throttled {
		e.cred.CooldownUntil = time.Time{}
	}
	snap := e.cred.snapshot()
	e.mu.Unlock()

	tr := store.TransitionRecord{
		ID:           mustID(),
		Timestamp:    m.now(),
		CredentialID: id,
		OldState:     string(old),
		NewState:     string(newState),
		Reason:       reason,
	}
	if err := m.store.SaveTransition(ctx, tr); err != nil {
		return fmt.Errorf("credential: persist transition: %w", err)
	}

	m.publish(events.CredentialTransition, snap, reason, "")
	return nil
}

// TransitionWithCooldown is Transition specialized for entering Throttled
// with a cooldown deadline, used by the Router Façade on a Throttled
// classification (spec §4.7 step 6).
func (m *Manager) TransitionWithCooldown(ctx context.Context, id string, cooldown time.Duration, reason string) error {
	e := m.lookup(id)
	if e == nil {
		return &NotFoundError{ID: id}
	}
	e.mu.Lock()
	old := e.cred.State
	if !IsLegalTransition(old, Throttled) {
		e.mu.Unlock()
		return &InvalidTransitionError{From: old, To: Throttled}
	}
	e.cred.State = Throttled
	e.cred.CooldownUntil = m.now().Add(cooldown)
	e.mu.Unlock()

	tr := store.TransitionRecord{
		ID:           mustID(),
		Timestamp:    m.now(),
		CredentialID: id,
		OldState:     string(old),
		NewState:     string(Throttled),
		Reason:       reason,
	}
	if err := m.store.SaveTransition(ctx, tr); err != nil {
		return fmt.Errorf("credential: persist transition: %w", err)
	}
	m.publish(events.CredentialTransition, Credential{ID: id}, reason, "")
	return nil
}

// Rotate atomically seals new material, replaces it, resets the failure
// counter, and retains id/metadata. Emits credential_rotated.
func (m *Manager) Rotate(ctx context.Context, id, newMaterial string) (Credential, error) {
	if newMaterial == "" {
		return Credential{}, &RegistrationError{Reason: "material is empty"}
	}
	e := m.lookup(id)
	if e == nil {
		return Credential{}, &NotFoundError{ID: id}
	}

	sealed, err := m.vault.SealString(newMaterial)
	if err != nil {
		return Credential{}, fmt.Errorf("credential: seal material: %w", err)
	}

	e.mu.Lock()
	e.cred.FailureCount = 0
	snap := e.cred.snapshot()
	e.mu.Unlock()

	if err := m.store.SaveCredential(ctx, toRecord(snap, sealed)); err != nil {
		return Credential{}, fmt.Errorf("credential: persist rotation: %w", err)
	}

	m.publish(events.CredentialRotated, snap, "", "rotated")
	return snap, nil
}

// Revoke transitions the credential to Disabled. The record is retained for
// audit (never deleted).
func (m *Manager) Revoke(ctx context.Context, id, reason string) error {
	if err := m.Transition(ctx, id, Disabled, reason); err != nil {
		return err
	}
	e := m.lookup(id)
	if e != nil {
		e.mu.Lock()
		snap := e.cred.snapshot()
		e.mu.Unlock()
		m.publish(events.CredentialRevoked, snap, reason, "")
	}
	return nil
}

// Eligible returns credentials for providerID with state = Available,
// filtered by filter (may be nil). Order is unspecified; the Routing Engine
// orders.
//
// A Throttled credential whose cooldown has elapsed is auto-promoted back
// to Available as a side effect, with the promotion for a given credential
// coalesced across concurrent callers via singleflight so they don't race
// to write the same transition twice.
func (m *Manager) Eligible(ctx context.Context, providerID string, filter SelectionFilter) ([]Candidate, error) {
	m.mu.RLock()
	snapshot := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		snapshot = append(snapshot, e)
	}
	m.mu.RUnlock()

	var out []Candidate
	for _, e := range snapshot {
		e.mu.Lock()
		cred := e.cred.snapshot()
		e.mu.Unlock()

		if cred.ProviderID != providerID {
			continue
		}

		if cred.State == Throttled && !cred.CooldownUntil.IsZero() && !m.now().Before(cred.CooldownUntil) {
			if _, err, _ := m.promoteGroup.Do(cred.ID, func() (interface{}, error) {
				return nil, m.Transition(ctx, cred.ID, Available, "cooldown_elapsed")
			}); err != nil {
				return nil, fmt.Errorf("credential: auto-promote %s: %w", cred.ID, err)
			}
			cred.State = Available
		}

		if cred.State != Available {
			continue
		}

		cand := Candidate{
			ID:           cred.ID,
			ProviderID:   cred.ProviderID,
			State:        cred.State,
			SuccessCount: cred.SuccessCount,
			FailureCount: cred.FailureCount,
			LastUsedAt:   cred.LastUsedAt,
			Metadata:     cred.Metadata,
		}
		if filter != nil && !filter.Allows(cand) {
			continue
		}
		out = append(out, cand)
	}
	return out, nil
}

// StateCounts returns, for every credential registered against providerID,
// a count by state. The Routing Engine uses this to build the diagnostic
// breakdown on NoEligibleCandidates (spec §4.6 edge cases) without having to
// duplicate the Manager's locking.
func (m *Manager) StateCounts(providerID string) map[State]int {
	m.mu.RLock()
	snapshot := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		snapshot = append(snapshot, e)
	}
	m.mu.RUnlock()

	counts := make(map[State]int)
	for _, e := range snapshot {
		e.mu.Lock()
		cred := e.cred.snapshot()
		e.mu.Unlock()
		if cred.ProviderID != providerID {
			continue
		}
		counts[cred.State]++
	}
	return counts
}

// RecordSuccess increments the success counter and stamps last-used. Called
// by the Router Façade after a successful adapter call.
func (m *Manager) RecordSuccess(id string, at time.Time) {
	e := m.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.cred.SuccessCount++
	e.cred.LastUsedAt = &at
	e.mu.Unlock()
}

// RecordFailure increments the failure counter without changing state; state
// transitions on failure are driven explicitly by the Router Façade's error
// classification, not implicitly here.
func (m *Manager) RecordFailure(id string) {
	e := m.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.cred.FailureCount++
	e.mu.Unlock()
}

// Open returns the unsealed material for a single call. Callers must not
// retain or log the returned string (I1).
func (m *Manager) Open(ctx context.Context, id string) (string, error) {
	rec, err := m.store.GetCredential(ctx, id)
	if err != nil {
		return "", fmt.Errorf("credential: load sealed record: %w", err)
	}
	plain, err := m.vault.OpenString(rec.SealedMaterial)
	if err != nil {
		// A vault.CryptoError here means tamper or key mismatch; callers
		// must treat the credential as Invalid (spec §4.1).
		_ = m.Transition(ctx, id, Invalid, "crypto_error_on_open")
		return "", err
	}
	return plain, nil
}

func (m *Manager) publish(t events.Type, c Credential, reason, fallbackReason string) {
	if m.bus == nil {
		return
	}
	r := reason
	if r == "" {
		r = fallbackReason
	}
	m.bus.Publish(events.Event{
		Type:         t,
		CredentialID: c.ID,
		ProviderID:   c.ProviderID,
		Reason:       r,
		NewState:     string(c.State),
	})
}

func toRecord(c Credential, sealed string) store.CredentialRecord {
	return store.CredentialRecord{
		ID:             c.ID,
		ProviderID:     c.ProviderID,
		SealedMaterial: sealed,
		State:          string(c.State),
		SuccessCount:   c.SuccessCount,
		FailureCount:   c.FailureCount,
		LastUsedAt:     c.LastUsedAt,
		Metadata:       c.Metadata,
		CreatedAt:      c.CreatedAt,
	}
}

func mustID() string {
	id, err := generateID()
	if err != nil {
		// crypto/rand failing is a programmer/environment-level fault, not a
		// routing outcome; matches the Design Note that only true bugs panic.
		panic("credential: crypto/rand unavailable: " + err.Error())
	}
	return id
}
