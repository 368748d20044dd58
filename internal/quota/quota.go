// Package quota implements the Quota Engine (spec §4.3): per-(credential,
// window) capacity tracking, tier classification, and advisory exhaustion
// prediction via a rolling consumption-rate window.
package quota

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/llmrouter/internal/credential"
	"github.com/jordanhubbard/llmrouter/internal/events"
	"github.com/jordanhubbard/llmrouter/internal/store"
)

// Window is the closed set of time windows a CapacitySnapshot or Budget can
// be scoped to.
type Window string

const (
	Hourly  Window = "Hourly"
	Daily   Window = "Daily"
	Monthly Window = "Monthly"
)

// Tier is the coarse bucket of remaining capacity (GLOSSARY: Tier).
type Tier string

const (
	Abundant   Tier = "Abundant"
	Constrained Tier = "Constrained"
	Critical   Tier = "Critical"
	Exhausted  Tier = "Exhausted"
)

// Thresholds configures tier boundaries, expressed as remaining fraction of
// TotalCapacity. Defaults match spec §4.3: Abundant >= 50%, Constrained <
// 50%, Critical < 15%, Exhausted <= 0.
type Thresholds struct {
	Abundant   float64
	Constrained float64
	Critical   float64
}

// DefaultThresholds returns the default tier boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{Abundant: 0.50, Constrained: 0.50, Critical: 0.15}
}

func (t Thresholds) classify(totalCapacity *int64, consumed int64) Tier {
	if totalCapacity == nil || *totalCapacity <= 0 {
		return Abundant // uncapped credential: never exhausted by quota alone
	}
	total := *totalCapacity
	remaining := total - consumed
	if remaining <= 0 {
		return Exhausted
	}
	frac := float64(remaining) / float64(total)
	switch {
	case frac >= t.Abundant:
		return Abundant
	case frac >= t.Critical:
		return Constrained
	default:
		return Critical
	}
}

// CapacitySnapshot is the in-memory view of a (credential, window) capacity
// record.
type CapacitySnapshot struct {
	CredentialID  string
	Window        Window
	TotalCapacity *int64
	Consumed      int64
	Remaining     int64
	Tier          Tier
	ResetInstant  time.Time
}

type observation struct {
	at    time.Time
	delta int64
}

type snapshotEntry struct {
	mu   sync.Mutex
	snap CapacitySnapshot
	ring []observation // rolling consumption history for predict_exhaustion
}

const ringCapacity = 32

// Engine is the Quota Engine component.
type Engine struct {
	store      store.Store
	bus        *events.Bus
	credential *credential.Manager
	thresholds Thresholds

	mu      sync.RWMutex
	entries map[string]*snapshotEntry // key: credentialID + "/" + window

	now func() time.Time
}

// New constructs a Quota Engine. credMgr may be nil only in tests that don't
// exercise the Exhausted<->Available feedback loop.
func New(st store.Store, bus *events.Bus, credMgr *credential.Manager) *Engine {
	return &Engine{
		store:      st,
		bus:        bus,
		credential: credMgr,
		thresholds: DefaultThresholds(),
		entries:    make(map[string]*snapshotEntry),
		now:        time.Now,
	}
}

func key(credentialID string, w Window) string {
	return credentialID + "/" + string(w)
}

func (e *Engine) entryFor(credentialID string, w Window, resetInstant time.Time) *snapshotEntry {
	k := key(credentialID, w)
	e.mu.RLock()
	se, ok := e.entries[k]
	e.mu.RUnlock()
	if ok {
		return se
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if se, ok := e.entries[k]; ok {
		return se
	}
	se = &snapshotEntry{snap: CapacitySnapshot{
		CredentialID: credentialID,
		Window:       w,
		Tier:         Abundant,
		ResetInstant: resetInstant,
	}}
	e.entries[k] = se
	return se
}

// Configure establishes (or re-establishes) the total capacity for a
// (credential, window) pair, used at registration/configuration time.
func (e *Engine) Configure(credentialID string, w Window, totalCapacity int64, resetInstant time.Time) {
	se := e.entryFor(credentialID, w, resetInstant)
	se.mu.Lock()
	defer se.mu.Unlock()
	se.snap.TotalCapacity = &totalCapacity
	se.snap.ResetInstant = resetInstant
	se.snap.Remaining = totalCapacity - se.snap.Consumed
	se.snap.Tier = e.thresholds.classify(se.snap.TotalCapacity, se.snap.Consumed)
}

// Observe increments consumed units for (credentialID, window), recomputes
// remaining/tier, persists the new snapshot, and — if the tier newly became
// Exhausted — transitions the credential via the Credential Manager (I2/I4).
func (e *Engine) Observe(ctx context.Context, credentialID string, w Window, consumedUnits int64, at time.Time) error {
	se := e.entryFor(credentialID, w, time.Time{})

	se.mu.Lock()
	oldTier := se.snap.Tier
	se.snap.Consumed += consumedUnits
	if se.snap.TotalCapacity != nil {
		se.snap.Remaining = *se.snap.TotalCapacity - se.snap.Consumed
	}
	se.snap.Tier = e.thresholds.classify(se.snap.TotalCapacity, se.snap.Consumed)
	se.ring = append(se.ring, observation{at: at, delta: consumedUnits})
	if len(se.ring) > ringCapacity {
		se.ring = se.ring[len(se.ring)-ringCapacity:]
	}
	snap := se.snap
	newTier := se.snap.Tier
	se.mu.Unlock()

	if err := e.store.SaveCapacitySnapshot(ctx, toRecord(snap)); err != nil {
		return fmt.Errorf("quota: persist snapshot: %w", err)
	}

	if oldTier != Exhausted && newTier == Exhausted {
		if e.bus != nil {
			e.bus.Publish(events.Event{Type: events.QuotaExhausted, CredentialID: credentialID, Reason: string(w)})
		}
		if e.credential != nil {
			if err := e.credential.Transition(ctx, credentialID, credential.Exhausted, "quota"); err != nil {
				return fmt.Errorf("quota: transition to exhausted: %w", err)
			}
		}
	}
	return nil
}

// Snapshot returns the current CapacitySnapshot for (credentialID, window).
func (e *Engine) Snapshot(credentialID string, w Window) CapacitySnapshot {
	se := e.entryFor(credentialID, w, time.Time{})
	se.mu.Lock()
	defer se.mu.Unlock()
	return se.snap
}

// PredictExhaustion returns a linear projection of when consumed will reach
// TotalCapacity, based on the recent rolling consumption rate. Purely
// advisory per spec §4.3/§13 Open Question #3: never consulted by
// eligibility. Returns ok=false for "never" (uncapped, no recent
// consumption, or already exhausted).
func (e *Engine) PredictExhaustion(credentialID string, w Window) (instant time.Time, ok bool) {
	se := e.entryFor(credentialID, w, time.Time{})
	se.mu.Lock()
	defer se.mu.Unlock()

	if se.snap.TotalCapacity == nil || se.snap.Tier == Exhausted || len(se.ring) < 2 {
		return time.Time{}, false
	}

	obs := make([]observation, len(se.ring))
	copy(obs, se.ring)
	sort.Slice(obs, func(i, j int) bool { return obs[i].at.Before(obs[j].at) })

	span := obs[len(obs)-1].at.Sub(obs[0].at)
	if span <= 0 {
		return time.Time{}, false
	}
	var total int64
	for _, o := range obs {
		total += o.delta
	}
	rate := float64(total) / span.Seconds() // units per second
	if rate <= 0 {
		return time.Time{}, false
	}

	remaining := *se.snap.TotalCapacity - se.snap.Consumed
	if remaining <= 0 {
		return time.Time{}, false
	}
	secondsLeft := float64(remaining) / rate
	return obs[len(obs)-1].at.Add(time.Duration(secondsLeft * float64(time.Second))), true
}

// windowDuration returns the period a Window represents, or 0 for an
// unrecognized window (never advanced by Reset).
func windowDuration(w Window) time.Duration {
	switch w {
	case Hourly:
		return time.Hour
	case Daily:
		return 24 * time.Hour
	case Monthly:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Reset resets consumed to 0 and tier to Abundant for (credentialID,
// window), advances ResetInstant to the next window boundary so DueForReset
// doesn't re-fire until a full window has actually elapsed, emits
// quota_reset, and — if the credential was Exhausted — transitions it back
// to Available via the Credential Manager.
func (e *Engine) Reset(ctx context.Context, credentialID string, w Window) error {
	se := e.entryFor(credentialID, w, time.Time{})

	se.mu.Lock()
	wasExhausted := se.snap.Tier == Exhausted
	se.snap.Consumed = 0
	se.snap.Tier = Abundant
	if se.snap.TotalCapacity != nil {
		se.snap.Remaining = *se.snap.TotalCapacity
	}
	if d := windowDuration(w); d > 0 && !se.snap.ResetInstant.IsZero() {
		next := se.snap.ResetInstant.Add(d)
		now := e.now()
		for !next.After(now) {
			next = next.Add(d)
		}
		se.snap.ResetInstant = next
	}
	se.ring = nil
	snap := se.snap
	se.mu.Unlock()

	if err := e.store.SaveCapacitySnapshot(ctx, toRecord(snap)); err != nil {
		return fmt.Errorf("quota: persist reset snapshot: %w", err)
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{Type: events.QuotaReset, CredentialID: credentialID, Reason: string(w)})
	}
	if wasExhausted && e.credential != nil {
		if err := e.credential.Transition(ctx, credentialID, credential.Available, "quota_reset"); err != nil {
			return fmt.Errorf("quota: transition to available: %w", err)
		}
	}
	return nil
}

// DueKey names one (credential, window) pair whose ResetInstant has passed.
type DueKey struct {
	CredentialID string
	Window       Window
}

// DueForReset returns every (credential, window) entry whose ResetInstant is
// non-zero and has passed as of now and whose tier is not Abundant; entries
// still at Abundant are not returned. The durable scheduler polls this to
// drive window resets without every caller having to track deadlines itself.
func (e *Engine) DueForReset(now time.Time) []DueKey {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var due []DueKey
	for _, se := range e.entries {
		se.mu.Lock()
		if !se.snap.ResetInstant.IsZero() && !now.Before(se.snap.ResetInstant) && se.snap.Tier != Abundant {
			due = append(due, DueKey{CredentialID: se.snap.CredentialID, Window: se.snap.Window})
		}
		se.mu.Unlock()
	}
	return due
}

func toRecord(s CapacitySnapshot) store.CapacitySnapshotRecord {
	return store.CapacitySnapshotRecord{
		CredentialID:  s.CredentialID,
		Window:        string(s.Window),
		TotalCapacity: s.TotalCapacity,
		Consumed:      s.Consumed,
		Remaining:     s.Remaining,
		Tier:          string(s.Tier),
		ResetInstant:  s.ResetInstant,
		UpdatedAt:     time.Now(),
	}
}
