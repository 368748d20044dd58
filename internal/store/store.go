// Package store defines the State Store contract (spec §2, §6.B): the
// persistence boundary for credentials, capacity snapshots, decision
// records, and transition records, plus an in-memory reference
// implementation. Networked/durable backings implement the same Store
// interface and are out of scope for this core.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// CredentialRecord is the persisted form of a Credential. SealedMaterial is
// opaque ciphertext produced by the vault; the store never sees plaintext
// (I1).
type CredentialRecord struct {
	ID             string
	ProviderID     string
	SealedMaterial string
	State          string
	SuccessCount   int64
	FailureCount   int64
	LastUsedAt     *time.Time
	Metadata       map[string]string
	CreatedAt      time.Time
}

// CapacitySnapshotRecord is the persisted form of a CapacitySnapshot.
type CapacitySnapshotRecord struct {
	CredentialID  string
	Window        string
	TotalCapacity *int64
	Consumed      int64
	Remaining     int64
	Tier          string
	ResetInstant  time.Time
	UpdatedAt     time.Time
}

// DecisionRecord is the persisted form of a RoutingDecision.
type DecisionRecord struct {
	ID              string
	Timestamp       time.Time
	RequestFP       string
	ChosenID        string
	Candidates      []string
	Objective       string
	Scores          map[string]float64
	Explanation     string
	CorrelationID   string
}

// TransitionRecord is the persisted form of a StateTransition.
type TransitionRecord struct {
	ID            string
	Timestamp     time.Time
	CredentialID  string
	OldState      string
	NewState      string
	Reason        string
	Context       string
}

// Record is the common envelope Query returns, letting a single filter span
// multiple entity kinds without the caller needing four separate calls.
type Record struct {
	EntityType string // "credential" | "decision" | "transition"
	Credential *CredentialRecord
	Decision   *DecisionRecord
	Transition *TransitionRecord
}

// Filter selects which records Query returns, matching the admin query
// surface's filter object (spec §6 exposed interface 2).
type Filter struct {
	EntityType   string // "credential" | "decision" | "transition" | "" (any)
	CredentialID string
	ProviderID   string
	State        string
	FromTS       *time.Time
	ToTS         *time.Time
	Limit        int
	Offset       int
}

// Store is the persistence contract the rest of the core depends on.
// Failure during a write must be surfaced as an InternalError by the caller;
// the core does not proceed with dispatch if a pre-dispatch decision record
// could not be committed (I5/P4).
type Store interface {
	SaveCredential(ctx context.Context, rec CredentialRecord) error
	GetCredential(ctx context.Context, id string) (*CredentialRecord, error)

	SaveCapacitySnapshot(ctx context.Context, rec CapacitySnapshotRecord) error
	GetCapacitySnapshot(ctx context.Context, credentialID, window string) (*CapacitySnapshotRecord, error)

	SaveDecision(ctx context.Context, rec DecisionRecord) error
	SaveTransition(ctx context.Context, rec TransitionRecord) error

	Query(ctx context.Context, filter Filter) ([]Record, error)
}

// MemoryStore is the in-memory reference implementation named in the
// component budget table. It is safe for concurrent use; each entity kind
// has its own mutex, matching the per-entity-mutex pattern used throughout
// this module rather than one global lock.
type MemoryStore struct {
	credMu sync.RWMutex
	creds  map[string]CredentialRecord

	snapMu sync.RWMutex
	snaps  map[string]CapacitySnapshotRecord // key: credentialID + "/" + window

	logMu       sync.RWMutex
	decisions   []DecisionRecord
	transitions []TransitionRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds: make(map[string]CredentialRecord),
		snaps: make(map[string]CapacitySnapshotRecord),
	}
}

func snapshotKey(credentialID, window string) string {
	return credentialID + "/" + window
}

func (m *MemoryStore) SaveCredential(_ context.Context, rec CredentialRecord) error {
	m.credMu.Lock()
	defer m.credMu.Unlock()
	m.creds[rec.ID] = rec
	return nil
}

func (m *MemoryStore) GetCredential(_ context.Context, id string) (*CredentialRecord, error) {
	m.credMu.RLock()
	defer m.credMu.RUnlock()
	rec, ok := m.creds[id]
	if !ok {
		return nil, fmt.Errorf("store: credential %s: %w", id, ErrNotFound)
	}
	return &rec, nil
}

func (m *MemoryStore) SaveCapacitySnapshot(_ context.Context, rec CapacitySnapshotRecord) error {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	m.snaps[snapshotKey(rec.CredentialID, rec.Window)] = rec
	return nil
}

func (m *MemoryStore) GetCapacitySnapshot(_ context.Context, credentialID, window string) (*CapacitySnapshotRecord, error) {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	rec, ok := m.snaps[snapshotKey(credentialID, window)]
	if !ok {
		return nil, fmt.Errorf("store: snapshot %s/%s: %w", credentialID, window, ErrNotFound)
	}
	return &rec, nil
}

func (m *MemoryStore) SaveDecision(_ context.Context, rec DecisionRecord) error {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	m.decisions = append(m.decisions, rec)
	return nil
}

func (m *MemoryStore) SaveTransition(_ context.Context, rec TransitionRecord) error {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	m.transitions = append(m.transitions, rec)
	return nil
}

func (m *MemoryStore) Query(_ context.Context, filter Filter) ([]Record, error) {
	var out []Record

	if filter.EntityType == "" || filter.EntityType == "credential" {
		m.credMu.RLock()
		for _, c := range m.creds {
			cc := c
			if matchCredential(cc, filter) {
				out = append(out, Record{EntityType: "credential", Credential: &cc})
			}
		}
		m.credMu.RUnlock()
	}

	m.logMu.RLock()
	if filter.EntityType == "" || filter.EntityType == "decision" {
		for _, d := range m.decisions {
			dd := d
			if filter.CredentialID != "" && dd.ChosenID != filter.CredentialID {
				continue
			}
			if !withinWindow(dd.Timestamp, filter) {
				continue
			}
			out = append(out, Record{EntityType: "decision", Decision: &dd})
		}
	}
	if filter.EntityType == "" || filter.EntityType == "transition" {
		for _, tr := range m.transitions {
			tt := tr
			if filter.CredentialID != "" && tt.CredentialID != filter.CredentialID {
				continue
			}
			if filter.State != "" && tt.NewState != filter.State {
				continue
			}
			if !withinWindow(tt.Timestamp, filter) {
				continue
			}
			out = append(out, Record{EntityType: "transition", Transition: &tt})
		}
	}
	m.logMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return recordTimestamp(out[i]).Before(recordTimestamp(out[j]))
	})

	if filter.Offset > 0 && filter.Offset < len(out) {
		out = out[filter.Offset:]
	} else if filter.Offset >= len(out) {
		out = nil
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchCredential(c CredentialRecord, f Filter) bool {
	if f.CredentialID != "" && c.ID != f.CredentialID {
		return false
	}
	if f.ProviderID != "" && c.ProviderID != f.ProviderID {
		return false
	}
	if f.State != "" && c.State != f.State {
		return false
	}
	return true
}

func withinWindow(ts time.Time, f Filter) bool {
	if f.FromTS != nil && ts.Before(*f.FromTS) {
		return false
	}
	if f.ToTS != nil && ts.After(*f.ToTS) {
		return false
	}
	return true
}

func recordTimestamp(r Record) time.Time {
	switch r.EntityType {
	case "decision":
		return r.Decision.Timestamp
	case "transition":
		return r.Transition.Timestamp
	default:
		return r.Credential.CreatedAt
	}
}
