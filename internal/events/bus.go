package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Type identifies the kind of event published on the bus.
type Type string

const (
	CredentialRegistered Type = "credential_registered"
	CredentialRotated    Type = "credential_rotated"
	CredentialRevoked    Type = "credential_revoked"
	CredentialTransition Type = "credential_transitioned"

	QuotaReset     Type = "quota_reset"
	QuotaExhausted Type = "quota_exhausted"

	BudgetBreached Type = "budget_breached"

	DecisionRecorded Type = "decision_recorded"

	RequestStarted   Type = "request_started"
	RequestSucceeded Type = "request_succeeded"
	RequestFailed    Type = "request_failed"

	// VaultKeyEphemeral is emitted once at startup when the vault could not
	// find a persistent key in the environment and generated one in memory.
	VaultKeyEphemeral Type = "vault_key_ephemeral"
)

// Event is a single structured event published on the bus. Every event
// carries the correlation id propagated from the RequestIntent that caused
// it, when one exists. Credential material itself is never placed on an
// Event field (I1).
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	CorrelationID string `json:"correlation_id,omitempty"`
	CredentialID  string `json:"credential_id,omitempty"`
	ProviderID    string `json:"provider_id,omitempty"`
	ModelID       string `json:"model_id,omitempty"`

	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`
	Reason   string `json:"reason,omitempty"`

	Objective string  `json:"objective,omitempty"`
	CostUSD   string  `json:"cost_usd,omitempty"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	ErrorKind string  `json:"error_kind,omitempty"`
}

// JSON renders the event as a JSON byte slice. Marshal errors are swallowed:
// an event is best-effort observability, never a durable record.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a buffered channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Bus is an in-memory pub/sub event sink. Publish never blocks: a slow
// subscriber drops events rather than stall the caller.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[*Subscriber]struct{})}
}

// Subscribe creates a new subscriber with a buffered channel of the given
// size (defaults to 64 when bufSize <= 0).
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{C: make(chan Event, bufSize), done: make(chan struct{})}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its internal done channel; the
// event channel C is left open.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish sends an event to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			// Drop event if subscriber is slow (back-pressure).
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
