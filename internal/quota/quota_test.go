package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/llmrouter/internal/credential"
	"github.com/jordanhubbard/llmrouter/internal/events"
	"github.com/jordanhubbard/llmrouter/internal/store"
	"github.com/jordanhubbard/llmrouter/internal/vault"
)

func testEngineWithCredential(t *testing.T) (*Engine, *credential.Manager, string) {
	t.Helper()
	v, err := vault.New(vault.Config{}, nil)
	require.NoError(t, err)
	st := store.NewMemoryStore()
	bus := events.NewBus()
	cm := credential.New(st, v, bus)
	c, err := cm.Register(context.Background(), "sk-a", "openai", nil)
	require.NoError(t, err)

	eng := New(st, bus, cm)
	eng.Configure(c.ID, Daily, 1000, time.Now().Add(24*time.Hour))
	return eng, cm, c.ID
}

func TestEngine_ObserveIncrementsConsumed(t *testing.T) {
	eng, _, id := testEngineWithCredential(t)
	require.NoError(t, eng.Observe(context.Background(), id, Daily, 100, time.Now()))

	snap := eng.Snapshot(id, Daily)
	assert.Equal(t, int64(100), snap.Consumed)
	assert.Equal(t, Abundant, snap.Tier)
}

func TestEngine_ConsumedNeverDecreasesWithoutReset(t *testing.T) {
	eng, _, id := testEngineWithCredential(t)
	require.NoError(t, eng.Observe(context.Background(), id, Daily, 100, time.Now()))
	before := eng.Snapshot(id, Daily).Consumed
	require.NoError(t, eng.Observe(context.Background(), id, Daily, 50, time.Now()))
	after := eng.Snapshot(id, Daily).Consumed
	assert.Greater(t, after, before)
}

func TestEngine_TierClassification(t *testing.T) {
	eng, _, id := testEngineWithCredential(t)
	require.NoError(t, eng.Observe(context.Background(), id, Daily, 600, time.Now()))
	assert.Equal(t, Constrained, eng.Snapshot(id, Daily).Tier)

	require.NoError(t, eng.Observe(context.Background(), id, Daily, 350, time.Now()))
	assert.Equal(t, Critical, eng.Snapshot(id, Daily).Tier)
}

func TestEngine_ExhaustionTransitionsCredential(t *testing.T) {
	eng, cm, id := testEngineWithCredential(t)
	require.NoError(t, eng.Observe(context.Background(), id, Daily, 1001, time.Now()))

	snap := eng.Snapshot(id, Daily)
	assert.Equal(t, Exhausted, snap.Tier)

	c, err := cm.Get(id)
	require.NoError(t, err)
	assert.Equal(t, credential.Exhausted, c.State)
}

func TestEngine_ResetRestoresAbundantAndCredential(t *testing.T) {
	eng, cm, id := testEngineWithCredential(t)
	require.NoError(t, eng.Observe(context.Background(), id, Daily, 1001, time.Now()))
	require.NoError(t, eng.Reset(context.Background(), id, Daily))

	snap := eng.Snapshot(id, Daily)
	assert.Equal(t, Abundant, snap.Tier)
	assert.Equal(t, int64(0), snap.Consumed)

	c, err := cm.Get(id)
	require.NoError(t, err)
	assert.Equal(t, credential.Available, c.State)
}

func TestEngine_ResetAdvancesResetInstantPastWindowBoundary(t *testing.T) {
	st := store.NewMemoryStore()
	bus := events.NewBus()
	eng := New(st, bus, nil)
	ctx := context.Background()

	due := time.Now().Add(-time.Minute)
	eng.Configure("cred-a", Daily, 100, due)
	require.NoError(t, eng.Observe(ctx, "cred-a", Daily, 90, time.Now()))
	require.Contains(t, eng.DueForReset(time.Now()), DueKey{CredentialID: "cred-a", Window: Daily})

	require.NoError(t, eng.Reset(ctx, "cred-a", Daily))

	// A dip below Abundant moments later must not make the entry due again:
	// ResetInstant has been rolled forward a full Daily period, not left at
	// the instant that just fired.
	require.NoError(t, eng.Observe(ctx, "cred-a", Daily, 90, time.Now()))
	assert.NotContains(t, eng.DueForReset(time.Now()), DueKey{CredentialID: "cred-a", Window: Daily})
	assert.Contains(t, eng.DueForReset(time.Now().Add(25*time.Hour)), DueKey{CredentialID: "cred-a", Window: Daily})
}

func TestEngine_PredictExhaustionAdvisoryOnly(t *testing.T) {
	eng, _, id := testEngineWithCredential(t)
	base := time.Now()
	require.NoError(t, eng.Observe(context.Background(), id, Daily, 100, base))
	require.NoError(t, eng.Observe(context.Background(), id, Daily, 100, base.Add(time.Minute)))

	_, ok := eng.PredictExhaustion(id, Daily)
	assert.True(t, ok)

	// Even when a projection exists, an Abundant-tier credential stays
	// eligible; eligibility is never gated on this projection (Open Question
	// #3 decision).
	snap := eng.Snapshot(id, Daily)
	assert.NotEqual(t, Exhausted, snap.Tier)
}

func TestEngine_PredictExhaustionUncappedReturnsNever(t *testing.T) {
	st := store.NewMemoryStore()
	eng := New(st, nil, nil)
	_, ok := eng.PredictExhaustion("uncapped", Daily)
	assert.False(t, ok)
}

func TestEngine_DueForReset(t *testing.T) {
	st := store.NewMemoryStore()
	eng := New(st, nil, nil)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	eng.Configure("cred-a", Daily, 100, past)
	require.NoError(t, eng.Observe(ctx, "cred-a", Daily, 60, time.Now()))

	future := time.Now().Add(time.Hour)
	eng.Configure("cred-b", Daily, 100, future)
	require.NoError(t, eng.Observe(ctx, "cred-b", Daily, 60, time.Now()))

	due := eng.DueForReset(time.Now())
	require.Len(t, due, 1)
	assert.Equal(t, "cred-a", due[0].CredentialID)
}

func TestThresholds_Classify(t *testing.T) {
	th := DefaultThresholds()
	cap := int64(100)
	assert.Equal(t, Abundant, th.classify(&cap, 40))
	assert.Equal(t, Constrained, th.classify(&cap, 60))
	assert.Equal(t, Critical, th.classify(&cap, 90))
	assert.Equal(t, Exhausted, th.classify(&cap, 100))
	assert.Equal(t, Abundant, th.classify(nil, 1000000))
}
