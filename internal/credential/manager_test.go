package credential

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/llmrouter/internal/events"
	"github.com/jordanhubbard/llmrouter/internal/store"
	"github.com/jordanhubbard/llmrouter/internal/vault"
)

func testManager(t *testing.T) (*Manager, store.Store, *events.Bus) {
	t.Helper()
	v, err := vault.New(vault.Config{}, nil)
	require.NoError(t, err)
	st := store.NewMemoryStore()
	bus := events.NewBus()
	return New(st, v, bus), st, bus
}

func TestManager_RegisterNeverLeaksMaterial(t *testing.T) {
	m, st, bus := testManager(t)
	sub := bus.Subscribe(8)
	defer bus.Unsubscribe(sub)

	c, err := m.Register(context.Background(), "sk-top-secret", "openai", map[string]string{"tier": "pro"})
	require.NoError(t, err)
	assert.Equal(t, Available, c.State)

	rec, err := st.GetCredential(context.Background(), c.ID)
	require.NoError(t, err)
	assert.NotContains(t, rec.SealedMaterial, "sk-top-secret")

	select {
	case e := <-sub.C:
		assert.Equal(t, events.CredentialRegistered, e.Type)
		assert.NotContains(t, string(e.JSON()), "sk-top-secret")
	default:
		t.Fatal("expected a credential_registered event")
	}
}

func TestManager_RegisterRejectsEmptyMaterial(t *testing.T) {
	m, _, _ := testManager(t)
	_, err := m.Register(context.Background(), "", "openai", nil)
	require.Error(t, err)
}

func TestManager_GetRoundTrip(t *testing.T) {
	m, _, _ := testManager(t)
	c, err := m.Register(context.Background(), "sk-abc", "openai", nil)
	require.NoError(t, err)

	got, err := m.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, c.ProviderID, got.ProviderID)
}

func TestManager_GetUnknownReturnsNotFound(t *testing.T) {
	m, _, _ := testManager(t)
	_, err := m.Get("nope")
	require.Error(t, err)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestManager_TransitionIsNoOpForSameState(t *testing.T) {
	m, st, _ := testManager(t)
	c, err := m.Register(context.Background(), "sk-abc", "openai", nil)
	require.NoError(t, err)

	require.NoError(t, m.Transition(context.Background(), c.ID, Available, "noop"))

	recs, err := st.Query(context.Background(), store.Filter{EntityType: "transition"})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestManager_TransitionRejectsIllegalMove(t *testing.T) {
	m, _, _ := testManager(t)
	c, err := m.Register(context.Background(), "sk-abc", "openai", nil)
	require.NoError(t, err)
	require.NoError(t, m.Transition(context.Background(), c.ID, Disabled, "manual"))

	err = m.Transition(context.Background(), c.ID, Throttled, "bad")
	require.Error(t, err)
	var it *InvalidTransitionError
	assert.ErrorAs(t, err, &it)
}

func TestManager_TransitionPersistsRecord(t *testing.T) {
	m, st, _ := testManager(t)
	c, err := m.Register(context.Background(), "sk-abc", "openai", nil)
	require.NoError(t, err)
	require.NoError(t, m.Transition(context.Background(), c.ID, Disabled, "manual"))

	recs, err := st.Query(context.Background(), store.Filter{EntityType: "transition", CredentialID: c.ID})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, string(Disabled), recs[0].Transition.NewState)
}

func TestManager_RotatePreservesIDAndMetadata(t *testing.T) {
	m, _, _ := testManager(t)
	c, err := m.Register(context.Background(), "sk-old", "openai", map[string]string{"team": "a"})
	require.NoError(t, err)

	rotated, err := m.Rotate(context.Background(), c.ID, "sk-new")
	require.NoError(t, err)
	assert.Equal(t, c.ID, rotated.ID)
	assert.Equal(t, "a", rotated.Metadata["team"])

	plain, err := m.Open(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, "sk-new", plain)
}

func TestManager_RevokeDisablesButRetainsRecord(t *testing.T) {
	m, st, _ := testManager(t)
	c, err := m.Register(context.Background(), "sk-abc", "openai", nil)
	require.NoError(t, err)
	require.NoError(t, m.Revoke(context.Background(), c.ID, "compromised"))

	got, err := m.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, Disabled, got.State)

	_, err = st.GetCredential(context.Background(), c.ID)
	require.NoError(t, err, "revoked record must still be retrievable for audit")
}

func TestManager_EligibleFiltersByProviderAndState(t *testing.T) {
	m, _, _ := testManager(t)
	a, err := m.Register(context.Background(), "sk-a", "openai", nil)
	require.NoError(t, err)
	b, err := m.Register(context.Background(), "sk-b", "openai", nil)
	require.NoError(t, err)
	_, err = m.Register(context.Background(), "sk-c", "anthropic", nil)
	require.NoError(t, err)
	require.NoError(t, m.Transition(context.Background(), b.ID, Disabled, "manual"))

	cands, err := m.Eligible(context.Background(), "openai", nil)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, a.ID, cands[0].ID)
}

type denyAllFilter struct{}

func (denyAllFilter) Allows(Candidate) bool { return false }

func TestManager_EligibleAppliesSelectionFilter(t *testing.T) {
	m, _, _ := testManager(t)
	_, err := m.Register(context.Background(), "sk-a", "openai", nil)
	require.NoError(t, err)

	cands, err := m.Eligible(context.Background(), "openai", denyAllFilter{})
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestManager_ThrottledCooldownAutoPromotes(t *testing.T) {
	m, _, _ := testManager(t)
	c, err := m.Register(context.Background(), "sk-a", "openai", nil)
	require.NoError(t, err)

	require.NoError(t, m.TransitionWithCooldown(context.Background(), c.ID, 10*time.Millisecond, "throttled_by_upstream"))

	cands, err := m.Eligible(context.Background(), "openai", nil)
	require.NoError(t, err)
	assert.Empty(t, cands, "still within cooldown")

	time.Sleep(20 * time.Millisecond)

	cands, err = m.Eligible(context.Background(), "openai", nil)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, c.ID, cands[0].ID)
}

func TestIsLegalTransition(t *testing.T) {
	assert.True(t, IsLegalTransition(Available, Throttled))
	assert.True(t, IsLegalTransition(Throttled, Available))
	assert.True(t, IsLegalTransition(Available, Disabled))
	assert.True(t, IsLegalTransition(Exhausted, Invalid))
	assert.False(t, IsLegalTransition(Disabled, Available))
	assert.False(t, IsLegalTransition(Throttled, Exhausted))
	assert.True(t, IsLegalTransition(Available, Available))
}
