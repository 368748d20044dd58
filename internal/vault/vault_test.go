package vault

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/llmrouter/internal/events"
)

func rawKeyVault(t *testing.T) *Vault {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := New(Config{RawKeyHex: hex.EncodeToString(key)}, nil)
	require.NoError(t, err)
	return v
}

func TestVault_SealOpenRoundTrip(t *testing.T) {
	v := rawKeyVault(t)

	sealed, err := v.Seal([]byte("sk-super-secret"))
	require.NoError(t, err)

	plain, err := v.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-super-secret", string(plain))
}

func TestVault_SealStringOpenStringRoundTrip(t *testing.T) {
	v := rawKeyVault(t)

	sealed, err := v.SealString("sk-super-secret")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "sk-super-secret")

	plain, err := v.OpenString(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-super-secret", plain)
}

func TestVault_OpenTamperedCiphertextFails(t *testing.T) {
	v := rawKeyVault(t)

	sealed, err := v.Seal([]byte("sk-super-secret"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF

	_, err = v.Open(sealed)
	require.Error(t, err)
	var cryptoErr *CryptoError
	require.ErrorAs(t, err, &cryptoErr)
}

func TestVault_OpenWithDifferentKeyFails(t *testing.T) {
	v1 := rawKeyVault(t)
	other := make([]byte, 32)
	for i := range other {
		other[i] = byte(255 - i)
	}
	v2, err := New(Config{RawKeyHex: hex.EncodeToString(other)}, nil)
	require.NoError(t, err)

	sealed, err := v1.Seal([]byte("sk-super-secret"))
	require.NoError(t, err)

	_, err = v2.Open(sealed)
	require.Error(t, err)
}

func TestVault_OpenTruncatedCiphertextFails(t *testing.T) {
	v := rawKeyVault(t)
	_, err := v.Open([]byte("too-short"))
	require.Error(t, err)
}

func TestVault_RejectsWrongLengthRawKey(t *testing.T) {
	_, err := New(Config{RawKeyHex: "abcd"}, nil)
	require.Error(t, err)
}

func TestVault_PassphraseDerivesStableKeyGivenSameSalt(t *testing.T) {
	salt := make([]byte, saltLen)
	v1, err := New(Config{Passphrase: "correct horse battery staple", Salt: salt}, nil)
	require.NoError(t, err)
	v2, err := New(Config{Passphrase: "correct horse battery staple", Salt: salt}, nil)
	require.NoError(t, err)

	sealed, err := v1.Seal([]byte("value"))
	require.NoError(t, err)
	plain, err := v2.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "value", string(plain))
}

func TestVault_PassphraseDifferentSaltsDeriveDifferentKeys(t *testing.T) {
	v1, err := New(Config{Passphrase: "same passphrase"}, nil)
	require.NoError(t, err)
	v2, err := New(Config{Passphrase: "same passphrase"}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, v1.Salt(), v2.Salt())

	sealed, err := v1.Seal([]byte("value"))
	require.NoError(t, err)
	_, err = v2.Open(sealed)
	require.Error(t, err)
}

func TestVault_EphemeralKeyPublishesWarningEvent(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)

	_, err := New(Config{}, bus)
	require.NoError(t, err)

	select {
	case e := <-sub.C:
		assert.Equal(t, events.VaultKeyEphemeral, e.Type)
	default:
		t.Fatal("expected an ephemeral-key warning event")
	}
}

func TestVault_RawKeyDoesNotPublishWarning(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)

	key := make([]byte, 32)
	_, err := New(Config{RawKeyHex: hex.EncodeToString(key)}, bus)
	require.NoError(t, err)

	assert.Equal(t, 0, len(sub.C))
}
