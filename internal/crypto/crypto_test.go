package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealRoundTrip(t *testing.T) {
	s, err := NewSealer("process-secret", 1000)
	require.NoError(t, err)

	sealed, err := s.Seal([]byte(`{"token":"abc"}`))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "abc")

	again, err := s.Seal([]byte(`{"token":"abc"}`))
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "salt and nonce must differ per seal")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"token":"abc"}`, string(plain))
}

func TestOpenWithWrongSecret(t *testing.T) {
	a, _ := NewSealer("one", 1000)
	b, _ := NewSealer("two", 1000)

	sealed, err := a.Seal([]byte("x"))
	require.NoError(t, err)
	_, err = b.Open(sealed)
	assert.ErrorIs(t, err, ErrWrongSecret)
}

func TestEmptySecretRejected(t *testing.T) {
	_, err := NewSealer("", 0)
	assert.Error(t, err)
}

func TestWebhookSignature(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := &WebhookSigner{Secret: []byte("hook"), MaxSkew: 5 * time.Minute}
	body := []byte(`{"token":"t"}`)

	header := w.SignAt(body, now)
	require.NoError(t, w.Verify(header, body, now.Add(time.Minute)))

	assert.Error(t, w.Verify(header, []byte(`{"token":"u"}`), now), "tampered body")
	assert.Error(t, w.Verify(header, body, now.Add(10*time.Minute)), "stale timestamp")
	assert.Error(t, w.Verify("garbage", body, now))

	other := &WebhookSigner{Secret: []byte("other")}
	assert.Error(t, other.Verify(header, body, now))
}
