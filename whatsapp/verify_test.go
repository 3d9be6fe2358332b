package whatsapp

import (
	"encoding/hex"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifySubscription(t *testing.T) {
	tokens := []string{"", "primary-token", "second-token"}

	tests := []struct {
		name      string
		query     url.Values
		challenge string
		ok        bool
	}{
		{
			name:      "first token",
			query:     url.Values{"hub.mode": {"subscribe"}, "hub.verify_token": {"primary-token"}, "hub.challenge": {"1158201444"}},
			challenge: "1158201444",
			ok:        true,
		},
		{
			name:      "any configured token",
			query:     url.Values{"hub.mode": {"subscribe"}, "hub.verify_token": {"second-token"}, "hub.challenge": {"abc"}},
			challenge: "abc",
			ok:        true,
		},
		{
			name:  "wrong token",
			query: url.Values{"hub.mode": {"subscribe"}, "hub.verify_token": {"nope"}, "hub.challenge": {"abc"}},
		},
		{
			name:  "wrong mode",
			query: url.Values{"hub.mode": {"unsubscribe"}, "hub.verify_token": {"primary-token"}, "hub.challenge": {"abc"}},
		},
		{
			name:  "empty token never matches unset slot",
			query: url.Values{"hub.mode": {"subscribe"}, "hub.verify_token": {""}, "hub.challenge": {"abc"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			challenge, ok := VerifySubscription(tt.query, tokens)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.challenge, challenge)
		})
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account"}`)
	good := "sha256=" + hex.EncodeToString(Sign(body, "app-secret-2"))

	require.NoError(t, VerifySignature(body, good, []string{"app-secret-1", "app-secret-2"}))
	require.NoError(t, VerifySignature(body, "", nil))
	require.NoError(t, VerifySignature(body, "", []string{""}))

	require.ErrorIs(t, VerifySignature(body, good, []string{"other"}), ErrInvalidSignature)
	require.ErrorIs(t, VerifySignature(body, "", []string{"app-secret-2"}), ErrInvalidSignature)
	require.ErrorIs(t, VerifySignature(body, "sha256=zz", []string{"app-secret-2"}), ErrInvalidSignature)
	require.ErrorIs(t, VerifySignature([]byte("tampered"), good, []string{"app-secret-2"}), ErrInvalidSignature)
}
