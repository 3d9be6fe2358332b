package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Hub-Signature-256"

var ErrInvalidSignature = errors.New("invalid webhook signature")

// VerifySubscription checks a GET verification request. It returns the
// challenge to echo when hub.mode is "subscribe" and hub.verify_token
// matches one of tokens.
func VerifySubscription(q url.Values, tokens []string) (string, bool) {
	if q.Get("hub.mode") != "subscribe" {
		return "", false
	}
	got := q.Get("hub.verify_token")
	if got == "" {
		return "", false
	}
	for _, want := range tokens {
		if want != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1 {
			return q.Get("hub.challenge"), true
		}
	}
	return "", false
}

// VerifySignature checks header ("sha256=<hex>") against the body using
// any of the app secrets. With no secrets configured every body passes.
func VerifySignature(body []byte, header string, secrets []string) error {
	configured := false
	for _, s := range secrets {
		if s != "" {
			configured = true
			break
		}
	}
	if !configured {
		return nil
	}

	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrInvalidSignature
	}

	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		if hmac.Equal(got, Sign(body, secret)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// Sign returns HMAC-SHA256(body) keyed by secret.
func Sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
