package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// SignPayload computes the hex-encoded HMAC-SHA256 of body under secret.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature against the raw request body
// using a constant-time comparison. The signature may carry a scheme
// prefix ("sha256=<hex>"), which is stripped before comparing.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" {
		return false
	}

	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")

	expected := SignPayload(secret, body)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(signature))) == 1
}
