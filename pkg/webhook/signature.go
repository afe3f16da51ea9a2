package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// VerifySignature checks an HMAC-SHA256 signature of body in the given scheme.
func VerifySignature(body []byte, signature, secret, scheme string) bool {
	if secret == "" || signature == "" {
		return false
	}

	var expected string
	switch scheme {
	case SchemeHexSHA256:
		expected = ComputeHexSHA256(body, secret)
	case SchemeBase64SHA256:
		expected = ComputeBase64SHA256(body, secret)
	default:
		return false
	}

	// Timing-safe comparison to prevent timing attacks
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(signature)), []byte(expected)) == 1
}

// ComputeHexSHA256 computes a "sha256=<hex>" signature
func ComputeHexSHA256(body []byte, secret string) string {
	return "sha256=" + hex.EncodeToString(sum(body, secret))
}

// ComputeBase64SHA256 computes a base64 encoded HMAC-SHA256 digest
func ComputeBase64SHA256(body []byte, secret string) string {
	return base64.StdEncoding.EncodeToString(sum(body, secret))
}

func sum(body []byte, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return h.Sum(nil)
}
