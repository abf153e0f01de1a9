package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Headers set on every delivery request.
const (
	HeaderSignature = "X-Verdict-Signature"
	HeaderEvent     = "X-Verdict-Event"
	HeaderDelivery  = "X-Verdict-Delivery"
	HeaderTimestamp = "X-Verdict-Timestamp"
)

const signaturePrefix = "sha256="

// Sign returns the HMAC-SHA256 of payload under secret as "sha256=<hex>".
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return signaturePrefix + hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature is a valid Sign result for payload and
// secret. The comparison is constant-time.
func Verify(payload []byte, signature, secret string) bool {
	got, ok := strings.CutPrefix(signature, signaturePrefix)
	if !ok {
		return false
	}
	gotMAC, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(gotMAC, h.Sum(nil))
}
