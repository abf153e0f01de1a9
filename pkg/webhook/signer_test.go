package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignVerify(t *testing.T) {
	payload := []byte(`{"event":"fact_check.completed","data":{"query":"is the earth flat"}}`)
	secret := "whsec_0123456789abcdef"

	sig := Sign(payload, secret)
	assert.True(t, Verify(payload, sig, secret))
	assert.Equal(t, sig, Sign(payload, secret))

	for i := range payload {
		tampered := append([]byte(nil), payload...)
		tampered[i] ^= 0x01
		assert.False(t, Verify(tampered, sig, secret), "payload byte %d flipped", i)
	}
	for i := range secret {
		b := []byte(secret)
		b[i] ^= 0x01
		assert.False(t, Verify(payload, sig, string(b)), "secret byte %d flipped", i)
	}
}

func TestVerifyRejectsMalformed(t *testing.T) {
	payload := []byte("x")
	sig := Sign(payload, "s")

	assert.False(t, Verify(payload, sig[len("sha256="):], "s"), "missing prefix")
	assert.False(t, Verify(payload, "sha256=zz", "s"), "not hex")
	assert.False(t, Verify(payload, "", "s"))
}
