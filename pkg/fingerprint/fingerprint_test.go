package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Is the Earth flat?", "is the earth flat"},
		{"  IS   THE\tEARTH\nFLAT!!! ", "is the earth flat"},
		{"vaccines—cause autism?", "vaccines cause autism"},
		{"$5 + $5 = $10", "5 5 10"},
		{"", ""},
		{"...", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "Normalize(%q)", tt.in)
	}
}

func TestFingerprintStable(t *testing.T) {
	variants := []string{
		"Is the Earth flat?",
		"is the earth flat",
		"IS THE EARTH FLAT",
		"is   the earth, flat.",
	}
	want := Fingerprint(variants[0])
	assert.Len(t, want, 64)
	for _, v := range variants[1:] {
		assert.Equal(t, want, Fingerprint(v), "fingerprint of %q", v)
	}
}

func TestFingerprintDistinct(t *testing.T) {
	assert.NotEqual(t, Fingerprint("is the earth flat"), Fingerprint("is the earth round"))
}
