package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "is the earth flat", "is the earth flat", 1},
		{"case folded", "Is the EARTH Flat", "is the earth flat", 1},
		{"punctuation kept in token", "Is the Earth flat?", "is the earth flat", 3.0 / 5.0},
		{"tabs and newlines split", "is\tthe\nearth  flat", "is the earth flat", 1},
		{"disjoint", "moon landing", "earth flat", 0},
		{"half", "a b c", "a b d e", 2.0 / 5.0},
		{"exactly half", "a b c", "a b c d e f", 0.5},
		{"both empty", "", "", 0},
		{"one empty", "a", "", 0},
		{"duplicates collapse", "a a b", "a b", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Jaccard(tt.a, tt.b), 1e-9)
		})
	}
}

func TestBestRejectsHalfOverlapAtLooseThreshold(t *testing.T) {
	// "a b c" vs "a b c d e f": intersection 3, union 6.
	pool := []Candidate{{Key: "k1", Query: "a b c d e f"}}
	_, ok := Best("a b c", pool, 0.65)
	assert.False(t, ok)

	m, ok := Best("a b c", pool, 0.5)
	require.True(t, ok)
	assert.InDelta(t, 0.5, m.Score, 1e-9)
}

func TestBestPicksHighestScore(t *testing.T) {
	pool := []Candidate{
		{Key: "k1", Query: "is the moon made of cheese"},
		{Key: "k2", Query: "is the earth flat really"},
		{Key: "k3", Query: "the earth"},
	}
	m, ok := Best("is the earth flat", pool, 0.5)
	require.True(t, ok)
	assert.Equal(t, "k2", m.Candidate.Key)
	assert.InDelta(t, 0.8, m.Score, 1e-9)
}

func TestBestTieKeepsFirst(t *testing.T) {
	pool := []Candidate{
		{Key: "popular", Query: "earth flat claim"},
		{Key: "rare", Query: "claim flat earth"},
	}
	m, ok := Best("flat earth claim", pool, 0.9)
	require.True(t, ok)
	assert.Equal(t, "popular", m.Candidate.Key)
}

func TestBestEmptyPool(t *testing.T) {
	_, ok := Best("anything", nil, 0.1)
	assert.False(t, ok)
}

func TestBestTreatsPunctuatedTokenAsDistinct(t *testing.T) {
	pool := []Candidate{{Key: "k1", Query: "vaccines cause autism"}}
	_, ok := Best("Vaccines cause autism!", pool, 0.65)
	assert.False(t, ok)

	m, ok := Best("VACCINES cause autism", pool, 0.65)
	require.True(t, ok)
	assert.InDelta(t, 1.0, m.Score, 1e-9)
}
