// Package similarity scores lexical overlap between queries.
//
// Scores are token-set Jaccard indexes. This is a cheap lexical heuristic:
// rephrasings that share little vocabulary will not match even when they
// mean the same thing.
package similarity

import "strings"

// Candidate is a previously seen query offered for matching.
type Candidate struct {
	Key   string
	Query string
}

// Match is the best candidate and its score.
type Match struct {
	Candidate Candidate
	Score     float64
}

// Jaccard returns |A∩B| / |A∪B| over the lower-cased whitespace token sets
// of a and b. Punctuation stays part of a token, so "flat?" and "flat"
// differ. Two empty strings score 0.
func Jaccard(a, b string) float64 {
	return jaccard(tokenSet(a), tokenSet(b))
}

// Best returns the highest scoring candidate whose score is at least
// threshold. Ties keep the earliest candidate, so callers should pass the
// pool in priority order.
func Best(query string, candidates []Candidate, threshold float64) (Match, bool) {
	qs := tokenSet(query)

	var best Match
	found := false
	for _, c := range candidates {
		score := jaccard(qs, tokenSet(c.Query))
		if !found || score > best.Score {
			best = Match{Candidate: c, Score: score}
			found = true
		}
	}
	if !found || best.Score < threshold {
		return Match{}, false
	}
	return best, true
}

func tokenSet(s string) map[string]struct{} {
	toks := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		set[t] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
