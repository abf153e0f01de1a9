package webhook

import (
	"slices"
	"strings"

	"github.com/pario-ai/verdict/pkg/models"
)

// Matches reports whether ev passes every configured dimension of f. An
// unset dimension passes. A set dimension the event has no data for fails.
func Matches(f models.WebhookFilters, ev models.Event) bool {
	if len(f.UserIDs) > 0 && !slices.Contains(f.UserIDs, ev.UserID) {
		return false
	}

	if len(f.QueryPatterns) > 0 {
		query := strings.ToLower(ev.Data.Query)
		if query == "" || !slices.ContainsFunc(f.QueryPatterns, func(p string) bool {
			return strings.Contains(query, strings.ToLower(p))
		}) {
			return false
		}
	}

	if len(f.VerdictLabels) > 0 {
		if ev.Data.Verdict == nil || !slices.ContainsFunc(f.VerdictLabels, func(l string) bool {
			return strings.EqualFold(l, ev.Data.Verdict.Label)
		}) {
			return false
		}
	}

	if f.ConfidenceThreshold != nil {
		if ev.Data.Verdict == nil || ev.Data.Verdict.Confidence < *f.ConfidenceThreshold {
			return false
		}
	}

	return true
}
