package models

// RateLimitPolicy caps request rate for an API key. Key "*" matches any key
// without a more specific policy.
type RateLimitPolicy struct {
	Key               string  `json:"key" yaml:"key"`
	RequestsPerMinute float64 `json:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int     `json:"burst" yaml:"burst"`
}
