package tools

import "strings"

// ErrorClass buckets tool failures for the retry decision.
type ErrorClass string

const (
	// ErrorTransient failures are retried with exponential backoff.
	ErrorTransient ErrorClass = "transient"

	// ErrorPermanent failures are never retried.
	ErrorPermanent ErrorClass = "permanent"

	// ErrorRateLimit failures are retried with doubled delay.
	ErrorRateLimit ErrorClass = "rate_limit"

	// ErrorUnknown failures get at most one retry.
	ErrorUnknown ErrorClass = "unknown"
)

var transientMarkers = []string{
	"timeout", "timed out", "deadline exceeded",
	"connection refused", "connection reset", "broken pipe",
	"temporarily unavailable", "temporary failure",
	"eof", "i/o error", "network is unreachable",
	"service unavailable", "bad gateway", "503", "502",
}

var permanentMarkers = []string{
	"permission denied", "not permitted", "unauthorized", "forbidden",
	"not found", "no such file", "does not exist", "unknown tool",
	"invalid argument", "invalid parameter", "malformed",
	"unsupported", "not implemented",
}

var rateLimitMarkers = []string{
	"rate limit", "rate_limit", "too many requests", "429",
	"quota exceeded", "overloaded",
}

// Classify buckets an error message by substring heuristics. Provider
// and tool errors rarely carry structured codes, so text is what we
// have; markers are checked rate-limit first since those messages often
// also mention timeouts.
func Classify(errText string) ErrorClass {
	text := strings.ToLower(errText)
	if text == "" {
		return ErrorUnknown
	}
	for _, m := range rateLimitMarkers {
		if strings.Contains(text, m) {
			return ErrorRateLimit
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(text, m) {
			return ErrorTransient
		}
	}
	for _, m := range permanentMarkers {
		if strings.Contains(text, m) {
			return ErrorPermanent
		}
	}
	return ErrorUnknown
}
