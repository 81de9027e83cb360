package context

import "strings"

// DefaultWindowTokens is assumed for models absent from the table.
// It matches the mid-range frontier models and errs low for the large
// ones, so compaction triggers early rather than late.
const DefaultWindowTokens = 128000

// modelWindows maps model name prefixes to context window sizes in
// tokens. Versioned releases resolve through the prefix match, so
// "claude-3-5-sonnet-20241022" finds "claude-3-5-sonnet".
var modelWindows = map[string]int{
	"claude-3-opus":     200000,
	"claude-3-sonnet":   200000,
	"claude-3-haiku":    200000,
	"claude-3-5-sonnet": 200000,
	"claude-3-5-haiku":  200000,
	"claude-opus-4":     200000,

	"gpt-4":             8192,
	"gpt-4-32k":         32768,
	"gpt-4-turbo":       128000,
	"gpt-4o":            128000,
	"gpt-4o-mini":       128000,
	"gpt-3.5-turbo":     16385,
	"gpt-3.5-turbo-16k": 16385,
	"o1":                200000,
	"o1-mini":           128000,
	"o1-preview":        128000,
	"o3-mini":           200000,

	"gemini-pro":       32768,
	"gemini-1.5-pro":   2097152,
	"gemini-1.5-flash": 1048576,
	"gemini-2.0-flash": 1048576,
}

// WindowFor returns the context window for a model: exact match first,
// then the longest matching prefix, then DefaultWindowTokens. The
// longest prefix wins so "gpt-4o-mini" resolves to its own entry, not
// to "gpt-4".
func WindowFor(model string) int {
	if tokens, ok := modelWindows[model]; ok {
		return tokens
	}
	best := 0
	tokens := DefaultWindowTokens
	for prefix, size := range modelWindows {
		if strings.HasPrefix(model, prefix) && len(prefix) > best {
			best = len(prefix)
			tokens = size
		}
	}
	return tokens
}
