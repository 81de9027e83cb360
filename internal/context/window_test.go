package context

import "testing"

func TestWindowFor(t *testing.T) {
	cases := []struct {
		model string
		want  int
	}{
		{"gpt-4o", 128000},
		{"gpt-4", 8192},
		{"claude-3-5-sonnet", 200000},
		// Versioned names resolve through the longest prefix.
		{"claude-3-5-sonnet-20241022", 200000},
		{"gpt-4o-mini-2024-07-18", 128000},
		{"gpt-4-32k-0613", 32768},
		{"o1-mini-2024-09-12", 128000},
		// Unknown models get the default.
		{"llama3.2", DefaultWindowTokens},
		{"", DefaultWindowTokens},
	}
	for _, tc := range cases {
		if got := WindowFor(tc.model); got != tc.want {
			t.Errorf("WindowFor(%q) = %d, want %d", tc.model, got, tc.want)
		}
	}
}
