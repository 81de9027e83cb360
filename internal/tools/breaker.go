package tools

import (
	"sync"
	"time"
)

// ToolHealth is the breaker state for one tool.
type ToolHealth struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CircuitOpen         bool      `json:"circuit_open"`
	CircuitOpenTime     time.Time `json:"circuit_open_time,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
}

// breaker tracks consecutive failures per tool and opens a circuit at
// the threshold. After the cooldown exactly one probe call is let
// through; its outcome closes or reopens the circuit.
type breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu      sync.Mutex
	health  map[string]*ToolHealth
	probing map[string]bool
	onTrip  func(tool string)
}

func newBreaker(threshold int, cooldown time.Duration, now func() time.Time) *breaker {
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       now,
		health:    make(map[string]*ToolHealth),
		probing:   make(map[string]bool),
	}
}

// allow reports whether a call may proceed. When the circuit is open
// and cooled down it admits a single probe; concurrent callers are
// still refused until the probe resolves.
func (b *breaker) allow(tool string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.health[tool]
	if h == nil || !h.CircuitOpen {
		return true
	}
	if b.now().Sub(h.CircuitOpenTime) < b.cooldown {
		return false
	}
	if b.probing[tool] {
		return false
	}
	b.probing[tool] = true
	return true
}

// recordSuccess closes the circuit and resets the failure run.
func (b *breaker) recordSuccess(tool string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.probing, tool)
	b.health[tool] = &ToolHealth{}
}

// recordFailure extends the failure run and opens (or reopens) the
// circuit at the threshold. Returns true when this call tripped it.
func (b *breaker) recordFailure(tool, errText string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.health[tool]
	if h == nil {
		h = &ToolHealth{}
		b.health[tool] = h
	}
	h.ConsecutiveFailures++
	h.LastError = errText

	// A failed probe reopens immediately.
	if b.probing[tool] {
		delete(b.probing, tool)
		h.CircuitOpen = true
		h.CircuitOpenTime = b.now()
		return false
	}

	if !h.CircuitOpen && h.ConsecutiveFailures >= b.threshold {
		h.CircuitOpen = true
		h.CircuitOpenTime = b.now()
		if b.onTrip != nil {
			b.onTrip(tool)
		}
		return true
	}
	return false
}

// Health returns a copy of the breaker state for a tool.
func (b *breaker) Health(tool string) ToolHealth {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h := b.health[tool]; h != nil {
		return *h
	}
	return ToolHealth{}
}
