package observation

import "math/rand"

// defaultSample reports whether an event should be delivered under a
// sampling_rate filter (e.g. 0.1 delivers roughly one event in ten).
// Swapped out in tests needing deterministic behavior.
func defaultSample(rate float64) bool {
	return rand.Float64() < rate
}
