package observation

import (
	"context"
	"time"

	"github.com/ksi-project/ksid/internal/bus"
)

// ReplayEvent is one record replayed from history, either under its
// original event name or wrapped as observe:replay.
type ReplayEvent struct {
	Record Record
	Delay  time.Duration // time to wait before replaying this record, scaled by speed
}

// Replay reconstructs the timing of observer's recorded history, scaled by
// speed (2.0 replays twice as fast, 0 replays with no delay at all), either
// re-emitting each record under its original event name or wrapped as
// observe:replay.
func (r *Router) Replay(ctx context.Context, observer string, speed float64, asOriginal bool) error {
	records, err := r.History(ctx, observer)
	if err != nil {
		return err
	}
	var prev time.Time
	for i, rec := range records {
		if speed > 0 && i > 0 && !prev.IsZero() && !rec.ObservedAt.IsZero() {
			gap := rec.ObservedAt.Sub(prev)
			if gap > 0 {
				time.Sleep(time.Duration(float64(gap) / speed))
			}
		}
		prev = rec.ObservedAt

		name := "observe:replay"
		data := map[string]any{"original_event": rec.Event, "data": rec.Data, "observer": rec.Observer}
		if asOriginal {
			name = rec.Event
			data = rec.Data
		}
		if _, err := r.b.Emit(ctx, name, data, bus.EmitOptions{Source: "observation"}); err != nil {
			return err
		}
	}
	return nil
}

// Analysis summarizes an observer's recorded history: per-event frequency
// and first-order sequence transitions (how often event A is immediately
// followed by event B). Begin/end latency pairing is left for a future
// pass once distinct begin/end timestamps are persisted per occurrence;
// today observe:begin and observe:end are emitted back to back with no
// measurable gap, so there is nothing to pair yet.
type Analysis struct {
	Frequency   map[string]int
	Transitions map[string]map[string]int
	TotalEvents int
}

// AnalyzePatterns computes Analysis over observer's recorded history.
func (r *Router) AnalyzePatterns(ctx context.Context, observer string) (Analysis, error) {
	records, err := r.History(ctx, observer)
	if err != nil {
		return Analysis{}, err
	}
	a := Analysis{Frequency: make(map[string]int), Transitions: make(map[string]map[string]int), TotalEvents: len(records)}
	for i, rec := range records {
		a.Frequency[rec.Event]++
		if i == 0 {
			continue
		}
		prevEvent := records[i-1].Event
		if a.Transitions[prevEvent] == nil {
			a.Transitions[prevEvent] = make(map[string]int)
		}
		a.Transitions[prevEvent][rec.Event]++
	}
	return a, nil
}
