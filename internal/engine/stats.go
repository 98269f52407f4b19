package engine

import (
	"time"

	"exchangecore/internal/money"
)

// statsWindow maintains a rolling 24h view over recent fills (spec.md
// §4.2 "24-hour statistics: engine maintains a rolling window over recent
// fills (high, low, open at t−24h, volume)"). It is intentionally a plain
// slice pruned on read — fill volume for one symbol over a day is small
// enough that this never needs a fancier structure.
type statsWindow struct {
	samples []statSample
	window  time.Duration
}

type statSample struct {
	at    time.Time
	price money.D
	qty   money.D
}

func newStatsWindow(window time.Duration) *statsWindow {
	return &statsWindow{window: window}
}

func (w *statsWindow) record(at time.Time, price, qty money.D) {
	w.samples = append(w.samples, statSample{at: at, price: price, qty: qty})
}

// snapshot prunes samples older than the window and returns a Stats24h
// computed from what remains, as of now.
func (w *statsWindow) snapshot(now time.Time) Stats24h {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = w.samples[i:]
	}

	var stats Stats24h
	if len(w.samples) == 0 {
		return stats
	}
	stats.Open = w.samples[0].price
	stats.High = w.samples[0].price
	stats.Low = w.samples[0].price
	stats.Volume = money.Zero
	for _, s := range w.samples {
		if s.price.GreaterThan(stats.High) {
			stats.High = s.price
		}
		if s.price.LessThan(stats.Low) {
			stats.Low = s.price
		}
		stats.Volume = stats.Volume.Add(s.qty)
	}
	return stats
}
