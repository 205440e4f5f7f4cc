package transfer

import (
	"math"
	"time"
)

const rateWindow = 5 * time.Second

type rateSample struct {
	bytes int64
	at    time.Time
}

// RateEstimator derives bytes-per-second and ETA from timestamped progress
// samples. The engine only reports cumulative bytes; rate math lives with
// the caller that displays it.
type RateEstimator struct {
	samples []rateSample
}

// Observe records a cumulative byte count at a point in time. Samples older
// than the window are pruned.
func (r *RateEstimator) Observe(bytes int64, at time.Time) {
	r.samples = append(r.samples, rateSample{bytes: bytes, at: at})

	cutoff := at.Add(-rateWindow)
	i := 0
	for i < len(r.samples)-1 && r.samples[i].at.Before(cutoff) {
		i++
	}
	r.samples = r.samples[i:]
}

// BytesPerSecond returns the smoothed transfer rate over the sample window,
// or 0 with fewer than two samples.
func (r *RateEstimator) BytesPerSecond() float64 {
	if len(r.samples) < 2 {
		return 0
	}
	first := r.samples[0]
	last := r.samples[len(r.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(last.bytes-first.bytes) / elapsed
}

// EstimatedSecondsRemaining projects completion time for a total size, or
// -1 when no rate is known yet.
func (r *RateEstimator) EstimatedSecondsRemaining(totalBytes int64) float64 {
	rate := r.BytesPerSecond()
	if rate <= 0 || len(r.samples) == 0 {
		return -1
	}
	remaining := totalBytes - r.samples[len(r.samples)-1].bytes
	if remaining <= 0 {
		return 0
	}
	return math.Ceil(float64(remaining) / rate)
}
