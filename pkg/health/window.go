package health

import (
	"math"
	"sort"
)

// windowCapacity is the number of latency samples retained per instance.
const windowCapacity = 64

// sample is one probe outcome.
type sample struct {
	latencyMS float64
	healthy   bool
}

// latencyWindow is a bounded ring of probe samples for one instance.
// Appends are guarded by the checker's lock.
type latencyWindow struct {
	samples   []sample
	lastError string
}

func (w *latencyWindow) add(s sample, errMsg string) {
	if len(w.samples) >= windowCapacity {
		w.samples = append(w.samples[1:len(w.samples):len(w.samples)], s)
	} else {
		w.samples = append(w.samples, s)
	}
	if errMsg != "" {
		w.lastError = errMsg
	}
}

func (w *latencyWindow) latencies() []float64 {
	out := make([]float64, len(w.samples))
	for i, s := range w.samples {
		out[i] = s.latencyMS
	}
	return out
}

func (w *latencyWindow) errorRate() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	failures := 0
	for _, s := range w.samples {
		if !s.healthy {
			failures++
		}
	}
	return float64(failures) / float64(len(w.samples))
}

func (w *latencyWindow) last() (sample, bool) {
	if len(w.samples) == 0 {
		return sample{}, false
	}
	return w.samples[len(w.samples)-1], true
}

// percentile computes the nearest-rank percentile of values. p is in (0,100].
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
