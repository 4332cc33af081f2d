package filter

import (
	"math"
	"sort"

	"github.com/ecoskeleton/sensorflow/pkg/ring"
)

// Stats is the descriptive summary produced by the statistical analyzer.
type Stats struct {
	Count    int     `json:"count"`
	Mean     float64 `json:"mean"`
	Median   float64 `json:"median"`
	StdDev   float64 `json:"std_dev"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Range    float64 `json:"range"`
	Variance float64 `json:"variance"`
}

// Attributes flattens s into a result attribute map.
func (s Stats) Attributes() map[string]any {
	return map[string]any{
		"count":    s.Count,
		"mean":     s.Mean,
		"median":   s.Median,
		"std_dev":  s.StdDev,
		"min":      s.Min,
		"max":      s.Max,
		"range":    s.Range,
		"variance": s.Variance,
	}
}

// StatisticalAnalyzer recomputes descriptive statistics over its window on
// every observation.
type StatisticalAnalyzer struct {
	size   int
	window *ring.Ring[float64]
}

// NewStatisticalAnalyzer returns an analyzer over the last windowSize values.
func NewStatisticalAnalyzer(windowSize int) *StatisticalAnalyzer {
	if windowSize < 1 {
		windowSize = 1
	}
	return &StatisticalAnalyzer{size: windowSize, window: ring.New[float64](windowSize)}
}

func statisticalFromParams(p *params) (Processor, error) {
	size, err := p.positiveInt(50, "windowSize", "window_size")
	if err != nil {
		return nil, err
	}
	return NewStatisticalAnalyzer(size), nil
}

// Observe adds v to the window and returns the refreshed statistics.
func (a *StatisticalAnalyzer) Observe(v float64) Stats {
	a.window.Push(v)
	vals := a.window.Values()

	if len(vals) < 2 {
		return Stats{Count: len(vals), Mean: v, Median: v, Min: v, Max: v}
	}

	lo, hi := minMax(vals)
	variance := sampleVariance(vals)
	return Stats{
		Count:    len(vals),
		Mean:     mean(vals),
		Median:   median(vals),
		StdDev:   math.Sqrt(variance),
		Min:      lo,
		Max:      hi,
		Range:    hi - lo,
		Variance: variance,
	}
}

// Process implements Processor. The value passes through unchanged; the
// summary travels in Result.Stats.
func (a *StatisticalAnalyzer) Process(s Sample) (Result, error) {
	st := a.Observe(s.Value)
	attrs := st.Attributes()
	attrs[AttrAlgorithm] = string(KindStatisticalAnalyzer)
	attrs[AttrWindowSize] = a.size
	return Result{
		Original:   s.Value,
		Processed:  s.Value,
		Confidence: 1.0,
		Attributes: attrs,
		Stats:      &st,
	}, nil
}

// --- shared numeric helpers --------------------------------------------------

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// sampleVariance uses the n-1 denominator; it returns 0 for fewer than 2 values.
func sampleVariance(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	m := mean(vals)
	var ss float64
	for _, v := range vals {
		d := v - m
		ss += d * d
	}
	return ss / float64(len(vals)-1)
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func minMax(vals []float64) (lo, hi float64) {
	lo, hi = vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
