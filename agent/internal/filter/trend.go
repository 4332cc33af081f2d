package filter

import (
	"math"
	"time"

	"github.com/ecoskeleton/sensorflow/pkg/ring"
)

// Trend labels reported by TrendAnalyzer.
const (
	TrendUnknown    = "unknown"
	TrendStable     = "stable"
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
)

// stableSlope is the absolute slope below which a trend counts as stable.
const stableSlope = 0.01

// TrendAnalyzer fits a least-squares line through its window and annotates
// each value with the direction and goodness of fit. It does not smooth.
type TrendAnalyzer struct {
	size   int
	values *ring.Ring[float64]
	times  *ring.Ring[time.Time]
}

// NewTrendAnalyzer returns an analyzer over the last windowSize values.
func NewTrendAnalyzer(windowSize int) *TrendAnalyzer {
	if windowSize < 1 {
		windowSize = 1
	}
	return &TrendAnalyzer{
		size:   windowSize,
		values: ring.New[float64](windowSize),
		times:  ring.New[time.Time](windowSize),
	}
}

func trendFromParams(p *params) (Processor, error) {
	size, err := p.positiveInt(10, "windowSize", "window_size")
	if err != nil {
		return nil, err
	}
	return NewTrendAnalyzer(size), nil
}

// Process implements Processor. The slope is per sample, fitted against the
// window index rather than wall-clock time.
func (t *TrendAnalyzer) Process(s Sample) (Result, error) {
	t.values.Push(s.Value)
	t.times.Push(sampleTime(s))

	vals := t.values.Values()
	n := len(vals)
	if n < 3 {
		return Result{
			Original:   s.Value,
			Processed:  s.Value,
			Confidence: 0.3,
			Attributes: map[string]any{
				AttrAlgorithm:  string(KindTrendAnalyzer),
				AttrTrend:      TrendUnknown,
				"slope":        0.0,
				"r_squared":    0.0,
				"sample_count": n,
			},
		}, nil
	}

	var r2 float64
	slope, intercept, ok := leastSquares(vals)
	if ok {
		r2 = rSquared(vals, slope, intercept)
	}

	trend := TrendStable
	switch {
	case math.Abs(slope) < stableSlope:
	case slope > 0:
		trend = TrendIncreasing
	default:
		trend = TrendDecreasing
	}

	times := t.times.Values()
	span := times[n-1].Sub(times[0]).Seconds()

	return Result{
		Original:   s.Value,
		Processed:  s.Value,
		Confidence: clamp01(min(r2, 1.0)),
		Attributes: map[string]any{
			AttrAlgorithm:  string(KindTrendAnalyzer),
			AttrTrend:      trend,
			AttrWindowSize: t.size,
			"slope":        slope,
			"r_squared":    r2,
			"sample_count": n,
			"span_seconds": span,
		},
	}, nil
}

// leastSquares fits y = slope*x + intercept with x = 0..n-1. ok is false
// when the x values do not span a line.
func leastSquares(y []float64) (slope, intercept float64, ok bool) {
	n := float64(len(y))
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range y {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n, false
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept, true
}

// rSquared is the coefficient of determination of the fit. A flat series has
// no variance to explain and scores 0.
func rSquared(y []float64, slope, intercept float64) float64 {
	m := mean(y)
	var ssTot, ssRes float64
	for i, v := range y {
		pred := slope*float64(i) + intercept
		ssRes += (v - pred) * (v - pred)
		ssTot += (v - m) * (v - m)
	}
	if ssTot == 0 {
		return 0
	}
	return 1 - ssRes/ssTot
}
