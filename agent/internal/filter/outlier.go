package filter

import (
	"fmt"
	"math"

	"github.com/ecoskeleton/sensorflow/pkg/ring"
)

// OutlierDetector flags values whose z-score against the window exceeds a
// threshold and replaces them with the window median.
type OutlierDetector struct {
	size      int
	threshold float64
	window    *ring.Ring[float64]
}

// NewOutlierDetector returns a detector over windowSize values flagging
// z-scores above thresholdMultiplier.
func NewOutlierDetector(windowSize int, thresholdMultiplier float64) *OutlierDetector {
	if windowSize < 1 {
		windowSize = 1
	}
	return &OutlierDetector{
		size:      windowSize,
		threshold: thresholdMultiplier,
		window:    ring.New[float64](windowSize),
	}
}

func outlierFromParams(p *params) (Processor, error) {
	size, err := p.positiveInt(20, "windowSize", "window_size")
	if err != nil {
		return nil, err
	}
	threshold, err := p.float(2.0, "thresholdMultiplier", "threshold_multiplier")
	if err != nil {
		return nil, err
	}
	if threshold <= 0 {
		return nil, fmt.Errorf("%w: thresholdMultiplier must be positive, got %v", ErrInvalidParams, threshold)
	}
	return NewOutlierDetector(size, threshold), nil
}

// Process implements Processor. The incoming value is part of the window it
// is scored against.
func (d *OutlierDetector) Process(s Sample) (Result, error) {
	d.window.Push(s.Value)
	vals := d.window.Values()

	if len(vals) < 3 {
		return Result{
			Original:   s.Value,
			Processed:  s.Value,
			Confidence: 0.5,
			Attributes: map[string]any{
				AttrAlgorithm: string(KindOutlierDetector),
				AttrIsOutlier: false,
				"reason":      "insufficient_data",
			},
		}, nil
	}

	m := mean(vals)
	sd := math.Sqrt(sampleVariance(vals))

	var z float64
	if sd > 0 {
		z = math.Abs(s.Value-m) / sd
	}
	isOutlier := z > d.threshold

	processed := s.Value
	if isOutlier {
		processed = median(vals)
	}

	return Result{
		Original:   s.Value,
		Processed:  processed,
		Confidence: clamp01(1 - min(z/(2*d.threshold), 1.0)),
		Attributes: map[string]any{
			AttrAlgorithm: string(KindOutlierDetector),
			AttrIsOutlier: isOutlier,
			"z_score":     z,
			"mean":        m,
			"std_dev":     sd,
		},
	}, nil
}
