package filter

import "github.com/ecoskeleton/sensorflow/pkg/ring"

// MovingAverage smooths a signal with the arithmetic mean of its last
// windowSize values.
type MovingAverage struct {
	size   int
	window *ring.Ring[float64]
}

// NewMovingAverage returns a filter averaging the last windowSize values.
func NewMovingAverage(windowSize int) *MovingAverage {
	if windowSize < 1 {
		windowSize = 1
	}
	return &MovingAverage{size: windowSize, window: ring.New[float64](windowSize)}
}

func movingAverageFromParams(p *params) (Processor, error) {
	size, err := p.positiveInt(5, "windowSize", "window_size")
	if err != nil {
		return nil, err
	}
	return NewMovingAverage(size), nil
}

// Process implements Processor. While the window is filling, confidence is
// the fraction of the window collected so far.
func (m *MovingAverage) Process(s Sample) (Result, error) {
	m.window.Push(s.Value)
	n := m.window.Len()

	confidence := 1.0
	if n < m.size {
		confidence = float64(n) / float64(m.size)
	}

	return Result{
		Original:   s.Value,
		Processed:  mean(m.window.Values()),
		Confidence: clamp01(confidence),
		Attributes: map[string]any{
			AttrAlgorithm:  string(KindMovingAverage),
			AttrWindowSize: m.size,
			"samples_used": n,
		},
	}, nil
}
