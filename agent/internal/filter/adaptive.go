package filter

import (
	"fmt"
	"math"

	"github.com/ecoskeleton/sensorflow/pkg/ring"
)

const (
	adaptiveHistory  = 10
	adaptiveRecent   = 3
	adaptiveMaxAlpha = 0.5
	adaptiveMinAlpha = 0.01
	adaptiveEpsilon  = 1e-6
)

// Adaptive is an exponential moving average that raises its smoothing factor
// when recent errors grow and lowers it while the signal is steady.
type Adaptive struct {
	alpha       float64
	filtered    float64
	initialized bool
	errors      *ring.Ring[float64]
}

// NewAdaptive returns an adaptive filter starting at initialAlpha.
func NewAdaptive(initialAlpha float64) *Adaptive {
	return &Adaptive{alpha: initialAlpha, errors: ring.New[float64](adaptiveHistory)}
}

func adaptiveFromParams(p *params) (Processor, error) {
	alpha, err := p.float(0.1, "initialAlpha", "initial_alpha")
	if err != nil {
		return nil, err
	}
	if alpha <= 0 || alpha > 1 {
		return nil, fmt.Errorf("%w: initialAlpha must be in (0, 1], got %v", ErrInvalidParams, alpha)
	}
	return NewAdaptive(alpha), nil
}

// Alpha returns the current smoothing factor.
func (a *Adaptive) Alpha() float64 { return a.alpha }

// Process implements Processor.
func (a *Adaptive) Process(s Sample) (Result, error) {
	if !a.initialized {
		a.filtered = s.Value
		a.initialized = true
		return Result{
			Original:   s.Value,
			Processed:  a.filtered,
			Confidence: 0.5,
			Attributes: map[string]any{
				AttrAlgorithm: string(KindAdaptive),
				"alpha":       a.alpha,
			},
		}, nil
	}

	e := math.Abs(s.Value - a.filtered)
	a.errors.Push(e)

	if a.errors.Len() > adaptiveRecent {
		recent := mean(a.errors.Last(adaptiveRecent))
		longTerm := mean(a.errors.Values())
		if recent > 1.5*longTerm {
			a.alpha = min(a.alpha*1.1, adaptiveMaxAlpha)
		} else {
			a.alpha = max(a.alpha*0.95, adaptiveMinAlpha)
		}
	}

	a.filtered = a.alpha*s.Value + (1-a.alpha)*a.filtered

	return Result{
		Original:   s.Value,
		Processed:  a.filtered,
		Confidence: clamp01(1 - min(e/(math.Abs(s.Value)+adaptiveEpsilon), 1.0)),
		Attributes: map[string]any{
			AttrAlgorithm: string(KindAdaptive),
			"alpha":       a.alpha,
			"error":       e,
		},
	}, nil
}
