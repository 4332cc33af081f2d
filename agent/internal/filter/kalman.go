package filter

import "fmt"

// Kalman is a scalar Kalman filter with a constant-state process model.
type Kalman struct {
	processVariance     float64
	measurementVariance float64

	estimate        float64
	estimationError float64
	initialized     bool
}

// NewKalman returns a filter with the given process and measurement variances.
func NewKalman(processVariance, measurementVariance float64) *Kalman {
	return &Kalman{
		processVariance:     processVariance,
		measurementVariance: measurementVariance,
		estimationError:     1.0,
	}
}

func kalmanFromParams(p *params) (Processor, error) {
	q, err := p.float(1e-5, "processVariance", "process_variance")
	if err != nil {
		return nil, err
	}
	r, err := p.float(1e-1, "measurementVariance", "measurement_variance")
	if err != nil {
		return nil, err
	}
	if q < 0 {
		return nil, fmt.Errorf("%w: processVariance must not be negative, got %v", ErrInvalidParams, q)
	}
	if r <= 0 {
		return nil, fmt.Errorf("%w: measurementVariance must be positive, got %v", ErrInvalidParams, r)
	}
	return NewKalman(q, r), nil
}

// Process implements Processor.
//
// The first measurement seeds the estimate; no gain is computed for it, so the
// "gain" attribute is absent from that result rather than reported as zero.
func (k *Kalman) Process(s Sample) (Result, error) {
	attrs := map[string]any{AttrAlgorithm: string(KindKalman)}

	if !k.initialized {
		k.estimate = s.Value
		k.initialized = true
		attrs["estimation_error"] = k.estimationError
		return Result{
			Original:   s.Value,
			Processed:  k.estimate,
			Confidence: 0.5,
			Attributes: attrs,
		}, nil
	}

	predicted := k.estimationError + k.processVariance
	gain := predicted / (predicted + k.measurementVariance)
	k.estimate += gain * (s.Value - k.estimate)
	k.estimationError = (1 - gain) * predicted

	attrs["gain"] = gain
	attrs["estimation_error"] = k.estimationError
	return Result{
		Original:   s.Value,
		Processed:  k.estimate,
		Confidence: clamp01(1 - min(k.estimationError, 1.0)),
		Attributes: attrs,
	}, nil
}

// Estimate returns the current state estimate.
func (k *Kalman) Estimate() float64 { return k.estimate }
