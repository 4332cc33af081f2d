package filter

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnknownKind is returned by New for a kind it cannot build.
	ErrUnknownKind = errors.New("unknown algorithm kind")

	// ErrInvalidParams is returned by New when parameters do not fit the kind.
	ErrInvalidParams = errors.New("invalid algorithm parameters")

	// ErrInvalidInput is returned by a processor for input it cannot consume.
	ErrInvalidInput = errors.New("invalid input")
)

// Kind names an algorithm family.
type Kind string

const (
	KindMovingAverage       Kind = "moving_average"
	KindKalman              Kind = "kalman_filter"
	KindOutlierDetector     Kind = "outlier_detector"
	KindTrendAnalyzer       Kind = "trend_analyzer"
	KindStatisticalAnalyzer Kind = "statistical_analyzer"
	KindDataFusion          Kind = "data_fusion"
	KindAdaptive            Kind = "adaptive_filter"
)

// Kinds returns every supported kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindMovingAverage,
		KindKalman,
		KindOutlierDetector,
		KindTrendAnalyzer,
		KindStatisticalAnalyzer,
		KindDataFusion,
		KindAdaptive,
	}
}

// ParseKind converts s into a Kind, failing with ErrUnknownKind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.TrimSpace(s))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Attribute keys shared by several algorithms.
const (
	AttrAlgorithm  = "algorithm"
	AttrWindowSize = "window_size"
	AttrIsOutlier  = "is_outlier"
	AttrTrend      = "trend"
)

// Sample is one value handed to a processor.
type Sample struct {
	Value float64

	// Timestamp orders samples for algorithms that care (trend analyzer).
	// The zero value means "now".
	Timestamp time.Time

	// Source labels the producer of Value; used by data fusion.
	Source string
}

// Result is the output of one processor invocation. It is never mutated after
// being returned.
type Result struct {
	Original   float64        `json:"original_value"`
	Processed  float64        `json:"processed_value"`
	Confidence float64        `json:"confidence"`
	Attributes map[string]any `json:"attributes,omitempty"`

	// Stats is set only by the statistical analyzer.
	Stats *Stats `json:"stats,omitempty"`
}

// Processor is the capability shared by every algorithm kind.
type Processor interface {
	Process(s Sample) (Result, error)
}

// New builds a fresh processor of the given kind from params.
func New(kind Kind, params map[string]any) (Processor, error) {
	p := newParams(params)

	var (
		proc Processor
		err  error
	)
	switch kind {
	case KindMovingAverage:
		proc, err = movingAverageFromParams(p)
	case KindKalman:
		proc, err = kalmanFromParams(p)
	case KindOutlierDetector:
		proc, err = outlierFromParams(p)
	case KindTrendAnalyzer:
		proc, err = trendFromParams(p)
	case KindStatisticalAnalyzer:
		proc, err = statisticalFromParams(p)
	case KindDataFusion:
		proc, err = fusionFromParams(p)
	case KindAdaptive:
		proc, err = adaptiveFromParams(p)
	default:
		return nil, fmt.Errorf("filter: %w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("filter: %s: %w", kind, err)
	}
	if extra := p.unused(); len(extra) > 0 {
		return nil, fmt.Errorf("filter: %s: %w: unknown parameter(s) %s",
			kind, ErrInvalidParams, strings.Join(extra, ", "))
	}
	return proc, nil
}

// clamp01 restricts v to the range [0, 1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func sampleTime(s Sample) time.Time {
	if s.Timestamp.IsZero() {
		return time.Now()
	}
	return s.Timestamp
}
