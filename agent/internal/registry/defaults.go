package registry

import "github.com/ecoskeleton/sensorflow/agent/internal/filter"

// DefaultConfigs returns the algorithm set registered when no configuration
// names any algorithms.
func DefaultConfigs() []AlgorithmConfig {
	return []AlgorithmConfig{
		{
			Name:       "temperature_filter",
			Kind:       filter.KindMovingAverage,
			Parameters: map[string]any{"windowSize": 5},
			Enabled:    true,
		},
		{
			Name:       "humidity_filter",
			Kind:       filter.KindKalman,
			Parameters: map[string]any{"processVariance": 1e-5, "measurementVariance": 1e-1},
			Enabled:    true,
		},
		{
			Name:       "outlier_detection",
			Kind:       filter.KindOutlierDetector,
			Parameters: map[string]any{"windowSize": 20, "thresholdMultiplier": 2.0},
			Enabled:    true,
		},
		{
			Name:       "trend_analysis",
			Kind:       filter.KindTrendAnalyzer,
			Parameters: map[string]any{"windowSize": 10},
			Enabled:    true,
		},
		{
			Name:       "statistics",
			Kind:       filter.KindStatisticalAnalyzer,
			Parameters: map[string]any{"windowSize": 50},
			Enabled:    true,
		},
		{
			Name:       "adaptive_filter",
			Kind:       filter.KindAdaptive,
			Parameters: map[string]any{"initialAlpha": 0.1},
			Enabled:    true,
		},
	}
}
