package pipeline

import (
	"errors"
	"fmt"

	"github.com/ecoskeleton/sensorflow/agent/internal/registry"
)

// Config is the serialisable form of every algorithm and pipeline.
type Config struct {
	Algorithms []registry.AlgorithmConfig `json:"algorithms" yaml:"algorithms"`
	Pipelines  []Pipeline                 `json:"pipelines"  yaml:"pipelines"`
}

// AlgorithmStatus is the per-algorithm part of Status.
type AlgorithmStatus = registry.AlgorithmStatus

// Status summarises the engine and its registry.
type Status struct {
	TotalAlgorithms   int                        `json:"total_algorithms"`
	EnabledAlgorithms int                        `json:"enabled_algorithms"`
	TotalPipelines    int                        `json:"total_pipelines"`
	EnabledPipelines  int                        `json:"enabled_pipelines"`
	PerAlgorithm      map[string]AlgorithmStatus `json:"algorithms"`
}

// Status reports counts without side effects.
func (e *Engine) Status() Status {
	rs := e.reg.Status()
	st := Status{
		TotalAlgorithms:   rs.Total,
		EnabledAlgorithms: rs.Enabled,
		PerAlgorithm:      rs.Algorithms,
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	st.TotalPipelines = len(e.pipelines)
	for _, p := range e.pipelines {
		if p.Enabled {
			st.EnabledPipelines++
		}
	}
	return st
}

// ExportConfig returns every algorithm config and pipeline.
func (e *Engine) ExportConfig() Config {
	return Config{
		Algorithms: e.reg.Configs(),
		Pipelines:  e.Pipelines(),
	}
}

// ImportConfig replaces all algorithms and pipelines with cfg. Algorithms are
// registered before pipelines are created. Invalid items are skipped and
// their errors returned joined; valid items stay applied.
func (e *Engine) ImportConfig(cfg Config) error {
	e.mu.Lock()
	e.pipelines = make(map[string]Pipeline)
	e.mu.Unlock()
	e.reg.Clear()

	var errs []error
	for _, a := range cfg.Algorithms {
		if err := e.reg.Register(a); err != nil {
			errs = append(errs, err)
		}
	}
	for _, p := range cfg.Pipelines {
		if err := e.CreatePipeline(p); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("pipeline: import: %w", err)
	}
	return nil
}

// DefaultConfig returns the built-in algorithms and the pipelines wired over
// them for the greenhouse, injection and bubble modules.
func DefaultConfig() Config {
	return Config{
		Algorithms: registry.DefaultConfigs(),
		Pipelines: []Pipeline{
			{
				Name:         "temperature_processing",
				Algorithms:   []string{"temperature_filter", "outlier_detection", "trend_analysis"},
				InputModules: []string{"greenhouse"},
				Enabled:      true,
			},
			{
				Name:         "humidity_processing",
				Algorithms:   []string{"humidity_filter", "statistics"},
				InputModules: []string{"greenhouse"},
				Enabled:      true,
			},
			{
				Name:         "pressure_processing",
				Algorithms:   []string{"adaptive_filter", "outlier_detection"},
				InputModules: []string{"injection", "bubble"},
				Enabled:      true,
			},
			{
				Name:         "comprehensive_processing",
				Algorithms:   []string{"outlier_detection", "statistics", "trend_analysis"},
				InputModules: []string{"greenhouse", "injection", "bubble"},
				Enabled:      true,
			},
		},
	}
}
