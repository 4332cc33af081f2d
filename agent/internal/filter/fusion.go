package filter

import (
	"fmt"
	"sort"
)

const (
	defaultWeight      = 1.0
	defaultReliability = 0.8
)

// DataFusion combines readings of the same quantity from several named
// sources into one weighted value.
type DataFusion struct {
	weights       map[string]float64
	reliabilities map[string]float64

	// latest holds the most recent value per source seen by Process.
	latest map[string]float64
}

// NewDataFusion returns a fusion processor with no per-source overrides.
func NewDataFusion() *DataFusion {
	return &DataFusion{
		weights:       make(map[string]float64),
		reliabilities: make(map[string]float64),
		latest:        make(map[string]float64),
	}
}

func fusionFromParams(p *params) (Processor, error) {
	weights, err := p.floatMap([]string{"weights"}, "weight.")
	if err != nil {
		return nil, err
	}
	reliabilities, err := p.floatMap([]string{"reliabilities"}, "reliability.")
	if err != nil {
		return nil, err
	}
	f := NewDataFusion()
	for src, w := range weights {
		f.SetWeight(src, w)
	}
	for src, r := range reliabilities {
		f.SetReliability(src, r)
	}
	return f, nil
}

// SetWeight sets the weight of source, clamped to [0, 1].
func (f *DataFusion) SetWeight(source string, w float64) {
	f.weights[source] = clamp01(w)
}

// SetReliability sets the reliability of source, clamped to [0, 1].
func (f *DataFusion) SetReliability(source string, r float64) {
	f.reliabilities[source] = clamp01(r)
}

func (f *DataFusion) weight(source string) float64 {
	if w, ok := f.weights[source]; ok {
		return w
	}
	return defaultWeight
}

func (f *DataFusion) reliability(source string) float64 {
	if r, ok := f.reliabilities[source]; ok {
		return r
	}
	return defaultReliability
}

// Fuse combines values keyed by source name. It fails with ErrInvalidInput
// when values is empty. Result.Original is the value of the first source in
// lexical order.
func (f *DataFusion) Fuse(values map[string]float64) (Result, error) {
	if len(values) == 0 {
		return Result{}, fmt.Errorf("filter: data_fusion: %w: no source values", ErrInvalidInput)
	}

	sources := make([]string, 0, len(values))
	for src := range values {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	first := values[sources[0]]

	if len(sources) == 1 {
		return Result{
			Original:   first,
			Processed:  first,
			Confidence: f.reliability(sources[0]),
			Attributes: map[string]any{
				AttrAlgorithm: string(KindDataFusion),
				"sources":     sources,
			},
		}, nil
	}

	var weighted, total float64
	effective := make(map[string]float64, len(sources))
	for _, src := range sources {
		w := f.weight(src) * f.reliability(src)
		effective[src] = w
		weighted += values[src] * w
		total += w
	}

	attrs := map[string]any{
		AttrAlgorithm:       string(KindDataFusion),
		"sources":           sources,
		"effective_weights": effective,
		"total_weight":      total,
	}

	if total == 0 {
		var sum float64
		for _, src := range sources {
			sum += values[src]
		}
		attrs["fallback"] = "unweighted_mean"
		return Result{
			Original:   first,
			Processed:  sum / float64(len(sources)),
			Confidence: 0.5,
			Attributes: attrs,
		}, nil
	}

	return Result{
		Original:   first,
		Processed:  weighted / total,
		Confidence: clamp01(min(total/float64(len(sources)), 1.0)),
		Attributes: attrs,
	}, nil
}

// Process implements Processor. It remembers s under s.Source and fuses the
// latest value of every source seen so far. Result.Original is s.Value.
func (f *DataFusion) Process(s Sample) (Result, error) {
	f.latest[s.Source] = s.Value
	res, err := f.Fuse(f.latest)
	if err != nil {
		return Result{}, err
	}
	res.Original = s.Value
	return res, nil
}
