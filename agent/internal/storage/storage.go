// Package storage persists raw readings and algorithm results outside the
// processing core. Every backend is best-effort: write errors wrap
// ErrStorageFailure and are reported to the caller, never retried here
// except by Async.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrStorageFailure wraps every backend write error.
var ErrStorageFailure = errors.New("storage failure")

// Reading is one raw sample set from a module.
type Reading struct {
	Module    string             `json:"module"`
	Timestamp time.Time          `json:"timestamp"`
	Fields    map[string]float64 `json:"fields"`
}

// Record is one algorithm result tagged with where it came from.
type Record struct {
	Timestamp  time.Time      `json:"timestamp"`
	Algorithm  string         `json:"algorithm"`
	Module     string         `json:"module"`
	Field      string         `json:"field"`
	Original   float64        `json:"original_value"`
	Processed  float64        `json:"processed_value"`
	Confidence float64        `json:"confidence"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Sink receives readings and results.
type Sink interface {
	StoreResult(ctx context.Context, rec Record) error
	StoreReading(ctx context.Context, r Reading) error
}

// Query filters stored results. Zero fields do not filter.
type Query struct {
	Algorithm string
	Module    string
	Field     string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// ReadingQuery filters stored raw readings. Zero fields do not filter.
type ReadingQuery struct {
	Module   string
	DataType string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// StoredReading is one persisted field value. Fields holds the whole reading
// it was part of.
type StoredReading struct {
	Timestamp time.Time          `json:"timestamp"`
	Module    string             `json:"module"`
	DataType  string             `json:"data_type"`
	Value     float64            `json:"value"`
	Fields    map[string]float64 `json:"fields,omitempty"`
}

// FieldStats aggregates the stored values of one module field.
type FieldStats struct {
	Module   string  `json:"module"`
	DataType string  `json:"data_type"`
	Count    int64   `json:"count"`
	Avg      float64 `json:"avg"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
}

// AlgorithmStats aggregates the stored results of one algorithm.
type AlgorithmStats struct {
	Algorithm     string  `json:"algorithm"`
	Count         int64   `json:"count"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// Statistics summarises everything stored since Since.
type Statistics struct {
	Since         time.Time        `json:"since"`
	Readings      []FieldStats     `json:"readings"`
	Algorithms    []AlgorithmStats `json:"algorithms"`
	TotalReadings int64            `json:"total_readings"`
	TotalResults  int64            `json:"total_results"`
}

// Querier is implemented by sinks that can read data back.
type Querier interface {
	QueryResults(ctx context.Context, q Query) ([]Record, error)
	QueryReadings(ctx context.Context, q ReadingQuery) ([]StoredReading, error)
	Statistics(ctx context.Context, since time.Time) (Statistics, error)
}

var errNoQuerier = errors.New("storage: no queryable sink configured")

// Discard accepts and drops everything.
type Discard struct{}

func (Discard) StoreResult(context.Context, Record) error   { return nil }
func (Discard) StoreReading(context.Context, Reading) error { return nil }

// Tee fans every write out to several sinks. All sinks are attempted; their
// errors are joined.
type Tee []Sink

func (t Tee) StoreResult(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range t {
		if err := s.StoreResult(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t Tee) StoreReading(ctx context.Context, r Reading) error {
	var errs []error
	for _, s := range t {
		if err := s.StoreReading(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// querier returns the first member that implements Querier.
func (t Tee) querier() (Querier, error) {
	for _, s := range t {
		if qr, ok := s.(Querier); ok {
			return qr, nil
		}
	}
	return nil, errNoQuerier
}

// QueryResults delegates to the first member that implements Querier.
func (t Tee) QueryResults(ctx context.Context, q Query) ([]Record, error) {
	qr, err := t.querier()
	if err != nil {
		return nil, err
	}
	return qr.QueryResults(ctx, q)
}

// QueryReadings delegates to the first member that implements Querier.
func (t Tee) QueryReadings(ctx context.Context, q ReadingQuery) ([]StoredReading, error) {
	qr, err := t.querier()
	if err != nil {
		return nil, err
	}
	return qr.QueryReadings(ctx, q)
}

// Statistics delegates to the first member that implements Querier.
func (t Tee) Statistics(ctx context.Context, since time.Time) (Statistics, error) {
	qr, err := t.querier()
	if err != nil {
		return Statistics{}, err
	}
	return qr.Statistics(ctx, since)
}
