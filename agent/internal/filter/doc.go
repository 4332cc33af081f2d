// Package filter implements the stateful signal-conditioning algorithms applied
// to sensor readings.
//
// Every algorithm satisfies Processor: it consumes one Sample and returns a
// Result holding the original value, the processed value, a confidence score
// in [0, 1] and diagnostic attributes. Each instance owns a private bounded
// window, so two instances of the same Kind never share history.
//
// New(kind, params) is the factory used by the registry. Parameters come from
// config files or the HTTP API and are validated strictly: unknown keys,
// non-numeric values and out-of-range sizes fail with ErrInvalidParams.
//
// The statistical analyzer reports a typed Stats snapshot (Result.Stats) and the
// data fusion processor additionally exposes Fuse for callers holding a
// complete source→value mapping.
package filter
