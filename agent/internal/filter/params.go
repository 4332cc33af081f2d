package filter

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// params wraps a raw parameter map and records which keys were consumed so
// New can reject leftovers.
type params struct {
	raw  map[string]any
	used map[string]bool
}

func newParams(raw map[string]any) *params {
	return &params{raw: raw, used: make(map[string]bool, len(raw))}
}

// lookup returns the first present key among names.
func (p *params) lookup(names ...string) (string, any, bool) {
	for _, n := range names {
		if v, ok := p.raw[n]; ok {
			p.used[n] = true
			return n, v, true
		}
	}
	return "", nil, false
}

// float returns the value under any of names, or def when none is present.
func (p *params) float(def float64, names ...string) (float64, error) {
	name, v, ok := p.lookup(names...)
	if !ok {
		return def, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidParams, name, err)
	}
	return f, nil
}

// positiveInt returns a whole number >= 1 under any of names, or def.
func (p *params) positiveInt(def int, names ...string) (int, error) {
	name, v, ok := p.lookup(names...)
	if !ok {
		return def, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidParams, name, err)
	}
	if f != math.Trunc(f) || f < 1 || f > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s must be a positive integer, got %v", ErrInvalidParams, name, v)
	}
	return int(f), nil
}

// floatMap reads a nested name→number mapping (e.g. "weights: {a: 0.8}") and
// flat "prefix<name>" keys (e.g. "weight.a: 0.8"). Flat keys win.
func (p *params) floatMap(mapKeys []string, prefix string) (map[string]float64, error) {
	out := make(map[string]float64)

	if name, v, ok := p.lookup(mapKeys...); ok {
		m, err := toStringMap(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidParams, name, err)
		}
		for k, raw := range m {
			f, err := toFloat(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %s.%s: %v", ErrInvalidParams, name, k, err)
			}
			out[k] = f
		}
	}

	for k, raw := range p.raw {
		if !strings.HasPrefix(k, prefix) || len(k) == len(prefix) {
			continue
		}
		p.used[k] = true
		f, err := toFloat(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidParams, k, err)
		}
		out[strings.TrimPrefix(k, prefix)] = f
	}
	return out, nil
}

// unused returns the sorted keys nobody consumed.
func (p *params) unused() []string {
	var out []string
	for k := range p.raw {
		if !p.used[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// toFloat converts any Go numeric type, or a string holding a number, to float64.
func toFloat(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("not numeric: %q", n)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("not numeric: %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not finite: %v", v)
	}
	return f, nil
}

func toStringMap(v any) (map[string]any, error) {
	switch m := v.(type) {
	case map[string]any:
		return m, nil
	case map[string]float64:
		out := make(map[string]any, len(m))
		for k, f := range m {
			out[k] = f
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, raw := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("key %v is not a string", k)
			}
			out[ks] = raw
		}
		return out, nil
	default:
		return nil, fmt.Errorf("want a mapping, got %T", v)
	}
}
