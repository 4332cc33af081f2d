package alerts

import (
	"strconv"
	"strings"

	"github.com/ecoskeleton/sensorflow/agent/internal/filter"
)

// evalCondition evaluates a rule condition against a result.
//
// Conditions have the form "field operator value":
//
//	confidence < 0.3
//	processed > 40
//	original >= 100
//	is_outlier == true
//	trend == decreasing
//	z_score > 3
//
// Any field other than confidence, processed and original is looked up in
// the result attributes. applies is false when the expression cannot be
// parsed or the result does not carry the field, in which case the rule
// neither fires nor resolves.
func evalCondition(cond string, res filter.Result) (fires bool, value float64, applies bool) {
	parts := strings.Fields(cond)
	if len(parts) != 3 {
		return false, 0, false
	}
	field, op, rhs := parts[0], parts[1], parts[2]

	var v any
	switch field {
	case "confidence":
		v = res.Confidence
	case "processed":
		v = res.Processed
	case "original":
		v = res.Original
	default:
		attr, ok := res.Attributes[field]
		if !ok {
			return false, 0, false
		}
		v = attr
	}

	switch x := v.(type) {
	case bool:
		want, err := strconv.ParseBool(rhs)
		if err != nil {
			return false, 0, false
		}
		value = 0
		if x {
			value = 1
		}
		switch op {
		case "==":
			return x == want, value, true
		case "!=":
			return x != want, value, true
		}
		return false, 0, false

	case string:
		switch op {
		case "==":
			return x == rhs, 0, true
		case "!=":
			return x != rhs, 0, true
		}
		return false, 0, false

	default:
		f, ok := numeric(v)
		if !ok {
			return false, 0, false
		}
		threshold, err := strconv.ParseFloat(rhs, 64)
		if err != nil {
			return false, 0, false
		}
		return compareFloat(f, op, threshold), f, true
	}
}

func numeric(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

// compareFloat applies a comparison operator to two float64 values.
func compareFloat(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	case "!=":
		return v != threshold
	default:
		return false
	}
}
