// Package transport delivers module readings to the pipeline engine. Two
// sources are supported: a NATS subscriber for pushed JSON payloads and an
// HTTP poller for modules exposing Prometheus text metrics.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ecoskeleton/sensorflow/agent/internal/storage"
)

// Handler consumes one reading. The pipeline engine's HandleReading is the
// usual implementation.
type Handler func(ctx context.Context, r storage.Reading)

// UnknownModule tags readings whose origin cannot be determined.
const UnknownModule = "unknown"

// knownModules are matched by substring when a subject does not follow the
// <prefix>.<module>.sensors layout.
var knownModules = []string{"greenhouse", "injection", "bubble"}

// ModuleFromSubject derives the module name from a NATS subject.
func ModuleFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) == 3 && parts[2] == "sensors" && parts[1] != "" && parts[1] != "*" {
		return parts[1]
	}
	for _, m := range knownModules {
		if strings.Contains(subject, m) {
			return m
		}
	}
	return UnknownModule
}

// ErrNoFields is returned by DecodeReading for a payload without any numeric
// field.
var ErrNoFields = errors.New("payload has no numeric fields")

// DecodeReading parses a JSON object of field → number. An optional
// "timestamp" member holds unix seconds; otherwise now is used. Non-numeric
// members are ignored.
func DecodeReading(module string, data []byte, now time.Time) (storage.Reading, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return storage.Reading{}, fmt.Errorf("transport: decode %s payload: %w", module, err)
	}

	r := storage.Reading{Module: module, Timestamp: now, Fields: make(map[string]float64, len(raw))}
	for k, v := range raw {
		f, ok := v.(float64)
		if !ok {
			continue
		}
		if k == "timestamp" {
			sec, frac := math.Modf(f)
			r.Timestamp = time.Unix(int64(sec), int64(frac*1e9)).UTC()
			continue
		}
		r.Fields[k] = f
	}
	if len(r.Fields) == 0 {
		return storage.Reading{}, fmt.Errorf("transport: %s: %w", module, ErrNoFields)
	}
	return r, nil
}
