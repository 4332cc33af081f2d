package api

import (
	"time"

	"github.com/ecoskeleton/sensorflow/agent/internal/history"
	"github.com/ecoskeleton/sensorflow/agent/internal/pipeline"
)

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status  string   `json:"status"`
	Modules []string `json:"modules"`
	Time    string   `json:"time"` // RFC3339
}

// StatusResponse is the payload for GET /api/v1/status.
type StatusResponse struct {
	Engine       pipeline.Status `json:"engine"`
	History      history.Status  `json:"history"`
	LiveResults  int             `json:"live_results"`
	FiringAlerts int             `json:"firing_alerts"`
}

// ReadingRequest is the body of POST /api/v1/readings. A zero Timestamp is
// replaced with the receive time.
type ReadingRequest struct {
	Module    string             `json:"module"`
	Timestamp time.Time          `json:"timestamp"`
	Fields    map[string]float64 `json:"fields"`
}

// ReadingResponse maps pipeline name to field to algorithm results.
type ReadingResponse struct {
	Module  string                      `json:"module"`
	Results map[string]pipeline.Results `json:"results"`
}

// EnabledRequest is the body of the .../enabled endpoints.
type EnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
