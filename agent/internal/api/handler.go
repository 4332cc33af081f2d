package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ecoskeleton/sensorflow/agent/internal/alerts"
	"github.com/ecoskeleton/sensorflow/agent/internal/pipeline"
	"github.com/ecoskeleton/sensorflow/agent/internal/registry"
	"github.com/ecoskeleton/sensorflow/agent/internal/storage"
	"github.com/ecoskeleton/sensorflow/agent/internal/store"
	"github.com/ecoskeleton/sensorflow/agent/internal/transport"
)

const (
	maxBodyBytes        = 1 << 20
	defaultHistoryCount = 100
)

// SourceLister reports the state of polled sources.
type SourceLister interface {
	Sources() []transport.SourceStatus
}

// Deps are the components the API reads from and writes to. Store, Alerts,
// Querier and Sources may be nil; the endpoints backed by them then return
// empty lists or 501.
type Deps struct {
	Engine  *pipeline.Engine
	Store   *store.Store
	Alerts  *alerts.Engine
	Querier storage.Querier
	Sources SourceLister

	// AuthMode, AuthHeader and APIKey configure the API key middleware.
	AuthMode   string
	AuthHeader string
	APIKey     string
}

// Handler serves /api/v1/*.
type Handler struct {
	d   Deps
	mux *chi.Mux
	now func() time.Time
}

// New creates a Handler and registers all routes.
func New(d Deps) *Handler {
	h := &Handler{d: d, mux: chi.NewRouter(), now: time.Now}

	h.mux.Use(middleware.Recoverer)
	h.mux.Use(requestLogger)

	h.mux.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.health)

		r.Group(func(r chi.Router) {
			r.Use(APIKey(d.AuthMode, d.AuthHeader, d.APIKey))

			r.Get("/status", h.status)

			r.Get("/algorithms", h.listAlgorithms)
			r.Post("/algorithms", h.registerAlgorithm)
			r.Delete("/algorithms/{name}", h.unregisterAlgorithm)
			r.Put("/algorithms/{name}/enabled", h.enableAlgorithm)
			r.Get("/algorithms/{name}/results", h.algorithmResults)

			r.Get("/pipelines", h.listPipelines)
			r.Post("/pipelines", h.createPipeline)
			r.Delete("/pipelines/{name}", h.removePipeline)
			r.Put("/pipelines/{name}/enabled", h.enablePipeline)

			r.Post("/readings", h.ingest)

			r.Get("/history", h.history)
			r.Get("/history/latest", h.historyLatest)
			r.Get("/history/range", h.historyRange)

			r.Get("/latest", h.latest)
			r.Get("/alerts", h.alerts)

			r.Get("/config", h.exportConfig)
			r.Put("/config", h.importConfig)

			r.Get("/stored", h.stored)
			r.Get("/stored/readings", h.storedReadings)
			r.Get("/stored/statistics", h.storedStatistics)
			r.Get("/sources", h.sources)
		})
	})
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	modules := h.d.Engine.History().Modules()
	if modules == nil {
		modules = []string{}
	}
	jsonResp(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Modules: modules,
		Time:    h.now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Engine:  h.d.Engine.Status(),
		History: h.d.Engine.History().Status(),
	}
	if h.d.Store != nil {
		resp.LiveResults = len(h.d.Store.List(""))
	}
	if h.d.Alerts != nil {
		for _, a := range h.d.Alerts.Active() {
			if a.State == alerts.StateFiring {
				resp.FiringAlerts++
			}
		}
	}
	jsonResp(w, http.StatusOK, resp)
}

func (h *Handler) listAlgorithms(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, h.d.Engine.Registry().Configs())
}

func (h *Handler) registerAlgorithm(w http.ResponseWriter, r *http.Request) {
	var cfg registry.AlgorithmConfig
	if !decodeBody(w, r, &cfg) {
		return
	}
	if err := h.d.Engine.Registry().Register(cfg); err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	stored, _ := h.d.Engine.Registry().Config(cfg.Name)
	jsonResp(w, http.StatusCreated, stored)
}

func (h *Handler) unregisterAlgorithm(w http.ResponseWriter, r *http.Request) {
	if !h.d.Engine.Registry().Unregister(chi.URLParam(r, "name")) {
		jsonErr(w, http.StatusNotFound, "algorithm not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) enableAlgorithm(w http.ResponseWriter, r *http.Request) {
	enabled, ok := decodeEnabled(w, r)
	if !ok {
		return
	}
	if err := h.d.Engine.Registry().SetEnabled(chi.URLParam(r, "name"), enabled); err != nil {
		writeLookupErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) algorithmResults(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !h.d.Engine.Registry().Has(name) {
		jsonErr(w, http.StatusNotFound, "algorithm not found")
		return
	}
	count, ok := intParam(w, r, "count", 0)
	if !ok {
		return
	}
	jsonResp(w, http.StatusOK, h.d.Engine.Registry().Results(name, count))
}

func (h *Handler) listPipelines(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, h.d.Engine.Pipelines())
}

func (h *Handler) createPipeline(w http.ResponseWriter, r *http.Request) {
	var p pipeline.Pipeline
	if !decodeBody(w, r, &p) {
		return
	}
	if err := h.d.Engine.CreatePipeline(p); err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	stored, _ := h.d.Engine.Pipeline(p.Name)
	jsonResp(w, http.StatusCreated, stored)
}

func (h *Handler) removePipeline(w http.ResponseWriter, r *http.Request) {
	if !h.d.Engine.RemovePipeline(chi.URLParam(r, "name")) {
		jsonErr(w, http.StatusNotFound, "pipeline not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) enablePipeline(w http.ResponseWriter, r *http.Request) {
	enabled, ok := decodeEnabled(w, r)
	if !ok {
		return
	}
	if err := h.d.Engine.SetEnabled(chi.URLParam(r, "name"), enabled); err != nil {
		writeLookupErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	var req ReadingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Module == "" {
		jsonErr(w, http.StatusBadRequest, "module is required")
		return
	}
	if len(req.Fields) == 0 {
		jsonErr(w, http.StatusBadRequest, "fields are required")
		return
	}
	results := h.d.Engine.HandleReading(r.Context(), pipeline.Reading{
		Module:    req.Module,
		Timestamp: req.Timestamp,
		Fields:    req.Fields,
	})
	if results == nil {
		results = map[string]pipeline.Results{}
	}
	jsonResp(w, http.StatusAccepted, ReadingResponse{Module: req.Module, Results: results})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	count, ok := intParam(w, r, "count", defaultHistoryCount)
	if !ok {
		return
	}
	jsonResp(w, http.StatusOK, nonNil(h.d.Engine.History().Recent(r.URL.Query().Get("module"), count)))
}

func (h *Handler) historyLatest(w http.ResponseWriter, r *http.Request) {
	e, ok := h.d.Engine.History().Latest(r.URL.Query().Get("module"))
	if !ok {
		jsonErr(w, http.StatusNotFound, "no readings")
		return
	}
	jsonResp(w, http.StatusOK, e)
}

func (h *Handler) historyRange(w http.ResponseWriter, r *http.Request) {
	start, ok := timeParam(w, r, "start")
	if !ok {
		return
	}
	end, ok := timeParam(w, r, "end")
	if !ok {
		return
	}
	if start.IsZero() || end.IsZero() {
		jsonErr(w, http.StatusBadRequest, "start and end are required")
		return
	}
	jsonResp(w, http.StatusOK, nonNil(h.d.Engine.History().InRange(start, end, r.URL.Query().Get("module"))))
}

func (h *Handler) latest(w http.ResponseWriter, r *http.Request) {
	if h.d.Store == nil {
		jsonResp(w, http.StatusOK, []store.Entry{})
		return
	}
	jsonResp(w, http.StatusOK, h.d.Store.List(r.URL.Query().Get("module")))
}

func (h *Handler) alerts(w http.ResponseWriter, r *http.Request) {
	if h.d.Alerts == nil {
		jsonResp(w, http.StatusOK, []alerts.Alert{})
		return
	}
	jsonResp(w, http.StatusOK, h.d.Alerts.Active())
}

func (h *Handler) exportConfig(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, h.d.Engine.ExportConfig())
}

func (h *Handler) importConfig(w http.ResponseWriter, r *http.Request) {
	var cfg pipeline.Config
	if !decodeBody(w, r, &cfg) {
		return
	}
	if err := h.d.Engine.ImportConfig(cfg); err != nil {
		// Valid items stay applied; report what was skipped.
		jsonErr(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	jsonResp(w, http.StatusOK, h.d.Engine.ExportConfig())
}

func (h *Handler) stored(w http.ResponseWriter, r *http.Request) {
	if h.d.Querier == nil {
		jsonErr(w, http.StatusNotImplemented, "no queryable storage backend configured")
		return
	}
	q := r.URL.Query()
	query := storage.Query{
		Algorithm: q.Get("algorithm"),
		Module:    q.Get("module"),
		Field:     q.Get("field"),
	}
	var ok bool
	if query.Since, ok = timeParam(w, r, "since"); !ok {
		return
	}
	if query.Until, ok = timeParam(w, r, "until"); !ok {
		return
	}
	if query.Limit, ok = intParam(w, r, "limit", 0); !ok {
		return
	}

	recs, err := h.d.Querier.QueryResults(r.Context(), query)
	if err != nil {
		slog.Error("api: stored query failed", "err", err)
		jsonErr(w, http.StatusBadGateway, "storage query failed")
		return
	}
	jsonResp(w, http.StatusOK, nonNil(recs))
}

func (h *Handler) storedReadings(w http.ResponseWriter, r *http.Request) {
	if h.d.Querier == nil {
		jsonErr(w, http.StatusNotImplemented, "no queryable storage backend configured")
		return
	}
	q := r.URL.Query()
	query := storage.ReadingQuery{
		Module:   q.Get("module"),
		DataType: q.Get("type"),
	}
	var ok bool
	if query.Since, ok = timeParam(w, r, "since"); !ok {
		return
	}
	if query.Until, ok = timeParam(w, r, "until"); !ok {
		return
	}
	if query.Limit, ok = intParam(w, r, "limit", 0); !ok {
		return
	}

	readings, err := h.d.Querier.QueryReadings(r.Context(), query)
	if err != nil {
		slog.Error("api: stored readings query failed", "err", err)
		jsonErr(w, http.StatusBadGateway, "storage query failed")
		return
	}
	jsonResp(w, http.StatusOK, nonNil(readings))
}

// storedStatistics summarises the last ?hours (default 24) of stored data.
func (h *Handler) storedStatistics(w http.ResponseWriter, r *http.Request) {
	if h.d.Querier == nil {
		jsonErr(w, http.StatusNotImplemented, "no queryable storage backend configured")
		return
	}
	hours, ok := intParam(w, r, "hours", 24)
	if !ok {
		return
	}
	if hours <= 0 {
		jsonErr(w, http.StatusBadRequest, "hours must be positive")
		return
	}

	st, err := h.d.Querier.Statistics(r.Context(), h.now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		slog.Error("api: stored statistics failed", "err", err)
		jsonErr(w, http.StatusBadGateway, "storage query failed")
		return
	}
	jsonResp(w, http.StatusOK, st)
}

func (h *Handler) sources(w http.ResponseWriter, r *http.Request) {
	if h.d.Sources == nil {
		jsonResp(w, http.StatusOK, []transport.SourceStatus{})
		return
	}
	jsonResp(w, http.StatusOK, h.d.Sources.Sources())
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func decodeEnabled(w http.ResponseWriter, r *http.Request) (bool, bool) {
	var req EnabledRequest
	if !decodeBody(w, r, &req) {
		return false, false
	}
	if req.Enabled == nil {
		jsonErr(w, http.StatusBadRequest, "enabled is required")
		return false, false
	}
	return *req.Enabled, true
}

func writeLookupErr(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrNotFound) || errors.Is(err, pipeline.ErrNotFound) {
		jsonErr(w, http.StatusNotFound, err.Error())
		return
	}
	jsonErr(w, http.StatusInternalServerError, err.Error())
}

func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return n, true
}

// timeParam parses an RFC3339 query parameter. Absent parameters yield the
// zero time.
func timeParam(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid "+name+": want RFC3339")
		return time.Time{}, false
	}
	return t, true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("api: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}
