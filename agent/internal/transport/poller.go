package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/ecoskeleton/sensorflow/agent/internal/config"
	"github.com/ecoskeleton/sensorflow/agent/internal/storage"
)

const (
	defaultPollTimeout = 10 * time.Second
	certCheckInterval  = time.Hour
)

// SourceStatus is the latest poll outcome for one source.
type SourceStatus struct {
	Module    string      `json:"module"`
	Endpoint  string      `json:"endpoint"`
	LastPoll  time.Time   `json:"last_poll,omitempty"`
	LastError string      `json:"last_error,omitempty"`
	Fields    int         `json:"fields"`
	Cert      *CertStatus `json:"cert,omitempty"`
}

// target is one module endpoint with its prepared client.
type target struct {
	src    config.Source
	client *http.Client
}

// Poller fetches Prometheus text metrics from module endpoints at a fixed
// interval and turns each response into one Reading.
type Poller struct {
	interval time.Duration
	targets  []target
	handler  Handler
	now      func() time.Time

	mu          sync.Mutex
	status      []SourceStatus
	certChecked []time.Time
}

// NewPoller builds HTTP clients for every source.
func NewPoller(cfg config.PollConfig, h Handler) (*Poller, error) {
	p := &Poller{interval: cfg.Interval, handler: h, now: time.Now}
	for _, src := range cfg.Sources {
		if src.Module == "" || src.Endpoint == "" {
			return nil, fmt.Errorf("transport: poll source needs module and endpoint, got %q / %q", src.Module, src.Endpoint)
		}
		p.targets = append(p.targets, target{src: src, client: buildHTTPClient(src)})
		p.status = append(p.status, SourceStatus{Module: src.Module, Endpoint: src.Endpoint})
	}
	p.certChecked = make([]time.Time, len(p.targets))
	return p, nil
}

// Run polls every interval until ctx is cancelled. The first poll happens
// immediately.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce fetches every target once. Failed targets are logged and skipped.
// https endpoints also get their certificate checked once per hour.
func (p *Poller) PollOnce(ctx context.Context) {
	for i, t := range p.targets {
		now := p.now()
		var cert *CertStatus
		if now.Sub(p.certChecked[i]) >= certCheckInterval {
			cert = CheckCert(ctx, t.src, now)
			p.certChecked[i] = now
			if cert != nil && cert.Status != CertValid {
				slog.Warn("transport: source certificate needs attention",
					"module", t.src.Module, "status", cert.Status, "days_left", cert.DaysLeft)
			}
		}

		r, err := p.poll(ctx, t)
		p.record(i, now, len(r.Fields), err, cert)
		if err != nil {
			slog.Warn("transport: poll failed", "module", t.src.Module, "endpoint", t.src.Endpoint, "err", err)
			continue
		}
		p.handler(ctx, r)
	}
}

func (p *Poller) record(i int, at time.Time, fields int, err error, cert *CertStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := &p.status[i]
	st.LastPoll = at
	st.Fields = fields
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
	if cert != nil {
		st.Cert = cert
	}
}

// Sources returns the poll status of every source in config order.
func (p *Poller) Sources() []SourceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SourceStatus, len(p.status))
	copy(out, p.status)
	return out
}

func (p *Poller) poll(ctx context.Context, t target) (storage.Reading, error) {
	mfs, err := fetchMetrics(ctx, t.client, t.src.Endpoint)
	if err != nil {
		return storage.Reading{}, err
	}
	r := storage.Reading{
		Module:    t.src.Module,
		Timestamp: p.now().UTC(),
		Fields:    make(map[string]float64, len(mfs)),
	}
	for name, mf := range mfs {
		v, ok := sumFamily(mf)
		if !ok {
			continue
		}
		r.Fields[name] = v
	}
	if len(r.Fields) == 0 {
		return storage.Reading{}, ErrNoFields
	}
	return r, nil
}

// authRoundTripper injects authentication headers into every outgoing request.
type authRoundTripper struct {
	base http.RoundTripper
	auth config.AuthConfig
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	switch t.auth.Mode {
	case "apikey":
		req = req.Clone(req.Context())
		req.Header.Set(t.auth.EffectiveHeader(), t.auth.Key())
	case "bearer":
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.auth.Token())
	case "basic":
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.auth.Username, t.auth.Password())
	}
	return t.base.RoundTrip(req)
}

// buildHTTPClient constructs an http.Client for the source's auth and TLS settings.
func buildHTTPClient(src config.Source) *http.Client {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: src.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
	}
	return &http.Client{
		Transport: &authRoundTripper{
			base: &http.Transport{TLSClientConfig: tlsCfg},
			auth: src.Auth,
		},
		Timeout: defaultPollTimeout,
	}
}

// fetchMetrics performs an HTTP GET to url and returns parsed metric families.
func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes a Prometheus text exposition. A partial parse still
// succeeds when at least one family was read.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

// sumFamily adds up all counter, gauge and untyped samples in mf. ok is false
// when mf carries none of those, or the sum is not finite.
func sumFamily(mf *dto.MetricFamily) (total float64, ok bool) {
	if mf == nil {
		return 0, false
	}
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
			ok = true
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
			ok = true
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
			ok = true
		}
	}
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return 0, false
	}
	return total, ok
}
