package alerts

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ecoskeleton/sensorflow/agent/internal/config"
	"github.com/ecoskeleton/sensorflow/agent/internal/pipeline"
)

const (
	defaultCooldown = 15 * time.Minute
	maxHistoryLen   = 200
	recentWindow    = time.Hour
)

// Alert states.
const (
	StateFiring   = "firing"
	StateResolved = "resolved"
)

// Alert is a single alert produced by the rule engine.
type Alert struct {
	ID         string     `json:"id"`
	RuleName   string     `json:"rule_name"`
	Module     string     `json:"module"`
	Field      string     `json:"field"`
	Algorithm  string     `json:"algorithm"`
	Severity   string     `json:"severity"`
	Message    string     `json:"message"`
	Value      float64    `json:"value"`
	FiredAt    time.Time  `json:"fired_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	State      string     `json:"state"`
}

// Engine evaluates alert rules against pipeline results. It implements
// pipeline.Listener and is safe for concurrent use.
type Engine struct {
	client *http.Client
	now    func() time.Time
	wg     sync.WaitGroup

	mu       sync.Mutex
	rules    []config.AlertRule
	webhooks []config.WebhookConfig
	active   map[string]*Alert    // key: rule/module/field/algorithm
	lastFire map[string]time.Time // cooldown bookkeeping, same key
	history  []*Alert             // recently resolved
}

// New creates an Engine. An Engine with no rules is valid and OnResult is
// then a no-op.
func New(cfg config.AlertsConfig) *Engine {
	return &Engine{
		rules:    cfg.Rules,
		webhooks: cfg.Webhooks,
		active:   make(map[string]*Alert),
		lastFire: make(map[string]time.Time),
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}
}

// SetConfig replaces the rules and webhooks. Firing alerts of rules that no
// longer exist stay listed until they age out of the active set.
func (e *Engine) SetConfig(cfg config.AlertsConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = cfg.Rules
	e.webhooks = cfg.Webhooks
}

func matches(rule config.AlertRule, ev pipeline.Event) bool {
	return (rule.Algorithm == "" || rule.Algorithm == ev.Algorithm) &&
		(rule.Module == "" || rule.Module == ev.Module) &&
		(rule.Field == "" || rule.Field == ev.Field)
}

// OnResult tests every rule in scope against the event. Rules that fire
// outside their cooldown raise an alert; firing alerts whose condition is now
// false are resolved. Webhooks are delivered asynchronously.
func (e *Engine) OnResult(ev pipeline.Event) {
	e.mu.Lock()
	rules, webhooks := e.rules, e.webhooks
	e.mu.Unlock()
	if len(rules) == 0 {
		return
	}

	now := e.now()
	for _, rule := range rules {
		if !matches(rule, ev) {
			continue
		}
		fires, value, applies := evalCondition(rule.Condition, ev.Result)
		if !applies {
			continue
		}
		key := rule.Name + "/" + ev.Module + "/" + ev.Field + "/" + ev.Algorithm

		e.mu.Lock()
		if fires {
			cooldown := rule.Cooldown
			if cooldown <= 0 {
				cooldown = defaultCooldown
			}
			if _, firing := e.active[key]; firing || now.Sub(e.lastFire[key]) <= cooldown {
				e.mu.Unlock()
				continue
			}
			sev := rule.Severity
			if sev == "" {
				sev = "warning"
			}
			a := &Alert{
				ID:        uuid.NewString(),
				RuleName:  rule.Name,
				Module:    ev.Module,
				Field:     ev.Field,
				Algorithm: ev.Algorithm,
				Severity:  sev,
				Value:     value,
				Message: fmt.Sprintf("[%s] %s fired on %s.%s (%s): %s, value %.4g",
					sev, rule.Name, ev.Module, ev.Field, ev.Algorithm, rule.Condition, value),
				FiredAt: now,
				State:   StateFiring,
			}
			e.active[key] = a
			e.lastFire[key] = now
			cp := *a
			e.mu.Unlock()

			slog.Warn("alerts: alert fired",
				"rule", rule.Name,
				"module", ev.Module,
				"field", ev.Field,
				"algorithm", ev.Algorithm,
				"value", value,
				"severity", sev,
			)
			e.dispatch(webhooks, &cp)
			continue
		}

		a, ok := e.active[key]
		if !ok {
			e.mu.Unlock()
			continue
		}
		resolved := now
		a.State = StateResolved
		a.ResolvedAt = &resolved
		delete(e.active, key)
		e.history = append(e.history, a)
		if len(e.history) > maxHistoryLen {
			e.history = e.history[len(e.history)-maxHistoryLen:]
		}
		cp := *a
		e.mu.Unlock()

		slog.Info("alerts: alert resolved",
			"rule", rule.Name,
			"module", ev.Module,
			"field", ev.Field,
			"algorithm", ev.Algorithm,
		)
		e.dispatch(webhooks, &cp)
	}
}

func (e *Engine) dispatch(webhooks []config.WebhookConfig, a *Alert) {
	if len(webhooks) == 0 {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.deliver(webhooks, a)
	}()
}

// Wait blocks until all in-flight webhook deliveries have finished.
func (e *Engine) Wait() { e.wg.Wait() }

// Active returns copies of all firing alerts plus alerts resolved within the
// past hour, newest first.
func (e *Engine) Active() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-recentWindow)
	out := make([]Alert, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, *a)
	}
	for _, a := range e.history {
		if a.ResolvedAt != nil && a.ResolvedAt.After(cutoff) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FiredAt.Equal(out[j].FiredAt) {
			return out[i].FiredAt.After(out[j].FiredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
