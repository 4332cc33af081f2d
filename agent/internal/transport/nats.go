package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ecoskeleton/sensorflow/agent/internal/config"
)

const (
	natsReconnectWait = 2 * time.Second
	natsPingInterval  = 20 * time.Second
	natsDrainTimeout  = 5 * time.Second
	natsHandleTimeout = 30 * time.Second
)

// NATS subscribes to sensor subjects and hands every decoded payload to a
// Handler.
type NATS struct {
	cfg     config.NATSConfig
	handler Handler
	now     func() time.Time
}

// NewNATS returns a subscriber for cfg. Call Run to connect.
func NewNATS(cfg config.NATSConfig, h Handler) *NATS {
	return &NATS{cfg: cfg, handler: h, now: time.Now}
}

// options builds the connection options from the config.
func (n *NATS) options() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(natsReconnectWait),
		nats.PingInterval(natsPingInterval),
		nats.DrainTimeout(natsDrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("transport: nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("transport: nats reconnected", "url", c.ConnectedUrl())
		}),
	}
	if tok := n.cfg.Token(); tok != "" {
		opts = append(opts, nats.Token(tok))
	}
	if n.cfg.Name != "" {
		opts = append(opts, nats.Name(n.cfg.Name))
	}
	return opts
}

// Run connects, subscribes to every configured subject and blocks until ctx
// is cancelled, then drains the connection.
func (n *NATS) Run(ctx context.Context) error {
	nc, err := nats.Connect(n.cfg.URL, n.options()...)
	if err != nil {
		return fmt.Errorf("transport: nats connect %s: %w", n.cfg.URL, err)
	}

	for _, subj := range n.cfg.Subjects {
		if _, err := nc.Subscribe(subj, func(msg *nats.Msg) { n.handleMsg(ctx, msg) }); err != nil {
			nc.Close()
			return fmt.Errorf("transport: nats subscribe %q: %w", subj, err)
		}
		slog.Info("transport: nats subscribed", "subject", subj)
	}

	<-ctx.Done()
	if err := nc.Drain(); err != nil {
		slog.Warn("transport: nats drain", "err", err)
		nc.Close()
	}
	return nil
}

func (n *NATS) handleMsg(ctx context.Context, msg *nats.Msg) {
	module := ModuleFromSubject(msg.Subject)
	r, err := DecodeReading(module, msg.Data, n.now())
	if err != nil {
		slog.Warn("transport: dropping nats message", "subject", msg.Subject, "err", err)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, natsHandleTimeout)
	defer cancel()
	slog.Debug("transport: nats reading", "module", module, "fields", len(r.Fields))
	n.handler(hctx, r)
}
