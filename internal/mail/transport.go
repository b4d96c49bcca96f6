package mail

import (
	"context"
	"strings"
	"sync/atomic"

	"golang.org/x/time/rate"

	logx "mailsched/pkg/logx"
)

// Sender delivers one message through one server.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type server struct {
	name   string
	sender string
	s      Sender
}

// Transport sends through its servers in order and stops at the first success.
type Transport struct {
	log     logx.Logger
	servers []server
	limiter *rate.Limiter
	closed  atomic.Bool
}

// NewTransport builds an SMTP sender for every configured server.
func NewTransport(cfg Config, log logx.Logger) *Transport {
	senders := make([]Sender, len(cfg.Servers))
	for i, sc := range cfg.Servers {
		senders[i] = newSMTPSender(sc)
	}
	return newTransport(cfg, senders, log)
}

// NewTransportWithSenders pairs cfg.Servers[i] with senders[i]; it lets
// callers plug in non-SMTP delivery.
func NewTransportWithSenders(cfg Config, senders []Sender, log logx.Logger) *Transport {
	return newTransport(cfg, senders, log)
}

func newTransport(cfg Config, senders []Sender, log logx.Logger) *Transport {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Transport{log: log}
	for i, sc := range cfg.Servers {
		if i >= len(senders) || senders[i] == nil {
			break
		}
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			name = sc.Host
		}
		t.servers = append(t.servers, server{name: name, sender: sc.Sender, s: senders[i]})
		log.Info("mail server configured",
			logx.String("server", name),
			logx.String("host", sc.Host),
			logx.Int("port", sc.Port),
			logx.Bool("tls", sc.TLS),
			logx.Bool("auth", sc.Username != ""),
		)
	}
	if cfg.RatePerSec > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return t
}

// Servers returns the configured server names in try order.
func (t *Transport) Servers() []string {
	out := make([]string, len(t.servers))
	for i, s := range t.servers {
		out[i] = s.name
	}
	return out
}

// Send delivers msg through the first server that accepts it. If all
// servers fail, the returned *SendError carries every server's error.
func (t *Transport) Send(ctx context.Context, msg Message) (string, error) {
	if t.closed.Load() {
		return "", ErrClosed
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	failures := map[string]error{}
	for _, srv := range t.servers {
		m := msg
		m.From = srv.sender
		err := srv.s.Send(ctx, m)
		if err == nil {
			t.log.Debug("mail sent", logx.String("server", srv.name), logx.String("subject", msg.Subject), logx.Int("recipients", len(msg.Recipients())))
			return srv.name, nil
		}
		t.log.Warn("mail server failed", logx.String("server", srv.name), logx.Err(err))
		failures[srv.name] = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", &SendError{Subject: msg.Subject, Errors: failures}
}

// Close makes later sends fail with ErrClosed.
func (t *Transport) Close() error {
	t.closed.Store(true)
	return nil
}
