// Package reconnect implements the client-mirror half of the protocol
// engine: URL-set merging, exponential backoff, and session re-attach
// after a broker failover. It is deliberately independent of the qpid
// package so it can drive either this engine's own sessions in tests or a
// real amqp091-go client against a production broker.
package reconnect

import (
	"context"
	"errors"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

func defaultNetDial(ctx context.Context) func(network, addr string) (net.Conn, error) {
	d := net.Dialer{}
	return func(network, addr string) (net.Conn, error) {
		return d.DialContext(ctx, network, addr)
	}
}

// Resumer is any client-side session object that can re-attach itself
// after its connection has been replaced. qpid.SessionHandler does not
// implement it: its Resume method takes a SessionID and has a different
// signature.
type Resumer interface {
	ResumeSession(ctx context.Context) error
}

// ResourceLimitExceeded mirrors the producer-scoped error a Resumer may
// report mid-reconnect; the controller restarts its whole cycle when
// Config.ReconnectOnLimitExceeded is set and a Resumer returns it.
type ResourceLimitExceeded struct {
	Reason string
}

func (e *ResourceLimitExceeded) Error() string { return "reconnect: resource limit exceeded: " + e.Reason }

// Config holds the reconnect behaviour named in the connection options:
// reconnect-limit, reconnect-timeout, reconnect-interval-min/-max, and
// x-reconnect-on-limit-exceeded.
type Config struct {
	MinInterval              time.Duration
	MaxInterval              time.Duration
	Limit                    int // 0 = unlimited
	Timeout                  time.Duration
	ReconnectOnLimitExceeded bool
}

// brokerConn is the slice of *amqp.Connection this controller actually
// needs, narrowed to an interface so tests can dial a fake broker without
// a real socket.
type brokerConn interface {
	Properties() amqp.Table
	Close() error
}

// amqpConn adapts a *amqp.Connection, whose Properties is a struct field
// rather than a method, to satisfy brokerConn.
type amqpConn struct {
	*amqp.Connection
}

func (c amqpConn) Properties() amqp.Table { return c.Connection.Properties }

// Controller maintains the ordered, de-duplicated URL set and drives the
// reconnect algorithm: iterate urls attempting TCP+handshake, merge any
// broker-advertised known-hosts into the set on success, then resume every
// tracked session. Between full passes it sleeps interval, doubling up to
// MaxInterval, and gives up after Limit attempts or Timeout wall-clock.
type Controller struct {
	cfg Config
	log zerolog.Logger

	urls []string
	seen map[string]bool

	dial func(ctx context.Context, url string) (brokerConn, error)
}

func NewController(cfg Config, log zerolog.Logger) *Controller {
	c := &Controller{
		cfg:  cfg,
		log:  log.With().Str("component", "reconnect").Logger(),
		seen: make(map[string]bool),
	}
	c.dial = func(ctx context.Context, url string) (brokerConn, error) {
		conn, err := amqp.DialConfig(url, amqp.Config{Dial: defaultNetDial(ctx)})
		if err != nil {
			return nil, err
		}
		return amqpConn{conn}, nil
	}
	return c
}

// AddURL appends url to the ordered set if it has not been seen before.
func (c *Controller) AddURL(url string) {
	if c.seen[url] {
		return
	}
	c.seen[url] = true
	c.urls = append(c.urls, url)
}

// mergeKnownHosts folds broker-advertised peers into the URL set, in
// arrival order, skipping anything already present.
func (c *Controller) mergeKnownHosts(hosts []string) {
	for _, h := range hosts {
		c.AddURL(h)
	}
}

// URLs returns the current ordered, de-duplicated URL set.
func (c *Controller) URLs() []string {
	return append([]string(nil), c.urls...)
}

// Run drives the reconnect loop until one pass succeeds and every resumer
// re-attaches cleanly, the attempt/time budget is exhausted, or ctx is
// cancelled. It returns nil on a clean reconnect, or the error that caused
// the loop to give up.
func (c *Controller) Run(ctx context.Context, resumers []Resumer) error {
	deadline := time.Time{}
	if c.cfg.Timeout > 0 {
		deadline = time.Now().Add(c.cfg.Timeout)
	}

	interval := c.cfg.MinInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	attempts := 0
	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return errors.New("reconnect: timeout exceeded")
		}
		if c.cfg.Limit > 0 && attempts >= c.cfg.Limit {
			return errors.New("reconnect: attempt limit exceeded")
		}

		restart, err := c.attemptPass(ctx, resumers)
		attempts++
		if err == nil {
			return nil
		}
		if restart {
			continue
		}
		c.log.Warn().Err(err).Int("attempt", attempts).Msg("reconnect pass failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		interval *= 2
		if c.cfg.MaxInterval > 0 && interval > c.cfg.MaxInterval {
			interval = c.cfg.MaxInterval
		}
	}
}

// attemptPass tries every known URL once, resumes every session on the
// first success, and reports restart=true if a resumer's
// ResourceLimitExceeded should trigger an immediate new pass rather than
// the usual backoff sleep.
func (c *Controller) attemptPass(ctx context.Context, resumers []Resumer) (restart bool, err error) {
	for _, url := range c.urls {
		conn, dialErr := c.dial(ctx, url)
		if dialErr != nil {
			c.log.Debug().Str("url", url).Err(dialErr).Msg("dial failed")
			continue
		}

		if hosts, ok := knownHosts(conn); ok {
			c.mergeKnownHosts(hosts)
		}

		resumeErr := c.resumeAll(ctx, resumers)
		_ = conn.Close()
		if resumeErr == nil {
			return false, nil
		}

		var limitErr *ResourceLimitExceeded
		if errors.As(resumeErr, &limitErr) && c.cfg.ReconnectOnLimitExceeded {
			return true, resumeErr
		}
		return false, resumeErr
	}
	return false, errors.New("reconnect: every known url failed")
}

func (c *Controller) resumeAll(ctx context.Context, resumers []Resumer) error {
	for _, r := range resumers {
		if err := r.ResumeSession(ctx); err != nil {
			return err
		}
	}
	return nil
}

// knownHosts extracts any broker-advertised peer list from the connection
// handshake properties, if the broker offered one.
func knownHosts(conn brokerConn) ([]string, bool) {
	props := conn.Properties()
	raw, ok := props["known_hosts"]
	if !ok {
		return nil, false
	}
	hosts, ok := raw.([]string)
	return hosts, ok
}
