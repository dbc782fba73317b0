package reconnect

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type countingResumer struct {
	calls int
	err   error
}

func (r *countingResumer) ResumeSession(ctx context.Context) error {
	r.calls++
	return r.err
}

type stubConn struct {
	props  amqp.Table
	closed bool
}

func (s *stubConn) Properties() amqp.Table { return s.props }
func (s *stubConn) Close() error           { s.closed = true; return nil }

func TestAddURLDeduplicatesInOrder(t *testing.T) {
	c := NewController(Config{}, zerolog.New(io.Discard))
	c.AddURL("amqp://a")
	c.AddURL("amqp://b")
	c.AddURL("amqp://a")
	require.Equal(t, []string{"amqp://a", "amqp://b"}, c.URLs())
}

func TestMergeKnownHostsAppendsNewOnly(t *testing.T) {
	c := NewController(Config{}, zerolog.New(io.Discard))
	c.AddURL("amqp://a")
	c.mergeKnownHosts([]string{"amqp://a", "amqp://c"})
	require.Equal(t, []string{"amqp://a", "amqp://c"}, c.URLs())
}

func TestRunAbortsAfterAttemptLimit(t *testing.T) {
	c := NewController(Config{Limit: 2, MinInterval: time.Millisecond}, zerolog.New(io.Discard))
	c.AddURL("amqp://unreachable")
	c.dial = func(ctx context.Context, url string) (brokerConn, error) {
		return nil, errors.New("connection refused")
	}

	err := c.Run(context.Background(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "attempt limit")
}

func TestRunAbortsOnTimeout(t *testing.T) {
	c := NewController(Config{Timeout: time.Nanosecond, MinInterval: time.Millisecond}, zerolog.New(io.Discard))
	c.AddURL("amqp://unreachable")
	c.dial = func(ctx context.Context, url string) (brokerConn, error) {
		return nil, errors.New("connection refused")
	}
	time.Sleep(time.Millisecond)

	err := c.Run(context.Background(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "timeout")
}

func TestRunSucceedsAndMergesKnownHosts(t *testing.T) {
	c := NewController(Config{MinInterval: time.Millisecond}, zerolog.New(io.Discard))
	c.AddURL("amqp://primary")
	c.dial = func(ctx context.Context, url string) (brokerConn, error) {
		return &stubConn{props: amqp.Table{"known_hosts": []string{"amqp://primary", "amqp://standby"}}}, nil
	}

	r := &countingResumer{}
	err := c.Run(context.Background(), []Resumer{r})
	require.NoError(t, err)
	require.Equal(t, 1, r.calls)
	require.Equal(t, []string{"amqp://primary", "amqp://standby"}, c.URLs())
}

func TestRunRestartsImmediatelyOnResourceLimitExceeded(t *testing.T) {
	c := NewController(Config{MinInterval: time.Millisecond, ReconnectOnLimitExceeded: true, Limit: 3}, zerolog.New(io.Discard))
	c.AddURL("amqp://primary")

	attempts := 0
	c.dial = func(ctx context.Context, url string) (brokerConn, error) {
		attempts++
		return &stubConn{props: amqp.Table{}}, nil
	}

	r := &countingResumer{err: &ResourceLimitExceeded{Reason: "too many producers"}}
	err := c.Run(context.Background(), []Resumer{r})
	require.Error(t, err)
	require.Contains(t, err.Error(), "attempt limit")
	require.Equal(t, 3, attempts)
}
