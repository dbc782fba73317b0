// Command qpidd runs the connection engine as a standalone broker process,
// accepting AMQP connections on one TCP port and serving a plain-text
// health probe off the same listener via cmux.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/soheilhy/cmux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	qpid "github.com/domcleal/qpid"
	"github.com/domcleal/qpid/sink"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "qpidd",
		Short: "Run the AMQP connection engine as a broker process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", ":5672", "address to accept AMQP connections on")
	flags.String("log-level", "info", "zerolog level: debug, info, warn, error")
	flags.Int("max-channels", 0xFFFF, "server channel-max cap")
	flags.Int("max-frame-size", 65536, "server frame-max cap")
	flags.Duration("heartbeat", 0, "server heartbeat cap; 0 disables heartbeats")
	_ = v.BindPFlags(flags)

	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	log := qpid.NewLogger(v.GetString("log-level"), os.Stderr)

	ln, err := net.Listen("tcp", v.GetString("listen"))
	if err != nil {
		return fmt.Errorf("qpidd: listen: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := cmux.New(ln)
	healthL := m.Match(cmux.PrefixMatcher("HEALTHZ\n"))
	amqpL := m.Match(cmux.Any())

	var g errgroup.Group
	g.Go(func() error {
		return serveHealth(healthL)
	})
	g.Go(func() error {
		return serveAMQP(ctx, amqpL, v, log)
	})
	g.Go(func() error {
		err := m.Serve()
		if ctx.Err() != nil {
			return nil // shutdown in progress, not a real failure
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		_ = ln.Close()
		return nil
	})

	log.Info().Str("addr", v.GetString("listen")).Msg("qpidd listening")
	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// serveHealth replies "OK\n" to any connection that opens with the
// "HEALTHZ\n" line and closes; it exists only so cmux has something besides
// the raw protocol header to dispatch on.
func serveHealth(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go func() {
			defer conn.Close()
			_, _ = conn.Write([]byte("OK\n"))
		}()
	}
}

// serveAMQP accepts raw AMQP connections and runs one ConnectionEngine per
// socket, each on its own goroutine, until ln closes or ctx is cancelled.
func serveAMQP(ctx context.Context, ln net.Listener, v *viper.Viper, log zerolog.Logger) error {
	memSink := sink.NewMemSink()

	opts := qpid.ConnectionOptions{
		Mechanisms:  qpid.SupportedMechanisms,
		Locales:     []string{"en_US"},
		SaslFactory: qpid.NewDefaultSaslFactory(nil),
		Sink:        memSink,
		MaxChannels: uint16(v.GetInt("max-channels")),
		MaxFrame:    uint32(v.GetInt("max-frame-size")),
		Heartbeat:   v.GetDuration("heartbeat"),
		Log:         log,
	}

	var g errgroup.Group
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				_ = g.Wait()
				return nil
			}
			return err
		}

		connLog := log.With().Str("remote", conn.RemoteAddr().String()).Logger()
		connOpts := opts
		connOpts.Log = connLog

		g.Go(func() error {
			defer conn.Close()
			engine := qpid.NewConnectionEngine(qpid.NewNetTransport(conn), connOpts)
			if err := engine.Run(ctx); err != nil {
				connLog.Warn().Err(err).Msg("connection terminated")
			}
			return nil
		})
	}
}
