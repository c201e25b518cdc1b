package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/coder/serpent"

	"github.com/tandemhq/tandem/relayd"
)

func (r *RootCmd) server() *serpent.Command {
	var (
		address           string
		heartbeatInterval time.Duration
	)
	cmd := &serpent.Command{
		Use:   "server",
		Short: "Start the real-time relay daemon",
		Long: `Start the relay that fans out collaborative-editing payloads between
members of a room. The same port answers a plain liveness probe on /healthz
and Prometheus metrics on /metrics.`,
		Handler: func(inv *serpent.Invocation) error {
			notifyCtx, stop := signal.NotifyContext(inv.Context(), StopSignals...)
			defer stop()
			ctx := notifyCtx

			logger := slog.Make(sloghuman.Sink(inv.Stderr)).Leveled(slog.LevelInfo)
			if r.verbose {
				logger = logger.Leveled(slog.LevelDebug)
			}

			registry := prometheus.NewRegistry()
			srv := relayd.New(relayd.Options{
				Logger:             logger,
				HeartbeatInterval:  heartbeatInterval,
				PrometheusRegistry: registry,
			})
			defer srv.Close()

			listener, err := net.Listen("tcp", address)
			if err != nil {
				return xerrors.Errorf("listen on %q: %w", address, err)
			}
			httpServer := &http.Server{
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			_, _ = fmt.Fprintf(inv.Stdout, "Relay listening on %s\n", listener.Addr())

			eg, egCtx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				err := httpServer.Serve(listener)
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			})
			eg.Go(func() error {
				<-egCtx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			})
			if err := eg.Wait(); err != nil {
				return xerrors.Errorf("serve relay: %w", err)
			}

			logger.Info(ctx, "relay stopped")
			return nil
		},
	}
	cmd.Options = serpent.OptionSet{
		{
			Flag:        "address",
			Env:         "TANDEM_RELAY_ADDRESS",
			Default:     "127.0.0.1:3080",
			Description: "Address to bind the relay's HTTP listener.",
			Value:       serpent.StringOf(&address),
		},
		{
			Flag:        "heartbeat-interval",
			Env:         "TANDEM_RELAY_HEARTBEAT_INTERVAL",
			Default:     "30s",
			Description: "Interval between liveness probes. A connection that misses one probe is terminated.",
			Value:       serpent.DurationOf(&heartbeatInterval),
		},
	}
	return cmd
}
