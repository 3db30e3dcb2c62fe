package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/airhao3/ispinfo/pkg/config"
	"github.com/airhao3/ispinfo/pkg/lookup"
	"github.com/airhao3/ispinfo/pkg/server"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the lookup HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log, cfg, err := g.load()
			if err != nil {
				return err
			}
			if err := applyServeFlags(cmd, cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			db, err := openStore(ctx, log, cfg.Store)
			if err != nil {
				return err
			}
			defer db.Close()

			engine, err := lookup.New(lookup.Config{Logger: log, Reader: db, CacheTTL: cfg.Serve.CacheTTL})
			if err != nil {
				return err
			}
			go engine.Start(ctx)

			if cfg.Serve.MetricsAddr != "" {
				go func() {
					if err := serveMetrics(ctx, log, cfg.Serve.MetricsAddr, cfg.Serve.ShutdownTimeout); err != nil {
						log.Error("cli: metrics server failed", "error", err)
					}
				}()
			}

			srv, err := server.New(server.Config{
				Logger:          log,
				Lookup:          engine,
				ListenAddr:      cfg.Serve.ListenAddr,
				AllowedOrigins:  cfg.Serve.AllowedOrigins,
				ServeMetrics:    cfg.Serve.MetricsAddr == "",
				ShutdownTimeout: cfg.Serve.ShutdownTimeout,
			})
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}

	cmd.Flags().String("listen-addr", config.DefaultListenAddr, "address of the lookup API")
	cmd.Flags().String("metrics-addr", "", "serve /metrics on a separate address")
	cmd.Flags().Duration("cache-ttl", config.DefaultCacheTTL, "lookup cache ttl (0 disables)")
	return cmd
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("listen-addr") {
		v, err := flags.GetString("listen-addr")
		if err != nil {
			return fmt.Errorf("failed to get listen-addr flag: %w", err)
		}
		cfg.Serve.ListenAddr = v
	}
	if flags.Changed("metrics-addr") {
		v, err := flags.GetString("metrics-addr")
		if err != nil {
			return fmt.Errorf("failed to get metrics-addr flag: %w", err)
		}
		cfg.Serve.MetricsAddr = v
	}
	if flags.Changed("cache-ttl") {
		v, err := flags.GetDuration("cache-ttl")
		if err != nil {
			return fmt.Errorf("failed to get cache-ttl flag: %w", err)
		}
		cfg.Serve.CacheTTL = v
	}
	return nil
}

func serveMetrics(ctx context.Context, log *slog.Logger, addr string, shutdownTimeout time.Duration) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	log.Info("cli: prometheus metrics server listening", "address", listener.Addr().String())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpSrv.Shutdown(sctx)
	}()

	if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
