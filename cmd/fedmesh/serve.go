package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/opd-ai/fedmesh/transport"
)

type serveConfig struct {
	bind        string
	port        uint16
	workers     int
	fanOut      int
	metricsAddr string
	dupExpiry   time.Duration
}

func newServeCommand() *cobra.Command {
	cfg := serveConfig{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a node that echoes every request back to its sender",
		Example: `  fedmesh serve --port 7400 --workers 4
  fedmesh serve --metrics-addr 127.0.0.1:9400`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}

	addServeFlags(cmd.Flags(), &cfg)
	return cmd
}

func addServeFlags(flags *pflag.FlagSet, cfg *serveConfig) {
	flags.StringVar(&cfg.bind, "bind", "0.0.0.0", "address to listen on")
	flags.Uint16Var(&cfg.port, "port", 7400, "port to listen on")
	flags.IntVar(&cfg.workers, "workers", 4, "number of dispatch workers")
	flags.IntVar(&cfg.fanOut, "fan-out", 4, "parallel handlers per request batch")
	flags.StringVar(&cfg.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.DurationVar(&cfg.dupExpiry, "duplicate-expiry", 10*time.Minute, "how long a request suppresses identical repeats")
}

func runServe(ctx context.Context, cfg serveConfig) error {
	opts := transport.NewOptions()
	opts.Logger = log
	opts.FanOut = cfg.fanOut
	opts.DuplicateExpiry = cfg.dupExpiry

	node, err := transport.NewNode(opts)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	defer node.Close()

	node.SetReceiveCallback(func(command uint16, payload []byte) (uint16, []byte) {
		return command, payload
	})

	if err := node.StartService(cfg.bind, cfg.port, cfg.workers); err != nil {
		return err
	}

	var srv *http.Server
	if cfg.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(node.Registry(), promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: cfg.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
		log.WithField("address", cfg.metricsAddr).Info("Serving metrics")
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"address": node.LocalAddr().String(),
		"workers": cfg.workers,
	}).Info("Node ready")

	<-ctx.Done()
	log.Info("Received signal, stopping...")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
	node.StopService()
	return nil
}
