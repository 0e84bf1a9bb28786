// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command tinyportmapper runs the single-threaded TCP/UDP forwarder
// (spec.md §1). It loads configuration from the environment, starts the
// optional metrics/health HTTP server, and runs the reactor until an
// interrupt or configuration-fatal error.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/x1t/tinyPortMapper-rust/internal/applog"
	"github.com/x1t/tinyPortMapper-rust/internal/config"
	"github.com/x1t/tinyPortMapper-rust/internal/errs"
	"github.com/x1t/tinyPortMapper-rust/internal/health"
	"github.com/x1t/tinyPortMapper-rust/internal/metrics"
	"github.com/x1t/tinyPortMapper-rust/internal/reactor"
)

func main() {
	if err := godotenv.Load(); err != nil {
		// A missing .env file is not an error; real deployments configure
		// purely through the environment.
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tinyportmapper: %v\n", err)
		os.Exit(1)
	}

	logger := applog.New(applog.ParseLevel(cfg.LogLevel), cfg.LogJSON)
	logger.Info("starting tinyportmapper",
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("remote_addr", cfg.RemoteAddr),
		slog.Bool("enable_tcp", cfg.EnableTCP),
		slog.Bool("enable_udp", cfg.EnableUDP),
		slog.String("fwd_type", cfg.FwdType))

	var counters metrics.Counters = metrics.NoopCounters{}
	healthChecker := health.NewChecker(10 * time.Second)

	var m *metrics.Metrics
	var srv *http.Server
	if cfg.MetricsAddr != "" {
		m = metrics.New("tinyportmapper")
		counters = m
		srv = newObservabilityServer(cfg.MetricsAddr, healthChecker)
	}

	r, err := reactor.New(cfg, logger, counters)
	if err != nil {
		if errors.Is(err, errs.ErrConfigFatal) {
			applog.FatalAndExit(logger, 1, "configuration error", slog.String("error", err.Error()))
		}
		applog.FatalAndExit(logger, 1, "failed to build reactor", slog.String("error", err.Error()))
	}

	healthChecker.Register("reactor", func(ctx context.Context) error {
		return r.Healthy(time.Now())
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signal.Ignore(syscall.SIGPIPE)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	g.Go(func() error {
		err := r.Run(ctx)
		// The reactor stopping, for any reason, means there is nothing
		// left to observe: bring the whole group down with it.
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if srv != nil {
		g.Go(func() error {
			logger.Info("observability server starting", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("observability server: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("observability server shutdown: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, errs.ErrConfigFatal) {
			applog.FatalAndExit(logger, 1, "configuration error", slog.String("error", err.Error()))
		}
		applog.FatalAndExit(logger, 1, "tinyportmapper exited with error", slog.String("error", err.Error()))
	}

	logger.Info("tinyportmapper stopped")
}

// StopSignalHandler blocks until SIGINT or SIGTERM, then cancels ctx, the
// way the teacher's cmd/main.go coordinates shutdown across an
// errgroup.Group.
func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}

// newObservabilityServer builds the /metrics and health/liveness/readiness
// mux (SPEC_FULL.md §6.4), grounded on the teacher's startMetricsServer/
// startHealthServer split but merged into one listener since this
// forwarder has a single operational port budget. It returns the *http.Server
// unstarted so the caller can run ListenAndServe and Shutdown through the
// same errgroup.Group that runs the reactor.
func newObservabilityServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/livez", health.LivenessHandler())
	mux.HandleFunc("/readyz", checker.ReadinessHandler())
	mux.HandleFunc("/healthz", checker.HTTPHandler())

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
