package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	fakeadapter "alex/internal/adapter/fake"
	"alex/internal/approval"
	"alex/internal/asyncutil"
	forksdconfig "alex/internal/config"
	"alex/internal/events"
	"alex/internal/gateway"
	"alex/internal/logging"
	"alex/internal/orchestrator"
	"alex/internal/pty"
	"alex/internal/registry"
	"alex/internal/store/memstore"
	"alex/internal/worktree"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the forksd daemon: gateway, orchestrator, and every C1-C8 component wired together",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := forksdconfig.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.NewComponentLogger("forksd")

	shutdownTracing := setupTracing(log)
	defer shutdownTracing(context.Background())

	metricsRegistry := prometheus.NewRegistry()
	metrics := orchestrator.MustNewMetrics(metricsRegistry)
	stopMetricsServer := serveMetrics(cfg.MetricsAddr, metricsRegistry, log)
	defer stopMetricsServer(context.Background())

	bus := events.NewBus()
	st := memstore.New(memstore.WithPublisher(bus), memstore.WithLogger(log))

	wt, err := worktree.NewManager(cfg.WorkspacesRoot, cfg.AttemptsRoot, worktree.WithLogger(log))
	if err != nil {
		return fmt.Errorf("create worktree manager: %w", err)
	}

	ptyMgr := pty.NewManager(pty.WithLogger(log))
	reg := registry.New()
	broker := approval.NewBroker(st, reg, approval.WithLogger(log), approval.WithTimeout(cfg.ApprovalTimeout))

	// The real agent adapter is an external collaborator out of scope for
	// this module (spec §6); forksd wires the in-memory fake here so the
	// daemon is runnable end to end. A production deployment replaces this
	// with a concrete adapter.Adapter behind the same interface.
	adp := fakeadapter.New()

	orch := orchestrator.New(orchestrator.Dependencies{
		Store:    st,
		Registry: reg,
		Worktree: wt,
		Approval: broker,
		Adapter:  adp,
		Logger:   log,
		Metrics:  metrics,
	})

	gw := gateway.New(gateway.Config{
		AuthToken:      cfg.AuthToken,
		AllowedOrigins: cfg.AllowedOrigins,
	}, gateway.Dependencies{
		Bus:      bus,
		PTY:      ptyMgr,
		Approval: broker,
		Adapter:  adp,
		Logger:   log,
	})

	srv := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Engine(),
	}

	serveErr := make(chan error, 1)
	asyncutil.Go(log, "forksd.gateway.listen", func() {
		log.Info("gateway listening on %s", cfg.BindAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	})

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("%s forksd serving on %s (metrics on %s)\n", bold(color.GreenString("*")), cyan(cfg.BindAddr), cyan(cfg.MetricsAddr))

	select {
	case <-sigCtx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		log.Error("gateway listener failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	orch.Stop(shutdownCtx)
	ptyMgr.ShutdownAll()
	return nil
}

// setupTracing wires the OTLP HTTP exporter when OTEL_EXPORTER_OTLP_ENDPOINT
// is set; otherwise the global otel tracer stays a no-op, since shipping
// spans nowhere would just be wasted work.
func setupTracing(log logging.Logger) func(context.Context) error {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return func(context.Context) error { return nil }
	}
	exporter, err := otlptracehttp.New(context.Background())
	if err != nil {
		log.Warn("otlp tracer setup failed, continuing without tracing: %v", err)
		return func(context.Context) error { return nil }
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// serveMetrics exposes the Orchestrator's Prometheus collectors on addr.
// Returns a shutdown function; a blank addr disables the server entirely.
func serveMetrics(addr string, reg *prometheus.Registry, log logging.Logger) func(context.Context) error {
	if addr == "" {
		return func(context.Context) error { return nil }
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	asyncutil.Go(log, "forksd.metrics.listen", func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics listener failed: %v", err)
		}
	})
	return srv.Shutdown
}
