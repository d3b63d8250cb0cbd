// Package main is the entry point for the ifcrpc service: the
// event-driven registration pipeline for building elements. One process
// runs the HTTP ingress plus the validation, routing, entity and schema
// workers against a shared NATS JetStream backend.
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

	"golang.org/x/sync/errgroup"

	"github.com/PolygramInfo/IFC-RPC/ambassador"
	"github.com/PolygramInfo/IFC-RPC/auth"
	"github.com/PolygramInfo/IFC-RPC/config"
	"github.com/PolygramInfo/IFC-RPC/envelope"
	"github.com/PolygramInfo/IFC-RPC/health"
	"github.com/PolygramInfo/IFC-RPC/manager"
	"github.com/PolygramInfo/IFC-RPC/metric"
	"github.com/PolygramInfo/IFC-RPC/natsclient"
	"github.com/PolygramInfo/IFC-RPC/pipeline"
	"github.com/PolygramInfo/IFC-RPC/registry"
	"github.com/PolygramInfo/IFC-RPC/resource"
	"github.com/PolygramInfo/IFC-RPC/router"
	"github.com/PolygramInfo/IFC-RPC/store"
	"github.com/PolygramInfo/IFC-RPC/validator"
)

const (
	Version = "0.1.0"
	appName = "ifcrpc"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cli, err := parseFlags(args)
	if err != nil {
		return err
	}

	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Logging.Format = cli.LogFormat
	}

	if cli.ValidateOnly {
		fmt.Println("configuration is valid")
		return nil
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)
	logger.Info("starting", "environment", cfg.Platform.Environment, "config", cli.ConfigPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsRegistry := metric.NewMetricsRegistry()
	metrics := metricsRegistry.CoreMetrics()
	monitor := health.NewMonitor()

	client, err := connectNATS(ctx, cfg, logger, metricsRegistry)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cli.ShutdownTimeout)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			logger.Warn("backend close failed", "error", err)
		}
	}()

	monitor.SetHealthy("nats", "connected")
	client.OnHealthChange(func(healthy bool) {
		metrics.RecordNATSStatus(healthy)
		if healthy {
			monitor.SetHealthy("nats", "connected")
		} else {
			monitor.SetUnhealthy("nats", "disconnected")
		}
	})

	queue := natsclient.NewQueueBackend(client)
	kv := natsclient.NewKVBackend(client)
	blob := natsclient.NewBlobBackend(client)

	schemas := registry.New(kv, registry.WithLogger(logger))
	authn := auth.New(kv, auth.WithLogger(logger))
	tracker := resource.New(kv,
		resource.WithLifespan(cfg.Pipeline.ResourceLifespan.Std()),
		resource.WithLogger(logger),
	)
	entities := store.NewEntityStore(kv, store.WithLogger(logger))
	components := store.NewComponentStore(kv, store.WithLogger(logger))

	ingress, err := ambassador.New(authn, tracker, queue, blob,
		ambassador.WithValidationQueue(cfg.Pipeline.ValidationQueue),
		ambassador.WithAuditBucket(cfg.Pipeline.AuditBucket),
		ambassador.WithTryAfter(cfg.Pipeline.TryAfter.Std()),
		ambassador.WithLogger(logger),
		ambassador.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("build ingress: %w", err)
	}

	validation := validator.New(schemas, tracker, queue, blob,
		validator.WithRoutingQueue(cfg.Pipeline.RoutingQueue),
		validator.WithQuarantineBucket(cfg.Pipeline.QuarantineBucket),
		validator.WithLogger(logger),
		validator.WithMetrics(metrics),
	)

	routing := router.New(queue,
		router.WithRoute(envelope.DomainEntity, cfg.Pipeline.EntityQueue),
		router.WithRoute(envelope.DomainComponent, cfg.Pipeline.EntityQueue),
		router.WithRoute(envelope.DomainSchema, cfg.Pipeline.SchemaQueue),
		router.WithLogger(logger),
		router.WithMetrics(metrics),
	)

	entityManager := manager.NewEntityManager(entities, components, tracker, blob,
		manager.WithEntityResultBucket(cfg.Pipeline.ResultBucket),
		manager.WithEntityLogger(logger),
		manager.WithEntityMetrics(metrics),
	)

	schemaManager := manager.NewSchemaManager(schemas, tracker, blob,
		manager.WithSchemaResultBucket(cfg.Pipeline.ResultBucket),
		manager.WithSchemaLogger(logger),
		manager.WithSchemaMetrics(metrics),
	)

	workers := []*pipeline.Worker{
		newWorker("validator", queue, cfg.Pipeline.ValidationQueue, validation, cfg, logger, metrics),
		newWorker("router", queue, cfg.Pipeline.RoutingQueue, routing, cfg, logger, metrics),
		newWorker("entity-manager", queue, cfg.Pipeline.EntityQueue, entityManager, cfg, logger, metrics),
		newWorker("schema-manager", queue, cfg.Pipeline.SchemaQueue, schemaManager, cfg, logger, metrics),
	}

	group, groupCtx := errgroup.WithContext(ctx)

	for _, worker := range workers {
		worker := worker
		monitor.SetHealthy(worker.Name(), "running")
		group.Go(func() error { return worker.Run(groupCtx) })
	}

	group.Go(func() error {
		return runIngress(groupCtx, cfg, ingress, monitor, logger, cli.ShutdownTimeout)
	})

	metricsServer := metric.NewServer(cfg.HTTP.MetricsPort, cfg.HTTP.MetricsPath, metricsRegistry)
	group.Go(func() error {
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		<-groupCtx.Done()
		return metricsServer.Stop()
	})

	err = group.Wait()
	logger.Info("stopped")
	return err
}

func connectNATS(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	registry *metric.MetricsRegistry,
) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(cfg.Platform.Name),
		natsclient.WithTimeout(cfg.NATS.ConnectTimeout.Std()),
		natsclient.WithDrainTimeout(cfg.NATS.DrainTimeout.Std()),
		natsclient.WithLogger(&natsLogger{logger: logger.With("subsystem", "nats")}),
		natsclient.WithMetrics(registry),
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	client, err := natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("build nats client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	if err := client.WaitForConnection(ctx); err != nil {
		return nil, fmt.Errorf("wait for nats: %w", err)
	}
	return client, nil
}

func newWorker(
	name string,
	queue *natsclient.QueueBackend,
	queueName string,
	handler pipeline.Handler,
	cfg *config.Config,
	logger *slog.Logger,
	metrics *metric.Metrics,
) *pipeline.Worker {
	return pipeline.NewWorker(name, queue, queueName, handler,
		pipeline.WithReceiveWait(cfg.Pipeline.ReceiveWait.Std()),
		pipeline.WithLogger(logger.With("worker", name)),
		pipeline.WithMetrics(metrics),
	)
}

// runIngress serves the ambassador over HTTP until the context ends.
func runIngress(
	ctx context.Context,
	cfg *config.Config,
	ingress *ambassador.Ambassador,
	monitor *health.Monitor,
	logger *slog.Logger,
	shutdownTimeout time.Duration,
) error {
	mux := http.NewServeMux()
	mux.Handle("/events", ingress.Handler())
	mux.Handle("/healthz", health.Handler(appName, monitor))

	server := &http.Server{
		Addr:              cfg.HTTP.IngressAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ingress listening", "addr", cfg.HTTP.IngressAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ingress shutdown: %w", err)
	}
	return <-errCh
}
