// Package main starts a persistence consumer: it writes the records of one
// type to the document store and serves them over the query API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/ibs-source/telemetry-pipeline/internal/api"
	"github.com/ibs-source/telemetry-pipeline/internal/config"
	"github.com/ibs-source/telemetry-pipeline/internal/log"
	"github.com/ibs-source/telemetry-pipeline/internal/message"
	"github.com/ibs-source/telemetry-pipeline/internal/metrics"
	"github.com/ibs-source/telemetry-pipeline/internal/persister"
	"github.com/ibs-source/telemetry-pipeline/internal/rabbitmq"
	"github.com/ibs-source/telemetry-pipeline/internal/store"
	"github.com/ibs-source/telemetry-pipeline/internal/store/mongo"
	"github.com/ibs-source/telemetry-pipeline/internal/store/redis"
)

type services struct {
	store    store.Store
	conn     *rabbitmq.Connection
	consumer *rabbitmq.Consumer
	pruner   *persister.Pruner
	api      *api.Server
}

func run() int {
	logger := log.New()
	logger.Info("Starting telemetry persister")

	cfg, err := loadAndLogConfig(logger)
	if err != nil {
		return 1
	}

	svc, err := initializeServices(cfg, logger)
	if err != nil {
		return 1
	}
	defer closeServices(svc, logger)

	return runMainLoop(svc, cfg, logger)
}

func loadAndLogConfig(logger *log.Logger) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}
	logger.SetLevel(cfg.Log.Level)
	logger.SetFormat(cfg.Log.Format)

	typ := message.Type(cfg.Pipeline.PersistType)
	logger.Info("Configuration loaded successfully")
	logger.Info("Persisting %s records from %s to %s", typ, typ.Queue(), cfg.Store.Backend)
	if cfg.Store.Retention > 0 {
		logger.Info("Retention: %s, checked every %s", cfg.Store.Retention, cfg.Store.PruneInterval)
	}
	return cfg, nil
}

func openStore(cfg *config.Config, typ message.Type, logger *log.Logger) (store.Store, error) {
	ctx := context.Background()
	if cfg.Store.Backend == config.BackendRedis {
		return redis.New(ctx, &cfg.Store, typ, logger)
	}
	return mongo.New(ctx, &cfg.Store, typ, logger)
}

func initializeServices(cfg *config.Config, logger *log.Logger) (*services, error) {
	m := metrics.New()
	typ := message.Type(cfg.Pipeline.PersistType)

	st, err := openStore(cfg, typ, logger.WithComponent("store"))
	if err != nil {
		logger.Fatal("Failed to open %s store: %v", cfg.Store.Backend, err)
	}
	logger.Info("Connected to %s", cfg.Store.Backend)

	opts := rabbitmq.OptionsFromConfig(cfg.RabbitMQ, "telemetry-persister-"+string(typ))
	opts.Topology = rabbitmq.PipelineTopology(cfg.RabbitMQ)
	setState := m.ConnectionState("persister", rabbitmq.StateNames())
	opts.OnStateChange = func(s rabbitmq.State) { setState(s.String()) }
	conn := rabbitmq.NewConnection(opts, logger.WithComponent("rabbitmq"))

	queue := typ.Queue()
	settler := rabbitmq.NewSettler(conn, queue, rabbitmq.RetryPolicy{
		MaxAttempts:        cfg.Pipeline.MaxAttempts,
		DeadLetterExchange: cfg.RabbitMQ.DeadLetterExchange,
	}, logger.WithComponent("settler"), m.Settled(queue))

	handler := persister.NewService(typ, st, logger.WithComponent("persister"), m)
	consumer := rabbitmq.NewConsumer(conn, rabbitmq.ConsumerOptions{
		Queue:          queue,
		Prefetch:       cfg.RabbitMQ.Prefetch,
		HandlerTimeout: cfg.Pipeline.HandlerTimeout,
	}, handler.Handle, settler, logger.WithComponent("consumer"))

	return &services{
		store:    st,
		conn:     conn,
		consumer: consumer,
		pruner:   persister.NewPruner(st, cfg.Store.Retention, cfg.Store.PruneInterval, logger.WithComponent("retention"), m),
		api: api.New(api.Options{
			Stores:       map[message.Type]store.Store{typ: st},
			Healthy:      conn.Connected,
			Metrics:      m,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		}, logger.WithComponent("http")),
	}, nil
}

func closeServices(svc *services, logger *log.Logger) {
	svc.conn.Close()
	if err := svc.store.Close(); err != nil {
		logger.Error("Error closing store: %v", err)
	}
	logger.Info("Persister services closed")
}

func runMainLoop(svc *services, cfg *config.Config, logger *log.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Consumption stops first so the in-flight write can still be acked.
	consumeCtx, stopConsuming := context.WithCancel(ctx)
	defer stopConsuming()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	errChan := make(chan error, 4)
	start := func(ctx context.Context, name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	consumerDone := make(chan struct{})
	start(ctx, "rabbitmq", svc.conn.Run)
	start(ctx, "retention", svc.pruner.Run)
	start(ctx, "http", func(ctx context.Context) error {
		return svc.api.ListenAndServe(ctx, ":"+strconv.Itoa(cfg.HTTP.Port))
	})
	start(consumeCtx, "consumer", func(ctx context.Context) error {
		defer close(consumerDone)
		return svc.consumer.Run(ctx)
	})

	logger.Info("Persister started")

	select {
	case sig := <-sigChan:
		logger.Info("Received signal %v, initiating graceful shutdown", sig)
		stopConsuming()
		return handleGracefulShutdown(consumerDone, cancel, &wg, cfg, logger)

	case err := <-errChan:
		logger.Error("Persister error: %v", err)
		cancel()
		return 1
	}
}

func handleGracefulShutdown(consumerDone <-chan struct{}, cancel context.CancelFunc, wg *sync.WaitGroup, cfg *config.Config, logger *log.Logger) int {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Pipeline.ShutdownTimeout)
	defer shutdownCancel()

	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		logger.Warn("In-flight delivery still running at shutdown timeout, it will be redelivered")
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Graceful shutdown completed")
		logger.Info("Persister stopped")
		return 0
	case <-shutdownCtx.Done():
		logger.Error("Shutdown timeout exceeded")
		return 1
	}
}

func main() {
	// Keep main minimal to ensure defers in run() execute correctly.
	os.Exit(run())
}
