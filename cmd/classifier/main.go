// Package main starts the classifier binary: it consumes the raw queue,
// classifies every device payload and republishes it on the data exchange.
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
	"github.com/ibs-source/telemetry-pipeline/internal/classifier"
	"github.com/ibs-source/telemetry-pipeline/internal/config"
	"github.com/ibs-source/telemetry-pipeline/internal/log"
	"github.com/ibs-source/telemetry-pipeline/internal/metrics"
	"github.com/ibs-source/telemetry-pipeline/internal/rabbitmq"
)

type services struct {
	conn     *rabbitmq.Connection
	consumer *rabbitmq.Consumer
	api      *api.Server
}

func run() int {
	logger := log.New()
	logger.Info("Starting telemetry classifier")

	cfg, err := loadAndLogConfig(logger)
	if err != nil {
		return 1
	}

	svc := initializeServices(cfg, logger)
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

	logger.Info("Configuration loaded successfully")
	logger.Info("Consuming %s, publishing to %s", cfg.RabbitMQ.RawQueue, cfg.RabbitMQ.DataExchange)
	logger.Info("Retry: %d attempts, dead-letter exchange %q", cfg.Pipeline.MaxAttempts, cfg.RabbitMQ.DeadLetterExchange)
	return cfg, nil
}

func initializeServices(cfg *config.Config, logger *log.Logger) *services {
	m := metrics.New()

	opts := rabbitmq.OptionsFromConfig(cfg.RabbitMQ, "telemetry-classifier")
	opts.Topology = rabbitmq.PipelineTopology(cfg.RabbitMQ)
	setState := m.ConnectionState("classifier", rabbitmq.StateNames())
	opts.OnStateChange = func(s rabbitmq.State) { setState(s.String()) }
	conn := rabbitmq.NewConnection(opts, logger.WithComponent("rabbitmq"))

	queue := cfg.RabbitMQ.RawQueue
	settler := rabbitmq.NewSettler(conn, queue, rabbitmq.RetryPolicy{
		MaxAttempts:        cfg.Pipeline.MaxAttempts,
		DeadLetterExchange: cfg.RabbitMQ.DeadLetterExchange,
	}, logger.WithComponent("settler"), m.Settled(queue))

	svc := classifier.NewService(conn, cfg.RabbitMQ.DataExchange, logger.WithComponent("classifier"), m)
	consumer := rabbitmq.NewConsumer(conn, rabbitmq.ConsumerOptions{
		Queue:          queue,
		Prefetch:       cfg.RabbitMQ.Prefetch,
		HandlerTimeout: cfg.Pipeline.HandlerTimeout,
	}, svc.Handle, settler, logger.WithComponent("consumer"))

	return &services{
		conn:     conn,
		consumer: consumer,
		api: api.New(api.Options{
			Healthy:      conn.Connected,
			Metrics:      m,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		}, logger.WithComponent("http")),
	}
}

func closeServices(svc *services, logger *log.Logger) {
	svc.conn.Close()
	logger.Info("Classifier services closed")
}

func runMainLoop(svc *services, cfg *config.Config, logger *log.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Consumption stops first so the in-flight delivery can still be settled.
	consumeCtx, stopConsuming := context.WithCancel(ctx)
	defer stopConsuming()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	errChan := make(chan error, 3)
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
	start(ctx, "http", func(ctx context.Context) error {
		return svc.api.ListenAndServe(ctx, ":"+strconv.Itoa(cfg.HTTP.Port))
	})
	start(consumeCtx, "consumer", func(ctx context.Context) error {
		defer close(consumerDone)
		return svc.consumer.Run(ctx)
	})

	logger.Info("Classifier started")

	select {
	case sig := <-sigChan:
		logger.Info("Received signal %v, initiating graceful shutdown", sig)
		stopConsuming()
		return handleGracefulShutdown(consumerDone, cancel, &wg, cfg, logger)

	case err := <-errChan:
		logger.Error("Classifier error: %v", err)
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
		logger.Info("Classifier stopped")
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
