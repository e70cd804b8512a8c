// Package main starts the ingress binary: the device-facing MQTT broker (or
// the bridge to an external one) and the forwarder into the events exchange.
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
	"github.com/ibs-source/telemetry-pipeline/internal/broker"
	"github.com/ibs-source/telemetry-pipeline/internal/config"
	"github.com/ibs-source/telemetry-pipeline/internal/forwarder"
	"github.com/ibs-source/telemetry-pipeline/internal/log"
	"github.com/ibs-source/telemetry-pipeline/internal/message"
	"github.com/ibs-source/telemetry-pipeline/internal/metrics"
	"github.com/ibs-source/telemetry-pipeline/internal/mqtt"
	"github.com/ibs-source/telemetry-pipeline/internal/rabbitmq"
)

// source is the device-facing side: the embedded broker or the bridge client.
type source interface {
	forwarder.Source
	Close()
}

type services struct {
	broker    *broker.Broker // Nil in bridge mode
	source    source
	conn      *rabbitmq.Connection
	forwarder *forwarder.Forwarder
	api       *api.Server
}

func run() int {
	logger := log.New()
	logger.Info("Starting telemetry ingress")

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

	logger.Info("Configuration loaded successfully")
	if cfg.Ingress.Mode == config.ModeBridge {
		logger.Info("Ingress: bridge from %s, topic %s", cfg.Ingress.Bridge.Broker, cfg.Ingress.Bridge.Topic)
	} else {
		logger.Info("Ingress: embedded broker, TCP :%d, websocket :%d", cfg.Ingress.TCPPort, cfg.Ingress.WSPort)
	}
	logger.Info("Forwarding %s* to %s/%s (buffer=%d)", cfg.Ingress.ForwardPrefix, cfg.RabbitMQ.EventsExchange, message.RawRoutingKey, cfg.Ingress.BufferCapacity)
	logger.Info("RabbitMQ: %d connect attempts, linear backoff %s..%s", cfg.RabbitMQ.ConnectAttempts, cfg.RabbitMQ.BackoffBase, cfg.RabbitMQ.BackoffCap)
	return cfg, nil
}

func initializeServices(cfg *config.Config, logger *log.Logger) (*services, error) {
	m := metrics.New()
	svc := &services{}

	if cfg.Ingress.Mode == config.ModeBridge {
		client, err := mqtt.NewClient(&cfg.Ingress.Bridge, cfg.Ingress.ForwardPrefix, cfg.Ingress.BufferCapacity, logger.WithComponent("bridge"), m)
		if err != nil {
			logger.Fatal("Failed to create MQTT bridge: %v", err)
		}
		logger.Info("Connected to upstream MQTT broker")
		svc.source = client
	} else {
		svc.broker = broker.New(broker.Options{
			ForwardPrefix:  cfg.Ingress.ForwardPrefix,
			BufferCapacity: cfg.Ingress.BufferCapacity,
			ConnectTimeout: cfg.Ingress.ConnectTimeout,
			Metrics:        m,
		}, logger.WithComponent("broker"))
		svc.source = svc.broker
	}

	opts := rabbitmq.OptionsFromConfig(cfg.RabbitMQ, "telemetry-ingress")
	opts.Topology = rabbitmq.PipelineTopology(cfg.RabbitMQ)
	opts.MaxAttempts = cfg.RabbitMQ.ConnectAttempts
	opts.Backoff.Linear = true
	opts.Backoff.Jitter = false
	setState := m.ConnectionState("forwarder", rabbitmq.StateNames())
	opts.OnStateChange = func(s rabbitmq.State) { setState(s.String()) }
	svc.conn = rabbitmq.NewConnection(opts, logger.WithComponent("rabbitmq"))

	svc.forwarder = forwarder.New(svc.source, svc.conn, cfg.RabbitMQ.EventsExchange, logger.WithComponent("forwarder"), m)
	svc.api = api.New(api.Options{
		Healthy:      svc.conn.Connected,
		Metrics:      m,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}, logger.WithComponent("http"))
	return svc, nil
}

func closeServices(svc *services, logger *log.Logger) {
	svc.source.Close()
	svc.conn.Close()
	logger.Info("Ingress services closed")
}

func runMainLoop(svc *services, cfg *config.Config, logger *log.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	errChan := make(chan error, 3)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	forwarderDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(forwarderDone)
		if err := svc.forwarder.Run(ctx); err != nil {
			errChan <- fmt.Errorf("forwarder: %w", err)
		}
	}()
	if svc.broker != nil {
		start("broker", func(ctx context.Context) error {
			return svc.broker.ListenAndServe(ctx, addr(cfg.Ingress.TCPPort), addr(cfg.Ingress.WSPort))
		})
	}
	start("http", func(ctx context.Context) error {
		return svc.api.ListenAndServe(ctx, addr(cfg.HTTP.Port))
	})

	logger.Info("Ingress started")

	select {
	case sig := <-sigChan:
		logger.Info("Received signal %v, initiating graceful shutdown", sig)
		return handleGracefulShutdown(svc, forwarderDone, cancel, &wg, cfg, logger)

	case err := <-errChan:
		logger.Error("Ingress error: %v", err)
		cancel()
		return 1
	}
}

// handleGracefulShutdown stops accepting devices, lets the forwarder drain
// what was already accepted, then stops the exchange connection.
func handleGracefulShutdown(svc *services, forwarderDone <-chan struct{}, cancel context.CancelFunc, wg *sync.WaitGroup, cfg *config.Config, logger *log.Logger) int {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Pipeline.ShutdownTimeout)
	defer shutdownCancel()

	svc.source.Close()
	select {
	case <-forwarderDone:
		logger.Info("Forwarder drained")
	case <-shutdownCtx.Done():
		logger.Warn("Forwarder did not drain before the shutdown timeout")
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
		logger.Info("Ingress stopped")
		return 0
	case <-shutdownCtx.Done():
		logger.Error("Shutdown timeout exceeded")
		return 1
	}
}

func addr(port int) string {
	return ":" + strconv.Itoa(port)
}

func main() {
	// Keep main minimal to ensure defers in run() execute correctly.
	os.Exit(run())
}
