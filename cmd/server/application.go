package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/memebattle/meme-generator/internal/config"
	"github.com/memebattle/meme-generator/internal/domain/meme"
	"github.com/memebattle/meme-generator/internal/infrastructure/cache"
	"github.com/memebattle/meme-generator/internal/infrastructure/metrics"
	"github.com/memebattle/meme-generator/internal/infrastructure/queue"
	"github.com/memebattle/meme-generator/internal/interfaces/httpserver/handlers"
	"github.com/memebattle/meme-generator/internal/worker"
)

type Application struct {
	cfg       *config.Config
	log       zerolog.Logger
	server    *http.Server
	queue     *queue.Client
	processor *meme.Processor
}

func newApplication(cfg *config.Config, log zerolog.Logger, q *queue.Client, c cache.Cache, processor *meme.Processor) *Application {
	health := handlers.NewHealthHandler(map[string]handlers.ReadinessCheck{
		"cache": c.HealthCheck,
		"nats": func(context.Context) error {
			if !q.IsConnected() {
				return errors.New("nats not connected")
			}
			return nil
		},
	}, 2*time.Second)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HandleHealth)
	mux.HandleFunc("/readyz", health.HandleReady)
	mux.Handle("/metrics", metrics.Handler())

	return &Application{
		cfg: cfg,
		log: log,
		server: &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		queue:     q,
		processor: processor,
	}
}

// Start provisions the stream and consumer, serves metrics and consumes
// requests until ctx is cancelled.
func (a *Application) Start(ctx context.Context) error {
	a.log.Info().Msg("starting meme generator")

	if _, err := a.queue.EnsureStream(ctx, queue.StreamOptions{
		Name:     a.cfg.NATSStream,
		Subjects: []string{a.cfg.RequestFilter()},
	}); err != nil {
		return err
	}

	sub, err := a.queue.Subscribe(ctx, queue.ConsumerOptions{
		Stream:        a.cfg.NATSStream,
		Durable:       a.cfg.NATSConsumer,
		FilterSubject: a.cfg.RequestFilter(),
		MaxDeliver:    a.cfg.MaxDeliver,
		AckWait:       a.cfg.AckWait,
	})
	if err != nil {
		return err
	}

	consumer := worker.NewConsumer(sub, a.processor, worker.Config{
		Concurrency:       a.cfg.WorkerConcurrency,
		ProcessingTimeout: a.cfg.ProcessingTimeout,
		NakDelay:          a.cfg.NakDelay,
		ShutdownTimeout:   a.cfg.ShutdownTimeout,
		MaxDeliver:        a.cfg.MaxDeliver,
	}, a.log)

	serverErr := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("metrics server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	consumeCtx, cancelConsume := context.WithCancel(ctx)
	defer cancelConsume()
	consumerErr := make(chan error, 1)
	go func() {
		consumerErr <- consumer.Run(consumeCtx)
	}()

	var runErr error
	select {
	case err := <-serverErr:
		runErr = fmt.Errorf("metrics server: %w", err)
		cancelConsume()
		<-consumerErr
	case err := <-consumerErr:
		runErr = err
	case <-ctx.Done():
		a.log.Info().Msg("shutdown signal received")
		runErr = <-consumerErr
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.Error().Err(err).Msg("shutdown metrics server")
	}

	a.log.Info().Msg("meme generator exited")
	return runErr
}
