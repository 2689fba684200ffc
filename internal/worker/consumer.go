package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/memebattle/meme-generator/internal/domain/meme"
	"github.com/memebattle/meme-generator/internal/infrastructure/metrics"
	"github.com/memebattle/meme-generator/internal/infrastructure/queue"
)

// RequestProcessor handles a single decoded request.
type RequestProcessor interface {
	Process(ctx context.Context, req meme.Request, delivery meme.Delivery) (meme.Outcome, error)
}

// Config contains consumer configuration. MaxDeliver mirrors the broker's
// consumer setting so the last delivery is acked instead of nacked.
type Config struct {
	Concurrency       int
	ProcessingTimeout time.Duration
	NakDelay          time.Duration
	ShutdownTimeout   time.Duration
	MaxDeliver        int
}

// Consumer pulls requests from a subscription and runs each one in its own
// goroutine, with at most Concurrency in flight.
type Consumer struct {
	sub       queue.Subscription
	processor RequestProcessor
	cfg       Config
	sem       *semaphore.Weighted
	wg        sync.WaitGroup
	log       zerolog.Logger
}

// NewConsumer creates a consumer for sub.
func NewConsumer(sub queue.Subscription, processor RequestProcessor, cfg Config, log zerolog.Logger) *Consumer {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Consumer{
		sub:       sub,
		processor: processor,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		log:       log.With().Str("component", "consumer").Logger(),
	}
}

// Run fetches until ctx is cancelled or the subscription closes, then waits
// for in-flight requests. It returns nil on cancellation and an error when
// the subscription went away on its own.
func (c *Consumer) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.sub.Stop)
	defer stop()

	c.log.Info().Int("concurrency", c.cfg.Concurrency).Msg("consumer started")

	for {
		msg, err := c.sub.Next()
		if err != nil {
			if errors.Is(err, queue.ErrSubscriptionClosed) {
				c.drain()
				if ctx.Err() != nil {
					c.log.Info().Msg("consumer stopped")
					return nil
				}
				return fmt.Errorf("consume requests: %w", err)
			}
			metrics.RecordReceiveError()
			c.log.Error().Err(err).Msg("failed to receive message")
			continue
		}

		c.dispatch(ctx, msg)
	}
}

func (c *Consumer) dispatch(ctx context.Context, msg queue.Message) {
	req, err := meme.DecodeRequest(msg.Data())
	if err != nil {
		metrics.RecordMalformed()
		c.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed message")
		if ackErr := msg.Ack(); ackErr != nil {
			c.log.Error().Err(ackErr).Msg("failed to ack malformed message")
		}
		return
	}

	metrics.RecordRequest()
	if n := msg.NumDelivered(); n > 1 {
		metrics.RecordRedelivery()
		c.log.Info().Str("request_id", req.ID).Uint64("delivery", n).Msg("processing redelivered request")
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		// Shutting down; hand the message back to the broker.
		if nakErr := msg.NakWithDelay(0); nakErr != nil {
			c.log.Error().Err(nakErr).Str("request_id", req.ID).Msg("failed to nak message")
		}
		return
	}

	c.wg.Add(1)
	metrics.InFlight.Inc()
	go func() {
		defer c.wg.Done()
		defer c.sem.Release(1)
		defer metrics.InFlight.Dec()
		c.handle(ctx, msg, req)
	}()
}

func (c *Consumer) handle(parent context.Context, msg queue.Message, req meme.Request) {
	log := c.log.With().Str("request_id", req.ID).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("request processing panicked")
			if err := msg.NakWithDelay(c.cfg.NakDelay); err != nil {
				log.Error().Err(err).Msg("failed to nak message")
			}
		}
	}()

	// In-flight requests finish even after shutdown starts.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.cfg.ProcessingTimeout)
	defer cancel()

	delivery := meme.Delivery{Attempt: int(msg.NumDelivered()), MaxAttempts: c.cfg.MaxDeliver}

	start := time.Now()
	outcome, err := c.processor.Process(ctx, req, delivery)
	metrics.RecordProcessing(string(outcome), time.Since(start).Seconds())

	switch {
	case errors.Is(err, meme.ErrPublish) && !delivery.Final():
		log.Warn().Err(err).Dur("nak_delay", c.cfg.NakDelay).Msg("response not delivered, requesting redelivery")
		if nakErr := msg.NakWithDelay(c.cfg.NakDelay); nakErr != nil {
			log.Error().Err(nakErr).Msg("failed to nak message")
		}
		return
	case errors.Is(err, meme.ErrPublish):
		log.Error().Err(err).Int("delivery", delivery.Attempt).Msg("response not delivered on final delivery, dropping request")
	case err != nil:
		log.Warn().Err(err).Str("outcome", string(outcome)).Msg("request failed")
	}

	if ackErr := msg.Ack(); ackErr != nil {
		log.Error().Err(ackErr).Msg("failed to ack message")
		return
	}
	log.Debug().Str("outcome", string(outcome)).Dur("duration", time.Since(start)).Msg("message acknowledged")
}

func (c *Consumer) drain() {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.log.Info().Msg("all in-flight requests finished")
	case <-time.After(c.cfg.ShutdownTimeout):
		c.log.Warn().Dur("timeout", c.cfg.ShutdownTimeout).Msg("consumer drain timed out, unacked messages will be redelivered")
	}
}
