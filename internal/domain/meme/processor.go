package meme

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/memebattle/meme-generator/internal/domain/retry"
	"github.com/memebattle/meme-generator/internal/infrastructure/inference"
	"github.com/memebattle/meme-generator/internal/infrastructure/metrics"
	"github.com/memebattle/meme-generator/internal/infrastructure/observability"
	"github.com/memebattle/meme-generator/internal/infrastructure/telemetry"
)

// ErrPublish wraps transient failures to publish a Result or Failure. The
// message should be redelivered unless this was its final delivery.
var ErrPublish = errors.New("publish response")

// Delivery says which broker delivery of a request is being processed.
// Attempt is 1-based; MaxAttempts of zero means unbounded.
type Delivery struct {
	Attempt     int
	MaxAttempts int
}

// Final reports whether the broker will not redeliver after this attempt.
func (d Delivery) Final() bool {
	return d.MaxAttempts > 0 && d.Attempt >= d.MaxAttempts
}

// Cache stores base64 images by cache key.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
}

// Generator turns a prompt into image bytes.
type Generator interface {
	Generate(ctx context.Context, params inference.GenerateParams) ([]byte, error)
}

// Responder publishes outcomes. Errors marked with retry.Permanent will fail
// the same way on every delivery.
type Responder interface {
	PublishResult(ctx context.Context, result Result) error
	PublishError(ctx context.Context, requestID, message string) error
}

// Locker serializes generation of the same cache key across replicas.
// Acquisition gives up after wait; the lock itself expires after ttl.
type Locker interface {
	WithLock(ctx context.Context, name string, ttl, wait time.Duration, fn func(ctx context.Context) error) error
}

// ProcessorConfig holds the tunables of the processing pipeline.
//
// LockWait bounds how long a request waits for the generation lock. Keep it
// at most the processing timeout minus GenerationTimeout so a waiter still
// has a full generation budget. It defaults to GenerationTimeout.
type ProcessorConfig struct {
	CacheTTL          time.Duration
	GenerationTimeout time.Duration
	LockWait          time.Duration
	Models            ModelPolicy
}

// Processor answers one request with exactly one published Result or Failure.
type Processor struct {
	cache     Cache
	generator Generator
	responder Responder
	locker    Locker
	cfg       ProcessorConfig
	sanitizer *telemetry.Sanitizer
	log       zerolog.Logger
	now       func() time.Time
}

// NewProcessor wires the pipeline. locker may be nil to disable cross-replica locking.
func NewProcessor(cache Cache, generator Generator, responder Responder, locker Locker, cfg ProcessorConfig, sanitizer *telemetry.Sanitizer, logger zerolog.Logger) *Processor {
	if sanitizer == nil {
		sanitizer = telemetry.NewSanitizer(telemetry.PIILevelHashed, "")
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = cfg.GenerationTimeout
	}
	return &Processor{
		cache:     cache,
		generator: generator,
		responder: responder,
		locker:    locker,
		cfg:       cfg,
		sanitizer: sanitizer,
		log:       logger.With().Str("component", "processor").Logger(),
		now:       time.Now,
	}
}

// Process runs cache lookup, generation, cache store and publication for req.
// The returned error wraps ErrPublish only when nothing could be published
// and delivery is not final; otherwise a Failure has been published for
// every error that is returned.
func (p *Processor) Process(ctx context.Context, req Request, delivery Delivery) (outcome Outcome, err error) {
	ctx, span := observability.StartProcessSpan(ctx, req.ID, req.FastMode, req.SmallImage)
	defer func() {
		observability.SetOutcome(span, string(outcome))
		observability.RecordError(span, err)
		span.End()
	}()

	log := p.log.With().Str("request_id", req.ID).Int("delivery", delivery.Attempt).Logger()
	log.Info().
		Str("prompt", p.sanitizer.SanitizePrompt(req.Prompt)).
		Str("prompt_hash", p.sanitizer.Fingerprint(req.Prompt)).
		Bool("fast_mode", req.FastMode).
		Bool("small_image", req.SmallImage).
		Msg("processing meme request")

	if !req.HasPrompt() {
		return p.fail(ctx, req, "validation", ErrEmptyPrompt, delivery, log)
	}

	key := req.CacheKey()
	if image, ok := p.lookup(ctx, key, log); ok {
		return p.respond(ctx, req, image, OutcomeCacheHit, delivery, log)
	}

	if p.locker == nil {
		return p.generate(ctx, req, key, delivery, log)
	}

	lockTTL := p.cfg.GenerationTimeout + 10*time.Second
	lockErr := p.locker.WithLock(ctx, key, lockTTL, p.cfg.LockWait, func(ctx context.Context) error {
		// Another replica may have finished this prompt while we waited.
		if image, ok := p.lookup(ctx, key, log); ok {
			outcome, err = p.respond(ctx, req, image, OutcomeCacheHit, delivery, log)
			return nil
		}
		outcome, err = p.generate(ctx, req, key, delivery, log)
		return nil
	})
	if lockErr != nil {
		log.Warn().Err(lockErr).Dur("lock_wait", p.cfg.LockWait).Msg("generation lock unavailable, generating without it")
		return p.generate(ctx, req, key, delivery, log)
	}
	return outcome, err
}

func (p *Processor) lookup(ctx context.Context, key string, log zerolog.Logger) (string, bool) {
	image, found, err := p.cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.RecordCacheError("get")
		log.Warn().Err(err).Msg("cache lookup failed, treating as miss")
		return "", false
	case !found:
		metrics.RecordCacheMiss()
		return "", false
	default:
		metrics.RecordCacheHit()
		log.Debug().Msg("cache hit")
		return image, true
	}
}

func (p *Processor) generate(ctx context.Context, req Request, key string, delivery Delivery, log zerolog.Logger) (Outcome, error) {
	sel := p.cfg.Models.Select(req)

	genCtx, cancel := context.WithTimeout(ctx, p.cfg.GenerationTimeout)
	defer cancel()
	genCtx, span := observability.StartGenerationSpan(genCtx, string(sel.Tier), sel.Width, sel.Height)

	start := time.Now()
	image, err := p.generator.Generate(genCtx, inference.GenerateParams{
		Model:  sel.Model,
		Prompt: BuildPrompt(req.Prompt),
		Width:  sel.Width,
		Height: sel.Height,
	})
	elapsed := time.Since(start)
	metrics.RecordGeneration(string(sel.Tier), elapsed.Seconds())
	observability.RecordError(span, err)
	span.End()

	if err != nil {
		log.Error().Err(err).Str("tier", string(sel.Tier)).Dur("duration", elapsed).Msg("image generation failed")
		return p.fail(ctx, req, "generation", err, delivery, log)
	}

	log.Info().
		Str("tier", string(sel.Tier)).
		Int("width", sel.Width).
		Int("height", sel.Height).
		Int("bytes", len(image)).
		Dur("duration", elapsed).
		Msg("image generated")

	encoded := base64.StdEncoding.EncodeToString(image)
	if err := p.cache.SetWithTTL(ctx, key, encoded, p.cfg.CacheTTL); err != nil {
		metrics.RecordCacheError("set")
		log.Warn().Err(err).Msg("failed to cache generated image")
	}

	return p.respond(ctx, req, encoded, OutcomeGenerated, delivery, log)
}

// respond publishes the Result. A transient publish failure is handed back
// for redelivery while the broker still has attempts left; a permanent one,
// or one on the final delivery, is reported as a Failure instead.
func (p *Processor) respond(ctx context.Context, req Request, image string, outcome Outcome, delivery Delivery, log zerolog.Logger) (Outcome, error) {
	result := Result{
		RequestID: req.ID,
		ImageData: image,
		Prompt:    req.Prompt,
		Timestamp: p.now().Unix(),
	}
	err := p.responder.PublishResult(ctx, result)
	if err == nil {
		source := "generated"
		if outcome == OutcomeCacheHit {
			source = "cache"
		}
		metrics.RecordSuccess(source)
		return outcome, nil
	}

	permanent := retry.IsPermanent(err)
	log.Error().Err(err).Bool("permanent", permanent).Bool("final_delivery", delivery.Final()).Msg("failed to publish result")
	if !permanent && !delivery.Final() {
		return outcome, fmt.Errorf("%w: %w", ErrPublish, err)
	}
	return p.fail(ctx, req, "publish", fmt.Errorf("deliver result: %w", err), delivery, log)
}

func (p *Processor) fail(ctx context.Context, req Request, stage string, cause error, delivery Delivery, log zerolog.Logger) (Outcome, error) {
	metrics.RecordError(stage)
	if err := p.responder.PublishError(ctx, req.ID, cause.Error()); err != nil {
		log.Error().Err(err).Str("stage", stage).Msg("failed to publish error response")
		if retry.IsPermanent(err) || delivery.Final() {
			return OutcomeFailed, fmt.Errorf("%w; error response not delivered: %w", cause, err)
		}
		return OutcomeFailed, fmt.Errorf("%w: %w", ErrPublish, err)
	}
	return OutcomeFailed, cause
}
