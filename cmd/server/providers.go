package main

import (
	"github.com/rs/zerolog"

	"github.com/memebattle/meme-generator/internal/config"
	"github.com/memebattle/meme-generator/internal/domain/meme"
	"github.com/memebattle/meme-generator/internal/domain/retry"
	"github.com/memebattle/meme-generator/internal/infrastructure/cache"
	"github.com/memebattle/meme-generator/internal/infrastructure/inference"
	"github.com/memebattle/meme-generator/internal/infrastructure/queue"
	"github.com/memebattle/meme-generator/internal/infrastructure/telemetry"
	"github.com/memebattle/meme-generator/internal/responder"
)

func provideQueueClient(cfg *config.Config, log zerolog.Logger) (*queue.Client, func(), error) {
	client, err := queue.Connect(cfg.NATSURL, cfg.ServiceName, log)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

func provideCache(cfg *config.Config, log zerolog.Logger) (cache.Cache, func(), error) {
	c, err := cache.New(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return c, func() {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("close cache")
		}
	}, nil
}

// provideLocker returns nil unless the generation lock is enabled on a Redis cache.
func provideLocker(cfg *config.Config, c cache.Cache) meme.Locker {
	if !cfg.GenerationLockEnabled {
		return nil
	}
	if locker, ok := c.(cache.Locker); ok {
		return locker
	}
	return nil
}

func provideInferenceClient(cfg *config.Config, log zerolog.Logger) (*inference.Client, error) {
	return inference.NewClient(cfg.HFAPIToken, cfg.GenerationTimeout, log)
}

func provideResponder(cfg *config.Config, q *queue.Client, log zerolog.Logger) *responder.QueueResponder {
	return responder.New(q,
		responder.Subjects{Result: cfg.ResponseSubject, Error: cfg.ErrorSubject()},
		retry.PublishPolicy(cfg.PublishMaxRetries, cfg.PublishRetryDelay),
		log,
	)
}

func provideSanitizer(cfg *config.Config, log zerolog.Logger) *telemetry.Sanitizer {
	s := telemetry.NewSanitizer(telemetry.ParsePIILevel(cfg.LogPromptPIILevel), cfg.ServiceName)
	log.Info().Str("prompt_pii_level", string(s.Level())).Msg("prompt logging configured")
	return s
}

func provideProcessor(
	cfg *config.Config,
	c cache.Cache,
	generator *inference.Client,
	resp *responder.QueueResponder,
	locker meme.Locker,
	sanitizer *telemetry.Sanitizer,
	log zerolog.Logger,
) *meme.Processor {
	return meme.NewProcessor(c, generator, resp, locker, meme.ProcessorConfig{
		CacheTTL:          cfg.CacheTTL(),
		GenerationTimeout: cfg.GenerationTimeout,
		LockWait:          cfg.ProcessingTimeout - cfg.GenerationTimeout,
		Models: meme.ModelPolicy{
			QualityModel: cfg.HFAPIURL,
			FastModel:    cfg.HFFastAPIURL,
		},
	}, sanitizer, log)
}
