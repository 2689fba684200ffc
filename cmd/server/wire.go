//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"
	"github.com/rs/zerolog"

	"github.com/memebattle/meme-generator/internal/config"
)

func CreateApplication(cfg *config.Config, log zerolog.Logger) (*Application, func(), error) {
	wire.Build(
		provideQueueClient,
		provideCache,
		provideLocker,
		provideInferenceClient,
		provideResponder,
		provideSanitizer,
		provideProcessor,
		newApplication,
	)
	return nil, nil, nil
}
