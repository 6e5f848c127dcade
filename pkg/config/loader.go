// Package config populates typed configuration structs from the process
// environment, optionally seeded from .env files.
//
//	type StripeConfig struct {
//		SecretKey string        `env:"STRIPE_SECRET_KEY,required"`
//		Timeout   time.Duration `env:"STRIPE_CALL_TIMEOUT" envDefault:"10s"`
//	}
//
//	var cfg StripeConfig
//	config.MustLoad(&cfg)
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var defaultEnvLoaded sync.Once

type options struct {
	files  []string
	prefix string
}

// Option tunes a single Load call.
type Option func(*options)

// WithFiles loads the given .env files before parsing. Missing files are skipped.
// Variables already present in the environment are never overridden.
func WithFiles(files ...string) Option {
	return func(o *options) { o.files = append(o.files, files...) }
}

// WithPrefix requires every variable of the struct to carry the given prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// Load parses environment variables into v according to its `env` tags.
// The default .env file in the working directory is loaded once per process.
func Load[T any](v *T, opts ...Option) error {
	if v == nil {
		return ErrNilPointer
	}

	defaultEnvLoaded.Do(func() {
		// a missing .env is the normal case outside local development
		_ = godotenv.Load()
	})

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	for _, file := range o.files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return errors.Join(ErrLoadingEnvFile, fmt.Errorf("%s: %w", file, err))
		}
	}

	if err := env.ParseWithOptions(v, env.Options{Prefix: o.prefix}); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	return nil
}

// MustLoad is like Load but panics on failure. Use it for configuration
// the process cannot start without.
func MustLoad[T any](v *T, opts ...Option) {
	if err := Load(v, opts...); err != nil {
		panic(fmt.Sprintf("failed to load required configuration: %v", err))
	}
}
