// Package config loads runtime configuration from the environment.
// Command-line flags in main override the essentials for local use.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Addr   string `env:"RHYTHM_ADDR" envDefault:":8080"`
	DBPath string `env:"RHYTHM_DB" envDefault:"rhythm.db"`
	Debug  bool   `env:"RHYTHM_DEBUG" envDefault:"false"`

	PollInterval          time.Duration `env:"RHYTHM_POLL_INTERVAL" envDefault:"250ms"`
	SchedulerPollInterval time.Duration `env:"RHYTHM_SCHEDULER_POLL_INTERVAL" envDefault:"2s"`
	Concurrency           int           `env:"RHYTHM_CONCURRENCY" envDefault:"4"`
	MaxAttempts           int           `env:"RHYTHM_MAX_ATTEMPTS" envDefault:"3"`
	StaleAfter            time.Duration `env:"RHYTHM_STALE_AFTER" envDefault:"5m"`

	TrainerCmd string `env:"RHYTHM_TRAINER_CMD" envDefault:"bin/train"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env config: %w", err)
	}
	return c, nil
}
