// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Ambient holds runtime knobs that are not part of the domain model:
// observability ports and logging format, populated from the environment.
type Ambient struct {
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadAmbient loads an optional .env file, then parses environment
// variables into an Ambient. A missing .env file is not an error.
func LoadAmbient() (*Ambient, error) {
	_ = godotenv.Load()

	var cfg Ambient
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
