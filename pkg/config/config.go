// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Target names the backend a listener rule forwards to.
type Target struct {
	Host string `yaml:"host"`
	TCP  int    `yaml:"tcp,omitempty"`
	UDP  int    `yaml:"udp,omitempty"`
}

// Listener is one forwarding rule. At least one of TCP/UDP must be set
// together with the matching Target port for that protocol to be active;
// otherwise that half of the rule is silently inactive.
type Listener struct {
	Bind    string `yaml:"bind"`
	TCP     int    `yaml:"tcp,omitempty"`
	UDP     int    `yaml:"udp,omitempty"`
	Haproxy bool   `yaml:"haproxy"`
	Webhook string `yaml:"webhook,omitempty"`
	Target  Target `yaml:"target"`
}

// TCPActive reports whether this rule has a usable TCP path.
func (l Listener) TCPActive() bool {
	return l.TCP != 0 && l.Target.TCP != 0
}

// UDPActive reports whether this rule has a usable UDP path.
func (l Listener) UDPActive() bool {
	return l.UDP != 0 && l.Target.UDP != 0
}

// Config is the domain configuration document, config.yml.
type Config struct {
	Endpoint     int        `yaml:"endpoint"`
	UseRestApi   bool       `yaml:"useRestApi"`
	SavePlayerIP bool       `yaml:"savePlayerIP"`
	Listeners    []Listener `yaml:"listeners"`
}

func defaultConfig() Config {
	return Config{
		Endpoint:     6000,
		UseRestApi:   false,
		SavePlayerIP: true,
		Listeners: []Listener{
			{
				Bind:    "0.0.0.0",
				TCP:     25565,
				Haproxy: false,
				Target: Target{
					Host: "127.0.0.1",
					TCP:  25566,
				},
			},
		},
	}
}

// Load reads and parses path. A missing file is not an error: the default
// document is written to path and returned. A present file with a missing
// or non-array listeners field is fatal, per the domain configuration's
// contract.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}

		cfg := defaultConfig()
		if writeErr := writeDefault(path, cfg); writeErr != nil {
			logger.Warn("failed to write default config file", slog.String("path", path), slog.String("error", writeErr.Error()))
		} else {
			logger.Info("wrote default config file", slog.String("path", path))
		}
		return &cfg, nil
	}

	var raw2 map[string]any
	if err := yaml.Unmarshal(raw, &raw2); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if _, ok := raw2["listeners"].([]any); !ok {
		return nil, fmt.Errorf("config: listeners must be an array")
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

func writeDefault(path string, cfg Config) error {
	buf, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}
