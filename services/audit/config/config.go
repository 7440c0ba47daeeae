// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the audit engine's YAML configuration.
//
// Precedence is defaults, then the file, then environment variables:
//   - RLA_SEED: audit seed
//   - RLA_RISK_LIMIT: risk limit percentage
//   - RLA_LOG_LEVEL: log level
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianRLA/pkg/logging"
	"github.com/AleutianAI/AleutianRLA/services/audit/polling"
	"github.com/AleutianAI/AleutianRLA/services/audit/raire"
	"github.com/AleutianAI/AleutianRLA/services/audit/storage/badger"
	"github.com/AleutianAI/AleutianRLA/services/audit/suite"
	"github.com/AleutianAI/AleutianRLA/services/audit/telemetry"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

var validate = validator.New()

// Config is the whole configuration file.
type Config struct {
	Audit     AuditConfig      `yaml:"audit"`
	RAIRE     raire.Config     `yaml:"raire"`
	Suite     suite.Config     `yaml:"suite"`
	Storage   badger.Config    `yaml:"storage"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// AuditConfig holds the parameters fixed for an audit's lifetime.
type AuditConfig struct {
	// Seed is the public random seed. It must not change once drawing starts.
	Seed string `yaml:"seed" validate:"required"`

	// RiskLimit is a percentage in [1, 99].
	RiskLimit int `yaml:"risk_limit" validate:"gte=1,lte=99"`

	// MathType is the ballot-polling statistic.
	MathType string `yaml:"math_type" validate:"oneof=BRAVO MINERVA"`

	// WithReplacement selects ballot sampling with replacement.
	WithReplacement bool `yaml:"with_replacement"`
}

// LoggingConfig mirrors logging.Config in file form.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
	Quiet bool   `yaml:"quiet"`
}

// Default returns a complete configuration apart from the seed.
func Default() Config {
	storage := badger.DefaultConfig()
	storage.Path = "rla-data"
	return Config{
		Audit: AuditConfig{
			RiskLimit:       10,
			MathType:        string(polling.BRAVO),
			WithReplacement: true,
		},
		RAIRE:     raire.DefaultConfig(),
		Suite:     suite.DefaultConfig(),
		Storage:   storage,
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("RLA_SEED"); v != "" {
		cfg.Audit.Seed = v
	}
	if v := os.Getenv("RLA_RISK_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: RLA_RISK_LIMIT=%q: %v", ErrInvalidConfig, v, err)
		}
		cfg.Audit.RiskLimit = n
	}
	if v := os.Getenv("RLA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

// Validate checks every section's struct tags.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// LoggerConfig converts the logging section for logging.New.
func (c Config) LoggerConfig(service string) (logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return logging.Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.Dir,
		Service: service,
		JSON:    c.Logging.JSON,
		Quiet:   c.Logging.Quiet,
	}, nil
}
