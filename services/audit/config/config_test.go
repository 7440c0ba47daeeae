// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRLA/pkg/logging"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rla.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"RLA_SEED", "RLA_RISK_LIMIT", "RLA_LOG_LEVEL", "OTEL_TRACES_EXPORTER", "OTEL_METRICS_EXPORTER"} {
		t.Setenv(k, "")
	}
}

func TestDefault_NeedsOnlySeed(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	err := cfg.Validate()
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	cfg.Audit.Seed = "12345678901234567890"
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
audit:
  seed: "01234567890123456789"
  risk_limit: 5
  math_type: MINERVA
  with_replacement: false
raire:
  gap: 0.5
suite:
  step_size: 0.1
storage:
  in_memory: true
  gc_interval: 10m
logging:
  level: debug
  json: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "01234567890123456789", cfg.Audit.Seed)
	assert.Equal(t, 5, cfg.Audit.RiskLimit)
	assert.Equal(t, "MINERVA", cfg.Audit.MathType)
	assert.False(t, cfg.Audit.WithReplacement)
	assert.Equal(t, 0.5, cfg.RAIRE.Gap)
	assert.Equal(t, 1_000_000, cfg.RAIRE.MaxNodes, "unset keys keep defaults")
	assert.Equal(t, 0.1, cfg.Suite.StepSize)
	assert.True(t, cfg.Storage.InMemory)
	assert.Equal(t, 10*time.Minute, cfg.Storage.GCInterval)

	lc, err := cfg.LoggerConfig("rla")
	require.NoError(t, err)
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.True(t, lc.JSON)
	assert.Equal(t, "rla", lc.Service)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "audit:\n  seed: from-file\n")
	t.Setenv("RLA_SEED", "from-env")
	t.Setenv("RLA_RISK_LIMIT", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Audit.Seed)
	assert.Equal(t, 3, cfg.Audit.RiskLimit)

	t.Setenv("RLA_RISK_LIMIT", "ten")
	_, err = Load(path)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestLoad_Invalid(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		body string
	}{
		{"risk limit", "audit: {seed: s, risk_limit: 100}"},
		{"math type", "audit: {seed: s, math_type: SUPERSIMPLE}"},
		{"negative gap", "audit: {seed: s}\nraire: {gap: -1}"},
		{"step size", "audit: {seed: s}\nsuite: {step_size: 0}"},
		{"storage path", "audit: {seed: s}\nstorage: {path: \"\", in_memory: false}"},
		{"log level", "audit: {seed: s}\nlogging: {level: loud}"},
		{"trace exporter", "audit: {seed: s}\ntelemetry: {trace_exporter: zipkin}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			assert.True(t, errors.Is(err, ErrInvalidConfig), "%v", err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	t.Setenv("RLA_SEED", "s")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "s", cfg.Audit.Seed)
}
