// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command rla runs risk-limiting audit computations.
//
// Every command reads an audit input file (see auditFile) and the engine
// configuration (see services/audit/config):
//
//	rla sample-size audit.yaml
//	rla risk audit.yaml --format json
//	rla draw audit.yaml --contest mayor -n 120
//	rla draw audit.yaml --contest mayor -n 240 --session 5f0c...
//	rla assertions audit.yaml --contest council
//
// `rla risk` exits 1 when some contest has not met the risk limit.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianRLA/pkg/logging"
	"github.com/AleutianAI/AleutianRLA/services/audit/config"
	"github.com/AleutianAI/AleutianRLA/services/audit/polling"
	"github.com/AleutianAI/AleutianRLA/services/audit/session"
	"github.com/AleutianAI/AleutianRLA/services/audit/storage/badger"
	"github.com/AleutianAI/AleutianRLA/services/audit/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil && !errors.Is(err, errNotConfirmed) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(exitCode(err))
}

// run executes one command line and releases everything it opened.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	a := &app{}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	err := root.ExecuteContext(ctx)
	if cerr := a.close(ctx); err == nil {
		err = cerr
	}
	return err
}

// app carries what the commands share: flags, configuration, logger and
// telemetry.
type app struct {
	configPath string
	format     string

	cfg      config.Config
	logger   *logging.Logger
	metrics  *telemetry.Metrics
	shutdown func(context.Context) error
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rla",
		Short:         "Risk-limiting audit computations",
		Long:          "rla computes sample sizes, risk measurements, deterministic draws and IRV assertions for post-election risk-limiting audits.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "engine configuration file (YAML)")
	root.PersistentFlags().StringVarP(&a.format, "format", "o", formatYAML, "output format: yaml or json")

	root.AddCommand(
		a.sampleSizeCmd(),
		a.riskCmd(),
		a.drawCmd(),
		a.assertionsCmd(),
	)
	return root
}

// setup loads configuration and starts logging and telemetry.
func (a *app) setup(ctx context.Context) error {
	if a.format != formatYAML && a.format != formatJSON {
		return fmt.Errorf("unknown output format %q (want yaml or json)", a.format)
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	lc, err := cfg.LoggerConfig("rla")
	if err != nil {
		return err
	}
	a.logger = logging.New(lc)
	a.cfg.Storage.Logger = a.logger.Slog()

	a.shutdown, err = telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	a.metrics, err = telemetry.NewMetrics(otel.GetMeterProvider().Meter(telemetry.TracerName))
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	a.logger.Debug("configuration loaded",
		"config", a.configPath,
		"risk_limit", cfg.Audit.RiskLimit,
		"math_type", cfg.Audit.MathType)
	return nil
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(ctx))
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
	}
	return errors.Join(errs...)
}

func (a *app) sessionConfig() (session.Config, error) {
	mt, err := polling.ParseMathType(a.cfg.Audit.MathType)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		Seed:            a.cfg.Audit.Seed,
		RiskLimit:       a.cfg.Audit.RiskLimit,
		MathType:        mt,
		WithReplacement: a.cfg.Audit.WithReplacement,
		RAIRE:           a.cfg.RAIRE,
	}, nil
}

func (a *app) sessionOptions() []session.Option {
	return []session.Option{session.WithLogger(a.logger), session.WithMetrics(a.metrics)}
}

// openSession opens the configured store and starts a session, or resumes
// id when it is set. The returned close releases the store.
func (a *app) openSession(ctx context.Context, storage badger.Config, id string) (*session.Session, func() error, error) {
	sc, err := a.sessionConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := badger.Open(storage)
	if err != nil {
		return nil, nil, err
	}
	store := badger.NewDrawStore(db)

	var s *session.Session
	if id != "" {
		s, err = session.Resume(ctx, id, store, a.sessionOptions()...)
		if err == nil && s.Config().Seed != sc.Seed {
			err = fmt.Errorf("session %s was started with a different seed", id)
		}
	} else {
		s, err = session.New(ctx, sc, store, a.sessionOptions()...)
	}
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return s, db.Close, nil
}

// scratchSession is an in-memory session for stateless computations.
func (a *app) scratchSession(ctx context.Context) (*session.Session, func() error, error) {
	storage := badger.InMemoryConfig()
	storage.Logger = a.cfg.Storage.Logger
	return a.openSession(ctx, storage, "")
}
