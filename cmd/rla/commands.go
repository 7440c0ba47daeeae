// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRLA/services/audit/contest"
	"github.com/AleutianAI/AleutianRLA/services/audit/cvr"
	"github.com/AleutianAI/AleutianRLA/services/audit/macro"
	"github.com/AleutianAI/AleutianRLA/services/audit/polling"
	"github.com/AleutianAI/AleutianRLA/services/audit/raire"
	"github.com/AleutianAI/AleutianRLA/services/audit/sampler"
	"github.com/AleutianAI/AleutianRLA/services/audit/session"
	"github.com/AleutianAI/AleutianRLA/services/audit/stats"
	"github.com/AleutianAI/AleutianRLA/services/audit/suite"
	"github.com/AleutianAI/AleutianRLA/services/audit/supersimple"
)

// contestResult is one contest's line in sample-size and risk output.
type contestResult struct {
	Contest string `json:"contest" yaml:"contest"`
	Type    string `json:"type" yaml:"type"`

	// PValues is keyed by "winner>loser", or by assertion key for irv.
	PValues   map[string]float64 `json:"p_values,omitempty" yaml:"p_values,omitempty"`
	MaxPValue float64            `json:"max_p_value" yaml:"max_p_value"`
	Confirmed bool               `json:"confirmed" yaml:"confirmed"`

	SampleSize   int                                 `json:"sample_size,omitempty" yaml:"sample_size,omitempty"`
	SampleSizes  map[string]polling.SampleSizeOption `json:"sample_sizes,omitempty" yaml:"sample_sizes,omitempty"`
	StratumSizes *suite.SampleSize                   `json:"stratum_sizes,omitempty" yaml:"stratum_sizes,omitempty"`

	NoAuditNeeded bool   `json:"no_audit_needed,omitempty" yaml:"no_audit_needed,omitempty"`
	FullRecount   bool   `json:"full_recount,omitempty" yaml:"full_recount,omitempty"`
	Note          string `json:"note,omitempty" yaml:"note,omitempty"`
}

// =============================================================================
// sample-size / risk
// =============================================================================

func (a *app) sampleSizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sample-size [audit.yaml]",
		Short: "Recommend how many ballots or batches to sample next",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.evaluate(cmd, args[0], false)
		},
	}
}

func (a *app) riskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "risk [audit.yaml]",
		Short: "Measure every contest's risk against the risk limit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.evaluate(cmd, args[0], true)
		},
	}
}

// evaluate runs sample-size (measure false) or risk (measure true).
func (a *app) evaluate(cmd *cobra.Command, path string, measure bool) error {
	start := time.Now()
	ctx := cmd.Context()

	f, err := loadAuditFile(path)
	if err != nil {
		return err
	}
	records, err := f.records()
	if err != nil {
		return err
	}

	sess, closeStore, err := a.scratchSession(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	results, err := a.pollingResults(ctx, sess, f)
	if err != nil {
		return err
	}
	out := make([]contestResult, 0, len(f.Contests))
	for i := range f.Contests {
		ci := &f.Contests[i]
		if ci.Type == auditPolling {
			out = append(out, results[ci.Name])
			continue
		}
		res, err := a.evaluateContest(ctx, sess, ci, records, measure)
		if err != nil {
			return fmt.Errorf("contest %q: %w", ci.Name, err)
		}
		out = append(out, res)
	}

	name := "sample-size"
	if measure {
		name = "risk"
	}
	if err := writeResult(cmd.OutOrStdout(), a.format, CommandResult{
		Command:    name,
		Timestamp:  start.UTC(),
		DurationMs: time.Since(start).Milliseconds(),
		Data:       out,
	}); err != nil {
		return err
	}

	if measure {
		for _, r := range out {
			if !r.Confirmed {
				return errNotConfirmed
			}
		}
	}
	return nil
}

// pollingResults evaluates every polling contest concurrently through the
// session.
func (a *app) pollingResults(ctx context.Context, sess *session.Session, f *auditFile) (map[string]contestResult, error) {
	var contests []*contest.Contest
	for _, ci := range f.Contests {
		if ci.Type != auditPolling {
			continue
		}
		c, err := ci.contest()
		if err != nil {
			return nil, err
		}
		for _, r := range ci.Rounds {
			if err := sess.RecordRound(ctx, ci.Name, r); err != nil {
				return nil, fmt.Errorf("contest %q: %w", ci.Name, err)
			}
		}
		contests = append(contests, c)
	}
	if len(contests) == 0 {
		return nil, nil
	}

	evals, err := sess.EvaluateContests(ctx, contests)
	if err != nil {
		return nil, err
	}
	out := make(map[string]contestResult, len(evals))
	for _, ev := range evals {
		out[ev.Contest] = contestResult{
			Contest:       ev.Contest,
			Type:          auditPolling,
			PValues:       ev.PValues,
			MaxPValue:     ev.MaxPValue,
			Confirmed:     ev.Confirmed,
			SampleSizes:   ev.SampleSizes,
			NoAuditNeeded: ev.NoAuditNeeded,
		}
	}
	return out, nil
}

// evaluateContest handles the non-polling audit types.
func (a *app) evaluateContest(ctx context.Context, sess *session.Session, ci *contestInput, records cvr.Records, measure bool) (contestResult, error) {
	res := contestResult{Contest: ci.Name, Type: ci.Type}
	rl := a.cfg.Audit.RiskLimit

	c, err := ci.contest()
	if err != nil {
		return res, err
	}
	sample, err := ci.sample()
	if err != nil {
		return res, err
	}

	switch ci.Type {
	case auditComparison:
		if measure {
			var p float64
			p, res.Confirmed, err = supersimple.ComputeRisk(rl, c, records, sample)
			res.MaxPValue = p
		} else {
			counts := supersimple.CountDiscrepancies(c, records, sample)
			res.SampleSize, err = supersimple.GetSampleSizes(rl, c, &counts)
		}

	case auditBatch:
		if measure {
			var draws []sampler.SampleUnit
			draws, err = sampler.DrawPPEB(a.cfg.Audit.Seed, c, ci.Batches, ci.BatchDraws)
			if err == nil {
				var p float64
				p, res.Confirmed, err = macro.ComputeRisk(rl, c, ci.Batches, ci.AuditedBatches, draws)
				res.MaxPValue = p
			}
		} else {
			res.SampleSize, err = macro.GetSampleSizes(rl, c, ci.Batches, ci.AuditedBatches)
		}

	case auditHybrid:
		cs, ps := ci.strata()
		if measure {
			var pvalues map[contest.Pair]float64
			pvalues, res.Confirmed, err = suite.ComputeRisk(rl, c, cs, ps, a.cfg.Suite)
			if pr, ok := suite.AsPartialRecount(err); ok {
				res.Note = pr.Error()
				err = nil
			}
			res.PValues, res.MaxPValue = pairPValues(pvalues)
		} else {
			var sizes suite.SampleSize
			sizes, err = suite.GetSampleSize(rl, c, cs, ps, a.cfg.Suite)
			res.StratumSizes = &sizes
		}

	case auditIRV:
		var assertions []raire.Assertion
		assertions, err = sess.Assertions(ctx, c, records, ci.irvWinner(c, records))
		if err == nil {
			if measure {
				var pvalues map[string]float64
				pvalues, res.Confirmed, err = supersimple.ComputeRiskRanked(rl, c, assertions, records, sample)
				res.PValues = pvalues
				for _, p := range pvalues {
					res.MaxPValue = max(res.MaxPValue, p)
				}
			} else {
				counts := supersimple.CountDiscrepanciesRanked(c, assertions, records, sample)
				res.SampleSize, err = supersimple.GetSampleSizesRanked(rl, c, assertions, counts)
			}
		}
	}

	return settle(res, err)
}

// settle turns the audit outcomes that arrive as errors into results.
func settle(res contestResult, err error) (contestResult, error) {
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, stats.ErrNoAuditNeeded):
		res.NoAuditNeeded, res.Confirmed = true, true
	case errors.Is(err, stats.ErrAuditComplete):
		res.Confirmed = true
		res.Note = "every batch has been audited"
	case errors.Is(err, stats.ErrFullRecountRequired):
		res.FullRecount = true
		res.MaxPValue = 1
	default:
		return res, err
	}
	return res, nil
}

func pairPValues(pvalues map[contest.Pair]float64) (map[string]float64, float64) {
	if len(pvalues) == 0 {
		return nil, 0
	}
	out := make(map[string]float64, len(pvalues))
	worst := 0.0
	for pair, p := range pvalues {
		out[pair.String()] = p
		worst = max(worst, p)
	}
	return out, worst
}

// =============================================================================
// draw
// =============================================================================

// drawResult is the output of `rla draw`.
type drawResult struct {
	Contest string               `json:"contest" yaml:"contest"`
	Kind    string               `json:"kind" yaml:"kind"`
	Draws   []sampler.SampleUnit `json:"draws" yaml:"draws"`
}

func (a *app) drawCmd() *cobra.Command {
	var (
		contestName string
		n           int
		sessionID   string
	)
	cmd := &cobra.Command{
		Use:   "draw [audit.yaml]",
		Short: "Draw the first n ballots or batches for a contest and record them",
		Long: `Draw recomputes the cumulative sample from the seed and records any new
tickets in the audit database. Pass --session to continue an earlier audit;
without it a new session is started and its id printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			ctx := cmd.Context()

			f, err := loadAuditFile(args[0])
			if err != nil {
				return err
			}
			ci, err := f.find(contestName)
			if err != nil {
				return err
			}

			sess, closeStore, err := a.openSession(ctx, a.cfg.Storage, sessionID)
			if err != nil {
				return err
			}
			defer closeStore()

			res := drawResult{Contest: ci.Name, Kind: "ballot"}
			if ci.Type == auditBatch {
				res.Kind = "batch"
				c, err := ci.contest()
				if err != nil {
					return err
				}
				res.Draws, err = sess.DrawBatches(ctx, c, ci.Batches, n)
				if err != nil {
					return err
				}
			} else {
				if len(f.Manifest) == 0 {
					return fmt.Errorf("%w: ballot draws need a manifest", ErrInvalidInput)
				}
				res.Draws, err = sess.DrawBallots(ctx, ci.Name, f.Manifest, n)
				if err != nil {
					return err
				}
			}

			return writeResult(cmd.OutOrStdout(), a.format, CommandResult{
				Command:    "draw",
				SessionID:  sess.ID(),
				Timestamp:  start.UTC(),
				DurationMs: time.Since(start).Milliseconds(),
				Data:       res,
			})
		},
	}
	cmd.Flags().StringVar(&contestName, "contest", "", "contest to draw for")
	cmd.Flags().IntVarP(&n, "count", "n", 0, "cumulative number of draws")
	cmd.Flags().StringVar(&sessionID, "session", "", "resume an existing session")
	_ = cmd.MarkFlagRequired("contest")
	_ = cmd.MarkFlagRequired("count")
	return cmd
}

// =============================================================================
// assertions
// =============================================================================

// assertionsResult is the output of `rla assertions`.
type assertionsResult struct {
	Contest    string            `json:"contest" yaml:"contest"`
	Winner     string            `json:"winner" yaml:"winner"`
	Assertions []raire.Assertion `json:"assertions" yaml:"assertions"`
}

func (a *app) assertionsCmd() *cobra.Command {
	var contestName string
	cmd := &cobra.Command{
		Use:   "assertions [audit.yaml]",
		Short: "Generate the assertions that certify an IRV contest's winner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			ctx := cmd.Context()

			f, err := loadAuditFile(args[0])
			if err != nil {
				return err
			}
			ci, err := f.find(contestName)
			if err != nil {
				return err
			}
			if ci.Type != auditIRV {
				return fmt.Errorf("%w: contest %q is not an irv contest", ErrInvalidInput, ci.Name)
			}
			c, err := ci.contest()
			if err != nil {
				return err
			}
			records, err := f.records()
			if err != nil {
				return err
			}

			sess, closeStore, err := a.scratchSession(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			winner := ci.irvWinner(c, records)
			assertions, err := sess.Assertions(ctx, c, records, winner)
			if err != nil {
				return err
			}
			res := assertionsResult{Contest: c.Name, Winner: winner, Assertions: assertions}
			return writeResult(cmd.OutOrStdout(), a.format, CommandResult{
				Command:    "assertions",
				Timestamp:  start.UTC(),
				DurationMs: time.Since(start).Milliseconds(),
				Data:       res,
			})
		},
	}
	cmd.Flags().StringVar(&contestName, "contest", "", "irv contest to generate assertions for")
	_ = cmd.MarkFlagRequired("contest")
	return cmd
}
