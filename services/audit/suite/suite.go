// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package suite combines a ballot-comparison stratum and a ballot-polling
// stratum of one contest into a single hybrid audit (SUITE).
//
// The contest outcome is wrong only if the two strata together overstate a
// pair's margin V by at least V. For a split lambda the comparison stratum
// tests an overstatement of at least lambda*V and the polling stratum at
// least (1-lambda)*V. Fisher's method combines the two p-values and the
// audit reports the largest combined p-value over every feasible lambda:
//
//	lambda:  lo ----+----+----+----*----+---- hi
//	                               ^ max Fisher p
//	refine:              [--+-+-+-*-+-+-+--]  step/10
package suite

import (
	"errors"
	"fmt"
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianRLA/services/audit/contest"
	"github.com/AleutianAI/AleutianRLA/services/audit/stats"
)

// Stratum names used by PartialRecountError.
const (
	StratumComparison = "comparison"
	StratumPolling    = "polling"
)

var (
	refinementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rla_suite_refinements_total",
		Help: "Lambda grid refinements performed while maximizing Fisher p-values",
	})

	trialsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rla_suite_sample_size_trials_total",
		Help: "Hypothetical samples evaluated by the sample size search",
	})
)

// PartialRecountError reports that one stratum has been examined in full.
//
// That stratum's overstatement is known exactly, so the p-values come from
// the other stratum alone with the remaining error assigned to it. They are
// valid but not a Fisher combination, which is why they arrive as an error.
type PartialRecountError struct {
	// Stratum is the fully recounted stratum.
	Stratum string
	PValues map[contest.Pair]float64
	// PValue is the largest of PValues.
	PValue float64
}

func (e *PartialRecountError) Error() string {
	return fmt.Sprintf("%s stratum fully recounted: p-value %.6g from the remaining stratum", e.Stratum, e.PValue)
}

// Config tunes the lambda search.
type Config struct {
	// StepSize is the initial grid spacing.
	StepSize float64 `yaml:"step_size" validate:"gt=0,lte=1"`
	// MinStepSize stops refinement even if the modulus bound is not met.
	MinStepSize float64 `yaml:"min_step_size" validate:"gt=0"`
}

// DefaultConfig returns a 0.05 grid refined down to 1e-6.
func DefaultConfig() Config {
	return Config{StepSize: 0.05, MinStepSize: 1e-6}
}

// SampleSize is a total per stratum.
type SampleSize struct {
	Comparison int `json:"comparison" yaml:"comparison"`
	Polling    int `json:"polling" yaml:"polling"`
}

// Maximum is the result of MaximizeFisherCombinedPValue.
type Maximum struct {
	PValue      float64
	Lambda      float64
	Refinements int
}

// CombinedContest sums the strata into the contest-wide reported outcome.
func CombinedContest(name string, numWinners, votesAllowed int, cs *ComparisonStratum, ps *PollingStratum) (*contest.Contest, error) {
	votes := make(map[string]int, len(cs.Votes)+len(ps.Votes))
	for choice, v := range cs.Votes {
		votes[choice] += v
	}
	for choice, v := range ps.Votes {
		votes[choice] += v
	}
	return contest.New(name, votes, numWinners, votesAllowed, cs.Ballots+ps.Ballots)
}

// LambdaRange returns the lambdas for which both strata can carry their
// share of the overstatement. A stratum of N ballots with reported margin
// V_s has an actual margin in [-N, N], so its overstatement lies in
// [V_s - N, V_s + N].
func LambdaRange(cs, ps Stratum, pair contest.Pair) (float64, float64) {
	v1, v2 := float64(cs.PairMargin(pair)), float64(ps.PairMargin(pair))
	n1, n2 := float64(cs.Size()), float64(ps.Size())
	v := v1 + v2
	if v <= 0 {
		return 0, 1
	}
	lo := math.Max((v1-n1)/v, 1-(v2+n2)/v)
	hi := math.Min((v1+n1)/v, 1-(v2-n2)/v)
	if lo > hi {
		return hi, hi
	}
	return lo, hi
}

// Modulus bounds the change in the Fisher statistic when lambda moves by
// delta within two steps of lambda.
func Modulus(cs *ComparisonStratum, ps *PollingStratum, pair contest.Pair, reportedMargin int, lambda, delta float64) float64 {
	return cs.modulus(reportedMargin, lambda+2*delta, delta) +
		ps.modulus(reportedMargin, pair, 1-lambda, delta)
}

// MaximizeFisherCombinedPValue finds the split of the overstatement most
// favorable to the null hypothesis.
//
// # Description
//
// A grid of at least five lambdas spans LambdaRange. The combined p-value
// is computed at each point and the maximum kept. Unless that maximum
// already exceeds alpha, the search checks whether the gap between the
// observed Fisher statistic and the one at alpha is larger than Modulus at
// the current step; if not, it narrows to two steps either side of the
// best lambda with a step ten times smaller and repeats.
//
// # Inputs
//
//   - reportedMargin: The contest-wide margin V of pair.
//   - alpha: Risk limit as a fraction; 0 disables refinement.
//
// # Outputs
//
//   - Maximum: The largest combined p-value, where it was found and how
//     many refinements were needed.
func MaximizeFisherCombinedPValue(cs *ComparisonStratum, ps *PollingStratum, pair contest.Pair, reportedMargin int, alpha float64, cfg Config) Maximum {
	lo0, hi0 := LambdaRange(cs, ps, pair)
	lo, hi, step := lo0, hi0, cfg.StepSize

	refinements := 0
	for {
		var pts []float64
		pts, step = grid(lo, hi, step)

		best := Maximum{PValue: -1, Refinements: refinements}
		for _, lam := range pts {
			p := stats.FisherCombinedPValue(
				cs.ComputePValue(reportedMargin, pair, lam),
				ps.ComputePValue(reportedMargin, pair, 1-lam),
			)
			if p > best.PValue {
				best.PValue, best.Lambda = p, lam
			}
		}

		if alpha <= 0 || best.PValue > alpha || step <= cfg.MinStepSize {
			return best
		}
		gap := math.Abs(stats.ChiSquare4Quantile(best.PValue) - stats.ChiSquare4Quantile(alpha))
		if Modulus(cs, ps, pair, reportedMargin, best.Lambda, step) <= gap {
			return best
		}

		lo = math.Max(lo0, best.Lambda-2*step)
		hi = math.Min(hi0, best.Lambda+2*step)
		step /= 10
		refinements++
		refinementsTotal.Inc()
	}
}

// grid returns evenly spaced points from lo through hi, shrinking step so
// there are at least five. A zero-width range is a single point with step 0.
func grid(lo, hi, step float64) ([]float64, float64) {
	width := hi - lo
	if width <= 0 {
		return []float64{lo}, 0
	}
	if step <= 0 || width < 4*step {
		step = width / 4
	}
	n := int(math.Floor(width/step + 1e-9))
	pts := make([]float64, 0, n+2)
	for i := 0; i <= n; i++ {
		pts = append(pts, lo+float64(i)*step)
	}
	if last := pts[len(pts)-1]; hi-last > 1e-12 {
		pts = append(pts, hi)
	}
	return pts, step
}

// ComputeRisk measures a hybrid audit.
//
// # Description
//
// Every winner-loser pair of c, the contest-wide outcome from
// CombinedContest, gets the maximized Fisher p-value. When both strata are
// fully recounted the outcome is exact. When only one is, the other
// stratum's p-value is returned together with a *PartialRecountError.
//
// # Outputs
//
//   - map[contest.Pair]float64: p-value per pair.
//   - bool: Whether every pair is at or below the risk limit.
//   - error: stats.ErrNoAuditNeeded for uncontested contests,
//     *PartialRecountError as described above.
func ComputeRisk(riskLimit int, c *contest.Contest, cs *ComparisonStratum, ps *PollingStratum, cfg Config) (map[contest.Pair]float64, bool, error) {
	alpha := 0.0
	if riskLimit != 0 {
		a, err := stats.Alpha(riskLimit)
		if err != nil {
			return nil, false, err
		}
		alpha = a
	}
	if c.Uncontested() {
		return nil, false, stats.ErrNoAuditNeeded
	}

	pvalues, recounted := measure(c, cs, ps, alpha, cfg)
	stop, worst := true, 0.0
	for _, p := range pvalues {
		worst = math.Max(worst, p)
		if p > alpha {
			stop = false
		}
	}
	if recounted != "" {
		return pvalues, stop, &PartialRecountError{Stratum: recounted, PValues: pvalues, PValue: worst}
	}
	return pvalues, stop, nil
}

// measure returns the p-value of every pair and the name of the stratum
// that alone is fully recounted, if any.
func measure(c *contest.Contest, cs *ComparisonStratum, ps *PollingStratum, alpha float64, cfg Config) (map[contest.Pair]float64, string) {
	cFull, pFull := cs.FullyRecounted(), ps.FullyRecounted()
	recounted := ""
	switch {
	case cFull && !pFull:
		recounted = StratumComparison
	case pFull && !cFull:
		recounted = StratumPolling
	}

	pvalues := make(map[contest.Pair]float64)
	for _, pair := range c.Pairs() {
		v := c.PairMargin(pair)
		var p float64
		switch {
		case v <= 0:
			p = 1
		case cFull && pFull:
			p = 1
			if cs.Overstatement(pair)+ps.Overstatement(pair) < v {
				p = 0
			}
		case cFull:
			p = remaining(ps, cs, pair, v)
		case pFull:
			p = remaining(cs, ps, pair, v)
		default:
			p = MaximizeFisherCombinedPValue(cs, ps, pair, v, alpha, cfg).PValue
		}
		pvalues[pair] = stats.Clamp01(p)
	}
	return pvalues, recounted
}

// remaining tests whether open can hold the overstatement the recounted
// stratum did not.
func remaining(open, recounted Stratum, pair contest.Pair, v int) float64 {
	lambda := float64(v-recounted.Overstatement(pair)) / float64(v)
	return open.ComputePValue(v, pair, lambda)
}

// GetSampleSize estimates the total sample per stratum needed to confirm
// the outcome.
//
// # Description
//
// A total n is split between the strata in proportion to their size, and
// each stratum is extended to its share at the rates observed so far. The
// search grows n by 2x while the hypothetical p-value is more than twice
// alpha and by 1.1x after that, until the hypothetical sample confirms
// every pair, then bisects for the smallest such n. If no sample short of
// a full recount works the full strata are returned.
//
// # Outputs
//
//   - SampleSize: Totals, never below the samples already drawn.
//   - error: stats.ErrNoAuditNeeded for uncontested contests,
//     stats.ErrFullRecountRequired for a tie or a zero risk limit.
func GetSampleSize(riskLimit int, c *contest.Contest, cs *ComparisonStratum, ps *PollingStratum, cfg Config) (SampleSize, error) {
	alpha, err := stats.Alpha(riskLimit)
	if err != nil {
		return SampleSize{}, err
	}
	switch {
	case c.Uncontested():
		return SampleSize{}, stats.ErrNoAuditNeeded
	case c.Tied():
		return SampleSize{}, stats.ErrFullRecountRequired
	}

	total := cs.Ballots + ps.Ballots
	allocate := func(n int) SampleSize {
		if total == 0 {
			return SampleSize{}
		}
		share := func(size, drawn int) int {
			k := int(math.Ceil(float64(n) * float64(size) / float64(total)))
			return min(max(k, drawn), size)
		}
		return SampleSize{
			Comparison: share(cs.Ballots, cs.SampleSize),
			Polling:    share(ps.Ballots, ps.SampleSize),
		}
	}
	trial := func(n int) float64 {
		trialsTotal.Inc()
		size := allocate(n)
		pvalues, _ := measure(c, cs.extend(size.Comparison), ps.extend(size.Polling), alpha, cfg)
		worst := 0.0
		for _, p := range pvalues {
			worst = math.Max(worst, p)
		}
		return worst
	}

	current := cs.SampleSize + ps.SampleSize
	p := trial(current)
	if p <= alpha {
		return SampleSize{Comparison: cs.SampleSize, Polling: ps.SampleSize}, nil
	}

	lo, hi := current, current
	for p > alpha {
		if hi >= total {
			return SampleSize{Comparison: cs.Ballots, Polling: ps.Ballots}, nil
		}
		factor := 1.1
		if p > 2*alpha {
			factor = 2
		}
		lo = hi
		hi = min(max(int(math.Ceil(float64(hi)*factor)), hi+1), total)
		p = trial(hi)
	}
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		if trial(mid) <= alpha {
			hi = mid
		} else {
			lo = mid
		}
	}
	return allocate(hi), nil
}

// AsPartialRecount unwraps a *PartialRecountError.
func AsPartialRecount(err error) (*PartialRecountError, bool) {
	var pr *PartialRecountError
	if errors.As(err, &pr) {
		return pr, true
	}
	return nil, false
}
