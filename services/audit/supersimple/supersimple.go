// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package supersimple implements ballot-comparison audits with the
// Kaplan-Markov bound.
//
// Each sampled ballot is compared with its cast-vote record. The
// discrepancy is the largest change, in votes, that the audited marks make
// to any winner-loser margin, expressed against that pair's margin:
//
//	+2  two-vote overstatement   (reported winner vote was a loser vote)
//	+1  one-vote overstatement
//	 0  match
//	-1  one-vote understatement
//	-2  two-vote understatement
//
// A sampled ballot that cannot be found, or that has no cast-vote record,
// counts as a two-vote overstatement.
package supersimple

import (
	"math"
	"sort"

	"github.com/AleutianAI/AleutianRLA/services/audit/contest"
	"github.com/AleutianAI/AleutianRLA/services/audit/cvr"
	"github.com/AleutianAI/AleutianRLA/services/audit/stats"
)

// Gamma is the error inflation factor of the Kaplan-Markov bound.
const Gamma = 1.03905

// Prior discrepancy rates used before any sample exists.
const (
	DefaultO1Rate = 0.001
	DefaultO2Rate = 0.0001
	DefaultU1Rate = 0.001
	DefaultU2Rate = 0.0001
)

// Discrepancy is one ballot's comparison result.
type Discrepancy struct {
	// CountedAs is the vote discrepancy on the pair with the largest
	// weighted discrepancy, in [-2, 2].
	CountedAs int `json:"counted_as" yaml:"counted_as"`
	// Weighted is max over pairs of discrepancy / pair margin (votes).
	Weighted float64 `json:"weighted" yaml:"weighted"`
}

// SampleCVR is one sampled ballot's audited marks for the contest.
type SampleCVR struct {
	Marks        cvr.ContestMarks `json:"marks" yaml:"marks"`
	TimesSampled int              `json:"times_sampled" yaml:"times_sampled"`
	NotFound     bool             `json:"not_found,omitempty" yaml:"not_found,omitempty"`
}

// SampleCVRs maps ballot identity to its audit result.
type SampleCVRs map[string]SampleCVR

// DiscrepancyCounts tallies discrepancies over the sample, with multiplicity.
type DiscrepancyCounts struct {
	Sampled int `json:"sampled" yaml:"sampled"`
	O1      int `json:"o1" yaml:"o1"`
	O2      int `json:"o2" yaml:"o2"`
	U1      int `json:"u1" yaml:"u1"`
	U2      int `json:"u2" yaml:"u2"`
}

// ComputeDiscrepancy compares reported and audited marks for one ballot.
//
// reportedOK is false when the ballot has no cast-vote record. Either that
// or a NotFound audit yields a two-vote overstatement.
func ComputeDiscrepancy(c *contest.Contest, reported cvr.ContestMarks, reportedOK bool, audited SampleCVR) Discrepancy {
	if !reportedOK || audited.NotFound {
		return maxOverstatement(c)
	}

	best := Discrepancy{Weighted: math.Inf(-1)}
	for _, p := range c.Pairs() {
		vwl := c.PairMargin(p)
		if vwl <= 0 {
			continue
		}
		e := (reported[p.Winner] - reported[p.Loser]) - (audited.Marks[p.Winner] - audited.Marks[p.Loser])
		w := float64(e) / float64(vwl)
		if w > best.Weighted {
			best = Discrepancy{CountedAs: e, Weighted: w}
		}
	}
	if math.IsInf(best.Weighted, -1) {
		return Discrepancy{}
	}
	return best
}

func maxOverstatement(c *contest.Contest) Discrepancy {
	minMargin := minPairMargin(c)
	if minMargin <= 0 {
		return Discrepancy{CountedAs: 2}
	}
	return Discrepancy{CountedAs: 2, Weighted: 2 / float64(minMargin)}
}

// minPairMargin is the smallest winner-loser margin in votes.
func minPairMargin(c *contest.Contest) int {
	best := math.MaxInt
	for _, p := range c.Pairs() {
		best = min(best, c.PairMargin(p))
	}
	return best
}

// ComputeRisk measures the Kaplan-Markov p-value of a comparison sample.
//
// # Description
//
// With diluted margin m, U = 2*Gamma/m and V the smallest pair margin in
// votes, every draw of a ballot multiplies the p-value by
//
//	(1 - 1/U) / (1 - e/(2*Gamma)),   e = Discrepancy.Weighted * V
//
// Ballots are visited in identity order so the product is reproducible.
//
// # Outputs
//
//   - float64: p-value clamped to [0, 1].
//   - bool: Whether p <= risk limit.
//   - error: stats.ErrNoAuditNeeded for uncontested contests, or an
//     invalid risk limit.
func ComputeRisk(riskLimit int, c *contest.Contest, reported cvr.Records, sample SampleCVRs) (float64, bool, error) {
	alpha, err := measureAlpha(riskLimit)
	if err != nil {
		return 1, false, err
	}
	if c.Uncontested() {
		return 1, false, stats.ErrNoAuditNeeded
	}
	if c.Tied() {
		return 1, false, nil
	}

	u := 2 * Gamma / c.DilutedMargin
	minMargin := float64(minPairMargin(c))

	p := 1.0
	for _, ballot := range sortedBallots(sample) {
		s := sample[ballot]
		marks, ok := reported.Marks(ballot, c.Name)
		d := ComputeDiscrepancy(c, marks, ok, s)
		factor := kmFactor(u, d.Weighted*minMargin)
		for i := 0; i < s.TimesSampled; i++ {
			p *= factor
		}
	}
	p = stats.Clamp01(p)
	return p, p <= alpha, nil
}

// kmFactor is one draw's Kaplan-Markov multiplier for a scaled discrepancy.
func kmFactor(u, scaled float64) float64 {
	return (1 - 1/u) / (1 - scaled/(2*Gamma))
}

// CountDiscrepancies tallies the sample's discrepancies, with multiplicity.
func CountDiscrepancies(c *contest.Contest, reported cvr.Records, sample SampleCVRs) DiscrepancyCounts {
	var counts DiscrepancyCounts
	for _, ballot := range sortedBallots(sample) {
		s := sample[ballot]
		marks, ok := reported.Marks(ballot, c.Name)
		d := ComputeDiscrepancy(c, marks, ok, s)
		counts.Sampled += s.TimesSampled
		switch d.CountedAs {
		case 1:
			counts.O1 += s.TimesSampled
		case 2:
			counts.O2 += s.TimesSampled
		case -1:
			counts.U1 += s.TimesSampled
		case -2:
			counts.U2 += s.TimesSampled
		}
	}
	return counts
}

// =============================================================================
// Sample sizes
// =============================================================================

// GetSampleSizes returns the total (cumulative) comparison sample size.
//
// # Description
//
// Discrepancy rates are the observed rates when counts has a sample, else
// the conservative priors; a zero observed count also falls back to the
// prior. With rates r1, r2, s1, s2:
//
//	denom = ln(1 - m/(2G)) - r1 ln(1 - 1/(2G)) - r2 ln(1 - 1/G)
//	                       - s1 ln(1 + 1/(2G)) - s2 ln(1 + 1/G)
//	n0    = ceil(ln(alpha) / denom)
//
// Expected counts at n0 are fed to the closed-form Kaplan-Markov bound
//
//	n = ceil(-2G (ln alpha + o1 ln(1-1/(2G)) + o2 ln(1-1/G)
//	              + u1 ln(1+1/(2G)) + u2 ln(1+1/G)) / m)
//
// # Outputs
//
//   - int: Sample size, at least the number already sampled, at most the
//     contest's ballots.
//   - error: stats.ErrFullRecountRequired for a zero margin or risk limit,
//     stats.ErrNoAuditNeeded for uncontested contests.
func GetSampleSizes(riskLimit int, c *contest.Contest, counts *DiscrepancyCounts) (int, error) {
	alpha, err := stats.Alpha(riskLimit)
	if err != nil {
		return 0, err
	}
	switch {
	case c.Uncontested():
		return 0, stats.ErrNoAuditNeeded
	case c.Tied():
		return 0, stats.ErrFullRecountRequired
	}

	var observed DiscrepancyCounts
	if counts != nil {
		observed = *counts
	}
	return sizeForMargin(alpha, c.DilutedMargin, c.Ballots, observed), nil
}

// sizeForMargin solves the Kaplan-Markov bound for diluted margin m.
func sizeForMargin(alpha, m float64, ballots int, observed DiscrepancyCounts) int {
	r1 := observedRate(observed.O1, observed.Sampled, DefaultO1Rate)
	r2 := observedRate(observed.O2, observed.Sampled, DefaultO2Rate)
	s1 := observedRate(observed.U1, observed.Sampled, DefaultU1Rate)
	s2 := observedRate(observed.U2, observed.Sampled, DefaultU2Rate)

	denom := math.Log(1-m/(2*Gamma)) -
		r1*math.Log(1-1/(2*Gamma)) -
		r2*math.Log(1-1/Gamma) -
		s1*math.Log(1+1/(2*Gamma)) -
		s2*math.Log(1+1/Gamma)
	if denom >= 0 {
		return ballots
	}

	n0 := math.Ceil(math.Log(alpha) / denom)
	o1 := max(math.Ceil(r1*n0), float64(observed.O1))
	o2 := max(math.Round(r2*n0), float64(observed.O2))
	u1 := max(math.Ceil(s1*n0), float64(observed.U1))
	u2 := max(math.Round(s2*n0), float64(observed.U2))

	n := nMin(alpha, m, o1, o2, u1, u2)
	if math.IsNaN(n) || n > float64(ballots) {
		return ballots
	}
	return min(max(int(n), observed.Sampled), ballots)
}

// nMin is the Kaplan-Markov sample size for given discrepancy counts.
func nMin(alpha, margin, o1, o2, u1, u2 float64) float64 {
	return math.Ceil(-2 * Gamma * (math.Log(alpha) +
		o1*math.Log(1-1/(2*Gamma)) +
		o2*math.Log(1-1/Gamma) +
		u1*math.Log(1+1/(2*Gamma)) +
		u2*math.Log(1+1/Gamma)) / margin)
}

func observedRate(count, sampled int, prior float64) float64 {
	if sampled == 0 || count == 0 {
		return prior
	}
	return float64(count) / float64(sampled)
}

// measureAlpha accepts a zero risk limit for measurement: the audit can
// then only stop at p = 0.
func measureAlpha(riskLimit int) (float64, error) {
	if riskLimit == 0 {
		return 0, nil
	}
	return stats.Alpha(riskLimit)
}

func sortedBallots(sample SampleCVRs) []string {
	ids := make([]string, 0, len(sample))
	for id := range sample {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
