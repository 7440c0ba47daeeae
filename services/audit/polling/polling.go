// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package polling implements sequential ballot-polling audits.
//
// Two test statistics are provided behind the Audit interface:
//
//	┌──────────────┐      New(BRAVO)    ┌────────────────────────────┐
//	│ caller round │ ─────────────────► │ bravo: Wald SPRT, decimal  │
//	│ loop         │      New(MINERVA)  ├────────────────────────────┤
//	│              │ ─────────────────► │ minerva: round-aware tail  │
//	└──────────────┘                    │ ratio, falls back to bravo │
//	                                    └────────────────────────────┘
//
// The caller threads the full round history through every call. Nothing is
// cached between calls.
package polling

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/AleutianAI/AleutianRLA/services/audit/contest"
	"github.com/AleutianAI/AleutianRLA/services/audit/stats"
)

// MathType selects the polling test statistic.
type MathType string

const (
	// BRAVO is the Wald sequential probability ratio test.
	BRAVO MathType = "BRAVO"
	// MINERVA is the round-by-round tail-ratio test.
	MINERVA MathType = "MINERVA"
)

// ErrUnknownMathType is returned by New and ParseMathType.
var ErrUnknownMathType = errors.New("unknown polling math type")

// ParseMathType parses "BRAVO" or "MINERVA".
func ParseMathType(s string) (MathType, error) {
	switch MathType(s) {
	case BRAVO, MINERVA:
		return MathType(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMathType, s)
}

// Round is one round's sample: Size ballots drawn and the votes observed on
// them. Tallies are per round, not cumulative.
type Round struct {
	ID    string         `json:"id" yaml:"id"`
	Size  int            `json:"size" yaml:"size"`
	Tally map[string]int `json:"tally" yaml:"tally"`
}

// SampleSizeOption is one sample-size recommendation.
type SampleSizeOption struct {
	Key string `json:"key" yaml:"key"`
	// Size is the number of additional ballots to draw.
	Size int `json:"size" yaml:"size"`
	// Prob is the probability of finishing within Size ballots if the
	// reported outcome is correct. Nil when not applicable.
	Prob *float64 `json:"prob,omitempty" yaml:"prob,omitempty"`
}

// Sample-size keys.
const (
	KeyASN        = "asn"
	KeyAllBallots = "all-ballots"
)

// Quantiles are the stopping probabilities sample sizes are computed for.
var Quantiles = []float64{0.7, 0.8, 0.9}

// QuantileKey renders a quantile as its option key ("0.7").
func QuantileKey(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}

// Audit is a ballot-polling test statistic.
type Audit interface {
	// MathType identifies the statistic.
	MathType() MathType

	// GetSampleSize recommends additional ballots to draw, keyed by
	// KeyASN and QuantileKey(q) for each of Quantiles.
	GetSampleSize(riskLimit int, c *contest.Contest, rounds []Round) (map[string]SampleSizeOption, error)

	// ComputeRisk returns the p-value of every (winner, loser) pair and
	// whether all of them are at or below the risk limit.
	ComputeRisk(riskLimit int, c *contest.Contest, rounds []Round) (map[contest.Pair]float64, bool, error)
}

// New returns the Audit for mt.
func New(mt MathType) (Audit, error) {
	switch mt {
	case BRAVO:
		return bravo{}, nil
	case MINERVA:
		return minerva{maxPairBallots: DefaultMinervaMaxBallots}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMathType, mt)
}

// =============================================================================
// Shared helpers
// =============================================================================

// riskAlpha converts the risk limit for risk measurement. Unlike sample-size
// planning, a zero risk limit is not an error here: no sample can reach it,
// so the audit simply never stops.
func riskAlpha(riskLimit int) (float64, error) {
	if riskLimit == 0 {
		return 0, nil
	}
	return stats.Alpha(riskLimit)
}

// cumulativeTally sums every round's tally.
func cumulativeTally(rounds []Round) map[string]int {
	totals := make(map[string]int)
	for _, r := range rounds {
		for choice, v := range r.Tally {
			totals[choice] += v
		}
	}
	return totals
}

// pairRound is one round's winner and loser votes for a pair.
type pairRound struct {
	winner, loser int
}

func pairRounds(rounds []Round, p contest.Pair) []pairRound {
	out := make([]pairRound, len(rounds))
	for i, r := range rounds {
		out[i] = pairRound{winner: r.Tally[p.Winner], loser: r.Tally[p.Loser]}
	}
	return out
}

// worstPair is the pair with the smallest ballot-share gap: the
// lowest-polling winner against the highest-polling loser.
func worstPair(c *contest.Contest) contest.Pair {
	return contest.Pair{Winner: c.Winners[len(c.Winners)-1], Loser: c.Losers[0]}
}

// planPreconditions handles the cases that short-circuit sample-size
// planning. It returns a non-nil map or error when planning is done.
func planPreconditions(riskLimit int, c *contest.Contest) (float64, map[string]SampleSizeOption, error) {
	alpha, err := stats.Alpha(riskLimit)
	if err != nil {
		return 0, nil, err
	}
	switch {
	case c.Uncontested():
		return 0, nil, stats.ErrNoAuditNeeded
	case c.Tied():
		return 0, map[string]SampleSizeOption{
			KeyAllBallots: {Key: KeyAllBallots, Size: c.Ballots},
		}, nil
	case c.Landslide():
		return 0, map[string]SampleSizeOption{
			KeyASN: {Key: KeyASN, Size: 1, Prob: probPtr(1)},
		}, nil
	}
	return alpha, nil, nil
}

func probPtr(p float64) *float64 {
	p = stats.Clamp01(p)
	return &p
}
