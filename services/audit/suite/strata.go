// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package suite

import (
	"math"
	"sort"

	"github.com/AleutianAI/AleutianRLA/services/audit/contest"
	"github.com/AleutianAI/AleutianRLA/services/audit/stats"
	"github.com/AleutianAI/AleutianRLA/services/audit/supersimple"
)

// Stratum is one separately audited part of a contest.
//
// ComputePValue tests the null hypothesis that the stratum overstates the
// pair's margin by at least nullLambda*reportedMargin votes, where
// reportedMargin is the contest-wide margin of the pair.
type Stratum interface {
	ComputePValue(reportedMargin int, pair contest.Pair, nullLambda float64) float64
	// Size is the number of ballots in the stratum.
	Size() int
	// PairMargin is the stratum's reported votes_w - votes_l.
	PairMargin(pair contest.Pair) int
	// FullyRecounted reports whether every ballot has been examined.
	FullyRecounted() bool
	// Overstatement is the exact overstatement of a fully recounted stratum.
	Overstatement(pair contest.Pair) int
}

// Misstatements counts one pair's comparison discrepancies by kind.
type Misstatements struct {
	O1 int `json:"o1" yaml:"o1"`
	O2 int `json:"o2" yaml:"o2"`
	U1 int `json:"u1" yaml:"u1"`
	U2 int `json:"u2" yaml:"u2"`
}

// =============================================================================
// Comparison stratum
// =============================================================================

// ComparisonStratum holds ballots with cast-vote records.
type ComparisonStratum struct {
	Ballots       int                            `json:"ballots" yaml:"ballots"`
	Votes         map[string]int                 `json:"votes" yaml:"votes"`
	SampleSize    int                            `json:"sample_size" yaml:"sample_size"`
	Misstatements map[contest.Pair]Misstatements `json:"-" yaml:"-"`
}

var _ Stratum = (*ComparisonStratum)(nil)

// ComputePValue is the Kaplan-Markov bound
//
//	n ln(1 - lambda V/(2 G N)) - o1 ln(1 - 1/(2G)) - o2 ln(1 - 1/G)
//	                           - u1 ln(1 + 1/(2G)) - u2 ln(1 + 1/G)
//
// exponentiated and clamped, with G = supersimple.Gamma.
func (s *ComparisonStratum) ComputePValue(reportedMargin int, pair contest.Pair, nullLambda float64) float64 {
	if s.SampleSize == 0 || reportedMargin == 0 || s.Ballots == 0 {
		return 1
	}
	const g = supersimple.Gamma

	a := nullLambda * float64(reportedMargin) / (2 * g * float64(s.Ballots))
	if a >= 1 {
		return 0
	}
	m := s.Misstatements[pair]
	logP := float64(s.SampleSize)*math.Log(1-a) -
		float64(m.O1)*math.Log(1-1/(2*g)) -
		float64(m.O2)*math.Log(1-1/g) -
		float64(m.U1)*math.Log(1+1/(2*g)) -
		float64(m.U2)*math.Log(1+1/g)
	return stats.Clamp01(math.Exp(logP))
}

func (s *ComparisonStratum) Size() int { return s.Ballots }

func (s *ComparisonStratum) PairMargin(pair contest.Pair) int {
	return s.Votes[pair.Winner] - s.Votes[pair.Loser]
}

func (s *ComparisonStratum) FullyRecounted() bool {
	return s.Ballots > 0 && s.SampleSize >= s.Ballots
}

// Overstatement sums the vote-weighted misstatements.
func (s *ComparisonStratum) Overstatement(pair contest.Pair) int {
	m := s.Misstatements[pair]
	return m.O1 + 2*m.O2 - m.U1 - 2*m.U2
}

// modulus bounds how much -2 ln p can move when lambda moves by delta
// anywhere below lambdaMax.
func (s *ComparisonStratum) modulus(reportedMargin int, lambdaMax, delta float64) float64 {
	if s.SampleSize == 0 || s.Ballots == 0 {
		return 0
	}
	a := float64(reportedMargin) / (2 * supersimple.Gamma * float64(s.Ballots))
	denom := 1 - a*math.Max(lambdaMax, 0)
	if denom <= 0 {
		return math.Inf(1)
	}
	return 2 * float64(s.SampleSize) * a * delta / denom
}

// extend synthesizes a sample of n ballots at the observed misstatement
// rates, overstatements rounded up and understatements down.
func (s *ComparisonStratum) extend(n int) *ComparisonStratum {
	n = min(n, s.Ballots)
	if n <= s.SampleSize {
		return s
	}
	out := &ComparisonStratum{Ballots: s.Ballots, Votes: s.Votes, SampleSize: n,
		Misstatements: make(map[contest.Pair]Misstatements, len(s.Misstatements))}
	if s.SampleSize == 0 {
		return out
	}
	scale := float64(n) / float64(s.SampleSize)
	for p, m := range s.Misstatements {
		out.Misstatements[p] = Misstatements{
			O1: int(math.Ceil(float64(m.O1) * scale)),
			O2: int(math.Ceil(float64(m.O2) * scale)),
			U1: int(math.Floor(float64(m.U1) * scale)),
			U2: int(math.Floor(float64(m.U2) * scale)),
		}
	}
	return out
}

// =============================================================================
// Polling stratum
// =============================================================================

// PollingStratum holds ballots without cast-vote records, sampled without
// replacement.
type PollingStratum struct {
	Ballots     int            `json:"ballots" yaml:"ballots"`
	Votes       map[string]int `json:"votes" yaml:"votes"`
	SampleSize  int            `json:"sample_size" yaml:"sample_size"`
	SampleTally map[string]int `json:"sample_tally" yaml:"sample_tally"`
}

var _ Stratum = (*PollingStratum)(nil)

// ComputePValue runs a sequential probability ratio test without
// replacement.
//
// # Description
//
// The alternative is the reported stratum tally. The null is every
// population with N_w - N_l = floor(V_2 - lambda V), where V_2 is the
// stratum's reported pair margin; the nuisance N_w is chosen to maximize
// the sample's likelihood. The p-value is
//
//	max_null L(sample) / L_alt(sample)
//
// clamped to [0, 1]. A null no population can satisfy gives 0; a sample
// the reported tally cannot produce gives 1.
func (s *PollingStratum) ComputePValue(reportedMargin int, pair contest.Pair, nullLambda float64) float64 {
	if s.SampleSize == 0 || reportedMargin == 0 {
		return 1
	}
	nw, nl, nu := s.sampleCounts(pair)
	if nu < 0 {
		return 1
	}

	vw, vl := s.Votes[pair.Winner], s.Votes[pair.Loser]
	alt := logFalling(vw, nw) + logFalling(vl, nl) + logFalling(s.Ballots-vw-vl, nu)
	if math.IsInf(alt, -1) {
		return 1
	}

	null, _, ok := s.nullFit(s.nullMargin(reportedMargin, pair, nullLambda), nw, nl, nu)
	if !ok {
		return 0
	}
	return stats.Clamp01(math.Exp(null - alt))
}

func (s *PollingStratum) nullMargin(reportedMargin int, pair contest.Pair, nullLambda float64) int {
	c := float64(s.PairMargin(pair)) - nullLambda*float64(reportedMargin)
	return int(math.Floor(c + 1e-9))
}

func (s *PollingStratum) sampleCounts(pair contest.Pair) (nw, nl, nu int) {
	nw, nl = s.SampleTally[pair.Winner], s.SampleTally[pair.Loser]
	return nw, nl, s.SampleSize - nw - nl
}

// nullFit maximizes the log likelihood over populations with margin c. The
// objective is concave in N_w, so a ternary search over integers finds it.
func (s *PollingStratum) nullFit(c, nw, nl, nu int) (float64, int, bool) {
	n := s.Ballots
	lo := max(nw, nl+c)
	hi := int(math.Floor(float64(n+c-nu) / 2))
	hi = min(hi, n)
	if lo > hi {
		return math.Inf(-1), 0, false
	}

	f := func(w int) float64 {
		return logFalling(w, nw) + logFalling(w-c, nl) + logFalling(n-2*w+c, nu)
	}
	for hi-lo > 2 {
		m1 := lo + (hi-lo)/3
		m2 := hi - (hi-lo)/3
		if f(m1) < f(m2) {
			lo = m1 + 1
		} else {
			hi = m2
		}
	}
	best, arg := math.Inf(-1), lo
	for w := lo; w <= hi; w++ {
		if v := f(w); v > best {
			best, arg = v, w
		}
	}
	return best, arg, !math.IsInf(best, -1)
}

func (s *PollingStratum) Size() int { return s.Ballots }

func (s *PollingStratum) PairMargin(pair contest.Pair) int {
	return s.Votes[pair.Winner] - s.Votes[pair.Loser]
}

func (s *PollingStratum) FullyRecounted() bool {
	return s.Ballots > 0 && s.SampleSize >= s.Ballots
}

// Overstatement is the reported margin minus the recounted margin.
func (s *PollingStratum) Overstatement(pair contest.Pair) int {
	return s.PairMargin(pair) - (s.SampleTally[pair.Winner] - s.SampleTally[pair.Loser])
}

// modulus bounds how much -2 ln p can move when lambda moves by delta near
// nullLambda. Shifting the null margin by V*delta moves the fitted winner
// and loser counts by at most that much, and each of the n sampled factors
// ln(X - j) by at most ln(1 + V*delta/m) with m the smallest fitted slack.
func (s *PollingStratum) modulus(reportedMargin int, pair contest.Pair, nullLambda, delta float64) float64 {
	if s.SampleSize == 0 {
		return 0
	}
	nw, nl, nu := s.sampleCounts(pair)
	c := s.nullMargin(reportedMargin, pair, nullLambda)
	_, w, ok := s.nullFit(c, nw, nl, nu)
	slack := 1.0
	if ok {
		slack = math.Max(1, float64(min(w-nw, w-c-nl, s.Ballots-2*w+c-nu)+1))
	}
	return 2 * float64(s.SampleSize) * math.Log1p(float64(reportedMargin)*delta/slack)
}

// extend synthesizes a sample of n ballots. The unseen draws are split by
// the reported shares with largest remainders; the share of ballots with
// no reported vote stays out of the tally.
func (s *PollingStratum) extend(n int) *PollingStratum {
	n = min(n, s.Ballots)
	if n <= s.SampleSize {
		return s
	}
	extra := n - s.SampleSize

	type share struct {
		choice string
		whole  int
		frac   float64
	}
	shares := make([]share, 0, len(s.Votes)+1)
	rest, assigned := s.Ballots, 0
	add := func(choice string, votes int) {
		exact := float64(extra) * float64(votes) / float64(s.Ballots)
		whole := int(math.Floor(exact))
		shares = append(shares, share{choice, whole, exact - float64(whole)})
		assigned += whole
	}
	for choice, v := range s.Votes {
		add(choice, v)
		rest -= v
	}
	if rest > 0 {
		add("", rest)
	}
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].frac != shares[j].frac {
			return shares[i].frac > shares[j].frac
		}
		return shares[i].choice < shares[j].choice
	})
	for i := 0; assigned < extra && len(shares) > 0; i = (i + 1) % len(shares) {
		shares[i].whole++
		assigned++
	}

	tally := make(map[string]int, len(s.Votes))
	for choice, v := range s.SampleTally {
		tally[choice] = v
	}
	for _, sh := range shares {
		if sh.choice != "" {
			tally[sh.choice] += sh.whole
		}
	}
	return &PollingStratum{Ballots: s.Ballots, Votes: s.Votes, SampleSize: n, SampleTally: tally}
}

// logFalling returns ln(x (x-1) ... (x-k+1)), or -Inf when x < k.
func logFalling(x, k int) float64 {
	if k <= 0 {
		return 0
	}
	if x < k {
		return math.Inf(-1)
	}
	a, _ := math.Lgamma(float64(x + 1))
	b, _ := math.Lgamma(float64(x - k + 1))
	return a - b
}
