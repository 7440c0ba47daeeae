// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package polling

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/AleutianAI/AleutianRLA/services/audit/contest"
	"github.com/AleutianAI/AleutianRLA/services/audit/stats"
)

const (
	// significantDigits bounds the mantissa of intermediate test statistics.
	significantDigits = 60

	// pValuePlaces is the decimal precision of 1/T before conversion.
	pValuePlaces = 100
)

var decimalOne = decimal.NewFromInt(1)

type bravo struct{}

func (bravo) MathType() MathType { return BRAVO }

// ComputeRisk evaluates the Wald test statistic for every pair.
//
// For a pair with two-way share s_wl the statistic starts at 1 and is
// multiplied by s_wl/0.5 for every winner vote and (1-s_wl)/0.5 for every
// loser vote in the cumulative sample. The p-value is min(1/T, 1).
func (bravo) ComputeRisk(riskLimit int, c *contest.Contest, rounds []Round) (map[contest.Pair]float64, bool, error) {
	alpha, err := riskAlpha(riskLimit)
	if err != nil {
		return nil, false, err
	}
	if c.Uncontested() {
		return nil, false, stats.ErrNoAuditNeeded
	}

	totals := cumulativeTally(rounds)
	pvalues := make(map[contest.Pair]float64, len(c.Losers)*len(c.Winners))
	stop := true
	for _, p := range c.Pairs() {
		swl := c.WinnerMargins[p.Winner].SWL[p.Loser]
		pv := bravoPValue(swl, totals[p.Winner], totals[p.Loser])
		pvalues[p] = pv
		if pv > alpha {
			stop = false
		}
	}
	return pvalues, stop, nil
}

// bravoPValue returns min(1/T, 1) for the given cumulative pair counts.
func bravoPValue(swl float64, winnerVotes, loserVotes int) float64 {
	t := testStatistic(swl, winnerVotes, loserVotes)
	if t.LessThanOrEqual(decimalOne) {
		return 1
	}
	return stats.Clamp01(decimalOne.DivRound(t, pValuePlaces).InexactFloat64())
}

// testStatistic computes (2 s_wl)^w (2 (1-s_wl))^l in decimal arithmetic.
func testStatistic(swl float64, winnerVotes, loserVotes int) decimal.Decimal {
	up := decimal.NewFromFloat(2 * swl)
	down := decimal.NewFromFloat(2 * (1 - swl))
	return roundSignificant(powSignificant(up, winnerVotes).Mul(powSignificant(down, loserVotes)))
}

// powSignificant raises base to a non-negative integer power by repeated
// squaring, keeping significantDigits digits at each step so the mantissa
// does not grow with the sample.
func powSignificant(base decimal.Decimal, exp int) decimal.Decimal {
	result := decimalOne
	if exp == 0 {
		return result
	}
	if base.IsZero() {
		return decimal.Zero
	}
	for exp > 0 {
		if exp&1 == 1 {
			result = roundSignificant(result.Mul(base))
		}
		exp >>= 1
		if exp > 0 {
			base = roundSignificant(base.Mul(base))
		}
	}
	return result
}

func roundSignificant(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() {
		return d
	}
	places := significantDigits - (int32(d.NumDigits()) + d.Exponent())
	return d.Round(places)
}

// =============================================================================
// Sample sizes
// =============================================================================

// GetSampleSize plans the next round for the worst pair.
func (bravo) GetSampleSize(riskLimit int, c *contest.Contest, rounds []Round) (map[string]SampleSizeOption, error) {
	alpha, done, err := planPreconditions(riskLimit, c)
	if err != nil || done != nil {
		return done, err
	}

	plan := newBravoPlan(alpha, c, rounds)
	if plan.satisfied() {
		return map[string]SampleSizeOption{KeyASN: {Key: KeyASN, Size: 0, Prob: probPtr(1)}}, nil
	}

	out := make(map[string]SampleSizeOption, len(Quantiles)+1)
	asn := plan.asn()
	out[KeyASN] = SampleSizeOption{Key: KeyASN, Size: asn, Prob: probPtr(plan.stopProbability(plan.pairBallots(asn)))}
	for _, q := range Quantiles {
		m, prob := plan.pairBallotsForQuantile(q)
		key := QuantileKey(q)
		out[key] = SampleSizeOption{Key: key, Size: plan.ballots(m), Prob: probPtr(prob)}
	}
	return out, nil
}

// bravoPlan holds the worst pair's quantities in log space. A "pair ballot"
// is a sampled ballot carrying a vote for the winner or the loser.
type bravoPlan struct {
	pw, pl      float64 // ballot shares
	swl         float64
	plus, minus float64 // ln(2 s_wl), ln(2 (1-s_wl))
	thresh      float64 // ln(1/alpha) - ln(T so far)
	total       int     // contest ballots
}

func newBravoPlan(alpha float64, c *contest.Contest, rounds []Round) bravoPlan {
	pair := worstPair(c)
	totals := cumulativeTally(rounds)
	swl := c.WinnerMargins[pair.Winner].SWL[pair.Loser]

	p := bravoPlan{
		pw:    c.WinnerMargins[pair.Winner].PW,
		pl:    c.LoserMargins[pair.Loser].PL,
		swl:   swl,
		plus:  math.Log(2 * swl),
		minus: math.Log(2 * (1 - swl)),
		total: c.Ballots,
	}
	logT := logTerm(totals[pair.Winner], p.plus) + logTerm(totals[pair.Loser], p.minus)
	p.thresh = math.Log(1/alpha) - logT
	return p
}

// logTerm is count*logFactor with 0*(-Inf) taken as 0.
func logTerm(count int, logFactor float64) float64 {
	if count == 0 {
		return 0
	}
	return float64(count) * logFactor
}

func (p bravoPlan) satisfied() bool {
	return p.thresh <= 0
}

// asn is the expected number of additional ballots to reach the risk limit.
func (p bravoPlan) asn() int {
	drift := p.pw * p.plus
	if p.pl > 0 {
		drift += p.pl * p.minus
	}
	if drift <= 0 {
		return p.total
	}
	n := int(math.Ceil((p.thresh + p.plus/2) / drift))
	return min(max(n, 1), p.total)
}

// pairBallots converts ballots to expected pair ballots.
func (p bravoPlan) pairBallots(n int) int {
	return int(math.Floor(float64(n) * (p.pw + p.pl)))
}

// ballots converts pair ballots to ballots, capped at the contest size.
func (p bravoPlan) ballots(m int) int {
	n := int(math.Ceil(float64(m) / (p.pw + p.pl)))
	return min(max(n, 1), p.total)
}

// minWinnerVotes is the smallest winner count among m further pair ballots
// that drives T past 1/alpha.
func (p bravoPlan) minWinnerVotes(m int) int {
	if math.IsInf(p.minus, -1) {
		return int(math.Ceil(p.thresh / p.plus))
	}
	return int(math.Ceil((p.thresh - float64(m)*p.minus) / (p.plus - p.minus)))
}

// stopProbability is the chance the alternative reaches the risk limit
// within m further pair ballots (checked at the end of the round).
func (p bravoPlan) stopProbability(m int) float64 {
	k := p.minWinnerVotes(m)
	if k > m {
		return 0
	}
	return stats.BinomialTail(m, p.swl, k)
}

// pairBallotsForQuantile finds the fewest pair ballots whose stopping
// probability reaches q: doubling to bracket, then bisection.
func (p bravoPlan) pairBallotsForQuantile(q float64) (int, float64) {
	limit := max(int(math.Ceil(float64(p.total)*(p.pw+p.pl))), 1)

	lo, hi := 0, 1
	for p.stopProbability(hi) < q {
		if hi >= limit {
			return limit, p.stopProbability(limit)
		}
		lo, hi = hi, min(hi*2, limit)
	}
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if p.stopProbability(mid) >= q {
			hi = mid
		} else {
			lo = mid
		}
	}
	return hi, p.stopProbability(hi)
}
