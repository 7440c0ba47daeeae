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

	"github.com/AleutianAI/AleutianRLA/services/audit/contest"
	"github.com/AleutianAI/AleutianRLA/services/audit/stats"
)

// DefaultMinervaMaxBallots caps the pair ballots MINERVA convolves exactly.
// Beyond it the round-aware distributions cost O(n^2) to build and the
// audit falls back to BRAVO, whose p-value is always valid.
const DefaultMinervaMaxBallots = 10000

// minerva evaluates the tail ratio of the winner-count distributions under
// the null (s_wl = 1/2) and the reported alternative, conditioned on the
// audit not having stopped in an earlier round.
//
// For a round schedule n_1 < n_2 < ... the distributions of the cumulative
// winner count are built round by round: the mass an earlier round would
// have stopped on is removed, then the next round's binomial increment is
// convolved in. The p-value at round j with observed winner count k is
//
//	P0[K_j >= k, not stopped before j] / P1[K_j >= k, not stopped before j]
//
// which never exceeds the BRAVO p-value on the same data.
type minerva struct {
	maxPairBallots int
}

func (minerva) MathType() MathType { return MINERVA }

// ComputeRisk returns the per-pair MINERVA p-value.
func (m minerva) ComputeRisk(riskLimit int, c *contest.Contest, rounds []Round) (map[contest.Pair]float64, bool, error) {
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
		bravoP := bravoPValue(swl, totals[p.Winner], totals[p.Loser])

		pv := bravoP
		if totals[p.Winner]+totals[p.Loser] <= m.maxPairBallots {
			// The tail ratio is bounded by the BRAVO p-value analytically;
			// the min absorbs floating-point error in the tails.
			pv = math.Min(minervaPValue(alpha, swl, pairRounds(rounds, p)), bravoP)
		}
		pvalues[p] = pv
		if pv > alpha {
			stop = false
		}
	}
	return pvalues, stop, nil
}

// minervaPValue walks the round schedule for one pair.
//
// If an earlier round's observation was already inside its stopping region
// the audit would have ended there, so that round's ratio is returned.
func minervaPValue(alpha, swl float64, rounds []pairRound) float64 {
	state := newMinervaState()
	nonEmpty := make([]pairRound, 0, len(rounds))
	for _, r := range rounds {
		if r.winner+r.loser > 0 {
			nonEmpty = append(nonEmpty, r)
		}
	}
	if len(nonEmpty) == 0 {
		return 1
	}

	k := 0
	for i, r := range nonEmpty {
		state = state.extend(r.winner+r.loser, swl)
		k += r.winner
		ratio := state.tailRatio(k)
		if ratio <= alpha || i == len(nonEmpty)-1 {
			return stats.Clamp01(ratio)
		}
		state = state.removeStopRegion(alpha)
	}
	return 1
}

// minervaState holds the sub-probability mass functions of the cumulative
// winner count under the null (dist0) and the alternative (dist1).
type minervaState struct {
	dist0, dist1 []float64
}

func newMinervaState() minervaState {
	return minervaState{dist0: []float64{1}, dist1: []float64{1}}
}

// extend convolves in a round of m further pair ballots.
func (s minervaState) extend(m int, swl float64) minervaState {
	return minervaState{
		dist0: convolve(s.dist0, stats.BinomialPMF(m, 0.5)),
		dist1: convolve(s.dist1, stats.BinomialPMF(m, swl)),
	}
}

// tailRatio is P0[K >= k]/P1[K >= k].
func (s minervaState) tailRatio(k int) float64 {
	t0, t1 := tailFrom(s.dist0, k), tailFrom(s.dist1, k)
	if t1 <= 0 {
		return 1
	}
	return t0 / t1
}

// stopThreshold returns the smallest k such that every k' >= k has tail
// ratio at most alpha, or -1 if no such k exists.
func (s minervaState) stopThreshold(alpha float64) int {
	n := len(s.dist0) - 1
	t0, t1 := 0.0, 0.0
	kstar := -1
	for k := n; k >= 0; k-- {
		t0 += s.dist0[k]
		t1 += s.dist1[k]
		if t0 <= 0 && t1 <= 0 {
			// unreachable counts, stop vacuously
			kstar = k
			continue
		}
		if t1 <= 0 || t0 > alpha*t1 {
			break
		}
		kstar = k
	}
	return kstar
}

// removeStopRegion zeroes the mass an audit would have stopped on.
func (s minervaState) removeStopRegion(alpha float64) minervaState {
	kstar := s.stopThreshold(alpha)
	if kstar < 0 {
		return s
	}
	out := minervaState{dist0: append([]float64(nil), s.dist0...), dist1: append([]float64(nil), s.dist1...)}
	for k := kstar; k < len(out.dist0); k++ {
		out.dist0[k] = 0
		out.dist1[k] = 0
	}
	return out
}

func tailFrom(dist []float64, k int) float64 {
	if k <= 0 {
		k = 0
	}
	sum := 0.0
	for i := len(dist) - 1; i >= k; i-- {
		sum += dist[i]
	}
	return sum
}

func convolve(a, b []float64) []float64 {
	out := make([]float64, len(a)+len(b)-1)
	for i, x := range a {
		if x == 0 {
			continue
		}
		for j, y := range b {
			out[i+j] += x * y
		}
	}
	return out
}

// =============================================================================
// Sample sizes
// =============================================================================

// GetSampleSize plans the next round for the worst pair.
//
// For each quantile the BRAVO size bounds the search from above; MINERVA's
// size is the fewest further pair ballots whose conditional stopping
// probability, given the observed winner count, reaches the quantile. The
// expected sample size entry reuses BRAVO's ASN.
func (m minerva) GetSampleSize(riskLimit int, c *contest.Contest, rounds []Round) (map[string]SampleSizeOption, error) {
	alpha, done, err := planPreconditions(riskLimit, c)
	if err != nil || done != nil {
		return done, err
	}

	plan := newBravoPlan(alpha, c, rounds)
	pair := worstPair(c)
	history := pairRounds(rounds, pair)

	observedPairs, observedWinner := 0, 0
	state := newMinervaState()
	stopped := false
	for _, r := range history {
		if r.winner+r.loser == 0 {
			continue
		}
		state = state.extend(r.winner+r.loser, plan.swl)
		observedPairs += r.winner + r.loser
		observedWinner += r.winner
		if state.tailRatio(observedWinner) <= alpha {
			stopped = true
		}
		state = state.removeStopRegion(alpha)
	}
	if stopped || plan.satisfied() {
		return map[string]SampleSizeOption{KeyASN: {Key: KeyASN, Size: 0, Prob: probPtr(1)}}, nil
	}

	out := make(map[string]SampleSizeOption, len(Quantiles)+1)
	asn := plan.asn()
	out[KeyASN] = SampleSizeOption{Key: KeyASN, Size: asn, Prob: probPtr(plan.stopProbability(plan.pairBallots(asn)))}

	for _, q := range Quantiles {
		key := QuantileKey(q)
		bravoM, bravoProb := plan.pairBallotsForQuantile(q)
		if observedPairs+bravoM > m.maxPairBallots {
			out[key] = SampleSizeOption{Key: key, Size: plan.ballots(bravoM), Prob: probPtr(bravoProb)}
			continue
		}
		mm, prob := minervaPairBallots(state, alpha, plan.swl, observedWinner, q, bravoM)
		if prob < q {
			mm, prob = bravoM, bravoProb
		}
		out[key] = SampleSizeOption{Key: key, Size: plan.ballots(mm), Prob: probPtr(prob)}
	}
	return out, nil
}

// minervaStopProbability is the alternative's chance of landing in the stop
// region after m further pair ballots, given the observed winner count.
func minervaStopProbability(state minervaState, alpha, swl float64, observedWinner, m int) float64 {
	next := state.extend(m, swl)
	kstar := next.stopThreshold(alpha)
	if kstar < 0 {
		return 0
	}
	return stats.BinomialTail(m, swl, kstar-observedWinner)
}

func minervaPairBallots(state minervaState, alpha, swl float64, observedWinner int, q float64, upper int) (int, float64) {
	prob := func(m int) float64 { return minervaStopProbability(state, alpha, swl, observedWinner, m) }

	lo, hi := 0, 1
	for prob(hi) < q {
		if hi >= upper {
			return upper, prob(upper)
		}
		lo, hi = hi, min(hi*2, upper)
	}
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if prob(mid) >= q {
			hi = mid
		} else {
			lo = mid
		}
	}
	return hi, prob(hi)
}
