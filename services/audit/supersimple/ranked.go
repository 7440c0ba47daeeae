// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supersimple

import (
	"math"

	"github.com/AleutianAI/AleutianRLA/services/audit/contest"
	"github.com/AleutianAI/AleutianRLA/services/audit/cvr"
	"github.com/AleutianAI/AleutianRLA/services/audit/raire"
	"github.com/AleutianAI/AleutianRLA/services/audit/stats"
)

// AssertionDiscrepancy compares one ballot under one assertion.
//
// Both rankings are normalized before scoring. The discrepancy is the
// reported score minus the audited score, where a score is
// IsVoteForWinner - IsVoteForLoser. Missing records count as 2.
func AssertionDiscrepancy(a raire.Assertion, reported cvr.ContestMarks, reportedOK bool, audited SampleCVR) int {
	if !reportedOK || audited.NotFound {
		return 2
	}
	return a.Score(cvr.Ranking(reported)) - a.Score(cvr.Ranking(audited.Marks))
}

// ComputeRiskRanked measures every assertion of a ranked-choice contest.
//
// # Description
//
// Each assertion is audited as its own two-candidate comparison with
// diluted margin 1/Difficulty. The contest may stop once every assertion's
// p-value is at or below the risk limit.
//
// # Outputs
//
//   - map[string]float64: p-value per assertion Key.
//   - bool: Whether every assertion is confirmed.
//   - error: stats.ErrFullRecountRequired when assertions is empty, which
//     is how an infeasible assertion search is reported.
func ComputeRiskRanked(riskLimit int, c *contest.Contest, assertions []raire.Assertion, reported cvr.Records, sample SampleCVRs) (map[string]float64, bool, error) {
	alpha, err := measureAlpha(riskLimit)
	if err != nil {
		return nil, false, err
	}
	if len(assertions) == 0 {
		return nil, false, stats.ErrFullRecountRequired
	}

	ballots := sortedBallots(sample)
	pvalues := make(map[string]float64, len(assertions))
	stop := true
	for _, a := range assertions {
		p := 1.0
		if !math.IsInf(a.Difficulty, 1) && a.Difficulty > 0 {
			u := 2 * Gamma * a.Difficulty
			for _, ballot := range ballots {
				s := sample[ballot]
				marks, ok := reported.Marks(ballot, c.Name)
				e := AssertionDiscrepancy(a, marks, ok, s)
				factor := kmFactor(u, float64(e))
				for i := 0; i < s.TimesSampled; i++ {
					p *= factor
				}
			}
		}
		p = stats.Clamp01(p)
		pvalues[a.Key()] = p
		if p > alpha {
			stop = false
		}
	}
	return pvalues, stop, nil
}

// CountDiscrepanciesRanked tallies discrepancies per assertion Key.
func CountDiscrepanciesRanked(c *contest.Contest, assertions []raire.Assertion, reported cvr.Records, sample SampleCVRs) map[string]DiscrepancyCounts {
	out := make(map[string]DiscrepancyCounts, len(assertions))
	for _, a := range assertions {
		var counts DiscrepancyCounts
		for _, ballot := range sortedBallots(sample) {
			s := sample[ballot]
			marks, ok := reported.Marks(ballot, c.Name)
			counts.Sampled += s.TimesSampled
			switch AssertionDiscrepancy(a, marks, ok, s) {
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
		out[a.Key()] = counts
	}
	return out
}

// GetSampleSizesRanked returns the largest per-assertion sample size.
// counts may be nil before any sample exists.
func GetSampleSizesRanked(riskLimit int, c *contest.Contest, assertions []raire.Assertion, counts map[string]DiscrepancyCounts) (int, error) {
	alpha, err := stats.Alpha(riskLimit)
	if err != nil {
		return 0, err
	}
	if len(assertions) == 0 {
		return 0, stats.ErrFullRecountRequired
	}

	size := 0
	for _, a := range assertions {
		if math.IsInf(a.Difficulty, 1) || a.Difficulty <= 0 {
			return c.Ballots, nil
		}
		size = max(size, sizeForMargin(alpha, 1/a.Difficulty, c.Ballots, counts[a.Key()]))
	}
	return size, nil
}
