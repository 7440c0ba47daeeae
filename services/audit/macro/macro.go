// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package macro implements batch-comparison audits with the maximum
// across-contest relative overstatement (MACRO) bound.
//
// Batches are drawn with probability proportional to their error bound u_p
// (see sampler.DrawPPEB). Each drawn batch's audited tally is compared with
// its reported sub-tally and the relative overstatement e_p/u_p, the taint,
// drives a multiplicative p-value.
package macro

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/AleutianAI/AleutianRLA/services/audit/contest"
	"github.com/AleutianAI/AleutianRLA/services/audit/sampler"
	"github.com/AleutianAI/AleutianRLA/services/audit/stats"
)

// ErrBatchNotAudited is returned when a drawn batch has no audited tally.
var ErrBatchNotAudited = errors.New("drawn batch has no audited tally")

// Batches maps batch identity to its tally.
type Batches map[string]contest.BatchTally

// ComputeMaxError is the batch's error bound u_p.
func ComputeMaxError(c *contest.Contest, reported contest.BatchTally) float64 {
	return c.MaxBatchError(reported)
}

// ComputeError is the batch's observed overstatement e_p.
//
// For each pair it is ((r_w - r_l) - (a_w - a_l))/V_wl with r the reported
// and a the audited votes. The result is the maximum over pairs and may be
// negative when the audit favors every winner.
func ComputeError(c *contest.Contest, reported, audited contest.BatchTally) float64 {
	worst := math.Inf(-1)
	for _, p := range c.Pairs() {
		vwl := c.PairMargin(p)
		if vwl <= 0 {
			return math.Inf(1)
		}
		e := (reported.Votes[p.Winner] - reported.Votes[p.Loser]) - (audited.Votes[p.Winner] - audited.Votes[p.Loser])
		worst = math.Max(worst, float64(e)/float64(vwl))
	}
	if math.IsInf(worst, -1) {
		return 0
	}
	return worst
}

// TotalError sums the bounds of unaudited batches and the observed error,
// floored at zero, of audited batches.
func TotalError(c *contest.Contest, reported, audited Batches) float64 {
	u := 0.0
	for id, tally := range reported {
		if a, ok := audited[id]; ok {
			u += math.Max(ComputeError(c, tally, a), 0)
			continue
		}
		u += ComputeMaxError(c, tally)
	}
	return u
}

// GetSampleSizes returns the number of PPEB draws needed to reach the risk
// limit if no further error is found.
//
// # Description
//
// With U = TotalError the bound is n = ceil(ln(alpha) / ln(1 - 1/U)).
// U <= 1 means a single clean draw suffices.
//
// # Outputs
//
//   - int: Number of draws.
//   - error: stats.ErrAuditComplete once every batch has been audited,
//     stats.ErrNoAuditNeeded for uncontested contests,
//     stats.ErrFullRecountRequired for a zero margin or risk limit.
func GetSampleSizes(riskLimit int, c *contest.Contest, reported, audited Batches) (int, error) {
	alpha, err := stats.Alpha(riskLimit)
	if err != nil {
		return 0, err
	}
	switch {
	case c.Uncontested():
		return 0, stats.ErrNoAuditNeeded
	case c.Tied():
		return 0, stats.ErrFullRecountRequired
	case fullRecount(reported, audited):
		return 0, stats.ErrAuditComplete
	}

	u := TotalError(c, reported, audited)
	if math.IsInf(u, 1) {
		return len(reported), nil
	}
	if u <= 1 {
		return 1, nil
	}
	return int(math.Ceil(math.Log(alpha) / math.Log(1-1/u))), nil
}

// ComputeRisk walks the draws in ticket order and multiplies
//
//	(1 - 1/U) / (1 - t_p),   t_p = e_p / u_p
//
// for each one, with U the total error bound before any audit. A batch
// drawn twice contributes twice. The test is sequential: it stops at the
// first draw that brings p to the risk limit, and later draws are not
// examined. When every reported batch has been audited the outcome is known
// exactly and the p-value is 0.
func ComputeRisk(riskLimit int, c *contest.Contest, reported, audited Batches, draws []sampler.SampleUnit) (float64, bool, error) {
	alpha := 0.0
	if riskLimit != 0 {
		a, err := stats.Alpha(riskLimit)
		if err != nil {
			return 1, false, err
		}
		alpha = a
	}
	if c.Uncontested() {
		return 1, false, stats.ErrNoAuditNeeded
	}
	if fullRecount(reported, audited) {
		return 0, true, nil
	}
	if c.Tied() {
		return 1, false, nil
	}

	u := TotalError(c, reported, nil)
	if u <= 0 {
		return 1, false, nil
	}

	ordered := append([]sampler.SampleUnit(nil), draws...)
	sampler.SortByTicket(ordered)

	p := 1.0
	for _, d := range ordered {
		rep, ok := reported[d.Batch]
		if !ok {
			return 1, false, fmt.Errorf("%w: %s not in manifest", ErrBatchNotAudited, d.Batch)
		}
		aud, ok := audited[d.Batch]
		if !ok {
			return 1, false, fmt.Errorf("%w: %s", ErrBatchNotAudited, d.Batch)
		}

		taint := 0.0
		if up := ComputeMaxError(c, rep); up > 0 {
			taint = ComputeError(c, rep, aud) / up
		}
		if taint >= 1 {
			return 1, false, nil
		}
		p *= (1 - 1/u) / (1 - taint)
		if stats.Clamp01(p) <= alpha {
			return stats.Clamp01(p), true, nil
		}
	}
	return stats.Clamp01(p), false, nil
}

func fullRecount(reported, audited Batches) bool {
	if len(reported) == 0 {
		return false
	}
	for id := range reported {
		if _, ok := audited[id]; !ok {
			return false
		}
	}
	return true
}

// BatchIDs returns the batch identities in sorted order.
func (b Batches) BatchIDs() []string {
	ids := make([]string, 0, len(b))
	for id := range b {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
