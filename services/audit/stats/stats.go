// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stats holds the error taxonomy and the small numeric helpers shared
// by every audit method: risk-limit conversion, clamping, binomial tails and
// Fisher's combination.
//
// # Error taxonomy
//
//	invalid input            -> ErrInvalidRiskLimit (and contest.ErrInvalidContest)
//	statistically degenerate -> ErrFullRecountRequired
//	nothing to audit         -> ErrNoAuditNeeded
//	sample covers every unit -> ErrAuditComplete
//
// The partial-recount signal is a typed error owned by the suite package.
package stats

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	// ErrInvalidRiskLimit is returned for risk limits outside [0, 100).
	ErrInvalidRiskLimit = errors.New("invalid risk limit")

	// ErrFullRecountRequired is returned when the audit cannot be satisfied
	// by sampling: a zero margin, a zero risk limit, or an infeasible
	// assertion search.
	ErrFullRecountRequired = errors.New("full hand recount required")

	// ErrNoAuditNeeded is returned for uncontested contests.
	ErrNoAuditNeeded = errors.New("no audit needed")

	// ErrAuditComplete is returned when more sample is requested but the
	// sample already covers every unit.
	ErrAuditComplete = errors.New("audit already complete")
)

// Alpha converts a percentage risk limit into a probability.
//
// A risk limit of 0 is statistically degenerate and returns
// ErrFullRecountRequired. Values below 0 or at or above 100 return
// ErrInvalidRiskLimit.
func Alpha(riskLimit int) (float64, error) {
	switch {
	case riskLimit < 0 || riskLimit >= 100:
		return 0, fmt.Errorf("%w: %d", ErrInvalidRiskLimit, riskLimit)
	case riskLimit == 0:
		return 0, ErrFullRecountRequired
	}
	return float64(riskLimit) / 100, nil
}

// Clamp01 clamps p into [0, 1]. NaN maps to 1, the conservative p-value.
func Clamp01(p float64) float64 {
	switch {
	case math.IsNaN(p):
		return 1
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

// BinomialTail returns P[X >= k] for X ~ Binomial(n, p).
func BinomialTail(n int, p float64, k int) float64 {
	if k <= 0 {
		return 1
	}
	if k > n {
		return 0
	}
	switch {
	case p <= 0:
		return 0
	case p >= 1:
		return 1
	}
	b := distuv.Binomial{N: float64(n), P: p}
	return Clamp01(b.Survival(float64(k - 1)))
}

// BinomialPMF returns the probability mass of Binomial(n, p) at 0..n.
func BinomialPMF(n int, p float64) []float64 {
	pmf := make([]float64, n+1)
	switch {
	case p <= 0:
		pmf[0] = 1
		return pmf
	case p >= 1:
		pmf[n] = 1
		return pmf
	}
	b := distuv.Binomial{N: float64(n), P: p}
	for k := range pmf {
		pmf[k] = b.Prob(float64(k))
	}
	return pmf
}

// =============================================================================
// Fisher combination
// =============================================================================

var chiSquare4 = distuv.ChiSquared{K: 4}

// FisherStatistic returns -2(ln p1 + ln p2). A zero p-value makes it +Inf.
func FisherStatistic(p1, p2 float64) float64 {
	if p1 <= 0 || p2 <= 0 {
		return math.Inf(1)
	}
	return -2 * (math.Log(p1) + math.Log(p2))
}

// FisherCombinedPValue combines two independent p-values with Fisher's
// method: the chi-square(4) survival of FisherStatistic(p1, p2).
func FisherCombinedPValue(p1, p2 float64) float64 {
	stat := FisherStatistic(p1, p2)
	if math.IsInf(stat, 1) {
		return 0
	}
	return Clamp01(chiSquare4.Survival(stat))
}

// ChiSquare4Quantile returns the statistic x with chi-square(4) survival p,
// the inverse of FisherCombinedPValue in its statistic argument.
//
// The survival is the upper regularized incomplete gamma Q(2, x/2), inverted
// directly so small p keeps full precision.
func ChiSquare4Quantile(p float64) float64 {
	switch {
	case p >= 1:
		return 0
	case p <= 0:
		return math.Inf(1)
	}
	return 2 * mathext.GammaIncRegCompInv(chiSquare4.K/2, p)
}
