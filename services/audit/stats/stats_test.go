// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stats

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat/distuv"
)

func TestAlpha(t *testing.T) {
	a, err := Alpha(10)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, a, 1e-15)

	_, err = Alpha(0)
	assert.True(t, errors.Is(err, ErrFullRecountRequired))

	for _, bad := range []int{-1, 100, 150} {
		_, err = Alpha(bad)
		assert.True(t, errors.Is(err, ErrInvalidRiskLimit), "risk limit %d", bad)
	}
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-0.2))
	assert.Equal(t, 1.0, Clamp01(3))
	assert.Equal(t, 0.4, Clamp01(0.4))
	assert.Equal(t, 1.0, Clamp01(math.NaN()))
}

func TestBinomialTail(t *testing.T) {
	// X ~ Binomial(4, 0.5): P[X >= 3] = (4 + 1)/16.
	assert.InDelta(t, 5.0/16.0, BinomialTail(4, 0.5, 3), 1e-12)
	assert.Equal(t, 1.0, BinomialTail(4, 0.5, 0))
	assert.Equal(t, 0.0, BinomialTail(4, 0.5, 5))
}

func TestBinomialPMF(t *testing.T) {
	pmf := BinomialPMF(3, 0.5)
	require.Len(t, pmf, 4)
	assert.InDelta(t, 0.125, pmf[0], 1e-12)
	assert.InDelta(t, 0.375, pmf[1], 1e-12)

	sum := 0.0
	for _, p := range BinomialPMF(50, 0.3) {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)

	assert.Equal(t, []float64{1, 0, 0}, BinomialPMF(2, 0))
	assert.Equal(t, []float64{0, 0, 1}, BinomialPMF(2, 1))
}

// TestFisherCombinedPValue checks the chi-square(4) closed form
// S(x) = exp(-x/2)(1 + x/2).
func TestFisherCombinedPValue(t *testing.T) {
	p1, p2 := 0.2, 0.3
	x := -2 * (math.Log(p1) + math.Log(p2))
	want := math.Exp(-x/2) * (1 + x/2)
	assert.InDelta(t, want, FisherCombinedPValue(p1, p2), 1e-10)

	assert.Equal(t, 0.0, FisherCombinedPValue(0, 0.5))
	assert.InDelta(t, 1.0, FisherCombinedPValue(1, 1), 1e-12)
}

func TestChiSquare4Quantile(t *testing.T) {
	for _, p := range []float64{0.5, 0.1, 0.05, 1e-6} {
		x := ChiSquare4Quantile(p)
		got := math.Exp(-x/2) * (1 + x/2)
		assert.InDelta(t, p, got, 1e-9, "p=%v", p)
	}
	assert.Equal(t, 0.0, ChiSquare4Quantile(1))
	assert.True(t, math.IsInf(ChiSquare4Quantile(0), 1))
}

func TestChiSquare4Quantile_MatchesGonum(t *testing.T) {
	chi := distuv.ChiSquared{K: 4}
	for _, p := range []float64{0.9, 0.5, 0.1, 0.01} {
		assert.InEpsilon(t, chi.Quantile(1-p), ChiSquare4Quantile(p), 1e-6, "p=%v", p)
	}

	x := ChiSquare4Quantile(1e-15)
	assert.InEpsilon(t, 1e-15, chi.Survival(x), 1e-6, "small p keeps precision")
}
