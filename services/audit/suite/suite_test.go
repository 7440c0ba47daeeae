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
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRLA/services/audit/contest"
	"github.com/AleutianAI/AleutianRLA/services/audit/stats"
	"github.com/AleutianAI/AleutianRLA/services/audit/supersimple"
)

var pair = contest.Pair{Winner: "w", Loser: "l"}

// hybrid is a 6050-4950 contest: 10000 ballots with CVRs reported 5500-4500
// and 1000 without reported 550-450. V = 1100.
func hybrid(t *testing.T, cvrSample, pollSample int, pollTally map[string]int) (*contest.Contest, *ComparisonStratum, *PollingStratum) {
	t.Helper()
	cs := &ComparisonStratum{
		Ballots:       10000,
		Votes:         map[string]int{"w": 5500, "l": 4500},
		SampleSize:    cvrSample,
		Misstatements: map[contest.Pair]Misstatements{},
	}
	ps := &PollingStratum{
		Ballots:     1000,
		Votes:       map[string]int{"w": 550, "l": 450},
		SampleSize:  pollSample,
		SampleTally: pollTally,
	}
	c, err := CombinedContest("governor", 1, 1, cs, ps)
	require.NoError(t, err)
	require.Equal(t, 1100, c.PairMargin(pair))
	return c, cs, ps
}

func TestComparisonStratum_ComputePValue(t *testing.T) {
	s := &ComparisonStratum{
		Ballots:       10000,
		Votes:         map[string]int{"w": 5500, "l": 4500},
		SampleSize:    100,
		Misstatements: map[contest.Pair]Misstatements{},
	}
	g := supersimple.Gamma
	clean := math.Pow(1-0.5*1000/(2*g*10000), 100)
	assert.InDelta(t, clean, s.ComputePValue(1000, pair, 0.5), 1e-12)

	s.Misstatements[pair] = Misstatements{O1: 1}
	assert.InDelta(t, clean/(1-1/(2*g)), s.ComputePValue(1000, pair, 0.5), 1e-12)

	s.Misstatements[pair] = Misstatements{U1: 1}
	assert.InDelta(t, clean/(1+1/(2*g)), s.ComputePValue(1000, pair, 0.5), 1e-12)

	assert.Equal(t, 1.0, s.ComputePValue(0, pair, 0.5))
	s.SampleSize = 0
	assert.Equal(t, 1.0, s.ComputePValue(1000, pair, 0.5))
}

func TestPollingStratum_ComputePValue(t *testing.T) {
	s := &PollingStratum{
		Ballots:     1000,
		Votes:       map[string]int{"w": 550, "l": 450},
		SampleSize:  100,
		SampleTally: map[string]int{"w": 55, "l": 45},
	}

	t.Run("null containing the reported tally", func(t *testing.T) {
		assert.Equal(t, 1.0, s.ComputePValue(1100, pair, 0))
	})

	t.Run("larger lambda is harder to sustain", func(t *testing.T) {
		quarter := s.ComputePValue(1100, pair, 0.25)
		half := s.ComputePValue(1100, pair, 0.5)
		assert.GreaterOrEqual(t, quarter, half)
		assert.Less(t, half, 1.0)
		assert.GreaterOrEqual(t, half, 0.0)
	})

	t.Run("zero sample or margin", func(t *testing.T) {
		empty := *s
		empty.SampleSize = 0
		assert.Equal(t, 1.0, empty.ComputePValue(1100, pair, 0.5))
		assert.Equal(t, 1.0, s.ComputePValue(0, pair, 0.5))
	})

	t.Run("null no population satisfies", func(t *testing.T) {
		strong := &PollingStratum{
			Ballots:     100,
			Votes:       map[string]int{"w": 60, "l": 40},
			SampleSize:  50,
			SampleTally: map[string]int{"w": 50},
		}
		// Null margin 20 - 100 = -80 leaves at most 10 winner votes.
		assert.Equal(t, 0.0, strong.ComputePValue(100, pair, 1))
	})

	t.Run("sample the reported tally cannot produce", func(t *testing.T) {
		odd := &PollingStratum{
			Ballots:     100,
			Votes:       map[string]int{"w": 60, "l": 40},
			SampleSize:  50,
			SampleTally: map[string]int{"l": 50},
		}
		assert.Equal(t, 1.0, odd.ComputePValue(100, pair, 0.5))
	})
}

func TestPollingStratum_Extend(t *testing.T) {
	s := &PollingStratum{
		Ballots:     1000,
		Votes:       map[string]int{"w": 550, "l": 450},
		SampleSize:  10,
		SampleTally: map[string]int{"w": 6, "l": 4},
	}
	ext := s.extend(111)
	assert.Equal(t, 111, ext.SampleSize)
	assert.Equal(t, 111, ext.SampleTally["w"]+ext.SampleTally["l"])
	assert.Equal(t, 6+56, ext.SampleTally["w"])
	assert.Equal(t, 6, s.SampleTally["w"], "source is not modified")

	assert.Same(t, s, s.extend(5))
	assert.Equal(t, 1000, s.extend(5000).SampleSize)
}

func TestLambdaRange(t *testing.T) {
	cs := &ComparisonStratum{Ballots: 1000, Votes: map[string]int{"w": 550, "l": 450}}
	ps := &PollingStratum{Ballots: 500, Votes: map[string]int{"w": 275, "l": 225}}

	lo, hi := LambdaRange(cs, ps, pair)
	assert.InDelta(t, 1-550.0/150, lo, 1e-12)
	assert.InDelta(t, 1+450.0/150, hi, 1e-12)
}

func TestGrid(t *testing.T) {
	pts, step := grid(0, 1, 0.05)
	assert.Len(t, pts, 21)
	assert.InDelta(t, 0.05, step, 1e-12)

	pts, step = grid(0, 0.1, 0.05)
	assert.Len(t, pts, 5)
	assert.InDelta(t, 0.025, step, 1e-12)

	pts, step = grid(0.3, 0.3, 0.05)
	assert.Equal(t, []float64{0.3}, pts)
	assert.Zero(t, step)
}

func TestMaximizeFisherCombinedPValue(t *testing.T) {
	_, cs, ps := hybrid(t, 10, 10, map[string]int{"w": 6, "l": 4})
	max := MaximizeFisherCombinedPValue(cs, ps, pair, 1100, 0.1, DefaultConfig())

	lo, hi := LambdaRange(cs, ps, pair)
	assert.GreaterOrEqual(t, max.Lambda, lo)
	assert.LessOrEqual(t, max.Lambda, hi)

	atLambda := stats.FisherCombinedPValue(cs.ComputePValue(1100, pair, max.Lambda), ps.ComputePValue(1100, pair, 1-max.Lambda))
	assert.InDelta(t, atLambda, max.PValue, 1e-12)

	atLo := stats.FisherCombinedPValue(cs.ComputePValue(1100, pair, lo), ps.ComputePValue(1100, pair, 1-lo))
	assert.GreaterOrEqual(t, max.PValue+1e-9, atLo)
	assert.Greater(t, max.PValue, 0.1)
}

func TestComputeRisk(t *testing.T) {
	t.Run("large clean samples confirm", func(t *testing.T) {
		c, cs, ps := hybrid(t, 2000, 500, map[string]int{"w": 275, "l": 225})
		pvalues, stop, err := ComputeRisk(10, c, cs, ps, DefaultConfig())
		require.NoError(t, err)
		assert.True(t, stop)
		assert.Less(t, pvalues[pair], 0.01)
	})

	t.Run("small samples do not", func(t *testing.T) {
		c, cs, ps := hybrid(t, 10, 10, map[string]int{"w": 6, "l": 4})
		pvalues, stop, err := ComputeRisk(10, c, cs, ps, DefaultConfig())
		require.NoError(t, err)
		assert.False(t, stop)
		assert.Greater(t, pvalues[pair], 0.1)
	})

	t.Run("no samples", func(t *testing.T) {
		c, cs, ps := hybrid(t, 0, 0, nil)
		pvalues, stop, err := ComputeRisk(10, c, cs, ps, DefaultConfig())
		require.NoError(t, err)
		assert.False(t, stop)
		assert.Equal(t, 1.0, pvalues[pair])
	})

	t.Run("uncontested", func(t *testing.T) {
		cs := &ComparisonStratum{Ballots: 10, Votes: map[string]int{"w": 10}}
		ps := &PollingStratum{Ballots: 10, Votes: map[string]int{"w": 10}}
		c, err := CombinedContest("solo", 1, 1, cs, ps)
		require.NoError(t, err)
		_, _, err = ComputeRisk(10, c, cs, ps, DefaultConfig())
		assert.True(t, errors.Is(err, stats.ErrNoAuditNeeded))
	})
}

func TestComputeRisk_PartialRecount(t *testing.T) {
	c, cs, ps := hybrid(t, 2000, 1000, map[string]int{"w": 550, "l": 450})

	pvalues, stop, err := ComputeRisk(10, c, cs, ps, DefaultConfig())
	require.Error(t, err)

	pr, ok := AsPartialRecount(err)
	require.True(t, ok)
	assert.Equal(t, StratumPolling, pr.Stratum)

	want := math.Pow(1-1100/(2*supersimple.Gamma*10000), 2000)
	assert.InDelta(t, want, pvalues[pair], 1e-12)
	assert.InDelta(t, want, pr.PValue, 1e-12)
	assert.True(t, stop)
}

func TestComputeRisk_FullRecount(t *testing.T) {
	c, cs, ps := hybrid(t, 10000, 1000, map[string]int{"w": 550, "l": 450})

	pvalues, stop, err := ComputeRisk(10, c, cs, ps, DefaultConfig())
	require.NoError(t, err)
	assert.True(t, stop)
	assert.Equal(t, 0.0, pvalues[pair])

	ps.SampleTally = map[string]int{"w": 0, "l": 1000}
	cs.Misstatements[pair] = Misstatements{O2: 100}
	pvalues, stop, err = ComputeRisk(10, c, cs, ps, DefaultConfig())
	require.NoError(t, err)
	assert.False(t, stop)
	assert.Equal(t, 1.0, pvalues[pair])
}

func TestGetSampleSize(t *testing.T) {
	c, cs, ps := hybrid(t, 0, 0, map[string]int{})

	size, err := GetSampleSize(10, c, cs, ps, DefaultConfig())
	require.NoError(t, err)
	assert.Positive(t, size.Comparison)
	assert.Positive(t, size.Polling)
	assert.Less(t, size.Comparison, cs.Ballots)
	assert.Less(t, size.Polling, ps.Ballots)

	_, stop, err := ComputeRisk(10, c, cs.extend(size.Comparison), ps.extend(size.Polling), DefaultConfig())
	if err != nil {
		_, ok := AsPartialRecount(err)
		require.True(t, ok, err)
	}
	assert.True(t, stop)
}

func TestGetSampleSize_AlreadyConfirmed(t *testing.T) {
	c, cs, ps := hybrid(t, 2000, 500, map[string]int{"w": 275, "l": 225})
	size, err := GetSampleSize(10, c, cs, ps, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, SampleSize{Comparison: 2000, Polling: 500}, size)
}

func TestGetSampleSize_Degenerate(t *testing.T) {
	c, cs, ps := hybrid(t, 0, 0, nil)
	_, err := GetSampleSize(0, c, cs, ps, DefaultConfig())
	assert.True(t, errors.Is(err, stats.ErrFullRecountRequired))

	tcs := &ComparisonStratum{Ballots: 100, Votes: map[string]int{"w": 50, "l": 40}}
	tps := &PollingStratum{Ballots: 100, Votes: map[string]int{"w": 40, "l": 50}}
	tied, err := CombinedContest("tied", 1, 1, tcs, tps)
	require.NoError(t, err)
	_, err = GetSampleSize(10, tied, tcs, tps, DefaultConfig())
	assert.True(t, errors.Is(err, stats.ErrFullRecountRequired))
}
