// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package raire

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRLA/services/audit/contest"
	"github.com/AleutianAI/AleutianRLA/services/audit/cvr"
	"github.com/AleutianAI/AleutianRLA/services/audit/stats"
)

// ballotGroup is count copies of one ranking.
type ballotGroup struct {
	count   int
	ranking []string
}

func buildRecords(t *testing.T, contestName string, groups ...ballotGroup) cvr.Records {
	t.Helper()
	records := make(cvr.Records)
	id := 0
	for _, g := range groups {
		for i := 0; i < g.count; i++ {
			marks := make(cvr.ContestMarks, len(g.ranking))
			for rank, choice := range g.ranking {
				marks[choice] = rank + 1
			}
			records[fmt.Sprintf("b%05d", id)] = cvr.Record{contestName: marks}
			id++
		}
	}
	return records
}

func irvContest(t *testing.T, name string, ballots int, candidates ...string) *contest.Contest {
	t.Helper()
	votes := make(map[string]int, len(candidates))
	for _, c := range candidates {
		votes[c] = 0
	}
	c, err := contest.New(name, votes, 1, 1, ballots)
	require.NoError(t, err)
	return c
}

// permutations lists every ordering of items.
func permutations(items []string) [][]string {
	if len(items) <= 1 {
		return [][]string{append([]string(nil), items...)}
	}
	var out [][]string
	for i, first := range items {
		rest := make([]string, 0, len(items)-1)
		rest = append(rest, items[:i]...)
		rest = append(rest, items[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]string{first}, p...))
		}
	}
	return out
}

// requireCoversAlternates checks every elimination order with a different
// winner is contradicted by some assertion on some tail of that order.
func requireCoversAlternates(t *testing.T, candidates []string, winner string, assertions []Assertion) {
	t.Helper()
	for _, order := range permutations(candidates) {
		if order[len(order)-1] == winner {
			continue
		}
		covered := false
		for i := range order {
			for _, a := range assertions {
				if a.rulesOut(order[i:], len(candidates)) {
					covered = true
				}
			}
		}
		assert.True(t, covered, "elimination order %v not ruled out", order)
	}
}

func TestGenerate_TwoCandidatesIsOneNEB(t *testing.T) {
	records := buildRecords(t, "mayor",
		ballotGroup{60, []string{"alice"}},
		ballotGroup{25, []string{"bob"}},
		ballotGroup{15, []string{"bob", "alice"}},
	)
	c := irvContest(t, "mayor", 100, "alice", "bob")

	got, err := Generate(c, records, "alice", DefaultConfig())
	require.NoError(t, err)
	require.Len(t, got, 1)

	a := got[0]
	assert.Equal(t, NEB, a.Kind)
	assert.Equal(t, "alice", a.Winner)
	assert.Equal(t, "bob", a.Loser)
	assert.Equal(t, 60-40, a.Margin)
	assert.InDelta(t, 100.0/20.0, a.Difficulty, 1e-12)
}

func TestGenerate_ThreeCandidates(t *testing.T) {
	records := buildRecords(t, "council",
		ballotGroup{40, []string{"a"}},
		ballotGroup{35, []string{"b", "a"}},
		ballotGroup{25, []string{"c", "b"}},
	)
	c := irvContest(t, "council", 100, "a", "b", "c")

	got, err := Generate(c, records, "", DefaultConfig())
	require.NoError(t, err)

	keys := make([]string, len(got))
	for i, a := range got {
		keys[i] = a.Key()
	}
	assert.Equal(t, []string{"NEB:b>c", "NEB:a>c", "NEN:b>a|c"}, keys)
	assert.InDelta(t, 10.0, got[0].Difficulty, 1e-12)
	assert.InDelta(t, 100.0/15.0, got[1].Difficulty, 1e-12)
	assert.InDelta(t, 5.0, got[2].Difficulty, 1e-12)

	requireCoversAlternates(t, []string{"a", "b", "c"}, "b", got)
}

func TestGenerate_SortedAndCovering(t *testing.T) {
	records := buildRecords(t, "board",
		ballotGroup{30, []string{"w", "x"}},
		ballotGroup{22, []string{"x", "y", "w"}},
		ballotGroup{18, []string{"y", "w"}},
		ballotGroup{15, []string{"z", "w"}},
		ballotGroup{10, []string{"z", "x", "w"}},
		ballotGroup{5, []string{"y"}},
	)
	candidates := []string{"w", "x", "y", "z"}
	c := irvContest(t, "board", 100, candidates...)

	winner := ContestWinner(c, records)
	assert.Equal(t, IRVWinner(candidates, contestRankings(records, "board", candidates)), winner)
	got, err := Generate(c, records, winner, DefaultConfig())
	require.NoError(t, err)
	require.NotEmpty(t, got)

	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Difficulty, got[i].Difficulty)
	}
	for _, a := range got {
		assert.False(t, math.IsInf(a.Difficulty, 1), a.Key())
		assert.Positive(t, a.Margin, a.Key())
	}
	requireCoversAlternates(t, candidates, winner, got)
}

func TestGenerate_WrongWinnerIsInfeasible(t *testing.T) {
	records := buildRecords(t, "mayor",
		ballotGroup{6, []string{"alice"}},
		ballotGroup{4, []string{"bob"}},
	)
	c := irvContest(t, "mayor", 10, "alice", "bob")

	got, err := Generate(c, records, "bob", DefaultConfig())
	assert.True(t, errors.Is(err, stats.ErrFullRecountRequired))
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestGenerate_Degenerate(t *testing.T) {
	t.Run("single candidate", func(t *testing.T) {
		c := irvContest(t, "solo", 10, "alice")
		_, err := Generate(c, cvr.Records{}, "alice", DefaultConfig())
		assert.True(t, errors.Is(err, stats.ErrNoAuditNeeded))
	})

	t.Run("unknown winner", func(t *testing.T) {
		c := irvContest(t, "mayor", 10, "alice", "bob")
		_, err := Generate(c, cvr.Records{}, "carol", DefaultConfig())
		assert.True(t, errors.Is(err, contest.ErrInvalidContest))
	})

	t.Run("node limit", func(t *testing.T) {
		records := buildRecords(t, "board",
			ballotGroup{26, []string{"w"}},
			ballotGroup{25, []string{"x"}},
			ballotGroup{25, []string{"y"}},
			ballotGroup{24, []string{"z"}},
		)
		c := irvContest(t, "board", 100, "w", "x", "y", "z")
		_, err := Generate(c, records, "w", Config{MaxNodes: 3})
		assert.True(t, errors.Is(err, ErrSearchLimit))
	})
}

func TestAssertion_Predicates(t *testing.T) {
	neb := Assertion{Kind: NEB, Winner: "a", Loser: "b"}
	tests := []struct {
		ranking []string
		winner  int
		loser   int
	}{
		{[]string{"a", "b"}, 1, 0},
		{[]string{"b", "a"}, 0, 1},
		{[]string{"c", "b"}, 0, 1},
		{[]string{"c", "a", "b"}, 0, 0},
		{nil, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.winner, neb.IsVoteForWinner(tt.ranking), "NEB winner %v", tt.ranking)
		assert.Equal(t, tt.loser, neb.IsVoteForLoser(tt.ranking), "NEB loser %v", tt.ranking)
	}

	nen := Assertion{Kind: NEN, Winner: "a", Loser: "b", Eliminated: []string{"c"}}
	assert.Equal(t, 1, nen.IsVoteForWinner([]string{"c", "a"}))
	assert.Equal(t, 1, nen.IsVoteForLoser([]string{"c", "b", "a"}))
	assert.Equal(t, 0, nen.Score([]string{"c"}))
	assert.Equal(t, "NEN:a>b|c", nen.Key())
}

func TestFilterRedundant(t *testing.T) {
	in := []Assertion{
		{Kind: NEB, Winner: "a", Loser: "b", Difficulty: 4},
		{Kind: NEN, Winner: "a", Loser: "c", Eliminated: []string{"d"}, Difficulty: 3},
		{Kind: NEN, Winner: "c", Loser: "a", Eliminated: []string{"b"}, Difficulty: 6},
		{Kind: NEN, Winner: "c", Loser: "d", Eliminated: []string{"b"}, Difficulty: 2},
	}
	out := FilterRedundant(in)

	keys := make(map[string]bool, len(out))
	for _, a := range out {
		keys[a.Key()] = true
	}
	assert.True(t, keys["NEB:a>b"])
	assert.False(t, keys["NEN:a>c|d"], "implied by NEB a>b with b continuing")
	assert.False(t, keys["NEN:c>a|b"], "same tails as the cheaper c>d")
	assert.True(t, keys["NEN:c>d|b"])
	assert.Len(t, out, 2)
}

func TestIRVWinner(t *testing.T) {
	rankings := [][]string{}
	for i := 0; i < 40; i++ {
		rankings = append(rankings, []string{"a"})
	}
	for i := 0; i < 35; i++ {
		rankings = append(rankings, []string{"b", "a"})
	}
	for i := 0; i < 25; i++ {
		rankings = append(rankings, []string{"c", "b"})
	}
	assert.Equal(t, "b", IRVWinner([]string{"a", "b", "c"}, rankings))
	assert.Equal(t, "", IRVWinner(nil, rankings))
}

// TestGenerate_HardestAssertionBetweenLosers verifies the first assertion
// need not name the contest winner.
func TestGenerate_HardestAssertionBetweenLosers(t *testing.T) {
	records := buildRecords(t, "board",
		ballotGroup{40, []string{"a"}},
		ballotGroup{33, []string{"b", "c"}},
		ballotGroup{27, []string{"c", "a"}},
	)
	c := irvContest(t, "board", 100, "a", "b", "c")

	winner := ContestWinner(c, records)
	require.Equal(t, "a", winner)
	got, err := Generate(c, records, "", DefaultConfig())
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "b", got[0].Winner)
	requireCoversAlternates(t, []string{"a", "b", "c"}, winner, got)
}
