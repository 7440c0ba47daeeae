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
	"math"
	"sort"
	"strings"
)

// Kind distinguishes the two assertion types.
type Kind string

const (
	// NEB asserts Winner cannot be eliminated before Loser, whatever the
	// elimination order of the other candidates.
	NEB Kind = "NEB"
	// NEN asserts that, with every candidate in Eliminated already gone,
	// Winner has more votes than Loser and so is not eliminated next.
	NEN Kind = "NEN"
)

// Assertion is a comparative claim about IRV tallies.
type Assertion struct {
	Kind    Kind   `json:"kind" yaml:"kind"`
	Contest string `json:"contest" yaml:"contest"`
	Winner  string `json:"winner" yaml:"winner"`
	Loser   string `json:"loser" yaml:"loser"`
	// Eliminated is sorted; empty for NEB.
	Eliminated []string `json:"eliminated,omitempty" yaml:"eliminated,omitempty"`
	// Margin is winner tally minus loser tally, in ballots.
	Margin int `json:"margin" yaml:"margin"`
	// Difficulty is ballots / Margin, +Inf when Margin <= 0.
	Difficulty float64 `json:"difficulty" yaml:"difficulty"`
}

// Key identifies the assertion independent of its tallies.
func (a Assertion) Key() string {
	if a.Kind == NEB {
		return string(NEB) + ":" + a.Winner + ">" + a.Loser
	}
	return string(NEN) + ":" + a.Winner + ">" + a.Loser + "|" + strings.Join(a.Eliminated, ",")
}

// String renders the assertion for logs and CLI output.
func (a Assertion) String() string {
	return a.Key()
}

func (a Assertion) eliminated(c string) bool {
	i := sort.SearchStrings(a.Eliminated, c)
	return i < len(a.Eliminated) && a.Eliminated[i] == c
}

// firstContinuing is the highest-ranked candidate not yet eliminated.
func (a Assertion) firstContinuing(ranking []string) string {
	for _, c := range ranking {
		if !a.eliminated(c) {
			return c
		}
	}
	return ""
}

// IsVoteForWinner returns 1 if the ranking counts toward Winner's tally.
//
// For NEB that is a first preference for Winner. For NEN it is Winner being
// the top continuing choice.
func (a Assertion) IsVoteForWinner(ranking []string) int {
	switch a.Kind {
	case NEB:
		if len(ranking) > 0 && ranking[0] == a.Winner {
			return 1
		}
	case NEN:
		if a.firstContinuing(ranking) == a.Winner {
			return 1
		}
	}
	return 0
}

// IsVoteForLoser returns 1 if the ranking counts toward Loser's tally.
//
// For NEB that is Loser ranked above Winner, or ranked while Winner is not:
// the most Loser can collect before Winner is gone. For NEN it is Loser
// being the top continuing choice.
func (a Assertion) IsVoteForLoser(ranking []string) int {
	switch a.Kind {
	case NEB:
		for _, c := range ranking {
			switch c {
			case a.Winner:
				return 0
			case a.Loser:
				return 1
			}
		}
	case NEN:
		if a.firstContinuing(ranking) == a.Loser {
			return 1
		}
	}
	return 0
}

// Score is IsVoteForWinner - IsVoteForLoser.
func (a Assertion) Score(ranking []string) int {
	return a.IsVoteForWinner(ranking) - a.IsVoteForLoser(ranking)
}

// newNEB tallies an NEB assertion over the ballots. total is the ballot
// count the margin is diluted over.
func newNEB(contestName, winner, loser string, ballots [][]string, total int) Assertion {
	a := Assertion{Kind: NEB, Contest: contestName, Winner: winner, Loser: loser}
	a.tally(ballots, total)
	return a
}

// newNEN tallies an NEN assertion for the given continuing set.
func newNEN(contestName, winner, loser string, continuing, candidates []string, ballots [][]string, total int) Assertion {
	keep := make(map[string]bool, len(continuing))
	for _, c := range continuing {
		keep[c] = true
	}
	eliminated := make([]string, 0, len(candidates)-len(continuing))
	for _, c := range candidates {
		if !keep[c] {
			eliminated = append(eliminated, c)
		}
	}
	sort.Strings(eliminated)
	a := Assertion{Kind: NEN, Contest: contestName, Winner: winner, Loser: loser, Eliminated: eliminated}
	a.tally(ballots, total)
	return a
}

func (a *Assertion) tally(ballots [][]string, total int) {
	margin := 0
	for _, b := range ballots {
		margin += a.Score(b)
	}
	a.Margin = margin
	a.Difficulty = difficulty(margin, total)
}

func difficulty(margin, ballots int) float64 {
	if margin <= 0 || ballots == 0 {
		return math.Inf(1)
	}
	return float64(ballots) / float64(margin)
}

// rulesOut reports whether the assertion contradicts every elimination
// order ending in tail. tail lists the last candidates standing, the
// earliest eliminated first and the alternate winner last.
func (a Assertion) rulesOut(tail []string, numCandidates int) bool {
	pos := make(map[string]int, len(tail))
	for i, c := range tail {
		pos[c] = i
	}
	switch a.Kind {
	case NEB:
		lp, ok := pos[a.Loser]
		if !ok {
			return false
		}
		wp, ok := pos[a.Winner]
		return !ok || wp < lp
	case NEN:
		if len(tail) == 0 || tail[0] != a.Winner {
			return false
		}
		if len(tail)+len(a.Eliminated) != numCandidates {
			return false
		}
		for _, c := range tail {
			if a.eliminated(c) {
				return false
			}
		}
		_, ok := pos[a.Loser]
		return ok
	}
	return false
}
