// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cvr holds cast-vote records and the mark normalization shared by
// the comparison audits and the ranked-choice assertion generator.
package cvr

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidMark is returned when a mark is neither an integer nor a known
// overvote/undervote sentinel.
var ErrInvalidMark = errors.New("invalid mark")

// ContestMarks maps choice to mark: a vote count (0/1) for plurality
// contests, or a 1-based rank (0 = unranked) for ranked contests.
type ContestMarks map[string]int

// Record maps contest to that contest's marks on one ballot.
type Record map[string]ContestMarks

// Records maps ballot identity to its record.
type Records map[string]Record

// Marks returns the marks for contest on ballot, and whether the ballot
// exists in the set. A ballot that exists but did not include the contest
// returns an empty, non-nil map.
func (r Records) Marks(ballot, contest string) (ContestMarks, bool) {
	rec, ok := r[ballot]
	if !ok {
		return nil, false
	}
	marks, ok := rec[contest]
	if !ok {
		return ContestMarks{}, true
	}
	return marks, true
}

// Contest extracts the marks for one contest keyed by ballot. Ballots that
// did not include the contest are omitted.
func (r Records) Contest(contest string) map[string]ContestMarks {
	out := make(map[string]ContestMarks, len(r))
	for ballot, rec := range r {
		if marks, ok := rec[contest]; ok {
			out[ballot] = marks
		}
	}
	return out
}

// BallotIDs returns the ballot identities in sorted order.
func (r Records) BallotIDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ParseMark converts a raw mark to an integer.
//
// Source formats encode overvotes and undervotes as sentinel strings
// ("o", "u", "overvote", "undervote") or an empty cell; all of those
// coerce to 0 before any arithmetic happens.
func ParseMark(raw string) (int, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "", "o", "u", "overvote", "undervote":
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMark, raw)
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: negative %q", ErrInvalidMark, raw)
	}
	return v, nil
}

// ParseMarks converts a choice to raw-mark map with ParseMark.
func ParseMarks(raw map[string]string) (ContestMarks, error) {
	marks := make(ContestMarks, len(raw))
	for choice, s := range raw {
		v, err := ParseMark(s)
		if err != nil {
			return nil, fmt.Errorf("choice %s: %w", choice, err)
		}
		marks[choice] = v
	}
	return marks, nil
}

// =============================================================================
// Ranked-choice normalization
// =============================================================================

// Ranking returns the ballot's preference order after normalization.
//
// Ranks of 0 are unranked. A rank shared by more than one choice is an
// overvote at that rank and every choice holding it is dropped. Surviving
// choices are ordered by rank, which renumbers them 1..k with no gaps.
func Ranking(marks ContestMarks) []string {
	byRank := make(map[int][]string, len(marks))
	for choice, rank := range marks {
		if rank > 0 {
			byRank[rank] = append(byRank[rank], choice)
		}
	}

	ranks := make([]int, 0, len(byRank))
	for rank, choices := range byRank {
		if len(choices) == 1 {
			ranks = append(ranks, rank)
		}
	}
	sort.Ints(ranks)

	out := make([]string, len(ranks))
	for i, rank := range ranks {
		out[i] = byRank[rank][0]
	}
	return out
}

// NormalizeRanks returns marks renumbered to consecutive ranks 1..k with
// duplicate ranks removed. Dropped choices are present with rank 0 so that
// the choice set is preserved.
func NormalizeRanks(marks ContestMarks) ContestMarks {
	out := make(ContestMarks, len(marks))
	for choice := range marks {
		out[choice] = 0
	}
	for i, choice := range Ranking(marks) {
		out[choice] = i + 1
	}
	return out
}

// Rankings extracts the normalized ranking of every ballot for a contest.
// Ballots that did not include the contest are omitted.
func (r Records) Rankings(contest string) map[string][]string {
	out := make(map[string][]string, len(r))
	for ballot, rec := range r {
		if marks, ok := rec[contest]; ok {
			out[ballot] = Ranking(marks)
		}
	}
	return out
}
