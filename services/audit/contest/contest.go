// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package contest models a single contest's reported results and derives the
// margins every audit method is built on.
//
// A Contest is constructed fresh for each computation from persisted totals
// and is never mutated afterwards, so it can be shared across goroutines.
package contest

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalidContest is returned for inconsistent contest configurations.
var ErrInvalidContest = errors.New("invalid contest")

// zeroVoteShare is the pairwise share used when neither candidate of a pair
// received a vote. Both shares are zero and s_w/(s_w+s_l) is undefined; an
// even split keeps the polling statistic neutral for that pair. This is the
// only place a zero-vote adjustment is made.
const zeroVoteShare = 0.5

// WinnerMargin holds a winner's shares.
type WinnerMargin struct {
	// PW is the share of all ballots cast.
	PW float64 `json:"p_w" yaml:"p_w"`
	// SW is the share of all votes in the contest.
	SW float64 `json:"s_w" yaml:"s_w"`
	// SWL is the two-way share against each loser: SW/(SW+SL).
	SWL map[string]float64 `json:"swl" yaml:"swl"`
}

// LoserMargin holds a loser's shares.
type LoserMargin struct {
	PL float64 `json:"p_l" yaml:"p_l"`
	SL float64 `json:"s_l" yaml:"s_l"`
}

// Pair is an ordered (winner, loser) pair.
type Pair struct {
	Winner string `json:"winner" yaml:"winner"`
	Loser  string `json:"loser" yaml:"loser"`
}

// String renders the pair as "winner>loser".
func (p Pair) String() string {
	return p.Winner + ">" + p.Loser
}

// Contest is a contest's reported outcome and derived margins.
type Contest struct {
	Name         string         `json:"name" yaml:"name"`
	Ballots      int            `json:"ballots" yaml:"ballots"`
	NumWinners   int            `json:"num_winners" yaml:"num_winners"`
	VotesAllowed int            `json:"votes_allowed" yaml:"votes_allowed"`
	Candidates   map[string]int `json:"candidates" yaml:"candidates"`

	// Winners and Losers are ordered by votes descending, name ascending.
	Winners []string `json:"winners" yaml:"winners"`
	Losers  []string `json:"losers" yaml:"losers"`

	WinnerMargins map[string]WinnerMargin `json:"winner_margins" yaml:"winner_margins"`
	LoserMargins  map[string]LoserMargin  `json:"loser_margins" yaml:"loser_margins"`

	// DilutedMargin is min (votes_w - votes_l)/Ballots over all pairs,
	// or -1 when there are no losers.
	DilutedMargin float64 `json:"diluted_margin" yaml:"diluted_margin"`

	totalVotes int
}

// New builds a Contest from reported vote totals.
//
// # Description
//
// Sorts candidates by votes descending (ties broken by name so the result
// is deterministic), splits them into winners and losers and computes every
// share and the diluted margin.
//
// # Inputs
//
//   - name: Contest identity.
//   - votes: Choice to reported vote count.
//   - numWinners: Seats; must be in [1, len(votes)].
//   - votesAllowed: Votes each ballot may cast in the contest.
//   - ballots: Total ballots cast in the contest.
//
// # Outputs
//
//   - *Contest: The contest with derived margins.
//   - error: Wraps ErrInvalidContest when the inputs are inconsistent.
func New(name string, votes map[string]int, numWinners, votesAllowed, ballots int) (*Contest, error) {
	if err := validate(votes, numWinners, votesAllowed, ballots); err != nil {
		return nil, fmt.Errorf("contest %q: %w", name, err)
	}

	c := &Contest{
		Name:          name,
		Ballots:       ballots,
		NumWinners:    numWinners,
		VotesAllowed:  votesAllowed,
		Candidates:    make(map[string]int, len(votes)),
		WinnerMargins: make(map[string]WinnerMargin, numWinners),
		LoserMargins:  make(map[string]LoserMargin, len(votes)-numWinners),
	}

	names := make([]string, 0, len(votes))
	for choice, v := range votes {
		c.Candidates[choice] = v
		c.totalVotes += v
		names = append(names, choice)
	}
	sort.Slice(names, func(i, j int) bool {
		vi, vj := votes[names[i]], votes[names[j]]
		if vi != vj {
			return vi > vj
		}
		return names[i] < names[j]
	})

	c.Winners = names[:numWinners]
	c.Losers = names[numWinners:]

	for _, l := range c.Losers {
		c.LoserMargins[l] = LoserMargin{PL: c.ballotShare(l), SL: c.voteShare(l)}
	}
	for _, w := range c.Winners {
		m := WinnerMargin{PW: c.ballotShare(w), SW: c.voteShare(w), SWL: make(map[string]float64, len(c.Losers))}
		for _, l := range c.Losers {
			sl := c.LoserMargins[l].SL
			if m.SW+sl == 0 {
				m.SWL[l] = zeroVoteShare
				continue
			}
			m.SWL[l] = m.SW / (m.SW + sl)
		}
		c.WinnerMargins[w] = m
	}

	c.DilutedMargin = c.computeDilutedMargin()
	return c, nil
}

func validate(votes map[string]int, numWinners, votesAllowed, ballots int) error {
	switch {
	case len(votes) == 0:
		return fmt.Errorf("%w: no candidates", ErrInvalidContest)
	case numWinners < 1:
		return fmt.Errorf("%w: num_winners %d < 1", ErrInvalidContest, numWinners)
	case numWinners > len(votes):
		return fmt.Errorf("%w: num_winners %d exceeds %d candidates", ErrInvalidContest, numWinners, len(votes))
	case votesAllowed < 1:
		return fmt.Errorf("%w: votes_allowed %d < 1", ErrInvalidContest, votesAllowed)
	case ballots < 1:
		return fmt.Errorf("%w: ballots %d < 1", ErrInvalidContest, ballots)
	}

	total := 0
	for choice, v := range votes {
		if v < 0 {
			return fmt.Errorf("%w: %s has negative votes", ErrInvalidContest, choice)
		}
		if v > ballots {
			return fmt.Errorf("%w: %s has %d votes on %d ballots", ErrInvalidContest, choice, v, ballots)
		}
		total += v
	}
	if total > ballots*votesAllowed {
		return fmt.Errorf("%w: %d votes exceed %d ballots x %d allowed", ErrInvalidContest, total, ballots, votesAllowed)
	}
	return nil
}

func (c *Contest) ballotShare(choice string) float64 {
	return float64(c.Candidates[choice]) / float64(c.Ballots)
}

func (c *Contest) voteShare(choice string) float64 {
	if c.totalVotes == 0 {
		return 0
	}
	return float64(c.Candidates[choice]) / float64(c.totalVotes)
}

func (c *Contest) computeDilutedMargin() float64 {
	if len(c.Losers) == 0 {
		return -1
	}
	best := math.Inf(1)
	for _, w := range c.Winners {
		for _, l := range c.Losers {
			m := float64(c.Candidates[w]-c.Candidates[l]) / float64(c.Ballots)
			best = math.Min(best, m)
		}
	}
	return best
}

// Pairs returns every (winner, loser) pair in winner order then loser order.
func (c *Contest) Pairs() []Pair {
	pairs := make([]Pair, 0, len(c.Winners)*len(c.Losers))
	for _, w := range c.Winners {
		for _, l := range c.Losers {
			pairs = append(pairs, Pair{Winner: w, Loser: l})
		}
	}
	return pairs
}

// PairMargin returns votes_w - votes_l for the pair.
func (c *Contest) PairMargin(p Pair) int {
	return c.Candidates[p.Winner] - c.Candidates[p.Loser]
}

// TotalVotes returns the sum of reported votes over all candidates.
func (c *Contest) TotalVotes() int {
	return c.totalVotes
}

// Uncontested reports whether there is no loser to audit against.
func (c *Contest) Uncontested() bool {
	return len(c.Losers) == 0
}

// Tied reports whether some winner-loser pair has a zero margin.
func (c *Contest) Tied() bool {
	return !c.Uncontested() && c.DilutedMargin <= 0
}

// Landslide reports whether a winner received a vote on every ballot and
// every loser received none.
func (c *Contest) Landslide() bool {
	if c.Uncontested() {
		return false
	}
	for _, l := range c.Losers {
		if c.Candidates[l] != 0 {
			return false
		}
	}
	for _, w := range c.Winners {
		if c.Candidates[w] == c.Ballots {
			return true
		}
	}
	return false
}

// =============================================================================
// Batch bounds
// =============================================================================

// BatchTally is a batch's reported (or audited) sub-tally.
type BatchTally struct {
	Ballots int            `json:"ballots" yaml:"ballots"`
	Votes   map[string]int `json:"votes" yaml:"votes"`
}

// MaxBatchError bounds the worst-case overstatement a batch can hide.
//
// For each pair it is (v_w - v_l + b)/V_wl where v are the batch's reported
// votes, b its ballot count and V_wl the contest-wide pair margin. The bound
// is the maximum over pairs. A pair with a zero contest margin makes the
// bound infinite; an uncontested contest has bound 0.
func (c *Contest) MaxBatchError(b BatchTally) float64 {
	maxErr := 0.0
	for _, p := range c.Pairs() {
		vwl := c.PairMargin(p)
		if vwl <= 0 {
			return math.Inf(1)
		}
		u := float64(b.Votes[p.Winner]-b.Votes[p.Loser]+b.Ballots) / float64(vwl)
		maxErr = math.Max(maxErr, u)
	}
	return maxErr
}
