// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package raire generates assertion sets that certify an instant-runoff
// winner.
//
// Every elimination order in which some other candidate wins is an
// alternate outcome. Outcomes are searched as a tree of tails: a node holds
// the last candidates standing, the alternate winner last, and its children
// prepend one more candidate. A node is a leaf once its tail names every
// candidate. An assertion rules out a node, and with it the whole subtree,
// when it contradicts that tail.
//
//	            [c]             [b]          roots: one per alternate winner
//	          /     \         /     \
//	      [a c]   [b c]   [a b]   [c b]      children prepend a candidate
//	        |       |       |       |
//	    [b a c] [a b c] [c a b] [a c b]      leaves
//
// The search is a best-first branch and bound over an arena of nodes. Each
// node records the index of the chain member whose assertion is cheapest,
// so subsumption by an ancestor is an index lookup rather than a pointer.
package raire

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianRLA/services/audit/contest"
	"github.com/AleutianAI/AleutianRLA/services/audit/cvr"
	"github.com/AleutianAI/AleutianRLA/services/audit/stats"
)

// ErrSearchLimit is returned when the search exceeds Config.MaxNodes.
var ErrSearchLimit = errors.New("assertion search node limit reached")

var (
	nodesExpanded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rla_raire_nodes_expanded_total",
		Help: "Total alternate-outcome nodes expanded by the assertion search",
	})

	generateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rla_raire_generate_total",
		Help: "Total assertion searches by result",
	}, []string{"result"})
)

// Config tunes the search.
type Config struct {
	// Gap is how far above the running lower bound the hardest open node
	// may be when the search stops. Zero demands the optimal set.
	Gap float64 `json:"gap" yaml:"gap" validate:"gte=0"`
	// MaxNodes caps the arena size. Zero is unlimited.
	MaxNodes int `json:"max_nodes" yaml:"max_nodes" validate:"gte=0"`
}

// DefaultConfig returns an exact search with a generous node cap.
func DefaultConfig() Config {
	return Config{Gap: 0, MaxNodes: 1_000_000}
}

// Generate finds an assertion set certifying winner.
//
// # Description
//
// Ballot rankings are taken from records and normalized; choices outside
// the contest's candidate set are ignored. When winner is empty the IRV
// winner of the records is used. Margins are diluted over the larger of the
// contest's ballot count and the number of records carrying the contest.
//
// # Outputs
//
//   - []Assertion: Sorted by descending difficulty. Empty, never nil, when
//     no finite assertion can rule out some alternate outcome.
//   - error: stats.ErrFullRecountRequired for an infeasible search,
//     stats.ErrNoAuditNeeded for a single candidate, contest.ErrInvalidContest
//     when winner is not a candidate, ErrSearchLimit when MaxNodes is hit.
func Generate(c *contest.Contest, records cvr.Records, winner string, cfg Config) ([]Assertion, error) {
	candidates := sortedCandidates(c)
	if len(candidates) < 2 {
		return nil, stats.ErrNoAuditNeeded
	}

	ballots := contestRankings(records, c.Name, candidates)
	if winner == "" {
		winner = IRVWinner(candidates, ballots)
	}
	if !containsString(candidates, winner) {
		return nil, fmt.Errorf("%w: winner %q is not a candidate of %q", contest.ErrInvalidContest, winner, c.Name)
	}

	g := &generator{
		contest:    c.Name,
		candidates: candidates,
		ballots:    ballots,
		total:      max(c.Ballots, len(ballots)),
		memo:       make(map[string]ownAssertion),
		nebs:       make(map[[2]string]Assertion),
	}
	out, err := g.run(winner, cfg)
	switch {
	case errors.Is(err, stats.ErrFullRecountRequired):
		generateTotal.WithLabelValues("infeasible").Inc()
	case err != nil:
		generateTotal.WithLabelValues("error").Inc()
	default:
		generateTotal.WithLabelValues("ok").Inc()
	}
	return out, err
}

// contestRankings returns every ballot's normalized ranking restricted to
// candidates, in ballot order.
func sortedCandidates(c *contest.Contest) []string {
	candidates := make([]string, 0, len(c.Candidates))
	for name := range c.Candidates {
		candidates = append(candidates, name)
	}
	sort.Strings(candidates)
	return candidates
}

// ContestWinner is the IRV winner of the contest's records, counting only
// its candidates. Generate uses it when no winner is given.
func ContestWinner(c *contest.Contest, records cvr.Records) string {
	candidates := sortedCandidates(c)
	return IRVWinner(candidates, contestRankings(records, c.Name, candidates))
}

func contestRankings(records cvr.Records, contestName string, candidates []string) [][]string {
	known := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		known[c] = true
	}
	rankings := records.Rankings(contestName)
	ids := make([]string, 0, len(rankings))
	for id := range rankings {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([][]string, 0, len(ids))
	for _, id := range ids {
		r := make([]string, 0, len(rankings[id]))
		for _, choice := range rankings[id] {
			if known[choice] {
				r = append(r, choice)
			}
		}
		out = append(out, r)
	}
	return out
}

// =============================================================================
// Search
// =============================================================================

// ownAssertion is the cheapest assertion contradicting one tail directly.
type ownAssertion struct {
	assertion Assertion
	ok        bool
}

func (o ownAssertion) difficulty() float64 {
	if !o.ok {
		return math.Inf(1)
	}
	return o.assertion.Difficulty
}

type node struct {
	tail []string
	own  ownAssertion
	// best indexes the chain member (possibly this node) holding the
	// cheapest assertion from root to here.
	best       int
	difficulty float64
}

type generator struct {
	contest    string
	candidates []string
	ballots    [][]string
	total      int

	arena []node
	memo  map[string]ownAssertion
	nebs  map[[2]string]Assertion
}

func (g *generator) run(winner string, cfg Config) ([]Assertion, error) {
	accepted := make(map[string]Assertion)
	accept := func(idx int) {
		a := g.arena[g.arena[idx].best].own.assertion
		accepted[a.Key()] = a
	}

	lower := 0.0
	fr := &frontier{arena: &g.arena}
	for _, c := range g.candidates {
		if c != winner {
			heap.Push(fr, g.add(-1, []string{c}))
		}
	}

	for fr.Len() > 0 {
		top := fr.items[0]
		if d := g.arena[top].difficulty; !math.IsInf(d, 1) && d <= lower+cfg.Gap {
			for _, idx := range fr.items {
				accept(idx)
			}
			break
		}
		heap.Pop(fr)
		nodesExpanded.Inc()

		leaf := g.dive(top)
		if math.IsInf(leaf, 1) {
			return []Assertion{}, stats.ErrFullRecountRequired
		}
		lower = math.Max(lower, leaf)

		for _, c := range g.candidates {
			if containsString(g.arena[top].tail, c) {
				continue
			}
			if cfg.MaxNodes > 0 && len(g.arena) >= cfg.MaxNodes {
				return nil, fmt.Errorf("%w: %d nodes", ErrSearchLimit, len(g.arena))
			}
			child := g.add(top, prepend(c, g.arena[top].tail))
			n := g.arena[child]
			switch {
			case len(n.tail) == len(g.candidates):
				if math.IsInf(n.difficulty, 1) {
					return []Assertion{}, stats.ErrFullRecountRequired
				}
				accept(child)
				lower = math.Max(lower, n.difficulty)
			case n.difficulty <= lower:
				accept(child)
			default:
				heap.Push(fr, child)
			}
		}
	}
	return finalize(accepted), nil
}

// add appends a node to the arena and returns its index.
func (g *generator) add(parent int, tail []string) int {
	own := g.bestOwn(tail)
	idx := len(g.arena)
	n := node{tail: tail, own: own, best: idx, difficulty: own.difficulty()}
	if parent >= 0 && g.arena[parent].difficulty <= n.difficulty {
		n.best = g.arena[parent].best
		n.difficulty = g.arena[parent].difficulty
	}
	g.arena = append(g.arena, n)
	return idx
}

// dive walks from a node to one leaf, always stepping to the hardest
// child, and returns the leaf's chain difficulty. Every assertion set must
// rule out that leaf, so the result is a lower bound on the answer.
func (g *generator) dive(from int) float64 {
	tail := g.arena[from].tail
	best := g.arena[from].difficulty
	for len(tail) < len(g.candidates) {
		var next []string
		nextBest := math.Inf(-1)
		for _, c := range g.candidates {
			if containsString(tail, c) {
				continue
			}
			t := prepend(c, tail)
			d := math.Min(best, g.bestOwn(t).difficulty())
			if d > nextBest {
				next, nextBest = t, d
			}
		}
		tail, best = next, nextBest
	}
	return best
}

// bestOwn finds the cheapest assertion contradicting tail directly.
//
// With c = tail[0] eliminated next among the tail, the candidates are
// NEB(c, x) for x later in the tail, NEB(x, c) for x already eliminated,
// and NEN(c, x) with the tail continuing.
func (g *generator) bestOwn(tail []string) ownAssertion {
	key := strings.Join(tail, "\x00")
	if o, ok := g.memo[key]; ok {
		return o
	}

	c := tail[0]
	var best ownAssertion
	consider := func(a Assertion) {
		if math.IsInf(a.Difficulty, 1) {
			return
		}
		if !best.ok || betterAssertion(a, best.assertion) {
			best = ownAssertion{assertion: a, ok: true}
		}
	}
	for _, x := range tail[1:] {
		consider(g.neb(c, x))
		consider(newNEN(g.contest, c, x, tail, g.candidates, g.ballots, g.total))
	}
	for _, x := range g.candidates {
		if !containsString(tail, x) {
			consider(g.neb(x, c))
		}
	}

	g.memo[key] = best
	return best
}

func (g *generator) neb(winner, loser string) Assertion {
	key := [2]string{winner, loser}
	if a, ok := g.nebs[key]; ok {
		return a
	}
	a := newNEB(g.contest, winner, loser, g.ballots, g.total)
	g.nebs[key] = a
	return a
}

// betterAssertion orders by difficulty, then NEB before NEN, then key.
func betterAssertion(a, b Assertion) bool {
	if a.Difficulty != b.Difficulty {
		return a.Difficulty < b.Difficulty
	}
	if a.Kind != b.Kind {
		return a.Kind == NEB
	}
	return a.Key() < b.Key()
}

// finalize drops redundant assertions and sorts the rest hardest first.
func finalize(accepted map[string]Assertion) []Assertion {
	all := make([]Assertion, 0, len(accepted))
	for _, a := range accepted {
		all = append(all, a)
	}
	out := FilterRedundant(all)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Difficulty != out[j].Difficulty {
			return out[i].Difficulty > out[j].Difficulty
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

// FilterRedundant removes assertions implied by others in the set.
//
// NEB(w, x) implies every NEN(w, y, S) with x continuing in S, since w being
// eliminated next would put it out before x. Two NEN assertions with the
// same winner and eliminated set rule out the same tails; only the cheaper
// one is kept.
func FilterRedundant(in []Assertion) []Assertion {
	nebLosers := make(map[string][]string)
	for _, a := range in {
		if a.Kind == NEB {
			nebLosers[a.Winner] = append(nebLosers[a.Winner], a.Loser)
		}
	}

	nenBest := make(map[string]Assertion)
	out := make([]Assertion, 0, len(in))
	for _, a := range in {
		if a.Kind == NEB {
			out = append(out, a)
			continue
		}
		if impliedByNEB(a, nebLosers[a.Winner]) {
			continue
		}
		group := a.Winner + "|" + strings.Join(a.Eliminated, ",")
		if cur, ok := nenBest[group]; !ok || betterAssertion(a, cur) {
			nenBest[group] = a
		}
	}
	for _, a := range nenBest {
		out = append(out, a)
	}
	return out
}

func impliedByNEB(nen Assertion, losers []string) bool {
	for _, l := range losers {
		if l != nen.Winner && !nen.eliminated(l) {
			return true
		}
	}
	return false
}

// =============================================================================
// Frontier
// =============================================================================

// frontier is a max-heap of arena indices by chain difficulty.
type frontier struct {
	arena *[]node
	items []int
}

func (f *frontier) Len() int { return len(f.items) }

func (f *frontier) Less(i, j int) bool {
	a, b := (*f.arena)[f.items[i]], (*f.arena)[f.items[j]]
	if a.difficulty != b.difficulty {
		return a.difficulty > b.difficulty
	}
	return f.items[i] < f.items[j]
}

func (f *frontier) Swap(i, j int) { f.items[i], f.items[j] = f.items[j], f.items[i] }

func (f *frontier) Push(x any) { f.items = append(f.items, x.(int)) }

func (f *frontier) Pop() any {
	old := f.items
	n := len(old)
	x := old[n-1]
	f.items = old[:n-1]
	return x
}

// =============================================================================
// IRV tabulation
// =============================================================================

// IRVWinner tabulates an instant-runoff count.
//
// Each round every ballot counts for its top continuing choice and the
// candidate with the fewest votes is eliminated; ties are broken by
// eliminating the name that sorts last. Returns "" for no candidates.
func IRVWinner(candidates []string, rankings [][]string) string {
	continuing := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		continuing[c] = true
	}
	for len(continuing) > 1 {
		tally := make(map[string]int, len(continuing))
		for _, r := range rankings {
			for _, choice := range r {
				if continuing[choice] {
					tally[choice]++
					break
				}
			}
		}
		var loser string
		for c := range continuing {
			if loser == "" || tally[c] < tally[loser] || (tally[c] == tally[loser] && c > loser) {
				loser = c
			}
		}
		delete(continuing, loser)
	}
	for c := range continuing {
		return c
	}
	return ""
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func prepend(c string, tail []string) []string {
	out := make([]string, 0, len(tail)+1)
	out = append(out, c)
	return append(out, tail...)
}
