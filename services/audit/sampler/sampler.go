// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sampler draws reproducible audit samples from a public seed.
//
// Every unit (a ballot position within a batch, or a whole batch) gets a
// ticket number: a pseudo-random decimal fraction in (0,1) computed from the
// seed and the unit's identity with SHA-256. Samples are read off in ticket
// order, so anyone holding the seed can recompute them.
//
// # Prefix invariance
//
// Both samplers are sequential: draw i never depends on how many draws
// follow it. Drawing k+m units and keeping the first k gives exactly the
// k-unit draw. Audit rounds rely on this to extend a sample without
// reshuffling ballots already retrieved.
//
//	round 1:  t1 t2 t3 t4
//	round 2:  t1 t2 t3 t4 t5 t6 t7
//	          └─ unchanged ─┘
//
// # Thread Safety
//
// All functions are pure and safe for concurrent use.
package sampler

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/AleutianAI/AleutianRLA/services/audit/contest"
	"github.com/AleutianAI/AleutianRLA/services/audit/stats"
)

// ErrInvalidSampleSize is returned for negative sample sizes.
var ErrInvalidSampleSize = errors.New("invalid sample size")

// ErrEmptyManifest is returned when there is nothing to sample from.
var ErrEmptyManifest = errors.New("empty manifest")

// Manifest maps batch name to the number of ballots in the batch.
type Manifest map[string]int

// Total returns the number of ballots in the manifest.
func (m Manifest) Total() int {
	total := 0
	for _, n := range m {
		total += n
	}
	return total
}

// SampleUnit is one draw.
type SampleUnit struct {
	// Ticket is the unit's ticket number for this pick, TicketDigits places.
	Ticket string `json:"ticket" yaml:"ticket"`
	// Batch is the batch name.
	Batch string `json:"batch" yaml:"batch"`
	// Position is the 1-based ballot position in the batch, 0 for batch draws.
	Position int `json:"position,omitempty" yaml:"position,omitempty"`
	// Multiplicity counts picks of this unit so far, starting at 1.
	Multiplicity int `json:"multiplicity" yaml:"multiplicity"`
}

// UnitID identifies the sampled unit independent of how often it was drawn.
func (u SampleUnit) UnitID() string {
	if u.Position == 0 {
		return u.Batch
	}
	return unitID(u.Batch, u.Position)
}

func unitID(batch string, position int) string {
	return batch + ":" + strconv.Itoa(position)
}

// =============================================================================
// Uniform manifest sampler
// =============================================================================

// DrawSample draws n ballots from the manifest.
//
// # Description
//
// With replacement, a unit that is picked gets its next ticket (strictly
// larger than the last) and rejoins the pool; the draw is the sequence of
// smallest outstanding tickets. Without replacement every unit appears at
// most once, in ascending ticket order, and n is capped at the manifest size.
//
// # Inputs
//
//   - seed: The audit's public random seed.
//   - manifest: Batch name to ballot count.
//   - n: Number of draws.
//   - withReplacement: Whether a ballot may be drawn more than once.
//
// # Outputs
//
//   - []SampleUnit: Draws in canonical retrieval order.
//   - error: ErrInvalidSampleSize or ErrEmptyManifest.
func DrawSample(seed string, manifest Manifest, n int, withReplacement bool) ([]SampleUnit, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSampleSize, n)
	}
	total := manifest.Total()
	if total == 0 {
		return nil, ErrEmptyManifest
	}

	pool := make(ticketHeap, 0, total)
	for _, batch := range sortedBatches(manifest) {
		for pos := 1; pos <= manifest[batch]; pos++ {
			id := unitID(batch, pos)
			pool = append(pool, &pick{ticket: firstTicket(seed, id), batch: batch, position: pos, id: id, generation: 1})
		}
	}
	heap.Init(&pool)

	if !withReplacement && n > total {
		n = total
	}

	out := make([]SampleUnit, 0, n)
	for len(out) < n {
		p := heap.Pop(&pool).(*pick)
		out = append(out, p.unit())
		if withReplacement {
			p.generation++
			p.ticket = nextTicket(seed, p.id, p.generation, p.ticket)
			heap.Push(&pool, p)
		}
	}
	return out, nil
}

// =============================================================================
// PPEB batch sampler
// =============================================================================

// DrawPPEB draws n batches with probability proportional to each batch's
// error bound (contest.MaxBatchError).
//
// # Description
//
// Draw i is a weighted choice driven by the fraction hashed from
// (seed, "ppeb", i) over batches in name order. Each batch's k-th pick is
// stamped with its k-th successive ticket. The result is in draw order.
//
// When n is at least the number of batches the audit is a full recount:
// every batch appears once, ordered by first ticket.
//
// # Outputs
//
//   - []SampleUnit: Batch draws with Position 0.
//   - error: ErrNoAuditNeeded when every bound is zero,
//     ErrFullRecountRequired when a bound is infinite (tied contest).
func DrawPPEB(seed string, c *contest.Contest, batches map[string]contest.BatchTally, n int) ([]SampleUnit, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSampleSize, n)
	}
	if len(batches) == 0 {
		return nil, ErrEmptyManifest
	}

	names := make([]string, 0, len(batches))
	for name := range batches {
		names = append(names, name)
	}
	sort.Strings(names)

	if n >= len(names) {
		return enumerateBatches(seed, names), nil
	}

	weights := make([]float64, len(names))
	total := 0.0
	for i, name := range names {
		w := c.MaxBatchError(batches[name])
		if math.IsInf(w, 1) {
			return nil, fmt.Errorf("batch %s: %w", name, stats.ErrFullRecountRequired)
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return nil, stats.ErrNoAuditNeeded
	}

	last := make(map[string]decimal.Decimal, n)
	picks := make(map[string]int, n)
	out := make([]SampleUnit, 0, n)
	for i := 0; i < n; i++ {
		r := fraction(seed, "ppeb", strconv.Itoa(i)).InexactFloat64() * total
		name := names[weightedIndex(weights, r)]

		picks[name]++
		var ticket decimal.Decimal
		if picks[name] == 1 {
			ticket = firstTicket(seed, name)
		} else {
			ticket = nextTicket(seed, name, picks[name], last[name])
		}
		last[name] = ticket

		out = append(out, SampleUnit{Ticket: formatTicket(ticket), Batch: name, Multiplicity: picks[name]})
	}
	return out, nil
}

// weightedIndex returns the index whose cumulative weight first exceeds r.
// Zero-weight entries are never chosen.
func weightedIndex(weights []float64, r float64) int {
	cum := 0.0
	lastPositive := 0
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		lastPositive = i
		cum += w
		if r < cum {
			return i
		}
	}
	return lastPositive
}

func enumerateBatches(seed string, names []string) []SampleUnit {
	out := make([]SampleUnit, len(names))
	for i, name := range names {
		out[i] = SampleUnit{Ticket: formatTicket(firstTicket(seed, name)), Batch: name, Multiplicity: 1}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ticket != out[j].Ticket {
			return out[i].Ticket < out[j].Ticket
		}
		return out[i].Batch < out[j].Batch
	})
	return out
}

// DrawID identifies one pick by formatted ticket, unit and fixed-width
// multiplicity.
func (u SampleUnit) DrawID() string {
	return fmt.Sprintf("%s/%s/%06d", u.Ticket, u.UnitID(), u.Multiplicity)
}

// SortByTicket orders draws by ticket, then unit, then multiplicity.
func SortByTicket(units []SampleUnit) {
	sort.SliceStable(units, func(i, j int) bool {
		a, b := units[i], units[j]
		if a.Ticket != b.Ticket {
			return a.Ticket < b.Ticket
		}
		if a.UnitID() != b.UnitID() {
			return a.UnitID() < b.UnitID()
		}
		return a.Multiplicity < b.Multiplicity
	})
}

func sortedBatches(m Manifest) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// Ticket heap
// =============================================================================

type pick struct {
	ticket     decimal.Decimal
	batch      string
	position   int
	id         string
	generation int
}

func (p *pick) unit() SampleUnit {
	return SampleUnit{Ticket: formatTicket(p.ticket), Batch: p.batch, Position: p.position, Multiplicity: p.generation}
}

// ticketHeap is a min-heap on (ticket, batch, position).
type ticketHeap []*pick

func (h ticketHeap) Len() int { return len(h) }

func (h ticketHeap) Less(i, j int) bool {
	if c := h[i].ticket.Cmp(h[j].ticket); c != 0 {
		return c < 0
	}
	if h[i].batch != h[j].batch {
		return h[i].batch < h[j].batch
	}
	return h[i].position < h[j].position
}

func (h ticketHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *ticketHeap) Push(x any) { *h = append(*h, x.(*pick)) }

func (h *ticketHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return p
}
