// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sampler

import (
	"crypto/sha256"
	"math/big"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// TicketDigits is the fixed number of decimal places in a ticket number.
const TicketDigits = 18

var (
	ticketModulus = new(big.Int).Exp(big.NewInt(10), big.NewInt(TicketDigits), nil)
	one           = decimal.NewFromInt(1)
)

// fraction hashes parts into a decimal in (0, 1) with TicketDigits places.
//
// The SHA-256 digest of the comma-joined parts is read as an unsigned
// integer and reduced modulo 10^18. A zero residue maps to the smallest
// ticket so the result is never 0.
func fraction(parts ...string) decimal.Decimal {
	sum := sha256.Sum256([]byte(strings.Join(parts, ",")))
	n := new(big.Int).SetBytes(sum[:])
	n.Mod(n, ticketModulus)
	if n.Sign() == 0 {
		n.SetInt64(1)
	}
	return decimal.NewFromBigInt(n, -TicketDigits)
}

// firstTicket is the ticket of a unit's first pick.
func firstTicket(seed, unit string) decimal.Decimal {
	return fraction(seed, unit)
}

// nextTicket is the ticket of a unit's pick number generation (2, 3, ...),
// strictly greater than prev and strictly less than 1.
//
// The next ticket lies uniformly in (prev, 1): prev + (1-prev)*u for a fresh
// hash u of (seed, unit, generation). The arithmetic is exact, so each pick
// carries TicketDigits more places than the last; only formatTicket
// truncates.
func nextTicket(seed, unit string, generation int, prev decimal.Decimal) decimal.Decimal {
	u := fraction(seed, unit, strconv.Itoa(generation))
	return prev.Add(one.Sub(prev).Mul(u))
}

// formatTicket renders a ticket truncated to exactly TicketDigits places, so
// lexicographic and numeric order agree. A ticket in (0,1) formats to at
// most 0.999999999999999999; late picks of one unit may share a rendering
// and are told apart by multiplicity.
func formatTicket(d decimal.Decimal) string {
	return d.Truncate(TicketDigits).StringFixed(TicketDigits)
}
