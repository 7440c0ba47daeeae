// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianRLA/services/audit/sampler"
)

var (
	// ErrTicketIssued is returned when a draw would overwrite an issued ticket.
	ErrTicketIssued = errors.New("ticket already issued")

	// ErrSessionNotFound is returned when no session record exists.
	ErrSessionNotFound = errors.New("session not found")
)

const (
	sessionPrefix = "session/"
	ticketPrefix  = "ticket/"
)

// StoredDraw is one persisted pick.
type StoredDraw struct {
	Unit    sampler.SampleUnit `json:"unit"`
	Contest string             `json:"contest"`
	Round   int                `json:"round"`
	DrawnAt time.Time          `json:"drawn_at"`
}

// DrawStore records sessions and the tickets drawn for them.
//
// # Thread Safety
//
// Safe for concurrent use; every method runs in its own transaction.
type DrawStore struct {
	db *DB
}

// NewDrawStore wraps an open database.
func NewDrawStore(db *DB) *DrawStore {
	return &DrawStore{db: db}
}

func sessionTickets(sessionID string) []byte {
	return []byte(ticketPrefix + sessionID + "/")
}

func contestTickets(sessionID, contestName string) []byte {
	return []byte(ticketPrefix + sessionID + "/" + url.PathEscape(contestName) + "/")
}

func ticketKey(sessionID, contestName string, u sampler.SampleUnit) []byte {
	return append(contestTickets(sessionID, contestName), u.DrawID()...)
}

func sessionKey(sessionID string) []byte {
	return []byte(sessionPrefix + sessionID)
}

// AppendDraws appends one round of draws for a contest.
//
// # Description
//
// All draws are written in one transaction. If any (contest, ticket, unit,
// multiplicity) key already exists nothing is written and ErrTicketIssued is returned, so
// a round cannot be recorded twice or silently redrawn. Contests sampled
// from the same manifest share tickets, so uniqueness is per contest.
//
// # Inputs
//
//   - sessionID: Owning session.
//   - contestName: Contest the draws were made for.
//   - round: 1-based round number.
//   - units: The draws, in any order.
func (s *DrawStore) AppendDraws(ctx context.Context, sessionID, contestName string, round int, units []sampler.SampleUnit) error {
	if sessionID == "" || strings.Contains(sessionID, "/") {
		return fmt.Errorf("invalid session id %q", sessionID)
	}
	now := time.Now().UTC()
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, u := range units {
			key := ticketKey(sessionID, contestName, u)
			_, err := txn.Get(key)
			switch {
			case err == nil:
				return fmt.Errorf("%w: %s for %s", ErrTicketIssued, u.Ticket, u.UnitID())
			case !errors.Is(err, badger.ErrKeyNotFound):
				return fmt.Errorf("read %s: %w", key, err)
			}

			val, err := json.Marshal(StoredDraw{Unit: u, Contest: contestName, Round: round, DrawnAt: now})
			if err != nil {
				return fmt.Errorf("encode draw: %w", err)
			}
			if err := txn.Set(key, val); err != nil {
				return fmt.Errorf("write %s: %w", key, err)
			}
		}
		return nil
	})
}

// LoadDraws returns every draw of a session, grouped by contest and in
// ticket order within a contest.
func (s *DrawStore) LoadDraws(ctx context.Context, sessionID string) ([]StoredDraw, error) {
	return s.scan(ctx, sessionTickets(sessionID))
}

// LoadContestDraws returns one contest's draws in ticket order. Tickets and
// multiplicities are fixed width, so key order is ticket order.
func (s *DrawStore) LoadContestDraws(ctx context.Context, sessionID, contestName string) ([]StoredDraw, error) {
	return s.scan(ctx, contestTickets(sessionID, contestName))
}

func (s *DrawStore) scan(ctx context.Context, prefix []byte) ([]StoredDraw, error) {
	var out []StoredDraw
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var d StoredDraw
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &d)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveSession stores a session record as JSON, replacing any earlier one.
func (s *DrawStore) SaveSession(ctx context.Context, sessionID string, record any) error {
	val, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(sessionKey(sessionID), val)
	})
}

// LoadSession decodes a session record into record.
func (s *DrawStore) LoadSession(ctx context.Context, sessionID string, record any) error {
	return s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(sessionID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, record)
		})
	})
}

// DeleteSession removes a session and all of its draws in one transaction.
func (s *DrawStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: sessionTickets(sessionID)})
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return fmt.Errorf("delete %s: %w", k, err)
			}
		}
		return txn.Delete(sessionKey(sessionID))
	})
}
