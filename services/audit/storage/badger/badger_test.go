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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRLA/services/audit/sampler"
)

func newStore(t *testing.T) *DrawStore {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewDrawStore(db)
}

func units(t *testing.T) []sampler.SampleUnit {
	t.Helper()
	manifest := sampler.Manifest{"precinct-1": 40, "precinct-2": 60}
	drawn, err := sampler.DrawSample("12345678901234567890", manifest, 10, true)
	require.NoError(t, err)
	return drawn
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(DefaultConfig())
	assert.Error(t, err)
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	dir, err := TempDir("rla-badger-")
	require.NoError(t, err)
	defer CleanupDir(dir)

	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = time.Hour

	db, err := Open(cfg)
	require.NoError(t, err)
	assert.Equal(t, dir, db.Path())

	ctx := context.Background()
	drawn := units(t)
	require.NoError(t, NewDrawStore(db).AppendDraws(ctx, "s1", "mayor", 1, drawn))
	require.NoError(t, db.Close())

	db, err = Open(cfg)
	require.NoError(t, err)
	defer db.Close()

	loaded, err := NewDrawStore(db).LoadDraws(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, loaded, len(drawn))
}

func TestDrawStore_LoadInTicketOrder(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	drawn := units(t)
	reversed := make([]sampler.SampleUnit, len(drawn))
	for i, u := range drawn {
		reversed[len(drawn)-1-i] = u
	}
	require.NoError(t, store.AppendDraws(ctx, "s1", "mayor", 1, reversed))

	loaded, err := store.LoadDraws(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, loaded, len(drawn))
	for i := range loaded {
		assert.Equal(t, drawn[i], loaded[i].Unit)
		assert.Equal(t, "mayor", loaded[i].Contest)
		assert.Equal(t, 1, loaded[i].Round)
	}
}

func TestDrawStore_RefusesReissue(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	drawn := units(t)

	require.NoError(t, store.AppendDraws(ctx, "s1", "mayor", 1, drawn[:5]))

	err := store.AppendDraws(ctx, "s1", "mayor", 2, drawn[4:])
	assert.True(t, errors.Is(err, ErrTicketIssued))

	loaded, err := store.LoadDraws(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, loaded, 5, "a rejected round writes nothing")

	require.NoError(t, store.AppendDraws(ctx, "s2", "mayor", 1, drawn), "sessions are independent")
}

func TestDrawStore_ContestsShareTickets(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	drawn := units(t)

	require.NoError(t, store.AppendDraws(ctx, "s1", "mayor", 1, drawn))
	require.NoError(t, store.AppendDraws(ctx, "s1", "council/ward 2", 1, drawn[:3]))

	mayor, err := store.LoadContestDraws(ctx, "s1", "mayor")
	require.NoError(t, err)
	assert.Len(t, mayor, len(drawn))

	ward, err := store.LoadContestDraws(ctx, "s1", "council/ward 2")
	require.NoError(t, err)
	require.Len(t, ward, 3)
	assert.Equal(t, "council/ward 2", ward[0].Contest)

	all, err := store.LoadDraws(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, all, len(drawn)+3)
}

// TestDrawStore_RepeatPicksOfOneUnit verifies picks whose formatted tickets
// coincide are stored separately and load back in multiplicity order.
func TestDrawStore_RepeatPicksOfOneUnit(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	drawn, err := sampler.DrawSample("seed", sampler.Manifest{"solo": 1}, 120, true)
	require.NoError(t, err)

	require.NoError(t, store.AppendDraws(ctx, "s1", "mayor", 1, drawn))

	loaded, err := store.LoadContestDraws(ctx, "s1", "mayor")
	require.NoError(t, err)
	require.Len(t, loaded, len(drawn))
	for i, d := range loaded {
		assert.Equal(t, drawn[i], d.Unit)
	}
}

func TestDrawStore_InvalidSessionID(t *testing.T) {
	store := newStore(t)
	assert.Error(t, store.AppendDraws(context.Background(), "a/b", "mayor", 1, nil))
	assert.Error(t, store.AppendDraws(context.Background(), "", "mayor", 1, nil))
}

func TestDrawStore_Sessions(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	type record struct {
		Seed      string `json:"seed"`
		RiskLimit int    `json:"risk_limit"`
	}
	require.NoError(t, store.SaveSession(ctx, "s1", record{Seed: "123", RiskLimit: 10}))
	require.NoError(t, store.AppendDraws(ctx, "s1", "mayor", 1, units(t)))

	var got record
	require.NoError(t, store.LoadSession(ctx, "s1", &got))
	assert.Equal(t, record{Seed: "123", RiskLimit: 10}, got)

	require.NoError(t, store.DeleteSession(ctx, "s1"))
	err := store.LoadSession(ctx, "s1", &got)
	assert.True(t, errors.Is(err, ErrSessionNotFound))

	loaded, err := store.LoadDraws(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestWithTxn_CancelledContext(t *testing.T) {
	store := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.AppendDraws(ctx, "s1", "mayor", 1, units(t))
	assert.True(t, errors.Is(err, context.Canceled))

	_, err = store.LoadDraws(ctx, "s1")
	assert.True(t, errors.Is(err, context.Canceled))
}
