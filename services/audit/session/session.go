// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session ties the audit math to one audit's lifetime.
//
// A Session owns the seed, the risk limit, every contest's round history and
// the assertions generated for ranked-choice contests. Draws are persisted
// through a badger.DrawStore as they are issued, so a resumed session keeps
// drawing from where it left off and can never reissue a ticket.
//
// The math packages are pure. Session is the only layer that logs, traces
// and records metrics.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianRLA/pkg/logging"
	"github.com/AleutianAI/AleutianRLA/services/audit/contest"
	"github.com/AleutianAI/AleutianRLA/services/audit/cvr"
	"github.com/AleutianAI/AleutianRLA/services/audit/polling"
	"github.com/AleutianAI/AleutianRLA/services/audit/raire"
	"github.com/AleutianAI/AleutianRLA/services/audit/sampler"
	"github.com/AleutianAI/AleutianRLA/services/audit/stats"
	"github.com/AleutianAI/AleutianRLA/services/audit/storage/badger"
	"github.com/AleutianAI/AleutianRLA/services/audit/telemetry"
)

var (
	// ErrDrawMismatch is returned when a new draw does not extend the
	// persisted one, which happens if the manifest or contest changed.
	ErrDrawMismatch = errors.New("draw does not extend the recorded sample")

	// ErrInvalidRound is returned by RecordRound for malformed rounds.
	ErrInvalidRound = errors.New("invalid round")
)

// Config fixes an audit's parameters for its lifetime.
type Config struct {
	Seed            string           `json:"seed"`
	RiskLimit       int              `json:"risk_limit"`
	MathType        polling.MathType `json:"math_type"`
	WithReplacement bool             `json:"with_replacement"`
	RAIRE           raire.Config     `json:"raire"`
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger. The default discards output.
func WithLogger(l *logging.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the instruments operations record into. Nil disables
// metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithConcurrency caps EvaluateContests' parallelism. Values below one
// are ignored.
func WithConcurrency(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// record is the persisted form of a session.
type record struct {
	ID        string                     `json:"id"`
	Config    Config                     `json:"config"`
	Rounds    map[string][]polling.Round `json:"rounds"`
	CreatedAt time.Time                  `json:"created_at"`
}

// Session is one audit in progress.
//
// # Thread Safety
//
// Safe for concurrent use. Draws and round updates are serialized by an
// internal mutex; the store's ticket check is the second line against
// reissue across processes.
type Session struct {
	id          string
	cfg         Config
	audit       polling.Audit
	store       *badger.DrawStore
	logger      *logging.Logger
	metrics     *telemetry.Metrics
	concurrency int
	createdAt   time.Time

	mu         sync.Mutex
	rounds     map[string][]polling.Round
	assertions map[string][]raire.Assertion
}

// New starts a session and persists its record.
//
// # Inputs
//
//   - ctx: Context for the store write.
//   - cfg: Audit parameters. Seed is required and MathType must be known.
//   - store: Draw persistence.
//   - opts: Logger, metrics and concurrency options.
//
// # Outputs
//
//   - *Session: The new session, with a random UUID.
//   - error: Non-nil if the parameters are invalid or the write fails.
func New(ctx context.Context, cfg Config, store *badger.DrawStore, opts ...Option) (*Session, error) {
	s, err := build(uuid.NewString(), cfg, store, time.Now().UTC(), opts)
	if err != nil {
		return nil, err
	}
	if err := s.save(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("audit session started",
		"risk_limit", cfg.RiskLimit,
		"math_type", string(cfg.MathType))
	return s, nil
}

// Resume loads a persisted session.
func Resume(ctx context.Context, id string, store *badger.DrawStore, opts ...Option) (*Session, error) {
	var rec record
	if err := store.LoadSession(ctx, id, &rec); err != nil {
		return nil, fmt.Errorf("resume session: %w", err)
	}
	s, err := build(rec.ID, rec.Config, store, rec.CreatedAt, opts)
	if err != nil {
		return nil, err
	}
	for name, rounds := range rec.Rounds {
		s.rounds[name] = rounds
	}
	s.logger.Info("audit session resumed", "contests", len(s.rounds))
	return s, nil
}

func build(id string, cfg Config, store *badger.DrawStore, createdAt time.Time, opts []Option) (*Session, error) {
	if cfg.Seed == "" {
		return nil, errors.New("seed is required")
	}
	if store == nil {
		return nil, errors.New("draw store is required")
	}
	audit, err := polling.New(cfg.MathType)
	if err != nil {
		return nil, err
	}
	s := &Session{
		id:          id,
		cfg:         cfg,
		audit:       audit,
		store:       store,
		logger:      logging.Nop(),
		concurrency: runtime.GOMAXPROCS(0),
		createdAt:   createdAt,
		rounds:      make(map[string][]polling.Round),
		assertions:  make(map[string][]raire.Assertion),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session_id", id)
	return s, nil
}

// ID returns the session's UUID.
func (s *Session) ID() string { return s.id }

// Config returns the session's parameters.
func (s *Session) Config() Config { return s.cfg }

// save writes the record. Callers hold mu or own s exclusively.
func (s *Session) save(ctx context.Context) error {
	rec := record{ID: s.id, Config: s.cfg, Rounds: s.rounds, CreatedAt: s.createdAt}
	if err := s.store.SaveSession(ctx, s.id, rec); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// =============================================================================
// Drawing
// =============================================================================

// DrawBallots returns the first n ballot draws for a contest.
//
// # Description
//
// The sample is recomputed from the seed, checked against the draws already
// persisted for the contest and only its new tail is appended. Asking for
// fewer draws than were issued returns the shorter prefix and writes
// nothing.
//
// # Outputs
//
//   - []sampler.SampleUnit: The cumulative sample in ticket order.
//   - error: ErrDrawMismatch if the persisted draws are not a prefix,
//     badger.ErrTicketIssued if another writer got there first.
func (s *Session) DrawBallots(ctx context.Context, contestName string, manifest sampler.Manifest, n int) ([]sampler.SampleUnit, error) {
	ctx, span := telemetry.StartSpan(ctx, "session.DrawBallots",
		attribute.String("session_id", s.id),
		attribute.String("contest", contestName),
		attribute.Int("n", n))
	defer span.End()

	drawn, err := sampler.DrawSample(s.cfg.Seed, manifest, n, s.cfg.WithReplacement)
	if err != nil {
		return nil, s.fail(ctx, span, "draw_ballots", err)
	}
	if err := s.persist(ctx, contestName, "ballot", drawn); err != nil {
		return nil, s.fail(ctx, span, "draw_ballots", err)
	}
	telemetry.SetSpanOK(span)
	return drawn, nil
}

// DrawBatches returns the first n PPEB batch draws for a contest, with the
// same persistence rules as DrawBallots. Draws are in draw order.
func (s *Session) DrawBatches(ctx context.Context, c *contest.Contest, batches map[string]contest.BatchTally, n int) ([]sampler.SampleUnit, error) {
	ctx, span := telemetry.StartSpan(ctx, "session.DrawBatches",
		attribute.String("session_id", s.id),
		attribute.String("contest", c.Name),
		attribute.Int("n", n))
	defer span.End()

	drawn, err := sampler.DrawPPEB(s.cfg.Seed, c, batches, n)
	if err != nil {
		return nil, s.fail(ctx, span, "draw_batches", err)
	}
	if err := s.persist(ctx, c.Name, "batch", drawn); err != nil {
		return nil, s.fail(ctx, span, "draw_batches", err)
	}
	telemetry.SetSpanOK(span)
	return drawn, nil
}

// persist appends the part of drawn that extends the stored sample.
func (s *Session) persist(ctx context.Context, contestName, kind string, drawn []sampler.SampleUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.store.LoadContestDraws(ctx, s.id, contestName)
	if err != nil {
		return err
	}

	if !extends(stored, drawn) {
		return fmt.Errorf("%w: contest %q", ErrDrawMismatch, contestName)
	}
	if len(drawn) <= len(stored) {
		return nil
	}

	round := len(s.rounds[contestName]) + 1
	ext := drawn[len(stored):]
	if err := s.store.AppendDraws(ctx, s.id, contestName, round, ext); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.DrawsTotal.Add(ctx, int64(len(ext)), metricAttrs(attribute.String("kind", kind)))
	}
	s.logger.Info("draws issued",
		"contest", contestName,
		"round", round,
		"kind", kind,
		"new", len(ext),
		"total", len(drawn))
	return nil
}

// extends reports whether drawn and stored agree on their common length.
// Stored draws come back in ticket order while PPEB draws are in draw
// order, so the check is by membership; tickets are unique per unit, so a
// full-length match is an exact match.
func extends(stored []badger.StoredDraw, drawn []sampler.SampleUnit) bool {
	issued := make(map[string]sampler.SampleUnit, len(stored))
	for _, d := range stored {
		issued[d.Unit.DrawID()] = d.Unit
	}
	for _, u := range drawn[:min(len(stored), len(drawn))] {
		if got, ok := issued[u.DrawID()]; !ok || got != u {
			return false
		}
	}
	return true
}

// =============================================================================
// Ballot polling
// =============================================================================

// RecordRound appends a round of polling results for a contest.
func (s *Session) RecordRound(ctx context.Context, contestName string, round polling.Round) error {
	ctx, span := telemetry.StartSpan(ctx, "session.RecordRound",
		attribute.String("session_id", s.id),
		attribute.String("contest", contestName))
	defer span.End()

	if round.Size < 0 {
		return s.fail(ctx, span, "record_round", fmt.Errorf("%w: size %d", ErrInvalidRound, round.Size))
	}
	for choice, votes := range round.Tally {
		if votes < 0 {
			return s.fail(ctx, span, "record_round", fmt.Errorf("%w: %d votes for %q", ErrInvalidRound, votes, choice))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.rounds[contestName]
	if round.ID == "" {
		round.ID = fmt.Sprintf("round-%d", len(prev)+1)
	}
	s.rounds[contestName] = append(prev, round)
	if err := s.save(ctx); err != nil {
		if len(prev) == 0 {
			delete(s.rounds, contestName)
		} else {
			s.rounds[contestName] = prev
		}
		return s.fail(ctx, span, "record_round", err)
	}

	if s.metrics != nil {
		s.metrics.RoundsTotal.Add(ctx, 1, metricAttrs(attribute.String("math_type", string(s.cfg.MathType))))
	}
	s.logger.Info("round recorded", "contest", contestName, "round", len(prev)+1, "size", round.Size)
	telemetry.SetSpanOK(span)
	return nil
}

// Rounds returns a copy of a contest's round history.
func (s *Session) Rounds(contestName string) []polling.Round {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]polling.Round(nil), s.rounds[contestName]...)
}

// PollingSampleSize recommends how many more ballots to draw for c.
func (s *Session) PollingSampleSize(ctx context.Context, c *contest.Contest) (map[string]polling.SampleSizeOption, error) {
	ctx, span := telemetry.StartSpan(ctx, "session.PollingSampleSize",
		attribute.String("session_id", s.id),
		attribute.String("contest", c.Name))
	defer span.End()

	sizes, err := s.audit.GetSampleSize(s.cfg.RiskLimit, c, s.Rounds(c.Name))
	if err != nil {
		return nil, s.fail(ctx, span, "sample_size", err)
	}
	s.recordSizes(ctx, sizes)
	telemetry.SetSpanOK(span)
	return sizes, nil
}

// PollingRisk measures c's risk over every recorded round.
func (s *Session) PollingRisk(ctx context.Context, c *contest.Contest) (map[contest.Pair]float64, bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "session.PollingRisk",
		attribute.String("session_id", s.id),
		attribute.String("contest", c.Name))
	defer span.End()

	rounds := s.Rounds(c.Name)
	pvalues, stop, err := s.audit.ComputeRisk(s.cfg.RiskLimit, c, rounds)
	if err != nil {
		return nil, false, s.fail(ctx, span, "risk", err)
	}

	p := maxPValue(pvalues)
	s.metrics.RecordMeasurement(ctx, string(s.cfg.MathType), p, stop)
	span.SetAttributes(attribute.Float64("p_value", p), attribute.Bool("confirmed", stop))
	s.logger.Info("risk measured",
		"contest", c.Name,
		"round", len(rounds),
		"p_value", p,
		"confirmed", stop)
	telemetry.SetSpanOK(span)
	return pvalues, stop, nil
}

func (s *Session) recordSizes(ctx context.Context, sizes map[string]polling.SampleSizeOption) {
	if s.metrics == nil {
		return
	}
	kind := metricAttrs(attribute.String("math_type", string(s.cfg.MathType)))
	for _, key := range []string{polling.KeyASN, polling.KeyAllBallots} {
		if opt, ok := sizes[key]; ok {
			s.metrics.SampleSize.Record(ctx, int64(opt.Size), kind)
		}
	}
}

// =============================================================================
// Ranked-choice assertions
// =============================================================================

// Assertions returns the assertions certifying winner for an IRV contest,
// generating them on first use. An empty winner means the IRV winner of
// records. Later calls return the cached set whatever their arguments.
func (s *Session) Assertions(ctx context.Context, c *contest.Contest, records cvr.Records, winner string) ([]raire.Assertion, error) {
	ctx, span := telemetry.StartSpan(ctx, "session.Assertions",
		attribute.String("session_id", s.id),
		attribute.String("contest", c.Name))
	defer span.End()

	s.mu.Lock()
	cached, ok := s.assertions[c.Name]
	s.mu.Unlock()
	if ok {
		span.SetAttributes(attribute.Bool("cached", true))
		telemetry.SetSpanOK(span)
		return cached, nil
	}

	start := time.Now()
	assertions, err := raire.Generate(c, records, winner, s.cfg.RAIRE)
	if err != nil {
		return assertions, s.fail(ctx, span, "assertions", err)
	}

	s.mu.Lock()
	if prior, ok := s.assertions[c.Name]; ok {
		assertions = prior
	} else {
		s.assertions[c.Name] = assertions
	}
	s.mu.Unlock()

	span.SetAttributes(attribute.Int("assertions", len(assertions)))
	s.logger.Info("assertions generated",
		"contest", c.Name,
		"count", len(assertions),
		"duration", time.Since(start))
	telemetry.SetSpanOK(span)
	return assertions, nil
}

// =============================================================================
// Multi-contest evaluation
// =============================================================================

// Evaluation is one contest's polling status.
type Evaluation struct {
	Contest string `json:"contest" yaml:"contest"`

	// PValues is keyed by Pair.String().
	PValues   map[string]float64 `json:"p_values,omitempty" yaml:"p_values,omitempty"`
	MaxPValue float64            `json:"max_p_value" yaml:"max_p_value"`
	Confirmed bool               `json:"confirmed" yaml:"confirmed"`

	// NoAuditNeeded marks an uncontested contest.
	NoAuditNeeded bool `json:"no_audit_needed,omitempty" yaml:"no_audit_needed,omitempty"`

	// SampleSizes is set for contests that are not yet confirmed.
	SampleSizes map[string]polling.SampleSizeOption `json:"sample_sizes,omitempty" yaml:"sample_sizes,omitempty"`
}

// EvaluateContests measures risk and, where needed, the next sample size
// for every contest concurrently.
//
// # Description
//
// Round histories are snapshotted up front, so each contest is evaluated
// as a pure computation. The first failure cancels the rest.
//
// # Outputs
//
//   - []Evaluation: One per contest, in input order.
//   - error: The first contest error.
func (s *Session) EvaluateContests(ctx context.Context, contests []*contest.Contest) ([]Evaluation, error) {
	ctx, span := telemetry.StartSpan(ctx, "session.EvaluateContests",
		attribute.String("session_id", s.id),
		attribute.Int("contests", len(contests)))
	defer span.End()

	snapshot := make([][]polling.Round, len(contests))
	for i, c := range contests {
		snapshot[i] = s.Rounds(c.Name)
	}

	out := make([]Evaluation, len(contests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, c := range contests {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ev, err := s.evaluate(c, snapshot[i])
			if err != nil {
				return fmt.Errorf("contest %q: %w", c.Name, err)
			}
			out[i] = ev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, s.fail(ctx, span, "evaluate", err)
	}

	confirmed := 0
	for _, ev := range out {
		if !ev.NoAuditNeeded {
			s.metrics.RecordMeasurement(ctx, string(s.cfg.MathType), ev.MaxPValue, ev.Confirmed)
		}
		if ev.Confirmed {
			confirmed++
		}
	}
	span.SetAttributes(attribute.Int("confirmed", confirmed))
	s.logger.Info("contests evaluated", "contests", len(out), "confirmed", confirmed)
	telemetry.SetSpanOK(span)
	return out, nil
}

func (s *Session) evaluate(c *contest.Contest, rounds []polling.Round) (Evaluation, error) {
	ev := Evaluation{Contest: c.Name}
	pvalues, stop, err := s.audit.ComputeRisk(s.cfg.RiskLimit, c, rounds)
	if errors.Is(err, stats.ErrNoAuditNeeded) {
		ev.NoAuditNeeded = true
		ev.Confirmed = true
		return ev, nil
	}
	if err != nil {
		return ev, err
	}

	ev.PValues = make(map[string]float64, len(pvalues))
	for pair, p := range pvalues {
		ev.PValues[pair.String()] = p
	}
	ev.MaxPValue = maxPValue(pvalues)
	ev.Confirmed = stop
	if stop {
		return ev, nil
	}

	ev.SampleSizes, err = s.audit.GetSampleSize(s.cfg.RiskLimit, c, rounds)
	if err != nil {
		return ev, err
	}
	return ev, nil
}

// fail records err on the span and the error counter and returns it.
func (s *Session) fail(ctx context.Context, span trace.Span, operation string, err error) error {
	telemetry.RecordError(span, err)
	s.metrics.RecordError(ctx, operation)
	s.logger.Warn("audit operation failed", "operation", operation, "error", err)
	return err
}

func metricAttrs(attrs ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(attrs...)
}

func maxPValue(pvalues map[contest.Pair]float64) float64 {
	p := 0.0
	for _, v := range pvalues {
		p = max(p, v)
	}
	return p
}
