// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianRLA/services/audit/contest"
	"github.com/AleutianAI/AleutianRLA/services/audit/cvr"
	"github.com/AleutianAI/AleutianRLA/services/audit/polling"
	"github.com/AleutianAI/AleutianRLA/services/audit/raire"
	"github.com/AleutianAI/AleutianRLA/services/audit/sampler"
	"github.com/AleutianAI/AleutianRLA/services/audit/suite"
	"github.com/AleutianAI/AleutianRLA/services/audit/supersimple"
)

// Audit types a contest may be audited with.
const (
	auditPolling    = "polling"
	auditComparison = "comparison"
	auditBatch      = "batch"
	auditHybrid     = "hybrid"
	auditIRV        = "irv"
)

// ErrInvalidInput wraps every problem with the audit input file.
var ErrInvalidInput = errors.New("invalid audit input")

var validate = validator.New()

// auditFile is the document every command reads.
//
//	manifest: {precinct-1: 400, precinct-2: 600}
//	cvrs:
//	  ballot-0001: {mayor: {alice: "1", bob: "0"}}
//	contests:
//	  - name: mayor
//	    type: polling
//	    votes: {alice: 600, bob: 400}
//	    ballots: 1000
//	    rounds: [{size: 100, tally: {alice: 62, bob: 38}}]
type auditFile struct {
	Manifest sampler.Manifest `yaml:"manifest"`

	// CVRs maps ballot to contest to choice to raw mark.
	CVRs map[string]map[string]map[string]string `yaml:"cvrs"`

	Contests []contestInput `yaml:"contests" validate:"required,min=1,dive"`
}

type contestInput struct {
	Name         string         `yaml:"name" validate:"required"`
	Type         string         `yaml:"type" validate:"oneof=polling comparison batch hybrid irv"`
	Votes        map[string]int `yaml:"votes"`
	NumWinners   int            `yaml:"num_winners" validate:"gte=0"`
	VotesAllowed int            `yaml:"votes_allowed" validate:"gte=0"`
	Ballots      int            `yaml:"ballots" validate:"gte=0"`

	// Rounds are polling results.
	Rounds []polling.Round `yaml:"rounds"`

	// Sample maps ballot to audited marks for comparison and irv.
	Sample map[string]sampleInput `yaml:"sample"`

	// Batches and AuditedBatches are batch tallies; BatchDraws is how many
	// PPEB draws have been audited.
	Batches        map[string]contest.BatchTally `yaml:"batches"`
	AuditedBatches map[string]contest.BatchTally `yaml:"audited_batches"`
	BatchDraws     int                           `yaml:"batch_draws" validate:"gte=0"`

	// Comparison and Polling are the strata of a hybrid contest.
	Comparison *comparisonStratumInput `yaml:"comparison"`
	Polling    *suite.PollingStratum   `yaml:"polling"`

	// Winner is the reported IRV winner; empty means computed from CVRs.
	Winner string `yaml:"winner"`
}

type sampleInput struct {
	Marks        map[string]string `yaml:"marks"`
	TimesSampled int               `yaml:"times_sampled" validate:"gte=0"`
	NotFound     bool              `yaml:"not_found"`
}

type comparisonStratumInput struct {
	Ballots    int            `yaml:"ballots" validate:"gte=0"`
	Votes      map[string]int `yaml:"votes"`
	SampleSize int            `yaml:"sample_size" validate:"gte=0"`

	// Misstatements is keyed by "winner>loser".
	Misstatements map[string]suite.Misstatements `yaml:"misstatements"`
}

// loadAuditFile reads and validates an audit input document.
func loadAuditFile(path string) (*auditFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audit input %s: %w", path, err)
	}
	var f auditFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidInput, path, err)
	}
	if err := validate.Struct(f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	seen := make(map[string]bool, len(f.Contests))
	for _, ci := range f.Contests {
		if seen[ci.Name] {
			return nil, fmt.Errorf("%w: duplicate contest %q", ErrInvalidInput, ci.Name)
		}
		seen[ci.Name] = true
		if ci.Type == auditHybrid && (ci.Comparison == nil || ci.Polling == nil) {
			return nil, fmt.Errorf("%w: hybrid contest %q needs comparison and polling strata", ErrInvalidInput, ci.Name)
		}
	}
	return &f, nil
}

// find returns the named contest input.
func (f *auditFile) find(name string) (*contestInput, error) {
	for i := range f.Contests {
		if f.Contests[i].Name == name {
			return &f.Contests[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no contest %q", ErrInvalidInput, name)
}

// records parses the file's cast-vote records.
func (f *auditFile) records() (cvr.Records, error) {
	out := make(cvr.Records, len(f.CVRs))
	for ballot, contests := range f.CVRs {
		rec := make(cvr.Record, len(contests))
		for name, raw := range contests {
			marks, err := cvr.ParseMarks(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: ballot %s contest %s: %v", ErrInvalidInput, ballot, name, err)
			}
			rec[name] = marks
		}
		out[ballot] = rec
	}
	return out, nil
}

// contest builds the reported outcome. Hybrid contests sum their strata.
func (ci *contestInput) contest() (*contest.Contest, error) {
	winners, allowed := orOne(ci.NumWinners), orOne(ci.VotesAllowed)
	if ci.Type == auditHybrid {
		cs, ps := ci.strata()
		return suite.CombinedContest(ci.Name, winners, allowed, cs, ps)
	}
	return contest.New(ci.Name, ci.Votes, winners, allowed, ci.Ballots)
}

// strata converts a hybrid contest's input to suite strata.
func (ci *contestInput) strata() (*suite.ComparisonStratum, *suite.PollingStratum) {
	cs := &suite.ComparisonStratum{
		Ballots:       ci.Comparison.Ballots,
		Votes:         ci.Comparison.Votes,
		SampleSize:    ci.Comparison.SampleSize,
		Misstatements: make(map[contest.Pair]suite.Misstatements, len(ci.Comparison.Misstatements)),
	}
	for key, m := range ci.Comparison.Misstatements {
		if w, l, ok := strings.Cut(key, ">"); ok {
			cs.Misstatements[contest.Pair{Winner: w, Loser: l}] = m
		}
	}
	return cs, ci.Polling
}

// irvWinner is the reported winner, or the IRV winner of the records when
// none is given.
func (ci *contestInput) irvWinner(c *contest.Contest, records cvr.Records) string {
	if ci.Winner != "" {
		return ci.Winner
	}
	return raire.ContestWinner(c, records)
}

// sample converts audited marks for comparison audits.
func (ci *contestInput) sample() (supersimple.SampleCVRs, error) {
	out := make(supersimple.SampleCVRs, len(ci.Sample))
	for ballot, s := range ci.Sample {
		marks, err := cvr.ParseMarks(s.Marks)
		if err != nil {
			return nil, fmt.Errorf("%w: sampled ballot %s: %v", ErrInvalidInput, ballot, err)
		}
		out[ballot] = supersimple.SampleCVR{
			Marks:        marks,
			TimesSampled: orOne(s.TimesSampled),
			NotFound:     s.NotFound,
		}
	}
	return out, nil
}

func orOne(n int) int {
	if n == 0 {
		return 1
	}
	return n
}
