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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Exit codes for CLI commands.
const (
	CLIExitSuccess  = 0 // Operation completed successfully
	CLIExitFindings = 1 // Some contest is not yet confirmed
	CLIExitError    = 2 // Operation failed
)

// errNotConfirmed makes `rla risk` exit with CLIExitFindings after its
// output has been written.
var errNotConfirmed = errors.New("risk limit not met for every contest")

// Output formats.
const (
	formatYAML = "yaml"
	formatJSON = "json"
)

// CommandResult wraps command output with metadata.
type CommandResult struct {
	Command    string    `json:"command" yaml:"command"`
	SessionID  string    `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
	DurationMs int64     `json:"duration_ms" yaml:"duration_ms"`
	Data       any       `json:"data" yaml:"data"`
}

// writeResult encodes result to w in the requested format.
func writeResult(w io.Writer, format string, result CommandResult) error {
	switch format {
	case formatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	case formatYAML:
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(result); err != nil {
			return err
		}
		return encoder.Close()
	}
	return fmt.Errorf("unknown output format %q (want yaml or json)", format)
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return CLIExitSuccess
	case errors.Is(err, errNotConfirmed):
		return CLIExitFindings
	}
	return CLIExitError
}
