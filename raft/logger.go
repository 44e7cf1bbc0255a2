// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// NewHCLogger builds the hclog.Logger hashicorp/raft requires for its own
// internal diagnostics, distinct from the slog.Logger the rest of this
// package uses for its own log lines — the same split the teacher keeps
// between its own code and the vendored consensus library.
func NewHCLogger(name, level string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Level:  hclog.LevelFromString(level),
		Output: os.Stderr,
	})
}
