// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	hraft "github.com/hashicorp/raft"
)

// LogBodyFetcher implements LogFetcher by reading the raw command bodies
// back out of the same Badger database every queue's Raft log lives in:
// a log-read effect names indexes that are, by construction, still within
// the leader's trailing log window (spec.md §5), so no separate body
// store is needed.
type LogBodyFetcher struct {
	db *badger.DB
}

// NewLogBodyFetcher builds a LogFetcher over the shared Raft database.
func NewLogBodyFetcher(db *badger.DB) *LogBodyFetcher {
	return &LogBodyFetcher{db: db}
}

// Fetch implements LogFetcher.
func (f *LogBodyFetcher) Fetch(queue string, indexes []uint64) ([][]byte, error) {
	logStore := NewBadgerLogStore(f.db, queue)

	bodies := make([][]byte, len(indexes))
	var entry hraft.Log
	for i, idx := range indexes {
		if err := logStore.GetLog(idx, &entry); err != nil {
			return nil, fmt.Errorf("get log at index %d: %w", idx, err)
		}
		op, err := decodeOperation(entry.Data)
		if err != nil {
			return nil, fmt.Errorf("decode operation at index %d: %w", idx, err)
		}
		bodies[i] = op.Command.Payload
	}
	return bodies, nil
}
