// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/raft"
	"github.com/klauspost/compress/zstd"

	"github.com/duraq/duraq/fsm"
)

// stateSnapshot implements hashicorp/raft.FSMSnapshot for one queue's
// dehydrated state (spec.md §6, §4.9): ra_indexes, release_cursors,
// enqueue_count, and msg_cache are stripped before persisting, since a
// restored replica rebuilds them from the replayed log tail.
type stateSnapshot struct {
	name  string
	state *fsm.State
	log   *slog.Logger
}

// Persist writes the zstd-compressed, dehydrated state to sink. Snapshots
// are taken on hashicorp/raft's own schedule (SnapshotInterval and
// SnapshotThreshold) and are pure JSON, a favorable target for
// compression before the write reaches the snapshot store.
func (s *stateSnapshot) Persist(sink raft.SnapshotSink) error {
	dehydrated := s.state.Dehydrate()

	raw, err := json.Marshal(dehydrated)
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	enc, err := zstd.NewWriter(sink)
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("open zstd writer: %w", err)
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		sink.Cancel()
		return fmt.Errorf("close zstd writer: %w", err)
	}

	if err := sink.Close(); err != nil {
		return fmt.Errorf("close snapshot sink: %w", err)
	}

	s.log.Info("persisted snapshot",
		slog.String("queue", s.name),
		slog.Int("bytes", len(raw)))
	return nil
}

// Release implements hashicorp/raft.FSMSnapshot.
func (s *stateSnapshot) Release() {}

// decodeState reverses Persist: zstd-decompress then JSON-decode into a
// fresh fsm.State. ra_indexes/release_cursors/enqueue_count/msg_cache come
// back empty, exactly as Dehydrate left them; the substrate replays any
// log entries past the snapshot to bring them current.
func decodeState(r io.Reader) (*fsm.State, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open zstd reader: %w", err)
	}
	defer dec.Close()

	var state fsm.State
	if err := json.NewDecoder(dec).Decode(&state); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &state, nil
}

const releaseCursorPrefix = "duraq:cursor:"

// CursorStore persists release_cursor effects (spec.md §4.9) to BadgerDB,
// grounded on queue/storage/badger/badger.go's key-prefix convention. It
// is the sink for the "release_cursor" mod that would otherwise vanish
// once the Raft snapshot they describe has been superseded — a released
// cursor is retained for operator inspection (which log region a given
// dehydrated state corresponds to) even after the log itself is
// truncated.
type CursorStore struct {
	db *badger.DB
}

// NewCursorStore opens (or creates) the release-cursor keyspace in db.
func NewCursorStore(db *badger.DB) *CursorStore {
	return &CursorStore{db: db}
}

// Save persists one release cursor for queue at the given index.
func (c *CursorStore) Save(queue string, index uint64, dehydrated *fsm.State) error {
	raw, err := json.Marshal(dehydrated)
	if err != nil {
		return fmt.Errorf("marshal cursor state: %w", err)
	}

	compressed, err := zstdCompress(raw)
	if err != nil {
		return fmt.Errorf("compress cursor state: %w", err)
	}

	key := fmt.Sprintf("%s%s:%020d", releaseCursorPrefix, queue, index)
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), compressed)
	})
}

// Latest returns the dehydrated state of the most recently saved cursor
// for queue, if any.
func (c *CursorStore) Latest(queue string) (*fsm.State, bool, error) {
	prefix := []byte(fmt.Sprintf("%s%s:", releaseCursorPrefix, queue))

	var raw []byte
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seekKey := append(append([]byte{}, prefix...), 0xFF)
		it.Seek(seekKey)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		return it.Item().Value(func(val []byte) error {
			raw = append([]byte{}, val...)
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, false, err
	}
	defer dec.Close()

	decompressed, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, false, fmt.Errorf("decompress cursor state: %w", err)
	}

	var state fsm.State
	if err := json.Unmarshal(decompressed, &state); err != nil {
		return nil, false, fmt.Errorf("unmarshal cursor state: %w", err)
	}
	return &state, true, nil
}

func zstdCompress(raw []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}
