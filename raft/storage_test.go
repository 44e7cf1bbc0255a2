// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"os"
	"testing"

	badger "github.com/dgraph-io/badger/v4"
	hraft "github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *badger.DB {
	t.Helper()

	dir, err := os.MkdirTemp("", "raft-storage-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func TestBadgerLogStore_FirstLastIndexEmpty(t *testing.T) {
	db := setupTestDB(t)
	store := NewBadgerLogStore(db, "orders")

	first, err := store.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(0), first)

	last, err := store.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(0), last)
}

func TestBadgerLogStore_StoreAndGet(t *testing.T) {
	db := setupTestDB(t)
	store := NewBadgerLogStore(db, "orders")

	logs := []*hraft.Log{
		{Index: 1, Term: 1, Data: []byte("one")},
		{Index: 2, Term: 1, Data: []byte("two")},
		{Index: 3, Term: 2, Data: []byte("three")},
	}
	require.NoError(t, store.StoreLogs(logs))

	first, err := store.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)

	last, err := store.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)

	var got hraft.Log
	require.NoError(t, store.GetLog(2, &got))
	require.Equal(t, []byte("two"), got.Data)
	require.Equal(t, uint64(1), got.Term)

	require.ErrorIs(t, store.GetLog(99, &got), hraft.ErrLogNotFound)
}

func TestBadgerLogStore_DeleteRange(t *testing.T) {
	db := setupTestDB(t)
	store := NewBadgerLogStore(db, "orders")

	logs := []*hraft.Log{
		{Index: 1, Data: []byte("a")},
		{Index: 2, Data: []byte("b")},
		{Index: 3, Data: []byte("c")},
	}
	require.NoError(t, store.StoreLogs(logs))
	require.NoError(t, store.DeleteRange(1, 2))

	first, err := store.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(3), first)
}

func TestBadgerLogStore_QueuesAreIsolated(t *testing.T) {
	db := setupTestDB(t)
	a := NewBadgerLogStore(db, "orders")
	b := NewBadgerLogStore(db, "payments")

	require.NoError(t, a.StoreLog(&hraft.Log{Index: 1, Data: []byte("a")}))

	last, err := b.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(0), last, "a different queue's log store must not see another queue's entries")
}

func TestBadgerStableStore_SetGet(t *testing.T) {
	db := setupTestDB(t)
	store := NewBadgerStableStore(db, "orders")

	require.NoError(t, store.Set([]byte("k"), []byte("v")))
	val, err := store.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)

	_, err = store.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestBadgerStableStore_Uint64(t *testing.T) {
	db := setupTestDB(t)
	store := NewBadgerStableStore(db, "orders")

	require.NoError(t, store.SetUint64([]byte("term"), 42))
	got, err := store.GetUint64([]byte("term"))
	require.NoError(t, err)
	require.Equal(t, uint64(42), got)
}
