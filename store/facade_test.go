// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/wacore/store"
)

func bytesPtr(b []byte) *[]byte { return &b }

func TestKeyStore_SetGet(t *testing.T) {
	ks := store.New(store.NewMemStore())
	ctx := context.Background()

	err := ks.Set(ctx, store.Patch{
		store.CategorySession: {
			"a": bytesPtr([]byte("hello")),
			"b": bytesPtr([]byte("world")),
		},
	})
	require.NoError(t, err)

	got, err := ks.Get(ctx, store.CategorySession, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got["a"])

	all, err := ks.Get(ctx, store.CategorySession, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestKeyStore_DeleteViaNilValue(t *testing.T) {
	ks := store.New(store.NewMemStore())
	ctx := context.Background()
	require.NoError(t, ks.Set(ctx, store.Patch{store.CategorySession: {"a": bytesPtr([]byte("x"))}}))
	require.NoError(t, ks.Set(ctx, store.Patch{store.CategorySession: {"a": nil}}))
	got, err := ks.Get(ctx, store.CategorySession, []string{"a"})
	require.NoError(t, err)
	assert.NotContains(t, got, "a")
}

func TestKeyStore_CategoryNotAllowed(t *testing.T) {
	ks := store.New(store.NewMemStore())
	ctx := context.Background()
	_, err := ks.Get(ctx, store.CategoryAccount, nil)
	assert.ErrorIs(t, err, store.ErrCategoryNotAllowed)

	err = ks.Set(ctx, store.Patch{store.CategoryPreKey: {"x": bytesPtr([]byte("y"))}})
	assert.ErrorIs(t, err, store.ErrCategoryNotAllowed)
}

func TestKeyStore_Transaction_AtomicFlushAndReadYourWrites(t *testing.T) {
	ks := store.New(store.NewMemStore())
	ctx := context.Background()

	err := ks.Transaction(ctx, func(ctx context.Context) error {
		require.NoError(t, ks.Set(ctx, store.Patch{store.CategorySenderKeyMemory: {"g1": bytesPtr([]byte("1"))}}))
		// Read-your-writes within the same transaction.
		got, err := ks.Get(ctx, store.CategorySenderKeyMemory, []string{"g1"})
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), got["g1"])

		// Not visible to a fresh (non-transactional) read yet.
		outside, err := ks.Get(context.Background(), store.CategorySenderKeyMemory, []string{"g1"})
		require.NoError(t, err)
		assert.NotContains(t, outside, "g1")
		return nil
	})
	require.NoError(t, err)

	got, err := ks.Get(ctx, store.CategorySenderKeyMemory, []string{"g1"})
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got["g1"])
}

func TestKeyStore_Transaction_RollbackOnError(t *testing.T) {
	ks := store.New(store.NewMemStore())
	ctx := context.Background()
	sentinel := errors.New("boom")

	err := ks.Transaction(ctx, func(ctx context.Context) error {
		require.NoError(t, ks.Set(ctx, store.Patch{store.CategorySession: {"a": bytesPtr([]byte("x"))}}))
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	got, err := ks.Get(ctx, store.CategorySession, []string{"a"})
	require.NoError(t, err)
	assert.NotContains(t, got, "a")
}

func TestKeyStore_Transaction_NestedJoinsOutermost(t *testing.T) {
	ks := store.New(store.NewMemStore())
	ctx := context.Background()

	innerRuns := 0
	err := ks.Transaction(ctx, func(ctx context.Context) error {
		if err := ks.Transaction(ctx, func(ctx context.Context) error {
			innerRuns++
			return ks.Set(ctx, store.Patch{store.CategorySession: {"a": bytesPtr([]byte("x"))}})
		}); err != nil {
			return err
		}
		// The inner Transaction joined this one, so it must not have flushed.
		outside, err := ks.Get(context.Background(), store.CategorySession, []string{"a"})
		require.NoError(t, err)
		assert.NotContains(t, outside, "a")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, innerRuns)

	got, err := ks.Get(ctx, store.CategorySession, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got["a"])
}
