// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package store implements the KeyStore façade from spec.md §4.B: a thin,
// category-scoped typed view over an opaque key-value capability, with
// batched transactional writes. The façade does not interpret values; it
// only enforces the category allowlist and the nested-transaction-joins-
// the-outermost rule.
package store

import (
	"context"
	"fmt"
	"sync"
)

// Category is one of the key-value namespaces spec.md §6 lists. The relay
// core only ever reads/writes the first three; the rest are owned by
// adjacent subsystems and are rejected by the façade.
type Category string

const (
	CategorySession         Category = "session"
	CategorySenderKey       Category = "sender-key"
	CategorySenderKeyMemory Category = "sender-key-memory"

	// Categories owned by adjacent subsystems; listed so the allowlist below
	// can reject them with a clear error rather than a silent backend miss.
	CategoryAccount         Category = "account"
	CategoryPreKey          Category = "pre-key"
	CategorySignedPreKey    Category = "signed-pre-key"
	CategorySenderSigningKey Category = "sender-signing-key"
	CategoryAppStateSyncKey Category = "app-state-sync-key"
)

// coreCategories is the allowlist the façade accepts reads/writes for.
var coreCategories = map[Category]bool{
	CategorySession:         true,
	CategorySenderKey:       true,
	CategorySenderKeyMemory: true,
}

// ErrCategoryNotAllowed is returned when a caller addresses a category the
// façade doesn't own.
var ErrCategoryNotAllowed = fmt.Errorf("store: category not allowed through this façade")

// Patch describes a batch of writes across categories. A nil value deletes
// the key; a non-nil (possibly empty) value sets it. See spec.md §4.B.
type Patch map[Category]map[string]*[]byte

// Backend is the opaque, category-agnostic key-value capability the façade
// is layered over. Composite keys are the category, a NUL byte, then the
// key (see compositeKey); Backend never
// sees a Category value, matching "the core treats storage as opaque".
type Backend interface {
	// GetMany returns the stored values for exactly the given composite
	// keys that exist. Missing keys are simply absent from the result.
	GetMany(ctx context.Context, compositeKeys []string) (map[string][]byte, error)
	// GetPrefix returns every stored key/value pair whose composite key has
	// the given prefix.
	GetPrefix(ctx context.Context, prefix string) (map[string][]byte, error)
	// Apply atomically writes sets and removes deletes.
	Apply(ctx context.Context, sets map[string][]byte, deletes []string) error
}

// KeyStore is the façade described in spec.md §4.B.
type KeyStore struct {
	backend Backend
}

func New(backend Backend) *KeyStore {
	return &KeyStore{backend: backend}
}

func compositeKey(category Category, key string) string {
	return string(category) + "\x00" + key
}

func splitKey(composite string) (key string) {
	for i := 0; i < len(composite); i++ {
		if composite[i] == 0 {
			return composite[i+1:]
		}
	}
	return composite
}

// Get returns the stored values for the given keys in category. An empty
// keys slice means "all keys in this category".
func (ks *KeyStore) Get(ctx context.Context, category Category, keys []string) (map[string][]byte, error) {
	if !coreCategories[category] {
		return nil, fmt.Errorf("%w: %s", ErrCategoryNotAllowed, category)
	}

	result := make(map[string][]byte)
	txn := txnFromContext(ctx)

	if len(keys) == 0 {
		stored, err := ks.backend.GetPrefix(ctx, string(category)+"\x00")
		if err != nil {
			return nil, err
		}
		for composite, val := range stored {
			result[splitKey(composite)] = val
		}
		if txn != nil {
			txn.applyPendingPrefix(category, result)
		}
		return result, nil
	}

	composites := make([]string, len(keys))
	for i, k := range keys {
		composites[i] = compositeKey(category, k)
	}
	stored, err := ks.backend.GetMany(ctx, composites)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if val, ok := stored[compositeKey(category, k)]; ok {
			result[k] = val
		}
	}
	if txn != nil {
		for _, k := range keys {
			if val, hasPending, isDelete := txn.pendingValue(category, k); hasPending {
				if isDelete {
					delete(result, k)
				} else {
					result[k] = val
				}
			}
		}
	}
	return result, nil
}

// Set applies patch. Outside of a Transaction, each call is applied to the
// backend immediately and atomically. Inside a Transaction, writes are
// buffered and flushed once the outermost Transaction body returns nil.
func (ks *KeyStore) Set(ctx context.Context, patch Patch) error {
	for category := range patch {
		if !coreCategories[category] {
			return fmt.Errorf("%w: %s", ErrCategoryNotAllowed, category)
		}
	}

	if txn := txnFromContext(ctx); txn != nil {
		txn.buffer(patch)
		return nil
	}

	sets := make(map[string][]byte)
	var deletes []string
	for category, kv := range patch {
		for key, val := range kv {
			composite := compositeKey(category, key)
			if val == nil {
				deletes = append(deletes, composite)
			} else {
				sets[composite] = *val
			}
		}
	}
	return ks.backend.Apply(ctx, sets, deletes)
}

type txnContextKey struct{}

type transaction struct {
	mu      sync.Mutex
	pending Patch
}

func (t *transaction) buffer(patch Patch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for category, kv := range patch {
		if t.pending[category] == nil {
			t.pending[category] = make(map[string]*[]byte, len(kv))
		}
		for key, val := range kv {
			t.pending[category][key] = val
		}
	}
}

// pendingValue reports the buffered value for (category, key), if any.
func (t *transaction) pendingValue(category Category, key string) (val []byte, hasPending, isDelete bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kv, ok := t.pending[category]
	if !ok {
		return nil, false, false
	}
	v, ok := kv[key]
	if !ok {
		return nil, false, false
	}
	if v == nil {
		return nil, true, true
	}
	return *v, true, false
}

// applyPendingPrefix merges buffered writes for category into result, used
// by the "all keys" Get path.
func (t *transaction) applyPendingPrefix(category Category, result map[string][]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, val := range t.pending[category] {
		if val == nil {
			delete(result, key)
		} else {
			result[key] = *val
		}
	}
}

func (t *transaction) flush(ctx context.Context, backend Backend) error {
	t.mu.Lock()
	patch := t.pending
	t.mu.Unlock()

	sets := make(map[string][]byte)
	var deletes []string
	for category, kv := range patch {
		for key, val := range kv {
			composite := compositeKey(category, key)
			if val == nil {
				deletes = append(deletes, composite)
			} else {
				sets[composite] = *val
			}
		}
	}
	if len(sets) == 0 && len(deletes) == 0 {
		return nil
	}
	return backend.Apply(ctx, sets, deletes)
}

func txnFromContext(ctx context.Context) *transaction {
	txn, _ := ctx.Value(txnContextKey{}).(*transaction)
	return txn
}

// Transaction buffers every Set call made (directly or transitively) inside
// body, flushing them atomically to the backend on success. Nested
// transactions join the outermost one: calling Transaction again with a
// context that already carries one reuses the same buffer and does not
// flush early. Reads made inside body see uncommitted writes from the same
// transaction. Grounded on dbutil.Database.DoTxn's "already in a
// transaction, don't start a new one" context-key check.
func (ks *KeyStore) Transaction(ctx context.Context, body func(ctx context.Context) error) error {
	if existing := txnFromContext(ctx); existing != nil {
		return body(ctx)
	}

	txn := &transaction{pending: make(Patch)}
	ctx = context.WithValue(ctx, txnContextKey{}, txn)
	if err := body(ctx); err != nil {
		return err
	}
	return txn.flush(ctx, ks.backend)
}
