// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package keyjanitor implements the sender-key background cleanup described
// in spec.md §4.C: two idempotent passes that trim corrupt or oversized
// state without ever surfacing an error to a foreground send. Grounded on
// the "opportunistic, swallow-and-log" cleanup call sites around
// crypto.OlmMachine's device-list and outbound-group-session handling.
package keyjanitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"go.mau.fi/wacore/senderkey"
	"go.mau.fi/wacore/store"
	"go.mau.fi/wacore/types"
)

// Janitor owns the two cleanup passes over a KeyStore. Both passes are safe
// to call concurrently with foreground sends; any error from a pass is
// logged and swallowed, never returned to the caller of Run or RunEvery.
type Janitor struct {
	store             *store.KeyStore
	log               zerolog.Logger
	maxStatesPerGroup int
}

const defaultMaxStatesPerGroup = senderkey.DefaultMaxStates

func New(ks *store.KeyStore, log zerolog.Logger) *Janitor {
	return &Janitor{store: ks, log: log, maxStatesPerGroup: defaultMaxStatesPerGroup}
}

// WithMaxStatesPerGroup overrides the aggressive pass's retained-state cap,
// the supplemental configuration knob SPEC_FULL.md adds over spec.md's
// hardcoded default of 5.
func (j *Janitor) WithMaxStatesPerGroup(n int) *Janitor {
	if n > 0 {
		j.maxStatesPerGroup = n
	}
	return j
}

// Run executes both passes once, logging (never returning) any failure.
func (j *Janitor) Run(ctx context.Context) {
	if err := j.runMemoryPass(ctx); err != nil {
		j.log.Warn().Err(err).Msg("sender-key-memory janitor pass failed")
	}
	if err := j.runKeyPass(ctx); err != nil {
		j.log.Warn().Err(err).Msg("sender-key janitor pass failed")
	}
}

// RunEvery loops Run on interval until ctx is cancelled. Grounded on the
// same opportunistic-cleanup shape as the teacher's device-list refresh
// loop: cleanup is scheduled, not request-driven, and never blocks a send.
func (j *Janitor) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Run(ctx)
		}
	}
}

// runMemoryPass walks sender-key-memory, keeping only well-formed
// device-jid → true maps and dropping groups left empty after cleaning.
func (j *Janitor) runMemoryPass(ctx context.Context) error {
	all, err := j.store.Get(ctx, store.CategorySenderKeyMemory, nil)
	if err != nil {
		return err
	}

	patch := make(map[string]*[]byte)
	for groupJID, raw := range all {
		cleaned, changed, ok := cleanMemoryEntry(raw)
		if !ok || len(cleaned) == 0 {
			patch[groupJID] = nil
			continue
		}
		if changed {
			encoded, err := json.Marshal(cleaned)
			if err != nil {
				j.log.Warn().Err(err).Str("group", groupJID).Msg("sender-key-memory janitor: re-encode failed")
				continue
			}
			patch[groupJID] = &encoded
		}
	}
	if len(patch) == 0 {
		return nil
	}
	return j.store.Set(ctx, store.Patch{store.CategorySenderKeyMemory: patch})
}

// cleanMemoryEntry decodes raw as a device-jid → bool map, dropping any
// non-boolean or falsy entries. ok is false if raw isn't a JSON object at
// all (non-object entries are dropped outright).
func cleanMemoryEntry(raw []byte) (cleaned map[string]bool, changed bool, ok bool) {
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, false, false
	}
	cleaned = make(map[string]bool, len(decoded))
	for device, rawVal := range decoded {
		var val bool
		if err := json.Unmarshal(rawVal, &val); err != nil || !val {
			changed = true
			continue
		}
		cleaned[device] = true
	}
	if len(cleaned) != len(decoded) {
		changed = true
	}
	return cleaned, changed, true
}

// runKeyPass walks sender-key, dropping malformed or empty records, filtering
// out states that fail the validity predicate, and capping each surviving
// record at maxStatesPerGroup states (keeping the tail, per spec.md §4.C).
func (j *Janitor) runKeyPass(ctx context.Context) error {
	all, err := j.store.Get(ctx, store.CategorySenderKey, nil)
	if err != nil {
		return err
	}

	patch := make(map[string]*[]byte)
	for key, raw := range all {
		record, err := senderkey.Deserialize(raw, j.maxStatesPerGroup)
		if err != nil {
			patch[key] = nil
			continue
		}
		// Filter states that fail the validity predicate before deciding
		// whether anything survives, per spec.md §4.C's aggressive key pass.
		record.RetainValid()
		if record.IsEmpty() {
			patch[key] = nil
			continue
		}
		reencoded, err := senderkey.Serialize(record)
		if err != nil {
			j.log.Warn().Err(err).Str("key", key).Msg("sender-key janitor: re-encode failed")
			continue
		}
		patch[key] = &reencoded
	}
	if len(patch) == 0 {
		return nil
	}
	return j.store.Set(ctx, store.Patch{store.CategorySenderKey: patch})
}

// ClearGroupMemory drops sender-key-memory[group] entirely, forcing the
// next send to redistribute the sender key to every device.
func (j *Janitor) ClearGroupMemory(ctx context.Context, group types.JID) error {
	key := group.ToNonAD().String()
	return j.store.Set(ctx, store.Patch{store.CategorySenderKeyMemory: {key: nil}})
}

// ClearLocalSenderKey drops the local sender-key entry for group, keyed as
// group::me::0 per spec.md §4.C, forcing this side to mint a new chain.
func (j *Janitor) ClearLocalSenderKey(ctx context.Context, group, me types.JID) error {
	key := localSenderKeyKey(group, me)
	return j.store.Set(ctx, store.Patch{store.CategorySenderKey: {key: nil}})
}

func localSenderKeyKey(group, me types.JID) string {
	return group.ToNonAD().String() + "::" + me.ToNonAD().User + "::0"
}
