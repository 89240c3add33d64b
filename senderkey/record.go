// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package senderkey

import (
	"go.mau.fi/wacore/internal/util"
)

// DefaultMaxStates is the ring capacity spec.md §3 specifies: up to 5
// states per group, oldest dropped on overflow.
const DefaultMaxStates = 5

// Record is an ordered sequence of up to maxStates SenderKeyStates for one
// group (DefaultMaxStates unless set through NewRecordWithCap), newest at
// the tail. See spec.md §4.A.
type Record struct {
	ring      *util.RingBuffer[uint32, *State]
	maxStates int
}

// NewRecord creates an empty record with the default 5-state cap.
func NewRecord() *Record {
	return NewRecordWithCap(DefaultMaxStates)
}

// NewRecordWithCap creates an empty record with a caller-chosen cap, per
// SPEC_FULL.md's supplemental "state budget configurability" note.
func NewRecordWithCap(maxStates int) *Record {
	if maxStates <= 0 {
		maxStates = DefaultMaxStates
	}
	return &Record{ring: util.NewRingBuffer[uint32, *State](maxStates), maxStates: maxStates}
}

// IsEmpty reports whether the record holds no states.
func (r *Record) IsEmpty() bool {
	return r.ring.Size() == 0
}

// GetState returns the state for keyID if present and valid. If no id is
// given (hasID == false), it returns the newest valid state, scanning
// tailward; if no valid state exists at all, the record is emptied and ok
// is false. See spec.md §4.A.
func (r *Record) GetState(keyID uint32, hasID bool) (state *State, ok bool) {
	if hasID {
		st, found := r.ring.Get(keyID)
		if !found || !st.Valid() {
			return nil, false
		}
		return st, true
	}

	var found *State
	_ = r.ring.Iter(func(_ uint32, val *State) error {
		if val.Valid() {
			found = val
			return util.StopIteration
		}
		return nil
	})
	if found == nil {
		r.ring.Reset()
		return nil, false
	}
	return found, true
}

// AddState appends a new state, evicting the oldest one if the ring is full.
func (r *Record) AddState(keyID uint32, iteration uint32, chainKeySeed []byte, publicSigningKey []byte) {
	r.ring.Push(keyID, &State{
		KeyID:      keyID,
		ChainKey:   &ChainKey{Iteration: iteration, Seed: cloneBytes(chainKeySeed)},
		SigningKey: SigningKeyPair{Public: cloneBytes(publicSigningKey)},
	})
}

// SetState destructively resets the ring to hold a single full state, used
// when this endpoint originated the key and therefore owns the private
// signing key too.
func (r *Record) SetState(keyID uint32, iteration uint32, chainKeySeed []byte, signingKeyPair SigningKeyPair) {
	r.ring.Reset()
	r.ring.Push(keyID, &State{
		KeyID:    keyID,
		ChainKey: &ChainKey{Iteration: iteration, Seed: cloneBytes(chainKeySeed)},
		SigningKey: SigningKeyPair{
			Public:  cloneBytes(signingKeyPair.Public),
			Private: cloneBytes(signingKeyPair.Private),
		},
	})
}

// States returns the record's states ordered oldest to newest, matching the
// serialized array order.
func (r *Record) States() []*State {
	return r.ring.OldestFirst()
}

// RetainValid drops every state that fails the validity predicate, keeping
// the remaining states in their original oldest-to-newest order under the
// ring's existing cap. Used by the aggressive sender-key janitor pass
// (spec.md §4.C) to repair a record holding one or more corrupt states.
func (r *Record) RetainValid() {
	states := r.ring.OldestFirst()
	r.ring.Reset()
	for _, s := range states {
		if s.Valid() {
			r.ring.Push(s.KeyID, s)
		}
	}
}

// Len reports how many states the record currently holds.
func (r *Record) Len() int {
	return r.ring.Size()
}
