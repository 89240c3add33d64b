// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package senderkey implements the group sender-key ring described in
// spec.md §3/§4.A: a bounded, validated sequence of SenderKeyStates per
// group, used both to rotate the key this endpoint distributes and to hold
// onto recently superseded keys long enough to decrypt out-of-order
// messages from other rotating participants.
package senderkey

// ChainKey is the symmetric ratchet state for a sender key.
type ChainKey struct {
	Iteration uint32 `json:"iteration"`
	Seed      []byte `json:"seed"`
}

// SigningKeyPair is the Ed25519-shaped keypair a sender key is authenticated
// with. Private is only present for the state this endpoint originated.
type SigningKeyPair struct {
	Public  []byte `json:"public"`
	Private []byte `json:"private,omitempty"`
}

// MessageKey is one entry in a state's bounded lookahead, letting the
// receiver decrypt a message whose chain iteration already advanced past it.
type MessageKey struct {
	Iteration uint32 `json:"iteration"`
	Seed      []byte `json:"seed"`
}

// State is a single entry in a group's sender-key ring.
type State struct {
	KeyID       uint32         `json:"senderKeyId"`
	ChainKey    *ChainKey      `json:"senderChainKey"`
	SigningKey  SigningKeyPair `json:"senderSigningKey"`
	MessageKeys []MessageKey   `json:"senderMessageKeys"`
}

// Valid reports whether s satisfies the invariants in spec.md §3: a
// positive key id, a present chain key with a non-negative iteration (always
// true for an unsigned counter, so this reduces to "chain key present"), and
// a non-empty signing public key.
func (s *State) Valid() bool {
	return s != nil && s.KeyID > 0 && s.ChainKey != nil && len(s.SigningKey.Public) > 0
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := &State{
		KeyID: s.KeyID,
		SigningKey: SigningKeyPair{
			Public:  cloneBytes(s.SigningKey.Public),
			Private: cloneBytes(s.SigningKey.Private),
		},
	}
	if s.ChainKey != nil {
		out.ChainKey = &ChainKey{Iteration: s.ChainKey.Iteration, Seed: cloneBytes(s.ChainKey.Seed)}
	}
	if s.MessageKeys != nil {
		out.MessageKeys = make([]MessageKey, len(s.MessageKeys))
		for i, mk := range s.MessageKeys {
			out.MessageKeys[i] = MessageKey{Iteration: mk.Iteration, Seed: cloneBytes(mk.Seed)}
		}
	}
	return out
}
